package docdiff

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/valdo404/docx-session/internal/oxml"
	"github.com/valdo404/docx-session/internal/patch"
)

// emit fills res.Changes and res.Patches from the matching outcome.
//
// Patches are ordered so each resolves against the correctly shifted
// tree: removals descending by old index, then moves, then modifications,
// then additions ascending by new index. A simulated child list tracks
// positions as ops apply.
func emit(res *Result, b *oxml.Document, as, bs []ElementSnapshot,
	matchA []int, removals []int, moves, mods []pair, additions []int,
) {
	// Simulated working list: the B index each surviving A element maps
	// to, in current tree order. -1 marks elements about to be removed.
	work := make([]int, 0, len(as))
	for ai := range as {
		work = append(work, matchA[ai])
	}

	pos := func(bi int) int {
		for i, v := range work {
			if v == bi {
				return i
			}
		}

		return -1
	}

	// Removals, descending old index. Processing high indices first
	// means each remaining element still sits at its original A index.
	sort.Sort(sort.Reverse(sort.IntSlice(removals)))

	for _, ai := range removals {
		p := ai

		res.Changes = append(res.Changes, Change{
			Kind: Removed, Type: as[ai].Type, OldIndex: ai, NewIndex: -1, Text: as[ai].Text,
		})
		res.Patches = append(res.Patches, patch.Op{
			Op:   patch.OpRemove,
			Path: childPath(p),
		})

		work = append(work[:p], work[p+1:]...)
	}

	// Moves: selection-sort the surviving elements into B order,
	// emitting one move per out-of-place element.
	desired := append([]int(nil), work...)
	sort.Ints(desired)

	for target, bi := range desired {
		cur := pos(bi)
		if cur == target {
			continue
		}

		res.Patches = append(res.Patches, patch.Op{
			Op:   patch.OpMove,
			From: childPath(cur),
			Path: childPath(target),
		})

		work = append(work[:cur], work[cur+1:]...)
		work = append(work[:target], append([]int{bi}, work[target:]...)...)
	}

	for _, m := range moves {
		res.Changes = append(res.Changes, Change{
			Kind: Moved, Type: bs[m.b].Type, OldIndex: m.a, NewIndex: m.b, Text: bs[m.b].Text,
		})
	}

	// Modifications: replace in place.
	for _, m := range mods {
		p := pos(m.b)

		res.Changes = append(res.Changes, Change{
			Kind: Modified, Type: bs[m.b].Type, OldIndex: m.a, NewIndex: m.b, Text: bs[m.b].Text,
		})
		res.Patches = append(res.Patches, patch.Op{
			Op:    patch.OpReplace,
			Path:  childPath(p),
			Value: buildValue(b.Tree, &bs[m.b]),
		})
	}

	// Additions, ascending new index. After removals and moves the
	// working list is in B order, so the insert slot is the count of
	// elements that precede bi.
	sort.Ints(additions)

	for _, bi := range additions {
		slot := 0

		for _, v := range work {
			if v < bi {
				slot++
			}
		}

		res.Changes = append(res.Changes, Change{
			Kind: Added, Type: bs[bi].Type, OldIndex: -1, NewIndex: bi, Text: bs[bi].Text,
		})
		res.Patches = append(res.Patches, patch.Op{
			Op:    patch.OpAdd,
			Path:  childPath(slot),
			Value: buildValue(b.Tree, &bs[bi]),
		})

		work = append(work[:slot], append([]int{bi}, work[slot:]...)...)
	}
}

func childPath(idx int) string {
	return fmt.Sprintf("/body/children/%d", idx)
}

// buildValue reconstructs a factory value for a B-side element so the
// patch list is replayable. The reconstruction keeps text, run splits
// with basic styling, paragraph style, and table cell text; exotic markup
// survives through the external-sync snapshot, not the audit patches.
func buildValue(tree *oxml.Tree, snap *ElementSnapshot) json.RawMessage {
	var v map[string]any

	switch snap.Type {
	case TypeTable:
		v = tableValue(tree, snap.node)
	case TypeHeading:
		v = paragraphValue(tree, snap.node)
		v["type"] = "heading"

		style := tree.StyleID(snap.node)
		if lvl := strings.TrimPrefix(style, "Heading"); lvl != style && len(lvl) == 1 {
			v["level"] = int(lvl[0] - '0')
		}
	default:
		v = paragraphValue(tree, snap.node)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("docdiff: encode value: %v", err))
	}

	return raw
}

func paragraphValue(tree *oxml.Tree, node oxml.NodeID) map[string]any {
	v := map[string]any{"type": "paragraph"}

	if style := tree.StyleID(node); style != "" && !strings.HasPrefix(style, "Heading") {
		v["properties"] = map[string]any{"style": style}
	}

	var runs []map[string]any

	for _, c := range tree.Node(node).Children {
		if tree.Node(c).Kind != oxml.KindRun {
			continue
		}

		text := tree.NodeText(c)
		if text == "" {
			continue
		}

		run := map[string]any{"text": text}
		if style := extractRunStyle(tree, c); len(style) > 0 {
			run["style"] = style
		}

		runs = append(runs, run)
	}

	switch len(runs) {
	case 0:
		v["text"] = ""
	case 1:
		v["text"] = runs[0]["text"]

		if style, ok := runs[0]["style"]; ok {
			v["style"] = style
		}
	default:
		v["runs"] = runs
	}

	return v
}

// extractRunStyle reads back the basic run formatting the factory can
// re-create.
func extractRunStyle(tree *oxml.Tree, run oxml.NodeID) map[string]any {
	style := make(map[string]any)

	for _, c := range tree.Node(run).Children {
		if tree.Node(c).Kind != oxml.KindRunProps {
			continue
		}

		for _, pc := range tree.Node(c).Children {
			p := tree.Node(pc)
			if p.Space != oxml.NSMain {
				continue
			}

			val, _ := tree.Attr(pc, oxml.NSMain, "val")

			switch p.Local {
			case "b":
				style["bold"] = true
			case "i":
				style["italic"] = true
			case "strike":
				style["strike"] = true
			case "u":
				style["underline"] = true
			case "sz":
				if n, err := parseInt(val); err == nil {
					style["font_size"] = float64(n) / 2
				}
			case "color":
				style["color"] = val
			case "highlight":
				style["highlight"] = val
			case "vertAlign":
				style["vertical_align"] = val
			}
		}
	}

	return style
}

func tableValue(tree *oxml.Tree, node oxml.NodeID) map[string]any {
	var rows [][]string

	for _, r := range tree.ChildrenOfKind(node, oxml.KindRow) {
		var cells []string

		for _, c := range tree.ChildrenOfKind(r, oxml.KindCell) {
			cells = append(cells, tree.NodeText(c))
		}

		rows = append(rows, cells)
	}

	return map[string]any{"type": "table", "rows": rows}
}

func parseInt(s string) (int, error) {
	var n int

	_, err := fmt.Sscanf(s, "%d", &n)

	return n, err
}

func splitTokens(s string) []string {
	return strings.Fields(strings.ToLower(s))
}
