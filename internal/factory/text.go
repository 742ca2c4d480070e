package factory

import (
	"strings"

	"github.com/valdo404/docx-session/internal/oxml"
)

// runSpan maps one run's text onto the paragraph's concatenated text.
type runSpan struct {
	run        oxml.NodeID
	start, end int
}

// ReplaceText replaces up to maxCount non-overlapping, case-sensitive
// occurrences of find in the paragraph's text, left to right. Matches that
// span run boundaries keep the surrounding formatting: the text before the
// match stays in its original run, the text after stays in its run, and
// the replacement inherits the style of the first overlapping run.
//
// Returns the total number of occurrences found (not capped) and the
// number actually replaced. maxCount < 0 means unlimited.
func ReplaceText(tree *oxml.Tree, para oxml.NodeID, find, replace string, maxCount int) (int, int) {
	if find == "" {
		return 0, 0
	}

	spans, full := collectRunSpans(tree, para)

	var matches []int

	for from := 0; ; {
		i := strings.Index(full[from:], find)
		if i < 0 {
			break
		}

		matches = append(matches, from+i)
		from += i + len(find)
	}

	if len(matches) == 0 {
		return 0, 0
	}

	replaced := len(matches)
	if maxCount >= 0 && replaced > maxCount {
		replaced = maxCount
	}

	// Apply right to left so earlier match offsets stay valid.
	for k := replaced - 1; k >= 0; k-- {
		applyReplacement(tree, spans, matches[k], matches[k]+len(find), replace)
	}

	return len(matches), replaced
}

// collectRunSpans gathers the runs under para in document order together
// with their positions in the concatenated text.
func collectRunSpans(tree *oxml.Tree, para oxml.NodeID) ([]runSpan, string) {
	var (
		spans []runSpan
		sb    strings.Builder
	)

	tree.Walk(para, func(n oxml.NodeID) bool {
		if tree.Node(n).Kind != oxml.KindRun {
			return true
		}

		text := runText(tree, n)
		start := sb.Len()
		sb.WriteString(text)
		spans = append(spans, runSpan{run: n, start: start, end: start + len(text)})

		return true
	})

	return spans, sb.String()
}

func runText(tree *oxml.Tree, run oxml.NodeID) string {
	var sb strings.Builder

	for _, c := range tree.Node(run).Children {
		if tree.Node(c).Kind == oxml.KindText {
			sb.WriteString(tree.Node(c).Text)
		}
	}

	return sb.String()
}

// applyReplacement rewrites the runs overlapping [s, e) so their combined
// text has the match replaced.
func applyReplacement(tree *oxml.Tree, spans []runSpan, s, e int, replace string) {
	first, last := -1, -1

	for i, sp := range spans {
		if sp.start < e && sp.end > s && sp.start != sp.end {
			if first < 0 {
				first = i
			}

			last = i
		}
	}

	if first < 0 {
		return
	}

	fs := spans[first]
	prefix := runText(tree, fs.run)[:s-fs.start]

	if first == last {
		suffix := runText(tree, fs.run)[e-fs.start:]
		setRunText(tree, fs.run, prefix+replace+suffix)

		return
	}

	setRunText(tree, fs.run, prefix+replace)

	ls := spans[last]
	suffix := runText(tree, ls.run)[e-ls.start:]
	setRunText(tree, ls.run, suffix)

	if suffix == "" && runHasOnlyText(tree, ls.run) {
		tree.Discard(ls.run)
	}

	for i := first + 1; i < last; i++ {
		mid := spans[i].run
		if runHasOnlyText(tree, mid) {
			tree.Discard(mid)
		} else {
			setRunText(tree, mid, "")
		}
	}
}

// setRunText collapses the run's text fragments into one holding text.
func setRunText(tree *oxml.Tree, run oxml.NodeID, text string) {
	firstTextIdx := -1

	for i, c := range tree.Node(run).Children {
		if tree.Node(c).Kind == oxml.KindText {
			firstTextIdx = i

			break
		}
	}

	children := append([]oxml.NodeID(nil), tree.Node(run).Children...)
	for _, c := range children {
		if tree.Node(c).Kind == oxml.KindText {
			tree.Discard(c)
		}
	}

	if text == "" {
		return
	}

	if firstTextIdx < 0 {
		firstTextIdx = len(tree.Node(run).Children)
	}

	tree.InsertChild(run, tree.AllocText(text), firstTextIdx)
}

// runHasOnlyText reports whether run carries nothing but properties and
// text fragments, making it safe to drop when its text empties out.
func runHasOnlyText(tree *oxml.Tree, run oxml.NodeID) bool {
	for _, c := range tree.Node(run).Children {
		switch tree.Node(c).Kind {
		case oxml.KindText, oxml.KindRunProps:
		default:
			return false
		}
	}

	return true
}
