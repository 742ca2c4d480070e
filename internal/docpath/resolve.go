package docpath

import (
	"fmt"
	"strings"

	"github.com/valdo404/docx-session/internal/docid"
	"github.com/valdo404/docx-session/internal/oxml"
)

// headingStylePrefix marks paragraph styles that make a paragraph a
// heading.
const headingStylePrefix = "Heading"

// Resolve evaluates the path against doc and returns the matching nodes in
// document order. The list may be empty for text/style/[*] selectors that
// match nothing; index and id selectors fail with [ErrNoMatch] instead so
// "selected nothing" stays distinguishable from "selector missed".
//
// Possible errors:
//   - [ErrNoMatch]: out-of-range index, unknown id, or missing part
func (p *Path) Resolve(doc *oxml.Document) ([]oxml.NodeID, error) {
	ctx, err := p.resolveRoot(doc)
	if err != nil {
		return nil, err
	}

	for _, seg := range p.Segs[1:] {
		switch seg.Kind {
		case SegElement:
			ctx, err = resolveElement(doc, ctx, seg)
		case SegChildren:
			ctx, err = resolveChildren(doc.Tree, ctx, seg.Index)
		case SegStyle:
			// Style addresses the element itself; the patch engine
			// interprets the style leaf.
		default:
			err = fmt.Errorf("%w: %s not allowed mid-path", ErrSyntax, segName(seg))
		}

		if err != nil {
			return nil, err
		}
	}

	return ctx, nil
}

// ResolveOne resolves the path and requires exactly one match.
//
// Possible errors:
//   - [ErrNoMatch]: zero matches
//   - [ErrAmbiguous]: more than one match
func (p *Path) ResolveOne(doc *oxml.Document) (oxml.NodeID, error) {
	nodes, err := p.Resolve(doc)
	if err != nil {
		return oxml.None, err
	}

	switch len(nodes) {
	case 0:
		return oxml.None, fmt.Errorf("%w: %s matched nothing", ErrNoMatch, p.Raw)
	case 1:
		return nodes[0], nil
	default:
		return oxml.None, fmt.Errorf("%w: %s matched %d elements", ErrAmbiguous, p.Raw, len(nodes))
	}
}

// ResolveForInsert maps the path to an insertion point: the parent node and
// the child index at which a new element should be inserted. The final
// segment must be children/<k> or an indexed element selector; k below
// zero clamps to prepend and k past the end clamps to append.
//
// Possible errors:
//   - [ErrSyntax]: the path does not name an insertion point
//   - [ErrNoMatch] / [ErrAmbiguous]: the parent prefix did not resolve to
//     exactly one node
func (p *Path) ResolveForInsert(doc *oxml.Document) (oxml.NodeID, int, error) {
	if len(p.Segs) == 0 {
		return oxml.None, 0, fmt.Errorf("%w: empty path", ErrSyntax)
	}

	last := p.Segs[len(p.Segs)-1]

	if last.Kind != SegChildren && !(last.Kind == SegElement && last.Sel.Kind == SelIndex) {
		return oxml.None, 0, fmt.Errorf("%w: %s does not name an insertion point", ErrSyntax, p.Raw)
	}

	prefix := &Path{Raw: p.Raw, Segs: p.Segs[:len(p.Segs)-1]}

	parent, err := prefix.ResolveOne(doc)
	if err != nil {
		return oxml.None, 0, err
	}

	children := doc.Tree.Node(parent).Children

	if last.Kind == SegChildren {
		idx := last.Index
		if idx < 0 {
			idx = 0
		}

		if idx > len(children) {
			idx = len(children)
		}

		return parent, idx, nil
	}

	// Indexed element selector: map the kind-relative index to an
	// absolute child index.
	kind := elementKeywords[last.Element]

	var positions []int

	for i, c := range children {
		if doc.Tree.Node(c).Kind == kind {
			positions = append(positions, i)
		}
	}

	k := last.Sel.Index

	switch {
	case len(positions) == 0:
		return parent, len(children), nil
	case k < 0:
		return parent, positions[0], nil
	case k >= len(positions):
		return parent, positions[len(positions)-1] + 1, nil
	default:
		return parent, positions[k], nil
	}
}

func (p *Path) resolveRoot(doc *oxml.Document) ([]oxml.NodeID, error) {
	root := p.Segs[0]

	switch root.Kind {
	case SegBody:
		return []oxml.NodeID{doc.Body}, nil
	case SegHeader:
		part := doc.Header(root.HF)
		if part == nil {
			return nil, fmt.Errorf("%w: no %s header part", ErrNoMatch, root.HF)
		}

		return []oxml.NodeID{part.Root}, nil
	case SegFooter:
		part := doc.Footer(root.HF)
		if part == nil {
			return nil, fmt.Errorf("%w: no %s footer part", ErrNoMatch, root.HF)
		}

		return []oxml.NodeID{part.Root}, nil
	case SegMetadata:
		part := doc.Part(oxml.PartURISettings)
		if part == nil {
			return nil, fmt.Errorf("%w: no settings part", ErrNoMatch)
		}

		return []oxml.NodeID{part.Root}, nil
	default:
		return nil, fmt.Errorf("%w: path must start at body, metadata, header, or footer", ErrSyntax)
	}
}

func resolveElement(doc *oxml.Document, ctx []oxml.NodeID, seg Segment) ([]oxml.NodeID, error) {
	kind := elementKeywords[seg.Element]

	var out []oxml.NodeID

	idSeen := false

	for _, parent := range ctx {
		candidates := candidatesOf(doc.Tree, parent, seg.Element, kind)

		matched, found, err := applySelector(doc, candidates, seg)
		if err != nil {
			return nil, err
		}

		idSeen = idSeen || found
		out = append(out, matched...)
	}

	if seg.Sel.Kind == SelID && !idSeen {
		return nil, fmt.Errorf("%w: no %s with id %q", ErrNoMatch, seg.Element, seg.Sel.Value)
	}

	return out, nil
}

// candidatesOf lists the direct children of parent eligible for the
// element keyword, filtering headings by style.
func candidatesOf(tree *oxml.Tree, parent oxml.NodeID, element string, kind oxml.Kind) []oxml.NodeID {
	children := tree.ChildrenOfKind(parent, kind)
	if element != "heading" {
		return children
	}

	var out []oxml.NodeID

	for _, c := range children {
		if strings.HasPrefix(tree.StyleID(c), headingStylePrefix) {
			out = append(out, c)
		}
	}

	return out
}

// applySelector filters candidates by the segment selector. The second
// return reports whether an id selector matched in this parent.
func applySelector(doc *oxml.Document, candidates []oxml.NodeID, seg Segment) ([]oxml.NodeID, bool, error) {
	tree := doc.Tree
	sel := seg.Sel

	switch sel.Kind {
	case SelAll:
		return candidates, false, nil
	case SelIndex:
		idx := sel.Index
		if idx < 0 {
			idx += len(candidates)
		}

		if idx < 0 || idx >= len(candidates) {
			return nil, false, fmt.Errorf("%w: %s[%d] out of range (have %d)",
				ErrNoMatch, seg.Element, sel.Index, len(candidates))
		}

		return []oxml.NodeID{candidates[idx]}, false, nil
	case SelID:
		var out []oxml.NodeID

		for _, c := range candidates {
			if id, ok := docid.GetID(tree, c); ok && strings.EqualFold(id, sel.Value) {
				out = append(out, c)
			}
		}

		return out, len(out) > 0, nil
	case SelText:
		var out []oxml.NodeID

		for _, c := range candidates {
			if tree.NodeText(c) == sel.Value {
				out = append(out, c)
			}
		}

		return out, false, nil
	case SelTextContains:
		want := strings.ToLower(sel.Value)

		var out []oxml.NodeID

		for _, c := range candidates {
			if strings.Contains(strings.ToLower(tree.NodeText(c)), want) {
				out = append(out, c)
			}
		}

		return out, false, nil
	case SelStyle:
		var out []oxml.NodeID

		for _, c := range candidates {
			if tree.StyleID(c) == sel.Value {
				out = append(out, c)
			}
		}

		return out, false, nil
	case SelLevel:
		want := fmt.Sprintf("%s%d", headingStylePrefix, sel.Level)

		var out []oxml.NodeID

		for _, c := range candidates {
			if tree.StyleID(c) == want {
				out = append(out, c)
			}
		}

		return out, false, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown selector", ErrSyntax)
	}
}

func resolveChildren(tree *oxml.Tree, ctx []oxml.NodeID, index int) ([]oxml.NodeID, error) {
	var out []oxml.NodeID

	for _, parent := range ctx {
		children := tree.Node(parent).Children

		idx := index
		if idx < 0 {
			idx += len(children)
		}

		if idx < 0 || idx >= len(children) {
			return nil, fmt.Errorf("%w: children/%d out of range (have %d)",
				ErrNoMatch, index, len(children))
		}

		out = append(out, children[idx])
	}

	return out, nil
}
