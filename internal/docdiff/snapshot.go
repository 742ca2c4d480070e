// Package docdiff compares two documents structurally and emits the patch
// operations that transform the old body into the new one.
//
// The comparison is content-addressed and id-free: elements are matched by
// a fingerprint of their normalized structural form (identity and revision
// attributes stripped), never by stored ids, so it works against files
// edited by tools that know nothing about our identity scheme.
package docdiff

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/valdo404/docx-session/internal/dochash"
	"github.com/valdo404/docx-session/internal/oxml"
)

// ElementType classifies top-level body elements for reporting.
type ElementType string

// Element types.
const (
	TypeParagraph ElementType = "paragraph"
	TypeHeading   ElementType = "heading"
	TypeTable     ElementType = "table"
	TypeList      ElementType = "list"
	TypeOther     ElementType = "other"
)

// ChangeKind classifies one body-level change.
type ChangeKind string

// Change kinds.
const (
	Added    ChangeKind = "added"
	Removed  ChangeKind = "removed"
	Modified ChangeKind = "modified"
	Moved    ChangeKind = "moved"
)

// Change is one body-level difference. OldIndex and NewIndex are -1 when
// the change has no position on that side.
type Change struct {
	Kind     ChangeKind  `json:"kind"`
	Type     ElementType `json:"type"`
	OldIndex int         `json:"old_index"`
	NewIndex int         `json:"new_index"`
	Text     string      `json:"text,omitempty"`
}

// UncoveredChange reports a difference in a non-body part (header,
// footer, styles, numbering, settings) that body patches cannot express.
type UncoveredChange struct {
	PartURI     string `json:"part_uri"`
	Type        string `json:"type"`
	ChangeKind  string `json:"change_kind"`
	Description string `json:"description"`
}

// ElementSnapshot is the comparable form of one top-level body element.
type ElementSnapshot struct {
	Type        ElementType
	Index       int
	ParentPath  string
	Fingerprint string
	Text        string

	node       oxml.NodeID
	rows, cols int
}

// dims returns the table dimensions captured at snapshot time. Zero for
// non-tables.
func (s *ElementSnapshot) dims() (int, int) { return s.rows, s.cols }

// listStyleIDs are the paragraph styles that classify an element as a
// list item.
var listStyleIDs = map[string]bool{
	"ListBullet":    true,
	"ListNumber":    true,
	"ListParagraph": true,
}

// snapshotBody builds snapshots for every top-level body element of doc.
func snapshotBody(doc *oxml.Document) []ElementSnapshot {
	tree := doc.Tree

	var out []ElementSnapshot

	for _, c := range tree.Node(doc.Body).Children {
		// Section properties are body bookkeeping, not content.
		if tree.Node(c).Kind == oxml.KindSectionProps {
			continue
		}

		snap := ElementSnapshot{
			Type:        classify(tree, c),
			Index:       len(out),
			ParentPath:  "/body",
			Fingerprint: fingerprint(tree, c),
			Text:        normalizeText(tree.NodeText(c)),
			node:        c,
		}

		if snap.Type == TypeTable {
			snap.rows, snap.cols = tableDims(tree, c)
		}

		out = append(out, snap)
	}

	return out
}

func classify(tree *oxml.Tree, node oxml.NodeID) ElementType {
	switch tree.Node(node).Kind {
	case oxml.KindTable:
		return TypeTable
	case oxml.KindParagraph:
		style := tree.StyleID(node)

		switch {
		case strings.HasPrefix(style, "Heading"):
			return TypeHeading
		case listStyleIDs[style]:
			return TypeList
		default:
			return TypeParagraph
		}
	default:
		return TypeOther
	}
}

// fingerprint hashes the element's normalized structural form: a deep
// clone with the identity/revision strip set removed, rendered as
// canonical XML.
func fingerprint(tree *oxml.Tree, node oxml.NodeID) string {
	clone := tree.Clone(node, true)
	dochash.StripSubtree(tree, clone)

	xml := oxml.OuterXML(tree, clone)
	tree.Discard(clone)

	sum := sha256.Sum256([]byte(xml))

	return hex.EncodeToString(sum[:8])
}

// normalizeText collapses whitespace runs to single spaces and trims.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// tableDims returns rows x max-columns for a table node.
func tableDims(tree *oxml.Tree, node oxml.NodeID) (int, int) {
	rows := tree.ChildrenOfKind(node, oxml.KindRow)

	maxCols := 0

	for _, r := range rows {
		if n := len(tree.ChildrenOfKind(r, oxml.KindCell)); n > maxCols {
			maxCols = n
		}
	}

	return len(rows), maxCols
}

func describeChange(c Change) string {
	switch c.Kind {
	case Added:
		return fmt.Sprintf("added %s at %d", c.Type, c.NewIndex)
	case Removed:
		return fmt.Sprintf("removed %s at %d", c.Type, c.OldIndex)
	case Moved:
		return fmt.Sprintf("moved %s from %d to %d", c.Type, c.OldIndex, c.NewIndex)
	default:
		return fmt.Sprintf("modified %s at %d", c.Type, c.NewIndex)
	}
}
