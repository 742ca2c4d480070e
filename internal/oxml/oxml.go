// Package oxml provides the in-memory document tree the editing core works
// on, together with parse/serialize for the flat-XML package form.
//
// The tree is arena-allocated: nodes live in a single slice owned by the
// [Tree] and refer to each other by [NodeID] indices. Parent links are
// indices, never pointers, so documents contain no reference cycles and can
// be deep-cloned by copying arena entries.
//
// The main types are:
//   - [Tree]: the node arena with structural mutation primitives
//   - [Document]: a tree plus its named parts and relationship table
//   - [Node]: one element or text fragment
package oxml

import (
	"errors"
	"fmt"
	"strings"
)

// Namespace URIs used across the word-processing parts.
const (
	// NSMain is the WordprocessingML main namespace (prefix w).
	NSMain = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

	// NSIdentity is the private namespace carrying stable element ids
	// (prefix dx). The reference editor ignores it via mc:Ignorable.
	NSIdentity = "http://schemas.valdo404.dev/docx/2024/identity"

	// NSWordML2010 carries the format-native revision attributes
	// paraId and textId (prefix w14).
	NSWordML2010 = "http://schemas.microsoft.com/office/word/2010/wordml"

	// NSCompat is the markup-compatibility namespace (prefix mc).
	NSCompat = "http://schemas.openxmlformats.org/markup-compatibility/2006"

	// NSRel is the relationship reference namespace (prefix r).
	NSRel = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"

	// NSPackage is the flat-package wrapper namespace (prefix pkg).
	NSPackage = "http://schemas.microsoft.com/office/2006/xmlPackage"

	// NSDrawingWP is the word-processing drawing namespace (prefix wp).
	NSDrawingWP = "http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing"

	// NSDrawingA is the DrawingML main namespace (prefix a).
	NSDrawingA = "http://schemas.openxmlformats.org/drawingml/2006/main"
)

// Canonical prefixes for the known namespaces. The serializer always emits
// these prefixes, which keeps serialized output byte-stable across
// parse/serialize round trips.
var canonicalPrefixes = map[string]string{
	NSMain:       "w",
	NSIdentity:   "dx",
	NSWordML2010: "w14",
	NSCompat:     "mc",
	NSRel:        "r",
	NSPackage:    "pkg",
	NSDrawingWP:  "wp",
	NSDrawingA:   "a",
}

// NodeID is an index into a [Tree] arena. The zero value is not a valid
// node; use [None] for "no node".
type NodeID int32

// None is the absent node id.
const None NodeID = -1

// Kind classifies a node. Structural mutation and path resolution dispatch
// on kinds rather than element names.
type Kind uint8

// Node kinds. KindOther covers every element the core carries opaquely.
const (
	KindOther Kind = iota
	KindBody
	KindParagraph
	KindRun
	KindText
	KindTab
	KindBreak
	KindTable
	KindRow
	KindCell
	KindHyperlink
	KindDrawing
	KindBookmarkStart
	KindHeader
	KindFooter
	KindComment
	KindSectionProps
	KindRunProps
	KindParaProps
	KindTableProps
	KindRowProps
	KindCellProps
)

// kindNames maps kinds to the name used in diagnostics.
var kindNames = map[Kind]string{
	KindOther:         "other",
	KindBody:          "body",
	KindParagraph:     "paragraph",
	KindRun:           "run",
	KindText:          "text",
	KindTab:           "tab",
	KindBreak:         "break",
	KindTable:         "table",
	KindRow:           "row",
	KindCell:          "cell",
	KindHyperlink:     "hyperlink",
	KindDrawing:       "drawing",
	KindBookmarkStart: "bookmarkStart",
	KindHeader:        "header",
	KindFooter:        "footer",
	KindComment:       "comment",
	KindSectionProps:  "sectPr",
	KindRunProps:      "rPr",
	KindParaProps:     "pPr",
	KindTableProps:    "tblPr",
	KindRowProps:      "trPr",
	KindCellProps:     "tcPr",
}

// String returns the diagnostic name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// elementKinds maps main-namespace element local names to kinds.
var elementKinds = map[string]Kind{
	"body":          KindBody,
	"p":             KindParagraph,
	"r":             KindRun,
	"t":             KindText,
	"tab":           KindTab,
	"br":            KindBreak,
	"tbl":           KindTable,
	"tr":            KindRow,
	"tc":            KindCell,
	"hyperlink":     KindHyperlink,
	"drawing":       KindDrawing,
	"bookmarkStart": KindBookmarkStart,
	"hdr":           KindHeader,
	"ftr":           KindFooter,
	"comment":       KindComment,
	"sectPr":        KindSectionProps,
	"rPr":           KindRunProps,
	"pPr":           KindParaProps,
	"tblPr":         KindTableProps,
	"trPr":          KindRowProps,
	"tcPr":          KindCellProps,
}

// kindLocals is the inverse of elementKinds for node construction.
var kindLocals = func() map[Kind]string {
	m := make(map[Kind]string, len(elementKinds))
	for local, k := range elementKinds {
		m[k] = local
	}

	return m
}()

// KindForElement returns the kind for a main-namespace element name.
// Elements outside the main namespace and unknown locals are KindOther.
func KindForElement(space, local string) Kind {
	if space != NSMain {
		return KindOther
	}

	if k, ok := elementKinds[local]; ok {
		return k
	}

	return KindOther
}

// ErrNotElement indicates a structural operation targeted a text fragment.
var ErrNotElement = errors.New("node is not an element")

// Attr is one XML attribute with a resolved namespace URI. Space is empty
// for unprefixed attributes.
type Attr struct {
	Space string
	Local string
	Value string
}

// Node is a single tree node. Fields are exported for traversal; all
// structural mutation must go through [Tree] methods so parent links and
// child lists stay consistent.
type Node struct {
	Kind  Kind
	Space string
	Local string
	Attrs []Attr

	// Text holds character content for KindText nodes and is empty
	// otherwise.
	Text string

	Parent   NodeID
	Children []NodeID

	// detached marks arena entries removed from the document. They are
	// never reused; the arena only grows.
	detached bool
}

// Tree is the node arena. The zero value is not usable; call [NewTree].
type Tree struct {
	nodes []Node
}

// NewTree returns an empty arena.
func NewTree() *Tree {
	return &Tree{nodes: make([]Node, 0, 64)}
}

// Len returns the number of allocated arena entries, detached ones included.
func (t *Tree) Len() int { return len(t.nodes) }

// Node returns the node for id. The returned pointer stays valid until the
// next allocation; callers must not hold it across Alloc or Clone calls.
func (t *Tree) Node(id NodeID) *Node {
	return &t.nodes[id]
}

// Valid reports whether id names a live, attached-or-root arena entry.
func (t *Tree) Valid(id NodeID) bool {
	return id >= 0 && int(id) < len(t.nodes) && !t.nodes[id].detached
}

// Alloc allocates a new element node with no parent.
func (t *Tree) Alloc(kind Kind, space, local string) NodeID {
	t.nodes = append(t.nodes, Node{
		Kind:   kind,
		Space:  space,
		Local:  local,
		Parent: None,
	})

	return NodeID(len(t.nodes) - 1)
}

// AllocElement allocates a main-namespace element for kind, using the
// canonical local name.
func (t *Tree) AllocElement(kind Kind) NodeID {
	local, ok := kindLocals[kind]
	if !ok {
		local = "unknown"
	}

	return t.Alloc(kind, NSMain, local)
}

// AllocText allocates a w:t text fragment holding text.
func (t *Tree) AllocText(text string) NodeID {
	id := t.Alloc(KindText, NSMain, "t")
	t.nodes[id].Text = text

	return id
}

// AppendChild attaches child as the last child of parent.
func (t *Tree) AppendChild(parent, child NodeID) {
	t.nodes[child].Parent = parent
	t.nodes[parent].Children = append(t.nodes[parent].Children, child)
}

// InsertChild attaches child at index idx of parent's child list. idx is
// clamped to [0, len(children)].
func (t *Tree) InsertChild(parent, child NodeID, idx int) {
	children := t.nodes[parent].Children
	if idx < 0 {
		idx = 0
	}

	if idx > len(children) {
		idx = len(children)
	}

	children = append(children, None)
	copy(children[idx+1:], children[idx:])
	children[idx] = child
	t.nodes[parent].Children = children
	t.nodes[child].Parent = parent
}

// Detach removes node from its parent's child list. The node and its
// subtree stay allocated and can be reattached (move) or abandoned
// (remove).
func (t *Tree) Detach(node NodeID) {
	parent := t.nodes[node].Parent
	if parent == None {
		return
	}

	children := t.nodes[parent].Children
	for i, c := range children {
		if c == node {
			t.nodes[parent].Children = append(children[:i], children[i+1:]...)

			break
		}
	}

	t.nodes[node].Parent = None
}

// Discard detaches node and marks its whole subtree as dead arena entries.
func (t *Tree) Discard(node NodeID) {
	t.Detach(node)
	t.walkMark(node)
}

func (t *Tree) walkMark(node NodeID) {
	t.nodes[node].detached = true
	for _, c := range t.nodes[node].Children {
		t.walkMark(c)
	}
}

// ChildIndex returns the position of child under parent, or -1.
func (t *Tree) ChildIndex(parent, child NodeID) int {
	for i, c := range t.nodes[parent].Children {
		if c == child {
			return i
		}
	}

	return -1
}

// Clone copies node into the same arena. With deep=true the whole subtree
// is copied; otherwise only the node itself (no children).
func (t *Tree) Clone(node NodeID, deep bool) NodeID {
	src := t.nodes[node]

	cp := Node{
		Kind:   src.Kind,
		Space:  src.Space,
		Local:  src.Local,
		Text:   src.Text,
		Parent: None,
	}
	cp.Attrs = append([]Attr(nil), src.Attrs...)

	t.nodes = append(t.nodes, cp)
	id := NodeID(len(t.nodes) - 1)

	if deep {
		for _, c := range src.Children {
			cc := t.Clone(c, true)
			t.AppendChild(id, cc)
		}
	}

	return id
}

// Attr returns the value of the (space, local) attribute on node.
func (t *Tree) Attr(node NodeID, space, local string) (string, bool) {
	for _, a := range t.nodes[node].Attrs {
		if a.Space == space && a.Local == local {
			return a.Value, true
		}
	}

	return "", false
}

// SetAttr sets or replaces the (space, local) attribute on node.
func (t *Tree) SetAttr(node NodeID, space, local, value string) {
	attrs := t.nodes[node].Attrs
	for i, a := range attrs {
		if a.Space == space && a.Local == local {
			attrs[i].Value = value

			return
		}
	}

	t.nodes[node].Attrs = append(attrs, Attr{Space: space, Local: local, Value: value})
}

// RemoveAttr deletes the (space, local) attribute from node if present.
func (t *Tree) RemoveAttr(node NodeID, space, local string) {
	attrs := t.nodes[node].Attrs
	for i, a := range attrs {
		if a.Space == space && a.Local == local {
			t.nodes[node].Attrs = append(attrs[:i], attrs[i+1:]...)

			return
		}
	}
}

// Walk visits node and every descendant in document order. Returning false
// from fn stops the walk.
func (t *Tree) Walk(node NodeID, fn func(NodeID) bool) bool {
	if !fn(node) {
		return false
	}

	for _, c := range t.nodes[node].Children {
		if !t.Walk(c, fn) {
			return false
		}
	}

	return true
}

// Descendants returns node and all descendants in document order.
func (t *Tree) Descendants(node NodeID) []NodeID {
	var out []NodeID

	t.Walk(node, func(n NodeID) bool {
		out = append(out, n)

		return true
	})

	return out
}

// ChildrenOfKind returns the direct children of parent having kind.
func (t *Tree) ChildrenOfKind(parent NodeID, kind Kind) []NodeID {
	var out []NodeID

	for _, c := range t.nodes[parent].Children {
		if t.nodes[c].Kind == kind {
			out = append(out, c)
		}
	}

	return out
}

// NodeText concatenates all descendant text fragments of node, with tabs
// and breaks rendered as a tab and newline respectively.
func (t *Tree) NodeText(node NodeID) string {
	var sb strings.Builder

	t.Walk(node, func(n NodeID) bool {
		switch t.nodes[n].Kind {
		case KindText:
			sb.WriteString(t.nodes[n].Text)
		case KindTab:
			sb.WriteByte('\t')
		case KindBreak:
			sb.WriteByte('\n')
		}

		return true
	})

	return sb.String()
}

// StyleID returns the style id of a paragraph or table, reading
// w:pStyle/w:tblStyle from the properties child. Empty when unset.
func (t *Tree) StyleID(node NodeID) string {
	var propsKind Kind

	var styleLocal string

	switch t.nodes[node].Kind {
	case KindParagraph:
		propsKind, styleLocal = KindParaProps, "pStyle"
	case KindTable:
		propsKind, styleLocal = KindTableProps, "tblStyle"
	default:
		return ""
	}

	for _, c := range t.nodes[node].Children {
		if t.nodes[c].Kind != propsKind {
			continue
		}

		for _, pc := range t.nodes[c].Children {
			p := t.nodes[pc]
			if p.Space == NSMain && p.Local == styleLocal {
				if v, ok := t.Attr(pc, NSMain, "val"); ok {
					return v
				}
			}
		}
	}

	return ""
}
