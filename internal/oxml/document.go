package oxml

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Part URIs inside the flat package.
const (
	PartURIDocument  = "/word/document.xml"
	PartURIStyles    = "/word/styles.xml"
	PartURINumbering = "/word/numbering.xml"
	PartURISettings  = "/word/settings.xml"
	PartURIComments  = "/word/comments.xml"
	PartURIRels      = "/word/_rels/document.xml.rels"
)

// Relationship types used by the factory.
const (
	RelTypeImage     = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/image"
	RelTypeHyperlink = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/hyperlink"
	RelTypeHeader    = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/header"
	RelTypeFooter    = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/footer"
)

// HFType is a header/footer placement type.
type HFType string

// Header/footer placement types.
const (
	HFDefault HFType = "default"
	HFFirst   HFType = "first"
	HFEven    HFType = "even"
)

// Part is one auxiliary XML part: a header, footer, styles part, and so on.
// The root node lives in the owning document's arena.
type Part struct {
	URI  string
	Root NodeID

	// HF is set for header and footer parts and names their placement.
	HF HFType
}

// Relationship is one entry of the document relationship table.
type Relationship struct {
	ID     string
	Type   string
	Target string

	// External marks targets outside the package (hyperlinks).
	External bool
}

// Document is a parsed word-processing document: one arena, a body root,
// auxiliary parts, and the relationship table.
type Document struct {
	Tree  *Tree
	Body  NodeID
	Parts []Part
	Rels  []Relationship
}

// New returns an empty but valid document: a body with a single empty
// paragraph, no auxiliary parts.
func New() *Document {
	t := NewTree()
	body := t.AllocElement(KindBody)
	p := t.AllocElement(KindParagraph)
	t.AppendChild(body, p)

	return &Document{Tree: t, Body: body}
}

// Header returns the header part of the given placement, or nil.
func (d *Document) Header(hf HFType) *Part {
	return d.findHF("header", hf)
}

// Footer returns the footer part of the given placement, or nil.
func (d *Document) Footer(hf HFType) *Part {
	return d.findHF("footer", hf)
}

func (d *Document) findHF(what string, hf HFType) *Part {
	for i := range d.Parts {
		p := &d.Parts[i]
		if p.HF != hf {
			continue
		}

		if what == "header" && d.Tree.Node(p.Root).Kind == KindHeader {
			return p
		}

		if what == "footer" && d.Tree.Node(p.Root).Kind == KindFooter {
			return p
		}
	}

	return nil
}

// Part returns the part with the given URI, or nil.
func (d *Document) Part(uri string) *Part {
	for i := range d.Parts {
		if d.Parts[i].URI == uri {
			return &d.Parts[i]
		}
	}

	return nil
}

// PartRoots returns the body plus every auxiliary part root, in a stable
// order (body first, then parts sorted by URI).
func (d *Document) PartRoots() []NodeID {
	out := []NodeID{d.Body}

	parts := append([]Part(nil), d.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].URI < parts[j].URI })

	for _, p := range parts {
		out = append(out, p.Root)
	}

	return out
}

// AddRelationship appends a relationship and returns its fresh id (rId<n>).
func (d *Document) AddRelationship(relType, target string, external bool) string {
	maxN := 0

	for _, r := range d.Rels {
		if n, ok := strings.CutPrefix(r.ID, "rId"); ok {
			if v, err := strconv.Atoi(n); err == nil && v > maxN {
				maxN = v
			}
		}
	}

	id := fmt.Sprintf("rId%d", maxN+1)
	d.Rels = append(d.Rels, Relationship{ID: id, Type: relType, Target: target, External: external})

	return id
}

// Relationship returns the relationship with the given id, or nil.
func (d *Document) Relationship(id string) *Relationship {
	for i := range d.Rels {
		if d.Rels[i].ID == id {
			return &d.Rels[i]
		}
	}

	return nil
}

// Clone returns an independent deep copy of the document.
func (d *Document) Clone() *Document {
	out, err := Parse(MustSerialize(d))
	if err != nil {
		// Serialize output is always parseable; a failure here is a bug
		// in the codec itself.
		panic(fmt.Sprintf("oxml: clone round trip failed: %v", err))
	}

	return out
}

// MustSerialize serializes d and panics on failure. Serialization of a
// well-formed in-memory tree cannot fail.
func MustSerialize(d *Document) []byte {
	b, err := Serialize(d)
	if err != nil {
		panic(fmt.Sprintf("oxml: serialize: %v", err))
	}

	return b
}
