package oxml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformed indicates the document bytes are not a parseable package.
var ErrMalformed = errors.New("malformed document")

// Parse reads a document from its serialized flat-package form. Bare
// w:document payloads (no pkg:package wrapper) are accepted too.
//
// Possible errors:
//   - [ErrMalformed]: not well-formed XML, or no main document part
func Parse(data []byte) (*Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	doc := &Document{Tree: NewTree(), Body: None}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch {
		case start.Name.Space == NSPackage && start.Name.Local == "package":
			if err := parsePackage(dec, doc); err != nil {
				return nil, err
			}
		case start.Name.Space == NSMain && start.Name.Local == "document":
			if err := parseDocumentPart(dec, doc); err != nil {
				return nil, err
			}
		default:
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
		}
	}

	if doc.Body == None {
		return nil, fmt.Errorf("%w: missing main document part", ErrMalformed)
	}

	return doc, nil
}

// parsePackage walks pkg:part elements until the package close tag.
func parsePackage(dec *xml.Decoder, doc *Document) error {
	var partURI string

	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Space == NSPackage && t.Name.Local == "part":
				partURI = ""

				for _, a := range t.Attr {
					if a.Name.Local == "name" {
						partURI = a.Value
					}
				}
			case t.Name.Space == NSPackage && t.Name.Local == "xmlData":
				// Next start element is the part root.
			default:
				if err := parsePartRoot(dec, doc, partURI, t); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if t.Name.Space == NSPackage && t.Name.Local == "package" {
				return nil
			}
		}
	}
}

// parsePartRoot dispatches one part's root element.
func parsePartRoot(dec *xml.Decoder, doc *Document, uri string, start xml.StartElement) error {
	switch {
	case start.Name.Space == NSMain && start.Name.Local == "document":
		return parseDocumentPart(dec, doc)
	case start.Name.Space == NSRelationships && start.Name.Local == "Relationships":
		return parseRelationships(dec, doc)
	default:
		root, err := parseElement(dec, doc.Tree, start)
		if err != nil {
			return err
		}

		part := Part{URI: uri, Root: root}

		kind := doc.Tree.Node(root).Kind
		if kind == KindHeader || kind == KindFooter {
			part.HF = hfTypeFromURI(uri)
		}

		doc.Parts = append(doc.Parts, part)

		return nil
	}
}

// parseDocumentPart consumes the children of w:document, keeping the body.
func parseDocumentPart(dec *xml.Decoder, doc *Document) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == NSMain && t.Name.Local == "body" {
				body, err := parseElement(dec, doc.Tree, t)
				if err != nil {
					return err
				}

				doc.Body = body
			} else if err := dec.Skip(); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
		case xml.EndElement:
			if t.Name.Space == NSMain && t.Name.Local == "document" {
				return nil
			}
		}
	}
}

func parseRelationships(dec *xml.Decoder, doc *Document) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "Relationship" {
				var rel Relationship

				for _, a := range t.Attr {
					switch a.Name.Local {
					case "Id":
						rel.ID = a.Value
					case "Type":
						rel.Type = a.Value
					case "Target":
						rel.Target = a.Value
					case "TargetMode":
						rel.External = a.Value == "External"
					}
				}

				doc.Rels = append(doc.Rels, rel)
			}

			if err := dec.Skip(); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
		case xml.EndElement:
			if t.Name.Local == "Relationships" {
				return nil
			}
		}
	}
}

// parseElement builds the arena subtree for start and returns its node.
// Namespace declarations and mc:Ignorable are dropped; the serializer
// regenerates both.
func parseElement(dec *xml.Decoder, tree *Tree, start xml.StartElement) (NodeID, error) {
	kind := KindForElement(start.Name.Space, start.Name.Local)
	node := tree.Alloc(kind, start.Name.Space, start.Name.Local)

	for _, a := range start.Attr {
		if isNamespaceDecl(a.Name) {
			continue
		}

		if a.Name.Space == NSCompat && a.Name.Local == "Ignorable" {
			continue
		}

		// The decoder reports the xml prefix as its namespace URI.
		if kind == KindText && a.Name.Space == "http://www.w3.org/XML/1998/namespace" && a.Name.Local == "space" {
			continue
		}

		tree.Node(node).Attrs = append(tree.Node(node).Attrs, Attr{
			Space: a.Name.Space,
			Local: a.Name.Local,
			Value: a.Value,
		})
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return None, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			child, err := parseElement(dec, tree, t)
			if err != nil {
				return None, err
			}

			tree.AppendChild(node, child)
		case xml.CharData:
			if kind == KindText {
				tree.Node(node).Text += string(t)
			}
		case xml.EndElement:
			return node, nil
		}
	}
}

func isNamespaceDecl(name xml.Name) bool {
	return name.Space == "xmlns" || (name.Space == "" && name.Local == "xmlns")
}

func hfTypeFromURI(uri string) HFType {
	switch {
	case strings.Contains(uri, string(HFFirst)):
		return HFFirst
	case strings.Contains(uri, string(HFEven)):
		return HFEven
	default:
		return HFDefault
	}
}
