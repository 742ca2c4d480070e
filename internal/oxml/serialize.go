package oxml

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// NSRelationships is the package relationship part namespace.
const NSRelationships = "http://schemas.openxmlformats.org/package/2006/relationships"

const xmlHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n"

// Content types emitted on pkg:part elements. Parse ignores them.
var partContentTypes = map[string]string{
	PartURIDocument:  "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml",
	PartURIStyles:    "application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml",
	PartURINumbering: "application/vnd.openxmlformats-officedocument.wordprocessingml.numbering+xml",
	PartURISettings:  "application/vnd.openxmlformats-officedocument.wordprocessingml.settings+xml",
	PartURIComments:  "application/vnd.openxmlformats-officedocument.wordprocessingml.comments+xml",
	PartURIRels:      "application/vnd.openxmlformats-package.relationships+xml",
}

func contentTypeFor(uri string) string {
	if ct, ok := partContentTypes[uri]; ok {
		return ct
	}

	if strings.Contains(uri, "header") {
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.header+xml"
	}

	if strings.Contains(uri, "footer") {
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.footer+xml"
	}

	return "application/xml"
}

// Serialize writes the document in the flat package form. Output is
// deterministic: canonical namespace prefixes, stored attribute order,
// namespace declarations only for namespaces the part actually uses.
func Serialize(d *Document) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(xmlHeader)
	fmt.Fprintf(&buf, `<pkg:package xmlns:pkg="%s">`, NSPackage)

	w := &xmlWriter{tree: d.Tree, buf: &buf}

	// Main document part wraps the body in w:document.
	openPart(&buf, PartURIDocument)
	w.writePartRoot("document", []NodeID{d.Body})
	closePart(&buf)

	parts := append([]Part(nil), d.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].URI < parts[j].URI })

	for _, p := range parts {
		openPart(&buf, p.URI)
		w.writeNode(p.Root, true)
		closePart(&buf)
	}

	if len(d.Rels) > 0 {
		openPart(&buf, PartURIRels)
		writeRelationships(&buf, d.Rels)
		closePart(&buf)
	}

	buf.WriteString(`</pkg:package>`)

	return buf.Bytes(), nil
}

func openPart(buf *bytes.Buffer, uri string) {
	fmt.Fprintf(buf, `<pkg:part pkg:name="%s" pkg:contentType="%s"><pkg:xmlData>`,
		escapeAttr(uri), contentTypeFor(uri))
}

func closePart(buf *bytes.Buffer) {
	buf.WriteString(`</pkg:xmlData></pkg:part>`)
}

func writeRelationships(buf *bytes.Buffer, rels []Relationship) {
	fmt.Fprintf(buf, `<Relationships xmlns="%s">`, NSRelationships)

	for _, r := range rels {
		fmt.Fprintf(buf, `<Relationship Id="%s" Type="%s" Target="%s"`,
			escapeAttr(r.ID), escapeAttr(r.Type), escapeAttr(r.Target))

		if r.External {
			buf.WriteString(` TargetMode="External"`)
		}

		buf.WriteString(`/>`)
	}

	buf.WriteString(`</Relationships>`)
}

// OuterXML renders the subtree rooted at node as a standalone XML
// fragment with canonical prefixes and no namespace declarations. Used
// for fingerprinting and part comparison, where both sides render the
// same way.
func OuterXML(t *Tree, node NodeID) string {
	var buf bytes.Buffer

	w := &xmlWriter{tree: t, buf: &buf}
	w.writeNode(node, false)

	return buf.String()
}

// xmlWriter emits one part subtree with canonical prefixes.
type xmlWriter struct {
	tree *Tree
	buf  *bytes.Buffer
}

// writePartRoot emits a synthetic root element (w:document) holding the
// given children, declaring namespaces for everything used underneath.
func (w *xmlWriter) writePartRoot(local string, children []NodeID) {
	used := map[string]bool{NSMain: true}
	for _, c := range children {
		w.collectNamespaces(c, used)
	}

	fmt.Fprintf(w.buf, `<w:%s`, local)
	w.writeNamespaceDecls(used)
	w.buf.WriteByte('>')

	for _, c := range children {
		w.writeNode(c, false)
	}

	fmt.Fprintf(w.buf, `</w:%s>`, local)
}

// writeNode emits node. A root node declares the namespaces its subtree
// uses.
func (w *xmlWriter) writeNode(node NodeID, isRoot bool) {
	n := w.tree.Node(node)

	if n.Kind == KindText {
		fmt.Fprintf(w.buf, `<w:t xml:space="preserve">%s</w:t>`, escapeText(n.Text))

		return
	}

	name := w.qualified(n.Space, n.Local)
	w.buf.WriteByte('<')
	w.buf.WriteString(name)

	if isRoot {
		used := map[string]bool{}
		w.collectNamespaces(node, used)
		used[n.Space] = true
		w.writeNamespaceDecls(used)
	}

	for _, a := range n.Attrs {
		w.buf.WriteByte(' ')

		if a.Space == "" {
			w.buf.WriteString(a.Local)
		} else {
			w.buf.WriteString(w.qualified(a.Space, a.Local))
		}

		w.buf.WriteString(`="`)
		w.buf.WriteString(escapeAttr(a.Value))
		w.buf.WriteByte('"')
	}

	if len(n.Children) == 0 {
		w.buf.WriteString(`/>`)

		return
	}

	w.buf.WriteByte('>')

	for _, c := range n.Children {
		w.writeNode(c, false)
	}

	w.buf.WriteString(`</`)
	w.buf.WriteString(name)
	w.buf.WriteByte('>')
}

// writeNamespaceDecls declares the used namespaces in a stable order and,
// when the identity or revision namespaces are present, the mc:Ignorable
// list the reference editor expects.
func (w *xmlWriter) writeNamespaceDecls(used map[string]bool) {
	var ignorable []string

	uris := make([]string, 0, len(used))

	for uri := range used {
		if uri == "" {
			continue
		}

		uris = append(uris, uri)
	}

	if used[NSIdentity] || used[NSWordML2010] {
		if !used[NSCompat] {
			uris = append(uris, NSCompat)
		}

		if used[NSWordML2010] {
			ignorable = append(ignorable, "w14")
		}

		if used[NSIdentity] {
			ignorable = append(ignorable, "dx")
		}
	}

	sort.Slice(uris, func(i, j int) bool {
		return w.prefixFor(uris[i]) < w.prefixFor(uris[j])
	})

	for _, uri := range uris {
		fmt.Fprintf(w.buf, ` xmlns:%s="%s"`, w.prefixFor(uri), escapeAttr(uri))
	}

	if len(ignorable) > 0 {
		fmt.Fprintf(w.buf, ` mc:Ignorable="%s"`, strings.Join(ignorable, " "))
	}
}

func (w *xmlWriter) collectNamespaces(node NodeID, used map[string]bool) {
	w.tree.Walk(node, func(id NodeID) bool {
		n := w.tree.Node(id)
		if n.Space != "" {
			used[n.Space] = true
		}

		for _, a := range n.Attrs {
			if a.Space != "" {
				used[a.Space] = true
			}
		}

		return true
	})
}

func (w *xmlWriter) prefixFor(uri string) string {
	if p, ok := canonicalPrefixes[uri]; ok {
		return p
	}

	// Unknown namespaces get a deterministic prefix derived from the URI
	// tail so repeated serializations stay byte-identical.
	tail := uri
	if i := strings.LastIndexAny(uri, "/:"); i >= 0 && i+1 < len(uri) {
		tail = uri[i+1:]
	}

	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, tail)

	if clean == "" {
		clean = "ns"
	}

	return "x" + clean
}

func (w *xmlWriter) qualified(space, local string) string {
	if space == "" {
		return local
	}

	return w.prefixFor(space) + ":" + local
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

var attrEscaper = strings.NewReplacer(
	"&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "\n", "&#10;", "\t", "&#9;",
)

func escapeText(s string) string { return textEscaper.Replace(s) }

func escapeAttr(s string) string { return attrEscaper.Replace(s) }
