// Package dochash computes revision-insensitive fingerprints of serialized
// documents.
//
// Two documents that differ only in stable ids or editor revision bookkeeping
// hash identically; any substantive content difference changes the hash. The
// hash is the lowercase hex of the first 8 bytes of a SHA-256 over the
// document re-serialized with every identity and revision attribute removed.
package dochash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/valdo404/docx-session/internal/oxml"
)

// stripLocals are the attribute local names removed before hashing.
var stripLocals = map[string]bool{
	"id":          true,
	"paraId":      true,
	"textId":      true,
	"rsidR":       true,
	"rsidRPr":     true,
	"rsidP":       true,
	"rsidRDefault": true,
	"rsidSect":    true,
	"rsidTr":      true,
	"rsidDel":     true,
}

// stripSpaces are the namespaces in which the strip set applies. The main
// namespace carries the rsid* attributes, the private and w14 namespaces
// carry identity. Blank covers unprefixed attributes.
var stripSpaces = map[string]bool{
	oxml.NSIdentity:   true,
	oxml.NSWordML2010: true,
	oxml.NSMain:       true,
	"":                true,
}

// Hash fingerprints serialized document bytes. Unparseable input is hashed
// as-is so the function is total: callers comparing hashes of the same
// broken bytes still get equality.
func Hash(data []byte) string {
	doc, err := oxml.Parse(data)
	if err != nil {
		return rawHash(data)
	}

	StripDocument(doc)

	stripped, err := oxml.Serialize(doc)
	if err != nil {
		return rawHash(data)
	}

	return rawHash(stripped)
}

// HashDocument fingerprints an in-memory document. Equivalent to
// Hash(Serialize(d)); d is not modified.
func HashDocument(d *oxml.Document) string {
	return Hash(oxml.MustSerialize(d))
}

// StripDocument removes every identity/revision attribute from all parts
// of d, in place. Namespace declarations for the stripped namespaces and
// their mc:Ignorable references disappear with them, because the codec
// derives both from attribute usage.
func StripDocument(d *oxml.Document) {
	for _, root := range d.PartRoots() {
		StripSubtree(d.Tree, root)
	}
}

// StripSubtree removes identity/revision attributes from node and all its
// descendants.
func StripSubtree(tree *oxml.Tree, node oxml.NodeID) {
	tree.Walk(node, func(n oxml.NodeID) bool {
		attrs := tree.Node(n).Attrs
		kept := attrs[:0]

		for _, a := range attrs {
			if stripLocals[a.Local] && stripSpaces[a.Space] {
				continue
			}

			kept = append(kept, a)
		}

		tree.Node(n).Attrs = kept

		return true
	})
}

func rawHash(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:8])
}
