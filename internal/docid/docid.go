// Package docid assigns and re-derives the stable element identities the
// editing core addresses elements by.
//
// Every id-target element carries a dx:id attribute: an 8-character
// uppercase hex value in [1, 0x7FFFFFFF], unique across the whole document
// including header and footer parts. Paragraphs and rows mirror the id into
// the format-native w14:paraId (and carry a w14:textId) because the
// reference editor preserves those across open/save even when it strips the
// private attribute.
package docid

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/valdo404/docx-session/internal/oxml"
)

// Attribute local names.
const (
	AttrID     = "id"
	AttrParaID = "paraId"
	AttrTextID = "textId"
)

// maxID bounds generated values: ids are drawn from [1, maxID].
const maxID = 0x7FFFFFFF

// freshAttempts bounds collision retries before giving up. Exhausting it
// on a 31-bit space means the collision set itself is broken.
const freshAttempts = 1000

// ErrInvalidElementKind indicates an id assignment on a node kind that is
// not an id-target.
var ErrInvalidElementKind = errors.New("element kind cannot carry an id")

// ErrIDCollision indicates the generator could not find an unused id.
// Seeing it means the caller's collision set is corrupt.
var ErrIDCollision = errors.New("id collision")

// idTargets are the node kinds eligible to carry a stable identity.
var idTargets = map[oxml.Kind]bool{
	oxml.KindParagraph:     true,
	oxml.KindTable:         true,
	oxml.KindRow:           true,
	oxml.KindCell:          true,
	oxml.KindRun:           true,
	oxml.KindDrawing:       true,
	oxml.KindHyperlink:     true,
	oxml.KindBookmarkStart: true,
}

// IsIDTarget reports whether kind can carry a stable id.
func IsIDTarget(kind oxml.Kind) bool { return idTargets[kind] }

// Generator draws fresh ids from a per-session PRNG. It is not safe for
// concurrent use; the owning session's lock serializes access.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a generator seeded from seed. Each session owns its
// own generator; there is no process-wide instance.
func NewGenerator(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Fresh returns an unused 8-hex id and records it in existing.
//
// Possible errors:
//   - [ErrIDCollision]: no unused value found within the retry budget
func (g *Generator) Fresh(existing map[string]struct{}) (string, error) {
	for range freshAttempts {
		v := g.rng.Uint32N(maxID) + 1

		id := fmt.Sprintf("%08X", v)
		if _, taken := existing[id]; taken {
			continue
		}

		existing[id] = struct{}{}

		return id, nil
	}

	return "", fmt.Errorf("%w: %d attempts exhausted", ErrIDCollision, freshAttempts)
}

// EnsureNamespace asserts the identity namespace can be declared on the
// document. The codec derives namespace declarations (and the mc:Ignorable
// list) from attribute usage at serialize time, so there is nothing to
// stamp; the call exists so callers can treat the declaration as an
// explicit precondition.
func EnsureNamespace(_ *oxml.Document) error { return nil }

// GetID returns the stable id of node, if it has one.
func GetID(tree *oxml.Tree, node oxml.NodeID) (string, bool) {
	v, ok := tree.Attr(node, oxml.NSIdentity, AttrID)
	if !ok || v == "" {
		return "", false
	}

	return v, true
}

// AssignID stamps a fresh id on node, drawing from gen and avoiding
// existing. Assignment is idempotent: a node that already carries an id
// keeps it and its id is returned.
//
// Possible errors:
//   - [ErrInvalidElementKind]: node kind is not an id-target
//   - [ErrIDCollision]: see [Generator.Fresh]
func AssignID(tree *oxml.Tree, node oxml.NodeID, gen *Generator, existing map[string]struct{}) (string, error) {
	n := tree.Node(node)
	if !IsIDTarget(n.Kind) {
		return "", fmt.Errorf("%w: %s", ErrInvalidElementKind, n.Kind)
	}

	if id, ok := GetID(tree, node); ok {
		return id, nil
	}

	id, err := gen.Fresh(existing)
	if err != nil {
		return "", err
	}

	tree.SetAttr(node, oxml.NSIdentity, AttrID, id)
	mirrorRevisionAttrs(tree, node, gen, existing)

	return id, nil
}

// CollectExistingIDs gathers every id already present in the document:
// dx:id values on all parts plus w14:paraId values, which are in the same
// collision domain because stripped ids are re-adopted from them.
func CollectExistingIDs(doc *oxml.Document) map[string]struct{} {
	existing := make(map[string]struct{})

	for _, root := range doc.PartRoots() {
		doc.Tree.Walk(root, func(n oxml.NodeID) bool {
			if v, ok := doc.Tree.Attr(n, oxml.NSIdentity, AttrID); ok && v != "" {
				existing[normalizeID(v)] = struct{}{}
			}

			if v, ok := doc.Tree.Attr(n, oxml.NSWordML2010, AttrParaID); ok && v != "" {
				existing[normalizeID(v)] = struct{}{}
			}

			return true
		})
	}

	return existing
}

// EnsureAllIDs walks the body and every header/footer part and makes sure
// each id-target carries a stable id:
//
//   - dx:id missing but w14:paraId present: the reference editor stripped
//     the private attribute; adopt paraId as the id.
//   - both missing: draw a fresh id, stamp dx:id, and for paragraphs and
//     rows mirror it into paraId plus a fresh textId.
//   - dx:id present: keep it, mirroring paraId/textId where absent.
//
// Idempotent: running it twice changes nothing the second time.
func EnsureAllIDs(doc *oxml.Document, gen *Generator) error {
	existing := CollectExistingIDs(doc)

	for _, root := range doc.PartRoots() {
		kind := doc.Tree.Node(root).Kind
		if kind != oxml.KindBody && kind != oxml.KindHeader && kind != oxml.KindFooter {
			continue
		}

		var walkErr error

		doc.Tree.Walk(root, func(n oxml.NodeID) bool {
			if !IsIDTarget(doc.Tree.Node(n).Kind) {
				return true
			}

			if err := ensureNodeID(doc.Tree, n, gen, existing); err != nil {
				walkErr = err

				return false
			}

			return true
		})

		if walkErr != nil {
			return walkErr
		}
	}

	return nil
}

func ensureNodeID(tree *oxml.Tree, node oxml.NodeID, gen *Generator, existing map[string]struct{}) error {
	id, hasID := GetID(tree, node)
	paraID, _ := tree.Attr(node, oxml.NSWordML2010, AttrParaID)

	switch {
	case hasID:
		// Keep.
	case paraID != "":
		id = normalizeID(paraID)
		tree.SetAttr(node, oxml.NSIdentity, AttrID, id)
		existing[id] = struct{}{}
	default:
		fresh, err := gen.Fresh(existing)
		if err != nil {
			return err
		}

		id = fresh
		tree.SetAttr(node, oxml.NSIdentity, AttrID, id)
	}

	mirrorRevisionAttrs(tree, node, gen, existing)

	return nil
}

// mirrorRevisionAttrs keeps w14:paraId/w14:textId populated on paragraphs
// and rows so identity survives the reference editor stripping dx:id.
func mirrorRevisionAttrs(tree *oxml.Tree, node oxml.NodeID, gen *Generator, existing map[string]struct{}) {
	kind := tree.Node(node).Kind
	if kind != oxml.KindParagraph && kind != oxml.KindRow {
		return
	}

	id, _ := GetID(tree, node)

	if v, ok := tree.Attr(node, oxml.NSWordML2010, AttrParaID); !ok || v == "" {
		tree.SetAttr(node, oxml.NSWordML2010, AttrParaID, id)
	}

	if v, ok := tree.Attr(node, oxml.NSWordML2010, AttrTextID); !ok || v == "" {
		if fresh, err := gen.Fresh(existing); err == nil {
			tree.SetAttr(node, oxml.NSWordML2010, AttrTextID, fresh)
		}
	}
}

// FindByID returns the id-target under root whose dx:id equals id
// (case-insensitive), or [oxml.None].
func FindByID(tree *oxml.Tree, root oxml.NodeID, id string) oxml.NodeID {
	want := normalizeID(id)
	found := oxml.None

	tree.Walk(root, func(n oxml.NodeID) bool {
		if v, ok := GetID(tree, n); ok && normalizeID(v) == want {
			found = n

			return false
		}

		return true
	})

	return found
}

func normalizeID(id string) string { return strings.ToUpper(id) }
