package docdiff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/valdo404/docx-session/internal/dochash"
	"github.com/valdo404/docx-session/internal/oxml"
)

// comparePartsUncovered diffs the non-body parts of the two documents by
// their stripped serialized form. Differences here cannot be expressed as
// body patches and are reported as metadata only.
func comparePartsUncovered(a, b *oxml.Document) []UncoveredChange {
	aParts := partForms(a)
	bParts := partForms(b)

	uris := make(map[string]bool, len(aParts)+len(bParts))

	for uri := range aParts {
		uris[uri] = true
	}

	for uri := range bParts {
		uris[uri] = true
	}

	sorted := make([]string, 0, len(uris))
	for uri := range uris {
		sorted = append(sorted, uri)
	}

	sort.Strings(sorted)

	var out []UncoveredChange

	for _, uri := range sorted {
		av, inA := aParts[uri]
		bv, inB := bParts[uri]

		switch {
		case !inA:
			out = append(out, UncoveredChange{
				PartURI:     uri,
				Type:        partType(uri),
				ChangeKind:  string(Added),
				Description: fmt.Sprintf("%s part added", partType(uri)),
			})
		case !inB:
			out = append(out, UncoveredChange{
				PartURI:     uri,
				Type:        partType(uri),
				ChangeKind:  string(Removed),
				Description: fmt.Sprintf("%s part removed", partType(uri)),
			})
		case av != bv:
			out = append(out, UncoveredChange{
				PartURI:     uri,
				Type:        partType(uri),
				ChangeKind:  string(Modified),
				Description: fmt.Sprintf("%s part modified", partType(uri)),
			})
		}
	}

	return out
}

// partForms renders every non-body part with the identity/revision strip
// policy applied, keyed by part URI.
func partForms(doc *oxml.Document) map[string]string {
	out := make(map[string]string, len(doc.Parts))

	for _, p := range doc.Parts {
		clone := doc.Tree.Clone(p.Root, true)
		dochash.StripSubtree(doc.Tree, clone)

		out[p.URI] = oxml.OuterXML(doc.Tree, clone)

		doc.Tree.Discard(clone)
	}

	return out
}

func partType(uri string) string {
	switch {
	case strings.Contains(uri, "header"):
		return "header"
	case strings.Contains(uri, "footer"):
		return "footer"
	case uri == oxml.PartURIStyles:
		return "styles"
	case uri == oxml.PartURINumbering:
		return "numbering"
	case uri == oxml.PartURISettings:
		return "settings"
	case uri == oxml.PartURIComments:
		return "comments"
	default:
		return "other"
	}
}
