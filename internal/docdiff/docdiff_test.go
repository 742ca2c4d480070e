package docdiff

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/valdo404/docx-session/internal/docid"
	"github.com/valdo404/docx-session/internal/oxml"
	"github.com/valdo404/docx-session/internal/patch"
)

// bodyDoc builds a document whose body has one paragraph per text.
func bodyDoc(t *testing.T, texts ...string) *oxml.Document {
	t.Helper()

	doc := &oxml.Document{Tree: oxml.NewTree()}
	tree := doc.Tree
	doc.Body = tree.AllocElement(oxml.KindBody)

	for _, text := range texts {
		p := tree.AllocElement(oxml.KindParagraph)

		if text != "" {
			r := tree.AllocElement(oxml.KindRun)
			tree.AppendChild(p, r)
			tree.AppendChild(r, tree.AllocText(text))
		}

		tree.AppendChild(doc.Body, p)
	}

	return doc
}

func kinds(changes []Change) map[ChangeKind]int {
	out := map[ChangeKind]int{}

	for _, c := range changes {
		out[c.Kind]++
	}

	return out
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	t.Parallel()

	a := bodyDoc(t, "one", "two", "three")
	b := bodyDoc(t, "one", "two", "three")

	res := Compare(a, b, Options{})

	if !res.Empty() {
		t.Errorf("diff(A, A) = %+v, want empty", res.Changes)
	}
}

func TestDiffIgnoresIdentityAttributes(t *testing.T) {
	t.Parallel()

	a := bodyDoc(t, "same text")
	b := bodyDoc(t, "same text")

	if err := docid.EnsureAllIDs(a, docid.NewGenerator(1)); err != nil {
		t.Fatal(err)
	}

	if err := docid.EnsureAllIDs(b, docid.NewGenerator(2)); err != nil {
		t.Fatal(err)
	}

	if res := Compare(a, b, Options{}); !res.Empty() {
		t.Errorf("different ids produced changes: %+v", res.Changes)
	}
}

func TestDiffAddedAmongDuplicates(t *testing.T) {
	t.Parallel()

	// Duplicate empty paragraphs around the insertion point must not be
	// reported as moves.
	a := bodyDoc(t, "A", "", "B", "", "C")
	b := bodyDoc(t, "A", "", "NEW", "B", "", "C")

	res := Compare(a, b, Options{})

	counts := kinds(res.Changes)

	want := map[ChangeKind]int{Added: 1}
	if diff := cmp.Diff(want, counts, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("change counts (-want +got):\n%s\nchanges: %+v", diff, res.Changes)
	}

	if res.Changes[0].NewIndex != 2 {
		t.Errorf("added at %d, want 2", res.Changes[0].NewIndex)
	}
}

func TestDiffDetectsRemoval(t *testing.T) {
	t.Parallel()

	a := bodyDoc(t, "one", "two", "three")
	b := bodyDoc(t, "one", "three")

	res := Compare(a, b, Options{})

	counts := kinds(res.Changes)
	if counts[Removed] != 1 || len(res.Changes) != 1 {
		t.Fatalf("changes = %+v, want exactly one removal", res.Changes)
	}

	if res.Changes[0].OldIndex != 1 {
		t.Errorf("removed at %d, want 1", res.Changes[0].OldIndex)
	}
}

func TestDiffDetectsMove(t *testing.T) {
	t.Parallel()

	a := bodyDoc(t, "alpha", "beta", "gamma")
	b := bodyDoc(t, "gamma", "alpha", "beta")

	res := Compare(a, b, Options{})

	counts := kinds(res.Changes)
	if counts[Moved] == 0 {
		t.Fatalf("no move detected: %+v", res.Changes)
	}

	if counts[Added] != 0 || counts[Removed] != 0 || counts[Modified] != 0 {
		t.Errorf("reorder produced non-move changes: %+v", res.Changes)
	}
}

func TestDiffModificationVsRewrite(t *testing.T) {
	t.Parallel()

	// Small edit: high token overlap, classified as a modification.
	a := bodyDoc(t, "the quick brown fox jumps over the lazy dog")
	b := bodyDoc(t, "the quick brown fox jumps over the sleepy dog")

	res := Compare(a, b, Options{})

	counts := kinds(res.Changes)
	if counts[Modified] != 1 || len(res.Changes) != 1 {
		t.Fatalf("small edit changes = %+v, want one modification", res.Changes)
	}

	// Total rewrite: no token overlap, classified as remove plus add.
	a = bodyDoc(t, "completely original content here")
	b = bodyDoc(t, "unrelated replacement text instead")

	res = Compare(a, b, Options{})

	counts = kinds(res.Changes)
	if counts[Removed] != 1 || counts[Added] != 1 || counts[Modified] != 0 {
		t.Errorf("rewrite changes = %+v, want remove+add", res.Changes)
	}
}

func TestThresholdMonotonicity(t *testing.T) {
	t.Parallel()

	a := bodyDoc(t, "shared words plus some extras")
	b := bodyDoc(t, "shared words plus other stuff")

	low := Compare(a, b, Options{SimilarityThreshold: 0.1})
	high := Compare(a, b, Options{SimilarityThreshold: 0.95})

	if kinds(low.Changes)[Modified] != 1 {
		t.Errorf("low threshold should pair as modification: %+v", low.Changes)
	}

	highCounts := kinds(high.Changes)
	if highCounts[Modified] != 0 || highCounts[Removed] != 1 || highCounts[Added] != 1 {
		t.Errorf("high threshold should split into remove+add: %+v", high.Changes)
	}
}

func TestTableDimensionRule(t *testing.T) {
	t.Parallel()

	mkTable := func(t *testing.T, rows int) *oxml.Document {
		t.Helper()

		doc := &oxml.Document{Tree: oxml.NewTree()}
		tree := doc.Tree
		doc.Body = tree.AllocElement(oxml.KindBody)
		tbl := tree.AllocElement(oxml.KindTable)

		for range rows {
			row := tree.AllocElement(oxml.KindRow)
			cell := tree.AllocElement(oxml.KindCell)
			p := tree.AllocElement(oxml.KindParagraph)
			r := tree.AllocElement(oxml.KindRun)
			tree.AppendChild(r, tree.AllocText("cell"))
			tree.AppendChild(p, r)
			tree.AppendChild(cell, p)
			tree.AppendChild(row, cell)
			tree.AppendChild(tbl, row)
		}

		tree.AppendChild(doc.Body, tbl)

		return doc
	}

	// 2 rows vs 8 rows: dimensions differ by > 50%, never a modify.
	res := Compare(mkTable(t, 2), mkTable(t, 8), Options{})

	counts := kinds(res.Changes)
	if counts[Modified] != 0 {
		t.Errorf("incompatible tables paired as modification: %+v", res.Changes)
	}
}

// applyPatches replays a diff's patch list onto doc through the patch
// engine.
func applyPatches(t *testing.T, doc *oxml.Document, ops []patch.Op) *oxml.Document {
	t.Helper()

	gen := docid.NewGenerator(55)

	for _, o := range ops {
		res, next := patch.Apply(doc, gen, []patch.Op{o}, patch.Options{})
		if !res.Success {
			t.Fatalf("replaying %+v: %+v", o, res.Operations)
		}

		doc = next
	}

	return doc
}

func TestPatchRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a    []string
		b    []string
	}{
		{name: "addition", a: []string{"one", "two"}, b: []string{"one", "inserted", "two"}},
		{name: "removal", a: []string{"one", "two", "three"}, b: []string{"one", "three"}},
		{name: "reorder", a: []string{"x", "y", "z"}, b: []string{"z", "x", "y"}},
		{name: "rewrite", a: []string{"alpha beta"}, b: []string{"totally different"}},
		{name: "mixed", a: []string{"keep", "drop", "move me"}, b: []string{"move me", "keep", "fresh"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := bodyDoc(t, tt.a...)
			b := bodyDoc(t, tt.b...)

			res := Compare(a, b, Options{})

			got := applyPatches(t, a, res.Patches)

			after := Compare(got, b, Options{})
			if len(after.Changes) != 0 {
				t.Errorf("round trip left changes: %+v", after.Changes)
			}
		})
	}
}

func TestUncoveredChanges(t *testing.T) {
	t.Parallel()

	withHeader := func(t *testing.T, headerText string) *oxml.Document {
		t.Helper()

		doc := bodyDoc(t, "body text")
		hdr := doc.Tree.AllocElement(oxml.KindHeader)
		p := doc.Tree.AllocElement(oxml.KindParagraph)
		r := doc.Tree.AllocElement(oxml.KindRun)
		doc.Tree.AppendChild(r, doc.Tree.AllocText(headerText))
		doc.Tree.AppendChild(p, r)
		doc.Tree.AppendChild(hdr, p)
		doc.Parts = append(doc.Parts, oxml.Part{URI: "/word/header-default.xml", Root: hdr, HF: oxml.HFDefault})

		return doc
	}

	res := Compare(withHeader(t, "draft"), withHeader(t, "final"), Options{})

	if len(res.Uncovered) != 1 {
		t.Fatalf("uncovered = %+v, want one entry", res.Uncovered)
	}

	uc := res.Uncovered[0]
	if uc.Type != "header" || uc.ChangeKind != string(Modified) {
		t.Errorf("uncovered = %+v", uc)
	}

	if len(res.Changes) != 0 {
		t.Errorf("header change leaked into body changes: %+v", res.Changes)
	}

	// A part present on one side only.
	res = Compare(bodyDoc(t, "body text"), withHeader(t, "new header"), Options{})

	if len(res.Uncovered) != 1 || res.Uncovered[0].ChangeKind != string(Added) {
		t.Errorf("uncovered = %+v, want one added", res.Uncovered)
	}
}
