package factory

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/valdo404/docx-session/internal/oxml"
)

func build(t *testing.T, doc *oxml.Document, parentKind oxml.Kind, value string) []oxml.NodeID {
	t.Helper()

	nodes, err := New(doc).Build(parentKind, json.RawMessage(value))
	if err != nil {
		t.Fatalf("Build(%s): %v", value, err)
	}

	return nodes
}

func TestBuildParagraph(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody, `{"type":"paragraph","text":"hello","style":{"bold":true,"font_size":12}}`)

	if len(nodes) != 1 {
		t.Fatalf("built %d nodes, want 1", len(nodes))
	}

	p := nodes[0]
	if doc.Tree.Node(p).Kind != oxml.KindParagraph {
		t.Fatalf("built %s, want paragraph", doc.Tree.Node(p).Kind)
	}

	if got := doc.Tree.NodeText(p); got != "hello" {
		t.Errorf("text = %q, want hello", got)
	}

	run := doc.Tree.ChildrenOfKind(p, oxml.KindRun)[0]
	rPr := doc.Tree.ChildrenOfKind(run, oxml.KindRunProps)

	if len(rPr) != 1 {
		t.Fatal("run has no properties")
	}

	assertPropChild(t, doc.Tree, rPr[0], "b", "", "")
	// 12pt is stored as 24 half-points.
	assertPropChild(t, doc.Tree, rPr[0], "sz", "val", "24")
}

func assertPropChild(t *testing.T, tree *oxml.Tree, props oxml.NodeID, local, attr, want string) {
	t.Helper()

	node := findPropChild(tree, props, local)
	if node == oxml.None {
		t.Errorf("missing property child %s", local)

		return
	}

	if attr == "" {
		return
	}

	got, _ := tree.Attr(node, oxml.NSMain, attr)
	if got != want {
		t.Errorf("%s@%s = %q, want %q", local, attr, got, want)
	}
}

func TestBuildHeadingStampsStyle(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody, `{"type":"heading","text":"Title","level":3}`)

	if got := doc.Tree.StyleID(nodes[0]); got != "Heading3" {
		t.Errorf("style = %q, want Heading3", got)
	}

	// Default level is 1.
	nodes = build(t, doc, oxml.KindBody, `{"type":"heading","text":"Top"}`)
	if got := doc.Tree.StyleID(nodes[0]); got != "Heading1" {
		t.Errorf("default style = %q, want Heading1", got)
	}
}

func TestBuildTable(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody,
		`{"type":"table","border_style":"single","headers":["Name","Age"],"rows":[["ada","36"],["grace","47"]]}`)

	tbl := nodes[0]
	rows := doc.Tree.ChildrenOfKind(tbl, oxml.KindRow)

	if len(rows) != 3 {
		t.Fatalf("table has %d rows, want 3 (header + 2)", len(rows))
	}

	headerCells := doc.Tree.ChildrenOfKind(rows[0], oxml.KindCell)
	if len(headerCells) != 2 {
		t.Fatalf("header row has %d cells, want 2", len(headerCells))
	}

	if got := doc.Tree.NodeText(headerCells[0]); got != "Name" {
		t.Errorf("header cell = %q, want Name", got)
	}

	if got := doc.Tree.NodeText(rows[2]); got != "grace47" {
		t.Errorf("last row text = %q, want grace47", got)
	}
}

func TestBuildCellObjects(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody,
		`{"type":"table","rows":[[{"text":"wide","col_span":2,"shading":"DDDDDD"},"plain"]]}`)

	row := doc.Tree.ChildrenOfKind(nodes[0], oxml.KindRow)[0]
	cells := doc.Tree.ChildrenOfKind(row, oxml.KindCell)

	if len(cells) != 2 {
		t.Fatalf("row has %d cells, want 2", len(cells))
	}

	tcPr := doc.Tree.ChildrenOfKind(cells[0], oxml.KindCellProps)
	if len(tcPr) != 1 {
		t.Fatal("spanned cell has no properties")
	}

	assertPropChild(t, doc.Tree, tcPr[0], "gridSpan", "val", "2")
	assertPropChild(t, doc.Tree, tcPr[0], "shd", "fill", "DDDDDD")
}

func TestBuildList(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody, `{"type":"list","items":["one","two","three"],"list_style":"number"}`)

	if len(nodes) != 3 {
		t.Fatalf("list built %d paragraphs, want 3", len(nodes))
	}

	for _, n := range nodes {
		if got := doc.Tree.StyleID(n); got != "ListNumber" {
			t.Errorf("list style = %q, want ListNumber", got)
		}
	}
}

func TestBuildHyperlinkCreatesRelationship(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody, `{"type":"hyperlink","url":"https://example.com","text":"link"}`)

	link := doc.Tree.ChildrenOfKind(nodes[0], oxml.KindHyperlink)
	if len(link) != 1 {
		t.Fatal("paragraph wrap lost the hyperlink")
	}

	relID, ok := doc.Tree.Attr(link[0], oxml.NSRel, "id")
	if !ok {
		t.Fatal("hyperlink has no relationship id")
	}

	rel := doc.Relationship(relID)
	if rel == nil || rel.Target != "https://example.com" || !rel.External {
		t.Errorf("relationship = %+v", rel)
	}
}

func TestBuildImage(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody, `{"type":"image","path":"/tmp/pic.png","width":100,"height":50}`)

	var extent oxml.NodeID = oxml.None

	doc.Tree.Walk(nodes[0], func(n oxml.NodeID) bool {
		if doc.Tree.Node(n).Local == "extent" {
			extent = n
		}

		return true
	})

	if extent == oxml.None {
		t.Fatal("drawing has no extent")
	}

	// 100px at 9525 EMU per pixel.
	if cx, _ := doc.Tree.Attr(extent, "", "cx"); cx != "952500" {
		t.Errorf("cx = %s, want 952500", cx)
	}

	if _, err := New(doc).Build(oxml.KindBody, json.RawMessage(`{"type":"image","path":"/tmp/pic.tiff"}`)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("unsupported extension err = %v, want ErrInvalidValue", err)
	}
}

func TestBlockNestingConstraints(t *testing.T) {
	t.Parallel()

	doc := oxml.New()

	_, err := New(doc).Build(oxml.KindParagraph, json.RawMessage(`{"type":"table"}`))
	if !errors.Is(err, ErrTreeConstraint) {
		t.Errorf("table under paragraph err = %v, want ErrTreeConstraint", err)
	}

	// page_break under a paragraph stays a bare run.
	nodes := build(t, doc, oxml.KindParagraph, `{"type":"page_break"}`)
	if doc.Tree.Node(nodes[0]).Kind != oxml.KindRun {
		t.Errorf("page_break under paragraph built %s, want run", doc.Tree.Node(nodes[0]).Kind)
	}

	// Under the body it gets a paragraph wrapper.
	nodes = build(t, doc, oxml.KindBody, `{"type":"page_break"}`)
	if doc.Tree.Node(nodes[0]).Kind != oxml.KindParagraph {
		t.Errorf("page_break under body built %s, want paragraph", doc.Tree.Node(nodes[0]).Kind)
	}
}

func TestMergeStyleNullRemoves(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody, `{"type":"paragraph","text":"styled","style":{"bold":true,"italic":true,"font_size":10}}`)
	run := doc.Tree.ChildrenOfKind(nodes[0], oxml.KindRun)[0]

	var patch Style
	if err := json.Unmarshal([]byte(`{"bold":null,"font_size":14}`), &patch); err != nil {
		t.Fatal(err)
	}

	if err := MergeStyle(doc.Tree, run, patch); err != nil {
		t.Fatalf("MergeStyle: %v", err)
	}

	rPr := doc.Tree.ChildrenOfKind(run, oxml.KindRunProps)[0]

	if findPropChild(doc.Tree, rPr, "b") != oxml.None {
		t.Error("bold survived explicit null")
	}

	if findPropChild(doc.Tree, rPr, "i") == oxml.None {
		t.Error("untouched italic was lost")
	}

	assertPropChild(t, doc.Tree, rPr, "sz", "val", "28")
}

func TestMergeStyleRejectsBadEnums(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody, `{"type":"paragraph","text":"x"}`)
	run := doc.Tree.ChildrenOfKind(nodes[0], oxml.KindRun)[0]

	for _, bad := range []string{
		`{"vertical_align":"middle"}`,
		`{"highlight":"chartreuse"}`,
		`{"color":"red"}`,
	} {
		var s Style
		if err := json.Unmarshal([]byte(bad), &s); err != nil {
			t.Fatal(err)
		}

		if err := MergeStyle(doc.Tree, run, s); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("MergeStyle(%s) err = %v, want ErrInvalidValue", bad, err)
		}
	}
}

func TestReplaceTextSingleRun(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody, `{"type":"paragraph","text":"say hello and hello again"}`)

	matches, replaced := ReplaceText(doc.Tree, nodes[0], "hello", "goodbye", 1)

	if matches != 2 || replaced != 1 {
		t.Errorf("matches=%d replaced=%d, want 2/1", matches, replaced)
	}

	if got := doc.Tree.NodeText(nodes[0]); got != "say goodbye and hello again" {
		t.Errorf("text = %q", got)
	}
}

func TestReplaceTextUnlimited(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody, `{"type":"paragraph","text":"aaa bbb aaa bbb aaa"}`)

	matches, replaced := ReplaceText(doc.Tree, nodes[0], "aaa", "xyz", -1)

	if matches != 3 || replaced != 3 {
		t.Errorf("matches=%d replaced=%d, want 3/3", matches, replaced)
	}

	if got := doc.Tree.NodeText(nodes[0]); got != "xyz bbb xyz bbb xyz" {
		t.Errorf("text = %q", got)
	}
}

func TestReplaceTextAcrossRuns(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody,
		`{"type":"paragraph","runs":[{"text":"before hel","style":{"bold":true}},{"text":"lo after","style":{"italic":true}}]}`)
	p := nodes[0]

	matches, replaced := ReplaceText(doc.Tree, p, "hello", "hi", 1)

	if matches != 1 || replaced != 1 {
		t.Fatalf("matches=%d replaced=%d, want 1/1", matches, replaced)
	}

	if got := doc.Tree.NodeText(p); got != "before hi after" {
		t.Fatalf("text = %q, want 'before hi after'", got)
	}

	runs := doc.Tree.ChildrenOfKind(p, oxml.KindRun)
	if len(runs) != 2 {
		t.Fatalf("paragraph has %d runs, want 2", len(runs))
	}

	// The replacement landed in the first (bold) run; the suffix kept
	// the second (italic) run's formatting.
	firstProps := doc.Tree.ChildrenOfKind(runs[0], oxml.KindRunProps)[0]
	if findPropChild(doc.Tree, firstProps, "b") == oxml.None {
		t.Error("first run lost bold")
	}

	if got := doc.Tree.NodeText(runs[0]); got != "before hi" {
		t.Errorf("first run text = %q, want 'before hi'", got)
	}

	secondProps := doc.Tree.ChildrenOfKind(runs[1], oxml.KindRunProps)[0]
	if findPropChild(doc.Tree, secondProps, "i") == oxml.None {
		t.Error("second run lost italic")
	}

	if got := doc.Tree.NodeText(runs[1]); got != " after" {
		t.Errorf("second run text = %q, want ' after'", got)
	}
}

func TestReplaceTextConsumedMiddleRunIsDropped(t *testing.T) {
	t.Parallel()

	doc := oxml.New()
	nodes := build(t, doc, oxml.KindBody,
		`{"type":"paragraph","runs":[{"text":"ab"},{"text":"cd"},{"text":"ef"}]}`)
	p := nodes[0]

	matches, replaced := ReplaceText(doc.Tree, p, "bcde", "X", 1)
	if matches != 1 || replaced != 1 {
		t.Fatalf("matches=%d replaced=%d", matches, replaced)
	}

	if got := doc.Tree.NodeText(p); got != "aXf" {
		t.Errorf("text = %q, want aXf", got)
	}

	if runs := doc.Tree.ChildrenOfKind(p, oxml.KindRun); len(runs) != 2 {
		t.Errorf("paragraph has %d runs, want 2 (middle consumed)", len(runs))
	}
}
