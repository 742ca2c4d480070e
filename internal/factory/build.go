package factory

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/valdo404/docx-session/internal/oxml"
)

// emuPerPixel converts pixel-ish image dimensions to document units.
const emuPerPixel = 9525

// imageExtensions are the recognized image file extensions.
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
}

// List style ids per list_style value.
var listStyles = map[string]string{
	"":       "ListBullet",
	"bullet": "ListBullet",
	"number": "ListNumber",
}

// Factory builds tree nodes for one document. It needs the document, not
// just its tree, because images and hyperlinks create relationship
// entries.
type Factory struct {
	doc *oxml.Document
}

// New returns a factory for doc.
func New(doc *oxml.Document) *Factory {
	return &Factory{doc: doc}
}

// Build constructs the element described by raw for insertion under a
// parent of the given kind. Run-level values (image, hyperlink,
// page_break) are wrapped in a paragraph when the parent is block-level;
// block-level values under a paragraph are rejected.
//
// A list value expands to several paragraphs; Build returns them all.
// Every other value returns a single node.
//
// Possible errors:
//   - [ErrInvalidValue]: unknown type, missing field, bad enum
//   - [ErrTreeConstraint]: value illegal under the parent kind
func (f *Factory) Build(parentKind oxml.Kind, raw json.RawMessage) ([]oxml.NodeID, error) {
	v, err := DecodeValue(raw)
	if err != nil {
		return nil, err
	}

	return f.BuildValue(parentKind, v)
}

// BuildValue is [Factory.Build] for an already decoded value.
func (f *Factory) BuildValue(parentKind oxml.Kind, v *Value) ([]oxml.NodeID, error) {
	blockParent := parentKind != oxml.KindParagraph && parentKind != oxml.KindHyperlink

	switch v.Type {
	case TypeParagraph:
		if !blockParent {
			return nil, fmt.Errorf("%w: paragraph cannot nest in a paragraph", ErrTreeConstraint)
		}

		n, err := f.buildParagraph(v)

		return wrap(n, err)
	case TypeHeading:
		if !blockParent {
			return nil, fmt.Errorf("%w: heading cannot nest in a paragraph", ErrTreeConstraint)
		}

		n, err := f.buildHeading(v)

		return wrap(n, err)
	case TypeTable:
		if !blockParent {
			return nil, fmt.Errorf("%w: table cannot nest in a paragraph", ErrTreeConstraint)
		}

		n, err := f.buildTable(v)

		return wrap(n, err)
	case TypeRow:
		if parentKind != oxml.KindTable {
			return nil, fmt.Errorf("%w: row requires a table parent", ErrTreeConstraint)
		}

		n, err := f.buildRow(RowValue{Cells: v.Cells, IsHeader: v.IsHeader}, nil)

		return wrap(n, err)
	case TypeCell:
		if parentKind != oxml.KindRow {
			return nil, fmt.Errorf("%w: cell requires a row parent", ErrTreeConstraint)
		}

		n, err := f.buildCell(Cell{
			Text: v.Text, Runs: v.Runs, Shading: "", ColSpan: 0,
		})

		return wrap(n, err)
	case TypeImage:
		n, err := f.buildImage(v)
		if err != nil {
			return nil, err
		}

		return wrap(f.blockWrap(n, blockParent), nil)
	case TypeHyperlink:
		n, err := f.buildHyperlink(v)
		if err != nil {
			return nil, err
		}

		return wrap(f.blockWrap(n, blockParent), nil)
	case TypePageBreak:
		run := f.breakRun("page")

		return wrap(f.blockWrap(run, blockParent), nil)
	case TypeSectionBreak:
		if !blockParent {
			return nil, fmt.Errorf("%w: section_break cannot nest in a paragraph", ErrTreeConstraint)
		}

		return wrap(f.buildSectionBreak(v), nil)
	case TypeList:
		if !blockParent {
			return nil, fmt.Errorf("%w: list cannot nest in a paragraph", ErrTreeConstraint)
		}

		return f.buildList(v)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidValue, v.Type)
	}
}

func wrap(n oxml.NodeID, err error) ([]oxml.NodeID, error) {
	if err != nil {
		return nil, err
	}

	return []oxml.NodeID{n}, nil
}

// blockWrap puts a run-level node into a fresh paragraph when the
// insertion parent is block-level.
func (f *Factory) blockWrap(n oxml.NodeID, blockParent bool) oxml.NodeID {
	if !blockParent {
		return n
	}

	p := f.doc.Tree.AllocElement(oxml.KindParagraph)
	f.doc.Tree.AppendChild(p, n)

	return p
}

func (f *Factory) buildParagraph(v *Value) (oxml.NodeID, error) {
	tree := f.doc.Tree
	p := tree.AllocElement(oxml.KindParagraph)

	if err := ApplyParagraphProps(tree, p, v.Properties); err != nil {
		return oxml.None, err
	}

	runs := v.Runs
	if len(runs) == 0 && v.Text != "" {
		runs = []Run{{Text: v.Text, Style: v.Style}}
	}

	for _, r := range runs {
		run, err := f.buildRun(r.Text, mergeStyles(v.Style, r.Style))
		if err != nil {
			return oxml.None, err
		}

		tree.AppendChild(p, run)
	}

	return p, nil
}

func (f *Factory) buildHeading(v *Value) (oxml.NodeID, error) {
	level := v.Level
	if level == 0 {
		level = 1
	}

	if level < 1 || level > 9 {
		return oxml.None, fmt.Errorf("%w: heading level must be 1..9, got %d", ErrInvalidValue, level)
	}

	props := Properties{}
	for k, raw := range v.Properties {
		props[k] = raw
	}

	props["style"] = json.RawMessage(strconv.Quote("Heading" + strconv.Itoa(level)))

	para := *v
	para.Properties = props

	return f.buildParagraph(&para)
}

func (f *Factory) buildRun(text string, style Style) (oxml.NodeID, error) {
	tree := f.doc.Tree
	run := tree.AllocElement(oxml.KindRun)

	if err := ApplyRunStyle(tree, run, style); err != nil {
		return oxml.None, err
	}

	tree.AppendChild(run, tree.AllocText(text))

	return run, nil
}

// mergeStyles overlays specific on top of base without mutating either.
func mergeStyles(base, specific Style) Style {
	if len(base) == 0 {
		return specific
	}

	out := Style{}
	for k, v := range base {
		out[k] = v
	}

	for k, v := range specific {
		out[k] = v
	}

	return out
}

// Table border edges emitted for border_style/border_size.
var borderEdges = []string{"top", "left", "bottom", "right", "insideH", "insideV"}

func (f *Factory) buildTable(v *Value) (oxml.NodeID, error) {
	tree := f.doc.Tree
	tbl := tree.AllocElement(oxml.KindTable)
	tblPr := tree.AllocElement(oxml.KindTableProps)
	tree.AppendChild(tbl, tblPr)

	if v.TableAlignment != "" {
		jc, ok := validAlignments[v.TableAlignment]
		if !ok {
			return oxml.None, fmt.Errorf("%w: unknown table_alignment %q", ErrInvalidValue, v.TableAlignment)
		}

		jcNode := tree.Alloc(oxml.KindOther, oxml.NSMain, "jc")
		tree.SetAttr(jcNode, oxml.NSMain, "val", jc)
		tree.AppendChild(tblPr, jcNode)
	}

	if v.Width > 0 {
		widthType := v.WidthType
		if widthType == "" {
			widthType = "dxa"
		}

		w := tree.Alloc(oxml.KindOther, oxml.NSMain, "tblW")
		tree.SetAttr(w, oxml.NSMain, "w", strconv.Itoa(int(v.Width)))
		tree.SetAttr(w, oxml.NSMain, "type", widthType)
		tree.AppendChild(tblPr, w)
	}

	if v.BorderStyle != "" {
		size := v.BorderSize
		if size <= 0 {
			size = 4
		}

		borders := tree.Alloc(oxml.KindOther, oxml.NSMain, "tblBorders")

		for _, edge := range borderEdges {
			e := tree.Alloc(oxml.KindOther, oxml.NSMain, edge)
			tree.SetAttr(e, oxml.NSMain, "val", v.BorderStyle)
			tree.SetAttr(e, oxml.NSMain, "sz", strconv.Itoa(int(size)))
			tree.AppendChild(borders, e)
		}

		tree.AppendChild(tblPr, borders)
	}

	if len(v.Headers) > 0 {
		cells := make([]cellValue, len(v.Headers))
		for i, h := range v.Headers {
			cells[i] = cellValue{Cell: Cell{Text: h}}
		}

		boldStyle := Style{"bold": json.RawMessage("true")}

		row, err := f.buildRow(RowValue{Cells: cells, IsHeader: true}, boldStyle)
		if err != nil {
			return oxml.None, err
		}

		tree.AppendChild(tbl, row)
	}

	rows, err := v.tableRows()
	if err != nil {
		return oxml.None, err
	}

	for _, rv := range rows {
		row, err := f.buildRow(rv, nil)
		if err != nil {
			return oxml.None, err
		}

		tree.AppendChild(tbl, row)
	}

	return tbl, nil
}

// buildRow builds one table row. cellStyle, when non-nil, is applied to
// every cell's runs (header bolding).
func (f *Factory) buildRow(rv RowValue, cellStyle Style) (oxml.NodeID, error) {
	tree := f.doc.Tree
	tr := tree.AllocElement(oxml.KindRow)

	if rv.IsHeader {
		trPr := tree.AllocElement(oxml.KindRowProps)
		hdr := tree.Alloc(oxml.KindOther, oxml.NSMain, "tblHeader")
		tree.AppendChild(trPr, hdr)
		tree.AppendChild(tr, trPr)
	}

	for _, cv := range rv.Cells {
		cell := cv.Cell
		if cellStyle != nil {
			for i := range cell.Runs {
				cell.Runs[i].Style = mergeStyles(cellStyle, cell.Runs[i].Style)
			}

			if len(cell.Runs) == 0 {
				cell.Runs = []Run{{Text: cell.Text, Style: cellStyle}}
				cell.Text = ""
			}
		}

		tc, err := f.buildCell(cell)
		if err != nil {
			return oxml.None, err
		}

		tree.AppendChild(tr, tc)
	}

	return tr, nil
}

func (f *Factory) buildCell(c Cell) (oxml.NodeID, error) {
	tree := f.doc.Tree
	tc := tree.AllocElement(oxml.KindCell)

	if pr := f.buildCellProps(c); pr != oxml.None {
		tree.AppendChild(tc, pr)
	}

	switch {
	case len(c.Paragraphs) > 0:
		for i := range c.Paragraphs {
			p, err := f.buildParagraph(&c.Paragraphs[i])
			if err != nil {
				return oxml.None, err
			}

			tree.AppendChild(tc, p)
		}
	case len(c.Runs) > 0:
		p, err := f.buildParagraph(&Value{Type: TypeParagraph, Runs: c.Runs})
		if err != nil {
			return oxml.None, err
		}

		tree.AppendChild(tc, p)
	default:
		p, err := f.buildParagraph(&Value{Type: TypeParagraph, Text: c.Text})
		if err != nil {
			return oxml.None, err
		}

		tree.AppendChild(tc, p)
	}

	return tc, nil
}

func (f *Factory) buildCellProps(c Cell) oxml.NodeID {
	tree := f.doc.Tree

	tcPr := tree.AllocElement(oxml.KindCellProps)

	if c.Width > 0 {
		w := tree.Alloc(oxml.KindOther, oxml.NSMain, "tcW")
		tree.SetAttr(w, oxml.NSMain, "w", strconv.Itoa(int(c.Width)))
		tree.SetAttr(w, oxml.NSMain, "type", "dxa")
		tree.AppendChild(tcPr, w)
	}

	if c.ColSpan > 1 {
		span := tree.Alloc(oxml.KindOther, oxml.NSMain, "gridSpan")
		tree.SetAttr(span, oxml.NSMain, "val", strconv.Itoa(c.ColSpan))
		tree.AppendChild(tcPr, span)
	}

	if c.RowSpan == "restart" || c.RowSpan == "continue" {
		merge := tree.Alloc(oxml.KindOther, oxml.NSMain, "vMerge")
		tree.SetAttr(merge, oxml.NSMain, "val", c.RowSpan)
		tree.AppendChild(tcPr, merge)
	}

	if c.VerticalAlign != "" {
		va := tree.Alloc(oxml.KindOther, oxml.NSMain, "vAlign")
		tree.SetAttr(va, oxml.NSMain, "val", c.VerticalAlign)
		tree.AppendChild(tcPr, va)
	}

	if c.Shading != "" {
		shd := tree.Alloc(oxml.KindOther, oxml.NSMain, "shd")
		tree.SetAttr(shd, oxml.NSMain, "val", "clear")
		tree.SetAttr(shd, oxml.NSMain, "fill", c.Shading)
		tree.AppendChild(tcPr, shd)
	}

	if c.Borders != nil {
		borders := tree.Alloc(oxml.KindOther, oxml.NSMain, "tcBorders")

		edges := []struct{ local, style string }{
			{"top", c.Borders.Top},
			{"left", c.Borders.Left},
			{"bottom", c.Borders.Bottom},
			{"right", c.Borders.Right},
		}

		for _, edge := range edges {
			if edge.style == "" {
				continue
			}

			e := tree.Alloc(oxml.KindOther, oxml.NSMain, edge.local)
			tree.SetAttr(e, oxml.NSMain, "val", edge.style)
			tree.AppendChild(borders, e)
		}

		tree.AppendChild(tcPr, borders)
	}

	if len(tree.Node(tcPr).Children) == 0 {
		tree.Discard(tcPr)

		return oxml.None
	}

	return tcPr
}

func (f *Factory) buildImage(v *Value) (oxml.NodeID, error) {
	if v.Path == "" {
		return oxml.None, fmt.Errorf("%w: image requires a path", ErrInvalidValue)
	}

	ext := strings.ToLower(filepath.Ext(v.Path))
	if !imageExtensions[ext] {
		return oxml.None, fmt.Errorf("%w: unsupported image extension %q", ErrInvalidValue, ext)
	}

	relID := f.doc.AddRelationship(oxml.RelTypeImage, v.Path, false)

	tree := f.doc.Tree
	run := tree.AllocElement(oxml.KindRun)
	drawing := tree.AllocElement(oxml.KindDrawing)
	tree.AppendChild(run, drawing)

	inline := tree.Alloc(oxml.KindOther, oxml.NSDrawingWP, "inline")
	tree.AppendChild(drawing, inline)

	width := v.Width
	if width <= 0 {
		width = 300
	}

	height := v.Height
	if height <= 0 {
		height = 200
	}

	extent := tree.Alloc(oxml.KindOther, oxml.NSDrawingWP, "extent")
	tree.SetAttr(extent, "", "cx", strconv.FormatInt(int64(width*emuPerPixel), 10))
	tree.SetAttr(extent, "", "cy", strconv.FormatInt(int64(height*emuPerPixel), 10))
	tree.AppendChild(inline, extent)

	blip := tree.Alloc(oxml.KindOther, oxml.NSDrawingA, "blip")
	tree.SetAttr(blip, oxml.NSRel, "embed", relID)
	tree.AppendChild(inline, blip)

	return run, nil
}

func (f *Factory) buildHyperlink(v *Value) (oxml.NodeID, error) {
	if v.URL == "" {
		return oxml.None, fmt.Errorf("%w: hyperlink requires a url", ErrInvalidValue)
	}

	relID := f.doc.AddRelationship(oxml.RelTypeHyperlink, v.URL, true)

	tree := f.doc.Tree
	link := tree.AllocElement(oxml.KindHyperlink)
	tree.SetAttr(link, oxml.NSRel, "id", relID)

	text := v.Text
	if text == "" {
		text = v.URL
	}

	run, err := f.buildRun(text, v.Style)
	if err != nil {
		return oxml.None, err
	}

	// Anchor runs carry the Hyperlink character style.
	rPr := ensureProps(tree, run, oxml.KindRunProps)
	rStyle := tree.Alloc(oxml.KindOther, oxml.NSMain, "rStyle")
	tree.SetAttr(rStyle, oxml.NSMain, "val", "Hyperlink")
	tree.InsertChild(rPr, rStyle, 0)

	tree.AppendChild(link, run)

	return link, nil
}

func (f *Factory) breakRun(brType string) oxml.NodeID {
	tree := f.doc.Tree
	run := tree.AllocElement(oxml.KindRun)
	br := tree.AllocElement(oxml.KindBreak)
	tree.SetAttr(br, oxml.NSMain, "type", brType)
	tree.AppendChild(run, br)

	return run
}

func (f *Factory) buildSectionBreak(v *Value) oxml.NodeID {
	tree := f.doc.Tree
	p := tree.AllocElement(oxml.KindParagraph)
	pPr := tree.AllocElement(oxml.KindParaProps)
	tree.AppendChild(p, pPr)

	sectPr := tree.AllocElement(oxml.KindSectionProps)
	sectType := v.SectionType

	if sectType == "" {
		sectType = "nextPage"
	}

	typ := tree.Alloc(oxml.KindOther, oxml.NSMain, "type")
	tree.SetAttr(typ, oxml.NSMain, "val", sectType)
	tree.AppendChild(sectPr, typ)
	tree.AppendChild(pPr, sectPr)

	return p
}

func (f *Factory) buildList(v *Value) ([]oxml.NodeID, error) {
	styleID, ok := listStyles[v.ListStyle]
	if !ok {
		return nil, fmt.Errorf("%w: unknown list_style %q", ErrInvalidValue, v.ListStyle)
	}

	if len(v.Items) == 0 {
		return nil, fmt.Errorf("%w: list requires items", ErrInvalidValue)
	}

	out := make([]oxml.NodeID, 0, len(v.Items))

	for _, item := range v.Items {
		props := Properties{"style": json.RawMessage(strconv.Quote(styleID))}

		p, err := f.buildParagraph(&Value{
			Type:       TypeParagraph,
			Text:       item,
			Style:      v.Style,
			Properties: props,
		})
		if err != nil {
			return nil, err
		}

		out = append(out, p)
	}

	return out, nil
}

func unmarshalStrict(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
