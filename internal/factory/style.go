package factory

import (
	"fmt"
	"strconv"

	"github.com/valdo404/docx-session/internal/oxml"
)

// Unit conversions at the value boundary. Font sizes arrive in points and
// are stored in half-points; spacing and indents arrive in points and are
// stored in twentieths of a point.
const (
	halfPointsPerPoint = 2
	twipsPerPoint      = 20
)

// Run property element locals, in the order the format expects them.
var runPropOrder = []string{"b", "i", "strike", "u", "sz", "rFonts", "color", "highlight", "vertAlign"}

// styleKeyElements maps style object keys to the run property local they
// control.
var styleKeyElements = map[string]string{
	"bold":           "b",
	"italic":         "i",
	"strike":         "strike",
	"underline":      "u",
	"font_size":      "sz",
	"font_name":      "rFonts",
	"color":          "color",
	"highlight":      "highlight",
	"vertical_align": "vertAlign",
}

// validHighlights are the named highlight colors the format accepts.
var validHighlights = map[string]bool{
	"yellow": true, "green": true, "cyan": true, "magenta": true,
	"blue": true, "red": true, "darkBlue": true, "darkCyan": true,
	"darkGreen": true, "darkMagenta": true, "darkRed": true, "darkYellow": true,
	"darkGray": true, "lightGray": true, "black": true, "white": true, "none": true,
}

// ApplyRunStyle merges style into the run's properties, field by field.
// Present keys replace the corresponding property, explicit nulls remove
// it, absent keys leave it alone.
//
// Possible errors:
//   - [ErrInvalidValue]: out-of-range enum (vertical_align, highlight)
func ApplyRunStyle(tree *oxml.Tree, run oxml.NodeID, style Style) error {
	if len(style) == 0 {
		return nil
	}

	props := ensureProps(tree, run, oxml.KindRunProps)

	for key := range style {
		local, known := styleKeyElements[key]
		if !known {
			continue
		}

		if style.IsNull(key) {
			removePropChild(tree, props, local)

			continue
		}

		if err := setRunProp(tree, props, key, local, style); err != nil {
			return err
		}
	}

	if len(tree.Node(props).Children) == 0 {
		tree.Discard(props)
	}

	return nil
}

func setRunProp(tree *oxml.Tree, props oxml.NodeID, key, local string, style Style) error {
	switch key {
	case "bold", "italic", "strike":
		v, ok := style.Bool(key)
		if !ok {
			return fmt.Errorf("%w: %s must be a bool", ErrInvalidValue, key)
		}

		if !v {
			removePropChild(tree, props, local)

			return nil
		}

		setPropChild(tree, props, local, nil)
	case "underline":
		v, ok := style.Bool(key)
		if !ok {
			return fmt.Errorf("%w: underline must be a bool", ErrInvalidValue)
		}

		if !v {
			removePropChild(tree, props, local)

			return nil
		}

		setPropChild(tree, props, local, map[string]string{"val": "single"})
	case "font_size":
		pts, ok := style.Float(key)
		if !ok || pts <= 0 {
			return fmt.Errorf("%w: font_size must be a positive number", ErrInvalidValue)
		}

		half := strconv.Itoa(int(pts * halfPointsPerPoint))
		setPropChild(tree, props, local, map[string]string{"val": half})
	case "font_name":
		name, ok := style.String(key)
		if !ok {
			return fmt.Errorf("%w: font_name must be a string", ErrInvalidValue)
		}

		setPropChild(tree, props, local, map[string]string{"ascii": name, "hAnsi": name})
	case "color":
		hex, ok := style.String(key)
		if !ok || !isRGB(hex) {
			return fmt.Errorf("%w: color must be a 6-digit hex RGB string", ErrInvalidValue)
		}

		setPropChild(tree, props, local, map[string]string{"val": hex})
	case "highlight":
		name, ok := style.String(key)
		if !ok || !validHighlights[name] {
			return fmt.Errorf("%w: unknown highlight %q", ErrInvalidValue, name)
		}

		setPropChild(tree, props, local, map[string]string{"val": name})
	case "vertical_align":
		v, ok := style.String(key)
		if !ok || (v != "superscript" && v != "subscript") {
			return fmt.Errorf("%w: vertical_align must be superscript or subscript", ErrInvalidValue)
		}

		setPropChild(tree, props, local, map[string]string{"val": v})
	}

	return nil
}

// MergeStyle applies a style mutation to an existing element. Runs merge
// into their own properties; paragraphs and headings merge into every
// descendant run; hyperlinks into their anchor runs.
//
// Possible errors:
//   - [ErrInvalidValue]: see [ApplyRunStyle]
//   - [ErrTreeConstraint]: element kind carries no run styling
func MergeStyle(tree *oxml.Tree, node oxml.NodeID, style Style) error {
	switch tree.Node(node).Kind {
	case oxml.KindRun:
		return ApplyRunStyle(tree, node, style)
	case oxml.KindParagraph, oxml.KindHyperlink, oxml.KindCell:
		var applyErr error

		tree.Walk(node, func(n oxml.NodeID) bool {
			if tree.Node(n).Kind != oxml.KindRun {
				return true
			}

			if err := ApplyRunStyle(tree, n, style); err != nil {
				applyErr = err

				return false
			}

			return true
		})

		return applyErr
	default:
		return fmt.Errorf("%w: cannot style a %s", ErrTreeConstraint, tree.Node(node).Kind)
	}
}

// ReportedFontSize converts a stored half-point size back to points for
// result payloads.
func ReportedFontSize(halfPoints int) float64 {
	return float64(halfPoints) / halfPointsPerPoint
}

// paragraph property keys handled by ApplyParagraphProps.
var validAlignments = map[string]string{
	"left": "start", "center": "center", "right": "end", "justify": "both",
}

// ApplyParagraphProps merges a properties object into a paragraph's pPr,
// with the same presence semantics as run styles.
//
// Possible errors:
//   - [ErrInvalidValue]: unknown alignment or malformed tabs
func ApplyParagraphProps(tree *oxml.Tree, para oxml.NodeID, props Properties) error {
	if len(props) == 0 {
		return nil
	}

	pPr := ensureProps(tree, para, oxml.KindParaProps)

	if _, ok := props["alignment"]; ok {
		if props.IsNull("alignment") {
			removePropChild(tree, pPr, "jc")
		} else {
			v, _ := props.String("alignment")

			jc, known := validAlignments[v]
			if !known {
				return fmt.Errorf("%w: unknown alignment %q", ErrInvalidValue, v)
			}

			setPropChild(tree, pPr, "jc", map[string]string{"val": jc})
		}
	}

	if err := applySpacing(tree, pPr, props); err != nil {
		return err
	}

	if err := applyIndent(tree, pPr, props); err != nil {
		return err
	}

	if err := applyTabs(tree, pPr, props); err != nil {
		return err
	}

	if _, ok := props["shading"]; ok {
		if props.IsNull("shading") {
			removePropChild(tree, pPr, "shd")
		} else {
			v, _ := props.String("shading")
			setPropChild(tree, pPr, "shd", map[string]string{"val": "clear", "fill": v})
		}
	}

	if _, ok := props["style"]; ok {
		if props.IsNull("style") {
			removePropChild(tree, pPr, "pStyle")
		} else {
			v, _ := props.String("style")
			setPropChild(tree, pPr, "pStyle", map[string]string{"val": v})
		}
	}

	if len(tree.Node(pPr).Children) == 0 {
		tree.Discard(pPr)
	}

	return nil
}

// keyAttr maps one properties key to the attribute it controls.
// Ordered slices keep attribute emission deterministic.
type keyAttr struct {
	key  string
	attr string
}

var spacingAttrs = []keyAttr{
	{"spacing_before", "before"},
	{"spacing_after", "after"},
	{"spacing_line", "line"},
}

func applySpacing(tree *oxml.Tree, pPr oxml.NodeID, props Properties) error {
	return applyMeasureGroup(tree, pPr, props, "spacing", spacingAttrs, false)
}

var indentAttrs = []keyAttr{
	{"indent_left", "start"},
	{"indent_right", "end"},
	{"indent_first_line", "firstLine"},
	{"indent_hanging", "hanging"},
}

func applyIndent(tree *oxml.Tree, pPr oxml.NodeID, props Properties) error {
	return applyMeasureGroup(tree, pPr, props, "ind", indentAttrs, true)
}

// applyMeasureGroup merges a group of point-valued properties into one
// property element (w:spacing, w:ind), converting to twentieths.
func applyMeasureGroup(tree *oxml.Tree, pPr oxml.NodeID, props Properties,
	local string, attrs []keyAttr, allowNegative bool,
) error {
	touched := false

	for _, ka := range attrs {
		if _, ok := props[ka.key]; ok {
			touched = true
		}
	}

	if !touched {
		return nil
	}

	node := findPropChild(tree, pPr, local)
	if node == oxml.None {
		node = setPropChild(tree, pPr, local, nil)
	}

	for _, ka := range attrs {
		if _, ok := props[ka.key]; !ok {
			continue
		}

		if props.IsNull(ka.key) {
			tree.RemoveAttr(node, oxml.NSMain, ka.attr)

			continue
		}

		pts, ok := props.Float(ka.key)
		if !ok || (!allowNegative && pts < 0) {
			return fmt.Errorf("%w: %s must be a valid measurement", ErrInvalidValue, ka.key)
		}

		tree.SetAttr(node, oxml.NSMain, ka.attr, strconv.Itoa(int(pts*twipsPerPoint)))
	}

	if len(tree.Node(node).Attrs) == 0 {
		tree.Discard(node)
	}

	return nil
}

func applyTabs(tree *oxml.Tree, pPr oxml.NodeID, props Properties) error {
	raw, ok := props["tabs"]
	if !ok {
		return nil
	}

	removePropChild(tree, pPr, "tabs")

	if props.IsNull("tabs") {
		return nil
	}

	var stops []TabStop
	if err := unmarshalStrict(raw, &stops); err != nil {
		return fmt.Errorf("%w: tabs: %w", ErrInvalidValue, err)
	}

	if len(stops) == 0 {
		return nil
	}

	tabs := setPropChild(tree, pPr, "tabs", nil)

	for _, stop := range stops {
		tab := tree.Alloc(oxml.KindOther, oxml.NSMain, "tab")
		tree.SetAttr(tab, oxml.NSMain, "pos", strconv.Itoa(int(stop.Position*twipsPerPoint)))

		align := stop.Alignment
		if align == "" {
			align = "left"
		}

		tree.SetAttr(tab, oxml.NSMain, "val", align)

		if stop.Leader != "" {
			tree.SetAttr(tab, oxml.NSMain, "leader", stop.Leader)
		}

		tree.AppendChild(tabs, tab)
	}

	return nil
}

// ensureProps returns the properties child of kind on node, creating it as
// the first child when absent.
func ensureProps(tree *oxml.Tree, node oxml.NodeID, kind oxml.Kind) oxml.NodeID {
	for _, c := range tree.Node(node).Children {
		if tree.Node(c).Kind == kind {
			return c
		}
	}

	props := tree.AllocElement(kind)
	tree.InsertChild(node, props, 0)

	return props
}

func findPropChild(tree *oxml.Tree, props oxml.NodeID, local string) oxml.NodeID {
	for _, c := range tree.Node(props).Children {
		n := tree.Node(c)
		if n.Space == oxml.NSMain && n.Local == local {
			return c
		}
	}

	return oxml.None
}

// setPropChild creates or replaces the property element local under props,
// setting the given main-namespace attributes. Insertion keeps the
// canonical property order.
func setPropChild(tree *oxml.Tree, props oxml.NodeID, local string, attrs map[string]string) oxml.NodeID {
	node := findPropChild(tree, props, local)
	if node == oxml.None {
		node = tree.Alloc(oxml.KindOther, oxml.NSMain, local)
		tree.InsertChild(props, node, propInsertIndex(tree, props, local))
	}

	tree.Node(node).Attrs = tree.Node(node).Attrs[:0]

	for _, key := range []string{"val", "ascii", "hAnsi", "fill", "before", "after", "line", "start", "end", "firstLine", "hanging", "pos", "leader"} {
		if v, ok := attrs[key]; ok {
			tree.SetAttr(node, oxml.NSMain, key, v)
		}
	}

	return node
}

func propInsertIndex(tree *oxml.Tree, props oxml.NodeID, local string) int {
	rank := propRank(local)
	children := tree.Node(props).Children

	for i, c := range children {
		if propRank(tree.Node(c).Local) > rank {
			return i
		}
	}

	return len(children)
}

func propRank(local string) int {
	for i, l := range runPropOrder {
		if l == local {
			return i
		}
	}

	return len(runPropOrder)
}

func removePropChild(tree *oxml.Tree, props oxml.NodeID, local string) {
	if node := findPropChild(tree, props, local); node != oxml.None {
		tree.Discard(node)
	}
}

func isRGB(s string) bool {
	if len(s) != 6 {
		return false
	}

	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}

	return true
}
