package patch

import (
	"encoding/json"
	"fmt"

	"github.com/valdo404/docx-session/internal/docid"
	"github.com/valdo404/docx-session/internal/docpath"
	"github.com/valdo404/docx-session/internal/factory"
	"github.com/valdo404/docx-session/internal/oxml"
)

// Options configures one Apply call.
type Options struct {
	// DryRun evaluates the batch against a throwaway clone and reports
	// would_succeed/would_fail without touching the document.
	DryRun bool

	// MaxOps overrides the batch size limit. Zero means [DefaultMaxOps].
	MaxOps int
}

// Apply executes ops against doc. It returns the result envelope and the
// document to keep using: the same document on success, a restored
// snapshot if any operation failed, and the untouched original for dry
// runs and over-budget batches.
//
// Apply never returns a Go error; every failure is reported through the
// envelope so callers journal and surface one shape.
func Apply(doc *oxml.Document, gen *docid.Generator, ops []Op, opts Options) (*Result, *oxml.Document) {
	maxOps := opts.MaxOps
	if maxOps <= 0 {
		maxOps = DefaultMaxOps
	}

	res := &Result{Total: len(ops), DryRun: opts.DryRun}

	if len(ops) > maxOps {
		res.Error = fmt.Sprintf("%v: %d > %d", ErrOverBudget, len(ops), maxOps)

		return res, doc
	}

	if len(ops) == 0 {
		res.Success = true

		return res, doc
	}

	target := doc

	var snapshot []byte

	if opts.DryRun {
		target = doc.Clone()
	} else {
		snapshot = oxml.MustSerialize(doc)
	}

	existing := docid.CollectExistingIDs(target)
	failed := false

	for i := range ops {
		if failed {
			res.Operations = append(res.Operations, OpResult{
				Op:     ops[i].Op,
				Status: failStatus(opts.DryRun),
				Error:  "skipped: previous operation failed",
			})

			continue
		}

		opRes := applyOp(target, gen, existing, &ops[i])

		if opRes.Error != "" {
			opRes.Status = failStatus(opts.DryRun)
			failed = true
		} else {
			opRes.Status = okStatus(opts.DryRun)
			res.Applied++
		}

		res.Operations = append(res.Operations, opRes)
	}

	res.Success = !failed

	if opts.DryRun {
		return res, doc
	}

	if failed {
		restored, err := oxml.Parse(snapshot)
		if err != nil {
			// The snapshot came out of Serialize moments ago.
			panic(fmt.Sprintf("patch: rollback parse failed: %v", err))
		}

		return res, restored
	}

	return res, doc
}

func okStatus(dry bool) string {
	if dry {
		return StatusWouldSucceed
	}

	return StatusSuccess
}

func failStatus(dry bool) string {
	if dry {
		return StatusWouldFail
	}

	return StatusError
}

// applyOp runs one operation against doc. A non-empty Error field in the
// returned result marks failure; Status is filled in by the caller.
func applyOp(doc *oxml.Document, gen *docid.Generator, existing map[string]struct{}, op *Op) OpResult {
	res := OpResult{Op: op.Op}

	if err := op.validate(); err != nil {
		res.Error = err.Error()

		return res
	}

	var err error

	switch op.Op {
	case OpAdd:
		err = applyAdd(doc, gen, existing, op, &res)
	case OpRemove:
		err = applyRemove(doc, op, &res)
	case OpReplace:
		err = applyReplace(doc, gen, existing, op, &res)
	case OpMove:
		err = applyMove(doc, op, &res)
	case OpCopy:
		err = applyCopy(doc, gen, existing, op, &res)
	case OpReplaceText:
		err = applyReplaceText(doc, op, &res)
	case OpRemoveColumn:
		err = applyRemoveColumn(doc, op, &res)
	}

	if err != nil {
		res.Error = err.Error()
	}

	return res
}

func applyAdd(doc *oxml.Document, gen *docid.Generator, existing map[string]struct{}, op *Op, res *OpResult) error {
	path, err := docpath.Parse(op.Path)
	if err != nil {
		return err
	}

	parent, idx, err := path.ResolveForInsert(doc)
	if err != nil {
		return err
	}

	nodes, err := factory.New(doc).Build(doc.Tree.Node(parent).Kind, op.Value)
	if err != nil {
		return err
	}

	for i, n := range nodes {
		doc.Tree.InsertChild(parent, n, idx+i)

		if err := ensureSubtreeIDs(doc.Tree, n, gen, existing); err != nil {
			return err
		}
	}

	if id, ok := docid.GetID(doc.Tree, nodes[0]); ok {
		res.CreatedID = id
	}

	return nil
}

func applyRemove(doc *oxml.Document, op *Op, res *OpResult) error {
	path, err := docpath.Parse(op.Path)
	if err != nil {
		return err
	}

	node, err := path.ResolveOne(doc)
	if err != nil {
		return err
	}

	if doc.Tree.Node(node).Parent == oxml.None {
		return fmt.Errorf("%w: cannot remove a part root", factory.ErrTreeConstraint)
	}

	if id, ok := docid.GetID(doc.Tree, node); ok {
		res.RemovedID = id
	}

	doc.Tree.Discard(node)

	return nil
}

func applyReplace(doc *oxml.Document, gen *docid.Generator, existing map[string]struct{}, op *Op, res *OpResult) error {
	path, err := docpath.Parse(op.Path)
	if err != nil {
		return err
	}

	if path.TargetsStyle() {
		return applyStyleMerge(doc, path, op, res)
	}

	node, err := path.ResolveOne(doc)
	if err != nil {
		return err
	}

	parent := doc.Tree.Node(node).Parent
	if parent == oxml.None {
		return fmt.Errorf("%w: cannot replace a part root", factory.ErrTreeConstraint)
	}

	nodes, err := factory.New(doc).Build(doc.Tree.Node(parent).Kind, op.Value)
	if err != nil {
		return err
	}

	if len(nodes) != 1 {
		return fmt.Errorf("%w: replace value must build exactly one element", ErrInvalidPatch)
	}

	idx := doc.Tree.ChildIndex(parent, node)
	doc.Tree.Discard(node)
	doc.Tree.InsertChild(parent, nodes[0], idx)

	if err := ensureSubtreeIDs(doc.Tree, nodes[0], gen, existing); err != nil {
		return err
	}

	if id, ok := docid.GetID(doc.Tree, nodes[0]); ok {
		res.CreatedID = id
	}

	return nil
}

// applyStyleMerge handles replace on a /style leaf: the value is a style
// object merged into the resolved elements, field by field.
func applyStyleMerge(doc *oxml.Document, path *docpath.Path, op *Op, res *OpResult) error {
	nodes, err := path.Resolve(doc)
	if err != nil {
		return err
	}

	if len(nodes) == 0 {
		return fmt.Errorf("%w: %s matched nothing", docpath.ErrNoMatch, op.Path)
	}

	var style factory.Style
	if err := unmarshalRaw(op.Value, &style); err != nil {
		return fmt.Errorf("%w: style value: %w", ErrInvalidPatch, err)
	}

	for _, node := range nodes {
		if err := factory.MergeStyle(doc.Tree, node, style); err != nil {
			return err
		}

		if doc.Tree.Node(node).Kind == oxml.KindParagraph {
			if err := factory.ApplyParagraphProps(doc.Tree, node, factory.Properties(style)); err != nil {
				return err
			}
		}
	}

	if id, ok := docid.GetID(doc.Tree, nodes[0]); ok {
		res.CreatedID = id
	}

	return nil
}

func applyMove(doc *oxml.Document, op *Op, res *OpResult) error {
	fromPath, err := docpath.Parse(op.From)
	if err != nil {
		return err
	}

	node, err := fromPath.ResolveOne(doc)
	if err != nil {
		return err
	}

	if doc.Tree.Node(node).Parent == oxml.None {
		return fmt.Errorf("%w: cannot move a part root", factory.ErrTreeConstraint)
	}

	toPath, err := docpath.Parse(op.Path)
	if err != nil {
		return err
	}

	doc.Tree.Detach(node)

	parent, idx, err := toPath.ResolveForInsert(doc)
	if err != nil {
		return err
	}

	doc.Tree.InsertChild(parent, node, idx)

	if id, ok := docid.GetID(doc.Tree, node); ok {
		res.MovedID = id
	}

	res.From = op.From

	return nil
}

func applyCopy(doc *oxml.Document, gen *docid.Generator, existing map[string]struct{}, op *Op, res *OpResult) error {
	fromPath, err := docpath.Parse(op.From)
	if err != nil {
		return err
	}

	src, err := fromPath.ResolveOne(doc)
	if err != nil {
		return err
	}

	toPath, err := docpath.Parse(op.Path)
	if err != nil {
		return err
	}

	parent, idx, err := toPath.ResolveForInsert(doc)
	if err != nil {
		return err
	}

	cp := doc.Tree.Clone(src, true)
	stripSubtreeIDs(doc.Tree, cp)
	doc.Tree.InsertChild(parent, cp, idx)

	if err := ensureSubtreeIDs(doc.Tree, cp, gen, existing); err != nil {
		return err
	}

	if id, ok := docid.GetID(doc.Tree, src); ok {
		res.SourceID = id
	}

	if id, ok := docid.GetID(doc.Tree, cp); ok {
		res.CopyID = id
	}

	return nil
}

func applyReplaceText(doc *oxml.Document, op *Op, res *OpResult) error {
	path, err := docpath.Parse(op.Path)
	if err != nil {
		return err
	}

	maxCount := 1
	if op.MaxCount != nil {
		maxCount = *op.MaxCount
	}

	if maxCount == 0 {
		// Explicit no-op: no mutation, no counters in the result.
		return nil
	}

	nodes, err := path.Resolve(doc)
	if err != nil {
		return err
	}

	seen := make(map[oxml.NodeID]bool)

	var paragraphs []oxml.NodeID

	for _, node := range nodes {
		doc.Tree.Walk(node, func(n oxml.NodeID) bool {
			if doc.Tree.Node(n).Kind == oxml.KindParagraph && !seen[n] {
				seen[n] = true

				paragraphs = append(paragraphs, n)
			}

			return true
		})
	}

	matches, replaced := 0, 0

	for _, p := range paragraphs {
		m, r := factory.ReplaceText(doc.Tree, p, op.Find, op.Replace, maxCount)
		matches += m
		replaced += r
	}

	res.MatchesFound = &matches
	res.ReplacementsMade = &replaced

	return nil
}

func applyRemoveColumn(doc *oxml.Document, op *Op, res *OpResult) error {
	path, err := docpath.Parse(op.Path)
	if err != nil {
		return err
	}

	table, err := path.ResolveOne(doc)
	if err != nil {
		return err
	}

	if doc.Tree.Node(table).Kind != oxml.KindTable {
		return fmt.Errorf("%w: remove_column requires a table path", ErrInvalidPatch)
	}

	affected := 0

	for _, row := range doc.Tree.ChildrenOfKind(table, oxml.KindRow) {
		cells := doc.Tree.ChildrenOfKind(row, oxml.KindCell)

		idx := *op.Column
		if idx < 0 {
			idx += len(cells)
		}

		if idx < 0 || idx >= len(cells) {
			continue
		}

		doc.Tree.Discard(cells[idx])

		affected++
	}

	res.RowsAffected = &affected

	return nil
}

// ensureSubtreeIDs stamps stable ids on every id-target in the subtree.
// New elements get ids eagerly so results and the journal can reference
// them.
func ensureSubtreeIDs(tree *oxml.Tree, root oxml.NodeID, gen *docid.Generator, existing map[string]struct{}) error {
	var assignErr error

	tree.Walk(root, func(n oxml.NodeID) bool {
		if !docid.IsIDTarget(tree.Node(n).Kind) {
			return true
		}

		if _, err := docid.AssignID(tree, n, gen, existing); err != nil {
			assignErr = err

			return false
		}

		return true
	})

	return assignErr
}

// stripSubtreeIDs removes identity attributes from a cloned subtree so
// the copy gets fresh ids.
func stripSubtreeIDs(tree *oxml.Tree, root oxml.NodeID) {
	tree.Walk(root, func(n oxml.NodeID) bool {
		tree.RemoveAttr(n, oxml.NSIdentity, docid.AttrID)
		tree.RemoveAttr(n, oxml.NSWordML2010, docid.AttrParaID)
		tree.RemoveAttr(n, oxml.NSWordML2010, docid.AttrTextID)

		return true
	})
}

func unmarshalRaw(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
