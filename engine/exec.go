package engine

import (
	"context"
	"errors"
	"log"

	"github.com/becomeliminal/grove/core"
	"github.com/becomeliminal/grove/memory"
	"github.com/becomeliminal/grove/policy"
)

// process is the worker body: the slow half of a node's lifecycle. It
// calls out (API, web, store) and reports an outcome; it never touches
// the graph.
func (e *Engine) process(t task) outcome {
	switch t.node.Kind {
	case core.KindLeaf:
		return e.runLeaf(t)
	case core.KindMerge:
		return e.mergeNode(t.ctx, t.run, t.node, t.children)
	default:
		return e.expandNode(t)
	}
}

// expandNode retrieves context for the node's problem and asks the
// expansion policy for a child batch. Retrieval trouble is logged and
// worked around; the decomposition still runs, just blind.
func (e *Engine) expandNode(t task) outcome {
	n := t.node

	var retrieved string
	ret, err := e.mem.Retrieve(t.ctx, t.run.Namespace, n.Problem)
	if err != nil {
		log.Printf("[MEMORY] Retrieval failed for node %s: %v", n.ID, err)
	} else {
		retrieved = e.mem.FormatForPrompt(ret)
	}

	exp, err := e.expander.Expand(t.ctx, policy.ExpandInput{
		Mandate:      t.run.Mandate,
		Node:         n,
		Context:      retrieved,
		MaxBranching: e.cfg.MaxBranching,
		MaxDepth:     e.cfg.MaxDepth,
	})
	if err != nil {
		kind := core.ErrKindPolicy
		switch {
		case errors.Is(err, core.ErrInfeasible):
			kind = core.ErrKindInfeasible
		case t.ctx.Err() != nil:
			kind = core.ErrKindCancelled
		}
		return outcome{node: n, failure: &core.NodeError{Kind: kind, Message: err.Error()}}
	}
	return outcome{node: n, specs: exp.Specs, usage: exp.Usage}
}

// mergeNode synthesizes a merge barrier's terminal children. A failing
// synthesis falls back to deterministic concatenation rather than
// discarding gathered evidence; only an empty contribution set fails
// the barrier. The synthesis is recorded as an internal thought and
// memoized under the barrier's key.
func (e *Engine) mergeNode(ctx context.Context, run *core.Run, n core.Node, children []core.Node) outcome {
	in := policy.MergeInput{
		Mandate:      run.Mandate,
		Node:         n,
		Children:     children,
		ExcerptLimit: e.cfg.ExcerptLimit,
	}
	merged, err := e.merger.Merge(ctx, in)
	if err != nil && !errors.Is(err, policy.ErrAllChildrenFailed) {
		log.Printf("[MERGE] Node %s synthesis failed (%v), falling back to concatenation", n.ID, err)
		merged, err = policy.FallbackMerger{}.Merge(ctx, in)
	}
	if err != nil {
		kind := core.ErrKindPolicy
		if errors.Is(err, policy.ErrAllChildrenFailed) {
			kind = core.ErrKindChildren
		}
		return outcome{node: n, failure: &core.NodeError{Kind: kind, Message: err.Error()}}
	}

	if err := e.mem.RecordThought(ctx, run.Namespace, n.ID, merged.Result.Text); err != nil {
		log.Printf("[MEMORY] Failed to record synthesis for node %s: %v", n.ID, err)
	}
	if n.MemoKey != "" {
		if err := e.memo.Store(ctx, run.Namespace, n.MemoKey, &memory.MemoResult{
			Text:         merged.Result.Text,
			SourceNodeID: n.ID,
		}); err != nil {
			log.Printf("[MEMO] Failed to store key %s: %v", n.MemoKey, err)
		}
	}
	return outcome{node: n, result: merged.Result, usage: merged.Usage}
}
