package graph_test

import (
	"errors"
	"testing"

	"github.com/becomeliminal/grove/core"
	"github.com/becomeliminal/grove/graph"
)

func newTestGraph(t *testing.T) (*graph.Graph, core.Node) {
	t.Helper()
	g := graph.New(4)
	root, err := g.CreateRoot("investigate the mandate")
	if err != nil {
		t.Fatalf("Failed to create root: %v", err)
	}
	return g, root
}

func TestGraph_SingleRoot(t *testing.T) {
	g, root := newTestGraph(t)

	if root.Kind != core.KindRoot || root.Depth != 0 || root.State != core.StatePending {
		t.Fatalf("Unexpected root node: %+v", root)
	}

	if _, err := g.CreateRoot("another"); !errors.Is(err, core.ErrInvalidParent) {
		t.Fatalf("Second root should fail with ErrInvalidParent, got %v", err)
	}

	got, ok := g.Root()
	if !ok || got.ID != root.ID {
		t.Fatalf("Root() = %+v, %v; want id %s", got, ok, root.ID)
	}
}

func TestGraph_CreateChild(t *testing.T) {
	g, root := newTestGraph(t)

	child, err := g.CreateChild(root.ID, core.KindExpansion, graph.Params{Problem: "sub-problem"})
	if err != nil {
		t.Fatalf("Failed to create child: %v", err)
	}
	if child.Depth != root.Depth+1 {
		t.Errorf("Child depth = %d, want %d", child.Depth, root.Depth+1)
	}
	if child.ParentID != root.ID {
		t.Errorf("Child parent = %s, want %s", child.ParentID, root.ID)
	}

	// Unknown parent.
	if _, err := g.CreateChild("n9999", core.KindLeaf, graph.Params{}); !errors.Is(err, core.ErrInvalidParent) {
		t.Errorf("Unknown parent should fail with ErrInvalidParent, got %v", err)
	}
}

func TestGraph_CreateChild_DepthBound(t *testing.T) {
	g := graph.New(2)
	root, err := g.CreateRoot("root")
	if err != nil {
		t.Fatalf("Failed to create root: %v", err)
	}

	d1, err := g.CreateChild(root.ID, core.KindExpansion, graph.Params{Problem: "d1"})
	if err != nil {
		t.Fatalf("Failed to create depth-1 child: %v", err)
	}
	d2, err := g.CreateChild(d1.ID, core.KindLeaf, graph.Params{Problem: "d2"})
	if err != nil {
		t.Fatalf("Failed to create depth-2 child: %v", err)
	}

	if _, err := g.CreateChild(d2.ID, core.KindLeaf, graph.Params{Problem: "d3"}); !errors.Is(err, core.ErrInvalidParent) {
		t.Fatalf("Depth overflow should fail with ErrInvalidParent, got %v", err)
	}
}

func TestGraph_CreateChild_TerminalParent(t *testing.T) {
	g, root := newTestGraph(t)

	leaf, err := g.CreateChild(root.ID, core.KindLeaf, graph.Params{Problem: "p"})
	if err != nil {
		t.Fatalf("Failed to create child: %v", err)
	}
	if _, err := g.Transition(leaf.ID, core.StateFailed, nil, &core.NodeError{Kind: core.ErrKindNetwork, Message: "down"}); err != nil {
		t.Fatalf("Failed to fail leaf: %v", err)
	}

	if _, err := g.CreateChild(leaf.ID, core.KindLeaf, graph.Params{}); !errors.Is(err, core.ErrInvalidParent) {
		t.Fatalf("Terminal parent should fail with ErrInvalidParent, got %v", err)
	}
}

func TestGraph_TransitionForwardOnly(t *testing.T) {
	ok := &core.Result{Text: "done"}
	boom := &core.NodeError{Kind: core.ErrKindNetwork, Message: "boom"}

	cases := []struct {
		name    string
		prepare []core.State
		to      core.State
		wantErr bool
	}{
		{"pending to running", nil, core.StateRunning, false},
		{"pending to completed", nil, core.StateCompleted, false},
		{"pending to skipped", nil, core.StateSkipped, false},
		{"running to completed", []core.State{core.StateRunning}, core.StateCompleted, false},
		{"running to failed", []core.State{core.StateRunning}, core.StateFailed, false},
		{"running to pending", []core.State{core.StateRunning}, core.StatePending, true},
		{"running to skipped", []core.State{core.StateRunning}, core.StateSkipped, true},
		{"completed is terminal", []core.State{core.StateRunning, core.StateCompleted}, core.StateRunning, true},
		{"failed is terminal", []core.State{core.StateRunning, core.StateFailed}, core.StateCompleted, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, root := newTestGraph(t)
			leaf, err := g.CreateChild(root.ID, core.KindLeaf, graph.Params{Problem: "p"})
			if err != nil {
				t.Fatalf("Failed to create leaf: %v", err)
			}
			for _, s := range tc.prepare {
				if _, err := g.Transition(leaf.ID, s, payloadFor(s, ok, boom), failureFor(s, boom)); err != nil {
					t.Fatalf("Failed to prepare state %s: %v", s, err)
				}
			}

			_, err = g.Transition(leaf.ID, tc.to, payloadFor(tc.to, ok, boom), failureFor(tc.to, boom))
			if tc.wantErr && !errors.Is(err, core.ErrInvalidTransition) {
				t.Fatalf("Expected ErrInvalidTransition, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Unexpected transition error: %v", err)
			}
		})
	}
}

func payloadFor(s core.State, ok *core.Result, _ *core.NodeError) *core.Result {
	if s == core.StateCompleted {
		return ok
	}
	return nil
}

func failureFor(s core.State, boom *core.NodeError) *core.NodeError {
	if s == core.StateFailed || s == core.StateSkipped {
		return boom
	}
	return nil
}

func TestGraph_TransitionPayloadRules(t *testing.T) {
	g, root := newTestGraph(t)
	leaf, err := g.CreateChild(root.ID, core.KindLeaf, graph.Params{Problem: "p"})
	if err != nil {
		t.Fatalf("Failed to create leaf: %v", err)
	}

	if _, err := g.Transition(leaf.ID, core.StateCompleted, nil, nil); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("Completion without result should fail, got %v", err)
	}
	if _, err := g.Transition(leaf.ID, core.StateFailed, nil, nil); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("Failure without error should fail, got %v", err)
	}
	if _, err := g.Transition(leaf.ID, core.StateRunning, &core.Result{Text: "x"}, nil); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("Running with payload should fail, got %v", err)
	}

	done, err := g.Transition(leaf.ID, core.StateCompleted, &core.Result{Text: "answer"}, nil)
	if err != nil {
		t.Fatalf("Failed to complete leaf: %v", err)
	}
	if done.Result == nil || done.Result.Text != "answer" {
		t.Fatalf("Result not attached: %+v", done.Result)
	}
	if done.FinishedAt.IsZero() {
		t.Error("FinishedAt not stamped on completion")
	}
}

func TestGraph_MergeGatedOnChildren(t *testing.T) {
	g, root := newTestGraph(t)
	merge, err := g.CreateChild(root.ID, core.KindMerge, graph.Params{Problem: "combine"})
	if err != nil {
		t.Fatalf("Failed to create merge: %v", err)
	}
	a, _ := g.CreateChild(merge.ID, core.KindLeaf, graph.Params{Problem: "a"})
	b, _ := g.CreateChild(merge.ID, core.KindLeaf, graph.Params{Problem: "b"})

	if _, err := g.Transition(a.ID, core.StateCompleted, &core.Result{Text: "ra"}, nil); err != nil {
		t.Fatalf("Failed to complete child a: %v", err)
	}

	// One child still pending: the merge must not complete.
	if _, err := g.Transition(merge.ID, core.StateCompleted, &core.Result{Text: "early"}, nil); !errors.Is(err, core.ErrIncompleteChildren) {
		t.Fatalf("Expected ErrIncompleteChildren, got %v", err)
	}
	if got := g.OpenChildren(merge.ID); got != 1 {
		t.Fatalf("OpenChildren = %d, want 1", got)
	}

	// A failed sibling still counts as terminal for the gate.
	if _, err := g.Transition(b.ID, core.StateFailed, nil, &core.NodeError{Kind: core.ErrKindTimeout, Message: "slow"}); err != nil {
		t.Fatalf("Failed to fail child b: %v", err)
	}
	if _, err := g.Transition(merge.ID, core.StateCompleted, &core.Result{Text: "partial", Partial: true}, nil); err != nil {
		t.Fatalf("Merge should complete once children are terminal: %v", err)
	}

	ready := g.ReadyChildren(merge.ID)
	if len(ready) != 2 {
		t.Fatalf("ReadyChildren = %d, want 2", len(ready))
	}
}

func TestGraph_MarkTimeout(t *testing.T) {
	g, root := newTestGraph(t)
	merge, _ := g.CreateChild(root.ID, core.KindMerge, graph.Params{Problem: "combine"})
	done, _ := g.CreateChild(merge.ID, core.KindLeaf, graph.Params{Problem: "fast"})
	slow, _ := g.CreateChild(merge.ID, core.KindLeaf, graph.Params{Problem: "slow"})
	slower, _ := g.CreateChild(merge.ID, core.KindLeaf, graph.Params{Problem: "slower"})

	if _, err := g.Transition(done.ID, core.StateCompleted, &core.Result{Text: "ok"}, nil); err != nil {
		t.Fatalf("Failed to complete fast leaf: %v", err)
	}
	if _, err := g.Transition(slow.ID, core.StateRunning, nil, nil); err != nil {
		t.Fatalf("Failed to start slow leaf: %v", err)
	}

	affected, err := g.MarkTimeout(merge.ID)
	if err != nil {
		t.Fatalf("MarkTimeout failed: %v", err)
	}

	// merge + running slow + pending slower; completed leaf untouched.
	if len(affected) != 3 {
		t.Fatalf("Affected %d nodes, want 3: %+v", len(affected), affected)
	}
	for _, n := range affected {
		if n.State != core.StateFailed || n.Err == nil || n.Err.Kind != core.ErrKindTimeout {
			t.Errorf("Node %s not marked timed out: state=%s err=%+v", n.ID, n.State, n.Err)
		}
	}

	kept, err := g.Node(done.ID)
	if err != nil {
		t.Fatalf("Failed to read node: %v", err)
	}
	if kept.State != core.StateCompleted {
		t.Errorf("Completed leaf was disturbed: %s", kept.State)
	}

	forced, err := g.Node(slower.ID)
	if err != nil {
		t.Fatalf("Failed to read node: %v", err)
	}
	if forced.State != core.StateFailed {
		t.Errorf("Pending leaf in subtree not forced: %s", forced.State)
	}
}

func TestGraph_SnapshotOrder(t *testing.T) {
	g, root := newTestGraph(t)
	for i := 0; i < 3; i++ {
		if _, err := g.CreateChild(root.ID, core.KindLeaf, graph.Params{Problem: "p"}); err != nil {
			t.Fatalf("Failed to create child %d: %v", i, err)
		}
	}

	snap := g.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("Snapshot has %d nodes, want 4", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].ID >= snap[i].ID {
			t.Fatalf("Snapshot not in creation order: %s before %s", snap[i-1].ID, snap[i].ID)
		}
	}
	if g.Count() != 4 {
		t.Fatalf("Count = %d, want 4", g.Count())
	}
}
