// Package graph owns the node and edge table of a run.
//
// Nodes live in an arena keyed by id; edges are id-based adjacency, never
// live pointers, so the structure is acyclic by construction: a child can
// only ever be attached beneath an existing node. All mutations and
// snapshot reads go through a single lock, which linearizes transitions
// and gives cross-node reads (merge gating, subtree walks) a consistent
// view.
package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/becomeliminal/grove/core"
)

// Params carries the creation-time fields of a child node.
type Params struct {
	Problem   string
	Action    *core.Action
	MemoKey   string
	Rationale string
}

// Graph is the authoritative node/edge table of one run. The zero value is
// not usable; construct with New.
type Graph struct {
	mu       sync.RWMutex
	maxDepth int
	seq      int
	rootID   string
	nodes    map[string]*core.Node
	children map[string][]string
	order    []string
}

// New returns an empty graph. maxDepth bounds the depth of any created
// node; the root sits at depth 0.
func New(maxDepth int) *Graph {
	return &Graph{
		maxDepth: maxDepth,
		nodes:    make(map[string]*core.Node),
		children: make(map[string][]string),
	}
}

// CreateRoot creates the single root node in state pending. A second call
// fails: the graph is single-rooted for its whole lifetime.
func (g *Graph) CreateRoot(problem string) (core.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rootID != "" {
		return core.Node{}, fmt.Errorf("root already exists: %w", core.ErrInvalidParent)
	}

	n := g.newNodeLocked("", core.KindRoot, 0, Params{Problem: problem})
	g.rootID = n.ID
	return *n, nil
}

// CreateChild attaches a new pending node beneath parentID. It fails with
// ErrInvalidParent when the parent is missing, already terminal, or the
// child would exceed the configured depth.
func (g *Graph) CreateChild(parentID string, kind core.Kind, p Params) (core.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent, ok := g.nodes[parentID]
	if !ok {
		return core.Node{}, fmt.Errorf("parent %s: %w", parentID, core.ErrInvalidParent)
	}
	if parent.State.Terminal() {
		return core.Node{}, fmt.Errorf("parent %s is %s: %w", parentID, parent.State, core.ErrInvalidParent)
	}
	if parent.Depth+1 > g.maxDepth {
		return core.Node{}, fmt.Errorf("depth %d exceeds max %d: %w", parent.Depth+1, g.maxDepth, core.ErrInvalidParent)
	}

	n := g.newNodeLocked(parentID, kind, parent.Depth+1, p)
	return *n, nil
}

func (g *Graph) newNodeLocked(parentID string, kind core.Kind, depth int, p Params) *core.Node {
	g.seq++
	n := &core.Node{
		ID:        fmt.Sprintf("n%04d", g.seq),
		ParentID:  parentID,
		Kind:      kind,
		State:     core.StatePending,
		Depth:     depth,
		Problem:   p.Problem,
		Action:    p.Action,
		MemoKey:   p.MemoKey,
		Rationale: p.Rationale,
		CreatedAt: time.Now(),
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	if parentID != "" {
		g.children[parentID] = append(g.children[parentID], n.ID)
	}
	return n
}

// Transition moves a node to a new state, attaching the terminal payload.
// States move forward only: pending may go to running or jump straight to
// a terminal state (memo hits, skips), running may only finish. Completing
// requires a result; failing or skipping requires a failure. A merge node
// may not complete while any child is non-terminal.
func (g *Graph) Transition(id string, to core.State, result *core.Result, failure *core.NodeError) (core.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return core.Node{}, fmt.Errorf("node %s: %w", id, core.ErrUnknownNode)
	}
	if !reachable(n.State, to) {
		return core.Node{}, fmt.Errorf("node %s: %s -> %s: %w", id, n.State, to, core.ErrInvalidTransition)
	}

	switch to {
	case core.StateRunning:
		if result != nil || failure != nil {
			return core.Node{}, fmt.Errorf("node %s: running carries no payload: %w", id, core.ErrInvalidTransition)
		}
		n.State = core.StateRunning
		n.StartedAt = time.Now()
		return *n, nil

	case core.StateCompleted:
		if result == nil || failure != nil {
			return core.Node{}, fmt.Errorf("node %s: completion requires a result: %w", id, core.ErrInvalidTransition)
		}
		if n.Kind == core.KindMerge && g.openChildrenLocked(id) > 0 {
			return core.Node{}, fmt.Errorf("merge %s: %w", id, core.ErrIncompleteChildren)
		}
		if n.Result != nil || n.Err != nil {
			return core.Node{}, fmt.Errorf("node %s: payload already set: %w", id, core.ErrInvalidTransition)
		}
		n.State = core.StateCompleted
		n.Result = result
		n.FinishedAt = time.Now()
		return *n, nil

	case core.StateFailed, core.StateSkipped:
		if failure == nil || result != nil {
			return core.Node{}, fmt.Errorf("node %s: %s requires a failure: %w", id, to, core.ErrInvalidTransition)
		}
		if n.Result != nil || n.Err != nil {
			return core.Node{}, fmt.Errorf("node %s: payload already set: %w", id, core.ErrInvalidTransition)
		}
		n.State = to
		n.Err = failure
		n.FinishedAt = time.Now()
		return *n, nil
	}

	return core.Node{}, fmt.Errorf("node %s: unknown state %s: %w", id, to, core.ErrInvalidTransition)
}

func reachable(from, to core.State) bool {
	switch from {
	case core.StatePending:
		return to == core.StateRunning || to.Terminal()
	case core.StateRunning:
		return to == core.StateCompleted || to == core.StateFailed
	}
	return false
}

// MarkTimeout forces id and every non-terminal node beneath it into
// failed with a timeout marker. Already-terminal nodes are untouched. It
// returns the nodes it transitioned, in creation order.
func (g *Graph) MarkTimeout(id string) ([]core.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("node %s: %w", id, core.ErrUnknownNode)
	}

	var affected []core.Node
	now := time.Now()
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		queue = append(queue, g.children[cur]...)

		n := g.nodes[cur]
		if n.State.Terminal() {
			continue
		}
		n.State = core.StateFailed
		n.Err = &core.NodeError{Kind: core.ErrKindTimeout, Message: "subtree deadline exceeded"}
		n.FinishedAt = now
		affected = append(affected, *n)
	}
	return affected, nil
}

// Node returns a copy of the node. The Action, Result and Err pointers are
// shared but immutable once set.
func (g *Graph) Node(id string) (core.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return core.Node{}, fmt.Errorf("node %s: %w", id, core.ErrUnknownNode)
	}
	return *n, nil
}

// Root returns a copy of the root node and false if no root exists yet.
func (g *Graph) Root() (core.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.rootID == "" {
		return core.Node{}, false
	}
	return *g.nodes[g.rootID], true
}

// Children returns copies of the direct children of id in creation order.
func (g *Graph) Children(id string) []core.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.copyChildrenLocked(id, false)
}

// ReadyChildren returns copies of the direct children of id that have
// reached a terminal state, in creation order.
func (g *Graph) ReadyChildren(id string) []core.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.copyChildrenLocked(id, true)
}

// OpenChildren returns the number of direct children of id that are not
// yet terminal. A merge node is dispatchable once this reaches zero.
func (g *Graph) OpenChildren(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.openChildrenLocked(id)
}

func (g *Graph) copyChildrenLocked(id string, terminalOnly bool) []core.Node {
	ids := g.children[id]
	out := make([]core.Node, 0, len(ids))
	for _, cid := range ids {
		n := g.nodes[cid]
		if terminalOnly && !n.State.Terminal() {
			continue
		}
		out = append(out, *n)
	}
	return out
}

func (g *Graph) openChildrenLocked(id string) int {
	open := 0
	for _, cid := range g.children[id] {
		if !g.nodes[cid].State.Terminal() {
			open++
		}
	}
	return open
}

// Snapshot returns copies of every node in creation order.
func (g *Graph) Snapshot() []core.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]core.Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.nodes[id])
	}
	return out
}

// Count returns the number of nodes in the graph.
func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
