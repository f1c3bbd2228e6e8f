package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/becomeliminal/grove/connector"
	"github.com/becomeliminal/grove/core"
	"github.com/becomeliminal/grove/graph"
	"github.com/becomeliminal/grove/memory"
	"github.com/becomeliminal/grove/policy"
	"github.com/becomeliminal/grove/telemetry"
)

// task is one dispatched node handed to the worker pool.
type task struct {
	ctx      context.Context
	run      *core.Run
	node     core.Node
	children []core.Node // merge tasks only
}

// outcome is what a worker reports back. Exactly one of specs, result
// or failure is set.
type outcome struct {
	node    core.Node
	specs   []policy.ChildSpec
	result  *core.Result
	failure *core.NodeError
	usage   core.TokenUsage
}

// scheduler owns all graph mutation for one run. Workers only compute;
// every transition, child creation and tick charge happens on the
// scheduler goroutine, so the graph needs no cross-component locking
// discipline beyond its own.
type scheduler struct {
	eng *Engine
	run *core.Run
	g   *graph.Graph
	ctx context.Context

	workCh chan task
	resCh  chan outcome

	// inflight maps dispatched node ids to their cancel funcs until the
	// worker's outcome is processed.
	inflight map[string]context.CancelFunc

	// charged guards the one-tick-per-dispatched-node rule.
	charged map[string]bool

	// primary maps an expansion to the child whose result it adopts:
	// its merge barrier, or its single direct work child.
	primary map[string]string

	// deadlines maps merge barriers to their subtree deadline.
	deadlines map[string]time.Time

	// layers counts kept work nodes per depth, for beam selection.
	layers map[int]int

	usage     core.TokenUsage
	exhausted bool
}

func newScheduler(e *Engine, run *core.Run, g *graph.Graph) *scheduler {
	return &scheduler{
		eng:       e,
		run:       run,
		g:         g,
		workCh:    make(chan task, e.cfg.Concurrency),
		resCh:     make(chan outcome, e.cfg.Concurrency),
		inflight:  make(map[string]context.CancelFunc),
		charged:   make(map[string]bool),
		primary:   make(map[string]string),
		deadlines: make(map[string]time.Time),
		layers:    make(map[int]int),
	}
}

// loop drives the traversal until the root is terminal. The returned
// error is a graph invariant violation and aborts the run; every
// expected failure lands on a node instead.
func (s *scheduler) loop(ctx context.Context) error {
	s.ctx = ctx

	var wg sync.WaitGroup
	for i := 0; i < s.eng.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range s.workCh {
				s.resCh <- s.eng.process(t)
			}
		}()
	}
	defer func() {
		close(s.workCh)
		wg.Wait()
	}()

	ticker := time.NewTicker(s.eng.cfg.DeadlinePoll)
	defer ticker.Stop()

	if err := s.settle(); err != nil {
		return err
	}
	for {
		if root, _ := s.g.Root(); root.State.Terminal() {
			return nil
		}

		select {
		case out := <-s.resCh:
			if err := s.handleOutcome(out); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.enforceDeadlines(); err != nil {
				return err
			}
		case <-ctx.Done():
			if err := s.shutdown(core.ErrKindCancelled); err != nil {
				return err
			}
			continue
		}

		if s.run.Exhausted() && !s.exhausted {
			if err := s.shutdown(core.ErrKindBudget); err != nil {
				return err
			}
			continue
		}
		if err := s.settle(); err != nil {
			return err
		}
	}
}

// settle runs adoption and dispatch to a fixpoint. A cooldown skip can
// ready a merge or an adoption, which can ready more dispatch, so one
// pass is not enough.
func (s *scheduler) settle() error {
	for {
		if err := s.propagate(); err != nil {
			return err
		}
		changed, err := s.dispatchReady()
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
	}
}

// dispatchReady pushes pending work to the pool while slots are free:
// leaves and expansions immediately, merges once every child is
// terminal. Leaves aimed at a cooling-down target are skipped here,
// before they cost anything; changed reports whether any such skip
// altered the graph.
func (s *scheduler) dispatchReady() (bool, error) {
	if s.exhausted {
		return false, nil
	}
	changed := false
	for _, n := range s.g.Snapshot() {
		if len(s.inflight) >= s.eng.cfg.Concurrency {
			return changed, nil
		}
		if n.State != core.StatePending {
			continue
		}
		switch n.Kind {
		case core.KindMerge:
			if s.g.OpenChildren(n.ID) > 0 {
				continue
			}
		case core.KindLeaf:
			target := connector.Target(*n.Action)
			if remaining, active := s.eng.cooldowns.Active(target); active {
				if err := s.skipCooldown(n, target, remaining); err != nil {
					return changed, err
				}
				changed = true
				continue
			}
		}
		if err := s.dispatch(n); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

func (s *scheduler) dispatch(n core.Node) error {
	moved, err := s.g.Transition(n.ID, core.StateRunning, nil, nil)
	if err != nil {
		return err
	}
	nctx, cancel := context.WithCancel(s.ctx)
	s.inflight[n.ID] = cancel

	t := task{ctx: nctx, run: s.run, node: moved}
	if n.Kind == core.KindMerge {
		t.children = contributing(s.g.ReadyChildren(n.ID))
	}
	s.workCh <- t
	s.emitNode(telemetry.EventTransition, moved, "")
	return nil
}

func (s *scheduler) skipCooldown(n core.Node, target string, remaining time.Duration) error {
	failure := &core.NodeError{
		Kind:    core.ErrKindCooldown,
		Message: fmt.Sprintf("target %s cooling down for %s", target, remaining.Round(time.Second)),
	}
	moved, err := s.g.Transition(n.ID, core.StateSkipped, nil, failure)
	if err != nil {
		return err
	}
	log.Printf("[ENGINE] Node %s skipped: %s", n.ID, failure.Message)
	s.emitNode(telemetry.EventCooldownSkip, moved, failure.Message)
	return nil
}

func (s *scheduler) handleOutcome(out outcome) error {
	if cancel, ok := s.inflight[out.node.ID]; ok {
		cancel()
		delete(s.inflight, out.node.ID)
	}
	s.usage.Add(out.usage)

	cur, err := s.g.Node(out.node.ID)
	if err != nil {
		return err
	}
	if cur.State.Terminal() {
		// Forced by a subtree deadline while the worker was still going.
		log.Printf("[ENGINE] Node %s already %s, dropping late result", cur.ID, cur.State)
		return nil
	}

	if out.failure != nil {
		return s.fail(cur, out.failure)
	}
	switch cur.Kind {
	case core.KindRoot, core.KindExpansion:
		return s.plant(cur, out.specs)
	default:
		return s.complete(cur, out.result)
	}
}

func (s *scheduler) complete(n core.Node, result *core.Result) error {
	moved, err := s.g.Transition(n.ID, core.StateCompleted, result, nil)
	if err != nil {
		return err
	}
	s.charge(n.ID)
	s.emitNode(telemetry.EventTransition, moved, "")
	return nil
}

func (s *scheduler) fail(n core.Node, failure *core.NodeError) error {
	moved, err := s.g.Transition(n.ID, core.StateFailed, nil, failure)
	if err != nil {
		return err
	}
	s.charge(n.ID)
	log.Printf("[ENGINE] Node %s (%s) failed: %s", n.ID, n.Kind, failure.Error())
	s.emitNode(telemetry.EventTransition, moved, failure.Error())
	return nil
}

// charge deducts one tick for a dispatched node's resolution, exactly
// once per node. Memo hits, pruning and cooldown skips, adoptions and
// closeout syntheses never reach here.
func (s *scheduler) charge(id string) {
	if s.charged[id] {
		return
	}
	s.charged[id] = true
	if left := s.run.Charge(1); left == 0 {
		log.Printf("[ENGINE] Tick budget exhausted at node %s", id)
	}
}

// plant materializes an expansion's spec batch: selection prunes the
// work candidates, more than one survivor interposes a merge barrier,
// and every kept node is checked against the memoization index before
// it can cost anything. The expansion node itself stays running until
// its primary child resolves.
func (s *scheduler) plant(parent core.Node, specs []policy.ChildSpec) error {
	s.charge(parent.ID)

	var barrier *policy.ChildSpec
	work := make([]policy.ChildSpec, 0, len(specs))
	for i := range specs {
		if specs[i].Kind == core.KindMerge {
			barrier = &specs[i]
			continue
		}
		work = append(work, specs[i])
	}

	kept := s.eng.selector.Select(work, s.layers[parent.Depth+1])

	// More than one survivor needs a barrier, and the barrier pushes its
	// children one level deeper. Survivors that cannot live at that
	// depth (expansions with no room left for their own children) fall
	// out; if the barrier cannot fit at all, only the best survivor is
	// kept and attached directly.
	useBarrier := false
	if len(kept) > 1 && parent.Depth+2 <= s.eng.cfg.MaxDepth {
		feasible := make([]int, 0, len(kept))
		for _, idx := range kept {
			if work[idx].Kind == core.KindExpansion && parent.Depth+3 > s.eng.cfg.MaxDepth {
				continue
			}
			feasible = append(feasible, idx)
		}
		if len(feasible) > 1 {
			useBarrier = true
			kept = feasible
		}
	}
	if len(kept) > 1 && !useBarrier {
		best := kept[0]
		for _, idx := range kept[1:] {
			if work[idx].Score > work[best].Score {
				best = idx
			}
		}
		kept = []int{best}
		log.Printf("[ENGINE] Node %s: depth %d squeezes out the barrier, keeping 1 of %d candidates",
			parent.ID, parent.Depth, len(work))
	}

	attachTo := parent.ID
	if useBarrier {
		m, answered, err := s.createBarrier(parent, barrier)
		if err != nil || answered {
			return err
		}
		attachTo = m.ID
	}

	keptSet := make(map[int]bool, len(kept))
	for _, idx := range kept {
		keptSet[idx] = true
	}
	for i, spec := range work {
		child, err := s.g.CreateChild(attachTo, spec.Kind, graph.Params{
			Problem:   spec.Problem,
			Action:    spec.Action,
			MemoKey:   spec.MemoKey,
			Rationale: spec.Rationale,
		})
		if err != nil {
			return err
		}
		s.emitNode(telemetry.EventNodeCreated, child, truncate(spec.Problem, 120))

		if !keptSet[i] {
			failure := &core.NodeError{Kind: core.ErrKindPruned, Message: "pruned by selection"}
			moved, err := s.g.Transition(child.ID, core.StateSkipped, nil, failure)
			if err != nil {
				return err
			}
			s.emitNode(telemetry.EventTransition, moved, failure.Message)
			continue
		}

		s.layers[child.Depth]++
		if !useBarrier {
			s.primary[parent.ID] = child.ID
		}
		if _, err := s.attachMemo(child); err != nil {
			return err
		}
	}
	log.Printf("[ENGINE] Node %s expanded: %d candidates, %d kept, barrier=%v",
		parent.ID, len(work), len(kept), useBarrier)
	return nil
}

// createBarrier interposes the merge barrier under parent and arms its
// subtree deadline. On a memo hit for the barrier's key the whole
// subtree is already answered: the barrier completes on the spot, no
// children are planted, and answered is true.
func (s *scheduler) createBarrier(parent core.Node, spec *policy.ChildSpec) (core.Node, bool, error) {
	p := graph.Params{}
	if spec != nil {
		p.Problem = spec.Problem
		p.MemoKey = spec.MemoKey
		p.Rationale = spec.Rationale
	} else {
		p.Problem = "Synthesize findings for: " + parent.Problem
		p.MemoKey = core.MemoKey(core.KindMerge, p.Problem, nil)
	}

	m, err := s.g.CreateChild(parent.ID, core.KindMerge, p)
	if err != nil {
		return core.Node{}, false, err
	}
	s.primary[parent.ID] = m.ID
	s.deadlines[m.ID] = time.Now().Add(s.eng.cfg.SubtreeTimeout)
	s.emitNode(telemetry.EventNodeCreated, m, truncate(p.Problem, 120))

	hit, err := s.attachMemo(m)
	if err != nil || !hit {
		return m, false, err
	}
	delete(s.deadlines, m.ID)
	return m, true, nil
}

// attachMemo checks the memoization index for the node's key and, on a
// hit, completes the node without dispatch at zero tick cost.
func (s *scheduler) attachMemo(n core.Node) (bool, error) {
	res, ok := s.eng.memo.Lookup(s.ctx, s.run.Namespace, n.MemoKey)
	if !ok {
		return false, nil
	}
	result := &core.Result{
		Text:    res.Text,
		Excerpt: truncate(res.Text, s.eng.cfg.ExcerptLimit),
		MemoHit: true,
	}
	moved, err := s.g.Transition(n.ID, core.StateCompleted, result, nil)
	if err != nil {
		return false, err
	}
	log.Printf("[ENGINE] Node %s memo hit (key %s, from %s)", n.ID, n.MemoKey, res.SourceNodeID)
	s.emitNode(telemetry.EventMemoHit, moved, n.MemoKey)
	return true, nil
}

// propagate adopts results upward: a running expansion whose barrier or
// single child has resolved takes that result as its own at zero tick
// cost. Loops to a fixpoint so a finished chain collapses in one pass.
func (s *scheduler) propagate() error {
	for {
		moved := false
		for _, n := range s.g.Snapshot() {
			if n.State != core.StateRunning {
				continue
			}
			if n.Kind != core.KindRoot && n.Kind != core.KindExpansion {
				continue
			}
			if _, busy := s.inflight[n.ID]; busy {
				continue
			}
			if s.g.OpenChildren(n.ID) > 0 {
				continue
			}
			if err := s.adopt(n); err != nil {
				return err
			}
			moved = true
		}
		if !moved {
			return nil
		}
	}
}

func (s *scheduler) adopt(n core.Node) error {
	primaryID, ok := s.primary[n.ID]
	if !ok {
		return fmt.Errorf("expansion %s has no primary child: %w", n.ID, core.ErrIncompleteChildren)
	}
	child, err := s.g.Node(primaryID)
	if err != nil {
		return err
	}

	if child.State == core.StateCompleted {
		moved, err := s.g.Transition(n.ID, core.StateCompleted, child.Result, nil)
		if err != nil {
			return err
		}
		log.Printf("[ENGINE] Node %s (%s) adopted result of %s", n.ID, n.Kind, child.ID)
		s.emitNode(telemetry.EventTransition, moved, "adopted "+child.ID)
		s.storeMemo(n, child.Result)
		return nil
	}

	failure := &core.NodeError{Kind: core.ErrKindChildren, Message: "subtree produced no result"}
	if child.Err != nil {
		failure = &core.NodeError{Kind: child.Err.Kind, Message: "subtree failed: " + child.Err.Message}
	}
	moved, err := s.g.Transition(n.ID, core.StateFailed, nil, failure)
	if err != nil {
		return err
	}
	log.Printf("[ENGINE] Node %s (%s) failed via %s: %s", n.ID, n.Kind, child.ID, failure.Error())
	s.emitNode(telemetry.EventTransition, moved, failure.Error())
	return nil
}

func (s *scheduler) storeMemo(n core.Node, result *core.Result) {
	if n.MemoKey == "" {
		return
	}
	err := s.eng.memo.Store(s.ctx, s.run.Namespace, n.MemoKey, &memory.MemoResult{
		Text:         result.Text,
		SourceNodeID: n.ID,
	})
	if err != nil {
		log.Printf("[MEMO] Failed to store key %s: %v", n.MemoKey, err)
	}
}

// enforceDeadlines forces the stragglers under an expired merge barrier
// into failed, so the merge can run on what arrived. The merge itself
// is never the timeout victim; it synthesizes a partial result from the
// children the deadline left behind.
func (s *scheduler) enforceDeadlines() error {
	now := time.Now()
	for id, dl := range s.deadlines {
		if now.Before(dl) {
			continue
		}
		delete(s.deadlines, id)

		m, err := s.g.Node(id)
		if err != nil {
			return err
		}
		if m.State.Terminal() || s.g.OpenChildren(id) == 0 {
			continue
		}
		log.Printf("[ENGINE] Merge %s subtree deadline exceeded, failing stragglers", id)
		s.emitNode(telemetry.EventSubtreeTimeout, m, "subtree deadline exceeded")

		for _, c := range s.g.Children(id) {
			if c.State.Terminal() {
				continue
			}
			affected, err := s.g.MarkTimeout(c.ID)
			if err != nil {
				return err
			}
			for _, a := range affected {
				if cancel, ok := s.inflight[a.ID]; ok {
					cancel()
					s.charge(a.ID)
				}
				s.emitNode(telemetry.EventTransition, a, a.Err.Message)
			}
		}
	}
	return nil
}

// shutdown winds the run down after budget exhaustion or cancellation:
// stop dispatching, cancel and drain the in-flight work, starve what
// never ran, then close out the surviving merges so completed work
// still reaches the root. After a nil return the root is terminal.
func (s *scheduler) shutdown(reason core.ErrorKind) error {
	s.exhausted = true
	detail := "tick budget exhausted"
	if reason == core.ErrKindCancelled {
		detail = "run cancelled"
	}
	log.Printf("[ENGINE] Winding down run %s: %s (%d in flight)", s.run.ID, detail, len(s.inflight))
	if reason == core.ErrKindBudget {
		s.eng.emit(s.run, telemetry.Event{Type: telemetry.EventBudgetExhausted, Detail: detail})
	}

	for _, cancel := range s.inflight {
		cancel()
	}
	for len(s.inflight) > 0 {
		if err := s.drainOutcome(<-s.resCh, reason, detail); err != nil {
			return err
		}
	}

	// Pending leaves and expansions never ran; they are starved, not
	// failed. Pending merges stay: closeout resolves them from whatever
	// their children managed.
	for _, n := range s.g.Snapshot() {
		if n.State != core.StatePending || n.Kind == core.KindMerge {
			continue
		}
		failure := &core.NodeError{Kind: reason, Message: detail + " before dispatch"}
		moved, err := s.g.Transition(n.ID, core.StateSkipped, nil, failure)
		if err != nil {
			return err
		}
		s.emitNode(telemetry.EventTransition, moved, failure.Message)
	}

	return s.closeout(reason)
}

// drainOutcome lands an in-flight result during shutdown. Completed
// work is kept; an interrupted expansion is failed outright since its
// children never existed; cancellation failures are restamped with the
// shutdown reason.
func (s *scheduler) drainOutcome(out outcome, reason core.ErrorKind, detail string) error {
	if cancel, ok := s.inflight[out.node.ID]; ok {
		cancel()
		delete(s.inflight, out.node.ID)
	}
	s.usage.Add(out.usage)

	cur, err := s.g.Node(out.node.ID)
	if err != nil {
		return err
	}
	if cur.State.Terminal() {
		return nil
	}

	switch cur.Kind {
	case core.KindRoot, core.KindExpansion:
		failure := out.failure
		if failure == nil || failure.Kind == core.ErrKindCancelled {
			failure = &core.NodeError{Kind: reason, Message: "decomposition abandoned: " + detail}
		}
		return s.fail(cur, failure)
	default:
		if out.failure != nil {
			if out.failure.Kind == core.ErrKindCancelled {
				out.failure = &core.NodeError{
					Kind:     reason,
					Message:  out.failure.Message,
					Attempts: out.failure.Attempts,
				}
			}
			return s.fail(cur, out.failure)
		}
		return s.complete(cur, out.result)
	}
}

// closeout resolves the surviving structure serially: ready merges
// deepest-first, adoptions between rounds, until the root is terminal.
// Closeout syntheses are free; the budget is already spent.
func (s *scheduler) closeout(reason core.ErrorKind) error {
	mctx := s.ctx
	if reason == core.ErrKindBudget {
		// The run context is still live on this path; bound the
		// remaining syntheses separately.
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(context.Background(), s.eng.cfg.CloseoutTimeout)
		defer cancel()
	}

	limit := s.g.Count() + 1
	for i := 0; i < limit; i++ {
		if err := s.propagate(); err != nil {
			return err
		}
		if root, _ := s.g.Root(); root.State.Terminal() {
			return nil
		}
		merges := s.readyMerges()
		if len(merges) == 0 {
			return fmt.Errorf("closeout stalled with root unresolved: %w", core.ErrIncompleteChildren)
		}
		for _, m := range merges {
			if err := s.resolveMergeSync(mctx, m); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("closeout did not converge: %w", core.ErrIncompleteChildren)
}

func (s *scheduler) readyMerges() []core.Node {
	var out []core.Node
	for _, n := range s.g.Snapshot() {
		if n.Kind == core.KindMerge && n.State == core.StatePending && s.g.OpenChildren(n.ID) == 0 {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Depth > out[b].Depth })
	return out
}

func (s *scheduler) resolveMergeSync(ctx context.Context, m core.Node) error {
	children := contributing(s.g.ReadyChildren(m.ID))
	moved, err := s.g.Transition(m.ID, core.StateRunning, nil, nil)
	if err != nil {
		return err
	}
	s.charged[m.ID] = true // closeout syntheses are free
	out := s.eng.mergeNode(ctx, s.run, moved, children)
	s.usage.Add(out.usage)
	if out.failure != nil {
		return s.fail(moved, out.failure)
	}
	return s.complete(moved, out.result)
}

// contributing drops pruned candidates from a merge's input: they were
// deselected before running and do not mark the synthesis partial.
func contributing(children []core.Node) []core.Node {
	out := make([]core.Node, 0, len(children))
	for _, c := range children {
		if c.State == core.StateSkipped && c.Err != nil && c.Err.Kind == core.ErrKindPruned {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *scheduler) emitNode(typ string, n core.Node, detail string) {
	s.eng.emit(s.run, telemetry.Event{
		Type:   typ,
		NodeID: n.ID,
		Kind:   string(n.Kind),
		State:  string(n.State),
		Detail: detail,
	})
}
