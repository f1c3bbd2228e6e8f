// Package engine drives a run: it grows the reasoning graph through the
// expansion policy, executes leaves through connectors, synthesizes
// merge barriers, and accounts every step against the run's tick budget.
//
// A single scheduler goroutine owns all graph mutation; a bounded worker
// pool does the slow work (API calls, fetches) and reports back over a
// channel. The engine itself is safe for concurrent runs: all per-run
// state lives on the run, its graph and its scheduler.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/grove/connector"
	"github.com/becomeliminal/grove/core"
	"github.com/becomeliminal/grove/graph"
	"github.com/becomeliminal/grove/memory"
	"github.com/becomeliminal/grove/policy"
	"github.com/becomeliminal/grove/telemetry"
)

// Engine executes runs. Construct with New; the zero value is not usable.
type Engine struct {
	mem       *memory.Service
	memo      *memory.Index
	registry  *connector.Registry
	cooldowns *connector.Cooldowns
	expander  policy.Expander
	merger    policy.Merger
	selector  *policy.Selector
	sink      telemetry.Sink
	client    *anthropic.Client
	collector *collector
	cfg       *Config

	retainNamespace bool
}

// Option configures the engine.
type Option func(*Engine)

// WithConfig overrides the default limits. Zero fields keep their
// defaults.
func WithConfig(cfg *Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithClient sets the Anthropic client used to build the Claude-backed
// expansion and merge policies.
func WithClient(client *anthropic.Client) Option {
	return func(e *Engine) {
		e.client = client
	}
}

// WithExpander sets the expansion policy, replacing the Claude default.
func WithExpander(x policy.Expander) Option {
	return func(e *Engine) {
		e.expander = x
	}
}

// WithMerger sets the merge policy, replacing the Claude default.
func WithMerger(m policy.Merger) Option {
	return func(e *Engine) {
		e.merger = m
	}
}

// WithSelector sets the candidate selector.
func WithSelector(s *policy.Selector) Option {
	return func(e *Engine) {
		e.selector = s
	}
}

// WithConnectors sets the connector registry, replacing the live
// defaults. Wire the save connector to Collector if run outcomes should
// carry deliverables.
func WithConnectors(r *connector.Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithMemoIndex sets the memoization index, replacing the one the engine
// would build over the memory service's store.
func WithMemoIndex(ix *memory.Index) Option {
	return func(e *Engine) {
		e.memo = ix
	}
}

// WithCooldowns sets the cooldown tracker, shared when several engines
// should respect the same blocked targets.
func WithCooldowns(cd *connector.Cooldowns) Option {
	return func(e *Engine) {
		e.cooldowns = cd
	}
}

// WithTelemetry sets the event sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithRetainNamespace keeps the run's memory namespace alive after the
// run ends, for inspection. Callers own the cleanup.
func WithRetainNamespace() Option {
	return func(e *Engine) {
		e.retainNamespace = true
	}
}

// New creates an engine over the given memory service. An expansion
// policy is required: either pass WithClient for the Claude default or
// inject one with WithExpander.
func New(mem *memory.Service, opts ...Option) (*Engine, error) {
	if mem == nil {
		return nil, fmt.Errorf("engine requires a memory service")
	}
	e := &Engine{
		mem:       mem,
		collector: newCollector(),
		sink:      telemetry.Discard,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()

	if e.expander == nil && e.client != nil {
		e.expander = policy.NewClaudeExpander(e.client, e.cfg.Claude)
	}
	if e.expander == nil {
		return nil, fmt.Errorf("engine requires an expansion policy: set WithClient or WithExpander")
	}
	if e.merger == nil {
		if e.client != nil {
			e.merger = policy.NewClaudeMerger(e.client, e.cfg.Claude)
		} else {
			e.merger = policy.FallbackMerger{}
		}
	}
	if e.selector == nil {
		e.selector = policy.NewSelector(e.cfg.Selector)
	}
	if e.registry == nil {
		e.registry = connector.Defaults(e.collector)
	}
	if e.memo == nil {
		ix, err := memory.NewIndex(mem.Store(), mem.Embedder())
		if err != nil {
			return nil, fmt.Errorf("create memo index: %w", err)
		}
		e.memo = ix
	}
	if e.cooldowns == nil {
		cd, err := connector.NewCooldowns(e.cfg.CooldownTTL)
		if err != nil {
			return nil, fmt.Errorf("create cooldown tracker: %w", err)
		}
		e.cooldowns = cd
	}
	return e, nil
}

// Collector returns the engine's deliverable sink. Custom registries
// route their save connector here so saved artifacts surface on run
// outcomes.
func (e *Engine) Collector() connector.DeliverableSink {
	return e.collector
}

// Close releases the engine's caches. Runs must have finished.
func (e *Engine) Close() {
	e.memo.Close()
	e.cooldowns.Close()
}

// Input describes one task to run.
type Input struct {
	// Mandate is the task description the root node carries.
	Mandate string

	// MaxTicks is the tick budget. Zero uses the configured default.
	MaxTicks int

	// CorrelationID threads an external identifier through logs and
	// telemetry. Empty generates one.
	CorrelationID string
}

// Status is the caller-visible terminal status of a run.
type Status string

const (
	// StatusCompleted means the root synthesized a full result.
	StatusCompleted Status = "completed"

	// StatusPartial means the root result was synthesized from an
	// incomplete child set (failures, timeouts or budget exhaustion
	// underneath).
	StatusPartial Status = "completed_partial"

	// StatusFailed means the root produced no result.
	StatusFailed Status = "failed"
)

// Outcome is the terminal record of a run.
type Outcome struct {
	Status Status

	// Result is the root's synthesized result; nil when Status is
	// StatusFailed.
	Result *core.Result

	// Err explains a failed run.
	Err error

	RunID         string
	Namespace     string
	CorrelationID string

	// TicksUsed is the budget consumed, NodesTotal the graph size.
	TicksUsed  int
	NodesTotal int

	// TokensUsed accumulates LLM token consumption across policies.
	TokensUsed core.TokenUsage

	// Deliverables are the artifacts saved during the run.
	Deliverables []core.Deliverable

	Elapsed time.Duration
}

// Run executes one task to its terminal outcome. The returned error is
// reserved for unusable input; execution trouble lands on the outcome.
func (e *Engine) Run(ctx context.Context, in Input) (*Outcome, error) {
	if strings.TrimSpace(in.Mandate) == "" {
		return nil, fmt.Errorf("run requires a mandate")
	}
	ticks := in.MaxTicks
	if ticks <= 0 {
		ticks = e.cfg.DefaultTicks
	}

	run := core.NewRun(in.Mandate, ticks, in.CorrelationID)
	log.Printf("[ENGINE] Run %s started (correlation=%s ticks=%d): %s",
		run.ID, run.CorrelationID, ticks, truncate(in.Mandate, 80))
	e.emit(run, telemetry.Event{
		Type:   telemetry.EventRunStarted,
		Detail: truncate(in.Mandate, 120),
		Ticks:  ticks,
	})

	g := graph.New(e.cfg.MaxDepth)
	root, err := g.CreateRoot(in.Mandate)
	if err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	run.RootID = root.ID

	s := newScheduler(e, run, g)
	runErr := s.loop(ctx)

	out := e.buildOutcome(run, g, s, runErr)
	e.teardown(run)

	log.Printf("[ENGINE] Run %s finished: %s (ticks=%d nodes=%d tokens=%d/%d elapsed=%s)",
		run.ID, out.Status, out.TicksUsed, out.NodesTotal,
		out.TokensUsed.InputTokens, out.TokensUsed.OutputTokens, out.Elapsed.Round(time.Millisecond))
	e.emit(run, telemetry.Event{
		Type:   telemetry.EventRunFinished,
		Detail: string(out.Status),
		Ticks:  out.TicksUsed,
	})
	return out, nil
}

func (e *Engine) buildOutcome(run *core.Run, g *graph.Graph, s *scheduler, runErr error) *Outcome {
	out := &Outcome{
		RunID:         run.ID,
		Namespace:     run.Namespace,
		CorrelationID: run.CorrelationID,
		TicksUsed:     run.TicksUsed(),
		NodesTotal:    g.Count(),
		TokensUsed:    s.usage,
		Deliverables:  e.collector.drain(run.Namespace),
		Elapsed:       time.Since(run.StartedAt),
	}
	if runErr != nil {
		out.Status = StatusFailed
		out.Err = runErr
		return out
	}

	root, _ := g.Root()
	switch root.State {
	case core.StateCompleted:
		out.Result = root.Result
		if root.Result.Partial {
			out.Status = StatusPartial
		} else {
			out.Status = StatusCompleted
		}
	case core.StateFailed, core.StateSkipped:
		out.Status = StatusFailed
		out.Err = root.Err
	default:
		out.Status = StatusFailed
		out.Err = fmt.Errorf("root %s left %s: %w", root.ID, root.State, core.ErrInvalidTransition)
	}
	return out
}

// teardown clears the run's namespace from the memo index and, unless
// retention is on, from the store.
func (e *Engine) teardown(run *core.Run) {
	e.memo.DropNamespace(run.Namespace)
	if e.retainNamespace {
		log.Printf("[ENGINE] Retaining namespace %s", run.Namespace)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.mem.Teardown(ctx, run.Namespace); err != nil {
		log.Printf("[ENGINE] Teardown of %s failed: %v", run.Namespace, err)
	}
}

func (e *Engine) emit(run *core.Run, ev telemetry.Event) {
	ev.Time = time.Now()
	ev.RunID = run.ID
	e.sink.Emit(ev)
}

// collector accumulates deliverables per namespace so concurrent runs
// on one engine stay separated.
type collector struct {
	mu   sync.Mutex
	byNS map[string][]core.Deliverable
}

func newCollector() *collector {
	return &collector{byNS: make(map[string][]core.Deliverable)}
}

// Save records a deliverable under the namespace carried by the context.
func (c *collector) Save(ctx context.Context, d core.Deliverable) error {
	ns := namespaceFrom(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byNS[ns] = append(c.byNS[ns], d)
	return nil
}

func (c *collector) drain(namespace string) []core.Deliverable {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.byNS[namespace]
	delete(c.byNS, namespace)
	return out
}

type namespaceKey struct{}

func withNamespace(ctx context.Context, ns string) context.Context {
	return context.WithValue(ctx, namespaceKey{}, ns)
}

func namespaceFrom(ctx context.Context) string {
	ns, _ := ctx.Value(namespaceKey{}).(string)
	return ns
}

// truncate bounds text for logs and excerpts without splitting a rune.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
