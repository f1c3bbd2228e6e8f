package core

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Run is the process-scoped context of one engine execution. It is created
// at run start, passed by reference to every component, and torn down
// (namespace cleared) at run end or on fatal failure.
type Run struct {
	ID            string
	Namespace     string
	CorrelationID string
	Mandate       string
	RootID        string
	StartedAt     time.Time

	budget int64
	ticks  atomic.Int64
}

// NewRun creates a run with a fresh namespace and the given tick budget.
// An empty correlation id is replaced with a generated one.
func NewRun(mandate string, tickBudget int, correlationID string) *Run {
	id := uuid.NewString()
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	r := &Run{
		ID:            id,
		Namespace:     "run-" + id,
		CorrelationID: correlationID,
		Mandate:       mandate,
		StartedAt:     time.Now(),
		budget:        int64(tickBudget),
	}
	r.ticks.Store(int64(tickBudget))
	return r
}

// TicksRemaining returns the remaining tick budget. Safe for concurrent
// reads; only the scheduler decrements.
func (r *Run) TicksRemaining() int {
	return int(r.ticks.Load())
}

// TicksUsed returns the budget consumed so far.
func (r *Run) TicksUsed() int {
	return int(r.budget - r.ticks.Load())
}

// Charge deducts cost from the budget and returns the remainder. The
// budget never goes below zero: charges at the floor are clamped so the
// counter stays monotonically non-increasing.
func (r *Run) Charge(cost int) int {
	if cost <= 0 {
		return r.TicksRemaining()
	}
	for {
		cur := r.ticks.Load()
		next := cur - int64(cost)
		if next < 0 {
			next = 0
		}
		if r.ticks.CompareAndSwap(cur, next) {
			return int(next)
		}
	}
}

// Exhausted reports whether the tick budget has reached zero.
func (r *Run) Exhausted() bool {
	return r.ticks.Load() <= 0
}
