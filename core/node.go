package core

import (
	"fmt"
	"time"
)

// Kind discriminates which policy processes a node.
type Kind string

const (
	// KindRoot is the single entry node carrying the mandate. It is
	// processed by the expansion policy like any other expansion node.
	KindRoot Kind = "root"

	// KindExpansion is a node whose work is decomposing its problem
	// into child sub-problems.
	KindExpansion Kind = "expansion"

	// KindLeaf is a node whose work is executing a connector action.
	KindLeaf Kind = "leaf"

	// KindMerge is a synchronization barrier that synthesizes its
	// children's results once they are all terminal.
	KindMerge Kind = "merge"
)

// State is the lifecycle state of a node.
//
// Transitions are forward-only: pending -> running -> {completed, failed},
// with pending also allowed to jump directly to a terminal state (memo
// hits, cooldown skips, pruned candidates). A node never moves backward
// and never leaves a terminal state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// Node is the unit of reasoning work in a run's graph.
//
// Nodes are held in an arena keyed by ID; ParentID is a weak back-reference
// and the authoritative edge set lives in the graph manager. Result and Err
// are set exactly once, on the transition into a terminal state.
type Node struct {
	ID        string
	ParentID  string
	Kind      Kind
	State     State
	Depth     int
	Problem   string
	Action    *Action // leaf nodes only
	MemoKey   string
	Rationale string

	Result *Result
	Err    *NodeError

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Result is the terminal payload of a completed node.
type Result struct {
	// Text is the full, untruncated content. Truncation happens only at
	// the boundary handed to an LLM-facing consumer, never here.
	Text string

	// Excerpt is a bounded excerpt surfaced to parent policies.
	Excerpt string

	// Partial marks a merge produced from an incomplete child set
	// (failed, timed-out or budget-starved children).
	Partial bool

	// MemoHit marks a result attached from the memoization index
	// without re-execution.
	MemoHit bool

	// Chunks is the number of observation chunks written to memory.
	Chunks int
}

// NodeError is the terminal failure payload of a node. It preserves the
// error kind, the attempt count and the last underlying error text so
// failures are never silently dropped.
type NodeError struct {
	Kind     ErrorKind
	Message  string
	Attempts int
}

func (e *NodeError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s after %d attempts: %s", e.Kind, e.Attempts, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// TokenUsage tracks LLM token consumption accumulated over a run.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
