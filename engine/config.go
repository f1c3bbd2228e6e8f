package engine

import (
	"time"

	"github.com/becomeliminal/grove/policy"
)

// Config holds the engine's traversal and execution limits.
type Config struct {
	// MaxDepth bounds node depth; the root sits at depth 0.
	// Default: 6
	MaxDepth int

	// MaxBranching caps the work children kept per expansion.
	// Default: 4
	MaxBranching int

	// Concurrency is the worker pool size.
	// Default: 4
	Concurrency int

	// DefaultTicks is the tick budget used when the input leaves
	// MaxTicks unset.
	// Default: 64
	DefaultTicks int

	// MaxAttempts bounds connector retries per leaf, first try included.
	// Default: 3
	MaxAttempts int

	// RetryBaseDelay is the first backoff delay; each further attempt
	// doubles it up to RetryMaxDelay.
	// Defaults: 250ms, 5s
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// CooldownTTL is how long a blocked target stays off-limits.
	// Default: 15m
	CooldownTTL time.Duration

	// SubtreeTimeout bounds how long a merge barrier waits for its
	// children before the stragglers are failed and the merge runs on
	// what arrived.
	// Default: 2m
	SubtreeTimeout time.Duration

	// DeadlinePoll is how often the scheduler checks subtree deadlines.
	// Default: 250ms
	DeadlinePoll time.Duration

	// CloseoutTimeout bounds each synthesis performed while winding a
	// run down after budget exhaustion.
	// Default: 30s
	CloseoutTimeout time.Duration

	// ExcerptLimit bounds every excerpt handed to an LLM boundary.
	// Default: 1200
	ExcerptLimit int

	// Selector configures candidate selection. Nil uses the selection
	// defaults.
	Selector *policy.SelectorConfig

	// Claude configures the Claude-backed policies built from a client.
	// Nil uses the policy defaults.
	Claude *policy.ClaudeConfig
}

// DefaultConfig returns the limits used when no config is given.
var DefaultConfig = &Config{
	MaxDepth:        6,
	MaxBranching:    4,
	Concurrency:     4,
	DefaultTicks:    64,
	MaxAttempts:     3,
	RetryBaseDelay:  250 * time.Millisecond,
	RetryMaxDelay:   5 * time.Second,
	CooldownTTL:     15 * time.Minute,
	SubtreeTimeout:  2 * time.Minute,
	DeadlinePoll:    250 * time.Millisecond,
	CloseoutTimeout: 30 * time.Second,
	ExcerptLimit:    1200,
}

// withDefaults fills zero fields from DefaultConfig so a partial config
// only overrides what it sets.
func (c *Config) withDefaults() *Config {
	out := *DefaultConfig
	if c != nil {
		if c.MaxDepth > 0 {
			out.MaxDepth = c.MaxDepth
		}
		if c.MaxBranching > 0 {
			out.MaxBranching = c.MaxBranching
		}
		if c.Concurrency > 0 {
			out.Concurrency = c.Concurrency
		}
		if c.DefaultTicks > 0 {
			out.DefaultTicks = c.DefaultTicks
		}
		if c.MaxAttempts > 0 {
			out.MaxAttempts = c.MaxAttempts
		}
		if c.RetryBaseDelay > 0 {
			out.RetryBaseDelay = c.RetryBaseDelay
		}
		if c.RetryMaxDelay > 0 {
			out.RetryMaxDelay = c.RetryMaxDelay
		}
		if c.CooldownTTL > 0 {
			out.CooldownTTL = c.CooldownTTL
		}
		if c.SubtreeTimeout > 0 {
			out.SubtreeTimeout = c.SubtreeTimeout
		}
		if c.DeadlinePoll > 0 {
			out.DeadlinePoll = c.DeadlinePoll
		}
		if c.CloseoutTimeout > 0 {
			out.CloseoutTimeout = c.CloseoutTimeout
		}
		if c.ExcerptLimit > 0 {
			out.ExcerptLimit = c.ExcerptLimit
		}
		if c.Selector != nil {
			out.Selector = c.Selector
		}
		if c.Claude != nil {
			out.Claude = c.Claude
		}
	}
	return &out
}
