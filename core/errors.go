package core

import (
	"errors"
	"fmt"
)

// Graph errors indicate a scheduler or policy bug and abort the run; they
// are never expected in normal operation.
var (
	ErrInvalidParent      = errors.New("invalid parent")
	ErrUnknownNode        = errors.New("unknown node")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrIncompleteChildren = errors.New("incomplete children")
)

// ErrInfeasible is returned by an expansion policy when a problem cannot
// be decomposed into any executable work. It is reported as a node
// failure, never retried.
var ErrInfeasible = errors.New("no feasible decomposition")

// ErrBudgetExhausted signals that the run's tick budget reached zero. It
// forces a partial merge and graceful termination rather than surfacing
// as a caller-visible failure.
var ErrBudgetExhausted = errors.New("tick budget exhausted")

// ErrorKind classifies a failure for retry, cooldown and reporting
// decisions.
type ErrorKind string

const (
	// Connector execution failures.
	ErrKindNetwork     ErrorKind = "network"
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindHTTP        ErrorKind = "http"
	ErrKindBlocked     ErrorKind = "blocked"
	ErrKindInvalid     ErrorKind = "invalid"
	ErrKindUnsupported ErrorKind = "unsupported"

	// Node-level markers applied by the scheduler.
	ErrKindInfeasible ErrorKind = "infeasible"
	ErrKindBudget     ErrorKind = "budget_exhausted"
	ErrKindCooldown   ErrorKind = "cooldown"
	ErrKindPruned     ErrorKind = "not_selected"
	ErrKindCancelled  ErrorKind = "cancelled"
	ErrKindChildren   ErrorKind = "children_failed"
	ErrKindPolicy     ErrorKind = "policy"
)

// Retryable reports whether a connector failure of this kind is worth
// retrying with backoff. Blocked targets and invalid requests are not.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindNetwork, ErrKindTimeout, ErrKindRateLimited, ErrKindHTTP:
		return true
	}
	return false
}

// ConnectorError is the typed failure of a connector execution.
type ConnectorError struct {
	Kind    ErrorKind
	Message string

	// Target is the cooldown key for blocked failures, usually the host
	// the action was aimed at. Empty when no cooldown applies.
	Target string

	Err error
}

func (e *ConnectorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connector %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("connector %s: %s", e.Kind, e.Message)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *ConnectorError) Retryable() bool { return e.Kind.Retryable() }
