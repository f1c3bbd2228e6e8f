// Package telemetry carries the engine's event feed. The engine emits a
// flat event per interesting state change; sinks decide where it goes: a
// log line, a websocket broadcast to attached dashboards, or nowhere.
package telemetry

import (
	"log"
	"time"
)

// Event types emitted by the engine.
const (
	EventRunStarted      = "run_started"
	EventNodeCreated     = "node_created"
	EventTransition      = "node_transition"
	EventMemoHit         = "memo_hit"
	EventCooldownSkip    = "cooldown_skip"
	EventSubtreeTimeout  = "subtree_timeout"
	EventBudgetExhausted = "budget_exhausted"
	EventRunFinished     = "run_finished"
)

// Event is one engine state change, flattened for transport.
type Event struct {
	Time   time.Time `json:"time"`
	RunID  string    `json:"run_id"`
	Type   string    `json:"type"`
	NodeID string    `json:"node_id,omitempty"`
	Kind   string    `json:"kind,omitempty"`
	State  string    `json:"state,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Ticks  int       `json:"ticks,omitempty"`
}

// Sink receives events. Emit must not block: the scheduler calls it
// inline on its single mutation goroutine.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// LogSink writes each event as a tagged log line.
type LogSink struct{}

func (LogSink) Emit(ev Event) {
	switch {
	case ev.NodeID != "":
		log.Printf("[EVENT] %s run=%s node=%s kind=%s state=%s %s", ev.Type, ev.RunID, ev.NodeID, ev.Kind, ev.State, ev.Detail)
	default:
		log.Printf("[EVENT] %s run=%s %s", ev.Type, ev.RunID, ev.Detail)
	}
}

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}
