package core

import "time"

// ActionType selects which connector executes a leaf action.
type ActionType string

const (
	ActionSearch ActionType = "search"
	ActionVisit  ActionType = "visit"
	ActionSave   ActionType = "save"
)

// Action identifies a connector and its parameters. Exactly one of Query,
// URL or Content is meaningful depending on Type; Intent is an optional
// free-text steering hint passed through to the connector.
type Action struct {
	Type    ActionType `json:"type"`
	Query   string     `json:"query,omitempty"`
	URL     string     `json:"url,omitempty"`
	Content string     `json:"content,omitempty"`
	Intent  string     `json:"intent,omitempty"`
}

// Observation is the uniform success payload of a connector execution.
// Content is always set and is unbounded at this layer; any character or
// link limit is applied by the consumer, not at fetch or storage time.
type Observation struct {
	Content string
	Results []SearchResult // search only
	Links   []string       // visit only
	Ack     string         // save only
}

// SearchResult is a single web search hit.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Deliverable is an artifact persisted through the save connector and
// surfaced on the run outcome for downstream validation.
type Deliverable struct {
	ID      string
	NodeID  string
	Content string
	SavedAt time.Time
}
