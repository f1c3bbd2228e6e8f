// Package connector executes leaf actions against the outside world.
// Dispatch is a fixed table keyed by action type; every failure comes
// back as a typed core.ConnectorError so the leaf executor can decide
// between retry, cooldown and permanent failure.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/becomeliminal/grove/core"
)

// Connector executes one action type. Implementations must respect ctx
// cancellation: connector calls are the engine's suspension points.
type Connector interface {
	Name() string
	Execute(ctx context.Context, action core.Action) (*core.Observation, error)
}

// Registry is the dispatch table from action type to connector.
type Registry struct {
	connectors map[core.ActionType]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[core.ActionType]Connector)}
}

// Register installs a connector for an action type, replacing any
// previous one.
func (r *Registry) Register(t core.ActionType, c Connector) {
	r.connectors[t] = c
}

// Resolve returns the connector for an action type.
func (r *Registry) Resolve(t core.ActionType) (Connector, error) {
	c, ok := r.connectors[t]
	if !ok {
		return nil, &core.ConnectorError{
			Kind:    core.ErrKindUnsupported,
			Message: fmt.Sprintf("no connector registered for action type %q", t),
		}
	}
	return c, nil
}

// Defaults returns a registry with the live search, visit and save
// connectors wired in.
func Defaults(sink DeliverableSink) *Registry {
	r := NewRegistry()
	r.Register(core.ActionSearch, NewSearch(nil))
	r.Register(core.ActionVisit, NewVisit(nil))
	r.Register(core.ActionSave, NewSave(sink))
	return r
}

// Target derives the cooldown key of an action: the host it is aimed at.
// Save actions have no external target.
func Target(action core.Action) string {
	switch action.Type {
	case core.ActionVisit:
		if u, err := url.Parse(action.URL); err == nil && u.Host != "" {
			return u.Host
		}
		return action.URL
	case core.ActionSearch:
		return searchHost
	}
	return ""
}

type nodeIDKey struct{}

// WithNodeID returns a context carrying the id of the node on whose
// behalf a connector executes, used to attribute saved artifacts.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey{}, id)
}

// NodeIDFrom extracts the executing node id, if any.
func NodeIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(nodeIDKey{}).(string)
	return id
}

const (
	maxBodyBytes = 2 << 20 // read cap per fetch

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

func defaultClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

func newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	return req, nil
}

// statusKind classifies an HTTP status into an error kind. Blocked and
// banned responses install cooldowns; server-side trouble is retryable;
// bad requests are not.
func statusKind(code int) core.ErrorKind {
	switch {
	case code == http.StatusForbidden || code == http.StatusUnavailableForLegalReasons:
		return core.ErrKindBlocked
	case code == http.StatusTooManyRequests:
		return core.ErrKindRateLimited
	case code == http.StatusRequestTimeout:
		return core.ErrKindHTTP
	case code >= 500:
		return core.ErrKindHTTP
	case code >= 400:
		return core.ErrKindInvalid
	}
	return core.ErrKindHTTP
}

func statusError(code int, status, target string) error {
	return &core.ConnectorError{
		Kind:    statusKind(code),
		Message: fmt.Sprintf("HTTP %d: %s", code, status),
		Target:  target,
	}
}

// transportError classifies a failed round trip.
func transportError(err error, target string) error {
	kind := core.ErrKindNetwork
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = core.ErrKindTimeout
	case errors.Is(err, context.Canceled):
		kind = core.ErrKindCancelled
	}
	return &core.ConnectorError{
		Kind:    kind,
		Message: "request failed",
		Target:  target,
		Err:     err,
	}
}

func invalidActionError(msg string) error {
	return &core.ConnectorError{Kind: core.ErrKindInvalid, Message: msg}
}
