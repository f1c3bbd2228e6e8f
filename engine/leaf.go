package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/becomeliminal/grove/connector"
	"github.com/becomeliminal/grove/core"
	"github.com/becomeliminal/grove/memory"
)

// runLeaf executes a leaf's connector action with bounded retries and
// exponential backoff. Blocked targets get a cooldown installed on the
// spot; the observation is recorded to memory whether the leaf ends in
// success or failure, so sibling branches can see both.
func (e *Engine) runLeaf(t task) outcome {
	n := t.node
	action := *n.Action
	ctx := connector.WithNodeID(withNamespace(t.ctx, t.run.Namespace), n.ID)

	conn, err := e.registry.Resolve(action.Type)
	if err != nil {
		cerr := asConnectorError(err)
		return outcome{node: n, failure: &core.NodeError{Kind: cerr.Kind, Message: cerr.Error()}}
	}

	var last *core.ConnectorError
	attempts := 0
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		obs, err := conn.Execute(ctx, action)
		if err == nil {
			return e.leafSuccess(ctx, t.run, n, obs, attempts)
		}

		last = asConnectorError(err)
		log.Printf("[LEAF] Node %s attempt %d/%d failed: %v", n.ID, attempt, e.cfg.MaxAttempts, last)

		if last.Kind == core.ErrKindBlocked {
			e.cooldowns.Install(last.Target)
		}
		if last.Kind == core.ErrKindCancelled || ctx.Err() != nil {
			break
		}
		if !last.Retryable() || attempt == e.cfg.MaxAttempts {
			break
		}
		if err := sleepBackoff(ctx, e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay, attempt); err != nil {
			last = &core.ConnectorError{
				Kind:    core.ErrKindCancelled,
				Message: fmt.Sprintf("retry interrupted after %v", last),
				Err:     err,
			}
			break
		}
	}

	e.recordFailure(ctx, t.run, n, last, attempts)
	return outcome{node: n, failure: &core.NodeError{
		Kind:     last.Kind,
		Message:  last.Error(),
		Attempts: attempts,
	}}
}

func (e *Engine) leafSuccess(ctx context.Context, run *core.Run, n core.Node, obs *core.Observation, attempts int) outcome {
	// Harvested links ride along in the memory record so later expansions
	// can propose follow-up visits; the node result stays raw content.
	recorded := obs.Content
	if len(obs.Links) > 0 {
		recorded += "\n\nOutgoing links:\n- " + strings.Join(obs.Links, "\n- ")
	}
	chunks, err := e.mem.RecordObservation(ctx, run.Namespace, memory.ObservationInput{
		NodeID:     n.ID,
		ActionType: string(n.Action.Type),
		Content:    recorded,
		Success:    true,
	})
	if err != nil {
		log.Printf("[MEMORY] Failed to record observation for node %s: %v", n.ID, err)
	}

	if n.MemoKey != "" {
		if err := e.memo.Store(ctx, run.Namespace, n.MemoKey, &memory.MemoResult{
			Text:         obs.Content,
			SourceNodeID: n.ID,
		}); err != nil {
			log.Printf("[MEMO] Failed to store key %s: %v", n.MemoKey, err)
		}
	}

	log.Printf("[LEAF] Node %s %s done (%d chunks, %d attempts)", n.ID, n.Action.Type, chunks, attempts)
	return outcome{node: n, result: &core.Result{
		Text:    obs.Content,
		Excerpt: truncate(obs.Content, e.cfg.ExcerptLimit),
		Chunks:  chunks,
	}}
}

func (e *Engine) recordFailure(ctx context.Context, run *core.Run, n core.Node, cerr *core.ConnectorError, attempts int) {
	content := fmt.Sprintf("Action %s on %q failed after %d attempts: %v",
		n.Action.Type, actionSubject(n.Action), attempts, cerr)
	if _, err := e.mem.RecordObservation(ctx, run.Namespace, memory.ObservationInput{
		NodeID:     n.ID,
		ActionType: string(n.Action.Type),
		Content:    content,
		Success:    false,
	}); err != nil {
		log.Printf("[MEMORY] Failed to record failure for node %s: %v", n.ID, err)
	}
}

func actionSubject(a *core.Action) string {
	switch a.Type {
	case core.ActionSearch:
		return a.Query
	case core.ActionVisit:
		return a.URL
	}
	return string(a.Type)
}

func asConnectorError(err error) *core.ConnectorError {
	var cerr *core.ConnectorError
	if errors.As(err, &cerr) {
		return cerr
	}
	return &core.ConnectorError{Kind: core.ErrKindNetwork, Message: err.Error(), Err: err}
}

// sleepBackoff waits base doubled per attempt, capped at max, returning
// early when ctx dies.
func sleepBackoff(ctx context.Context, base, max time.Duration, attempt int) error {
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay <= 0 {
		delay = max
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
