package policy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/grove/core"
)

// ErrAllChildrenFailed is returned by a merger when no child contributed
// a result. It is the only case where a merge node itself fails.
var ErrAllChildrenFailed = errors.New("all children failed")

// MergeInput is everything the merge policy sees for one barrier node.
type MergeInput struct {
	// Mandate is the root task description of the run.
	Mandate string

	// Node is the merge node being resolved.
	Node core.Node

	// Children are the terminal direct children, in creation order.
	// Pruned candidates are excluded before the merger sees the set.
	Children []core.Node

	// ExcerptLimit bounds each child excerpt handed to an LLM. This is
	// the one place content is truncated; storage always keeps it whole.
	ExcerptLimit int
}

// Merged is a synthesized result plus the token cost of producing it.
type Merged struct {
	Result *core.Result
	Usage  core.TokenUsage
}

// Merger synthesizes terminal children into a parent-level result. A
// merge with at least one completed child always succeeds, marking the
// result partial when any sibling failed; ErrAllChildrenFailed is the
// total-failure case.
type Merger interface {
	Merge(ctx context.Context, in MergeInput) (*Merged, error)
}

// contributions splits the child set for synthesis: completed children
// contribute results, failed and forcibly-skipped ones contribute only a
// partial marker. The partial flag also inherits from children whose own
// results were partial.
func contributions(children []core.Node) (completed, failed []core.Node, partial bool) {
	for _, c := range children {
		switch c.State {
		case core.StateCompleted:
			completed = append(completed, c)
			if c.Result != nil && c.Result.Partial {
				partial = true
			}
		case core.StateFailed, core.StateSkipped:
			failed = append(failed, c)
			partial = true
		}
	}
	return completed, failed, partial
}

func childExcerpt(c core.Node, limit int) string {
	if c.Result == nil {
		return ""
	}
	text := c.Result.Excerpt
	if text == "" {
		text = c.Result.Text
	}
	return truncate(text, limit)
}

func failureNote(c core.Node) string {
	if c.Err == nil {
		return fmt.Sprintf("%s: failed", c.Problem)
	}
	return fmt.Sprintf("%s: %s", c.Problem, c.Err.Error())
}

// ClaudeMerger synthesizes child results by asking Claude for a summary.
type ClaudeMerger struct {
	client *anthropic.Client
	cfg    ClaudeConfig
}

// NewClaudeMerger creates a merger on the given client. A nil config
// uses defaults.
func NewClaudeMerger(client *anthropic.Client, cfg *ClaudeConfig) *ClaudeMerger {
	return &ClaudeMerger{client: client, cfg: cfg.withDefaults()}
}

// Merge synthesizes the completed children into a summary.
func (m *ClaudeMerger) Merge(ctx context.Context, in MergeInput) (*Merged, error) {
	completed, failed, partial := contributions(in.Children)
	if len(completed) == 0 {
		return nil, fmt.Errorf("merge %s: %w", in.Node.ID, ErrAllChildrenFailed)
	}

	resp, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(m.cfg.Model),
		MaxTokens: m.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: mergerSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(mergePrompt(in, completed, failed))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude merge: %w", err)
	}

	usage := core.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}

	var summary string
	for _, block := range resp.Content {
		if block.Type == "text" {
			summary += block.Text
		}
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, fmt.Errorf("merge %s: empty synthesis", in.Node.ID)
	}

	log.Printf("[MERGE] Node %s: synthesized %d results (%d failed, partial=%v)",
		in.Node.ID, len(completed), len(failed), partial)
	return &Merged{
		Result: &core.Result{
			Text:    summary,
			Excerpt: truncate(summary, in.ExcerptLimit),
			Partial: partial,
		},
		Usage: usage,
	}, nil
}

// FallbackMerger synthesizes deterministically by concatenating child
// excerpts. It backs runs with no API client and the budget closeout
// path when a Claude merge errors out.
type FallbackMerger struct{}

// Merge concatenates the completed children's excerpts under the merge
// node's problem statement.
func (FallbackMerger) Merge(ctx context.Context, in MergeInput) (*Merged, error) {
	completed, failed, partial := contributions(in.Children)
	if len(completed) == 0 {
		return nil, fmt.Errorf("merge %s: %w", in.Node.ID, ErrAllChildrenFailed)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Findings for: %s\n", in.Node.Problem)
	for i, c := range completed {
		fmt.Fprintf(&sb, "\n%d. [%s] %s\n", i+1, c.Problem, childExcerpt(c, in.ExcerptLimit))
	}
	if len(failed) > 0 {
		sb.WriteString("\nUnresolved:\n")
		for _, c := range failed {
			fmt.Fprintf(&sb, "- %s\n", failureNote(c))
		}
	}

	text := strings.TrimSpace(sb.String())
	log.Printf("[MERGE] Node %s: fallback concat of %d results (%d failed)", in.Node.ID, len(completed), len(failed))
	return &Merged{
		Result: &core.Result{
			Text:    text,
			Excerpt: truncate(text, in.ExcerptLimit),
			Partial: partial,
		},
	}, nil
}
