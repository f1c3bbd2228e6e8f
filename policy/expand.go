// Package policy holds the reasoning policies of the engine: expansion
// (decompose a problem into child specs), evaluation/selection (rank and
// prune candidates) and merge (synthesize child results). The Claude
// implementations call the Anthropic API; deterministic fallbacks keep
// the engine runnable and testable without one.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/grove/core"
)

// ChildSpec is one proposed child of an expansion node. The expander
// derives MemoKey before handing the batch back, so the engine can check
// the memoization index without recomputing it.
type ChildSpec struct {
	Kind      core.Kind
	Problem   string
	Action    *core.Action
	Rationale string
	Score     float64
	MemoKey   string
}

// ExpandInput is everything the expansion policy sees for one node.
type ExpandInput struct {
	// Mandate is the root task description of the run.
	Mandate string

	// Node is the expansion node being decomposed.
	Node core.Node

	// Context is the formatted retrieved memory block, empty when the
	// run has not gathered anything relevant yet.
	Context string

	// MaxBranching caps the number of work specs in the batch.
	MaxBranching int

	// MaxDepth is the graph-wide depth bound; children of Node sit at
	// Node.Depth+1, or one deeper when a merge barrier is interposed.
	MaxDepth int
}

// Expansion is a normalized batch of child specs plus the token cost of
// producing it.
type Expansion struct {
	Specs []ChildSpec
	Usage core.TokenUsage
}

// Expander proposes child sub-problems for a pending expansion node.
// Implementations must return normalized batches: deduplicated memo keys,
// at most one merge spec, no proposal beyond the depth bound, and at
// least one executable work spec, or ErrInfeasible.
type Expander interface {
	Expand(ctx context.Context, in ExpandInput) (*Expansion, error)
}

// ClaudeConfig configures the Claude-backed policies.
type ClaudeConfig struct {
	// Model is the Claude model id. Default: claude-sonnet-4-20250514.
	Model string

	// MaxTokens bounds each response. Default: 4096.
	MaxTokens int64
}

func (c *ClaudeConfig) withDefaults() ClaudeConfig {
	out := ClaudeConfig{}
	if c != nil {
		out = *c
	}
	if out.Model == "" {
		out.Model = "claude-sonnet-4-20250514"
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}
	return out
}

// ClaudeExpander decomposes problems by asking Claude for a JSON batch of
// child specs.
type ClaudeExpander struct {
	client *anthropic.Client
	cfg    ClaudeConfig
}

// NewClaudeExpander creates an expander on the given client. A nil config
// uses defaults.
func NewClaudeExpander(client *anthropic.Client, cfg *ClaudeConfig) *ClaudeExpander {
	return &ClaudeExpander{client: client, cfg: cfg.withDefaults()}
}

// rawSpec is the JSON wire shape the model answers with.
type rawSpec struct {
	Kind      string       `json:"kind"`
	Problem   string       `json:"problem"`
	Action    *core.Action `json:"action,omitempty"`
	Rationale string       `json:"rationale,omitempty"`
	Score     float64      `json:"score"`
}

// Expand asks Claude to decompose the node's problem and normalizes the
// answer. Infeasible problems (nothing executable proposed) come back as
// ErrInfeasible and are reported, never retried.
func (e *ClaudeExpander) Expand(ctx context.Context, in ExpandInput) (*Expansion, error) {
	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.cfg.Model),
		MaxTokens: e.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: expanderSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(expansionPrompt(in))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude expansion: %w", err)
	}

	usage := core.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	payload := extractJSONArray(text)
	if payload == "" {
		log.Printf("[EXPAND] No JSON batch in response for node %s: %q", in.Node.ID, truncate(text, 120))
		return nil, fmt.Errorf("node %s: response carries no spec batch: %w", in.Node.ID, core.ErrInfeasible)
	}

	var raw []rawSpec
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("node %s: parse spec batch: %w", in.Node.ID, err)
	}

	specs, err := normalize(raw, in)
	if err != nil {
		return nil, err
	}
	log.Printf("[EXPAND] Node %s: %d specs kept from %d proposed", in.Node.ID, len(specs), len(raw))
	return &Expansion{Specs: specs, Usage: usage}, nil
}

// normalize converts raw proposals into a valid batch: invalid kinds and
// blank problems dropped, leaf actions validated, depth-bound proposals
// dropped, memo keys derived and deduplicated (first occurrence wins), at
// most one merge spec, and the work count clamped to MaxBranching. A
// batch with no surviving work spec is ErrInfeasible.
func normalize(raw []rawSpec, in ExpandInput) ([]ChildSpec, error) {
	childDepth := in.Node.Depth + 1
	if childDepth > in.MaxDepth {
		return nil, fmt.Errorf("node %s at depth %d cannot have children: %w", in.Node.ID, in.Node.Depth, core.ErrInfeasible)
	}

	maxWork := in.MaxBranching
	if maxWork <= 0 {
		maxWork = 1
	}

	var (
		specs    []ChildSpec
		seen     = make(map[string]bool)
		work     int
		hasMerge bool
	)
	for _, r := range raw {
		problem := strings.TrimSpace(r.Problem)
		if problem == "" {
			continue
		}

		kind, ok := parseKind(r.Kind)
		if !ok {
			log.Printf("[EXPAND] Dropping spec with unknown kind %q", r.Kind)
			continue
		}

		switch kind {
		case core.KindMerge:
			if hasMerge {
				continue
			}
		case core.KindExpansion:
			// An expansion at the depth floor could never attach its
			// own children; dropping it here keeps the graph free of
			// sterile nodes.
			if childDepth+1 > in.MaxDepth {
				continue
			}
		case core.KindLeaf:
			if !validAction(r.Action) {
				log.Printf("[EXPAND] Dropping leaf spec with invalid action: %+v", r.Action)
				continue
			}
		}

		spec := ChildSpec{
			Kind:      kind,
			Problem:   problem,
			Action:    r.Action,
			Rationale: strings.TrimSpace(r.Rationale),
			Score:     clampScore(r.Score),
		}
		if kind != core.KindLeaf {
			spec.Action = nil
		}
		spec.MemoKey = core.MemoKey(spec.Kind, spec.Problem, spec.Action)

		if seen[spec.MemoKey] {
			continue
		}

		if kind == core.KindMerge {
			hasMerge = true
		} else {
			if work >= maxWork {
				continue
			}
			work++
		}
		seen[spec.MemoKey] = true
		specs = append(specs, spec)
	}

	if work == 0 {
		return nil, fmt.Errorf("node %s: no executable work proposed: %w", in.Node.ID, core.ErrInfeasible)
	}
	return specs, nil
}

func parseKind(s string) (core.Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "expansion":
		return core.KindExpansion, true
	case "leaf":
		return core.KindLeaf, true
	case "merge", "merge-barrier":
		return core.KindMerge, true
	}
	return "", false
}

func validAction(a *core.Action) bool {
	if a == nil {
		return false
	}
	switch a.Type {
	case core.ActionSearch:
		return strings.TrimSpace(a.Query) != ""
	case core.ActionVisit:
		return strings.TrimSpace(a.URL) != ""
	case core.ActionSave:
		return strings.TrimSpace(a.Content) != ""
	}
	return false
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
