package policy

import (
	"fmt"
	"strings"

	"github.com/becomeliminal/grove/core"
)

const expanderSystemPrompt = `You decompose research problems into the smallest sufficient set of sub-problems.

You answer with a JSON array and nothing else. Each element:
{
  "kind": "leaf" | "expansion" | "merge",
  "problem": "what this child resolves",
  "action": {"type": "search"|"visit"|"save", "query": "...", "url": "...", "content": "...", "intent": "..."},
  "rationale": "why this child is needed",
  "score": 0.0-1.0
}

RULES:
- "leaf" children carry exactly one action. search needs "query", visit needs "url", save needs "content".
- "expansion" children are sub-problems that still need their own decomposition. Use them sparingly; fewer steps beat deeper trees.
- Include at most one "merge" child describing how the results should be combined.
- "score" ranks how much the child advances the problem; higher is better.
- Prefer gathering evidence (search, then visit promising results) before saving conclusions.
- If the problem cannot be decomposed into executable work, answer with [].`

const mergerSystemPrompt = `You synthesize research findings into a single coherent answer.

You are given a goal, the sub-problems that were pursued, and what each produced. Write the best answer the evidence supports. Be specific, cite which finding supports each claim by its number, and say plainly what remains unresolved. Answer with the synthesis only, no preamble.`

// expansionPrompt renders the user message for one expansion call.
func expansionPrompt(in ExpandInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MANDATE: %s\n\n", in.Mandate)
	if in.Node.Kind != core.KindRoot {
		fmt.Fprintf(&sb, "CURRENT SUB-PROBLEM: %s\n\n", in.Node.Problem)
	}
	fmt.Fprintf(&sb, "LIMITS: at most %d children; depth %d of %d used.\n", in.MaxBranching, in.Node.Depth, in.MaxDepth)
	if in.Context != "" {
		fmt.Fprintf(&sb, "\nWHAT THE RUN ALREADY KNOWS:\n%s\n", in.Context)
		sb.WriteString("\nDo not re-gather evidence listed above; build on it.\n")
	}
	sb.WriteString("\nDecompose the problem. Answer with the JSON array only.")
	return sb.String()
}

// mergePrompt renders the user message for one merge call. Child content
// is truncated here, at the boundary handed to the model; stored results
// stay whole.
func mergePrompt(in MergeInput, completed, failed []core.Node) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "GOAL: %s\n\n", in.Mandate)
	fmt.Fprintf(&sb, "SYNTHESIS TASK: %s\n\n", in.Node.Problem)

	sb.WriteString("FINDINGS:\n")
	for i, c := range completed {
		fmt.Fprintf(&sb, "%d. %s\n%s\n\n", i+1, c.Problem, childExcerpt(c, in.ExcerptLimit))
	}
	if len(failed) > 0 {
		sb.WriteString("UNRESOLVED (no result; acknowledge the gap):\n")
		for _, c := range failed {
			fmt.Fprintf(&sb, "- %s\n", failureNote(c))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Write the synthesis.")
	return sb.String()
}

// truncate bounds text for LLM prompts and excerpts. Rune-based so
// multi-byte content never splits mid character.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
