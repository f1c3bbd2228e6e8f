package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/becomeliminal/grove/core"
)

func mergeInput(children ...core.Node) MergeInput {
	return MergeInput{
		Mandate:      "compare go cache libraries",
		Node:         core.Node{ID: "n0002", Kind: core.KindMerge, Problem: "combine the cache findings"},
		Children:     children,
		ExcerptLimit: 200,
	}
}

func completedChild(id, problem, text string) core.Node {
	return core.Node{
		ID: id, Kind: core.KindLeaf, State: core.StateCompleted,
		Problem: problem,
		Result:  &core.Result{Text: text, Excerpt: text},
	}
}

func failedChild(id, problem string, kind core.ErrorKind) core.Node {
	return core.Node{
		ID: id, Kind: core.KindLeaf, State: core.StateFailed,
		Problem: problem,
		Err:     &core.NodeError{Kind: kind, Message: "gone wrong", Attempts: 3},
	}
}

func TestFallbackMerger_AllCompleted(t *testing.T) {
	merged, err := FallbackMerger{}.Merge(context.Background(), mergeInput(
		completedChild("n0003", "benchmarks", "ristretto leads the throughput table"),
		completedChild("n0004", "memory use", "bigcache holds less per entry"),
	))
	if err != nil {
		t.Fatalf("Failed to merge: %v", err)
	}

	if merged.Result.Partial {
		t.Error("Full child set should not produce a partial result")
	}
	if !strings.Contains(merged.Result.Text, "ristretto leads") || !strings.Contains(merged.Result.Text, "bigcache holds") {
		t.Errorf("Synthesis dropped a contribution:\n%s", merged.Result.Text)
	}
	if merged.Result.Excerpt == "" {
		t.Error("Merged result must carry an excerpt")
	}
}

func TestFallbackMerger_PartialOnChildFailure(t *testing.T) {
	merged, err := FallbackMerger{}.Merge(context.Background(), mergeInput(
		completedChild("n0003", "benchmarks", "ristretto leads"),
		failedChild("n0004", "vendor page", core.ErrKindBlocked),
	))
	if err != nil {
		t.Fatalf("Partial child failure must not fail the merge: %v", err)
	}

	if !merged.Result.Partial {
		t.Error("Result should be marked partial when a child failed")
	}
	if !strings.Contains(merged.Result.Text, "Unresolved") || !strings.Contains(merged.Result.Text, "vendor page") {
		t.Errorf("Failed child not acknowledged:\n%s", merged.Result.Text)
	}
	if !strings.Contains(merged.Result.Text, "3 attempts") {
		t.Errorf("Failure detail (attempt count) dropped:\n%s", merged.Result.Text)
	}
}

func TestFallbackMerger_AllFailed(t *testing.T) {
	_, err := FallbackMerger{}.Merge(context.Background(), mergeInput(
		failedChild("n0003", "a", core.ErrKindNetwork),
		failedChild("n0004", "b", core.ErrKindTimeout),
	))
	if !errors.Is(err, ErrAllChildrenFailed) {
		t.Fatalf("All-failed child set must fail the merge, got %v", err)
	}
}

func TestFallbackMerger_InheritsPartialFromChildren(t *testing.T) {
	child := completedChild("n0003", "sub-merge", "partial subtree synthesis")
	child.Result.Partial = true

	merged, err := FallbackMerger{}.Merge(context.Background(), mergeInput(child))
	if err != nil {
		t.Fatalf("Failed to merge: %v", err)
	}
	if !merged.Result.Partial {
		t.Error("Partial child results must propagate to the merged result")
	}
}

func TestContributions_SkippedCountsAsFailure(t *testing.T) {
	skipped := core.Node{
		ID: "n0005", Kind: core.KindLeaf, State: core.StateSkipped,
		Problem: "cooled-down fetch",
		Err:     &core.NodeError{Kind: core.ErrKindCooldown, Message: "target cooling down"},
	}

	completed, failed, partial := contributions([]core.Node{
		completedChild("n0003", "ok", "fine"),
		skipped,
	})
	if len(completed) != 1 || len(failed) != 1 || !partial {
		t.Fatalf("contributions = %d completed, %d failed, partial=%v", len(completed), len(failed), partial)
	}
}

func TestChildExcerpt_TruncatesAtLimit(t *testing.T) {
	child := completedChild("n0003", "long", strings.Repeat("x", 500))
	if got := childExcerpt(child, 100); len([]rune(got)) != 103 { // 100 + "..."
		t.Fatalf("Excerpt length = %d runes", len([]rune(got)))
	}

	// Zero limit disables truncation.
	if got := childExcerpt(child, 0); len(got) != 500 {
		t.Fatalf("Unlimited excerpt length = %d", len(got))
	}
}
