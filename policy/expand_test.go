package policy

import (
	"errors"
	"testing"

	"github.com/becomeliminal/grove/core"
)

func expandInput(depth, maxDepth, maxBranching int) ExpandInput {
	return ExpandInput{
		Mandate:      "compare go cache libraries",
		Node:         core.Node{ID: "n0001", Kind: core.KindExpansion, Depth: depth, Problem: "compare caches"},
		MaxBranching: maxBranching,
		MaxDepth:     maxDepth,
	}
}

func TestNormalize_DropsInvalidSpecs(t *testing.T) {
	raw := []rawSpec{
		{Kind: "leaf", Problem: "search for benchmarks", Action: &core.Action{Type: core.ActionSearch, Query: "go cache benchmark"}, Score: 0.8},
		{Kind: "leaf", Problem: "   "},                 // blank problem
		{Kind: "teleport", Problem: "nonsense"},        // unknown kind
		{Kind: "leaf", Problem: "visit with no url", Action: &core.Action{Type: core.ActionVisit}}, // invalid action
		{Kind: "leaf", Problem: "no action at all"},    // leaf without action
	}

	specs, err := normalize(raw, expandInput(1, 6, 4))
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("Kept %d specs, want 1: %+v", len(specs), specs)
	}
	if specs[0].MemoKey == "" {
		t.Error("Normalized spec must carry a derived memo key")
	}
}

func TestNormalize_DedupesMemoKeys(t *testing.T) {
	action := &core.Action{Type: core.ActionSearch, Query: "ristretto benchmarks"}
	raw := []rawSpec{
		{Kind: "leaf", Problem: "Find ristretto benchmarks", Action: action, Score: 0.9, Rationale: "first"},
		{Kind: "leaf", Problem: "find   RISTRETTO benchmarks", Action: action, Score: 0.2, Rationale: "dup"},
		{Kind: "leaf", Problem: "find bigcache benchmarks", Action: &core.Action{Type: core.ActionSearch, Query: "bigcache benchmarks"}, Score: 0.5},
	}

	specs, err := normalize(raw, expandInput(1, 6, 4))
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("Kept %d specs, want 2 (dedupe by memo key): %+v", len(specs), specs)
	}
	// First occurrence wins.
	if specs[0].Rationale != "first" {
		t.Errorf("Dedupe kept the wrong occurrence: %+v", specs[0])
	}
}

func TestNormalize_ClampsWorkToMaxBranching(t *testing.T) {
	var raw []rawSpec
	queries := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for _, q := range queries {
		raw = append(raw, rawSpec{Kind: "leaf", Problem: "search " + q, Action: &core.Action{Type: core.ActionSearch, Query: q}})
	}
	raw = append(raw, rawSpec{Kind: "merge", Problem: "combine the findings"})

	specs, err := normalize(raw, expandInput(1, 6, 3))
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}

	work, merges := 0, 0
	for _, s := range specs {
		if s.Kind == core.KindMerge {
			merges++
		} else {
			work++
		}
	}
	if work != 3 {
		t.Errorf("Work specs = %d, want clamp to 3", work)
	}
	// The merge spec does not consume a work slot.
	if merges != 1 {
		t.Errorf("Merge specs = %d, want 1", merges)
	}
}

func TestNormalize_SingleMergeSpec(t *testing.T) {
	raw := []rawSpec{
		{Kind: "merge", Problem: "combine first way"},
		{Kind: "merge-barrier", Problem: "combine second way"},
		{Kind: "leaf", Problem: "look it up", Action: &core.Action{Type: core.ActionSearch, Query: "q"}},
	}

	specs, err := normalize(raw, expandInput(1, 6, 4))
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	merges := 0
	for _, s := range specs {
		if s.Kind == core.KindMerge {
			merges++
			if s.Problem != "combine first way" {
				t.Errorf("Wrong merge spec kept: %q", s.Problem)
			}
		}
	}
	if merges != 1 {
		t.Fatalf("Kept %d merge specs, want 1", merges)
	}
}

func TestNormalize_DepthBounds(t *testing.T) {
	raw := []rawSpec{
		{Kind: "expansion", Problem: "decompose further"},
		{Kind: "leaf", Problem: "just fetch it", Action: &core.Action{Type: core.ActionVisit, URL: "https://example.com"}},
	}

	// Children sit at depth 6 of 6: a leaf still fits, an expansion
	// could never attach its own children and is dropped.
	specs, err := normalize(raw, expandInput(5, 6, 4))
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	if len(specs) != 1 || specs[0].Kind != core.KindLeaf {
		t.Fatalf("Expected only the leaf to survive at the depth floor: %+v", specs)
	}

	// No room for children at all.
	_, err = normalize(raw, expandInput(6, 6, 4))
	if !errors.Is(err, core.ErrInfeasible) {
		t.Fatalf("Expected ErrInfeasible past the depth bound, got %v", err)
	}
}

func TestNormalize_InfeasibleWhenNoWork(t *testing.T) {
	cases := []struct {
		name string
		raw  []rawSpec
	}{
		{"empty batch", nil},
		{"merge only", []rawSpec{{Kind: "merge", Problem: "combine what exactly"}}},
		{"all invalid", []rawSpec{{Kind: "leaf", Problem: "no action"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := normalize(tc.raw, expandInput(1, 6, 4))
			if !errors.Is(err, core.ErrInfeasible) {
				t.Fatalf("Expected ErrInfeasible, got %v", err)
			}
		})
	}
}

func TestNormalize_StripsActionFromNonLeaf(t *testing.T) {
	raw := []rawSpec{
		{Kind: "expansion", Problem: "dig into eviction policies", Action: &core.Action{Type: core.ActionSearch, Query: "stray"}},
		{Kind: "leaf", Problem: "fetch the comparison", Action: &core.Action{Type: core.ActionVisit, URL: "https://example.com/c"}},
	}

	specs, err := normalize(raw, expandInput(1, 6, 4))
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	for _, s := range specs {
		if s.Kind == core.KindExpansion && s.Action != nil {
			t.Errorf("Expansion spec kept a stray action: %+v", s)
		}
	}
}

func TestNormalize_ClampsScores(t *testing.T) {
	raw := []rawSpec{
		{Kind: "leaf", Problem: "a", Action: &core.Action{Type: core.ActionSearch, Query: "a"}, Score: 3.5},
		{Kind: "leaf", Problem: "b", Action: &core.Action{Type: core.ActionSearch, Query: "b"}, Score: -1},
	}
	specs, err := normalize(raw, expandInput(1, 6, 4))
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	if specs[0].Score != 1 || specs[1].Score != 0 {
		t.Fatalf("Scores not clamped to [0,1]: %+v", specs)
	}
}
