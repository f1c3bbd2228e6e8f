package policy

import (
	"sort"

	"github.com/becomeliminal/grove/core"
)

// Strategy names a selection behavior.
type Strategy string

const (
	// SelectBest keeps the top-K candidates by local score.
	SelectBest Strategy = "best-score"

	// SelectBeam keeps candidates only while the depth layer has beam
	// width left, so breadth across sibling expansions stays bounded.
	SelectBeam Strategy = "beam"

	// SelectDiverse prefers candidates whose memo-key prefix has not
	// been kept yet, filling leftover slots with near-duplicates.
	SelectDiverse Strategy = "diversity"
)

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	// Strategy picks the behavior. Default: SelectBest.
	Strategy Strategy

	// TopK is the per-batch keep count for best-score and diversity.
	// Default: 4.
	TopK int

	// BeamWidth is the per-depth-layer keep budget for beam.
	// Default: 6.
	BeamWidth int
}

// Selector ranks and prunes a batch of candidate child specs. It is
// stateless: the caller passes the number of work nodes already kept in
// the target depth layer, which is the only cross-batch input the beam
// strategy needs.
//
// Selection is deterministic: candidates are ordered by score descending
// with the batch position as the tie-break. Node ids are assigned in
// batch order, so the position tie-break and the lowest-id tie-break are
// the same ordering.
type Selector struct {
	strategy  Strategy
	topK      int
	beamWidth int
}

// NewSelector creates a selector. A nil config uses defaults.
func NewSelector(cfg *SelectorConfig) *Selector {
	s := &Selector{strategy: SelectBest, topK: 4, beamWidth: 6}
	if cfg == nil {
		return s
	}
	if cfg.Strategy != "" {
		s.strategy = cfg.Strategy
	}
	if cfg.TopK > 0 {
		s.topK = cfg.TopK
	}
	if cfg.BeamWidth > 0 {
		s.beamWidth = cfg.BeamWidth
	}
	return s
}

// Select returns the batch indices to keep, ascending. layerKept is the
// number of work nodes already kept at the candidates' depth; only the
// beam strategy reads it. At least one candidate is always kept so an
// expansion is never starved by its own selection policy.
func (s *Selector) Select(specs []ChildSpec, layerKept int) []int {
	if len(specs) == 0 {
		return nil
	}

	ranked := rankIndices(specs)

	var kept []int
	switch s.strategy {
	case SelectBeam:
		budget := s.beamWidth - layerKept
		if budget < 1 {
			budget = 1
		}
		kept = takeTop(ranked, budget)
	case SelectDiverse:
		kept = s.takeDiverse(specs, ranked)
	default:
		kept = takeTop(ranked, s.topK)
	}

	sort.Ints(kept)
	return kept
}

// rankIndices orders batch positions by score descending, position
// ascending on ties.
func rankIndices(specs []ChildSpec) []int {
	ranked := make([]int, len(specs))
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if specs[ranked[a]].Score != specs[ranked[b]].Score {
			return specs[ranked[a]].Score > specs[ranked[b]].Score
		}
		return ranked[a] < ranked[b]
	})
	return ranked
}

func takeTop(ranked []int, n int) []int {
	if n < 1 {
		n = 1
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]int, n)
	copy(out, ranked[:n])
	return out
}

// takeDiverse keeps candidates with unseen memo-key prefixes first, in
// rank order, then fills remaining slots with the passed-over
// near-duplicates, still in rank order.
func (s *Selector) takeDiverse(specs []ChildSpec, ranked []int) []int {
	limit := s.topK
	if limit < 1 {
		limit = 1
	}
	if limit > len(ranked) {
		limit = len(ranked)
	}

	seen := make(map[string]bool)
	kept := make([]int, 0, limit)
	var dupes []int
	for _, idx := range ranked {
		prefix := core.MemoKeyPrefix(specs[idx].MemoKey)
		if seen[prefix] {
			dupes = append(dupes, idx)
			continue
		}
		seen[prefix] = true
		kept = append(kept, idx)
		if len(kept) == limit {
			return kept
		}
	}
	for _, idx := range dupes {
		if len(kept) == limit {
			break
		}
		kept = append(kept, idx)
	}
	return kept
}
