package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config holds Service configuration.
type Config struct {
	// ChunkSize is the observation chunk window in runes.
	// Default: 800
	ChunkSize int

	// ChunkOverlap is the number of runes shared between consecutive
	// chunks, preserving context across boundaries.
	// Default: 100
	ChunkOverlap int

	// TopThoughts is the number of internal thoughts retrieved per query.
	// Default: 4
	TopThoughts int

	// TopObservations is the number of observations retrieved per query.
	// Default: 6
	TopObservations int

	// MinSimilarity drops results below this score [0.0-1.0].
	// Default: 0 (keep everything).
	// Note: tiny local models produce low absolute scores, so the
	// default keeps the ranking and lets callers decide.
	MinSimilarity float32
}

// DefaultConfig returns sensible defaults for local use.
var DefaultConfig = &Config{
	ChunkSize:       800,
	ChunkOverlap:    100,
	TopThoughts:     4,
	TopObservations: 6,
	MinSimilarity:   0,
}

// Service bundles the store and embedder behind the two operations the
// engine needs: retrieve relevant context before a node acts, and record
// what the node produced afterwards.
type Service struct {
	store    Store
	embedder Embedder
	config   *Config
}

// NewService creates a memory service. A nil config uses DefaultConfig.
func NewService(store Store, embedder Embedder, config *Config) *Service {
	if config == nil {
		config = DefaultConfig
	}
	return &Service{
		store:    store,
		embedder: embedder,
		config:   config,
	}
}

// Store returns the underlying vector store, shared with components that
// layer over it (the memoization index).
func (s *Service) Store() Store { return s.store }

// Embedder returns the embedder the service writes with.
func (s *Service) Embedder() Embedder { return s.embedder }

// Retrieved is the two-channel context returned for a query: reasoning
// the run has already done, and evidence it has already gathered.
type Retrieved struct {
	Thoughts     []Record
	Observations []Record
}

// Empty reports whether nothing was retrieved.
func (r *Retrieved) Empty() bool {
	return r == nil || (len(r.Thoughts) == 0 && len(r.Observations) == 0)
}

// Retrieve runs two filtered similarity searches against the namespace,
// one over internal thoughts and one over observations, in parallel.
func (s *Service) Retrieve(ctx context.Context, namespace, text string) (*Retrieved, error) {
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	out := &Retrieved{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recs, err := s.query(gctx, namespace, embedding, TypeThought, s.config.TopThoughts)
		if err != nil {
			return err
		}
		out.Thoughts = recs
		return nil
	})
	g.Go(func() error {
		recs, err := s.query(gctx, namespace, embedding, TypeObservation, s.config.TopObservations)
		if err != nil {
			return err
		}
		out.Observations = recs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Printf("[MEMORY] Retrieved %d thoughts, %d observations for query: %q",
		len(out.Thoughts), len(out.Observations), truncateLog(text, 50))
	return out, nil
}

func (s *Service) query(ctx context.Context, namespace string, embedding []float32, memType string, topK int) ([]Record, error) {
	if topK <= 0 {
		return nil, nil
	}
	recs, err := s.store.Query(ctx, namespace, embedding, Filter{Type: memType}, topK)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", memType, err)
	}
	if s.config.MinSimilarity <= 0 {
		return recs, nil
	}
	kept := recs[:0]
	for _, r := range recs {
		if r.Similarity >= s.config.MinSimilarity {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// ObservationInput describes the outcome of a leaf action to record.
type ObservationInput struct {
	NodeID     string
	ActionType string
	Content    string
	Success    bool
}

// RecordObservation chunks the content and stores each chunk as an
// observation record. Failures are recorded too, with Success false, so
// later nodes can see what already went wrong. Returns the number of
// chunks stored; a chunk whose embedding fails is logged and dropped
// rather than failing the whole write.
func (s *Service) RecordObservation(ctx context.Context, namespace string, in ObservationInput) (int, error) {
	chunks := Chunk(in.Content, s.config.ChunkSize, s.config.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	records := make([]Record, 0, len(chunks))
	for i, chunk := range chunks {
		embedding, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			log.Printf("[MEMORY] Failed to embed chunk %d/%d for node %s: %v", i+1, len(chunks), in.NodeID, err)
			continue
		}
		records = append(records, Record{
			ID:        uuid.NewString(),
			Namespace: namespace,
			Text:      chunk,
			Embedding: embedding,
			Meta: Meta{
				Type:         TypeObservation,
				SourceNodeID: in.NodeID,
				ActionType:   in.ActionType,
				Success:      in.Success,
				Chunk:        i,
			},
			CreatedAt: time.Now(),
		})
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := s.store.Upsert(ctx, namespace, records); err != nil {
		return 0, fmt.Errorf("store observation: %w", err)
	}
	log.Printf("[MEMORY] Recorded %d observation chunks for node %s (action=%s success=%v)",
		len(records), in.NodeID, in.ActionType, in.Success)
	return len(records), nil
}

// RecordThought stores a single internal reasoning record, typically a
// merge synthesis.
func (s *Service) RecordThought(ctx context.Context, namespace, nodeID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed thought: %w", err)
	}
	rec := Record{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Text:      text,
		Embedding: embedding,
		Meta: Meta{
			Type:         TypeThought,
			SourceNodeID: nodeID,
			Success:      true,
		},
		CreatedAt: time.Now(),
	}
	if err := s.store.Upsert(ctx, namespace, []Record{rec}); err != nil {
		return fmt.Errorf("store thought: %w", err)
	}
	log.Printf("[MEMORY] Recorded thought for node %s: %q", nodeID, truncateLog(text, 50))
	return nil
}

// FormatForPrompt renders retrieved context as a structured block for
// prompt injection. Each record is truncated so the whole block stays
// within a bounded size regardless of how much was retrieved.
func (s *Service) FormatForPrompt(r *Retrieved) string {
	if r.Empty() {
		return ""
	}

	total := len(r.Thoughts) + len(r.Observations)
	perRecord := 2000 / total
	if perRecord < 100 {
		perRecord = 100
	}

	var parts []string
	if len(r.Thoughts) > 0 {
		parts = append(parts, "=== PRIOR REASONING ===")
		for i, rec := range r.Thoughts {
			parts = append(parts, fmt.Sprintf("%d. %s", i+1, truncateLog(rec.Text, perRecord)))
		}
	}
	if len(r.Observations) > 0 {
		parts = append(parts, "=== GATHERED EVIDENCE ===")
		for i, rec := range r.Observations {
			status := ""
			if !rec.Meta.Success {
				status = "[failed] "
			}
			parts = append(parts, fmt.Sprintf("%d. %s%s", i+1, status, truncateLog(rec.Text, perRecord)))
		}
	}
	return strings.Join(parts, "\n")
}

// Teardown drops the namespace and all records in it. Called at run end
// and on fatal failure.
func (s *Service) Teardown(ctx context.Context, namespace string) error {
	if err := s.store.DropNamespace(ctx, namespace); err != nil {
		return fmt.Errorf("drop namespace %s: %w", namespace, err)
	}
	log.Printf("[MEMORY] Dropped namespace %s", namespace)
	return nil
}

// truncateLog truncates text for logging and prompt budgets.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
