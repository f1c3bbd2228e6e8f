// Package chromem implements the memory store on chromem-go, a pure Go
// embedded vector database. Each namespace maps to its own collection,
// which makes per-run isolation structural and teardown a single
// collection drop.
package chromem

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/grove/memory"
)

// Store wraps chromem-go behind the memory.Store contract.
type Store struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// New creates an in-memory chromem store.
func New() (*Store, error) {
	return &Store{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *Store) getOrCreateCollection(namespace string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[namespace]
	s.mu.RUnlock()
	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring the write lock.
	if col, exists := s.collections[namespace]; exists {
		return col, nil
	}

	col, err := s.db.CreateCollection(
		collectionName(namespace),
		nil, // no collection metadata
		nil, // embeddings are provided, no embedding func
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[namespace] = col
	return col, nil
}

// Upsert saves records into the namespace's collection.
func (s *Store) Upsert(ctx context.Context, namespace string, records []memory.Record) error {
	col, err := s.getOrCreateCollection(namespace)
	if err != nil {
		return err
	}

	for _, rec := range records {
		doc := chromem.Document{
			ID:        rec.ID,
			Content:   rec.Text,
			Embedding: rec.Embedding,
			Metadata:  encodeMeta(rec),
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", rec.ID, err)
		}
	}
	log.Printf("[CHROMEM] Stored %d records in namespace %s", len(records), namespace)
	return nil
}

// Query returns up to topK records by similarity, restricted by filter.
// An empty namespace returns no results rather than an error.
func (s *Store) Query(ctx context.Context, namespace string, embedding []float32, filter memory.Filter, topK int) ([]memory.Record, error) {
	col, err := s.getOrCreateCollection(namespace)
	if err != nil {
		return nil, err
	}

	where := map[string]string{}
	if filter.Type != "" {
		where["memory_type"] = filter.Type
	}
	if filter.MemoKey != "" {
		where["memo_key"] = filter.MemoKey
	}

	// chromem requires nResults <= collection size; retry with smaller
	// limits until the query fits or the collection turns out empty.
	var results []chromem.Result
	for limit := topK; limit >= 1; limit-- {
		var err error
		results, err = col.QueryEmbedding(ctx, embedding, limit, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	records := make([]memory.Record, 0, len(results))
	for i, res := range results {
		rec, err := decodeResult(namespace, res)
		if err != nil {
			log.Printf("[CHROMEM] Skipping result #%d: %v", i+1, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// DropNamespace deletes the namespace's collection and forgets it.
func (s *Store) DropNamespace(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[namespace]; !exists {
		return nil
	}
	delete(s.collections, namespace)
	if err := s.db.DeleteCollection(collectionName(namespace)); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	log.Printf("[CHROMEM] Dropped namespace %s", namespace)
	return nil
}

// Close releases resources. chromem keeps everything in memory, so there
// is nothing to flush.
func (s *Store) Close() error {
	return nil
}

func collectionName(namespace string) string {
	if namespace == "" {
		return "default"
	}
	return namespace
}

func encodeMeta(rec memory.Record) map[string]string {
	meta := map[string]string{
		"memory_type": rec.Meta.Type,
		"source_node": rec.Meta.SourceNodeID,
		"action_type": rec.Meta.ActionType,
		"success":     strconv.FormatBool(rec.Meta.Success),
		"chunk":       strconv.Itoa(rec.Meta.Chunk),
		"created_at":  rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.Meta.MemoKey != "" {
		meta["memo_key"] = rec.Meta.MemoKey
	}
	return meta
}

func decodeResult(namespace string, res chromem.Result) (memory.Record, error) {
	if res.Metadata["memory_type"] == "" {
		return memory.Record{}, fmt.Errorf("document %s has no memory_type", res.ID)
	}
	success, _ := strconv.ParseBool(res.Metadata["success"])
	chunk, _ := strconv.Atoi(res.Metadata["chunk"])
	createdAt, _ := time.Parse(time.RFC3339, res.Metadata["created_at"])

	return memory.Record{
		ID:        res.ID,
		Namespace: namespace,
		Text:      res.Content,
		Embedding: res.Embedding,
		Meta: memory.Meta{
			Type:         res.Metadata["memory_type"],
			SourceNodeID: res.Metadata["source_node"],
			ActionType:   res.Metadata["action_type"],
			MemoKey:      res.Metadata["memo_key"],
			Success:      success,
			Chunk:        chunk,
		},
		CreatedAt:  createdAt,
		Similarity: res.Similarity,
	}, nil
}

// isInsufficientDocsError reports whether the query failed only because
// it asked for more results than the collection holds.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
