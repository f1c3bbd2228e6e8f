package memory

import (
	"context"
	"testing"

	"github.com/becomeliminal/grove/memory/embedder/mock"
)

// memStore is a minimal in-process Store for index tests.
type memStore struct {
	records map[string][]Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]Record)}
}

func (s *memStore) Upsert(ctx context.Context, namespace string, records []Record) error {
	s.records[namespace] = append(s.records[namespace], records...)
	return nil
}

func (s *memStore) Query(ctx context.Context, namespace string, embedding []float32, filter Filter, topK int) ([]Record, error) {
	var out []Record
	for _, r := range s.records[namespace] {
		if filter.Type != "" && r.Meta.Type != filter.Type {
			continue
		}
		if filter.MemoKey != "" && r.Meta.MemoKey != filter.MemoKey {
			continue
		}
		out = append(out, r)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func (s *memStore) DropNamespace(ctx context.Context, namespace string) error {
	delete(s.records, namespace)
	return nil
}

func (s *memStore) Close() error { return nil }

func TestIndex_LookupMiss(t *testing.T) {
	ix, err := NewIndex(newMemStore(), mock.New())
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	defer ix.Close()

	if _, ok := ix.Lookup(context.Background(), "ns", "leaf:find-x:abc123def456"); ok {
		t.Fatal("Lookup on empty index should miss")
	}
	if _, ok := ix.Lookup(context.Background(), "ns", ""); ok {
		t.Fatal("Empty key should always miss")
	}
}

func TestIndex_StoreAndLookup(t *testing.T) {
	ctx := context.Background()
	ix, err := NewIndex(newMemStore(), mock.New())
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	defer ix.Close()

	key := "leaf:compare-go-caches:0011aabbccdd"
	if err := ix.Store(ctx, "ns", key, &MemoResult{Text: "ristretto wins", SourceNodeID: "n0003"}); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	got, ok := ix.Lookup(ctx, "ns", key)
	if !ok {
		t.Fatal("Lookup after Store should hit")
	}
	if got.Text != "ristretto wins" || got.SourceNodeID != "n0003" {
		t.Fatalf("Unexpected result: %+v", got)
	}

	// Same key, other namespace: miss.
	if _, ok := ix.Lookup(ctx, "other", key); ok {
		t.Fatal("Memoization must not cross namespaces")
	}
}

func TestIndex_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	ix, err := NewIndex(newMemStore(), mock.New())
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	defer ix.Close()

	key := "leaf:same-problem:ffee00112233"
	if err := ix.Store(ctx, "ns", key, &MemoResult{Text: "first", SourceNodeID: "n0001"}); err != nil {
		t.Fatalf("Failed to store first: %v", err)
	}
	if err := ix.Store(ctx, "ns", key, &MemoResult{Text: "second", SourceNodeID: "n0002"}); err != nil {
		t.Fatalf("Second store should be a silent no-op: %v", err)
	}

	got, ok := ix.Lookup(ctx, "ns", key)
	if !ok {
		t.Fatal("Lookup should hit")
	}
	if got.Text != "first" {
		t.Fatalf("Second writer overwrote the result: %q", got.Text)
	}
}

func TestIndex_HydratesAfterEviction(t *testing.T) {
	ctx := context.Background()
	ix, err := NewIndex(newMemStore(), mock.New())
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	defer ix.Close()

	key := "leaf:durable-memo:aabb00998877"
	if err := ix.Store(ctx, "ns", key, &MemoResult{Text: "kept on disk", SourceNodeID: "n0007"}); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	// Simulate hot-cache eviction; the committed set and the durable
	// record must still produce a hit.
	ix.hot.Del(cacheKey("ns", key))
	ix.hot.Wait()

	got, ok := ix.Lookup(ctx, "ns", key)
	if !ok {
		t.Fatal("Lookup after eviction should hydrate from the store")
	}
	if got.Text != "kept on disk" || got.SourceNodeID != "n0007" {
		t.Fatalf("Hydrated result mismatch: %+v", got)
	}
}
