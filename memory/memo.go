package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
)

// MemoResult is the reusable payload of a memoized sub-problem.
type MemoResult struct {
	Text         string
	SourceNodeID string
}

// Index is a write-once key to result cache layered over the store.
// Concurrent branches may derive the same key independently; the first
// writer wins and every later write for that key is a no-op.
//
// The committed set is the authority for key existence. Payloads live in
// a ristretto hot cache and, durably, as memo records in the store, so a
// payload evicted from the hot cache is re-hydrated by exact-key query.
type Index struct {
	mu        sync.Mutex
	committed map[string]bool

	hot      *ristretto.Cache
	store    Store
	embedder Embedder
}

// NewIndex creates a memoization index backed by the given store.
func NewIndex(store Store, embedder Embedder) (*Index, error) {
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     16 << 20, // payload bytes held hot
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create memo cache: %w", err)
	}
	return &Index{
		committed: make(map[string]bool),
		hot:       hot,
		store:     store,
		embedder:  embedder,
	}, nil
}

// Lookup returns the stored result for key, or false on a miss. A miss is
// the normal control path, not an error.
func (ix *Index) Lookup(ctx context.Context, namespace, key string) (*MemoResult, bool) {
	if key == "" {
		return nil, false
	}
	ck := cacheKey(namespace, key)

	ix.mu.Lock()
	known := ix.committed[ck]
	ix.mu.Unlock()
	if !known {
		return nil, false
	}

	if v, ok := ix.hot.Get(ck); ok {
		if res, ok := v.(*MemoResult); ok {
			return res, true
		}
	}

	// Hot entry evicted; re-hydrate from the durable memo record.
	res, err := ix.hydrate(ctx, namespace, key)
	if err != nil {
		log.Printf("[MEMO] Failed to hydrate key %s: %v", key, err)
		return nil, false
	}
	ix.hot.Set(ck, res, int64(len(res.Text)))
	return res, true
}

// Store commits a result under key. The second and later writes for the
// same key are silently dropped.
func (ix *Index) Store(ctx context.Context, namespace, key string, res *MemoResult) error {
	if key == "" || res == nil {
		return nil
	}
	ck := cacheKey(namespace, key)

	ix.mu.Lock()
	if ix.committed[ck] {
		ix.mu.Unlock()
		return nil
	}
	ix.committed[ck] = true
	ix.mu.Unlock()

	ix.hot.Set(ck, res, int64(len(res.Text)))
	// ristretto applies Set asynchronously; block until this write is
	// visible so a lookup right after Store always hits.
	ix.hot.Wait()

	embedding, err := ix.embedder.Embed(ctx, key)
	if err != nil {
		return fmt.Errorf("embed memo key: %w", err)
	}
	rec := Record{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Text:      res.Text,
		Embedding: embedding,
		Meta: Meta{
			Type:         TypeMemo,
			SourceNodeID: res.SourceNodeID,
			MemoKey:      key,
			Success:      true,
		},
		CreatedAt: time.Now(),
	}
	if err := ix.store.Upsert(ctx, namespace, []Record{rec}); err != nil {
		return fmt.Errorf("store memo record: %w", err)
	}
	log.Printf("[MEMO] Stored result for key %s (node %s)", key, res.SourceNodeID)
	return nil
}

func (ix *Index) hydrate(ctx context.Context, namespace, key string) (*MemoResult, error) {
	embedding, err := ix.embedder.Embed(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("embed memo key: %w", err)
	}
	recs, err := ix.store.Query(ctx, namespace, embedding, Filter{Type: TypeMemo, MemoKey: key}, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("memo record for key %s not found", key)
	}
	return &MemoResult{
		Text:         recs[0].Text,
		SourceNodeID: recs[0].Meta.SourceNodeID,
	}, nil
}

// DropNamespace forgets every committed key of a namespace. The durable
// records disappear with the store namespace; this clears the in-process
// authority so a long-lived index does not accumulate dead keys.
func (ix *Index) DropNamespace(namespace string) {
	prefix := namespace + "\x00"
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for ck := range ix.committed {
		if strings.HasPrefix(ck, prefix) {
			delete(ix.committed, ck)
			ix.hot.Del(ck)
		}
	}
}

// Close releases the hot cache.
func (ix *Index) Close() {
	ix.hot.Close()
}

func cacheKey(namespace, key string) string {
	return namespace + "\x00" + key
}
