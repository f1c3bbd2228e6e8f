package memory

import (
	"context"
	"time"
)

// Record types stored in a run's namespace.
const (
	// TypeThought is an internal reasoning record, written when a merge
	// synthesizes its children.
	TypeThought = "internal_thought"

	// TypeObservation is evidence gathered from the outside world
	// (search results, page content), chunked before storage.
	TypeObservation = "observation"

	// TypeMemo is the durable payload of the memoization index, fetched
	// by exact key rather than by similarity.
	TypeMemo = "memo"
)

// Record is a stored content chunk. Records are append-only for the life
// of a namespace; they are never mutated and only removed wholesale when
// the namespace is dropped.
type Record struct {
	ID        string
	Namespace string
	Text      string
	Embedding []float32
	Meta      Meta
	CreatedAt time.Time

	// Similarity is populated on query results only.
	Similarity float32
}

// Meta is the queryable metadata attached to a record.
type Meta struct {
	Type         string // TypeThought, TypeObservation or TypeMemo
	SourceNodeID string
	ActionType   string
	MemoKey      string
	Success      bool
	Chunk        int
}

// Filter narrows a query. Zero fields are not applied.
type Filter struct {
	Type    string
	MemoKey string
}

// Store is the vector storage backend. Implementations must isolate
// namespaces completely: a query never sees records from another
// namespace.
type Store interface {
	// Upsert saves records into a namespace. Records must carry their
	// embeddings.
	Upsert(ctx context.Context, namespace string, records []Record) error

	// Query returns up to topK records ranked by similarity to the
	// embedding, highest first, restricted by filter.
	Query(ctx context.Context, namespace string, embedding []float32, filter Filter, topK int) ([]Record, error)

	// DropNamespace removes a namespace and everything in it.
	DropNamespace(ctx context.Context, namespace string) error

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local, behind the onnx build tag).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
