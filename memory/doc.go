// Package memory provides the semantic memory of a run: a namespaced
// vector store of content chunks plus a write-once memoization index.
//
// Every record belongs to exactly one namespace, created with the run and
// dropped at its end, so context never leaks between runs. Records are
// append-only while the namespace lives.
//
// Architecture:
//   - Store: vector storage backend (chromem-go embedded store locally,
//     swappable for a hosted vector database in production)
//   - Embedder: text-to-vector conversion (mock for tests, ONNX with
//     all-MiniLM-L6-v2 behind the onnx build tag)
//   - Service: retrieval and recording used by the engine around each
//     node's work
//   - Index: key to result memoization layered over the store, so
//     identical sub-problems derived on different branches execute once
//
// Integration:
//   - Before a node acts, the engine retrieves the top thoughts and
//     observations for its problem statement, accumulating context
//     without explicit data-passing between siblings.
//   - After a node acts, observations are chunked and recorded; merges
//     record their synthesis as an internal thought.
package memory
