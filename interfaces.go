package kotae

import (
	"context"
	"iter"
)

// Embedder generates vector embeddings from text.
// When provided via WithEmbedder, replaces the configured provider.
// Uses []float32 (not pgvector.Vector) to avoid forcing the pgvector dependency on
// external consumers. New() wraps it in an adapter for internal use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Generator produces answer text from a prompt.
// When provided via WithGenerator, replaces the configured language model.
// GenerateStream must yield a failure once as ("", err) and then stop.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// Retriever finds stored documents similar to a query embedding.
// When provided via WithRetriever, replaces pgvector or Qdrant for retrieval.
// Results are clamped to the top-k, strictly-above-threshold, descending
// contract even if the implementation returns more.
type Retriever interface {
	Search(ctx context.Context, embedding []float32, k int, minSimilarity float64) ([]Document, error)
}

// Diagnostics receives every audit or action log write that could not be
// persisted. Calls happen on the request path and must not block.
type Diagnostics interface {
	RecordDropped(ctx context.Context, op string, err error)
}

// Document is a retrieved knowledge base entry.
type Document struct {
	ID         string
	Content    string
	Similarity float64
}
