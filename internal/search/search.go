// Package search retrieves knowledge base documents by vector similarity.
//
// Similarity is 1 - cosine distance, floored at 0: documents pointing away
// from the query are never returned. Results are strictly above the caller's
// threshold, in descending similarity order, and
// at most k long, whichever backend produced them.
package search

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kotae/internal/model"
)

// Retriever finds the documents most similar to a query vector.
// Implementations must be safe for concurrent use.
type Retriever interface {
	// Search returns up to k documents whose similarity to vec is strictly
	// greater than minSimilarity, most similar first. No match is an empty
	// slice and a nil error.
	Search(ctx context.Context, vec []float32, k int, minSimilarity float64) ([]model.RetrievedDocument, error)
}

// Indexer keeps an external vector index in step with the document table.
type Indexer interface {
	Upsert(ctx context.Context, points []Point) error
	DeleteDocuments(ctx context.Context, ids []string) error
}

// Clamp enforces the retrieval contract on backend output: it drops anything
// at or below minSimilarity or below 0, orders by descending similarity (ties keep the
// backend's order), and truncates to k. It never returns nil.
func Clamp(docs []model.RetrievedDocument, k int, minSimilarity float64) []model.RetrievedDocument {
	out := make([]model.RetrievedDocument, 0, min(len(docs), max(k, 0)))
	if k <= 0 {
		return out
	}
	for _, d := range docs {
		if d.Similarity > minSimilarity && d.Similarity >= 0 {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b model.RetrievedDocument) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// similarityStore is the part of storage.DB the pgvector retriever needs.
type similarityStore interface {
	SearchSimilar(ctx context.Context, vec pgvector.Vector, k int, minSimilarity float64) ([]model.RetrievedDocument, error)
}

// PgvectorRetriever searches the documents table directly with the pgvector
// cosine distance operator.
type PgvectorRetriever struct {
	store similarityStore
}

// NewPgvectorRetriever creates a retriever over the Postgres document table.
func NewPgvectorRetriever(store similarityStore) *PgvectorRetriever {
	return &PgvectorRetriever{store: store}
}

// Search implements Retriever.
func (r *PgvectorRetriever) Search(ctx context.Context, vec []float32, k int, minSimilarity float64) ([]model.RetrievedDocument, error) {
	if k <= 0 {
		return []model.RetrievedDocument{}, nil
	}
	docs, err := r.store.SearchSimilar(ctx, pgvector.NewVector(vec), k, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector: %w", err)
	}
	return Clamp(docs, k, minSimilarity), nil
}
