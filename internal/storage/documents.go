package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kotae/internal/model"
)

// EnableSearchOutbox makes document writes enqueue Qdrant sync entries.
// Only set when an outbox worker is running; otherwise the table would grow unbounded.
func (db *DB) EnableSearchOutbox() {
	db.outbox = true
}

// UpsertDocuments inserts or replaces documents by id. When the search outbox
// is enabled, each document gets an upsert entry in the same transaction.
func (db *DB) UpsertDocuments(ctx context.Context, docs []model.Document) error {
	if len(docs) == 0 {
		return nil
	}
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.q.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin upsert documents: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, d := range docs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO documents (id, content, embedding, extra_info)
				 VALUES ($1, $2, $3, $4::jsonb)
				 ON CONFLICT (id) DO UPDATE
				 SET content = EXCLUDED.content,
				     embedding = EXCLUDED.embedding,
				     extra_info = EXCLUDED.extra_info,
				     updated_at = now()`,
				d.ID, d.Content, d.Embedding, []byte(d.ExtraInfo),
			); err != nil {
				return fmt.Errorf("storage: upsert document %s: %w", d.ID, err)
			}
			if db.outbox {
				if _, err := tx.Exec(ctx,
					`INSERT INTO search_outbox (document_id, operation) VALUES ($1, 'upsert')`, d.ID,
				); err != nil {
					return fmt.Errorf("storage: enqueue upsert %s: %w", d.ID, err)
				}
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit upsert documents: %w", err)
		}
		return nil
	})
}

// DeleteDocument removes a document. Returns ErrNotFound if no row matched.
func (db *DB) DeleteDocument(ctx context.Context, id string) error {
	tx, err := db.q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete document: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if db.outbox {
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (document_id, operation) VALUES ($1, 'delete')`, id,
		); err != nil {
			return fmt.Errorf("storage: enqueue delete %s: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit delete document: %w", err)
	}
	return nil
}

// ListDocuments returns documents newest first, without embeddings.
func (db *DB) ListDocuments(ctx context.Context, limit, offset int) ([]model.Document, error) {
	rows, err := db.q.Query(ctx,
		`SELECT id, content, extra_info, length(content), created_at, updated_at
		 FROM documents
		 ORDER BY created_at DESC, id ASC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list documents: %w", err)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		var extra []byte
		if err := rows.Scan(&d.ID, &d.Content, &extra, &d.Size, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		d.ExtraInfo = extra
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SearchSimilar returns up to k documents whose cosine similarity to vec is
// strictly greater than minSimilarity and not negative, most similar first.
// Similarity is 1 - cosine distance (pgvector's <=> operator).
func (db *DB) SearchSimilar(ctx context.Context, vec pgvector.Vector, k int, minSimilarity float64) ([]model.RetrievedDocument, error) {
	rows, err := db.q.Query(ctx,
		`SELECT id, content, 1 - (embedding <=> $1) AS similarity
		 FROM documents
		 WHERE embedding IS NOT NULL
		   AND 1 - (embedding <=> $1) > $2
		   AND embedding <=> $1 <= 1
		 ORDER BY embedding <=> $1 ASC, id ASC
		 LIMIT $3`,
		vec, minSimilarity, k,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: similarity search: %w", err)
	}
	defer rows.Close()

	docs := []model.RetrievedDocument{}
	for rows.Next() {
		var d model.RetrievedDocument
		if err := rows.Scan(&d.ID, &d.Content, &d.Similarity); err != nil {
			return nil, fmt.Errorf("storage: scan similarity row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
