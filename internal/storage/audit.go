package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
)

// UpsertAudit writes the audit record for a conversation, replacing any
// existing row with the same chat id. An existing feedback value survives the
// replace since only the feedback API may change it.
func (db *DB) UpsertAudit(ctx context.Context, rec model.AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	docs := rec.RetrievedDocs
	if docs == nil {
		docs = []string{}
	}

	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		_, err := db.q.Exec(ctx,
			`INSERT INTO audit_logs (
			     chat_id, question, response, retrieved_docs, reasoning,
			     confidence, latency_ms, first_token_latency_ms, timestamp
			 )
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (chat_id) DO UPDATE
			 SET question = EXCLUDED.question,
			     response = EXCLUDED.response,
			     retrieved_docs = EXCLUDED.retrieved_docs,
			     reasoning = EXCLUDED.reasoning,
			     confidence = EXCLUDED.confidence,
			     latency_ms = EXCLUDED.latency_ms,
			     first_token_latency_ms = EXCLUDED.first_token_latency_ms,
			     timestamp = EXCLUDED.timestamp`,
			rec.ChatID, rec.Question, rec.Response, docs, rec.Reasoning,
			rec.Confidence, rec.LatencyMS, rec.FirstTokenLatencyMS, rec.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("storage: upsert audit %s: %w", rec.ChatID, err)
		}
		return nil
	})
}

// GetAudit returns the audit record for chatID, or ErrNotFound.
func (db *DB) GetAudit(ctx context.Context, chatID uuid.UUID) (model.AuditRecord, error) {
	var rec model.AuditRecord
	err := pgxscan.Get(ctx, db.q, &rec,
		`SELECT chat_id, question, response, retrieved_docs, reasoning, confidence,
		        latency_ms, first_token_latency_ms, feedback, timestamp
		 FROM audit_logs
		 WHERE chat_id = $1`,
		chatID,
	)
	if pgxscan.NotFound(err) {
		return model.AuditRecord{}, ErrNotFound
	}
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("storage: get audit %s: %w", chatID, err)
	}
	return rec, nil
}

// SetAuditFeedback stores caller feedback on an existing audit record.
func (db *DB) SetAuditFeedback(ctx context.Context, chatID uuid.UUID, feedback string) error {
	tag, err := db.q.Exec(ctx,
		`UPDATE audit_logs SET feedback = $2 WHERE chat_id = $1`,
		chatID, feedback,
	)
	if err != nil {
		return fmt.Errorf("storage: set audit feedback %s: %w", chatID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
