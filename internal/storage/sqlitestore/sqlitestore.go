// Package sqlitestore is a single-file record store for local runs. It holds
// documents (without embeddings, which live in Qdrant), audit records and
// action logs, with the same semantics as the Postgres store.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT PRIMARY KEY,
    content     TEXT NOT NULL,
    extra_info  TEXT,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_logs (
    chat_id                 TEXT PRIMARY KEY,
    question                TEXT NOT NULL,
    response                TEXT NOT NULL,
    retrieved_docs          TEXT NOT NULL DEFAULT '[]',
    reasoning               TEXT,
    confidence              REAL,
    latency_ms              INTEGER NOT NULL,
    first_token_latency_ms  INTEGER,
    feedback                TEXT,
    timestamp               INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS action_logs (
    id             TEXT PRIMARY KEY,
    action_type    TEXT NOT NULL,
    resource_type  TEXT NOT NULL,
    resource_id    TEXT,
    request_data   TEXT,
    response_data  TEXT,
    status         TEXT NOT NULL,
    error_message  TEXT,
    latency_ms     INTEGER,
    extra_info     TEXT,
    timestamp      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_logs_timestamp ON action_logs (timestamp DESC);
`

// Store is a SQLite-backed record store. Timestamps are stored as Unix milliseconds.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// SQLite serializes writers; one connection keeps ":memory:" databases
	// shared and avoids SQLITE_BUSY under concurrent conversations.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableText(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// UpsertDocuments inserts or replaces documents by id. Embeddings are ignored.
func (s *Store) UpsertDocuments(ctx context.Context, docs []model.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin upsert documents: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(time.Now())
	for _, d := range docs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, content, extra_info, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE
			 SET content = excluded.content,
			     extra_info = excluded.extra_info,
			     updated_at = excluded.updated_at`,
			d.ID, d.Content, nullableText(d.ExtraInfo), now, now,
		); err != nil {
			return fmt.Errorf("sqlitestore: upsert document %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit upsert documents: %w", err)
	}
	return nil
}

// DeleteDocument removes a document. Returns storage.ErrNotFound if no row matched.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: delete document %s: %w", id, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type documentRow struct {
	ID        string  `db:"id"`
	Content   string  `db:"content"`
	ExtraInfo *string `db:"extra_info"`
	CreatedAt int64   `db:"created_at"`
	UpdatedAt int64   `db:"updated_at"`
}

// ListDocuments returns documents newest first.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]model.Document, error) {
	var rows []documentRow
	if err := sqlscan.Select(ctx, s.db, &rows,
		`SELECT id, content, extra_info, created_at, updated_at
		 FROM documents ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`,
		limit, offset,
	); err != nil {
		return nil, fmt.Errorf("sqlitestore: list documents: %w", err)
	}
	docs := make([]model.Document, len(rows))
	for i, r := range rows {
		docs[i] = model.Document{
			ID:        r.ID,
			Content:   r.Content,
			Size:      len(r.Content),
			CreatedAt: fromMillis(r.CreatedAt),
			UpdatedAt: fromMillis(r.UpdatedAt),
		}
		if r.ExtraInfo != nil {
			docs[i].ExtraInfo = json.RawMessage(*r.ExtraInfo)
		}
	}
	return docs, nil
}

// UpsertAudit writes the audit record for a conversation, keeping any existing feedback.
func (s *Store) UpsertAudit(ctx context.Context, rec model.AuditRecord) error {
	docs := rec.RetrievedDocs
	if docs == nil {
		docs = []string{}
	}
	docsJSON, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal retrieved docs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (
		     chat_id, question, response, retrieved_docs, reasoning,
		     confidence, latency_ms, first_token_latency_ms, timestamp
		 )
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE
		 SET question = excluded.question,
		     response = excluded.response,
		     retrieved_docs = excluded.retrieved_docs,
		     reasoning = excluded.reasoning,
		     confidence = excluded.confidence,
		     latency_ms = excluded.latency_ms,
		     first_token_latency_ms = excluded.first_token_latency_ms,
		     timestamp = excluded.timestamp`,
		rec.ChatID.String(), rec.Question, rec.Response, string(docsJSON), rec.Reasoning,
		rec.Confidence, rec.LatencyMS, rec.FirstTokenLatencyMS, toMillis(rec.Timestamp),
	); err != nil {
		return fmt.Errorf("sqlitestore: upsert audit %s: %w", rec.ChatID, err)
	}
	return nil
}

type auditRow struct {
	ChatID              string   `db:"chat_id"`
	Question            string   `db:"question"`
	Response            string   `db:"response"`
	RetrievedDocs       string   `db:"retrieved_docs"`
	Reasoning           *string  `db:"reasoning"`
	Confidence          *float64 `db:"confidence"`
	LatencyMS           int64    `db:"latency_ms"`
	FirstTokenLatencyMS *int64   `db:"first_token_latency_ms"`
	Feedback            *string  `db:"feedback"`
	Timestamp           int64    `db:"timestamp"`
}

// GetAudit returns the audit record for chatID, or storage.ErrNotFound.
func (s *Store) GetAudit(ctx context.Context, chatID uuid.UUID) (model.AuditRecord, error) {
	var r auditRow
	err := sqlscan.Get(ctx, s.db, &r,
		`SELECT chat_id, question, response, retrieved_docs, reasoning, confidence,
		        latency_ms, first_token_latency_ms, feedback, timestamp
		 FROM audit_logs WHERE chat_id = ?`,
		chatID.String(),
	)
	if sqlscan.NotFound(err) {
		return model.AuditRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("sqlitestore: get audit %s: %w", chatID, err)
	}

	rec := model.AuditRecord{
		ChatID:              chatID,
		Question:            r.Question,
		Response:            r.Response,
		Reasoning:           r.Reasoning,
		Confidence:          r.Confidence,
		LatencyMS:           r.LatencyMS,
		FirstTokenLatencyMS: r.FirstTokenLatencyMS,
		Feedback:            r.Feedback,
		Timestamp:           fromMillis(r.Timestamp),
	}
	if err := json.Unmarshal([]byte(r.RetrievedDocs), &rec.RetrievedDocs); err != nil {
		return model.AuditRecord{}, fmt.Errorf("sqlitestore: decode retrieved docs: %w", err)
	}
	return rec, nil
}

// SetAuditFeedback stores caller feedback on an existing audit record.
func (s *Store) SetAuditFeedback(ctx context.Context, chatID uuid.UUID, feedback string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE audit_logs SET feedback = ? WHERE chat_id = ?`, feedback, chatID.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: set audit feedback %s: %w", chatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: set audit feedback %s: %w", chatID, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// InsertActionLog appends one action log entry.
func (s *Store) InsertActionLog(ctx context.Context, rec model.ActionLogRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO action_logs (
		     id, action_type, resource_type, resource_id,
		     request_data, response_data, status, error_message,
		     latency_ms, extra_info, timestamp
		 )
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), string(rec.ActionType), rec.ResourceType, rec.ResourceID,
		nullableText(rec.RequestData), nullableText(rec.ResponseData), string(rec.Status), rec.ErrorMessage,
		rec.LatencyMS, nullableText(rec.ExtraInfo), toMillis(rec.Timestamp),
	); err != nil {
		return fmt.Errorf("sqlitestore: insert action log: %w", err)
	}
	return nil
}

type actionLogRow struct {
	ID           string  `db:"id"`
	ActionType   string  `db:"action_type"`
	ResourceType string  `db:"resource_type"`
	ResourceID   *string `db:"resource_id"`
	RequestData  *string `db:"request_data"`
	ResponseData *string `db:"response_data"`
	Status       string  `db:"status"`
	ErrorMessage *string `db:"error_message"`
	LatencyMS    *int64  `db:"latency_ms"`
	ExtraInfo    *string `db:"extra_info"`
	Timestamp    int64   `db:"timestamp"`
}

func (r actionLogRow) summary() (model.ActionLogSummary, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return model.ActionLogSummary{}, fmt.Errorf("sqlitestore: bad action log id %q: %w", r.ID, err)
	}
	return model.ActionLogSummary{
		ID:           id,
		ActionType:   model.ActionType(r.ActionType),
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Status:       model.ActionStatus(r.Status),
		LatencyMS:    r.LatencyMS,
		Timestamp:    fromMillis(r.Timestamp),
	}, nil
}

// ListActionLogs returns action log summaries newest first.
func (s *Store) ListActionLogs(ctx context.Context, f model.ActionLogFilter) ([]model.ActionLogSummary, error) {
	query, args, err := storage.ActionLogQuery(f).PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: build action log query: %w", err)
	}
	var rows []actionLogRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("sqlitestore: list action logs: %w", err)
	}
	out := make([]model.ActionLogSummary, 0, len(rows))
	for _, r := range rows {
		sum, err := r.summary()
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

// GetActionLog returns a full action log entry, or storage.ErrNotFound.
func (s *Store) GetActionLog(ctx context.Context, id uuid.UUID) (model.ActionLogRecord, error) {
	var r actionLogRow
	err := sqlscan.Get(ctx, s.db, &r,
		`SELECT id, action_type, resource_type, resource_id, request_data, response_data,
		        status, error_message, latency_ms, extra_info, timestamp
		 FROM action_logs WHERE id = ?`,
		id.String(),
	)
	if sqlscan.NotFound(err) {
		return model.ActionLogRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return model.ActionLogRecord{}, fmt.Errorf("sqlitestore: get action log %s: %w", id, err)
	}

	rec := model.ActionLogRecord{
		ID:           id,
		ActionType:   model.ActionType(r.ActionType),
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Status:       model.ActionStatus(r.Status),
		ErrorMessage: r.ErrorMessage,
		LatencyMS:    r.LatencyMS,
		Timestamp:    fromMillis(r.Timestamp),
	}
	for _, p := range []struct {
		src *string
		dst *json.RawMessage
	}{
		{r.RequestData, &rec.RequestData},
		{r.ResponseData, &rec.ResponseData},
		{r.ExtraInfo, &rec.ExtraInfo},
	} {
		if p.src != nil {
			*p.dst = json.RawMessage(*p.src)
		}
	}
	return rec, nil
}
