package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
)

// Action log pagination bounds.
const (
	DefaultActionLogLimit = 50
	MaxActionLogLimit     = 500
)

// ActionLogQuery builds the list query for action logs without a placeholder
// format, so each record store can pick its own.
func ActionLogQuery(f model.ActionLogFilter) sq.SelectBuilder {
	qb := sq.Select("id", "action_type", "resource_type", "resource_id", "status", "latency_ms", "timestamp").
		From("action_logs").
		OrderBy("timestamp DESC", "id DESC")

	if f.ActionType != nil {
		qb = qb.Where(sq.Eq{"action_type": string(*f.ActionType)})
	}
	if f.ResourceType != nil {
		qb = qb.Where(sq.Eq{"resource_type": *f.ResourceType})
	}
	if f.Status != nil {
		qb = qb.Where(sq.Eq{"status": string(*f.Status)})
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultActionLogLimit
	}
	if limit > MaxActionLogLimit+1 {
		limit = MaxActionLogLimit + 1
	}
	qb = qb.Limit(uint64(limit))
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}
	return qb
}

// InsertActionLog appends one action log entry. A zero ID or Timestamp is filled in.
func (db *DB) InsertActionLog(ctx context.Context, rec model.ActionLogRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := db.q.Exec(ctx,
		`INSERT INTO action_logs (
		     id, action_type, resource_type, resource_id,
		     request_data, response_data, status, error_message,
		     latency_ms, extra_info, timestamp
		 )
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10::jsonb, $11)`,
		rec.ID, string(rec.ActionType), rec.ResourceType, rec.ResourceID,
		[]byte(rec.RequestData), []byte(rec.ResponseData), string(rec.Status), rec.ErrorMessage,
		rec.LatencyMS, []byte(rec.ExtraInfo), rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: insert action log: %w", err)
	}
	return nil
}

// ListActionLogs returns action log summaries newest first.
func (db *DB) ListActionLogs(ctx context.Context, f model.ActionLogFilter) ([]model.ActionLogSummary, error) {
	query, args, err := ActionLogQuery(f).PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("storage: build action log query: %w", err)
	}

	var out []model.ActionLogSummary
	if err := pgxscan.Select(ctx, db.q, &out, query, args...); err != nil {
		return nil, fmt.Errorf("storage: list action logs: %w", err)
	}
	return out, nil
}

// GetActionLog returns a full action log entry, or ErrNotFound.
func (db *DB) GetActionLog(ctx context.Context, id uuid.UUID) (model.ActionLogRecord, error) {
	var rec model.ActionLogRecord
	err := pgxscan.Get(ctx, db.q, &rec,
		`SELECT id, action_type, resource_type, resource_id, request_data, response_data,
		        status, error_message, latency_ms, extra_info, timestamp
		 FROM action_logs
		 WHERE id = $1`,
		id,
	)
	if pgxscan.NotFound(err) {
		return model.ActionLogRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ActionLogRecord{}, fmt.Errorf("storage: get action log %s: %w", id, err)
	}
	return rec, nil
}
