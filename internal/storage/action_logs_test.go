package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/model"
)

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithQuerier(mock, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func TestActionLogQuery(t *testing.T) {
	chat := model.ActionChat
	failed := model.StatusFailed

	query, args, err := ActionLogQuery(model.ActionLogFilter{
		ActionType: &chat,
		Status:     &failed,
		Limit:      20,
		Offset:     40,
	}).ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, action_type, resource_type, resource_id, status, latency_ms, timestamp FROM action_logs "+
			"WHERE action_type = ? AND status = ? ORDER BY timestamp DESC, id DESC LIMIT 20 OFFSET 40",
		query)
	assert.Equal(t, []any{"chat", "failed"}, args)
}

func TestActionLogQueryLimits(t *testing.T) {
	query, args, err := ActionLogQuery(model.ActionLogFilter{}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, "LIMIT 50")
	assert.NotContains(t, query, "OFFSET")
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)

	query, _, err = ActionLogQuery(model.ActionLogFilter{Limit: 10_000}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, "LIMIT 501")
}

func TestInsertActionLogFillsIDAndTimestamp(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`INSERT INTO action_logs`).
		WithArgs(
			pgxmock.AnyArg(), "search", model.ResourceVectorStore, pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "success", pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := db.InsertActionLog(context.Background(), model.ActionLogRecord{
		ActionType:   model.ActionSearch,
		ResourceType: model.ResourceVectorStore,
		Status:       model.StatusSuccess,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertActionLogWrapsError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`INSERT INTO action_logs`).
		WillReturnError(errors.New("connection reset"))

	err := db.InsertActionLog(context.Background(), model.ActionLogRecord{
		ActionType: model.ActionChat, ResourceType: model.ResourceLLM, Status: model.StatusFailed,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage: insert action log")
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAuditRetriesSerializationFailure(t *testing.T) {
	db, mock := newMockDB(t)
	chatID := uuid.New()

	mock.ExpectExec(`INSERT INTO audit_logs`).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := db.UpsertAudit(context.Background(), model.AuditRecord{
		ChatID: chatID, Question: "q", Response: "a", LatencyMS: 5,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAuditDoesNotRetryOtherErrors(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`INSERT INTO audit_logs`).
		WillReturnError(&pgconn.PgError{Code: "23502"})

	err := db.UpsertAudit(context.Background(), model.AuditRecord{ChatID: uuid.New()})
	require.Error(t, err)
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetAuditFeedbackNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	chatID := uuid.New()

	mock.ExpectExec(`UPDATE audit_logs SET feedback`).
		WithArgs(chatID, "great").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := db.SetAuditFeedback(context.Background(), chatID, "great")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
