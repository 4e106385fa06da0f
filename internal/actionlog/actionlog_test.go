package actionlog_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/actionlog"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage/sqlitestore"
)

type fakeStore struct {
	mu        sync.Mutex
	audits    []model.AuditRecord
	actions   []model.ActionLogRecord
	auditErr  error
	actionErr error
	panicking bool
}

func (s *fakeStore) UpsertAudit(_ context.Context, rec model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditErr != nil {
		return s.auditErr
	}
	s.audits = append(s.audits, rec)
	return nil
}

func (s *fakeStore) InsertActionLog(_ context.Context, rec model.ActionLogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicking {
		panic("store exploded")
	}
	if s.actionErr != nil {
		return s.actionErr
	}
	s.actions = append(s.actions, rec)
	return nil
}

type recordingDiag struct {
	mu       sync.Mutex
	outcomes []actionlog.Outcome
}

func (d *recordingDiag) Report(_ context.Context, o actionlog.Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes = append(d.outcomes, o)
}

func TestRecordActionPersists(t *testing.T) {
	store := &fakeStore{}
	diag := &recordingDiag{}
	l := actionlog.New(store, diag)

	l.RecordAction(context.Background(), model.ActionLogRecord{
		ActionType: model.ActionChat, ResourceType: model.ResourceLLM, Status: model.StatusSuccess,
	})

	require.Len(t, store.actions, 1)
	assert.False(t, store.actions[0].Timestamp.IsZero(), "timestamp is filled in")
	require.Len(t, diag.outcomes, 1)
	assert.Equal(t, actionlog.Persisted, diag.outcomes[0].Kind)
	assert.NoError(t, diag.outcomes[0].Err)
}

func TestRecordActionFailureGoesToDiagnostics(t *testing.T) {
	store := &fakeStore{actionErr: errors.New("disk full")}
	diag := &recordingDiag{}
	l := actionlog.New(store, diag)

	assert.NotPanics(t, func() {
		l.RecordAction(context.Background(), model.ActionLogRecord{ActionType: model.ActionChat})
	})

	require.Len(t, diag.outcomes, 1)
	o := diag.outcomes[0]
	assert.Equal(t, actionlog.Dropped, o.Kind)
	assert.Equal(t, actionlog.OpAction, o.Op)
	assert.ErrorIs(t, o.Err, model.ErrPersistence)
	assert.Contains(t, o.Err.Error(), "disk full")
}

func TestRecordActionRecoversPanickingStore(t *testing.T) {
	diag := &recordingDiag{}
	l := actionlog.New(&fakeStore{panicking: true}, diag)

	assert.NotPanics(t, func() {
		l.RecordAction(context.Background(), model.ActionLogRecord{ActionType: model.ActionChat})
	})
	require.Len(t, diag.outcomes, 1)
	assert.Equal(t, actionlog.Dropped, diag.outcomes[0].Kind)
	assert.ErrorIs(t, diag.outcomes[0].Err, model.ErrPersistence)
}

func TestRecordAuditFailureAppendsFailedInsertAction(t *testing.T) {
	store := &fakeStore{auditErr: errors.New("constraint violation")}
	diag := &recordingDiag{}
	l := actionlog.New(store, diag)
	chatID := uuid.New()

	l.RecordAudit(context.Background(), model.AuditRecord{ChatID: chatID, Question: "q", Response: "a"})

	require.Len(t, store.actions, 1)
	got := store.actions[0]
	assert.Equal(t, model.ActionInsert, got.ActionType)
	assert.Equal(t, model.ResourceAudit, got.ResourceType)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ResourceID)
	assert.Equal(t, chatID.String(), *got.ResourceID)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "constraint violation")

	require.Len(t, diag.outcomes, 2)
	assert.Equal(t, actionlog.OpAudit, diag.outcomes[0].Op)
	assert.Equal(t, actionlog.Dropped, diag.outcomes[0].Kind)
	assert.Equal(t, actionlog.Persisted, diag.outcomes[1].Kind)
}

func TestRecordAuditAndActionBothFailing(t *testing.T) {
	store := &fakeStore{auditErr: errors.New("down"), actionErr: errors.New("down")}
	diag := &recordingDiag{}
	l := actionlog.New(store, diag)

	assert.NotPanics(t, func() {
		l.RecordAudit(context.Background(), model.AuditRecord{ChatID: uuid.New()})
	})
	require.Len(t, diag.outcomes, 2)
	for _, o := range diag.outcomes {
		assert.Equal(t, actionlog.Dropped, o.Kind)
	}
}

func TestNilDiagnostics(t *testing.T) {
	l := actionlog.New(&fakeStore{actionErr: errors.New("x")}, nil)
	assert.NotPanics(t, func() {
		l.RecordAction(context.Background(), model.ActionLogRecord{})
	})
}

func TestSlogDiagnosticsLogsOnlyDrops(t *testing.T) {
	var buf bytes.Buffer
	d := actionlog.NewSlogDiagnostics(slog.New(slog.NewJSONHandler(&buf, nil)))

	d.Report(context.Background(), actionlog.Outcome{Op: actionlog.OpAction, Kind: actionlog.Persisted})
	assert.Empty(t, buf.String())

	d.Report(context.Background(), actionlog.Outcome{
		Op: actionlog.OpAudit, Kind: actionlog.Dropped, Err: model.ErrPersistence,
	})
	assert.Contains(t, buf.String(), `"msg":"actionlog: record dropped"`)
	assert.Contains(t, buf.String(), `"op":"audit"`)
}

func TestLoggerWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := sqlitestore.Open(ctx, filepath.Join(t.TempDir(), "kotae.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	diag := &recordingDiag{}
	l := actionlog.New(store, diag)
	chatID := uuid.New()

	l.RecordAudit(ctx, model.AuditRecord{
		ChatID:        chatID,
		Question:      "What is the refund policy?",
		Response:      "30 days.",
		RetrievedDocs: []string{"Refunds within 30 days."},
		LatencyMS:     42,
	})
	l.RecordAction(ctx, model.ActionLogRecord{
		ActionType:   model.ActionChat,
		ResourceType: model.ResourceLLM,
		ResourceID:   model.Ptr(chatID.String()),
		Status:       model.StatusSuccess,
	})

	for _, o := range diag.outcomes {
		assert.Equal(t, actionlog.Persisted, o.Kind, "unexpected drop: %v", o.Err)
	}

	audit, err := store.GetAudit(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Refunds within 30 days."}, audit.RetrievedDocs)

	logs, err := store.ListActionLogs(ctx, model.ActionLogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ResourceLLM, logs[0].ResourceType)
}
