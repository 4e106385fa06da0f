package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndexer struct {
	mu        sync.Mutex
	upserted  []Point
	deleted   []string
	upsertErr error
}

func (f *fakeIndexer) Upsert(_ context.Context, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, points...)
	return nil
}

func (f *fakeIndexer) DeleteDocuments(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return nil
}

func newMockWorker(t *testing.T, idx Indexer) (*OutboxWorker, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	w := NewOutboxWorker(mock, idx, discardLogger(), time.Second, 10)
	// Keep the hourly cleanup out of these tests.
	w.lastCleanup = time.Now()
	return w, mock
}

func expectClaim(mock pgxmock.PgxPoolIface, rows *pgxmock.Rows, n int64) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, document_id, operation, attempts\s+FROM search_outbox`).
		WithArgs(maxOutboxAttempts, 10).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE search_outbox SET locked_until`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", n))
	mock.ExpectCommit()
}

func TestOutboxProcessesUpsertsAndDeletes(t *testing.T) {
	idx := &fakeIndexer{}
	w, mock := newMockWorker(t, idx)

	expectClaim(mock, mock.NewRows([]string{"id", "document_id", "operation", "attempts"}).
		AddRow(int64(1), "refunds", "upsert", 0).
		AddRow(int64(2), "old-faq", "delete", 0), 2)

	mock.ExpectQuery(`SELECT id, content, embedding\s+FROM documents`).
		WithArgs([]string{"refunds"}).
		WillReturnRows(mock.NewRows([]string{"id", "content", "embedding"}).
			AddRow("refunds", "Refunds within 30 days.", pgvector.NewVector([]float32{1, 0, 0, 0})))
	mock.ExpectExec(`DELETE FROM search_outbox WHERE id = ANY`).
		WithArgs([]int64{1}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM search_outbox WHERE id = ANY`).
		WithArgs([]int64{2}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	n := w.processBatch(context.Background())
	assert.Equal(t, 2, n)

	require.Len(t, idx.upserted, 1)
	assert.Equal(t, "refunds", idx.upserted[0].DocID)
	assert.Equal(t, "Refunds within 30 days.", idx.upserted[0].Content)
	assert.Equal(t, []float32{1, 0, 0, 0}, idx.upserted[0].Embedding)
	assert.Equal(t, []string{"old-faq"}, idx.deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxFailureBacksOff(t *testing.T) {
	idx := &fakeIndexer{upsertErr: errors.New("qdrant unavailable")}
	w, mock := newMockWorker(t, idx)

	expectClaim(mock, mock.NewRows([]string{"id", "document_id", "operation", "attempts"}).
		AddRow(int64(7), "refunds", "upsert", 9), 1)
	mock.ExpectQuery(`SELECT id, content, embedding\s+FROM documents`).
		WithArgs([]string{"refunds"}).
		WillReturnRows(mock.NewRows([]string{"id", "content", "embedding"}).
			AddRow("refunds", "Refunds within 30 days.", pgvector.NewVector([]float32{1, 0, 0, 0})))
	mock.ExpectExec(`UPDATE search_outbox\s+SET attempts = attempts \+ 1`).
		WithArgs("qdrant unavailable", []int64{7}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w.processBatch(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxEmptyBatch(t *testing.T) {
	w, mock := newMockWorker(t, &fakeIndexer{})

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM search_outbox`).
		WithArgs(maxOutboxAttempts, 10).
		WillReturnRows(mock.NewRows([]string{"id", "document_id", "operation", "attempts"}))
	mock.ExpectRollback()

	assert.Equal(t, 0, w.processBatch(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxDrainWithoutStart(t *testing.T) {
	w := NewOutboxWorker(nil, nil, discardLogger(), time.Second, 10)

	done := make(chan struct{})
	go func() {
		w.Drain(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain blocked on a worker that never started")
	}
}
