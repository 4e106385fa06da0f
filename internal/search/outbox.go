package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// Outbox operations, as written by storage.UpsertDocuments and DeleteDocument.
const (
	opUpsert = "upsert"
	opDelete = "delete"
)

// outboxEntry is a single row from the search_outbox table.
type outboxEntry struct {
	ID         int64
	DocumentID string
	Operation  string
	Attempts   int
}

// OutboxWorker polls the search_outbox table and replays document changes
// into a vector index.
type OutboxWorker struct {
	db           storage.Querier
	index        Indexer
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // drain context for the final poll
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(db storage.Querier, index Indexer, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		db:           db,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Only the first call has any effect.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop after one final batch and blocks until it is
// done or ctx expires. The final batch runs under ctx.
func (w *OutboxWorker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	// The drain context must be queued before cancelling so pollLoop sees it.
	select {
	case w.drainCh <- ctx:
	default:
	}
	w.cancelLoop()
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

const maxOutboxAttempts = 10

// processBatch claims up to batchSize pending entries and applies them.
// It returns how many entries were claimed.
func (w *OutboxWorker) processBatch(ctx context.Context) int {
	entries, err := w.claim(ctx)
	if err != nil {
		w.logger.Error("search outbox: claim entries", "error", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case opUpsert:
			upserts = append(upserts, e)
		case opDelete:
			deletes = append(deletes, e)
		}
	}
	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
	return len(entries)
}

// claim selects pending entries and locks them for 60 seconds, longer than
// one batch may take, so a second worker cannot pick them up mid-flight.
func (w *OutboxWorker) claim(ctx context.Context) ([]outboxEntry, error) {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, document_id, operation, attempts
		 FROM search_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	entries, err := scanOutboxEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE search_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs(entries),
	); err != nil {
		return nil, fmt.Errorf("lock entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lock: %w", err)
	}
	return entries, nil
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.db.Exec(ctx,
		`DELETE FROM search_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("search outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("search outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.DocumentID
	}

	points, err := w.fetchPoints(ctx, ids)
	if err != nil {
		w.logger.Error("search outbox: fetch documents", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	if len(points) == 0 {
		// Every document was deleted since it was queued.
		w.succeedEntries(ctx, entries)
		return
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("search outbox: index upsert", "error", err, "count", len(points))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	w.succeedEntries(ctx, entries)
	w.logger.Info("search outbox: upserted", "count", len(points))
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.DocumentID
	}

	if err := w.index.DeleteDocuments(ctx, ids); err != nil {
		w.logger.Error("search outbox: index delete", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	w.succeedEntries(ctx, entries)
	w.logger.Info("search outbox: deleted", "count", len(ids))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	if _, err := w.db.Exec(ctx,
		`DELETE FROM search_outbox WHERE id = ANY($1)`, entryIDs(entries),
	); err != nil {
		w.logger.Error("search outbox: delete completed entries", "error", err)
	}
}

// failEntries records the error and backs off exponentially: locked_until is
// pushed out 2^attempts seconds, capped at five minutes.
func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	if _, err := w.db.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, entryIDs(entries),
	); err != nil {
		w.logger.Error("search outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("search outbox: dead-letter entry",
				"outbox_id", e.ID,
				"document_id", e.DocumentID,
				"operation", e.Operation,
				"attempts", e.Attempts+1,
			)
		}
	}
}

func (w *OutboxWorker) fetchPoints(ctx context.Context, ids []string) ([]Point, error) {
	rows, err := w.db.Query(ctx,
		`SELECT id, content, embedding
		 FROM documents
		 WHERE id = ANY($1) AND embedding IS NOT NULL`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var emb pgvector.Vector
		if err := rows.Scan(&p.DocID, &p.Content, &emb); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		p.Embedding = emb.Slice()
		points = append(points, p)
	}
	return points, rows.Err()
}

func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter(telemetry.ScopeOutbox)

	_, _ = meter.Int64ObservableGauge("kotae.outbox.depth",
		metric.WithDescription("Number of pending entries in the search outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			if err := w.db.QueryRow(ctx, `SELECT COUNT(*) FROM search_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count); err != nil {
				return nil
			}
			o.Observe(count)
			return nil
		}),
	)
}

func entryIDs(entries []outboxEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
