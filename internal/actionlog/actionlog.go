// Package actionlog persists conversation audit records and the append-only
// action log. Writes never fail from the caller's point of view: persistence
// problems are reported to a Diagnostics sink and otherwise swallowed.
package actionlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// RecordStore is the write side of the record store.
type RecordStore interface {
	UpsertAudit(ctx context.Context, rec model.AuditRecord) error
	InsertActionLog(ctx context.Context, rec model.ActionLogRecord) error
}

// Kind says what happened to a single write.
type Kind int

const (
	// Persisted means the record reached the store.
	Persisted Kind = iota
	// Dropped means the store rejected the record. Err is set.
	Dropped
)

func (k Kind) String() string {
	if k == Persisted {
		return "persisted"
	}
	return "dropped"
}

// Op names the write an Outcome belongs to.
type Op string

const (
	OpAudit  Op = "audit"
	OpAction Op = "action"
)

// Outcome is the result of one write. Err wraps model.ErrPersistence.
type Outcome struct {
	Op       Op
	Kind     Kind
	Err      error
	Duration time.Duration
}

// Diagnostics receives the outcome of every write. It must not block.
type Diagnostics interface {
	Report(ctx context.Context, o Outcome)
}

// Logger writes audit and action records.
type Logger struct {
	store RecordStore
	diag  Diagnostics
}

// New creates a Logger. A nil diag reports nothing.
func New(store RecordStore, diag Diagnostics) *Logger {
	if diag == nil {
		diag = nopDiagnostics{}
	}
	return &Logger{store: store, diag: diag}
}

// RecordAudit inserts or replaces the audit record for rec.ChatID. If the
// write fails, a failed insert action against the audit resource is appended
// so the gap is visible in the action log.
func (l *Logger) RecordAudit(ctx context.Context, rec model.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	o := l.write(ctx, OpAudit, func(ctx context.Context) error {
		return l.store.UpsertAudit(ctx, rec)
	})
	if o.Kind == Persisted {
		return
	}
	l.RecordAction(ctx, model.ActionLogRecord{
		ActionType:   model.ActionInsert,
		ResourceType: model.ResourceAudit,
		ResourceID:   model.Ptr(rec.ChatID.String()),
		Status:       model.StatusFailed,
		ErrorMessage: model.Ptr(o.Err.Error()),
		LatencyMS:    model.Ptr(o.Duration.Milliseconds()),
	})
}

// RecordAction appends one action log entry.
func (l *Logger) RecordAction(ctx context.Context, rec model.ActionLogRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	l.write(ctx, OpAction, func(ctx context.Context) error {
		return l.store.InsertActionLog(ctx, rec)
	})
}

func (l *Logger) write(ctx context.Context, op Op, fn func(context.Context) error) (o Outcome) {
	start := time.Now()
	o.Op = op
	defer func() {
		// A panicking store is treated like a failing one.
		if r := recover(); r != nil {
			o.Kind = Dropped
			o.Err = fmt.Errorf("%w: %s: panic: %v", model.ErrPersistence, op, r)
		}
		o.Duration = time.Since(start)
		l.diag.Report(ctx, o)
	}()

	if err := fn(ctx); err != nil {
		o.Kind = Dropped
		o.Err = fmt.Errorf("%w: %s: %w", model.ErrPersistence, op, err)
		return o
	}
	o.Kind = Persisted
	return o
}

type nopDiagnostics struct{}

func (nopDiagnostics) Report(context.Context, Outcome) {}

// SlogDiagnostics logs dropped writes and counts them in kotae.actionlog.failures.
type SlogDiagnostics struct {
	logger   *slog.Logger
	failures metric.Int64Counter
}

// NewSlogDiagnostics creates the default diagnostics sink.
func NewSlogDiagnostics(logger *slog.Logger) *SlogDiagnostics {
	d := &SlogDiagnostics{logger: logger}
	if c, err := telemetry.Meter(telemetry.ScopeActionLog).Int64Counter("kotae.actionlog.failures",
		metric.WithDescription("Audit and action log writes that could not be persisted"),
	); err == nil {
		d.failures = c
	}
	return d
}

// Report implements Diagnostics.
func (d *SlogDiagnostics) Report(ctx context.Context, o Outcome) {
	if o.Kind == Persisted {
		return
	}
	d.logger.ErrorContext(ctx, "actionlog: record dropped",
		"op", string(o.Op),
		"duration_ms", o.Duration.Milliseconds(),
		"error", o.Err)
	if d.failures != nil {
		d.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", string(o.Op))))
	}
}
