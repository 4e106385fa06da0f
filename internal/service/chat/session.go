package chat

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kotae/internal/actionlog"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// Session starts conversations and records their outcomes.
type Session struct {
	engine  *Engine
	actions *actionlog.Logger
	logger  *slog.Logger
	now     func() time.Time

	firstToken    metric.Float64Histogram
	totalLatency  metric.Float64Histogram
	conversations metric.Int64Counter
}

// NewSession creates a Session.
func NewSession(engine *Engine, actions *actionlog.Logger, logger *slog.Logger) *Session {
	s := &Session{engine: engine, actions: actions, logger: logger, now: time.Now}

	meter := telemetry.Meter(telemetry.ScopeChat)
	s.firstToken, _ = meter.Float64Histogram("kotae.chat.first_token_latency",
		metric.WithDescription("Time from conversation start to the first answer fragment"),
		metric.WithUnit("ms"))
	s.totalLatency, _ = meter.Float64Histogram("kotae.chat.total_latency",
		metric.WithDescription("Time from conversation start to the end of the answer stream"),
		metric.WithUnit("ms"))
	s.conversations, _ = meter.Int64Counter("kotae.chat.conversations",
		metric.WithDescription("Finished conversations by status"))
	return s
}

// Start prepares a conversation for req. Nothing runs until the returned
// stream is iterated.
func (s *Session) Start(ctx context.Context, req model.ConversationRequest) *Stream {
	return &Stream{session: s, ctx: ctx, conv: NewConversation(req)}
}

// Stream is a single-use sequence of answer fragments.
type Stream struct {
	session *Session
	ctx     context.Context
	conv    *Conversation
	used    atomic.Bool
	outcome atomic.Pointer[model.ConversationOutcome]
}

// ChatID is the id the conversation is logged under.
func (st *Stream) ChatID() uuid.UUID {
	return st.conv.ChatID
}

// Outcome returns the conversation outcome once the stream has finished
// with success or failure. It reports false while the stream is running and
// after a cancelled stream.
func (st *Stream) Outcome() (model.ConversationOutcome, bool) {
	o := st.outcome.Load()
	if o == nil {
		return model.ConversationOutcome{}, false
	}
	return *o, true
}

// All yields answer fragments. A failure ends the sequence with one
// ("", err). Breaking out of the loop cancels the remaining generation and
// nothing is logged. Iterating a second time yields ("", model.ErrStreamReuse).
func (st *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !st.used.CompareAndSwap(false, true) {
			yield("", model.ErrStreamReuse)
			return
		}
		st.run(yield)
	}
}

func (st *Stream) run(yield func(string, error) bool) {
	s, c := st.session, st.conv

	ctx, cancel := context.WithCancel(st.ctx)
	defer cancel()
	ctx, span := telemetry.Tracer(telemetry.ScopeChat).Start(ctx, "chat.conversation",
		trace.WithAttributes(
			attribute.String("chat.id", c.ChatID.String()),
			attribute.Bool("chat.reasoning", c.EnableReasoning),
		))
	defer span.End()

	start := s.now()
	var firstToken *time.Duration

	for frag, err := range s.engine.Run(ctx, c) {
		if err != nil {
			total := s.now().Sub(start)
			// Only the caller's context decides cancellation. A provider
			// error that wraps context.Canceled is still a failure.
			if ctx.Err() != nil {
				s.count(ctx, "cancelled")
				span.SetStatus(codes.Error, "cancelled")
				yield("", err)
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			st.fail(ctx, firstToken, total, err)
			yield("", err)
			return
		}
		if firstToken == nil {
			d := s.now().Sub(start)
			firstToken = &d
		}
		if !yield(frag, nil) {
			s.count(ctx, "cancelled")
			return
		}
	}
	total := s.now().Sub(start)

	if !c.Step.Terminal() {
		// The engine stopped without finishing: treat as cancellation.
		s.count(ctx, "cancelled")
		return
	}
	st.succeed(ctx, firstToken, total)
}

func (st *Stream) succeed(ctx context.Context, firstToken *time.Duration, total time.Duration) {
	s, c := st.session, st.conv

	var confidence *float64
	if s.engine.ConfidenceEnabled() {
		confidence = model.Ptr(s.engine.Judge(ctx, c))
	}

	answer := ""
	if c.Answer != nil {
		answer = *c.Answer
	}
	docs := model.Contents(c.Docs)
	outcome := model.ConversationOutcome{
		ChatID:            c.ChatID,
		Query:             c.Query,
		Answer:            answer,
		Reasoning:         c.Reasoning,
		RetrievedDocs:     docs,
		FirstTokenLatency: firstToken,
		TotalLatency:      total,
		Confidence:        confidence,
		Status:            model.StatusSuccess,
	}
	st.outcome.Store(&outcome)

	logCtx := context.WithoutCancel(ctx)
	audit := model.AuditRecord{
		ChatID:        c.ChatID,
		Question:      c.Query,
		Response:      answer,
		RetrievedDocs: docs,
		Reasoning:     c.Reasoning,
		Confidence:    confidence,
		LatencyMS:     total.Milliseconds(),
	}
	if firstToken != nil {
		audit.FirstTokenLatencyMS = model.Ptr(firstToken.Milliseconds())
	}
	s.actions.RecordAudit(logCtx, audit)

	s.actions.RecordAction(logCtx, model.ActionLogRecord{
		ActionType:   model.ActionChat,
		ResourceType: model.ResourceLLM,
		ResourceID:   model.Ptr(c.ChatID.String()),
		RequestData: model.MustJSON(map[string]any{
			"query":            c.Query,
			"enable_reasoning": c.EnableReasoning,
			"context":          docs,
		}),
		ResponseData: model.MustJSON(map[string]any{
			"answer":         answer,
			"reasoning":      c.Reasoning,
			"confidence":     confidence,
			"retrieved_docs": c.Docs,
			"docs_count":     len(c.Docs),
		}),
		Status:    model.StatusSuccess,
		LatencyMS: model.Ptr(total.Milliseconds()),
		ExtraInfo: latencyInfo(firstToken),
	})

	s.record(ctx, "success", firstToken, total)
	s.logger.InfoContext(ctx, "chat: conversation complete",
		"chat_id", c.ChatID,
		"docs", len(c.Docs),
		"reasoning", c.EnableReasoning,
		"total_ms", total.Milliseconds())
}

func (st *Stream) fail(ctx context.Context, firstToken *time.Duration, total time.Duration, err error) {
	s, c := st.session, st.conv

	outcome := model.ConversationOutcome{
		ChatID:            c.ChatID,
		Query:             c.Query,
		Reasoning:         c.Reasoning,
		RetrievedDocs:     model.Contents(c.Docs),
		FirstTokenLatency: firstToken,
		TotalLatency:      total,
		Status:            model.StatusFailed,
		Error:             err.Error(),
	}
	st.outcome.Store(&outcome)

	s.actions.RecordAction(context.WithoutCancel(ctx), model.ActionLogRecord{
		ActionType:   model.ActionChat,
		ResourceType: model.ResourceLLM,
		ResourceID:   model.Ptr(c.ChatID.String()),
		RequestData: model.MustJSON(map[string]any{
			"query":            c.Query,
			"enable_reasoning": c.EnableReasoning,
		}),
		Status:       model.StatusFailed,
		ErrorMessage: model.Ptr(err.Error()),
		LatencyMS:    model.Ptr(total.Milliseconds()),
		ExtraInfo:    model.MustJSON(map[string]any{"step": c.FailedAt.String()}),
	})

	s.record(ctx, "failed", firstToken, total)
	s.logger.WarnContext(ctx, "chat: conversation failed",
		"chat_id", c.ChatID,
		"step", c.FailedAt.String(),
		"error", err)
}

func latencyInfo(firstToken *time.Duration) []byte {
	if firstToken == nil {
		return nil
	}
	return model.MustJSON(map[string]int64{"first_token_latency_ms": firstToken.Milliseconds()})
}

func (s *Session) record(ctx context.Context, status string, firstToken *time.Duration, total time.Duration) {
	if firstToken != nil && s.firstToken != nil {
		s.firstToken.Record(ctx, float64(firstToken.Microseconds())/1000)
	}
	if s.totalLatency != nil {
		s.totalLatency.Record(ctx, float64(total.Microseconds())/1000,
			metric.WithAttributes(attribute.String("status", status)))
	}
	s.count(ctx, status)
}

func (s *Session) count(ctx context.Context, status string) {
	if s.conversations != nil {
		s.conversations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}
