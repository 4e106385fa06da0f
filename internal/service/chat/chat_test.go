package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/actionlog"
	"github.com/ashita-ai/kotae/internal/model"
)

// events is a shared, ordered trace of what the consumer and the record
// store observed.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, _ string) (pgvector.Vector, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return pgvector.Vector{}, err
	}
	if f.err != nil {
		return pgvector.Vector{}, f.err
	}
	return pgvector.NewVector([]float32{1, 0, 0, 0}), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 4 }

type fakeRetriever struct {
	docs    []model.RetrievedDocument
	err     error
	calls   int
	gotK    int
	gotMin  float64
	gotVecs [][]float32
}

func (f *fakeRetriever) Search(_ context.Context, vec []float32, k int, minSimilarity float64) ([]model.RetrievedDocument, error) {
	f.calls++
	f.gotK, f.gotMin = k, minSimilarity
	f.gotVecs = append(f.gotVecs, vec)
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

type fakeGenerator struct {
	mu            sync.Mutex
	generate      func(prompt string) (string, error)
	fragments     []string
	streamErr     error
	prompts       []string
	streamPrompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.generate == nil {
		return "", errors.New("unexpected Generate call")
	}
	return f.generate(prompt)
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	f.mu.Lock()
	f.streamPrompts = append(f.streamPrompts, prompt)
	f.mu.Unlock()
	return func(yield func(string, error) bool) {
		for _, frag := range f.fragments {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield("", f.streamErr)
		}
	}
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts) + len(f.streamPrompts)
}

type fakeStore struct {
	mu      sync.Mutex
	trace   *events
	audits  []model.AuditRecord
	actions []model.ActionLogRecord
}

func (f *fakeStore) UpsertAudit(_ context.Context, rec model.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, rec)
	if f.trace != nil {
		f.trace.add("audit")
	}
	return nil
}

func (f *fakeStore) InsertActionLog(_ context.Context, rec model.ActionLogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, rec)
	if f.trace != nil {
		f.trace.add("action:" + string(rec.Status))
	}
	return nil
}

type harness struct {
	embedder  *fakeEmbedder
	retriever *fakeRetriever
	generator *fakeGenerator
	store     *fakeStore
	session   *Session
}

func newHarness(t *testing.T, cfg EngineConfig) *harness {
	t.Helper()
	h := &harness{
		embedder:  &fakeEmbedder{},
		retriever: &fakeRetriever{},
		generator: &fakeGenerator{fragments: []string{"ok"}},
		store:     &fakeStore{},
	}
	if cfg.TopK == 0 {
		cfg.TopK = 3
	}
	if cfg.MinSimilarity == 0 {
		cfg.MinSimilarity = 0.5
	}
	engine := NewEngine(h.embedder, h.retriever, h.generator, cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.session = NewSession(engine, actionlog.New(h.store, nil), logger)
	return h
}

// drain consumes a stream and returns the fragments and the terminal error.
func drain(st *Stream) ([]string, error) {
	var frags []string
	for frag, err := range st.All() {
		if err != nil {
			return frags, err
		}
		frags = append(frags, frag)
	}
	return frags, nil
}

var refundDoc = model.RetrievedDocument{ID: "refunds", Content: "Refunds within 30 days.", Similarity: 0.92}

func TestNext(t *testing.T) {
	tests := []struct {
		name      string
		step      Step
		ev        Event
		reasoning bool
		want      Step
	}{
		{"start", StepStart, EventOK, false, StepRetrieveDocs},
		{"retrieve direct", StepRetrieveDocs, EventOK, false, StepDirectAnswer},
		{"retrieve reasoning", StepRetrieveDocs, EventOK, true, StepReasoning},
		{"reasoning to final", StepReasoning, EventOK, true, StepFinalAnswer},
		{"direct done", StepDirectAnswer, EventOK, false, StepDone},
		{"final done", StepFinalAnswer, EventOK, true, StepDone},
		{"retrieve fails", StepRetrieveDocs, EventFailed, false, StepFailed},
		{"reasoning fails", StepReasoning, EventFailed, true, StepFailed},
		{"done absorbs", StepDone, EventFailed, false, StepDone},
		{"failed absorbs", StepFailed, EventOK, true, StepFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Next(tt.step, tt.ev, tt.reasoning))
		})
	}
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "retrieve_docs", StepRetrieveDocs.String())
	assert.Equal(t, "reasoning_step", StepReasoning.String())
	assert.Equal(t, "unknown", Step(42).String())
}

func TestRefundPolicyDirectAnswer(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.retriever.docs = []model.RetrievedDocument{refundDoc}
	h.generator.fragments = []string{"Refunds are accepted ", "within 30 days."}

	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "What is the refund policy?"})
	frags, err := drain(st)
	require.NoError(t, err)
	assert.Equal(t, "Refunds are accepted within 30 days.", strings.Join(frags, ""))

	want := DefaultPrompts().System +
		"\nContext for question:\n - Refunds within 30 days.\n\nQuestion: What is the refund policy?"
	require.Len(t, h.generator.streamPrompts, 1)
	assert.Equal(t, want, h.generator.streamPrompts[0])
	assert.Equal(t, 3, h.retriever.gotK)
	assert.InDelta(t, 0.5, h.retriever.gotMin, 1e-9)

	require.Len(t, h.store.actions, 1)
	rec := h.store.actions[0]
	assert.Equal(t, model.ActionChat, rec.ActionType)
	assert.Equal(t, model.ResourceLLM, rec.ResourceType)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	require.NotNil(t, rec.ResourceID)
	assert.Equal(t, st.ChatID().String(), *rec.ResourceID)
	assert.Nil(t, rec.ErrorMessage)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.ResponseData, &resp))
	assert.Equal(t, "Refunds are accepted within 30 days.", resp["answer"])
	assert.Nil(t, resp["reasoning"])

	require.Len(t, h.store.audits, 1)
	audit := h.store.audits[0]
	assert.Equal(t, st.ChatID(), audit.ChatID)
	assert.Equal(t, []string{"Refunds within 30 days."}, audit.RetrievedDocs)
	assert.Equal(t, "Refunds are accepted within 30 days.", audit.Response)
	assert.Nil(t, audit.Reasoning)

	out, ok := st.Outcome()
	require.True(t, ok)
	assert.Equal(t, model.StatusSuccess, out.Status)
	assert.Nil(t, out.Reasoning)
	assert.NotNil(t, out.FirstTokenLatency)
}

func TestEmptyRetrievalSucceeds(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.generator.fragments = []string{"I do not know."}

	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "Who founded the company?"})
	_, err := drain(st)
	require.NoError(t, err)

	assert.True(t, strings.Contains(h.generator.streamPrompts[0], "\nContext for question:\n - \n\nQuestion: Who founded the company?"))
	require.Len(t, h.store.actions, 1)
	assert.Equal(t, model.StatusSuccess, h.store.actions[0].Status)
	require.Len(t, h.store.audits, 1)
	assert.NotNil(t, h.store.audits[0].RetrievedDocs)
	assert.Empty(t, h.store.audits[0].RetrievedDocs)
}

func TestEmbeddingFailureAbortsBeforeGeneration(t *testing.T) {
	h := newHarness(t, EngineConfig{ConfidenceEnabled: true})
	h.embedder.err = errors.New("quota exceeded")

	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "What is the refund policy?"})

	var results []error
	for frag, err := range st.All() {
		assert.Empty(t, frag)
		results = append(results, err)
	}
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0], model.ErrEmbedding)
	assert.ErrorContains(t, results[0], "quota exceeded")

	assert.Equal(t, 0, h.retriever.calls)
	assert.Equal(t, 0, h.generator.calls())
	assert.Empty(t, h.store.audits)
	require.Len(t, h.store.actions, 1)
	rec := h.store.actions[0]
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, model.ResourceLLM, rec.ResourceType)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "quota exceeded")
	assert.JSONEq(t, `{"step":"retrieve_docs"}`, string(rec.ExtraInfo))

	out, ok := st.Outcome()
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, out.Status)
}

func TestRetrievalFailure(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.retriever.err = errors.New("connection refused")

	_, err := drain(h.session.Start(context.Background(), model.ConversationRequest{Query: "q"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRetrieval)
	assert.Equal(t, model.ErrCodeRetrievalFailed, model.ErrorCode(err))
	assert.Equal(t, 0, h.generator.calls())
	require.Len(t, h.store.actions, 1)
	assert.Equal(t, model.StatusFailed, h.store.actions[0].Status)
}

func TestReasoningPath(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.retriever.docs = []model.RetrievedDocument{refundDoc}
	h.generator.generate = func(string) (string, error) { return "Policy says 30 days.", nil }
	h.generator.fragments = []string{"30 days."}

	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "Refund window?", EnableReasoning: true})
	_, err := drain(st)
	require.NoError(t, err)

	require.Len(t, h.generator.prompts, 1)
	assert.Contains(t, h.generator.prompts[0], "Refunds within 30 days.")
	assert.Contains(t, h.generator.prompts[0], "step by step")

	require.Len(t, h.generator.streamPrompts, 1)
	final := h.generator.streamPrompts[0]
	assert.Contains(t, final, "Policy says 30 days.")
	assert.Contains(t, final, "Question: Refund window?")
	assert.NotContains(t, final, "Refunds within 30 days.")

	require.Len(t, h.store.audits, 1)
	require.NotNil(t, h.store.audits[0].Reasoning)
	assert.Equal(t, "Policy says 30 days.", *h.store.audits[0].Reasoning)
	assert.Equal(t, "30 days.", h.store.audits[0].Response)
}

func TestReasoningFailure(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.generator.generate = func(string) (string, error) { return "", errors.New("model overloaded") }

	_, err := drain(h.session.Start(context.Background(), model.ConversationRequest{Query: "q", EnableReasoning: true}))
	require.ErrorIs(t, err, model.ErrGeneration)
	assert.Empty(t, h.generator.streamPrompts)
	require.Len(t, h.store.actions, 1)
	assert.JSONEq(t, `{"step":"reasoning_step"}`, string(h.store.actions[0].ExtraInfo))
}

func TestGenerationFailureMidStream(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.generator.fragments = []string{"Refunds ", "are"}
	h.generator.streamErr = errors.New("stream reset")

	frags, err := drain(h.session.Start(context.Background(), model.ConversationRequest{Query: "q"}))
	assert.Equal(t, []string{"Refunds ", "are"}, frags)
	require.ErrorIs(t, err, model.ErrGeneration)
	assert.Empty(t, h.store.audits)
	require.Len(t, h.store.actions, 1)
	assert.Equal(t, model.StatusFailed, h.store.actions[0].Status)
}

func TestWrappedCanceledFromProviderIsAFailure(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.generator.streamErr = fmt.Errorf("provider: stream reset: %w", context.Canceled)

	_, err := drain(h.session.Start(context.Background(), model.ConversationRequest{Query: "q"}))
	require.ErrorIs(t, err, model.ErrGeneration)
	assert.Empty(t, h.store.audits)
	require.Len(t, h.store.actions, 1)
	assert.Equal(t, model.StatusFailed, h.store.actions[0].Status)
	require.NotNil(t, h.store.actions[0].ErrorMessage)
	assert.Contains(t, *h.store.actions[0].ErrorMessage, "stream reset")
}

func TestAuditWrittenAfterLastFragment(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	trace := &events{}
	h.store.trace = trace
	h.generator.fragments = []string{"a", "b"}

	for frag, err := range h.session.Start(context.Background(), model.ConversationRequest{Query: "q"}).All() {
		require.NoError(t, err)
		trace.add("frag:" + frag)
	}
	assert.Equal(t, []string{"frag:a", "frag:b", "audit", "action:success"}, trace.list())
}

func TestStreamReuse(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "q"})
	_, err := drain(st)
	require.NoError(t, err)
	require.Len(t, h.store.actions, 1)

	var results []error
	for frag, err := range st.All() {
		assert.Empty(t, frag)
		results = append(results, err)
	}
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0], model.ErrStreamReuse)
	assert.Len(t, h.store.actions, 1)
	assert.Len(t, h.store.audits, 1)
}

func TestStreamReuseAfterFailure(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.embedder.err = errors.New("down")
	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "q"})
	_, err := drain(st)
	require.ErrorIs(t, err, model.ErrEmbedding)

	_, err = drain(st)
	require.ErrorIs(t, err, model.ErrStreamReuse)
	assert.Len(t, h.store.actions, 1)
	assert.Equal(t, 1, h.embedder.calls)
}

func TestStartIsLazy(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "q"})
	assert.Equal(t, 0, h.embedder.calls)
	_, ok := st.Outcome()
	assert.False(t, ok)
}

func TestEarlyStopSkipsLogging(t *testing.T) {
	h := newHarness(t, EngineConfig{ConfidenceEnabled: true})
	h.generator.fragments = []string{"a", "b", "c"}
	h.generator.generate = func(string) (string, error) { return "0.9", nil }

	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "q"})
	var got []string
	for frag, err := range st.All() {
		require.NoError(t, err)
		got = append(got, frag)
		break
	}
	assert.Equal(t, []string{"a"}, got)
	assert.Empty(t, h.store.actions)
	assert.Empty(t, h.store.audits)
	assert.Empty(t, h.generator.prompts, "judge must not run")
	_, ok := st.Outcome()
	assert.False(t, ok)
}

func TestCancelledContextSkipsLogging(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := drain(h.session.Start(ctx, model.ConversationRequest{Query: "q"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.store.actions)
	assert.Empty(t, h.store.audits)
}

func TestConfidenceJudge(t *testing.T) {
	h := newHarness(t, EngineConfig{ConfidenceEnabled: true})
	h.retriever.docs = []model.RetrievedDocument{refundDoc}
	h.generator.generate = func(string) (string, error) { return "Confidence: 0.85", nil }

	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "Refund window?"})
	_, err := drain(st)
	require.NoError(t, err)

	require.Len(t, h.generator.prompts, 1)
	assert.Contains(t, h.generator.prompts[0], "- [0.920] Refunds within 30 days.")
	assert.Contains(t, h.generator.prompts[0], "Answer: ok")

	out, ok := st.Outcome()
	require.True(t, ok)
	require.NotNil(t, out.Confidence)
	assert.InDelta(t, 0.85, *out.Confidence, 1e-9)
	require.NotNil(t, h.store.audits[0].Confidence)
	assert.InDelta(t, 0.85, *h.store.audits[0].Confidence, 1e-9)
}

func TestConfidenceJudgeFailureIsZero(t *testing.T) {
	h := newHarness(t, EngineConfig{ConfidenceEnabled: true})
	h.generator.generate = func(string) (string, error) { return "", errors.New("timeout") }

	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "q"})
	_, err := drain(st)
	require.NoError(t, err)

	out, _ := st.Outcome()
	require.NotNil(t, out.Confidence)
	assert.Zero(t, *out.Confidence)
	require.Len(t, h.store.actions, 1)
	assert.Equal(t, model.StatusSuccess, h.store.actions[0].Status)
}

func TestConfidenceDisabled(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "q"})
	_, err := drain(st)
	require.NoError(t, err)
	out, _ := st.Outcome()
	assert.Nil(t, out.Confidence)
	assert.Empty(t, h.generator.prompts)
}

func TestLatencies(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	h.session.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls-1) * 10 * time.Millisecond)
	}

	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "q"})
	_, err := drain(st)
	require.NoError(t, err)

	out, _ := st.Outcome()
	require.NotNil(t, out.FirstTokenLatency)
	assert.Equal(t, 10*time.Millisecond, *out.FirstTokenLatency)
	assert.Equal(t, 20*time.Millisecond, out.TotalLatency)

	audit := h.store.audits[0]
	assert.Equal(t, int64(20), audit.LatencyMS)
	require.NotNil(t, audit.FirstTokenLatencyMS)
	assert.Equal(t, int64(10), *audit.FirstTokenLatencyMS)
	require.NotNil(t, h.store.actions[0].LatencyMS)
	assert.Equal(t, int64(20), *h.store.actions[0].LatencyMS)

	done := out.Done()
	assert.Equal(t, st.ChatID().String(), done.ChatID)
	assert.Equal(t, int64(20), done.TotalLatencyMS)
}

func TestNoFragmentsLeavesFirstTokenNil(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.generator.fragments = []string{"", ""}

	st := h.session.Start(context.Background(), model.ConversationRequest{Query: "q"})
	frags, err := drain(st)
	require.NoError(t, err)
	assert.Empty(t, frags)

	out, _ := st.Outcome()
	assert.Nil(t, out.FirstTokenLatency)
	assert.Equal(t, "", out.Answer)
	assert.Nil(t, h.store.audits[0].FirstTokenLatencyMS)
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0.8", 0.8},
		{" 1.0\n", 1},
		{"Score: .75 out of 1", 0.75},
		{"0", 0},
		{"1.5", 0},
		{"-0.2", 0},
		{"high", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.InDelta(t, tt.want, ParseConfidence(tt.in), 1e-9)
		})
	}
}
