package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAIServer(t *testing.T, chunks []string, done bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req openAIChatRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) || !assert.Len(t, req.Messages, 1) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if !req.Stream {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "echo: " + req.Messages[0].Content}}},
			})
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			b, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": c}}},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		}
		if done {
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIGenerate(t *testing.T) {
	srv := openAIServer(t, nil, true)
	g, err := NewOpenAIGenerator("sk-test", Options{Temperature: 0.2})
	require.NoError(t, err)
	g.WithBaseURL(srv.URL)

	out, err := g.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)
}

func TestOpenAIGenerateStream(t *testing.T) {
	srv := openAIServer(t, []string{"Refunds ", "", "within ", "30 days."}, true)
	g, err := NewOpenAIGenerator("sk-test", Options{})
	require.NoError(t, err)
	g.WithBaseURL(srv.URL)

	var frags []string
	for frag, err := range g.GenerateStream(context.Background(), "q") {
		require.NoError(t, err)
		frags = append(frags, frag)
	}
	assert.Equal(t, []string{"Refunds ", "within ", "30 days."}, frags)
}

func TestOpenAIGenerateStreamTruncated(t *testing.T) {
	srv := openAIServer(t, []string{"partial"}, false)
	g, err := NewOpenAIGenerator("sk-test", Options{})
	require.NoError(t, err)
	g.WithBaseURL(srv.URL)

	out, err := Collect(g.GenerateStream(context.Background(), "q"))
	assert.Equal(t, "partial", out)
	assert.ErrorContains(t, err, "without [DONE]")
}

func TestOpenAIStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator("sk-test", Options{})
	require.NoError(t, err)
	g.WithBaseURL(srv.URL)

	_, err = g.Generate(context.Background(), "q")
	assert.ErrorContains(t, err, "status 429")

	n := 0
	for frag, err := range g.GenerateStream(context.Background(), "q") {
		n++
		assert.Empty(t, frag)
		assert.ErrorContains(t, err, "status 429")
	}
	assert.Equal(t, 1, n, "a failed stream yields exactly one error")
}

func ollamaServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		assert.InDelta(t, 0.2, req.Options.Temperature, 1e-9)

		if !req.Stream {
			_ = json.NewEncoder(w).Encode(ollamaChatResponse{
				Message: ollamaChatMessage{Role: "assistant", Content: "0.85"},
				Done:    true,
			})
			return
		}
		for _, l := range lines {
			_, _ = fmt.Fprintln(w, l)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaGenerate(t *testing.T) {
	srv := ollamaServer(t, nil)
	g := NewOllamaGenerator(srv.URL, Options{Model: "llama3.2", Temperature: 0.2})

	out, err := g.Generate(context.Background(), "rate this")
	require.NoError(t, err)
	assert.Equal(t, "0.85", out)
}

func TestOllamaGenerateStream(t *testing.T) {
	srv := ollamaServer(t, []string{
		`{"message":{"role":"assistant","content":"Refunds "},"done":false}`,
		``,
		`{"message":{"role":"assistant","content":"within 30 days."},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	})
	g := NewOllamaGenerator(srv.URL, Options{Temperature: 0.2})

	out, err := Collect(g.GenerateStream(context.Background(), "q"))
	require.NoError(t, err)
	assert.Equal(t, "Refunds within 30 days.", out)
}

func TestOllamaGenerateStreamError(t *testing.T) {
	srv := ollamaServer(t, []string{
		`{"message":{"role":"assistant","content":"Ref"},"done":false}`,
		`{"error":"model crashed"}`,
	})
	g := NewOllamaGenerator(srv.URL, Options{Temperature: 0.2})

	out, err := Collect(g.GenerateStream(context.Background(), "q"))
	assert.Equal(t, "Ref", out)
	assert.ErrorContains(t, err, "model crashed")
}

func TestOllamaGenerateStreamEarlyStop(t *testing.T) {
	srv := ollamaServer(t, []string{
		`{"message":{"content":"a"},"done":false}`,
		`{"message":{"content":"b"},"done":false}`,
		`{"message":{"content":"c"},"done":true}`,
	})
	g := NewOllamaGenerator(srv.URL, Options{Temperature: 0.2})

	var got []string
	for frag, err := range g.GenerateStream(context.Background(), "q") {
		require.NoError(t, err)
		got = append(got, frag)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestStatic(t *testing.T) {
	s := Static{Text: "no model configured"}
	out, err := Collect(s.GenerateStream(context.Background(), "q"))
	require.NoError(t, err)
	assert.Equal(t, "no model configured", out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Collect(s.GenerateStream(ctx, "q"))
	assert.ErrorIs(t, err, context.Canceled)
}
