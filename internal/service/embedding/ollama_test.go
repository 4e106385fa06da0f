package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaServer(t *testing.T, dims int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		case "/api/embed":
		default:
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if calls != nil {
			calls.Add(1)
		}

		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != "nomic-embed-text" {
			http.Error(w, "model not found", http.StatusNotFound)
			return
		}

		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[0] = float32(i)
			resp.Embeddings[i] = vec
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEmbed(t *testing.T) {
	srv := newOllamaServer(t, 768, nil)
	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 768)

	assert.Equal(t, 768, p.Dimensions())

	vec, err := p.Embed(context.Background(), "What is the refund policy?")
	require.NoError(t, err)
	assert.Len(t, vec.Slice(), 768)
}

func TestOllamaEmbedBatchIsOneCallInOrder(t *testing.T) {
	var calls atomic.Int32
	srv := newOllamaServer(t, 8, &calls)
	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 8)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v.Slice()[0], "embeddings must stay in input order")
	}
	assert.Equal(t, int32(1), calls.Load())

	empty, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, int32(1), calls.Load(), "empty batch makes no request")
}

func TestOllamaDimensionMismatch(t *testing.T) {
	srv := newOllamaServer(t, 1024, nil)
	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 768)

	_, err := p.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := newOllamaServer(t, 768, nil)
	p := NewOllamaProvider(srv.URL, "missing-model", 768)

	_, err := p.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestReachable(t *testing.T) {
	srv := newOllamaServer(t, 4, nil)
	assert.True(t, Reachable(context.Background(), srv.URL))
	assert.False(t, Reachable(context.Background(), "http://127.0.0.1:1"))
}
