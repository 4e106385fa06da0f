package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/model"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("limiter broken")
}
func (failingLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.RemoteAddr = remote
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareLimitsPerIP(t *testing.T) {
	tb, _ := newTestBucket(t, 1, 2)
	h := Middleware(tb, "chat", IPKeyFunc, func(*http.Request) string { return "req-1" }, discard())(okHandler())

	assert.Equal(t, http.StatusOK, serve(h, "192.168.1.1:1000").Code)
	assert.Equal(t, http.StatusOK, serve(h, "192.168.1.1:1001").Code)

	rec := serve(h, "192.168.1.1:1002")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	assert.Equal(t, http.StatusOK, serve(h, "192.168.1.2:1000").Code, "other clients keep their own bucket")
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(failingLimiter{}, "chat", IPKeyFunc, nil, discard())(okHandler())
	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:1").Code)
}

func TestMiddlewareNilLimiter(t *testing.T) {
	h := Middleware(nil, "chat", IPKeyFunc, nil, discard())(okHandler())
	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:1").Code)
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct{ remote, want string }{
		{"192.168.1.1:1234", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"unix-socket", "unix-socket"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		assert.Equal(t, tt.want, IPKeyFunc(r))
	}
}
