package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kotae/internal/actionlog"
	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/service/chat"
	"github.com/ashita-ai/kotae/internal/service/knowledge"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	records             RecordReader
	chat                *chat.Session
	knowledge           *knowledge.Service
	actions             *actionlog.Logger
	jwtMgr              *auth.JWTManager
	adminKey            *auth.AdminKey
	index               HealthChecker
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	vectorIndexName     string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Index, Broker.
type HandlersDeps struct {
	Records             RecordReader
	Chat                *chat.Session
	Knowledge           *knowledge.Service
	Actions             *actionlog.Logger
	JWTMgr              *auth.JWTManager
	AdminKey            *auth.AdminKey
	Index               HealthChecker
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	VectorIndexName     string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		records:             d.Records,
		chat:                d.Chat,
		knowledge:           d.Knowledge,
		actions:             d.Actions,
		jwtMgr:              d.JWTMgr,
		adminKey:            d.AdminKey,
		index:               d.Index,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		vectorIndexName:     d.VectorIndexName,
	}
}

// HandleAuthToken handles POST /auth/token. The admin API key is the only
// credential; a match yields an admin JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}
	if h.adminKey == nil || !h.adminKey.Verify(req.APIKey) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken("admin", auth.RoleAdmin)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleSubscribe handles GET /logs/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connection: lift the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	resp := model.HealthResponse{
		Version:     h.version,
		RecordStore: "connected",
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}
	if err := h.records.Ping(r.Context()); err != nil {
		resp.RecordStore = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err == nil {
			resp.VectorIndex = "connected"
		} else {
			resp.VectorIndex = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		resp.VectorIndex = h.vectorIndexName
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	resp.Status = status
	writeJSON(w, r, httpStatus, resp)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// queryInt parses a non-negative integer query parameter. Absent means def.
func queryInt(r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
