package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kotae/internal/actionlog"
	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/ratelimit"
	"github.com/ashita-ai/kotae/internal/service/chat"
	"github.com/ashita-ai/kotae/internal/service/knowledge"
)

// RecordReader is the read side of the record store plus the feedback write.
// Both the Postgres and SQLite stores implement it.
type RecordReader interface {
	Ping(ctx context.Context) error
	GetAudit(ctx context.Context, chatID uuid.UUID) (model.AuditRecord, error)
	SetAuditFeedback(ctx context.Context, chatID uuid.UUID, feedback string) error
	ListActionLogs(ctx context.Context, f model.ActionLogFilter) ([]model.ActionLogSummary, error)
	GetActionLog(ctx context.Context, id uuid.UUID) (model.ActionLogRecord, error)
}

// HealthChecker reports whether the vector index is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Server is the kotae HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Index, Broker, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Records   RecordReader
	Chat      *chat.Session
	Knowledge *knowledge.Service
	Actions   *actionlog.Logger
	JWTMgr    *auth.JWTManager
	AdminKey  *auth.AdminKey
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Index     HealthChecker
	Broker    *Broker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// VectorIndexName is reported by /health when Index is nil.
	VectorIndexName string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Records:             cfg.Records,
		Chat:                cfg.Chat,
		Knowledge:           cfg.Knowledge,
		Actions:             cfg.Actions,
		JWTMgr:              cfg.JWTMgr,
		AdminKey:            cfg.AdminKey,
		Index:               cfg.Index,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		VectorIndexName:     cfg.VectorIndexName,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	chatRL := ratelimit.Middleware(limiter, "chat", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	searchRL := ratelimit.Middleware(limiter, "search", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Public routes, rate limited by client IP.
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.Handle("POST /chat", chatRL(http.HandlerFunc(h.HandleChat)))
	mux.Handle("POST /knowledge/search", searchRL(http.HandlerFunc(h.HandleSearch)))

	// Admin routes.
	mux.Handle("POST /knowledge/update", requireAdmin(http.HandlerFunc(h.HandleUpsertDocuments)))
	mux.Handle("DELETE /knowledge/{doc_id}", requireAdmin(http.HandlerFunc(h.HandleDeleteDocument)))
	mux.Handle("GET /knowledge", requireAdmin(http.HandlerFunc(h.HandleListDocuments)))
	mux.Handle("GET /logs", requireAdmin(http.HandlerFunc(h.HandleListActionLogs)))
	mux.Handle("GET /logs/subscribe", requireAdmin(http.HandlerFunc(h.HandleSubscribe)))
	mux.Handle("GET /logs/{log_id}", requireAdmin(http.HandlerFunc(h.HandleGetActionLog)))
	mux.Handle("GET /audit/{chat_id}", requireAdmin(http.HandlerFunc(h.HandleGetAudit)))
	mux.Handle("POST /audit/{chat_id}/feedback", requireAdmin(http.HandlerFunc(h.HandleAuditFeedback)))

	// MCP StreamableHTTP transport, same access as /chat.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", chatRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
