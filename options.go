package kotae

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string
	embedder    Embedder
	generator   Generator
	retriever   Retriever
	diagnostics Diagnostics
}

// WithPort overrides the TCP port from config (KOTAE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// LISTEN/NOTIFY needs a direct connection, so set this when queries go through a pooler.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(e Embedder) Option {
	return func(o *resolvedOptions) { o.embedder = e }
}

// WithGenerator replaces the configured language model.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}

// WithRetriever replaces pgvector or Qdrant retrieval. Document writes still
// go to the configured record store.
func WithRetriever(r Retriever) Option {
	return func(o *resolvedOptions) { o.retriever = r }
}

// WithDiagnostics adds a sink for dropped audit and action log writes. Dropped
// writes are always logged; this receives them as well.
func WithDiagnostics(d Diagnostics) Option {
	return func(o *resolvedOptions) { o.diagnostics = d }
}
