// Package kotae is the public API for embedding the kotae question answering
// server.
//
// Consumers construct an App from environment configuration plus options and
// run it until their context is cancelled:
//
//	app, err := kotae.New(
//	    kotae.WithVersion(version),
//	    kotae.WithLogger(logger),
//	    kotae.WithGenerator(myModel{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// kotae (root) imports internal/*, but internal/* never imports the root
// package. Public extension types are plain structs and interfaces with no
// internal imports; adapters live in this file.
package kotae

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kotae/internal/actionlog"
	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/mcp"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/ratelimit"
	"github.com/ashita-ai/kotae/internal/search"
	"github.com/ashita-ai/kotae/internal/server"
	"github.com/ashita-ai/kotae/internal/service/chat"
	"github.com/ashita-ai/kotae/internal/service/embedding"
	"github.com/ashita-ai/kotae/internal/service/knowledge"
	"github.com/ashita-ai/kotae/internal/service/llm"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/storage/sqlitestore"
	"github.com/ashita-ai/kotae/internal/telemetry"
	"github.com/ashita-ai/kotae/migrations"
)

// App is the kotae server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB         // nil in sqlite mode
	sqlite       *sqlitestore.Store  // nil in postgres mode
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	outbox       *search.OutboxWorker
	broker       *server.Broker // nil when no notify connection
	srv          *server.Server
	limiter      ratelimit.Limiter
	closers      []io.Closer
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It opens the record store, runs migrations,
// wires all subsystems, and returns a ready-to-run App. It does not start
// any goroutines or accept HTTP connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kotae starting", "version", version, "port", cfg.Port,
		"record_store", cfg.RecordStore, "vector_backend", cfg.VectorBackend)

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown

	fail := func(err error) (*App, error) {
		a.release()
		return nil, err
	}

	// Record store.
	var (
		records   server.RecordReader
		docs      knowledge.DocumentStore
		actionsDB actionlog.RecordStore
	)
	switch cfg.RecordStore {
	case config.RecordStoreSQLite:
		a.sqlite, err = sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("sqlite: %w", err))
		}
		records, docs, actionsDB = a.sqlite, a.sqlite, a.sqlite
		logger.Info("record store: sqlite", "path", cfg.SQLitePath)
	default:
		a.db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
			return fail(fmt.Errorf("migrations: %w", err))
		}
		records, docs, actionsDB = a.db, a.db, a.db
		logger.Info("record store: postgres")
	}

	// Embedding provider: external override takes priority over config.
	var embedder embedding.Provider
	if o.embedder != nil {
		embedder = &embedderAdapter{e: o.embedder}
	} else {
		embedder, err = a.newEmbeddingProvider(ctx)
		if err != nil {
			return fail(fmt.Errorf("embedding: %w", err))
		}
	}

	var generator llm.Generator = o.generator
	if generator == nil {
		generator, err = a.newGenerator(ctx)
		if err != nil {
			return fail(fmt.Errorf("llm: %w", err))
		}
	}

	// Vector index and retrieval.
	var (
		retriever search.Retriever
		indexer   search.Indexer
		health    server.HealthChecker
	)
	switch cfg.VectorBackend {
	case config.VectorBackendQdrant:
		a.qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(embedder.Dimensions()), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		if err := a.qdrantIndex.EnsureCollection(ctx); err != nil {
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		retriever, health = a.qdrantIndex, a.qdrantIndex
		if a.db != nil {
			// Documents reach Qdrant through the transactional outbox.
			a.db.EnableSearchOutbox()
			a.outbox = search.NewOutboxWorker(a.db.Pool(), a.qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		} else {
			indexer = a.qdrantIndex
		}
		logger.Info("vector index: qdrant", "collection", cfg.QdrantCollection, "outbox", a.outbox != nil)
	default:
		retriever = search.NewPgvectorRetriever(a.db)
		logger.Info("vector index: pgvector")
	}
	if o.retriever != nil {
		retriever = &retrieverAdapter{r: o.retriever}
	}

	prompts, err := chat.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		return fail(err)
	}

	var diag actionlog.Diagnostics = actionlog.NewSlogDiagnostics(logger)
	if o.diagnostics != nil {
		diag = diagnosticsFanout{diag, o.diagnostics}
	}
	actions := actionlog.New(actionsDB, diag)

	engine := chat.NewEngine(embedder, retriever, generator, chat.EngineConfig{
		TopK:              cfg.TopK,
		MinSimilarity:     cfg.MinSimilarity,
		ConfidenceEnabled: cfg.ConfidenceEnabled,
		Prompts:           prompts,
	})
	session := chat.NewSession(engine, actions, logger)
	knowledgeSvc := knowledge.New(docs, embedder, retriever, indexer, actions, logger, knowledge.Config{
		TopK:          cfg.TopK,
		MinSimilarity: cfg.MinSimilarity,
	})

	mcpSrv := mcp.New(session, knowledgeSvc, logger, version)

	if a.db != nil && a.db.HasNotifyConn() {
		a.broker = server.NewBroker(a.db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, logger)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	adminKey, err := auth.NewAdminKey(cfg.AdminAPIKey)
	if err != nil {
		return fail(fmt.Errorf("admin key: %w", err))
	}
	if !adminKey.Enabled() {
		logger.Warn("KOTAE_ADMIN_API_KEY not set: admin routes are unreachable")
	}

	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewTokenBucket(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: token bucket", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	indexName := cfg.VectorBackend
	if o.retriever != nil {
		indexName = "external"
	}
	a.srv = server.New(server.ServerConfig{
		Records:             records,
		Chat:                session,
		Knowledge:           knowledgeSvc,
		Actions:             actions,
		JWTMgr:              jwtMgr,
		AdminKey:            adminKey,
		Logger:              logger,
		Index:               health,
		Broker:              a.broker,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		VectorIndexName:     indexName,
	})

	return a, nil
}

// Handler returns the root HTTP handler, for tests and for embedding the API
// in another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts background workers and the HTTP server, then blocks until ctx
// is cancelled or the server fails. Shutdown is called on return.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}
	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then the search outbox, then
// closes every client and the record store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kotae shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.outbox != nil {
		outboxCtx, outboxCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownOutboxDrainTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	a.release()
	a.logger.Info("kotae stopped")
	return nil
}

// release closes everything New opened. Safe on a partially built App.
func (a *App) release() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	if a.sqlite != nil {
		_ = a.sqlite.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

func (a *App) newEmbeddingProvider(ctx context.Context) (embedding.Provider, error) {
	cfg, logger := a.cfg, a.logger
	dims := cfg.EmbeddingDimensions

	provider := cfg.EmbeddingProvider
	if provider == "auto" {
		switch {
		case cfg.GoogleAPIKey != "":
			provider = "gemini"
		case embedding.Reachable(ctx, cfg.OllamaURL):
			provider = "ollama"
		case cfg.OpenAIAPIKey != "":
			provider = "openai"
		default:
			provider = "noop"
		}
		logger.Info("embedding provider auto-detected", "provider", provider)
	}

	switch provider {
	case "gemini":
		p, err := embedding.NewGeminiProvider(ctx, cfg.GoogleAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p)
		logger.Info("embedding provider: gemini", "model", cfg.EmbeddingModel, "dimensions", dims)
		return p, nil
	case "openai":
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims), nil
	case "noop":
		logger.Warn("embedding provider: noop (retrieval will match nothing)")
		return embedding.NewNoopProvider(dims), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", provider)
	}
}

func (a *App) newGenerator(ctx context.Context) (llm.Generator, error) {
	cfg := a.cfg
	opts := llm.Options{
		Model:           cfg.LLMModel,
		Temperature:     cfg.LLMTemperature,
		MaxOutputTokens: cfg.LLMMaxOutputTokens,
		Timeout:         cfg.LLMTimeout,
	}
	a.logger.Info("llm provider", "provider", cfg.LLMProvider, "model", cfg.LLMModel)

	switch cfg.LLMProvider {
	case "openai":
		return llm.NewOpenAIGenerator(cfg.OpenAIAPIKey, opts)
	case "ollama":
		return llm.NewOllamaGenerator(cfg.OllamaURL, opts), nil
	default:
		g, err := llm.NewGeminiGenerator(ctx, cfg.GoogleAPIKey, opts)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g)
		return g, nil
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// embedderAdapter adapts a public Embedder to embedding.Provider.
type embedderAdapter struct {
	e Embedder
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.e.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.e.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vs), len(texts))
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embedderAdapter) Dimensions() int { return a.e.Dimensions() }

// retrieverAdapter adapts a public Retriever to search.Retriever and enforces
// the retrieval contract on its output.
type retrieverAdapter struct {
	r Retriever
}

func (a *retrieverAdapter) Search(ctx context.Context, vec []float32, k int, minSimilarity float64) ([]model.RetrievedDocument, error) {
	docs, err := a.r.Search(ctx, vec, k, minSimilarity)
	if err != nil {
		return nil, err
	}
	out := make([]model.RetrievedDocument, len(docs))
	for i, d := range docs {
		out[i] = model.RetrievedDocument{ID: d.ID, Content: d.Content, Similarity: d.Similarity}
	}
	return search.Clamp(out, k, minSimilarity), nil
}

// diagnosticsFanout reports to the built-in sink and to the public one.
type diagnosticsFanout struct {
	base   actionlog.Diagnostics
	public Diagnostics
}

func (d diagnosticsFanout) Report(ctx context.Context, o actionlog.Outcome) {
	d.base.Report(ctx, o)
	if o.Kind == actionlog.Dropped {
		d.public.RecordDropped(ctx, string(o.Op), o.Err)
	}
}
