package plkkb

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/jameslatto-droid/plk-kb/internal/audit"
	"github.com/jameslatto-droid/plk-kb/internal/authority"
	"github.com/jameslatto-droid/plk-kb/internal/config"
	"github.com/jameslatto-droid/plk-kb/internal/model"
	"github.com/jameslatto-droid/plk-kb/internal/orchestrator"
	"github.com/jameslatto-droid/plk-kb/internal/search"
	"github.com/jameslatto-droid/plk-kb/internal/service/embedding"
	"github.com/jameslatto-droid/plk-kb/internal/storage"
	"github.com/jameslatto-droid/plk-kb/internal/telemetry"
	"github.com/jameslatto-droid/plk-kb/migrations"
)

// Engine is a ready-to-use hybrid search service: a lexical index, an
// optional vector index, an embedding provider, a Postgres catalog, and an
// append-only audit log, wired together behind one HybridSearch call.
type Engine struct {
	core         *orchestrator.Engine
	db           *storage.DB
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	bleveIndex   *search.LexicalIndex
	merkle       *audit.MerkleBatcher
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
}

// New initializes an Engine: it connects to the catalog, runs migrations,
// opens or builds the lexical and vector indexes, and wires the Authority
// Engine and Audit Logger together. It does not start the Merkle batching
// loop — call Run for that.
func New(opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("plkkb: load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.bleveIndexPath != "" {
		cfg.BleveIndexPath = o.bleveIndexPath
	}
	if o.qdrantURL != "" {
		cfg.QdrantURL = o.qdrantURL
	}
	modelVersion := o.modelVersion
	if modelVersion == "" {
		modelVersion = cfg.EmbeddingModel
	}
	defaultTopK := o.defaultTopK
	if defaultTopK <= 0 {
		defaultTopK = cfg.DefaultTopK
	}
	integrityInterval := o.integrityBatchInterval
	if integrityInterval <= 0 {
		integrityInterval = cfg.IntegrityBatchInterval
	}

	logger.Info("plk-kb starting", "embedding_model", modelVersion, "default_top_k", defaultTopK)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, modelVersion, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("plkkb: telemetry: %w", err)
	}

	var db *storage.DB
	if o.metadataGateway == nil || o.auditSink == nil {
		db, err = storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("plkkb: storage: %w", err)
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("plkkb: migrations: %w", err)
		}
	}

	var lexicalBackend LexicalBackend
	var bleveIndex *search.LexicalIndex
	if o.lexicalBackend != nil {
		lexicalBackend = o.lexicalBackend
	} else {
		bleveIndex, err = search.NewLexicalIndex(cfg.BleveIndexPath)
		if err != nil {
			closeAll(db, nil, otelShutdown)
			return nil, fmt.Errorf("plkkb: lexical index: %w", err)
		}
		lexicalBackend = bleveIndex
	}

	var embedder EmbeddingProvider
	if o.embeddingProvider != nil {
		embedder = o.embeddingProvider
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	var vectorBackend VectorBackend
	var qdrantIndex *search.QdrantIndex
	if o.vectorBackend != nil {
		vectorBackend = o.vectorBackend
	} else if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			closeAll(db, bleveIndex, otelShutdown)
			return nil, fmt.Errorf("plkkb: qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			closeAll(db, bleveIndex, otelShutdown)
			return nil, fmt.Errorf("plkkb: qdrant ensure collection: %w", err)
		}
		vectorBackend = qdrantIndex
		logger.Info("vector backend: qdrant enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Warn("vector backend: disabled (no QDRANT_URL)", "effect", "semantic leg of hybrid search will return zero results")
		vectorBackend = noopVectorBackend{}
	}

	var gateway MetadataGateway
	if o.metadataGateway != nil {
		gateway = o.metadataGateway
	} else {
		gateway = db
	}

	var auditSink AuditSink
	if o.auditSink != nil {
		auditSink = o.auditSink
	} else {
		auditSink = db
	}
	auditLogger := audit.New(auditSink)

	authEngine := authority.New(gateway, auditLogger)
	core := orchestrator.New(lexicalBackend, vectorBackend, embedder, authEngine, gateway, auditLogger, modelVersion, defaultTopK)

	var merkle *audit.MerkleBatcher
	if db != nil && o.auditSink == nil {
		merkle = audit.NewMerkleBatcher(db, logger, integrityInterval)
	}

	return &Engine{
		core:         core,
		db:           db,
		qdrantIndex:  qdrantIndex,
		bleveIndex:   bleveIndex,
		merkle:       merkle,
		otelShutdown: otelShutdown,
		logger:       logger,
	}, nil
}

// HybridSearch runs one hybrid lexical/semantic search, authorized against
// authCtx and fully audited. A new query_id is generated for every call.
// topK <= 0 uses the engine's configured default.
func (e *Engine) HybridSearch(ctx context.Context, query string, authCtx AuthorityContext, topK int) (Response, error) {
	return e.core.HybridSearch(ctx, query, authCtx, topK, "")
}

// HybridSearchWithQueryID is HybridSearch with a caller-supplied query_id,
// for correlating with an upstream request id.
func (e *Engine) HybridSearchWithQueryID(ctx context.Context, query string, authCtx AuthorityContext, topK int, queryID string) (Response, error) {
	return e.core.HybridSearch(ctx, query, authCtx, topK, queryID)
}

// Run starts the Merkle batching loop and blocks until ctx is cancelled.
// Safe to call in a goroutine. A no-op when the Engine was constructed with
// a custom AuditSink, since Merkle batching is defined over the built-in
// audit_log/audit_merkle_batches tables.
func (e *Engine) Run(ctx context.Context) error {
	if e.merkle == nil {
		<-ctx.Done()
		return nil
	}
	e.merkle.Run(ctx)
	return nil
}

// Shutdown releases the Engine's resources: the lexical index, the vector
// index, the catalog connection pool, and the telemetry exporter.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if e.bleveIndex != nil {
		if err := e.bleveIndex.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.qdrantIndex != nil {
		if err := e.qdrantIndex.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.db != nil {
		e.db.Close()
	}
	if e.otelShutdown != nil {
		if err := e.otelShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("plkkb: shutdown: %v", errs)
	}
	return nil
}

func closeAll(db *storage.DB, bleve *search.LexicalIndex, otelShutdown telemetry.Shutdown) {
	if bleve != nil {
		_ = bleve.Close()
	}
	if db != nil {
		db.Close()
	}
	if otelShutdown != nil {
		_ = otelShutdown(context.Background())
	}
}

// newEmbeddingProvider auto-detects an embedding provider from config: an
// OpenAI API key takes priority, then a reachable Ollama instance, falling
// back to a dimension-matched noop provider so the engine still starts
// (with degraded semantic search) in local/offline development.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		if err != nil {
			logger.Warn("embedding provider: openai init failed, falling back to noop", "error", err)
			return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		}
		return p
	case "ollama":
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	case "noop":
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	default: // "auto"
		if cfg.OpenAIAPIKey != "" {
			if p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions); err == nil {
				logger.Info("embedding provider: openai (auto-detected)")
				return p
			}
		}
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
		}
		logger.Warn("embedding provider: none detected, using noop", "effect", "semantic search will return zero results")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}
}

func ollamaReachable(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// noopVectorBackend stands in for the Vector Backend when no Qdrant URL is
// configured and no override was supplied. It always returns an empty
// result list so the lexical leg alone drives ranking, per spec §4.5's
// requirement that every result still have a semantic score (zero, here).
type noopVectorBackend struct{}

func (noopVectorBackend) Search(ctx context.Context, embedding []float32, topK int, allowedDocs map[string]bool) ([]model.ScoredChunk, error) {
	return nil, nil
}
