package plkkb

import (
	"log/slog"
	"time"
)

// Option configures an Engine.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger                 *slog.Logger
	databaseURL            string
	bleveIndexPath         string
	qdrantURL              string
	modelVersion           string
	defaultTopK            int
	integrityBatchInterval time.Duration

	lexicalBackend    LexicalBackend
	vectorBackend     VectorBackend
	embeddingProvider EmbeddingProvider
	metadataGateway   MetadataGateway
	auditSink         AuditSink
}

// WithLogger sets the structured logger for the Engine.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithBleveIndexPath overrides the on-disk path of the lexical index
// (PLKKB_BLEVE_INDEX_PATH env var). An empty string is ignored and the
// configured path stays in effect; this option does not select an
// in-memory index.
func WithBleveIndexPath(path string) Option {
	return func(o *resolvedOptions) { o.bleveIndexPath = path }
}

// WithQdrantURL overrides the Qdrant endpoint from config (QDRANT_URL env var).
func WithQdrantURL(url string) Option {
	return func(o *resolvedOptions) { o.qdrantURL = url }
}

// WithModelVersion sets the embedding model identifier recorded on
// SEARCH_EXECUTED audit events.
func WithModelVersion(version string) Option {
	return func(o *resolvedOptions) { o.modelVersion = version }
}

// WithDefaultTopK overrides the default result count used when HybridSearch
// is called with topK <= 0.
func WithDefaultTopK(topK int) Option {
	return func(o *resolvedOptions) { o.defaultTopK = topK }
}

// WithIntegrityBatchInterval overrides how often the Merkle batcher anchors
// a root over audit events written since the last batch.
func WithIntegrityBatchInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.integrityBatchInterval = d }
}

// WithLexicalBackend replaces the auto-detected Bleve lexical index.
func WithLexicalBackend(b LexicalBackend) Option {
	return func(o *resolvedOptions) { o.lexicalBackend = b }
}

// WithVectorBackend replaces the auto-detected Qdrant vector index.
func WithVectorBackend(b VectorBackend) Option {
	return func(o *resolvedOptions) { o.vectorBackend = b }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider (Ollama/OpenAI/noop).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithMetadataGateway replaces the built-in Postgres catalog.
func WithMetadataGateway(g MetadataGateway) Option {
	return func(o *resolvedOptions) { o.metadataGateway = g }
}

// WithAuditSink replaces the built-in Postgres audit log.
// The Merkle batcher is disabled when this option is used, since it is
// defined over the built-in audit_log/audit_merkle_batches tables.
func WithAuditSink(s AuditSink) Option {
	return func(o *resolvedOptions) { o.auditSink = s }
}
