package plkkb

import (
	"context"
)

// LexicalBackend performs keyword/BM25-style retrieval over chunk content.
// When provided via WithLexicalBackend, replaces the auto-detected Bleve index.
type LexicalBackend interface {
	Search(ctx context.Context, query string, topK int, allowedDocs map[string]bool) ([]ScoredChunk, error)
}

// VectorBackend performs nearest-neighbour retrieval over chunk embeddings.
// When provided via WithVectorBackend, replaces the auto-detected Qdrant index.
type VectorBackend interface {
	Search(ctx context.Context, embedding []float32, topK int, allowedDocs map[string]bool) ([]ScoredChunk, error)
}

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces auto-detected Ollama/OpenAI/noop.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// MetadataGateway is the read-only catalog surface the engine needs: access
// rules per document, and chunk-to-document lineage for hydration.
// When provided via WithMetadataGateway, replaces the built-in Postgres catalog.
type MetadataGateway interface {
	FetchDocumentsWithRules(ctx context.Context, documentIDs []string) ([]Document, error)
	GetChunkWithDocument(ctx context.Context, chunkID string) (ChunkLineage, error)
}

// AuditSink records one audit event. Implementations must be synchronous and
// fail-closed: a failed write must return an error so the query aborts
// rather than returning results that were never recorded.
// When provided via WithAuditSink, replaces the built-in Postgres audit log.
type AuditSink interface {
	InsertAuditLog(ctx context.Context, e AuditLogEntry) error
}
