package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/jameslatto-droid/plk-kb/internal/model"
)

// LexicalDocument is the indexed shape of one chunk for full-text search.
type LexicalDocument struct {
	ChunkID    string
	DocumentID string
	ArtefactID string
	Content    string
}

// bleveChunkDoc is the mapping-facing struct; bleve indexes field names
// verbatim, so this mirrors LexicalDocument with lowercase json tags.
type bleveChunkDoc struct {
	DocumentID string `json:"document_id"`
	ArtefactID string `json:"artefact_id"`
	Content    string `json:"content"`
}

// LexicalIndex implements the Lexical Backend contract (spec §4.5) over
// Bleve. Safe for concurrent use.
type LexicalIndex struct {
	mu    sync.RWMutex
	index bleve.Index
}

// NewLexicalIndex creates or opens a Bleve index. path "" creates an
// in-memory index; a non-empty path opens the on-disk index there, creating
// it if it does not exist.
func NewLexicalIndex(path string) (*LexicalIndex, error) {
	indexMapping := buildMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("search: create/open lexical index: %w", err)
	}

	return &LexicalIndex{index: idx}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = "en"
	return m
}

// IndexChunks adds or updates chunks in the index, keyed by chunk_id.
func (l *LexicalIndex) IndexChunks(ctx context.Context, docs []LexicalDocument) error {
	if len(docs) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.index.NewBatch()
	for _, d := range docs {
		doc := bleveChunkDoc{DocumentID: d.DocumentID, ArtefactID: d.ArtefactID, Content: d.Content}
		if err := batch.Index(d.ChunkID, doc); err != nil {
			return fmt.Errorf("search: index chunk %s: %w", d.ChunkID, err)
		}
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("search: execute lexical batch: %w", err)
	}
	return nil
}

// DeleteChunks removes chunks from the index by chunk_id.
func (l *LexicalIndex) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("search: delete lexical batch: %w", err)
	}
	return nil
}

// Search implements the Lexical Backend contract: full-text search over
// content, restricted to allowedDocs when non-nil. When allowedDocs is
// non-nil and empty, returns no results without querying the index.
func (l *LexicalIndex) Search(ctx context.Context, queryStr string, topK int, allowedDocs map[string]bool) ([]model.ScoredChunk, error) {
	if allowedDocs != nil && len(allowedDocs) == 0 {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("content")

	var q = bleve.Query(matchQuery)
	if allowedDocs != nil {
		docFilter := bleve.NewDisjunctionQuery()
		for docID := range allowedDocs {
			term := bleve.NewTermQuery(docID)
			term.SetField("document_id")
			docFilter.AddQuery(term)
		}
		conj := bleve.NewConjunctionQuery(matchQuery, docFilter)
		q = conj
	}

	req := bleve.NewSearchRequest(q)
	req.Size = topK
	req.Fields = []string{"document_id", "artefact_id", "content"}

	result, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: lexical query: %w", err)
	}

	out := make([]model.ScoredChunk, 0, len(result.Hits))
	for _, hit := range result.Hits {
		out = append(out, model.ScoredChunk{
			ChunkID:      hit.ID,
			DocumentID:   fieldString(hit.Fields, "document_id"),
			ArtefactID:   fieldString(hit.Fields, "artefact_id"),
			Content:      fieldString(hit.Fields, "content"),
			LexicalScore: hit.Score,
		})
	}
	return out, nil
}

func fieldString(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Close closes the underlying Bleve index.
func (l *LexicalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index.Close()
}
