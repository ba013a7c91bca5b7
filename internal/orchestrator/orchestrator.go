// Package orchestrator implements the Hybrid Search Orchestrator: the
// fan-out/merge/filter/rank/explain pipeline that turns one query plus an
// AuthorityContext into a Response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jameslatto-droid/plk-kb/internal/coreerr"
	"github.com/jameslatto-droid/plk-kb/internal/model"
	"github.com/jameslatto-droid/plk-kb/internal/storage"
)

// LexicalBackend is the Lexical Backend contract consumed by the orchestrator.
type LexicalBackend interface {
	Search(ctx context.Context, query string, topK int, allowedDocs map[string]bool) ([]model.ScoredChunk, error)
}

// VectorBackend is the Vector Backend contract consumed by the orchestrator.
type VectorBackend interface {
	Search(ctx context.Context, embedding []float32, topK int, allowedDocs map[string]bool) ([]model.ScoredChunk, error)
}

// Embedder is the Embedding Function contract consumed by the orchestrator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// AuthorityEngine evaluates a single document's access decision. The
// orchestrator memoizes calls per document_id within one query.
type AuthorityEngine interface {
	EvaluateDocumentAccess(ctx context.Context, authCtx model.AuthorityContext, documentID, queryID string) (model.AccessDecision, error)
}

// MetadataGateway resolves chunk lineage during hydration.
type MetadataGateway interface {
	GetChunkWithDocument(ctx context.Context, chunkID string) (storage.ChunkLineage, error)
}

// Auditor is the subset of the Audit Logger the orchestrator drives directly.
// Per-document AUTHZ_ALLOW/AUTHZ_DENY events are emitted by AuthorityEngine's
// own injected audit sink, not by the orchestrator.
type Auditor interface {
	QueryReceived(ctx context.Context, authCtx model.AuthorityContext, queryID, query string) error
	SearchQuery(ctx context.Context, authCtx model.AuthorityContext, queryID, query string, topK int) error
	SearchExecuted(ctx context.Context, authCtx model.AuthorityContext, queryID string, lexicalCount, semanticCount int, modelVersion string) error
	AuthorityEvaluated(ctx context.Context, authCtx model.AuthorityContext, queryID string, evaluated, denied, allowed int) error
	ResultsFiltered(ctx context.Context, authCtx model.AuthorityContext, queryID string, inputCount, returnedCount int) error
	SearchResultsReturned(ctx context.Context, authCtx model.AuthorityContext, queryID string, count int, documentIDs []string) error
	ResponseReturned(ctx context.Context, authCtx model.AuthorityContext, queryID string, count int) error
}

const snippetLength = 200

// Engine drives one hybrid_search call end to end.
type Engine struct {
	lexical      LexicalBackend
	vector       VectorBackend
	embedder     Embedder
	authority    AuthorityEngine
	gateway      MetadataGateway
	auditor      Auditor
	modelVersion string
	defaultTopK  int
}

// New creates an Engine. modelVersion is recorded on SEARCH_EXECUTED audit
// events; defaultTopK is used when HybridSearch is called with topK <= 0.
func New(lexical LexicalBackend, vector VectorBackend, embedder Embedder, authorityEngine AuthorityEngine, gateway MetadataGateway, auditor Auditor, modelVersion string, defaultTopK int) *Engine {
	return &Engine{
		lexical:      lexical,
		vector:       vector,
		embedder:     embedder,
		authority:    authorityEngine,
		gateway:      gateway,
		auditor:      auditor,
		modelVersion: modelVersion,
		defaultTopK:  defaultTopK,
	}
}

// candidate is the orchestrator's working record: a MergedCandidate plus the
// access decision computed for it, once known.
type candidate struct {
	model.MergedCandidate
	matchedRuleIDs []int
	reasons        []string
}

// HybridSearch implements spec stages A-J. queryID is generated if empty.
func (e *Engine) HybridSearch(ctx context.Context, query string, authCtx model.AuthorityContext, topK int, queryID string) (model.Response, error) {
	if topK <= 0 {
		topK = e.defaultTopK
	}
	if queryID == "" {
		queryID = uuid.NewString()
	}
	timestamp := time.Now().UTC()

	// Stage A: correlate.
	if err := e.auditor.QueryReceived(ctx, authCtx, queryID, query); err != nil {
		return model.Response{}, err
	}
	if err := e.auditor.SearchQuery(ctx, authCtx, queryID, query, topK); err != nil {
		return model.Response{}, err
	}

	// Stage B: parallel retrieval.
	lexResults, semResults, err := e.retrieve(ctx, query, topK)
	if err != nil {
		return model.Response{}, err
	}
	if err := e.auditor.SearchExecuted(ctx, authCtx, queryID, len(lexResults), len(semResults), e.modelVersion); err != nil {
		return model.Response{}, err
	}

	// Stage C: per-source normalization. Raw scores are preserved for the
	// response; normalized scores are tracked alongside, keyed by chunk_id.
	lexNorm := normalizedByChunk(lexResults, func(c model.ScoredChunk) float64 { return c.LexicalScore })
	semNorm := normalizedByChunk(semResults, func(c model.ScoredChunk) float64 { return c.SemanticScore })

	// Stage D: merge by chunk_id.
	merged, order := mergeCandidates(lexResults, semResults, lexNorm, semNorm)

	// Stage E: authority filter, memoized per document_id.
	decisions := make(map[string]model.AccessDecision)
	var survivors []*candidate
	evaluated, denied := 0, 0
	for _, chunkID := range order {
		mc := merged[chunkID]
		if mc.DocumentID == "" {
			// A chunk unknown to the catalog leaves document_id empty, which
			// the check below reports as a contract error.
			lineage, err := e.gateway.GetChunkWithDocument(ctx, mc.ChunkID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return model.Response{}, coreerr.NewBackendError("metadata", err)
			}
			mc.DocumentID = lineage.DocumentID
			if mc.ArtefactID == "" {
				mc.ArtefactID = lineage.ArtefactID
			}
			if mc.Content == "" {
				mc.Content = lineage.Content
			}
		}
		if mc.DocumentID == "" {
			return model.Response{}, coreerr.NewContractError("authority_filter", fmt.Sprintf("chunk %s has no resolvable document_id", mc.ChunkID))
		}

		decision, ok := decisions[mc.DocumentID]
		if !ok {
			decision, err = e.authority.EvaluateDocumentAccess(ctx, authCtx, mc.DocumentID, queryID)
			if err != nil {
				return model.Response{}, classifyAuthorityErr(err)
			}
			decisions[mc.DocumentID] = decision
		}
		evaluated++
		if !decision.Allowed {
			denied++
			continue
		}
		survivors = append(survivors, &candidate{MergedCandidate: *mc, matchedRuleIDs: decision.MatchedRuleIDs, reasons: decision.Reasons})
	}
	allowed := len(survivors)

	if err := e.auditor.AuthorityEvaluated(ctx, authCtx, queryID, evaluated, denied, allowed); err != nil {
		return model.Response{}, err
	}
	if err := e.auditor.ResultsFiltered(ctx, authCtx, queryID, len(order), len(survivors)); err != nil {
		return model.Response{}, err
	}

	// Stage F: hydration.
	for _, c := range survivors {
		if c.Content == "" || c.DocumentID == "" || c.ArtefactID == "" {
			lineage, err := e.gateway.GetChunkWithDocument(ctx, c.ChunkID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return model.Response{}, coreerr.NewBackendError("metadata", err)
			}
			if c.Content == "" {
				c.Content = lineage.Content
			}
			if c.DocumentID == "" {
				c.DocumentID = lineage.DocumentID
			}
			if c.ArtefactID == "" {
				c.ArtefactID = lineage.ArtefactID
			}
		}
		if c.Content == "" || c.DocumentID == "" {
			return model.Response{}, coreerr.NewContractError("hydration", fmt.Sprintf("chunk %s missing content or document_id after hydration", c.ChunkID))
		}
	}

	// Stage G: ranking.
	for _, c := range survivors {
		c.FinalScore = 0.5*c.LexicalNormalized + 0.5*c.SemanticNormalized
	}
	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].FinalScore != survivors[j].FinalScore {
			return survivors[i].FinalScore > survivors[j].FinalScore
		}
		return survivors[i].ChunkID < survivors[j].ChunkID
	})

	// Stage H + I: explanation and snippet, assembled into Results.
	results := make([]model.Result, 0, len(survivors))
	for _, c := range survivors {
		explanation, err := buildExplanation(*c)
		if err != nil {
			return model.Response{}, err
		}
		results = append(results, model.Result{
			DocumentID: c.DocumentID,
			ChunkID:    c.ChunkID,
			Snippet:    truncateSnippet(c.Content),
			Scores: model.Scores{
				Lexical:  c.LexicalScore,
				Semantic: c.SemanticScore,
				Final:    c.FinalScore,
			},
			Authority: model.Authority{
				Decision:       "ALLOW",
				MatchedRuleIDs: c.matchedRuleIDs,
			},
			Explanation: explanation,
		})
	}

	// Stage J: final audit emissions.
	docIDs := make([]string, 0, len(results))
	for _, r := range results {
		docIDs = append(docIDs, r.DocumentID)
	}
	if err := e.auditor.SearchResultsReturned(ctx, authCtx, queryID, len(results), docIDs); err != nil {
		return model.Response{}, err
	}
	if err := e.auditor.ResponseReturned(ctx, authCtx, queryID, len(results)); err != nil {
		return model.Response{}, err
	}

	return model.Response{
		QueryID:   queryID,
		Timestamp: timestamp,
		Query:     query,
		Results:   results,
	}, nil
}

// retrieve runs the lexical and semantic legs concurrently. Either failing
// fails the whole query; there is no partial-result fallback (spec §5).
func (e *Engine) retrieve(ctx context.Context, query string, topK int) ([]model.ScoredChunk, []model.ScoredChunk, error) {
	var lexResults, semResults []model.ScoredChunk

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := e.lexical.Search(gctx, query, topK, nil)
		if err != nil {
			return coreerr.NewBackendError("lexical", err)
		}
		lexResults = r
		return nil
	})
	g.Go(func() error {
		embedding, err := e.embedder.Embed(gctx, query)
		if err != nil {
			return coreerr.NewBackendError("embedding", err)
		}
		r, err := e.vector.Search(gctx, embedding, topK, nil)
		if err != nil {
			return coreerr.NewBackendError("vector", err)
		}
		semResults = r
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return lexResults, semResults, nil
}

// normalizedByChunk implements stage C's max-normalization: if the max raw
// score is <= 0, every normalized score is 0; otherwise each is divided by
// the max. Returns a chunk_id -> normalized score map; raw scores in chunks
// are left untouched.
func normalizedByChunk(chunks []model.ScoredChunk, raw func(model.ScoredChunk) float64) map[string]float64 {
	out := make(map[string]float64, len(chunks))
	if len(chunks) == 0 {
		return out
	}
	max := 0.0
	for _, c := range chunks {
		if v := raw(c); v > max {
			max = v
		}
	}
	for _, c := range chunks {
		if max <= 0 {
			out[c.ChunkID] = 0
		} else {
			out[c.ChunkID] = raw(c) / max
		}
	}
	return out
}

// mergeCandidates implements stage D: combine lexical and semantic results
// by chunk_id. order preserves first-seen order (lexical first, then any
// semantic-only chunks) for deterministic iteration in stage E.
func mergeCandidates(lexResults, semResults []model.ScoredChunk, lexNorm, semNorm map[string]float64) (map[string]*model.MergedCandidate, []string) {
	merged := make(map[string]*model.MergedCandidate)
	var order []string

	get := func(chunkID string) *model.MergedCandidate {
		mc, ok := merged[chunkID]
		if !ok {
			mc = &model.MergedCandidate{ChunkID: chunkID}
			merged[chunkID] = mc
			order = append(order, chunkID)
		}
		return mc
	}

	for _, c := range lexResults {
		mc := get(c.ChunkID)
		mc.DocumentID = c.DocumentID
		mc.ArtefactID = c.ArtefactID
		mc.Content = c.Content
		mc.LexicalScore = c.LexicalScore
	}
	for _, c := range semResults {
		mc := get(c.ChunkID)
		if mc.DocumentID == "" {
			mc.DocumentID = c.DocumentID
		}
		if mc.ArtefactID == "" {
			mc.ArtefactID = c.ArtefactID
		}
		mc.SemanticScore = c.SemanticScore
	}

	for chunkID, mc := range merged {
		mc.LexicalNormalized = lexNorm[chunkID]
		mc.SemanticNormalized = semNorm[chunkID]
	}

	return merged, order
}

// truncateSnippet returns the first 200 runes of content, per stage I.
func truncateSnippet(content string) string {
	r := []rune(content)
	if len(r) <= snippetLength {
		return content
	}
	return string(r[:snippetLength])
}

// buildExplanation implements stage H. Both sentences it requires non-empty
// inputs for are contract errors if violated, since they would indicate the
// orchestrator let through a candidate that should never have survived this
// far.
func buildExplanation(c candidate) (model.Explanation, error) {
	var contributors []string
	if c.LexicalScore > 0 {
		contributors = append(contributors, fmt.Sprintf("lexical search (raw score %.4f)", c.LexicalScore))
	}
	if c.SemanticScore > 0 {
		contributors = append(contributors, fmt.Sprintf("semantic search (raw score %.4f)", c.SemanticScore))
	}
	if len(contributors) == 0 {
		return model.Explanation{}, coreerr.NewContractError("explanation", fmt.Sprintf("chunk %s has no positive raw score", c.ChunkID))
	}
	whyMatched := fmt.Sprintf("Matched via %s.", strings.Join(contributors, " and "))

	if len(c.matchedRuleIDs) == 0 {
		return model.Explanation{}, coreerr.NewContractError("explanation", fmt.Sprintf("chunk %s has no matched_rule_ids despite being allowed", c.ChunkID))
	}
	ruleStrs := make([]string, len(c.matchedRuleIDs))
	for i, id := range c.matchedRuleIDs {
		ruleStrs[i] = fmt.Sprintf("%d", id)
	}
	whyAllowed := fmt.Sprintf("Allowed by rule(s) %s (%s).", strings.Join(ruleStrs, ", "), strings.Join(c.reasons, ", "))

	whyRanked := fmt.Sprintf("Ranked by 0.5*lexical_normalized + 0.5*semantic_normalized = 0.5*%.4f + 0.5*%.4f = %.4f.",
		c.LexicalNormalized, c.SemanticNormalized, c.FinalScore)

	return model.Explanation{WhyMatched: whyMatched, WhyAllowed: whyAllowed, WhyRanked: whyRanked}, nil
}

// classifyAuthorityErr preserves AuditError identity (fail-closed audit
// failures raised from inside the Authority Engine's injected sink) while
// wrapping everything else — catalog fetch failures — as a metadata
// BackendError.
func classifyAuthorityErr(err error) error {
	var auditErr *coreerr.AuditError
	if errors.As(err, &auditErr) {
		return err
	}
	return coreerr.NewBackendError("metadata", err)
}
