// Package audit implements the Audit Logger: synchronous, fail-closed event
// recording for every stage of a query, correlated by query_id.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jameslatto-droid/plk-kb/internal/coreerr"
	"github.com/jameslatto-droid/plk-kb/internal/integrity"
	"github.com/jameslatto-droid/plk-kb/internal/model"
	"github.com/jameslatto-droid/plk-kb/internal/storage"
)

// DefaultActor is used when the AuthorityContext has no user set.
const DefaultActor = "system"

// Store is the subset of storage.DB used to persist audit events.
type Store interface {
	InsertAuditLog(ctx context.Context, e storage.AuditLogEntry) error
}

// Logger records AuditEvents synchronously. A storage failure is always
// fatal to the enclosing query: there is no background buffer.
type Logger struct {
	store Store
	now   func() time.Time
}

// New creates a Logger backed by store.
func New(store Store) *Logger {
	return &Logger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Record builds and inserts one audit event. query_id is required; an empty
// value is itself a contract violation in the caller, not something this
// function can repair, so it is rejected outright.
func (l *Logger) Record(ctx context.Context, authCtx model.AuthorityContext, queryID, action, documentID, versionID, modelVersion, indexVersion string, extra map[string]any) error {
	if queryID == "" {
		return coreerr.NewAuditError(action, fmt.Errorf("audit: empty query_id"))
	}

	actor := authCtx.User
	if actor == "" {
		actor = DefaultActor
	}

	timestamp := l.now()

	details := map[string]any{
		"query_id":         queryID,
		"timestamp":        timestamp.Format(time.RFC3339Nano),
		"context_snapshot": model.ContextSnapshot(authCtx),
	}
	for k, v := range extra {
		details[k] = v
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return coreerr.NewAuditError(action, fmt.Errorf("audit: marshal details: %w", err))
	}

	eventHash := integrity.ComputeEventHash(queryID, action, actor, documentID, detailsJSON, timestamp)

	entry := storage.AuditLogEntry{
		QueryID:      queryID,
		Actor:        actor,
		Action:       action,
		DocumentID:   documentID,
		VersionID:    versionID,
		ModelVersion: modelVersion,
		IndexVersion: indexVersion,
		Details:      details,
		EventHash:    eventHash,
		Timestamp:    timestamp,
	}

	if err := l.store.InsertAuditLog(ctx, entry); err != nil {
		return coreerr.NewAuditError(action, err)
	}
	return nil
}

// RecordAuthzDecision satisfies authority.AuditSink: it emits AUTHZ_ALLOW or
// AUTHZ_DENY depending on decision.Allowed.
func (l *Logger) RecordAuthzDecision(ctx context.Context, authCtx model.AuthorityContext, queryID string, decision model.AccessDecision) error {
	action := model.ActionAuthzDeny
	if decision.Allowed {
		action = model.ActionAuthzAllow
	}
	return l.Record(ctx, authCtx, queryID, action, decision.DocumentID, "", "", "", map[string]any{
		"decision":         decision.Allowed,
		"reasons":          decision.Reasons,
		"matched_rule_ids": decision.MatchedRuleIDs,
	})
}

// QueryReceived emits QUERY_RECEIVED for a newly correlated query.
func (l *Logger) QueryReceived(ctx context.Context, authCtx model.AuthorityContext, queryID, query string) error {
	return l.Record(ctx, authCtx, queryID, model.ActionQueryReceived, "", "", "", "", map[string]any{"query": query})
}

// SearchQuery emits SEARCH_QUERY, recording the top_k requested.
func (l *Logger) SearchQuery(ctx context.Context, authCtx model.AuthorityContext, queryID, query string, topK int) error {
	return l.Record(ctx, authCtx, queryID, model.ActionSearchQuery, "", "", "", "", map[string]any{"query": query, "top_k": topK})
}

// SearchExecuted emits SEARCH_EXECUTED with per-backend result counts.
func (l *Logger) SearchExecuted(ctx context.Context, authCtx model.AuthorityContext, queryID string, lexicalCount, semanticCount int, modelVersion string) error {
	return l.Record(ctx, authCtx, queryID, model.ActionSearchExecuted, "", "", modelVersion, "", map[string]any{
		"lexical_count":  lexicalCount,
		"semantic_count": semanticCount,
	})
}

// AuthorityEvaluated emits AUTHORITY_EVALUATED with evaluation/denial/allow counts.
func (l *Logger) AuthorityEvaluated(ctx context.Context, authCtx model.AuthorityContext, queryID string, evaluated, denied, allowed int) error {
	return l.Record(ctx, authCtx, queryID, model.ActionAuthorityEvaluated, "", "", "", "", map[string]any{
		"evaluated_count": evaluated,
		"denied_count":    denied,
		"allowed_count":   allowed,
	})
}

// ResultsFiltered emits RESULTS_FILTERED with input/returned candidate counts.
func (l *Logger) ResultsFiltered(ctx context.Context, authCtx model.AuthorityContext, queryID string, inputCount, returnedCount int) error {
	return l.Record(ctx, authCtx, queryID, model.ActionResultsFiltered, "", "", "", "", map[string]any{
		"input_count":    inputCount,
		"returned_count": returnedCount,
	})
}

// SearchResultsReturned emits SEARCH_RESULTS_RETURNED with the result count
// and the document_ids represented in the final result set.
func (l *Logger) SearchResultsReturned(ctx context.Context, authCtx model.AuthorityContext, queryID string, count int, documentIDs []string) error {
	return l.Record(ctx, authCtx, queryID, model.ActionSearchResultsReturn, "", "", "", "", map[string]any{
		"count":        count,
		"document_ids": documentIDs,
	})
}

// ResponseReturned emits RESPONSE_RETURNED, closing out the query's event sequence.
func (l *Logger) ResponseReturned(ctx context.Context, authCtx model.AuthorityContext, queryID string, count int) error {
	return l.Record(ctx, authCtx, queryID, model.ActionResponseReturned, "", "", "", "", map[string]any{"count": count})
}
