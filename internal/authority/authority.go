// Package authority implements the Authority Engine: per-document access
// decisions over a requester's AuthorityContext, and the allow-set query over
// the whole catalog.
package authority

import (
	"context"
	"fmt"

	"github.com/jameslatto-droid/plk-kb/internal/model"
	"github.com/jameslatto-droid/plk-kb/internal/policy"
)

// MetadataGateway is the read-only catalog surface the engine needs: given a
// set of document ids (or all documents, when ids is nil), return each
// document with its ordered access rules.
type MetadataGateway interface {
	FetchDocumentsWithRules(ctx context.Context, documentIDs []string) ([]model.Document, error)
}

// AuditSink records AUTHZ_ALLOW/AUTHZ_DENY decisions. Implementations must be
// synchronous and fail-closed: a failed write propagates to the caller.
type AuditSink interface {
	RecordAuthzDecision(ctx context.Context, authCtx model.AuthorityContext, queryID string, decision model.AccessDecision) error
}

// Engine evaluates document access against a fixed MetadataGateway and
// AuditSink. It holds no per-request state; callers pass AuthorityContext and
// queryID explicitly on every call.
type Engine struct {
	gateway MetadataGateway
	audit   AuditSink
}

// New constructs an Engine over the given gateway and audit sink.
func New(gateway MetadataGateway, audit AuditSink) *Engine {
	return &Engine{gateway: gateway, audit: audit}
}

// EvaluateDocumentAccess decides whether authCtx may access documentID. The
// decision is always audited before being returned: the engine never lets
// a caller observe an ALLOW/DENY that wasn't recorded.
//
// Evaluation order:
//  1. document not found -> deny, reason document_not_found
//  2. unknown authority level -> deny, reason unknown_authority
//  3. no access rules -> deny, reason no_access_rules
//  4. rules evaluated in RuleID order; first match wins -> allow
//  5. no rule matched -> deny, with every rule's mismatch reason collected
func (e *Engine) EvaluateDocumentAccess(ctx context.Context, authCtx model.AuthorityContext, documentID, queryID string) (model.AccessDecision, error) {
	docs, err := e.gateway.FetchDocumentsWithRules(ctx, []string{documentID})
	if err != nil {
		return model.AccessDecision{}, fmt.Errorf("authority: fetch document: %w", err)
	}

	var doc *model.Document
	for i := range docs {
		if docs[i].DocumentID == documentID {
			doc = &docs[i]
			break
		}
	}

	decision := evaluateDocument(documentID, doc, authCtx)

	if err := e.recordDecision(ctx, authCtx, queryID, decision); err != nil {
		return model.AccessDecision{}, err
	}
	return decision, nil
}

// GetAllowedDocumentIDs evaluates every document in the catalog against
// authCtx and returns the set that is allowed. Every document evaluated
// (allowed or denied) is audited, matching EvaluateDocumentAccess.
func (e *Engine) GetAllowedDocumentIDs(ctx context.Context, authCtx model.AuthorityContext, queryID string) (map[string]bool, error) {
	docs, err := e.gateway.FetchDocumentsWithRules(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("authority: fetch documents: %w", err)
	}

	allowed := make(map[string]bool)
	for i := range docs {
		doc := docs[i]
		decision := evaluateDocument(doc.DocumentID, &doc, authCtx)
		if err := e.recordDecision(ctx, authCtx, queryID, decision); err != nil {
			return nil, err
		}
		if decision.Allowed {
			allowed[doc.DocumentID] = true
		}
	}
	return allowed, nil
}

func (e *Engine) recordDecision(ctx context.Context, authCtx model.AuthorityContext, queryID string, decision model.AccessDecision) error {
	if err := e.audit.RecordAuthzDecision(ctx, authCtx, queryID, decision); err != nil {
		return fmt.Errorf("authority: record decision for %s: %w", decision.DocumentID, err)
	}
	return nil
}

// evaluateDocument is the pure decision function over one already-fetched
// document (or nil, meaning not found). It has no side effects so it can be
// exercised directly in tests without a MetadataGateway.
func evaluateDocument(documentID string, doc *model.Document, authCtx model.AuthorityContext) model.AccessDecision {
	if doc == nil {
		return model.AccessDecision{
			DocumentID: documentID,
			Allowed:    false,
			Reasons:    []string{model.ReasonDocumentNotFound},
		}
	}
	if !model.AllowedAuthorityLevels[doc.AuthorityLevel] {
		return model.AccessDecision{
			DocumentID: documentID,
			Allowed:    false,
			Reasons:    []string{model.ReasonUnknownAuthority},
		}
	}
	if len(doc.Rules) == 0 {
		return model.AccessDecision{
			DocumentID: documentID,
			Allowed:    false,
			Reasons:    []string{model.ReasonNoAccessRules},
		}
	}

	var reasons []string
	for _, rule := range doc.Rules {
		matched, reason := policy.Match(rule, authCtx)
		if matched {
			return model.AccessDecision{
				DocumentID:     documentID,
				Allowed:        true,
				Reasons:        []string{model.ReasonRuleMatch},
				MatchedRuleIDs: []int{rule.RuleID},
			}
		}
		reasons = append(reasons, fmt.Sprintf("rule_%d:%s", rule.RuleID, reason))
	}
	if len(reasons) == 0 {
		reasons = []string{model.ReasonNoRuleMatch}
	}

	return model.AccessDecision{
		DocumentID: documentID,
		Allowed:    false,
		Reasons:    reasons,
	}
}
