package authority_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jameslatto-droid/plk-kb/internal/authority"
	"github.com/jameslatto-droid/plk-kb/internal/model"
)

type fakeGateway struct {
	docs []model.Document
	err  error
}

func (g *fakeGateway) FetchDocumentsWithRules(ctx context.Context, documentIDs []string) ([]model.Document, error) {
	if g.err != nil {
		return nil, g.err
	}
	if documentIDs == nil {
		return g.docs, nil
	}
	want := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		want[id] = true
	}
	var out []model.Document
	for _, d := range g.docs {
		if want[d.DocumentID] {
			out = append(out, d)
		}
	}
	return out, nil
}

type recordedDecision struct {
	queryID  string
	decision model.AccessDecision
}

type fakeAuditSink struct {
	recorded []recordedDecision
	err      error
}

func (s *fakeAuditSink) RecordAuthzDecision(ctx context.Context, authCtx model.AuthorityContext, queryID string, decision model.AccessDecision) error {
	if s.err != nil {
		return s.err
	}
	s.recorded = append(s.recorded, recordedDecision{queryID: queryID, decision: decision})
	return nil
}

func strp(s string) *string { return &s }

func viewerCtx() model.AuthorityContext {
	return model.AuthorityContext{
		User:         "alice",
		Roles:        []string{"viewer"},
		ProjectCodes: []string{"P2"},
		Discipline:   "structural",
	}
}

func TestEvaluateDocumentAccess_DocumentNotFound(t *testing.T) {
	gw := &fakeGateway{}
	audit := &fakeAuditSink{}
	eng := authority.New(gw, audit)

	decision, err := eng.EvaluateDocumentAccess(context.Background(), viewerCtx(), "doc-missing", "q1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{model.ReasonDocumentNotFound}, decision.Reasons)
	require.Len(t, audit.recorded, 1)
	assert.Equal(t, "q1", audit.recorded[0].queryID)
}

func TestEvaluateDocumentAccess_UnknownAuthority(t *testing.T) {
	gw := &fakeGateway{docs: []model.Document{
		{DocumentID: "doc-1", AuthorityLevel: "BOGUS", Rules: []model.AccessRule{
			{RuleID: 1, AllowedRoles: []string{"viewer"}},
		}},
	}}
	eng := authority.New(gw, &fakeAuditSink{})

	decision, err := eng.EvaluateDocumentAccess(context.Background(), viewerCtx(), "doc-1", "q1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{model.ReasonUnknownAuthority}, decision.Reasons)
}

func TestEvaluateDocumentAccess_NoAccessRules(t *testing.T) {
	gw := &fakeGateway{docs: []model.Document{
		{DocumentID: "doc-1", AuthorityLevel: model.AuthorityDraft, Rules: nil},
	}}
	eng := authority.New(gw, &fakeAuditSink{})

	decision, err := eng.EvaluateDocumentAccess(context.Background(), viewerCtx(), "doc-1", "q1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{model.ReasonNoAccessRules}, decision.Reasons)
}

func TestEvaluateDocumentAccess_FirstMatchingRuleWins(t *testing.T) {
	gw := &fakeGateway{docs: []model.Document{
		{
			DocumentID:     "doc-1",
			AuthorityLevel: model.AuthorityAuthoritative,
			Rules: []model.AccessRule{
				{RuleID: 1, ProjectCode: strp("P9"), AllowedRoles: []string{"viewer"}},
				{RuleID: 2, AllowedRoles: []string{"viewer"}},
				{RuleID: 3, AllowedRoles: []string{"viewer"}},
			},
		},
	}}
	eng := authority.New(gw, &fakeAuditSink{})

	decision, err := eng.EvaluateDocumentAccess(context.Background(), viewerCtx(), "doc-1", "q1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, []int{2}, decision.MatchedRuleIDs)
	assert.Equal(t, []string{model.ReasonRuleMatch}, decision.Reasons)
}

func TestEvaluateDocumentAccess_NoRuleMatchesCollectsReasons(t *testing.T) {
	gw := &fakeGateway{docs: []model.Document{
		{
			DocumentID:     "doc-1",
			AuthorityLevel: model.AuthorityAuthoritative,
			Rules: []model.AccessRule{
				{RuleID: 1, ProjectCode: strp("P9"), AllowedRoles: []string{"viewer"}},
				{RuleID: 2, AllowedRoles: []string{"admin"}},
			},
		},
	}}
	eng := authority.New(gw, &fakeAuditSink{})

	decision, err := eng.EvaluateDocumentAccess(context.Background(), viewerCtx(), "doc-1", "q1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{"rule_1:" + model.ReasonProjectMismatch, "rule_2:" + model.ReasonRoleMismatch}, decision.Reasons)
}

func TestGetAllowedDocumentIDs(t *testing.T) {
	gw := &fakeGateway{docs: []model.Document{
		{DocumentID: "doc-allow", AuthorityLevel: model.AuthorityAuthoritative, Rules: []model.AccessRule{
			{RuleID: 1, AllowedRoles: []string{"viewer"}},
		}},
		{DocumentID: "doc-deny", AuthorityLevel: model.AuthorityAuthoritative, Rules: []model.AccessRule{
			{RuleID: 2, AllowedRoles: []string{"admin"}},
		}},
		{DocumentID: "doc-norules", AuthorityLevel: model.AuthorityDraft, Rules: nil},
	}}
	audit := &fakeAuditSink{}
	eng := authority.New(gw, audit)

	allowed, err := eng.GetAllowedDocumentIDs(context.Background(), viewerCtx(), "q1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"doc-allow": true}, allowed)
	assert.Len(t, audit.recorded, 3)
}

func TestEvaluateDocumentAccess_AuditFailurePropagates(t *testing.T) {
	gw := &fakeGateway{docs: []model.Document{
		{DocumentID: "doc-1", AuthorityLevel: model.AuthorityAuthoritative, Rules: []model.AccessRule{
			{RuleID: 1, AllowedRoles: []string{"viewer"}},
		}},
	}}
	audit := &fakeAuditSink{err: errors.New("sink down")}
	eng := authority.New(gw, audit)

	_, err := eng.EvaluateDocumentAccess(context.Background(), viewerCtx(), "doc-1", "q1")
	assert.Error(t, err)
}

func TestEvaluateDocumentAccess_GatewayFailurePropagates(t *testing.T) {
	gw := &fakeGateway{err: errors.New("db down")}
	eng := authority.New(gw, &fakeAuditSink{})

	_, err := eng.EvaluateDocumentAccess(context.Background(), viewerCtx(), "doc-1", "q1")
	assert.Error(t, err)
}
