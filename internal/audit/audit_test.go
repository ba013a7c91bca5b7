package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jameslatto-droid/plk-kb/internal/audit"
	"github.com/jameslatto-droid/plk-kb/internal/coreerr"
	"github.com/jameslatto-droid/plk-kb/internal/model"
	"github.com/jameslatto-droid/plk-kb/internal/storage"
)

type fakeStore struct {
	entries []storage.AuditLogEntry
	err     error
}

func (f *fakeStore) InsertAuditLog(ctx context.Context, e storage.AuditLogEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func viewerCtx() model.AuthorityContext {
	return model.AuthorityContext{User: "alice", Roles: []string{"viewer"}}
}

func TestLogger_QueryReceived(t *testing.T) {
	store := &fakeStore{}
	l := audit.New(store)

	err := l.QueryReceived(context.Background(), viewerCtx(), "q1", "steel beam load rating")
	require.NoError(t, err)
	require.Len(t, store.entries, 1)

	e := store.entries[0]
	assert.Equal(t, "q1", e.QueryID)
	assert.Equal(t, "alice", e.Actor)
	assert.Equal(t, model.ActionQueryReceived, e.Action)
	assert.NotEmpty(t, e.EventHash)
	assert.Equal(t, "steel beam load rating", e.Details["query"])
	assert.Contains(t, e.Details, "context_snapshot")
	assert.Contains(t, e.Details, "timestamp")
}

func TestLogger_DefaultActorWhenUserEmpty(t *testing.T) {
	store := &fakeStore{}
	l := audit.New(store)

	err := l.QueryReceived(context.Background(), model.AuthorityContext{}, "q1", "query")
	require.NoError(t, err)
	assert.Equal(t, audit.DefaultActor, store.entries[0].Actor)
}

func TestLogger_EmptyQueryIDIsAuditError(t *testing.T) {
	store := &fakeStore{}
	l := audit.New(store)

	err := l.QueryReceived(context.Background(), viewerCtx(), "", "query")
	require.Error(t, err)
	var auditErr *coreerr.AuditError
	assert.ErrorAs(t, err, &auditErr)
	assert.Empty(t, store.entries)
}

func TestLogger_StoreFailurePropagatesAsAuditError(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	l := audit.New(store)

	err := l.QueryReceived(context.Background(), viewerCtx(), "q1", "query")
	require.Error(t, err)
	var auditErr *coreerr.AuditError
	assert.ErrorAs(t, err, &auditErr)
}

func TestLogger_RecordAuthzDecision_Allow(t *testing.T) {
	store := &fakeStore{}
	l := audit.New(store)

	decision := model.AccessDecision{
		DocumentID:     "doc-1",
		Allowed:        true,
		Reasons:        []string{model.ReasonRuleMatch},
		MatchedRuleIDs: []int{7},
	}
	err := l.RecordAuthzDecision(context.Background(), viewerCtx(), "q1", decision)
	require.NoError(t, err)
	require.Len(t, store.entries, 1)
	assert.Equal(t, model.ActionAuthzAllow, store.entries[0].Action)
	assert.Equal(t, "doc-1", store.entries[0].DocumentID)
}

func TestLogger_RecordAuthzDecision_Deny(t *testing.T) {
	store := &fakeStore{}
	l := audit.New(store)

	decision := model.AccessDecision{
		DocumentID: "doc-1",
		Allowed:    false,
		Reasons:    []string{model.ReasonNoRuleMatch},
	}
	err := l.RecordAuthzDecision(context.Background(), viewerCtx(), "q1", decision)
	require.NoError(t, err)
	assert.Equal(t, model.ActionAuthzDeny, store.entries[0].Action)
}

func TestLogger_SearchExecuted(t *testing.T) {
	store := &fakeStore{}
	l := audit.New(store)

	err := l.SearchExecuted(context.Background(), viewerCtx(), "q1", 12, 30, "text-embedding-3-small")
	require.NoError(t, err)
	e := store.entries[0]
	assert.Equal(t, model.ActionSearchExecuted, e.Action)
	assert.Equal(t, "text-embedding-3-small", e.ModelVersion)
	assert.EqualValues(t, 12, e.Details["lexical_count"])
	assert.EqualValues(t, 30, e.Details["semantic_count"])
}

func TestLogger_AuthorityEvaluated(t *testing.T) {
	store := &fakeStore{}
	l := audit.New(store)

	err := l.AuthorityEvaluated(context.Background(), viewerCtx(), "q1", 10, 3, 7)
	require.NoError(t, err)
	e := store.entries[0]
	assert.EqualValues(t, 10, e.Details["evaluated_count"])
	assert.EqualValues(t, 3, e.Details["denied_count"])
	assert.EqualValues(t, 7, e.Details["allowed_count"])
}

func TestLogger_ResponseReturned(t *testing.T) {
	store := &fakeStore{}
	l := audit.New(store)

	err := l.ResponseReturned(context.Background(), viewerCtx(), "q1", 5)
	require.NoError(t, err)
	assert.Equal(t, model.ActionResponseReturned, store.entries[0].Action)
	assert.EqualValues(t, 5, store.entries[0].Details["count"])
}

func TestLogger_EventHashDeterministicForSameInputs(t *testing.T) {
	// Two loggers with the same fixed clock should produce identical hashes
	// for identical events, since ComputeEventHash is pure over its inputs.
	store1 := &fakeStore{}
	store2 := &fakeStore{}
	l1 := audit.New(store1)
	l2 := audit.New(store2)

	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	audit.SetClock(l1, func() time.Time { return fixedNow })
	audit.SetClock(l2, func() time.Time { return fixedNow })

	require.NoError(t, l1.QueryReceived(context.Background(), viewerCtx(), "q1", "beam"))
	require.NoError(t, l2.QueryReceived(context.Background(), viewerCtx(), "q1", "beam"))

	assert.Equal(t, store1.entries[0].EventHash, store2.entries[0].EventHash)
}
