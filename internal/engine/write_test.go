package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/muselabs/mnemo/internal/policy"
	"github.com/muselabs/mnemo/pkg/types"
)

func TestWriteRoundTrip(t *testing.T) {
	eng, _, embedder, idx := newTestEngine(t)
	ctx := context.Background()

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(embedResult(1), nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	written, err := eng.Write(ctx, WriteRequest{
		ProjectID: "proj-a",
		OwnerID:   "owner-a",
		Items: []WriteItem{
			{Category: types.CategoryDecision, Content: "The villain is secretly the narrator"},
		},
	})
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.NotEmpty(t, written[0].ID)
	assert.Equal(t, types.ScopeProject, written[0].Scope)
	assert.Equal(t, types.SyncSynced, written[0].SyncStatus)

	// The record must come back through the recency-only path with
	// identical content, category and scope.
	got, err := eng.Read(ctx, ReadRequest{ProjectID: "proj-a", OwnerID: "owner-a", Scope: types.ScopeProject})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "The villain is secretly the narrator", got[0].Content)
	assert.Equal(t, types.CategoryDecision, got[0].Category)
	assert.Equal(t, types.ScopeProject, got[0].Scope)
}

func TestWriteAgePreservation(t *testing.T) {
	eng, _, embedder, idx := newTestEngine(t)
	ctx := context.Background()

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(embedResult(1), nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	first, err := eng.Write(ctx, WriteRequest{
		ProjectID: "proj-a",
		Items:     []WriteItem{{ID: "hash-1", Category: types.CategoryStyle, Content: "past tense"}},
	})
	require.NoError(t, err)

	later := testNow.Add(48 * time.Hour)
	eng.now = func() time.Time { return later }

	second, err := eng.Write(ctx, WriteRequest{
		ProjectID: "proj-a",
		Items:     []WriteItem{{ID: "hash-1", Category: types.CategoryStyle, Content: "present tense"}},
	})
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.True(t, second[0].CreatedAt.Equal(first[0].CreatedAt))
	assert.Equal(t, first[0].CreatedAtTs, second[0].CreatedAtTs)
	assert.Equal(t, "present tense", second[0].Content)
	assert.True(t, second[0].UpdatedAt.Equal(later))

	got, err := eng.Read(ctx, ReadRequest{ProjectID: "proj-a", Scope: types.ScopeProject})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "present tense", got[0].Content)
	assert.Equal(t, first[0].CreatedAtTs, got[0].CreatedAtTs)
}

func TestWriteRedactionIrreversible(t *testing.T) {
	eng, _, embedder, idx := newTestEngine(t)
	ctx := context.Background()

	// The original text must never reach the embedding provider.
	embedder.On("EmbedBatch", mock.Anything, mock.MatchedBy(func(texts []string) bool {
		return len(texts) == 1 && texts[0] == types.RedactedPlaceholder
	})).Return(embedResult(1), nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	written, err := eng.Write(ctx, WriteRequest{
		ProjectID: "proj-a",
		OwnerID:   "owner-a",
		Items: []WriteItem{{
			Category: types.CategoryPreference,
			Content:  "secret personal detail",
			Metadata: types.Metadata{Redacted: true, RedactionReason: "user request"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.RedactedPlaceholder, written[0].Content)
	assert.True(t, written[0].Metadata.Redacted)

	got, err := eng.Read(ctx, ReadRequest{ProjectID: "proj-a", OwnerID: "owner-a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.RedactedPlaceholder, got[0].Content)
	assert.NotContains(t, got[0].Content, "secret")

	embedder.AssertExpectations(t)
}

func TestWriteSessionWithoutConversationID(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	// Session defaults to conversation scope, which needs an id.
	_, err := eng.Write(context.Background(), WriteRequest{
		ProjectID: "proj-a",
		OwnerID:   "owner-a",
		Items:     []WriteItem{{Category: types.CategorySession, Content: "User prefers present tense"}},
	})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Field, "conversationId")
}

func TestWriteOwnerIsolationFailClosed(t *testing.T) {
	eng, _, _, idx := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Write(ctx, WriteRequest{
		ProjectID: "proj-a",
		Items: []WriteItem{
			{Category: types.CategoryDecision, Content: "shared decision"},
			{Category: types.CategoryPreference, Content: "needs an owner"},
		},
	})
	require.ErrorIs(t, err, ErrAccessDenied)

	// Fail closed: the valid first item must not have been written.
	got, readErr := eng.Read(ctx, ReadRequest{ProjectID: "proj-a", Scope: types.ScopeProject})
	require.NoError(t, readErr)
	assert.Empty(t, got)
	idx.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestWriteValidationRejectsBadInput(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  WriteRequest
	}{
		{"missing project", WriteRequest{Items: []WriteItem{{Category: types.CategoryDecision, Content: "x"}}}},
		{"no items", WriteRequest{ProjectID: "p"}},
		{"unknown category", WriteRequest{ProjectID: "p", Items: []WriteItem{{Category: "wisdom", Content: "x"}}}},
		{"unknown scope", WriteRequest{ProjectID: "p", OwnerID: "o", Items: []WriteItem{{Category: types.CategoryDecision, Scope: "global", Content: "x"}}}},
		{"empty content", WriteRequest{ProjectID: "p", Items: []WriteItem{{Category: types.CategoryDecision}}}},
		{"oversized content", WriteRequest{ProjectID: "p", Items: []WriteItem{{Category: types.CategoryDecision, Content: strings.Repeat("a", types.MaxContentLength+1)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Write(ctx, tt.req)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestWriteBatchTooLarge(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	items := make([]WriteItem, MaxWriteBatch+1)
	for i := range items {
		items[i] = WriteItem{Category: types.CategoryDecision, Content: "x"}
	}

	_, err := eng.Write(context.Background(), WriteRequest{ProjectID: "p", Items: items})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "items", ve.Field)
}

func TestWriteDurableFailureAbortsFully(t *testing.T) {
	store := new(MockDurableStore)
	embedder := &MockEmbedder{configured: true}
	idx := &MockIndex{configured: true}

	eng, err := NewEngine(store, embedder, idx, policy.NewEngine())
	require.NoError(t, err)
	eng.now = func() time.Time { return testNow }

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(embedResult(1), nil)
	store.On("UpsertBatch", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	_, err = eng.Write(context.Background(), WriteRequest{
		ProjectID: "proj-a",
		Items:     []WriteItem{{Category: types.CategoryDecision, Content: "doomed"}},
	})

	var dse *DurableStoreError
	require.ErrorAs(t, err, &dse)

	// No index write and no sync-status record may follow a durable
	// failure.
	idx.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "UpdateSyncStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWriteIndexFailureNonFatal(t *testing.T) {
	eng, _, embedder, idx := newTestEngine(t)
	ctx := context.Background()

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(embedResult(1), nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("qdrant unreachable"))

	written, err := eng.Write(ctx, WriteRequest{
		ProjectID: "proj-a",
		Items:     []WriteItem{{Category: types.CategoryDecision, Content: "survives index outage"}},
	})
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, types.SyncError, written[0].SyncStatus)
	assert.Contains(t, written[0].LastError, "qdrant unreachable")

	// Still retrievable through the recency-only path.
	got, err := eng.Read(ctx, ReadRequest{ProjectID: "proj-a", Scope: types.ScopeProject})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "survives index outage", got[0].Content)
	assert.Equal(t, types.SyncError, got[0].SyncStatus)
}

func TestWriteUnconfiguredEmbedderLeavesPending(t *testing.T) {
	eng, _, embedder, idx := newTestEngine(t)
	embedder.configured = false
	ctx := context.Background()

	written, err := eng.Write(ctx, WriteRequest{
		ProjectID: "proj-a",
		Items:     []WriteItem{{Category: types.CategoryDecision, Content: "no vector yet"}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.SyncPending, written[0].SyncStatus)
	assert.Empty(t, written[0].Embedding)

	embedder.AssertNotCalled(t, "EmbedBatch", mock.Anything, mock.Anything)
	idx.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestWriteSessionGetsTTL(t *testing.T) {
	eng, _, embedder, idx := newTestEngine(t)
	ctx := context.Background()

	embedder.On("EmbedBatch", mock.Anything, mock.Anything).Return(embedResult(1), nil)
	idx.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	written, err := eng.Write(ctx, WriteRequest{
		ProjectID: "proj-a",
		OwnerID:   "owner-a",
		Items: []WriteItem{{
			Category:       types.CategorySession,
			ConversationID: "conv-1",
			Content:        "scene draft direction",
		}},
	})
	require.NoError(t, err)
	require.NotNil(t, written[0].ExpiresAt)
	assert.Equal(t, testNow.Add(24*time.Hour), *written[0].ExpiresAt)
}
