package facts_test

import (
	"context"
	"testing"
	"time"

	"github.com/kagome-ai/memengine/facts"
	"github.com/kagome-ai/memengine/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFact(t *testing.T, userID, key, value string, importance float64) message.Fact {
	t.Helper()
	f, err := message.NewFact(userID, "c1", message.ExtractedEntity{
		Key: key, Value: value, Importance: importance, Type: message.EntityOther,
	}, time.Now())
	require.NoError(t, err)
	return f
}

func TestStore_SearchOrdersByImportanceDescending(t *testing.T) {
	ctx := context.Background()
	store := facts.New()

	low := newFact(t, "u1", "stack_db", "postgres", 0.2)
	high := newFact(t, "u1", "stack_lang", "go", 0.9)
	require.NoError(t, store.StoreFacts(ctx, "u1", "c1", []message.Fact{low, high}))

	results, err := store.Search(ctx, "u1", "stack", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "go", results[0].Value)
	assert.Equal(t, "postgres", results[1].Value)
}

func TestStore_SearchLexicalMatch(t *testing.T) {
	ctx := context.Background()
	store := facts.New()

	f := newFact(t, "u1", "favorite_language", "Go", 0.5)
	require.NoError(t, store.StoreFacts(ctx, "u1", "c1", []message.Fact{f}))

	results, err := store.Search(ctx, "u1", "go", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].AccessCount) // search counts as an access
}

func TestStore_PruneRemovesLowAccessStaleFacts(t *testing.T) {
	ctx := context.Background()
	store := facts.New()

	stale, err := message.NewFact("u1", "c1", message.ExtractedEntity{
		Key: "k", Value: "v", Importance: 0.1, Type: message.EntityOther,
	}, time.Now().Add(-48*time.Hour))
	require.NoError(t, err)

	require.NoError(t, store.StoreFacts(ctx, "u1", "c1", []message.Fact{stale}))
	removed, err := store.Prune(ctx, "u1", 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, store.Stats("u1"))
}

func TestStore_DeleteFactRemovesByID(t *testing.T) {
	ctx := context.Background()
	store := facts.New()
	f := newFact(t, "u1", "k", "v", 0.5)
	require.NoError(t, store.StoreFacts(ctx, "u1", "c1", []message.Fact{f}))
	require.NoError(t, store.DeleteFact(ctx, "u1", f.ID))
	assert.Equal(t, 0, store.Stats("u1"))
}

func TestStore_EraseUserRemovesAllFacts(t *testing.T) {
	ctx := context.Background()
	store := facts.New()
	f1 := newFact(t, "u1", "k1", "v1", 0.5)
	f2 := newFact(t, "u1", "k2", "v2", 0.5)
	require.NoError(t, store.StoreFacts(ctx, "u1", "c1", []message.Fact{f1, f2}))
	require.NoError(t, store.EraseUser(ctx, "u1"))
	assert.Equal(t, 0, store.Stats("u1"))
}

func TestStore_RecordAccessErrorsOnUnknownFact(t *testing.T) {
	ctx := context.Background()
	store := facts.New()
	err := store.RecordAccess(ctx, "u1", "missing")
	assert.Error(t, err)
}
