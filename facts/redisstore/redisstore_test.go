package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagome-ai/memengine/facts/redisstore"
	"github.com/kagome-ai/memengine/message"
)

func newTestStore(t *testing.T) *redisstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return redisstore.New(redisstore.Options{Addr: mr.Addr()})
}

func newFact(t *testing.T, key, value string, importance float64) message.Fact {
	t.Helper()
	f, err := message.NewFact("u1", "c1", message.ExtractedEntity{
		Key: key, Value: value, Importance: importance, Type: message.EntityOther,
	}, time.Now())
	require.NoError(t, err)
	return f
}

func TestStore_StoreAndSearchRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	f := newFact(t, "favorite_language", "Go", 0.7)
	require.NoError(t, store.StoreFacts(ctx, "u1", "c1", []message.Fact{f}))

	results, err := store.Search(ctx, "u1", "go", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Go", results[0].Value)
	assert.Equal(t, 2, results[0].AccessCount)
}

func TestStore_PruneRemovesStaleFacts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	stale, err := message.NewFact("u1", "c1", message.ExtractedEntity{
		Key: "k", Value: "v", Importance: 0.1, Type: message.EntityOther,
	}, time.Now().Add(-48*time.Hour))
	require.NoError(t, err)

	require.NoError(t, store.StoreFacts(ctx, "u1", "c1", []message.Fact{stale}))
	removed, err := store.Prune(ctx, "u1", 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestStore_DeleteFactRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	f := newFact(t, "k", "v", 0.5)
	require.NoError(t, store.StoreFacts(ctx, "u1", "c1", []message.Fact{f}))
	require.NoError(t, store.DeleteFact(ctx, "u1", f.ID))

	results, err := store.Search(ctx, "u1", "v", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_EraseUserRemovesEverything(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	f1 := newFact(t, "k1", "v1", 0.5)
	f2 := newFact(t, "k2", "v2", 0.5)
	require.NoError(t, store.StoreFacts(ctx, "u1", "c1", []message.Fact{f1, f2}))
	require.NoError(t, store.EraseUser(ctx, "u1"))

	results, err := store.Search(ctx, "u1", "v", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_RecordAccessErrorsOnMissingFact(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	err := store.RecordAccess(ctx, "u1", "missing")
	assert.Error(t, err)
}
