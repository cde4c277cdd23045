package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/kagome-ai/memengine/archive"
	"github.com/kagome-ai/memengine/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMsg(t *testing.T, userID, content string, importance float64, ts time.Time) message.Message {
	t.Helper()
	m, err := message.New(userID, "c1", message.RoleUser, content, ts)
	require.NoError(t, err)
	return m.WithImportance(importance)
}

func TestMemory_ArchiveAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := archive.New()
	m := newMsg(t, "u1", "we chose postgres for storage", 0.5, time.Now())
	require.NoError(t, a.Archive(ctx, m))

	got, err := a.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
}

func TestMemory_SearchOrdersByRelevanceThenImportance(t *testing.T) {
	ctx := context.Background()
	a := archive.New()
	base := time.Now()

	weak := newMsg(t, "u1", "postgres is fine", 0.2, base)
	strong := newMsg(t, "u1", "postgres postgres postgres database choice", 0.9, base.Add(time.Minute))
	unrelated := newMsg(t, "u1", "the weather is nice today", 0.9, base.Add(2*time.Minute))

	require.NoError(t, a.Archive(ctx, weak))
	require.NoError(t, a.Archive(ctx, strong))
	require.NoError(t, a.Archive(ctx, unrelated))

	results, err := a.Search(ctx, "u1", "postgres", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, strong.ID, results[0].ID)
	assert.Equal(t, weak.ID, results[1].ID)
}

func TestMemory_DeleteRemovesMessage(t *testing.T) {
	ctx := context.Background()
	a := archive.New()
	m := newMsg(t, "u1", "hello", 0.5, time.Now())
	require.NoError(t, a.Archive(ctx, m))
	require.NoError(t, a.Delete(ctx, "u1", m.ID))

	_, err := a.Get(ctx, m.ID)
	assert.Error(t, err)
}

func TestMemory_EraseUserRemovesAllMessages(t *testing.T) {
	ctx := context.Background()
	a := archive.New()
	m1 := newMsg(t, "u1", "hello", 0.5, time.Now())
	m2 := newMsg(t, "u1", "world", 0.5, time.Now())
	require.NoError(t, a.Archive(ctx, m1))
	require.NoError(t, a.Archive(ctx, m2))
	require.NoError(t, a.EraseUser(ctx, "u1"))

	assert.Equal(t, 0, a.Stats("u1"))
	_, err := a.Get(ctx, m1.ID)
	assert.Error(t, err)
}

func TestMemory_GetUnknownMessageErrors(t *testing.T) {
	ctx := context.Background()
	a := archive.New()
	_, err := a.Get(ctx, "missing")
	assert.Error(t, err)
}
