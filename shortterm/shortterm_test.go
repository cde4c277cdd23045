package shortterm_test

import (
	"context"
	"testing"
	"time"

	"github.com/kagome-ai/memengine/message"
	"github.com/kagome-ai/memengine/shortterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMsg(t *testing.T, userID, convID, content string, importance float64, ts time.Time) message.Message {
	t.Helper()
	m, err := message.New(userID, convID, message.RoleUser, content, ts)
	require.NoError(t, err)
	return m.WithImportance(importance)
}

func TestWindow_AddEvictsLowestImportanceOverCapacity(t *testing.T) {
	ctx := context.Background()
	w := shortterm.New(shortterm.Options{Capacity: 2, TTL: time.Hour})

	base := time.Now().UTC()
	low := newMsg(t, "u1", "c1", "low importance", 0.1, base)
	high := newMsg(t, "u1", "c1", "high importance", 0.9, base.Add(time.Minute))
	mid := newMsg(t, "u1", "c1", "mid importance", 0.5, base.Add(2*time.Minute))

	require.NoError(t, w.Add(ctx, "u1", "c1", low))
	require.NoError(t, w.Add(ctx, "u1", "c1", high))
	require.NoError(t, w.Add(ctx, "u1", "c1", mid))

	recent, err := w.GetRecent(ctx, "u1", "c1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	for _, m := range recent {
		assert.NotEqual(t, "low importance", m.Content)
	}
}

func TestWindow_AddEvictsOldestOnImportanceTie(t *testing.T) {
	ctx := context.Background()
	w := shortterm.New(shortterm.Options{Capacity: 1, TTL: time.Hour})

	base := time.Now().UTC()
	first := newMsg(t, "u1", "c1", "first", 0.5, base)
	second := newMsg(t, "u1", "c1", "second", 0.5, base.Add(time.Minute))

	require.NoError(t, w.Add(ctx, "u1", "c1", first))
	require.NoError(t, w.Add(ctx, "u1", "c1", second))

	recent, err := w.GetRecent(ctx, "u1", "c1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "second", recent[0].Content)
}

func TestWindow_GetRecentOrdersByTimestampAndCaps(t *testing.T) {
	ctx := context.Background()
	w := shortterm.New(shortterm.Options{Capacity: 10, TTL: time.Hour})

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		m := newMsg(t, "u1", "c1", string(rune('a'+i)), 0.5, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, w.Add(ctx, "u1", "c1", m))
	}

	recent, err := w.GetRecent(ctx, "u1", "c1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].Content)
	assert.Equal(t, "e", recent[1].Content)
}

func TestWindow_ClearEmptiesPartition(t *testing.T) {
	ctx := context.Background()
	w := shortterm.New(shortterm.DefaultOptions())
	m := newMsg(t, "u1", "c1", "hi", 0.5, time.Now())
	require.NoError(t, w.Add(ctx, "u1", "c1", m))
	require.NoError(t, w.Clear(ctx, "u1", "c1"))

	recent, err := w.GetRecent(ctx, "u1", "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestWindow_RemoveDeletesByID(t *testing.T) {
	ctx := context.Background()
	w := shortterm.New(shortterm.DefaultOptions())
	m := newMsg(t, "u1", "c1", "hi", 0.5, time.Now())
	require.NoError(t, w.Add(ctx, "u1", "c1", m))
	require.NoError(t, w.Remove(ctx, "u1", "c1", m.ID))

	recent, err := w.GetRecent(ctx, "u1", "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestWindow_EraseUserRemovesAllConversations(t *testing.T) {
	ctx := context.Background()
	w := shortterm.New(shortterm.DefaultOptions())
	m1 := newMsg(t, "u1", "c1", "hi", 0.5, time.Now())
	m2 := newMsg(t, "u1", "c2", "hi2", 0.5, time.Now())
	require.NoError(t, w.Add(ctx, "u1", "c1", m1))
	require.NoError(t, w.Add(ctx, "u1", "c2", m2))

	require.NoError(t, w.EraseUser(ctx, "u1"))

	count, _, _ := w.Stats("u1", "c1")
	assert.Equal(t, 0, count)
	count2, _, _ := w.Stats("u1", "c2")
	assert.Equal(t, 0, count2)
}

func TestWindow_PartitionSizeNeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	w := shortterm.New(shortterm.Options{Capacity: 3, TTL: time.Hour})
	base := time.Now().UTC()
	for i := 0; i < 20; i++ {
		m := newMsg(t, "u1", "c1", "msg", 0.5, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, w.Add(ctx, "u1", "c1", m))
	}
	count, _, _ := w.Stats("u1", "c1")
	assert.LessOrEqual(t, count, 3)
}

func TestWindow_ReclaimExpiredRemovesStalePartitions(t *testing.T) {
	ctx := context.Background()
	w := shortterm.New(shortterm.Options{Capacity: 10, TTL: time.Millisecond})
	m := newMsg(t, "u1", "c1", "hi", 0.5, time.Now())
	require.NoError(t, w.Add(ctx, "u1", "c1", m))

	time.Sleep(5 * time.Millisecond)
	reclaimed := w.ReclaimExpired(time.Now())
	assert.Equal(t, 1, reclaimed)
}
