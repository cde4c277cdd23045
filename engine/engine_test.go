package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagome-ai/memengine/archive"
	"github.com/kagome-ai/memengine/capability"
	"github.com/kagome-ai/memengine/classifier"
	"github.com/kagome-ai/memengine/engine"
	"github.com/kagome-ai/memengine/facts"
	"github.com/kagome-ai/memengine/message"
	"github.com/kagome-ai/memengine/pattern"
	"github.com/kagome-ai/memengine/shortterm"
)

func newTestOrchestrator(t *testing.T) (*engine.Orchestrator, *archive.Memory, *facts.Memory, *pattern.Memory) {
	t.Helper()
	archiveStore := archive.New()
	factStore := facts.New()
	patternStore := pattern.New(pattern.Options{})
	o := engine.New(shortterm.New(shortterm.DefaultOptions()), factStore, archiveStore, patternStore, capability.NewMock(8), engine.Options{
		BackgroundDeadline: 2 * time.Second,
	})
	t.Cleanup(o.Close)
	return o, archiveStore, factStore, patternStore
}

func TestOrchestrator_Store_WritesT3AndT1(t *testing.T) {
	o, archiveStore, _, _ := newTestOrchestrator(t)
	msg, err := message.New("u1", "c1", message.RoleUser, "hello there", time.Now())
	require.NoError(t, err)

	require.NoError(t, o.Store(context.Background(), "u1", "c1", msg))

	hits, err := archiveStore.Search(context.Background(), "u1", "hello", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, msg.ID, hits[0].ID)
	assert.Greater(t, hits[0].Metadata.Importance, 0.0)
}

func TestOrchestrator_Store_BackgroundExtractsFactsAndDetectsPattern(t *testing.T) {
	o, _, factStore, patternStore := newTestOrchestrator(t)

	msg, err := message.New("u1", "c1", message.RoleUser, "I use postgres for storage", time.Now())
	require.NoError(t, err)
	require.NoError(t, o.Store(context.Background(), "u1", "c1", msg))

	procMsg, err := message.New("u1", "c1", message.RoleUser, "please build the release notes", time.Now())
	require.NoError(t, err)
	require.NoError(t, o.Store(context.Background(), "u1", "c1", procMsg))

	require.Eventually(t, func() bool {
		return factStore.Stats("u1") > 0
	}, 2*time.Second, 10*time.Millisecond, "expected background entity extraction to store at least one fact")

	require.Eventually(t, func() bool {
		return patternStore.Stats("u1") > 0
	}, 2*time.Second, 10*time.Millisecond, "expected background detection to store at least one pattern")
}

func TestOrchestrator_Retrieve_AssemblesContext(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	msg, err := message.New("u1", "c1", message.RoleUser, "remember that the deploy window is Friday", time.Now())
	require.NoError(t, err)
	require.NoError(t, o.Store(context.Background(), "u1", "c1", msg))

	memCtx, err := o.Retrieve(context.Background(), "u1", "c1", "what was the deploy window")
	require.NoError(t, err)
	assert.Equal(t, classifier.FactRetrieval, memCtx.Plan.Type)
	assert.GreaterOrEqual(t, memCtx.RetrievalLatencyMs, int64(0))
	assert.Contains(t, memCtx.Render(), "=== Recent Conversation ===")
	assert.Empty(t, memCtx.DegradedTiers)
}

type failingArchive struct{ archive.Store }

func (failingArchive) Search(context.Context, string, string, int) ([]message.Message, error) {
	return nil, errors.New("archive unavailable")
}

func TestOrchestrator_Retrieve_DegradesOnTierFailure(t *testing.T) {
	factStore := facts.New()
	patternStore := pattern.New(pattern.Options{})
	o := engine.New(shortterm.New(shortterm.DefaultOptions()), factStore, failingArchive{archive.New()}, patternStore, capability.NewMock(8), engine.Options{
		BackgroundDeadline: time.Second,
	})
	t.Cleanup(o.Close)

	memCtx, err := o.Retrieve(context.Background(), "u1", "c1", "quote exactly what I said about TLS")
	require.NoError(t, err)
	assert.Contains(t, memCtx.DegradedTiers, classifier.TierT1)
}

func TestOrchestrator_EraseUser_ClearsAllTiers(t *testing.T) {
	o, archiveStore, factStore, patternStore := newTestOrchestrator(t)

	msg, err := message.New("u1", "c1", message.RoleUser, "I prefer dark mode", time.Now())
	require.NoError(t, err)
	require.NoError(t, o.Store(context.Background(), "u1", "c1", msg))

	require.Eventually(t, func() bool {
		return factStore.Stats("u1") > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, o.EraseUser(context.Background(), "u1"))

	assert.Equal(t, 0, archiveStore.Stats("u1"))
	assert.Equal(t, 0, factStore.Stats("u1"))
	assert.Equal(t, 0, patternStore.Stats("u1"))

	memCtx, err := o.Retrieve(context.Background(), "u1", "c1", "anything")
	require.NoError(t, err)
	assert.Empty(t, memCtx.ShortTerm)
	assert.Empty(t, memCtx.Facts)
}
