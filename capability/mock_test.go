package capability_test

import (
	"context"
	"testing"

	"github.com/kagome-ai/memengine/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock_EmbedIsDeterministic(t *testing.T) {
	m := capability.NewMock(8)
	ctx := context.Background()

	a, err := m.Embed(ctx, "hello world")
	require.NoError(t, err)
	b, err := m.Embed(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 8)
}

func TestMock_EmbedDiffersForDifferentText(t *testing.T) {
	m := capability.NewMock(8)
	ctx := context.Background()

	a, _ := m.Embed(ctx, "hello")
	b, _ := m.Embed(ctx, "goodbye")
	assert.NotEqual(t, a, b)
}

func TestMock_ExtractEntitiesFindsKnownMarkers(t *testing.T) {
	m := capability.NewMock(4)
	entities, err := m.ExtractEntities(context.Background(), "I use PostgreSQL for storage")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "PostgreSQL for storage", entities[0].Value)
	assert.True(t, entities[0].IsNovel)
}

func TestMock_AnalyzeSentiment(t *testing.T) {
	m := capability.NewMock(4)
	score, label, err := m.AnalyzeSentiment(context.Background(), "this is great, I love it")
	require.NoError(t, err)
	assert.Greater(t, score, 0.0)
	assert.Equal(t, capability.SentimentPositive, label)
}

func TestPatternProposal_ValidRejectsMissingFields(t *testing.T) {
	p := capability.PatternProposal{Name: "x"}
	assert.False(t, p.Valid())

	p = capability.PatternProposal{
		Name:                "x",
		Description:         "y",
		Triggers:            []string{"a"},
		InstructionTemplate: "z",
	}
	assert.True(t, p.Valid())
}
