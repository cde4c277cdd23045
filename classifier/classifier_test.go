package classifier_test

import (
	"testing"

	"github.com/kagome-ai/memengine/classifier"
	"github.com/kagome-ai/memengine/message"
	"github.com/stretchr/testify/assert"
)

func TestPlan_ContinuationCue(t *testing.T) {
	c := classifier.New()
	plan := c.Plan("continue where we left off", message.ConversationState{})
	assert.Equal(t, classifier.Continuation, plan.Type)
	assert.Equal(t, []classifier.TierKind{classifier.TierT3}, plan.TiersToUse)
}

func TestPlan_DeepRecallCue(t *testing.T) {
	c := classifier.New()
	plan := c.Plan("Quote exactly what I said about TLS", message.ConversationState{})
	assert.Equal(t, classifier.DeepRecall, plan.Type)
	assert.Contains(t, plan.TiersToUse, classifier.TierT1)
}

func TestPlan_ProceduralCue(t *testing.T) {
	c := classifier.New()
	plan := c.Plan("How do we handle retries?", message.ConversationState{})
	assert.Equal(t, classifier.ProceduralTrigger, plan.Type)
	assert.Contains(t, plan.TiersToUse, classifier.TierTP)
}

func TestPlan_FactRetrievalCue(t *testing.T) {
	c := classifier.New()
	plan := c.Plan("tell me about the database config", message.ConversationState{})
	assert.Equal(t, classifier.FactRetrieval, plan.Type)
}

func TestPlan_SignalStageNormalizesToDistribution(t *testing.T) {
	c := classifier.New()
	plan := c.Plan("what database did we pick for the project", message.ConversationState{})
	assert.GreaterOrEqual(t, plan.Confidence, 0.0)
	assert.LessOrEqual(t, plan.Confidence, 1.0)
	assert.NotEmpty(t, plan.TiersToUse)
}

func TestPlan_LowConfidenceUsesAllTiers(t *testing.T) {
	c := classifier.New()
	plan := c.Plan("hmm", message.ConversationState{TurnCount: 3})
	if plan.Confidence < 0.60 {
		assert.ElementsMatch(t, []classifier.TierKind{
			classifier.TierT3, classifier.TierT2, classifier.TierT1, classifier.TierTP,
		}, plan.TiersToUse)
	}
}

func TestPlan_EstimatedTokensIsPositiveWhenTiersChosen(t *testing.T) {
	c := classifier.New()
	plan := c.Plan("continue", message.ConversationState{})
	assert.Greater(t, plan.EstimatedTokens, 0)
}

func TestPlan_IsPureFunctionOfInputs(t *testing.T) {
	c := classifier.New()
	state := message.ConversationState{TurnCount: 3}
	a := c.Plan("what was the decision about caching", state)
	b := c.Plan("what was the decision about caching", state)
	assert.Equal(t, a, b)
}
