package scorer_test

import (
	"testing"
	"time"

	"github.com/kagome-ai/memengine/message"
	"github.com/kagome-ai/memengine/scorer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMessage(t *testing.T, content string) message.Message {
	t.Helper()
	msg, err := message.New("user-1", "conv-1", message.RoleUser, content, time.Now())
	require.NoError(t, err)
	return msg
}

func TestScore_IsBoundedToUnitInterval(t *testing.T) {
	s := scorer.New()
	contents := []string{
		"hi",
		"We've decided this is critical and must ship! IMPORTANT!!! API latency CRITICAL bug???",
		"```go\nfunc main() {}\n```",
		"",
	}
	for _, c := range contents {
		if c == "" {
			continue
		}
		msg := mustMessage(t, c)
		got := s.Score(msg)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	}
}

func TestScore_DefaultsWhenNoSignalsFire(t *testing.T) {
	s := scorer.New()
	msg := mustMessage(t, "ok")
	assert.InDelta(t, 0.30, s.Score(msg), 1e-9)
}

func TestScore_DecisionLanguageOutweighsPlainText(t *testing.T) {
	s := scorer.New()
	plain := mustMessage(t, "the weather is nice today")
	decision := mustMessage(t, "We've decided to go with the new plan")
	assert.Greater(t, s.Score(decision), s.Score(plain))
}

func TestScore_CodeFencedBlockScoresHighly(t *testing.T) {
	s := scorer.New()
	msg := mustMessage(t, "```python\nprint('hello')\n```")
	assert.Greater(t, s.Score(msg), 0.3)
}

func TestExplain_BreakdownIsDiagnosticOnly(t *testing.T) {
	s := scorer.New()
	msg := mustMessage(t, "this is critical, we must ship it now!")
	score, breakdown := s.Explain(msg, time.Now())
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	assert.GreaterOrEqual(t, breakdown.RecencyFactor, 1.0)
}

func TestScore_PureFunctionOfContentAndMetadata(t *testing.T) {
	s := scorer.New()
	msg := mustMessage(t, "Remember this important detail")
	a := s.Score(msg)
	b := s.Score(msg)
	assert.Equal(t, a, b)
}
