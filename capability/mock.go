package capability

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/kagome-ai/memengine/message"
)

// Mock is a deterministic, hash-based Provider with rule-based
// classification and extraction. It is acceptable for tests per spec.md §6:
// no network calls, no randomness, same text always embeds to the same
// vector. Grounded on the teacher's MockEmbedder (rag/store/mock.go),
// generalized to the full Provider surface.
type Mock struct {
	Dimension int
}

var _ Provider = Mock{}

// NewMock returns a Mock producing embeddings of the given dimension.
func NewMock(dimension int) Mock {
	if dimension <= 0 {
		dimension = 16
	}
	return Mock{Dimension: dimension}
}

// Embed deterministically hashes text into a normalized float32 vector.
func (m Mock) Embed(_ context.Context, text string) ([]float32, error) {
	embedding := make([]float32, m.Dimension)
	for i := 0; i < m.Dimension; i++ {
		var sum float64
		for j, r := range text {
			sum += float64(r) * float64(i+j+1)
		}
		embedding[i] = float32(math.Sin(sum / 1000.0))
	}

	var norm float32
	for _, v := range embedding {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range embedding {
			embedding[i] /= norm
		}
	}
	return embedding, nil
}

var knownEntityMarkers = []struct {
	prefix string
	typ    message.EntityType
}{
	{"i use ", message.EntityTechnology},
	{"i prefer ", message.EntityPreference},
	{"i live in ", message.EntityPlace},
	{"my name is ", message.EntityPerson},
	{"we decided ", message.EntityDecision},
	{"i need ", message.EntityConstraint},
	{"i want to ", message.EntityGoal},
}

// ExtractEntities applies simple prefix matching against a fixed phrase
// table; good enough to exercise the extraction -> fact pipeline in tests
// without a real NLP backend.
func (m Mock) ExtractEntities(ctx context.Context, text string) ([]message.ExtractedEntity, error) {
	lower := strings.ToLower(text)
	var entities []message.ExtractedEntity

	for _, marker := range knownEntityMarkers {
		idx := strings.Index(lower, marker.prefix)
		if idx < 0 {
			continue
		}
		value := strings.TrimSpace(text[idx+len(marker.prefix):])
		if value == "" {
			continue
		}
		if len(value) > 60 {
			value = value[:60]
		}
		embedding, _ := m.Embed(ctx, value)
		entities = append(entities, message.ExtractedEntity{
			Key:        strings.TrimSpace(marker.prefix),
			Value:      value,
			Type:       marker.typ,
			Importance: 0.5,
			IsNovel:    true,
			Embedding:  embedding,
		})
	}

	return entities, nil
}

// ClassifyQuery is an advisory fallback; the mock simply echoes a coarse
// label derived from a trailing question mark.
func (m Mock) ClassifyQuery(_ context.Context, query string) (string, error) {
	if strings.HasSuffix(strings.TrimSpace(query), "?") {
		return "fact_retrieval", nil
	}
	return "continuation", nil
}

// Complete returns a deterministic stub completion; truncated to maxTokens
// words so callers can exercise token-budget plumbing in tests.
func (m Mock) Complete(_ context.Context, prompt string, maxTokens int) (string, error) {
	words := strings.Fields(fmt.Sprintf("mock-completion-for: %s", prompt))
	if maxTokens > 0 && len(words) > maxTokens {
		words = words[:maxTokens]
	}
	return strings.Join(words, " "), nil
}

// AnswerWithContext renders the MemoryContext and delegates to Complete.
func (m Mock) AnswerWithContext(ctx context.Context, query string, memCtx MemoryContext) (string, error) {
	prompt := memCtx.Render() + "\n" + query
	return m.Complete(ctx, prompt, 256)
}

// ProposePattern derives a trivial keyword-triggered pattern from the
// message content: the trigger is its first word, lowercased, with trailing
// non-alphanumeric characters trimmed; the name is derived from it.
// Deterministic, no network calls.
func (m Mock) ProposePattern(_ context.Context, messageContent string) (PatternProposal, error) {
	lower := strings.ToLower(messageContent)
	trigger := strings.TrimSpace(strings.Fields(lower)[0])
	for len(trigger) > 0 && !isAlnum(trigger[len(trigger)-1]) {
		trigger = trigger[:len(trigger)-1]
	}
	if trigger == "" {
		return PatternProposal{}, nil
	}

	name := "mock-pattern-" + trigger
	return PatternProposal{
		Name:                name,
		Description:         fmt.Sprintf("Detected procedural request around %q", trigger),
		Triggers:            []string{trigger},
		InstructionTemplate: fmt.Sprintf("Repeat the steps previously used for %q.", trigger),
	}, nil
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

var negativeWords = []string{"bad", "broken", "angry", "frustrated", "hate", "fail"}
var positiveWords = []string{"good", "great", "love", "thanks", "excellent"}

// AnalyzeSentiment implements a minimal bag-of-words scorer.
func (m Mock) AnalyzeSentiment(_ context.Context, text string) (float64, SentimentLabel, error) {
	lower := strings.ToLower(text)
	score := 0.0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			score += 0.4
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			score -= 0.4
		}
	}
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}

	label := SentimentNeutral
	switch {
	case score > 0.1:
		label = SentimentPositive
	case score < -0.1:
		label = SentimentNegative
	}
	return score, label, nil
}
