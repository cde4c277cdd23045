// Package scorer implements the Salience Scorer (spec.md §4.1): a pure
// function of a message's content, timestamp, and metadata that produces a
// scalar importance in [0,1]. It performs no I/O and holds no state, so a
// single package-level Scorer value can be shared across every caller.
package scorer

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/kagome-ai/memengine/message"
)

// Breakdown is the diagnostic, non-authoritative decomposition of a score
// (spec.md §4.1, §9 open question). Callers that need a structured view of
// why a message scored the way it did can read this; only Score is ever
// used for retention/ranking decisions.
type Breakdown struct {
	Base            float64
	EmotionalWeight float64
	NoveltyBoost    float64
	RecencyFactor   float64
}

// Scorer computes salience. The zero value is ready to use.
type Scorer struct{}

// New returns a ready-to-use Scorer.
func New() Scorer { return Scorer{} }

// Score implements the contract score(message) -> importance in [0,1].
func (Scorer) Score(msg message.Message) float64 {
	signals := collectSignals(msg)
	return combine(signals)
}

// Explain returns the same authoritative Score plus a diagnostic Breakdown.
// Breakdown's fields are informational only: per the spec's open question,
// downstream consumers must never try to reconstruct Score by summing them.
func (s Scorer) Explain(msg message.Message, now time.Time) (float64, Breakdown) {
	signals := collectSignals(msg)
	score := combine(signals)

	emotional := signals["sentiment"]
	novelty := signals["novelty"]
	base := score
	for _, k := range []string{"sentiment", "novelty"} {
		delete(signals, k)
	}
	if len(signals) > 0 {
		base = combine(signals)
	}

	age := now.Sub(msg.Timestamp)
	recency := math.Exp(-age.Hours() / 24)
	if age < time.Hour {
		recency = math.Max(recency, 1.0)
	}

	return score, Breakdown{
		Base:            base,
		EmotionalWeight: emotional,
		NoveltyBoost:    novelty,
		RecencyFactor:   recency,
	}
}

const signalThreshold = 0.01

// combine implements: collect non-zero signals (threshold 0.01); if none,
// return 0.30; otherwise min(1.0, 0.90 * geometric_mean(non_zero)). The
// geometric mean is deliberate: it punishes a message that only grazes many
// weak signals far more than the arithmetic mean would, and the 0.90
// dampener keeps several strong co-occurring signals from saturating to 1.0.
func combine(signals map[string]float64) float64 {
	values := make([]float64, 0, len(signals))
	for _, v := range signals {
		if v >= signalThreshold {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0.30
	}

	logSum := 0.0
	for _, v := range values {
		logSum += math.Log(v)
	}
	geoMean := math.Exp(logSum / float64(len(values)))

	return math.Min(1.0, 0.90*geoMean)
}

func collectSignals(msg message.Message) map[string]float64 {
	content := msg.Content
	lower := strings.ToLower(content)

	return map[string]float64{
		"decision":   decisionLanguage(lower),
		"importance": explicitImportanceMarkers(lower),
		"question":   questionShape(content, lower),
		"code":       codeContent(content, lower),
		"novelty":    novelty(msg),
		"sentiment":  sentiment(content, lower),
		"technical":  technicalDepth(content, lower),
		"context":    conversationContext(msg, lower),
	}
}

var finalDecisionPhrases = []string{"we will", "i've decided", "we've decided", "let's go with", "decision is", "final answer", "we've chosen"}
var forwardCommitmentPhrases = []string{"i'll", "we'll", "going to", "next step", "plan to"}
var hedgePhrases = []string{"maybe we should", "might want to", "could consider", "perhaps"}

// decisionLanguage returns the highest weight among matched phrases from a
// weighted phrase table (spec.md §4.1 signal 1).
func decisionLanguage(lower string) float64 {
	best := 0.0
	for _, p := range finalDecisionPhrases {
		if strings.Contains(lower, p) {
			best = math.Max(best, 0.50)
		}
	}
	for _, p := range forwardCommitmentPhrases {
		if strings.Contains(lower, p) {
			best = math.Max(best, 0.25)
		}
	}
	for _, p := range hedgePhrases {
		if strings.Contains(lower, p) {
			best = math.Max(best, 0.15)
		}
	}
	return best
}

func explicitImportanceMarkers(lower string) float64 {
	best := 0.0
	for _, p := range []string{"critical", "must", "required"} {
		if strings.Contains(lower, p) {
			best = math.Max(best, 0.60)
		}
	}
	for _, p := range []string{"important", "remember", "key"} {
		if strings.Contains(lower, p) {
			best = math.Max(best, 0.40)
		}
	}
	for _, p := range []string{"don't forget", "take note"} {
		if strings.Contains(lower, p) {
			best = math.Max(best, 0.35)
		}
	}
	return best
}

var modalVerbs = []string{"should", "could", "would", "might", "must", "can"}

// questionShape implements signal 3: terminal "?" scored 0.20 factual, 0.40
// deliberative when combined with a modal verb, 0.05 for a non-terminal "?".
func questionShape(content, lower string) float64 {
	trimmed := strings.TrimRightFunc(content, unicode.IsSpace)
	if trimmed == "" {
		return 0
	}

	terminal := strings.HasSuffix(trimmed, "?")
	hasMark := strings.Contains(content, "?")

	if !terminal {
		if hasMark {
			return 0.05
		}
		return 0
	}

	for _, modal := range modalVerbs {
		if strings.Contains(lower, modal) {
			return 0.40
		}
	}
	return 0.20
}

var codeVocabulary = []string{"function", "class", "func", "struct", "interface", "package", "import", "const", "return"}

// codeContent implements signal 4.
func codeContent(content, lower string) float64 {
	if strings.Contains(content, "```") {
		return 0.60
	}
	if idx := strings.IndexByte(content, '`'); idx >= 0 {
		rest := content[idx+1:]
		if end := strings.IndexByte(rest, '`'); end > 0 {
			return 0.45
		}
	}
	for _, v := range codeVocabulary {
		if strings.Contains(lower, v) {
			return 0.30
		}
	}
	return 0
}

// novelty implements signal 5: min(0.15*#novel_entities, 0.50) + 0.30 if
// first_message tag + min(0.05*#uncommon_capitalized_words, 0.20).
func novelty(msg message.Message) float64 {
	novelEntities := 0
	for _, e := range msg.Metadata.ExtractedEntities {
		if e.IsNovel {
			novelEntities++
		}
	}
	score := math.Min(0.15*float64(novelEntities), 0.50)

	if msg.Metadata.HasTag("first_message") {
		score += 0.30
	}

	uncommonCaps := countUncommonCapitalizedWords(msg.Content)
	score += math.Min(0.05*float64(uncommonCaps), 0.20)

	return score
}

func countUncommonCapitalizedWords(content string) int {
	fields := strings.Fields(content)
	count := 0
	for i, f := range fields {
		trimmed := strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) })
		if trimmed == "" {
			continue
		}
		if i == 0 {
			continue // sentence-initial capitalization doesn't count as novel
		}
		runes := []rune(trimmed)
		if unicode.IsUpper(runes[0]) {
			count++
		}
	}
	return count
}

var negativeKeywords = []string{"frustrated", "broken", "fails", "error", "angry", "worried", "hate"}
var positiveKeywords = []string{"great", "excellent", "love", "perfect", "awesome", "thanks"}

// sentiment implements signal 6.
func sentiment(content, lower string) float64 {
	score := 0.0
	for _, k := range negativeKeywords {
		if strings.Contains(lower, k) {
			score = math.Max(score, 0.35)
		}
	}
	for _, k := range positiveKeywords {
		if strings.Contains(lower, k) {
			score = math.Max(score, 0.25)
		}
	}
	exclamations := strings.Count(content, "!")
	score += math.Min(0.05*float64(exclamations), 0.15)
	return score
}

var domainVocabulary = []string{"api", "database", "algorithm", "latency", "throughput", "concurrency", "schema", "pipeline", "architecture"}

// technicalDepth implements signal 7: domain vocabulary count * 0.15 (cap
// 0.40) + 0.15 if length > 200 chars + acronym count * 0.10 (cap 0.20).
func technicalDepth(content, lower string) float64 {
	domainCount := 0
	for _, v := range domainVocabulary {
		if strings.Contains(lower, v) {
			domainCount++
		}
	}
	score := math.Min(float64(domainCount)*0.15, 0.40)

	if len(content) > 200 {
		score += 0.15
	}

	acronyms := countAcronyms(content)
	score += math.Min(float64(acronyms)*0.10, 0.20)

	return score
}

func countAcronyms(content string) int {
	count := 0
	for _, f := range strings.Fields(content) {
		trimmed := strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) })
		if len(trimmed) < 2 {
			continue
		}
		allUpper := true
		for _, r := range trimmed {
			if !unicode.IsUpper(r) {
				allUpper = false
				break
			}
		}
		if allUpper {
			count++
		}
	}
	return count
}

var backReferencePhrases = []string{"as we discussed", "previously", "as mentioned"}
var forwardReferencePhrases = []string{"later we'll", "in the future", "down the line", "we'll come back to"}

// conversationContext implements signal 8.
func conversationContext(msg message.Message, lower string) float64 {
	score := 0.0
	if msg.Metadata.HasTag("early_conversation") {
		score += 0.15
	}
	for _, p := range backReferencePhrases {
		if strings.Contains(lower, p) {
			score += 0.25
			break
		}
	}
	for _, p := range forwardReferencePhrases {
		if strings.Contains(lower, p) {
			score += 0.20
			break
		}
	}
	return score
}
