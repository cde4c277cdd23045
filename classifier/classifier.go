// Package classifier implements the query classifier (C2): a pure,
// two-stage function from a query string and conversation state to a
// QueryPlan naming which tiers the orchestrator should consult.
package classifier

import (
	"math"
	"regexp"
	"strings"

	"github.com/kagome-ai/memengine/message"
)

// QueryType names the kind of query a plan was built for.
type QueryType string

const (
	Continuation      QueryType = "continuation"
	FactRetrieval     QueryType = "fact_retrieval"
	DeepRecall        QueryType = "deep_recall"
	Complex           QueryType = "complex"
	ProceduralTrigger QueryType = "procedural_trigger"
)

// TierKind names a memory tier.
type TierKind string

const (
	TierT3 TierKind = "T3"
	TierT2 TierKind = "T2"
	TierT1 TierKind = "T1"
	TierTP TierKind = "TP"
)

// per-tier token budgets used for the estimate, before confidence discounting.
var tierBudget = map[TierKind]int{
	TierT3: 500,
	TierT2: 400,
	TierT1: 300,
	TierTP: 100,
}

// QueryPlan is the classifier's output: which kind of query this is, which
// tiers the orchestrator should read, and a rough token budget.
type QueryPlan struct {
	Type            QueryType
	TiersToUse      []TierKind
	EstimatedTokens int
	Confidence      float64
}

// Classifier is a stateless, pure plan(query, state) function.
type Classifier struct{}

// New returns a Classifier. It carries no state.
func New() Classifier { return Classifier{} }

var continuationCues = []string{
	"continue", "go on", "and then", "keep going", "what about", "also,",
}

var deepRecallCues = []string{"quote", "exactly", "verbatim", "word for word"}
var proceduralCues = []string{"write code", "generate", "build", "implement", "refactor", "handle", "deal with"}
var factCues = []string{"what was", "tell me about", "what did i say about", "remind me"}

// Plan runs the two-stage classification described for C2.
func (Classifier) Plan(query string, state message.ConversationState) QueryPlan {
	lower := strings.ToLower(strings.TrimSpace(query))

	if plan, ok := fastStage(lower); ok {
		return finalize(plan, 1.0)
	}

	scores := signalScores(lower, query, state)
	qType, confidence := argmax(scores)
	tiers := tiersForConfidence(qType, confidence)
	return finalize(QueryPlan{Type: qType, TiersToUse: tiers}, confidence)
}

func fastStage(lower string) (QueryPlan, bool) {
	for _, cue := range continuationCues {
		if strings.HasPrefix(lower, cue) {
			return QueryPlan{Type: Continuation, TiersToUse: []TierKind{TierT3}}, true
		}
	}
	for _, cue := range deepRecallCues {
		if strings.Contains(lower, cue) {
			return QueryPlan{Type: DeepRecall, TiersToUse: []TierKind{TierT3, TierT2, TierT1}}, true
		}
	}
	for _, cue := range proceduralCues {
		if strings.Contains(lower, cue) {
			return QueryPlan{Type: ProceduralTrigger, TiersToUse: []TierKind{TierT3, TierTP}}, true
		}
	}
	for _, cue := range factCues {
		if strings.Contains(lower, cue) {
			return QueryPlan{Type: FactRetrieval, TiersToUse: []TierKind{TierT3, TierT2}}, true
		}
	}
	return QueryPlan{}, false
}

// narrowTiers is the minimal tier set for each signal-stage query type.
var narrowTiers = map[QueryType][]TierKind{
	FactRetrieval:     {TierT3, TierT2},
	DeepRecall:        {TierT3, TierT2, TierT1},
	ProceduralTrigger: {TierT3, TierTP},
	Complex:           {TierT3, TierT2, TierT1, TierTP},
}

func tiersForConfidence(qType QueryType, confidence float64) []TierKind {
	switch {
	case confidence >= 0.80:
		return narrowTiers[qType]
	case confidence >= 0.60:
		tiers := append([]TierKind{}, narrowTiers[qType]...)
		return appendTierIfMissing(tiers, TierT1)
	default:
		return []TierKind{TierT3, TierT2, TierT1, TierTP}
	}
}

func appendTierIfMissing(tiers []TierKind, tier TierKind) []TierKind {
	for _, t := range tiers {
		if t == tier {
			return tiers
		}
	}
	return append(tiers, tier)
}

func finalize(plan QueryPlan, confidence float64) QueryPlan {
	total := 0
	for _, t := range plan.TiersToUse {
		total += tierBudget[t]
	}
	plan.EstimatedTokens = int(math.Round(float64(total) * confidenceDiscount(confidence)))
	plan.Confidence = confidence
	return plan
}

// confidenceDiscount shrinks the token estimate as confidence falls, since a
// low-confidence plan spreads its budget across more tiers and each tier's
// contribution is less trusted.
func confidenceDiscount(confidence float64) float64 {
	if confidence >= 0.80 {
		return 1.0
	}
	if confidence >= 0.60 {
		return 0.85
	}
	return 0.70
}

func argmax(scores map[QueryType]float64) (QueryType, float64) {
	var best QueryType
	var bestScore float64 = -1
	for qType, score := range scores {
		if score > bestScore {
			best, bestScore = qType, score
		}
	}
	return best, bestScore
}

var emphaticAdverbs = []string{"urgently", "immediately", "definitely", "absolutely", "really"}
var negationCues = []string{"not", "never", "don't", "doesn't", "isn't"}

var retrievalPhrases = map[string]float64{
	"what":    0.30,
	"when":    0.25,
	"where":   0.25,
	"who":     0.20,
	"find":    0.20,
	"look up": 0.25,
}

var decisionPhrases = map[string]float64{
	"decide":    0.30,
	"decision":  0.30,
	"chose":     0.25,
	"agreed":    0.25,
	"concluded": 0.20,
}

var patternPhrases = map[string]float64{
	"every time": 0.35,
	"whenever":   0.30,
	"always":     0.20,
	"from now on": 0.30,
	"in the future": 0.20,
	"handle":     0.25,
	"deal with":  0.25,
}

var narrativePhrases = map[string]float64{
	"story":     0.30,
	"explain":   0.20,
	"walk me through": 0.35,
	"describe":  0.20,
	"why":       0.20,
}

var questionWordRE = regexp.MustCompile(`\b(what|when|where|who|how|why)\b`)

// signalScores computes the four raw signal totals (retrieval, decision,
// pattern, narrative) and returns them keyed by the QueryType each maps to.
func signalScores(lower, original string, state message.ConversationState) map[QueryType]float64 {
	retrieval := sumPhrases(lower, retrievalPhrases)
	decision := sumPhrases(lower, decisionPhrases)
	pattern := sumPhrases(lower, patternPhrases)
	narrative := sumPhrases(lower, narrativePhrases)

	intensity := languageIntensity(original)
	retrieval *= intensity
	decision *= intensity
	pattern *= intensity
	narrative *= intensity

	if hasNegation(lower) {
		decision *= 0.7
		pattern *= 0.7
	}

	// The early-turn bonus nudges ambiguous queries toward narrative framing,
	// but must never let it outrank a signal that already has a genuine
	// phrase-table match of its own (e.g. a procedural cue like "handle").
	if state.TurnCount <= 2 && pattern < 0.01 && decision < 0.01 {
		narrative += 0.10
	}

	total := retrieval + decision + pattern + narrative
	if total < 1e-9 {
		return map[QueryType]float64{
			FactRetrieval:     0.25,
			DeepRecall:        0.25,
			ProceduralTrigger: 0.25,
			Complex:           0.25,
		}
	}

	return map[QueryType]float64{
		FactRetrieval:     retrieval / total,
		DeepRecall:        decision / total,
		ProceduralTrigger: pattern / total,
		Complex:           narrative / total,
	}
}

func sumPhrases(lower string, table map[string]float64) float64 {
	var total float64
	for phrase, weight := range table {
		if strings.Contains(lower, phrase) {
			total += weight
		}
	}
	if questionWordRE.MatchString(lower) {
		total += 0.05
	}
	if len(lower) > 200 {
		total += 0.05
	}
	return total
}

func languageIntensity(original string) float64 {
	intensity := 1.0
	if hasLetters(original) && strings.ToUpper(original) == original {
		intensity += 0.15
	}
	if strings.Contains(original, "!") {
		intensity += 0.10
	}
	lower := strings.ToLower(original)
	for _, adverb := range emphaticAdverbs {
		if strings.Contains(lower, adverb) {
			intensity += 0.10
			break
		}
	}
	return intensity
}

func hasLetters(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}

func hasNegation(lower string) bool {
	for _, cue := range negationCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}
