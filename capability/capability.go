// Package capability defines the text/embedding/LLM Capability the engine
// depends on (spec.md §6) and a deterministic mock implementation suitable
// for tests. Concrete production backends live in the capability/openaicap
// and capability/langchaincap subpackages.
package capability

import (
	"context"

	"github.com/kagome-ai/memengine/message"
)

// SentimentLabel is the coarse classification returned by AnalyzeSentiment.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
)

// MemoryContext is the minimal view of an assembled retrieval that
// AnswerWithContext needs; it is satisfied by engine.MemoryContext without
// capability importing engine (which would create an import cycle, since
// engine depends on capability for retrieval-time embedding calls).
type MemoryContext interface {
	Render() string
}

// Provider is the text/embedding/LLM Capability consumed by the engine
// (spec.md §6). Every operation accepts a context for cancellation.
type Provider interface {
	// Embed returns a fixed-dimension, cosine-comparable embedding for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ExtractEntities produces ExtractedEntity values from text.
	ExtractEntities(ctx context.Context, text string) ([]message.ExtractedEntity, error)

	// ClassifyQuery is an advisory fallback used only when the built-in
	// classifier's confidence is very low.
	ClassifyQuery(ctx context.Context, query string) (string, error)

	// Complete generates up to maxTokens of text continuing prompt.
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)

	// AnswerWithContext answers query given an assembled MemoryContext;
	// typically Complete(ctx.Render() + query, ...).
	AnswerWithContext(ctx context.Context, query string, memCtx MemoryContext) (string, error)

	// AnalyzeSentiment returns a score in [-1,1] and a coarse label.
	AnalyzeSentiment(ctx context.Context, text string) (float64, SentimentLabel, error)

	// ProposePattern asks the Capability to propose a behavioral pattern
	// from a procedural-looking message; the pattern stores validate the
	// mapped pattern.Proposal (same rule as PatternProposal.Valid) before
	// it is ever persisted (spec.md §4.6).
	ProposePattern(ctx context.Context, messageContent string) (PatternProposal, error)
}

// PatternProposal is the structured output expected from a Capability when
// asked to propose a new behavioral pattern during detection (spec.md §4.6).
type PatternProposal struct {
	Name                string   `json:"name"`
	Description         string   `json:"description"`
	Triggers            []string `json:"triggers"`
	InstructionTemplate string   `json:"instruction_template"`
}

// Valid reports whether the proposal has every field the pattern engine
// requires; a malformed proposal is treated as "no result" (spec.md §7),
// never an error that escapes the background detection path.
func (p PatternProposal) Valid() bool {
	return p.Name != "" && p.Description != "" && p.InstructionTemplate != "" && len(p.Triggers) > 0
}
