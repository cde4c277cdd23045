// Package langchaincap adapts github.com/tmc/langchaingo's embeddings.Embedder
// and llms.Model interfaces into a capability.Provider, grounded in the
// teacher's LangChainEmbedder adapter (rag/adapters.go).
package langchaincap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kagome-ai/memengine/capability"
	"github.com/kagome-ai/memengine/message"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
)

// Backend is a capability.Provider backed by a langchaingo embedder and LLM.
// Entity extraction, query classification, and sentiment analysis are all
// implemented as structured completions over the same LLM, since
// langchaingo exposes no dedicated endpoints for them.
type Backend struct {
	embedder embeddings.Embedder
	llm      llms.Model
}

var _ capability.Provider = (*Backend)(nil)

// New wraps an existing langchaingo embedder and LLM.
func New(embedder embeddings.Embedder, llm llms.Model) *Backend {
	return &Backend{embedder: embedder, llm: llm}
}

// Embed delegates to the embedder's EmbedQuery, converting float64 to
// float32 the way LangChainEmbedder.EmbedDocument does.
func (b *Backend) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := b.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("langchaincap: embed query: %w", err)
	}
	result := make([]float32, len(vec))
	for i, v := range vec {
		result[i] = float32(v)
	}
	return result, nil
}

// ExtractEntities asks the LLM for a newline-delimited "key: value" list and
// parses it defensively; any line that doesn't split on ": " is skipped
// rather than failing the whole extraction.
func (b *Backend) ExtractEntities(ctx context.Context, text string) ([]message.ExtractedEntity, error) {
	prompt := "Extract key facts from this message as \"key: value\" lines, one per fact:\n" + text
	out, err := llms.GenerateFromSinglePrompt(ctx, b.llm, prompt)
	if err != nil {
		return nil, fmt.Errorf("langchaincap: extract entities: %w", err)
	}
	return parseKeyValueLines(out), nil
}

// ClassifyQuery asks the LLM to name a single query-type label.
func (b *Backend) ClassifyQuery(ctx context.Context, query string) (string, error) {
	prompt := "In one word, classify this query as continuation, fact_retrieval, deep_recall, procedural, or complex:\n" + query
	out, err := llms.GenerateFromSinglePrompt(ctx, b.llm, prompt)
	if err != nil {
		return "", fmt.Errorf("langchaincap: classify query: %w", err)
	}
	return out, nil
}

// Complete generates a continuation, capping output with langchaingo's
// WithMaxTokens option.
func (b *Backend) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	opts := []llms.CallOption{}
	if maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(maxTokens))
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, b.llm, prompt, opts...)
	if err != nil {
		return "", fmt.Errorf("langchaincap: complete: %w", err)
	}
	return out, nil
}

// AnswerWithContext renders memCtx and completes query on top of it.
func (b *Backend) AnswerWithContext(ctx context.Context, query string, memCtx capability.MemoryContext) (string, error) {
	return b.Complete(ctx, memCtx.Render()+"\n"+query, 0)
}

// ProposePattern asks the LLM for a JSON-encoded PatternProposal; a
// malformed response degrades to an invalid (zero) proposal rather than an
// error, matching spec.md §7's "malformed is no result" rule.
func (b *Backend) ProposePattern(ctx context.Context, messageContent string) (capability.PatternProposal, error) {
	prompt := "Propose a reusable behavioral pattern for this procedural request. " +
		"Respond with only JSON: {\"name\":...,\"description\":...,\"triggers\":[...],\"instruction_template\":...}\n" + messageContent
	out, err := llms.GenerateFromSinglePrompt(ctx, b.llm, prompt)
	if err != nil {
		return capability.PatternProposal{}, fmt.Errorf("langchaincap: propose pattern: %w", err)
	}

	var proposal capability.PatternProposal
	if jsonErr := json.Unmarshal([]byte(extractJSONObject(out)), &proposal); jsonErr != nil {
		return capability.PatternProposal{}, nil
	}
	return proposal, nil
}

// AnalyzeSentiment asks the LLM for a signed score and parses the leading
// numeric token; a malformed response degrades to neutral rather than
// erroring, matching spec.md §7's "malformed is no result" rule.
func (b *Backend) AnalyzeSentiment(ctx context.Context, text string) (float64, capability.SentimentLabel, error) {
	prompt := "Respond with a single number from -1.0 (very negative) to 1.0 (very positive) rating the sentiment of:\n" + text
	out, err := llms.GenerateFromSinglePrompt(ctx, b.llm, prompt)
	if err != nil {
		return 0, capability.SentimentNeutral, fmt.Errorf("langchaincap: analyze sentiment: %w", err)
	}

	score, ok := parseFirstFloat(out)
	if !ok {
		return 0, capability.SentimentNeutral, nil
	}
	label := capability.SentimentNeutral
	switch {
	case score > 0.1:
		label = capability.SentimentPositive
	case score < -0.1:
		label = capability.SentimentNegative
	}
	return score, label, nil
}
