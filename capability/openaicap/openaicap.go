// Package openaicap adapts github.com/sashabaranov/go-openai into a
// capability.Provider, for deployments that want a direct OpenAI backend
// instead of going through langchaingo.
package openaicap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kagome-ai/memengine/capability"
	"github.com/kagome-ai/memengine/message"
	openai "github.com/sashabaranov/go-openai"
)

// Backend is a capability.Provider backed directly by the OpenAI API.
type Backend struct {
	client         *openai.Client
	embeddingModel openai.EmbeddingModel
	chatModel      string
}

var _ capability.Provider = (*Backend)(nil)

// Options configures a Backend.
type Options struct {
	APIKey         string
	EmbeddingModel openai.EmbeddingModel
	ChatModel      string
}

// New constructs a Backend, defaulting to text-embedding-3-small and gpt-4o-mini.
func New(opts Options) *Backend {
	embeddingModel := opts.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = openai.SmallEmbedding3
	}
	chatModel := opts.ChatModel
	if chatModel == "" {
		chatModel = openai.GPT4oMini
	}

	return &Backend{
		client:         openai.NewClient(opts.APIKey),
		embeddingModel: embeddingModel,
		chatModel:      chatModel,
	}
}

// Embed calls the embeddings endpoint for a single input string.
func (b *Backend) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := b.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: b.embeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("openaicap: create embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openaicap: create embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}

func (b *Backend) chat(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     b.chatModel,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openaicap: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openaicap: chat completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ExtractEntities asks the chat model for "key: value" lines.
func (b *Backend) ExtractEntities(ctx context.Context, text string) ([]message.ExtractedEntity, error) {
	out, err := b.chat(ctx, "Extract key facts from this message as \"key: value\" lines, one per fact:\n"+text, 256)
	if err != nil {
		return nil, err
	}

	var entities []message.ExtractedEntity
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		idx := strings.Index(line, ": ")
		if idx < 0 {
			continue
		}
		entities = append(entities, message.ExtractedEntity{
			Key:        strings.TrimSpace(line[:idx]),
			Value:      strings.TrimSpace(line[idx+2:]),
			Type:       message.EntityOther,
			Importance: 0.5,
			IsNovel:    true,
		})
	}
	return entities, nil
}

// ClassifyQuery asks the chat model for a single-word label.
func (b *Backend) ClassifyQuery(ctx context.Context, query string) (string, error) {
	return b.chat(ctx, "In one word, classify this query as continuation, fact_retrieval, deep_recall, procedural, or complex:\n"+query, 8)
}

// Complete generates a continuation bounded by maxTokens.
func (b *Backend) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return b.chat(ctx, prompt, maxTokens)
}

// AnswerWithContext renders memCtx and completes query on top of it.
func (b *Backend) AnswerWithContext(ctx context.Context, query string, memCtx capability.MemoryContext) (string, error) {
	return b.Complete(ctx, memCtx.Render()+"\n"+query, 512)
}

// ProposePattern asks the chat model for a JSON-encoded PatternProposal and
// parses it; a malformed response degrades to an invalid (zero) proposal
// rather than an error, so detection can drop it per spec.md §7.
func (b *Backend) ProposePattern(ctx context.Context, messageContent string) (capability.PatternProposal, error) {
	prompt := "Propose a reusable behavioral pattern for this procedural request. " +
		"Respond with only JSON: {\"name\":...,\"description\":...,\"triggers\":[...],\"instruction_template\":...}\n" + messageContent
	out, err := b.chat(ctx, prompt, 256)
	if err != nil {
		return capability.PatternProposal{}, err
	}

	var proposal capability.PatternProposal
	if jsonErr := json.Unmarshal([]byte(extractJSONObject(out)), &proposal); jsonErr != nil {
		return capability.PatternProposal{}, nil
	}
	return proposal, nil
}

// extractJSONObject trims any leading/trailing prose the chat model adds
// around the JSON object, taking the outermost brace-delimited substring.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// AnalyzeSentiment asks for a signed numeric score.
func (b *Backend) AnalyzeSentiment(ctx context.Context, text string) (float64, capability.SentimentLabel, error) {
	out, err := b.chat(ctx, "Respond with only a single number from -1.0 to 1.0 rating the sentiment of:\n"+text, 8)
	if err != nil {
		return 0, capability.SentimentNeutral, err
	}

	var score float64
	if _, scanErr := fmt.Sscanf(strings.TrimSpace(out), "%f", &score); scanErr != nil {
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
