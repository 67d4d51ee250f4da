package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/gracekernel/librarian/internal/config"
)

// maxInsightBytes bounds how much document text is sent per request.
const maxInsightBytes = 16 << 10

const summarySystemPrompt = `You distill documents for a personal library.
Reply with JSON: {"summary": "at most five sentences covering what the document is and why it matters"}.`

const flashcardSystemPrompt = `You write study flashcards from documents.
Reply with JSON: {"flashcards": [{"question": "...", "answer": "..."}]}.
Questions test understanding; answers stay under three sentences.`

type openAIProvider struct {
	embedder *openAIEmbedder
	insights *openAIInsights
}

func newOpenAIProvider(cfg config.AIConfig, logger *slog.Logger) (*openAIProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	token := cfg.APIKey
	if token == "" {
		// Local OpenAI-compatible servers accept any token.
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.ChatModel),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("openai embedder: %w", err)
	}
	return &openAIProvider{
		embedder: &openAIEmbedder{embedder: embedder, logger: logger.With("component", "ai.embedder")},
		insights: &openAIInsights{client: client, logger: logger.With("component", "ai.insights")},
	}, nil
}

func (p *openAIProvider) Embedder() Embedder { return p.embedder }

func (p *openAIProvider) Insights() InsightGenerator { return p.insights }

func (p *openAIProvider) Close() error { return nil }

type openAIEmbedder struct {
	embedder embeddings.Embedder
	logger   *slog.Logger
}

func (e *openAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(vectors) == 0 {
		return nil, errors.New("embedder returned no vectors")
	}
	return vectors[0], nil
}

func (e *openAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	return vectors, nil
}

type openAIInsights struct {
	client llms.Model
	logger *slog.Logger
}

func (g *openAIInsights) Summarize(ctx context.Context, text string) (string, error) {
	raw, err := g.generateJSON(ctx, summarySystemPrompt, capBytes(text, maxInsightBytes))
	if err != nil {
		return "", err
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", fmt.Errorf("parse summary: %w", err)
	}
	return strings.TrimSpace(out.Summary), nil
}

func (g *openAIInsights) GenerateFlashcards(ctx context.Context, text string, count int) ([]Flashcard, error) {
	if count <= 0 {
		count = 3
	}
	system := fmt.Sprintf("%s\nProduce at most %d flashcards.", flashcardSystemPrompt, count)
	raw, err := g.generateJSON(ctx, system, capBytes(text, maxInsightBytes))
	if err != nil {
		return nil, err
	}
	var out struct {
		Flashcards []Flashcard `json:"flashcards"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse flashcards: %w", err)
	}
	if len(out.Flashcards) > count {
		out.Flashcards = out.Flashcards[:count]
	}
	return out.Flashcards, nil
}

// generateJSON asks the chat model for a JSON object at temperature zero,
// retrying malformed responses up to three times. Models occasionally wrap
// JSON in markdown fences even in JSON mode, so those are stripped first.
func (g *openAIInsights) generateJSON(ctx context.Context, system, user string) (string, error) {
	content := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(user)}},
	}
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err := g.client.GenerateContent(ctx, content, llms.WithTemperature(0.0), llms.WithJSONMode())
		if err != nil {
			return "", fmt.Errorf("generate content: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("model returned no choices")
		}
		text := strings.TrimSpace(resp.Choices[0].Content)
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
		if json.Valid([]byte(text)) {
			return text, nil
		}
		lastErr = fmt.Errorf("attempt %d: model returned invalid JSON", attempt)
		g.logger.Warn("invalid JSON from model", "attempt", attempt)
	}
	return "", lastErr
}

// capBytes truncates text at a word boundary near limit.
func capBytes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return cut
}
