// Package ai provides the embedding and insight services the fleet uses.
// The default provider is the deterministic mock, so a fresh install can
// organize and study files before any LLM endpoint is configured.
package ai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gracekernel/librarian/internal/config"
)

// Embedder turns text into vectors for similarity search.
// Implementations must be safe for concurrent use.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Flashcard is one question/answer study pair.
type Flashcard struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// InsightGenerator produces study material from ingested text.
// Implementations must be safe for concurrent use.
type InsightGenerator interface {
	Summarize(ctx context.Context, text string) (string, error)
	GenerateFlashcards(ctx context.Context, text string, count int) ([]Flashcard, error)
}

// Provider aggregates the AI services behind one lifecycle.
type Provider interface {
	Embedder() Embedder
	Insights() InsightGenerator
	Close() error
}

// NewProvider builds a provider from config. Provider "mock" (the default)
// needs no network; "openai" speaks to any OpenAI-compatible endpoint,
// including local inference servers.
func NewProvider(cfg config.AIConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "", "mock":
		return NewMockProvider(), nil
	case "openai":
		return newOpenAIProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}
