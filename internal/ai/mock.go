package ai

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// MockProvider is a deterministic, network-free provider: equal input,
// equal output. Tests and first-run installs use it.
type MockProvider struct {
	embedder *MockEmbedder
	insights *MockInsights
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		embedder: &MockEmbedder{Dim: 64},
		insights: &MockInsights{},
	}
}

func (p *MockProvider) Embedder() Embedder { return p.embedder }

func (p *MockProvider) Insights() InsightGenerator { return p.insights }

func (p *MockProvider) Close() error { return nil }

// MockEmbedder hashes text into unit vectors.
type MockEmbedder struct {
	Dim int

	// EmbedTextFunc overrides single-text behavior in tests.
	EmbedTextFunc func(ctx context.Context, text string) ([]float32, error)

	mu    sync.Mutex
	calls int
}

func (m *MockEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.EmbedTextFunc != nil {
		return m.EmbedTextFunc(ctx, text)
	}
	return deterministicVector(text, m.dim()), nil
}

func (m *MockEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := m.EmbedText(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Calls reports how many embeddings were requested.
func (m *MockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockEmbedder) dim() int {
	if m.Dim <= 0 {
		return 64
	}
	return m.Dim
}

// deterministicVector seeds an LCG with the FNV hash of text and normalizes
// the result, so identical text embeds identically across runs.
func deterministicVector(text string, dim int) []float32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()

	vector := make([]float32, dim)
	for i := range vector {
		seed = seed*1664525 + 1013904223
		vector[i] = float32(seed%1000)/500.0 - 1.0
	}

	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares > 0 {
		norm := float32(1.0 / math.Sqrt(sumSquares))
		for i := range vector {
			vector[i] *= norm
		}
	}
	return vector
}

// MockInsights builds study material from the text itself, no model needed.
type MockInsights struct{}

func (m *MockInsights) Summarize(ctx context.Context, text string) (string, error) {
	summary := leadingSentences(text, 2)
	if summary == "" {
		return "", errors.New("no text to summarize")
	}
	return summary, nil
}

func (m *MockInsights) GenerateFlashcards(ctx context.Context, text string, count int) ([]Flashcard, error) {
	if count <= 0 {
		count = 3
	}
	var cards []Flashcard
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 20 {
			continue
		}
		cards = append(cards, Flashcard{
			Question: fmt.Sprintf("What does the document say about %s?", keywordOf(line)),
			Answer:   line,
		})
		if len(cards) == count {
			break
		}
	}
	return cards, nil
}

// leadingSentences returns the first n sentences of text, joined by spaces.
func leadingSentences(text string, n int) string {
	var (
		out   []string
		start int
	)
	trimmed := strings.TrimSpace(text)
	for i, r := range trimmed {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if s := strings.TrimSpace(trimmed[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
		if len(out) == n {
			return strings.Join(out, " ")
		}
	}
	if rest := strings.TrimSpace(trimmed[start:]); rest != "" && len(out) < n {
		out = append(out, rest)
	}
	return strings.Join(out, " ")
}

// keywordOf picks the first substantial word of a line as its topic.
func keywordOf(line string) string {
	for _, w := range strings.Fields(line) {
		w = strings.Trim(strings.ToLower(w), ".,:;!?()[]{}\"'")
		if len(w) >= 5 {
			return w
		}
	}
	return "this topic"
}
