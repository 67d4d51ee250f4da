package ai_test

import (
	"context"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/gracekernel/librarian/internal/ai"
	"github.com/gracekernel/librarian/internal/config"
)

func TestNewProvider_DefaultsToMock(t *testing.T) {
	p, err := ai.NewProvider(config.AIConfig{}, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	defer p.Close()
	if _, ok := p.(*ai.MockProvider); !ok {
		t.Fatalf("empty provider config built %T, want the mock", p)
	}
}

func TestNewProvider_RejectsUnknown(t *testing.T) {
	_, err := ai.NewProvider(config.AIConfig{Provider: "oracle"}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown ai provider") {
		t.Fatalf("err = %v, want unknown provider rejection", err)
	}
}

func TestNewProvider_OpenAIConstructsOffline(t *testing.T) {
	// Construction must not dial; requests happen per call.
	p, err := ai.NewProvider(config.AIConfig{
		Provider:       "openai",
		BaseURL:        "http://127.0.0.1:1/v1",
		EmbeddingModel: "nomic-embed-text",
		ChatModel:      "gpt-4o-mini",
	}, nil)
	if err != nil {
		t.Fatalf("new openai provider: %v", err)
	}
	defer p.Close()
	if p.Embedder() == nil || p.Insights() == nil {
		t.Fatal("provider returned nil services")
	}
}

func TestMockEmbedder_DeterministicUnitVectors(t *testing.T) {
	ctx := context.Background()
	p := ai.NewMockProvider()
	defer p.Close()

	first, err := p.Embedder().EmbedText(ctx, "the same text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	second, err := p.Embedder().EmbedText(ctx, "the same text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("equal text must embed identically")
	}

	other, err := p.Embedder().EmbedText(ctx, "different text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if reflect.DeepEqual(first, other) {
		t.Fatal("different text embedded identically")
	}

	var sumSquares float64
	for _, v := range first {
		sumSquares += float64(v) * float64(v)
	}
	if math.Abs(sumSquares-1.0) > 1e-3 {
		t.Fatalf("vector norm^2 = %f, want ~1.0", sumSquares)
	}
}

func TestMockEmbedder_BatchMatchesSingle(t *testing.T) {
	ctx := context.Background()
	embedder := &ai.MockEmbedder{Dim: 16}

	texts := []string{"alpha", "beta", "gamma"}
	batch, err := embedder.EmbedTexts(ctx, texts)
	if err != nil {
		t.Fatalf("embed batch: %v", err)
	}
	if len(batch) != len(texts) {
		t.Fatalf("batch returned %d vectors, want %d", len(batch), len(texts))
	}
	for i, text := range texts {
		single, err := embedder.EmbedText(ctx, text)
		if err != nil {
			t.Fatalf("embed %q: %v", text, err)
		}
		if !reflect.DeepEqual(batch[i], single) {
			t.Fatalf("batch[%d] differs from single embedding of %q", i, text)
		}
	}
}

func TestMockInsights_SummarizeLeadsWithOpening(t *testing.T) {
	insights := ai.NewMockProvider().Insights()

	text := "Raft elects a leader per term. Followers replicate its log. Much more detail follows."
	summary, err := insights.Summarize(context.Background(), text)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	want := "Raft elects a leader per term. Followers replicate its log."
	if summary != want {
		t.Fatalf("summary = %q, want the first two sentences", summary)
	}

	if _, err := insights.Summarize(context.Background(), "   "); err == nil {
		t.Fatal("expected an error for blank input")
	}
}

func TestMockInsights_FlashcardsRespectCount(t *testing.T) {
	insights := ai.NewMockProvider().Insights()
	text := strings.Join([]string{
		"Leaders send periodic heartbeats to hold their term.",
		"Followers grant votes to candidates with up-to-date logs.",
		"Snapshots compact the log once it grows past a threshold.",
		"Clients retry against the new leader after failover.",
	}, "\n")

	cards, err := insights.GenerateFlashcards(context.Background(), text, 2)
	if err != nil {
		t.Fatalf("flashcards: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("got %d cards, want 2", len(cards))
	}
	for _, c := range cards {
		if c.Question == "" || c.Answer == "" {
			t.Fatalf("incomplete card %+v", c)
		}
	}

	again, err := insights.GenerateFlashcards(context.Background(), text, 2)
	if err != nil {
		t.Fatalf("flashcards: %v", err)
	}
	if !reflect.DeepEqual(cards, again) {
		t.Fatal("flashcards must be deterministic for the same text")
	}
}
