package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gracekernel/librarian/internal/ai"
	"github.com/gracekernel/librarian/internal/chunkstore"
	"github.com/gracekernel/librarian/internal/store"
)

// flashcardCount is how many study pairs the maker asks for per file.
const flashcardCount = 3

// insightMaker derives study material from a file's stored chunks: one
// summary and a handful of flashcards. Each run replaces the previous
// derivation wholesale, so re-running after a re-ingest never stacks
// duplicates.
type insightMaker struct {
	store  *store.Store
	chunks *chunkstore.Store
	ai     ai.Provider
	logger *slog.Logger
}

func newInsightMaker(deps Deps) Agent {
	return &insightMaker{
		store:  deps.Store,
		chunks: deps.Chunks,
		ai:     deps.AI,
		logger: deps.Logger.With("agent", string(KindInsightMaker)),
	}
}

func (a *insightMaker) Kind() Kind { return KindInsightMaker }

func (a *insightMaker) Execute(ctx context.Context, task Task) (Report, error) {
	recs, err := a.chunks.ChunksForPath(ctx, task.Path)
	if err != nil {
		return Report{}, err
	}
	if len(recs) == 0 {
		return Report{}, fmt.Errorf("no chunks stored for %s, ingest must run first", task.Path)
	}

	var sb strings.Builder
	for i, rec := range recs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(rec.Text)
	}
	text := sb.String()

	gen := a.ai.Insights()
	summary, err := gen.Summarize(ctx, text)
	if err != nil {
		return Report{}, fmt.Errorf("summarize %s: %w", task.Path, err)
	}
	cards, err := gen.GenerateFlashcards(ctx, text, flashcardCount)
	if err != nil {
		return Report{}, fmt.Errorf("flashcards for %s: %w", task.Path, err)
	}

	derived := make([]chunkstore.DerivedRecord, 0, 1+len(cards))
	derived = append(derived, chunkstore.DerivedRecord{
		Kind: chunkstore.DerivedSummary,
		Text: summary,
	})
	for _, c := range cards {
		derived = append(derived, chunkstore.DerivedRecord{
			Kind:     chunkstore.DerivedFlashcard,
			Question: c.Question,
			Answer:   c.Answer,
		})
	}
	if err := a.chunks.ReplaceDerived(ctx, task.Path, derived); err != nil {
		return Report{}, fmt.Errorf("store derived records for %s: %w", task.Path, err)
	}
	// The count on the source row is a mirror for listings; the derived
	// records themselves already landed.
	if err := a.store.SetSourceDerivedCount(ctx, task.Path, len(derived)); err != nil {
		a.logger.Warn("derived count not recorded", "path", task.Path, "error", err)
	}

	a.logger.Info("insights derived", "path", task.Path, "summary_chars", len(summary), "flashcards", len(cards))
	return Report{
		Outcome: "insights_derived",
		Facts: map[string]string{
			"summaries":  "1",
			"flashcards": strconv.Itoa(len(cards)),
		},
	}, nil
}
