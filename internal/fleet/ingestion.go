package fleet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gracekernel/librarian/internal/ai"
	"github.com/gracekernel/librarian/internal/chunkstore"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/ingest"
	"github.com/gracekernel/librarian/internal/organizer"
	"github.com/gracekernel/librarian/internal/queue"
	"github.com/gracekernel/librarian/internal/store"
)

// ingestionRunner turns one file into embedded chunks: extract text, split,
// embed, replace the file's chunks in the chunk store, and record the run in
// the source table and the operation ledger. Success queues the downstream
// insight and trust audit work for the same path.
type ingestionRunner struct {
	store  *store.Store
	chunks *chunkstore.Store
	ai     ai.Provider
	queues *queue.Manager
	org    *organizer.Organizer
	logger *slog.Logger
	cfg    config.IngestionConfig
}

func newIngestionRunner(deps Deps) Agent {
	return &ingestionRunner{
		store:  deps.Store,
		chunks: deps.Chunks,
		ai:     deps.AI,
		queues: deps.Queues,
		org:    deps.Organizer,
		logger: deps.Logger.With("agent", string(KindIngestionRunner)),
		cfg:    deps.Ingestion,
	}
}

func (a *ingestionRunner) Kind() Kind { return KindIngestionRunner }

func (a *ingestionRunner) Execute(ctx context.Context, task Task) (Report, error) {
	// The path lock keeps a concurrent move or delete from slipping in
	// between reading the file and storing chunks keyed by its path.
	if a.org != nil {
		release := a.org.LockPath(task.Path)
		defer release()
	}

	// Extraction failures repeat identically on retry, so returning the
	// wrapped ErrExtraction lets the queue dead-letter them as poison pills.
	text, err := ingest.Extract(task.Path, a.cfg.MaxFileBytes)
	if err != nil {
		return Report{}, err
	}

	chunks := ingest.Split(text, a.cfg.ChunkTokens)
	if len(chunks) == 0 {
		return Report{}, fmt.Errorf("%w: %s split into zero chunks", ingest.ErrExtraction, task.Path)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := a.ai.Embedder().EmbedTexts(ctx, texts)
	if err != nil {
		return Report{}, fmt.Errorf("embed %s: %w", task.Path, err)
	}
	if len(vectors) != len(chunks) {
		return Report{}, fmt.Errorf("embed %s: got %d vectors for %d chunks", task.Path, len(vectors), len(chunks))
	}

	records := make([]chunkstore.ChunkRecord, len(chunks))
	tokens := 0
	for i, c := range chunks {
		records[i] = chunkstore.ChunkRecord{
			Text:     c.Text,
			Tokens:   c.Tokens,
			Vector:   vectors[i],
			Checksum: Checksum([]byte(c.Text)),
		}
		tokens += c.Tokens
	}
	if err := a.chunks.PutChunks(ctx, task.Path, records); err != nil {
		return Report{}, fmt.Errorf("store chunks for %s: %w", task.Path, err)
	}

	checksum := Checksum([]byte(text))
	if err := a.store.TouchSource(ctx, task.Path, checksum); err != nil {
		return Report{}, err
	}

	// Ingest rows are informational: nothing moved on disk, so there is
	// nothing to undo.
	if _, err := a.store.AppendOperation(ctx, store.Operation{
		Type:       store.OpIngest,
		SourcePath: task.Path,
		Actor:      string(KindIngestionRunner),
		Detail:     fmt.Sprintf(`{"chunks":%d,"tokens":%d}`, len(records), tokens),
		CanUndo:    false,
	}); err != nil {
		return Report{}, err
	}

	a.enqueueFollowUp(queue.KindMakeInsights, task.Path)
	a.enqueueFollowUp(queue.KindTrustAudit, task.Path)

	a.logger.Info("file ingested", "path", task.Path, "chunks", len(records), "tokens", tokens)
	return Report{
		Outcome: "ingested",
		Facts: map[string]string{
			"chunks":   strconv.Itoa(len(records)),
			"tokens":   strconv.Itoa(tokens),
			"checksum": checksum,
		},
	}, nil
}

// enqueueFollowUp queues downstream work without failing the ingest that
// already landed. A saturated queue only delays insights and audits until
// the next scheduled scan.
func (a *ingestionRunner) enqueueFollowUp(kind queue.ItemKind, path string) {
	if a.queues == nil {
		return
	}
	if _, err := a.queues.Enqueue(kind, path, "", false); err != nil {
		a.logger.Warn("follow-up not enqueued", "kind", kind, "path", path, "error", err)
	}
}

// Checksum returns the sha256 of data in the "sha256:<hex>" form stored on
// sources and chunks.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
