package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/chunkstore"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/ingest"
	"github.com/gracekernel/librarian/internal/store"
)

const (
	// Trust is a weighted blend of three checks: can the file still be
	// read, do its stored chunks still verify, and does anything else in
	// the library back its content up.
	extractionWeight    = 0.5
	consistencyWeight   = 0.3
	corroborationWeight = 0.2

	// contradictionDelta bounds how far a recomputed score may sit from
	// the stored one before the auditor flags instead of writes. Large
	// swings mean the file or the stored chunks changed behind our back,
	// and that calls for a human, not a silent overwrite.
	contradictionDelta = 0.4

	// corroborationMin is the similarity floor for a foreign chunk to
	// count as corroborating, and corroborationProbes caps how many of
	// the file's own vectors the auditor samples.
	corroborationMin    = 0.6
	corroborationProbes = 3
)

// trustAuditor recomputes a source's trust score from scratch and reconciles
// it with the stored score. Agreeing scores are written back; a contradiction
// flags the source for human review instead of writing the recomputed value,
// and trust decays by the usual flag rules.
type trustAuditor struct {
	store  *store.Store
	chunks *chunkstore.Store
	bus    *bus.Bus
	logger *slog.Logger
	cfg    config.IngestionConfig
}

func newTrustAuditor(deps Deps) Agent {
	return &trustAuditor{
		store:  deps.Store,
		chunks: deps.Chunks,
		bus:    deps.Bus,
		logger: deps.Logger.With("agent", string(KindTrustAuditor)),
		cfg:    deps.Ingestion,
	}
}

func (a *trustAuditor) Kind() Kind { return KindTrustAuditor }

func (a *trustAuditor) Execute(ctx context.Context, task Task) (Report, error) {
	recs, err := a.chunks.ChunksForPath(ctx, task.Path)
	if err != nil {
		return Report{}, err
	}

	extraction, checksum := a.scoreExtraction(task.Path)
	consistency := scoreConsistency(recs)
	corroboration, err := a.scoreCorroboration(ctx, task.Path, recs)
	if err != nil {
		return Report{}, err
	}
	recomputed := extractionWeight*extraction + consistencyWeight*consistency + corroborationWeight*corroboration

	facts := map[string]string{
		"extraction":    formatScore(extraction),
		"consistency":   formatScore(consistency),
		"corroboration": formatScore(corroboration),
		"recomputed":    formatScore(recomputed),
	}

	src, err := a.store.GetSource(ctx, task.Path)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Report{}, err
	}

	if src != nil {
		facts["stored"] = formatScore(src.TrustScore)
		if delta := recomputed - src.TrustScore; delta > contradictionDelta || delta < -contradictionDelta {
			return a.flag(ctx, task.Path, src.TrustScore, recomputed, facts)
		}
		if checksum == "" {
			checksum = src.Checksum
		}
	}

	if err := a.store.SetSourceTrust(ctx, task.Path, recomputed, checksum); err != nil {
		return Report{}, err
	}
	a.logger.Info("source audited", "path", task.Path, "trust", recomputed)
	return Report{Outcome: "audited", Facts: facts}, nil
}

// flag records the contradiction and tells humans about it. The stored score
// stays untouched so the review sees what the auditor saw.
func (a *trustAuditor) flag(ctx context.Context, path string, stored, recomputed float64, facts map[string]string) (Report, error) {
	reason := fmt.Sprintf("recomputed trust %.2f contradicts stored %.2f", recomputed, stored)
	src, err := a.store.FlagSource(ctx, path, reason)
	if err != nil {
		return Report{}, err
	}
	if a.bus != nil {
		a.bus.Publish(bus.TopicSourceFlagged, bus.SourceEvent{
			Path:            path,
			Reason:          reason,
			StoredScore:     stored,
			RecomputedScore: recomputed,
		})
	}
	facts["flag_count"] = strconv.Itoa(src.FlagCount)
	a.logger.Warn("source flagged for review",
		"path", path, "stored", stored, "recomputed", recomputed, "status", src.Status)
	return Report{Outcome: "flagged", Facts: facts}, nil
}

// scoreExtraction re-reads the file the way ingestion would. A file that no
// longer yields text scores zero and returns no checksum.
func (a *trustAuditor) scoreExtraction(path string) (float64, string) {
	text, err := ingest.Extract(path, a.cfg.MaxFileBytes)
	if err != nil {
		return 0, ""
	}
	return 1, Checksum([]byte(text))
}

// scoreConsistency verifies the stored chunks against their own checksums,
// catching corruption or tampering in the chunk store.
func scoreConsistency(recs []chunkstore.ChunkRecord) float64 {
	if len(recs) == 0 {
		return 0
	}
	intact := 0
	for _, rec := range recs {
		if rec.Checksum != "" && rec.Checksum == Checksum([]byte(rec.Text)) {
			intact++
		}
	}
	return float64(intact) / float64(len(recs))
}

// scoreCorroboration probes a few of the file's own vectors against the rest
// of the library. A probe counts when some other file's chunk scores at or
// above the similarity floor.
func (a *trustAuditor) scoreCorroboration(ctx context.Context, path string, recs []chunkstore.ChunkRecord) (float64, error) {
	probes := 0
	backed := 0
	for _, rec := range recs {
		if len(rec.Vector) == 0 {
			continue
		}
		if probes >= corroborationProbes {
			break
		}
		probes++
		hits, err := a.chunks.FindSimilar(ctx, rec.Vector, corroborationMin, 8)
		if err != nil {
			return 0, err
		}
		for _, hit := range hits {
			if hit.Chunk.Path != path {
				backed++
				break
			}
		}
	}
	if probes == 0 {
		return 0, nil
	}
	return float64(backed) / float64(probes), nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
