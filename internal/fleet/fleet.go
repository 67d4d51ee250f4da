// Package fleet holds the four sub-agent kinds the coordinator spawns. The
// set is closed: a constructor lookup table is the only dispatch point, so
// a kind outside the table can never be instantiated.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gracekernel/librarian/internal/ai"
	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/chunkstore"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/governance"
	"github.com/gracekernel/librarian/internal/organizer"
	"github.com/gracekernel/librarian/internal/queue"
	"github.com/gracekernel/librarian/internal/store"
)

// Kind identifies one agent behavior.
type Kind string

const (
	KindSchemaScout     Kind = "schema_scout"
	KindIngestionRunner Kind = "ingestion_runner"
	KindInsightMaker    Kind = "insight_maker"
	KindTrustAuditor    Kind = "trust_auditor"
)

// ErrUnknownKind is returned for kinds outside the closed set.
var ErrUnknownKind = errors.New("unknown agent kind")

// Kinds lists every agent kind the fleet can spawn, in pipeline order.
func Kinds() []Kind {
	return []Kind{KindSchemaScout, KindIngestionRunner, KindInsightMaker, KindTrustAuditor}
}

// KindForItem maps a queue item kind to the agent kind that serves it.
func KindForItem(k queue.ItemKind) (Kind, error) {
	switch k {
	case queue.KindSchemaProposal:
		return KindSchemaScout, nil
	case queue.KindIngestFile:
		return KindIngestionRunner, nil
	case queue.KindMakeInsights:
		return KindInsightMaker, nil
	case queue.KindTrustAudit:
		return KindTrustAuditor, nil
	default:
		return "", fmt.Errorf("%w: no agent serves item kind %q", ErrUnknownKind, k)
	}
}

// ItemKindFor maps an agent kind back to the queue item kind it consumes.
// Manual spawns use it to enqueue work for a named agent.
func ItemKindFor(k Kind) (queue.ItemKind, error) {
	switch k {
	case KindSchemaScout:
		return queue.KindSchemaProposal, nil
	case KindIngestionRunner:
		return queue.KindIngestFile, nil
	case KindInsightMaker:
		return queue.KindMakeInsights, nil
	case KindTrustAuditor:
		return queue.KindTrustAudit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
}

// Task is one unit of work handed to an agent by the coordinator.
type Task struct {
	ItemID  string
	Path    string
	Payload string
}

// Report is an agent's own account of a finished run. Facts carry
// structured details for logs and agent listings.
type Report struct {
	Outcome string            `json:"outcome"`
	Facts   map[string]string `json:"facts,omitempty"`
}

// Agent executes one task kind. Implementations are stateless between
// tasks; everything durable lives in the store or the chunk store.
type Agent interface {
	Kind() Kind
	Execute(ctx context.Context, task Task) (Report, error)
}

// Deps carries the shared collaborators agents draw on.
type Deps struct {
	Store     *store.Store
	Organizer *organizer.Organizer
	Gate      *governance.Gate
	Queues    *queue.Manager
	Chunks    *chunkstore.Store
	AI        ai.Provider
	Bus       *bus.Bus
	Logger    *slog.Logger
	Ingestion config.IngestionConfig
}

// builders is the closed dispatch table from kind to constructor.
var builders = map[Kind]func(Deps) Agent{
	KindSchemaScout:     newSchemaScout,
	KindIngestionRunner: newIngestionRunner,
	KindInsightMaker:    newInsightMaker,
	KindTrustAuditor:    newTrustAuditor,
}

// Fleet is the full set of constructed agents.
type Fleet struct {
	agents map[Kind]Agent
}

func New(deps Deps) *Fleet {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Ingestion.ChunkTokens <= 0 {
		deps.Ingestion.ChunkTokens = 400
	}
	if deps.Ingestion.MaxFileBytes <= 0 {
		deps.Ingestion.MaxFileBytes = 32 << 20
	}
	agents := make(map[Kind]Agent, len(builders))
	for kind, build := range builders {
		agents[kind] = build(deps)
	}
	return &Fleet{agents: agents}
}

// Agent returns the agent for a kind.
func (f *Fleet) Agent(kind Kind) (Agent, error) {
	a, ok := f.agents[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return a, nil
}

// ForItem returns the agent serving a queue item kind.
func (f *Fleet) ForItem(k queue.ItemKind) (Agent, error) {
	kind, err := KindForItem(k)
	if err != nil {
		return nil, err
	}
	return f.Agent(kind)
}
