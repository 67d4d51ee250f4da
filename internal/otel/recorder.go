package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/gracekernel/librarian/internal/bus"
)

// Snapshot is the running counter set served by /metrics. Counters reset
// when the daemon restarts; durable totals live in sqlite.
type Snapshot struct {
	FilesDetected       int64            `json:"files_detected"`
	Enqueued            map[string]int64 `json:"enqueued_by_queue"`
	Retries             int64            `json:"retries"`
	DeadLetters         int64            `json:"dead_letters"`
	Canceled            int64            `json:"canceled"`
	AgentsSpawned       int64            `json:"agents_spawned"`
	AgentsCompleted     int64            `json:"agents_completed"`
	AgentsFailed        int64            `json:"agents_failed"`
	ProposalsApproved   int64            `json:"proposals_approved"`
	ProposalsDeferred   int64            `json:"proposals_deferred"`
	ProposalsRejected   int64            `json:"proposals_rejected"`
	SuggestionsCreated  int64            `json:"suggestions_created"`
	RulesLearned        int64            `json:"rules_learned"`
	SourcesFlagged      int64            `json:"sources_flagged"`
	OperationsApplied   int64            `json:"operations_applied"`
	OperationsUndone    int64            `json:"operations_undone"`
	ScansCompleted      int64            `json:"scans_completed"`
	WatcherMode         string           `json:"watcher_mode"` // fsnotify | polling
	WatcherDegradations int64            `json:"watcher_degradations"`
	CoordinatorState    string           `json:"coordinator_state"`
}

// Recorder turns bus traffic into metric increments and keeps the running
// totals behind /metrics. It observes the daemon the way any dashboard
// would; nothing in the pipeline calls it directly.
type Recorder struct {
	metrics *Metrics

	mu   sync.Mutex
	snap Snapshot

	wg sync.WaitGroup
}

// NewRecorder creates a Recorder feeding the given instruments. The
// instruments may come from a disabled provider; the snapshot still counts.
func NewRecorder(m *Metrics) *Recorder {
	return &Recorder{
		metrics: m,
		snap: Snapshot{
			Enqueued:         make(map[string]int64),
			WatcherMode:      "fsnotify",
			CoordinatorState: "stopped",
		},
	}
}

// Observe subscribes to every bus topic and counts events until the context
// is canceled or the bus closes the channel.
func (r *Recorder) Observe(ctx context.Context, eventBus *bus.Bus) {
	sub := eventBus.Subscribe("")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				r.observe(ev)
			}
		}
	}()
}

// Close waits for the observer goroutine. Cancel the Observe context first.
func (r *Recorder) Close() {
	r.wg.Wait()
}

// Snapshot returns a copy of the current totals.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.snap
	out.Enqueued = make(map[string]int64, len(r.snap.Enqueued))
	for q, n := range r.snap.Enqueued {
		out.Enqueued[q] = n
	}
	return out
}

func (r *Recorder) observe(ev bus.Event) {
	ctx := context.Background()
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Topic {
	case bus.TopicFileDetected:
		fe, ok := ev.Payload.(bus.FileDetectedEvent)
		if !ok {
			return
		}
		r.snap.FilesDetected++
		r.metrics.FilesDetected.Add(ctx, 1, metric.WithAttributes(AttrFileKind.String(fe.Kind)))
	case bus.TopicQueueEnqueued:
		qe, ok := ev.Payload.(bus.QueueItemEvent)
		if !ok {
			return
		}
		r.snap.Enqueued[qe.Queue]++
		r.metrics.ItemsEnqueued.Add(ctx, 1, metric.WithAttributes(AttrQueue.String(qe.Queue)))
	case bus.TopicQueueRetrying:
		r.snap.Retries++
		r.metrics.ItemsRetried.Add(ctx, 1)
	case bus.TopicQueueDeadLetter:
		r.snap.DeadLetters++
		r.metrics.ItemsDeadLettered.Add(ctx, 1)
	case bus.TopicQueueCanceled:
		r.snap.Canceled++
	case bus.TopicAgentSpawned:
		ae, ok := ev.Payload.(bus.AgentEvent)
		if !ok {
			return
		}
		r.snap.AgentsSpawned++
		r.metrics.AgentsSpawned.Add(ctx, 1, metric.WithAttributes(AttrAgentKind.String(ae.Kind)))
		r.metrics.AgentsActive.Add(ctx, 1)
	case bus.TopicAgentCompleted:
		r.snap.AgentsCompleted++
		r.metrics.AgentsActive.Add(ctx, -1)
	case bus.TopicAgentFailed:
		r.snap.AgentsFailed++
		r.metrics.AgentsFailed.Add(ctx, 1)
		r.metrics.AgentsActive.Add(ctx, -1)
	case bus.TopicGovernanceApproved:
		r.snap.ProposalsApproved++
		r.metrics.Decisions.Add(ctx, 1, metric.WithAttributes(AttrDecision.String("approved")))
	case bus.TopicGovernanceDeferred:
		r.snap.ProposalsDeferred++
		r.metrics.Decisions.Add(ctx, 1, metric.WithAttributes(AttrDecision.String("deferred")))
	case bus.TopicGovernanceRejected:
		r.snap.ProposalsRejected++
		r.metrics.Decisions.Add(ctx, 1, metric.WithAttributes(AttrDecision.String("rejected")))
	case bus.TopicSuggestionCreated:
		r.snap.SuggestionsCreated++
	case bus.TopicRuleLearned:
		r.snap.RulesLearned++
	case bus.TopicSourceFlagged:
		r.snap.SourcesFlagged++
	case bus.TopicOperationApplied:
		oe, ok := ev.Payload.(bus.OperationEvent)
		if !ok {
			return
		}
		r.snap.OperationsApplied++
		r.metrics.OperationsApplied.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(oe.Type)))
	case bus.TopicOperationUndone:
		r.snap.OperationsUndone++
		r.metrics.OperationsUndone.Add(ctx, 1)
	case bus.TopicScanCompleted:
		r.snap.ScansCompleted++
		r.metrics.ScansCompleted.Add(ctx, 1)
	case bus.TopicWatcherDegraded:
		r.snap.WatcherMode = "polling"
		r.snap.WatcherDegradations++
		r.metrics.WatcherDegradation.Add(ctx, 1)
	case bus.TopicCoordinatorState:
		ce, ok := ev.Payload.(bus.CoordinatorStateEvent)
		if !ok {
			return
		}
		r.snap.CoordinatorState = ce.NewState
	}
}
