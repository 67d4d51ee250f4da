package bus

import "time"

// File event topics, published by the watcher for every debounced event it
// delivers to the intake channel.
const (
	TopicFileDetected = "file.detected"
)

// File event kinds carried by FileDetectedEvent.
const (
	FileCreated  = "created"
	FileModified = "modified"
	FileDeleted  = "deleted"
)

// Queue event topics, published by the coordinator.
const (
	TopicQueueEnqueued   = "queue.enqueued"
	TopicQueueRetrying   = "queue.retrying"
	TopicQueueDeadLetter = "queue.dead_letter"
	TopicQueueCanceled   = "queue.canceled"
)

// Agent lifecycle topics.
const (
	TopicAgentSpawned   = "agent.spawned"
	TopicAgentCompleted = "agent.completed"
	TopicAgentFailed    = "agent.failed"
)

// Governance decision topics.
const (
	TopicGovernanceApproved = "governance.approved"
	TopicGovernanceDeferred = "governance.deferred"
	TopicGovernanceRejected = "governance.rejected"
)

// Organizer topics.
const (
	TopicOperationApplied    = "operation.applied"
	TopicOperationUndone     = "operation.undone"
	TopicSuggestionCreated   = "suggestion.created"
	TopicSuggestionFlagged   = "suggestion.flagged"
	TopicRuleLearned         = "rule.learned"
	TopicSourceFlagged       = "source.flagged"
)

// Runtime topics.
const (
	TopicCoordinatorState = "coordinator.state"
	TopicWatcherDegraded  = "watcher.degraded"
	TopicScanCompleted    = "scan.completed"
)

// FileDetectedEvent is published for every normalized filesystem event.
type FileDetectedEvent struct {
	Path       string
	Kind       string // created | modified | deleted
	Size       int64
	DetectedAt time.Time
}

// QueueItemEvent is published when an item changes queue state.
type QueueItemEvent struct {
	ItemID   string
	Queue    string
	Kind     string
	Path     string
	Attempts int
	Reason   string // failure reason for retrying/dead_letter
}

// AgentEvent is published on sub-agent spawn and exactly once on its
// terminal state.
type AgentEvent struct {
	AgentID string
	Kind    string
	ItemID  string
	Path    string
	Error   string // set only on agent.failed
}

// GovernanceEvent is published for every gate decision.
type GovernanceEvent struct {
	ProposalID string
	SourcePath string
	Domain     string
	Confidence float64
	Decision   string // approved | deferred | rejected
	DecidedBy  string // auto | api
}

// OperationEvent is published when a ledger-backed mutation is applied or
// undone.
type OperationEvent struct {
	OperationID string
	Type        string // move | delete | rename
	SourcePath  string
	TargetPath  string
}

// SuggestionEvent is published for mid-confidence placements awaiting
// approval and for low-confidence flags.
type SuggestionEvent struct {
	SuggestionID string // empty for flag-only events
	Path         string
	Domain       string
	TargetFolder string
	Confidence   float64
}

// CoordinatorStateEvent is published on every coordinator state transition.
type CoordinatorStateEvent struct {
	OldState string
	NewState string
}

// WatcherDegradedEvent is published when the watcher falls back to polling.
type WatcherDegradedEvent struct {
	Reason       string
	PollInterval time.Duration
}

// ScanCompletedEvent is published when a bulk scan finishes.
type ScanCompletedEvent struct {
	Root     string
	Enqueued int
	Skipped  int
}

// RuleEvent is published when a correction is promoted into a rule.
type RuleEvent struct {
	RuleID       string
	MatchKind    string
	Pattern      string
	Domain       string
	TargetFolder string
	Confidence   float64
}

// SourceEvent is published when the trust auditor flags a source for human
// review instead of overwriting its score.
type SourceEvent struct {
	Path            string
	Reason          string
	StoredScore     float64
	RecomputedScore float64
}
