// Package queue implements the three in-memory work queues (schema,
// ingestion, trust_audit). Queues are volatile: a restart empties them and
// the next scan or watcher event repopulates the backlog. Durable outcomes
// live in the store; the queues only order work.
package queue

import (
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gracekernel/librarian/internal/bus"
)

const (
	Schema     = "schema"
	Ingestion  = "ingestion"
	TrustAudit = "trust_audit"
)

// Names lists the queues in their default drain order.
var Names = []string{Schema, Ingestion, TrustAudit}

const (
	defaultMaxDepth    = 1024
	defaultMaxAttempts = 3
	retryBaseDelay     = 1 * time.Second
	retryMaxDelay      = 30 * time.Second
	poisonThreshold    = 3
	deadLetterCap      = 256
)

// Deterministic reason codes for retry and terminal states.
const (
	ReasonRetryAgentError       = "RETRY_AGENT_ERROR"
	ReasonDeadLetterPoisonPill  = "DEAD_LETTER_POISON_PILL"
	ReasonDeadLetterMaxAttempts = "DEAD_LETTER_MAX_ATTEMPTS"
	ReasonTimeout               = "TIMEOUT"
	ReasonCanceled              = "CANCELED"
)

var (
	// ErrSaturated is returned when a queue is at max depth. Callers treat it
	// as backpressure, not data loss: the item will come back on the next
	// scan.
	ErrSaturated = errors.New("queue saturated")
	// ErrUnknownQueue is returned for queue names outside Names.
	ErrUnknownQueue = errors.New("unknown queue")
)

type ItemState string

const (
	StateQueued     ItemState = "QUEUED"
	StateClaimed    ItemState = "CLAIMED"
	StateRunning    ItemState = "RUNNING"
	StateSucceeded  ItemState = "SUCCEEDED"
	StateRetryWait  ItemState = "RETRY_WAIT"
	StateDeadLetter ItemState = "DEAD_LETTER"
	StateCanceled   ItemState = "CANCELED"
)

var allowedTransitions = map[ItemState]map[ItemState]struct{}{
	StateQueued: {
		StateClaimed:  {},
		StateCanceled: {},
	},
	StateClaimed: {
		StateRunning:  {},
		StateCanceled: {},
		StateQueued:   {}, // Release without running.
	},
	StateRunning: {
		StateSucceeded:  {},
		StateRetryWait:  {},
		StateDeadLetter: {},
		StateCanceled:   {},
	},
	StateRetryWait: {
		StateQueued:   {},
		StateCanceled: {},
	},
}

func canTransition(from, to ItemState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ItemKind selects which agent kind handles the item.
type ItemKind string

const (
	KindSchemaProposal ItemKind = "schema_proposal"
	KindIngestFile     ItemKind = "ingest_file"
	KindMakeInsights   ItemKind = "make_insights"
	KindTrustAudit     ItemKind = "trust_audit"
)

// QueueFor maps an item kind to its home queue.
func QueueFor(kind ItemKind) (string, error) {
	switch kind {
	case KindSchemaProposal:
		return Schema, nil
	case KindIngestFile, KindMakeInsights:
		return Ingestion, nil
	case KindTrustAudit:
		return TrustAudit, nil
	default:
		return "", fmt.Errorf("no queue for item kind %q", kind)
	}
}

type Item struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Kind        ItemKind  `json:"kind"`
	Path        string    `json:"path"`
	Payload     string    `json:"payload,omitempty"`
	Priority    bool      `json:"priority"`
	State       ItemState `json:"state"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	AvailableAt time.Time `json:"available_at"`
	LastError   string    `json:"last_error,omitempty"`
	lastErrorFP string
	poisonCount int
	EnqueuedAt  time.Time `json:"enqueued_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode   string         `json:"reason_code"`
	PoisonCount  int            `json:"poison_count"`
}

// Depth is a point-in-time census of one queue.
type Depth struct {
	Queued     int   `json:"queued"`
	Claimed    int   `json:"claimed"`
	Running    int   `json:"running"`
	RetryWait  int   `json:"retry_wait"`
	DeadLetter int   `json:"dead_letter"`
	Succeeded  int64 `json:"succeeded"`
	Canceled   int64 `json:"canceled"`
}

type queueState struct {
	order     []string // QUEUED item IDs in claim order
	dead      []*Item
	succeeded int64
	canceled  int64
}

type Manager struct {
	mu          sync.Mutex
	queues      map[string]*queueState
	items       map[string]*Item
	maxDepth    int
	maxAttempts int
	now         func() time.Time
	bus         *bus.Bus // may be nil in tests
}

type Option func(*Manager)

func WithMaxDepth(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxDepth = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithClock overrides the time source. Tests use it to make retry windows
// elapse instantly.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(eventBus *bus.Bus, opts ...Option) *Manager {
	m := &Manager{
		queues:      map[string]*queueState{},
		items:       map[string]*Item{},
		maxDepth:    defaultMaxDepth,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		bus:         eventBus,
	}
	for _, name := range Names {
		m.queues[name] = &queueState{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue adds work to a queue. Items are deduplicated on (queue, kind,
// path): re-enqueuing while an identical item is still waiting returns the
// existing item, promoting it when the new request carries priority.
func (m *Manager) Enqueue(kind ItemKind, path, payload string, priority bool) (*Item, error) {
	queueName, err := QueueFor(kind)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	q := m.queues[queueName]

	if existing := m.findWaitingLocked(queueName, kind, path); existing != nil {
		if priority && !existing.Priority {
			existing.Priority = true
			existing.UpdatedAt = m.now()
			if existing.State == StateQueued {
				m.removeFromOrderLocked(q, existing.ID)
				m.insertLocked(q, existing)
			}
		}
		m.mu.Unlock()
		return existing, nil
	}

	if len(q.order) >= m.maxDepth {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s at depth %d", ErrSaturated, queueName, m.maxDepth)
	}

	now := m.now()
	item := &Item{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Kind:        kind,
		Path:        path,
		Payload:     payload,
		Priority:    priority,
		State:       StateQueued,
		MaxAttempts: m.maxAttempts,
		AvailableAt: now,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	m.items[item.ID] = item
	m.insertLocked(q, item)
	m.mu.Unlock()

	m.publish(bus.TopicQueueEnqueued, item, "")
	return item, nil
}

// Claim hands out the frontmost available item, QUEUED -> CLAIMED. Returns
// nil when the queue has nothing ready.
func (m *Manager) Claim(queueName string) *Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueName]
	if !ok {
		return nil
	}
	now := m.now()
	for i, id := range q.order {
		item := m.items[id]
		if item == nil || item.State != StateQueued || item.AvailableAt.After(now) {
			continue
		}
		q.order = slices.Delete(q.order, i, i+1)
		item.State = StateClaimed
		item.UpdatedAt = now
		claimed := *item
		return &claimed
	}
	return nil
}

// Release returns a claimed item to the front of its queue without counting
// an attempt. Used when the coordinator claims work and then cannot place it
// before a pause or drain.
func (m *Manager) Release(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.items[id]
	if item == nil || item.State != StateClaimed {
		return false
	}
	item.State = StateQueued
	item.UpdatedAt = m.now()
	q := m.queues[item.Queue]
	q.order = append([]string{item.ID}, q.order...)
	return true
}

// Start marks a claimed item as running.
func (m *Manager) Start(id string) bool {
	return m.transition(id, StateClaimed, StateRunning)
}

// Succeed retires a running item.
func (m *Manager) Succeed(id string) bool {
	m.mu.Lock()
	item := m.items[id]
	if item == nil || !canTransition(item.State, StateSucceeded) {
		m.mu.Unlock()
		return false
	}
	item.State = StateSucceeded
	item.UpdatedAt = m.now()
	m.queues[item.Queue].succeeded++
	delete(m.items, id)
	m.mu.Unlock()
	return true
}

// Fail applies the retry or dead-letter decision for a running item. Retries
// back off exponentially from 1s doubling per attempt, capped at 30s, with
// deterministic jitter. The poison-pill check dead-letters early when the
// same error fingerprint repeats.
func (m *Manager) Fail(id, errMsg, reasonCode string) (FailureDecision, bool) {
	m.mu.Lock()

	item := m.items[id]
	if item == nil || item.State != StateRunning {
		m.mu.Unlock()
		return FailureDecision{}, false
	}

	nextAttempt := item.Attempt + 1
	fingerprint := errorFingerprint(errMsg)
	nextPoison := 1
	if item.lastErrorFP != "" && item.lastErrorFP == fingerprint {
		nextPoison = item.poisonCount + 1
	}
	if reasonCode == "" {
		reasonCode = ReasonRetryAgentError
	}

	decision := FailureDecision{
		Attempt:     nextAttempt,
		MaxAttempts: item.MaxAttempts,
		ReasonCode:  reasonCode,
		PoisonCount: nextPoison,
	}

	moveToDeadLetter := false
	if nextPoison >= poisonThreshold {
		decision.ReasonCode = ReasonDeadLetterPoisonPill
		moveToDeadLetter = true
	}
	if nextAttempt >= item.MaxAttempts {
		decision.ReasonCode = ReasonDeadLetterMaxAttempts
		moveToDeadLetter = true
	}

	now := m.now()
	item.Attempt = nextAttempt
	item.LastError = errMsg
	item.lastErrorFP = fingerprint
	item.poisonCount = nextPoison
	item.UpdatedAt = now

	if moveToDeadLetter {
		item.State = StateDeadLetter
		q := m.queues[item.Queue]
		q.dead = append(q.dead, item)
		if len(q.dead) > deadLetterCap {
			q.dead = q.dead[len(q.dead)-deadLetterCap:]
		}
		delete(m.items, id)
		decision.Outcome = FailureOutcomeDeadLetter
		itemCopy := *item
		m.mu.Unlock()
		m.publish(bus.TopicQueueDeadLetter, &itemCopy, decision.ReasonCode)
		return decision, true
	}

	delay := retryDelay(item.ID, nextAttempt)
	availableAt := now.Add(delay)
	item.State = StateRetryWait
	item.AvailableAt = availableAt
	decision.Outcome = FailureOutcomeRetried
	decision.BackoffUntil = &availableAt
	itemCopy := *item
	m.mu.Unlock()

	m.publish(bus.TopicQueueRetrying, &itemCopy, decision.ReasonCode)
	return decision, true
}

// RequeueDueRetries moves RETRY_WAIT items whose backoff has elapsed back to
// QUEUED at the rear of their queue. The coordinator calls this every tick.
func (m *Manager) RequeueDueRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	requeued := 0
	for _, item := range m.items {
		if item.State != StateRetryWait || item.AvailableAt.After(now) {
			continue
		}
		item.State = StateQueued
		item.UpdatedAt = now
		m.insertLocked(m.queues[item.Queue], item)
		requeued++
	}
	return requeued
}

// Cancel terminates an item in any non-terminal state.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	item := m.items[id]
	if item == nil || !canTransition(item.State, StateCanceled) {
		m.mu.Unlock()
		return false
	}
	if item.State == StateQueued {
		m.removeFromOrderLocked(m.queues[item.Queue], id)
	}
	item.State = StateCanceled
	item.UpdatedAt = m.now()
	m.queues[item.Queue].canceled++
	delete(m.items, id)
	itemCopy := *item
	m.mu.Unlock()

	m.publish(bus.TopicQueueCanceled, &itemCopy, ReasonCanceled)
	return true
}

// CancelQueued cancels every waiting item (QUEUED and RETRY_WAIT) across all
// queues. In-flight items are left to finish or time out; drain handles
// those. Returns the number of items canceled.
func (m *Manager) CancelQueued() int {
	m.mu.Lock()
	var ids []string
	for id, item := range m.items {
		if item.State == StateQueued || item.State == StateRetryWait {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if m.Cancel(id) {
			n++
		}
	}
	return n
}

// Get returns a copy of a live (non-terminal) item.
func (m *Manager) Get(id string) (*Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, false
	}
	snapshot := *item
	return &snapshot, true
}

// Depths reports a census of every queue.
func (m *Manager) Depths() map[string]Depth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[string]Depth{}
	for name, q := range m.queues {
		d := Depth{
			DeadLetter: len(q.dead),
			Succeeded:  q.succeeded,
			Canceled:   q.canceled,
		}
		out[name] = d
	}
	for _, item := range m.items {
		d := out[item.Queue]
		switch item.State {
		case StateQueued:
			d.Queued++
		case StateClaimed:
			d.Claimed++
		case StateRunning:
			d.Running++
		case StateRetryWait:
			d.RetryWait++
		}
		out[item.Queue] = d
	}
	return out
}

// InFlight counts CLAIMED plus RUNNING items, optionally for one queue
// (empty string means all).
func (m *Manager) InFlight(queueName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, item := range m.items {
		if queueName != "" && item.Queue != queueName {
			continue
		}
		if item.State == StateClaimed || item.State == StateRunning {
			n++
		}
	}
	return n
}

// DeadLetters returns the retained dead-letter items for a queue, oldest
// first.
func (m *Manager) DeadLetters(queueName string) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueName]
	if !ok {
		return nil
	}
	out := make([]Item, 0, len(q.dead))
	for _, item := range q.dead {
		out = append(out, *item)
	}
	return out
}

// Waiting returns copies of QUEUED items for a queue in claim order.
func (m *Manager) Waiting(queueName string) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueName]
	if !ok {
		return nil
	}
	out := make([]Item, 0, len(q.order))
	for _, id := range q.order {
		if item := m.items[id]; item != nil {
			out = append(out, *item)
		}
	}
	return out
}

func (m *Manager) transition(id string, from, to ItemState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.items[id]
	if item == nil || item.State != from || !canTransition(from, to) {
		return false
	}
	item.State = to
	item.UpdatedAt = m.now()
	return true
}

// findWaitingLocked returns a QUEUED or RETRY_WAIT item matching (queue,
// kind, path), or nil.
func (m *Manager) findWaitingLocked(queueName string, kind ItemKind, path string) *Item {
	for _, item := range m.items {
		if item.Queue != queueName || item.Kind != kind || item.Path != path {
			continue
		}
		if item.State == StateQueued || item.State == StateRetryWait {
			return item
		}
	}
	return nil
}

// insertLocked places an item into the claim order: priority items go ahead
// of normal ones but stay FIFO among themselves.
func (m *Manager) insertLocked(q *queueState, item *Item) {
	if !item.Priority {
		q.order = append(q.order, item.ID)
		return
	}
	at := len(q.order)
	for i, id := range q.order {
		other := m.items[id]
		if other == nil || !other.Priority {
			at = i
			break
		}
	}
	q.order = slices.Insert(q.order, at, item.ID)
}

func (m *Manager) removeFromOrderLocked(q *queueState, id string) {
	for i, existing := range q.order {
		if existing == id {
			q.order = slices.Delete(q.order, i, i+1)
			return
		}
	}
}

func (m *Manager) publish(topic string, item *Item, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, bus.QueueItemEvent{
		ItemID:   item.ID,
		Queue:    item.Queue,
		Kind:     string(item.Kind),
		Path:     item.Path,
		Attempts: item.Attempt,
		Reason:   reason,
	})
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	return hashString(normalized)
}

// retryDelay doubles from the base per attempt, capped, plus jitter derived
// from the item ID so tests see stable values.
func retryDelay(itemID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	if base > retryMaxDelay {
		base = retryMaxDelay
	}
	// Jitter stays within a quarter of the backoff step so retry timing
	// remains predictable while still spreading simultaneous failures.
	jitterMax := base / 4
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(itemID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
