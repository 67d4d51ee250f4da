package queue_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gracekernel/librarian/internal/queue"
)

func TestQueue_FIFOOrder(t *testing.T) {
	m := queue.NewManager(nil)

	first, err := m.Enqueue(queue.KindIngestFile, "/inbox/a.md", "", false)
	if err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	second, err := m.Enqueue(queue.KindIngestFile, "/inbox/b.md", "", false)
	if err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	got := m.Claim(queue.Ingestion)
	if got == nil || got.ID != first.ID {
		t.Fatalf("expected first item claimed, got %+v", got)
	}
	got = m.Claim(queue.Ingestion)
	if got == nil || got.ID != second.ID {
		t.Fatalf("expected second item claimed, got %+v", got)
	}
	if m.Claim(queue.Ingestion) != nil {
		t.Fatalf("expected empty queue")
	}
}

func TestQueue_PriorityJumpsAheadButStaysFIFOAmongPriority(t *testing.T) {
	m := queue.NewManager(nil)

	if _, err := m.Enqueue(queue.KindIngestFile, "/inbox/normal1.md", "", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.Enqueue(queue.KindIngestFile, "/inbox/normal2.md", "", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p1, err := m.Enqueue(queue.KindIngestFile, "/inbox/urgent1.md", "", true)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p2, err := m.Enqueue(queue.KindIngestFile, "/inbox/urgent2.md", "", true)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if got := m.Claim(queue.Ingestion); got.ID != p1.ID {
		t.Fatalf("expected first priority item, got %s", got.Path)
	}
	if got := m.Claim(queue.Ingestion); got.ID != p2.ID {
		t.Fatalf("expected second priority item, got %s", got.Path)
	}
	if got := m.Claim(queue.Ingestion); got.Path != "/inbox/normal1.md" {
		t.Fatalf("expected normal1 after priorities, got %s", got.Path)
	}
}

func TestQueue_EnqueueDeduplicatesWaitingItems(t *testing.T) {
	m := queue.NewManager(nil)

	first, err := m.Enqueue(queue.KindIngestFile, "/inbox/dup.md", "", false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := m.Enqueue(queue.KindIngestFile, "/inbox/dup.md", "", false)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected dedupe to return existing item")
	}

	depths := m.Depths()
	if depths[queue.Ingestion].Queued != 1 {
		t.Fatalf("expected single queued item, got %d", depths[queue.Ingestion].Queued)
	}

	// Re-enqueue with priority promotes the waiting item.
	promoted, err := m.Enqueue(queue.KindIngestFile, "/inbox/dup.md", "", true)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !promoted.Priority {
		t.Fatalf("expected promotion to priority")
	}
}

func TestQueue_SamePathDifferentKindsCoexist(t *testing.T) {
	m := queue.NewManager(nil)

	if _, err := m.Enqueue(queue.KindIngestFile, "/inbox/f.md", "", false); err != nil {
		t.Fatalf("enqueue ingest: %v", err)
	}
	if _, err := m.Enqueue(queue.KindMakeInsights, "/inbox/f.md", "", false); err != nil {
		t.Fatalf("enqueue insights: %v", err)
	}

	if got := m.Depths()[queue.Ingestion].Queued; got != 2 {
		t.Fatalf("expected 2 queued items, got %d", got)
	}
}

func TestQueue_SaturationReturnsErrSaturated(t *testing.T) {
	m := queue.NewManager(nil, queue.WithMaxDepth(2))

	if _, err := m.Enqueue(queue.KindTrustAudit, "/lib/a", "", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.Enqueue(queue.KindTrustAudit, "/lib/b", "", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err := m.Enqueue(queue.KindTrustAudit, "/lib/c", "", false)
	if !errors.Is(err, queue.ErrSaturated) {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}
}

func TestQueue_FailRetriesWithBackoffThenDeadLetters(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	m := queue.NewManager(nil, queue.WithClock(clock), queue.WithMaxAttempts(3))

	item, err := m.Enqueue(queue.KindIngestFile, "/inbox/fail.md", "", false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Attempt 1: fails with a distinct error, should retry.
	claimed := m.Claim(queue.Ingestion)
	if claimed == nil {
		t.Fatalf("expected claim")
	}
	if !m.Start(claimed.ID) {
		t.Fatalf("expected start")
	}
	decision, ok := m.Fail(claimed.ID, "extraction failed: unreadable header", "")
	if !ok {
		t.Fatalf("expected fail to apply")
	}
	if decision.Outcome != queue.FailureOutcomeRetried {
		t.Fatalf("expected retry, got %s (%s)", decision.Outcome, decision.ReasonCode)
	}
	if decision.BackoffUntil == nil {
		t.Fatalf("expected backoff timestamp")
	}
	backoff := decision.BackoffUntil.Sub(clock())
	if backoff < time.Second || backoff > 30*time.Second {
		t.Fatalf("backoff %v outside [1s, 30s]", backoff)
	}

	// Not yet due: nothing to claim.
	if m.RequeueDueRetries() != 0 {
		t.Fatalf("expected no requeue before backoff elapses")
	}
	if m.Claim(queue.Ingestion) != nil {
		t.Fatalf("expected nothing claimable during backoff")
	}

	advance(31 * time.Second)
	if m.RequeueDueRetries() != 1 {
		t.Fatalf("expected requeue after backoff")
	}

	// Attempt 2: different error keeps poison count low, still retries.
	claimed = m.Claim(queue.Ingestion)
	if !m.Start(claimed.ID) {
		t.Fatalf("expected start")
	}
	decision, _ = m.Fail(claimed.ID, "agent crashed mid-parse", "")
	if decision.Outcome != queue.FailureOutcomeRetried {
		t.Fatalf("expected second retry, got %s", decision.Outcome)
	}
	if decision.Attempt != 2 {
		t.Fatalf("expected attempt=2, got %d", decision.Attempt)
	}

	advance(61 * time.Second)
	m.RequeueDueRetries()

	// Attempt 3: hits the retry limit, dead-letters.
	claimed = m.Claim(queue.Ingestion)
	if !m.Start(claimed.ID) {
		t.Fatalf("expected start")
	}
	decision, _ = m.Fail(claimed.ID, "agent crashed again", "")
	if decision.Outcome != queue.FailureOutcomeDeadLetter {
		t.Fatalf("expected dead letter, got %s", decision.Outcome)
	}
	if decision.ReasonCode != queue.ReasonDeadLetterMaxAttempts {
		t.Fatalf("expected max-attempts reason, got %s", decision.ReasonCode)
	}

	dead := m.DeadLetters(queue.Ingestion)
	if len(dead) != 1 || dead[0].ID != item.ID {
		t.Fatalf("expected item in dead letters, got %+v", dead)
	}
	if dead[0].Attempt != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", dead[0].Attempt)
	}
}

func TestQueue_PoisonPillDeadLettersEarly(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	// Generous attempt budget so only the poison check can dead-letter.
	m := queue.NewManager(nil, queue.WithClock(clock), queue.WithMaxAttempts(10))

	if _, err := m.Enqueue(queue.KindSchemaProposal, "/inbox/poison.md", "", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var lastReason string
	for i := 0; i < 3; i++ {
		mu.Lock()
		now = now.Add(2 * time.Minute)
		mu.Unlock()
		m.RequeueDueRetries()

		claimed := m.Claim(queue.Schema)
		if claimed == nil {
			t.Fatalf("iteration %d: expected claim", i)
		}
		if !m.Start(claimed.ID) {
			t.Fatalf("iteration %d: expected start", i)
		}
		decision, ok := m.Fail(claimed.ID, "identical parser panic", "")
		if !ok {
			t.Fatalf("iteration %d: fail did not apply", i)
		}
		lastReason = decision.ReasonCode
		if decision.Outcome == queue.FailureOutcomeDeadLetter {
			break
		}
	}
	if lastReason != queue.ReasonDeadLetterPoisonPill {
		t.Fatalf("expected poison-pill dead letter, got %s", lastReason)
	}
}

func TestQueue_CancelWaitingItem(t *testing.T) {
	m := queue.NewManager(nil)

	item, err := m.Enqueue(queue.KindTrustAudit, "/lib/x", "", false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !m.Cancel(item.ID) {
		t.Fatalf("expected cancel to succeed")
	}
	if m.Cancel(item.ID) {
		t.Fatalf("expected second cancel to fail")
	}
	if m.Claim(queue.TrustAudit) != nil {
		t.Fatalf("expected canceled item to be unclaimable")
	}

	d := m.Depths()[queue.TrustAudit]
	if d.Canceled != 1 || d.Queued != 0 {
		t.Fatalf("unexpected depth after cancel: %+v", d)
	}
}

func TestQueue_CancelQueuedSweepsAllQueues(t *testing.T) {
	m := queue.NewManager(nil)

	if _, err := m.Enqueue(queue.KindSchemaProposal, "/inbox/1", "", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.Enqueue(queue.KindIngestFile, "/inbox/2", "", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	running, err := m.Enqueue(queue.KindTrustAudit, "/inbox/3", "", false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed := m.Claim(queue.TrustAudit)
	if claimed == nil || claimed.ID != running.ID {
		t.Fatalf("expected claim of trust item")
	}
	if !m.Start(claimed.ID) {
		t.Fatalf("expected start")
	}

	if n := m.CancelQueued(); n != 2 {
		t.Fatalf("expected 2 canceled, got %d", n)
	}
	// The running item is untouched.
	if m.InFlight("") != 1 {
		t.Fatalf("expected 1 in-flight item, got %d", m.InFlight(""))
	}
}

func TestQueue_ReleaseReturnsItemToFront(t *testing.T) {
	m := queue.NewManager(nil)

	first, err := m.Enqueue(queue.KindIngestFile, "/inbox/10.md", "", false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.Enqueue(queue.KindIngestFile, "/inbox/11.md", "", false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed := m.Claim(queue.Ingestion)
	if claimed.ID != first.ID {
		t.Fatalf("expected first claim")
	}
	if !m.Release(claimed.ID) {
		t.Fatalf("expected release")
	}

	reclaimed := m.Claim(queue.Ingestion)
	if reclaimed == nil || reclaimed.ID != first.ID {
		t.Fatalf("expected released item claimed first again")
	}
	if reclaimed.Attempt != 0 {
		t.Fatalf("release must not consume an attempt, got %d", reclaimed.Attempt)
	}
}

func TestQueue_KindRouting(t *testing.T) {
	cases := []struct {
		kind  queue.ItemKind
		queue string
	}{
		{queue.KindSchemaProposal, queue.Schema},
		{queue.KindIngestFile, queue.Ingestion},
		{queue.KindMakeInsights, queue.Ingestion},
		{queue.KindTrustAudit, queue.TrustAudit},
	}
	for _, tc := range cases {
		got, err := queue.QueueFor(tc.kind)
		if err != nil {
			t.Fatalf("QueueFor(%s): %v", tc.kind, err)
		}
		if got != tc.queue {
			t.Fatalf("QueueFor(%s) = %s, want %s", tc.kind, got, tc.queue)
		}
	}
	if _, err := queue.QueueFor(queue.ItemKind("bogus")); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
