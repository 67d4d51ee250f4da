package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gracekernel/librarian/internal/fleet"
)

// ErrCeilingExceeded reports that a spawn would break a per-queue or global
// concurrency ceiling. It never leaves the tick loop; saturated queues just
// wait for the next tick.
var ErrCeilingExceeded = errors.New("agent ceiling exceeded")

// runningAgent is the in-memory handle for one live sub-agent run.
type runningAgent struct {
	id        string
	kind      fleet.Kind
	itemID    string
	queue     string
	path      string
	startedAt time.Time
	cancel    context.CancelFunc
}

// ActiveAgent is the externally visible view of a running agent, reported
// by Status and listed by the gateway.
type ActiveAgent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Queue     string    `json:"queue"`
	ItemID    string    `json:"item_id"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
}

// registry owns the active-agent table and every concurrency counter. All
// updates happen under its lock on the coordinator's goroutines; agents
// themselves never touch the counts.
type registry struct {
	mu       sync.Mutex
	global   int
	perQueue map[string]int
	agents   map[string]*runningAgent

	globalCeiling int
	ceilings      map[string]int
}

func newRegistry(globalCeiling int, ceilings map[string]int) *registry {
	return &registry{
		perQueue:      map[string]int{},
		agents:        map[string]*runningAgent{},
		globalCeiling: globalCeiling,
		ceilings:      ceilings,
	}
}

// reserve takes a concurrency slot for queueName before the claim, so a
// claimed item always has room to run. The slot is freed by unreserve when
// no agent starts, or by remove when one finishes.
func (r *registry) reserve(queueName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.global >= r.globalCeiling {
		return fmt.Errorf("%w: global active at %d", ErrCeilingExceeded, r.globalCeiling)
	}
	if ceiling, ok := r.ceilings[queueName]; ok && r.perQueue[queueName] >= ceiling {
		return fmt.Errorf("%w: %s active at %d", ErrCeilingExceeded, queueName, ceiling)
	}
	r.global++
	r.perQueue[queueName]++
	return nil
}

// unreserve returns a slot reserved for a spawn that never happened.
func (r *registry) unreserve(queueName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global--
	r.perQueue[queueName]--
}

// add registers a live agent whose slot was already reserved.
func (r *registry) add(a *runningAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.id] = a
}

// remove drops a finished agent and frees its slot. Unknown ids return
// false so a double completion cannot double-decrement.
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false
	}
	delete(r.agents, id)
	r.global--
	r.perQueue[a.queue]--
	return true
}

// cancel fires the run context cancel for one agent. The agent still owns
// its terminal bookkeeping; cancel only interrupts it.
func (r *registry) cancel(id string) bool {
	r.mu.Lock()
	a, ok := r.agents[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	a.cancel()
	return true
}

// counts returns the global active number and a copy of the per-queue
// actives.
func (r *registry) counts() (int, map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	per := make(map[string]int, len(r.perQueue))
	for q, n := range r.perQueue {
		per[q] = n
	}
	return r.global, per
}

// snapshot lists live agents, oldest first.
func (r *registry) snapshot() []ActiveAgent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ActiveAgent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, ActiveAgent{
			ID:        a.id,
			Kind:      string(a.kind),
			Queue:     a.queue,
			ItemID:    a.itemID,
			Path:      a.path,
			StartedAt: a.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
