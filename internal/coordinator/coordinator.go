// Package coordinator runs the control loop that turns queued work into
// bounded sub-agent executions. It owns the lifecycle state machine, the
// per-queue and global concurrency ceilings, and the terminal bookkeeping
// for every agent it spawns: queue item, durable agent record and bus event
// always agree on the outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/chunkstore"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/fleet"
	"github.com/gracekernel/librarian/internal/queue"
	"github.com/gracekernel/librarian/internal/store"
)

// ErrAgentTimeout marks an execution that outlived the per-item deadline.
// Timeouts feed the normal retry path with the TIMEOUT reason code.
var ErrAgentTimeout = errors.New("agent execution timed out")

// AgentSource resolves a queue item to the agent that executes it. The
// fleet satisfies it; tests substitute scripted agents.
type AgentSource interface {
	ForItem(kind queue.ItemKind) (fleet.Agent, error)
}

// Deps carries the collaborators the coordinator drives. Bus and Chunks may
// be nil; events and catalog upkeep are then skipped.
type Deps struct {
	Queues *queue.Manager
	Fleet  AgentSource
	Store  *store.Store
	Chunks *chunkstore.Store
	Bus    *bus.Bus
	Logger *slog.Logger
}

// Option tunes a coordinator beyond its config. Tests use these to shrink
// waits that are whole seconds in config.
type Option func(*Coordinator)

// WithTaskTimeout overrides the per-item execution deadline.
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.taskTimeout = d
		}
	}
}

// WithDrainGrace overrides how long Stop waits for in-flight agents before
// force-canceling them.
func WithDrainGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.drainGrace = d
		}
	}
}

// Coordinator drives the three work queues. One control goroutine ticks,
// claims and spawns; agent goroutines run on a fixed-size worker pool whose
// capacity is the global ceiling, so the bound holds structurally too.
type Coordinator struct {
	cfg         config.CoordinatorConfig
	tick        time.Duration
	taskTimeout time.Duration
	drainGrace  time.Duration

	queues *queue.Manager
	fleet  AgentSource
	store  *store.Store
	chunks *chunkstore.Store
	bus    *bus.Bus
	logger *slog.Logger

	registry *registry

	mu          sync.Mutex
	state       State
	pool        *ants.Pool
	loopCancel  context.CancelFunc
	agentCtx    context.Context
	agentCancel context.CancelFunc
	catalogSub  *bus.Subscription

	loopWG  sync.WaitGroup
	agentWG sync.WaitGroup
}

// New builds a stopped coordinator. Zero config fields fall back to the
// documented defaults so tests can pass a partial struct.
func New(cfg config.CoordinatorConfig, deps Deps, opts ...Option) *Coordinator {
	if cfg.TickMillis <= 0 {
		cfg.TickMillis = 250
	}
	if cfg.GlobalCeiling <= 0 {
		cfg.GlobalCeiling = 5
	}
	if len(cfg.QueueCeilings) == 0 {
		cfg.QueueCeilings = map[string]int{
			queue.Schema:     2,
			queue.Ingestion:  3,
			queue.TrustAudit: 2,
		}
	}
	if len(cfg.QueuePriority) == 0 {
		cfg.QueuePriority = []string{queue.Schema, queue.Ingestion, queue.TrustAudit}
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = 60
	}
	if cfg.DrainGraceSeconds <= 0 {
		cfg.DrainGraceSeconds = 10
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:         cfg,
		tick:        time.Duration(cfg.TickMillis) * time.Millisecond,
		taskTimeout: time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		drainGrace:  time.Duration(cfg.DrainGraceSeconds) * time.Second,
		queues:      deps.Queues,
		fleet:       deps.Fleet,
		store:       deps.Store,
		chunks:      deps.Chunks,
		bus:         deps.Bus,
		logger:      logger.With("component", "coordinator"),
		registry:    newRegistry(cfg.GlobalCeiling, cfg.QueueCeilings),
		state:       StateStopped,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start brings the coordinator to running: worker pool up, control loop
// ticking, catalog keeper subscribed. A coordinator restarts cleanly after
// a full Stop.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transitionLocked(StateStarting); err != nil {
		return err
	}

	pool, err := ants.NewPool(c.cfg.GlobalCeiling)
	if err != nil {
		_ = c.transitionLocked(StateStopping)
		_ = c.transitionLocked(StateStopped)
		return fmt.Errorf("worker pool: %w", err)
	}
	c.pool = pool

	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.loopCancel = loopCancel
	// Agent contexts hang off their own root, not the loop's, so stopping
	// the loop leaves in-flight agents their drain grace.
	c.agentCtx, c.agentCancel = context.WithCancel(context.Background())

	c.loopWG.Add(1)
	go c.run(loopCtx)

	if c.bus != nil && c.chunks != nil {
		c.catalogSub = c.bus.Subscribe("operation.")
		c.loopWG.Add(1)
		go c.keepCatalog(c.catalogSub)
	}

	return c.transitionLocked(StateRunning)
}

// Stop shuts the pipeline down: queued work is canceled immediately,
// in-flight agents get the drain grace and are then force-canceled and
// marked failed. Stop returns once the coordinator is fully stopped.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if err := c.transitionLocked(StateStopping); err != nil {
		c.mu.Unlock()
		return err
	}
	loopCancel := c.loopCancel
	agentCancel := c.agentCancel
	pool := c.pool
	catalogSub := c.catalogSub
	c.catalogSub = nil
	c.mu.Unlock()

	if n := c.queues.CancelQueued(); n > 0 {
		c.logger.Info("queued work canceled for stop", "items", n)
	}

	loopCancel()
	if catalogSub != nil {
		c.bus.Unsubscribe(catalogSub)
	}

	drained := c.waitAgents(c.drainGrace)
	agentCancel()
	if !drained {
		c.logger.Warn("drain grace elapsed, force-canceling in-flight agents", "grace", c.drainGrace)
		if !c.waitAgents(c.drainGrace) {
			c.logger.Error("agents still running after force cancel")
		}
	}
	// Agents that failed during the drain left retry-wait items behind;
	// sweep those too so a stopped coordinator holds no pending work.
	c.queues.CancelQueued()
	c.loopWG.Wait()
	pool.Release()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(StateStopped)
}

// Pause keeps the loop ticking but spawns nothing until Resume.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(StatePaused)
}

// Resume returns a paused coordinator to running.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(StateRunning)
}

// State reports the current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transitionLocked moves the state machine one edge, publishing the change.
// Callers hold c.mu.
func (c *Coordinator) transitionLocked(to State) error {
	if !canTransition(c.state, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.state, to)
	}
	from := c.state
	c.state = to
	if c.bus != nil {
		c.bus.Publish(bus.TopicCoordinatorState, bus.CoordinatorStateEvent{
			OldState: string(from),
			NewState: string(to),
		})
	}
	c.logger.Info("coordinator state changed", "from", from, "to", to)
	return nil
}

// run is the control loop. Every tick requeues due retries; claims and
// spawns happen only while running.
func (c *Coordinator) run(ctx context.Context) {
	defer c.loopWG.Done()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tickOnce()
		}
	}
}

func (c *Coordinator) tickOnce() {
	c.queues.RequeueDueRetries()
	if c.State() != StateRunning {
		return
	}
	for _, queueName := range c.cfg.QueuePriority {
		for {
			if err := c.registry.reserve(queueName); err != nil {
				break
			}
			item := c.queues.Claim(queueName)
			if item == nil {
				c.registry.unreserve(queueName)
				break
			}
			c.spawn(item)
		}
	}
}

// spawn hands one claimed item to its agent on the worker pool. The
// concurrency slot is already reserved; every failure to start gives the
// slot back and settles the item.
func (c *Coordinator) spawn(item *queue.Item) {
	agent, err := c.fleet.ForItem(item.Kind)
	if err != nil {
		// No agent will ever handle this kind; retrying would spin forever.
		c.queues.Cancel(item.ID)
		c.registry.unreserve(item.Queue)
		c.logger.Error("unroutable item canceled", "item_id", item.ID, "kind", item.Kind, "error", err)
		return
	}

	agentID := uuid.NewString()
	rec := store.AgentRecord{
		ID:     agentID,
		Kind:   string(agent.Kind()),
		ItemID: item.ID,
		Queue:  item.Queue,
		Path:   item.Path,
	}
	if err := c.store.CreateAgentRecord(context.Background(), rec); err != nil {
		c.queues.Release(item.ID)
		c.registry.unreserve(item.Queue)
		c.logger.Error("agent record not created", "item_id", item.ID, "error", err)
		return
	}

	runCtx, cancel := context.WithCancel(c.agentCtx)
	running := &runningAgent{
		id:        agentID,
		kind:      agent.Kind(),
		itemID:    item.ID,
		queue:     item.Queue,
		path:      item.Path,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	c.registry.add(running)
	c.agentWG.Add(1)

	task := fleet.Task{ItemID: item.ID, Path: item.Path, Payload: item.Payload}
	if err := c.pool.Submit(func() {
		defer c.agentWG.Done()
		c.runAgent(runCtx, running, agent, task)
	}); err != nil {
		c.agentWG.Done()
		c.registry.remove(agentID)
		cancel()
		c.queues.Release(item.ID)
		if _, ferr := c.store.FinishAgent(context.Background(), agentID, store.AgentCanceled, "worker pool rejected the task"); ferr != nil {
			c.logger.Warn("agent record not closed", "agent_id", agentID, "error", ferr)
		}
		c.logger.Error("worker pool rejected agent", "agent_id", agentID, "error", err)
		return
	}

	c.publishAgent(bus.TopicAgentSpawned, running, "")
	c.logger.Info("agent spawned",
		"agent_id", agentID, "kind", agent.Kind(), "item_id", item.ID,
		"queue", item.Queue, "path", item.Path)
}

// runAgent executes one agent to a single terminal state. Terminal writes
// use context.Background() so a canceled run is still recorded, and a
// canceled run never reports success even if the agent returned nil.
func (c *Coordinator) runAgent(runCtx context.Context, running *runningAgent, agent fleet.Agent, task fleet.Task) {
	defer c.registry.remove(running.id)
	defer running.cancel()

	if !c.queues.Start(task.ItemID) {
		// A stop raced the spawn and canceled the claimed item.
		c.finishAgent(running.id, store.AgentCanceled, "item canceled before start")
		c.publishAgent(bus.TopicAgentFailed, running, "item canceled before start")
		return
	}
	if ok, err := c.store.MarkAgentRunning(context.Background(), running.id); err != nil || !ok {
		c.logger.Warn("agent start not recorded", "agent_id", running.id, "error", err)
	}

	execCtx, cancelTimeout := context.WithTimeout(runCtx, c.taskTimeout)
	report, execErr := agent.Execute(execCtx, task)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancelTimeout()

	switch {
	case execErr == nil && runCtx.Err() == nil:
		c.queues.Succeed(task.ItemID)
		c.finishAgent(running.id, store.AgentSucceed, "")
		c.publishAgent(bus.TopicAgentCompleted, running, "")
		c.logger.Info("agent completed",
			"agent_id", running.id, "kind", running.kind, "path", running.path,
			"outcome", report.Outcome)

	case runCtx.Err() != nil:
		c.queues.Cancel(task.ItemID)
		c.finishAgent(running.id, store.AgentCanceled, "canceled")
		c.publishAgent(bus.TopicAgentFailed, running, "canceled")
		c.logger.Warn("agent canceled",
			"agent_id", running.id, "kind", running.kind, "path", running.path)

	case timedOut:
		errMsg := fmt.Errorf("%w after %s", ErrAgentTimeout, c.taskTimeout).Error()
		decision, _ := c.queues.Fail(task.ItemID, errMsg, queue.ReasonTimeout)
		c.finishAgent(running.id, store.AgentTimedOut, errMsg)
		c.publishAgent(bus.TopicAgentFailed, running, errMsg)
		c.logger.Warn("agent timed out",
			"agent_id", running.id, "kind", running.kind, "path", running.path,
			"timeout", c.taskTimeout, "outcome", decision.Outcome)

	default:
		decision, _ := c.queues.Fail(task.ItemID, execErr.Error(), queue.ReasonRetryAgentError)
		c.finishAgent(running.id, store.AgentFailed, execErr.Error())
		c.publishAgent(bus.TopicAgentFailed, running, execErr.Error())
		c.logger.Warn("agent failed",
			"agent_id", running.id, "kind", running.kind, "path", running.path,
			"error", execErr, "attempt", decision.Attempt, "outcome", decision.Outcome)
	}
}

func (c *Coordinator) finishAgent(agentID string, to store.AgentStatus, errMsg string) {
	if _, err := c.store.FinishAgent(context.Background(), agentID, to, errMsg); err != nil {
		c.logger.Warn("agent record not closed", "agent_id", agentID, "status", to, "error", err)
	}
}

func (c *Coordinator) publishAgent(topic string, a *runningAgent, errMsg string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, bus.AgentEvent{
		AgentID: a.id,
		Kind:    string(a.kind),
		ItemID:  a.itemID,
		Path:    a.path,
		Error:   errMsg,
	})
}

// waitAgents blocks until every agent goroutine returns or the timeout
// elapses.
func (c *Coordinator) waitAgents(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.agentWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// SpawnManual enqueues a priority item for the given agent kind, ahead of
// normal work on its queue. The item still flows through claims, ceilings
// and retries like any other.
func (c *Coordinator) SpawnManual(kind fleet.Kind, path string) (*queue.Item, error) {
	itemKind, err := fleet.ItemKindFor(kind)
	if err != nil {
		return nil, err
	}
	return c.queues.Enqueue(itemKind, path, "", true)
}

// Terminate cancels one running agent by id. The run unwinds through the
// canceled path: item canceled, record closed, terminal event published.
// Returns false when no such agent is live.
func (c *Coordinator) Terminate(agentID string) bool {
	return c.registry.cancel(agentID)
}

// HandleFileEvent turns one watcher event into queued work. Created and
// modified files go to the schema queue for classification. Deletions are
// dropped: the trust audit of a vanished path surfaces it for review.
func (c *Coordinator) HandleFileEvent(ev bus.FileDetectedEvent) {
	if ev.Kind == bus.FileDeleted {
		c.logger.Debug("file deletion observed", "path", ev.Path)
		return
	}
	if _, err := c.queues.Enqueue(queue.KindSchemaProposal, ev.Path, "", false); err != nil {
		c.logger.Warn("file event not enqueued", "path", ev.Path, "error", err)
	}
}

// QueueStatus is the per-queue slice of a Status snapshot.
type QueueStatus struct {
	Depth   queue.Depth `json:"depth"`
	Active  int         `json:"active"`
	Ceiling int         `json:"ceiling"`
}

// Status is a point-in-time view of the coordinator for the gateway and
// the CLI.
type Status struct {
	State         State                       `json:"state"`
	GlobalActive  int                         `json:"global_active"`
	GlobalCeiling int                         `json:"global_ceiling"`
	Queues        map[string]QueueStatus      `json:"queues"`
	Agents        []ActiveAgent               `json:"agents"`
	AgentTotals   map[store.AgentStatus]int64 `json:"agent_totals"`
}

// Status assembles the live snapshot: lifecycle state, queue depths,
// active counts against their ceilings, running agents and historical
// agent totals.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	global, perQueue := c.registry.counts()
	depths := c.queues.Depths()

	queues := make(map[string]QueueStatus, len(depths))
	for name, depth := range depths {
		queues[name] = QueueStatus{
			Depth:   depth,
			Active:  perQueue[name],
			Ceiling: c.cfg.QueueCeilings[name],
		}
	}

	totals, err := c.store.CountAgentsByStatus(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("agent totals: %w", err)
	}

	return Status{
		State:         c.State(),
		GlobalActive:  global,
		GlobalCeiling: c.cfg.GlobalCeiling,
		Queues:        queues,
		Agents:        c.registry.snapshot(),
		AgentTotals:   totals,
	}, nil
}
