package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all librarian metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	RateLimitRejects   metric.Int64Counter
	EventClients       metric.Int64UpDownCounter
	FilesDetected      metric.Int64Counter
	ItemsEnqueued      metric.Int64Counter
	ItemsRetried       metric.Int64Counter
	ItemsDeadLettered  metric.Int64Counter
	AgentsSpawned      metric.Int64Counter
	AgentsActive       metric.Int64UpDownCounter
	AgentsFailed       metric.Int64Counter
	Decisions          metric.Int64Counter
	OperationsApplied  metric.Int64Counter
	OperationsUndone   metric.Int64Counter
	ScansCompleted     metric.Int64Counter
	WatcherDegradation metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("librarian.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("librarian.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.EventClients, err = meter.Int64UpDownCounter("librarian.events.clients",
		metric.WithDescription("Connected WebSocket event stream clients"),
	)
	if err != nil {
		return nil, err
	}

	m.FilesDetected, err = meter.Int64Counter("librarian.files.detected",
		metric.WithDescription("Debounced filesystem events seen by the watcher"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsEnqueued, err = meter.Int64Counter("librarian.queue.enqueued",
		metric.WithDescription("Items accepted into work queues"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsRetried, err = meter.Int64Counter("librarian.queue.retries",
		metric.WithDescription("Items sent back to a queue with backoff"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsDeadLettered, err = meter.Int64Counter("librarian.queue.dead_letters",
		metric.WithDescription("Items parked after exhausting retries"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsSpawned, err = meter.Int64Counter("librarian.agents.spawned",
		metric.WithDescription("Sub-agents started by the coordinator"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsActive, err = meter.Int64UpDownCounter("librarian.agents.active",
		metric.WithDescription("Sub-agents currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsFailed, err = meter.Int64Counter("librarian.agents.failed",
		metric.WithDescription("Sub-agents that ended in failure"),
	)
	if err != nil {
		return nil, err
	}

	m.Decisions, err = meter.Int64Counter("librarian.governance.decisions",
		metric.WithDescription("Schema proposal decisions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.OperationsApplied, err = meter.Int64Counter("librarian.operations.applied",
		metric.WithDescription("Ledger-backed file operations applied"),
	)
	if err != nil {
		return nil, err
	}

	m.OperationsUndone, err = meter.Int64Counter("librarian.operations.undone",
		metric.WithDescription("Ledger operations reversed"),
	)
	if err != nil {
		return nil, err
	}

	m.ScansCompleted, err = meter.Int64Counter("librarian.scans.completed",
		metric.WithDescription("Bulk scans finished"),
	)
	if err != nil {
		return nil, err
	}

	m.WatcherDegradation, err = meter.Int64Counter("librarian.watcher.degradations",
		metric.WithDescription("Watcher fallbacks from fsnotify to polling"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
