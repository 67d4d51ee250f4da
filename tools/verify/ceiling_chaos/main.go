// Command ceiling_chaos hammers a live coordinator with a burst of work far
// above its ceilings and verifies the concurrency bound never breaks: peak
// concurrent agents stay at or under the global ceiling while every item
// still reaches a terminal state. Output is key=value lines ending in a
// VERDICT.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gracekernel/librarian/internal/ai"
	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/chunkstore"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/coordinator"
	"github.com/gracekernel/librarian/internal/fleet"
	"github.com/gracekernel/librarian/internal/governance"
	"github.com/gracekernel/librarian/internal/organizer"
	"github.com/gracekernel/librarian/internal/queue"
	"github.com/gracekernel/librarian/internal/store"
)

const (
	burstSize     = 60
	globalCeiling = 4
)

func main() {
	home, err := os.MkdirTemp("", "librarian-ceiling-chaos-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(home)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(home, "librarian.db"))
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	chunks, err := chunkstore.Open("", logger)
	if err != nil {
		fmt.Printf("open_chunkstore_error=%v\n", err)
		os.Exit(1)
	}
	defer chunks.Close()

	eventBus := bus.New()
	queues := queue.NewManager(eventBus)
	org := organizer.New(st, eventBus, home, config.OrganizerConfig{
		LibraryDir: filepath.Join(home, "library"),
	}, logger)
	gate, err := governance.New(st, org, queues, eventBus, config.GovernanceConfig{AutoApproveThreshold: 0.85}, logger)
	if err != nil {
		fmt.Printf("governance_error=%v\n", err)
		os.Exit(1)
	}
	agents := fleet.New(fleet.Deps{
		Store:     st,
		Organizer: org,
		Gate:      gate,
		Queues:    queues,
		Chunks:    chunks,
		AI:        ai.NewMockProvider(),
		Bus:       eventBus,
		Logger:    logger,
		Ingestion: config.IngestionConfig{ChunkTokens: 80, MaxFileBytes: 8 << 20},
	})

	coord := coordinator.New(config.CoordinatorConfig{
		TickMillis:    10,
		GlobalCeiling: globalCeiling,
		QueueCeilings: map[string]int{
			queue.Schema:     2,
			queue.Ingestion:  globalCeiling,
			queue.TrustAudit: 2,
		},
	}, coordinator.Deps{
		Queues: queues,
		Fleet:  agents,
		Store:  st,
		Chunks: chunks,
		Bus:    eventBus,
		Logger: logger,
	}, coordinator.WithTaskTimeout(20*time.Second), coordinator.WithDrainGrace(5*time.Second))

	// Watch agent lifecycle events and track the concurrency high-water mark.
	sub := eventBus.Subscribe("agent.")
	defer eventBus.Unsubscribe(sub)
	done := make(chan struct{})
	var peak, spawned, completed, failed int
	go func() {
		defer close(done)
		active := 0
		for ev := range sub.Ch() {
			switch ev.Topic {
			case bus.TopicAgentSpawned:
				active++
				spawned++
				if active > peak {
					peak = active
				}
			case bus.TopicAgentCompleted:
				active--
				completed++
			case bus.TopicAgentFailed:
				active--
				failed++
			}
			if completed+failed == burstSize {
				return
			}
		}
	}()

	inbox := filepath.Join(home, "inbox")
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		fmt.Printf("mkdir_error=%v\n", err)
		os.Exit(1)
	}
	for i := 0; i < burstSize; i++ {
		path := filepath.Join(inbox, fmt.Sprintf("burst-%03d.txt", i))
		if err := os.WriteFile(path, []byte(fmt.Sprintf("burst payload %d\n", i)), 0o644); err != nil {
			fmt.Printf("write_error=%v\n", err)
			os.Exit(1)
		}
		if _, err := queues.Enqueue(queue.KindIngestFile, path, "", false); err != nil {
			fmt.Printf("enqueue_error=%v\n", err)
			os.Exit(1)
		}
	}

	start := time.Now().UTC()
	if err := coord.Start(); err != nil {
		fmt.Printf("coordinator_start_error=%v\n", err)
		os.Exit(1)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Minute):
		fmt.Println("timeout=waiting for terminal states")
		os.Exit(1)
	}
	elapsed := time.Since(start)

	if err := coord.Stop(); err != nil {
		fmt.Printf("coordinator_stop_error=%v\n", err)
		os.Exit(1)
	}

	depths := queues.Depths()
	ingestion := depths[queue.Ingestion]

	fmt.Printf("burst_size=%d\n", burstSize)
	fmt.Printf("global_ceiling=%d\n", globalCeiling)
	fmt.Printf("peak_concurrent_agents=%d\n", peak)
	fmt.Printf("agents_spawned=%d\n", spawned)
	fmt.Printf("agents_completed=%d\n", completed)
	fmt.Printf("agents_failed=%d\n", failed)
	fmt.Printf("dead_lettered=%d\n", ingestion.DeadLetter)
	fmt.Printf("elapsed=%s\n", elapsed)

	if peak > globalCeiling || peak == 0 || completed+failed != burstSize {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Printf("VERDICT PASS (peak %d <= ceiling %d, %d items terminal)\n", peak, globalCeiling, completed+failed)
}
