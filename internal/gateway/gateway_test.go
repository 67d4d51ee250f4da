package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gracekernel/librarian/internal/audit"
	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/coordinator"
	"github.com/gracekernel/librarian/internal/fleet"
	"github.com/gracekernel/librarian/internal/gateway"
	"github.com/gracekernel/librarian/internal/governance"
	"github.com/gracekernel/librarian/internal/organizer"
	obs "github.com/gracekernel/librarian/internal/otel"
	"github.com/gracekernel/librarian/internal/queue"
	"github.com/gracekernel/librarian/internal/store"
	"github.com/gracekernel/librarian/internal/watcher"
)

const testAuthToken = "gateway-test-token"

// scriptedAgent runs a test-provided function in place of a real agent.
type scriptedAgent struct {
	kind fleet.Kind
	run  func(ctx context.Context, task fleet.Task) (fleet.Report, error)
}

func (a *scriptedAgent) Kind() fleet.Kind { return a.kind }

func (a *scriptedAgent) Execute(ctx context.Context, task fleet.Task) (fleet.Report, error) {
	return a.run(ctx, task)
}

// scriptedFleet stands in for the real fleet so tests control what each
// item kind does.
type scriptedFleet struct {
	mu     sync.Mutex
	agents map[queue.ItemKind]fleet.Agent
}

func newScriptedFleet() *scriptedFleet {
	return &scriptedFleet{agents: map[queue.ItemKind]fleet.Agent{}}
}

func (f *scriptedFleet) script(itemKind queue.ItemKind, kind fleet.Kind, run func(ctx context.Context, task fleet.Task) (fleet.Report, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[itemKind] = &scriptedAgent{kind: kind, run: run}
}

func (f *scriptedFleet) ForItem(kind queue.ItemKind) (fleet.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no script for %q", fleet.ErrUnknownKind, kind)
	}
	return a, nil
}

type gwFixture struct {
	ts      *httptest.Server
	coord   *coordinator.Coordinator
	queues  *queue.Manager
	store   *store.Store
	org     *organizer.Organizer
	gate    *governance.Gate
	scanner *watcher.Scanner
	bus     *bus.Bus
	fleet   *scriptedFleet
	rec     *obs.Recorder
	home    string
}

// newGatewayFixture assembles a daemon's worth of collaborators around a
// temp home and serves the gateway over httptest. Rate limiting and CORS
// stay off; the middleware tests construct those in isolation. The daemon
// home sits in its own dot directory so scans of the surrounding tree skip
// it, same as a real install.
func newGatewayFixture(t *testing.T) *gwFixture {
	t.Helper()
	home := t.TempDir()
	daemonHome := filepath.Join(home, ".librarian")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(daemonHome, "librarian.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	eventBus := bus.New()
	queues := queue.NewManager(eventBus)
	org := organizer.New(st, eventBus, daemonHome, config.OrganizerConfig{LibraryDir: filepath.Join(home, "library")}, logger)
	gate, err := governance.New(st, org, queues, eventBus, config.GovernanceConfig{AutoApproveThreshold: 0.85}, logger)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	scanner := watcher.NewScanner(st, queues, eventBus, daemonHome, config.ScanConfig{}, 0, logger)

	sink, err := audit.Open(daemonHome, st, logger)
	if err != nil {
		t.Fatalf("open audit sink: %v", err)
	}
	t.Cleanup(func() {
		_ = sink.Close()
	})

	provider, err := obs.Init(context.Background(), obs.Config{Enabled: false})
	if err != nil {
		t.Fatalf("otel init: %v", err)
	}
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	metrics, err := obs.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	rec := obs.NewRecorder(metrics)
	obsCtx, obsCancel := context.WithCancel(context.Background())
	rec.Observe(obsCtx, eventBus)
	t.Cleanup(func() {
		obsCancel()
		rec.Close()
	})

	agents := newScriptedFleet()
	coord := coordinator.New(config.CoordinatorConfig{TickMillis: 5}, coordinator.Deps{
		Queues: queues,
		Fleet:  agents,
		Store:  st,
		Bus:    eventBus,
		Logger: logger,
	})

	srv := gateway.New(gateway.Config{
		Coordinator: coord,
		Queues:      queues,
		Store:       st,
		Organizer:   org,
		Governance:  gate,
		Scanner:     scanner,
		Bus:         eventBus,
		Audit:       sink,
		Recorder:    rec,
		Metrics:     metrics,
		Tracer:      provider.Tracer,
		Logger:      logger,
		AuthToken:   testAuthToken,
		Version:     "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &gwFixture{
		ts:      ts,
		coord:   coord,
		queues:  queues,
		store:   st,
		org:     org,
		gate:    gate,
		scanner: scanner,
		bus:     eventBus,
		fleet:   agents,
		rec:     rec,
		home:    home,
	}
}

func (f *gwFixture) start(t *testing.T) {
	t.Helper()
	if err := f.coord.Start(); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(func() {
		if f.coord.State() != coordinator.StateStopped {
			_ = f.coord.Stop()
		}
	})
}

// do issues one authenticated request and returns the decoded status plus
// raw body.
func (f *gwFixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func decodeInto(t *testing.T, data []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

// writeInboxFile drops a file under <home>/inbox for classification tests.
func (f *gwFixture) writeInboxFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(f.home, "inbox", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir inbox: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type errEnvelope struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Kind  string `json:"kind"`
}

func wantEnvelope(t *testing.T, data []byte, code int, kind string) errEnvelope {
	t.Helper()
	var e errEnvelope
	decodeInto(t, data, &e)
	if e.Code != code || e.Kind != kind {
		t.Fatalf("envelope = %+v, want code %d kind %s", e, code, kind)
	}
	if e.Error == "" {
		t.Fatal("envelope must carry a message")
	}
	return e
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		Healthy bool   `json:"healthy"`
		DBOk    bool   `json:"db_ok"`
		State   string `json:"state"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if !payload.Healthy || !payload.DBOk {
		t.Fatalf("fresh daemon must be healthy, got %+v", payload)
	}
	if payload.State != "stopped" {
		t.Fatalf("state = %q, want stopped", payload.State)
	}
	if payload.Version != "test" {
		t.Fatalf("version = %q, want test", payload.Version)
	}
}

func TestStatus_ReportsCoordinatorSnapshot(t *testing.T) {
	f := newGatewayFixture(t)
	f.start(t)

	code, body := f.do(t, http.MethodGet, "/status", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d: %s", code, body)
	}

	var st struct {
		State         string                     `json:"state"`
		GlobalCeiling int                        `json:"global_ceiling"`
		Queues        map[string]json.RawMessage `json:"queues"`
		UptimeSeconds *int64                     `json:"uptime_seconds"`
		Version       string                     `json:"version"`
	}
	decodeInto(t, body, &st)
	if st.State != "running" {
		t.Fatalf("state = %q, want running", st.State)
	}
	if st.GlobalCeiling <= 0 {
		t.Fatalf("global ceiling must be positive, got %d", st.GlobalCeiling)
	}
	for _, name := range queue.Names {
		if _, ok := st.Queues[name]; !ok {
			t.Fatalf("status missing queue %s: %s", name, body)
		}
	}
	if st.UptimeSeconds == nil {
		t.Fatal("status must report uptime")
	}
	if st.Version != "test" {
		t.Fatalf("version = %q, want test", st.Version)
	}
}

func TestStatus_RejectsNonGET(t *testing.T) {
	f := newGatewayFixture(t)
	code, _ := f.do(t, http.MethodPost, "/status", nil)
	if code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /status = %d, want 405", code)
	}
}

func TestLifecycle_FullCycleOverHTTP(t *testing.T) {
	f := newGatewayFixture(t)
	t.Cleanup(func() {
		if f.coord.State() != coordinator.StateStopped {
			_ = f.coord.Stop()
		}
	})

	steps := []struct {
		route string
		want  string
	}{
		{"/start", "running"},
		{"/pause", "paused"},
		{"/resume", "running"},
		{"/stop", "stopped"},
	}
	for _, step := range steps {
		code, body := f.do(t, http.MethodPost, step.route, nil)
		if code != http.StatusOK {
			t.Fatalf("POST %s = %d: %s", step.route, code, body)
		}
		var out struct {
			State string `json:"state"`
		}
		decodeInto(t, body, &out)
		if out.State != step.want {
			t.Fatalf("POST %s state = %q, want %q", step.route, out.State, step.want)
		}
	}
}

func TestLifecycle_InvalidTransitionConflicts(t *testing.T) {
	f := newGatewayFixture(t)

	// Pausing a stopped coordinator is out of order.
	code, body := f.do(t, http.MethodPost, "/pause", nil)
	if code != http.StatusConflict {
		t.Fatalf("pause while stopped = %d: %s", code, body)
	}
	wantEnvelope(t, body, http.StatusConflict, "terminal")

	f.start(t)
	code, body = f.do(t, http.MethodPost, "/start", nil)
	if code != http.StatusConflict {
		t.Fatalf("second start = %d: %s", code, body)
	}
	wantEnvelope(t, body, http.StatusConflict, "terminal")
}

func TestLifecycle_RejectsNonPOST(t *testing.T) {
	f := newGatewayFixture(t)
	for _, route := range []string{"/start", "/stop", "/pause", "/resume"} {
		code, _ := f.do(t, http.MethodGet, route, nil)
		if code != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s = %d, want 405", route, code)
		}
	}
}
