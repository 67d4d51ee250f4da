package doctor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/gracekernel/librarian/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{HomeDir: t.TempDir()}
}

func TestRun_ProducesAllChecks(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "v-test")

	want := []string{"Config", "Database", "Permissions", "Watch Roots", "AI Key", "AI Endpoint"}
	if len(d.Results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(d.Results))
	}
	for i, name := range want {
		if d.Results[i].Name != name {
			t.Fatalf("result %d = %s, want %s", i, d.Results[i].Name, name)
		}
	}
	if d.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
	if d.System.OS != runtime.GOOS || d.System.Version != "v-test" {
		t.Fatalf("system info = %+v", d.System)
	}
}

func TestCheckConfig(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Fatalf("nil config = %s, want FAIL", got.Status)
	}

	cfg := testConfig(t)
	cfg.FirstRun = true
	if got := checkConfig(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("first run = %s, want WARN", got.Status)
	}

	cfg.FirstRun = false
	got := checkConfig(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("loaded config = %s, want PASS", got.Status)
	}
	if got.Detail == "" {
		t.Fatal("expected fingerprint detail")
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	if got := checkDatabase(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("fresh home = %s (%s), want PASS", got.Status, got.Message)
	}

	// A corrupted database file must fail, not pass silently.
	broken := testConfig(t)
	if err := os.WriteFile(filepath.Join(broken.HomeDir, "librarian.db"), []byte("not a database"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if got := checkDatabase(context.Background(), broken); got.Status != "FAIL" {
		t.Fatalf("garbage db = %s, want FAIL", got.Status)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := testConfig(t)
	if got := checkPermissions(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("writable home = %s, want PASS", got.Status)
	}

	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	if err := os.WriteFile(tokenPath, []byte("token"), 0o644); err != nil {
		t.Fatalf("write token: %v", err)
	}
	if got := checkPermissions(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("world-readable token = %s, want WARN", got.Status)
	}

	if err := os.Chmod(tokenPath, 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if got := checkPermissions(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("locked-down token = %s, want PASS", got.Status)
	}
}

func TestCheckWatchRoots(t *testing.T) {
	cfg := testConfig(t)
	if got := checkWatchRoots(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("no roots = %s, want WARN", got.Status)
	}

	good := t.TempDir()
	cfg.Watch.Roots = []config.WatchRoot{{Path: good, Recursive: true}}
	if got := checkWatchRoots(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("existing root = %s, want PASS", got.Status)
	}

	cfg.Watch.Roots = append(cfg.Watch.Roots, config.WatchRoot{Path: filepath.Join(good, "not-yet")})
	if got := checkWatchRoots(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("missing root = %s, want WARN", got.Status)
	}

	file := filepath.Join(good, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.Watch.Roots = []config.WatchRoot{{Path: file}}
	if got := checkWatchRoots(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("file as root = %s, want FAIL", got.Status)
	}
}

func TestCheckAIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.Provider = "mock"
	if got := checkAIKey(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("mock = %s, want PASS", got.Status)
	}

	cfg.AI.Provider = "openai"
	if got := checkAIKey(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("hosted without key = %s, want WARN", got.Status)
	}

	cfg.AI.APIKey = "sk-test"
	if got := checkAIKey(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("with key = %s, want PASS", got.Status)
	}

	cfg.AI.APIKey = ""
	cfg.AI.BaseURL = "http://127.0.0.1:11434/v1"
	if got := checkAIKey(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("local endpoint = %s, want PASS", got.Status)
	}

	cfg.AI.Provider = "palantir"
	if got := checkAIKey(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("unknown provider = %s, want WARN", got.Status)
	}
}

func TestCheckAIEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.Provider = "mock"
	if got := checkAIEndpoint(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("mock = %s, want SKIP", got.Status)
	}

	// IP literals resolve without touching the network.
	cfg.AI.Provider = "openai"
	cfg.AI.BaseURL = "http://127.0.0.1:11434/v1"
	if got := checkAIEndpoint(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("ip literal = %s (%s), want PASS", got.Status, got.Message)
	}

	cfg.AI.BaseURL = "://not-a-url"
	if got := checkAIEndpoint(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("bad base_url = %s, want FAIL", got.Status)
	}

	cfg.AI.BaseURL = ""
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := checkAIEndpoint(ctx, cfg); got.Status != "FAIL" {
		t.Fatalf("canceled context = %s, want FAIL", got.Status)
	}
}

func TestDiagnosisHealthy(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{
		{Name: "a", Status: "PASS"},
		{Name: "b", Status: "WARN"},
		{Name: "c", Status: "SKIP"},
	}}
	if !d.Healthy() {
		t.Fatal("warnings must not make the diagnosis unhealthy")
	}
	d.Results = append(d.Results, CheckResult{Name: "d", Status: "FAIL"})
	if d.Healthy() {
		t.Fatal("a failed check must make the diagnosis unhealthy")
	}
}
