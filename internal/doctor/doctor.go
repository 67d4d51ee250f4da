// Package doctor runs preflight diagnostics for the librarian daemon:
// configuration, database, home directory permissions, watch roots and the
// AI endpoint. Results render as a table or JSON in the CLI.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. Warnings do not count against it.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkWatchRoots,
		checkAIKey,
		checkAIEndpoint,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No config.yaml yet; running on defaults",
			Detail:  fmt.Sprintf("The daemon writes defaults to %s on first run", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  cfg.Fingerprint(),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	dbPath := filepath.Join(cfg.HomeDir, "librarian.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer st.Close()

	// Opening migrates the schema; a query proves it is usable.
	if _, err := st.RecentAudit(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: dbPath}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	fi, err := os.Stat(tokenPath)
	switch {
	case err != nil:
		return CheckResult{
			Name:    "Permissions",
			Status:  "PASS",
			Message: "Home directory writable",
			Detail:  "auth.token not yet generated",
		}
	case fi.Mode().Perm()&0o077 != 0:
		return CheckResult{
			Name:    "Permissions",
			Status:  "WARN",
			Message: "auth.token is readable by other users",
			Detail:  fmt.Sprintf("chmod 600 %s", tokenPath),
		}
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable, auth.token locked down"}
}

func checkWatchRoots(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Watch Roots", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Watch.Roots) == 0 {
		return CheckResult{
			Name:    "Watch Roots",
			Status:  "WARN",
			Message: "No watch roots configured",
			Detail:  "Files only enter via POST /scan or POST /organize",
		}
	}

	var details []string
	status := "PASS"
	for _, root := range cfg.Watch.Roots {
		fi, err := os.Stat(root.Path)
		switch {
		case err != nil:
			details = append(details, root.Path+": missing (watcher will degrade to polling)")
			if status == "PASS" {
				status = "WARN"
			}
		case !fi.IsDir():
			details = append(details, root.Path+": not a directory")
			status = "FAIL"
		default:
			details = append(details, root.Path+": ok")
		}
	}

	return CheckResult{
		Name:    "Watch Roots",
		Status:  status,
		Message: fmt.Sprintf("Checked %d roots", len(cfg.Watch.Roots)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkAIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "AI Key", Status: "SKIP", Message: "Config missing"}
	}

	switch cfg.AI.Provider {
	case "", "mock":
		return CheckResult{Name: "AI Key", Status: "PASS", Message: "Mock provider needs no credentials"}
	case "openai":
		if cfg.AI.APIKey != "" {
			return CheckResult{Name: "AI Key", Status: "PASS", Message: "ai.api_key configured"}
		}
		if cfg.AI.BaseURL != "" {
			return CheckResult{
				Name:    "AI Key",
				Status:  "PASS",
				Message: "No key; local endpoints accept any token",
				Detail:  cfg.AI.BaseURL,
			}
		}
		return CheckResult{
			Name:    "AI Key",
			Status:  "WARN",
			Message: "ai.api_key empty for hosted OpenAI",
			Detail:  "Set ai.api_key in config.yaml or point ai.base_url at a local server",
		}
	default:
		return CheckResult{
			Name:    "AI Key",
			Status:  "WARN",
			Message: fmt.Sprintf("Unknown provider %q", cfg.AI.Provider),
			Detail:  "Supported: mock, openai",
		}
	}
}

func checkAIEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "AI Endpoint", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.AI.Provider == "" || cfg.AI.Provider == "mock" {
		return CheckResult{Name: "AI Endpoint", Status: "SKIP", Message: "Mock provider runs in-process"}
	}

	host := "api.openai.com"
	if cfg.AI.BaseURL != "" {
		u, err := url.Parse(cfg.AI.BaseURL)
		if err != nil || u.Hostname() == "" {
			return CheckResult{
				Name:    "AI Endpoint",
				Status:  "FAIL",
				Message: fmt.Sprintf("ai.base_url unparseable: %s", cfg.AI.BaseURL),
			}
		}
		host = u.Hostname()
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "AI Endpoint",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.AI.Provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "AI Endpoint",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", cfg.AI.Provider, addrs),
	}
}
