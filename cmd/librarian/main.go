package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gracekernel/librarian/internal/ai"
	"github.com/gracekernel/librarian/internal/audit"
	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/chunkstore"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/coordinator"
	"github.com/gracekernel/librarian/internal/cron"
	"github.com/gracekernel/librarian/internal/fleet"
	"github.com/gracekernel/librarian/internal/gateway"
	"github.com/gracekernel/librarian/internal/governance"
	"github.com/gracekernel/librarian/internal/organizer"
	otelPkg "github.com/gracekernel/librarian/internal/otel"
	"github.com/gracekernel/librarian/internal/queue"
	"github.com/gracekernel/librarian/internal/store"
	"github.com/gracekernel/librarian/internal/telemetry"
	"github.com/gracekernel/librarian/internal/watcher"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Watch configured roots and serve the API

SUBCOMMANDS:
  %s status [-full]           Show daemon health (/healthz; -full hits /status)
  %s doctor [-json]           Run diagnostic checks
  %s organize <path>          Ask the daemon to classify and place one file
  %s undo <operation-id>      Reverse a ledger operation
  %s scan <dir>               Bulk-analyze an existing directory tree

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LIBRARIAN_HOME          Data directory (default: ~/.librarian)
  LIBRARIAN_AUTH_TOKEN    Bearer token override for API subcommands
  LIBRARIAN_AI_API_KEY    Required for the hosted embedding provider

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
  Organize a download:    %s organize ~/Downloads/report.pdf
  Re-derive queue work:   %s scan ~/Documents/inbox
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to <home>/logs/system.jsonl only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "organize":
			os.Exit(runOrganizeCommand(ctx, args[1:]))
		case "undo":
			os.Exit(runUndoCommand(ctx, args[1:]))
		case "scan":
			os.Exit(runScanCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}
	if cfg.FirstRun {
		if err := config.Save(cfg); err != nil {
			fatalStartup(nil, nil, "E_CONFIG_WRITE", err)
		}
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "first_run", cfg.FirstRun)
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	// OpenTelemetry is a no-op when disabled; the /metrics snapshot still
	// counts either way.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(nil, logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	st, err := store.Open(filepath.Join(cfg.HomeDir, "librarian.db"))
	if err != nil {
		fatalStartup(nil, logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	auditSink, err := audit.Open(cfg.HomeDir, st, logger)
	if err != nil {
		fatalStartup(nil, logger, "E_AUDIT_INIT", err)
	}
	defer auditSink.Close()
	auditSink.Observe(ctx, eventBus)

	// Queues are volatile; agent rows left RUNNING by a crash can never
	// report a terminal state, so close them out before new work starts.
	orphans, err := st.CancelOrphanedAgents(ctx)
	if err != nil {
		fatalStartup(auditSink, logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "orphaned_agents_canceled", orphans)

	chunks, err := chunkstore.Open(filepath.Join(cfg.HomeDir, "chunks"), logger)
	if err != nil {
		fatalStartup(auditSink, logger, "E_CHUNKSTORE_OPEN", err)
	}
	defer chunks.Close()

	aiProvider, err := ai.NewProvider(cfg.AI, logger)
	if err != nil {
		fatalStartup(auditSink, logger, "E_AI_PROVIDER_INIT", err)
	}

	queues := queue.NewManager(eventBus, queue.WithMaxAttempts(cfg.Coordinator.RetryLimit))
	org := organizer.New(st, eventBus, cfg.HomeDir, cfg.Organizer, logger)
	gate, err := governance.New(st, org, queues, eventBus, cfg.Governance, logger)
	if err != nil {
		fatalStartup(auditSink, logger, "E_GOVERNANCE_INIT", err)
	}

	agents := fleet.New(fleet.Deps{
		Store:     st,
		Organizer: org,
		Gate:      gate,
		Queues:    queues,
		Chunks:    chunks,
		AI:        aiProvider,
		Bus:       eventBus,
		Logger:    logger,
		Ingestion: cfg.Ingestion,
	})

	coord := coordinator.New(cfg.Coordinator, coordinator.Deps{
		Queues: queues,
		Fleet:  agents,
		Store:  st,
		Chunks: chunks,
		Bus:    eventBus,
		Logger: logger,
	})

	// The watcher runs its own goroutine against blocking OS notifications;
	// the intake loop is the single thread-safe handoff into the queues.
	fsWatcher := watcher.New(cfg.Watch, cfg.HomeDir, eventBus, logger)
	if err := fsWatcher.Start(ctx); err != nil {
		fatalStartup(auditSink, logger, "E_WATCHER_START", err)
	}
	go func() {
		for ev := range fsWatcher.Events() {
			coord.HandleFileEvent(ev)
		}
	}()
	logger.Info("startup phase", "phase", "watcher_started", "roots", len(cfg.Watch.Roots), "mode", fsWatcher.Mode())

	scanner := watcher.NewScanner(st, queues, eventBus, cfg.HomeDir, cfg.Scan, cfg.Ingestion.MaxFileBytes, logger)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(auditSink, logger, "E_METRICS_INIT", err)
	}
	recorder := otelPkg.NewRecorder(metrics)
	recorder.Observe(ctx, eventBus)

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(auditSink, logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Coordinator:       coord,
		Queues:            queues,
		Store:             st,
		Organizer:         org,
		Governance:        gate,
		Scanner:           scanner,
		Bus:               eventBus,
		Audit:             auditSink,
		Recorder:          recorder,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Middleware:        cfg.Gateway,
		Version:           Version,
	})
	gw.StartBackgroundTasks(ctx)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(auditSink, logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(auditSink, logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if err := coord.Start(); err != nil {
		fatalStartup(auditSink, logger, "E_COORDINATOR_START", err)
	}
	logger.Info("startup phase", "phase", "coordinator_running")

	cronSched := cron.NewScheduler(cron.Config{Logger: logger})
	if err := cronSched.Add(cron.RetentionJob(cfg.Retention, cfg.Organizer.BackupRetentionDays, st, org, logger)); err != nil {
		fatalStartup(auditSink, logger, "E_CRON_SCHEDULE", err)
	}
	for _, job := range cron.ScanJobs(cfg.Scan, cfg.Watch.Roots, scanner) {
		if err := cronSched.Add(job); err != nil {
			fatalStartup(auditSink, logger, "E_CRON_SCHEDULE", err)
		}
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	// Thresholds re-apply live on config.yaml changes; everything else
	// (bind addr, ceilings, roots) binds at construction and needs a
	// restart, which the drift warning makes visible.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(auditSink, logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		applied := cfg.Fingerprint()
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "path", ev.Path, "error", err)
				continue
			}
			if newCfg.Fingerprint() == applied {
				continue
			}
			org.SetThresholds(newCfg.Organizer.AutoMoveThreshold, newCfg.Organizer.SuggestThreshold)
			gate.SetThreshold(newCfg.Governance.AutoApproveThreshold)
			applied = newCfg.Fingerprint()
			if newCfg.BindAddr != cfg.BindAddr || newCfg.Coordinator.GlobalCeiling != cfg.Coordinator.GlobalCeiling {
				logger.Warn("config.yaml change includes fields that need a restart",
					"bind_addr", newCfg.BindAddr, "global_ceiling", newCfg.Coordinator.GlobalCeiling)
			}
			logger.Info("config thresholds re-applied", "fingerprint", applied)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake first, then drain the pipeline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if state := coord.State(); state != coordinator.StateStopped {
		if err := coord.Stop(); err != nil {
			logger.Warn("coordinator stop during shutdown", "state", state, "error", err)
		}
	}
	logger.Info("shutdown complete")
}

func fatalStartup(sink *audit.Sink, logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if sink != nil {
		sink.Record(context.Background(), "startup", "fatal", reasonCode, message)
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("LIBRARIAN_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
