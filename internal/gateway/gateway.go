// Package gateway is the daemon's HTTP surface: coordinator lifecycle and
// status, manual fleet control, governance and suggestion decisions, the
// operation ledger with undo, bulk scans, metrics, and a WebSocket stream
// that mirrors the event bus. Every route but /healthz sits behind the
// bearer token, the CORS allowlist, the body cap and the rate limiter.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/gracekernel/librarian/internal/audit"
	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/coordinator"
	"github.com/gracekernel/librarian/internal/governance"
	"github.com/gracekernel/librarian/internal/organizer"
	obs "github.com/gracekernel/librarian/internal/otel"
	"github.com/gracekernel/librarian/internal/queue"
	"github.com/gracekernel/librarian/internal/store"
	"github.com/gracekernel/librarian/internal/watcher"
)

// Failure kinds tell clients what a failed call means: transient conditions
// invite a retry, client mistakes do not, and anything parked on a pending
// human decision says so.
const (
	FailRetryable        = "retryable"
	FailTerminal         = "terminal"
	FailAwaitingApproval = "awaiting_approval"
)

// apiError is the envelope every failed request returns.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Kind  string `json:"kind"`
}

// Config carries the collaborators and settings for one gateway. Audit,
// Recorder, Metrics and Tracer may be nil; the routes they feed then skip
// that concern instead of failing.
type Config struct {
	Coordinator *coordinator.Coordinator
	Queues      *queue.Manager
	Store       *store.Store
	Organizer   *organizer.Organizer
	Governance  *governance.Gate
	Scanner     *watcher.Scanner
	Bus         *bus.Bus
	Audit       *audit.Sink
	Recorder    *obs.Recorder
	Metrics     *obs.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger

	// AuthToken is the daemon's bearer token from <home>/auth.token. An
	// empty token fails closed: every authed route returns 403.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections to /events. Empty list means "same-origin only".
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in /status.
	ConfigFingerprint string

	// Middleware holds the CORS allowlist, rate limit and body cap settings.
	Middleware config.GatewayConfig

	// Version is the build version reported by /healthz and /status.
	Version string
}

// Server owns the mux and the middleware built from one Config.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	auth    *AuthMiddleware
	limiter *RateLimitMiddleware
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(obs.TracerName)
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		auth:    NewAuthMiddleware(cfg.AuthToken),
		limiter: NewRateLimitMiddleware(cfg.Middleware.RateLimit),
		started: time.Now(),
	}
}

// StartBackgroundTasks launches the rate limiter's stale-bucket eviction
// loop. It returns when ctx is canceled.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.limiter.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
}

// Handler assembles the route table and wraps it in the middleware chain.
// Outside-in: CORS, the server span and duration histogram, the body cap,
// the rate limiter, then auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/start", s.handleLifecycle("start", func() error { return s.cfg.Coordinator.Start() }))
	mux.HandleFunc("/stop", s.handleLifecycle("stop", func() error { return s.cfg.Coordinator.Stop() }))
	mux.HandleFunc("/pause", s.handleLifecycle("pause", func() error { return s.cfg.Coordinator.Pause() }))
	mux.HandleFunc("/resume", s.handleLifecycle("resume", func() error { return s.cfg.Coordinator.Resume() }))
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/agents/", s.handleAgentByID)
	mux.HandleFunc("/proposals", s.handleProposals)
	mux.HandleFunc("/proposals/", s.handleProposalDecision)
	mux.HandleFunc("/suggestions", s.handleSuggestions)
	mux.HandleFunc("/suggestions/", s.handleSuggestionDecision)
	mux.HandleFunc("/operations", s.handleOperations)
	mux.HandleFunc("/operations/", s.handleOperationUndo)
	mux.HandleFunc("/organize", s.handleOrganize)
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/rules", s.handleRules)
	mux.HandleFunc("/corrections", s.handleCorrections)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/events", s.handleEvents)

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.Middleware.MaxBodyBytes)(h)
	h = s.instrument(h)
	h = NewCORSMiddleware(s.cfg.Middleware.CORS)(h)
	return h
}

// statusRecorder captures the response code so the instrumentation
// middleware can label what it measured.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// instrument opens a server span per request and feeds the duration
// histogram. Rate-limited rejections are counted here, off the response
// code, which keeps the limiter itself free of metric plumbing. The
// WebSocket route is excluded: its connection is hijacked and lives for
// hours, so the clients gauge covers it instead.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" {
			next.ServeHTTP(w, r)
			return
		}
		route := routeLabel(r.URL.Path)
		ctx, span := obs.StartServerSpan(r.Context(), s.tracer, "gateway.request",
			obs.AttrRoute.String(route), obs.AttrMethod.String(r.Method))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		if s.cfg.Metrics == nil {
			return
		}
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(obs.AttrRoute.String(route), obs.AttrMethod.String(r.Method)))
		if rec.status == http.StatusTooManyRequests {
			s.cfg.Metrics.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(obs.AttrRoute.String(route)))
		}
	})
}

// routeLabel collapses path parameters so span and metric cardinality stays
// bounded no matter how many ids pass through.
func routeLabel(path string) string {
	for _, prefix := range []string{"/agents/", "/proposals/", "/suggestions/", "/operations/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				return prefix + "{id}" + rest[i:]
			}
			return prefix + "{id}"
		}
	}
	return path
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeErr(w http.ResponseWriter, status int, kind string, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, apiError{Error: err.Error(), Code: status, Kind: kind})
}

// respondErr maps domain errors onto the envelope. Missing records and
// files are 404, settled or out-of-order state is 409, unusable correction
// input is 400, and saturation is 429 and asks for a retry. Anything
// unrecognized is internal and retryable.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		s.writeErr(w, http.StatusNotFound, FailTerminal, err)
	case errors.Is(err, governance.ErrAlreadyDecided),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, organizer.ErrInvalidUndoState),
		errors.Is(err, organizer.ErrRestoreConflict),
		errors.Is(err, coordinator.ErrInvalidTransition):
		s.writeErr(w, http.StatusConflict, FailTerminal, err)
	case errors.Is(err, organizer.ErrNoUsablePattern):
		s.writeErr(w, http.StatusBadRequest, FailTerminal, err)
	case errors.Is(err, queue.ErrSaturated):
		s.writeErr(w, http.StatusTooManyRequests, FailRetryable, err)
	default:
		s.writeErr(w, http.StatusInternalServerError, FailRetryable, err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.RecentAudit(r.Context(), 1); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"state":   s.cfg.Coordinator.State(),
		"version": s.cfg.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// statusResponse is the coordinator snapshot plus the gateway's own facts.
type statusResponse struct {
	coordinator.Status
	ConfigFingerprint string `json:"config_fingerprint,omitempty"`
	Version           string `json:"version,omitempty"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.cfg.Coordinator.Status(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:            st,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
		Version:           s.cfg.Version,
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
	})
}

// handleLifecycle builds the POST handler for one coordinator transition.
// Invalid transitions come back 409 so callers can tell "already running"
// from a broken daemon.
func (s *Server) handleLifecycle(action string, do func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := do(); err != nil {
			s.respondErr(w, fmt.Errorf("%s: %w", action, err))
			return
		}
		state := s.cfg.Coordinator.State()
		s.logger.Info("lifecycle transition", "action", action, "state", state)
		writeJSON(w, http.StatusOK, map[string]any{"state": state})
	}
}
