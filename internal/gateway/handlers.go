package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gracekernel/librarian/internal/coordinator"
	"github.com/gracekernel/librarian/internal/fleet"
	obs "github.com/gracekernel/librarian/internal/otel"
	"github.com/gracekernel/librarian/internal/store"
)

// parseLimit reads ?limit=N with a fallback. The store clamps the upper
// bound, so the gateway only guards against garbage.
func parseLimit(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// pathParts splits /prefix/{id}/{verb} into its trailing segments.
func pathParts(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// decodeBody reads a JSON body into dst. Empty bodies are allowed so POST
// routes with optional parameters work bare.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON body: %w", err)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- agents ---

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listAgents(w, r)
	case http.MethodPost:
		s.spawnAgent(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	status := store.AgentStatus(strings.ToUpper(r.URL.Query().Get("status")))
	agents, err := s.cfg.Store.ListAgents(r.Context(), status, parseLimit(r, 50))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if agents == nil {
		agents = []store.AgentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Kind string `json:"kind"`
		Path string `json:"path"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, err)
		return
	}
	if p.Kind == "" || p.Path == "" {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, errors.New("kind and path are required"))
		return
	}

	// A stopped coordinator would park the item forever; say so instead.
	if state := s.cfg.Coordinator.State(); state == coordinator.StateStopped || state == coordinator.StateStopping {
		s.writeErr(w, http.StatusLocked, FailRetryable,
			fmt.Errorf("coordinator is %s; start it before spawning agents", state))
		return
	}

	item, err := s.cfg.Coordinator.SpawnManual(fleet.Kind(p.Kind), p.Path)
	if err != nil {
		if errors.Is(err, fleet.ErrUnknownKind) {
			s.writeErr(w, http.StatusBadRequest, FailTerminal, err)
			return
		}
		s.respondErr(w, err)
		return
	}
	if s.cfg.Audit != nil {
		s.cfg.Audit.Record(r.Context(), "agent", "manual_spawn", item.ID,
			fmt.Sprintf("%s requested for %s", p.Kind, p.Path))
	}
	s.logger.Info("manual agent spawn", "kind", p.Kind, "path", p.Path, "item_id", item.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/agents/")
	if len(parts) != 1 || parts[0] == "" {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, errors.New("expected /agents/{id}"))
		return
	}
	id := parts[0]

	switch r.Method {
	case http.MethodGet:
		rec, err := s.cfg.Store.GetAgent(r.Context(), id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent": rec})
	case http.MethodDelete:
		if !s.cfg.Coordinator.Terminate(id) {
			s.writeErr(w, http.StatusNotFound, FailTerminal, fmt.Errorf("no running agent %s", id))
			return
		}
		if s.cfg.Audit != nil {
			s.cfg.Audit.Record(r.Context(), "agent", "terminated", id, "terminated via api")
		}
		s.logger.Info("agent terminated", "agent_id", id)
		writeJSON(w, http.StatusOK, map[string]any{"terminated": true, "agent_id": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- proposals ---

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Pending is what a reviewer wants by default; "all" lifts the filter.
	status := store.ProposalPending
	if v := r.URL.Query().Get("status"); v != "" {
		if strings.EqualFold(v, "all") {
			status = ""
		} else {
			status = store.ProposalStatus(strings.ToUpper(v))
		}
	}
	proposals, err := s.cfg.Store.ListProposals(r.Context(), status, parseLimit(r, 50))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if proposals == nil {
		proposals = []store.Proposal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

func (s *Server) handleProposalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := pathParts(r.URL.Path, "/proposals/")
	if len(parts) != 2 || parts[0] == "" {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, errors.New("expected /proposals/{id}/approve or /proposals/{id}/reject"))
		return
	}
	id, verb := parts[0], parts[1]

	var p struct {
		DecidedBy string `json:"decided_by"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, err)
		return
	}

	var (
		proposal *store.Proposal
		err      error
	)
	switch verb {
	case "approve":
		proposal, err = s.cfg.Governance.Approve(r.Context(), id, p.DecidedBy)
	case "reject":
		proposal, err = s.cfg.Governance.Reject(r.Context(), id, p.DecidedBy)
	default:
		s.writeErr(w, http.StatusBadRequest, FailTerminal, fmt.Errorf("unknown proposal action %q", verb))
		return
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	// The audit sink mirrors governance verdicts off the bus; no direct
	// record here or the trail would carry every decision twice.
	writeJSON(w, http.StatusOK, map[string]any{"proposal": proposal})
}

// --- suggestions ---

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := store.SuggestionOpen
	if v := r.URL.Query().Get("status"); v != "" {
		if strings.EqualFold(v, "all") {
			status = ""
		} else {
			status = store.SuggestionStatus(strings.ToUpper(v))
		}
	}
	suggestions, err := s.cfg.Store.ListSuggestions(r.Context(), status, parseLimit(r, 50))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []store.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (s *Server) handleSuggestionDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := pathParts(r.URL.Path, "/suggestions/")
	if len(parts) != 2 || parts[0] == "" {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, errors.New("expected /suggestions/{id}/approve or /suggestions/{id}/reject"))
		return
	}
	id, verb := parts[0], parts[1]

	var p struct {
		Actor string `json:"actor"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, err)
		return
	}
	actor := p.Actor
	if actor == "" {
		actor = "api"
	}

	switch verb {
	case "approve":
		op, err := s.cfg.Organizer.AcceptSuggestion(r.Context(), id, actor)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		if s.cfg.Audit != nil {
			s.cfg.Audit.Record(r.Context(), "suggestion", "accepted", id,
				fmt.Sprintf("%s -> %s by %s", op.SourcePath, op.TargetPath, actor))
		}
		writeJSON(w, http.StatusOK, map[string]any{"operation": op})
	case "reject":
		if err := s.cfg.Organizer.DismissSuggestion(r.Context(), id); err != nil {
			s.respondErr(w, err)
			return
		}
		if s.cfg.Audit != nil {
			s.cfg.Audit.Record(r.Context(), "suggestion", "dismissed", id, "dismissed by "+actor)
		}
		writeJSON(w, http.StatusOK, map[string]any{"dismissed": true, "suggestion_id": id})
	default:
		s.writeErr(w, http.StatusBadRequest, FailTerminal, fmt.Errorf("unknown suggestion action %q", verb))
	}
}

// --- operations ---

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	ops, err := s.cfg.Store.ListOperations(r.Context(), parseLimit(r, 50), offset)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if ops == nil {
		ops = []store.Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) handleOperationUndo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := pathParts(r.URL.Path, "/operations/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "undo" {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, errors.New("expected /operations/{id}/undo"))
		return
	}
	id := parts[0]

	var p struct {
		Actor string `json:"actor"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, err)
		return
	}
	actor := p.Actor
	if actor == "" {
		actor = "api"
	}

	op, err := s.cfg.Organizer.Undo(r.Context(), id, actor)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	// Undo lands in the audit trail via the bus observer.
	writeJSON(w, http.StatusOK, map[string]any{"operation": op})
}

// --- organize / scan / rules ---

func (s *Server) handleOrganize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p struct {
		Path  string `json:"path"`
		Actor string `json:"actor"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, err)
		return
	}
	if p.Path == "" {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, errors.New("path is required"))
		return
	}
	actor := p.Actor
	if actor == "" {
		actor = "api"
	}

	// Re-organizing a file whose suggestion is still open would only mint
	// the same recommendation again. Point the caller at the pending one.
	if open := s.openSuggestionFor(r, p.Path); open != nil {
		s.writeErr(w, http.StatusConflict, FailAwaitingApproval,
			fmt.Errorf("suggestion %s already awaits a decision for %s", open.ID, open.Path))
		return
	}

	out, err := s.cfg.Organizer.Organize(r.Context(), p.Path, actor)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// openSuggestionFor finds an OPEN suggestion for the path, if any. Lookup
// failures read as "none": the organize call itself will surface them.
func (s *Server) openSuggestionFor(r *http.Request, path string) *store.Suggestion {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil
	}
	open, err := s.cfg.Store.ListSuggestions(r.Context(), store.SuggestionOpen, 1000)
	if err != nil {
		return nil
	}
	for i := range open {
		if open[i].Path == abs {
			return &open[i]
		}
	}
	return nil
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p struct {
		Root string `json:"root"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, err)
		return
	}
	if p.Root == "" {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, errors.New("root is required"))
		return
	}
	fi, err := os.Stat(p.Root)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if !fi.IsDir() {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, fmt.Errorf("scan root %s is not a directory", p.Root))
		return
	}

	res, err := s.cfg.Scanner.Scan(r.Context(), p.Root)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rules, err := s.cfg.Store.ListRules(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if rules == nil {
		rules = []store.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// handleCorrections records a manual filing as a learned rule, so the next
// file with the same shape follows the user's choice instead of the
// built-in heuristics.
func (s *Server) handleCorrections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p struct {
		Path         string `json:"path"`
		Domain       string `json:"domain"`
		TargetFolder string `json:"target_folder"`
		Actor        string `json:"actor"`
	}
	if err := decodeBody(r, &p); err != nil {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, err)
		return
	}
	if p.Path == "" || p.Domain == "" {
		s.writeErr(w, http.StatusBadRequest, FailTerminal, errors.New("path and domain are required"))
		return
	}
	actor := p.Actor
	if actor == "" {
		actor = "api"
	}
	rule, err := s.cfg.Organizer.LearnFromCorrection(r.Context(), p.Path, p.Domain, p.TargetFolder)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if s.cfg.Audit != nil {
		s.cfg.Audit.Record(r.Context(), "rule", "learned", rule.ID, "correction by "+actor)
	}
	writeJSON(w, http.StatusCreated, rule)
}

// --- metrics ---

// metricsResponse merges the bus-derived counters with the live gauges the
// coordinator owns and the ledger's durable totals.
type metricsResponse struct {
	obs.Snapshot
	Queues           map[string]coordinator.QueueStatus `json:"queues"`
	GlobalActive     int                                `json:"global_active"`
	GlobalCeiling    int                                `json:"global_ceiling"`
	LedgerOperations int64                              `json:"ledger_operations"`
	LedgerUndone     int64                              `json:"ledger_undone"`
	AllocBytes       uint64                             `json:"alloc_bytes"`
	Goroutines       int                                `json:"goroutines"`
	UptimeSeconds    int64                              `json:"uptime_seconds"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := metricsResponse{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Recorder != nil {
		resp.Snapshot = s.cfg.Recorder.Snapshot()
	}
	if st, err := s.cfg.Coordinator.Status(r.Context()); err == nil {
		resp.Queues = st.Queues
		resp.GlobalActive = st.GlobalActive
		resp.GlobalCeiling = st.GlobalCeiling
	}
	if total, undone, err := s.cfg.Store.CountOperations(r.Context()); err == nil {
		resp.LedgerOperations = total
		resp.LedgerUndone = undone
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	resp.AllocBytes = mem.Alloc

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var snap obs.Snapshot
	if s.cfg.Recorder != nil {
		snap = s.cfg.Recorder.Snapshot()
	}
	st, stErr := s.cfg.Coordinator.Status(r.Context())
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if stErr == nil {
		fmt.Fprintf(w, "# HELP librarian_global_active Agents currently running across all queues.\n")
		fmt.Fprintf(w, "# TYPE librarian_global_active gauge\n")
		fmt.Fprintf(w, "librarian_global_active %d\n", st.GlobalActive)
		fmt.Fprintf(w, "# HELP librarian_global_ceiling Configured global agent ceiling.\n")
		fmt.Fprintf(w, "# TYPE librarian_global_ceiling gauge\n")
		fmt.Fprintf(w, "librarian_global_ceiling %d\n", st.GlobalCeiling)
		fmt.Fprintf(w, "# HELP librarian_queue_depth Items per queue and phase.\n")
		fmt.Fprintf(w, "# TYPE librarian_queue_depth gauge\n")
		for _, name := range sortedKeys(st.Queues) {
			q := st.Queues[name]
			fmt.Fprintf(w, "librarian_queue_depth{queue=%q,phase=\"queued\"} %d\n", name, q.Depth.Queued)
			fmt.Fprintf(w, "librarian_queue_depth{queue=%q,phase=\"running\"} %d\n", name, q.Depth.Running)
			fmt.Fprintf(w, "librarian_queue_depth{queue=%q,phase=\"retry_wait\"} %d\n", name, q.Depth.RetryWait)
			fmt.Fprintf(w, "librarian_queue_depth{queue=%q,phase=\"dead_letter\"} %d\n", name, q.Depth.DeadLetter)
		}
		fmt.Fprintf(w, "# HELP librarian_queue_active Agents running per queue.\n")
		fmt.Fprintf(w, "# TYPE librarian_queue_active gauge\n")
		for _, name := range sortedKeys(st.Queues) {
			fmt.Fprintf(w, "librarian_queue_active{queue=%q} %d\n", name, st.Queues[name].Active)
		}
	}
	fmt.Fprintf(w, "# HELP librarian_files_detected_total Debounced watcher events this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_files_detected_total counter\n")
	fmt.Fprintf(w, "librarian_files_detected_total %d\n", snap.FilesDetected)
	fmt.Fprintf(w, "# HELP librarian_enqueued_total Items accepted per queue this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_enqueued_total counter\n")
	for _, name := range sortedKeys(snap.Enqueued) {
		fmt.Fprintf(w, "librarian_enqueued_total{queue=%q} %d\n", name, snap.Enqueued[name])
	}
	fmt.Fprintf(w, "# HELP librarian_retries_total Items retried with backoff this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_retries_total counter\n")
	fmt.Fprintf(w, "librarian_retries_total %d\n", snap.Retries)
	fmt.Fprintf(w, "# HELP librarian_dead_letters_total Items parked after exhausting retries this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_dead_letters_total counter\n")
	fmt.Fprintf(w, "librarian_dead_letters_total %d\n", snap.DeadLetters)
	fmt.Fprintf(w, "# HELP librarian_agents_spawned_total Agents spawned this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_agents_spawned_total counter\n")
	fmt.Fprintf(w, "librarian_agents_spawned_total %d\n", snap.AgentsSpawned)
	fmt.Fprintf(w, "# HELP librarian_agents_failed_total Agents that ended in failure this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_agents_failed_total counter\n")
	fmt.Fprintf(w, "librarian_agents_failed_total %d\n", snap.AgentsFailed)
	fmt.Fprintf(w, "# HELP librarian_proposal_decisions_total Governance verdicts by outcome this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_proposal_decisions_total counter\n")
	fmt.Fprintf(w, "librarian_proposal_decisions_total{decision=\"approved\"} %d\n", snap.ProposalsApproved)
	fmt.Fprintf(w, "librarian_proposal_decisions_total{decision=\"deferred\"} %d\n", snap.ProposalsDeferred)
	fmt.Fprintf(w, "librarian_proposal_decisions_total{decision=\"rejected\"} %d\n", snap.ProposalsRejected)
	fmt.Fprintf(w, "# HELP librarian_operations_applied_total Ledger operations applied this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_operations_applied_total counter\n")
	fmt.Fprintf(w, "librarian_operations_applied_total %d\n", snap.OperationsApplied)
	fmt.Fprintf(w, "# HELP librarian_operations_undone_total Ledger operations reversed this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_operations_undone_total counter\n")
	fmt.Fprintf(w, "librarian_operations_undone_total %d\n", snap.OperationsUndone)
	fmt.Fprintf(w, "# HELP librarian_scans_completed_total Bulk scans finished this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_scans_completed_total counter\n")
	fmt.Fprintf(w, "librarian_scans_completed_total %d\n", snap.ScansCompleted)
	fmt.Fprintf(w, "# HELP librarian_watcher_polling Whether the watcher degraded to polling.\n")
	fmt.Fprintf(w, "# TYPE librarian_watcher_polling gauge\n")
	polling := 0
	if snap.WatcherMode == "polling" {
		polling = 1
	}
	fmt.Fprintf(w, "librarian_watcher_polling %d\n", polling)
	fmt.Fprintf(w, "# HELP librarian_watcher_degradations_total Fallbacks from fsnotify to polling this run.\n")
	fmt.Fprintf(w, "# TYPE librarian_watcher_degradations_total counter\n")
	fmt.Fprintf(w, "librarian_watcher_degradations_total %d\n", snap.WatcherDegradations)
	if total, undone, err := s.cfg.Store.CountOperations(r.Context()); err == nil {
		fmt.Fprintf(w, "# HELP librarian_ledger_operations Durable ledger rows.\n")
		fmt.Fprintf(w, "# TYPE librarian_ledger_operations gauge\n")
		fmt.Fprintf(w, "librarian_ledger_operations %d\n", total)
		fmt.Fprintf(w, "# HELP librarian_ledger_undone Durable ledger rows marked undone.\n")
		fmt.Fprintf(w, "# TYPE librarian_ledger_undone gauge\n")
		fmt.Fprintf(w, "librarian_ledger_undone %d\n", undone)
	}
	fmt.Fprintf(w, "# HELP librarian_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE librarian_alloc_bytes gauge\n")
	fmt.Fprintf(w, "librarian_alloc_bytes %d\n", mem.Alloc)
}
