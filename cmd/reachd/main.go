// Command reachd is the Agent Execution Core daemon. It wires the eight
// core services together and exposes them over a small HTTP surface for a
// UI or CLI to drive sessions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"reach/agentcore/internal/approval"
	"reach/agentcore/internal/config"
	"reach/agentcore/internal/events"
	"reach/agentcore/internal/executor"
	"reach/agentcore/internal/mcpbridge"
	"reach/agentcore/internal/model"
	"reach/agentcore/internal/planner"
	"reach/agentcore/internal/registry"
	"reach/agentcore/internal/telemetry"
	"reach/agentcore/internal/trace"
)

func main() {
	var (
		port = flag.Int("port", 8787, "port to listen on")
		bind = flag.String("bind", "127.0.0.1", "address to bind to (use 0.0.0.0 for all interfaces)")
	)
	flag.Parse()

	if err := run(*port, *bind); err != nil {
		log.Fatal(err)
	}
}

func run(port int, bindAddr string) error {
	if bindAddr == "0.0.0.0" {
		log.Println("WARNING: binding to all interfaces (0.0.0.0); use only in trusted networks")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logLevel := telemetry.LevelInfo
	switch cfg.Telemetry.LogLevel {
	case "debug":
		logLevel = telemetry.LevelDebug
	case "warn":
		logLevel = telemetry.LevelWarn
	case "error":
		logLevel = telemetry.LevelError
	}
	log_ := telemetry.NewLogger(os.Stderr, logLevel)

	configDir, err := os.UserHomeDir()
	if err != nil {
		configDir = "."
	}
	configDir = filepath.Join(configDir, ".reach")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	metrics := telemetry.DefaultMetrics().WithTag("service", "reachd")

	// Emitter -> Budget -> Registry -> Approval -> Trace -> Bridge -> Planner -> Executor
	emitter := events.NewEmitter()

	reg := registry.New(log_.WithComponent("registry"))
	if cfg.Registry.EnableBuiltins {
		registry.RegisterBuiltins(reg, cfg.Registry.WorkspaceRoot)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	models, defaultModel, modelManager := buildModelRegistry(startupCtx, cfg.Model, log_.WithComponent("model"))
	cancelStartup()
	registry.RegisterChatTool(reg, models, defaultModel)

	approvals := approval.New(emitter, log_.WithComponent("approval"))

	tracePath := filepath.Join(configDir, "agent_traces.db")
	store, err := trace.Open(tracePath, cfg.Agent.RawTruncationBytes)
	if err != nil {
		return fmt.Errorf("opening trace store: %w", err)
	}
	defer store.Close()

	stopRelay := executor.RelayEventsToTrace(emitter, store, log_.WithComponent("trace-relay"))
	defer stopRelay()

	bridge := mcpbridge.New(reg, log_.WithComponent("mcpbridge"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	bridge.InitializeMCPTools(ctx, cfg.MCPServers)
	defer bridge.Shutdown()

	pl := planner.New(models, emitter, log_.WithComponent("planner"))

	execCfg := executor.Config{
		DefaultTokenBudget:    cfg.Agent.DefaultTokenBudget,
		DefaultIterationLimit: cfg.Agent.DefaultIterationLimit,
		DefaultTimeout:        cfg.Agent.DefaultSessionTimeout,
		WarnThreshold:         cfg.Agent.WarnThreshold,
		MaxStepRetries:        cfg.Agent.MaxRetries,
		ErrorPolicy:           executor.ErrorPolicyStop,
	}
	exec := executor.New(reg, approvals, pl, store, emitter, log_.WithComponent("executor"), execCfg).
		WithSummaryModels(models, defaultModel)

	go cleanupTracesPeriodically(ctx, store, cfg.Agent.TraceRetentionDays, log_.WithComponent("trace-cleanup"))
	go countEvents(ctx, emitter, metrics)

	srv := &server{
		exec:         exec,
		approvals:    approvals,
		store:        store,
		emitter:      emitter,
		metrics:      metrics,
		modelManager: modelManager,
		log:          log_.WithComponent("http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", srv.handleSubmit)
	mux.HandleFunc("POST /sessions/{id}/cancel", srv.handleCancel)
	mux.HandleFunc("POST /approvals/{id}/resolve", srv.handleResolveApproval)
	mux.HandleFunc("GET /sessions/{id}/events", srv.handleSessionEvents)
	mux.HandleFunc("GET /sessions/{id}/spans", srv.handleSessionSpans)
	mux.HandleFunc("GET /traces", srv.handleTraces)
	mux.HandleFunc("GET /metrics", srv.handleMetrics)
	mux.HandleFunc("GET /health", srv.handleHealth)

	addr := net.JoinHostPort(bindAddr, strconv.Itoa(port))
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the events stream is long-lived
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Printf("reachd listening on http://%s", addr)
		errChan <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("shutting down reachd...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// buildModelRegistry turns the configured mode ("auto", "hosted", "local",
// "edge") plus detected platform constraints into a populated model.Registry.
// Adapter selection itself (which endpoints are reachable, whether the
// platform is resource-constrained enough to force edge mode) is delegated
// to model.Factory; this function's job is only to bridge the resulting
// AdapterRegistry onto the Provider-based Registry the Planner consults, and
// to derive a sane fallback chain from the order Factory tried adapters in.
// It returns the registry, the name the default provider was wrapped under,
// and a Manager for reporting aggregate adapter health independent of the
// Provider bridge.
func buildModelRegistry(ctx context.Context, cfg config.ModelConfig, log_ *telemetry.Logger) (*model.Registry, string, *model.Manager) {
	factoryCfg := model.FactoryConfig{
		Mode:           cfg.Mode,
		HostedEndpoint: cfg.HostedEndpoint,
		HostedAPIKey:   cfg.HostedAPIKey,
		HostedModelID:  cfg.HostedModelID,
		LocalEndpoint:  cfg.LocalEndpoint,
		LocalModelID:   cfg.LocalModelID,
		Platform:       model.DetectPlatform(),
	}
	factory := model.NewFactory(factoryCfg)

	adapters, err := factory.CreateRegistry(ctx)
	if err != nil {
		log_.Warnf("building adapter registry: %v", err)
		adapters = model.NewAdapterRegistry()
		adapters.Register(model.NewSmallModeAdapter(model.SmallModeConfig{EnableTemplating: true}))
		adapters.SetDefault("small-mode")
	}

	reg := model.NewRegistry()
	names := adapters.List()
	for _, name := range names {
		adapter, err := adapters.Get(name)
		if err != nil {
			continue
		}
		if err := reg.Register(name, model.WrapAdapter(adapter, name)); err != nil {
			log_.Warnf("registering model provider %s: %v", name, err)
		}
	}

	defaultName := adapters.DefaultName()
	if defaultName == "" {
		defaultName = "small-mode"
	}

	// The planner's routing table addresses its primary route as provider
	// id "hosted" regardless of mode. When Factory didn't pick (or even
	// register) a "hosted" adapter, in local/edge/small modes or in auto
	// mode with no reachable hosted endpoint, alias whatever it did pick
	// under that id too, so routeFor's fixed "hosted" lookups keep resolving.
	if _, err := reg.Get("hosted"); err != nil {
		defaultAdapter, err := adapters.Get(defaultName)
		if err == nil {
			if err := reg.Register("hosted", model.WrapAdapter(defaultAdapter, defaultName)); err != nil {
				log_.Warnf("aliasing default model provider as hosted: %v", err)
			}
		}
	}

	if err := reg.SetDefault("hosted"); err != nil {
		log_.Warnf("setting default model provider: %v", err)
	}

	// small-mode is always registered by Factory as the ultimate fallback;
	// chain every other adapter onto it so GetWithFallback never runs dry.
	for _, name := range names {
		if name == "small-mode" {
			continue
		}
		if err := reg.SetFallbackChain(name, "small-mode"); err != nil {
			log_.Warnf("setting model fallback chain for %s: %v", name, err)
		}
	}
	if err := reg.SetFallbackChain("hosted", "small-mode"); err != nil {
		log_.Warnf("setting hosted model fallback chain: %v", err)
	}

	return reg, "hosted", model.NewManager(adapters, factoryCfg)
}

// countEvents turns the session event stream into running counters: one per
// event type, plus a by-session-outcome split on the three terminal event
// types. It never blocks Publish; a slow or backed-up subscription only
// drops its own oldest buffered events.
func countEvents(ctx context.Context, emitter *events.Emitter, metrics *telemetry.Metrics) {
	sub := emitter.Subscribe()
	defer sub.Close()

	done := ctx.Done()
	for {
		evt, ok := sub.Next(done)
		if !ok {
			return
		}
		metrics.Counter("reachd.events." + string(evt.Type))
		switch evt.Type {
		case events.TypeCompleted:
			metrics.Counter("reachd.sessions.completed")
		case events.TypeError:
			metrics.Counter("reachd.sessions.errored")
		case events.TypeCancelled:
			metrics.Counter("reachd.sessions.cancelled")
		case events.TypeBudgetWarning:
			metrics.Counter("reachd.budget.warnings")
		case events.TypeBudgetExceeded:
			metrics.Counter("reachd.budget.exceeded")
		}
	}
}

func cleanupTracesPeriodically(ctx context.Context, store *trace.Store, retentionDays int, log_ *telemetry.Logger) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CleanupOldTraces(ctx, retentionDays, time.Now().UTC())
			if err != nil {
				log_.Warnf("trace cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				log_.Infof("trace cleanup removed %d expired entries", n)
			}
		}
	}
}

type server struct {
	exec         *executor.Executor
	approvals    *approval.Manager
	store        *trace.Store
	emitter      *events.Emitter
	metrics      *telemetry.Metrics
	modelManager *model.Manager
	log          *telemetry.Logger
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task           string  `json:"task"`
		TokenBudget    int     `json:"token_budget,omitempty"`
		IterationLimit int     `json:"iteration_limit,omitempty"`
		TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
		ErrorPolicy    string  `json:"error_policy,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if strings.TrimSpace(body.Task) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "task is required")
		return
	}

	opts := executor.SubmitOptions{
		TokenBudget:    body.TokenBudget,
		IterationLimit: body.IterationLimit,
		ErrorPolicy:    executor.ErrorPolicy(body.ErrorPolicy),
	}
	if body.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(body.TimeoutSeconds * float64(time.Second))
	}

	id := s.exec.Submit(body.Task, opts)
	s.metrics.Counter("reachd.sessions.submitted")
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": id})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Mode       string `json:"mode,omitempty"`
		ResultMode string `json:"result_mode,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	err := s.exec.Cancel(id, executor.CancelMode(body.Mode), executor.ResultMode(body.ResultMode))
	if err != nil {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancel_requested"})
}

func (s *server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Decision       string          `json:"decision"`
		ApproveSimilar bool            `json:"approve_similar,omitempty"`
		ToolName       string          `json:"tool_name,omitempty"`
		Args           json.RawMessage `json:"args,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	if err := s.approvals.Resolve(id, body.Decision, body.ApproveSimilar, body.ToolName, body.Args); err != nil {
		writeError(w, http.StatusBadRequest, "APPROVAL_RESOLVE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved"})
}

func (s *server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	sub := s.emitter.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	done := r.Context().Done()
	for {
		evt, ok := sub.Next(done)
		if !ok {
			return
		}
		if evt.SessionID != sessionID {
			continue
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
		flusher.Flush()
		if evt.Type == events.TypeStateChange {
			if data, ok := evt.Data.(map[string]any); ok {
				switch data["state"] {
				case string(executor.StateCompleted), string(executor.StateFailed), string(executor.StateCancelled):
					return
				}
			}
		}
	}
}

func (s *server) handleTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := trace.Filters{SessionID: q.Get("session_id"), Type: q.Get("type"), Substring: q.Get("q")}

	entries, err := s.store.GetTraces(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n >= 0 && n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"traces": entries})
}

func (s *server) handleSessionSpans(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]any{"spans": s.exec.Spans(sessionID)})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "models": s.modelManager.Health(ctx)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]any{"error": message, "code": errCode})
}
