// Package agent serves the execution engine over HTTP: it accepts execution
// requests, runs them asynchronously and keeps their results and history.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Andyyyy64/openTiger/internal/api"
	"github.com/Andyyyy64/openTiger/internal/config"
	"github.com/Andyyyy64/openTiger/internal/history"
	"github.com/Andyyyy64/openTiger/internal/llm"
	"github.com/Andyyyy64/openTiger/internal/logging"
	"github.com/Andyyyy64/openTiger/internal/tlsutil"
)

// State represents the agent's current state
type State string

const (
	StateIdle    State = "idle"
	StateWorking State = "working"
)

// Executor runs execution requests. *llm.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req llm.Request) (llm.Result, error)
	DefaultBackend() llm.Backend
}

// StatusResponse represents the /status response
type StatusResponse struct {
	Type          string          `json:"type"`
	Interfaces    []string        `json:"interfaces"`
	Version       string          `json:"version"`
	State         State           `json:"state"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	ActiveRuns    []api.ActiveRun `json:"active_runs"`
	Config        StatusConfig    `json:"config"`
}

// StatusConfig shows agent config in status
type StatusConfig struct {
	Port           int    `json:"port"`
	DefaultBackend string `json:"default_backend"`
	MaxConcurrent  int    `json:"max_concurrent"`
}

// Agent is the main agent server
type Agent struct {
	config    *config.Config
	version   string
	startTime time.Time
	exec      Executor
	history   *history.Store
	log       *logging.Logger
	gatherer  prometheus.Gatherer

	baseCtx   context.Context
	cancelAll context.CancelFunc
	runs      errgroup.Group

	mu           sync.RWMutex
	active       map[string]*Run
	finished     *lru.Cache[string, *Run]
	shuttingDown bool

	server       *http.Server
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// Option configures an Agent.
type Option func(*options)

type options struct {
	exec      Executor
	logOutput io.Writer
	registry  *prometheus.Registry
}

// WithExecutor replaces the engine built from the config.
func WithExecutor(e Executor) Option {
	return func(o *options) { o.exec = e }
}

// WithLogOutput sets where log lines are written (default stderr).
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithRegistry sets the Prometheus registry served on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// New creates a new Agent
func New(cfg *config.Config, version string, opts ...Option) (*Agent, error) {
	o := options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Config{
		Output:     o.logOutput,
		Level:      level,
		Component:  "agent",
		MaxEntries: 1000,
	})

	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if o.exec == nil {
		ec := cfg.LLM()
		// The agent handles its own signals through Shutdown
		ec.ForwardSignals = false
		engine, err := llm.New(ec,
			llm.WithLogger(log),
			llm.WithMetrics(llm.MustNewMetrics(o.registry)),
		)
		if err != nil {
			return nil, fmt.Errorf("creating engine: %w", err)
		}
		o.exec = engine
	}

	var historyStore *history.Store
	if cfg.HistoryDir != "" {
		historyStore, err = history.NewStore(cfg.HistoryDir)
		if err != nil {
			log.Warn("failed to initialize history store", map[string]any{"error": err.Error()})
		}
	}

	finished, err := lru.New[string, *Run](cfg.RetainedRuns)
	if err != nil {
		return nil, fmt.Errorf("creating run table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config:    cfg,
		version:   version,
		startTime: time.Now(),
		exec:      o.exec,
		history:   historyStore,
		log:       log,
		gatherer:  o.registry,
		baseCtx:   ctx,
		cancelAll: cancel,
		active:    make(map[string]*Run),
		finished:  finished,
		shutdown:  make(chan struct{}),
	}, nil
}

// Router returns the HTTP router
func (a *Agent) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/status", a.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(a.config.AuthTokenHash))

		r.Post("/executions", a.handleCreateExecution)
		r.Get("/executions/{id}", a.handleGetExecution)
		r.Post("/executions/{id}/cancel", a.handleCancelExecution)
		r.Post("/shutdown", a.handleShutdown)

		r.Get("/history", a.handleListHistory)
		r.Get("/history/{id}", a.handleGetHistory)
		r.Get("/history/{id}/debug", a.handleGetHistoryDebug)

		r.Get("/logs", a.handleLogs)
		r.Get("/logs/stats", a.handleLogStats)

		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	})

	return r
}

// Start starts the agent server and blocks until it stops. With TLS enabled
// and no certificate configured, a self-signed pair is generated.
func (a *Agent) Start() error {
	addr := net.JoinHostPort(a.config.Bind, strconv.Itoa(a.config.Port))
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var certFile, keyFile string
	if a.config.TLS.Enabled {
		certFile, keyFile = a.config.TLSPaths()
		if err := tlsutil.EnsureCert(certFile, keyFile, "openTiger Agent"); err != nil {
			return fmt.Errorf("preparing TLS certificate: %w", err)
		}
		a.server.TLSConfig = tlsutil.ServerConfig()
	}

	a.log.Info("agent starting", map[string]any{
		"addr":            addr,
		"version":         a.version,
		"default_backend": a.exec.DefaultBackend().String(),
		"auth":            a.config.AuthTokenHash != "",
		"tls":             a.config.TLS.Enabled,
	})

	var err error
	if a.config.TLS.Enabled {
		err = a.server.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = a.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Done is closed once shutdown has begun.
func (a *Agent) Done() <-chan struct{} {
	return a.shutdown
}

// Shutdown stops accepting runs, cancels the active ones and waits for them
// to settle before stopping the HTTP server.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.mu.Lock()
		a.shuttingDown = true
		a.mu.Unlock()
		close(a.shutdown)
	})

	a.cancelAll()

	drained := make(chan struct{})
	go func() {
		if err := a.runs.Wait(); err != nil {
			a.log.Warn("runs finished without saved history", map[string]any{"error": err.Error()})
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		a.log.Warn("shutdown deadline reached with runs still active")
	}

	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

// handleStatus returns the agent's current state, version, uptime, and config.
func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	active := make([]api.ActiveRun, 0, len(a.active))
	for _, run := range a.active {
		active = append(active, run.activeView())
	}
	a.mu.RUnlock()

	sortActive(active)

	state := StateIdle
	if len(active) > 0 {
		state = StateWorking
	}

	api.WriteJSON(w, http.StatusOK, StatusResponse{
		Type:          api.TypeAgent,
		Interfaces:    []string{api.InterfaceStatusable, api.InterfaceExecutable, api.InterfaceObservable},
		Version:       a.version,
		State:         state,
		UptimeSeconds: time.Since(a.startTime).Seconds(),
		ActiveRuns:    active,
		Config: StatusConfig{
			Port:           a.config.Port,
			DefaultBackend: a.exec.DefaultBackend().String(),
			MaxConcurrent:  a.config.MaxConcurrent,
		},
	})
}

// handleShutdown initiates graceful agent shutdown.
// If force=false and runs are active, returns 409.
func (a *Agent) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeoutSeconds int  `json:"timeout_seconds"`
		Force          bool `json:"force"`
	}
	req.TimeoutSeconds = 30

	// Ignore decode errors - defaults (TimeoutSeconds=30, Force=false) are safe
	_ = json.NewDecoder(r.Body).Decode(&req)

	a.mu.RLock()
	ids := a.activeIDsLocked()
	a.mu.RUnlock()

	if len(ids) > 0 && !req.Force {
		api.WriteJSON(w, http.StatusConflict, map[string]any{
			"error":   api.ErrorRunsInProgress,
			"message": fmt.Sprintf("%d run(s) active. Use force=true to terminate.", len(ids)),
			"run_ids": ids,
		})
		return
	}

	api.WriteJSON(w, http.StatusAccepted, map[string]any{
		"message":       "Shutdown initiated",
		"drain_timeout": req.TimeoutSeconds,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	}()
}

// handleListHistory returns paginated run history.
func (a *Agent) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrorHistory, "History storage not configured")
		return
	}

	page, err := api.ParseIntParam(r.URL.Query().Get("page"), 1, 1<<20, 1)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.ErrorValidation, "page "+err.Error())
		return
	}
	limit, err := api.ParseIntParam(r.URL.Query().Get("limit"), 1, 100, 20)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.ErrorValidation, "limit "+err.Error())
		return
	}

	api.WriteJSON(w, http.StatusOK, a.history.List(history.ListOptions{Page: page, Limit: limit}))
}

// handleGetHistory returns a single history entry with outline.
func (a *Agent) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrorHistory, "History storage not configured")
		return
	}

	entry, err := a.history.Get(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, http.StatusNotFound, api.ErrorNotFound, err.Error())
		return
	}

	api.WriteJSON(w, http.StatusOK, entry)
}

// handleGetHistoryDebug returns the raw transcript of a run.
func (a *Agent) handleGetHistoryDebug(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrorHistory, "History storage not configured")
		return
	}

	debugLog, err := a.history.GetDebugLog(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, http.StatusNotFound, api.ErrorNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	w.Write(debugLog)
}

// handleLogs returns log entries with optional filtering.
// Query params:
//   - level: minimum log level (debug, info, warn, error)
//   - run_id: filter by run ID
//   - since: RFC3339 timestamp to filter entries after
//   - until: RFC3339 timestamp to filter entries before
//   - limit: max entries to return (default 100)
func (a *Agent) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := logging.Query{Limit: 100}
	params := r.URL.Query()

	if level := params.Get("level"); level != "" {
		lvl, err := logging.ParseLevel(level)
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, api.ErrorValidation, err.Error())
			return
		}
		q.Level = lvl
	}
	q.RunID = params.Get("run_id")
	if since := params.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = t
		}
	}
	if until := params.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			q.Until = t
		}
	}
	limit, err := api.ParseIntParam(params.Get("limit"), 1, 1000, q.Limit)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.ErrorValidation, "limit "+err.Error())
		return
	}
	q.Limit = limit

	api.WriteJSON(w, http.StatusOK, a.log.Query(q))
}

// handleLogStats returns log statistics without entries.
func (a *Agent) handleLogStats(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, a.log.Stats())
}
