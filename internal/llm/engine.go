package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Andyyyy64/openTiger/internal/logging"
	"github.com/Andyyyy64/openTiger/internal/supervisor"
)

// Engine executes requests on the configured backends. It holds no per-call
// state and is safe for concurrent use.
type Engine struct {
	cfg     Config
	hint    Backend
	sup     *supervisor.Supervisor
	log     logging.FieldLogger
	metrics *Metrics

	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() time.Duration
	environ func() []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logging.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSupervisor replaces the process supervisor.
func WithSupervisor(s *supervisor.Supervisor) Option {
	return func(e *Engine) { e.sup = s }
}

// New returns an Engine. An executor hint naming no backend is an error.
func New(cfg Config, opts ...Option) (*Engine, error) {
	hint, err := ParseBackend(cfg.ExecutorHint)
	if err != nil {
		return nil, fmt.Errorf("executor hint: %w", err)
	}
	e := &Engine{
		cfg:     cfg,
		hint:    hint,
		log:     logging.Nop(),
		sleep:   sleepContext,
		jitter:  defaultJitter,
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sup == nil {
		e.sup = supervisor.New(supervisor.WithLogger(e.log))
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// DefaultBackend is the backend used for requests that leave it unset.
func (e *Engine) DefaultBackend() Backend {
	if e.hint != BackendUnset {
		return e.hint
	}
	return BackendOpenCode
}

// Execute runs req to completion, retrying per the engine's policy. It returns
// an error only for invalid requests and for processes that could not be
// spawned; in the latter case the Result is still populated. Every other
// failure is reported in the Result.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{ExitCode: -1}, err
	}
	prompt, err := req.fullPrompt()
	if err != nil {
		return Result{ExitCode: -1, Stderr: err.Error()}, err
	}

	backend := req.Backend
	if backend == BackendUnset {
		backend = e.DefaultBackend()
	}
	a := e.adapterFor(backend)
	bcfg := e.cfg.backend(backend)

	log := req.Log
	if log == nil {
		log = e.log
	}

	maxRetries := e.cfg.Retry.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	maxQuotaWaits := e.cfg.Retry.MaxQuotaWaits
	if req.MaxQuotaWaits != nil {
		maxQuotaWaits = *req.MaxQuotaWaits
	}

	p := &policy{
		backend:       backend.String(),
		cfg:           e.cfg.Retry,
		quotaAware:    a.quotaAware(),
		fallbackModel: bcfg.FallbackModel,
		sleep:         e.sleep,
		jitter:        e.jitter,
		metrics:       e.metrics,
		log:           log,
	}

	model := a.model(req.Model)
	log.Info("execution started", map[string]any{
		"backend":         backend.String(),
		"model":           model,
		"timeout_seconds": req.Timeout.Seconds(),
		"max_retries":     maxRetries,
	})

	start := time.Now()
	res, err := p.run(ctx, model, maxRetries, maxQuotaWaits, func(ctx context.Context, model string) (Result, error) {
		return e.once(ctx, a, req, prompt, model, log)
	})

	fields := map[string]any{
		"backend":     res.Backend,
		"model":       res.Model,
		"success":     res.Success,
		"exit_code":   res.ExitCode,
		"retry_count": res.RetryCount,
		"elapsed_ms":  time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		log.Error("execution failed to start", fields)
	} else {
		log.Info("execution finished", fields)
	}
	return res, err
}
