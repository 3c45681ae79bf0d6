package llm

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Andyyyy64/openTiger/internal/detect"
	"github.com/Andyyyy64/openTiger/internal/logging"
	"github.com/Andyyyy64/openTiger/internal/stream"
	"github.com/Andyyyy64/openTiger/internal/supervisor"
)

// adapter turns a prompt into one CLI invocation for a backend.
type adapter interface {
	kind() Backend
	// model resolves the request model: normalized for the backend, or the
	// configured default when empty.
	model(requested string) string
	// invocation builds the command for one attempt.
	invocation(prompt, model string) (*invocation, error)
	// quotaAware reports whether the policy may quota-wait and fall back
	// to another model for this backend.
	quotaAware() bool
}

// invocation is one attempt's command line plus the attempt-scoped state for
// reading its output.
type invocation struct {
	path  string
	args  []string
	stdin io.Reader
	view  func(line string) lineView
	parse func(raw []byte) stream.Result

	cleanupOnce sync.Once
	cleanupFn   func()
}

// lineView is what one raw stdout line contributes while the process runs.
type lineView struct {
	echo  string   // text to echo
	text  []string // assistant text lines for the detectors
	tools []string // stream.DescribeToolCall renderings
}

func (inv *invocation) cleanup() {
	inv.cleanupOnce.Do(func() {
		if inv.cleanupFn != nil {
			inv.cleanupFn()
		}
	})
}

func (e *Engine) adapterFor(b Backend) adapter {
	switch b {
	case BackendClaudeCode:
		return claudeAdapter{cfg: e.cfg.ClaudeCode}
	case BackendCodex:
		return codexAdapter{cfg: e.cfg.Codex}
	}
	return openCodeAdapter{cfg: e.cfg.OpenCode}
}

// once runs a single attempt and reports it without retry metadata. The error
// is non-nil only when the process could not be spawned.
func (e *Engine) once(ctx context.Context, a adapter, req Request, prompt, model string, log logging.FieldLogger) (Result, error) {
	start := time.Now()
	res := Result{ExitCode: -1, Backend: a.kind().String(), Model: model}

	inv, err := a.invocation(prompt, model)
	if err != nil {
		res.Stderr = err.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		return res, fmt.Errorf("%w: prepare %s: %w", supervisor.ErrSpawn, res.Backend, err)
	}
	defer inv.cleanup()

	det := detect.New(e.cfg.Detect)
	echo := e.echoWriter(a.kind())
	spec := supervisor.Spec{
		Path:             inv.path,
		Args:             inv.args,
		Dir:              req.WorkDir,
		Env:              supervisor.MergeEnv(e.environ(), req.Env, req.IsolateEnv),
		Stdin:            inv.stdin,
		Timeout:          req.Timeout,
		IdleTimeout:      e.cfg.Watchdog.IdleTimeout,
		PollInterval:     e.cfg.Watchdog.PollInterval,
		ProgressInterval: e.cfg.Watchdog.ProgressInterval,
		GracePeriod:      e.cfg.Watchdog.GracePeriod,
		OnStdout: func(line string) detect.Reason {
			v := inv.view(line)
			if echo != nil && v.echo != "" {
				io.WriteString(echo, v.echo)
			}
			for _, call := range v.tools {
				log.Info("tool call", map[string]any{"backend": res.Backend, "call": call})
			}
			for _, l := range v.text {
				if r := det.Stdout(l); r != "" {
					return r
				}
			}
			for _, call := range v.tools {
				if r := det.Stdout(call); r != "" {
					return r
				}
			}
			return ""
		},
		OnStderr:       det.Stderr,
		ErrorSignature: detect.IsErrorSignature,
		ForwardSignals: e.cfg.ForwardSignals,
		Logger:         log,
	}

	e.metrics.IncActive(res.Backend)
	out, err := e.sup.Run(ctx, spec)
	e.metrics.DecActive(res.Backend)

	res.DurationMs = out.Duration.Milliseconds()
	res.ExitCode = out.ExitCode
	res.Stderr = out.Stderr
	if err != nil {
		e.metrics.ObserveAttempt(res.Backend, "spawn_error", out.Duration)
		return res, err
	}

	parsed := inv.parse(out.Stdout)
	logCompletion(log, res.Backend, parsed)
	res.Stdout = parsed.Text()
	res.TokenUsage = parsed.Usage
	res.PermissionDenials = parsed.PermissionDenials
	res.Raw = out.Stdout
	res.Stderr = appendLines(out.Stderr, parsed.Errors)
	res.Success = out.ExitCode == 0 && !out.Aborted() && !parsed.IsError

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	for _, r := range out.Reasons {
		e.metrics.IncAbort(res.Backend, r)
	}
	e.metrics.ObserveAttempt(res.Backend, outcome, out.Duration)

	fields := map[string]any{
		"backend":     res.Backend,
		"model":       model,
		"exit_code":   res.ExitCode,
		"duration_ms": res.DurationMs,
	}
	if len(out.Reasons) > 0 {
		fields["abort_reason"] = string(out.Reasons[0])
	}
	if res.TokenUsage != nil {
		fields["input_tokens"] = res.TokenUsage.InputTokens
		fields["output_tokens"] = res.TokenUsage.OutputTokens
	}
	if res.Success {
		log.Info("attempt succeeded", fields)
	} else {
		log.Warn("attempt failed", fields)
	}
	return res, nil
}

// logCompletion records the backend's own account of how the session ended.
func logCompletion(log logging.FieldLogger, backend string, parsed stream.Result) {
	fields := map[string]any{
		"backend":      backend,
		"result_chars": len(parsed.Text()),
		"is_error":     parsed.IsError,
	}
	if u := parsed.Usage; u != nil {
		fields["total_tokens"] = u.TotalTokens
	}
	if n := len(parsed.PermissionDenials); n > 0 {
		fields["permission_denials"] = n
	}
	if len(parsed.Errors) > 0 {
		fields["errors"] = strings.Join(parsed.Errors, "; ")
	}
	log.Debug("session completed", fields)
}

func (e *Engine) echoWriter(b Backend) io.Writer {
	if e.cfg.EchoWriter == nil || !e.cfg.backend(b).Echo {
		return nil
	}
	return e.cfg.EchoWriter
}

// appendLines appends in-band backend errors to stderr, one per line.
func appendLines(stderr string, lines []string) string {
	if len(lines) == 0 {
		return stderr
	}
	var b strings.Builder
	b.WriteString(stderr)
	if stderr != "" && !strings.HasSuffix(stderr, "\n") {
		b.WriteByte('\n')
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// stripProviderPrefix drops a "provider/" prefix for backends whose CLIs take
// bare model names.
func stripProviderPrefix(model string, providers ...string) string {
	for _, p := range providers {
		if rest, ok := strings.CutPrefix(model, p+"/"); ok {
			return rest
		}
	}
	return model
}

func resolveModel(requested, configured, fallback string) string {
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested
	}
	if configured != "" {
		return configured
	}
	return fallback
}

func binOr(bin, def string) string {
	if bin == "" {
		return def
	}
	return bin
}

// writePromptFile stores the prompt in a temporary file and returns its path
// and a remover.
func writePromptFile(prompt string) (string, func(), error) {
	f, err := os.CreateTemp("", "opentiger-prompt-*.md")
	if err != nil {
		return "", nil, err
	}
	remove := func() { os.Remove(f.Name()) }
	if _, err := f.WriteString(prompt); err != nil {
		f.Close()
		remove()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		remove()
		return "", nil, err
	}
	return f.Name(), remove, nil
}
