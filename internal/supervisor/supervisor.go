// Package supervisor runs a single child process under watchdogs: a hard
// timeout, an idle timeout on visible progress, line-level abort callbacks,
// context cancellation and parent signal propagation. Every abort path goes
// through the same SIGTERM then SIGKILL escalation, and the run settles
// exactly once.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Andyyyy64/openTiger/internal/detect"
	"github.com/Andyyyy64/openTiger/internal/logging"
)

// ErrSpawn is returned when the child process cannot be started.
var ErrSpawn = errors.New("spawn failed")

// Defaults
const (
	DefaultIdleTimeout      = 900 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultProgressInterval = 30 * time.Second
	DefaultGracePeriod      = 2 * time.Second
)

// LineFunc inspects one output line. A non-empty reason aborts the child.
type LineFunc func(line string) detect.Reason

// Spec describes one child process run.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env is the complete child environment (see MergeEnv). Nil inherits
	// the host environment.
	Env   []string
	Stdin io.Reader

	// Timeout is the hard limit on the run. Required.
	Timeout time.Duration
	// IdleTimeout aborts the run after this long without visible progress.
	// The effective window never exceeds Timeout.
	IdleTimeout      time.Duration
	PollInterval     time.Duration
	ProgressInterval time.Duration
	GracePeriod      time.Duration

	OnStdout LineFunc
	OnStderr LineFunc
	// ErrorSignature marks stderr lines that count as visible progress. Only
	// the first matching line counts.
	ErrorSignature func(line string) bool

	// ForwardSignals terminates the child when the host receives SIGINT,
	// SIGTERM or SIGHUP, then re-raises the signal after the child settles.
	ForwardSignals bool

	Logger logging.FieldLogger
}

func (s Spec) withDefaults() Spec {
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.ProgressInterval <= 0 {
		s.ProgressInterval = DefaultProgressInterval
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = DefaultGracePeriod
	}
	return s
}

// idleWindow is the idle limit actually enforced.
func (s Spec) idleWindow() time.Duration {
	return min(s.Timeout, s.IdleTimeout)
}

// Outcome is the settled state of a run.
type Outcome struct {
	PID int
	// ExitCode is -1 when the child was aborted or did not exit normally.
	ExitCode int
	Stdout   []byte
	// Stderr is the child's stderr followed by one marker line per abort
	// reason.
	Stderr string
	// Reasons lists distinct abort reasons in firing order. The first one
	// terminated the child.
	Reasons  []detect.Reason
	Duration time.Duration
}

// Aborted reports whether any abort reason fired.
func (o Outcome) Aborted() bool {
	return len(o.Reasons) > 0
}

// Supervisor runs child processes. It is safe for concurrent use; runs share
// nothing but the terminator and the logger.
type Supervisor struct {
	terminator Terminator
	log        logging.FieldLogger

	notify func(c chan<- os.Signal, sig ...os.Signal)
	stop   func(c chan<- os.Signal)
	raise  func(sig os.Signal)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTerminator replaces the platform terminator.
func WithTerminator(t Terminator) Option {
	return func(s *Supervisor) { s.terminator = t }
}

// WithLogger sets the default logger for runs whose Spec has none.
func WithLogger(l logging.FieldLogger) Option {
	return func(s *Supervisor) { s.log = l }
}

// New returns a Supervisor using the platform terminator.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		terminator: DefaultTerminator(),
		log:        logging.Nop(),
		notify:     signal.Notify,
		stop:       signal.Stop,
		raise:      raiseSignal,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the child described by spec and blocks until it settles. The
// returned error is non-nil only when the child could not be started; every
// other failure is reported through the Outcome.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (Outcome, error) {
	if spec.Timeout <= 0 {
		return Outcome{ExitCode: -1}, fmt.Errorf("supervisor: timeout must be positive, got %s", spec.Timeout)
	}
	spec = spec.withDefaults()
	log := spec.Logger
	if log == nil {
		log = s.log
	}

	start := time.Now()
	r := &run{
		terminator:   s.terminator,
		grace:        spec.GracePeriod,
		log:          log,
		lastProgress: start,
	}

	stdout := &lineWriter{onWrite: r.touch}
	stdout.onLine = func(line string) {
		if spec.OnStdout != nil {
			if reason := spec.OnStdout(line); reason != "" {
				r.abort(reason, "")
			}
		}
	}
	stderr := &lineWriter{}
	stderr.onLine = func(line string) {
		if spec.ErrorSignature != nil && spec.ErrorSignature(line) {
			r.touchFirstError()
		}
		if spec.OnStderr != nil {
			if reason := spec.OnStderr(line); reason != "" {
				r.abort(reason, "")
			}
		}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Descendants that outlive the child may hold the pipes open.
	cmd.WaitDelay = spec.GracePeriod + time.Second
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		log.Error("process spawn failed", map[string]any{
			"path":  spec.Path,
			"error": err.Error(),
		})
		return Outcome{
			ExitCode: -1,
			Stderr:   err.Error(),
			Duration: time.Since(start),
		}, fmt.Errorf("%w: %s: %w", ErrSpawn, spec.Path, err)
	}
	r.setPID(cmd.Process.Pid)
	log.Debug("process started", map[string]any{
		"pid":          cmd.Process.Pid,
		"path":         spec.Path,
		"timeout":      spec.Timeout.String(),
		"idle_timeout": spec.idleWindow().String(),
	})

	var sigCh chan os.Signal
	if spec.ForwardSignals {
		sigCh = make(chan os.Signal, 1)
		s.notify(sigCh, parentSignals...)
		defer s.stop(sigCh)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	hard := time.NewTimer(spec.Timeout)
	defer hard.Stop()
	poll := time.NewTicker(spec.PollInterval)
	defer poll.Stop()
	progress := time.NewTicker(spec.ProgressInterval)
	defer progress.Stop()

	var (
		waitErr   error
		parentSig os.Signal
		done      = ctx.Done()
		sigRecv   = sigCh
	)
loop:
	for {
		select {
		case waitErr = <-waitCh:
			break loop
		case <-hard.C:
			r.abort(detect.ReasonTimeout, fmt.Sprintf("exceeded %s", spec.Timeout))
		case <-poll.C:
			if idle := r.idleFor(); idle >= spec.idleWindow() && !r.aborted() {
				r.abort(detect.ReasonIdleTimeout, fmt.Sprintf("no visible progress for %s", spec.idleWindow()))
			}
		case <-progress.C:
			log.Info("process running", map[string]any{
				"pid":             cmd.Process.Pid,
				"elapsed_seconds": int(time.Since(start).Seconds()),
				"idle_seconds":    int(r.idleFor().Seconds()),
				"stdout_bytes":    stdout.Len(),
			})
		case <-done:
			done = nil
			r.abort(detect.ReasonCancelled, ctx.Err().Error())
		case sig := <-sigRecv:
			sigRecv = nil
			parentSig = sig
			r.abort(detect.ReasonParentSignal, sig.String())
		}
	}

	r.settle()
	stdout.flush()
	stderr.flush()

	out := Outcome{
		PID:      cmd.Process.Pid,
		ExitCode: -1,
		Stdout:   stdout.Bytes(),
		Reasons:  r.firedReasons(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil && !out.Aborted() {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	out.Stderr = appendMarkers(stderr.String(), r.markerLines())

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		log.Warn("process wait returned error", map[string]any{
			"pid":   out.PID,
			"error": waitErr.Error(),
		})
	}
	log.Debug("process settled", map[string]any{
		"pid":         out.PID,
		"exit_code":   out.ExitCode,
		"duration_ms": out.Duration.Milliseconds(),
		"reasons":     reasonStrings(out.Reasons),
	})

	if parentSig != nil {
		s.stop(sigCh)
		s.raise(parentSig)
	}
	return out, nil
}

// run is the mutable state of one child process.
type run struct {
	terminator Terminator
	grace      time.Duration
	log        logging.FieldLogger

	mu           sync.Mutex
	pid          int
	lastProgress time.Time
	sawError     bool
	reasons      []detect.Reason
	markers      []string
	settled      bool
	killTimer    *time.Timer
	termOnce     sync.Once
}

func (r *run) setPID(pid int) {
	r.mu.Lock()
	r.pid = pid
	r.mu.Unlock()
}

func (r *run) touch() {
	r.mu.Lock()
	r.lastProgress = time.Now()
	r.mu.Unlock()
}

func (r *run) touchFirstError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sawError {
		r.sawError = true
		r.lastProgress = time.Now()
	}
}

func (r *run) idleFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastProgress)
}

// abort records reason and terminates the child. Only the first reason
// terminates; later distinct reasons are recorded as marker lines while the
// child is being stopped. Reasons after settle are ignored.
func (r *run) abort(reason detect.Reason, detail string) {
	r.mu.Lock()
	if r.settled || slices.Contains(r.reasons, reason) {
		r.mu.Unlock()
		return
	}
	first := len(r.reasons) == 0
	r.reasons = append(r.reasons, reason)
	r.markers = append(r.markers, reason.Marker(detail))
	pid := r.pid
	r.mu.Unlock()

	fields := map[string]any{
		"pid":    pid,
		"reason": string(reason),
		"detail": detail,
	}
	if !first {
		r.log.Debug("additional abort reason", fields)
		return
	}
	r.log.Warn("aborting process", fields)
	r.terminate()
}

// aborted reports whether any abort reason has fired.
func (r *run) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons) > 0
}

// terminate sends SIGTERM once and schedules SIGKILL after the grace period.
func (r *run) terminate() {
	r.termOnce.Do(func() {
		r.mu.Lock()
		pid := r.pid
		r.mu.Unlock()

		if err := r.terminator.Terminate(pid, SignalTerm); err != nil {
			r.log.Debug("terminate failed", map[string]any{"pid": pid, "signal": SignalTerm.String(), "error": err.Error()})
		}
		timer := time.AfterFunc(r.grace, func() {
			if err := r.terminator.Terminate(pid, SignalKill); err != nil {
				r.log.Debug("terminate failed", map[string]any{"pid": pid, "signal": SignalKill.String(), "error": err.Error()})
			}
		})

		r.mu.Lock()
		r.killTimer = timer
		r.mu.Unlock()
	})
}

// settle marks the run finished. When the child was terminated, the pending
// kill is replaced by an immediate SIGKILL so no descendant outlives the run.
func (r *run) settle() {
	r.mu.Lock()
	r.settled = true
	timer := r.killTimer
	pid := r.pid
	r.mu.Unlock()

	if timer == nil {
		return
	}
	timer.Stop()
	_ = r.terminator.Terminate(pid, SignalKill)
}

func (r *run) firedReasons() []detect.Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]detect.Reason(nil), r.reasons...)
}

func (r *run) markerLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.markers...)
}

func appendMarkers(stderr string, markers []string) string {
	if len(markers) == 0 {
		return stderr
	}
	var b strings.Builder
	b.WriteString(stderr)
	if stderr != "" && !strings.HasSuffix(stderr, "\n") {
		b.WriteByte('\n')
	}
	for _, m := range markers {
		b.WriteString(m)
		b.WriteByte('\n')
	}
	return b.String()
}

func reasonStrings(reasons []detect.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

// lineWriter captures a stream and hands complete lines to onLine in arrival
// order. The trailing partial line is delivered by flush.
type lineWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	pending []byte
	onWrite func()
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	if w.onWrite != nil && len(p) > 0 {
		w.onWrite()
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.pending[:i], "\r"))
		w.pending = w.pending[i+1:]
		if w.onLine != nil {
			w.onLine(line)
		}
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return
	}
	line := string(bytes.TrimRight(w.pending, "\r"))
	w.pending = nil
	if w.onLine != nil {
		w.onLine(line)
	}
}

func (w *lineWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

func (w *lineWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
