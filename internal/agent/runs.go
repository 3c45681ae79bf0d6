package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Andyyyy64/openTiger/internal/api"
	"github.com/Andyyyy64/openTiger/internal/detect"
	"github.com/Andyyyy64/openTiger/internal/history"
	"github.com/Andyyyy64/openTiger/internal/llm"
	"github.com/Andyyyy64/openTiger/internal/runstate"
	"github.com/Andyyyy64/openTiger/internal/supervisor"
)

// ExecutionRequest is the body of POST /executions.
type ExecutionRequest struct {
	Prompt           string            `json:"prompt"`
	WorkDir          string            `json:"workdir,omitempty"`
	InstructionsFile string            `json:"instructions_file,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	IsolateEnv       bool              `json:"isolate_env,omitempty"`
	Model            string            `json:"model,omitempty"`
	MaxRetries       *int              `json:"max_retries,omitempty"`
	MaxQuotaWaits    *int              `json:"max_quota_waits,omitempty"`
	Backend          llm.Backend       `json:"backend,omitempty"`
}

// RunError describes why a run did not succeed.
type RunError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Run is one execution accepted by the agent. Fields are guarded by the
// agent mutex.
type Run struct {
	ID          string
	State       runstate.State
	Backend     llm.Backend
	Request     llm.Request
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      *llm.Result
	Error       *RunError

	cancel context.CancelFunc
}

// RunStatus is the JSON view of a run.
type RunStatus struct {
	RunID           string         `json:"run_id"`
	State           runstate.State `json:"state"`
	Backend         string         `json:"backend"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	AbortReasons    []string       `json:"abort_reasons,omitempty"`
	Result          *llm.Result    `json:"result,omitempty"`
	Error           *RunError      `json:"error,omitempty"`
}

func (r *Run) status() RunStatus {
	s := RunStatus{
		RunID:       r.ID,
		State:       r.State,
		Backend:     r.Backend.String(),
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.StartedAt != nil && r.CompletedAt != nil {
		s.DurationSeconds = r.CompletedAt.Sub(*r.StartedAt).Seconds()
	}
	if r.Result != nil {
		res := *r.Result
		s.Result = &res
		s.AbortReasons = reasonNames(res.Stderr)
	}
	if r.Error != nil {
		e := *r.Error
		s.Error = &e
	}
	return s
}

func (r *Run) activeView() api.ActiveRun {
	started := r.CreatedAt
	if r.StartedAt != nil {
		started = *r.StartedAt
	}
	preview := r.Request.Prompt
	if len(preview) > 50 {
		preview = preview[:50] + "..."
	}
	return api.ActiveRun{
		ID:            r.ID,
		Backend:       r.Backend.String(),
		StartedAt:     started.Format(time.RFC3339),
		PromptPreview: preview,
	}
}

func sortActive(runs []api.ActiveRun) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt != runs[j].StartedAt {
			return runs[i].StartedAt < runs[j].StartedAt
		}
		return runs[i].ID < runs[j].ID
	})
}

func (a *Agent) activeIDsLocked() []string {
	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// lookupLocked finds an active or retained run.
func (a *Agent) lookupLocked(id string) (*Run, bool) {
	if run, ok := a.active[id]; ok {
		return run, true
	}
	return a.finished.Get(id)
}

// buildRequest validates an execution request and fills in agent defaults.
func (a *Agent) buildRequest(req ExecutionRequest) (llm.Request, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return llm.Request{}, errors.New("prompt is required")
	}
	if req.TimeoutSeconds < 0 {
		return llm.Request{}, errors.New("timeout_seconds must not be negative")
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return llm.Request{}, errors.New("max_retries must not be negative")
	}

	timeout := a.config.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	if req.WorkDir != "" {
		if !filepath.IsAbs(req.WorkDir) {
			return llm.Request{}, errors.New("workdir must be an absolute path")
		}
		info, err := os.Stat(req.WorkDir)
		if err != nil || !info.IsDir() {
			return llm.Request{}, fmt.Errorf("workdir %s is not a directory", req.WorkDir)
		}
	}

	instructions := req.InstructionsFile
	if instructions == "" {
		instructions = a.config.InstructionsFile
	}

	backend := req.Backend
	if backend == llm.BackendUnset {
		backend = a.exec.DefaultBackend()
	}

	out := llm.Request{
		WorkDir:          req.WorkDir,
		Prompt:           req.Prompt,
		InstructionsPath: instructions,
		Timeout:          timeout,
		Env:              req.Env,
		IsolateEnv:       req.IsolateEnv,
		Model:            req.Model,
		MaxRetries:       req.MaxRetries,
		MaxQuotaWaits:    req.MaxQuotaWaits,
		Backend:          backend,
	}
	if err := out.Validate(); err != nil {
		return llm.Request{}, err
	}
	return out, nil
}

// handleCreateExecution validates and starts a new run.
// Returns 201 Created with run_id on success.
// Returns 400 if validation fails, 409 if max_concurrent runs are active.
func (a *Agent) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var body ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.ErrorValidation, "Invalid JSON: "+err.Error())
		return
	}

	req, err := a.buildRequest(body)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.ErrorValidation, err.Error())
		return
	}

	a.mu.Lock()
	if a.shuttingDown {
		a.mu.Unlock()
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrorShuttingDown, "Agent is shutting down")
		return
	}
	if len(a.active) >= a.config.MaxConcurrent {
		ids := a.activeIDsLocked()
		a.mu.Unlock()
		api.WriteJSON(w, http.StatusConflict, map[string]any{
			"error":   api.ErrorAgentBusy,
			"message": fmt.Sprintf("Agent is running %d of %d allowed runs", len(ids), a.config.MaxConcurrent),
			"run_ids": ids,
		})
		return
	}

	ctx, cancel := context.WithCancel(a.baseCtx)
	run := &Run{
		ID:        uuid.New().String(),
		State:     runstate.Queued,
		Backend:   req.Backend,
		Request:   req,
		CreatedAt: time.Now(),
		cancel:    cancel,
	}
	a.active[run.ID] = run

	a.log.WithRun(run.ID).Info("run created", map[string]any{
		"backend":         run.Backend.String(),
		"model":           req.Model,
		"timeout_seconds": req.Timeout.Seconds(),
	})

	// Go under the lock so Shutdown never waits on a group that is still growing
	a.runs.Go(func() error {
		return a.executeRun(ctx, run)
	})
	a.mu.Unlock()

	api.WriteJSON(w, http.StatusCreated, map[string]any{
		"run_id":  run.ID,
		"state":   runstate.Queued,
		"backend": run.Backend.String(),
	})
}

// handleGetExecution returns the state and result of a run by ID, falling
// back to history for runs no longer held in memory.
func (a *Agent) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a.mu.RLock()
	run, ok := a.lookupLocked(id)
	var resp RunStatus
	if ok {
		resp = run.status()
	}
	a.mu.RUnlock()

	if ok {
		api.WriteJSON(w, http.StatusOK, resp)
		return
	}

	if a.history != nil {
		if entry, err := a.history.Get(id); err == nil {
			api.WriteJSON(w, http.StatusOK, entry)
			return
		}
	}

	api.WriteError(w, http.StatusNotFound, api.ErrorNotFound, fmt.Sprintf("Run %s not found", id))
}

// handleCancelExecution cancels a run by ID. Cancelling the context makes
// the supervisor terminate the process group.
// Returns 404 if not found, 409 if already finished.
func (a *Agent) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a.mu.Lock()
	run, ok := a.lookupLocked(id)
	if !ok {
		a.mu.Unlock()
		api.WriteError(w, http.StatusNotFound, api.ErrorNotFound, fmt.Sprintf("Run %s not found", id))
		return
	}

	if !runstate.CanTransition(run.State, runstate.Cancelled) {
		state := run.State
		a.mu.Unlock()
		api.WriteJSON(w, http.StatusConflict, map[string]any{
			"error":       api.ErrorAlreadyCompleted,
			"message":     fmt.Sprintf("Run %s has already finished", id),
			"final_state": state,
		})
		return
	}

	run.State = runstate.Cancelled
	run.cancel()
	a.mu.Unlock()

	a.log.WithRun(id).Info("run cancellation requested")

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"run_id":  id,
		"state":   runstate.Cancelled,
		"message": "Run cancellation initiated",
	})
}

// executeRun drives one run through the engine and records its outcome. The
// error reports a run whose history could not be persisted.
func (a *Agent) executeRun(ctx context.Context, run *Run) error {
	log := a.log.WithRun(run.ID)

	a.mu.Lock()
	now := time.Now()
	run.StartedAt = &now
	if runstate.CanTransition(run.State, runstate.Running) {
		run.State = runstate.Running
	}
	req := run.Request
	a.mu.Unlock()

	defer run.cancel()

	req.Log = log
	res, err := a.exec.Execute(ctx, req)
	completedAt := time.Now()

	// The raw transcript goes to history, not the in-memory run table
	stored := res
	stored.Raw = nil

	a.mu.Lock()
	run.CompletedAt = &completedAt
	run.Result = &stored

	switch {
	case run.State == runstate.Cancelled:
		run.Error = &RunError{Type: "cancelled", Message: "Run cancelled"}
	case err != nil:
		run.State = runstate.Failed
		run.Error = &RunError{Type: "invalid_request", Message: err.Error()}
		if errors.Is(err, supervisor.ErrSpawn) {
			run.Error.Type = api.ErrorSpawnFailed
		}
	case res.Success:
		run.State = runstate.Succeeded
	default:
		run.State = runstate.Failed
		run.Error = failureError(res)
	}

	delete(a.active, run.ID)
	a.finished.Add(run.ID, run)
	entry := historyEntry(run)
	a.mu.Unlock()

	fields := map[string]any{
		"state":       run.State,
		"exit_code":   res.ExitCode,
		"retry_count": res.RetryCount,
		"duration_ms": res.DurationMs,
	}
	if entry.Error != nil {
		fields["error_type"] = entry.Error.Type
		log.Warn("run finished", fields)
	} else {
		log.Info("run finished", fields)
	}

	entry.Steps = history.ExtractSteps(res.Raw)
	return a.saveHistory(entry, res.Raw)
}

// failureError names the first abort reason of a failed result, or the last
// stderr line when the process failed on its own.
func failureError(res llm.Result) *RunError {
	if reasons := detect.Markers(res.Stderr); len(reasons) > 0 {
		r := reasons[0]
		return &RunError{Type: reasonName(r), Message: markerLine(res.Stderr, r)}
	}
	msg := lastLine(res.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("process exited with code %d", res.ExitCode)
	}
	return &RunError{Type: "execution_error", Message: msg}
}

// reasonName turns "[llm:doom-loop]" into "doom-loop".
func reasonName(r detect.Reason) string {
	return strings.TrimPrefix(strings.Trim(string(r), "[]"), "llm:")
}

func reasonNames(stderr string) []string {
	reasons := detect.Markers(stderr)
	if len(reasons) == 0 {
		return nil
	}
	names := make([]string, len(reasons))
	for i, r := range reasons {
		names[i] = reasonName(r)
	}
	return names
}

func markerLine(stderr string, r detect.Reason) string {
	for _, line := range strings.Split(stderr, "\n") {
		if line = strings.TrimSpace(line); strings.HasPrefix(line, string(r)) {
			return line
		}
	}
	return string(r)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// historyEntry snapshots a finished run. Must be called with the agent lock held.
func historyEntry(run *Run) *history.Entry {
	res := run.Result
	entry := &history.Entry{
		RunID:        run.ID,
		State:        string(run.State),
		Backend:      run.Backend.String(),
		Model:        res.Model,
		WorkDir:      run.Request.WorkDir,
		Prompt:       run.Request.Prompt,
		StartedAt:    *run.StartedAt,
		CompletedAt:  *run.CompletedAt,
		RetryCount:   res.RetryCount,
		AbortReasons: reasonNames(res.Stderr),
		Output:       res.Stdout,
		TokenUsage:   res.TokenUsage,
	}
	entry.DurationSeconds = entry.CompletedAt.Sub(entry.StartedAt).Seconds()
	exitCode := res.ExitCode
	entry.ExitCode = &exitCode
	if run.Error != nil {
		entry.Error = &history.EntryError{Type: run.Error.Type, Message: run.Error.Message}
	}
	return entry
}

// saveHistory persists a finished run. A failure is logged against the run
// and returned so Shutdown can report it.
func (a *Agent) saveHistory(entry *history.Entry, raw []byte) error {
	if a.history == nil {
		return nil
	}
	log := a.log.WithRun(entry.RunID)

	if err := a.history.Save(entry); err != nil {
		log.Warn("failed to save run history", map[string]any{"error": err.Error()})
		return fmt.Errorf("run %s: %w", entry.RunID, err)
	}

	if len(raw) > 0 {
		if err := a.history.SaveDebugLog(entry.RunID, raw); err != nil {
			log.Warn("failed to save debug log", map[string]any{"error": err.Error()})
			return fmt.Errorf("run %s: %w", entry.RunID, err)
		}
	}
	return nil
}
