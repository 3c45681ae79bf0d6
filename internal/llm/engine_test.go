//go:build unix

package llm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Andyyyy64/openTiger/internal/detect"
	"github.com/Andyyyy64/openTiger/internal/logging"
	"github.com/Andyyyy64/openTiger/internal/supervisor"
	tu "github.com/Andyyyy64/openTiger/internal/testutil"
)

type testEngine struct {
	*Engine
	sleeps []time.Duration
}

func newTestEngine(t *testing.T, mutate func(*Config)) *testEngine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ForwardSignals = false
	cfg.Watchdog.PollInterval = 50 * time.Millisecond
	cfg.Watchdog.GracePeriod = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)

	te := &testEngine{Engine: e}
	e.sleep = func(_ context.Context, d time.Duration) error {
		te.sleeps = append(te.sleeps, d)
		return nil
	}
	e.jitter = func() time.Duration { return 0 }
	return te
}

func request(prompt string) Request {
	return Request{Prompt: prompt, Timeout: 10 * time.Second}
}

func TestExecuteOpenCode(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bin := tu.WriteScript(t, dir, "opencode", `
printf 'model=%s\n' "$3"
printf 'file=%s\n' "$5" > "`+dir+`/file.txt"
cat "$5"
echo
echo 'Tokens: 10 input, 5 output'`)
	instructions := filepath.Join(dir, "AGENTS.md")
	require.NoError(t, os.WriteFile(instructions, []byte("Follow the house style.\n"), 0o644))

	e := newTestEngine(t, func(c *Config) { c.OpenCode.Bin = bin })
	req := request("Fix the failing test.")
	req.InstructionsPath = instructions

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success, "stderr: %s", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "opencode", res.Backend)
	assert.Equal(t, DefaultOpenCodeModel, res.Model)
	assert.Contains(t, res.Stdout, "model="+DefaultOpenCodeModel)
	assert.Contains(t, res.Stdout, "Follow the house style.\n\nFix the failing test.")
	require.NotNil(t, res.TokenUsage)
	assert.Equal(t, 15, res.TokenUsage.TotalTokens)

	data, err := os.ReadFile(filepath.Join(dir, "file.txt"))
	require.NoError(t, err)
	promptFile := strings.TrimSpace(strings.TrimPrefix(string(data), "file="))
	require.NotEmpty(t, promptFile)
	_, statErr := os.Stat(promptFile)
	assert.True(t, os.IsNotExist(statErr), "prompt file should be removed")
}

func TestExecuteClaudeCode(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	transcript := tu.ClaudeTranscript("All done.", "Hel", "Hello", "Hello world")
	bin := tu.WriteScript(t, dir, "claude", `
printf '%s' "$7" > "`+dir+`/model.txt"
printf '%s' "$9" > "`+dir+`/prompt.txt"
`+tu.EchoLines(transcript...))

	var echo bytes.Buffer
	e := newTestEngine(t, func(c *Config) {
		c.ClaudeCode.Bin = bin
		c.ClaudeCode.Echo = true
		c.EchoWriter = &echo
	})
	req := request("--looks-like-a-flag")
	req.Backend = BackendClaudeCode
	req.Model = "anthropic/claude-opus-4"

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success, "stderr: %s", res.Stderr)
	assert.Equal(t, "All done.", res.Stdout)
	assert.Equal(t, "claude-opus-4", res.Model)
	assert.Equal(t, "Hello world", echo.String())
	require.NotNil(t, res.TokenUsage)
	assert.Equal(t, 150, res.TokenUsage.TotalTokens)

	model, err := os.ReadFile(filepath.Join(dir, "model.txt"))
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", string(model))
	prompt, err := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	require.NoError(t, err)
	assert.Equal(t, "--looks-like-a-flag", string(prompt))
}

func TestExecuteClaudeCodeRepeatedToolUseSnapshots(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	transcript := tu.ClaudeToolTranscript("Read it.", "/repo/internal/main.go",
		"I", "I will", "I will read", "I will read the", "I will read the file", "I will read the file now", "I will read the file now.")
	bin := tu.WriteScript(t, dir, "claude", tu.EchoLines(transcript...))

	log := logging.New(logging.Config{Output: io.Discard, Level: logging.LevelDebug})
	e := newTestEngine(t, func(c *Config) { c.ClaudeCode.Bin = bin })
	req := request("read main.go")
	req.Backend = BackendClaudeCode
	req.Log = log

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success, "stderr: %s", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, detect.HasMarker(res.Stderr, detect.ReasonDoomLoop))
	assert.Equal(t, "Read it.", res.Stdout)

	var calls []any
	var completed []logging.Entry
	for _, entry := range log.Query(logging.Query{}).Entries {
		switch entry.Message {
		case "tool call":
			calls = append(calls, entry.Fields["call"])
		case "session completed":
			completed = append(completed, entry)
		}
	}
	assert.Equal(t, []any{"tool_use Read: /repo/internal/main.go"}, calls)
	require.Len(t, completed, 1)
	assert.Equal(t, "claude_code", completed[0].Fields["backend"])
	assert.Equal(t, len("Read it."), completed[0].Fields["result_chars"])
	assert.Equal(t, false, completed[0].Fields["is_error"])
	assert.Equal(t, 150, completed[0].Fields["total_tokens"])
}

func TestExecuteLogsCodexCommands(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bin := tu.WriteScript(t, dir, "codex", `
cat > /dev/null
`+tu.EchoLines(
		`{"type":"item.started","item":{"id":"i1","type":"command_execution","command":"go test ./..."}}`,
		`{"type":"item.completed","item":{"id":"i2","type":"agent_message","text":"Tests pass."}}`,
		`{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":5}}`,
	))

	log := logging.New(logging.Config{Output: io.Discard, Level: logging.LevelDebug})
	e := newTestEngine(t, func(c *Config) {
		c.ExecutorHint = "codex"
		c.Codex.Bin = bin
	})
	req := request("run the tests")
	req.Log = log.WithRun("run-1")

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success, "stderr: %s", res.Stderr)

	got := log.Query(logging.Query{RunID: "run-1", Level: logging.LevelInfo})
	var calls []any
	for _, entry := range got.Entries {
		if entry.Message == "tool call" {
			calls = append(calls, entry.Fields["call"])
		}
	}
	assert.Equal(t, []any{"tool_use shell: go test ./..."}, calls)

	debug := log.Query(logging.Query{RunID: "run-1", Level: logging.LevelDebug})
	var summary map[string]any
	for _, entry := range debug.Entries {
		if entry.Message == "session completed" {
			summary = entry.Fields
		}
	}
	require.NotNil(t, summary)
	assert.Equal(t, 15, summary["total_tokens"])
}

func TestExecuteClaudeCodeReportedError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bin := tu.WriteScript(t, dir, "claude", tu.EchoLines(
		`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"tool crashed"}`,
	))
	e := newTestEngine(t, func(c *Config) { c.ClaudeCode.Bin = bin })
	req := request("x")
	req.Backend = BackendClaudeCode

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stderr, "tool crashed")
}

func TestExecuteCodexUsesStdin(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bin := tu.WriteScript(t, dir, "codex", `
cat > "`+dir+`/stdin.txt"
`+tu.EchoLines(tu.CodexTranscript("First.", "Second.")...))

	e := newTestEngine(t, func(c *Config) {
		c.ExecutorHint = "codex"
		c.Codex.Bin = bin
	})
	req := request("prompt on stdin")
	req.Model = "openai/gpt-5"

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success, "stderr: %s", res.Stderr)
	assert.Equal(t, "codex", res.Backend)
	assert.Equal(t, "gpt-5", res.Model)
	assert.Equal(t, "First.\n\nSecond.", res.Stdout)
	require.NotNil(t, res.TokenUsage)
	assert.Equal(t, 250, res.TokenUsage.TotalTokens)

	stdin, err := os.ReadFile(filepath.Join(dir, "stdin.txt"))
	require.NoError(t, err)
	assert.Equal(t, "prompt on stdin", string(stdin))
}

func TestExecuteNonZeroExitNotRetried(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bin := tu.WriteScript(t, dir, "opencode", `echo x >> "`+dir+`/calls"; echo "fatal: boom" >&2; exit 2`)
	e := newTestEngine(t, func(c *Config) { c.OpenCode.Bin = bin })

	res, err := e.Execute(context.Background(), request("x"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, 0, res.RetryCount)
	assert.Equal(t, "fatal: boom\n", res.Stderr)
	assert.Equal(t, 1, countCalls(t, dir))
}

func TestExecuteTransientFailureRetried(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bin := tu.WriteScript(t, dir, "opencode", `echo x >> "`+dir+`/calls"; echo "503 Service Unavailable" >&2; exit 1`)
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, func(c *Config) { c.OpenCode.Bin = bin })
	e.metrics = MustNewMetrics(reg)

	req := request("x")
	retries := 2
	req.MaxRetries = &retries

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, 3, countCalls(t, dir))
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, e.sleeps)

	assert.Equal(t, float64(3), testutil.ToFloat64(e.metrics.attempts.WithLabelValues("opencode", "failure")))
	assert.Equal(t, float64(2), testutil.ToFloat64(e.metrics.retries.WithLabelValues("opencode", "backoff")))
}

func TestExecuteModelFallback(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bin := tu.WriteScript(t, dir, "opencode", `
if [ "$3" = "google/primary" ]; then
  echo "ProviderModelNotFoundError: model google/primary not found" >&2
  exit 1
fi
echo "ran with $3"`)
	e := newTestEngine(t, func(c *Config) {
		c.OpenCode.Bin = bin
		c.OpenCode.FallbackModel = "google/backup"
	})
	req := request("x")
	req.Model = "google/primary"

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success, "stderr: %s", res.Stderr)
	assert.Equal(t, "google/backup", res.Model)
	assert.Equal(t, "ran with google/backup", res.Stdout)
	assert.Equal(t, 0, res.RetryCount)
}

func TestExecuteDetectorAbort(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bin := tu.WriteScript(t, dir, "opencode", `echo x >> "`+dir+`/calls"
while true; do echo '| TodoWrite  update the plan'; sleep 0.05; done`)
	e := newTestEngine(t, func(c *Config) { c.OpenCode.Bin = bin })

	res, err := e.Execute(context.Background(), request("x"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.True(t, detect.HasMarker(res.Stderr, detect.ReasonUnsupportedTool))
	assert.Equal(t, 1, countCalls(t, dir))
}

func TestExecuteIsolatedEnv(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bin := tu.WriteScript(t, dir, "opencode", `printf '%s|%s' "$TASK_FLAG" "${HOME:-none}"`)
	e := newTestEngine(t, func(c *Config) { c.OpenCode.Bin = bin })
	req := request("x")
	req.Env = map[string]string{"TASK_FLAG": "on"}
	req.IsolateEnv = true

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "on|none", res.Stdout)
}

func TestExecuteSpawnFailure(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, func(c *Config) { c.Codex.Bin = "/nonexistent/codex" })
	req := request("x")
	req.Backend = BackendCodex

	res, err := e.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, supervisor.ErrSpawn))
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.NotEmpty(t, res.Stderr)
	assert.Empty(t, e.sleeps)
}

func TestExecuteInvalidRequest(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil)
	_, err := e.Execute(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req := request("x")
	req.InstructionsPath = "/nonexistent/instructions.md"
	_, err = e.Execute(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNewRejectsUnknownHint(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ExecutorHint = "gemini-cli"
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func countCalls(t *testing.T, dir string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "calls"))
	require.NoError(t, err)
	return strings.Count(string(data), "x\n")
}
