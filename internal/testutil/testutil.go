// Package testutil holds helpers shared by package tests: port allocation,
// polling, and scripted stand-ins for the coding-agent CLIs.
package testutil

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// AllocateTestPort returns a deterministic port based on test name
func AllocateTestPort(t *testing.T) int {
	t.Helper()
	return AllocateTestPortN(t, 0)
}

// AllocateTestPortN returns a deterministic port based on test name and index.
// Use different index values to get multiple unique ports within the same test.
func AllocateTestPortN(t *testing.T, n int) int {
	t.Helper()
	h := fnv.New32a()
	h.Write([]byte(t.Name()))
	h.Write([]byte{byte(n)})
	return 10000 + int(h.Sum32()%10000)
}

// WaitForHealthy waits for a URL to return 200 OK
func WaitForHealthy(t *testing.T, url string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("Service at %s did not become healthy within %v", url, timeout)
}

// Eventually retries a condition until it returns true or timeout expires
func Eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Condition did not become true within timeout")
}

// WriteScript writes an executable /bin/sh script into dir and returns its
// path. It stands in for a CLI binary.
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script %s: %v", path, err)
	}
	return path
}

// EchoLines returns a shell snippet printing each line verbatim.
func EchoLines(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "printf '%%s\\n' '%s'\n", strings.ReplaceAll(l, "'", `'\''`))
	}
	return b.String()
}

// ClaudeTranscript returns stream-json lines of a successful claude run whose
// assistant message grows through the given snapshots and ends with result.
func ClaudeTranscript(result string, snapshots ...string) []string {
	lines := []string{`{"type":"system","subtype":"init","session_id":"test-session"}`}
	for _, s := range snapshots {
		lines = append(lines, mustJSON(map[string]any{
			"type":    "assistant",
			"message": map[string]any{"content": []any{map[string]any{"type": "text", "text": s}}},
		}))
	}
	lines = append(lines, mustJSON(map[string]any{
		"type":     "result",
		"subtype":  "success",
		"is_error": false,
		"result":   result,
		"usage":    map[string]any{"input_tokens": 100, "output_tokens": 50},
	}))
	return lines
}

// ClaudeToolTranscript is ClaudeTranscript where every snapshot also carries
// the same Read tool_use block, the way claude repeats earlier blocks in each
// cumulative assistant event.
func ClaudeToolTranscript(result, path string, snapshots ...string) []string {
	lines := ClaudeTranscript(result, snapshots...)
	for i := 1; i <= len(snapshots); i++ {
		lines[i] = mustJSON(map[string]any{
			"type": "assistant",
			"message": map[string]any{"content": []any{
				map[string]any{"type": "tool_use", "id": "toolu_01", "name": "Read", "input": map[string]any{"file_path": path}},
				map[string]any{"type": "text", "text": snapshots[i-1]},
			}},
		})
	}
	return lines
}

// CodexTranscript returns codex exec JSON lines with one agent message per
// text and a single turn.completed usage event.
func CodexTranscript(texts ...string) []string {
	lines := []string{`{"type":"thread.started","thread_id":"th_test"}`, `{"type":"turn.started"}`}
	for i, text := range texts {
		lines = append(lines, mustJSON(map[string]any{
			"type": "item.completed",
			"item": map[string]any{"id": fmt.Sprintf("item_%d", i), "type": "agent_message", "text": text},
		}))
	}
	lines = append(lines, `{"type":"turn.completed","usage":{"input_tokens":200,"cached_input_tokens":20,"output_tokens":30}}`)
	return lines
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
