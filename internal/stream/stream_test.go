package stream

import (
	"strings"
	"testing"

	"github.com/Andyyyy64/openTiger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenUsage(t *testing.T) {
	t.Parallel()

	require.Nil(t, NewTokenUsage(0, 0, 0, nil, nil))
	require.Nil(t, NewTokenUsage(0, 0, 0, intPtr(0), nil))

	u := NewTokenUsage(100, 20, 0, intPtr(5), intPtr(7))
	require.NotNil(t, u)
	require.Equal(t, 132, u.TotalTokens)

	u = NewTokenUsage(100, 20, 500, nil, nil)
	require.Equal(t, 500, u.TotalTokens)
	require.Nil(t, u.CacheReadTokens)
}

func TestCumulativeDelta(t *testing.T) {
	t.Parallel()

	snapshots := []string{"", "He", "Hello", "Hello, wor", "Hello, world!"}
	var out strings.Builder
	for i := 1; i < len(snapshots); i++ {
		out.WriteString(CumulativeDelta(snapshots[i-1], snapshots[i]))
	}
	require.Equal(t, "Hello, world!", out.String())

	require.Equal(t, "fresh", CumulativeDelta("old text", "fresh"))
	require.Equal(t, "", CumulativeDelta("same", "same"))
}

const claudeTranscript = `{"type":"system","subtype":"init","session_id":"abc"}
{"type":"assistant","message":{"content":[{"type":"text","text":"Looking"}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"Looking at the repo"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls -la"}}]}}
not json at all
{"type":"assistant","message":{"content":[{"type":"text","text":"Looking at the repo. Done."}]}}
{"type":"result","subtype":"success","is_error":false,"result":"All tests pass.","usage":{"input_tokens":120,"output_tokens":30,"cache_read_input_tokens":400,"cache_creation_input_tokens":10},"permission_denials":[{"tool_name":"Bash","tool_use_id":"t9"}]}
`

func TestParseClaudeStream(t *testing.T) {
	t.Parallel()

	r := ParseClaudeStream([]byte(claudeTranscript))
	require.Equal(t, "Looking at the repo. Done.", r.AssistantText)
	require.Equal(t, "All tests pass.", r.ResultText)
	require.Equal(t, "All tests pass.", r.Text())
	require.False(t, r.IsError)
	require.Len(t, r.PermissionDenials, 1)
	require.Equal(t, "Bash", r.PermissionDenials[0].ToolName)

	require.NotNil(t, r.Usage)
	require.Equal(t, 120, r.Usage.InputTokens)
	require.Equal(t, 30, r.Usage.OutputTokens)
	require.Equal(t, 560, r.Usage.TotalTokens)
	require.Equal(t, 400, *r.Usage.CacheReadTokens)
	require.Equal(t, 10, *r.Usage.CacheWriteTokens)
}

func TestClaudeDecoderDeltasReassembleText(t *testing.T) {
	t.Parallel()

	d := NewClaudeDecoder()
	var echoed strings.Builder
	var tools []string
	for _, line := range strings.Split(claudeTranscript, "\n") {
		got := d.Line(line)
		echoed.WriteString(got.Delta)
		tools = append(tools, got.ToolCalls...)
	}
	require.Equal(t, d.Result().AssistantText, echoed.String())
	require.Equal(t, []string{"tool_use Bash: ls -la"}, tools)
}

func TestClaudeDecoderReportsEachToolUseOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		lines []string
		want  []string
	}{
		{
			name: "repeated block with id",
			lines: testutil.ClaudeToolTranscript("done", "/repo/internal/main.go",
				"a", "ab", "abc", "abcd", "abcde", "abcdef", "abcdefg"),
			want: []string{"tool_use Read: /repo/internal/main.go"},
		},
		{
			name: "repeated blocks without id",
			lines: []string{
				`{"type":"assistant","message":{"content":[{"type":"text","text":"x"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`,
				`{"type":"assistant","message":{"content":[{"type":"text","text":"xy"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`,
				`{"type":"assistant","message":{"content":[{"type":"text","text":"xyz"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}},{"type":"tool_use","name":"Bash","input":{"command":"pwd"}}]}}`,
			},
			want: []string{"tool_use Bash: ls", "tool_use Bash: pwd"},
		},
		{
			name: "new message reports its blocks again",
			lines: []string{
				`{"type":"assistant","message":{"content":[{"type":"text","text":"first"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`,
				`{"type":"assistant","message":{"content":[{"type":"text","text":"other"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`,
			},
			want: []string{"tool_use Bash: ls", "tool_use Bash: ls"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := NewClaudeDecoder()
			var tools []string
			for _, line := range tt.lines {
				tools = append(tools, d.Line(line).ToolCalls...)
			}
			assert.Equal(t, tt.want, tools)
		})
	}
}

func TestParseClaudeStreamError(t *testing.T) {
	t.Parallel()

	raw := `{"type":"result","subtype":"error_max_turns","is_error":true}
{"type":"error","error":{"message":"overloaded"}}`
	r := ParseClaudeStream([]byte(raw))
	require.True(t, r.IsError)
	require.Equal(t, []string{"error_max_turns", "overloaded"}, r.Errors)
	require.Nil(t, r.Usage)
}

func TestParseCodexExec(t *testing.T) {
	t.Parallel()

	raw := `{"type":"thread.started","thread_id":"th_1"}
{"type":"turn.started"}
{"type":"item.completed","item":{"id":"i0","type":"reasoning","text":"thinking"}}
{"type":"item.started","item":{"id":"i1","type":"command_execution","command":"bash -lc 'go test ./...'","status":"in_progress"}}
{"type":"item.completed","item":{"id":"i1","type":"command_execution","command":"bash -lc 'go test ./...'","exit_code":0}}
{"type":"item.completed","item":{"id":"i2","type":"agent_message","text":"First part."}}
{"type":"turn.completed","usage":{"input_tokens":1000,"cached_input_tokens":200,"output_tokens":50}}
{"type":"item.completed","item":{"id":"i3","type":"assistant_message","text":"Second part."}}
{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":5}}
`
	r := ParseCodexExec([]byte(raw))
	require.Equal(t, "First part.\n\nSecond part.", r.AssistantText)
	require.False(t, r.IsError)
	require.NotNil(t, r.Usage)
	require.Equal(t, 1010, r.Usage.InputTokens)
	require.Equal(t, 55, r.Usage.OutputTokens)
	require.Equal(t, 200, *r.Usage.CacheReadTokens)
	require.Equal(t, 1265, r.Usage.TotalTokens)
	require.Nil(t, r.Usage.CacheWriteTokens)
}

func TestParseCodexExecKeepsMessageText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		texts []string
		want  string
	}{
		{"indented code", []string{"    indented code\n", "second"}, "    indented code\n\n\nsecond"},
		{"blank message skipped", []string{"first", "  \n", "third"}, "first\n\nthird"},
		{"trailing newlines kept", []string{"a\n\n"}, "a\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw := strings.Join(testutil.CodexTranscript(tt.texts...), "\n")
			assert.Equal(t, tt.want, ParseCodexExec([]byte(raw)).AssistantText)
		})
	}
}

func TestCodexDecoderReportsCommandsOnStart(t *testing.T) {
	t.Parallel()

	d := NewCodexDecoder()
	got := d.Line(`{"type":"item.started","item":{"id":"i1","type":"command_execution","command":"npm run dev"}}`)
	require.Equal(t, []string{"tool_use shell: npm run dev"}, got.ToolCalls)

	got = d.Line(`{"type":"item.completed","item":{"id":"i2","type":"agent_message","text":"ok"}}`)
	require.Equal(t, "ok", got.Text)
	require.Empty(t, got.ToolCalls)
}

func TestParseCodexExecFailure(t *testing.T) {
	t.Parallel()

	raw := `{"type":"error","message":"stream disconnected"}
{"type":"turn.failed","error":{"message":"usage limit reached"}}`
	r := ParseCodexExec([]byte(raw))
	require.True(t, r.IsError)
	require.Equal(t, []string{"stream disconnected", "usage limit reached"}, r.Errors)
	require.Nil(t, r.Usage)
	require.Empty(t, r.AssistantText)
}

func TestParsePlain(t *testing.T) {
	t.Parallel()

	raw := "INFO  2025-06-01T10:00:00 service=session starting\n" +
		"\x1b[32mI updated main.go\x1b[0m\n" +
		"and added a test.\n" +
		`{"level":"info","input_tokens":300,"output_tokens":40,"cache_read_input_tokens":12}` + "\n"

	r := ParsePlain([]byte(raw))
	require.Equal(t, "I updated main.go\nand added a test.", r.AssistantText)
	require.False(t, r.IsError)
	require.NotNil(t, r.Usage)
	require.Equal(t, 300, r.Usage.InputTokens)
	require.Equal(t, 40, r.Usage.OutputTokens)
	require.Equal(t, 352, r.Usage.TotalTokens)
	require.Equal(t, 12, *r.Usage.CacheReadTokens)
}

func TestParsePlainUsageFallbacks(t *testing.T) {
	t.Parallel()

	r := ParsePlain([]byte("done\nTokens: 1,200 input, 80 output\n"))
	require.NotNil(t, r.Usage)
	assert.Equal(t, 1200, r.Usage.InputTokens)
	assert.Equal(t, 80, r.Usage.OutputTokens)
	assert.Equal(t, 1280, r.Usage.TotalTokens)

	r = ParsePlain([]byte("done\nTotal tokens used: 4242\n"))
	require.NotNil(t, r.Usage)
	assert.Equal(t, 4242, r.Usage.TotalTokens)
	assert.Equal(t, 0, r.Usage.InputTokens)

	r = ParsePlain([]byte("no counts here\n"))
	assert.Nil(t, r.Usage)
}

func TestDescribeToolCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{name: "bash", tool: "Bash", input: map[string]any{"command": "npm run\n  dev"}, want: "tool_use Bash: npm run dev"},
		{name: "read range", tool: "Read", input: map[string]any{"file_path": "/a/b.go", "offset": float64(10), "limit": float64(5)}, want: "tool_use Read: /a/b.go 10-15"},
		{name: "edit", tool: "Edit", input: map[string]any{"file_path": "/a/b.go"}, want: "tool_use Edit: b.go"},
		{name: "grep", tool: "Grep", input: map[string]any{"pattern": "TODO", "path": "src"}, want: "tool_use Grep: TODO in src"},
		{name: "todos", tool: "TodoWrite", input: map[string]any{"todos": []any{
			map[string]any{"status": "pending"},
			map[string]any{"status": "completed"},
		}}, want: "tool_use TodoWrite: 2 todos, 1 pending, 1 done"},
		{name: "unknown", tool: "Mystery", input: map[string]any{"b": 1, "a": 2}, want: "tool_use Mystery: a,b"},
		{name: "no input", tool: "Mystery", want: "tool_use Mystery"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, DescribeToolCall(tt.tool, tt.input))
		})
	}
}
