package stream

import (
	"encoding/json"
	"strings"
)

// CodexEvent is one line of `codex exec --json`.
type CodexEvent struct {
	Type    string          `json:"type"` // thread.started, turn.*, item.*, error
	Item    *CodexItem      `json:"item,omitempty"`
	Usage   *codexUsage     `json:"usage,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// CodexItem is the payload of item.started / item.completed events.
type CodexItem struct {
	ID               string `json:"id"`
	Type             string `json:"type"` // agent_message, reasoning, command_execution, ...
	Text             string `json:"text,omitempty"`
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Status           string `json:"status,omitempty"`
}

type codexUsage struct {
	InputTokens       int  `json:"input_tokens"`
	CachedInputTokens *int `json:"cached_input_tokens"`
	OutputTokens      int  `json:"output_tokens"`
}

// CodexLine is what a single event line contributes as it arrives.
type CodexLine struct {
	// Text is the text of an assistant message completed on this line.
	Text string
	// ToolCalls holds DescribeToolCall renderings of commands started on
	// this line.
	ToolCalls []string
}

// CodexDecoder follows a codex exec JSON transcript line by line.
type CodexDecoder struct {
	messages  []string
	result    Result
	input     int
	output    int
	cacheRead *int
}

// NewCodexDecoder returns an empty decoder.
func NewCodexDecoder() *CodexDecoder {
	return &CodexDecoder{}
}

// Line consumes one stdout line. Lines that are not JSON events are ignored.
func (d *CodexDecoder) Line(line string) CodexLine {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return CodexLine{}
	}
	var ev CodexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return CodexLine{}
	}

	var out CodexLine
	switch ev.Type {
	case "item.started":
		// Commands are reported when they start: a command that never exits
		// has no completion event.
		if ev.Item != nil && ev.Item.Type == "command_execution" {
			out.ToolCalls = append(out.ToolCalls, DescribeToolCall("shell", map[string]any{"command": ev.Item.Command}))
		}

	case "item.completed":
		if ev.Item == nil {
			break
		}
		switch ev.Item.Type {
		case "agent_message", "assistant_message":
			if strings.TrimSpace(ev.Item.Text) != "" {
				d.messages = append(d.messages, ev.Item.Text)
				out.Text = ev.Item.Text
			}
		}

	case "turn.completed":
		if u := ev.Usage; u != nil {
			d.input += u.InputTokens
			d.output += u.OutputTokens
			if u.CachedInputTokens != nil {
				d.cacheRead = intPtr(deref(d.cacheRead) + *u.CachedInputTokens)
			}
		}

	case "turn.failed", "error":
		d.result.IsError = true
		msg := errorMessage(ev.Error)
		if msg == "" {
			msg = ev.Message
		}
		if msg != "" {
			d.result.Errors = append(d.result.Errors, msg)
		}
	}
	return out
}

// Result returns the parse so far.
func (d *CodexDecoder) Result() Result {
	r := d.result
	r.AssistantText = strings.Join(d.messages, "\n\n")
	r.Usage = NewTokenUsage(d.input, d.output, 0, d.cacheRead, nil)
	return r
}

// ParseCodexExec parses a complete codex exec JSON transcript.
func ParseCodexExec(raw []byte) Result {
	d := NewCodexDecoder()
	for _, line := range lines(raw) {
		d.Line(line)
	}
	return d.Result()
}
