package stream

import (
	"encoding/json"
	"strings"
)

// ClaudeStreamEvent is one line of `claude --output-format stream-json`.
type ClaudeStreamEvent struct {
	Type    string `json:"type"`    // system, assistant, user, result, error
	Subtype string `json:"subtype"` // init, success, error_max_turns, ...
	Message struct {
		Content []ContentBlock `json:"content"`
	} `json:"message,omitempty"`
	IsError           bool               `json:"is_error,omitempty"`
	Result            string             `json:"result,omitempty"`
	Usage             *claudeUsage       `json:"usage,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
	Error             json.RawMessage    `json:"error,omitempty"`
}

// ContentBlock is a content block in a Claude message.
type ContentBlock struct {
	Type  string          `json:"type"` // text, tool_use, tool_result
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Text  string          `json:"text,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // tool_result: string or blocks
}

type claudeUsage struct {
	InputTokens              int  `json:"input_tokens"`
	OutputTokens             int  `json:"output_tokens"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens"`
}

// ClaudeLine is what a single stream line contributes as it arrives.
type ClaudeLine struct {
	// Delta is the text newly added to the cumulative assistant message.
	Delta string
	// ToolCalls holds DescribeToolCall renderings of the line's tool_use blocks.
	ToolCalls []string
}

// ClaudeDecoder follows a claude stream-json transcript line by line. Each
// assistant event carries the cumulative text of the message so far.
type ClaudeDecoder struct {
	text   string
	result Result
	usage  *claudeUsage

	// Tool calls are repeated in every snapshot of a message, so each block
	// is reported once: by ID, or by position when the block has no ID.
	seenTools map[string]bool
	anonTools int
}

// NewClaudeDecoder returns an empty decoder.
func NewClaudeDecoder() *ClaudeDecoder {
	return &ClaudeDecoder{}
}

// Line consumes one stdout line. Lines that are not JSON events are ignored.
func (d *ClaudeDecoder) Line(line string) ClaudeLine {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return ClaudeLine{}
	}
	var ev ClaudeStreamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return ClaudeLine{}
	}

	var out ClaudeLine
	switch ev.Type {
	case "assistant":
		var text strings.Builder
		for _, block := range ev.Message.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if next := text.String(); next != "" {
			if !strings.HasPrefix(next, d.text) {
				d.anonTools = 0
			}
			out.Delta = CumulativeDelta(d.text, next)
			d.text = next
		}
		out.ToolCalls = d.newToolCalls(ev.Message.Content)

	case "result":
		d.result.ResultText = ev.Result
		if ev.Usage != nil {
			d.usage = ev.Usage
		}
		d.result.PermissionDenials = append(d.result.PermissionDenials, ev.PermissionDenials...)
		if ev.IsError || strings.HasPrefix(ev.Subtype, "error") {
			d.result.IsError = true
			msg := ev.Result
			if msg == "" {
				msg = ev.Subtype
			}
			d.result.Errors = append(d.result.Errors, msg)
		}

	case "error":
		d.result.IsError = true
		if msg := errorMessage(ev.Error); msg != "" {
			d.result.Errors = append(d.result.Errors, msg)
		}
	}
	return out
}

// newToolCalls describes the tool_use blocks in content not reported before.
func (d *ClaudeDecoder) newToolCalls(content []ContentBlock) []string {
	var calls []string
	anon := 0
	for _, block := range content {
		if block.Type != "tool_use" {
			continue
		}
		if block.ID != "" {
			if d.seenTools[block.ID] {
				continue
			}
			if d.seenTools == nil {
				d.seenTools = make(map[string]bool)
			}
			d.seenTools[block.ID] = true
		} else {
			anon++
			if anon <= d.anonTools {
				continue
			}
			d.anonTools = anon
		}
		var input map[string]any
		if len(block.Input) > 0 {
			if err := json.Unmarshal(block.Input, &input); err != nil {
				input = map[string]any{"_raw": string(block.Input)}
			}
		}
		calls = append(calls, DescribeToolCall(block.Name, input))
	}
	return calls
}

// Result returns the parse so far.
func (d *ClaudeDecoder) Result() Result {
	r := d.result
	r.AssistantText = d.text
	if u := d.usage; u != nil {
		r.Usage = NewTokenUsage(u.InputTokens, u.OutputTokens, 0, u.CacheReadInputTokens, u.CacheCreationInputTokens)
	}
	return r
}

// ParseClaudeStream parses a complete stream-json transcript.
func ParseClaudeStream(raw []byte) Result {
	d := NewClaudeDecoder()
	for _, line := range lines(raw) {
		d.Line(line)
	}
	return d.Result()
}

// CumulativeDelta returns the part of next not already covered by prev. When
// next does not extend prev (a new message), all of next is new.
func CumulativeDelta(prev, next string) string {
	if strings.HasPrefix(next, prev) {
		return next[len(prev):]
	}
	return next
}

// errorMessage accepts an error carried either as a string or as an object
// with a message field.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
