package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/Andyyyy64/openTiger/internal/detect"
	"github.com/Andyyyy64/openTiger/internal/stream"
)

// ExtractSteps builds an outline from a raw run transcript. Claude
// stream-json and codex exec JSON lines are recognised event by event; any
// other transcript becomes a single text step.
func ExtractSteps(raw []byte) []Step {
	o := outliner{toolCalls: make(map[string]int)}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var peek struct {
			Type    string          `json:"type"`
			Message json.RawMessage `json:"message"`
		}
		if json.Unmarshal(line, &peek) != nil {
			continue
		}
		// codex error events carry a string message; claude messages are objects
		codexError := peek.Type == "error" && len(peek.Message) > 0 && peek.Message[0] == '"'
		if strings.Contains(peek.Type, ".") || codexError {
			o.codex(line)
		} else {
			o.claude(line)
		}
	}

	if len(o.steps) == 0 {
		text := strings.TrimSpace(detect.StripANSI(string(raw)))
		return []Step{textStep(text)}
	}
	return o.steps
}

type outliner struct {
	steps     []Step
	toolCalls map[string]int // tool use / item ID -> index in steps
}

func (o *outliner) claude(line []byte) {
	var ev stream.ClaudeStreamEvent
	if json.Unmarshal(line, &ev) != nil {
		return
	}

	switch ev.Type {
	case "assistant", "user":
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if text := strings.TrimSpace(block.Text); text != "" {
					o.steps = append(o.steps, textStep(text))
				}
			case "tool_use":
				o.toolCall(block.ID, block.Name, formatInput(block.Input))
			case "tool_result":
				o.toolResult(block.ToolUseID, formatContent(block.Content))
			}
		}
	case "result":
		if ev.IsError || strings.HasPrefix(ev.Subtype, "error") {
			msg := ev.Result
			if msg == "" {
				msg = ev.Subtype
			}
			o.steps = append(o.steps, errorStep(msg))
		}
	case "error":
		o.steps = append(o.steps, errorStep(errorText(ev.Error, ev.Type)))
	}
}

func (o *outliner) codex(line []byte) {
	var ev stream.CodexEvent
	if json.Unmarshal(line, &ev) != nil {
		return
	}

	switch ev.Type {
	case "item.started":
		if ev.Item != nil && ev.Item.Type == "command_execution" {
			o.toolCall(ev.Item.ID, "shell", ev.Item.Command)
		}
	case "item.completed":
		if ev.Item == nil {
			return
		}
		switch ev.Item.Type {
		case "agent_message", "assistant_message":
			if text := strings.TrimSpace(ev.Item.Text); text != "" {
				o.steps = append(o.steps, textStep(text))
			}
		case "command_execution":
			if _, ok := o.toolCalls[ev.Item.ID]; !ok {
				o.toolCall(ev.Item.ID, "shell", ev.Item.Command)
			}
			o.toolResult(ev.Item.ID, ev.Item.AggregatedOutput)
		}
	case "turn.failed", "error":
		o.steps = append(o.steps, errorStep(errorText(ev.Error, ev.Message)))
	}
}

func (o *outliner) toolCall(id, name, input string) {
	o.steps = append(o.steps, Step{
		Type:         "tool_call",
		Tool:         name,
		InputPreview: truncate(input, PreviewLength),
		Truncated:    len(input) > PreviewLength,
	})
	if id != "" {
		o.toolCalls[id] = len(o.steps) - 1
	}
}

func (o *outliner) toolResult(id, output string) {
	i, ok := o.toolCalls[id]
	if !ok {
		return
	}
	o.steps[i].OutputPreview = truncate(output, PreviewLength)
	if len(output) > PreviewLength {
		o.steps[i].Truncated = true
	}
}

func textStep(text string) Step {
	return Step{
		Type:          "text",
		OutputPreview: truncate(text, PreviewLength),
		Truncated:     len(text) > PreviewLength,
	}
}

func errorStep(msg string) Step {
	msg = strings.TrimSpace(msg)
	return Step{
		Type:          "error",
		OutputPreview: truncate(msg, PreviewLength),
		Truncated:     len(msg) > PreviewLength,
	}
}

// errorText reads an error field that is a string or an object with a
// message, falling back to fallback.
func errorText(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
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
	if fallback != "" {
		return fallback
	}
	return string(raw)
}

// formatInput renders tool input as sorted "key: value" lines.
func formatInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var input any
	if json.Unmarshal(raw, &input) != nil {
		return string(raw)
	}

	switch v := input.(type) {
	case string:
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+formatValue(v[k]))
		}
		return strings.Join(parts, "\n")
	default:
		return string(raw)
	}
}

// formatContent renders a tool_result content field, a string or an array of
// text blocks.
func formatContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		lines := strings.Split(s, "\n")
		if len(lines) > 3 {
			return strings.Join(lines[:3], "\n") + "\n..."
		}
		return s
	}
	data, _ := json.Marshal(v)
	return string(data)
}
