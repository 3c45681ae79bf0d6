// Package stream parses the output of coding-agent CLIs into one normalized
// shape, whatever wire format the backend speaks.
package stream

import (
	"bufio"
	"bytes"
)

// Result is what a parser extracts from a complete process output.
type Result struct {
	// AssistantText is the assistant's textual output.
	AssistantText string
	// ResultText is the final result reported by backends with a terminal
	// result event. Empty otherwise.
	ResultText string
	// IsError is the backend's own failure flag ("turn failed").
	IsError bool
	// Errors collects error messages reported in-band by the backend.
	Errors []string
	// PermissionDenials lists tool calls the backend refused to run.
	PermissionDenials []PermissionDenial
	// Usage is nil when the backend reported no token counts.
	Usage *TokenUsage
}

// Text returns the final result text when present, else the assistant text.
func (r Result) Text() string {
	if r.ResultText != "" {
		return r.ResultText
	}
	return r.AssistantText
}

// PermissionDenial is a tool call the backend refused to run.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// TokenUsage is the token accounting of one execution. Cache fields are nil
// when the backend does not report them.
type TokenUsage struct {
	InputTokens      int  `json:"input_tokens"`
	OutputTokens     int  `json:"output_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	CacheReadTokens  *int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens *int `json:"cache_write_tokens,omitempty"`
}

// NewTokenUsage reconciles reported counts into a TokenUsage. A total of zero
// means "not reported" and is computed as input + output + cache read + cache
// write. All-zero counts yield nil: no usage is not the same as zero usage.
func NewTokenUsage(input, output, total int, cacheRead, cacheWrite *int) *TokenUsage {
	cr, cw := deref(cacheRead), deref(cacheWrite)
	if input == 0 && output == 0 && total == 0 && cr == 0 && cw == 0 {
		return nil
	}
	if total <= 0 {
		total = input + output + cr + cw
	}
	return &TokenUsage{
		InputTokens:      input,
		OutputTokens:     output,
		TotalTokens:      total,
		CacheReadTokens:  cacheRead,
		CacheWriteTokens: cacheWrite,
	}
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func intPtr(v int) *int {
	return &v
}

// lines splits raw output into lines, tolerating arbitrarily long ones.
func lines(raw []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	return out
}
