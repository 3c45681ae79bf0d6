package stream

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// DescribeToolCall renders a tool invocation as a single "tool_use <Name>:
// <summary>" line. The JSON backends feed these lines to the behavioral
// detectors so tool calls are judged the same way as a plain-text backend's
// rendered tool rows.
func DescribeToolCall(name string, input map[string]any) string {
	summary := summarizeToolInput(name, input)
	if summary == "" {
		return "tool_use " + name
	}
	return "tool_use " + name + ": " + oneLine(summary)
}

func summarizeToolInput(name string, input map[string]any) string {
	switch strings.ToLower(name) {
	case "bash", "shell", "command_execution", "exec":
		if cmd := getString(input, "command"); cmd != "" {
			return cmd
		}
		return strings.Join(getStrings(input, "command"), " ")

	case "read":
		path := getString(input, "file_path")
		if offset := getInt(input, "offset"); offset > 0 {
			if limit := getInt(input, "limit"); limit > 0 {
				return path + " " + formatRange(offset, offset+limit)
			}
		}
		return path

	case "write":
		return fmt.Sprintf("%s (%d bytes)", getString(input, "file_path"), len(getString(input, "content")))

	case "edit", "multiedit":
		return filepath.Base(getString(input, "file_path"))

	case "glob", "grep":
		pattern := getString(input, "pattern")
		if path := getString(input, "path"); path != "" {
			return pattern + " in " + path
		}
		return pattern

	case "websearch":
		return getString(input, "query")

	case "webfetch":
		return truncate(getString(input, "url"), 128)

	case "task":
		return truncate(getString(input, "description"), 64)

	case "todowrite":
		todos := getArray(input, "todos")
		pending, done := 0, 0
		for _, t := range todos {
			if m, ok := t.(map[string]any); ok {
				switch m["status"] {
				case "pending":
					pending++
				case "completed":
					done++
				}
			}
		}
		return fmt.Sprintf("%d todos, %d pending, %d done", len(todos), pending, done)

	default:
		if len(input) == 0 {
			return ""
		}
		keys := make([]string, 0, len(input))
		for k := range input {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return strings.Join(keys, ",")
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// getStrings reads an argv-style array, as codex reports shell commands.
func getStrings(m map[string]any, key string) []string {
	var out []string
	for _, v := range getArray(m, key) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getInt(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	if v, ok := m[key].(int); ok {
		return v
	}
	return 0
}

func getArray(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}

func formatRange(start, end int) string {
	if end <= start {
		return ""
	}
	return fmt.Sprintf("%d-%d", start, end)
}
