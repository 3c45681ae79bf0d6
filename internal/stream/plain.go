package stream

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/Andyyyy64/openTiger/internal/detect"
)

var (
	usageFragment = regexp.MustCompile(`\{[^{}]*"input_tokens"\s*:\s*\d+[^{}]*\}`)
	usageHuman    = regexp.MustCompile(`(?i)Tokens:\s*([\d,]+)\s*input,\s*([\d,]+)\s*output`)
	usageTotal    = regexp.MustCompile(`(?i)Total tokens used:\s*([\d,]+)`)

	// logLine matches the structured log records the plain-text backend
	// interleaves with assistant output.
	logLine = regexp.MustCompile(`^(?:(?:TRACE|DEBUG|INFO|WARN|ERROR)\s+\d{4}-\d{2}-\d{2}T|\{.*"(?:level|input_tokens)"\s*:)`)
)

// ParsePlain parses the output of a plain-text backend. Such backends have no
// structured error or result channel: only the assistant text and token usage
// are extracted, and IsError is always false.
func ParsePlain(raw []byte) Result {
	var kept []string
	for _, line := range lines(raw) {
		clean := strings.TrimRight(detect.StripANSI(line), " \r")
		if logLine.MatchString(strings.TrimSpace(clean)) {
			continue
		}
		kept = append(kept, clean)
	}

	return Result{
		AssistantText: strings.TrimSpace(strings.Join(kept, "\n")),
		Usage:         plainUsage(detect.StripANSI(string(raw))),
	}
}

// plainUsage looks for token counts in order of fidelity: an embedded JSON
// usage fragment, a "Tokens: N input, M output" line, then a bare total.
func plainUsage(text string) *TokenUsage {
	fragments := usageFragment.FindAllString(text, -1)
	for i := len(fragments) - 1; i >= 0; i-- {
		var raw map[string]any
		if err := json.Unmarshal([]byte(fragments[i]), &raw); err != nil {
			continue
		}
		return NewTokenUsage(
			intField(raw, "input_tokens"),
			intField(raw, "output_tokens"),
			intField(raw, "total_tokens"),
			optionalIntField(raw, "cache_read_input_tokens", "cache_read_tokens"),
			optionalIntField(raw, "cache_creation_input_tokens", "cache_write_tokens"),
		)
	}

	if m := lastSubmatch(usageHuman, text); m != nil {
		return NewTokenUsage(atoi(m[1]), atoi(m[2]), 0, nil, nil)
	}
	if m := lastSubmatch(usageTotal, text); m != nil {
		return NewTokenUsage(0, 0, atoi(m[1]), nil, nil)
	}
	return nil
}

func lastSubmatch(re *regexp.Regexp, text string) []string {
	all := re.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return 0
	}
	return n
}

func intField(raw map[string]any, key string) int {
	if v, ok := raw[key].(float64); ok {
		return int(v)
	}
	return 0
}

func optionalIntField(raw map[string]any, keys ...string) *int {
	for _, key := range keys {
		if v, ok := raw[key].(float64); ok {
			return intPtr(int(v))
		}
	}
	return nil
}
