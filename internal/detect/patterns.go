package detect

import (
	"regexp"
	"strings"
)

var (
	planningPrefix = regexp.MustCompile(`(?i)^(?:i will|i['’]ll|i am going to|i['’]m going to|let me)\b`)

	// toolCallPrefix matches how tool invocations are rendered: opencode's
	// "| Bash ..." rows, shell prompts, and the "tool_use <Name>:" lines built
	// by stream.DescribeToolCall for the JSON backends.
	toolCallPrefix = regexp.MustCompile(`(?i)^(?:tool_use\b|[|│┃⏺●•>]|\$\s|(?:bash|shell|command|exec|run)\s*[:(])`)

	foregroundCommand = regexp.MustCompile(`(?i)\b(?:npm|pnpm|yarn|bun)\s+(?:run\s+)?(?:dev|watch|start|serve)\b`)

	permissionRequest = regexp.MustCompile(`(?i)\b(?:permission|allow|approve|grant)\b`)
	permissionHint    = regexp.MustCompile(`(?i)(?:\[y/n\]|\(y/n\)|\by/n\b|\[yes/no\]|allow once|always allow|don['’]t ask again|do you want to (?:allow|proceed)|waiting for (?:your )?approval)`)

	quotaPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)quota (?:has been |was )?exceeded`),
		regexp.MustCompile(`(?i)exceeded your current quota`),
		regexp.MustCompile(`(?i)resource[_ ]exhausted`),
		regexp.MustCompile(`(?i)insufficient_quota`),
		regexp.MustCompile(`(?i)usage limit (?:reached|exceeded)`),
		regexp.MustCompile(`(?i)you(?:'ve| have) hit your usage limit`),
	}

	errorSignature = regexp.MustCompile(`(?i)\b(?:error|exception|fatal|failed|failure|panic|traceback)\b`)
)

// IsPlanningLine reports whether a normalized line announces future intent
// instead of doing work.
func IsPlanningLine(line string) bool {
	return planningPrefix.MatchString(line)
}

// IsToolCallLine reports whether a normalized line renders a tool invocation.
func IsToolCallLine(line string) bool {
	return toolCallPrefix.MatchString(line)
}

// IsForegroundCommand reports whether a tool-call line starts a package
// manager dev/watch/start/serve command in the foreground. Such commands never
// exit on their own.
func IsForegroundCommand(line string) bool {
	if !IsToolCallLine(line) || !foregroundCommand.MatchString(line) {
		return false
	}
	trimmed := strings.TrimRight(line, " )\"'`")
	return !strings.HasSuffix(trimmed, "&")
}

// IsPermissionPrompt reports whether a line asks for interactive approval.
// Both a request phrase and an interactive hint are required.
func IsPermissionPrompt(line string) bool {
	return permissionRequest.MatchString(line) && permissionHint.MatchString(line)
}

// IsQuotaExceeded reports whether text carries a provider quota or
// resource-exhaustion signal.
func IsQuotaExceeded(text string) bool {
	for _, p := range quotaPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// IsErrorSignature reports whether a stderr line looks like a real error
// report, as opposed to progress chatter.
func IsErrorSignature(line string) bool {
	return errorSignature.MatchString(line)
}

// compileUnsupportedTools builds the matcher for tool-call lines invoking any
// of the named tools. It returns nil for an empty list.
func compileUnsupportedTools(names []string) *regexp.Regexp {
	var quoted []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			quoted = append(quoted, regexp.QuoteMeta(name))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)^(?:tool_use\s+|[|│┃⏺●•>]\s*)?(?:` + strings.Join(quoted, "|") + `)\b`)
}
