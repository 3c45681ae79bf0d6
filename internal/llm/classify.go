package llm

import (
	"regexp"
	"strconv"
	"time"

	"github.com/Andyyyy64/openTiger/internal/detect"
)

// maxQuotaDelay caps a provider-reported retry-after value.
const maxQuotaDelay = time.Hour

var (
	retryablePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)rate[ _-]?limit`),
		regexp.MustCompile(`(?i)too many requests`),
		regexp.MustCompile(`\b(?:429|502|503)\b`),
		regexp.MustCompile(`(?i)bad gateway`),
		regexp.MustCompile(`(?i)service unavailable`),
		regexp.MustCompile(`(?i)overloaded`),
		regexp.MustCompile(`(?i)econnreset|connection reset`),
		regexp.MustCompile(`(?i)etimedout|timed out`),
		regexp.MustCompile(`(?i)socket hang up`),
	}

	authPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)unauthori[sz]ed`),
		regexp.MustCompile(`(?i)authentication (?:failed|error|required)`),
		regexp.MustCompile(`(?i)invalid[ _-]?api[ _-]?key`),
		regexp.MustCompile(`\b401\b`),
		regexp.MustCompile(`(?i)not logged in|please (?:log|sign) ?in`),
	}

	modelNotFoundPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ProviderModelNotFoundError`),
		regexp.MustCompile(`(?i)model[^\n]{0,80}not found`),
		regexp.MustCompile(`(?i)model[^\n]{0,80}does not exist`),
		regexp.MustCompile(`(?i)unknown model`),
	}

	retryAfterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)retry[- ]after[:=\s"]+(\d+(?:\.\d+)?)\s*(ms|s|sec|secs|seconds)?\b`),
		regexp.MustCompile(`(?i)retry in\s+(\d+(?:\.\d+)?)\s*(ms|s|sec|secs|seconds)\b`),
		regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)(s)"`),
	}
)

// terminalReasons are abort reasons the policy never retries: behavioral
// aborts are content problems, and time limits or cancellation would only
// repeat.
func terminalReason(r detect.Reason) bool {
	switch r {
	case detect.ReasonTimeout, detect.ReasonIdleTimeout, detect.ReasonCancelled, detect.ReasonParentSignal:
		return true
	}
	return r.Behavioral()
}

func failureText(res Result) string {
	return res.Stderr + "\n" + res.Stdout
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// isQuotaExceeded reports a provider quota failure, either detected live or
// present in the final output.
func isQuotaExceeded(res Result) bool {
	return detect.HasMarker(res.Stderr, detect.ReasonQuotaExceeded) || detect.IsQuotaExceeded(failureText(res))
}

func isModelNotFound(res Result) bool {
	return matchesAny(modelNotFoundPatterns, failureText(res))
}

func isAuthFailure(res Result) bool {
	return matchesAny(authPatterns, failureText(res))
}

// isRetryable reports a transient failure worth a backoff retry.
func isRetryable(res Result) bool {
	for _, r := range detect.Markers(res.Stderr) {
		if terminalReason(r) {
			return false
		}
	}
	if isAuthFailure(res) {
		return false
	}
	return matchesAny(retryablePatterns, failureText(res))
}

// quotaDelay returns the provider-reported retry delay found in text, or def.
func quotaDelay(text string, def time.Duration) time.Duration {
	for _, p := range retryAfterPatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil || v <= 0 {
			continue
		}
		unit := time.Second
		if m[2] == "ms" {
			unit = time.Millisecond
		}
		return min(time.Duration(v*float64(unit)), maxQuotaDelay)
	}
	return def
}
