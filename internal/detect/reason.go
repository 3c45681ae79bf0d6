// Package detect recognizes non-terminating or harmful behavior in the live
// output of coding-agent processes and names the reasons a process was aborted.
package detect

import (
	"slices"
	"strings"
)

// Reason identifies why a process was terminated before it exited on its own.
// The string value is the marker line appended to the process stderr, so
// consumers can grep for it without re-parsing raw output.
type Reason string

const (
	ReasonTimeout           Reason = "[llm:timeout]"
	ReasonIdleTimeout       Reason = "[llm:idle-timeout]"
	ReasonCancelled         Reason = "[llm:cancelled]"
	ReasonParentSignal      Reason = "[llm:parent-signal]"
	ReasonQuotaExceeded     Reason = "[llm:quota-exceeded]"
	ReasonDoomLoop          Reason = "[llm:doom-loop]"
	ReasonPlanningLoop      Reason = "[llm:planning-loop]"
	ReasonUnsupportedTool   Reason = "[llm:unsupported-tool]"
	ReasonForegroundCommand Reason = "[llm:foreground-command]"
	ReasonPermissionPrompt  Reason = "[llm:permission-prompt]"
)

var allReasons = []Reason{
	ReasonTimeout,
	ReasonIdleTimeout,
	ReasonCancelled,
	ReasonParentSignal,
	ReasonQuotaExceeded,
	ReasonDoomLoop,
	ReasonPlanningLoop,
	ReasonUnsupportedTool,
	ReasonForegroundCommand,
	ReasonPermissionPrompt,
}

// Marker returns the stderr marker line for the reason with an optional detail.
func (r Reason) Marker(detail string) string {
	if detail == "" {
		return string(r)
	}
	return string(r) + " " + detail
}

// Behavioral reports whether the reason is a content problem of the agent
// (looping, chatter, forbidden tool use) rather than a transport or time limit.
func (r Reason) Behavioral() bool {
	switch r {
	case ReasonDoomLoop, ReasonPlanningLoop, ReasonUnsupportedTool, ReasonForegroundCommand, ReasonPermissionPrompt:
		return true
	}
	return false
}

// HasMarker reports whether stderr carries the marker for r at the start of a line.
func HasMarker(stderr string, r Reason) bool {
	for _, line := range strings.Split(stderr, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), string(r)) {
			return true
		}
	}
	return false
}

// Markers returns every abort reason whose marker appears in stderr, in the
// order the markers were recorded. The first is the reason that stopped the
// process.
func Markers(stderr string) []Reason {
	var found []Reason
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		for _, r := range allReasons {
			if strings.HasPrefix(line, string(r)) && !slices.Contains(found, r) {
				found = append(found, r)
			}
		}
	}
	return found
}
