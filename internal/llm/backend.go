// Package llm executes prompts through coding-agent CLIs. It selects a backend
// adapter, supervises the CLI process and wraps attempts in a retry policy,
// producing one Result shape whatever the backend.
package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownBackend is returned for a backend selector that names no backend.
var ErrUnknownBackend = errors.New("unknown backend")

// Backend selects the CLI an execution runs on.
type Backend int

const (
	// BackendUnset defers to the engine's executor hint.
	BackendUnset Backend = iota
	BackendOpenCode
	BackendClaudeCode
	BackendCodex
)

func (b Backend) String() string {
	switch b {
	case BackendOpenCode:
		return "opencode"
	case BackendClaudeCode:
		return "claude_code"
	case BackendCodex:
		return "codex"
	}
	return ""
}

// Valid reports whether b is one of the declared backends, unset included.
func (b Backend) Valid() bool {
	return b >= BackendUnset && b <= BackendCodex
}

// ParseBackend maps a selector to a Backend. The empty string is BackendUnset.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return BackendUnset, nil
	case "opencode":
		return BackendOpenCode, nil
	case "claude_code", "claude-code", "claude":
		return BackendClaudeCode, nil
	case "codex":
		return BackendCodex, nil
	}
	return BackendUnset, fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

// MarshalText implements encoding.TextMarshaler.
func (b Backend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	parsed, err := ParseBackend(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
