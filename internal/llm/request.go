package llm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Andyyyy64/openTiger/internal/logging"
	"github.com/Andyyyy64/openTiger/internal/stream"
)

// ErrInvalidRequest is returned for requests that cannot be executed.
var ErrInvalidRequest = errors.New("invalid request")

// TokenUsage is the token accounting of an execution.
type TokenUsage = stream.TokenUsage

// Request is one prompt execution.
type Request struct {
	// WorkDir is the child's working directory. Empty uses the current one.
	WorkDir string
	Prompt  string
	// InstructionsPath names a file whose content is prefixed to Prompt.
	InstructionsPath string
	// Timeout is the hard limit on each attempt. Required.
	Timeout time.Duration
	// Env overrides the child environment.
	Env map[string]string
	// IsolateEnv passes only Env, without inheriting the host environment.
	IsolateEnv bool
	// Model is backend specific. Provider prefixes are stripped for
	// backends that do not use them.
	Model string
	// MaxRetries and MaxQuotaWaits default to the engine configuration when
	// nil. A negative MaxQuotaWaits means unbounded.
	MaxRetries    *int
	MaxQuotaWaits *int
	Backend       Backend

	// Log receives the run's log entries. Defaults to the engine logger.
	Log logging.FieldLogger
}

// Validate checks the request invariants.
func (r Request) Validate() error {
	if r.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidRequest, r.Timeout)
	}
	if !r.Backend.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownBackend, int(r.Backend))
	}
	return nil
}

// fullPrompt returns the prompt with the instructions file content, if any,
// prefixed and separated by a blank line.
func (r Request) fullPrompt() (string, error) {
	if r.InstructionsPath == "" {
		return r.Prompt, nil
	}
	data, err := os.ReadFile(r.InstructionsPath)
	if err != nil {
		return "", fmt.Errorf("%w: read instructions: %w", ErrInvalidRequest, err)
	}
	instructions := strings.TrimSpace(string(data))
	if instructions == "" {
		return r.Prompt, nil
	}
	return instructions + "\n\n" + r.Prompt, nil
}

// Result is the normalized outcome of an execution.
type Result struct {
	Success bool `json:"success"`
	// ExitCode is -1 when the process was aborted or did not exit cleanly.
	ExitCode int `json:"exit_code"`
	// Stdout is the assistant's final text, not the raw process output.
	Stdout string `json:"stdout"`
	// Stderr carries diagnostics and one marker line per abort reason.
	Stderr            string                    `json:"stderr"`
	DurationMs        int64                     `json:"duration_ms"`
	TokenUsage        *TokenUsage               `json:"token_usage,omitempty"`
	RetryCount        int                       `json:"retry_count"`
	Backend           string                    `json:"backend"`
	Model             string                    `json:"model"`
	PermissionDenials []stream.PermissionDenial `json:"permission_denials,omitempty"`

	// Raw is the raw stdout of the final attempt.
	Raw []byte `json:"-"`
}
