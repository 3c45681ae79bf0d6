package llm

import (
	"io"
	"time"

	"github.com/Andyyyy64/openTiger/internal/detect"
	"github.com/Andyyyy64/openTiger/internal/supervisor"
)

// Default models
const (
	DefaultOpenCodeModel         = "google/gemini-2.5-pro"
	DefaultOpenCodeFallbackModel = "google/gemini-2.5-flash"
	DefaultClaudeCodeModel       = "sonnet"
	DefaultCodexModel            = "gpt-5.2-codex"
)

// Retry defaults
const (
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = 5 * time.Second
	DefaultQuotaRetryDelay = 60 * time.Second
	DefaultMaxQuotaWaits   = 10
)

// Config is the engine configuration. The engine never reads the process
// environment for settings; see internal/config.
type Config struct {
	// ExecutorHint selects the backend for requests that leave it unset.
	ExecutorHint string

	OpenCode   BackendConfig
	ClaudeCode BackendConfig
	Codex      BackendConfig

	Retry    RetryConfig
	Watchdog WatchdogConfig
	Detect   detect.Config

	// EchoWriter receives live assistant text for backends with Echo set.
	EchoWriter io.Writer
	// ForwardSignals terminates children when the host is signalled.
	ForwardSignals bool
}

// BackendConfig configures one CLI.
type BackendConfig struct {
	Bin   string
	Model string
	// FallbackModel is used once per call after a model-not-found error.
	// Only the opencode backend honors it.
	FallbackModel string
	Echo          bool
	ExtraArgs     []string
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxRetries      int
	RetryDelay      time.Duration
	QuotaWait       bool
	QuotaRetryDelay time.Duration
	// MaxQuotaWaits bounds quota waits per call. Negative is unbounded.
	MaxQuotaWaits int
}

// WatchdogConfig configures the process supervisor.
type WatchdogConfig struct {
	IdleTimeout      time.Duration
	PollInterval     time.Duration
	ProgressInterval time.Duration
	GracePeriod      time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		OpenCode: BackendConfig{
			Bin:           "opencode",
			Model:         DefaultOpenCodeModel,
			FallbackModel: DefaultOpenCodeFallbackModel,
		},
		ClaudeCode: BackendConfig{Bin: "claude", Model: DefaultClaudeCodeModel},
		Codex:      BackendConfig{Bin: "codex", Model: DefaultCodexModel},
		Retry: RetryConfig{
			MaxRetries:      DefaultMaxRetries,
			RetryDelay:      DefaultRetryDelay,
			QuotaWait:       true,
			QuotaRetryDelay: DefaultQuotaRetryDelay,
			MaxQuotaWaits:   DefaultMaxQuotaWaits,
		},
		Watchdog: WatchdogConfig{
			IdleTimeout:      supervisor.DefaultIdleTimeout,
			PollInterval:     supervisor.DefaultPollInterval,
			ProgressInterval: supervisor.DefaultProgressInterval,
			GracePeriod:      supervisor.DefaultGracePeriod,
		},
		Detect:         detect.DefaultConfig(),
		ForwardSignals: true,
	}
}

func (c Config) backend(b Backend) BackendConfig {
	switch b {
	case BackendClaudeCode:
		return c.ClaudeCode
	case BackendCodex:
		return c.Codex
	}
	return c.OpenCode
}
