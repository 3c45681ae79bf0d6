// Package config loads agent and CLI settings from YAML plus environment
// overrides and turns them into an engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Andyyyy64/openTiger/internal/detect"
	"github.com/Andyyyy64/openTiger/internal/llm"
	"github.com/Andyyyy64/openTiger/internal/logging"
)

// Config represents the agent configuration
type Config struct {
	Port             int           `yaml:"port"`
	Bind             string        `yaml:"bind"`
	Name             string        `yaml:"name"` // Agent name (used for history directory)
	LogLevel         string        `yaml:"log_level"`
	HistoryDir       string        `yaml:"history_dir"`
	AuthTokenHash    string        `yaml:"auth_token_hash"` // argon2id encoded; empty disables auth
	MaxConcurrent    int           `yaml:"max_concurrent"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	RetainedRuns     int           `yaml:"retained_runs"`
	InstructionsFile string        `yaml:"instructions_file"`
	TLS              TLSConfig     `yaml:"tls"`
	Engine           EngineConfig  `yaml:"engine"`
}

// TLSConfig enables HTTPS on the agent server. Empty paths fall back to a
// self-signed pair under the openTiger root.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// EngineConfig mirrors llm.Config in YAML form.
type EngineConfig struct {
	Executor   string         `yaml:"executor"`
	OpenCode   BackendConfig  `yaml:"opencode"`
	ClaudeCode BackendConfig  `yaml:"claude_code"`
	Codex      BackendConfig  `yaml:"codex"`
	Retry      RetryConfig    `yaml:"retry"`
	Watchdog   WatchdogConfig `yaml:"watchdog"`
	Detect     DetectConfig   `yaml:"detect"`
}

// BackendConfig holds one CLI's settings.
type BackendConfig struct {
	Bin           string   `yaml:"bin"`
	Model         string   `yaml:"model"`
	FallbackModel string   `yaml:"fallback_model,omitempty"`
	Echo          bool     `yaml:"echo"`
	ExtraArgs     []string `yaml:"extra_args,omitempty"`
}

// RetryConfig holds retry policy settings.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	QuotaWait       bool          `yaml:"quota_wait"`
	QuotaRetryDelay time.Duration `yaml:"quota_retry_delay"`
	MaxQuotaWaits   int           `yaml:"max_quota_waits"`
}

// WatchdogConfig holds supervisor settings.
type WatchdogConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	GracePeriod      time.Duration `yaml:"grace_period"`
}

// DetectConfig holds anomaly detector thresholds.
type DetectConfig struct {
	DoomLoopWindow             int      `yaml:"doom_loop_window"`
	DoomLoopRepeatThreshold    int      `yaml:"doom_loop_repeat_threshold"`
	DoomLoopMaxPatternLength   int      `yaml:"doom_loop_max_pattern"`
	DoomLoopIdenticalThreshold int      `yaml:"doom_loop_identical_threshold"`
	MaxPlanningLines           int      `yaml:"max_planning_lines"`
	UnsupportedTools           []string `yaml:"unsupported_tools,omitempty"`
}

// Defaults
const (
	DefaultPort          = 9000
	DefaultBind          = "127.0.0.1"
	DefaultName          = "agent"
	DefaultLogLevel      = "info"
	DefaultHistoryDir    = "" // Derived from OPENTIGER_ROOT or ~/.opentiger/history/<name>
	DefaultMaxConcurrent = 4
	DefaultTimeout       = 30 * time.Minute
	DefaultRetainedRuns  = 256
)

// Parse parses YAML config data
func Parse(data []byte) (*Config, error) {
	cfg := defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.HistoryDir == "" {
		cfg.HistoryDir = DefaultHistoryPath(cfg.Name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load loads config from a file path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Validate checks config validity
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if _, err := llm.ParseBackend(c.Engine.Executor); err != nil {
		return fmt.Errorf("engine executor: %w", err)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}

	if c.DefaultTimeout < time.Second {
		return fmt.Errorf("default_timeout must be at least 1 second, got %v", c.DefaultTimeout)
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}

	if c.RetainedRuns < 1 {
		return fmt.Errorf("retained_runs must be at least 1, got %d", c.RetainedRuns)
	}

	r := c.Engine.Retry
	if r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", r.MaxRetries)
	}
	if r.RetryDelay <= 0 || r.QuotaRetryDelay <= 0 {
		return fmt.Errorf("retry delays must be positive")
	}

	w := c.Engine.Watchdog
	if w.IdleTimeout <= 0 || w.PollInterval <= 0 || w.GracePeriod <= 0 {
		return fmt.Errorf("watchdog durations must be positive")
	}

	d := c.Engine.Detect
	if d.DoomLoopWindow < 1 || d.DoomLoopRepeatThreshold < 2 || d.DoomLoopMaxPatternLength < 1 {
		return fmt.Errorf("doom loop window, repeat threshold and pattern length must be positive (threshold >= 2)")
	}
	if d.DoomLoopIdenticalThreshold < 0 || d.MaxPlanningLines < 0 {
		return fmt.Errorf("detector thresholds must not be negative")
	}

	return nil
}

// Default returns a config with default values
func Default() *Config {
	cfg := defaults()
	cfg.HistoryDir = DefaultHistoryPath(cfg.Name)
	return cfg
}

func defaults() *Config {
	ec := llm.DefaultConfig()
	return &Config{
		Port:           DefaultPort,
		Bind:           DefaultBind,
		Name:           DefaultName,
		LogLevel:       DefaultLogLevel,
		HistoryDir:     DefaultHistoryDir,
		MaxConcurrent:  DefaultMaxConcurrent,
		DefaultTimeout: DefaultTimeout,
		RetainedRuns:   DefaultRetainedRuns,
		Engine: EngineConfig{
			Executor:   ec.ExecutorHint,
			OpenCode:   fromBackend(ec.OpenCode),
			ClaudeCode: fromBackend(ec.ClaudeCode),
			Codex:      fromBackend(ec.Codex),
			Retry: RetryConfig{
				MaxRetries:      ec.Retry.MaxRetries,
				RetryDelay:      ec.Retry.RetryDelay,
				QuotaWait:       ec.Retry.QuotaWait,
				QuotaRetryDelay: ec.Retry.QuotaRetryDelay,
				MaxQuotaWaits:   ec.Retry.MaxQuotaWaits,
			},
			Watchdog: WatchdogConfig{
				IdleTimeout:      ec.Watchdog.IdleTimeout,
				PollInterval:     ec.Watchdog.PollInterval,
				ProgressInterval: ec.Watchdog.ProgressInterval,
				GracePeriod:      ec.Watchdog.GracePeriod,
			},
			Detect: DetectConfig{
				DoomLoopWindow:             ec.Detect.DoomLoopWindow,
				DoomLoopRepeatThreshold:    ec.Detect.DoomLoopRepeatThreshold,
				DoomLoopMaxPatternLength:   ec.Detect.DoomLoopMaxPatternLength,
				DoomLoopIdenticalThreshold: ec.Detect.DoomLoopIdenticalThreshold,
				MaxPlanningLines:           ec.Detect.MaxPlanningLines,
				UnsupportedTools:           ec.Detect.UnsupportedTools,
			},
		},
	}
}

func fromBackend(b llm.BackendConfig) BackendConfig {
	return BackendConfig{
		Bin:           b.Bin,
		Model:         b.Model,
		FallbackModel: b.FallbackModel,
		Echo:          b.Echo,
		ExtraArgs:     b.ExtraArgs,
	}
}

func (b BackendConfig) toEngine() llm.BackendConfig {
	return llm.BackendConfig{
		Bin:           b.Bin,
		Model:         b.Model,
		FallbackModel: b.FallbackModel,
		Echo:          b.Echo,
		ExtraArgs:     append([]string(nil), b.ExtraArgs...),
	}
}

// LLM returns the engine configuration. EchoWriter and ForwardSignals are
// left to the caller.
func (c *Config) LLM() llm.Config {
	e := c.Engine
	out := llm.DefaultConfig()
	out.ExecutorHint = e.Executor
	out.OpenCode = e.OpenCode.toEngine()
	out.ClaudeCode = e.ClaudeCode.toEngine()
	out.Codex = e.Codex.toEngine()
	out.Retry = llm.RetryConfig{
		MaxRetries:      e.Retry.MaxRetries,
		RetryDelay:      e.Retry.RetryDelay,
		QuotaWait:       e.Retry.QuotaWait,
		QuotaRetryDelay: e.Retry.QuotaRetryDelay,
		MaxQuotaWaits:   e.Retry.MaxQuotaWaits,
	}
	out.Watchdog = llm.WatchdogConfig{
		IdleTimeout:      e.Watchdog.IdleTimeout,
		PollInterval:     e.Watchdog.PollInterval,
		ProgressInterval: e.Watchdog.ProgressInterval,
		GracePeriod:      e.Watchdog.GracePeriod,
	}
	out.Detect = detect.Config{
		DoomLoopWindow:             e.Detect.DoomLoopWindow,
		DoomLoopRepeatThreshold:    e.Detect.DoomLoopRepeatThreshold,
		DoomLoopMaxPatternLength:   e.Detect.DoomLoopMaxPatternLength,
		DoomLoopIdenticalThreshold: e.Detect.DoomLoopIdenticalThreshold,
		MaxPlanningLines:           e.Detect.MaxPlanningLines,
		UnsupportedTools:           append([]string(nil), e.Detect.UnsupportedTools...),
	}
	return out
}

// ApplyEnv overrides engine settings from environment-style variables.
// Unset and empty variables are ignored; malformed values are errors.
// Pass os.LookupEnv to read the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	e := &c.Engine

	strs := []struct {
		key string
		dst *string
	}{
		{"LLM_EXECUTOR", &e.Executor},
		{"OPENCODE_MODEL", &e.OpenCode.Model},
		{"OPENCODE_FALLBACK_MODEL", &e.OpenCode.FallbackModel},
		{"CLAUDE_CODE_MODEL", &e.ClaudeCode.Model},
		{"CODEX_MODEL", &e.Codex.Model},
		{"OPENCODE_BIN", &e.OpenCode.Bin},
		{"CLAUDE_BIN", &e.ClaudeCode.Bin},
		{"CODEX_BIN", &e.Codex.Bin},
	}
	for _, s := range strs {
		if v, ok := get(s.key); ok {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"LLM_MAX_RETRIES", &e.Retry.MaxRetries},
		{"LLM_MAX_QUOTA_WAITS", &e.Retry.MaxQuotaWaits},
		{"LLM_DOOM_LOOP_WINDOW", &e.Detect.DoomLoopWindow},
		{"LLM_DOOM_LOOP_REPEAT_THRESHOLD", &e.Detect.DoomLoopRepeatThreshold},
		{"LLM_DOOM_LOOP_MAX_PATTERN", &e.Detect.DoomLoopMaxPatternLength},
		{"LLM_DOOM_LOOP_IDENTICAL_THRESHOLD", &e.Detect.DoomLoopIdenticalThreshold},
		{"LLM_MAX_PLANNING_LINES", &e.Detect.MaxPlanningLines},
	}
	for _, s := range ints {
		if v, ok := get(s.key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", s.key, err)
			}
			*s.dst = n
		}
	}

	durations := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"LLM_RETRY_DELAY_MS", time.Millisecond, &e.Retry.RetryDelay},
		{"LLM_QUOTA_RETRY_DELAY_MS", time.Millisecond, &e.Retry.QuotaRetryDelay},
		{"LLM_IDLE_TIMEOUT_SECONDS", time.Second, &e.Watchdog.IdleTimeout},
	}
	for _, s := range durations {
		if v, ok := get(s.key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", s.key, err)
			}
			*s.dst = time.Duration(n) * s.unit
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"LLM_QUOTA_WAIT", &e.Retry.QuotaWait},
		{"OPENCODE_ECHO_STDOUT", &e.OpenCode.Echo},
		{"CLAUDE_CODE_ECHO_STDOUT", &e.ClaudeCode.Echo},
		{"CODEX_ECHO_STDOUT", &e.Codex.Echo},
	}
	for _, s := range bools {
		if v, ok := get(s.key); ok {
			b, err := parseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", s.key, err)
			}
			*s.dst = b
		}
	}

	return c.Validate()
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

// DefaultHistoryPath returns the default history directory path for an agent.
// Uses OPENTIGER_ROOT env var if set, otherwise ~/.opentiger/history/<name>
func DefaultHistoryPath(name string) string {
	return filepath.Join(root(), "history", name)
}

// TLSPaths returns the certificate and key files the agent serves with.
func (c *Config) TLSPaths() (certFile, keyFile string) {
	if c.TLS.CertFile != "" {
		return c.TLS.CertFile, c.TLS.KeyFile
	}
	dir := filepath.Join(root(), "tls", c.Name)
	return filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
}

func root() string {
	if r := os.Getenv("OPENTIGER_ROOT"); r != "" {
		return r
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return filepath.Join(home, ".opentiger")
}
