package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iambrandonn/maidel/internal/logging"
	"github.com/iambrandonn/maidel/internal/supervisor"
)

// FileName is the configuration file looked up in the workspace tree
const FileName = "maidel.json"

// Config represents the maidel.json configuration file
type Config struct {
	Version       string  `json:"version"`
	WorkspaceRoot string  `json:"workspace_root"`
	LogLevel      string  `json:"log_level"`
	Backend       Backend `json:"backend"`
	Timing        Timing  `json:"timing"`
	Backoff       Backoff `json:"backoff"`
	Bridge        Bridge  `json:"bridge"`
}

// Backend describes how the backend process is launched
type Backend struct {
	Cmd     []string          `json:"cmd"`
	WorkDir string            `json:"work_dir"`
	Env     map[string]string `json:"env,omitempty"`
}

// Timing holds the supervisor's named delays
type Timing struct {
	SendRetryDelayMs int `json:"send_retry_delay_ms"`
	RestartDelayMs   int `json:"restart_delay_ms"`
	ShutdownGraceMs  int `json:"shutdown_grace_ms"`
}

// Backoff configures crash-loop protection
type Backoff struct {
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"`
	InitialMs              int     `json:"initial_ms"`
	MaxMs                  int     `json:"max_ms"`
	Multiplier             float64 `json:"multiplier"`
	StableAfterMs          int     `json:"stable_after_ms"`
}

// Bridge configures the view-layer surface
type Bridge struct {
	SocketPath       string `json:"socket_path"`
	History          bool   `json:"history"`
	HistoryPath      string `json:"history_path"`
	Transcript       bool   `json:"transcript"`
	SubscriberBuffer int    `json:"subscriber_buffer"`
}

// GenerateDefault creates a Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:       "1.0",
		WorkspaceRoot: ".",
		LogLevel:      "info",
		Backend: Backend{
			Cmd:     []string{"py", "-m", "backend.main", "--stdio"},
			WorkDir: ".",
			Env:     map[string]string{},
		},
		Timing: Timing{
			SendRetryDelayMs: 800,
			RestartDelayMs:   1000,
			ShutdownGraceMs:  3000,
		},
		Backoff: Backoff{
			MaxConsecutiveFailures: 3,
			InitialMs:              1000,
			MaxMs:                  30000,
			Multiplier:             2.0,
			StableAfterMs:          10000,
		},
		Bridge: Bridge{
			SocketPath:       "state/maidel.sock",
			History:          true,
			HistoryPath:      "state/history.db",
			Transcript:       true,
			SubscriberBuffer: 64,
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if len(c.Backend.Cmd) == 0 || strings.TrimSpace(c.Backend.Cmd[0]) == "" {
		return fmt.Errorf("configuration error: 'backend.cmd' is empty\n\nHint: Specify the command that starts the backend in stdio mode:\n  \"backend\": {\n    \"cmd\": [\"py\", \"-m\", \"backend.main\", \"--stdio\"]\n  }")
	}

	if _, _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("configuration error: invalid 'log_level' value %q\n\nHint: Use one of debug, info, warn, error:\n  \"log_level\": \"info\"", c.LogLevel)
	}

	timings := []struct {
		name  string
		value int
	}{
		{"timing.send_retry_delay_ms", c.Timing.SendRetryDelayMs},
		{"timing.restart_delay_ms", c.Timing.RestartDelayMs},
		{"timing.shutdown_grace_ms", c.Timing.ShutdownGraceMs},
	}
	for _, tm := range timings {
		if tm.value <= 0 {
			return fmt.Errorf("configuration error: invalid '%s' value: %d\n\nHint: Delays are positive millisecond counts, e.g.\n  \"%s\": 1000", tm.name, tm.value, tm.name[strings.LastIndex(tm.name, ".")+1:])
		}
	}

	if err := c.Backoff.Validate(); err != nil {
		return err
	}

	if c.Bridge.SocketPath == "" {
		return fmt.Errorf("configuration error: missing 'bridge.socket_path'\n\nHint: Point the socket at a path inside the workspace:\n  \"bridge\": {\n    \"socket_path\": \"state/maidel.sock\"\n  }")
	}

	if c.Bridge.History && c.Bridge.HistoryPath == "" {
		return fmt.Errorf("configuration error: 'bridge.history' is enabled but 'bridge.history_path' is empty\n\nHint: Set a database path or disable history:\n  \"history_path\": \"state/history.db\"")
	}

	if c.Bridge.SubscriberBuffer < 0 {
		return fmt.Errorf("configuration error: invalid 'bridge.subscriber_buffer' value: %d\n\nHint: Use a positive queue length, or 0 for the default", c.Bridge.SubscriberBuffer)
	}

	return nil
}

// Validate checks the crash-loop policy
func (b *Backoff) Validate() error {
	if b.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("configuration error: invalid 'backoff.max_consecutive_failures' value: %d\n\nHint: Use 0 to disable crash-loop backoff", b.MaxConsecutiveFailures)
	}
	if b.MaxConsecutiveFailures == 0 {
		return nil
	}
	if b.InitialMs <= 0 || b.MaxMs < b.InitialMs {
		return fmt.Errorf("configuration error: invalid backoff delays (initial_ms=%d, max_ms=%d)\n\nHint: initial_ms must be positive and no larger than max_ms:\n  \"backoff\": {\n    \"initial_ms\": 1000,\n    \"max_ms\": 30000\n  }", b.InitialMs, b.MaxMs)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("configuration error: invalid 'backoff.multiplier' value: %g\n\nHint: The multiplier must be at least 1.0", b.Multiplier)
	}
	return nil
}

// SupervisorOptions maps the configuration onto supervisor options.
// workDir is the resolved backend working directory.
func (c *Config) SupervisorOptions(workDir string) supervisor.Options {
	return supervisor.Options{
		Cmd:            append([]string(nil), c.Backend.Cmd...),
		Dir:            workDir,
		Env:            c.Backend.Env,
		SendRetryDelay: millis(c.Timing.SendRetryDelayMs),
		RestartDelay:   millis(c.Timing.RestartDelayMs),
		ShutdownGrace:  millis(c.Timing.ShutdownGraceMs),
		Backoff: supervisor.Backoff{
			MaxConsecutiveFailures: c.Backoff.MaxConsecutiveFailures,
			Initial:                millis(c.Backoff.InitialMs),
			Max:                    millis(c.Backoff.MaxMs),
			Multiplier:             c.Backoff.Multiplier,
			StableAfter:            millis(c.Backoff.StableAfterMs),
		},
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}
