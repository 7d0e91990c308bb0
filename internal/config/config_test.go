package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, ".", cfg.WorkspaceRoot)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, []string{"py", "-m", "backend.main", "--stdio"}, cfg.Backend.Cmd)
	assert.Equal(t, ".", cfg.Backend.WorkDir)
	assert.NotNil(t, cfg.Backend.Env)

	assert.Equal(t, 800, cfg.Timing.SendRetryDelayMs)
	assert.Equal(t, 1000, cfg.Timing.RestartDelayMs)
	assert.Equal(t, 3000, cfg.Timing.ShutdownGraceMs)

	assert.Equal(t, 3, cfg.Backoff.MaxConsecutiveFailures)
	assert.Equal(t, 2.0, cfg.Backoff.Multiplier)

	assert.Equal(t, "state/maidel.sock", cfg.Bridge.SocketPath)
	assert.True(t, cfg.Bridge.History)
	assert.True(t, cfg.Bridge.Transcript)
}

func TestGenerateDefaultMatchesGoldenFile(t *testing.T) {
	goldenPath := filepath.Join("..", "..", "testdata", "golden_config.json")
	goldenBytes, err := os.ReadFile(goldenPath)
	require.NoError(t, err, "Failed to read golden config file")

	var goldenCfg Config
	require.NoError(t, json.Unmarshal(goldenBytes, &goldenCfg), "Failed to parse golden config")

	generatedJSON, err := json.MarshalIndent(GenerateDefault(), "", "  ")
	require.NoError(t, err)

	goldenJSON, err := json.MarshalIndent(goldenCfg, "", "  ")
	require.NoError(t, err)

	assert.JSONEq(t, string(goldenJSON), string(generatedJSON),
		"Generated config should match golden file")
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, GenerateDefault().Validate(), "Default config should be valid")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, "version"},
		{"empty cmd", func(c *Config) { c.Backend.Cmd = nil }, "backend.cmd"},
		{"blank executable", func(c *Config) { c.Backend.Cmd = []string{" "} }, "backend.cmd"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"zero retry delay", func(c *Config) { c.Timing.SendRetryDelayMs = 0 }, "timing.send_retry_delay_ms"},
		{"negative grace", func(c *Config) { c.Timing.ShutdownGraceMs = -1 }, "timing.shutdown_grace_ms"},
		{"negative failures", func(c *Config) { c.Backoff.MaxConsecutiveFailures = -1 }, "max_consecutive_failures"},
		{"inverted backoff", func(c *Config) { c.Backoff.MaxMs = 10 }, "initial_ms"},
		{"shrinking multiplier", func(c *Config) { c.Backoff.Multiplier = 0.5 }, "multiplier"},
		{"missing socket", func(c *Config) { c.Bridge.SocketPath = "" }, "socket_path"},
		{"history without path", func(c *Config) { c.Bridge.HistoryPath = "" }, "history_path"},
		{"negative buffer", func(c *Config) { c.Bridge.SubscriberBuffer = -5 }, "subscriber_buffer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateDefault()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "Hint:")
		})
	}
}

func TestValidate_BackoffDisabled(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Backoff = Backoff{}
	assert.NoError(t, cfg.Validate(), "zeroed backoff disables crash-loop protection")

	cfg.Bridge.History = false
	cfg.Bridge.HistoryPath = ""
	assert.NoError(t, cfg.Validate())
}

func TestSupervisorOptions(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Backend.Env = map[string]string{"MODEL": "small"}

	opts := cfg.SupervisorOptions("/srv/app")

	assert.Equal(t, cfg.Backend.Cmd, opts.Cmd)
	assert.Equal(t, "/srv/app", opts.Dir)
	assert.Equal(t, "small", opts.Env["MODEL"])
	assert.Equal(t, 800*time.Millisecond, opts.SendRetryDelay)
	assert.Equal(t, time.Second, opts.RestartDelay)
	assert.Equal(t, 3*time.Second, opts.ShutdownGrace)
	assert.Equal(t, 3, opts.Backoff.MaxConsecutiveFailures)
	assert.Equal(t, 30*time.Second, opts.Backoff.Max)
	assert.Equal(t, 10*time.Second, opts.Backoff.StableAfter)

	opts.Cmd[0] = "python3"
	assert.Equal(t, "py", cfg.Backend.Cmd[0], "options must not alias the config's command slice")
}

func TestLoadFromFile_ValidFile(t *testing.T) {
	goldenPath := filepath.Join("..", "..", "testdata", "golden_config.json")
	cfg, err := LoadFromFile(goldenPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, "py", cfg.Backend.Cmd[0])
}

func TestLoadFromFile_NonExistent(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	invalidFile := filepath.Join(t.TempDir(), "invalid.json")
	require.NoError(t, os.WriteFile(invalidFile, []byte("{invalid json"), 0600))

	cfg, err := LoadFromFile(invalidFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestSaveToFile(t *testing.T) {
	cfg := GenerateDefault()
	configPath := filepath.Join(t.TempDir(), FileName)

	require.NoError(t, cfg.SaveToFile(configPath))

	loaded, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Version, loaded.Version)
	assert.Equal(t, cfg.Backend.Cmd, loaded.Backend.Cmd)
	assert.Equal(t, cfg.Timing, loaded.Timing)

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
