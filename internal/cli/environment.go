package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/maidel/internal/config"
	"github.com/iambrandonn/maidel/internal/fsutil"
	"github.com/iambrandonn/maidel/internal/logging"
)

// environment is the resolved configuration shared by all subcommands
type environment struct {
	cfg           *config.Config
	cfgPath       string
	workspaceRoot string
	socketPath    string
	logger        *slog.Logger
}

// loadEnvironment resolves config, workspace, socket and logger for cmd.
// When create is set and no config exists, a default maidel.json is
// written to the current directory.
func loadEnvironment(cmd *cobra.Command, create bool) (*environment, error) {
	levelFlag, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	bootLevel, _, err := logging.ParseLevel(levelFlag)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), bootLevel)

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	var (
		cfg     *config.Config
		cfgPath string
	)
	if create {
		cfg, cfgPath, err = loadOrCreateConfig(configPath, logger)
	} else {
		cfg, cfgPath, err = loadConfig(configPath)
	}
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(cfgPath); err == nil {
		cfgPath = abs
	}

	if levelFlag != "" {
		cfg.LogLevel = levelFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _, _ := logging.ParseLevel(cfg.LogLevel)
	logger = logging.New(cmd.ErrOrStderr(), level)
	logger.Debug("loaded configuration", "path", cfgPath)

	workspaceRoot := determineWorkspaceRoot(cfg, cfgPath)

	socketPath, err := cmd.Flags().GetString("socket")
	if err != nil {
		return nil, err
	}
	if socketPath == "" {
		socketPath = cfg.Bridge.SocketPath
	}
	if !filepath.IsAbs(socketPath) {
		socketPath = filepath.Join(workspaceRoot, socketPath)
	}

	return &environment{
		cfg:           cfg,
		cfgPath:       cfgPath,
		workspaceRoot: workspaceRoot,
		socketPath:    socketPath,
		logger:        logger,
	}, nil
}

// resolve maps a configured path onto the workspace
func (e *environment) resolve(p string) (string, error) {
	resolved, err := fsutil.ResolvePath(e.workspaceRoot, p)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", p, err)
	}
	return resolved, nil
}

func loadOrCreateConfig(configPath string, logger *slog.Logger) (*config.Config, string, error) {
	// If explicit path provided, use it
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	// Search up directory tree for maidel.json
	foundPath, err := findConfigInTree()
	if err != nil {
		return nil, "", err
	}

	if foundPath != "" {
		logger.Info("found existing config", "path", foundPath)
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, foundPath, nil
	}

	// No config found, create default in current directory
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	defaultPath := filepath.Join(cwd, config.FileName)
	logger.Info("no config found, creating default", "path", defaultPath)

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}

	logger.Info("created default config", "path", defaultPath)
	return cfg, defaultPath, nil
}

// loadConfig is loadOrCreateConfig for client commands: a missing config
// falls back to defaults rooted at the current directory without writing
// anything.
func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	foundPath, err := findConfigInTree()
	if err != nil {
		return nil, "", err
	}
	if foundPath != "" {
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, foundPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return config.GenerateDefault(), filepath.Join(cwd, config.FileName), nil
}

// findConfigInTree searches up the directory tree for maidel.json
func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		configPath := filepath.Join(dir, config.FileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// determineWorkspaceRoot resolves the workspace root relative to the
// directory containing maidel.json
func determineWorkspaceRoot(cfg *config.Config, configPath string) string {
	configDir := filepath.Dir(configPath)
	if filepath.IsAbs(cfg.WorkspaceRoot) {
		return cfg.WorkspaceRoot
	}
	if cfg.WorkspaceRoot == "." || cfg.WorkspaceRoot == "" {
		return configDir
	}
	return filepath.Join(configDir, cfg.WorkspaceRoot)
}

func writeLine(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
