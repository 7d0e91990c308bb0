// Package smoke drives the built maidel and mockbackend binaries through
// end-to-end scenarios.
package smoke

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/iambrandonn/maidel/internal/config"
	"github.com/iambrandonn/maidel/internal/runstate"
)

// Scenario defines a deterministic smoke-test flow against the mock backend.
type Scenario struct {
	Name        string
	Messages    []string
	BackendArgs []string
}

var (
	// ScenarioCalculate exercises a task reply with an execution plan.
	ScenarioCalculate = Scenario{
		Name:     "calculate",
		Messages: []string{"2 + 3 を計算して"},
	}
	// ScenarioNoisyChat interleaves non-protocol stdout lines with replies.
	ScenarioNoisyChat = Scenario{
		Name:        "noisy-chat",
		Messages:    []string{"hello", "how are you"},
		BackendArgs: []string{"-noise"},
	}
	// ScenarioCrashRecovery makes the backend exit after each reply so
	// every later send goes through the restart-then-retry path.
	ScenarioCrashRecovery = Scenario{
		Name:        "crash-recovery",
		Messages:    []string{"first", "second"},
		BackendArgs: []string{"-exit-after", "1"},
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario      Scenario
	MaidelBinary  string
	BackendBinary string
	WorkspaceDir  string
	Env           map[string]string
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario    Scenario
	Workspace   string
	SendOutput  []string
	History     string
	ServeStdout string
	ServeStderr string
	ServeErr    error
	RunState    *runstate.RunState
	ConfigPath  string
}

// RunSmoke starts a daemon, sends the scenario's messages through the CLI,
// reads history, then stops the daemon with SIGTERM.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.MaidelBinary == "" {
		return nil, fmt.Errorf("maidel binary path is required")
	}
	if opts.BackendBinary == "" {
		return nil, fmt.Errorf("backend binary path is required")
	}
	if len(opts.Scenario.Messages) == 0 {
		return nil, fmt.Errorf("scenario %q has no messages", opts.Scenario.Name)
	}

	workspace := opts.WorkspaceDir
	var err error
	if workspace == "" {
		workspace, err = os.MkdirTemp("", "maidel-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	cfg := config.GenerateDefault()
	cfg.WorkspaceRoot = "."
	cfg.Backend.Cmd = append([]string{opts.BackendBinary}, opts.Scenario.BackendArgs...)
	cfg.Timing.SendRetryDelayMs = 300
	cfg.Timing.RestartDelayMs = 100
	cfg.Backoff.StableAfterMs = 0

	configPath := filepath.Join(workspace, config.FileName)
	if err := cfg.SaveToFile(configPath); err != nil {
		return nil, err
	}

	serveOut := &bytes.Buffer{}
	serveErr := &bytes.Buffer{}
	serve := exec.CommandContext(ctx, opts.MaidelBinary, "serve", "--config", configPath)
	serve.Dir = workspace
	serve.Stdout = serveOut
	serve.Stderr = serveErr
	serve.Env = mergeEnv(os.Environ(), opts.Env)
	if err := serve.Start(); err != nil {
		return nil, fmt.Errorf("failed to start daemon: %w", err)
	}

	result := &SmokeResult{
		Scenario:   opts.Scenario,
		Workspace:  workspace,
		ConfigPath: configPath,
	}

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		_ = serve.Process.Signal(syscall.SIGTERM)
		result.ServeErr = serve.Wait()
		result.ServeStdout = serveOut.String()
		result.ServeStderr = serveErr.String()
	}
	defer stop()

	socketPath := filepath.Join(workspace, cfg.Bridge.SocketPath)
	if err := waitForSocket(ctx, socketPath, 10*time.Second); err != nil {
		stop()
		return result, fmt.Errorf("%w\nstderr:\n%s", err, result.ServeStderr)
	}

	for _, msg := range opts.Scenario.Messages {
		out, err := runCLI(ctx, opts.MaidelBinary, workspace, opts.Env, "send", "--config", configPath, "--wait", "5s", msg)
		result.SendOutput = append(result.SendOutput, out)
		if err != nil {
			stop()
			return result, fmt.Errorf("send %q failed: %w\n%s", msg, err, out)
		}
	}

	result.History, err = runCLI(ctx, opts.MaidelBinary, workspace, opts.Env, "history", "--config", configPath)
	if err != nil {
		stop()
		return result, fmt.Errorf("history failed: %w\n%s", err, result.History)
	}

	stop()

	if st, err := runstate.LoadRunState(runstate.GetRunStatePath(workspace)); err == nil {
		result.RunState = st
	}
	return result, nil
}

func runCLI(ctx context.Context, binary, dir string, env map[string]string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), env)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return fmt.Errorf("daemon socket %s did not appear within %s", path, timeout)
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[key]; !ok {
			env = append(env, kv)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
