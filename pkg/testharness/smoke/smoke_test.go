package smoke

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/maidel/internal/eventlog"
	"github.com/iambrandonn/maidel/internal/runstate"
	"github.com/iambrandonn/maidel/internal/supervisor"
	"github.com/iambrandonn/maidel/pkg/testharness"
)

func TestRunSmokeCalculate(t *testing.T) {
	result := runSmokeScenario(t, ScenarioCalculate)

	require.Len(t, result.SendOutput, 1)
	assert.Contains(t, result.SendOutput[0], "[you→backend] 2 + 3 を計算して")
	assert.Contains(t, result.SendOutput[0], "5")

	assert.Contains(t, result.History, "you: 2 + 3 を計算して")
	assert.Contains(t, result.History, ": 5")

	logPath := eventlog.PathFor(result.Workspace, result.RunState.SessionID)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"send"`)
	assert.Contains(t, string(data), `"kind":"response"`)
}

func TestRunSmokeNoisyChat(t *testing.T) {
	result := runSmokeScenario(t, ScenarioNoisyChat)

	require.Len(t, result.SendOutput, 2)
	for _, out := range result.SendOutput {
		assert.NotContains(t, out, "DEBUG: loaded model")
	}
	assert.Contains(t, result.History, "you: hello")
	assert.Contains(t, result.History, "you: how are you")
}

func TestRunSmokeCrashRecovery(t *testing.T) {
	result := runSmokeScenario(t, ScenarioCrashRecovery)

	require.Len(t, result.SendOutput, 2)
	assert.Contains(t, result.History, "you: first")
	assert.Contains(t, result.History, "you: second")
	assert.Greater(t, result.RunState.Transitions, 4, "expected the backend to be respawned")
}

var (
	binOnce    sync.Once
	maidelBin  string
	backendBin string
	binErr     error
)

func buildSmokeBinaries(t *testing.T) (string, string) {
	t.Helper()

	binOnce.Do(func() {
		repoRoot, err := testharness.DetectRepoRoot()
		if err != nil {
			binErr = err
			return
		}
		dir, err := os.MkdirTemp("", "maidel-smoke-bin-")
		if err != nil {
			binErr = err
			return
		}
		maidelBin, backendBin, binErr = testharness.BuildBinaries(context.Background(), repoRoot, dir)
	})

	require.NoError(t, binErr, "failed to build binaries")
	return maidelBin, backendBin
}

func runSmokeScenario(t *testing.T, scenario Scenario) *SmokeResult {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke tests build and run binaries")
	}

	maidel, backend := buildSmokeBinaries(t)

	// unix socket paths are length limited, so avoid the long t.TempDir names
	workspace, err := os.MkdirTemp("", "mdl-smoke")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(workspace) })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := RunSmoke(ctx, SmokeOptions{
		Scenario:      scenario,
		MaidelBinary:  maidel,
		BackendBinary: backend,
		WorkspaceDir:  workspace,
	})
	require.NoError(t, err, "RunSmoke returned error")
	require.NoError(t, result.ServeErr, "maidel serve failed\nstdout:%s\nstderr:%s", result.ServeStdout, result.ServeStderr)

	require.NotNil(t, result.RunState, "expected run state to be captured")
	assert.Equal(t, runstate.DaemonStopped, result.RunState.Daemon)
	assert.Equal(t, supervisor.StateTerminated, result.RunState.Backend.State)

	_, err = os.Stat(filepath.Join(workspace, "state", "maidel.sock"))
	assert.True(t, os.IsNotExist(err), "socket should be removed on shutdown")

	assert.True(t, strings.Contains(result.ServeStdout, "[you→backend]"), "expected live transcript on stdout:\n%s", result.ServeStdout)
	return result
}
