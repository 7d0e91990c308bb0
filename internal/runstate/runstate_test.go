package runstate

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/maidel/internal/supervisor"
)

func TestNewRunState(t *testing.T) {
	state := NewRunState("session-1", "/tmp/maidel.sock")

	assert.Equal(t, "session-1", state.SessionID)
	assert.Equal(t, DaemonRunning, state.Daemon)
	assert.Equal(t, os.Getpid(), state.DaemonPID)
	assert.Equal(t, supervisor.StateStopped, state.Backend.State)
	assert.False(t, state.StartedAt.IsZero())
	assert.Nil(t, state.StoppedAt)
}

func TestSaveAndLoadRunState(t *testing.T) {
	path := GetRunStatePath(t.TempDir())

	original := NewRunState("session-2", "state/maidel.sock")
	original.ApplyStatus(supervisor.Status{State: supervisor.StateRunning, PID: 321, Spawns: 1})

	require.NoError(t, SaveRunState(original, path))

	loaded, err := LoadRunState(path)
	require.NoError(t, err)
	assert.Equal(t, original.SessionID, loaded.SessionID)
	assert.Equal(t, supervisor.StateRunning, loaded.Backend.State)
	assert.Equal(t, 321, loaded.Backend.PID)
	assert.Equal(t, 1, loaded.Transitions)
	assert.True(t, original.StartedAt.Equal(loaded.StartedAt))
}

func TestLoadRunStateErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadRunState(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0600))
	_, err = LoadRunState(corrupt)
	assert.Error(t, err)
}

func TestGetRunStatePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/ws", "state", "backend.json"), GetRunStatePath("/ws"))
}

func TestTrackerPersistsTransitions(t *testing.T) {
	path := GetRunStatePath(t.TempDir())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tracker, err := NewTracker(NewRunState("session-3", "sock"), path, logger)
	require.NoError(t, err)

	onDisk, err := LoadRunState(path)
	require.NoError(t, err)
	assert.Equal(t, 0, onDisk.Transitions)

	tracker.Observe(supervisor.Status{State: supervisor.StateStarting, Spawns: 1})
	tracker.Observe(supervisor.Status{State: supervisor.StateRunning, PID: 77, Spawns: 1})

	onDisk, err = LoadRunState(path)
	require.NoError(t, err)
	assert.Equal(t, 2, onDisk.Transitions)
	assert.Equal(t, 77, onDisk.Backend.PID)

	require.NoError(t, tracker.Close())
	onDisk, err = LoadRunState(path)
	require.NoError(t, err)
	assert.Equal(t, DaemonStopped, onDisk.Daemon)
	require.NotNil(t, onDisk.StoppedAt)
	assert.Equal(t, DaemonStopped, tracker.Snapshot().Daemon)
}
