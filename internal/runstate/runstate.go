package runstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/maidel/internal/fsutil"
	"github.com/iambrandonn/maidel/internal/supervisor"
	"github.com/iambrandonn/maidel/internal/workspace"
)

// DaemonStatus is the lifecycle of the maidel daemon owning the backend
type DaemonStatus string

const (
	DaemonRunning DaemonStatus = "running"
	DaemonStopped DaemonStatus = "stopped"
)

// RunState is the persisted view of the daemon and its backend,
// written to state/backend.json on every supervisor status change
type RunState struct {
	SessionID   string            `json:"session_id"`
	Daemon      DaemonStatus      `json:"daemon"`
	DaemonPID   int               `json:"daemon_pid"`
	SocketPath  string            `json:"socket_path"`
	StartedAt   time.Time         `json:"started_at"`
	StoppedAt   *time.Time        `json:"stopped_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Backend     supervisor.Status `json:"backend"`
	Transitions int               `json:"transitions"`
}

// NewRunState creates the state for a freshly started daemon
func NewRunState(sessionID, socketPath string) *RunState {
	now := time.Now().UTC()
	return &RunState{
		SessionID:  sessionID,
		Daemon:     DaemonRunning,
		DaemonPID:  os.Getpid(),
		SocketPath: socketPath,
		StartedAt:  now,
		UpdatedAt:  now,
		Backend:    supervisor.Status{State: supervisor.StateStopped},
	}
}

// SaveRunState writes state to disk atomically
func SaveRunState(state *RunState, path string) error {
	return fsutil.AtomicWriteJSON(path, state)
}

// LoadRunState reads state from disk
func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	return &state, nil
}

// GetRunStatePath returns the standard path for run state
func GetRunStatePath(workspaceRoot string) string {
	return filepath.Join(workspace.StateDir(workspaceRoot), "backend.json")
}

// ApplyStatus records a supervisor status change
func (s *RunState) ApplyStatus(st supervisor.Status) {
	s.Backend = st
	s.Transitions++
	s.UpdatedAt = time.Now().UTC()
}

// MarkStopped marks the daemon as stopped
func (s *RunState) MarkStopped() {
	s.Daemon = DaemonStopped
	now := time.Now().UTC()
	s.StoppedAt = &now
	s.UpdatedAt = now
}

// Tracker keeps a RunState current on disk
type Tracker struct {
	mu     sync.Mutex
	state  *RunState
	path   string
	logger *slog.Logger
}

// NewTracker persists state at path immediately and returns a tracker for it
func NewTracker(state *RunState, path string, logger *slog.Logger) (*Tracker, error) {
	if err := SaveRunState(state, path); err != nil {
		return nil, err
	}
	return &Tracker{state: state, path: path, logger: logger}, nil
}

// Observe is a supervisor state-change hook. Write failures are logged.
func (t *Tracker) Observe(st supervisor.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.ApplyStatus(st)
	if err := SaveRunState(t.state, t.path); err != nil {
		t.logger.Warn("failed to persist backend state", "path", t.path, "error", err)
	}
}

// Close marks the daemon stopped and writes the final state
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.MarkStopped()
	return SaveRunState(t.state, t.path)
}

// Snapshot returns a copy of the current state
func (t *Tracker) Snapshot() RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.state
}
