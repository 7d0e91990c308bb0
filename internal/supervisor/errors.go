package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/iambrandonn/maidel/internal/protocol"
)

// Sentinel errors returned by Supervisor operations.
var (
	ErrTerminated   = errors.New("supervisor terminated")
	ErrShuttingDown = errors.New("supervisor is shutting down")
	ErrUnavailable  = errors.New("backend process not available")
	ErrBackoff      = errors.New("backend start suppressed after repeated failures")
)

// SpawnError reports that the backend executable could not be started.
type SpawnError struct {
	Cmd   []string
	Cause error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start backend process %q: %v", strings.Join(e.Cmd, " "), e.Cause)
}

func (e *SpawnError) Unwrap() error {
	return e.Cause
}

// StreamError reports an I/O failure on one of a running backend's pipes.
type StreamError struct {
	Stream string
	PID    int
	Cause  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("backend %s stream failed (pid %d): %v", e.Stream, e.PID, e.Cause)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// DeliveryError reports that a message could not be written even after
// the single restart-and-retry, or was refused as too large to send.
type DeliveryError struct {
	Attempts int
	Cause    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to send message to backend after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// toBackendError maps a supervisor error onto the event pushed to the view layer.
func toBackendError(err error) protocol.BackendError {
	evt := protocol.BackendError{
		Details: err.Error(),
	}

	var spawnErr *SpawnError
	var streamErr *StreamError
	switch {
	case errors.As(err, &spawnErr):
		evt.Kind = protocol.ErrorKindSpawn
		evt.Error = "Failed to start backend process"
	case errors.Is(err, ErrBackoff):
		evt.Kind = protocol.ErrorKindSpawn
		evt.Error = "Backend is failing repeatedly; restart delayed"
	case errors.As(err, &streamErr):
		evt.Kind = protocol.ErrorKindStream
		evt.Error = "Lost connection to backend process"
	default:
		evt.Kind = protocol.ErrorKindDelivery
		evt.Error = "Failed to send message to backend"
	}

	return evt
}
