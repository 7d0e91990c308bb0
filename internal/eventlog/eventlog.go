package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/maidel/internal/bridge"
	"github.com/iambrandonn/maidel/internal/ndjson"
	"github.com/iambrandonn/maidel/internal/protocol"
	"github.com/iambrandonn/maidel/internal/supervisor"
	"github.com/iambrandonn/maidel/internal/workspace"
)

// Kind identifies a transcript entry
type Kind string

const (
	KindSend     Kind = "send"
	KindResponse Kind = "response"
	KindError    Kind = "error"
	KindStderr   Kind = "stderr"
	KindState    Kind = "state"
)

// Entry is one line of the session transcript
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Message  string `json:"message,omitempty"`
	Accepted *bool  `json:"accepted,omitempty"`
	Error    string `json:"error,omitempty"`

	Response     json.RawMessage        `json:"response,omitempty"`
	BackendError *protocol.BackendError `json:"backend_error,omitempty"`
	Line         string                 `json:"line,omitempty"`
	Status       *supervisor.Status     `json:"status,omitempty"`
}

// EventLog appends transcript entries to an NDJSON file. Entries are not
// subject to the outbound message size limit.
type EventLog struct {
	file    *os.File
	encoder *json.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewEventLog opens (or creates) the transcript at logPath for appending
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: json.NewEncoder(file),
		logger:  logger,
	}, nil
}

// Write stamps and appends an entry
func (l *EventLog) Write(entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("event log is closed")
	}
	if err := l.encoder.Encode(entry); err != nil {
		l.logger.Error("failed to append transcript entry", "kind", entry.Kind, "error", err)
		return fmt.Errorf("failed to write transcript entry: %w", err)
	}
	return nil
}

// RecordSend logs an outbound message and its outcome
func (l *EventLog) RecordSend(text string, result bridge.SendResult) error {
	accepted := result.Accepted
	return l.Write(Entry{
		Kind:      KindSend,
		Timestamp: result.SentAt,
		Message:   text,
		Accepted:  &accepted,
		Error:     result.Error,
	})
}

// RecordEvent logs a pushed response or backend error
func (l *EventLog) RecordEvent(evt bridge.Event) error {
	entry := Entry{ID: evt.ID, Timestamp: evt.Timestamp}
	switch evt.Type {
	case bridge.EventResponse:
		entry.Kind = KindResponse
		entry.Response = evt.Response
	case bridge.EventError:
		entry.Kind = KindError
		entry.BackendError = evt.Error
	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
	return l.Write(entry)
}

// RecordStderr logs one line of backend stderr
func (l *EventLog) RecordStderr(line string) error {
	return l.Write(Entry{Kind: KindStderr, Line: line})
}

// RecordState logs a supervisor status change
func (l *EventLog) RecordState(st supervisor.Status) error {
	return l.Write(Entry{Kind: KindState, Status: &st})
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// ReadEntries decodes every entry of a transcript stream
func ReadEntries(r io.Reader, logger *slog.Logger) ([]Entry, error) {
	decoder := ndjson.NewDecoder(r, logger)

	var entries []Entry
	for {
		var entry Entry
		err := decoder.Decode(&entry)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("failed to decode transcript entry at line %d: %w", decoder.Line(), err)
		}
		entries = append(entries, entry)
	}
}

// ReadFile decodes the transcript at path
func ReadFile(path string, logger *slog.Logger) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	return ReadEntries(file, logger)
}

// PathFor returns the transcript path for a session id under workspaceRoot
func PathFor(workspaceRoot, sessionID string) string {
	return filepath.Join(workspace.EventsDir(workspaceRoot), sessionID+".ndjson")
}
