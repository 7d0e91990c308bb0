// Package history keeps a queryable record of chat exchanges in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite"

	"github.com/iambrandonn/maidel/internal/bridge"
)

// DefaultLimit bounds Recent when the caller passes no limit
const DefaultLimit = 50

// Kind classifies a history entry
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Entry is one recorded exchange step
type Entry struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	Kind       Kind      `json:"kind"`
	Text       string    `json:"text,omitempty"`
	Success    *bool     `json:"success,omitempty"`
	TaskType   string    `json:"task_type,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Insert stores e, assigning an id, sequence number and timestamp when unset
func (s *Store) Insert(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	var success any
	if e.Success != nil {
		success = boolToInt(*e.Success)
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO exchanges(entry_id, seq, kind, text, success, task_type, error_kind, payload, recorded_at)
VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM exchanges), ?, ?, ?, ?, ?, ?, ?)
RETURNING seq
`, e.ID, string(e.Kind), e.Text, success, e.TaskType, e.ErrorKind, e.Payload, ts(e.RecordedAt)).Scan(&e.Seq)
	if err != nil {
		return Entry{}, fmt.Errorf("insert exchange: %w", err)
	}
	return e, nil
}

// Recent returns up to limit of the newest entries, oldest first. Entries
// are ordered by recorded_at, then by insertion.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT entry_id, seq, kind, text, success, task_type, error_kind, payload, recorded_at
FROM (
	SELECT * FROM exchanges ORDER BY recorded_at DESC, seq DESC LIMIT ?
)
ORDER BY recorded_at ASC, seq ASC
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e          Entry
			kind       string
			success    sql.NullInt64
			recordedAt string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &kind, &e.Text, &success, &e.TaskType, &e.ErrorKind, &e.Payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		e.Kind = Kind(kind)
		if success.Valid {
			v := success.Int64 != 0
			e.Success = &v
		}
		if e.RecordedAt, err = parseTS(recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", recordedAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored entries
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count exchanges: %w", err)
	}
	return n, nil
}

// RecordSend stores an outbound message and whether it was accepted
func (s *Store) RecordSend(text string, result bridge.SendResult) error {
	accepted := result.Accepted
	_, err := s.Insert(context.Background(), Entry{
		Kind:       KindRequest,
		Text:       text,
		Success:    &accepted,
		Payload:    result.Error,
		RecordedAt: result.SentAt,
	})
	return err
}

// RecordEvent stores a pushed response or error
func (s *Store) RecordEvent(evt bridge.Event) error {
	e := Entry{ID: evt.ID, RecordedAt: evt.Timestamp}

	switch evt.Type {
	case bridge.EventResponse:
		doc := gjson.ParseBytes(evt.Response)
		success := doc.Get("success").Bool()
		e.Kind = KindResponse
		e.Success = &success
		e.TaskType = doc.Get("task_type").String()
		e.Text = doc.Get("result").String()
		if !success {
			e.Text = doc.Get("error").String()
		}
		e.Payload = string(evt.Response)
	case bridge.EventError:
		if evt.Error == nil {
			return nil
		}
		e.Kind = KindError
		e.Text = evt.Error.Error
		e.ErrorKind = string(evt.Error.Kind)
		payload, err := json.Marshal(evt.Error)
		if err != nil {
			return fmt.Errorf("encode error event: %w", err)
		}
		e.Payload = string(payload)
	default:
		return nil
	}

	_, err := s.Insert(context.Background(), e)
	return err
}

// RecordStderr is a no-op; stderr belongs in the transcript, not history
func (s *Store) RecordStderr(string) error {
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// fixed-width so recorded_at sorts as text
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
