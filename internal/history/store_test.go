package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/maidel/internal/bridge"
	"github.com/iambrandonn/maidel/internal/protocol"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, ApplyMigrations(ctx, store.DB()))
	return store, ctx
}

func TestOpenRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	store, ctx := newTestStore(t)

	require.NoError(t, ApplyMigrations(ctx, store.DB()))

	var versions int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&versions))
	assert.Equal(t, len(migrations), versions)
}

func TestRollbackAll(t *testing.T) {
	store, ctx := newTestStore(t)

	require.NoError(t, RollbackAll(ctx, store.DB()))
	_, err := store.Count(ctx)
	require.Error(t, err, "exchanges table should be gone")

	require.NoError(t, ApplyMigrations(ctx, store.DB()))
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertAssignsSequence(t *testing.T) {
	store, ctx := newTestStore(t)

	first, err := store.Insert(ctx, Entry{Kind: KindRequest, Text: "hello"})
	require.NoError(t, err)
	second, err := store.Insert(ctx, Entry{Kind: KindRequest, Text: "again"})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.False(t, first.RecordedAt.IsZero())
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
}

func TestInsertRejectsUnknownKind(t *testing.T) {
	store, ctx := newTestStore(t)

	_, err := store.Insert(ctx, Entry{Kind: Kind("bogus")})
	require.Error(t, err)
}

func TestRecentReturnsNewestOldestFirst(t *testing.T) {
	store, ctx := newTestStore(t)

	for _, text := range []string{"one", "two", "three", "four"} {
		_, err := store.Insert(ctx, Entry{Kind: KindRequest, Text: text})
		require.NoError(t, err)
	}

	entries, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "three", entries[0].Text)
	assert.Equal(t, "four", entries[1].Text)

	all, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRecentOrdersRequestBeforeFasterReply(t *testing.T) {
	store, ctx := newTestStore(t)
	sentAt := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	// the reply is published while Send is still returning
	require.NoError(t, store.RecordEvent(bridge.Event{
		ID:        "evt-fast",
		Type:      bridge.EventResponse,
		Timestamp: sentAt.Add(5 * time.Millisecond),
		Response:  json.RawMessage(`{"success": true, "result": "echo: hi", "task_type": "chat"}`),
	}))
	require.NoError(t, store.RecordSend("hi", bridge.SendResult{Accepted: true, SentAt: sentAt}))

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindRequest, entries[0].Kind)
	assert.Equal(t, KindResponse, entries[1].Kind)
	assert.Greater(t, entries[0].Seq, entries[1].Seq, "insertion order is preserved in seq")
}

func TestRecorderStoresExchange(t *testing.T) {
	store, ctx := newTestStore(t)
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	require.NoError(t, store.RecordSend("2 + 3", bridge.SendResult{Accepted: true, SentAt: at.Add(-time.Second)}))
	require.NoError(t, store.RecordEvent(bridge.Event{
		ID:        "evt-response",
		Type:      bridge.EventResponse,
		Timestamp: at,
		Response:  json.RawMessage(`{"success": true, "result": "5", "task_type": "task"}`),
	}))
	require.NoError(t, store.RecordEvent(bridge.Event{
		ID:        "evt-failure",
		Type:      bridge.EventResponse,
		Timestamp: at,
		Response:  json.RawMessage(`{"success": false, "error": "message is empty", "error_type": "empty_message"}`),
	}))
	require.NoError(t, store.RecordEvent(bridge.Event{
		ID:        "evt-error",
		Type:      bridge.EventError,
		Timestamp: at,
		Error: &protocol.BackendError{
			Kind:  protocol.ErrorKindStream,
			Error: "Lost connection to backend process",
		},
	}))
	require.NoError(t, store.RecordStderr("ignored"))

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	req := entries[0]
	assert.Equal(t, KindRequest, req.Kind)
	assert.Equal(t, "2 + 3", req.Text)
	require.NotNil(t, req.Success)
	assert.True(t, *req.Success)

	resp := entries[1]
	assert.Equal(t, "evt-response", resp.ID)
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, "5", resp.Text)
	assert.Equal(t, "task", resp.TaskType)
	assert.True(t, resp.RecordedAt.Equal(at))

	failed := entries[2]
	require.NotNil(t, failed.Success)
	assert.False(t, *failed.Success)
	assert.Equal(t, "message is empty", failed.Text)

	backendErr := entries[3]
	assert.Equal(t, KindError, backendErr.Kind)
	assert.Equal(t, string(protocol.ErrorKindStream), backendErr.ErrorKind)
	assert.Contains(t, backendErr.Payload, "Lost connection")
}
