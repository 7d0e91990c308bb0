package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/maidel/internal/ndjson"
	"github.com/iambrandonn/maidel/internal/protocol"
	"github.com/iambrandonn/maidel/internal/supervisor"
)

type fakeBackend struct {
	mu       sync.Mutex
	sent     []string
	restarts int
	sendErr  error
	status   supervisor.Status

	responses chan *protocol.Response
	errs      chan protocol.BackendError
	stderr    chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		status:    supervisor.Status{State: supervisor.StateStopped},
		responses: make(chan *protocol.Response, 16),
		errs:      make(chan protocol.BackendError, 16),
		stderr:    make(chan string, 16),
	}
}

func (f *fakeBackend) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.sendErr
}

func (f *fakeBackend) Restart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakeBackend) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeBackend) Responses() <-chan *protocol.Response { return f.responses }
func (f *fakeBackend) Errors() <-chan protocol.BackendError  { return f.errs }
func (f *fakeBackend) StderrLines() <-chan string           { return f.stderr }

func (f *fakeBackend) close() {
	close(f.responses)
	close(f.errs)
	close(f.stderr)
}

type memoryRecorder struct {
	mu     sync.Mutex
	sends  []SendResult
	events []Event
	stderr []string
}

func (m *memoryRecorder) RecordSend(_ string, result SendResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, result)
	return nil
}

func (m *memoryRecorder) RecordEvent(evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memoryRecorder) RecordStderr(line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stderr = append(m.stderr, line)
	return nil
}

func (m *memoryRecorder) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestRequestSendAccepted(t *testing.T) {
	backend := newFakeBackend()
	rec := &memoryRecorder{}
	g := New(backend, discardLogger(), Options{Recorders: []Recorder{rec}})

	before := time.Now().UTC()
	result := g.RequestSend(context.Background(), "hello")
	assert.True(t, result.Accepted)
	assert.Empty(t, result.Error)
	assert.False(t, result.SentAt.Before(before), "send time is stamped before delivery")
	assert.Equal(t, []string{"hello"}, backend.sent)
	assert.Equal(t, []SendResult{result}, rec.sends)

	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"accepted":true}`, string(data))
}

func TestRequestSendRejectsEmptyMessage(t *testing.T) {
	backend := newFakeBackend()
	g := New(backend, discardLogger(), Options{})

	for _, text := range []string{"", "   ", "\n\t"} {
		result := g.RequestSend(context.Background(), text)
		assert.False(t, result.Accepted)
		assert.Equal(t, ErrEmptyMessage.Error(), result.Error)
	}
	assert.Empty(t, backend.sent, "blank text must not reach the backend")
}

func TestRequestSendReportsDeliveryFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = &supervisor.DeliveryError{Attempts: 2, Cause: supervisor.ErrUnavailable}
	g := New(backend, discardLogger(), Options{})

	result := g.RequestSend(context.Background(), "hello")
	assert.False(t, result.Accepted)
	assert.Equal(t, "Failed to send message to backend", result.Error)
}

func TestRequestStatus(t *testing.T) {
	backend := newFakeBackend()
	g := New(backend, discardLogger(), Options{})

	st := g.RequestStatus()
	assert.False(t, st.Running)
	assert.Nil(t, st.PID)

	backend.status = supervisor.Status{State: supervisor.StateRunning, PID: 4242}
	st = g.RequestStatus()
	assert.True(t, st.Running)
	require.NotNil(t, st.PID)
	assert.Equal(t, 4242, *st.PID)
}

func TestRequestRestartAlwaysAccepted(t *testing.T) {
	backend := newFakeBackend()
	g := New(backend, discardLogger(), Options{})

	assert.True(t, g.RequestRestart().Accepted)
	assert.True(t, g.RequestRestart().Accepted)
	assert.Equal(t, 2, backend.restarts)
}

func TestRunFansOutEvents(t *testing.T) {
	backend := newFakeBackend()
	rec := &memoryRecorder{}
	g := New(backend, discardLogger(), Options{Recorders: []Recorder{rec}})

	first, cancelFirst := g.Subscribe()
	defer cancelFirst()
	second, cancelSecond := g.Subscribe()
	defer cancelSecond()

	runErr := make(chan error, 1)
	go func() { runErr <- g.Run(context.Background()) }()

	line := `{"success": true, "result": "5", "task_type": "task", "extra": {"kept": true}}`
	resp, err := ndjson.DecodeResponse(line)
	require.NoError(t, err)
	backend.responses <- resp

	for _, ch := range []<-chan Event{first, second} {
		evt := receive(t, ch)
		assert.Equal(t, EventResponse, evt.Type)
		assert.NotEmpty(t, evt.ID)
		assert.JSONEq(t, line, string(evt.Response))
	}

	backend.errs <- protocol.BackendError{Kind: protocol.ErrorKindSpawn, Error: "Failed to start backend process"}
	for _, ch := range []<-chan Event{first, second} {
		evt := receive(t, ch)
		assert.Equal(t, EventError, evt.Type)
		require.NotNil(t, evt.Error)
		assert.Equal(t, protocol.ErrorKindSpawn, evt.Error.Kind)
	}

	backend.stderr <- "Traceback (most recent call last):"
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.stderr) == 1
	}, 2*time.Second, 10*time.Millisecond)

	backend.close()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after backend channels closed")
	}

	_, ok := <-first
	assert.False(t, ok, "subscriptions close when Run returns")

	assert.Equal(t, 2, rec.eventCount())
	assert.Equal(t, []string{"Traceback (most recent call last):"}, rec.stderr)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	backend := newFakeBackend()
	g := New(backend, discardLogger(), Options{SubscriberBuffer: 1})

	slow, cancelSlow := g.Subscribe()
	defer cancelSlow()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Run(ctx) }()

	for i := 0; i < 3; i++ {
		backend.errs <- protocol.BackendError{Kind: protocol.ErrorKindStream}
	}

	require.Eventually(t, func() bool {
		return g.Dropped() == 2
	}, 2*time.Second, 10*time.Millisecond)

	evt := receive(t, slow)
	assert.Equal(t, EventError, evt.Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	g := New(newFakeBackend(), discardLogger(), Options{})

	ch, cancel := g.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestEventJSONShape(t *testing.T) {
	evt := Event{
		ID:        "evt-1",
		Type:      EventResponse,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Response:  json.RawMessage(`{"success":true,"result":"hi"}`),
	}

	data, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "evt-1",
		"type": "response",
		"timestamp": "2026-01-02T03:04:05Z",
		"response": {"success": true, "result": "hi"}
	}`, string(data))
}

func TestSendWithoutBackendScenario(t *testing.T) {
	sup := supervisor.New(supervisor.Options{
		Cmd:            []string{filepath.Join(t.TempDir(), "missing-backend")},
		SendRetryDelay: 50 * time.Millisecond,
	}, discardLogger())
	t.Cleanup(func() {
		_ = sup.Shutdown(context.Background())
	})

	g := New(sup, discardLogger(), Options{})
	events, unsubscribe := g.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Run(ctx) }()

	result := g.RequestSend(context.Background(), "hello")
	assert.False(t, result.Accepted)
	assert.NotEmpty(t, result.Error)

	var kinds []protocol.ErrorKind
	for len(kinds) < 2 {
		evt := receive(t, events)
		require.Equal(t, EventError, evt.Type)
		kinds = append(kinds, evt.Error.Kind)
	}
	assert.Equal(t, []protocol.ErrorKind{protocol.ErrorKindSpawn, protocol.ErrorKindDelivery}, kinds)

	status := g.RequestStatus()
	assert.False(t, status.Running)
	assert.Nil(t, status.PID)
}
