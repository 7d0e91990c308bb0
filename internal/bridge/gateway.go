// Package bridge exposes the supervisor to the view layer: request/reply
// operations plus a fan-out of push events.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/maidel/internal/protocol"
	"github.com/iambrandonn/maidel/internal/supervisor"
)

// DefaultSubscriberBuffer is the per-subscriber event queue length
const DefaultSubscriberBuffer = 64

// ErrEmptyMessage is reported when a send carries no text
var ErrEmptyMessage = errors.New("message is empty")

// Backend is the subset of the supervisor the gateway drives
type Backend interface {
	Send(ctx context.Context, text string) error
	Restart() error
	Status() supervisor.Status
	Responses() <-chan *protocol.Response
	Errors() <-chan protocol.BackendError
	StderrLines() <-chan string
}

// Recorder persists traffic passing through the gateway
type Recorder interface {
	RecordSend(text string, result SendResult) error
	RecordEvent(evt Event) error
	RecordStderr(line string) error
}

// EventType distinguishes push events
type EventType string

const (
	EventResponse EventType = "response"
	EventError    EventType = "error"
)

// Event is pushed to every subscriber
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Response  json.RawMessage        `json:"response,omitempty"`
	Error     *protocol.BackendError `json:"error,omitempty"`
}

// SendResult answers a send request
type SendResult struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`

	// SentAt is stamped before delivery; a reply can be published before
	// Send returns
	SentAt time.Time `json:"-"`
}

// StatusResult answers a status request
type StatusResult struct {
	Running bool             `json:"running"`
	PID     *int             `json:"pid,omitempty"`
	State   supervisor.State `json:"state"`
}

// RestartResult answers a restart request
type RestartResult struct {
	Accepted bool `json:"accepted"`
}

// Options configures a Gateway
type Options struct {
	SubscriberBuffer int
	Recorders        []Recorder
}

// Gateway routes view-layer requests to the backend and fans events out
type Gateway struct {
	backend   Backend
	logger    *slog.Logger
	recorders []Recorder
	bufSize   int

	mu      sync.Mutex
	subs    map[uint64]*subscriber
	nextID  uint64
	closed  bool
	dropped int
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// New creates a Gateway over backend
func New(backend Backend, logger *slog.Logger, opts Options) *Gateway {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Gateway{
		backend:   backend,
		logger:    logger,
		recorders: opts.Recorders,
		bufSize:   opts.SubscriberBuffer,
		subs:      make(map[uint64]*subscriber),
	}
}

// RequestSend forwards text to the backend. Blank text is rejected
// without reaching the backend.
func (g *Gateway) RequestSend(ctx context.Context, text string) SendResult {
	result := SendResult{SentAt: time.Now().UTC()}

	if strings.TrimSpace(text) == "" {
		result.Error = ErrEmptyMessage.Error()
	} else if err := g.backend.Send(ctx, text); err != nil {
		g.logger.Warn("send request failed", "error", err)
		result.Error = sendErrorMessage(err)
	} else {
		result.Accepted = true
	}

	for _, r := range g.recorders {
		if err := r.RecordSend(text, result); err != nil {
			g.logger.Warn("failed to record send", "error", err)
		}
	}

	return result
}

// RequestStatus reports whether the backend is running and its pid
func (g *Gateway) RequestStatus() StatusResult {
	st := g.backend.Status()
	result := StatusResult{Running: st.Running(), State: st.State}
	if st.Running() && st.PID != 0 {
		pid := st.PID
		result.PID = &pid
	}
	return result
}

// RequestRestart asks for a restart. It is always accepted; the outcome
// shows up in later status and events.
func (g *Gateway) RequestRestart() RestartResult {
	if err := g.backend.Restart(); err != nil {
		g.logger.Warn("restart request failed", "error", err)
	}
	return RestartResult{Accepted: true}
}

// Subscribe registers a listener for push events. The returned function
// unsubscribes and closes the channel.
func (g *Gateway) Subscribe() (<-chan Event, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, g.bufSize)}
	if g.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := g.nextID
	g.nextID++
	g.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { g.unsubscribe(id) })
	}
}

func (g *Gateway) unsubscribe(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if sub, ok := g.subs[id]; ok {
		delete(g.subs, id)
		close(sub.ch)
	}
}

// Dropped returns how many events were discarded for slow subscribers
func (g *Gateway) Dropped() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}

// Run pumps backend output to subscribers and recorders until the backend
// channels close or ctx is done. Subscriber channels are closed on return.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.closeAll()

	responses := g.backend.Responses()
	errs := g.backend.Errors()
	stderr := g.backend.StderrLines()

	for responses != nil || errs != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case resp, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			raw, err := resp.MarshalVerbatim()
			if err != nil {
				g.logger.Error("failed to encode response event", "error", err)
				continue
			}
			g.publish(Event{Type: EventResponse, Response: raw})

		case be, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			g.publish(Event{Type: EventError, Error: &be})

		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			for _, r := range g.recorders {
				if err := r.RecordStderr(line); err != nil {
					g.logger.Warn("failed to record stderr", "error", err)
				}
			}
		}
	}

	return nil
}

func (g *Gateway) publish(evt Event) {
	evt.ID = uuid.NewString()
	evt.Timestamp = time.Now().UTC()

	for _, r := range g.recorders {
		if err := r.RecordEvent(evt); err != nil {
			g.logger.Warn("failed to record event", "type", evt.Type, "error", err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for id, sub := range g.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped++
			g.dropped++
			g.logger.Warn("subscriber too slow, dropping event",
				"subscriber", id,
				"type", evt.Type,
				"dropped", sub.dropped)
		}
	}
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	for id, sub := range g.subs {
		delete(g.subs, id)
		close(sub.ch)
	}
}

func sendErrorMessage(err error) string {
	var deliveryErr *supervisor.DeliveryError
	switch {
	case errors.As(err, &deliveryErr):
		return "Failed to send message to backend"
	case errors.Is(err, supervisor.ErrShuttingDown), errors.Is(err, supervisor.ErrTerminated):
		return "Backend is shutting down"
	default:
		return err.Error()
	}
}
