// Package server exposes the bridge gateway over HTTP on a unix socket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/maidel/internal/bridge"
	"github.com/iambrandonn/maidel/internal/history"
)

const (
	SchemaVersion = "v1"

	maxRequestBytes = 1 << 20
	maxHistoryLimit = 1000
)

// Error codes carried in ErrorResponse
const (
	ErrCodeInvalidRequest   = "E_INVALID_REQUEST"
	ErrCodeMethodNotAllowed = "E_METHOD_NOT_ALLOWED"
	ErrCodeUnavailable      = "E_UNAVAILABLE"
	ErrCodeInternal         = "E_INTERNAL"
)

// Gateway is the bridge surface served over HTTP
type Gateway interface {
	RequestSend(ctx context.Context, text string) bridge.SendResult
	RequestStatus() bridge.StatusResult
	RequestRestart() bridge.RestartResult
	Subscribe() (<-chan bridge.Event, func())
}

// HistoryReader serves /v1/history
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	StreamID      string    `json:"stream_id"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type SendRequest struct {
	Message string `json:"message"`
}

type HistoryResponse struct {
	SchemaVersion string          `json:"schema_version"`
	Entries       []history.Entry `json:"entries"`
}

// StreamLine is one NDJSON line of /v1/events
type StreamLine struct {
	StreamID string        `json:"stream_id"`
	Sequence int64         `json:"sequence"`
	Event    *bridge.Event `json:"event,omitempty"`
	Type     string        `json:"type"`
}

// Options configures a Server
type Options struct {
	SocketPath string
	History    HistoryReader
}

type Server struct {
	opts     Options
	gateway  Gateway
	logger   *slog.Logger
	httpSrv  *http.Server
	streamID string

	mu       sync.Mutex
	listener net.Listener
	sequence int64

	shutdown    sync.Once
	shutdownErr error
	closing     chan struct{}
}

func New(gateway Gateway, logger *slog.Logger, opts Options) *Server {
	mux := http.NewServeMux()
	s := &Server{
		opts:     opts,
		gateway:  gateway,
		logger:   logger,
		streamID: uuid.NewString(),
		closing:  make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/send", s.sendHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/restart", s.restartHandler)
	mux.HandleFunc("/v1/events", s.eventsHandler)
	mux.HandleFunc("/v1/history", s.historyHandler)
	return s
}

// handler returns the routed mux without a listener
func (s *Server) handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens on the unix socket and serves until ctx is done or the
// server fails. A stale socket left by a previous daemon is replaced.
func (s *Server) Start(ctx context.Context) error {
	path := s.opts.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if st, err := os.Lstat(path); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path exists and is not unix socket: %s", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat socket path: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("listening", "socket", path, "stream_id", s.streamID)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

// Shutdown stops serving, ends event streams and removes the socket
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		close(s.closing)

		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.opts.SocketPath != "" {
			if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		StreamID:      s.streamID,
	})
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req SendRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, s.gateway.RequestSend(r.Context(), req.Message))
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, s.gateway.RequestStatus())
}

func (s *Server) restartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	s.writeJSON(w, http.StatusOK, s.gateway.RequestRestart())
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.opts.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is disabled")
		return
	}

	limit := history.DefaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest,
				fmt.Sprintf("limit must be an integer between 1 and %d", maxHistoryLimit))
			return
		}
		limit = n
	}

	entries, err := s.opts.History.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "history query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{SchemaVersion: SchemaVersion, Entries: entries})
}

// eventsHandler streams push events as NDJSON until the client goes away
// or the server shuts down. The first line is a "hello" carrying the
// stream id so clients can tell daemon restarts apart.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	events, unsubscribe := s.gateway.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	emit := func(line StreamLine) bool {
		if err := enc.Encode(line); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if !emit(StreamLine{StreamID: s.streamID, Sequence: s.nextSequence(), Type: "hello"}) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !emit(StreamLine{StreamID: s.streamID, Sequence: s.nextSequence(), Type: string(evt.Type), Event: &evt}) {
				s.logger.Debug("event stream client went away")
				return
			}
		}
	}
}

func (s *Server) nextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	return s.sequence
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, ErrorResponse{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed")
}
