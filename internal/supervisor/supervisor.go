package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iambrandonn/maidel/internal/ndjson"
	"github.com/iambrandonn/maidel/internal/protocol"
)

// State is the lifecycle state of the supervised backend
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateTerminated   State = "terminated"
)

// Default timings used when Options leaves them zero
const (
	DefaultSendRetryDelay = 800 * time.Millisecond
	DefaultRestartDelay   = 1 * time.Second
	DefaultShutdownGrace  = 3 * time.Second
	DefaultEventBuffer    = 256
)

// Options configures a Supervisor
type Options struct {
	// Cmd is the backend command line, e.g. ["py", "-m", "backend.main", "--stdio"]
	Cmd []string
	// Dir is the backend's working directory (the application root)
	Dir string
	// Env holds extra environment variables on top of the inherited environment
	Env map[string]string

	SendRetryDelay time.Duration
	RestartDelay   time.Duration
	ShutdownGrace  time.Duration
	Backoff        Backoff

	// EventBuffer sizes the Responses, Errors and StderrLines channels
	EventBuffer  int
	MaxLineBytes int

	// OnStateChange is called from the control loop after every status change
	OnStateChange func(Status)
}

func (o Options) withDefaults() Options {
	if o.SendRetryDelay <= 0 {
		o.SendRetryDelay = DefaultSendRetryDelay
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = DefaultRestartDelay
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}

// Status is a point-in-time view of the supervisor
type Status struct {
	State       State     `json:"state"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	Spawns      int       `json:"spawns"`
	Failures    int       `json:"consecutive_failures"`
	ForcedKills int       `json:"forced_kills"`
	LastError   string    `json:"last_error,omitempty"`
}

// Running reports whether a backend process is live
func (s Status) Running() bool {
	return s.State == StateRunning
}

// Supervisor owns the backend process lifecycle. All state is confined to
// a single control loop goroutine; public methods and stream tasks talk
// to it through channels.
type Supervisor struct {
	opts    Options
	logger  *slog.Logger
	spawnFn func(Options, uint64, *slog.Logger) (*backendProcess, error)

	requests chan any
	internal chan any
	done     chan struct{}

	responses   chan *protocol.Response
	errors      chan protocol.BackendError
	stderrLines chan string

	statusMu sync.Mutex
	status   Status

	// Owned by the control loop
	state         State
	spawning      bool
	inflight      int
	gen           uint64
	proc          *backendProcess
	restartTimer  *time.Timer
	restartToken  uint64
	killTimer     *time.Timer
	pendingSends  map[*sendRequest]struct{}
	failures      int
	lastFailureAt time.Time
	spawns        int
	forcedKills   int
	lastErr       string
}

type startRequest struct{}

type restartRequest struct{}

type shutdownRequest struct{}

type sendRequest struct {
	text     string
	attempts int
	reply    chan error
}

type spawnResultMsg struct {
	gen  uint64
	proc *backendProcess
	err  error
}

type chunkMsg struct {
	gen  uint64
	data []byte
}

type stderrMsg struct {
	gen  uint64
	line string
}

type streamFailedMsg struct {
	gen uint64
	err error
}

type exitMsg struct {
	gen uint64
	err error
}

type restartDueMsg struct {
	token uint64
}

type retryDueMsg struct {
	req *sendRequest
}

type killDueMsg struct{}

// New creates a Supervisor in the stopped state and starts its control loop.
// The loop runs until Shutdown completes.
func New(opts Options, logger *slog.Logger) *Supervisor {
	return newSupervisor(opts, logger, spawn)
}

func newSupervisor(opts Options, logger *slog.Logger, spawnFn func(Options, uint64, *slog.Logger) (*backendProcess, error)) *Supervisor {
	opts = opts.withDefaults()

	s := &Supervisor{
		opts:         opts,
		logger:       logger,
		spawnFn:      spawnFn,
		requests:     make(chan any),
		internal:     make(chan any, 64),
		done:         make(chan struct{}),
		responses:    make(chan *protocol.Response, opts.EventBuffer),
		errors:       make(chan protocol.BackendError, opts.EventBuffer),
		stderrLines:  make(chan string, opts.EventBuffer),
		state:        StateStopped,
		pendingSends: make(map[*sendRequest]struct{}),
	}
	s.status = Status{State: StateStopped}

	go s.run()

	return s
}

// Start spawns the backend unless one is already starting or running.
func (s *Supervisor) Start() error {
	return s.request(startRequest{})
}

// Send writes text to the backend as {"message": text}. When the backend
// is unavailable it triggers one start, waits SendRetryDelay, and retries
// exactly once before returning a *DeliveryError.
func (s *Supervisor) Send(ctx context.Context, text string) error {
	req := &sendRequest{text: text, reply: make(chan error, 1)}
	if err := s.request(req); err != nil {
		return err
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart kills any live backend without a grace period and spawns a new
// one after RestartDelay. The outcome is observed through Status.
func (s *Supervisor) Restart() error {
	return s.request(restartRequest{})
}

// Shutdown terminates the backend gracefully: SIGTERM, then SIGKILL if it
// has not exited within ShutdownGrace. It returns once the supervisor is
// terminated or ctx is done; the sequence continues in the background in
// the latter case.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	select {
	case s.requests <- shutdownRequest{}:
	case <-s.done:
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the supervisor has terminated
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Status returns the latest published status
func (s *Supervisor) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// Responses delivers decoded envelopes in stdout order. Closed on termination.
func (s *Supervisor) Responses() <-chan *protocol.Response {
	return s.responses
}

// Errors delivers spawn, stream and delivery failures. Closed on termination.
func (s *Supervisor) Errors() <-chan protocol.BackendError {
	return s.errors
}

// StderrLines delivers backend stderr output. Lines are dropped when the
// channel is full. Closed on termination.
func (s *Supervisor) StderrLines() <-chan string {
	return s.stderrLines
}

func (s *Supervisor) request(req any) error {
	select {
	case s.requests <- req:
		return nil
	case <-s.done:
		return ErrTerminated
	}
}

// post delivers an internal message to the control loop. It returns false
// once the loop has exited.
func (s *Supervisor) post(msg any) bool {
	select {
	case s.internal <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) run() {
	for s.state != StateTerminated {
		select {
		case req := <-s.requests:
			s.handleRequest(req)
		case msg := <-s.internal:
			s.handleMessage(msg)
		}
		s.publish()
	}
	s.finish()
}

func (s *Supervisor) handleRequest(req any) {
	switch r := req.(type) {
	case startRequest:
		s.start()
	case *sendRequest:
		s.send(r)
	case restartRequest:
		s.restart()
	case shutdownRequest:
		s.shutdown()
	default:
		s.logger.Warn("unexpected supervisor request", "type", typeName(req))
	}
}

func (s *Supervisor) handleMessage(msg any) {
	switch m := msg.(type) {
	case spawnResultMsg:
		s.onSpawnResult(m)
	case chunkMsg:
		s.onChunk(m)
	case stderrMsg:
		if m.gen == s.gen {
			s.logger.Debug("backend stderr", "line", m.line)
			select {
			case s.stderrLines <- m.line:
			default:
				s.logger.Warn("stderr channel full, dropping line")
			}
		}
	case streamFailedMsg:
		s.onStreamFailed(m)
	case exitMsg:
		s.onExit(m)
	case restartDueMsg:
		if m.token == s.restartToken && s.state == StateStarting && !s.spawning {
			s.restartTimer = nil
			s.beginSpawn()
		}
	case retryDueMsg:
		s.retrySend(m.req)
	case killDueMsg:
		s.onKillDue()
	default:
		s.logger.Warn("unexpected supervisor message", "type", typeName(msg))
	}
}

func (s *Supervisor) start() {
	switch s.state {
	case StateRunning:
		s.logger.Debug("start ignored, backend already running", "pid", s.proc.pid)
	case StateStarting:
		if s.spawning {
			s.logger.Debug("start ignored, spawn already in progress")
			return
		}
		// A restart is pending; spawn now instead of waiting for its timer
		s.stopRestartTimer()
		s.beginSpawn()
	case StateStopped:
		s.beginSpawn()
	default:
		s.logger.Debug("start ignored", "state", s.state)
	}
}

func (s *Supervisor) beginSpawn() {
	if wait := s.backoffRemaining(); wait > 0 {
		s.logger.Warn("backend start suppressed by crash-loop backoff",
			"consecutive_failures", s.failures,
			"retry_in", wait)
		s.state = StateStopped
		s.pushError(ErrBackoff)
		return
	}

	s.gen++
	s.spawns++
	s.inflight++
	s.state = StateStarting
	s.spawning = true

	gen := s.gen
	opts := s.opts
	s.logger.Info("starting backend process", "cmd", opts.Cmd, "dir", opts.Dir, "generation", gen)

	go func() {
		proc, err := s.spawnFn(opts, gen, s.logger)
		if !s.post(spawnResultMsg{gen: gen, proc: proc, err: err}) && proc != nil {
			proc.abandon()
		}
	}()
}

func (s *Supervisor) onSpawnResult(m spawnResultMsg) {
	s.inflight--
	if m.gen != s.gen {
		// Superseded by a restart while the spawn was in flight
		if m.proc != nil {
			s.logger.Info("discarding superseded backend process", "pid", m.proc.pid, "generation", m.gen)
			m.proc.abandon()
		}
		return
	}

	s.spawning = false

	if m.err != nil {
		s.logger.Error("failed to start backend process", "error", m.err)
		s.recordFailure(m.err)
		s.pushError(m.err)
		if s.state == StateShuttingDown {
			s.state = StateTerminated
			return
		}
		s.state = StateStopped
		return
	}

	s.proc = m.proc
	go s.readStdout(m.proc)
	go s.readStderr(m.proc)
	go s.waitForExit(m.proc)

	if s.state == StateShuttingDown {
		s.logger.Info("backend started during shutdown, terminating", "pid", m.proc.pid)
		if err := m.proc.terminate(); err != nil {
			s.logger.Warn("failed to signal backend", "pid", m.proc.pid, "error", err)
		}
		return
	}

	s.state = StateRunning
	s.logger.Info("backend process started", "pid", m.proc.pid, "generation", m.gen)
}

func (s *Supervisor) onChunk(m chunkMsg) {
	if s.proc == nil || m.gen != s.proc.gen {
		return
	}

	overflows := s.proc.framer.Overflows()
	lines := s.proc.framer.Feed(m.data)
	if s.proc.framer.Overflows() > overflows {
		s.logger.Warn("discarded oversized backend output without newline", "limit", ndjson.MaxLineBytes)
	}

	for _, line := range lines {
		resp, err := ndjson.DecodeResponse(line)
		if err != nil {
			s.logger.Debug("non-protocol output from backend", "line", ndjson.Preview(line), "reason", err)
			continue
		}
		s.logger.Debug("backend response", "success", resp.Success, "task_type", resp.TaskType)
		s.responses <- resp
	}
}

func (s *Supervisor) onStreamFailed(m streamFailedMsg) {
	if s.proc == nil || m.gen != s.proc.gen {
		return
	}

	s.logger.Error("backend stream error", "pid", s.proc.pid, "error", m.err)
	s.recordFailure(m.err)
	s.pushError(m.err)

	if s.state == StateShuttingDown {
		// Keep the handle; the exit or the kill timer finishes shutdown
		return
	}

	s.dropProcess()
	s.state = StateStopped
	s.spawning = false
}

func (s *Supervisor) onExit(m exitMsg) {
	if s.proc == nil || m.gen != s.proc.gen {
		s.logger.Debug("previous backend generation exited", "generation", m.gen, "exit_code", exitCode(m.err))
		return
	}

	uptime := time.Since(s.proc.startedAt)
	s.logger.Info("backend process exited",
		"pid", s.proc.pid,
		"exit_code", exitCode(m.err),
		"uptime", uptime.Round(time.Millisecond))
	s.proc = nil

	if s.state == StateShuttingDown {
		s.stopKillTimer()
		s.state = StateTerminated
		return
	}

	if s.opts.Backoff.StableAfter > 0 && uptime < s.opts.Backoff.StableAfter {
		cause := errors.New("backend exited shortly after start")
		if m.err != nil {
			cause = m.err
		}
		s.recordFailure(cause)
	} else {
		s.failures = 0
	}

	s.state = StateStopped
}

func (s *Supervisor) send(r *sendRequest) {
	if s.state == StateShuttingDown {
		r.reply <- ErrShuttingDown
		return
	}

	r.attempts++
	err := s.write(r.text)
	if err == nil {
		r.reply <- nil
		return
	}
	if errors.Is(err, ndjson.ErrMessageTooLarge) {
		// The backend is not at fault; nothing was written
		s.logger.Warn("rejected oversized message", "error", err)
		r.reply <- &DeliveryError{Attempts: r.attempts, Cause: err}
		return
	}

	s.logger.Warn("backend not available, attempting restart", "error", err)
	if s.state == StateRunning {
		// The write failed on a live handle; treat it as a broken stream
		s.recordFailure(err)
		s.dropProcess()
		s.state = StateStopped
	}

	s.start()
	s.pendingSends[r] = struct{}{}
	time.AfterFunc(s.opts.SendRetryDelay, func() {
		s.post(retryDueMsg{req: r})
	})
}

func (s *Supervisor) retrySend(r *sendRequest) {
	if _, ok := s.pendingSends[r]; !ok {
		return
	}
	delete(s.pendingSends, r)

	r.attempts++
	err := s.write(r.text)
	if err == nil {
		s.logger.Info("sent message to backend after restart")
		r.reply <- nil
		return
	}

	deliveryErr := &DeliveryError{Attempts: r.attempts, Cause: err}
	s.logger.Error("backend still not available after restart", "error", err)
	s.pushError(deliveryErr)
	r.reply <- deliveryErr
}

func (s *Supervisor) write(text string) error {
	data, err := ndjson.MarshalLine(protocol.Request{Message: text})
	if err != nil {
		return err
	}
	if s.state != StateRunning || s.proc == nil {
		return ErrUnavailable
	}
	if err := s.proc.encoder.WriteLine(data); err != nil {
		return err
	}
	s.logger.Debug("sent message to backend", "pid", s.proc.pid, "bytes", len(text))
	return nil
}

func (s *Supervisor) restart() {
	if s.state == StateShuttingDown {
		s.logger.Info("restart ignored during shutdown")
		return
	}

	s.logger.Info("restarting backend process", "delay", s.opts.RestartDelay)
	s.failures = 0

	if s.proc != nil {
		s.dropProcess()
	}

	// Invalidate any spawn still in flight
	s.gen++
	s.spawning = false
	s.state = StateStarting

	s.stopRestartTimer()
	s.restartToken++
	token := s.restartToken
	s.restartTimer = time.AfterFunc(s.opts.RestartDelay, func() {
		s.post(restartDueMsg{token: token})
	})
}

func (s *Supervisor) shutdown() {
	switch s.state {
	case StateShuttingDown:
		return
	case StateStopped:
		s.logger.Info("shutdown with no backend running")
		s.state = StateTerminated
		return
	case StateStarting:
		s.stopRestartTimer()
		if !s.spawning {
			s.state = StateTerminated
			return
		}
	}

	s.state = StateShuttingDown
	if s.proc != nil {
		s.logger.Info("terminating backend process", "pid", s.proc.pid, "grace", s.opts.ShutdownGrace)
		if err := s.proc.terminate(); err != nil {
			s.logger.Warn("failed to signal backend", "pid", s.proc.pid, "error", err)
		}
	}

	s.killTimer = time.AfterFunc(s.opts.ShutdownGrace, func() {
		s.post(killDueMsg{})
	})
}

func (s *Supervisor) onKillDue() {
	if s.state != StateShuttingDown {
		return
	}
	s.killTimer = nil

	if s.proc != nil {
		s.logger.Warn("backend did not exit within grace period, killing", "pid", s.proc.pid)
		if err := s.proc.kill(); err != nil {
			s.logger.Error("failed to kill backend", "pid", s.proc.pid, "error", err)
		}
		s.forcedKills++
		s.proc = nil
	}

	s.state = StateTerminated
}

// dropProcess kills the current handle without waiting; its stream tasks
// and exit notification become stale.
func (s *Supervisor) dropProcess() {
	if s.proc == nil {
		return
	}
	if err := s.proc.kill(); err != nil {
		s.logger.Warn("failed to kill backend", "pid", s.proc.pid, "error", err)
	}
	s.proc = nil
}

func (s *Supervisor) stopRestartTimer() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

func (s *Supervisor) stopKillTimer() {
	if s.killTimer != nil {
		s.killTimer.Stop()
		s.killTimer = nil
	}
}

func (s *Supervisor) pushError(err error) {
	s.lastErr = err.Error()

	evt := toBackendError(err)
	evt.OccurredAt = time.Now().UTC()

	select {
	case s.errors <- evt:
	default:
		s.logger.Warn("error channel full, dropping error event", "error", err)
	}
}

func (s *Supervisor) publish() {
	st := Status{
		State:       s.state,
		Spawns:      s.spawns,
		Failures:    s.failures,
		ForcedKills: s.forcedKills,
		LastError:   s.lastErr,
	}
	if s.state == StateRunning && s.proc != nil {
		st.PID = s.proc.pid
		st.StartedAt = s.proc.startedAt
	}

	s.statusMu.Lock()
	changed := st != s.status
	s.status = st
	s.statusMu.Unlock()

	if changed && s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

func (s *Supervisor) finish() {
	s.stopRestartTimer()
	s.stopKillTimer()
	s.logger.Info("supervisor terminated")

	for r := range s.pendingSends {
		r.reply <- ErrTerminated
	}
	s.pendingSends = nil

	// Reap spawns still in flight so no process outlives the supervisor
	for s.inflight > 0 {
		if m, ok := (<-s.internal).(spawnResultMsg); ok {
			s.inflight--
			if m.proc != nil {
				s.logger.Info("discarding backend started after termination", "pid", m.proc.pid)
				m.proc.abandon()
			}
		}
	}

	close(s.done)
	close(s.responses)
	close(s.errors)
	close(s.stderrLines)
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
