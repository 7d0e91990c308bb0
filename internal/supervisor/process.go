package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/iambrandonn/maidel/internal/ndjson"
)

// ForcedEncodingEnv is always set on the backend so its stdio is UTF-8
const ForcedEncodingEnv = "PYTHONIOENCODING=utf-8"

const (
	stdoutChunkSize = 32 * 1024
	stderrMaxLine   = 1024 * 1024
)

// backendProcess is one spawned generation of the backend. It is owned by
// the control loop; reader goroutines only post messages tagged with gen.
type backendProcess struct {
	gen       uint64
	cmd       *exec.Cmd
	pid       int
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	encoder   *ndjson.Encoder
	framer    *ndjson.Framer
	startedAt time.Time

	stdoutDone chan struct{}
	stderrDone chan struct{}
}

// spawn starts the configured backend command with piped stdio.
func spawn(opts Options, gen uint64, logger *slog.Logger) (*backendProcess, error) {
	if len(opts.Cmd) == 0 {
		return nil, &SpawnError{Cmd: opts.Cmd, Cause: errors.New("empty command")}
	}

	cmd := exec.Command(opts.Cmd[0], opts.Cmd[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Cmd: opts.Cmd, Cause: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Cmd: opts.Cmd, Cause: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &SpawnError{Cmd: opts.Cmd, Cause: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &SpawnError{Cmd: opts.Cmd, Cause: err}
	}

	return &backendProcess{
		gen:        gen,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		encoder:    ndjson.NewEncoder(stdin, logger),
		framer:     ndjson.NewFramer(opts.MaxLineBytes),
		startedAt:  time.Now(),
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}, nil
}

// buildEnv inherits the parent environment, applies configured overrides
// in a stable order, then forces UTF-8 stdio.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}

	return append(env, ForcedEncodingEnv)
}

// terminate asks the backend to exit. Platforms without SIGTERM get a kill.
func (p *backendProcess) terminate() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return p.kill()
	}
	return nil
}

func (p *backendProcess) kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// abandon kills a process whose stream tasks were never attached and reaps it.
func (p *backendProcess) abandon() {
	_ = p.kill()
	go func() {
		_ = p.cmd.Wait()
	}()
}

func (s *Supervisor) readStdout(p *backendProcess) {
	defer close(p.stdoutDone)

	buf := make([]byte, stdoutChunkSize)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !s.post(chunkMsg{gen: p.gen, data: chunk}) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.post(streamFailedMsg{gen: p.gen, err: &StreamError{Stream: "stdout", PID: p.pid, Cause: err}})
			}
			return
		}
	}
}

func (s *Supervisor) readStderr(p *backendProcess) {
	defer close(p.stderrDone)

	framer := ndjson.NewFramer(stderrMaxLine)
	buf := make([]byte, 4096)
	for {
		n, err := p.stderr.Read(buf)
		if n > 0 {
			for _, line := range framer.Feed(buf[:n]) {
				if !s.post(stderrMsg{gen: p.gen, line: line}) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.post(streamFailedMsg{gen: p.gen, err: &StreamError{Stream: "stderr", PID: p.pid, Cause: err}})
			}
			return
		}
	}
}

// waitForExit reaps the process once both output streams are drained so
// every stdout chunk is posted before the exit notification.
func (s *Supervisor) waitForExit(p *backendProcess) {
	<-p.stdoutDone
	<-p.stderrDone

	err := p.cmd.Wait()
	s.post(exitMsg{gen: p.gen, err: err})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
