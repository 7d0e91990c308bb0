package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/iambrandonn/maidel/internal/ndjson"
	"github.com/iambrandonn/maidel/internal/protocol"
)

func main() {
	scriptFile := flag.String("script", "", "Path to response script file (JSON)")
	noise := flag.Bool("noise", false, "Interleave diagnostic lines with protocol output on stdout")
	ignoreTerm := flag.Bool("ignore-term", false, "Ignore SIGTERM (requires a forced kill)")
	exitAfter := flag.Int("exit-after", 0, "Exit after handling N messages (0 = never)")
	exitCode := flag.Int("exit-code", 0, "Exit code used by -exit-after and -exit-immediately")
	exitImmediately := flag.Bool("exit-immediately", false, "Exit right after startup")
	chunkSize := flag.Int("chunk-size", 0, "Write each response in chunks of this many bytes (0 = whole line)")
	chunkDelay := flag.Duration("chunk-delay", 5*time.Millisecond, "Delay between chunks when -chunk-size is set")
	closeStdinOnce := flag.String("close-stdin-once", "", "Close stdin and keep running unless this marker file exists; creates it")
	flag.Parse()

	// stderr for diagnostics, stdout for protocol
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("mock backend starting",
		"pid", os.Getpid(),
		"ppid", os.Getppid(),
		"encoding", os.Getenv("PYTHONIOENCODING"))

	if *exitImmediately {
		logger.Info("exiting immediately", "code", *exitCode)
		os.Exit(*exitCode)
	}

	backend := &MockBackend{
		logger:     logger,
		out:        os.Stdout,
		decoder:    ndjson.NewDecoder(os.Stdin, logger),
		noise:      *noise,
		exitAfter:  *exitAfter,
		exitCode:   *exitCode,
		chunkSize:  *chunkSize,
		chunkDelay: *chunkDelay,
	}

	if *scriptFile != "" {
		if err := backend.loadScript(*scriptFile); err != nil {
			logger.Error("failed to load script", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if *ignoreTerm && sig == syscall.SIGTERM {
				logger.Info("ignoring signal", "signal", sig)
				continue
			}
			logger.Info("received signal", "signal", sig)
			cancel()
			// Stdin reads do not observe ctx; exit directly
			os.Exit(0)
		}
	}()

	if *closeStdinOnce != "" {
		if _, err := os.Stat(*closeStdinOnce); os.IsNotExist(err) {
			if err := os.WriteFile(*closeStdinOnce, nil, 0o600); err != nil {
				logger.Error("failed to create marker", "error", err)
				os.Exit(1)
			}
			// Writes from the parent now fail while this process lives on
			os.Stdin.Close()
			logger.Info("closed stdin, still running")
			for {
				time.Sleep(time.Hour)
			}
		}
	}

	if err := backend.Run(ctx); err != nil {
		logger.Error("backend failed", "error", err)
		os.Exit(1)
	}

	if *ignoreTerm {
		// Stay alive after stdin closes so only SIGKILL ends the process
		logger.Info("stdin closed, waiting for kill")
		for {
			time.Sleep(time.Hour)
		}
	}

	logger.Info("mock backend stopped")
}

// MockBackend imitates the chat backend's stdio mode
type MockBackend struct {
	logger     *slog.Logger
	out        io.Writer
	decoder    *ndjson.Decoder
	noise      bool
	exitAfter  int
	exitCode   int
	chunkSize  int
	chunkDelay time.Duration
	script     *Script
	handled    int
}

// Script maps incoming message text to canned stdout output
type Script struct {
	Responses map[string]ScriptedReply `json:"responses"`
}

// ScriptedReply is written verbatim, one entry per line
type ScriptedReply struct {
	Lines   []string `json:"lines"`
	DelayMs int      `json:"delay_ms,omitempty"`
}

func (b *MockBackend) loadScript(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script file: %w", err)
	}

	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return fmt.Errorf("failed to parse script JSON: %w", err)
	}

	b.script = &script
	b.logger.Info("loaded script", "path", path, "messages", len(script.Responses))
	return nil
}

// Run handles requests until stdin closes or ctx is cancelled
func (b *MockBackend) Run(ctx context.Context) error {
	if b.noise {
		if err := b.writeLine("Maidel mock stdio mode ready"); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var req protocol.Request
		err := b.decoder.Decode(&req)
		if err == io.EOF {
			b.logger.Info("stdin closed")
			return nil
		}
		if err != nil {
			if err := b.writeResponse(protocol.Response{
				Success:   false,
				Error:     fmt.Sprintf("JSON parse error: %v", err),
				ErrorType: protocol.ErrorTypeJSONParseError,
			}); err != nil {
				return err
			}
			continue
		}

		if err := b.handle(req.Message); err != nil {
			return err
		}

		b.handled++
		if b.exitAfter > 0 && b.handled >= b.exitAfter {
			b.logger.Info("exit-after reached", "handled", b.handled, "code", b.exitCode)
			os.Exit(b.exitCode)
		}
	}
}

func (b *MockBackend) handle(message string) error {
	b.logger.Info("received message", "message", message)

	if b.script != nil {
		if reply, ok := b.script.Responses[message]; ok {
			if reply.DelayMs > 0 {
				time.Sleep(time.Duration(reply.DelayMs) * time.Millisecond)
			}
			for _, line := range reply.Lines {
				if err := b.writeLine(line); err != nil {
					return err
				}
			}
			return nil
		}
	}

	if b.noise {
		if err := b.writeLine("DEBUG: loaded model"); err != nil {
			return err
		}
	}

	if strings.TrimSpace(message) == "" {
		return b.writeResponse(protocol.Response{
			Success:   false,
			Error:     "message is empty",
			ErrorType: protocol.ErrorTypeEmptyMessage,
		})
	}

	return b.writeResponse(respond(message))
}

var additionPattern = regexp.MustCompile(`(-?\d+)\s*\+\s*(-?\d+)`)

// respond classifies the message as a task when it contains an addition,
// otherwise as chat
func respond(message string) protocol.Response {
	if m := additionPattern.FindStringSubmatch(message); m != nil {
		a, _ := strconv.Atoi(m[1])
		c, _ := strconv.Atoi(m[2])
		result := strconv.Itoa(a + c)
		return protocol.Response{
			Success:  true,
			Message:  message,
			Result:   &result,
			TaskType: protocol.TaskTypeTask,
			ExecutionPlan: []protocol.PlanStep{
				{
					StepID:      "1",
					Name:        "add",
					Description: fmt.Sprintf("%s+%s", m[1], m[2]),
					Result:      result,
					Status:      protocol.StepStatusCompleted,
					Tool:        "calculator",
				},
			},
			SessionState: map[string]any{"task_type": "task", "final_result": result},
		}
	}

	reply := "echo: " + message
	return protocol.Response{
		Success:      true,
		Message:      message,
		Result:       &reply,
		TaskType:     protocol.TaskTypeChat,
		SessionState: map[string]any{"task_type": "chat"},
	}
}

func (b *MockBackend) writeResponse(resp protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return b.writeLine(string(data))
}

func (b *MockBackend) writeLine(line string) error {
	data := []byte(line + "\n")

	if b.chunkSize <= 0 {
		_, err := b.out.Write(data)
		return err
	}

	for len(data) > 0 {
		n := min(b.chunkSize, len(data))
		if _, err := b.out.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		time.Sleep(b.chunkDelay)
	}
	return nil
}
