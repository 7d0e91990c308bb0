package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/maidel/internal/appclient"
	"github.com/iambrandonn/maidel/internal/bridge"
	"github.com/iambrandonn/maidel/internal/eventlog"
	"github.com/iambrandonn/maidel/internal/history"
	"github.com/iambrandonn/maidel/internal/runstate"
	"github.com/iambrandonn/maidel/internal/server"
	"github.com/iambrandonn/maidel/internal/supervisor"
	"github.com/iambrandonn/maidel/internal/transcript"
	"github.com/iambrandonn/maidel/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: supervise the backend and serve the socket API",
	Long: `Start the backend process, keep it alive, and serve send, status,
restart, events and history on the configured unix socket until
interrupted. SIGINT or SIGTERM shuts the backend down gracefully before
exiting.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("quiet", false, "Do not print the live transcript to stdout")
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, true)
	if err != nil {
		return err
	}

	// absent when invoked through the root command
	quiet, _ := cmd.Flags().GetBool("quiet")

	var console io.Writer
	if !quiet && env.cfg.Bridge.Transcript {
		console = cmd.OutOrStdout()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, env, console)
}

// serve runs the daemon until ctx is done, then shuts the backend down
// and waits for the shutdown to resolve before returning.
func serve(ctx context.Context, env *environment, console io.Writer) error {
	logger := env.logger
	cfg := env.cfg

	if err := workspace.Initialize(env.workspaceRoot); err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}
	logger.Info("workspace initialized", "path", env.workspaceRoot)

	if daemonAlive(ctx, env.socketPath) {
		return fmt.Errorf("a maidel daemon is already serving %s", env.socketPath)
	}

	sessionID := fmt.Sprintf("session-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])

	var recorders []bridge.Recorder

	var evtLog *eventlog.EventLog
	if cfg.Bridge.Transcript {
		var err error
		evtLog, err = eventlog.NewEventLog(eventlog.PathFor(env.workspaceRoot, sessionID), logger)
		if err != nil {
			return fmt.Errorf("failed to create event log: %w", err)
		}
		defer evtLog.Close()
		recorders = append(recorders, evtLog)
	}

	var historyReader server.HistoryReader
	if cfg.Bridge.History {
		dbPath, err := env.resolve(cfg.Bridge.HistoryPath)
		if err != nil {
			return err
		}
		store, err := history.Open(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer store.Close()
		if err := history.ApplyMigrations(ctx, store.DB()); err != nil {
			return fmt.Errorf("failed to migrate history: %w", err)
		}
		recorders = append(recorders, store)
		historyReader = store
	}

	if console != nil {
		recorders = append(recorders, newConsoleRecorder(console))
	}

	tracker, err := runstate.NewTracker(
		runstate.NewRunState(sessionID, env.socketPath),
		runstate.GetRunStatePath(env.workspaceRoot),
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("failed to save final run state", "error", err)
		}
	}()

	workDir, err := env.resolve(cfg.Backend.WorkDir)
	if err != nil {
		return err
	}
	opts := cfg.SupervisorOptions(workDir)
	opts.OnStateChange = func(st supervisor.Status) {
		tracker.Observe(st)
		if evtLog != nil {
			if err := evtLog.RecordState(st); err != nil {
				logger.Warn("failed to record state change", "error", err)
			}
		}
	}

	sup := supervisor.New(opts, logger.With("component", "supervisor"))
	gw := bridge.New(sup, logger.With("component", "bridge"), bridge.Options{
		SubscriberBuffer: cfg.Bridge.SubscriberBuffer,
		Recorders:        recorders,
	})

	gwDone := make(chan struct{})
	go func() {
		defer close(gwDone)
		if err := gw.Run(context.Background()); err != nil {
			logger.Warn("bridge stopped", "error", err)
		}
	}()

	logger.Info("starting backend", "session_id", sessionID, "cmd", opts.Cmd, "dir", workDir)
	if err := sup.Start(); err != nil {
		logger.Warn("backend start request failed", "error", err)
	}

	srv := server.New(gw, logger.With("component", "server"), server.Options{
		SocketPath: env.socketPath,
		History:    historyReader,
	})
	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start(srvCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-srvErr:
		srvErr = nil
		if err != nil {
			runErr = err
		}
		logger.Error("socket server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownGrace+2*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("backend shutdown did not complete", "error", err)
	}

	select {
	case <-gwDone:
	case <-shutdownCtx.Done():
		logger.Warn("bridge did not drain before shutdown deadline")
	}

	srvCancel()
	if srvErr != nil {
		if err := <-srvErr; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("socket server shutdown", "error", err)
		}
	}

	logger.Info("maidel stopped", "session_id", sessionID)
	return runErr
}

// daemonAlive reports whether something answers health checks on socketPath
func daemonAlive(ctx context.Context, socketPath string) bool {
	if _, err := os.Stat(socketPath); err != nil {
		return false
	}
	_, err := appclient.New(socketPath).WithUnaryTimeout(500 * time.Millisecond).Health(ctx)
	return err == nil
}

// consoleRecorder prints the live transcript
type consoleRecorder struct {
	mu        sync.Mutex
	w         io.Writer
	formatter *transcript.Formatter
}

func newConsoleRecorder(w io.Writer) *consoleRecorder {
	return &consoleRecorder{w: w, formatter: transcript.NewFormatter()}
}

func (c *consoleRecorder) RecordSend(text string, result bridge.SendResult) error {
	return c.print(c.formatter.FormatSend(text, result))
}

func (c *consoleRecorder) RecordEvent(evt bridge.Event) error {
	return c.print(c.formatter.FormatEvent(evt))
}

func (c *consoleRecorder) RecordStderr(line string) error {
	return c.print("[backend:stderr] " + line)
}

func (c *consoleRecorder) print(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, line)
	return err
}
