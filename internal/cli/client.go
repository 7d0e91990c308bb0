package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/maidel/internal/appclient"
	"github.com/iambrandonn/maidel/internal/bridge"
	"github.com/iambrandonn/maidel/internal/eventlog"
	"github.com/iambrandonn/maidel/internal/history"
	"github.com/iambrandonn/maidel/internal/runstate"
	"github.com/iambrandonn/maidel/internal/server"
	"github.com/iambrandonn/maidel/internal/transcript"
	"github.com/iambrandonn/maidel/internal/workspace"
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message to the backend",
	Long: `Send a message to the backend through the running daemon. With no
arguments, each line read from stdin is sent as its own message.`,
	RunE: runSend,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the backend is running",
	RunE:  runStatus,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Kill and respawn the backend",
	RunE:  runRestart,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream backend responses and errors",
	Long: `Print push events from the daemon as they arrive, reconnecting when
the daemon restarts. With --replay, print a saved session transcript
instead.`,
	RunE: runWatch,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent exchanges",
	Long: `Show recent requests, responses and errors. When the daemon is not
running the history database is read directly.

--clear empties the history database; the daemon must be stopped.`,
	RunE: runHistory,
}

func init() {
	sendCmd.Flags().Duration("wait", 0, "Wait up to this long for the next backend event and print it")

	watchCmd.Flags().String("replay", "", "Print a saved transcript (file path or session id) and exit")
	watchCmd.Flags().Bool("no-reconnect", false, "Exit when the event stream ends")

	historyCmd.Flags().IntP("limit", "n", history.DefaultLimit, "Number of entries to show")
	historyCmd.Flags().Bool("clear", false, "Delete all stored history (daemon must be stopped)")
}

func newClient(env *environment) *appclient.Client {
	return appclient.New(env.socketPath)
}

func daemonError(env *environment, err error) error {
	var reqErr *appclient.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("daemon rejected request: %w", err)
	}
	return fmt.Errorf("cannot reach maidel daemon at %s (is 'maidel serve' running?): %w", env.socketPath, err)
}

func runSend(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, false)
	if err != nil {
		return err
	}
	wait, err := cmd.Flags().GetDuration("wait")
	if err != nil {
		return err
	}

	client := newClient(env)
	formatter := transcript.NewFormatter()
	out := cmd.OutOrStdout()

	sendOne := func(ctx context.Context, text string) error {
		var events <-chan bridge.Event
		if wait > 0 {
			var (
				cancel context.CancelFunc
				err    error
			)
			events, cancel, err = subscribeOnce(ctx, client)
			if err != nil {
				return daemonError(env, err)
			}
			defer cancel()
		}

		result, err := client.Send(ctx, text)
		if err != nil {
			return daemonError(env, err)
		}
		writeLine(out, "%s", formatter.FormatSend(text, result))
		if !result.Accepted {
			return fmt.Errorf("message not delivered: %s", result.Error)
		}

		if events == nil {
			return nil
		}
		select {
		case evt, ok := <-events:
			if ok {
				writeLine(out, "%s", formatter.FormatEvent(evt))
			}
			return nil
		case <-time.After(wait):
			return fmt.Errorf("no backend reply within %s", wait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 {
		return sendOne(ctx, strings.Join(args, " "))
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := sendOne(ctx, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// subscribeOnce opens an event stream and returns once it is live, so a
// reply to a message sent afterwards cannot be missed. The channel
// yields at most one event.
func subscribeOnce(ctx context.Context, client *appclient.Client) (<-chan bridge.Event, context.CancelFunc, error) {
	ready := make(chan error, 1)
	events := make(chan bridge.Event, 1)

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(events)
		stopped := errors.New("stopped")
		err := client.Events(streamCtx, func(line server.StreamLine) error {
			if line.Event == nil {
				ready <- nil
				return nil
			}
			events <- *line.Event
			return stopped
		})
		if err != nil && !errors.Is(err, stopped) {
			select {
			case ready <- err:
			default:
			}
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return nil, nil, err
		}
		return events, cancel, nil
	case <-ctx.Done():
		cancel()
		return nil, nil, ctx.Err()
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, false)
	if err != nil {
		return err
	}
	formatter := transcript.NewFormatter()
	out := cmd.OutOrStdout()

	state, stateErr := runstate.LoadRunState(runstate.GetRunStatePath(env.workspaceRoot))

	status, err := newClient(env).Status(cmd.Context())
	if err != nil {
		if stateErr != nil {
			return daemonError(env, err)
		}
		writeLine(out, "daemon not reachable at %s; last recorded state:", env.socketPath)
		writeLine(out, "  %s", formatter.FormatSupervisorStatus(state.Backend))
		writeLine(out, "  daemon %s (pid %d, session %s)", state.Daemon, state.DaemonPID, state.SessionID)
		return nil
	}

	writeLine(out, "%s", formatter.FormatStatus(status))
	if stateErr == nil {
		writeLine(out, "  %s", formatter.FormatSupervisorStatus(state.Backend))
	}
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, false)
	if err != nil {
		return err
	}

	result, err := newClient(env).Restart(cmd.Context())
	if err != nil {
		return daemonError(env, err)
	}
	if !result.Accepted {
		return errors.New("restart was not accepted")
	}
	writeLine(cmd.OutOrStdout(), "restart requested")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, false)
	if err != nil {
		return err
	}
	formatter := transcript.NewFormatter()
	out := cmd.OutOrStdout()

	replay, err := cmd.Flags().GetString("replay")
	if err != nil {
		return err
	}
	if replay != "" {
		return replayTranscript(out, env, formatter, replay)
	}

	noReconnect, err := cmd.Flags().GetBool("no-reconnect")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamID := ""
	onLine := func(line server.StreamLine) error {
		if line.Event == nil {
			if streamID != "" && line.StreamID != streamID {
				writeLine(out, "[maidel] daemon restarted")
			}
			streamID = line.StreamID
			return nil
		}
		writeLine(out, "%s", formatter.FormatEvent(*line.Event))
		return nil
	}

	client := newClient(env)
	if noReconnect {
		err = client.Events(ctx, onLine)
	} else {
		err = client.EventsLoop(ctx, appclient.EventsLoopOptions{}, onLine)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return daemonError(env, err)
	}
	return nil
}

func replayTranscript(out io.Writer, env *environment, formatter *transcript.Formatter, ref string) error {
	path := ref
	if _, err := os.Stat(path); err != nil {
		path = eventlog.PathFor(env.workspaceRoot, ref)
	}

	entries, err := eventlog.ReadFile(path, env.logger)
	if err != nil {
		return fmt.Errorf("failed to read transcript %s: %w", ref, err)
	}
	for _, e := range entries {
		writeLine(out, "%s", formatter.FormatEntry(e))
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, false)
	if err != nil {
		return err
	}
	wipe, err := cmd.Flags().GetBool("clear")
	if err != nil {
		return err
	}
	if wipe {
		return clearHistory(cmd.Context(), cmd.OutOrStdout(), env)
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", limit)
	}

	entries, err := newClient(env).History(cmd.Context(), limit)
	if err != nil {
		var reqErr *appclient.RequestError
		if errors.As(err, &reqErr) {
			return daemonError(env, err)
		}
		env.logger.Debug("daemon unreachable, reading history database", "error", err)
		entries, err = readHistoryOffline(cmd.Context(), env, limit)
		if err != nil {
			return err
		}
	}

	formatter := transcript.NewFormatter()
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		writeLine(out, "no history yet")
		return nil
	}
	for _, e := range entries {
		writeLine(out, "%s", formatter.FormatHistory(e))
	}
	return nil
}

func readHistoryOffline(ctx context.Context, env *environment, limit int) ([]history.Entry, error) {
	store, err := openHistoryOffline(ctx, env)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Recent(ctx, limit)
}

// clearHistory drops and recreates the history schema
func clearHistory(ctx context.Context, out io.Writer, env *environment) error {
	if daemonAlive(ctx, env.socketPath) {
		return fmt.Errorf("a maidel daemon is serving %s; stop it before clearing history", env.socketPath)
	}
	store, err := openHistoryOffline(ctx, env)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Count(ctx)
	if err != nil {
		return err
	}
	if err := history.RollbackAll(ctx, store.DB()); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	if err := history.ApplyMigrations(ctx, store.DB()); err != nil {
		return fmt.Errorf("failed to migrate history: %w", err)
	}
	writeLine(out, "cleared %s", english.Plural(n, "entry", "entries"))
	return nil
}

// openHistoryOffline opens the configured database without a daemon
func openHistoryOffline(ctx context.Context, env *environment) (*history.Store, error) {
	if !env.cfg.Bridge.History {
		return nil, errors.New("history is disabled in config")
	}
	initialized, err := workspace.IsInitialized(env.workspaceRoot)
	if err != nil || !initialized {
		return nil, fmt.Errorf("no workspace at %s; run 'maidel serve' first", env.workspaceRoot)
	}

	dbPath, err := env.resolve(env.cfg.Bridge.HistoryPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no history database at %s", dbPath)
	}

	store, err := history.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if err := history.ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}
	return store, nil
}
