package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iambrandonn/maidel/internal/bridge"
	"github.com/iambrandonn/maidel/internal/eventlog"
	"github.com/iambrandonn/maidel/internal/history"
	"github.com/iambrandonn/maidel/internal/ndjson"
	"github.com/iambrandonn/maidel/internal/protocol"
	"github.com/iambrandonn/maidel/internal/supervisor"
)

// Formatter renders traffic and status for console output
type Formatter struct {
	now func() time.Time
}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{now: time.Now}
}

// FormatEvent formats a push event
func (f *Formatter) FormatEvent(evt bridge.Event) string {
	switch evt.Type {
	case bridge.EventResponse:
		return f.formatResponse(evt.Response)
	case bridge.EventError:
		if evt.Error == nil {
			return "[maidel] error"
		}
		return f.FormatBackendError(evt.Error)
	default:
		return fmt.Sprintf("[maidel] %s", evt.Type)
	}
}

// FormatSend formats an outbound message and its outcome
func (f *Formatter) FormatSend(text string, result bridge.SendResult) string {
	line := fmt.Sprintf("[you→backend] %s", oneLine(text))
	if !result.Accepted {
		line += fmt.Sprintf(" (rejected: %s)", result.Error)
	}
	return line
}

// FormatBackendError formats a spawn, stream or delivery failure
func (f *Formatter) FormatBackendError(be *protocol.BackendError) string {
	if be.Details != "" && be.Details != be.Error {
		return fmt.Sprintf("[maidel] %s: %s (%s)", be.Kind, be.Error, be.Details)
	}
	return fmt.Sprintf("[maidel] %s: %s", be.Kind, be.Error)
}

// FormatStatus formats a status reply
func (f *Formatter) FormatStatus(st bridge.StatusResult) string {
	if st.Running && st.PID != nil {
		return fmt.Sprintf("backend running (pid %d)", *st.PID)
	}
	return fmt.Sprintf("backend not running (%s)", st.State)
}

// FormatSupervisorStatus formats a detailed supervisor status with uptime
func (f *Formatter) FormatSupervisorStatus(st supervisor.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "backend %s", st.State)
	if st.Running() {
		fmt.Fprintf(&b, " (pid %d, started %s)", st.PID, f.since(st.StartedAt))
	}
	fmt.Fprintf(&b, ", spawns=%s", humanize.Comma(int64(st.Spawns)))
	if st.Failures > 0 {
		fmt.Fprintf(&b, ", consecutive_failures=%d", st.Failures)
	}
	if st.ForcedKills > 0 {
		fmt.Fprintf(&b, ", forced_kills=%d", st.ForcedKills)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, ", last_error=%q", st.LastError)
	}
	return b.String()
}

// FormatHistory formats one stored history entry
func (f *Formatter) FormatHistory(e history.Entry) string {
	prefix := fmt.Sprintf("#%d %s", e.Seq, f.since(e.RecordedAt))

	switch e.Kind {
	case history.KindRequest:
		line := fmt.Sprintf("%s  you: %s", prefix, oneLine(e.Text))
		if e.Success != nil && !*e.Success {
			line += fmt.Sprintf(" (rejected: %s)", e.Payload)
		}
		return line
	case history.KindResponse:
		label := e.TaskType
		if label == "" {
			label = "response"
		}
		if e.Success != nil && !*e.Success {
			label += " failed"
		}
		return fmt.Sprintf("%s  %s: %s", prefix, label, oneLine(e.Text))
	case history.KindError:
		return fmt.Sprintf("%s  %s: %s", prefix, e.ErrorKind, e.Text)
	default:
		return fmt.Sprintf("%s  %s", prefix, e.Kind)
	}
}

// FormatEntry formats one transcript line
func (f *Formatter) FormatEntry(e eventlog.Entry) string {
	stamp := e.Timestamp.Local().Format("15:04:05")

	switch e.Kind {
	case eventlog.KindSend:
		result := bridge.SendResult{Accepted: e.Accepted == nil || *e.Accepted, Error: e.Error}
		return stamp + " " + f.FormatSend(e.Message, result)
	case eventlog.KindResponse:
		return stamp + " " + f.formatResponse(e.Response)
	case eventlog.KindError:
		if e.BackendError == nil {
			return stamp + " [maidel] error"
		}
		return stamp + " " + f.FormatBackendError(e.BackendError)
	case eventlog.KindStderr:
		return fmt.Sprintf("%s [backend:stderr] %s", stamp, e.Line)
	case eventlog.KindState:
		if e.Status == nil {
			return stamp + " [maidel] state"
		}
		return fmt.Sprintf("%s [maidel] %s", stamp, f.FormatSupervisorStatus(*e.Status))
	default:
		return fmt.Sprintf("%s [maidel] %s", stamp, e.Kind)
	}
}

func (f *Formatter) formatResponse(raw []byte) string {
	resp, err := ndjson.DecodeResponse(string(raw))
	if err != nil {
		return fmt.Sprintf("[backend] unreadable response (%s)", humanize.IBytes(uint64(len(raw))))
	}

	if !resp.Success {
		if resp.ErrorType != "" {
			return fmt.Sprintf("[backend] error (%s): %s", resp.ErrorType, resp.Error)
		}
		return fmt.Sprintf("[backend] error: %s", resp.Error)
	}

	label := string(resp.TaskType)
	if label == "" {
		label = "response"
	}
	line := fmt.Sprintf("[backend] %s: %s", label, oneLine(resp.ResultText()))

	if n := len(resp.ExecutionPlan); n > 0 {
		line += fmt.Sprintf(" (plan: %d %s)", n, plural(n, "step", "steps"))
	}
	return line
}

func (f *Formatter) since(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return humanize.RelTime(t, f.now(), "ago", "from now")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
