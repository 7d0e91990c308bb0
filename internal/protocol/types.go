package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Request is sent from the supervisor to the backend, one per line
type Request struct {
	Message string `json:"message"`
}

// ErrorType classifies a failed backend response
type ErrorType string

const (
	ErrorTypeSystem         ErrorType = "system_error"
	ErrorTypeEmptyMessage   ErrorType = "empty_message"
	ErrorTypeJSONParseError ErrorType = "json_parse_error"
)

// TaskType is the backend's classification of a user message
type TaskType string

const (
	TaskTypeChat    TaskType = "chat"
	TaskTypeTask    TaskType = "task"
	TaskTypeUnknown TaskType = "unknown"
)

// StepStatus represents the progress of a plan step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusError     StepStatus = "error"
)

// StepID identifies a plan step. Backends emit either numbers or strings.
type StepID string

// UnmarshalJSON accepts both JSON numbers and strings
func (id *StepID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StepID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("step_id must be a string or number: %w", err)
	}
	*id = StepID(n.String())
	return nil
}

// MarshalJSON writes numeric ids back as numbers
func (id StepID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseFloat(string(id), 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// PlanStep is one entry of a response's execution plan
type PlanStep struct {
	StepID       StepID     `json:"step_id,omitempty"`
	Name         string     `json:"name,omitempty"`
	Description  string     `json:"description,omitempty"`
	Result       any        `json:"result,omitempty"`
	Status       StepStatus `json:"status,omitempty"`
	Tool         string     `json:"tool,omitempty"`
	Error        string     `json:"error,omitempty"`
	Dependencies []StepID   `json:"dependencies,omitempty"`
}

// Response is one envelope produced by the backend on a single stdout line
type Response struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message,omitempty"`
	Result        *string        `json:"result,omitempty"`
	TaskType      TaskType       `json:"task_type,omitempty"`
	ExecutionPlan []PlanStep     `json:"execution_plan,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorType     ErrorType      `json:"error_type,omitempty"`
	SessionState  map[string]any `json:"session_state,omitempty"`
	AgentResult   string         `json:"agent_result,omitempty"`

	// Raw holds the exact line the envelope was decoded from
	Raw json.RawMessage `json:"-"`
}

// ResultText returns the result or an empty string
func (r *Response) ResultText() string {
	if r == nil || r.Result == nil {
		return ""
	}
	return *r.Result
}

// MarshalVerbatim returns the original line when available
func (r *Response) MarshalVerbatim() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(r)
}

// ErrorKind classifies supervisor-side failures pushed to the view layer
type ErrorKind string

const (
	ErrorKindSpawn    ErrorKind = "spawn_failure"
	ErrorKindStream   ErrorKind = "stream_failure"
	ErrorKindDelivery ErrorKind = "delivery_failure"
)

// BackendError is pushed when the backend could not be started, its
// streams failed, or a message could not be delivered
type BackendError struct {
	Kind       ErrorKind `json:"kind"`
	Error      string    `json:"error"`
	Details    string    `json:"details,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
