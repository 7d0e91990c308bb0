package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/iambrandonn/maidel/internal/protocol"
)

// MaxMessageSize is the maximum outbound NDJSON message size (256 KiB)
const MaxMessageSize = 256 * 1024

// ErrMessageTooLarge is returned by the encoder for messages over
// MaxMessageSize. Nothing is written to the stream.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// ErrNotProtocol marks a stdout line that is diagnostic noise rather than
// a response envelope
var ErrNotProtocol = errors.New("not a protocol line")

// Encoder writes NDJSON messages to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a message as a single JSON line
func (e *Encoder) Encode(v any) error {
	data, err := MarshalLine(v)
	if err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			e.logger.Error("message exceeds size limit", "size", len(data), "limit", MaxMessageSize)
		}
		return err
	}
	return e.WriteLine(data)
}

// MarshalLine encodes v as one JSON line body, refusing results over
// MaxMessageSize with ErrMessageTooLarge. The encoded bytes are returned
// even when refused.
func MarshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return data, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}
	return data, nil
}

// WriteLine writes pre-encoded JSON followed by a newline and flushes
func (e *Encoder) WriteLine(data []byte) error {
	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize,
			"overflow", len(data)-MaxMessageSize)
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately; the backend reads line by line
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// DecodeResponse parses one framed line into a response envelope.
// Lines that are not JSON objects carrying a boolean "success" field
// return an error wrapping ErrNotProtocol.
func DecodeResponse(line string) (*protocol.Response, error) {
	if !gjson.Valid(line) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrNotProtocol)
	}

	doc := gjson.Parse(line)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: not a JSON object", ErrNotProtocol)
	}

	success := doc.Get("success")
	if !success.IsBool() {
		return nil, fmt.Errorf("%w: missing boolean 'success' field", ErrNotProtocol)
	}

	var resp protocol.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		// Well-formed envelope with off-schema fields; keep what we can read
		resp = lenientResponse(doc)
	}
	resp.Raw = json.RawMessage(line)

	return &resp, nil
}

func lenientResponse(doc gjson.Result) protocol.Response {
	resp := protocol.Response{
		Success:     doc.Get("success").Bool(),
		Message:     doc.Get("message").String(),
		TaskType:    protocol.TaskType(doc.Get("task_type").String()),
		Error:       doc.Get("error").String(),
		ErrorType:   protocol.ErrorType(doc.Get("error_type").String()),
		AgentResult: doc.Get("agent_result").String(),
	}

	if result := doc.Get("result"); result.Exists() && result.Type != gjson.Null {
		text := result.String()
		resp.Result = &text
	}

	if state, ok := doc.Get("session_state").Value().(map[string]any); ok {
		resp.SessionState = state
	}

	doc.Get("execution_plan").ForEach(func(_, step gjson.Result) bool {
		var ps protocol.PlanStep
		if err := json.Unmarshal([]byte(step.Raw), &ps); err != nil {
			ps = protocol.PlanStep{
				StepID:      protocol.StepID(step.Get("step_id").String()),
				Name:        step.Get("name").String(),
				Description: step.Get("description").String(),
				Result:      step.Get("result").Value(),
			}
		}
		resp.ExecutionPlan = append(resp.ExecutionPlan, ps)
		return true
	})

	return resp
}

// Preview truncates a line for log output
func Preview(line string) string {
	const limit = 100
	line = strings.ToValidUTF8(line, "�")
	if len(line) <= limit {
		return line
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "..."
}

// Decoder reads NDJSON messages from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Decode reads the next non-empty line into v. It returns io.EOF at the
// end of the stream.
func (d *Decoder) Decode(v any) error {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
			}
			return io.EOF
		}

		d.lineNum++
		data := bytes.TrimSpace(d.scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		if err := json.Unmarshal(data, v); err != nil {
			d.logger.Error("failed to unmarshal JSON",
				"line", d.lineNum,
				"error", err,
				"data", Preview(string(data)))
			return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
		}
		return nil
	}
}

// Line returns the number of lines consumed so far
func (d *Decoder) Line() int {
	return d.lineNum
}
