// Package appclient talks to a running maidel daemon over its unix socket.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iambrandonn/maidel/internal/bridge"
	"github.com/iambrandonn/maidel/internal/history"
	"github.com/iambrandonn/maidel/internal/logging"
	"github.com/iambrandonn/maidel/internal/ndjson"
	"github.com/iambrandonn/maidel/internal/server"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrStreamPayloadInvalid = errors.New("event stream payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	}
	if message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	body, err := c.request(ctx, http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode health response: %w", err)
	}
	return out, nil
}

// Send delivers a message to the backend. A rejected send is reported in
// the result, not as an error.
func (c *Client) Send(ctx context.Context, message string) (bridge.SendResult, error) {
	var out bridge.SendResult
	body, err := c.request(ctx, http.MethodPost, "/v1/send", nil, server.SendRequest{Message: message})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode send response: %w", err)
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (bridge.StatusResult, error) {
	var out bridge.StatusResult
	body, err := c.request(ctx, http.MethodGet, "/v1/status", nil, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode status response: %w", err)
	}
	return out, nil
}

func (c *Client) Restart(ctx context.Context) (bridge.RestartResult, error) {
	var out bridge.RestartResult
	body, err := c.request(ctx, http.MethodPost, "/v1/restart", nil, struct{}{})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode restart response: %w", err)
	}
	return out, nil
}

// History returns up to limit recent exchanges, oldest first. A limit of
// zero uses the daemon default.
func (c *Client) History(ctx context.Context, limit int) ([]history.Entry, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.request(ctx, http.MethodGet, "/v1/history", query, nil)
	if err != nil {
		return nil, err
	}
	var out server.HistoryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return out.Entries, nil
}

// Events streams push events until the daemon ends the stream, ctx is
// cancelled or onLine returns an error. A clean end of stream returns nil.
func (c *Client) Events(ctx context.Context, onLine func(server.StreamLine) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return requestError(resp.StatusCode, payload)
	}

	dec := ndjson.NewDecoder(resp.Body, logging.Discard())
	for {
		var line server.StreamLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				return fmt.Errorf("%w: %v", ErrStreamPayloadInvalid, err)
			}
			return err
		}
		if err := onLine(line); err != nil {
			return err
		}
	}
}

type EventsLoopOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
}

// EventsLoop keeps an event stream open across daemon restarts, backing
// off between reconnect attempts. It returns when ctx is done, onLine
// fails, or the daemon answers with a non-retryable error.
func (c *Client) EventsLoop(ctx context.Context, opts EventsLoopOptions, onLine func(server.StreamLine) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	var callbackErr error
	wrapped := func(line server.StreamLine) error {
		backoff = minBackoff
		if err := onLine(line); err != nil {
			callbackErr = err
			return err
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.Events(ctx, wrapped)
		if callbackErr != nil {
			return callbackErr
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, ErrStreamPayloadInvalid) {
				return err
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
		}

		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, requestError(resp.StatusCode, payload)
	}
	return payload, nil
}

func requestError(status int, payload []byte) error {
	var er server.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{
			StatusCode: status,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return &RequestError{
		StatusCode: status,
		Message:    strings.TrimSpace(string(payload)),
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
