package simclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RejectedError reports a control command the simulator refused. The
// engine's code and message are preserved for the caller.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("simulator rejected request: %s: %s", e.Code, e.Message)
}

// UnreachableError reports a transport-level failure talking to the
// simulator. Control commands are never retried transparently.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("simulation backend error: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// ControlResult is the status object returned by the simulator's control
// endpoints.
type ControlResult struct {
	OK        *bool  `json:"ok"`
	Status    string `json:"status"`
	RunID     string `json:"run_id"`
	T         int64  `json:"t"`
	SpeedHz   int    `json:"speed_hz"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// StartRunRequest is the payload forwarded to the simulator's run endpoint.
type StartRunRequest struct {
	RunID      string `json:"run_id"`
	ConfigPath string `json:"config_path"`
	Steps      int    `json:"steps"`
	SpeedHz    int    `json:"speed_hz"`
}

// Client is a small helper to interact with the private simulation service.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) StartRun(ctx context.Context, payload StartRunRequest) (*ControlResult, error) {
	return c.control(ctx, http.MethodPost, "/run", nil, payload)
}

func (c *Client) Pause(ctx context.Context) (*ControlResult, error) {
	return c.control(ctx, http.MethodPost, "/pause", nil, nil)
}

func (c *Client) Resume(ctx context.Context) (*ControlResult, error) {
	return c.control(ctx, http.MethodPost, "/resume", nil, nil)
}

func (c *Client) Reset(ctx context.Context) (*ControlResult, error) {
	return c.control(ctx, http.MethodPost, "/reset", nil, nil)
}

func (c *Client) SetSpeed(ctx context.Context, hz int) (*ControlResult, error) {
	return c.control(ctx, http.MethodPost, "/speed", url.Values{"hz": {strconv.Itoa(hz)}}, nil)
}

func (c *Client) Step(ctx context.Context, steps int) (*ControlResult, error) {
	return c.control(ctx, http.MethodPost, "/step", url.Values{"n": {strconv.Itoa(steps)}}, nil)
}

// GetState requests the simulator's current snapshot for the polling
// fallback. Returns nil bytes when no run is active (404 or empty body).
func (c *Client) GetState(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/state", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UnreachableError{Err: fmt.Errorf("unexpected status %d from %s", resp.StatusCode, resp.Request.URL)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func (c *Client) control(ctx context.Context, method, path string, query url.Values, payload any) (*ControlResult, error) {
	resp, err := c.do(ctx, method, path, query, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UnreachableError{Err: fmt.Errorf("unexpected status %d from %s", resp.StatusCode, resp.Request.URL)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}

	result := &ControlResult{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return nil, &UnreachableError{Err: fmt.Errorf("malformed control reply: %w", err)}
		}
	}
	if result.OK != nil && !*result.OK {
		code := result.ErrorCode
		if code == "" {
			code = "sim_error"
		}
		message := result.Message
		if message == "" {
			message = "Simulation rejected the request."
		}
		return nil, &RejectedError{Code: code, Message: message}
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &UnreachableError{Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}
	return resp, nil
}
