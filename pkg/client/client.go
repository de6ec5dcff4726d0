package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultBaseURL matches the default control address and base path.
const DefaultBaseURL = "http://127.0.0.1:3101/api"

// Client talks to a running agentvisor control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout must cover a stop grace period plus a restart cool-down.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: time.Minute,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the supervisor is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Supervisor unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode == http.StatusOK
	c.logger.Debug("Supervisor reachability check", "reachable", ok, "status", resp.StatusCode)
	return ok
}

func (c *Client) Start(ctx context.Context) (Result, error)   { return c.lifecycle(ctx, "start") }
func (c *Client) Stop(ctx context.Context) (Result, error)    { return c.lifecycle(ctx, "stop") }
func (c *Client) Restart(ctx context.Context) (Result, error) { return c.lifecycle(ctx, "restart") }

// lifecycle posts a start/stop/restart. A refused operation still returns
// the decoded Result alongside an *APIError.
func (c *Client) lifecycle(ctx context.Context, op string) (Result, error) {
	c.logger.Debug("Lifecycle request", "op", op)
	var res Result
	code, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+op)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return res, fmt.Errorf("decode %s result (HTTP %d): %w", op, code, err)
	}
	if code != http.StatusOK || !res.Success {
		c.logger.Error("Lifecycle request failed", "op", op, "status", code, "message", res.Message)
		return res, &APIError{StatusCode: code, Message: res.Message}
	}
	c.logger.Debug("Lifecycle request completed", "op", op, "state", res.Status.State)
	return res, nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.getJSON(ctx, c.baseURL+"/status", &st)
	return st, err
}

// Memory lists every memory entry ordered by id.
func (c *Client) Memory(ctx context.Context) ([]MemoryEntry, error) {
	var entries []MemoryEntry
	err := c.getJSON(ctx, c.baseURL+"/memory", &entries)
	return entries, err
}

// MemoryEntry fetches one entry by id.
func (c *Client) MemoryEntry(ctx context.Context, id string) (MemoryEntry, error) {
	var e MemoryEntry
	err := c.getJSON(ctx, c.baseURL+"/memory?id="+url.QueryEscape(id), &e)
	return e, err
}

func (c *Client) Output(ctx context.Context) (Output, error) {
	var o Output
	err := c.getJSON(ctx, c.baseURL+"/output", &o)
	return o, err
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	code, body, err := c.do(ctx, http.MethodGet, u)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return c.apiError(code, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do performs an HTTP request and returns the status code and body.
func (c *Client) do(ctx context.Context, method, u string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(nil))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// apiError decodes an ErrorResponse body.
func (c *Client) apiError(code int, body []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		c.logger.Error("Failed to decode error response", "status", code)
		return &APIError{StatusCode: code, Message: http.StatusText(code)}
	}
	c.logger.Error("API request failed", "error", er.Error, "status", code)
	return &APIError{StatusCode: code, Message: er.Error}
}
