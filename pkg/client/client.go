package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client for the event queue agent's HTTP API
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new agent client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Event is one telemetry event. Type is required; a zero Date is stamped by the agent.
type Event struct {
	Type        string         `json:"type"`
	Source      string         `json:"source,omitempty"`
	Message     string         `json:"message,omitempty"`
	Date        time.Time      `json:"date,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ReferenceID string         `json:"reference_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Status mirrors GET /v1/queue
type Status struct {
	Enabled         bool       `json:"enabled"`
	Processing      bool       `json:"processing"`
	SuspendedUntil  *time.Time `json:"suspended_until,omitempty"`
	DiscardingUntil *time.Time `json:"discarding_until,omitempty"`
	Pending         *int       `json:"pending,omitempty"`
}

// SuspendOptions for Suspend
type SuspendOptions struct {
	Duration time.Duration // default: 5 minutes
	Discard  bool          // drop new events while suspended
	Clear    bool          // purge everything already queued
}

// Capture sends events to the agent and returns how many it accepted
func (c *Client) Capture(ctx context.Context, events ...Event) (int, error) {
	if len(events) == 0 {
		return 0, errors.New("no events")
	}
	var result struct {
		Accepted int `json:"accepted"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/events", events, http.StatusAccepted, &result); err != nil {
		return 0, fmt.Errorf("capture: %w", err)
	}
	return result.Accepted, nil
}

// Status fetches the agent's queue state
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/v1/queue", nil, http.StatusOK, &st); err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	return st, nil
}

// Process asks the agent to run a drain cycle after delay
func (c *Client) Process(ctx context.Context, delay time.Duration) error {
	req := map[string]any{}
	if delay > 0 {
		req["delay_ms"] = delay.Milliseconds()
	}
	if err := c.do(ctx, http.MethodPost, "/v1/queue:process", req, http.StatusAccepted, nil); err != nil {
		return fmt.Errorf("process: %w", err)
	}
	return nil
}

// Suspend pauses submission on the agent
func (c *Client) Suspend(ctx context.Context, opts SuspendOptions) (Status, error) {
	req := map[string]any{
		"discard": opts.Discard,
		"clear":   opts.Clear,
	}
	if opts.Duration > 0 {
		req["duration_ms"] = opts.Duration.Milliseconds()
	}
	var st Status
	if err := c.do(ctx, http.MethodPost, "/v1/queue:suspend", req, http.StatusOK, &st); err != nil {
		return Status{}, fmt.Errorf("suspend: %w", err)
	}
	return st, nil
}

// SetEnabled turns queue processing on or off
func (c *Client) SetEnabled(ctx context.Context, enabled bool) (Status, error) {
	path := "/v1/queue:disable"
	if enabled {
		path = "/v1/queue:enable"
	}
	var st Status
	if err := c.do(ctx, http.MethodPost, path, nil, http.StatusOK, &st); err != nil {
		return Status{}, fmt.Errorf("set enabled: %w", err)
	}
	return st, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		r = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s - %s", resp.Status, strings.TrimSpace(string(bodyBytes)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
