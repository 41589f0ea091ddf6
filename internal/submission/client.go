package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/aridsondez/eventqueue/internal/queue"
)

// Transport submits a batch of events to the remote ingestion endpoint.
// A returned error means the exchange itself failed; any HTTP answer,
// including an error status, comes back as a Response.
type Transport interface {
	Submit(ctx context.Context, events []queue.Event) (Response, error)
}

// EventsPath is where batches are posted, relative to the server URL.
const EventsPath = "/api/v2/events"

const (
	userAgent  = "eventqueue-go/1.0"
	maxMessage = 4 << 10
)

// Config for creating a new Client
type Config struct {
	ServerURL string        // ingestion endpoint base URL
	APIKey    string        // sent as a bearer token
	Timeout   time.Duration // per request (default: 30s)
	Compress  bool          // gzip request bodies
}

// Client is the HTTP Transport.
type Client struct {
	endpoint string
	apiKey   string
	compress bool
	client   *http.Client
}

var _ Transport = (*Client)(nil)

// NewClient creates a Client for cfg.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.ServerURL)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.ServerURL, "/") + EventsPath,
		apiKey:   cfg.APIKey,
		compress: cfg.Compress,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Submit posts events as a JSON array.
func (c *Client) Submit(ctx context.Context, events []queue.Event) (Response, error) {
	body, err := json.Marshal(events)
	if err != nil {
		return Response{}, fmt.Errorf("marshal events: %w", err)
	}
	if c.compress {
		if body, err = gzipBytes(body); err != nil {
			return Response{}, fmt.Errorf("compress events: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", userAgent)
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxMessage))
	return Response{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
