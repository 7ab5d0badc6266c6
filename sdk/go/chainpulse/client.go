package chainpulse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the read-only HTTP endpoints of a ChainPulse server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// APIError is a non-2xx response. Code is the server error code such as
// NOT_FOUND or RATE_LIMITED.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainpulse api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainpulse api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the server at rawURL. When httpClient is
// nil a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Health reads /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/health", &h)
	return h, err
}

// LatestBlock reads the cached block snapshot. It fails with a NOT_FOUND
// APIError until the first block has been observed.
func (c *Client) LatestBlock(ctx context.Context) (Block, error) {
	var b Block
	err := c.get(ctx, "/api/realtime/block", &b)
	return b, err
}

// FeeEstimate reads the cached fee snapshot.
func (c *Client) FeeEstimate(ctx context.Context) (Fee, error) {
	var f Fee
	err := c.get(ctx, "/api/realtime/fee", &f)
	return f, err
}

// Stats reads /api/stats.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.get(ctx, "/api/stats", &s)
	return s, err
}

// WebSocketURL returns the ws:// or wss:// address of the /ws endpoint.
func (c *Client) WebSocketURL() string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, "/ws")
	return u.String()
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.ResolveReference(rel).String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: &apiErr})
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
