// Package pulseboard provides the official Go SDK for the PulseBoard
// flow analytics API.
//
// The core of the SDK is the SyncEngine, which keeps a local view of
// server-computed flow metrics consistent with the remote source of
// truth under three update paths: push deliveries over a persistent
// channel, periodic polling when push is unavailable, and optimistic
// local patches awaiting server confirmation.
//
// Example:
//
//	client := pulseboard.NewClient("pb-...")
//	engine := pulseboard.NewSyncEngine(client, &pulseboard.Config{Topic: "flow"})
//	engine.OnUpdate(func(s pulseboard.MergedState) { render(s) })
//	engine.Start(ctx)
//	defer engine.Close()
package pulseboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://pulseboard.dev",
}

const (
	DefaultBaseURL = "https://pulseboard.dev"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the PulseBoard HTTP API client. It is the non-push
// transport: scheduler polls and manual refreshes both go through it.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new PulseBoard client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.apiKey = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the configured auth token.
func (c *Client) Token() string {
	return c.apiKey
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Flow API Methods
// ============================================================================

// Health checks flow service health.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/api/flow/health", nil, nil)
}

// Topics lists the board topics the caller may subscribe to.
func (c *Client) Topics(ctx context.Context) ([]string, error) {
	res, err := c.do(ctx, "GET", "/api/flow/topics", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "topics request failed")
	}
	var topics []string
	if err := res.Decode(&topics); err != nil {
		return nil, fmt.Errorf("failed to decode topics: %w", err)
	}
	return topics, nil
}

// FlowSnapshot fetches the current full snapshot for a topic. The
// scheduler and a manual refresh call this identically.
func (c *Client) FlowSnapshot(ctx context.Context, topic string) (*FlowSnapshot, error) {
	res, err := c.do(ctx, "GET", "/api/flow/metrics/"+url.PathEscape(topic), nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "snapshot request failed")
	}
	var snap FlowSnapshot
	if err := res.Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Topic == "" {
		snap.Topic = topic
	}
	return &snap, nil
}

// DismissSuggestion asks the server to drop an optimization
// suggestion. Pair it with ApplyOptimisticUpdate on the engine to hide
// the suggestion locally while the request is in flight, and
// RemoveOptimisticUpdate once this call resolves either way.
func (c *Client) DismissSuggestion(ctx context.Context, topic, suggestionID string) (*Result, error) {
	path := "/api/flow/suggestions/" + url.PathEscape(suggestionID) + "/dismiss"
	return c.do(ctx, "POST", path, map[string]string{"topic": topic}, nil)
}

// AcknowledgeBottleneck marks a detected bottleneck as seen.
func (c *Client) AcknowledgeBottleneck(ctx context.Context, topic, bottleneckID string) (*Result, error) {
	path := "/api/flow/bottlenecks/" + url.PathEscape(bottleneckID) + "/ack"
	return c.do(ctx, "POST", path, map[string]string{"topic": topic}, nil)
}

func resultErr(res *Result, fallback string) error {
	if res.Error != nil {
		return res.Error
	}
	return fmt.Errorf("%s", fallback)
}
