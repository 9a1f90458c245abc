package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/aerovista/groundlink/backoff"
	"github.com/aerovista/groundlink/model"
)

// Client fetches full entity records from the mission-control REST API.
// The engine uses it for gap-triggered resync and for initial hydration
// before any push arrives.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	retry      backoff.Policy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
		retry: backoff.Policy{
			BaseDelay:   time.Second,
			Multiplier:  2,
			Jitter:      0.2,
			MaxAttempts: 3,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry count and the base delay between retries.
// The delay doubles per attempt with jitter, like the transport's
// reconnect backoff.
func WithRetries(max int, base time.Duration) ClientOption {
	return func(c *Client) {
		c.retry.MaxAttempts = max
		c.retry.BaseDelay = base
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// APIError represents an error response from the REST API.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rest api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// kindPaths maps entity kinds to their REST collection paths.
var kindPaths = map[string]string{
	model.KindMission:     "missions",
	model.KindDrone:       "drones",
	model.KindDiscovery:   "discoveries",
	model.KindChatMessage: "chat-messages",
}

// EntityDoc is a full entity record as served by the REST API.
type EntityDoc struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
	Data      map[string]any `json:"data"`
}

// GetEntity fetches the full record for one entity, retrying transient
// server errors.
func (c *Client) GetEntity(ctx context.Context, kind, id string) (EntityDoc, error) {
	collection, ok := kindPaths[kind]
	if !ok {
		return EntityDoc{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	path := "/v1/" + collection + "/" + url.PathEscape(id)

	var doc EntityDoc
	if err := c.getDoc(ctx, path, &doc); err != nil {
		return EntityDoc{}, fmt.Errorf("get %s %s: %w", kind, id, err)
	}

	// Sparse responses omit the identity the request already names.
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.Kind == "" {
		doc.Kind = kind
	}

	return doc, nil
}

// getDoc fetches one document, retrying with jittered exponential
// backoff while the API reports a retryable status.
func (c *Client) getDoc(ctx context.Context, path string, out *EntityDoc) error {
	ctrl := backoff.NewController(c.retry)

	for {
		err := c.fetch(ctx, path, out)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return err
		}

		delay, retry := ctrl.Next()
		if !retry {
			return fmt.Errorf("retries exhausted: %w", err)
		}

		c.logger.Debug("retrying entity fetch",
			"path", path,
			"attempt", ctrl.Attempt(),
			"delay", delay,
			"status", apiErr.StatusCode,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// fetch performs one GET and decodes the document.
func (c *Client) fetch(ctx context.Context, path string, out *EntityDoc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
