package aaa

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrNotFound is returned when the AAA server has no such object.
	ErrNotFound = errors.New("aaa: not found")

	// ErrAllEndpointsFailed is returned when no endpoint could serve a request.
	ErrAllEndpointsFailed = errors.New("aaa: all endpoints failed")
)

// Default transport parameters.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultRetries    = 3
	DefaultRetryDelay = time.Second
)

// EndpointConfig describes one AAA REST endpoint.
type EndpointConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"` // base URL, e.g. https://10.0.0.1/rest
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ClientConfig holds transport settings shared by all endpoints.
type ClientConfig struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	// RateLimit caps requests per second per endpoint; 0 disables.
	RateLimit float64
	// HTTPClient overrides the default transport (tests).
	HTTPClient *http.Client
}

// DefaultClientConfig returns the default transport settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:    DefaultTimeout,
		Retries:    DefaultRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// Observer receives one call per HTTP attempt.
type Observer interface {
	ObserveAAARequest(endpoint, method, result string, d time.Duration)
}

// StatusError is a non-2xx response from an endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client talks to a single AAA REST endpoint.
type Client struct {
	endpoint   EndpointConfig
	httpClient *http.Client
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	limiter    *rate.Limiter
	observer   Observer
	logger     *zap.Logger
}

// NewClient creates a client for one endpoint.
func NewClient(endpoint EndpointConfig, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if endpoint.URL == "" {
		return nil, fmt.Errorf("endpoint URL required")
	}
	endpoint.URL = strings.TrimRight(endpoint.URL, "/")
	if endpoint.Name == "" {
		endpoint.Name = endpoint.URL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				// AAA appliances ship self-signed certificates.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		timeout:    timeout,
		retries:    retries,
		retryDelay: retryDelay,
		limiter:    limiter,
		logger:     logger.With(zap.String("endpoint", endpoint.Name)),
	}, nil
}

// Name returns the endpoint name.
func (c *Client) Name() string {
	return c.endpoint.Name
}

// SetObserver installs a per-attempt observer.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

// Do sends a JSON request and decodes the response into out (may be nil).
// A 404 returns ErrNotFound without retrying; other failures are retried.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var err error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		err = c.attempt(ctx, method, path, payload, out)
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("AAA request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.retries, err)
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.endpoint.URL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.endpoint.Username != "" {
		req.SetBasicAuth(c.endpoint.Username, c.endpoint.Password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, "error", start)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.observe(method, "not_found", start)
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(method, "error", start)
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			c.observe(method, "error", start)
			return fmt.Errorf("decode response: %w", err)
		}
	}
	c.observe(method, "ok", start)
	return nil
}

func (c *Client) observe(method, result string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveAAARequest(c.endpoint.Name, method, result, time.Since(start))
	}
}
