// Package hub proxies Docker Hub repository search and tag listing.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	rhttp "github.com/hashicorp/go-retryablehttp"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/imgpull/registry"
)

// DefaultBaseURL is the Docker Hub API root.
const DefaultBaseURL = "https://hub.docker.com"

// Retry defaults. Hub calls back interactive UI requests, so keep them short.
const (
	DefaultMaxRetries = 2
	DefaultMinWait    = 100 * time.Millisecond
	DefaultMaxWait    = 2 * time.Second
)

// Paging bounds.
const (
	DefaultPageSize = 10
	MaxPageSize     = 25
)

// Client queries the Docker Hub API.
type Client struct {
	rc      *rhttp.Client
	baseURL string
	logger  *slog.Logger

	base       *http.Client
	maxRetries int
	minWait    time.Duration
	maxWait    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the Hub API root.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient sets the client used for each attempt.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.base = hc
	}
}

// WithRetry sets the retry budget and backoff bounds.
func WithRetry(maxRetries int, minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.minWait = minWait
		c.maxWait = maxWait
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Hub client. Requests that fail with a network error, 429 or
// a 5xx status are retried with exponential backoff.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		maxRetries: DefaultMaxRetries,
		minWait:    DefaultMinWait,
		maxWait:    DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(c)
	}

	rc := rhttp.NewClient()
	rc.Logger = c.log()
	rc.RetryMax = c.maxRetries
	rc.RetryWaitMin = c.minWait
	rc.RetryWaitMax = c.maxWait
	rc.ErrorHandler = rhttp.PassthroughErrorHandler
	if c.base != nil {
		rc.HTTPClient = c.base
	}
	c.rc = rc
	return c
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// getJSON fetches endpoint with query and decodes the body into v.
func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, v any) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := rhttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	// Once retries run out the passthrough handler returns the last response.
	resp, err := c.rc.Do(req)
	if resp == nil {
		return fmt.Errorf("%w: %w", registry.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errResp := &errcode.ErrorResponse{
			Method:     req.Method,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w: %w", registry.ErrUpstream, registry.ErrNotFound, errResp)
		}
		return fmt.Errorf("%w: %w", registry.ErrUpstream, errResp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode %s: %w", registry.ErrUpstream, endpoint, err)
	}
	return nil
}

// Page clamps a requested page number to at least 1.
func Page(n int) int {
	return max(n, 1)
}

// PageSize clamps a requested page size to [1, MaxPageSize]. Zero means
// DefaultPageSize.
func PageSize(n int) int {
	if n == 0 {
		return DefaultPageSize
	}
	return min(max(n, 1), MaxPageSize)
}
