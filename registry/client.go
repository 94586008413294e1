package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Defaults for Docker Hub.
const (
	DefaultRegistryURL = "https://registry-1.docker.io"
	DefaultAuthURL     = "https://auth.docker.io/token"
	DefaultService     = "registry.docker.io"
)

// Client performs registry and token-service requests.
//
// A Client is safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	registryURL string
	authURL     string
	service     string
	userAgent   string
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRegistryURL sets the registry base URL (scheme and host, no /v2).
func WithRegistryURL(u string) Option {
	return func(c *Client) {
		c.registryURL = strings.TrimRight(u, "/")
	}
}

// WithAuthURL sets the token endpoint URL.
func WithAuthURL(u string) Option {
	return func(c *Client) {
		c.authURL = u
	}
}

// WithService sets the service parameter sent to the token endpoint.
func WithService(service string) Option {
	return func(c *Client) {
		c.service = service
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a registry client. Without options it targets Docker Hub.
func New(opts ...Option) *Client {
	c := &Client{
		registryURL: DefaultRegistryURL,
		authURL:     DefaultAuthURL,
		service:     DefaultService,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient("")
	}
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// get issues a GET request and returns the response when the status is 2xx.
// The caller owns the response body.
func (c *Client) get(ctx context.Context, rawURL, token string, accept ...string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(accept) > 0 {
		req.Header.Set("Accept", strings.Join(accept, ","))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		c.log().Debug("registry request failed", "url", rawURL, "status", resp.StatusCode)
		return nil, parseErrorResponse(resp)
	}
	return resp, nil
}

func (c *Client) repoURL(image, kind, ref string) string {
	return fmt.Sprintf("%s/v2/%s/%s/%s", c.registryURL, image, kind, ref)
}
