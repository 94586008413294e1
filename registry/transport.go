package registry

import (
	"net/http"
	"net/url"
)

// NewHTTPClient returns an HTTP client for registry traffic.
//
// If proxyURL is non-empty every request is sent through it; otherwise the
// HTTPS_PROXY, HTTP_PROXY and NO_PROXY environment variables apply. The
// client has no overall timeout because blob bodies are streamed; callers
// bound requests through their contexts.
func NewHTTPClient(proxyURL string) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:errcheck // DefaultTransport is always *http.Transport
	transport.Proxy = http.ProxyFromEnvironment
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Transport: transport}
}
