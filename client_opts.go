package imgpull

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/meigma/imgpull/download"
	"github.com/meigma/imgpull/export"
	"github.com/meigma/imgpull/registry"
)

// Option configures a Client.
type Option func(*Client) error

// --- Registry Options ---

// WithRegistryURL sets the registry base URL.
func WithRegistryURL(u string) Option {
	return func(c *Client) error {
		if u == "" {
			return errors.New("registry URL is empty")
		}
		c.regOpts = append(c.regOpts, registry.WithRegistryURL(u))
		return nil
	}
}

// WithAuthURL sets the token endpoint and the service it issues tokens for.
func WithAuthURL(authURL, service string) Option {
	return func(c *Client) error {
		if authURL == "" {
			return errors.New("auth URL is empty")
		}
		c.regOpts = append(c.regOpts, registry.WithAuthURL(authURL))
		if service != "" {
			c.regOpts = append(c.regOpts, registry.WithService(service))
		}
		return nil
	}
}

// WithHTTPClient sets the HTTP client for registry traffic.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithUserAgent sets the User-Agent header for registry requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.regOpts = append(c.regOpts, registry.WithUserAgent(ua))
		return nil
	}
}

// WithTokenCacheSize sets how many tokens are kept. Defaults to 100.
func WithTokenCacheSize(n int) Option {
	return func(c *Client) error {
		c.tokenLen = n
		return nil
	}
}

// --- Storage Options ---

// WithCacheDir sets the blob cache directory. Defaults to "downloads".
func WithCacheDir(dir string) Option {
	return func(c *Client) error {
		if dir == "" {
			return errors.New("cache dir is empty")
		}
		c.cacheDir = dir
		return nil
	}
}

// WithCacheDirMode sets the permissions of cache directories. Defaults to
// 0755.
func WithCacheDirMode(mode os.FileMode) Option {
	return func(c *Client) error {
		if mode&0o700 != 0o700 {
			return fmt.Errorf("cache dir mode %#o must grant the owner rwx", mode)
		}
		c.cacheMode = mode
		return nil
	}
}

// WithWorkDir sets the directory under which archives are assembled.
// Defaults to "tmp".
func WithWorkDir(dir string) Option {
	return func(c *Client) error {
		if dir == "" {
			return errors.New("work dir is empty")
		}
		c.workDir = dir
		return nil
	}
}

// WithVerifyDigests makes cache lookups and downloads check content
// digests in addition to sizes.
func WithVerifyDigests(enabled bool) Option {
	return func(c *Client) error {
		c.verify = enabled
		return nil
	}
}

// WithCompression sets the export archive encoding.
func WithCompression(comp export.Compression) Option {
	return func(c *Client) error {
		c.compression = comp
		return nil
	}
}

// --- Download Options ---

// WithConcurrency sets the number of concurrent blob transfers.
func WithConcurrency(n int) Option {
	return func(c *Client) error {
		if n < 1 {
			return errors.New("concurrency must be at least 1")
		}
		c.workers = n
		return nil
	}
}

// WithBlobTimeout sets the deadline for each blob transfer.
func WithBlobTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.New("blob timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithObserver sets an observer for transfer metrics.
func WithObserver(o download.Observer) Option {
	return func(c *Client) error {
		c.observer = o
		return nil
	}
}

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}
