package config

import (
	"log/slog"
	"net/http"

	"github.com/meigma/imgpull"
	"github.com/meigma/imgpull/download"
	"github.com/meigma/imgpull/registry"
)

// HTTPClient returns the outbound client for registry and hub traffic.
func (c *Config) HTTPClient() *http.Client {
	return registry.NewHTTPClient(c.ProxyURL)
}

// ClientOptions translates c into imgpull client options. observer may be
// nil.
func (c *Config) ClientOptions(hc *http.Client, logger *slog.Logger, observer download.Observer) ([]imgpull.Option, error) {
	comp, err := c.Compression()
	if err != nil {
		return nil, err
	}
	mode, err := c.DirMode()
	if err != nil {
		return nil, err
	}
	opts := []imgpull.Option{
		imgpull.WithHTTPClient(hc),
		imgpull.WithRegistryURL(c.RegistryURL),
		imgpull.WithAuthURL(c.AuthURL, c.AuthService),
		imgpull.WithUserAgent(c.UserAgent),
		imgpull.WithCacheDir(c.DownloadDir),
		imgpull.WithCacheDirMode(mode),
		imgpull.WithWorkDir(c.WorkDir),
		imgpull.WithConcurrency(c.Concurrency),
		imgpull.WithBlobTimeout(c.BlobTimeout()),
		imgpull.WithVerifyDigests(c.VerifyDigests),
		imgpull.WithCompression(comp),
		imgpull.WithLogger(logger),
	}
	if observer != nil {
		opts = append(opts, imgpull.WithObserver(observer))
	}
	return opts, nil
}
