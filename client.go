package imgpull

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/meigma/imgpull/cache"
	"github.com/meigma/imgpull/download"
	"github.com/meigma/imgpull/export"
	"github.com/meigma/imgpull/registry"
)

// Defaults for a Client.
const (
	DefaultCacheDir      = "downloads"
	DefaultWorkDir       = "tmp"
	DefaultTokenCacheLen = 100
)

// Client runs the pull and export pipeline.
//
// A Client is safe for concurrent use. Concurrent pulls of the same image
// share cache files without coordination; run one pull per image at a time.
type Client struct {
	registry  *registry.Client
	tokens    *registry.TokenCache
	store     *cache.Store
	manager   *download.Manager
	assembler *export.Assembler
	logger    *slog.Logger

	// Collected by options and consumed by NewClient.
	regOpts     []registry.Option
	httpClient  *http.Client
	cacheDir    string
	cacheMode   os.FileMode
	workDir     string
	workers     int
	timeout     time.Duration
	verify      bool
	compression export.Compression
	observer    download.Observer
	tokenLen    int
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// NewClient creates a client with the given options. Without options it
// pulls from Docker Hub into ./downloads and assembles under ./tmp.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		cacheDir:    DefaultCacheDir,
		workDir:     DefaultWorkDir,
		workers:     download.DefaultWorkers,
		timeout:     download.DefaultTimeout,
		compression: export.CompressionNone,
		tokenLen:    DefaultTokenCacheLen,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	regOpts := c.regOpts
	if c.httpClient != nil {
		regOpts = append(regOpts, registry.WithHTTPClient(c.httpClient))
	}
	if c.logger != nil {
		regOpts = append(regOpts, registry.WithLogger(c.logger))
	}
	c.registry = registry.New(regOpts...)
	c.tokens = registry.NewTokenCache(c.registry, c.tokenLen)

	storeOpts := []cache.Option{
		cache.WithVerify(c.verify),
		cache.WithLogger(c.logger),
	}
	if c.cacheMode != 0 {
		storeOpts = append(storeOpts, cache.WithDirPerm(c.cacheMode))
	}
	store, err := cache.New(c.cacheDir, storeOpts...)
	if err != nil {
		return nil, err
	}
	c.store = store

	managerOpts := []download.Option{
		download.WithWorkers(c.workers),
		download.WithTimeout(c.timeout),
		download.WithVerify(c.verify),
		download.WithLogger(c.logger),
	}
	if c.observer != nil {
		managerOpts = append(managerOpts, download.WithObserver(c.observer))
	}
	c.manager = download.NewManager(c.registry, store, managerOpts...)

	c.assembler = export.NewAssembler(store, c.workDir,
		export.WithCompression(c.compression),
		export.WithLogger(c.logger),
	)
	return c, nil
}

// Store returns the blob cache.
func (c *Client) Store() *cache.Store {
	return c.store
}
