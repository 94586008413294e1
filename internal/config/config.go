// Package config loads imgpull settings from a TOML file, an optional .env
// file and IMGPULL_* environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/meigma/imgpull/export"
	"github.com/meigma/imgpull/registry"
)

const (
	// DefaultConfigPath is read when no path is given. A missing file at
	// this path is not an error.
	DefaultConfigPath = "imgpull.toml"

	// DefaultEnvFile is loaded into the process environment if present.
	DefaultEnvFile = ".env"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "IMGPULL_"
)

const (
	defaultListenAddress = ":3000"
	defaultDownloadDir   = "downloads"
	defaultWorkDir       = "tmp"
	defaultConcurrency   = 3
	defaultBlobTimeout   = 600
	defaultHubURL        = "https://hub.docker.com"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultUserAgent     = "imgpull/1.0"
	defaultCacheDirMode  = "0755"
)

// Config is the effective configuration of the server and CLI.
type Config struct {
	// ListenAddress is the HTTP listen address of `imgpull serve`.
	ListenAddress string `toml:"listen_address"`

	// DownloadDir is the blob cache root.
	DownloadDir string `toml:"download_dir"`

	// CacheDirMode is the octal permission of cache directories.
	CacheDirMode string `toml:"cache_dir_mode"`

	// WorkDir holds temporary export layouts.
	WorkDir string `toml:"work_dir"`

	// Concurrency is the number of blob download workers.
	Concurrency int `toml:"concurrency"`

	// BlobTimeoutSec bounds each blob transfer.
	BlobTimeoutSec int `toml:"blob_timeout_sec"`

	RegistryURL string `toml:"registry_url"`
	AuthURL     string `toml:"auth_url"`
	AuthService string `toml:"auth_service"`
	HubURL      string `toml:"hub_url"`

	// ProxyURL routes outbound traffic through an HTTP proxy. Empty falls
	// back to HTTPS_PROXY / HTTP_PROXY.
	ProxyURL string `toml:"proxy_url"`

	// VerifyDigests checks blob digests in addition to sizes.
	VerifyDigests bool `toml:"verify_digests"`

	// ExportCompression is one of none, gzip or zstd.
	ExportCompression string `toml:"export_compression"`

	// CacheMaxBytes prunes the cache to this size at server start. Zero
	// disables pruning.
	CacheMaxBytes int64 `toml:"cache_max_bytes"`

	// AllowedOrigins lists extra origins accepted for WebSocket upgrades.
	// "*" accepts any origin.
	AllowedOrigins []string `toml:"allowed_origins,omitempty"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	UserAgent string `toml:"user_agent"`
}

type configParser func(*Config) error

var parsers = []configParser{parseServerConfig, parseRegistryConfig, parseDownloadConfig, parseLogConfig}

// NewConfig returns a Config with default values set.
func NewConfig() *Config {
	cfg := &Config{}
	for _, p := range parsers {
		_ = p(cfg) //nolint:errcheck // defaults always validate
	}
	return cfg
}

// Load reads the TOML file at path over the defaults, then applies the
// environment. An empty path means DefaultConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg, err := NewConfigFromToml(path)
	if err != nil {
		return nil, err
	}
	if err := loadEnvFile(DefaultEnvFile); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewConfigFromToml decodes the file at cfgPath over the defaults.
func NewConfigFromToml(cfgPath string) (*Config, error) {
	f, err := os.Open(cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && cfgPath == DefaultConfigPath {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to open config file %q: %w", cfgPath, err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", cfgPath, err)
	}
	return cfg, nil
}

// Decode reads TOML from r over the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	cfg := NewConfig()
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	if err := parseConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dump writes cfg as TOML.
func (c *Config) Dump(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// BlobTimeout returns BlobTimeoutSec as a duration.
func (c *Config) BlobTimeout() time.Duration {
	return time.Duration(c.BlobTimeoutSec) * time.Second
}

// DirMode returns the parsed CacheDirMode.
func (c *Config) DirMode() (os.FileMode, error) {
	n, err := strconv.ParseUint(c.CacheDirMode, 8, 32)
	if err != nil || n > 0o777 {
		return 0, fmt.Errorf("invalid cache_dir_mode %q", c.CacheDirMode)
	}
	return os.FileMode(n), nil
}

// Compression returns the parsed ExportCompression.
func (c *Config) Compression() (export.Compression, error) {
	return export.ParseCompression(c.ExportCompression)
}

func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load env file %q: %w", path, err)
}

// ApplyEnv overrides fields from IMGPULL_<KEY> variables, where KEY is the
// upper-cased TOML key. proxy_url additionally falls back to HTTPS_PROXY and
// HTTP_PROXY.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"LISTEN_ADDRESS":     &c.ListenAddress,
		"DOWNLOAD_DIR":       &c.DownloadDir,
		"CACHE_DIR_MODE":     &c.CacheDirMode,
		"WORK_DIR":           &c.WorkDir,
		"REGISTRY_URL":       &c.RegistryURL,
		"AUTH_URL":           &c.AuthURL,
		"AUTH_SERVICE":       &c.AuthService,
		"HUB_URL":            &c.HubURL,
		"PROXY_URL":          &c.ProxyURL,
		"EXPORT_COMPRESSION": &c.ExportCompression,
		"LOG_LEVEL":          &c.LogLevel,
		"LOG_FORMAT":         &c.LogFormat,
		"USER_AGENT":         &c.UserAgent,
	}
	for key, dst := range strs {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CONCURRENCY":      &c.Concurrency,
		"BLOB_TIMEOUT_SEC": &c.BlobTimeoutSec,
	}
	for key, dst := range ints {
		v := getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	if v := getenv(EnvPrefix + "CACHE_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sCACHE_MAX_BYTES: %w", EnvPrefix, err)
		}
		c.CacheMaxBytes = n
	}
	if v := getenv(EnvPrefix + "VERIFY_DIGESTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sVERIFY_DIGESTS: %w", EnvPrefix, err)
		}
		c.VerifyDigests = b
	}

	if v := getenv(EnvPrefix + "ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}

	if c.ProxyURL == "" {
		c.ProxyURL = firstNonEmpty(getenv("HTTPS_PROXY"), getenv("https_proxy"), getenv("HTTP_PROXY"), getenv("http_proxy"))
	}
	return parseConfig(c)
}

func parseConfig(cfg *Config) error {
	var errs []error
	for _, p := range parsers {
		errs = append(errs, p(cfg))
	}
	return errors.Join(errs...)
}

func parseServerConfig(cfg *Config) error {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.HubURL == "" {
		cfg.HubURL = defaultHubURL
	}
	if cfg.ExportCompression == "" {
		cfg.ExportCompression = string(export.CompressionNone)
	}
	if _, err := cfg.Compression(); err != nil {
		return err
	}
	if cfg.CacheMaxBytes < 0 {
		return fmt.Errorf("cache_max_bytes must not be negative, got %d", cfg.CacheMaxBytes)
	}
	return nil
}

func parseRegistryConfig(cfg *Config) error {
	if cfg.RegistryURL == "" {
		cfg.RegistryURL = registry.DefaultRegistryURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = registry.DefaultAuthURL
	}
	if cfg.AuthService == "" {
		cfg.AuthService = registry.DefaultService
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	cfg.RegistryURL = strings.TrimRight(cfg.RegistryURL, "/")
	cfg.HubURL = strings.TrimRight(cfg.HubURL, "/")
	return nil
}

func parseDownloadConfig(cfg *Config) error {
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = defaultDownloadDir
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaultWorkDir
	}
	if cfg.CacheDirMode == "" {
		cfg.CacheDirMode = defaultCacheDirMode
	}
	if _, err := cfg.DirMode(); err != nil {
		return err
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.BlobTimeoutSec == 0 {
		cfg.BlobTimeoutSec = defaultBlobTimeout
	}
	if cfg.Concurrency < 0 {
		return fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	if cfg.BlobTimeoutSec < 0 {
		return fmt.Errorf("blob_timeout_sec must be positive, got %d", cfg.BlobTimeoutSec)
	}
	return nil
}

func parseLogConfig(cfg *Config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}
	switch cfg.LogFormat {
	case "text", "json", "logfmt":
		return nil
	default:
		return fmt.Errorf("unknown log_format %q", cfg.LogFormat)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
