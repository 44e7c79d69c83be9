// Package config loads the relay configuration from an optional YAML file
// and environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default upstream settings, matching the Vimeo API v3.4.
const (
	DefaultBaseURL          = "https://api.vimeo.com"
	DefaultAccept           = "application/vnd.vimeo.*+json;version=3.4"
	DefaultCollectionFields = "uri,name,description,duration,pictures,stats,link"
	DefaultItemFields       = "uri,name,description,duration,pictures.base_link,stats,link,user.name"
	DefaultPageSize         = 50
	DefaultMaxPages         = 500
	DefaultMaxItems         = 25000
)

// Config holds all relay configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Upstream Upstream      `yaml:"upstream"`
	Redis    RedisConfig   `yaml:"redis"`
	Cache    CacheConfig   `yaml:"cache"`
	Logging  LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the inbound HTTP server.
type ServerConfig struct {
	Port            string   `yaml:"port"`
	CORSOrigins     []string `yaml:"cors_origins"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

// Upstream configures the video-hosting API the relay forwards to.
type Upstream struct {
	BaseURL     string `yaml:"base_url"`
	AccessToken string `yaml:"access_token"`
	UserAgent   string `yaml:"user_agent"`
	Accept      string `yaml:"accept"`

	// Collection owner and collection (folder) identifiers.
	UserID   string `yaml:"user_id"`
	FolderID string `yaml:"folder_id"`

	CollectionFields string `yaml:"collection_fields"`
	ItemFields       string `yaml:"item_fields"`
	PageSize         int    `yaml:"page_size"`

	// Upper bounds for one aggregation.
	MaxPages int `yaml:"max_pages"`
	MaxItems int `yaml:"max_items"`

	RequestTimeout   string `yaml:"request_timeout"`
	AggregateTimeout string `yaml:"aggregate_timeout"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig configures optional upstream retries. MaxAttempts of 1 disables retrying.
type RetryConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// RedisConfig configures the optional Redis backend. An empty Addr disables
// caching and rate-limit tracking.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig configures the upstream response cache.
type CacheConfig struct {
	DefaultTTL string `yaml:"default_ttl"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "3001",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: "10s",
		},
		Upstream: Upstream{
			BaseURL:          DefaultBaseURL,
			UserAgent:        "video-relay/0.1.0",
			Accept:           DefaultAccept,
			CollectionFields: DefaultCollectionFields,
			ItemFields:       DefaultItemFields,
			PageSize:         DefaultPageSize,
			MaxPages:         DefaultMaxPages,
			MaxItems:         DefaultMaxItems,
			RequestTimeout:   "30s",
			AggregateTimeout: "2m",
			Retry: RetryConfig{
				MaxAttempts:    1,
				InitialBackoff: "1s",
				MaxBackoff:     "30s",
			},
		},
		Cache: CacheConfig{
			DefaultTTL: "5m",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file and applies environment overrides.
// A missing file (or an empty path) yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VIMEO_ACCESS_TOKEN"); v != "" {
		c.Upstream.AccessToken = v
	}
	if v := os.Getenv("VIMEO_USER_ID"); v != "" {
		c.Upstream.UserID = v
	}
	if v := os.Getenv("VIMEO_FOLDER_ID"); v != "" {
		c.Upstream.FolderID = v
	}
	if v := os.Getenv("VIMEO_API_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		if pretty, err := strconv.ParseBool(v); err == nil {
			c.Logging.Pretty = pretty
		}
	}
}

// Validate checks structural settings. Missing credentials and identifiers are
// not reported here: they surface per request as configuration errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream base_url: %q", c.Upstream.BaseURL)
	}
	if c.Upstream.PageSize <= 0 {
		return fmt.Errorf("upstream page_size must be > 0 (got %d)", c.Upstream.PageSize)
	}
	if c.Upstream.MaxPages <= 0 {
		return fmt.Errorf("upstream max_pages must be > 0 (got %d)", c.Upstream.MaxPages)
	}
	if c.Upstream.MaxItems <= 0 {
		return fmt.Errorf("upstream max_items must be > 0 (got %d)", c.Upstream.MaxItems)
	}
	if c.Upstream.Retry.MaxAttempts < 1 {
		return fmt.Errorf("upstream retry max_attempts must be >= 1 (got %d)", c.Upstream.Retry.MaxAttempts)
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		return fmt.Errorf("server port is required")
	}

	durations := []struct {
		name  string
		value string
	}{
		{"upstream request_timeout", c.Upstream.RequestTimeout},
		{"upstream aggregate_timeout", c.Upstream.AggregateTimeout},
		{"upstream retry initial_backoff", c.Upstream.Retry.InitialBackoff},
		{"upstream retry max_backoff", c.Upstream.Retry.MaxBackoff},
		{"cache default_ttl", c.Cache.DefaultTTL},
		{"server shutdown_timeout", c.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		if err := validateDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.value, err)
		}
	}
	return nil
}

// validateDuration accepts an empty value, which selects the default.
func validateDuration(s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

// MissingCredentials lists the upstream settings needed for collection
// aggregation that are unset. collectionID overrides the configured folder.
func (u Upstream) MissingCredentials(collectionID string) []string {
	var missing []string
	if u.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	if u.UserID == "" {
		missing = append(missing, "user_id")
	}
	if collectionID == "" && u.FolderID == "" {
		missing = append(missing, "folder_id")
	}
	return missing
}

// GetRequestTimeout returns the per-request upstream timeout.
func (u Upstream) GetRequestTimeout() time.Duration {
	return parseDuration(u.RequestTimeout, 30*time.Second)
}

// GetAggregateTimeout returns the overall deadline for one aggregation.
func (u Upstream) GetAggregateTimeout() time.Duration {
	return parseDuration(u.AggregateTimeout, 2*time.Minute)
}

// GetInitialBackoff returns the first retry backoff.
func (r RetryConfig) GetInitialBackoff() time.Duration {
	return parseDuration(r.InitialBackoff, time.Second)
}

// GetMaxBackoff returns the retry backoff ceiling.
func (r RetryConfig) GetMaxBackoff() time.Duration {
	return parseDuration(r.MaxBackoff, 30*time.Second)
}

// GetDefaultTTL returns the cache TTL used when upstream sends no Expires header.
func (c CacheConfig) GetDefaultTTL() time.Duration {
	return parseDuration(c.DefaultTTL, 5*time.Minute)
}

// GetShutdownTimeout returns the graceful shutdown budget.
func (s ServerConfig) GetShutdownTimeout() time.Duration {
	return parseDuration(s.ShutdownTimeout, 10*time.Second)
}

// RedisEnabled reports whether a Redis backend is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
