// Package config provides configuration loading for pagefold.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. This package covers the server, the Confluence fetch client,
// the embedding pipeline (cache, debounce, processor) and the token store.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation errors.
var (
	ErrInvalidBaseURL   = errors.New("confluence base_url must be an absolute http(s) URL")
	ErrInvalidCacheSize = errors.New("cache limits must be positive")
	ErrInvalidDelay     = errors.New("debounce delays must satisfy 0 < floor <= base <= ceiling")
)

// Config holds the complete pagefold configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Confluence ConfluenceConfig `koanf:"confluence"`
	Cache      CacheConfig      `koanf:"cache"`
	Debounce   DebounceConfig   `koanf:"debounce"`
	Processor  ProcessorConfig  `koanf:"processor"`
	Token      TokenConfig      `koanf:"token"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // trace, debug, info, warn, error
	Format string `koanf:"format"` // json or console
	Output string `koanf:"output"` // stdout, stderr, or a file path
}

// ConfluenceConfig holds the remote content repository configuration.
type ConfluenceConfig struct {
	Enabled        bool     `koanf:"enabled"`
	BaseURL        string   `koanf:"base_url"`
	RequestTimeout Duration `koanf:"request_timeout"`
	RateLimit      float64  `koanf:"rate_limit"` // requests per second
	RateBurst      int      `koanf:"rate_burst"`
	MaxRetries     int      `koanf:"max_retries"`
}

// CacheConfig bounds the optimizer's global content cache.
type CacheConfig struct {
	MaxEntries    int `koanf:"max_entries"`
	MaxMemoryMB   int `koanf:"max_memory_mb"`
	MaxConcurrent int `koanf:"max_concurrent"` // batch fetch concurrency ceiling
}

// DebounceConfig holds debounce timing configuration.
type DebounceConfig struct {
	BaseDelay Duration `koanf:"base_delay"`
	MinDelay  Duration `koanf:"min_delay"`
	MaxDelay  Duration `koanf:"max_delay"`
	HighDelay Duration `koanf:"high_delay"` // high-priority tier
	LowDelay  Duration `koanf:"low_delay"`  // low-priority tier
}

// ProcessorConfig bounds the per-processor legacy cache and session content.
type ProcessorConfig struct {
	MaxCacheSize    int     `koanf:"max_cache_size"`    // entries in the direct-path cache
	MaxContentSize  int     `koanf:"max_content_size"`  // bytes per cached entry
	MemoryWarnLevel float64 `koanf:"memory_warn_level"` // fraction of the cap that flips IsMemoryUsageHigh
}

// TokenConfig holds secure token store configuration.
type TokenConfig struct {
	StorePath string `koanf:"store_path"` // path to the key/value store file
	MinLength int    `koanf:"min_length"`
	MaxLength int    `koanf:"max_length"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9190,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Confluence: ConfluenceConfig{
			Enabled:        true,
			BaseURL:        "",
			RequestTimeout: Duration(15 * time.Second),
			RateLimit:      5,
			RateBurst:      10,
			MaxRetries:     3,
		},
		Cache: CacheConfig{
			MaxEntries:    100,
			MaxMemoryMB:   50,
			MaxConcurrent: 8,
		},
		Debounce: DebounceConfig{
			BaseDelay: Duration(300 * time.Millisecond),
			MinDelay:  Duration(100 * time.Millisecond),
			MaxDelay:  Duration(1500 * time.Millisecond),
			HighDelay: Duration(100 * time.Millisecond),
			LowDelay:  Duration(600 * time.Millisecond),
		},
		Processor: ProcessorConfig{
			MaxCacheSize:    50,
			MaxContentSize:  512 * 1024,
			MemoryWarnLevel: 0.8,
		},
		Token: TokenConfig{
			StorePath: "", // resolved to ~/.config/pagefold/credentials.json by the store
			MinLength: 10,
			MaxLength: 512,
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging format: %q", c.Logging.Format)
	}

	if c.Confluence.Enabled && c.Confluence.BaseURL != "" {
		u, err := url.Parse(c.Confluence.BaseURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.Confluence.BaseURL)
		}
	}

	if c.Cache.MaxEntries <= 0 || c.Cache.MaxMemoryMB <= 0 || c.Cache.MaxConcurrent <= 0 {
		return ErrInvalidCacheSize
	}
	if c.Processor.MaxCacheSize <= 0 || c.Processor.MaxContentSize <= 0 {
		return ErrInvalidCacheSize
	}
	if c.Processor.MemoryWarnLevel <= 0 || c.Processor.MemoryWarnLevel > 1 {
		return fmt.Errorf("memory_warn_level must be in (0, 1]: %v", c.Processor.MemoryWarnLevel)
	}

	d := c.Debounce
	if d.MinDelay.Duration() <= 0 ||
		d.MinDelay.Duration() > d.BaseDelay.Duration() ||
		d.BaseDelay.Duration() > d.MaxDelay.Duration() {
		return ErrInvalidDelay
	}

	if c.Token.MinLength <= 0 || c.Token.MaxLength < c.Token.MinLength {
		return fmt.Errorf("token length window invalid: min=%d max=%d", c.Token.MinLength, c.Token.MaxLength)
	}

	return nil
}
