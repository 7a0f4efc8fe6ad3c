// Package config loads the provider configuration from yaml files with
// environment-variable overrides. Misconfiguration is fatal at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
)

// Config is the root provider configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Ingest    IngestConfig    `yaml:"ingest"`
	LogLevel  string          `yaml:"log_level"`

	FeedsFile     string `yaml:"feeds_file"`
	ExchangesFile string `yaml:"exchanges_file"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Port               int           `yaml:"port"`
	BasePath           string        `yaml:"base_path"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	GracefulShutdownMs int           `yaml:"graceful_shutdown_ms"`
	ReadinessTimeoutMs int           `yaml:"readiness_timeout_ms"`
}

// CacheConfig tunes the real-time cache.
type CacheConfig struct {
	TTLMs      int `yaml:"ttl_ms"`
	MaxEntries int `yaml:"max_entries"`
}

// RateLimitConfig tunes the request-side limiter.
type RateLimitConfig struct {
	WindowMs               int64 `yaml:"window_ms"`
	MaxRequests            int   `yaml:"max_requests"`
	SkipSuccessfulRequests bool  `yaml:"skip_successful_requests"`
	SkipFailedRequests     bool  `yaml:"skip_failed_requests"`
}

// IngestConfig tunes validation and aggregation.
type IngestConfig struct {
	MaxAgeMs         int     `yaml:"max_age_ms"`
	OutlierThreshold float64 `yaml:"outlier_threshold"`
	MinSources       int     `yaml:"min_sources"`
	TimeDecayFactor  float64 `yaml:"time_decay_factor"`
	MaxStalenessMs   int     `yaml:"max_staleness_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:               3101,
			BasePath:           "",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			GracefulShutdownMs: 30_000,
			ReadinessTimeoutMs: 2_000,
		},
		Cache: CacheConfig{
			TTLMs:      500,
			MaxEntries: 10_000,
		},
		RateLimit: RateLimitConfig{
			WindowMs:    60_000,
			MaxRequests: 100,
		},
		Ingest: IngestConfig{
			MaxAgeMs:         2_000,
			OutlierThreshold: 0.05,
			MinSources:       2,
			TimeDecayFactor:  0.1,
			MaxStalenessMs:   5_000,
		},
		LogLevel:      "info",
		FeedsFile:     "config/feeds.yaml",
		ExchangesFile: "config/exchanges.yaml",
	}
}

// Load reads the yaml file at path (optional) and applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.Wrap(errs.KindConfiguration, "config_load", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errs.Wrap(errs.KindConfiguration, "config_parse", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("BASE_PATH"); v != "" {
		cfg.Server.BasePath = v
	}
	if v := os.Getenv("RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MaxRequests = n
		}
	}
	if v := os.Getenv("CACHE_TTL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.TTLMs = n
		}
	}
	if v := os.Getenv("CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxEntries = n
		}
	}
	if v := os.Getenv("GRACEFUL_SHUTDOWN_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.GracefulShutdownMs = n
		}
	}
	if v := os.Getenv("READINESS_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.ReadinessTimeoutMs = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate rejects configurations the provider cannot start with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errs.Newf(errs.KindConfiguration, "config_validate", "invalid port %d", c.Server.Port)
	}
	if c.Cache.MaxEntries <= 0 {
		return errs.New(errs.KindConfiguration, "config_validate", "cache max_entries must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.WindowMs <= 0 {
		return errs.New(errs.KindConfiguration, "config_validate", "rate limit window and max requests must be positive")
	}
	if c.Ingest.MinSources < 1 {
		return errs.New(errs.KindConfiguration, "config_validate", "min_sources must be at least 1")
	}
	if c.Ingest.OutlierThreshold <= 0 || c.Ingest.OutlierThreshold >= 1 {
		return errs.Newf(errs.KindConfiguration, "config_validate", "outlier_threshold %f out of (0,1)", c.Ingest.OutlierThreshold)
	}
	return nil
}

// String renders a redacted one-line summary for startup logging.
func (c Config) String() string {
	return fmt.Sprintf("port=%d cache_ttl=%dms cache_max=%d rl=%d/%dms",
		c.Server.Port, c.Cache.TTLMs, c.Cache.MaxEntries, c.RateLimit.MaxRequests, c.RateLimit.WindowMs)
}
