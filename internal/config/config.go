// Package config loads service settings from an optional YAML file followed
// by environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"paynotify/internal/buffer"
)

type Config struct {
	HTTP struct {
		Addr      string  `yaml:"addr"`
		RateRPS   float64 `yaml:"rate_rps"`
		RateBurst int     `yaml:"rate_burst"`
	} `yaml:"http"`

	Database struct {
		URL     string `yaml:"url"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"database"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	AMQP struct {
		URL      string          `yaml:"url"`
		Prefetch int             `yaml:"prefetch"`
		Topology buffer.Topology `yaml:"topology"`
	} `yaml:"amqp"`

	Delivery struct {
		// Mode is "direct" or "buffered".
		Mode             string `yaml:"mode"`
		TimelineBaseURL  string `yaml:"timeline_base_url"`
		ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
		RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	} `yaml:"delivery"`

	Subscriptions struct {
		MaxRetries       int `yaml:"max_retries"`
		BackoffBaseMs    int `yaml:"backoff_base_ms"`
		RequestTimeoutMs int `yaml:"request_timeout_ms"`
	} `yaml:"subscriptions"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	ShutdownGraceMs int `yaml:"shutdown_grace_ms"`
}

func Default() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.HTTP.RateRPS = 50
	c.HTTP.RateBurst = 100
	c.Database.Migrate = true
	c.AMQP.Prefetch = 16
	c.AMQP.Topology = buffer.DefaultTopology()
	c.Delivery.Mode = "direct"
	c.Delivery.ConnectTimeoutMs = 3000
	c.Delivery.RequestTimeoutMs = 5000
	c.Subscriptions.MaxRetries = 3
	c.Subscriptions.BackoffBaseMs = 1000
	c.Subscriptions.RequestTimeoutMs = 5000
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.ShutdownGraceMs = 10000
	return c
}

// Load reads path (a missing file is fine) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(c *Config) {
	if p := os.Getenv("PORT"); p != "" {
		c.HTTP.Addr = ":" + p
	}
	c.HTTP.Addr = envString("PAYNOTIFY_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.RateRPS = envFloat("PAYNOTIFY_RATE_RPS", c.HTTP.RateRPS)
	c.HTTP.RateBurst = envInt("PAYNOTIFY_RATE_BURST", c.HTTP.RateBurst)
	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.Migrate = envBool("PAYNOTIFY_DB_MIGRATE", c.Database.Migrate)
	c.Redis.URL = envString("REDIS_URL", c.Redis.URL)
	c.AMQP.URL = envString("AMQP_URL", c.AMQP.URL)
	c.AMQP.Prefetch = envInt("PAYNOTIFY_AMQP_PREFETCH", c.AMQP.Prefetch)
	c.Delivery.Mode = envString("PAYNOTIFY_DELIVERY_MODE", c.Delivery.Mode)
	c.Delivery.TimelineBaseURL = envString("PAYNOTIFY_TIMELINE_BASE_URL", c.Delivery.TimelineBaseURL)
	c.Delivery.ConnectTimeoutMs = envInt("PAYNOTIFY_CONNECT_TIMEOUT_MS", c.Delivery.ConnectTimeoutMs)
	c.Delivery.RequestTimeoutMs = envInt("PAYNOTIFY_REQUEST_TIMEOUT_MS", c.Delivery.RequestTimeoutMs)
	c.Subscriptions.MaxRetries = envInt("PAYNOTIFY_DEFAULT_MAX_RETRIES", c.Subscriptions.MaxRetries)
	c.Subscriptions.BackoffBaseMs = envInt("PAYNOTIFY_DEFAULT_BACKOFF_BASE_MS", c.Subscriptions.BackoffBaseMs)
	c.Subscriptions.RequestTimeoutMs = envInt("PAYNOTIFY_DEFAULT_REQUEST_TIMEOUT_MS", c.Subscriptions.RequestTimeoutMs)
	c.Log.Level = envString("PAYNOTIFY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("PAYNOTIFY_LOG_FORMAT", c.Log.Format)
	c.ShutdownGraceMs = envInt("PAYNOTIFY_SHUTDOWN_GRACE_MS", c.ShutdownGraceMs)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Delivery.Mode {
	case "direct", "buffered":
	default:
		errs = append(errs, fmt.Errorf("delivery.mode %q must be direct or buffered", c.Delivery.Mode))
	}
	if c.Subscriptions.MaxRetries < 1 {
		errs = append(errs, errors.New("subscriptions.max_retries must be at least 1"))
	}
	if c.Subscriptions.BackoffBaseMs < 0 || c.Subscriptions.RequestTimeoutMs < 0 {
		errs = append(errs, errors.New("subscription backoff and timeout defaults must not be negative"))
	}
	if c.Delivery.ConnectTimeoutMs < 0 || c.Delivery.RequestTimeoutMs < 0 {
		errs = append(errs, errors.New("delivery timeouts must not be negative"))
	}
	if c.HTTP.RateRPS < 0 || c.HTTP.RateBurst < 0 {
		errs = append(errs, errors.New("rate limit values must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Delivery.ConnectTimeoutMs) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Delivery.RequestTimeoutMs) * time.Millisecond
}

func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

// Redacted is safe to expose on the debug endpoint.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"http_addr":         c.HTTP.Addr,
		"rate_rps":          c.HTTP.RateRPS,
		"rate_burst":        c.HTTP.RateBurst,
		"database":          c.Database.URL != "",
		"redis":             c.Redis.URL != "",
		"amqp":              c.AMQP.URL != "",
		"delivery_mode":     c.Delivery.Mode,
		"timeline_base":     c.Delivery.TimelineBaseURL,
		"default_retries":   c.Subscriptions.MaxRetries,
		"default_backoff":   c.Subscriptions.BackoffBaseMs,
		"default_timeout":   c.Subscriptions.RequestTimeoutMs,
		"log_level":         c.Log.Level,
		"buffer_exchange":   c.AMQP.Topology.Exchange,
		"shutdown_grace_ms": c.ShutdownGraceMs,
	}
}

func envString(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envFloat(name string, fallback float64) float64 {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return fallback
}
