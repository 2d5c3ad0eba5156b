// Package config loads process-wide configuration for pairlink.
//
// Configuration comes from an optional YAML file overridden by environment
// variables. The struct is built once at startup and passed by reference into
// the gateway, the link service and the watcher — nothing reads the
// environment after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the reconciliation loop and link lifecycle.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultFastPoll     = 15 * time.Second
	DefaultLinkTTL      = 4 * time.Hour
	DefaultListen       = ":8080"
	DefaultRedisURL     = "redis://localhost:6379/0"
)

// Config holds all runtime configuration.
type Config struct {
	// Evolution API server.
	EvolutionDomain string `yaml:"evolution_domain"`
	GlobalKey       string `yaml:"evolution_global_key"`

	// Admin sender identity used to deliver pairing links.
	AdminInstance string `yaml:"admin_instance"`
	AdminKey      string `yaml:"admin_key"`

	// Link store.
	RedisURL string `yaml:"redis_url"`

	// Public base URL of the pairing page, e.g. "https://pair.example.com".
	BaseURL string `yaml:"base_url"`

	// HTTP listen address for the pairing front-end.
	Listen string `yaml:"listen"`

	// Reconciliation tuning.
	PollInterval time.Duration `yaml:"poll_interval"`
	FastPoll     time.Duration `yaml:"fast_poll"`
	LinkTTL      time.Duration `yaml:"link_ttl"`

	// Outbound provider rate limit, requests per minute. 0 disables.
	ProviderRPM int `yaml:"provider_rpm"`
}

// Load builds a Config from the YAML file at path (if path is non-empty)
// with environment variables taking precedence over file values.
func Load(path string) (*Config, error) {
	cfg := &Config{
		RedisURL:     DefaultRedisURL,
		Listen:       DefaultListen,
		PollInterval: DefaultPollInterval,
		FastPoll:     DefaultFastPoll,
		LinkTTL:      DefaultLinkTTL,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	setString(&cfg.EvolutionDomain, "EVOLUTION_DOMAIN")
	setString(&cfg.GlobalKey, "EVOLUTION_GLOBAL_KEY")
	setString(&cfg.AdminInstance, "EVOLUTION_ADMIN_INSTANCE")
	setString(&cfg.AdminKey, "EVOLUTION_ADMIN_KEY")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.BaseURL, "PAIRLINK_BASE_URL")
	setString(&cfg.Listen, "PAIRLINK_LISTEN")
	setDuration(&cfg.PollInterval, "PAIRLINK_POLL_INTERVAL")
	setDuration(&cfg.FastPoll, "PAIRLINK_FAST_POLL")
	setDuration(&cfg.LinkTTL, "PAIRLINK_LINK_TTL")
	setInt(&cfg.ProviderRPM, "PAIRLINK_PROVIDER_RPM")
}

// Validate checks that everything the reconciliation loop needs is present.
// Called once at startup; a failure here is fatal.
func (c *Config) Validate() error {
	if c.EvolutionDomain == "" {
		return fmt.Errorf("EVOLUTION_DOMAIN is required")
	}
	if c.GlobalKey == "" {
		return fmt.Errorf("EVOLUTION_GLOBAL_KEY is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.FastPoll <= 0 || c.FastPoll > c.PollInterval {
		return fmt.Errorf("fast_poll must be in (0, poll_interval], got %s", c.FastPoll)
	}
	if c.LinkTTL <= 0 {
		return fmt.Errorf("link_ttl must be positive, got %s", c.LinkTTL)
	}
	return nil
}

// CanSendLinks reports whether the admin sender identity is configured.
// Without it the watcher still issues links, it just cannot deliver them.
func (c *Config) CanSendLinks() bool {
	return c.AdminInstance != "" && c.AdminKey != ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
