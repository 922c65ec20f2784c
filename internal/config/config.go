// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

// Package config loads and validates gatewarden configuration. Values are
// layered: built-in defaults, then an optional YAML file, then command-line
// flags.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/gatewarden/gatewarden/internal/auth"
)

// Config is the full gatewarden configuration tree.
type Config struct {
	Node    Node    `koanf:"node"`
	Store   Store   `koanf:"store"`
	Redis   Redis   `koanf:"redis"`
	Auth    Auth    `koanf:"auth"`
	Session Session `koanf:"session"`
	Log     Log     `koanf:"log"`
}

// Node identifies this process in the cluster and its listen addresses.
type Node struct {
	ID          string `koanf:"id"`
	ListenAddr  string `koanf:"listen_addr"`
	MetricsAddr string `koanf:"metrics_addr"`
}

// Store configures the credential and session store.
type Store struct {
	// Driver selects the backend: "postgres" or "memory".
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// Redis configures cluster messaging. An empty Addr selects the in-process
// bus, which is only suitable for a single node.
type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	Channel  string `koanf:"channel"`
}

// Auth configures the login flow, rate limiter, and TOTP verifier.
type Auth struct {
	MaxFailedAttempts     int    `koanf:"max_failed_attempts"`
	LockoutBaseSeconds    int    `koanf:"lockout_base_seconds"`
	LockoutCeilingSeconds int    `koanf:"lockout_ceiling_seconds"`
	AuthDeadlineSeconds   int    `koanf:"auth_deadline_seconds"`
	TotpToleranceSteps    int    `koanf:"totp_tolerance_steps"`
	TotpIssuer            string `koanf:"totp_issuer"`
	CollisionPolicy       string `koanf:"collision_policy"`
}

// Session configures session lifetime and cross-node handover.
type Session struct {
	TTLHours         int  `koanf:"ttl_hours"`
	AckTimeoutMillis int  `koanf:"ack_timeout_millis"`
	Strict           bool `koanf:"strict"`
	RememberMinutes  int  `koanf:"remember_minutes"`
}

// Log configures logging output.
type Log struct {
	// Format is "json" or "text".
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Defaults returns the built-in configuration defaults.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"node.id":                      "node-1",
		"node.listen_addr":             ":4040",
		"node.metrics_addr":            ":9090",
		"store.driver":                 "postgres",
		"store.dsn":                    "",
		"redis.addr":                   "",
		"redis.password":               "",
		"redis.channel":                "gatewarden:session",
		"auth.max_failed_attempts":     5,
		"auth.lockout_base_seconds":    10,
		"auth.lockout_ceiling_seconds": 900,
		"auth.auth_deadline_seconds":   60,
		"auth.totp_tolerance_steps":    1,
		"auth.totp_issuer":             "gatewarden",
		"auth.collision_policy":        "deny",
		"session.ttl_hours":            12,
		"session.ack_timeout_millis":   2000,
		"session.strict":               false,
		"session.remember_minutes":     30,
		"log.format":                   "json",
		"log.level":                    "info",
	}
}

// Load builds a Config from defaults, then the YAML file at path if path is
// non-empty, then flags if flags is non-nil. Later layers win.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, oops.Code("CONFIG_DEFAULTS_FAILED").Wrap(err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, oops.Code("CONFIG_FILE_NOT_FOUND").
				With("path", path).
				Wrap(err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_FILE_INVALID").
				With("path", path).
				Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_UNMARSHAL_FAILED").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values that would misbehave at
// runtime rather than fail loudly.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return oops.Code("CONFIG_INVALID").Errorf("node.id cannot be empty")
	}
	if c.Node.ListenAddr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("node.listen_addr cannot be empty")
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DSN == "" {
			return oops.Code("CONFIG_INVALID").Errorf("store.dsn is required with the postgres driver")
		}
	case "memory":
	default:
		return oops.Code("CONFIG_INVALID").
			With("driver", c.Store.Driver).
			Errorf("store.driver must be postgres or memory")
	}
	if c.Auth.MaxFailedAttempts <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("auth.max_failed_attempts must be positive")
	}
	if c.Auth.LockoutBaseSeconds <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("auth.lockout_base_seconds must be positive")
	}
	if c.Auth.LockoutCeilingSeconds < c.Auth.LockoutBaseSeconds {
		return oops.Code("CONFIG_INVALID").Errorf("auth.lockout_ceiling_seconds must be at least auth.lockout_base_seconds")
	}
	if c.Auth.AuthDeadlineSeconds <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("auth.auth_deadline_seconds must be positive")
	}
	if c.Auth.TotpToleranceSteps < 0 {
		return oops.Code("CONFIG_INVALID").Errorf("auth.totp_tolerance_steps cannot be negative")
	}
	if _, err := auth.ParseCollisionPolicy(c.Auth.CollisionPolicy); err != nil {
		return err
	}
	if c.Session.TTLHours <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("session.ttl_hours must be positive")
	}
	if c.Session.AckTimeoutMillis <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("session.ack_timeout_millis must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return oops.Code("CONFIG_INVALID").
			With("format", c.Log.Format).
			Errorf("log.format must be json or text")
	}
	return nil
}

// AuthDeadline returns the configured authentication deadline.
func (c *Config) AuthDeadline() time.Duration {
	return time.Duration(c.Auth.AuthDeadlineSeconds) * time.Second
}

// LockoutBase returns the configured base lockout duration.
func (c *Config) LockoutBase() time.Duration {
	return time.Duration(c.Auth.LockoutBaseSeconds) * time.Second
}

// LockoutCeiling returns the configured lockout ceiling.
func (c *Config) LockoutCeiling() time.Duration {
	return time.Duration(c.Auth.LockoutCeilingSeconds) * time.Second
}

// SessionTTL returns the configured session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLHours) * time.Hour
}

// AckTimeout returns the configured invalidation ack timeout.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Session.AckTimeoutMillis) * time.Millisecond
}

// RememberWindow returns the configured remember window.
func (c *Config) RememberWindow() time.Duration {
	return time.Duration(c.Session.RememberMinutes) * time.Minute
}
