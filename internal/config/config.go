// Package config loads the daemon's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Authentication modes.
const (
	AuthModeJWT     = "jwt"
	AuthModeOIDC    = "oidc"
	AuthModeKeyFile = "keyfile"
)

// Config holds every daemon setting. Defaults are provided via struct tags.
type Config struct {
	// Addr is the gateway listen address. ENV: BOOKING_GATEWAY_ADDR
	Addr string `env:"BOOKING_GATEWAY_ADDR,default=:8080"`
	// MetricsAddr serves /metrics on a separate listener; empty disables it.
	MetricsAddr string `env:"BOOKING_GATEWAY_METRICS_ADDR,default=:9090"`
	BasePath    string `env:"BOOKING_GATEWAY_BASE_PATH,default=/mcp"`

	LogFormat string `env:"BOOKING_GATEWAY_LOG_FORMAT,default=json"`
	LogLevel  string `env:"BOOKING_GATEWAY_LOG_LEVEL,default=info"`

	AuthMode string `env:"BOOKING_GATEWAY_AUTH_MODE,default=jwt"`
	Issuer   string `env:"BOOKING_GATEWAY_ISSUER"`
	Audience string `env:"BOOKING_GATEWAY_AUDIENCE"`
	// JWKSURL is required in jwt mode; oidc mode discovers it.
	JWKSURL   string `env:"BOOKING_GATEWAY_JWKS_URL"`
	KeyFile   string `env:"BOOKING_GATEWAY_KEY_FILE"`
	RoleClaim string `env:"BOOKING_GATEWAY_ROLE_CLAIM,default=role"`
	// RequiredScopes is a comma or space separated list every token must carry.
	RequiredScopes string `env:"BOOKING_GATEWAY_REQUIRED_SCOPES"`
	Realm          string `env:"BOOKING_GATEWAY_REALM"`
	// PublicURL is the externally visible base URL (e.g.
	// https://booking.example.com/mcp). When set, OAuth protected resource
	// metadata is published for it.
	PublicURL string `env:"BOOKING_GATEWAY_PUBLIC_URL"`

	// ExecutorURL is the booking application's tool API.
	ExecutorURL string `env:"BOOKING_GATEWAY_EXECUTOR_URL"`

	// RedisAddr enables the domain event ingress when set.
	RedisAddr   string `env:"BOOKING_GATEWAY_REDIS_ADDR"`
	RedisStream string `env:"BOOKING_GATEWAY_REDIS_STREAM,default=booking:events"`

	KeepAliveInterval    time.Duration `env:"BOOKING_GATEWAY_KEEPALIVE_INTERVAL,default=30s"`
	ReapInterval         time.Duration `env:"BOOKING_GATEWAY_REAP_INTERVAL,default=5m"`
	IdleTimeout          time.Duration `env:"BOOKING_GATEWAY_IDLE_TIMEOUT,default=15m"`
	WriteTimeout         time.Duration `env:"BOOKING_GATEWAY_WRITE_TIMEOUT,default=10s"`
	SyncTimeout          time.Duration `env:"BOOKING_GATEWAY_SYNC_TIMEOUT,default=25s"`
	ShutdownTimeout      time.Duration `env:"BOOKING_GATEWAY_SHUTDOWN_TIMEOUT,default=15s"`
	QueueDepth           int           `env:"BOOKING_GATEWAY_QUEUE_DEPTH,default=64"`
	BroadcastConcurrency int           `env:"BOOKING_GATEWAY_BROADCAST_CONCURRENCY,default=16"`
	MaxBodyBytes         int64         `env:"BOOKING_GATEWAY_MAX_BODY_BYTES,default=4194304"`
}

// Load decodes the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.AuthMode {
	case AuthModeJWT:
		if c.Issuer == "" || c.Audience == "" || c.JWKSURL == "" {
			errs = append(errs, errors.New("jwt auth requires issuer, audience and jwks url"))
		}
	case AuthModeOIDC:
		if c.Issuer == "" || c.Audience == "" {
			errs = append(errs, errors.New("oidc auth requires issuer and audience"))
		}
	case AuthModeKeyFile:
		if c.KeyFile == "" {
			errs = append(errs, errors.New("keyfile auth requires a key file path"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth mode %q", c.AuthMode))
	}

	if c.ExecutorURL == "" {
		errs = append(errs, errors.New("executor url is required"))
	} else if u, err := url.Parse(c.ExecutorURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("executor url %q must be an absolute http(s) URL", c.ExecutorURL))
	}

	if c.PublicURL != "" {
		if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("public url %q must be absolute", c.PublicURL))
		}
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	for name, d := range map[string]time.Duration{
		"reap interval":    c.ReapInterval,
		"idle timeout":     c.IdleTimeout,
		"sync timeout":     c.SyncTimeout,
		"shutdown timeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.KeepAliveInterval < 0 || c.WriteTimeout < 0 {
		errs = append(errs, errors.New("keep-alive interval and write timeout must not be negative"))
	}
	if c.QueueDepth <= 0 || c.BroadcastConcurrency <= 0 || c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("queue depth, broadcast concurrency and max body bytes must be positive"))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Scopes splits RequiredScopes.
func (c *Config) Scopes() []string {
	return strings.FieldsFunc(c.RequiredScopes, func(r rune) bool { return r == ',' || r == ' ' })
}
