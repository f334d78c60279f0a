package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BOOKING_GATEWAY_AUTH_MODE", "jwt")
	t.Setenv("BOOKING_GATEWAY_ISSUER", "https://issuer.example.com")
	t.Setenv("BOOKING_GATEWAY_AUDIENCE", "https://booking.example.com/mcp")
	t.Setenv("BOOKING_GATEWAY_JWKS_URL", "https://issuer.example.com/keys")
	t.Setenv("BOOKING_GATEWAY_EXECUTOR_URL", "http://booking.internal:3000/api")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.BasePath != "/mcp" || cfg.RedisStream != "booking:events" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.KeepAliveInterval != 30*time.Second || cfg.ReapInterval != 5*time.Minute || cfg.IdleTimeout != 15*time.Minute {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.QueueDepth != 64 || cfg.MaxBodyBytes != 4<<20 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelInfo {
		t.Fatalf("level %v", lvl)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BOOKING_GATEWAY_IDLE_TIMEOUT", "90s")
	t.Setenv("BOOKING_GATEWAY_QUEUE_DEPTH", "8")
	t.Setenv("BOOKING_GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("BOOKING_GATEWAY_REQUIRED_SCOPES", "read, write")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IdleTimeout != 90*time.Second || cfg.QueueDepth != 8 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Fatalf("level %v", lvl)
	}
	if got := strings.Join(cfg.Scopes(), "|"); got != "read|write" {
		t.Fatalf("scopes %q", got)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			AuthMode:             AuthModeJWT,
			Issuer:               "https://issuer",
			Audience:             "aud",
			JWKSURL:              "https://issuer/keys",
			ExecutorURL:          "http://localhost:3000",
			LogFormat:            "json",
			LogLevel:             "info",
			ReapInterval:         time.Minute,
			IdleTimeout:          time.Minute,
			SyncTimeout:          time.Second,
			ShutdownTimeout:      time.Second,
			QueueDepth:           1,
			BroadcastConcurrency: 1,
			MaxBodyBytes:         1,
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"keyfile", func(c *Config) { c.AuthMode = AuthModeKeyFile; c.KeyFile = "/etc/keys.yaml" }, ""},
		{"oidc without jwks", func(c *Config) { c.AuthMode = AuthModeOIDC; c.JWKSURL = "" }, ""},
		{"jwt without jwks", func(c *Config) { c.JWKSURL = "" }, "jwks url"},
		{"keyfile without path", func(c *Config) { c.AuthMode = AuthModeKeyFile }, "key file"},
		{"unknown mode", func(c *Config) { c.AuthMode = "basic" }, "unknown auth mode"},
		{"missing executor", func(c *Config) { c.ExecutorURL = "" }, "executor url is required"},
		{"relative executor", func(c *Config) { c.ExecutorURL = "/api" }, "absolute http(s)"},
		{"relative public url", func(c *Config) { c.PublicURL = "/mcp" }, "public url"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"zero idle", func(c *Config) { c.IdleTimeout = 0 }, "idle timeout"},
		{"zero depth", func(c *Config) { c.QueueDepth = 0 }, "queue depth"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}
