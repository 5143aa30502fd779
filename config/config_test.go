package config

import (
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := Default(), cfg; want != got {
		t.Fatalf("defaults differ:\nwant %+v\ngot  %+v", want, got)
	}
	if want, got := "127.0.0.1:3000", cfg.Addr(); want != got {
		t.Fatalf("unexpected addr: want %q got %q", want, got)
	}
	if !cfg.IsLoopbackBind() {
		t.Fatalf("default bind should be loopback")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FLEETMCP_HOST", "0.0.0.0")
	t.Setenv("FLEETMCP_PORT", "8080")
	t.Setenv("SESSION_TIMEOUT", "10m")
	t.Setenv("SESSION_KEEPALIVE_INTERVAL", "30s")
	t.Setenv("ENABLE_LEGACY_SSE", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_KEY_PREFIX", "edge-a:")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := 8080, cfg.Port; want != got {
		t.Fatalf("unexpected port: want %d got %d", want, got)
	}
	if want, got := 10*time.Minute, cfg.SessionTimeout; want != got {
		t.Fatalf("unexpected timeout: want %s got %s", want, got)
	}
	if !cfg.EnableLegacySSE {
		t.Fatalf("legacy flag not decoded")
	}
	if cfg.IsLoopbackBind() {
		t.Fatalf("0.0.0.0 is not a loopback bind")
	}
	if want, got := []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins(); !slices.Equal(want, got) {
		t.Fatalf("unexpected origins: want %v got %v", want, got)
	}
	if want, got := "edge-a:", cfg.RateLimitKeyPrefix; want != got {
		t.Fatalf("unexpected key prefix: want %q got %q", want, got)
	}
	if lvl, _ := cfg.SlogLevel(); lvl != slog.LevelDebug {
		t.Fatalf("unexpected level: %v", lvl)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.KeepAliveInterval = cfg.SessionTimeout
	cfg.MaxSessions = 0
	cfg.LogFormat = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"SESSION_KEEPALIVE_INTERVAL", "MAX_SESSIONS", "LOG_FORMAT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("SESSION_KEEPALIVE_INTERVAL", "1h")
	if _, err := Load(); err == nil {
		t.Fatalf("keep-alive above the session timeout must fail")
	}
}

func TestHostAllowList(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		want []string
	}{
		{"loopback", func(c *Config) {}, []string{"localhost:3000", "127.0.0.1:3000", "[::1]:3000"}},
		{"wildcard bind", func(c *Config) { c.Host = "0.0.0.0" }, []string{"localhost:3000", "127.0.0.1:3000", "[::1]:3000"}},
		{"named bind", func(c *Config) { c.Host = "10.1.2.3"; c.Port = 80 }, []string{"localhost:80", "127.0.0.1:80", "[::1]:80", "10.1.2.3:80"}},
		{"override", func(c *Config) { c.AllowedHostsList = "mcp.example.com, mcp.internal:3000" }, []string{"mcp.example.com", "mcp.internal:3000"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.cfg(&cfg)
			if got := cfg.HostAllowList(); !slices.Equal(tc.want, got) {
				t.Fatalf("want %v got %v", tc.want, got)
			}
		})
	}
}
