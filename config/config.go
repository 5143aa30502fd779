// Package config decodes the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joeshaw/envdecode"
)

// Config holds every tunable of the server. Zero values are never used
// directly; Load starts from Default.
type Config struct {
	Host     string `env:"FLEETMCP_HOST,default=127.0.0.1"`
	Port     int    `env:"FLEETMCP_PORT,default=3000"`
	Endpoint string `env:"MCP_ENDPOINT,default=/mcp"`

	SessionTimeout      time.Duration `env:"SESSION_TIMEOUT,default=30m"`
	CleanupInterval     time.Duration `env:"SESSION_CLEANUP_INTERVAL,default=5m"`
	KeepAliveInterval   time.Duration `env:"SESSION_KEEPALIVE_INTERVAL,default=1m"`
	MaxMissedHeartbeats int           `env:"SESSION_MAX_MISSED_HEARTBEATS,default=3"`
	MaxSessions         int           `env:"MAX_SESSIONS,default=100"`

	EnableLegacySSE bool `env:"ENABLE_LEGACY_SSE,default=false"`

	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
	RateLimitMax      int           `env:"RATE_LIMIT_MAX,default=100"`
	RateLimitRedisURL string        `env:"RATE_LIMIT_REDIS_URL"`

	// RateLimitKeyPrefix namespaces counters in a shared Redis.
	RateLimitKeyPrefix string `env:"RATE_LIMIT_KEY_PREFIX,default=fleetmcp:"`

	// Comma separated lists.
	AllowedHostsList   string `env:"ALLOWED_HOSTS"`
	AllowedOriginsList string `env:"ALLOWED_ORIGINS"`

	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES,default=4194304"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Default returns the configuration used when the environment is empty.
func Default() Config {
	return Config{
		Host:                "127.0.0.1",
		Port:                3000,
		Endpoint:            "/mcp",
		SessionTimeout:      30 * time.Minute,
		CleanupInterval:     5 * time.Minute,
		KeepAliveInterval:   time.Minute,
		MaxMissedHeartbeats: 3,
		MaxSessions:         100,
		RateLimitWindow:     time.Minute,
		RateLimitMax:        100,
		RateLimitKeyPrefix:  "fleetmcp:",
		MaxBodyBytes:        4 << 20,
		ShutdownTimeout:     10 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// Load decodes the environment over Default and validates the result.
func Load() (Config, error) {
	cfg := Default()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var merr *multierror.Error
	bad := func(format string, args ...any) {
		merr = multierror.Append(merr, fmt.Errorf(format, args...))
	}

	if c.Port <= 0 || c.Port > 65535 {
		bad("FLEETMCP_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		bad("MCP_ENDPOINT must start with /, got %q", c.Endpoint)
	}
	if c.SessionTimeout <= 0 {
		bad("SESSION_TIMEOUT must be positive")
	}
	if c.CleanupInterval <= 0 {
		bad("SESSION_CLEANUP_INTERVAL must be positive")
	}
	if c.KeepAliveInterval <= 0 {
		bad("SESSION_KEEPALIVE_INTERVAL must be positive")
	}
	if c.KeepAliveInterval >= c.SessionTimeout {
		bad("SESSION_KEEPALIVE_INTERVAL (%s) must be less than SESSION_TIMEOUT (%s)", c.KeepAliveInterval, c.SessionTimeout)
	}
	if c.MaxMissedHeartbeats <= 0 {
		bad("SESSION_MAX_MISSED_HEARTBEATS must be positive")
	}
	if c.MaxSessions <= 0 {
		bad("MAX_SESSIONS must be positive")
	}
	if c.RateLimitWindow <= 0 {
		bad("RATE_LIMIT_WINDOW must be positive")
	}
	if c.RateLimitMax <= 0 {
		bad("RATE_LIMIT_MAX must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		bad("MAX_BODY_BYTES must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		bad("SHUTDOWN_TIMEOUT must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		bad("LOG_LEVEL: %v", err)
	}
	switch c.LogFormat {
	case "json", "text", "pretty":
	default:
		bad("LOG_FORMAT must be json, text or pretty, got %q", c.LogFormat)
	}
	return merr.ErrorOrNil()
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsLoopbackBind reports whether the server only listens on loopback.
func (c Config) IsLoopbackBind() bool {
	if strings.EqualFold(c.Host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(c.Host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// AllowedHosts returns the explicit ALLOWED_HOSTS entries.
func (c Config) AllowedHosts() []string { return splitList(c.AllowedHostsList) }

// AllowedOrigins returns the ALLOWED_ORIGINS entries.
func (c Config) AllowedOrigins() []string { return splitList(c.AllowedOriginsList) }

// HostAllowList returns the Host header values the server answers to. An
// explicit ALLOWED_HOSTS wins; otherwise the loopback names on the
// configured port, plus the bind host when it is not a wildcard.
func (c Config) HostAllowList() []string {
	if hosts := c.AllowedHosts(); len(hosts) > 0 {
		return hosts
	}
	port := strconv.Itoa(c.Port)
	out := []string{
		net.JoinHostPort("localhost", port),
		net.JoinHostPort("127.0.0.1", port),
		net.JoinHostPort("::1", port),
	}
	if !c.IsLoopbackBind() {
		if ip := net.ParseIP(c.Host); ip == nil || !ip.IsUnspecified() {
			out = append(out, net.JoinHostPort(c.Host, port))
		}
	}
	return out
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, err
	}
	return lvl, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
