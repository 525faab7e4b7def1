package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	str2duration "github.com/xhit/go-str2duration/v2"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server    Server    `cfg:"server"`
	Upstream  Upstream  `cfg:"upstream"`
	Router    Router    `cfg:"router"`
	Keys      Keys      `cfg:"keys"`
	Analytics Analytics `cfg:"analytics"`
	Prompts   Prompts   `cfg:"prompts"`
	MCP       MCP       `cfg:"mcp"`
	Pricing   Pricing   `cfg:"pricing"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, guards the admin endpoints (/keys, /reload,
	// /analytics) behind an external authentication service. The proxy
	// endpoints are never behind it; they use managed or passthrough auth.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// CORS toggles the permissive CORS middleware for browser clients.
	CORS bool `cfg:"cors" default:"true"`
}

// Upstream configures the default upstream target and the shared HTTP client.
type Upstream struct {
	// BaseURL is the default upstream API root, used when neither the
	// router nor a prefix rule selects a backend.
	BaseURL string `cfg:"base_url" default:"https://api.openai.com/v1"`

	// Mode is the default upstream surface: "chat" or "responses".
	Mode string `cfg:"mode" default:"chat"`

	// AuthEnv names the environment variable holding the default provider
	// key used in managed mode.
	AuthEnv string `cfg:"auth_env" default:"OPENAI_API_KEY"`

	// AuthMode selects "managed" (gateway-issued tokens, provider key from
	// env) or "passthrough" (client bearer forwarded unchanged).
	AuthMode string `cfg:"auth_mode" default:"managed"`

	// Timeout bounds a whole upstream call. Accepts day-granular strings
	// like "1d2h" as well as standard durations.
	Timeout string `cfg:"timeout" default:"10m"`

	// KeepAliveInterval is the SSE idle interval after which a keep-alive
	// comment is emitted to the client.
	KeepAliveInterval string `cfg:"keep_alive_interval" default:"15s"`

	// Proxy is an optional HTTP/HTTPS/SOCKS5 proxy URL for upstream calls.
	// The proxy environment (HTTP_PROXY etc.) is honored when unset.
	Proxy string `cfg:"proxy"`

	// InsecureSkipVerify disables TLS verification toward the upstream.
	InsecureSkipVerify bool `cfg:"insecure_skip_verify"`
}

// Router configures the remote route-policy service and its fallbacks.
type Router struct {
	URL     string `cfg:"url"`
	Timeout string `cfg:"timeout" default:"15ms"`
	Strict  bool   `cfg:"strict"`

	// Privacy is "features", "summary", or "full".
	Privacy string `cfg:"privacy" default:"features"`

	// PlanCacheTTL bounds how long router plans are reused.
	PlanCacheTTL string `cfg:"plan_cache_ttl" default:"5m"`

	// PrefixRules is the fallback rule table, e.g.
	// "prefix=claude-;base=https://api.anthropic.com/v1;key_env=ANTHROPIC_API_KEY;mode=responses".
	PrefixRules string `cfg:"prefix_rules"`
}

// Keys configures the managed-token store and issuance policy.
type Keys struct {
	// Backend overrides store auto-selection: "redis", "sqlite", "memory".
	Backend    string `cfg:"backend"`
	RedisURL   string `cfg:"redis_url" log:"-"`
	SQLitePath string `cfg:"sqlite_path"`

	RequireExpiration bool `cfg:"require_expiration" default:"true"`
	AllowNoExpiration bool `cfg:"allow_no_expiration"`
	DefaultTTLSeconds int  `cfg:"default_ttl_seconds"`
}

// Analytics configures the event pipeline storage.
type Analytics struct {
	// Backend overrides auto-selection: "jsonl", "redis", "sqlite", "memory".
	Backend    string `cfg:"backend"`
	Path       string `cfg:"path" default:"routiium-analytics.jsonl"`
	RedisURL   string `cfg:"redis_url" log:"-"`
	RedisTTL   string `cfg:"redis_ttl" default:"7d"`
	SQLitePath string `cfg:"sqlite_path"`
	MemorySize int    `cfg:"memory_size"`
}

type Prompts struct {
	// Path of the system prompts JSON file (shape: enabled, global,
	// per_model, per_api, injection_mode, extract_instructions).
	Path string `cfg:"path"`
}

type MCP struct {
	// Path of the MCP servers JSON file.
	Path string `cfg:"path"`
}

type Pricing struct {
	// Path of the pricing JSON file (micro-dollar per-million rates).
	Path string `cfg:"path"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("ROUTIIUM_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// Duration parses a configured duration string, accepting extended units
// ("1d12h") in addition to the standard ones. Invalid values fall back with
// a warning instead of failing startup.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}

	d, err := str2duration.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration in config, using fallback", "value", value, "fallback", fallback)
		return fallback
	}
	return d
}
