// Package server wires the HTTP surface: the proxy endpoints, the convert
// endpoint, and the admin APIs for keys, analytics, and config reload.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rakunlabs/ada"

	"github.com/routiium/routiium/internal/analytics"
	"github.com/routiium/routiium/internal/compose"
	"github.com/routiium/routiium/internal/config"
	"github.com/routiium/routiium/internal/keys"
	"github.com/routiium/routiium/internal/mcp"
	"github.com/routiium/routiium/internal/router"
	"github.com/routiium/routiium/internal/upstream"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"
)

// sweepInterval paces the background cache/expiry sweeps.
const sweepInterval = 10 * time.Minute

type Server struct {
	config   config.Server
	upstream config.Upstream
	paths    pathsConfig

	server *ada.Server

	// prompts is swapped wholesale on reload; readers take the RLock only
	// long enough to copy the pointer.
	prompts   *compose.PromptConfig
	promptsMu sync.RWMutex

	// resolver is rebuilt on routing reload.
	resolver   *router.Resolver
	resolverMu sync.RWMutex

	mcp      *mcp.Manager
	keys     *keys.Manager
	recorder *analytics.Recorder
	client   *upstream.Client

	keepAlive time.Duration
	authMode  string
}

// pathsConfig keeps the config-file locations needed by the reload handlers.
type pathsConfig struct {
	prompts string
	mcp     string
	pricing string
	router  config.Router
	defUp   config.Upstream
}

// Deps carries the long-lived collaborators built in main.
type Deps struct {
	Prompts  *compose.PromptConfig
	Resolver *router.Resolver
	MCP      *mcp.Manager
	Keys     *keys.Manager
	Recorder *analytics.Recorder
	Client   *upstream.Client
}

func New(ctx context.Context, cfg *config.Config, deps Deps) (*Server, error) {
	mux := ada.New()
	middlewares := []func(http.Handler) http.Handler{
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	}
	if cfg.Server.CORS {
		middlewares = append(middlewares, mcors.Middleware())
	}
	mux.Use(middlewares...)

	s := &Server{
		config:   cfg.Server,
		upstream: cfg.Upstream,
		paths: pathsConfig{
			prompts: cfg.Prompts.Path,
			mcp:     cfg.MCP.Path,
			pricing: cfg.Pricing.Path,
			router:  cfg.Router,
			defUp:   cfg.Upstream,
		},
		server:    mux,
		prompts:   deps.Prompts,
		resolver:  deps.Resolver,
		mcp:       deps.MCP,
		keys:      deps.Keys,
		recorder:  deps.Recorder,
		client:    deps.Client,
		keepAlive: config.Duration(cfg.Upstream.KeepAliveInterval, 15*time.Second),
		authMode:  cfg.Upstream.AuthMode,
	}

	// Background sweeps: router plan/stickiness caches and expired keys.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.getResolver().Sweep()
				if deleted, err := s.keys.DeleteExpired(ctx); err != nil {
					slog.Error("expired key sweep failed", "error", err)
				} else if deleted > 0 {
					slog.Info("expired keys deleted", "count", deleted)
				}
			}
		}
	}()

	// ////////////////////////////////////////////

	if cfg.Server.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.Server.BasePath)
	}

	baseGroup := mux.Group(cfg.Server.BasePath)

	// Proxy endpoints: managed/passthrough auth, no forward auth.
	baseGroup.POST("/v1/chat/completions", s.ChatCompletions)
	baseGroup.POST("/v1/responses", s.Responses)

	// Conversion-only endpoint, unauthenticated.
	baseGroup.POST("/convert", s.Convert)

	// Status, unauthenticated.
	baseGroup.GET("/status", s.Status)

	// Admin endpoints, guarded by forward auth when configured (network ACL
	// is expected in front of the gateway otherwise).
	adminGroup := baseGroup.Group("")
	if cfg.Server.ForwardAuth != nil {
		slog.Info("forward auth enabled for admin endpoints", "url", cfg.Server.ForwardAuth.Address)
		adminGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.Server.ForwardAuth)))
	}

	adminGroup.GET("/keys", s.ListKeys)
	adminGroup.POST("/keys/generate", s.GenerateKey)
	adminGroup.POST("/keys/revoke", s.RevokeKey)
	adminGroup.POST("/keys/set_expiration", s.SetKeyExpiration)

	adminGroup.POST("/reload/mcp", s.ReloadMCP)
	adminGroup.POST("/reload/system_prompt", s.ReloadSystemPrompt)
	adminGroup.POST("/reload/routing", s.ReloadRouting)
	adminGroup.POST("/reload/all", s.ReloadAll)

	adminGroup.GET("/analytics/stats", s.AnalyticsStats)
	adminGroup.GET("/analytics/events", s.AnalyticsEvents)
	adminGroup.GET("/analytics/aggregate", s.AnalyticsAggregate)
	adminGroup.GET("/analytics/export", s.AnalyticsExport)
	adminGroup.POST("/analytics/clear", s.AnalyticsClear)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server
}

// getPrompts returns the current prompt config snapshot.
func (s *Server) getPrompts() *compose.PromptConfig {
	s.promptsMu.RLock()
	defer s.promptsMu.RUnlock()
	return s.prompts
}

// getResolver returns the current route resolver.
func (s *Server) getResolver() *router.Resolver {
	s.resolverMu.RLock()
	defer s.resolverMu.RUnlock()
	return s.resolver
}

// ─── Reload ───

// ReloadSystemPrompt handles POST /reload/system_prompt: swap in a freshly
// loaded prompt snapshot. In-flight requests keep the one they read.
func (s *Server) ReloadSystemPrompt(w http.ResponseWriter, r *http.Request) {
	prompts, err := compose.LoadPromptConfig(s.paths.prompts)
	if err != nil {
		slog.Error("prompt reload failed", "error", err)
		httpResponse(w, "prompt reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.promptsMu.Lock()
	s.prompts = prompts
	s.promptsMu.Unlock()

	slog.Info("system prompts reloaded", "enabled", prompts.Enabled)
	httpResponse(w, "system prompts reloaded", http.StatusOK)
}

// ReloadMCP handles POST /reload/mcp: reconnect servers and rebuild the
// federated tool snapshot.
func (s *Server) ReloadMCP(w http.ResponseWriter, r *http.Request) {
	cfg, err := mcp.LoadConfig(s.paths.mcp)
	if err != nil {
		slog.Error("MCP reload failed", "error", err)
		httpResponse(w, "MCP reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.mcp.Reload(r.Context(), cfg); err != nil {
		slog.Error("MCP reload failed", "error", err)
		httpResponse(w, "MCP reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("MCP servers reloaded", "servers", s.mcp.Servers())
	httpResponse(w, "MCP servers reloaded", http.StatusOK)
}

// ReloadRouting handles POST /reload/routing: rebuild the resolver from the
// configured rules and pricing from its file.
func (s *Server) ReloadRouting(w http.ResponseWriter, r *http.Request) {
	resolver, err := buildResolver(s.paths.router, s.paths.defUp)
	if err != nil {
		slog.Error("routing reload failed", "error", err)
		httpResponse(w, "routing reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.resolverMu.Lock()
	s.resolver = resolver
	s.resolverMu.Unlock()

	pricing, err := analytics.LoadPricing(s.paths.pricing)
	if err != nil {
		slog.Error("pricing reload failed", "error", err)
	} else {
		s.recorder.SetPricing(pricing)
	}

	slog.Info("routing reloaded")
	httpResponse(w, "routing reloaded", http.StatusOK)
}

// ReloadAll handles POST /reload/all.
func (s *Server) ReloadAll(w http.ResponseWriter, r *http.Request) {
	type result struct {
		name string
		fn   func(http.ResponseWriter, *http.Request)
	}

	// Each reload writes its own response; run them against throwaway
	// recorders and reply once.
	for _, step := range []result{
		{"system_prompt", s.ReloadSystemPrompt},
		{"mcp", s.ReloadMCP},
		{"routing", s.ReloadRouting},
	} {
		rec := &discardResponseWriter{header: make(http.Header)}
		step.fn(rec, r)
		if rec.status >= http.StatusBadRequest {
			httpResponse(w, step.name+" reload failed", http.StatusInternalServerError)
			return
		}
	}

	httpResponse(w, "all configuration reloaded", http.StatusOK)
}

// BuildResolver constructs a resolver from the routing and upstream config.
// Shared by main and the reload handler.
func BuildResolver(routerCfg config.Router, upstreamCfg config.Upstream) (*router.Resolver, error) {
	return buildResolver(routerCfg, upstreamCfg)
}

func buildResolver(routerCfg config.Router, upstreamCfg config.Upstream) (*router.Resolver, error) {
	rules, err := router.ParseRules(routerCfg.PrefixRules)
	if err != nil {
		return nil, err
	}

	return router.New(router.Config{
		URL:            routerCfg.URL,
		Timeout:        config.Duration(routerCfg.Timeout, router.DefaultTimeout),
		Strict:         routerCfg.Strict,
		Privacy:        routerCfg.Privacy,
		MaxPlanTTL:     config.Duration(routerCfg.PlanCacheTTL, 5*time.Minute),
		Rules:          rules,
		DefaultBaseURL: upstreamCfg.BaseURL,
		DefaultMode:    upstreamCfg.Mode,
		DefaultAuthEnv: upstreamCfg.AuthEnv,
	})
}

// discardResponseWriter captures the status of a nested handler call.
type discardResponseWriter struct {
	header http.Header
	status int
}

func (d *discardResponseWriter) Header() http.Header { return d.header }

func (d *discardResponseWriter) Write(b []byte) (int, error) { return len(b), nil }

func (d *discardResponseWriter) WriteHeader(status int) { d.status = status }
