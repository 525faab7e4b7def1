package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/routiium/routiium/internal/analytics"
	"github.com/routiium/routiium/internal/compose"
	"github.com/routiium/routiium/internal/config"
	"github.com/routiium/routiium/internal/keys"
	"github.com/routiium/routiium/internal/mcp"
	"github.com/routiium/routiium/internal/server"
	"github.com/routiium/routiium/internal/upstream"
)

var (
	name    = "routiium"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version
	server.Version = version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Prompt configuration.
	prompts, err := compose.LoadPromptConfig(cfg.Prompts.Path)
	if err != nil {
		return fmt.Errorf("failed to load prompt config: %w", err)
	}

	// MCP servers.
	mcpCfg, err := mcp.LoadConfig(cfg.MCP.Path)
	if err != nil {
		return fmt.Errorf("failed to load MCP config: %w", err)
	}

	mcpManager := mcp.NewManager()
	defer mcpManager.Close()

	if len(mcpCfg.Servers) > 0 {
		if err := mcpManager.Reload(ctx, mcpCfg); err != nil {
			return fmt.Errorf("failed to connect MCP servers: %w", err)
		}
	}

	// Managed key store.
	keyStore, err := keys.NewStore(ctx, keys.StoreConfig{
		Backend:    cfg.Keys.Backend,
		RedisURL:   cfg.Keys.RedisURL,
		SQLitePath: cfg.Keys.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("failed to open key store: %w", err)
	}
	defer keyStore.Close()

	keyManager := keys.NewManager(keyStore, keys.Policy{
		RequireExpiration: cfg.Keys.RequireExpiration,
		AllowNoExpiration: cfg.Keys.AllowNoExpiration,
		DefaultTTLSeconds: cfg.Keys.DefaultTTLSeconds,
	})

	// Analytics pipeline.
	backend, err := analytics.NewBackend(ctx, analytics.BackendConfig{
		Backend:    cfg.Analytics.Backend,
		JSONLPath:  cfg.Analytics.Path,
		RedisURL:   cfg.Analytics.RedisURL,
		RedisTTL:   config.Duration(cfg.Analytics.RedisTTL, 0),
		SQLitePath: cfg.Analytics.SQLitePath,
		MemorySize: cfg.Analytics.MemorySize,
	})
	if err != nil {
		return fmt.Errorf("failed to open analytics backend: %w", err)
	}

	pricing, err := analytics.LoadPricing(cfg.Pricing.Path)
	if err != nil {
		return fmt.Errorf("failed to load pricing config: %w", err)
	}

	recorder := analytics.NewRecorder(backend, pricing)
	defer recorder.Close()

	// Route resolver.
	resolver, err := server.BuildResolver(cfg.Router, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("failed to build route resolver: %w", err)
	}

	// Shared upstream client.
	client, err := upstream.New(upstream.Config{
		Timeout:            config.Duration(cfg.Upstream.Timeout, 0),
		Proxy:              cfg.Upstream.Proxy,
		InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify,
	})
	if err != nil {
		return fmt.Errorf("failed to create upstream client: %w", err)
	}

	slog.Info("starting gateway",
		"auth_mode", cfg.Upstream.AuthMode,
		"default_upstream", cfg.Upstream.BaseURL,
		"default_mode", cfg.Upstream.Mode,
		"router", cfg.Router.URL != "",
		"mcp_servers", mcpManager.Servers(),
	)

	srv, err := server.New(ctx, cfg, server.Deps{
		Prompts:  prompts,
		Resolver: resolver,
		MCP:      mcpManager,
		Keys:     keyManager,
		Recorder: recorder,
		Client:   client,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}
