package server

import (
	"log/slog"
	"net/http"
)

// Status handles GET /status: feature flags and routing/key/analytics stats.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	prompts := s.getPrompts()

	keyRecords, err := s.keys.List(r.Context())
	if err != nil {
		slog.Error("status: key listing failed", "error", err)
	}

	var analyticsStats any
	if stats, err := s.recorder.Stats(r.Context()); err == nil {
		analyticsStats = stats
	}

	httpResponseJSON(w, map[string]any{
		"service": map[string]any{
			"name":    "routiium",
			"version": Version,
		},
		"features": map[string]any{
			"auth_mode":             s.authMode,
			"system_prompt_enabled": prompts.Enabled,
			"extract_instructions":  prompts.ExtractInstructions,
			"mcp_enabled":           len(s.mcp.Servers()) > 0,
			"router_configured":     s.paths.router.URL != "",
			"router_strict":         s.paths.router.Strict,
			"privacy_mode":          s.paths.router.Privacy,
		},
		"routing": map[string]any{
			"default_base_url": s.upstream.BaseURL,
			"default_mode":     s.upstream.Mode,
			"prefix_rules":     s.paths.router.PrefixRules != "",
		},
		"mcp": map[string]any{
			"servers": s.mcp.Servers(),
			"tools":   len(s.mcp.Tools()),
		},
		"keys": map[string]any{
			"backend": s.keys.Store().Name(),
			"count":   len(keyRecords),
		},
		"analytics": analyticsStats,
	}, http.StatusOK)
}

// Version is stamped by main at startup.
var Version = "dev"
