// Package router selects the upstream plan for a request: a remote router
// service when configured, prefix rules as fallback, and a global default
// plan as the last resort.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/klient"
)

// ErrUnavailable is returned when strict mode is on and the router rejected
// or could not serve the alias.
var ErrUnavailable = errors.New("router rejected alias")

// Privacy modes control how much request content is shared with the router.
const (
	PrivacyFeatures = "features"
	PrivacySummary  = "summary"
	PrivacyFull     = "full"
)

// Plan sources, surfaced to callers for headers and analytics.
const (
	SourceRouter  = "router"
	SourceRules   = "rules"
	SourceDefault = "default"
)

// DefaultTimeout bounds a single router call.
const DefaultTimeout = 15 * time.Millisecond

// summaryLimit caps the last-user-message excerpt in summary privacy mode.
const summaryLimit = 120

// Plan is the resolved upstream target and policy for one request.
type Plan struct {
	SchemaVersion int               `json:"schema_version,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	BaseURL       string            `json:"base_url"`
	Mode          string            `json:"mode"`
	ModelID       string            `json:"model_id"`
	AuthEnv       string            `json:"auth_env,omitempty"`
	ExtraHeaders  map[string]string `json:"extra_headers,omitempty"`
	Cache         PlanCache         `json:"cache,omitempty"`
	Stickiness    PlanStickiness    `json:"stickiness,omitempty"`
	PolicyRev     string            `json:"policy_rev,omitempty"`
	ContentUsed   string            `json:"content_used,omitempty"`
	RouteID       string            `json:"route_id,omitempty"`
}

type PlanCache struct {
	TTLMS      int64  `json:"ttl_ms,omitempty"`
	ValidUntil int64  `json:"valid_until,omitempty"` // epoch millis
	FreezeKey  string `json:"freeze_key,omitempty"`  // opaque; never inspected
}

type PlanStickiness struct {
	PlanToken string `json:"plan_token,omitempty"`
}

// Resolution is a plan plus how it was obtained.
type Resolution struct {
	Plan       Plan
	Source     string
	CacheState string // "hit", "miss", "stale"; empty for non-router sources
}

// Query describes one request to resolve.
type Query struct {
	Model        string
	Surface      string // "chat" or "responses"
	Stream       bool
	HasTools     bool
	HasVision    bool
	JSONMode     bool
	Temperature  *float64
	TokenCount   int
	Conversation string

	// Content for summary/full privacy modes; ignored under features.
	LastUserMessage string
	SystemPrompt    string
	RecentTurns     []RouteTurn
}

// RouteTurn is one conversation turn shared under full privacy mode.
type RouteTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// routeRequest is the wire body sent to the router service.
type routeRequest struct {
	RequestID    string            `json:"request_id"`
	Alias        string            `json:"alias"`
	Surface      string            `json:"surface"`
	Capabilities routeCapabilities `json:"capabilities"`
	Temperature  *float64          `json:"temperature,omitempty"`
	TokenCount   int               `json:"token_estimate,omitempty"`
	Content      *routeContent     `json:"content,omitempty"`
	PlanToken    string            `json:"plan_token,omitempty"`
}

type routeCapabilities struct {
	Text      bool `json:"text"`
	Tools     bool `json:"tools"`
	Vision    bool `json:"vision"`
	JSONMode  bool `json:"json_mode"`
	Streaming bool `json:"streaming"`
}

type routeContent struct {
	Summary      string      `json:"summary,omitempty"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	Turns        []RouteTurn `json:"turns,omitempty"`
}

// Feedback reports request outcome back to the router.
type Feedback struct {
	RouteID      string `json:"route_id"`
	RequestID    string `json:"request_id,omitempty"`
	Status       int    `json:"status"`
	DurationMS   int64  `json:"duration_ms"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Config wires a Resolver.
type Config struct {
	// URL of the router service; empty disables the router step.
	URL     string
	Timeout time.Duration
	Strict  bool
	Privacy string

	// MaxPlanTTL bounds how long router plans may be cached.
	MaxPlanTTL time.Duration

	Rules []Rule

	DefaultBaseURL string
	DefaultMode    string
	DefaultAuthEnv string
}

type planEntry struct {
	plan       Plan
	validUntil time.Time
}

type stickyEntry struct {
	token     string
	expiresAt time.Time
}

type Resolver struct {
	cfg    Config
	client *klient.Client // nil when no router is configured

	plans  sync.Map // "alias|surface" -> planEntry (freeze_key is not part of the key)
	sticky sync.Map // conversation id -> stickyEntry
}

// New creates a Resolver. A router client is only built when cfg.URL is set.
func New(cfg Config) (*Resolver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPlanTTL <= 0 {
		cfg.MaxPlanTTL = 5 * time.Minute
	}
	if cfg.Privacy == "" {
		cfg.Privacy = PrivacyFeatures
	}

	r := &Resolver{cfg: cfg}

	if cfg.URL != "" {
		client, err := klient.New(
			klient.WithBaseURL(cfg.URL),
			klient.WithLogger(slog.Default()),
			klient.WithDisableRetry(true),
			klient.WithDisableEnvValues(true),
		)
		if err != nil {
			return nil, fmt.Errorf("create router client: %w", err)
		}
		r.client = client
	}

	return r, nil
}

// Sweep drops expired plan-cache and stickiness entries. Called periodically
// from a background goroutine.
func (r *Resolver) Sweep() {
	now := time.Now()
	r.plans.Range(func(key, value any) bool {
		if entry := value.(planEntry); now.After(entry.validUntil) {
			r.plans.Delete(key)
		}
		return true
	})
	r.sticky.Range(func(key, value any) bool {
		if entry := value.(stickyEntry); now.After(entry.expiresAt) {
			r.sticky.Delete(key)
		}
		return true
	})
}

// Resolve selects the upstream plan for q, in order: router (with plan
// cache), prefix rules, default.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Resolution, error) {
	if r.client != nil {
		res, err := r.resolveRouter(ctx, q)
		if err == nil {
			return res, nil
		}
		if r.cfg.Strict {
			return nil, err
		}
		slog.Debug("router resolution failed, falling back to prefix rules",
			"alias", q.Model, "error", err)
	}

	if rule := MatchRule(r.cfg.Rules, q.Model); rule != nil {
		mode := rule.Mode
		if mode == "" {
			mode = r.cfg.DefaultMode
		}
		return &Resolution{
			Source: SourceRules,
			Plan: Plan{
				BaseURL: rule.BaseURL,
				Mode:    mode,
				ModelID: q.Model,
				AuthEnv: rule.AuthEnv,
				RouteID: "rule:" + rule.Prefix,
			},
		}, nil
	}

	return &Resolution{
		Source: SourceDefault,
		Plan: Plan{
			BaseURL: r.cfg.DefaultBaseURL,
			Mode:    r.cfg.DefaultMode,
			ModelID: q.Model,
			AuthEnv: r.cfg.DefaultAuthEnv,
			RouteID: "default",
		},
	}, nil
}

func (r *Resolver) resolveRouter(ctx context.Context, q Query) (*Resolution, error) {
	key := q.Model + "|" + q.Surface

	state := "miss"
	if v, ok := r.plans.Load(key); ok {
		entry := v.(planEntry)
		if time.Now().Before(entry.validUntil) {
			return &Resolution{Plan: entry.plan, Source: SourceRouter, CacheState: "hit"}, nil
		}
		r.plans.Delete(key)
		state = "stale"
	}

	plan, err := r.callRouter(ctx, q)
	if err != nil {
		return nil, err
	}

	r.plans.Store(key, planEntry{plan: *plan, validUntil: r.planDeadline(plan)})

	if q.Conversation != "" && plan.Stickiness.PlanToken != "" {
		r.sticky.Store(q.Conversation, stickyEntry{
			token:     plan.Stickiness.PlanToken,
			expiresAt: time.Now().Add(r.cfg.MaxPlanTTL),
		})
	}

	return &Resolution{Plan: *plan, Source: SourceRouter, CacheState: state}, nil
}

// planDeadline computes the local cache deadline, bounded by MaxPlanTTL.
func (r *Resolver) planDeadline(plan *Plan) time.Time {
	now := time.Now()
	deadline := now.Add(r.cfg.MaxPlanTTL)

	if plan.Cache.ValidUntil > 0 {
		until := time.UnixMilli(plan.Cache.ValidUntil)
		if until.Before(deadline) {
			deadline = until
		}
	} else if plan.Cache.TTLMS > 0 {
		until := now.Add(time.Duration(plan.Cache.TTLMS) * time.Millisecond)
		if until.Before(deadline) {
			deadline = until
		}
	}

	return deadline
}

func (r *Resolver) callRouter(ctx context.Context, q Query) (*Plan, error) {
	body := routeRequest{
		RequestID: "req_" + ulid.Make().String(),
		Alias:     q.Model,
		Surface:   q.Surface,
		Capabilities: routeCapabilities{
			Text:      true,
			Tools:     q.HasTools,
			Vision:    q.HasVision,
			JSONMode:  q.JSONMode,
			Streaming: q.Stream,
		},
		Temperature: q.Temperature,
		TokenCount:  q.TokenCount,
		Content:     r.routeContent(q),
	}

	if q.Conversation != "" {
		if v, ok := r.sticky.Load(q.Conversation); ok {
			entry := v.(stickyEntry)
			if time.Now().Before(entry.expiresAt) {
				body.PlanToken = entry.token
			}
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal route request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("/v1/route"), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var plan Plan
	if err := r.client.Do(req, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, payload)
		}
		return json.NewDecoder(resp.Body).Decode(&plan)
	}); err != nil {
		return nil, err
	}

	if plan.BaseURL == "" || plan.Mode == "" || plan.ModelID == "" {
		return nil, fmt.Errorf("%w: plan missing required fields", ErrUnavailable)
	}

	return &plan, nil
}

// endpoint joins the configured router URL with a path. Full request URLs
// bypass klient's base URL so both route and feedback endpoints work off one
// client.
func (r *Resolver) endpoint(path string) string {
	return strings.TrimSuffix(r.cfg.URL, "/") + path
}

// routeContent assembles the content section according to the privacy mode.
func (r *Resolver) routeContent(q Query) *routeContent {
	switch r.cfg.Privacy {
	case PrivacySummary:
		msg := q.LastUserMessage
		if len(msg) > summaryLimit {
			msg = msg[:summaryLimit]
		}
		if msg == "" {
			return nil
		}
		return &routeContent{Summary: msg}
	case PrivacyFull:
		return &routeContent{
			SystemPrompt: q.SystemPrompt,
			Turns:        q.RecentTurns,
		}
	}
	return nil
}

// SubmitFeedback reports the request outcome to the router in a
// fire-and-forget task. The request context is detached, not dropped: its
// values (request id, trace) survive while cancellation no longer applies,
// so the report outlives the response being sent. Failures are logged and
// never affect the caller.
func (r *Resolver) SubmitFeedback(ctx context.Context, plan Plan, fb Feedback) {
	if r.client == nil || plan.RouteID == "" {
		return
	}

	fb.RouteID = plan.RouteID
	if fb.RequestID == "" {
		fb.RequestID = plan.RequestID
	}

	ctx = context.WithoutCancel(ctx)

	go func() {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		data, err := json.Marshal(fb)
		if err != nil {
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("/v1/feedback"), bytes.NewReader(data))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		if err := r.client.Do(req, func(resp *http.Response) error {
			io.Copy(io.Discard, resp.Body)
			return nil
		}); err != nil {
			slog.Debug("route feedback failed", "route_id", fb.RouteID, "error", err)
		}
	}()
}
