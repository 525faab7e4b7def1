package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/routiium/routiium/internal/analytics"
	"github.com/routiium/routiium/internal/compose"
	"github.com/routiium/routiium/internal/convert"
	"github.com/routiium/routiium/internal/router"
	"github.com/routiium/routiium/internal/upstream"
)

// ChatCompletions handles POST /v1/chat/completions.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, convert.SurfaceChat)
}

// Responses handles POST /v1/responses.
func (s *Server) Responses(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, convert.SurfaceResponses)
}

// proxyState threads per-request context through the pipeline steps.
type proxyState struct {
	surface string
	start   time.Time
	ctx     context.Context
	event   analytics.Event

	chat      *convert.ChatRequest
	responses *convert.ResponsesRequest

	conversation string
	plan         router.Plan
	planSource   string
}

// proxy is the per-request orchestrator: auth, compose, resolve, convert,
// forward, reshape, record.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, surface string) {
	st := &proxyState{
		surface: surface,
		start:   time.Now(),
		ctx:     r.Context(),
		event:   analytics.NewEvent(),
	}
	st.event.Request = analytics.RequestInfo{
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		UserAgent: r.Header.Get("User-Agent"),
		ClientIP:  clientIP(r),
	}

	// ── Auth ──
	auth, authErr := s.authenticate(r)
	if authErr != "" {
		s.fail(w, st, http.StatusUnauthorized, kindUnauthorized, "invalid_api_key", authErr)
		return
	}
	st.event.Auth = analytics.AuthInfo{
		Authenticated: true,
		Method:        auth.method,
	}
	if auth.key != nil {
		st.event.Auth.KeyID = auth.key.ID
		st.event.Auth.KeyLabel = auth.key.Label
	}

	// ── Parse ──
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, st, http.StatusBadRequest, kindInvalidRequest, "read_error", "failed to read request body")
		return
	}
	st.event.Request.SizeBytes = len(body)

	if err := st.parse(body); err != nil {
		s.fail(w, st, http.StatusBadRequest, kindInvalidRequest, "invalid_body", err.Error())
		return
	}
	st.conversation = conversationID(r, st)
	st.event.Request.Model = st.model()
	st.event.Request.Stream = st.stream()
	st.event.Request.MessageCount = st.messageCount()

	// ── Compose ──
	prompts := s.getPrompts()
	applied := prompts.EffectivePrompt(st.model(), surface) != ""
	tools := s.mcp.Tools()

	if st.chat != nil {
		compose.ApplyChatPrompt(st.chat, prompts)
		if err := compose.MergeChatTools(st.chat, tools); err != nil {
			s.fail(w, st, http.StatusInternalServerError, kindInternal, "compose_error", err.Error())
			return
		}
	} else {
		compose.ApplyResponsesPrompt(st.responses, prompts)
		if err := compose.MergeResponsesTools(st.responses, tools); err != nil {
			s.fail(w, st, http.StatusInternalServerError, kindInternal, "compose_error", err.Error())
			return
		}
	}

	st.event.Routing.SystemPromptApplied = applied
	st.event.Routing.MCPEnabled = len(tools) > 0
	st.event.Routing.MCPServers = s.mcp.Servers()

	// ── Resolve ──
	resolver := s.getResolver()
	resolution, err := resolver.Resolve(r.Context(), st.routeQuery())
	if err != nil {
		s.fail(w, st, http.StatusBadGateway, kindUpstreamUnavailable, "route_rejected", err.Error())
		return
	}
	st.plan = resolution.Plan
	st.planSource = resolution.Source
	st.event.Routing.Backend = st.plan.RouteID
	st.event.Routing.UpstreamMode = st.plan.Mode

	setPlanHeaders(w, resolution)

	// ── Convert + forward ──
	outBody, err := st.outboundBody(prompts.ExtractInstructions)
	if err != nil {
		var invalid *convert.InvalidRequestError
		if errors.As(err, &invalid) {
			s.fail(w, st, http.StatusBadRequest, kindInvalidRequest, "invalid_body", err.Error())
			return
		}
		s.fail(w, st, http.StatusInternalServerError, kindInternal, "convert_error", err.Error())
		return
	}

	bearer := auth.bearer
	if auth.method == authManaged {
		bearer = s.providerKey(st.plan)
	}

	resp, cancel, err := s.client.Do(r.Context(), upstream.Call{
		Plan:   st.plan,
		Body:   outBody,
		Bearer: bearer,
		Stream: st.stream(),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.fail(w, st, http.StatusGatewayTimeout, kindTimeout, "upstream_timeout", "upstream call timed out")
		} else if errors.Is(err, context.Canceled) {
			st.event.Response.Error = "client disconnected"
			s.record(st, 0, 0)
		} else {
			s.fail(w, st, http.StatusBadGateway, kindUpstreamUnavailable, "connect_error", err.Error())
		}
		return
	}
	defer cancel()
	defer resp.Body.Close()

	if st.stream() {
		s.streamResponse(w, r, resp, st)
		return
	}

	s.bufferedResponse(w, resp, st)
}

// bufferedResponse handles the non-streaming reply path.
func (s *Server) bufferedResponse(w http.ResponseWriter, resp *http.Response, st *proxyState) {
	ttfb := time.Since(st.start).Milliseconds()
	st.event.Perf.TTFBMS = &ttfb

	upstreamBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.fail(w, st, http.StatusBadGateway, kindUpstreamError, "read_error", "failed to read upstream response")
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.forwardUpstreamError(w, st, resp.StatusCode, upstreamBody)
		return
	}

	outBody, usage, err := st.reshapeResponse(upstreamBody)
	if err != nil {
		slog.Error("upstream response reshape failed",
			"surface", st.surface, "upstream_mode", st.plan.Mode, "error", err)
		s.fail(w, st, http.StatusInternalServerError, kindInternal, "reshape_error", "failed to reshape upstream response")
		return
	}
	st.applyUsage(usage)

	httpResponseJSONByte(w, outBody, http.StatusOK)

	st.event.Response.Status = http.StatusOK
	st.event.Response.SizeBytes = len(outBody)
	st.event.Response.Success = true
	s.record(st, resp.StatusCode, len(outBody))
}

// forwardUpstreamError forwards a non-2xx upstream body, wrapping non-JSON
// payloads in the error envelope.
func (s *Server) forwardUpstreamError(w http.ResponseWriter, st *proxyState, status int, body []byte) {
	if json.Valid(body) && len(body) > 0 {
		httpResponseJSONByte(w, body, status)
	} else {
		httpError(w, status, kindUpstreamError, "upstream_error", strings.ToValidUTF8(string(body), ""))
	}

	st.event.Response.Status = status
	st.event.Response.SizeBytes = len(body)
	st.event.Response.Error = fmt.Sprintf("upstream status %d", status)
	s.record(st, status, len(body))
}

// fail writes an error envelope and records the failed event.
func (s *Server) fail(w http.ResponseWriter, st *proxyState, status int, kind, code, msg string) {
	httpError(w, status, kind, code, msg)

	st.event.Response.Status = status
	st.event.Response.Error = msg
	s.record(st, status, 0)
}

// record finishes and submits the analytics event, then reports feedback to
// the router. Both are off the response path.
func (s *Server) record(st *proxyState, upstreamStatus, size int) {
	st.event.Perf.DurationMS = time.Since(st.start).Milliseconds()
	st.event.Response.Success = st.event.Response.Error == "" &&
		st.event.Response.Status >= 200 && st.event.Response.Status < 300
	s.recorder.Submit(st.event)

	if st.planSource == router.SourceRouter {
		fb := router.Feedback{
			Status:     st.event.Response.Status,
			DurationMS: st.event.Perf.DurationMS,
		}
		if st.event.Usage.PromptTokens != nil {
			fb.InputTokens = *st.event.Usage.PromptTokens
		}
		if st.event.Usage.CompletionTokens != nil {
			fb.OutputTokens = *st.event.Usage.CompletionTokens
		}
		s.getResolver().SubmitFeedback(st.ctx, st.plan, fb)
	}
}

// providerKey resolves the upstream credential from the plan's auth env.
func (s *Server) providerKey(plan router.Plan) string {
	env := plan.AuthEnv
	if env == "" {
		env = s.upstream.AuthEnv
	}
	return os.Getenv(env)
}

// ─── proxyState helpers ───

func (st *proxyState) parse(body []byte) error {
	switch st.surface {
	case convert.SurfaceChat:
		var req convert.ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if len(req.Messages) == 0 {
			return errors.New("messages must not be empty")
		}
		st.chat = &req
	default:
		var req convert.ResponsesRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if len(req.Input) == 0 && req.Instructions == "" {
			return errors.New("input must not be empty")
		}
		st.responses = &req
	}
	return nil
}

func (st *proxyState) model() string {
	if st.chat != nil {
		return st.chat.Model
	}
	return st.responses.Model
}

func (st *proxyState) stream() bool {
	if st.chat != nil {
		return st.chat.Stream
	}
	return st.responses.Stream
}

func (st *proxyState) messageCount() int {
	if st.chat != nil {
		return len(st.chat.Messages)
	}
	return len(st.responses.Input)
}

// routeQuery builds the resolver query, including privacy-gated content.
func (st *proxyState) routeQuery() router.Query {
	q := router.Query{
		Model:        st.model(),
		Surface:      st.surface,
		Stream:       st.stream(),
		Conversation: st.conversation,
	}

	if st.chat != nil {
		q.HasTools = len(st.chat.Tools) > 0
		q.Temperature = st.chat.Temperature
		q.JSONMode = jsonMode(st.chat.ResponseFormat)

		var estimate int
		for _, m := range st.chat.Messages {
			estimate += len(m.Content) / 4
			if m.Role == "user" {
				q.LastUserMessage = textOfRaw(m.Content)
			}
			if m.Role == "system" && q.SystemPrompt == "" {
				q.SystemPrompt = textOfRaw(m.Content)
			}
			q.HasVision = q.HasVision || strings.Contains(string(m.Content), `"image_url"`)
			q.RecentTurns = append(q.RecentTurns, router.RouteTurn{Role: m.Role, Text: textOfRaw(m.Content)})
		}
		q.TokenCount = estimate
	} else {
		q.HasTools = len(st.responses.Tools) > 0
		q.Temperature = st.responses.Temperature
		q.JSONMode = jsonMode(st.responses.ResponseFormat)
		q.SystemPrompt = st.responses.Instructions

		var estimate int
		for _, item := range st.responses.Input {
			var text strings.Builder
			for _, p := range item.Content {
				estimate += len(p.Text) / 4
				text.WriteString(p.Text)
				if p.Type == "input_image" {
					q.HasVision = true
				}
			}
			if item.Role == "user" {
				q.LastUserMessage = text.String()
			}
			q.RecentTurns = append(q.RecentTurns, router.RouteTurn{Role: item.Role, Text: text.String()})
		}
		q.TokenCount = estimate
	}

	// Only the last few turns are shared under full privacy.
	const maxTurns = 6
	if len(q.RecentTurns) > maxTurns {
		q.RecentTurns = q.RecentTurns[len(q.RecentTurns)-maxTurns:]
	}

	return q
}

// outboundBody converts the parsed request to the plan's surface and
// substitutes the resolved model id.
func (st *proxyState) outboundBody(extractInstructions bool) ([]byte, error) {
	switch {
	case st.chat != nil && st.plan.Mode == convert.SurfaceResponses:
		converted, err := convert.ChatToResponsesRequest(st.chat, convert.RequestOptions{
			ExtractInstructions: extractInstructions,
			Conversation:        st.conversation,
		})
		if err != nil {
			return nil, err
		}
		converted.Model = st.plan.ModelID
		return json.Marshal(converted)

	case st.responses != nil && st.plan.Mode == convert.SurfaceChat:
		converted, err := convert.ResponsesToChatRequest(st.responses)
		if err != nil {
			return nil, err
		}
		converted.Model = st.plan.ModelID
		return json.Marshal(converted)

	case st.chat != nil:
		out := *st.chat
		out.Model = st.plan.ModelID
		return json.Marshal(&out)

	default:
		out := *st.responses
		out.Model = st.plan.ModelID
		if st.conversation != "" && out.Conversation == "" {
			out.Conversation = st.conversation
		}
		return json.Marshal(&out)
	}
}

// reshapeResponse maps the upstream body back to the client surface and
// extracts usage for analytics.
func (st *proxyState) reshapeResponse(body []byte) ([]byte, *convert.ChatUsage, error) {
	switch {
	case st.surface == convert.SurfaceChat && st.plan.Mode == convert.SurfaceResponses:
		var resp convert.ResponsesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, nil, fmt.Errorf("parse responses body: %w", err)
		}
		reshaped := convert.ResponsesToChatResponse(&resp, "chatcmpl-"+ulid.Make().String())
		reshaped.Model = st.model()
		out, err := json.Marshal(reshaped)
		return out, reshaped.Usage, err

	case st.surface == convert.SurfaceResponses && st.plan.Mode == convert.SurfaceChat:
		var resp convert.ChatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, nil, fmt.Errorf("parse chat body: %w", err)
		}
		reshaped := convert.ChatToResponsesResponse(&resp, "resp_"+ulid.Make().String())
		reshaped.Model = st.model()
		out, err := json.Marshal(reshaped)
		return out, resp.Usage, err

	case st.surface == convert.SurfaceChat:
		var resp convert.ChatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return body, nil, nil // pass through unparseable 2xx bodies untouched
		}
		return body, resp.Usage, nil

	default:
		var resp convert.ResponsesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return body, nil, nil
		}
		return body, convert.UsageToChat(resp.Usage), nil
	}
}

// applyUsage copies extracted usage counters into the analytics event.
func (st *proxyState) applyUsage(usage *convert.ChatUsage) {
	if usage == nil {
		return
	}

	prompt, completion := usage.PromptTokens, usage.CompletionTokens
	st.event.Usage.PromptTokens = &prompt
	st.event.Usage.CompletionTokens = &completion
	st.event.Request.InputTokens = &prompt
	st.event.Response.OutputTokens = &completion
	st.event.Usage.ReasoningTokens = usage.ReasoningTokens
	if usage.PromptTokensDetails != nil {
		cached := usage.PromptTokensDetails.CachedTokens
		st.event.Usage.CachedTokens = &cached
	}
}

// ─── helpers ───

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	host, _, found := strings.Cut(r.RemoteAddr, ":")
	if !found {
		return r.RemoteAddr
	}
	return host
}

// conversationID reads the conversation identifier from the query parameter
// or the body.
func conversationID(r *http.Request, st *proxyState) string {
	if id := r.URL.Query().Get("conversation_id"); id != "" {
		return id
	}

	if st.responses != nil {
		return st.responses.Conversation
	}

	if st.chat != nil && st.chat.Extra != nil {
		var id string
		if raw, ok := st.chat.Extra["conversation_id"]; ok {
			json.Unmarshal(raw, &id)
		}
		return id
	}

	return ""
}

// jsonMode reports whether response_format requests JSON output.
func jsonMode(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Type == "json_object" || probe.Type == "json_schema"
}

// textOfRaw flattens chat content to text, best effort.
func textOfRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []convert.ChatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}

	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
