package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/routiium/routiium/internal/analytics"
	"github.com/routiium/routiium/internal/compose"
	"github.com/routiium/routiium/internal/config"
	"github.com/routiium/routiium/internal/keys"
	"github.com/routiium/routiium/internal/mcp"
	"github.com/routiium/routiium/internal/upstream"
)

// upstreamMock records what the gateway sent and plays back a canned reply.
type upstreamMock struct {
	srv *httptest.Server

	lastBody   atomic.Value // []byte
	lastAuth   atomic.Value // string
	lastPath   atomic.Value // string
	reply      atomic.Value // []byte
	replyCode  atomic.Int64
	sseReply   atomic.Value // []string, lines written as an SSE stream
	sseEnabled atomic.Bool
}

func newUpstreamMock(t *testing.T) *upstreamMock {
	t.Helper()

	m := &upstreamMock{}
	m.replyCode.Store(http.StatusOK)

	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)
		m.lastBody.Store(body.Bytes())
		m.lastAuth.Store(r.Header.Get("Authorization"))
		m.lastPath.Store(r.URL.Path)

		if m.sseEnabled.Load() {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, line := range m.sseReply.Load().([]string) {
				fmt.Fprintf(w, "%s\n", line)
				flusher.Flush()
			}
			return
		}

		code := int(m.replyCode.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if reply, ok := m.reply.Load().([]byte); ok {
			w.Write(reply)
		}
	}))
	t.Cleanup(m.srv.Close)

	return m
}

func (m *upstreamMock) body() []byte {
	if v, ok := m.lastBody.Load().([]byte); ok {
		return v
	}
	return nil
}

// testGateway bundles the server under test with its collaborators.
type testGateway struct {
	srv      *httptest.Server
	keys     *keys.Manager
	backend  *analytics.MemoryBackend
	recorder *analytics.Recorder
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := &config.Config{
		Server: config.Server{Port: "0"},
		Upstream: config.Upstream{
			BaseURL:           "https://api.openai.com/v1",
			Mode:              "chat",
			AuthEnv:           "TEST_OPENAI_KEY",
			AuthMode:          "managed",
			Timeout:           "5s",
			KeepAliveInterval: "10s",
		},
		Router: config.Router{
			Timeout:      "200ms",
			Privacy:      "features",
			PlanCacheTTL: "1m",
		},
		Keys:      config.Keys{Backend: "memory"},
		Analytics: config.Analytics{Backend: "memory"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	keyManager := keys.NewManager(keys.NewMemoryStore(), keys.Policy{
		RequireExpiration: cfg.Keys.RequireExpiration,
		AllowNoExpiration: cfg.Keys.AllowNoExpiration,
		DefaultTTLSeconds: cfg.Keys.DefaultTTLSeconds,
	})

	backend := analytics.NewMemoryBackend(100)
	recorder := analytics.NewRecorder(backend, &analytics.PricingConfig{})
	t.Cleanup(recorder.Close)

	resolver, err := BuildResolver(cfg.Router, cfg.Upstream)
	if err != nil {
		t.Fatalf("BuildResolver: %v", err)
	}

	client, err := upstream.New(upstream.Config{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}

	s, err := New(ctx, cfg, Deps{
		Prompts:  &compose.PromptConfig{},
		Resolver: resolver,
		MCP:      mcp.NewManager(),
		Keys:     keyManager,
		Recorder: recorder,
		Client:   client,
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testGateway{srv: srv, keys: keyManager, backend: backend, recorder: recorder}
}

// issueToken creates a managed token for tests.
func (g *testGateway) issueToken(t *testing.T) string {
	t.Helper()

	ttl := 3600
	token, _, err := g.keys.Issue(context.Background(), keys.IssueRequest{Label: "test", TTLSeconds: &ttl})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

// waitForEvents polls the analytics backend until n events arrive.
func (g *testGateway) waitForEvents(t *testing.T, n int) []analytics.Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := g.backend.Query(context.Background(), time.Time{}, time.Time{}, 0)
		if err != nil {
			t.Fatalf("query events: %v", err)
		}
		if len(events) >= n {
			return events
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d analytics events", n)
	return nil
}

func postJSON(t *testing.T, url, token, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestProxy_ChatToResponsesUpstream(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-upstream-secret")

	mock := newUpstreamMock(t)
	mock.reply.Store([]byte(`{
		"id": "resp_abc",
		"object": "response",
		"status": "completed",
		"model": "gpt-4o-mini",
		"output": [{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hello there"}]}],
		"usage": {"input_tokens": 9, "output_tokens": 3}
	}`))

	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Upstream.BaseURL = mock.srv.URL + "/v1"
		cfg.Upstream.Mode = "responses"
	})
	token := g.issueToken(t)

	resp := postJSON(t, g.srv.URL+"/v1/chat/completions", token,
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}],"max_tokens":32}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Outbound payload was converted to the Responses shape.
	var sent map[string]json.RawMessage
	if err := json.Unmarshal(mock.body(), &sent); err != nil {
		t.Fatalf("unmarshal sent body: %v", err)
	}
	if _, ok := sent["input"]; !ok {
		t.Errorf("outbound body missing input: %s", mock.body())
	}
	if string(sent["max_output_tokens"]) != "32" {
		t.Errorf("max_output_tokens = %s, want 32", sent["max_output_tokens"])
	}
	if _, ok := sent["messages"]; ok {
		t.Error("outbound body still has chat messages")
	}
	if mock.lastPath.Load().(string) != "/v1/responses" {
		t.Errorf("upstream path = %v, want /v1/responses", mock.lastPath.Load())
	}

	// Upstream saw the provider key, not a client token.
	if auth := mock.lastAuth.Load().(string); auth != "Bearer sk-upstream-secret" {
		t.Errorf("upstream auth = %q", auth)
	}

	// Reply was reshaped to the chat surface.
	var chat struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if chat.Object != "chat.completion" || len(chat.Choices) != 1 {
		t.Fatalf("reply = %+v", chat)
	}
	if chat.Choices[0].Message.Content != "hello there" || chat.Choices[0].FinishReason != "stop" {
		t.Errorf("choice = %+v", chat.Choices[0])
	}
	if chat.Usage.PromptTokens != 9 || chat.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", chat.Usage)
	}

	// Exactly one analytics event with the required fields.
	events := g.waitForEvents(t, 1)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Request.SizeBytes == 0 || ev.Response.Status != http.StatusOK {
		t.Errorf("event request/response = %+v / %+v", ev.Request, ev.Response)
	}
	if !ev.Response.Success || ev.Auth.Method != "managed" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Usage.PromptTokens == nil || *ev.Usage.PromptTokens != 9 {
		t.Errorf("event usage = %+v", ev.Usage)
	}
}

func TestProxy_ManagedAuthRevocation(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-upstream-secret")

	mock := newUpstreamMock(t)
	mock.reply.Store([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))

	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Upstream.BaseURL = mock.srv.URL + "/v1"
	})
	token := g.issueToken(t)

	resp := postJSON(t, g.srv.URL+"/v1/chat/completions", token,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Revoke via the admin API, then the same token gets 401.
	id := token[len("sk_") : len("sk_")+32]
	revoke := postJSON(t, g.srv.URL+"/keys/revoke", "", `{"id":"`+id+`"}`)
	revoke.Body.Close()
	if revoke.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", revoke.StatusCode)
	}

	resp = postJSON(t, g.srv.URL+"/v1/chat/completions", token,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status after revoke = %d, want 401", resp.StatusCode)
	}

	var envelope errorBody
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if envelope.Error.Type != kindUnauthorized {
		t.Errorf("error.type = %q, want %s", envelope.Error.Type, kindUnauthorized)
	}
}

func TestProxy_PrefixRuleRouting(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-secret")

	mock := newUpstreamMock(t)
	mock.reply.Store([]byte(`{"id":"resp_1","object":"response","status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"claude says hi"}]}]}`))

	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Router.PrefixRules = "prefix=claude-;base=" + mock.srv.URL + "/v1;key_env=TEST_ANTHROPIC_KEY;mode=responses"
	})
	token := g.issueToken(t)

	resp := postJSON(t, g.srv.URL+"/v1/chat/completions", token,
		`{"model":"claude-3-5-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if auth := mock.lastAuth.Load().(string); auth != "Bearer sk-ant-secret" {
		t.Errorf("upstream auth = %q, want rule key env", auth)
	}
	if got := resp.Header.Get("x-route-id"); got != "rule:claude-" {
		t.Errorf("x-route-id = %q", got)
	}
	if got := resp.Header.Get("x-resolved-model"); got != "claude-3-5-sonnet" {
		t.Errorf("x-resolved-model = %q", got)
	}
}

func TestProxy_StreamingBridge(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "k")

	mock := newUpstreamMock(t)
	mock.sseEnabled.Store(true)
	mock.sseReply.Store([]string{
		`data: {"type":"response.created","response":{"id":"resp_1"}}`,
		``,
		`data: {"type":"response.output_text.delta","delta":"Hel"}`,
		``,
		`data: {"type":"response.output_text.delta","delta":"lo"}`,
		``,
		`data: {"type":"response.completed","response":{"status":"completed"}}`,
		``,
	})

	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Upstream.BaseURL = mock.srv.URL + "/v1"
		cfg.Upstream.Mode = "responses"
	})
	token := g.issueToken(t)

	resp := postJSON(t, g.srv.URL+"/v1/chat/completions", token,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content-type = %q", ct)
	}

	var content strings.Builder
	var sawDone, sawFinish bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			sawDone = true
			continue
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		if len(chunk.Choices) > 0 {
			content.WriteString(chunk.Choices[0].Delta.Content)
			if chunk.Choices[0].FinishReason != nil && *chunk.Choices[0].FinishReason == "stop" {
				sawFinish = true
			}
		}
	}

	if content.String() != "Hello" {
		t.Errorf("concatenated content = %q, want Hello", content.String())
	}
	if !sawFinish || !sawDone {
		t.Errorf("finish=%v done=%v, want both", sawFinish, sawDone)
	}
}

func TestProxy_StreamingUpstreamError(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "k")

	mock := newUpstreamMock(t)
	mock.replyCode.Store(http.StatusServiceUnavailable)
	mock.reply.Store([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))

	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Upstream.BaseURL = mock.srv.URL + "/v1"
	})
	token := g.issueToken(t)

	resp := postJSON(t, g.srv.URL+"/v1/chat/completions", token,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	defer resp.Body.Close()

	var dataLines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			dataLines = append(dataLines, data)
		}
	}

	if len(dataLines) != 2 {
		t.Fatalf("data lines = %v, want error event + [DONE]", dataLines)
	}
	if !strings.Contains(dataLines[0], "overloaded") {
		t.Errorf("error event = %q", dataLines[0])
	}
	if dataLines[1] != "[DONE]" {
		t.Errorf("terminal = %q, want [DONE]", dataLines[1])
	}
}

func TestProxy_InvalidRequests(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "k")

	g := newTestGateway(t, nil)
	token := g.issueToken(t)

	tests := []struct {
		name string
		body string
	}{
		{"syntax error", `{"model": "gpt-4o", messages: }`},
		{"empty messages", `{"model":"gpt-4o","messages":[]}`},
	}

	for _, tt := range tests {
		resp := postJSON(t, g.srv.URL+"/v1/chat/completions", token, tt.body)
		var envelope errorBody
		json.NewDecoder(resp.Body).Decode(&envelope)
		resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, resp.StatusCode)
		}
		if envelope.Error.Type != kindInvalidRequest {
			t.Errorf("%s: error.type = %q, want %s", tt.name, envelope.Error.Type, kindInvalidRequest)
		}
	}
}

func TestConvertEndpoint(t *testing.T) {
	g := newTestGateway(t, nil)

	resp := postJSON(t, g.srv.URL+"/convert?conversation_id=c9", "",
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}],"max_tokens":32}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := out["input"]; !ok {
		t.Error("missing input in converted request")
	}
	if string(out["max_output_tokens"]) != "32" {
		t.Errorf("max_output_tokens = %s", out["max_output_tokens"])
	}
	if string(out["conversation"]) != `"c9"` {
		t.Errorf("conversation = %s, want \"c9\"", out["conversation"])
	}
}

func TestKeysAPI_GenerateAndList(t *testing.T) {
	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Keys.RequireExpiration = true
	})

	// Policy: no expiration → rejected.
	resp := postJSON(t, g.srv.URL+"/keys/generate", "", `{"label":"x"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("generate without ttl = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, g.srv.URL+"/keys/generate", "", `{"label":"ci","ttl_seconds":3600,"scopes":["chat"]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("generate = %d, want 201", resp.StatusCode)
	}

	var created struct {
		Token string `json:"token"`
		Key   struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		} `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(created.Token, "sk_") || created.Key.Label != "ci" {
		t.Errorf("created = %+v", created)
	}

	listResp, err := http.Get(g.srv.URL + "/keys")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()

	var list struct {
		Keys []map[string]json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(list.Keys))
	}

	// The secret material never leaves the store.
	for _, forbidden := range []string{"secret_hash", "salt", "token"} {
		if _, ok := list.Keys[0][forbidden]; ok {
			t.Errorf("key metadata leaks %q", forbidden)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, err := http.Get(g.srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Features map[string]any `json:"features"`
		Keys     map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Features["auth_mode"] != "managed" {
		t.Errorf("auth_mode = %v", body.Features["auth_mode"])
	}
	if body.Keys["backend"] != "memory" {
		t.Errorf("keys backend = %v", body.Keys["backend"])
	}
}
