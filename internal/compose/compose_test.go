package compose

import (
	"encoding/json"
	"testing"

	"github.com/routiium/routiium/internal/convert"
	"github.com/routiium/routiium/internal/mcp"
)

func TestEffectivePrompt_Precedence(t *testing.T) {
	cfg := &PromptConfig{
		Enabled: true,
		Global:  "global prompt",
		PerAPI:  map[string]string{"chat": "chat prompt"},
		PerModel: map[string]string{
			"gpt-4":   "gpt4 prompt",
			"gpt-4o-": "gpt4o prompt",
		},
	}

	tests := []struct {
		model, surface, want string
	}{
		{"gpt-4o-mini", "chat", "gpt4o prompt"}, // longest per_model prefix wins
		{"gpt-4-turbo", "chat", "gpt4 prompt"},
		{"claude-3", "chat", "chat prompt"},
		{"claude-3", "responses", "global prompt"},
	}

	for _, tt := range tests {
		if got := cfg.EffectivePrompt(tt.model, tt.surface); got != tt.want {
			t.Errorf("EffectivePrompt(%s, %s) = %q, want %q", tt.model, tt.surface, got, tt.want)
		}
	}
}

func TestEffectivePrompt_Disabled(t *testing.T) {
	cfg := &PromptConfig{Enabled: false, Global: "x"}
	if got := cfg.EffectivePrompt("gpt-4o", "chat"); got != "" {
		t.Errorf("disabled config returned %q", got)
	}
}

func chatReq(roles ...string) *convert.ChatRequest {
	req := &convert.ChatRequest{Model: "gpt-4o"}
	for _, r := range roles {
		req.Messages = append(req.Messages, convert.ChatMessage{
			Role:    r,
			Content: json.RawMessage(`"m"`),
		})
	}
	return req
}

func messageRoles(req *convert.ChatRequest) []string {
	roles := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		roles[i] = m.Role
	}
	return roles
}

func TestApplyChatPrompt_Modes(t *testing.T) {
	tests := []struct {
		mode  string
		in    []string
		want  []string
		first string // content of the injected slot, decoded
	}{
		{mode: InjectPrepend, in: []string{"system", "user"}, want: []string{"system", "system", "user"}},
		{mode: InjectAppend, in: []string{"system", "user"}, want: []string{"system", "system", "user"}},
		{mode: InjectReplace, in: []string{"system", "user", "system"}, want: []string{"system", "user"}},
	}

	for _, tt := range tests {
		cfg := &PromptConfig{Enabled: true, Global: "injected", InjectionMode: tt.mode}
		req := chatReq(tt.in...)
		ApplyChatPrompt(req, cfg)

		got := messageRoles(req)
		if len(got) != len(tt.want) {
			t.Errorf("mode %s: roles = %v, want %v", tt.mode, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("mode %s: roles = %v, want %v", tt.mode, got, tt.want)
				break
			}
		}
	}
}

func TestApplyChatPrompt_AppendPosition(t *testing.T) {
	cfg := &PromptConfig{Enabled: true, Global: "late", InjectionMode: InjectAppend}
	req := chatReq("system", "user")
	ApplyChatPrompt(req, cfg)

	// The injected message is the last system message, after the original.
	var content string
	if err := json.Unmarshal(req.Messages[1].Content, &content); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Messages[1].Role != "system" || content != "late" {
		t.Errorf("messages[1] = %s %q, want system %q", req.Messages[1].Role, content, "late")
	}
}

func TestApplyChatPrompt_ReplaceKeepsOnlyInjected(t *testing.T) {
	cfg := &PromptConfig{Enabled: true, Global: "only", InjectionMode: InjectReplace}
	req := chatReq("system", "user", "assistant")
	ApplyChatPrompt(req, cfg)

	var content string
	json.Unmarshal(req.Messages[0].Content, &content)
	if req.Messages[0].Role != "system" || content != "only" {
		t.Errorf("messages[0] = %s %q", req.Messages[0].Role, content)
	}
	for _, m := range req.Messages[1:] {
		if m.Role == "system" {
			t.Errorf("replace left a system message: %v", messageRoles(req))
		}
	}
}

func TestApplyResponsesPrompt(t *testing.T) {
	cfg := &PromptConfig{Enabled: true, Global: "rules", InjectionMode: InjectPrepend}
	req := &convert.ResponsesRequest{
		Model: "gpt-4o",
		Input: []convert.ResponsesItem{
			{Role: "user", Content: []convert.ResponsesPart{{Type: "input_text", Text: "hi"}}},
		},
	}

	ApplyResponsesPrompt(req, cfg)

	if len(req.Input) != 2 {
		t.Fatalf("input = %d items, want 2", len(req.Input))
	}
	first := req.Input[0]
	if first.Role != "system" || len(first.Content) != 1 ||
		first.Content[0].Type != "input_text" || first.Content[0].Text != "rules" {
		t.Errorf("input[0] = %+v", first)
	}
}

func TestMergeChatTools_ClientWinsCollision(t *testing.T) {
	clientTool := json.RawMessage(`{"type":"function","function":{"name":"weather_forecast","parameters":{"type":"object","properties":{"q":{"type":"string"}}}}}`)
	req := &convert.ChatRequest{
		Model: "gpt-4o",
		Tools: []json.RawMessage{clientTool},
	}

	tools := []mcp.FederatedTool{
		{Server: "weather", Name: "weather_forecast", Tool: mcp.Tool{Name: "forecast"}},
		{Server: "weather", Name: "weather_alerts", Tool: mcp.Tool{
			Name:        "alerts",
			Description: "active alerts",
			InputSchema: map[string]any{"type": "object"},
		}},
	}

	if err := MergeChatTools(req, tools); err != nil {
		t.Fatalf("MergeChatTools: %v", err)
	}

	if len(req.Tools) != 2 {
		t.Fatalf("tools = %d, want 2 (collision dropped)", len(req.Tools))
	}

	// Client tool is untouched.
	if string(req.Tools[0]) != string(clientTool) {
		t.Errorf("client tool mutated: %s", req.Tools[0])
	}

	var added struct {
		Type     string `json:"type"`
		Function struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(req.Tools[1], &added); err != nil {
		t.Fatalf("unmarshal added tool: %v", err)
	}
	if added.Function.Name != "weather_alerts" || added.Function.Description != "active alerts" {
		t.Errorf("added = %+v", added)
	}
}

func TestMergeResponsesTools(t *testing.T) {
	req := &convert.ResponsesRequest{Model: "gpt-4o"}

	tools := []mcp.FederatedTool{
		{Server: "files", Name: "files_read", Tool: mcp.Tool{
			Name:        "read",
			InputSchema: map[string]any{"properties": map[string]any{"path": map[string]any{"type": "string"}}},
		}},
	}

	if err := MergeResponsesTools(req, tools); err != nil {
		t.Fatalf("MergeResponsesTools: %v", err)
	}

	var added struct {
		Type       string         `json:"type"`
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal(req.Tools[0], &added); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if added.Type != "function" || added.Name != "files_read" {
		t.Errorf("added = %+v", added)
	}
	// Missing root type is defaulted.
	if added.Parameters["type"] != "object" {
		t.Errorf("parameters.type = %v, want object", added.Parameters["type"])
	}
}

func TestToolParameters_DeepCopy(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"a": map[string]any{"type": "string"}},
	}

	out := toolParameters(schema)
	out["properties"].(map[string]any)["a"].(map[string]any)["type"] = "integer"

	if schema["properties"].(map[string]any)["a"].(map[string]any)["type"] != "string" {
		t.Error("shared schema was mutated through the copy")
	}
}
