package convert

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestChatToolsToResponses_RoundTripParameters(t *testing.T) {
	params := `{"type":"object","properties":{"location":{"type":"string"}},"required":["location"]}`
	tool := json.RawMessage(`{"type":"function","function":{"name":"get_weather","parameters":` + params + `}}`)

	flat, err := ChatToolsToResponses([]json.RawMessage{tool})
	if err != nil {
		t.Fatalf("ChatToolsToResponses: %v", err)
	}

	var def responsesToolDef
	if err := json.Unmarshal(flat[0], &def); err != nil {
		t.Fatalf("unmarshal flattened: %v", err)
	}
	if def.Name != "get_weather" {
		t.Errorf("name = %q, want get_weather", def.Name)
	}
	if !bytes.Equal(def.Parameters, []byte(params)) {
		t.Errorf("parameters changed: %s", def.Parameters)
	}

	back, err := ResponsesToolsToChat(flat)
	if err != nil {
		t.Fatalf("ResponsesToolsToChat: %v", err)
	}

	var wrapped chatToolDef
	if err := json.Unmarshal(back[0], &wrapped); err != nil {
		t.Fatalf("unmarshal wrapped: %v", err)
	}
	if wrapped.Function.Name != "get_weather" {
		t.Errorf("name = %q, want get_weather", wrapped.Function.Name)
	}
	if !bytes.Equal(wrapped.Function.Parameters, []byte(params)) {
		t.Errorf("parameters not byte-identical after round-trip: %s", wrapped.Function.Parameters)
	}
}

func TestChatToolsToResponses_UnknownTypePassthrough(t *testing.T) {
	raw := json.RawMessage(`{"type":"web_search_preview","search_context_size":"medium"}`)

	out, err := ChatToolsToResponses([]json.RawMessage{raw})
	if err != nil {
		t.Fatalf("ChatToolsToResponses: %v", err)
	}
	if !bytes.Equal(out[0], raw) {
		t.Errorf("unknown tool mutated: %s", out[0])
	}

	back, err := ResponsesToolsToChat(out)
	if err != nil {
		t.Fatalf("ResponsesToolsToChat: %v", err)
	}
	if !bytes.Equal(back[0], raw) {
		t.Errorf("unknown tool mutated on reverse: %s", back[0])
	}
}

func TestChatToolsToResponses_MissingName(t *testing.T) {
	tool := json.RawMessage(`{"type":"function","function":{"description":"anonymous"}}`)

	if _, err := ChatToolsToResponses([]json.RawMessage{tool}); err == nil {
		t.Fatal("expected error for missing function name")
	}
}

func TestToolChoice_Renormalization(t *testing.T) {
	tests := []struct {
		name string
		in   string
		to   func(json.RawMessage) json.RawMessage
		want string
	}{
		{
			name: "string passes through",
			in:   `"auto"`,
			to:   ToolChoiceToResponses,
			want: `"auto"`,
		},
		{
			name: "nested flattens",
			in:   `{"type":"function","function":{"name":"get_weather"}}`,
			to:   ToolChoiceToResponses,
			want: `{"name":"get_weather","type":"function"}`,
		},
		{
			name: "already flat passes through",
			in:   `{"type":"function","name":"get_weather"}`,
			to:   ToolChoiceToResponses,
			want: `{"type":"function","name":"get_weather"}`,
		},
		{
			name: "flat nests",
			in:   `{"type":"function","name":"get_weather"}`,
			to:   ToolChoiceToChat,
			want: `{"function":{"name":"get_weather"},"type":"function"}`,
		},
		{
			name: "required passes through",
			in:   `"required"`,
			to:   ToolChoiceToChat,
			want: `"required"`,
		},
	}

	for _, tt := range tests {
		got := tt.to(json.RawMessage(tt.in))

		var gotV, wantV any
		if err := json.Unmarshal(got, &gotV); err != nil {
			t.Fatalf("%s: unmarshal got: %v", tt.name, err)
		}
		if err := json.Unmarshal([]byte(tt.want), &wantV); err != nil {
			t.Fatalf("%s: unmarshal want: %v", tt.name, err)
		}

		gotJSON, _ := json.Marshal(gotV)
		wantJSON, _ := json.Marshal(wantV)
		if !bytes.Equal(gotJSON, wantJSON) {
			t.Errorf("%s: got %s, want %s", tt.name, gotJSON, wantJSON)
		}
	}
}
