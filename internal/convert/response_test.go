package convert

import (
	"encoding/json"
	"testing"
)

func TestResponsesToChatResponse_Text(t *testing.T) {
	resp := &ResponsesResponse{
		ID:     "resp_1",
		Status: "completed",
		Model:  "gpt-4o-mini",
		Output: []OutputItem{
			{Type: "message", Role: "assistant", Content: []ResponsesPart{
				{Type: "output_text", Text: "Hello "},
				{Type: "output_text", Text: "world"},
			}},
		},
		Usage: &ResponsesUsage{InputTokens: 5, OutputTokens: 2},
	}

	out := ResponsesToChatResponse(resp, "chatcmpl-x")

	if out.ID != "chatcmpl-x" || out.Object != "chat.completion" {
		t.Errorf("envelope = %q/%q", out.ID, out.Object)
	}
	choice := out.Choices[0]
	if choice.Message.Content == nil || *choice.Message.Content != "Hello world" {
		t.Errorf("content = %v, want Hello world", choice.Message.Content)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", choice.FinishReason)
	}
	if out.Usage.PromptTokens != 5 || out.Usage.CompletionTokens != 2 || out.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestResponsesToChatResponse_ToolCalls(t *testing.T) {
	resp := &ResponsesResponse{
		Status: "completed",
		Output: []OutputItem{
			{Type: "function_call", CallID: "call_a", Name: "get_weather", Arguments: `{"location":"Oslo"}`},
			{Type: "function_call", CallID: "call_b", Name: "get_time", Arguments: `{}`},
		},
	}

	out := ResponsesToChatResponse(resp, "chatcmpl-y")

	choice := out.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 2 {
		t.Fatalf("tool_calls = %d, want 2", len(choice.Message.ToolCalls))
	}
	first := choice.Message.ToolCalls[0]
	if first.ID != "call_a" || first.Type != "function" || first.Function.Name != "get_weather" {
		t.Errorf("tool_calls[0] = %+v", first)
	}
	if first.Function.Arguments != `{"location":"Oslo"}` {
		t.Errorf("arguments = %s", first.Function.Arguments)
	}
}

func TestResponsesToChatResponse_ReasoningTokens(t *testing.T) {
	resp := &ResponsesResponse{
		Status: "completed",
		Output: []OutputItem{
			{Type: "reasoning"},
			{Type: "message", Content: []ResponsesPart{{Type: "output_text", Text: "done"}}},
		},
		Usage: &ResponsesUsage{
			InputTokens:         10,
			OutputTokens:        30,
			OutputTokensDetails: &OutputTokensDetails{ReasoningTokens: 20},
			InputTokensDetails:  &InputTokensDetails{CachedTokens: 4},
		},
	}

	out := ResponsesToChatResponse(resp, "")

	if out.Usage.ReasoningTokens == nil || *out.Usage.ReasoningTokens != 20 {
		t.Errorf("reasoning_tokens = %v, want 20", out.Usage.ReasoningTokens)
	}
	if out.Usage.PromptTokensDetails == nil || out.Usage.PromptTokensDetails.CachedTokens != 4 {
		t.Errorf("cached_tokens = %+v, want 4", out.Usage.PromptTokensDetails)
	}
}

func TestChatToResponsesResponse(t *testing.T) {
	text := "sure thing"
	resp := &ChatResponse{
		ID:    "chatcmpl-z",
		Model: "gpt-4o",
		Choices: []ChatChoice{{
			Message: ChatResponseMessage{
				Role:    "assistant",
				Content: &text,
				ToolCalls: []ChatToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: ChatFunctionCall{Name: "lookup", Arguments: `{"q":"x"}`},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: &ChatUsage{PromptTokens: 3, CompletionTokens: 9, TotalTokens: 12},
	}

	out := ChatToResponsesResponse(resp, "resp_7")

	if out.ID != "resp_7" || out.Object != "response" || out.Status != "completed" {
		t.Errorf("envelope = %+v", out)
	}
	if len(out.Output) != 2 {
		t.Fatalf("output = %d items, want 2", len(out.Output))
	}
	if out.Output[0].Type != "message" || out.Output[0].Content[0].Text != "sure thing" {
		t.Errorf("output[0] = %+v", out.Output[0])
	}
	if out.Output[1].Type != "function_call" || out.Output[1].CallID != "call_1" || out.Output[1].Name != "lookup" {
		t.Errorf("output[1] = %+v", out.Output[1])
	}
	if out.Usage.InputTokens != 3 || out.Usage.OutputTokens != 9 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestResponsesResponse_ExtraFieldsSurvive(t *testing.T) {
	body := []byte(`{"id":"resp_1","status":"completed","output":[],"metadata":{"trace":"abc"}}`)

	var resp ResponsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	out := ResponsesToChatResponse(&resp, "chatcmpl-1")
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var check map[string]json.RawMessage
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if string(check["metadata"]) != `{"trace":"abc"}` {
		t.Errorf("metadata = %s, want preserved", check["metadata"])
	}
}
