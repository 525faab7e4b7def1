package convert

import (
	"strings"
)

// ResponsesToChatResponse reshapes an upstream Responses object into a Chat
// Completions response. Text parts of message items concatenate into the
// single choice's content; function_call items become tool_calls.
func ResponsesToChatResponse(resp *ResponsesResponse, id string) *ChatResponse {
	var content strings.Builder
	var toolCalls []ChatToolCall

	for _, item := range resp.Output {
		switch item.Type {
		case "message", "":
			for _, p := range item.Content {
				if isTextPart(p) {
					content.WriteString(p.Text)
				}
			}
		case "function_call":
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			idx := len(toolCalls)
			toolCalls = append(toolCalls, ChatToolCall{
				Index: &idx,
				ID:    callID,
				Type:  "function",
				Function: ChatFunctionCall{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
		}
		// Reasoning and other item types carry no chat-surface payload.
	}

	msg := ChatResponseMessage{Role: "assistant"}
	if content.Len() > 0 || len(toolCalls) == 0 {
		text := content.String()
		msg.Content = &text
	}
	msg.ToolCalls = toolCalls

	finishReason := "stop"
	switch {
	case len(toolCalls) > 0:
		finishReason = "tool_calls"
	case resp.Status == "incomplete":
		finishReason = "length"
	}

	if id == "" {
		id = resp.ID
	}

	out := &ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: resp.CreatedAt,
		Model:   resp.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: finishReason,
		}},
		Usage: UsageToChat(resp.Usage),
		Extra: resp.Extra,
	}

	return out
}

// ChatToResponsesResponse reshapes an upstream Chat Completions response into
// a Responses object, for Responses clients served by a chat-mode upstream.
func ChatToResponsesResponse(resp *ChatResponse, id string) *ResponsesResponse {
	out := &ResponsesResponse{
		ID:        id,
		Object:    "response",
		CreatedAt: resp.Created,
		Status:    "completed",
		Model:     resp.Model,
		Usage:     UsageToResponses(resp.Usage),
		Extra:     resp.Extra,
	}
	if out.ID == "" {
		out.ID = resp.ID
	}

	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]

	if choice.FinishReason == "length" {
		out.Status = "incomplete"
	}

	if choice.Message.Content != nil && *choice.Message.Content != "" {
		out.Output = append(out.Output, OutputItem{
			Type:   "message",
			Role:   "assistant",
			Status: "completed",
			Content: []ResponsesPart{{
				Type: "output_text",
				Text: *choice.Message.Content,
			}},
		})
	}

	for _, tc := range choice.Message.ToolCalls {
		out.Output = append(out.Output, OutputItem{
			Type:      "function_call",
			Status:    "completed",
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return out
}

// UsageToChat maps Responses usage counters onto the chat shape, keeping
// reasoning and cached token details.
func UsageToChat(u *ResponsesUsage) *ChatUsage {
	if u == nil {
		return nil
	}

	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}

	out := &ChatUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      total,
	}
	if u.OutputTokensDetails != nil {
		rt := u.OutputTokensDetails.ReasoningTokens
		out.ReasoningTokens = &rt
	}
	if u.InputTokensDetails != nil {
		out.PromptTokensDetails = &ChatPromptTokensDetails{
			CachedTokens: u.InputTokensDetails.CachedTokens,
		}
	}

	return out
}

// UsageToResponses is the inverse of UsageToChat.
func UsageToResponses(u *ChatUsage) *ResponsesUsage {
	if u == nil {
		return nil
	}

	out := &ResponsesUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.ReasoningTokens != nil {
		out.OutputTokensDetails = &OutputTokensDetails{ReasoningTokens: *u.ReasoningTokens}
	}
	if u.PromptTokensDetails != nil {
		out.InputTokensDetails = &InputTokensDetails{CachedTokens: u.PromptTokensDetails.CachedTokens}
	}

	return out
}
