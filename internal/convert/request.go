package convert

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RequestOptions tune request conversion.
type RequestOptions struct {
	// ExtractInstructions moves a leading system message's text into the
	// top-level instructions field instead of keeping it as the first input
	// item. Off by default: some clients use system messages for few-shot
	// turns that must stay in position.
	ExtractInstructions bool

	// Conversation, when set, is forwarded as the Responses conversation
	// field (populated from the conversation_id query parameter or body).
	Conversation string
}

// reasoningModelPrefixes lists model families that accept reasoning.effort.
var reasoningModelPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

// IsReasoningModel reports whether the model name belongs to a
// reasoning-capable family.
func IsReasoningModel(model string) bool {
	for _, p := range reasoningModelPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

var validChatRoles = fieldSet("system", "user", "assistant", "tool", "function", "developer")

// ChatToResponsesRequest converts a Chat Completions request to the Responses
// shape. It is pure: the input is never mutated.
func ChatToResponsesRequest(req *ChatRequest, opts RequestOptions) (*ResponsesRequest, error) {
	if len(req.Messages) == 0 {
		return nil, &InvalidRequestError{Path: "messages", Reason: "must not be empty"}
	}

	out := &ResponsesRequest{
		Model:            req.Model,
		MaxOutputTokens:  req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stop:             req.Stop,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		LogitBias:        req.LogitBias,
		User:             req.User,
		N:                req.N,
		ResponseFormat:   req.ResponseFormat,
		Conversation:     opts.Conversation,
		Stream:           req.Stream,
		Extra:            req.Extra,
	}

	tools, err := ChatToolsToResponses(req.Tools)
	if err != nil {
		return nil, err
	}
	out.Tools = tools
	out.ToolChoice = ToolChoiceToResponses(req.ToolChoice)

	if req.ReasoningEffort != "" && IsReasoningModel(req.Model) {
		reasoning, err := json.Marshal(map[string]string{"effort": req.ReasoningEffort})
		if err != nil {
			return nil, err
		}
		out.Reasoning = reasoning
	}

	messages := req.Messages
	if opts.ExtractInstructions && messages[0].Role == "system" {
		text, err := contentText(messages[0].Content, "messages[0].content")
		if err != nil {
			return nil, err
		}
		out.Instructions = text
		messages = messages[1:]
	}

	for i, msg := range messages {
		item, err := chatMessageToItem(msg, fmt.Sprintf("messages[%d]", i))
		if err != nil {
			return nil, err
		}
		out.Input = append(out.Input, item)
	}

	return out, nil
}

// chatMessageToItem converts one chat message into a responses input item.
func chatMessageToItem(msg ChatMessage, path string) (ResponsesItem, error) {
	if _, ok := validChatRoles[msg.Role]; !ok {
		return ResponsesItem{}, &InvalidRequestError{
			Path:   path + ".role",
			Reason: fmt.Sprintf("unknown role %q", msg.Role),
		}
	}

	role := msg.Role
	if role == "function" {
		role = "tool"
	}

	item := ResponsesItem{
		Role:       role,
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
		ToolCalls:  msg.ToolCalls,
	}

	parts, err := chatContentToParts(msg.Content, role, path+".content")
	if err != nil {
		return ResponsesItem{}, err
	}
	item.Content = parts

	return item, nil
}

// chatContentToParts maps chat message content (string or parts array) to
// typed responses parts. Assistant text becomes output_text, everything else
// input_text.
func chatContentToParts(raw json.RawMessage, role, path string) ([]ResponsesPart, error) {
	textType := "input_text"
	if role == "assistant" {
		textType = "output_text"
	}

	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []ResponsesPart{{Type: textType, Text: s}}, nil
	}

	var parts []ChatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, &InvalidRequestError{Path: path, Reason: "content must be a string or an array of parts"}
	}

	out := make([]ResponsesPart, 0, len(parts))
	for i, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, ResponsesPart{Type: textType, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return nil, &InvalidRequestError{
					Path:   fmt.Sprintf("%s[%d].image_url", path, i),
					Reason: "missing url",
				}
			}
			out = append(out, ResponsesPart{
				Type:     "input_image",
				ImageURL: p.ImageURL.URL,
				Detail:   p.ImageURL.Detail,
			})
		default:
			return nil, &InvalidRequestError{
				Path:   fmt.Sprintf("%s[%d].type", path, i),
				Reason: fmt.Sprintf("unsupported content part type %q", p.Type),
			}
		}
	}

	return out, nil
}

// contentText flattens a chat content value to plain text.
func contentText(raw json.RawMessage, path string) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []ChatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", &InvalidRequestError{Path: path, Reason: "content must be a string or an array of parts"}
	}

	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

// ResponsesToChatRequest converts a Responses request to the Chat Completions
// shape, inverting ChatToResponsesRequest. Instructions become a leading
// system message.
func ResponsesToChatRequest(req *ResponsesRequest) (*ChatRequest, error) {
	if len(req.Input) == 0 && req.Instructions == "" {
		return nil, &InvalidRequestError{Path: "input", Reason: "must not be empty"}
	}

	out := &ChatRequest{
		Model:            req.Model,
		MaxTokens:        req.MaxOutputTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stop:             req.Stop,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		LogitBias:        req.LogitBias,
		User:             req.User,
		N:                req.N,
		ResponseFormat:   req.ResponseFormat,
		Stream:           req.Stream,
		Extra:            req.Extra,
	}

	tools, err := ResponsesToolsToChat(req.Tools)
	if err != nil {
		return nil, err
	}
	out.Tools = tools
	out.ToolChoice = ToolChoiceToChat(req.ToolChoice)

	if len(req.Reasoning) > 0 {
		var reasoning struct {
			Effort string `json:"effort"`
		}
		if err := json.Unmarshal(req.Reasoning, &reasoning); err == nil {
			out.ReasoningEffort = reasoning.Effort
		}
	}

	if req.Instructions != "" {
		content, err := json.Marshal(req.Instructions)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, ChatMessage{Role: "system", Content: content})
	}

	for i, item := range req.Input {
		msg, err := itemToChatMessage(item, fmt.Sprintf("input[%d]", i))
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msg)
	}

	return out, nil
}

// itemToChatMessage converts one responses input item back to a chat message.
// A single text part collapses to string content.
func itemToChatMessage(item ResponsesItem, path string) (ChatMessage, error) {
	role := item.Role
	if role == "" {
		return ChatMessage{}, &InvalidRequestError{Path: path + ".role", Reason: "missing role"}
	}
	if _, ok := validChatRoles[role]; !ok {
		return ChatMessage{}, &InvalidRequestError{
			Path:   path + ".role",
			Reason: fmt.Sprintf("unknown role %q", role),
		}
	}

	msg := ChatMessage{
		Role:       role,
		Name:       item.Name,
		ToolCallID: item.ToolCallID,
		ToolCalls:  item.ToolCalls,
	}

	if len(item.Content) == 1 && isTextPart(item.Content[0]) {
		content, err := json.Marshal(item.Content[0].Text)
		if err != nil {
			return ChatMessage{}, err
		}
		msg.Content = content
		return msg, nil
	}

	if len(item.Content) == 0 {
		return msg, nil
	}

	parts := make([]ChatContentPart, 0, len(item.Content))
	for i, p := range item.Content {
		switch p.Type {
		case "input_text", "output_text", "text":
			parts = append(parts, ChatContentPart{Type: "text", Text: p.Text})
		case "input_image":
			parts = append(parts, ChatContentPart{
				Type:     "image_url",
				ImageURL: &ChatImageURL{URL: p.ImageURL, Detail: p.Detail},
			})
		default:
			return ChatMessage{}, &InvalidRequestError{
				Path:   fmt.Sprintf("%s.content[%d].type", path, i),
				Reason: fmt.Sprintf("unsupported content part type %q", p.Type),
			}
		}
	}

	content, err := json.Marshal(parts)
	if err != nil {
		return ChatMessage{}, err
	}
	msg.Content = content

	return msg, nil
}

func isTextPart(p ResponsesPart) bool {
	switch p.Type {
	case "input_text", "output_text", "text":
		return true
	}
	return false
}
