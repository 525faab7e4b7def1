package convert

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SSE bridging. Each bridge consumes one upstream "data:" payload at a time
// and returns the payloads to emit on the client surface. Bridges hold only
// per-stream state (role emission, per-index tool-call accumulation) and do
// no I/O; framing and the [DONE] sentinel belong to the transport layer.

// responsesStreamEvent is the typed envelope of Responses SSE events.
type responsesStreamEvent struct {
	Type        string             `json:"type"`
	Delta       string             `json:"delta,omitempty"`
	OutputIndex *int               `json:"output_index,omitempty"`
	ItemID      string             `json:"item_id,omitempty"`
	Item        *OutputItem        `json:"item,omitempty"`
	Response    *ResponsesResponse `json:"response,omitempty"`
	Error       json.RawMessage    `json:"error,omitempty"`
}

// ResponsesToChatBridge reshapes a Responses event stream into chat chunks.
type ResponsesToChatBridge struct {
	id    string
	model string

	sentRole  bool
	toolIndex map[int]int // output_index -> chat tool_call index
	sawTools  bool
	done      bool
}

// NewResponsesToChatBridge returns a bridge emitting chunks with the given
// completion id and model.
func NewResponsesToChatBridge(id, model string) *ResponsesToChatBridge {
	return &ResponsesToChatBridge{
		id:        id,
		model:     model,
		toolIndex: make(map[int]int),
	}
}

// Done reports whether the upstream stream reached a terminal event. The
// caller emits the [DONE] sentinel once Done returns true.
func (b *ResponsesToChatBridge) Done() bool { return b.done }

// Next consumes one upstream data payload and returns the chat chunks to
// forward, in order. Unknown event types yield nothing.
func (b *ResponsesToChatBridge) Next(data []byte) ([][]byte, error) {
	var ev responsesStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse stream event: %w", err)
	}

	// Bare error payloads ({"error":{...}}) have no type.
	if ev.Type == "" && len(ev.Error) > 0 {
		return b.errorChunk(ev.Error)
	}

	switch ev.Type {
	case "response.created":
		return b.roleChunk()

	case "response.output_item.added":
		if ev.Item == nil || ev.Item.Type != "function_call" {
			return nil, nil
		}
		return b.toolCallOpen(ev)

	case "response.output_text.delta":
		var out [][]byte
		if !b.sentRole {
			role, err := b.roleChunk()
			if err != nil {
				return nil, err
			}
			out = role
		}
		chunk, err := b.marshalChunk(ChatChunkDelta{Content: ev.Delta}, nil, nil)
		if err != nil {
			return nil, err
		}
		return append(out, chunk), nil

	case "response.function_call.arguments.delta",
		"response.function_call_arguments.delta":
		return b.toolCallDelta(ev)

	case "response.completed", "response.incomplete":
		return b.completedChunks(ev)

	case "response.failed", "error":
		return b.errorChunk(ev.Error)
	}

	return nil, nil
}

func (b *ResponsesToChatBridge) roleChunk() ([][]byte, error) {
	if b.sentRole {
		return nil, nil
	}
	b.sentRole = true
	chunk, err := b.marshalChunk(ChatChunkDelta{Role: "assistant"}, nil, nil)
	if err != nil {
		return nil, err
	}
	return [][]byte{chunk}, nil
}

// toolCallOpen announces a new tool call: id, type, and function name arrive
// before any argument deltas, matching the chat wire format clients expect.
func (b *ResponsesToChatBridge) toolCallOpen(ev responsesStreamEvent) ([][]byte, error) {
	outputIndex := 0
	if ev.OutputIndex != nil {
		outputIndex = *ev.OutputIndex
	}

	idx, ok := b.toolIndex[outputIndex]
	if !ok {
		idx = len(b.toolIndex)
		b.toolIndex[outputIndex] = idx
	}
	b.sawTools = true

	callID := ev.Item.CallID
	if callID == "" {
		callID = ev.Item.ID
	}

	i := idx
	chunk, err := b.marshalChunk(ChatChunkDelta{
		ToolCalls: []ChatToolCall{{
			Index:    &i,
			ID:       callID,
			Type:     "function",
			Function: ChatFunctionCall{Name: ev.Item.Name},
		}},
	}, nil, nil)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	if !b.sentRole {
		role, err := b.roleChunk()
		if err != nil {
			return nil, err
		}
		out = role
	}
	return append(out, chunk), nil
}

func (b *ResponsesToChatBridge) toolCallDelta(ev responsesStreamEvent) ([][]byte, error) {
	outputIndex := 0
	if ev.OutputIndex != nil {
		outputIndex = *ev.OutputIndex
	}

	idx, ok := b.toolIndex[outputIndex]
	if !ok {
		idx = len(b.toolIndex)
		b.toolIndex[outputIndex] = idx
	}
	b.sawTools = true

	i := idx
	chunk, err := b.marshalChunk(ChatChunkDelta{
		ToolCalls: []ChatToolCall{{
			Index:    &i,
			Function: ChatFunctionCall{Arguments: ev.Delta},
		}},
	}, nil, nil)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	if !b.sentRole {
		role, err := b.roleChunk()
		if err != nil {
			return nil, err
		}
		out = role
	}
	return append(out, chunk), nil
}

// completedChunks emits the terminal finish_reason chunk and, when the
// upstream reported usage, a trailing usage-only chunk.
func (b *ResponsesToChatBridge) completedChunks(ev responsesStreamEvent) ([][]byte, error) {
	b.done = true

	finishReason := "stop"
	switch {
	case b.sawTools:
		finishReason = "tool_calls"
	case ev.Type == "response.incomplete":
		finishReason = "length"
	}

	final, err := b.marshalChunk(ChatChunkDelta{}, &finishReason, nil)
	if err != nil {
		return nil, err
	}
	out := [][]byte{final}

	if ev.Response != nil && ev.Response.Usage != nil {
		usage, err := json.Marshal(ChatChunk{
			ID:      b.id,
			Object:  "chat.completion.chunk",
			Model:   b.model,
			Choices: []ChatChunkChoice{},
			Usage:   UsageToChat(ev.Response.Usage),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, usage)
	}

	return out, nil
}

// errorChunk passes an upstream error through in the chat error envelope and
// terminates the stream.
func (b *ResponsesToChatBridge) errorChunk(errBody json.RawMessage) ([][]byte, error) {
	b.done = true
	if len(errBody) == 0 {
		errBody = json.RawMessage(`{"message":"upstream stream failed","type":"server_error"}`)
	}
	payload, err := json.Marshal(map[string]json.RawMessage{"error": errBody})
	if err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

func (b *ResponsesToChatBridge) marshalChunk(delta ChatChunkDelta, finishReason *string, usage *ChatUsage) ([]byte, error) {
	return json.Marshal(ChatChunk{
		ID:     b.id,
		Object: "chat.completion.chunk",
		Model:  b.model,
		Choices: []ChatChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
		Usage: usage,
	})
}

// ─── Chat upstream, Responses client ───

// ChatToResponsesBridge reshapes a chat chunk stream into Responses events.
// It accumulates text and per-index tool-call arguments so the terminal
// response.completed event carries the assembled response object.
type ChatToResponsesBridge struct {
	id    string
	model string

	created  bool
	text     strings.Builder
	toolIDs  map[int]string
	toolName map[int]string
	toolArgs map[int]*strings.Builder
	order    []int
	usage    *ChatUsage
	done     bool
}

// NewChatToResponsesBridge returns a bridge emitting events for the given
// response id and model.
func NewChatToResponsesBridge(id, model string) *ChatToResponsesBridge {
	return &ChatToResponsesBridge{
		id:       id,
		model:    model,
		toolIDs:  make(map[int]string),
		toolName: make(map[int]string),
		toolArgs: make(map[int]*strings.Builder),
	}
}

// Done reports whether the upstream stream reached a terminal chunk.
func (b *ChatToResponsesBridge) Done() bool { return b.done }

// Next consumes one upstream chat chunk payload and returns the Responses
// events to forward.
func (b *ChatToResponsesBridge) Next(data []byte) ([][]byte, error) {
	var chunk ChatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("parse chat chunk: %w", err)
	}

	if len(chunk.Error) > 0 {
		b.done = true
		payload, err := json.Marshal(map[string]any{
			"type":  "error",
			"error": chunk.Error,
		})
		if err != nil {
			return nil, err
		}
		return [][]byte{payload}, nil
	}

	var out [][]byte

	if !b.created {
		b.created = true
		created, err := b.event("response.created", map[string]any{
			"response": &ResponsesResponse{
				ID:     b.id,
				Object: "response",
				Status: "in_progress",
				Model:  b.model,
			},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}

	if chunk.Usage != nil {
		b.usage = chunk.Usage
	}

	if len(chunk.Choices) == 0 {
		return out, nil
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		b.text.WriteString(choice.Delta.Content)
		idx := 0
		ev, err := b.event("response.output_text.delta", map[string]any{
			"delta":        choice.Delta.Content,
			"output_index": idx,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}

	for _, tc := range choice.Delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}

		if _, ok := b.toolArgs[idx]; !ok {
			b.toolArgs[idx] = &strings.Builder{}
			b.order = append(b.order, idx)
		}
		if tc.ID != "" {
			b.toolIDs[idx] = tc.ID
		}
		if tc.Function.Name != "" {
			b.toolName[idx] = tc.Function.Name

			added, err := b.event("response.output_item.added", map[string]any{
				"output_index": idx,
				"item": &OutputItem{
					Type:   "function_call",
					CallID: tc.ID,
					Name:   tc.Function.Name,
				},
			})
			if err != nil {
				return nil, err
			}
			out = append(out, added)
		}
		if tc.Function.Arguments != "" {
			b.toolArgs[idx].WriteString(tc.Function.Arguments)

			ev, err := b.event("response.function_call.arguments.delta", map[string]any{
				"delta":        tc.Function.Arguments,
				"output_index": idx,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		completed, err := b.completedEvent(*choice.FinishReason)
		if err != nil {
			return nil, err
		}
		out = append(out, completed)
	}

	return out, nil
}

// completedEvent assembles the final response object from accumulated state.
func (b *ChatToResponsesBridge) completedEvent(finishReason string) ([]byte, error) {
	b.done = true

	resp := &ResponsesResponse{
		ID:     b.id,
		Object: "response",
		Status: "completed",
		Model:  b.model,
		Usage:  UsageToResponses(b.usage),
	}
	if finishReason == "length" {
		resp.Status = "incomplete"
	}

	if b.text.Len() > 0 {
		resp.Output = append(resp.Output, OutputItem{
			Type:   "message",
			Role:   "assistant",
			Status: "completed",
			Content: []ResponsesPart{{
				Type: "output_text",
				Text: b.text.String(),
			}},
		})
	}

	for _, idx := range b.order {
		resp.Output = append(resp.Output, OutputItem{
			Type:      "function_call",
			Status:    "completed",
			CallID:    b.toolIDs[idx],
			Name:      b.toolName[idx],
			Arguments: b.toolArgs[idx].String(),
		})
	}

	eventType := "response.completed"
	if resp.Status == "incomplete" {
		eventType = "response.incomplete"
	}

	return b.event(eventType, map[string]any{"response": resp})
}

func (b *ChatToResponsesBridge) event(eventType string, fields map[string]any) ([]byte, error) {
	payload := make(map[string]any, len(fields)+1)
	payload["type"] = eventType
	for k, v := range fields {
		payload[k] = v
	}
	return json.Marshal(payload)
}
