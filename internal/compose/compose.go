// Package compose merges configured system prompts and MCP-federated tools
// into an outbound payload before it is forwarded upstream.
package compose

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/routiium/routiium/internal/convert"
	"github.com/routiium/routiium/internal/mcp"
)

// Injection modes.
const (
	InjectPrepend = "prepend"
	InjectAppend  = "append"
	InjectReplace = "replace"
)

// PromptConfig is the system-prompt configuration file shape.
type PromptConfig struct {
	Enabled       bool              `json:"enabled"`
	Global        string            `json:"global,omitempty"`
	PerModel      map[string]string `json:"per_model,omitempty"` // keyed by model prefix
	PerAPI        map[string]string `json:"per_api,omitempty"`   // "chat" | "responses"
	InjectionMode string            `json:"injection_mode,omitempty"`

	// ExtractInstructions opts in to moving a leading system message into
	// the Responses instructions field during conversion.
	ExtractInstructions bool `json:"extract_instructions,omitempty"`
}

// LoadPromptConfig reads the prompt JSON file. A missing path yields a
// disabled config.
func LoadPromptConfig(path string) (*PromptConfig, error) {
	if path == "" {
		return &PromptConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PromptConfig{}, nil
		}
		return nil, fmt.Errorf("read prompt config: %w", err)
	}

	var cfg PromptConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse prompt config %s: %w", path, err)
	}

	if cfg.InjectionMode == "" {
		cfg.InjectionMode = InjectPrepend
	}

	return &cfg, nil
}

// EffectivePrompt resolves the prompt for a model and surface with
// precedence per_model > per_api > global. Among per_model entries the
// longest matching prefix wins.
func (c *PromptConfig) EffectivePrompt(model, surface string) string {
	if c == nil || !c.Enabled {
		return ""
	}

	var best string
	var bestLen int
	for prefix, prompt := range c.PerModel {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = prompt, len(prefix)
		}
	}
	if bestLen > 0 {
		return best
	}

	if prompt, ok := c.PerAPI[surface]; ok && prompt != "" {
		return prompt
	}

	return c.Global
}

// ApplyChatPrompt injects the effective prompt into a chat request according
// to the injection mode. The same config and request always give the same
// message list. Applying it a second time to an already-composed request is
// a no-op in effect only for replace; prepend and append insert another
// system message on every call.
func ApplyChatPrompt(req *convert.ChatRequest, cfg *PromptConfig) {
	prompt := cfg.EffectivePrompt(req.Model, convert.SurfaceChat)
	if prompt == "" {
		return
	}

	content, _ := json.Marshal(prompt)
	injected := convert.ChatMessage{Role: "system", Content: content}

	switch cfg.InjectionMode {
	case InjectReplace:
		kept := make([]convert.ChatMessage, 0, len(req.Messages)+1)
		kept = append(kept, injected)
		for _, m := range req.Messages {
			if m.Role != "system" {
				kept = append(kept, m)
			}
		}
		req.Messages = kept

	case InjectAppend:
		idx := lastSystemIndex(req.Messages)
		out := make([]convert.ChatMessage, 0, len(req.Messages)+1)
		out = append(out, req.Messages[:idx+1]...)
		out = append(out, injected)
		out = append(out, req.Messages[idx+1:]...)
		req.Messages = out

	default: // prepend
		req.Messages = append([]convert.ChatMessage{injected}, req.Messages...)
	}
}

func lastSystemIndex(messages []convert.ChatMessage) int {
	idx := -1
	for i, m := range messages {
		if m.Role == "system" {
			idx = i
		}
	}
	return idx
}

// ApplyResponsesPrompt is ApplyChatPrompt for the Responses surface: a
// system item with a single input_text part.
func ApplyResponsesPrompt(req *convert.ResponsesRequest, cfg *PromptConfig) {
	prompt := cfg.EffectivePrompt(req.Model, convert.SurfaceResponses)
	if prompt == "" {
		return
	}

	injected := convert.ResponsesItem{
		Role:    "system",
		Content: []convert.ResponsesPart{{Type: "input_text", Text: prompt}},
	}

	switch cfg.InjectionMode {
	case InjectReplace:
		kept := make([]convert.ResponsesItem, 0, len(req.Input)+1)
		kept = append(kept, injected)
		for _, item := range req.Input {
			if item.Role != "system" {
				kept = append(kept, item)
			}
		}
		req.Input = kept

	case InjectAppend:
		idx := -1
		for i, item := range req.Input {
			if item.Role == "system" {
				idx = i
			}
		}
		out := make([]convert.ResponsesItem, 0, len(req.Input)+1)
		out = append(out, req.Input[:idx+1]...)
		out = append(out, injected)
		out = append(out, req.Input[idx+1:]...)
		req.Input = out

	default: // prepend
		req.Input = append([]convert.ResponsesItem{injected}, req.Input...)
	}
}

// MergeChatTools appends MCP tools to a chat request's tools. Client-declared
// tools win on name collision; the MCP tool is dropped.
func MergeChatTools(req *convert.ChatRequest, tools []mcp.FederatedTool) error {
	if len(tools) == 0 {
		return nil
	}

	taken := clientToolNames(req.Tools)

	for _, ft := range tools {
		if taken[ft.Name] {
			continue
		}

		raw, err := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        ft.Name,
				"description": ft.Tool.Description,
				"parameters":  toolParameters(ft.Tool.InputSchema),
			},
		})
		if err != nil {
			return fmt.Errorf("marshal MCP tool %s: %w", ft.Name, err)
		}
		req.Tools = append(req.Tools, raw)
	}

	return nil
}

// MergeResponsesTools is MergeChatTools for the flattened responses shape.
func MergeResponsesTools(req *convert.ResponsesRequest, tools []mcp.FederatedTool) error {
	if len(tools) == 0 {
		return nil
	}

	taken := clientToolNames(req.Tools)

	for _, ft := range tools {
		if taken[ft.Name] {
			continue
		}

		raw, err := json.Marshal(map[string]any{
			"type":        "function",
			"name":        ft.Name,
			"description": ft.Tool.Description,
			"parameters":  toolParameters(ft.Tool.InputSchema),
		})
		if err != nil {
			return fmt.Errorf("marshal MCP tool %s: %w", ft.Name, err)
		}
		req.Tools = append(req.Tools, raw)
	}

	return nil
}

// clientToolNames collects function names already declared by the client,
// handling both the nested chat shape and the flattened responses shape.
func clientToolNames(tools []json.RawMessage) map[string]bool {
	names := make(map[string]bool, len(tools))
	for _, raw := range tools {
		var probe struct {
			Name     string `json:"name"`
			Function *struct {
				Name string `json:"name"`
			} `json:"function"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if probe.Function != nil && probe.Function.Name != "" {
			names[probe.Function.Name] = true
		} else if probe.Name != "" {
			names[probe.Name] = true
		}
	}
	return names
}

// toolParameters deep-copies an MCP inputSchema so the shared snapshot is
// never reachable from a request payload, and defaults the root type to
// "object" when a server omits it.
func toolParameters(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}

	out := copySchemaMap(schema)
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

// copySchemaMap deep-copies a schema tree, recursing into maps and slices.
func copySchemaMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copySchemaValue(v)
	}
	return out
}

func copySchemaValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copySchemaMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = copySchemaValue(item)
		}
		return cp
	default:
		// Primitive types are immutable; return as-is.
		return v
	}
}
