package convert

import (
	"encoding/json"
	"fmt"
)

// Tool definitions differ only in nesting: the chat surface wraps the
// function fields under "function", the responses surface flattens them.
// Parameters are carried as raw JSON so the schema stays byte-identical
// through any number of conversions. Unknown tool types pass through
// untouched for forward compatibility.

type chatToolDef struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responsesToolDef struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatToolsToResponses flattens function tools into the responses shape.
func ChatToolsToResponses(tools []json.RawMessage) ([]json.RawMessage, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	out := make([]json.RawMessage, 0, len(tools))
	for i, raw := range tools {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, &InvalidRequestError{Path: fmt.Sprintf("tools[%d]", i), Reason: "not a JSON object"}
		}
		if probe.Type != "function" {
			out = append(out, raw)
			continue
		}

		var def chatToolDef
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, &InvalidRequestError{Path: fmt.Sprintf("tools[%d]", i), Reason: "malformed function tool"}
		}
		if def.Function.Name == "" {
			return nil, &InvalidRequestError{Path: fmt.Sprintf("tools[%d].function.name", i), Reason: "missing name"}
		}

		flat, err := json.Marshal(responsesToolDef{
			Type:        "function",
			Name:        def.Function.Name,
			Description: def.Function.Description,
			Parameters:  def.Function.Parameters,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, flat)
	}

	return out, nil
}

// ResponsesToolsToChat wraps flattened function tools back into the chat shape.
func ResponsesToolsToChat(tools []json.RawMessage) ([]json.RawMessage, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	out := make([]json.RawMessage, 0, len(tools))
	for i, raw := range tools {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, &InvalidRequestError{Path: fmt.Sprintf("tools[%d]", i), Reason: "not a JSON object"}
		}
		if probe.Type != "function" {
			out = append(out, raw)
			continue
		}

		var def responsesToolDef
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, &InvalidRequestError{Path: fmt.Sprintf("tools[%d]", i), Reason: "malformed function tool"}
		}
		if def.Name == "" {
			return nil, &InvalidRequestError{Path: fmt.Sprintf("tools[%d].name", i), Reason: "missing name"}
		}

		wrapped, err := json.Marshal(chatToolDef{
			Type: "function",
			Function: chatToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, wrapped)
	}

	return out, nil
}

// toolChoiceProbe covers both nesting forms of the specific-function choice.
type toolChoiceProbe struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Function *struct {
		Name string `json:"name"`
	} `json:"function"`
}

// ToolChoiceToResponses renormalizes a specific-function tool_choice to the
// flattened responses form. String values ("auto", "none", "required") and
// anything unrecognized pass through unchanged.
func ToolChoiceToResponses(choice json.RawMessage) json.RawMessage {
	if len(choice) == 0 || choice[0] != '{' {
		return choice
	}

	var probe toolChoiceProbe
	if err := json.Unmarshal(choice, &probe); err != nil {
		return choice
	}
	if probe.Type != "function" || probe.Function == nil {
		return choice
	}

	flat, err := json.Marshal(map[string]string{
		"type": "function",
		"name": probe.Function.Name,
	})
	if err != nil {
		return choice
	}
	return flat
}

// ToolChoiceToChat renormalizes a specific-function tool_choice to the nested
// chat form.
func ToolChoiceToChat(choice json.RawMessage) json.RawMessage {
	if len(choice) == 0 || choice[0] != '{' {
		return choice
	}

	var probe toolChoiceProbe
	if err := json.Unmarshal(choice, &probe); err != nil {
		return choice
	}
	if probe.Type != "function" || probe.Name == "" || probe.Function != nil {
		return choice
	}

	wrapped, err := json.Marshal(map[string]any{
		"type":     "function",
		"function": map[string]string{"name": probe.Name},
	})
	if err != nil {
		return choice
	}
	return wrapped
}
