package openaicompat

import (
	"encoding/json"

	polos "github.com/polos-ai/polos-go"
)

// BuildBody converts a provider-neutral request into the OpenAI wire format.
// The system prompt becomes the leading role:"system" message; the canonical
// tagged history is regrouped so that consecutive function_call entries form
// one assistant message with tool_calls, and each function_call_output
// becomes a role:"tool" message.
func BuildBody(req polos.GenerateRequest, model string) ChatRequest {
	var msgs []Message
	if req.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.SystemPrompt})
	}

	var pending []ToolCallRequest
	flush := func() {
		if len(pending) > 0 {
			msgs = append(msgs, Message{Role: "assistant", ToolCalls: pending})
			pending = nil
		}
	}
	for _, m := range req.Messages {
		switch m.Type {
		case "function_call":
			pending = append(pending, ToolCallRequest{
				ID:   callID(m),
				Type: "function",
				Function: FunctionCall{
					Name:      m.Name,
					Arguments: m.Arguments,
				},
			})
		case "function_call_output":
			flush()
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Output,
				ToolCallID: m.CallID,
			})
		default:
			flush()
			msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
		}
	}
	flush()

	out := ChatRequest{Model: model, Messages: msgs}

	if len(req.Tools) > 0 {
		out.Tools = BuildToolDefs(req.Tools)
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if req.TopP != nil {
		out.TopP = req.TopP
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	// Native structured output is only requested without tools. With tools
	// present the schema rides along as a system instruction, since
	// response_format and tool calling do not combine reliably across
	// OpenAI-compatible backends.
	if len(req.OutputSchema) > 0 {
		if len(req.Tools) == 0 {
			name := req.OutputSchemaName
			if name == "" {
				name = "response"
			}
			out.ResponseFormat = &ResponseFormat{
				Type: "json_schema",
				JSONSchema: &JSONSchema{
					Name:   name,
					Schema: req.OutputSchema,
					Strict: true,
				},
			}
		} else {
			instr := "Your final answer must be a single JSON object matching this JSON Schema, with no surrounding text:\n" + string(req.OutputSchema)
			if len(out.Messages) > 0 && out.Messages[0].Role == "system" {
				out.Messages[0].Content += "\n\n" + instr
			} else {
				out.Messages = append([]Message{{Role: "system", Content: instr}}, out.Messages...)
			}
		}
	}

	applyOptions(&out, req.ProviderOptions)
	return out
}

// BuildToolDefs converts neutral tool definitions to the OpenAI tool format.
func BuildToolDefs(tools []polos.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// applyOptions maps the pass-through knobs this protocol understands.
// Unknown keys are ignored.
func applyOptions(r *ChatRequest, opts map[string]any) {
	for k, v := range opts {
		switch k {
		case "frequency_penalty":
			if f, ok := asFloat(v); ok {
				r.FrequencyPenalty = &f
			}
		case "presence_penalty":
			if f, ok := asFloat(v); ok {
				r.PresencePenalty = &f
			}
		case "seed":
			if f, ok := asFloat(v); ok {
				n := int(f)
				r.Seed = &n
			}
		case "stop":
			switch s := v.(type) {
			case string:
				r.Stop = []string{s}
			case []string:
				r.Stop = s
			case []any:
				for _, e := range s {
					if str, ok := e.(string); ok {
						r.Stop = append(r.Stop, str)
					}
				}
			}
		case "tool_choice":
			r.ToolChoice = v
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func callID(m polos.Message) string {
	if m.CallID != "" {
		return m.CallID
	}
	return m.Name
}
