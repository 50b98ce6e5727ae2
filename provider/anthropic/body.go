package anthropic

import (
	"encoding/json"

	polos "github.com/polos-ai/polos-go"
)

// defaultMaxTokens applies when the request sets none; the API requires the
// field.
const defaultMaxTokens = 4096

// BuildBody converts a provider-neutral request into the Messages API shape.
// The system prompt moves to the top-level system field. The canonical
// tagged history regroups into alternating user/assistant turns: assistant
// text and tool_use blocks merge into one assistant turn, tool results
// become tool_result blocks in the following user turn.
func BuildBody(req polos.GenerateRequest, model string) MessagesRequest {
	out := MessagesRequest{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System:    req.SystemPrompt,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if req.TopP != nil {
		out.TopP = req.TopP
	}

	// Structured output has no native mode here; the schema is inlined as a
	// strict-JSON instruction appended to the system prompt. Tool availability
	// does not change this: the final answer still has to match the schema.
	if len(req.OutputSchema) > 0 {
		instr := "\n\nRespond with a single JSON object matching this JSON Schema, with no surrounding text:\n" + string(req.OutputSchema)
		out.System += instr
	}

	var (
		turns   []Message
		role    string
		pending []ContentBlock
	)
	flush := func() {
		if len(pending) > 0 {
			turns = append(turns, Message{Role: role, Content: pending})
			pending = nil
		}
	}
	add := func(r string, block ContentBlock) {
		if r != role {
			flush()
			role = r
		}
		pending = append(pending, block)
	}

	for _, m := range req.Messages {
		switch m.Type {
		case "function_call":
			input := json.RawMessage(m.Arguments)
			if !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			add("assistant", ContentBlock{
				Type:  "tool_use",
				ID:    m.CallID,
				Name:  m.Name,
				Input: input,
			})
		case "function_call_output":
			add("user", ContentBlock{
				Type:      "tool_result",
				ToolUseID: m.CallID,
				Content:   m.Output,
			})
		default:
			switch m.Role {
			case "system":
				// Mid-history system guidance has no slot in this API;
				// fold it into a user turn.
				add("user", ContentBlock{Type: "text", Text: m.Content})
			case "assistant":
				add("assistant", ContentBlock{Type: "text", Text: m.Content})
			default:
				add("user", ContentBlock{Type: "text", Text: m.Content})
			}
		}
	}
	flush()
	out.Messages = turns

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// ParseResponse converts a Messages API response to the neutral form. Text
// blocks concatenate into Content; tool_use blocks become normalized tool
// calls with their input re-serialized as a JSON string.
func ParseResponse(resp MessagesResponse, raw json.RawMessage) polos.GenerateResponse {
	out := polos.GenerateResponse{
		RawOutput:  raw,
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Usage: polos.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			args := string(block.Input)
			if args == "" || !json.Valid(block.Input) {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, polos.ToolCall{
				CallID:   block.ID,
				ID:       block.ID,
				Function: polos.ToolFunction{Name: block.Name, Arguments: args},
			})
		}
	}
	return out
}
