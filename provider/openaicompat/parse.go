package openaicompat

import (
	"encoding/json"

	polos "github.com/polos-ai/polos-go"
)

// ParseResponse converts a wire response to the neutral form, reading
// content, tool calls, usage, and finish reason from choices[0].
func ParseResponse(resp ChatResponse, raw json.RawMessage) polos.GenerateResponse {
	out := polos.GenerateResponse{
		RawOutput: raw,
		Model:     resp.Model,
	}
	if resp.Usage != nil {
		out.Usage = polos.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.StopReason = choice.FinishReason
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	return out
}

// ParseToolCalls normalizes wire tool calls. Arguments that are not valid
// JSON collapse to an empty object so tool dispatch fails cleanly instead of
// on a decode panic.
func ParseToolCalls(tcs []ToolCallRequest) []polos.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]polos.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := tc.Function.Arguments
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		out = append(out, polos.ToolCall{
			CallID: tc.ID,
			ID:     tc.ID,
			Function: polos.ToolFunction{
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}
	return out
}
