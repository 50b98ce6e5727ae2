package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	polos "github.com/polos-ai/polos-go"
)

// StreamSSE reads a chat completions SSE stream from body, forwards
// normalized events to ch, and returns the fully accumulated response.
// ch is closed when the stream ends. Expected frames:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- polos.ProviderEvent) (polos.GenerateResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Large tool-call argument chunks can exceed the default token size.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage polos.Usage
	var model, stopReason string

	// Tool calls stream incrementally: each chunk carries an index and
	// argument fragments that concatenate across chunks.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			stopReason = fr
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			select {
			case ch <- polos.ProviderEvent{Type: polos.ProviderEventTextDelta, Content: delta.Content}:
			case <-ctx.Done():
				return polos.GenerateResponse{}, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return polos.GenerateResponse{}, err
	}

	resp := polos.GenerateResponse{
		Content:    fullContent.String(),
		Usage:      usage,
		Model:      model,
		StopReason: stopReason,
	}
	for _, tc := range toolCalls {
		args := tc.Args.String()
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		call := polos.ToolCall{
			CallID:   tc.ID,
			ID:       tc.ID,
			Function: polos.ToolFunction{Name: tc.Name, Arguments: args},
		}
		resp.ToolCalls = append(resp.ToolCalls, call)
		select {
		case ch <- polos.ProviderEvent{Type: polos.ProviderEventToolCall, ToolCall: &call}:
		case <-ctx.Done():
			return polos.GenerateResponse{}, ctx.Err()
		}
	}
	return resp, nil
}
