package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	polos "github.com/polos-ai/polos-go"
)

// streamSSE reads a Messages API SSE stream, forwards normalized events to
// ch, and returns the accumulated response. ch is closed before returning.
//
// The API interleaves `event:` and `data:` lines; only the data payloads
// matter since each carries its own type field. Tool arguments arrive as
// input_json_delta fragments on the block that opened with tool_use.
func streamSSE(ctx context.Context, body io.Reader, ch chan<- polos.ProviderEvent) (polos.GenerateResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var resp polos.GenerateResponse

	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	blocks := make(map[int]*partialToolCall)
	var order []int

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				resp.Model = ev.Message.Model
				resp.Usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &partialToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				order = append(order, ev.Index)
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				fullContent.WriteString(ev.Delta.Text)
				select {
				case ch <- polos.ProviderEvent{Type: polos.ProviderEventTextDelta, Content: ev.Delta.Text}:
				case <-ctx.Done():
					return polos.GenerateResponse{}, ctx.Err()
				}
			case "input_json_delta":
				if b, ok := blocks[ev.Index]; ok {
					b.Args.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				resp.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				resp.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "error":
			if ev.Error != nil {
				return polos.GenerateResponse{}, fmt.Errorf("anthropic stream: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		case "message_stop":
			// Terminal; trailing reads just drain the connection.
		}
	}
	if err := scanner.Err(); err != nil {
		return polos.GenerateResponse{}, err
	}

	resp.Content = fullContent.String()
	resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	for _, idx := range order {
		b := blocks[idx]
		args := b.Args.String()
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		call := polos.ToolCall{
			CallID:   b.ID,
			ID:       b.ID,
			Function: polos.ToolFunction{Name: b.Name, Arguments: args},
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
