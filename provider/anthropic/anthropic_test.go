package anthropic

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	polos "github.com/polos-ai/polos-go"
)

func TestBuildBodySystemIsTopLevel(t *testing.T) {
	body := BuildBody(polos.GenerateRequest{
		SystemPrompt: "be terse",
		Messages:     []polos.Message{polos.UserMessage("hi")},
	}, "claude-sonnet-4")

	if body.Model != "claude-sonnet-4" || body.System != "be terse" {
		t.Fatalf("body %+v", body)
	}
	if body.MaxTokens != defaultMaxTokens {
		t.Fatalf("max tokens = %d", body.MaxTokens)
	}
	if len(body.Messages) != 1 || body.Messages[0].Role != "user" {
		t.Fatalf("messages %+v", body.Messages)
	}
	if body.Messages[0].Content[0].Type != "text" || body.Messages[0].Content[0].Text != "hi" {
		t.Fatalf("content %+v", body.Messages[0].Content)
	}
}

func TestBuildBodyFoldsToolCallTurns(t *testing.T) {
	body := BuildBody(polos.GenerateRequest{
		Messages: []polos.Message{
			polos.UserMessage("weather in oslo and bergen"),
			polos.AssistantMessage("checking"),
			polos.FunctionCallMessage("lookup_weather", "toolu_1", `{"city":"oslo"}`),
			polos.FunctionCallMessage("lookup_weather", "toolu_2", `{"city":"bergen"}`),
			polos.FunctionCallOutputMessage("toolu_1", `{"temp":4}`),
			polos.FunctionCallOutputMessage("toolu_2", `{"temp":7}`),
		},
	}, "claude-sonnet-4")

	// user / assistant(text + 2 tool_use) / user(2 tool_result)
	if len(body.Messages) != 3 {
		t.Fatalf("turns = %d, want 3", len(body.Messages))
	}
	asst := body.Messages[1]
	if asst.Role != "assistant" || len(asst.Content) != 3 {
		t.Fatalf("assistant turn %+v", asst)
	}
	if asst.Content[0].Type != "text" || asst.Content[1].Type != "tool_use" || asst.Content[2].Type != "tool_use" {
		t.Fatalf("assistant blocks %+v", asst.Content)
	}
	if asst.Content[1].ID != "toolu_1" || string(asst.Content[1].Input) != `{"city":"oslo"}` {
		t.Fatalf("tool_use block %+v", asst.Content[1])
	}
	results := body.Messages[2]
	if results.Role != "user" || len(results.Content) != 2 {
		t.Fatalf("result turn %+v", results)
	}
	if results.Content[0].Type != "tool_result" || results.Content[0].ToolUseID != "toolu_1" {
		t.Fatalf("tool_result block %+v", results.Content[0])
	}
}

func TestBuildBodyInvalidToolArgsBecomeEmptyObject(t *testing.T) {
	body := BuildBody(polos.GenerateRequest{
		Messages: []polos.Message{
			polos.FunctionCallMessage("lookup", "toolu_1", `{broken`),
		},
	}, "m")
	if string(body.Messages[0].Content[0].Input) != "{}" {
		t.Fatalf("input %s", body.Messages[0].Content[0].Input)
	}
}

func TestBuildBodyMidHistorySystemFoldsIntoUserTurn(t *testing.T) {
	body := BuildBody(polos.GenerateRequest{
		Messages: []polos.Message{
			polos.UserMessage("hi"),
			polos.SystemMessage("stay on topic"),
		},
	}, "m")
	if len(body.Messages) != 1 {
		t.Fatalf("turns = %d, want 1", len(body.Messages))
	}
	turn := body.Messages[0]
	if turn.Role != "user" || len(turn.Content) != 2 || turn.Content[1].Text != "stay on topic" {
		t.Fatalf("turn %+v", turn)
	}
}

func TestBuildBodySchemaBecomesSystemInstruction(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}}}`)
	body := BuildBody(polos.GenerateRequest{
		SystemPrompt: "be terse",
		Messages:     []polos.Message{polos.UserMessage("q")},
		OutputSchema: schema,
	}, "m")
	if !strings.HasPrefix(body.System, "be terse") || !strings.Contains(body.System, string(schema)) {
		t.Fatalf("system %q", body.System)
	}

	// Tools do not displace the schema instruction; the final answer still
	// has to match it.
	body = BuildBody(polos.GenerateRequest{
		Messages:     []polos.Message{polos.UserMessage("q")},
		OutputSchema: schema,
		Tools:        []polos.ToolDefinition{{Name: "lookup"}},
	}, "m")
	if !strings.Contains(body.System, string(schema)) {
		t.Fatalf("schema instruction missing with tools: %q", body.System)
	}
	if len(body.Tools) != 1 || string(body.Tools[0].InputSchema) != `{"type":"object"}` {
		t.Fatalf("tools %+v", body.Tools)
	}
}

func TestParseResponse(t *testing.T) {
	resp := ParseResponse(MessagesResponse{
		Model:      "claude-sonnet-4",
		StopReason: "tool_use",
		Usage:      Usage{InputTokens: 12, OutputTokens: 8},
		Content: []ContentBlock{
			{Type: "text", Text: "let me "},
			{Type: "text", Text: "check"},
			{Type: "tool_use", ID: "toolu_1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)},
			{Type: "tool_use", ID: "toolu_2", Name: "lookup"},
		},
	}, json.RawMessage(`{"id":"msg_1"}`))

	if resp.Content != "let me check" || resp.StopReason != "tool_use" {
		t.Fatalf("response %+v", resp)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Fatalf("usage %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].CallID != "toolu_1" || resp.ToolCalls[0].Function.Arguments != `{"q":"x"}` {
		t.Fatalf("first call %+v", resp.ToolCalls[0])
	}
	if resp.ToolCalls[1].Function.Arguments != "{}" {
		t.Fatalf("empty input must normalize to {}, got %q", resp.ToolCalls[1].Function.Arguments)
	}
}

func TestStreamSSEWalksEventSequence(t *testing.T) {
	frames := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4","usage":{"input_tokens":9}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		``,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`,
		``,
		`data: {"type":"message_delta","delta":{"type":"message_delta","stop_reason":"tool_use"},"usage":{"output_tokens":6}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	ch := make(chan polos.ProviderEvent, 16)
	resp, err := streamSSE(context.Background(), strings.NewReader(frames), ch)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "Hello" || resp.Model != "claude-sonnet-4" || resp.StopReason != "tool_use" {
		t.Fatalf("response %+v", resp)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 6 || resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].CallID != "toolu_1" ||
		resp.ToolCalls[0].Function.Arguments != `{"q":"x"}` {
		t.Fatalf("tool calls %+v", resp.ToolCalls)
	}

	var deltas, calls int
	for ev := range ch {
		switch ev.Type {
		case polos.ProviderEventTextDelta:
			deltas++
		case polos.ProviderEventToolCall:
			calls++
		}
	}
	if deltas != 2 || calls != 1 {
		t.Fatalf("events: %d deltas, %d tool calls", deltas, calls)
	}
}

func TestStreamSSEErrorEvent(t *testing.T) {
	frames := strings.Join([]string{
		`data: {"type":"error","error":{"type":"overloaded_error","message":"try later"}}`,
		``,
	}, "\n")

	ch := make(chan polos.ProviderEvent, 4)
	_, err := streamSSE(context.Background(), strings.NewReader(frames), ch)
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Fatalf("err = %v", err)
	}
}
