package openaicompat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	polos "github.com/polos-ai/polos-go"
)

func f64(v float64) *float64 { return &v }

func TestBuildBodySystemPromptLeads(t *testing.T) {
	body := BuildBody(polos.GenerateRequest{
		SystemPrompt: "be terse",
		Messages: []polos.Message{
			polos.UserMessage("hi"),
			polos.AssistantMessage("hello"),
		},
	}, "gpt-4o")

	if body.Model != "gpt-4o" {
		t.Fatalf("model = %q", body.Model)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "be terse" {
		t.Fatalf("first message %+v", body.Messages[0])
	}
	if body.Messages[1].Role != "user" || body.Messages[2].Role != "assistant" {
		t.Fatalf("messages %+v", body.Messages)
	}
}

func TestBuildBodyGroupsToolCallTurns(t *testing.T) {
	body := BuildBody(polos.GenerateRequest{
		Messages: []polos.Message{
			polos.UserMessage("weather in oslo and bergen"),
			polos.FunctionCallMessage("lookup_weather", "call_1", `{"city":"oslo"}`),
			polos.FunctionCallMessage("lookup_weather", "call_2", `{"city":"bergen"}`),
			polos.FunctionCallOutputMessage("call_1", `{"temp":4}`),
			polos.FunctionCallOutputMessage("call_2", `{"temp":7}`),
			polos.AssistantMessage("oslo 4, bergen 7"),
		},
	}, "gpt-4o")

	if len(body.Messages) != 5 {
		t.Fatalf("messages = %d, want 5", len(body.Messages))
	}
	asst := body.Messages[1]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 2 {
		t.Fatalf("grouped assistant turn %+v", asst)
	}
	if asst.ToolCalls[0].ID != "call_1" || asst.ToolCalls[0].Function.Name != "lookup_weather" {
		t.Fatalf("first tool call %+v", asst.ToolCalls[0])
	}
	if asst.ToolCalls[1].ID != "call_2" {
		t.Fatalf("second tool call %+v", asst.ToolCalls[1])
	}
	for i, wantID := range []string{"call_1", "call_2"} {
		m := body.Messages[2+i]
		if m.Role != "tool" || m.ToolCallID != wantID {
			t.Fatalf("tool result %d: %+v", i, m)
		}
	}
	if body.Messages[4].Role != "assistant" || body.Messages[4].Content != "oslo 4, bergen 7" {
		t.Fatalf("final message %+v", body.Messages[4])
	}
}

func TestBuildBodyStructuredOutputOnlyWithoutTools(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}}}`)

	body := BuildBody(polos.GenerateRequest{
		Messages:         []polos.Message{polos.UserMessage("q")},
		OutputSchema:     schema,
		OutputSchemaName: "Answer",
	}, "gpt-4o")
	if body.ResponseFormat == nil || body.ResponseFormat.Type != "json_schema" {
		t.Fatalf("response format %+v", body.ResponseFormat)
	}
	if body.ResponseFormat.JSONSchema.Name != "Answer" || !body.ResponseFormat.JSONSchema.Strict {
		t.Fatalf("json schema %+v", body.ResponseFormat.JSONSchema)
	}

	body = BuildBody(polos.GenerateRequest{
		Messages:     []polos.Message{polos.UserMessage("q")},
		OutputSchema: schema,
		Tools:        []polos.ToolDefinition{{Name: "lookup"}},
	}, "gpt-4o")
	if body.ResponseFormat != nil {
		t.Fatalf("response format must be absent with tools, got %+v", body.ResponseFormat)
	}
	// With tools the schema rides along as a system instruction instead.
	if len(body.Messages) == 0 || body.Messages[0].Role != "system" ||
		!strings.Contains(body.Messages[0].Content, string(schema)) {
		t.Fatalf("schema instruction missing with tools: %+v", body.Messages)
	}
	if len(body.Tools) != 1 || body.Tools[0].Function.Name != "lookup" {
		t.Fatalf("tools %+v", body.Tools)
	}
	// Tools with no declared parameters get a permissive object schema.
	if string(body.Tools[0].Function.Parameters) != `{"type":"object"}` {
		t.Fatalf("parameters %s", body.Tools[0].Function.Parameters)
	}
}

func TestBuildBodySamplingKnobs(t *testing.T) {
	mt := 256
	body := BuildBody(polos.GenerateRequest{
		Messages:    []polos.Message{polos.UserMessage("q")},
		Temperature: f64(0.2),
		TopP:        f64(0.9),
		MaxTokens:   &mt,
	}, "gpt-4o")
	if body.Temperature == nil || *body.Temperature != 0.2 {
		t.Fatalf("temperature %+v", body.Temperature)
	}
	if body.TopP == nil || *body.TopP != 0.9 || body.MaxTokens != 256 {
		t.Fatalf("top_p/max_tokens %+v %d", body.TopP, body.MaxTokens)
	}
}

func TestApplyOptions(t *testing.T) {
	body := BuildBody(polos.GenerateRequest{
		Messages: []polos.Message{polos.UserMessage("q")},
		ProviderOptions: map[string]any{
			"frequency_penalty": 0.5,
			"presence_penalty":  1,
			"seed":              float64(42),
			"stop":              []any{"END", 7, "STOP"},
			"tool_choice":       "auto",
			"unknown_knob":      "ignored",
		},
	}, "gpt-4o")
	if body.FrequencyPenalty == nil || *body.FrequencyPenalty != 0.5 {
		t.Fatalf("frequency penalty %+v", body.FrequencyPenalty)
	}
	if body.PresencePenalty == nil || *body.PresencePenalty != 1 {
		t.Fatalf("presence penalty %+v", body.PresencePenalty)
	}
	if body.Seed == nil || *body.Seed != 42 {
		t.Fatalf("seed %+v", body.Seed)
	}
	if len(body.Stop) != 2 || body.Stop[0] != "END" || body.Stop[1] != "STOP" {
		t.Fatalf("stop %v", body.Stop)
	}
	if body.ToolChoice != "auto" {
		t.Fatalf("tool choice %v", body.ToolChoice)
	}
}

func TestParseResponse(t *testing.T) {
	raw := json.RawMessage(`{"id":"resp-1"}`)
	resp := ParseResponse(ChatResponse{
		Model: "gpt-4o-2024",
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Choices: []Choice{{
			FinishReason: "tool_calls",
			Message: &ChoiceMessage{
				Content: "checking",
				ToolCalls: []ToolCallRequest{
					{ID: "call_1", Function: FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}},
					{ID: "call_2", Function: FunctionCall{Name: "lookup", Arguments: `{broken`}},
				},
			},
		}},
	}, raw)

	if resp.Model != "gpt-4o-2024" || resp.StopReason != "tool_calls" || resp.Content != "checking" {
		t.Fatalf("response %+v", resp)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].CallID != "call_1" || resp.ToolCalls[0].Function.Arguments != `{"q":"x"}` {
		t.Fatalf("first call %+v", resp.ToolCalls[0])
	}
	// Invalid argument JSON collapses to an empty object.
	if resp.ToolCalls[1].Function.Arguments != "{}" {
		t.Fatalf("second call args %q", resp.ToolCalls[1].Function.Arguments)
	}
}

func TestParseResponseEmptyChoices(t *testing.T) {
	resp := ParseResponse(ChatResponse{Model: "m"}, nil)
	if resp.Content != "" || resp.ToolCalls != nil || resp.StopReason != "" {
		t.Fatalf("response %+v", resp)
	}
}

func TestStreamSSEAccumulatesContent(t *testing.T) {
	frames := strings.Join([]string{
		`data: {"model":"gpt-4o","choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: not json`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := make(chan polos.ProviderEvent, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(frames), ch)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "Hello" || resp.Model != "gpt-4o" || resp.StopReason != "stop" {
		t.Fatalf("response %+v", resp)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage %+v", resp.Usage)
	}

	var deltas []string
	for ev := range ch {
		if ev.Type == polos.ProviderEventTextDelta {
			deltas = append(deltas, ev.Content)
		}
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Fatalf("deltas %v", deltas)
	}
}

func TestStreamSSEAssemblesToolCalls(t *testing.T) {
	frames := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}},{"index":1,"id":"call_2","function":{"name":"other","arguments":"{}"}}]}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := make(chan polos.ProviderEvent, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(frames), ch)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].CallID != "call_1" || resp.ToolCalls[0].Function.Arguments != `{"q":"x"}` {
		t.Fatalf("first call %+v", resp.ToolCalls[0])
	}
	if resp.ToolCalls[1].CallID != "call_2" || resp.ToolCalls[1].Function.Name != "other" {
		t.Fatalf("second call %+v", resp.ToolCalls[1])
	}

	var calls int
	for ev := range ch {
		if ev.Type == polos.ProviderEventToolCall {
			calls++
		}
	}
	if calls != 2 {
		t.Fatalf("tool call events = %d", calls)
	}
}
