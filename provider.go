package polos

import (
	"context"
	"encoding/json"
)

// Provider abstracts an LLM backend behind a uniform generate/stream
// contract. Adapters normalize tool calls (function arguments always a JSON
// string with a provider-issued call ID), convert the canonical tagged
// history to their wire format, place the system prompt where the provider
// expects it, and aggregate streaming deltas into a full response.
type Provider interface {
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
	// Generate sends a request and returns the complete response.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	// Stream emits normalized events into ch and returns the aggregated
	// response. ch is closed before returning.
	Stream(ctx context.Context, req GenerateRequest, ch chan<- ProviderEvent) (GenerateResponse, error)
}

// GenerateRequest is the provider-neutral LLM call.
type GenerateRequest struct {
	Messages     []Message
	Model        string
	SystemPrompt string
	Tools        []ToolDefinition
	Temperature  *float64
	MaxTokens    *int
	TopP         *float64

	// OutputSchema requests structured output. Providers with a native
	// JSON-schema mode use it when no tools are requested simultaneously;
	// otherwise the schema is inlined into a strict-JSON instruction.
	OutputSchema     json.RawMessage
	OutputSchemaName string

	// ProviderOptions passes provider-specific knobs through unchanged.
	ProviderOptions map[string]any
}

// GenerateResponse is the normalized LLM result.
type GenerateResponse struct {
	Content    string          `json:"content"`
	Usage      Usage           `json:"usage"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	RawOutput  json.RawMessage `json:"raw_output,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
}

// ProviderEventType identifies a normalized streaming event.
type ProviderEventType string

const (
	ProviderEventTextDelta ProviderEventType = "text_delta"
	ProviderEventToolCall  ProviderEventType = "tool_call"
	ProviderEventDone      ProviderEventType = "done"
	ProviderEventError     ProviderEventType = "error"
)

// ProviderEvent is one normalized streaming delta.
type ProviderEvent struct {
	Type     ProviderEventType `json:"type"`
	Content  string            `json:"content,omitempty"`
	ToolCall *ToolCall         `json:"tool_call,omitempty"`
	Err      string            `json:"error,omitempty"`
}

// AgentToolRef references a tool available to an agent: either a registered
// tool unit by ID, or a provider-native tool definition passed through.
type AgentToolRef struct {
	ToolID string
	Native *ToolDefinition
}

// ToolRef references a registered tool unit.
func ToolRef(toolID string) AgentToolRef { return AgentToolRef{ToolID: toolID} }

// NativeTool passes a provider-native tool definition through unchanged.
func NativeTool(def ToolDefinition) AgentToolRef { return AgentToolRef{Native: &def} }

// AgentConfig is the declarative part of an agent descriptor, snapshotted
// per LLM call so hooks can modify the outgoing configuration.
type AgentConfig struct {
	Provider     string
	Model        string
	SystemPrompt string
	Tools        []AgentToolRef
	Temperature  *float64
	MaxTokens    *int
	TopP         *float64

	StopConditions      []StopCondition
	Guardrails          []Guardrail
	GuardrailMaxRetries int

	OutputSchema     json.RawMessage
	OutputSchemaName string

	OnAgentStepStart []Hook
	OnAgentStepEnd   []Hook
	OnToolStart      []Hook
	OnToolEnd        []Hook

	// HistoryWindow bounds the session-memory messages prepended on the
	// first step and persisted at the end. 0 disables session memory.
	HistoryWindow int

	ProviderOptions map[string]any
}

// clone returns a shallow copy safe for per-call modification by hooks.
func (c *AgentConfig) clone() AgentConfig {
	out := *c
	out.Tools = append([]AgentToolRef(nil), c.Tools...)
	return out
}

// NewAgent declares an agent unit whose handler is the agent loop. The
// payload follows the conventional agent shape built by AgentInvoke.
func NewAgent(id string, cfg AgentConfig, opts ...UnitOption) *Unit {
	u := &Unit{ID: id, Kind: KindAgent, Agent: &cfg}
	u.PayloadSchema = json.RawMessage(`{"type":"object"}`)
	u.payloadDecoder = func(raw json.RawMessage) (any, error) {
		var p AgentPayload
		if len(raw) == 0 {
			return p, nil
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	u.handler = func(ctx context.Context, ec *ExecutionContext, payload any) (any, error) {
		p, ok := payload.(AgentPayload)
		if !ok {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			decoded, derr := u.payloadDecoder(raw)
			if derr != nil {
				return nil, derr
			}
			p = decoded.(AgentPayload)
		}
		// Each execution loops over its own copy so hook mutations never
		// leak between concurrent executions of one agent.
		run := cfg.clone()
		return runAgentLoop(ctx, ec, &run, p)
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// AgentPayload is the conventional payload shape of an agent execution.
// Input is either a plain string user message or a pre-formed message array.
type AgentPayload struct {
	Input          json.RawMessage `json:"input"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Kwargs         map[string]any  `json:"kwargs,omitempty"`
}

// InputMessages interprets the payload input: a JSON string becomes a single
// user message, an array is decoded as pre-formed messages.
func (p AgentPayload) InputMessages() ([]Message, error) {
	if len(p.Input) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(p.Input, &s); err == nil {
		return []Message{UserMessage(s)}, nil
	}
	var msgs []Message
	if err := json.Unmarshal(p.Input, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
