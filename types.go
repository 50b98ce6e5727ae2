package polos

import (
	"encoding/json"
	"time"
)

// --- Unit kinds ---

// Kind classifies a registered unit.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindAgent    Kind = "agent"
	KindTool     Kind = "tool"
)

// --- Orchestrator records ---

// StepRecord is one durable step output, keyed by (execution_id, step_key)
// and owned by the orchestrator. Once written it is idempotent: replays read
// it instead of re-running the step.
type StepRecord struct {
	Success           bool            `json:"success"`
	Outputs           json.RawMessage `json:"outputs,omitempty"`
	OutputSchemaName  string          `json:"output_schema_name,omitempty"`
	Error             *StepError      `json:"error,omitempty"`
	SourceExecutionID string          `json:"source_execution_id,omitempty"`
}

// StepError is the recorded failure of a step.
type StepError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// WaitType classifies a wait record.
type WaitType string

const (
	WaitTime    WaitType = "time"
	WaitEvent   WaitType = "event"
	WaitSuspend WaitType = "suspend"
)

// WaitRecord parks an execution until the orchestrator resumes it.
type WaitRecord struct {
	WaitType  WaitType   `json:"wait_type"`
	WaitUntil *time.Time `json:"wait_until,omitempty"`
	WaitTopic string     `json:"wait_topic,omitempty"`
	StepKey   string     `json:"step_key"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Event is one entry on an orchestrator topic. Events are globally ordered
// per topic by SequenceID.
type Event struct {
	ID         string          `json:"id"`
	SequenceID int64           `json:"sequence_id"`
	Topic      string          `json:"topic"`
	EventType  string          `json:"event_type,omitempty"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EventInput is one event to publish.
type EventInput struct {
	EventType string `json:"event_type,omitempty"`
	Data      any    `json:"data"`
}

// Execution is the orchestrator's view of one runtime instance.
type Execution struct {
	ExecutionID       string          `json:"execution_id"`
	WorkflowID        string          `json:"workflow_id"`
	Status            string          `json:"status"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             *StepError      `json:"error,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	RootExecutionID   string          `json:"root_execution_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// --- LLM protocol types ---

// Message is one entry of the canonical conversation history. Plain chat
// messages carry Role and Content. Tool-call entries use the tagged shape
// (Type "function_call" / "function_call_output") so every provider adapter
// converts to and from a single format.
type Message struct {
	Role    string `json:"role,omitempty"` // "system", "user", "assistant"
	Content string `json:"content,omitempty"`

	// Tagged tool-call form.
	Type      string `json:"type,omitempty"` // "function_call", "function_call_output"
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"` // JSON string
	Output    string `json:"output,omitempty"`
}

// UserMessage builds a user chat message.
func UserMessage(text string) Message { return Message{Role: "user", Content: text} }

// SystemMessage builds a system chat message.
func SystemMessage(text string) Message { return Message{Role: "system", Content: text} }

// AssistantMessage builds an assistant chat message.
func AssistantMessage(text string) Message { return Message{Role: "assistant", Content: text} }

// FunctionCallMessage builds a canonical tool-call entry.
func FunctionCallMessage(name, callID, arguments string) Message {
	return Message{Type: "function_call", Name: name, CallID: callID, Arguments: arguments}
}

// FunctionCallOutputMessage builds a canonical tool-result entry.
func FunctionCallOutputMessage(callID, output string) Message {
	return Message{Type: "function_call_output", CallID: callID, Output: output}
}

// ToolCall is a normalized tool invocation request from an LLM response.
// Arguments is always a JSON string, even when the provider returned a
// structured object.
type ToolCall struct {
	CallID   string       `json:"call_id"`
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names the tool and carries its serialized arguments.
type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes one callable tool to an LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Usage aggregates token counts across LLM calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *Usage) add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// --- Agent result types ---

// ToolResult is the structured outcome of one tool call inside an agent run.
type ToolResult struct {
	ToolName         string          `json:"tool_name"`
	Status           string          `json:"status"` // "completed" or "failed"
	Result           json.RawMessage `json:"result,omitempty"`
	ResultSchemaName string          `json:"result_schema_name,omitempty"`
	Error            string          `json:"error,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ToolCallCallID   string          `json:"tool_call_call_id,omitempty"`
}

// AgentStep is one accumulated iteration of the agent loop: the LLM content,
// the tool calls it requested, and their results. Fed to stop conditions and
// guardrails; never persisted.
type AgentStep struct {
	StepNumber  int             `json:"step_number"`
	Content     string          `json:"content"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	ToolResults []ToolResult    `json:"tool_results,omitempty"`
	Usage       Usage           `json:"usage"`
	RawOutput   json.RawMessage `json:"raw_output,omitempty"`
}

// AgentResult is the final outcome of an agent run.
type AgentResult struct {
	AgentRunID     string       `json:"agent_run_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Result         any          `json:"result"`
	ResultSchema   string       `json:"result_schema,omitempty"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
	TotalSteps     int          `json:"total_steps"`
	Usage          Usage        `json:"usage"`
}

// --- Session memory ---

// SessionMemory is the orchestrator-held conversation memory of a session.
type SessionMemory struct {
	Summary  string    `json:"summary,omitempty"`
	Messages []Message `json:"messages"`
}

// --- Telemetry records ---

// SpanRecord is the neutral in-memory encoding of one finished span,
// shipped in batches to the orchestrator.
type SpanRecord struct {
	TraceID      string          `json:"trace_id"`
	SpanID       string          `json:"span_id"`
	ParentSpanID string          `json:"parent_span_id,omitempty"`
	Name         string          `json:"name"`
	SpanType     string          `json:"span_type,omitempty"`
	Attributes   map[string]any  `json:"attributes,omitempty"`
	Events       []SpanEvent     `json:"events,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	InitialState json.RawMessage `json:"initial_state,omitempty"`
	FinalState   json.RawMessage `json:"final_state,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
}

// SpanEvent is one timeline annotation on a SpanRecord.
type SpanEvent struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Time       time.Time      `json:"time"`
}

// WorkflowTopic returns the canonical event topic for an execution lineage.
func WorkflowTopic(rootWorkflowID, rootExecutionID string) string {
	return "workflow/" + rootWorkflowID + "/" + rootExecutionID
}

// EventMetadata is attached under data._metadata on lifecycle events so
// stream consumers can match events to executions.
type EventMetadata struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
}
