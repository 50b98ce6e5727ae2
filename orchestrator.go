package polos

import (
	"context"
	"encoding/json"
	"time"
)

// Orchestrator is the typed contract over the orchestrator's HTTP surface.
// The client package provides the production implementation; tests supply
// in-memory fakes. Every method maps errors per the shared taxonomy:
// TransientError on 5xx/network, ConflictError on 409, PermanentError on
// any other 4xx.
type Orchestrator interface {
	// Worker lifecycle.
	RegisterWorker(ctx context.Context, req RegisterWorkerRequest) (workerID string, err error)
	MarkOnline(ctx context.Context, workerID string) error
	Heartbeat(ctx context.Context, workerID string) (HeartbeatResponse, error)
	PollWork(ctx context.Context, workerID string, maxWorkflows int) ([]ExecuteRequest, error)
	ActiveWorkerIDs(ctx context.Context) (map[string]struct{}, error)

	// Deployment registration.
	RegisterDeployment(ctx context.Context, deploymentID string) error
	RegisterAgent(ctx context.Context, reg AgentRegistration) error
	RegisterTool(ctx context.Context, reg ToolRegistration) error
	RegisterDeploymentWorkflow(ctx context.Context, reg WorkflowRegistration) error
	RegisterQueues(ctx context.Context, deploymentID string, queues []QueueRegistration) error
	RegisterEventTrigger(ctx context.Context, reg EventTriggerRegistration) error
	RegisterSchedule(ctx context.Context, reg ScheduleRegistration) error

	// Execution submission.
	SubmitWorkflow(ctx context.Context, workflowID string, req SubmitRequest) (SubmitResult, error)
	SubmitWorkflows(ctx context.Context, reqs []SubmitRequest) ([]SubmitResult, error)

	// Durable step state.
	GetStepOutput(ctx context.Context, executionID, stepKey string) (*StepRecord, error) // (nil, nil) on 404
	PutStepOutput(ctx context.Context, executionID, stepKey string, rec StepRecord) error
	SetWaiting(ctx context.Context, executionID string, w WaitRecord) error
	UpdateSpanID(ctx context.Context, executionID, spanID string) error

	// Events.
	PublishEvents(ctx context.Context, req PublishRequest) ([]int64, error)
	StreamEvents(ctx context.Context, req StreamRequest) (EventStream, error)

	// Execution state and completion reporting. ReportSuccess and
	// ReportFailure implement bounded exponential backoff internally
	// (5 attempts, 1 s base, doubling) and drop silently on 409.
	GetExecution(ctx context.Context, executionID string) (Execution, error)
	CancelExecution(ctx context.Context, executionID string) error
	ConfirmCancellation(ctx context.Context, executionID, workerID string) error
	ReportSuccess(ctx context.Context, executionID string, rep SuccessReport) error
	ReportFailure(ctx context.Context, executionID string, rep FailureReport) error

	// Session memory and conversation history.
	GetSessionMemory(ctx context.Context, sessionID string) (SessionMemory, error)
	PutSessionMemory(ctx context.Context, sessionID string, mem SessionMemory) error
	AddConversationHistory(ctx context.Context, conversationID string, msgs []Message) error
	GetConversationHistory(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// Telemetry export.
	PutSpans(ctx context.Context, spans []SpanRecord) error
}

// EventStream iterates SSE events from the orchestrator in sequence order.
// Next blocks until an event arrives, the stream finishes, or ctx is done.
// It returns (nil, nil) when the stream terminated normally: a matching
// finish event was seen or the peer closed.
type EventStream interface {
	Next(ctx context.Context) (*Event, error)
	Close() error
}

// RegisterWorkerRequest registers this process with the orchestrator.
type RegisterWorkerRequest struct {
	DeploymentID  string          `json:"deployment_id"`
	ProjectID     string          `json:"project_id"`
	Capabilities  map[string]any  `json:"capabilities,omitempty"`
	MaxConcurrent int             `json:"max_concurrent"`
	PushURL       string          `json:"push_url,omitempty"`
}

// HeartbeatResponse tells the worker whether to replay registration.
type HeartbeatResponse struct {
	ReRegister bool `json:"re_register"`
}

// AgentRegistration describes an agent unit to the orchestrator.
type AgentRegistration struct {
	DeploymentID        string   `json:"deployment_id"`
	AgentID             string   `json:"agent_id"`
	Provider            string   `json:"provider"`
	Model               string   `json:"model"`
	SystemPrompt        string   `json:"system_prompt,omitempty"`
	Tools               []string `json:"tools,omitempty"`
	QueueName           string   `json:"queue_name,omitempty"`
	QueueConcurrency    int      `json:"queue_concurrency_limit,omitempty"`
	GuardrailMaxRetries int      `json:"guardrail_max_retries,omitempty"`
}

// ToolRegistration describes a tool unit to the orchestrator.
type ToolRegistration struct {
	DeploymentID     string          `json:"deployment_id"`
	ToolID           string          `json:"tool_id"`
	Description      string          `json:"description,omitempty"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	QueueName        string          `json:"queue_name,omitempty"`
	QueueConcurrency int             `json:"queue_concurrency_limit,omitempty"`
}

// WorkflowRegistration links a workflow to its deployment.
type WorkflowRegistration struct {
	DeploymentID   string `json:"deployment_id"`
	WorkflowID     string `json:"workflow_id"`
	Kind           Kind   `json:"kind"`
	EventTriggered bool   `json:"event_triggered"`
	Scheduled      bool   `json:"scheduled"`
}

// QueueRegistration declares a named queue and its concurrency limit.
type QueueRegistration struct {
	Name             string `json:"name"`
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
}

// EventTriggerRegistration subscribes a workflow to a topic.
type EventTriggerRegistration struct {
	DeploymentID string `json:"deployment_id"`
	WorkflowID   string `json:"workflow_id"`
	Topic        string `json:"topic"`
	BatchSize    int    `json:"batch_size,omitempty"`
	BatchTimeout int    `json:"batch_timeout_seconds,omitempty"`
}

// ScheduleRegistration declares a cron-style schedule for a workflow.
type ScheduleRegistration struct {
	DeploymentID string `json:"deployment_id"`
	WorkflowID   string `json:"workflow_id"`
	Schedule     string `json:"schedule"`
}

// SubmitRequest submits one execution. Lineage, trace context, and step key
// come from the invoking parent when present.
type SubmitRequest struct {
	WorkflowID            string          `json:"workflow_id"`
	Payload               json.RawMessage `json:"payload"`
	PayloadSchemaName     string          `json:"payload_schema_name,omitempty"`
	DeploymentID          string          `json:"deployment_id,omitempty"`
	ParentExecutionID     string          `json:"parent_execution_id,omitempty"`
	RootWorkflowID        string          `json:"root_workflow_id,omitempty"`
	RootExecutionID       string          `json:"root_execution_id,omitempty"`
	StepKey               string          `json:"step_key,omitempty"`
	QueueName             string          `json:"queue_name,omitempty"`
	QueueConcurrencyLimit int             `json:"queue_concurrency_limit,omitempty"`
	ConcurrencyKey        string          `json:"concurrency_key,omitempty"`
	WaitForSubworkflow    bool            `json:"wait_for_subworkflow,omitempty"`
	BatchID               string          `json:"batch_id,omitempty"`
	SessionID             string          `json:"session_id,omitempty"`
	UserID                string          `json:"user_id,omitempty"`
	Traceparent           string          `json:"otel_traceparent,omitempty"`
	InitialState          json.RawMessage `json:"initial_state,omitempty"`
	RunTimeoutSeconds     int             `json:"run_timeout_seconds,omitempty"`
	ChannelContext        json.RawMessage `json:"channel_context,omitempty"`
}

// SubmitResult identifies a submitted execution.
type SubmitResult struct {
	ExecutionID string    `json:"execution_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// PublishRequest publishes events on one topic.
type PublishRequest struct {
	Topic           string       `json:"topic"`
	Events          []EventInput `json:"events"`
	ExecutionID     string       `json:"execution_id,omitempty"`
	RootExecutionID string       `json:"root_execution_id,omitempty"`
}

// StreamRequest selects an event stream: either a raw topic or a
// (workflow_id, workflow_run_id) pair, resumed from a sequence ID or a
// timestamp. With ExecutionID set, the stream ends after the finish or
// cancel lifecycle event of that execution.
type StreamRequest struct {
	Topic          string     `json:"topic,omitempty"`
	WorkflowID     string     `json:"workflow_id,omitempty"`
	WorkflowRunID  string     `json:"workflow_run_id,omitempty"`
	ExecutionID    string     `json:"execution_id,omitempty"`
	LastSequenceID int64      `json:"last_sequence_id,omitempty"`
	LastTimestamp  *time.Time `json:"last_timestamp,omitempty"`
}

// SuccessReport carries the result of a completed execution.
type SuccessReport struct {
	Result           json.RawMessage `json:"result"`
	OutputSchemaName string          `json:"output_schema_name,omitempty"`
	FinalState       json.RawMessage `json:"final_state,omitempty"`
	WorkerID         string          `json:"worker_id"`
}

// FailureReport carries the error of a failed execution.
type FailureReport struct {
	Error      StepError       `json:"error"`
	Stack      string          `json:"stack,omitempty"`
	Retryable  bool            `json:"retryable"`
	FinalState json.RawMessage `json:"final_state,omitempty"`
	WorkerID   string          `json:"worker_id"`
}

// ExecuteRequest is an inbound push-mode execution assignment. The same
// shape is returned by PollWork in pull mode.
type ExecuteRequest struct {
	WorkerID          string          `json:"worker_id"`
	ExecutionID       string          `json:"execution_id"`
	WorkflowID        string          `json:"workflow_id"`
	DeploymentID      string          `json:"deployment_id"`
	Payload           json.RawMessage `json:"payload"`
	PayloadSchemaName string          `json:"payload_schema_name,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	RootWorkflowID    string          `json:"root_workflow_id,omitempty"`
	RootExecutionID   string          `json:"root_execution_id,omitempty"`
	StepKey           string          `json:"step_key,omitempty"`
	RetryCount        int             `json:"retry_count"`
	CreatedAt         time.Time       `json:"created_at"`
	SessionID         string          `json:"session_id,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	ConversationID    string          `json:"conversation_id,omitempty"`
	Traceparent       string          `json:"otel_traceparent,omitempty"`
	PreviousSpanID    string          `json:"otel_span_id,omitempty"`
	InitialState      json.RawMessage `json:"initial_state,omitempty"`
	RunTimeoutSeconds int             `json:"run_timeout_seconds,omitempty"`
}
