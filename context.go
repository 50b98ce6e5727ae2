package polos

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExecutionContext is the per-execution value passed to every user handler.
// The identity fields are immutable; the typed state object and the scoped
// resources are mutable and owned by the goroutine running the unit.
type ExecutionContext struct {
	WorkflowID        string
	ExecutionID       string
	DeploymentID      string
	ParentExecutionID string
	RootWorkflowID    string
	RootExecutionID   string
	SessionID         string
	UserID            string
	ConversationID    string
	CreatedAt         time.Time
	RetryCount        int
	Traceparent       string
	PreviousSpanID    string

	unit     *Unit
	orch     Orchestrator
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	workerID string

	waitThreshold time.Duration
	agentMaxSteps int

	mu        sync.Mutex
	state     any
	span      trace.Span
	resources map[string]any

	step *StepContext
}

// ContextOption configures an ExecutionContext at construction.
type ContextOption func(*ExecutionContext)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ContextOption {
	return func(ec *ExecutionContext) { ec.logger = l }
}

// WithTracer sets the tracer used for workflow, step, and user spans.
func WithTracer(t trace.Tracer) ContextOption {
	return func(ec *ExecutionContext) { ec.tracer = t }
}

// WithWaitThreshold sets the in-process sleep threshold for wait_for /
// wait_until (default 10 s; longer waits suspend via the orchestrator).
func WithWaitThreshold(d time.Duration) ContextOption {
	return func(ec *ExecutionContext) { ec.waitThreshold = d }
}

// WithAgentMaxSteps sets the default agent-loop safety cap.
func WithAgentMaxSteps(n int) ContextOption {
	return func(ec *ExecutionContext) { ec.agentMaxSteps = n }
}

// WithWorkerID records which worker runs this execution.
func WithWorkerID(id string) ContextOption {
	return func(ec *ExecutionContext) { ec.workerID = id }
}

// WithResource binds a named scoped resource (sandbox manager, channel
// bindings). Resources are invalidated by their owners, never by user code.
func WithResource(name string, v any) ContextOption {
	return func(ec *ExecutionContext) { ec.resources[name] = v }
}

// nopLogger discards all records; keeps call sites nil-safe.
var nopLogger = slog.New(slog.DiscardHandler)

// NewExecutionContext builds the context for one inbound execution. The
// typed state is constructed from the declared state schema: the supplied
// initial_state when present (validated against the size budget), otherwise
// the schema default.
func NewExecutionContext(req ExecuteRequest, unit *Unit, orch Orchestrator, reg *Registry, opts ...ContextOption) (*ExecutionContext, error) {
	ec := &ExecutionContext{
		WorkflowID:        req.WorkflowID,
		ExecutionID:       req.ExecutionID,
		DeploymentID:      req.DeploymentID,
		ParentExecutionID: req.ParentExecutionID,
		RootWorkflowID:    req.RootWorkflowID,
		RootExecutionID:   req.RootExecutionID,
		SessionID:         req.SessionID,
		UserID:            req.UserID,
		ConversationID:    req.ConversationID,
		CreatedAt:         req.CreatedAt,
		RetryCount:        req.RetryCount,
		Traceparent:       req.Traceparent,
		PreviousSpanID:    req.PreviousSpanID,
		workerID:          req.WorkerID,
		unit:              unit,
		orch:              orch,
		registry:          reg,
		logger:            nopLogger,
		tracer:            noop.NewTracerProvider().Tracer("polos"),
		waitThreshold:     10 * time.Second,
		agentMaxSteps:     10,
		resources:         make(map[string]any),
	}
	if ec.RootWorkflowID == "" {
		ec.RootWorkflowID = req.WorkflowID
	}
	if ec.RootExecutionID == "" {
		ec.RootExecutionID = req.ExecutionID
	}
	for _, opt := range opts {
		opt(ec)
	}
	ec.step = &StepContext{ec: ec}

	if len(req.InitialState) > 0 {
		if err := checkStateSize(req.InitialState); err != nil {
			return nil, err
		}
		if unit != nil && unit.stateDecoder != nil {
			st, err := unit.stateDecoder(req.InitialState)
			if err != nil {
				return nil, err
			}
			ec.state = st
		} else {
			var st any
			if err := json.Unmarshal(req.InitialState, &st); err != nil {
				return nil, err
			}
			ec.state = st
		}
	} else if unit != nil && unit.stateFactory != nil {
		ec.state = unit.stateFactory()
	}
	return ec, nil
}

// Step exposes the durable primitives.
func (ec *ExecutionContext) Step() *StepContext { return ec.step }

// State returns the typed workflow state object.
func (ec *ExecutionContext) State() any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.state
}

// SetState replaces the workflow state object.
func (ec *ExecutionContext) SetState(s any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.state = s
}

// Logger returns the execution's structured logger. Never nil.
func (ec *ExecutionContext) Logger() *slog.Logger { return ec.logger }

// Orchestrator returns the orchestrator client bound to this execution.
func (ec *ExecutionContext) Orchestrator() Orchestrator { return ec.orch }

// Registry returns the process unit registry.
func (ec *ExecutionContext) Registry() *Registry { return ec.registry }

// Unit returns this execution's descriptor.
func (ec *ExecutionContext) Unit() *Unit { return ec.unit }

// WorkerID returns the executing worker's ID.
func (ec *ExecutionContext) WorkerID() string { return ec.workerID }

// Resource returns a named scoped resource bound at construction.
func (ec *ExecutionContext) Resource(name string) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.resources[name]
	return v, ok
}

// Topic returns the canonical workflow event topic for this lineage.
func (ec *ExecutionContext) Topic() string {
	return WorkflowTopic(ec.RootWorkflowID, ec.RootExecutionID)
}

// currentSpan returns the active span, or an invalid no-op span.
func (ec *ExecutionContext) currentSpan() trace.Span {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.span == nil {
		return noop.Span{}
	}
	return ec.span
}

// setSpan installs the active span and returns the previous one so callers
// can restore it on block exit.
func (ec *ExecutionContext) setSpan(s trace.Span) trace.Span {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	prev := ec.span
	ec.span = s
	return prev
}

// marshalState serializes the current state for reports and spans.
func (ec *ExecutionContext) marshalState() json.RawMessage {
	st := ec.State()
	if st == nil {
		return nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		ec.logger.Warn("workflow state not serializable", "execution_id", ec.ExecutionID, "error", err)
		return nil
	}
	return raw
}
