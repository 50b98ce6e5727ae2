package polos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// invokeOptions collects per-invocation overrides.
type invokeOptions struct {
	queueName             string
	queueConcurrencyLimit int
	concurrencyKey        string
	initialState          any
	hasInitialState       bool
	runTimeout            time.Duration
	sessionID             string
	userID                string

	// Agent payload fields, used only by the Agent* entry points.
	conversationID string
	stream         bool
	kwargs         map[string]any
}

// InvokeOption configures a sub-workflow or agent invocation.
type InvokeOption func(*invokeOptions)

// WithInvokeQueue routes the child execution through a named queue.
func WithInvokeQueue(name string, concurrencyLimit int) InvokeOption {
	return func(o *invokeOptions) {
		o.queueName = name
		o.queueConcurrencyLimit = concurrencyLimit
	}
}

// WithConcurrencyKey serializes child executions sharing the same key.
func WithConcurrencyKey(key string) InvokeOption {
	return func(o *invokeOptions) { o.concurrencyKey = key }
}

// WithInitialState seeds the child's typed state object.
func WithInitialState(state any) InvokeOption {
	return func(o *invokeOptions) {
		o.initialState = state
		o.hasInitialState = true
	}
}

// WithRunTimeout bounds the child's wall-clock run time.
func WithRunTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) { o.runTimeout = d }
}

// WithInvokeSession overrides the session and user propagated to the child.
func WithInvokeSession(sessionID, userID string) InvokeOption {
	return func(o *invokeOptions) {
		o.sessionID = sessionID
		o.userID = userID
	}
}

// WithConversationID pins the agent conversation identity.
func WithConversationID(id string) InvokeOption {
	return func(o *invokeOptions) { o.conversationID = id }
}

// WithStreaming requests incremental output events from the agent.
func WithStreaming() InvokeOption {
	return func(o *invokeOptions) { o.stream = true }
}

// WithKwargs merges extra fields into the agent payload.
func WithKwargs(kwargs map[string]any) InvokeOption {
	return func(o *invokeOptions) { o.kwargs = kwargs }
}

// BatchInput is one element of a batch invocation.
type BatchInput struct {
	WorkflowID            string
	Payload               any
	QueueName             string
	QueueConcurrencyLimit int
	ConcurrencyKey        string
	InitialState          any
	HasInitialState       bool
	RunTimeout            time.Duration
}

// BatchResult is one child's terminal outcome in a batch wait.
type BatchResult struct {
	WorkflowID       string          `json:"workflow_id"`
	ExecutionID      string          `json:"execution_id"`
	Success          bool            `json:"success"`
	Result           json.RawMessage `json:"result,omitempty"`
	ResultSchemaName string          `json:"result_schema_name,omitempty"`
	Error            *StepError      `json:"error,omitempty"`
}

// Value reconstructs the typed result of a successful batch element.
func (b BatchResult) Value() (any, error) {
	if !b.Success {
		if b.Error != nil {
			return nil, &StepExecutionError{Message: b.Error.Message, Type: b.Error.Type}
		}
		return nil, &StepExecutionError{Message: "batch child failed"}
	}
	rec := &StepRecord{Success: true, Outputs: b.Result, OutputSchemaName: b.ResultSchemaName}
	return decodeRecordOutputs(rec)
}

// traceparent renders the current span as a W3C traceparent header for
// propagation into child executions; it falls back to the inbound header.
func (ec *ExecutionContext) traceparent() string {
	sc := ec.currentSpan().SpanContext()
	if sc.IsValid() {
		return fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID())
	}
	return ec.Traceparent
}

// buildSubmit converts one invocation into the wire submission, validating
// the initial-state size budget before any network call.
func (ec *ExecutionContext) buildSubmit(workflowID string, payload any, o invokeOptions, stepKey string, wait bool) (SubmitRequest, error) {
	raw, schemaName, err := marshalValue(payload)
	if err != nil {
		return SubmitRequest{}, err
	}
	req := SubmitRequest{
		WorkflowID:            workflowID,
		Payload:               raw,
		PayloadSchemaName:     schemaName,
		DeploymentID:          ec.DeploymentID,
		ParentExecutionID:     ec.ExecutionID,
		RootWorkflowID:        ec.RootWorkflowID,
		RootExecutionID:       ec.RootExecutionID,
		StepKey:               stepKey,
		QueueName:             o.queueName,
		QueueConcurrencyLimit: o.queueConcurrencyLimit,
		ConcurrencyKey:        o.concurrencyKey,
		WaitForSubworkflow:    wait,
		SessionID:             ec.SessionID,
		UserID:                ec.UserID,
		Traceparent:           ec.traceparent(),
	}
	if o.sessionID != "" {
		req.SessionID = o.sessionID
	}
	if o.userID != "" {
		req.UserID = o.userID
	}
	if o.runTimeout > 0 {
		req.RunTimeoutSeconds = int(o.runTimeout / time.Second)
	}
	if o.hasInitialState {
		st, err := json.Marshal(o.initialState)
		if err != nil {
			return SubmitRequest{}, fmt.Errorf("initial state not serializable: %w", err)
		}
		if err := checkStateSize(st); err != nil {
			return SubmitRequest{}, err
		}
		req.InitialState = st
	}
	return req, nil
}

// invokeRecord is the memoized output of a fire-and-forget invocation.
type invokeRecord struct {
	ExecutionID string `json:"execution_id"`
}

// Invoke durably submits a child workflow and returns its execution ID
// without waiting for completion. Replays return the recorded ID and never
// resubmit.
func (s *StepContext) Invoke(ctx context.Context, key, workflowID string, payload any, opts ...InvokeOption) (string, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	rec, err := RunStep(ctx, s.ec, key, func(ctx context.Context) (invokeRecord, error) {
		req, err := s.ec.buildSubmit(workflowID, payload, o, "", false)
		if err != nil {
			return invokeRecord{}, err
		}
		res, err := s.ec.orch.SubmitWorkflow(ctx, workflowID, req)
		if err != nil {
			return invokeRecord{}, err
		}
		return invokeRecord{ExecutionID: res.ExecutionID}, nil
	}, WithRetries(0))
	if err != nil {
		return "", err
	}
	return rec.ExecutionID, nil
}

// InvokeAndWait submits a child workflow and pauses until it finishes. The
// submission carries this step's key so the orchestrator records the child's
// final result against it; resubmission on replay is deduplicated by the
// orchestrator on (parent execution, step key). The child's failure is
// re-raised here as a sticky step error.
func (s *StepContext) InvokeAndWait(ctx context.Context, key, workflowID string, payload any, opts ...InvokeOption) (any, error) {
	rec, err := s.memoized(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return decodeRecordOutputs(rec)
	}
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	req, err := s.ec.buildSubmit(workflowID, payload, o, key, true)
	if err != nil {
		return nil, s.recordFailure(ctx, key, err)
	}
	if _, err := s.ec.orch.SubmitWorkflow(ctx, workflowID, req); err != nil {
		return nil, err
	}
	return nil, newWaitSignal(WaitEvent, key)
}

// BatchInvoke durably submits several children in one call and returns
// their execution IDs in input order.
func (s *StepContext) BatchInvoke(ctx context.Context, key string, inputs []BatchInput) ([]string, error) {
	return RunStep(ctx, s.ec, key, func(ctx context.Context) ([]string, error) {
		reqs, err := s.buildBatch(key, inputs, false)
		if err != nil {
			return nil, err
		}
		results, err := s.ec.orch.SubmitWorkflows(ctx, reqs)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ExecutionID
		}
		return ids, nil
	}, WithRetries(0))
}

// BatchInvokeAndWait submits several children under one batch ID and pauses
// until every one of them reaches a terminal state. The recorded output is
// one BatchResult per child in input order; individual failures are reported
// in-band, not raised.
func (s *StepContext) BatchInvokeAndWait(ctx context.Context, key string, inputs []BatchInput) ([]BatchResult, error) {
	rec, err := s.memoized(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		var out []BatchResult
		if err := json.Unmarshal(rec.Outputs, &out); err != nil {
			return nil, fmt.Errorf("step %q: decode batch results: %w", key, err)
		}
		return out, nil
	}
	if len(inputs) == 0 {
		raw, _ := json.Marshal([]BatchResult{})
		if err := s.recordSuccess(ctx, key, "batch_invoke", raw, ""); err != nil {
			return nil, err
		}
		return []BatchResult{}, nil
	}
	reqs, err := s.buildBatch(key, inputs, true)
	if err != nil {
		return nil, s.recordFailure(ctx, key, err)
	}
	if _, err := s.ec.orch.SubmitWorkflows(ctx, reqs); err != nil {
		return nil, err
	}
	return nil, newWaitSignal(WaitEvent, key)
}

// buildBatch converts batch inputs to submissions sharing a deterministic
// batch ID derived from the step key.
func (s *StepContext) buildBatch(key string, inputs []BatchInput, wait bool) ([]SubmitRequest, error) {
	batchID := fmt.Sprintf("%s:%s", s.ec.ExecutionID, key)
	reqs := make([]SubmitRequest, 0, len(inputs))
	for i, in := range inputs {
		o := invokeOptions{
			queueName:             in.QueueName,
			queueConcurrencyLimit: in.QueueConcurrencyLimit,
			concurrencyKey:        in.ConcurrencyKey,
			initialState:          in.InitialState,
			hasInitialState:       in.HasInitialState,
			runTimeout:            in.RunTimeout,
		}
		stepKey := ""
		if wait {
			stepKey = key
		}
		req, err := s.ec.buildSubmit(in.WorkflowID, in.Payload, o, stepKey, wait)
		if err != nil {
			return nil, fmt.Errorf("batch input %d (%s): %w", i, in.WorkflowID, err)
		}
		req.BatchID = batchID
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// agentPayload assembles the conventional agent payload shape: input plus
// conversation identity, streaming flag, and merged kwargs.
func agentPayload(input any, o invokeOptions) (map[string]any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("agent input not serializable: %w", err)
	}
	p := map[string]any{"input": json.RawMessage(raw)}
	if o.conversationID != "" {
		p["conversation_id"] = o.conversationID
	}
	if o.stream {
		p["stream"] = true
	}
	for k, v := range o.kwargs {
		if _, taken := p[k]; !taken {
			p[k] = v
		}
	}
	return p, nil
}

// AgentInvoke submits an agent run without waiting. Input is either a plain
// string user message or a []Message conversation.
func (s *StepContext) AgentInvoke(ctx context.Context, key, agentID string, input any, opts ...InvokeOption) (string, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	p, err := agentPayload(input, o)
	if err != nil {
		return "", err
	}
	return s.Invoke(ctx, key, agentID, p, opts...)
}

// AgentInvokeAndWait submits an agent run and pauses until it completes,
// returning the agent's final result.
func (s *StepContext) AgentInvokeAndWait(ctx context.Context, key, agentID string, input any, opts ...InvokeOption) (any, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	p, err := agentPayload(input, o)
	if err != nil {
		return nil, err
	}
	return s.InvokeAndWait(ctx, key, agentID, p, opts...)
}
