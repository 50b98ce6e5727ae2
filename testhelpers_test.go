package polos

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// fakeOrchestrator is an in-memory Orchestrator for engine tests. It stores
// step records and wait records per execution and counts calls so tests can
// assert memoization behavior.
type fakeOrchestrator struct {
	mu sync.Mutex

	steps     map[string]StepRecord // "{executionID}/{stepKey}"
	waits     map[string]WaitRecord
	published []PublishRequest
	submitted []SubmitRequest
	successes map[string]SuccessReport
	failures  map[string]FailureReport
	cancelled []string
	memory    map[string]SessionMemory
	history   map[string][]Message
	spanIDs   map[string]string

	getCalls int
	putCalls int

	// Hooks for error injection.
	getErr    error
	putErr    error
	submitErr error
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		steps:     make(map[string]StepRecord),
		waits:     make(map[string]WaitRecord),
		successes: make(map[string]SuccessReport),
		failures:  make(map[string]FailureReport),
		memory:    make(map[string]SessionMemory),
		history:   make(map[string][]Message),
		spanIDs:   make(map[string]string),
	}
}

func stepKeyOf(executionID, stepKey string) string { return executionID + "/" + stepKey }

// seedStep installs a pre-existing record, as if a previous pass wrote it.
func (f *fakeOrchestrator) seedStep(executionID, stepKey string, rec StepRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[stepKeyOf(executionID, stepKey)] = rec
}

func (f *fakeOrchestrator) stepRecord(executionID, stepKey string) (StepRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.steps[stepKeyOf(executionID, stepKey)]
	return rec, ok
}

func (f *fakeOrchestrator) waitRecord(executionID string) (WaitRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.waits[executionID]
	return w, ok
}

func (f *fakeOrchestrator) publishedTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, req := range f.published {
		for _, e := range req.Events {
			out = append(out, e.EventType)
		}
	}
	return out
}

func (f *fakeOrchestrator) eventsOfType(typ string) []EventInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []EventInput
	for _, req := range f.published {
		for _, e := range req.Events {
			if e.EventType == typ {
				out = append(out, e)
			}
		}
	}
	return out
}

func (f *fakeOrchestrator) GetStepOutput(_ context.Context, executionID, stepKey string) (*StepRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.steps[stepKeyOf(executionID, stepKey)]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (f *fakeOrchestrator) PutStepOutput(_ context.Context, executionID, stepKey string, rec StepRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.putErr != nil {
		return f.putErr
	}
	f.steps[stepKeyOf(executionID, stepKey)] = rec
	return nil
}

func (f *fakeOrchestrator) SetWaiting(_ context.Context, executionID string, w WaitRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits[executionID] = w
	return nil
}

func (f *fakeOrchestrator) UpdateSpanID(_ context.Context, executionID, spanID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spanIDs[executionID] = spanID
	return nil
}

func (f *fakeOrchestrator) PublishEvents(_ context.Context, req PublishRequest) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, req)
	ids := make([]int64, len(req.Events))
	for i := range ids {
		ids[i] = int64(len(f.published)*100 + i)
	}
	return ids, nil
}

func (f *fakeOrchestrator) StreamEvents(context.Context, StreamRequest) (EventStream, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeOrchestrator) SubmitWorkflow(_ context.Context, workflowID string, req SubmitRequest) (SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return SubmitResult{}, f.submitErr
	}
	req.WorkflowID = workflowID
	f.submitted = append(f.submitted, req)
	return SubmitResult{
		ExecutionID: fmt.Sprintf("exec-%d", len(f.submitted)),
		CreatedAt:   time.Now(),
	}, nil
}

func (f *fakeOrchestrator) SubmitWorkflows(_ context.Context, reqs []SubmitRequest) ([]SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	out := make([]SubmitResult, 0, len(reqs))
	for _, req := range reqs {
		f.submitted = append(f.submitted, req)
		out = append(out, SubmitResult{
			ExecutionID: fmt.Sprintf("exec-%d", len(f.submitted)),
			CreatedAt:   time.Now(),
		})
	}
	return out, nil
}

func (f *fakeOrchestrator) ReportSuccess(_ context.Context, executionID string, rep SuccessReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[executionID] = rep
	return nil
}

func (f *fakeOrchestrator) ReportFailure(_ context.Context, executionID string, rep FailureReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[executionID] = rep
	return nil
}

func (f *fakeOrchestrator) GetExecution(_ context.Context, executionID string) (Execution, error) {
	return Execution{ExecutionID: executionID}, nil
}

func (f *fakeOrchestrator) CancelExecution(_ context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

func (f *fakeOrchestrator) ConfirmCancellation(_ context.Context, executionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

func (f *fakeOrchestrator) GetSessionMemory(_ context.Context, sessionID string) (SessionMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memory[sessionID], nil
}

func (f *fakeOrchestrator) PutSessionMemory(_ context.Context, sessionID string, mem SessionMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memory[sessionID] = mem
	return nil
}

func (f *fakeOrchestrator) AddConversationHistory(_ context.Context, conversationID string, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[conversationID] = append(f.history[conversationID], msgs...)
	return nil
}

func (f *fakeOrchestrator) GetConversationHistory(_ context.Context, conversationID string, _ int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[conversationID], nil
}

func (f *fakeOrchestrator) RegisterWorker(context.Context, RegisterWorkerRequest) (string, error) {
	return "worker-1", nil
}
func (f *fakeOrchestrator) MarkOnline(context.Context, string) error { return nil }
func (f *fakeOrchestrator) Heartbeat(context.Context, string) (HeartbeatResponse, error) {
	return HeartbeatResponse{}, nil
}
func (f *fakeOrchestrator) PollWork(context.Context, string, int) ([]ExecuteRequest, error) {
	return nil, nil
}
func (f *fakeOrchestrator) ActiveWorkerIDs(context.Context) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}
func (f *fakeOrchestrator) RegisterDeployment(context.Context, string) error        { return nil }
func (f *fakeOrchestrator) RegisterAgent(context.Context, AgentRegistration) error  { return nil }
func (f *fakeOrchestrator) RegisterTool(context.Context, ToolRegistration) error    { return nil }
func (f *fakeOrchestrator) RegisterDeploymentWorkflow(context.Context, WorkflowRegistration) error {
	return nil
}
func (f *fakeOrchestrator) RegisterQueues(context.Context, string, []QueueRegistration) error {
	return nil
}
func (f *fakeOrchestrator) RegisterEventTrigger(context.Context, EventTriggerRegistration) error {
	return nil
}
func (f *fakeOrchestrator) RegisterSchedule(context.Context, ScheduleRegistration) error {
	return nil
}
func (f *fakeOrchestrator) PutSpans(context.Context, []SpanRecord) error { return nil }

var _ Orchestrator = (*fakeOrchestrator)(nil)

// newTestContext builds an execution context over the fake.
func newTestContext(t interface{ Fatalf(string, ...any) }, orch Orchestrator, opts ...ContextOption) *ExecutionContext {
	req := ExecuteRequest{
		WorkflowID:      "wf",
		ExecutionID:     "exec-main",
		DeploymentID:    "dep",
		RootWorkflowID:  "wf",
		RootExecutionID: "exec-main",
		CreatedAt:       time.Now(),
	}
	ec, err := NewExecutionContext(req, nil, orch, NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("NewExecutionContext: %v", err)
	}
	return ec
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func mustUnmarshal(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
