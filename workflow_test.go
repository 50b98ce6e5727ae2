package polos

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func execRequest() ExecuteRequest {
	return ExecuteRequest{
		WorkflowID:      "wf",
		ExecutionID:     "exec-main",
		DeploymentID:    "dep",
		RootWorkflowID:  "wf",
		RootExecutionID: "exec-main",
		WorkerID:        "worker-1",
		CreatedAt:       time.Now(),
	}
}

func TestExecuteReportsSuccess(t *testing.T) {
	orch := newFakeOrchestrator()
	unit := NewWorkflow("wf", func(ctx context.Context, ec *ExecutionContext, in map[string]any) (string, error) {
		return "done", nil
	})
	reg := NewRegistry()
	reg.MustRegister(unit)

	out := Execute(context.Background(), execRequest(), unit, orch, reg)
	if out.Status != StatusCompleted {
		t.Fatalf("status = %q, err = %v", out.Status, out.Err)
	}
	if out.Result != "done" {
		t.Fatalf("result = %v", out.Result)
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	rep, ok := orch.successes["exec-main"]
	if !ok {
		t.Fatal("no success report filed")
	}
	if rep.WorkerID != "worker-1" {
		t.Fatalf("report worker id = %q", rep.WorkerID)
	}
	if string(rep.Result) != `"done"` {
		t.Fatalf("report result = %s", rep.Result)
	}
	if _, failed := orch.failures["exec-main"]; failed {
		t.Fatal("success pass also filed a failure")
	}
}

func TestExecuteReportsFailure(t *testing.T) {
	orch := newFakeOrchestrator()
	unit := NewWorkflow("wf", func(ctx context.Context, ec *ExecutionContext, in map[string]any) (string, error) {
		return "", errors.New("business rule violated")
	})
	reg := NewRegistry()
	reg.MustRegister(unit)

	out := Execute(context.Background(), execRequest(), unit, orch, reg)
	if out.Status != StatusFailed {
		t.Fatalf("status = %q", out.Status)
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	rep, ok := orch.failures["exec-main"]
	if !ok {
		t.Fatal("no failure report filed")
	}
	if rep.Error.Message != "business rule violated" {
		t.Fatalf("report error = %+v", rep.Error)
	}
	if rep.Retryable {
		t.Fatal("plain errors are not retryable")
	}
}

func TestExecuteMarksTransientFailuresRetryable(t *testing.T) {
	orch := newFakeOrchestrator()
	unit := NewWorkflow("wf", func(ctx context.Context, ec *ExecutionContext, in map[string]any) (string, error) {
		return "", &TransientError{Status: 503, Err: errors.New("upstream flaked")}
	})
	reg := NewRegistry()
	reg.MustRegister(unit)

	out := Execute(context.Background(), execRequest(), unit, orch, reg)
	if out.Status != StatusFailed {
		t.Fatalf("status = %q", out.Status)
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if rep := orch.failures["exec-main"]; !rep.Retryable {
		t.Fatalf("transient failure not marked retryable: %+v", rep)
	}
}

func TestExecuteWaitingPassFilesNoTerminalReport(t *testing.T) {
	orch := newFakeOrchestrator()
	unit := NewWorkflow("wf", func(ctx context.Context, ec *ExecutionContext, in map[string]any) (string, error) {
		if err := ec.Step().WaitFor(ctx, "pause", time.Hour); err != nil {
			return "", err
		}
		return "resumed", nil
	})
	reg := NewRegistry()
	reg.MustRegister(unit)

	out := Execute(context.Background(), execRequest(), unit, orch, reg)
	if out.Status != StatusWaiting {
		t.Fatalf("status = %q, err = %v", out.Status, out.Err)
	}
	orch.mu.Lock()
	if len(orch.successes) != 0 || len(orch.failures) != 0 {
		orch.mu.Unlock()
		t.Fatal("a waiting pass must not report a terminal state")
	}
	orch.mu.Unlock()
	if _, ok := orch.waitRecord("exec-main"); !ok {
		t.Fatal("no wait record written")
	}

	// The orchestrator wakes the execution: the wait replays and the
	// handler runs to completion.
	orch.seedStep("exec-main", "pause", StepRecord{Success: true})
	out = Execute(context.Background(), execRequest(), unit, orch, reg)
	if out.Status != StatusCompleted || out.Result != "resumed" {
		t.Fatalf("resume pass: status=%q result=%v err=%v", out.Status, out.Result, out.Err)
	}
}

func TestExecuteRecoversPanicWithStack(t *testing.T) {
	orch := newFakeOrchestrator()
	unit := NewWorkflow("wf", func(ctx context.Context, ec *ExecutionContext, in map[string]any) (string, error) {
		panic("index out of range in user code")
	})
	reg := NewRegistry()
	reg.MustRegister(unit)

	out := Execute(context.Background(), execRequest(), unit, orch, reg)
	if out.Status != StatusFailed {
		t.Fatalf("status = %q", out.Status)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "panic in handler") {
		t.Fatalf("err = %v", out.Err)
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	rep := orch.failures["exec-main"]
	if rep.Stack == "" {
		t.Fatal("panic report lost the stack trace")
	}
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	orch := newFakeOrchestrator()
	reg := NewRegistry()

	out := Execute(context.Background(), execRequest(), nil, orch, reg)
	if out.Status != StatusFailed {
		t.Fatalf("status = %q", out.Status)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "not registered") {
		t.Fatalf("err = %v", out.Err)
	}
}

func TestExecuteCancellation(t *testing.T) {
	orch := newFakeOrchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	unit := NewWorkflow("wf", func(ctx context.Context, ec *ExecutionContext, in map[string]any) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})
	reg := NewRegistry()
	reg.MustRegister(unit)

	out := Execute(ctx, execRequest(), unit, orch, reg)
	if out.Status != StatusCancelled {
		t.Fatalf("status = %q, err = %v", out.Status, out.Err)
	}
	cancels := orch.eventsOfType("workflow_cancel")
	if len(cancels) != 1 {
		t.Fatalf("workflow_cancel published %d times, want 1 (types %v)", len(cancels), orch.publishedTypes())
	}
	if md := lifecycleMetadata(t, cancels[0]); md.ExecutionID != "exec-main" || md.WorkflowID != "wf" {
		t.Fatalf("cancel metadata %+v", md)
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.successes) != 0 || len(orch.failures) != 0 {
		t.Fatal("cancelled pass must not file a terminal report")
	}
}

func TestExecuteRunTimeoutEndsAsCancelled(t *testing.T) {
	orch := newFakeOrchestrator()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	unit := NewWorkflow("wf", func(ctx context.Context, ec *ExecutionContext, in map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	reg := NewRegistry()
	reg.MustRegister(unit)

	out := Execute(ctx, execRequest(), unit, orch, reg)
	if out.Status != StatusCancelled {
		t.Fatalf("status = %q, err = %v", out.Status, out.Err)
	}
	if len(orch.eventsOfType("workflow_cancel")) != 1 {
		t.Fatalf("workflow_cancel missing: %v", orch.publishedTypes())
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.failures) != 0 {
		t.Fatal("a run timeout must not file a failure report")
	}
	if len(orch.successes) != 0 {
		t.Fatal("a run timeout must not file a success report")
	}
}

// lifecycleMetadata digs the execution identity out of a published lifecycle
// event payload.
func lifecycleMetadata(t *testing.T, e EventInput) EventMetadata {
	t.Helper()
	payload, ok := e.Data.(map[string]any)
	if !ok {
		t.Fatalf("event data %T", e.Data)
	}
	inner, ok := payload["data"].(map[string]any)
	if !ok {
		t.Fatalf("event payload %+v", payload)
	}
	md, ok := inner["_metadata"].(EventMetadata)
	if !ok {
		t.Fatalf("no _metadata in %+v", inner)
	}
	return md
}

func TestExecutePublishesLifecycleEvents(t *testing.T) {
	orch := newFakeOrchestrator()
	unit := NewWorkflow("wf", func(ctx context.Context, ec *ExecutionContext, in map[string]any) (string, error) {
		return "ok", nil
	})
	reg := NewRegistry()
	reg.MustRegister(unit)

	Execute(context.Background(), execRequest(), unit, orch, reg)
	starts := orch.eventsOfType("workflow_start")
	finishes := orch.eventsOfType("workflow_finish")
	if len(starts) != 1 || len(finishes) != 1 {
		t.Fatalf("lifecycle events missing: %v", orch.publishedTypes())
	}
	for _, e := range []EventInput{starts[0], finishes[0]} {
		md := lifecycleMetadata(t, e)
		if md.ExecutionID != "exec-main" || md.WorkflowID != "wf" {
			t.Fatalf("lifecycle metadata %+v", md)
		}
	}
}

func TestOnStartHookCanFailExecution(t *testing.T) {
	orch := newFakeOrchestrator()
	reject := Hook{Name: "reject_all", Fn: func(ctx context.Context, ec *ExecutionContext, hc *HookContext) (HookResult, error) {
		return HookResult{Decision: DecisionFail, Error: "payload rejected by policy"}, nil
	}}
	unit := NewWorkflow("wf", func(ctx context.Context, ec *ExecutionContext, in map[string]any) (string, error) {
		t.Fatal("handler must not run after a failing hook")
		return "", nil
	}, WithOnStart(reject))
	reg := NewRegistry()
	reg.MustRegister(unit)

	out := Execute(context.Background(), execRequest(), unit, orch, reg)
	if out.Status != StatusFailed {
		t.Fatalf("status = %q", out.Status)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "payload rejected by policy") {
		t.Fatalf("err = %v", out.Err)
	}
}

func TestRegistryInvariants(t *testing.T) {
	reg := NewRegistry()
	wf := func(ctx context.Context, ec *ExecutionContext, in map[string]any) (string, error) { return "", nil }

	if err := reg.Register(NewWorkflow("dup", wf)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(NewWorkflow("dup", wf)); err == nil {
		t.Fatal("duplicate ID must be rejected")
	}
	if err := reg.Register(NewWorkflow("sched_q", wf, WithSchedule("0 * * * *"), WithQueue("q", 1))); err == nil {
		t.Fatal("scheduled unit with an explicit queue must be rejected")
	}
	if err := reg.Register(NewWorkflow("sched_ev", wf, WithSchedule("0 * * * *"), WithEventTrigger("topic", 1, 0))); err == nil {
		t.Fatal("scheduled unit with an event trigger must be rejected")
	}
}

func TestDeterministicTraceID(t *testing.T) {
	a := DeterministicTraceID("0190f4a2-1111-7abc-9def-0123456789ab")
	b := DeterministicTraceID("0190f4a2-1111-7abc-9def-0123456789ab")
	if a != b {
		t.Fatal("trace ID not stable")
	}
	c := DeterministicTraceID("not-a-uuid")
	d := DeterministicTraceID("not-a-uuid")
	if c != d {
		t.Fatal("non-UUID trace ID not stable")
	}
	if a == c || !a.IsValid() || !c.IsValid() {
		t.Fatalf("trace IDs: %v vs %v", a, c)
	}
}
