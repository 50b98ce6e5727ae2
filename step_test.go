package polos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRunMemoizesResult(t *testing.T) {
	orch := newFakeOrchestrator()
	ec := newTestContext(t, orch)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return map[string]any{"n": 42}, nil
	}

	v1, err := ec.Step().Run(ctx, "compute", fn)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("fn calls = %d, want 1", calls)
	}

	// A replay in a fresh context sees the record and skips fn.
	ec2 := newTestContext(t, orch)
	v2, err := ec2.Step().Run(ctx, "compute", fn)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if calls != 1 {
		t.Fatalf("fn re-ran on replay, calls = %d", calls)
	}
	if fmt.Sprint(v1.(map[string]any)["n"]) == "" || fmt.Sprint(v2.(map[string]any)["n"]) != "42" {
		t.Fatalf("replayed value = %v, want n=42", v2)
	}
}

func TestRunRecordsStickyFailure(t *testing.T) {
	orch := newFakeOrchestrator()
	ec := newTestContext(t, orch)
	ctx := context.Background()

	calls := 0
	boom := func(context.Context) (any, error) {
		calls++
		return nil, errors.New("boom")
	}

	_, err := ec.Step().Run(ctx, "explode", boom, WithRetries(0))
	var stepErr *StepExecutionError
	if !errors.As(err, &stepErr) {
		t.Fatalf("want StepExecutionError, got %v", err)
	}
	if stepErr.Message != "boom" {
		t.Fatalf("message = %q", stepErr.Message)
	}
	rec, ok := orch.stepRecord("exec-main", "explode")
	if !ok || rec.Success {
		t.Fatalf("failure not recorded: %+v ok=%v", rec, ok)
	}

	// Replay raises the same error without re-running.
	_, err = newTestContext(t, orch).Step().Run(ctx, "explode", boom)
	if !errors.As(err, &stepErr) {
		t.Fatalf("replay: want StepExecutionError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("failed step re-ran on replay, calls = %d", calls)
	}
}

func TestRunRetriesBeforeRecordingFailure(t *testing.T) {
	orch := newFakeOrchestrator()
	ec := newTestContext(t, orch)

	calls := 0
	flaky := func(context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient blip")
		}
		return "ok", nil
	}

	v, err := ec.Step().Run(context.Background(), "flaky", flaky,
		WithRetries(2), WithRetryBase(time.Millisecond), WithRetryCap(2*time.Millisecond))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v != "ok" || calls != 3 {
		t.Fatalf("v=%v calls=%d", v, calls)
	}
}

func TestRunStepDecodesTypedReplay(t *testing.T) {
	type report struct {
		Total int    `json:"total"`
		Name  string `json:"name"`
	}
	orch := newFakeOrchestrator()
	orch.seedStep("exec-main", "summarize", StepRecord{
		Success: true,
		Outputs: mustJSON(report{Total: 7, Name: "weekly"}),
	})
	ec := newTestContext(t, orch)

	got, err := RunStep(context.Background(), ec, "summarize", func(context.Context) (report, error) {
		t.Fatal("fn must not run on replay")
		return report{}, nil
	})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if got.Total != 7 || got.Name != "weekly" {
		t.Fatalf("got %+v", got)
	}
}

func TestWaitForShortSleepsInProcess(t *testing.T) {
	orch := newFakeOrchestrator()
	ec := newTestContext(t, orch, WithWaitThreshold(100*time.Millisecond))

	start := time.Now()
	if err := ec.Step().WaitFor(context.Background(), "brief", 20*time.Millisecond); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("did not sleep")
	}
	rec, ok := orch.stepRecord("exec-main", "brief")
	if !ok || !rec.Success {
		t.Fatalf("wake not recorded: %+v", rec)
	}
	if _, waiting := orch.waitRecord("exec-main"); waiting {
		t.Fatal("short wait must not write a wait record")
	}

	// Replay returns immediately.
	start = time.Now()
	if err := newTestContext(t, orch).Step().WaitFor(context.Background(), "brief", 20*time.Millisecond); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Fatal("replay slept")
	}
}

func TestWaitForLongUnwinds(t *testing.T) {
	orch := newFakeOrchestrator()
	ec := newTestContext(t, orch, WithWaitThreshold(10*time.Second))

	err := ec.Step().WaitFor(context.Background(), "overnight", time.Hour)
	if !IsWait(err) {
		t.Fatalf("want wait signal, got %v", err)
	}
	if WaitStepKey(err) != "overnight" {
		t.Fatalf("wait step key = %q", WaitStepKey(err))
	}
	w, ok := orch.waitRecord("exec-main")
	if !ok || w.WaitType != WaitTime || w.StepKey != "overnight" || w.WaitUntil == nil {
		t.Fatalf("wait record %+v ok=%v", w, ok)
	}
	if _, recorded := orch.stepRecord("exec-main", "overnight"); recorded {
		t.Fatal("a pause must not write a step record")
	}
}

func TestWaitForNonPositiveFailsDeterministically(t *testing.T) {
	orch := newFakeOrchestrator()
	ec := newTestContext(t, orch)

	err := ec.Step().WaitFor(context.Background(), "zero", 0)
	var stepErr *StepExecutionError
	if !errors.As(err, &stepErr) {
		t.Fatalf("want StepExecutionError, got %v", err)
	}
	rec, ok := orch.stepRecord("exec-main", "zero")
	if !ok || rec.Success {
		t.Fatalf("deterministic failure not recorded: %+v", rec)
	}
}

func TestWaitForEvent(t *testing.T) {
	orch := newFakeOrchestrator()
	ec := newTestContext(t, orch)

	_, err := ec.Step().WaitForEvent(context.Background(), "order_paid", "orders/123", time.Minute)
	if !IsWait(err) {
		t.Fatalf("want wait signal, got %v", err)
	}
	w, _ := orch.waitRecord("exec-main")
	if w.WaitType != WaitEvent || w.WaitTopic != "orders/123" || w.ExpiresAt == nil {
		t.Fatalf("wait record %+v", w)
	}

	// The orchestrator records the matching event as the step output.
	orch.seedStep("exec-main", "order_paid", StepRecord{
		Success: true,
		Outputs: mustJSON(map[string]any{"amount": 99.5}),
	})
	got, err := newTestContext(t, orch).Step().WaitForEvent(context.Background(), "order_paid", "orders/123", time.Minute)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.(map[string]any)["amount"] != 99.5 {
		t.Fatalf("payload = %v", got)
	}
}

func TestPublishEventOnce(t *testing.T) {
	orch := newFakeOrchestrator()
	ec := newTestContext(t, orch)
	ctx := context.Background()

	if err := ec.Step().PublishEvent(ctx, "notify", "alerts", map[string]string{"level": "high"}, "alert"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := newTestContext(t, orch).Step().PublishEvent(ctx, "notify", "alerts", nil, "alert"); err != nil {
		t.Fatalf("replay publish: %v", err)
	}

	alerts := 0
	for _, typ := range orch.publishedTypes() {
		if typ == "alert" {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("alert published %d times, want 1", alerts)
	}
}

func TestSuspendAndReplay(t *testing.T) {
	orch := newFakeOrchestrator()
	ec := newTestContext(t, orch)
	ctx := context.Background()

	_, err := ec.Step().Suspend(ctx, "approval", map[string]string{"question": "deploy?"}, time.Hour)
	if !IsWait(err) {
		t.Fatalf("want wait signal, got %v", err)
	}
	w, _ := orch.waitRecord("exec-main")
	if w.WaitType != WaitSuspend || w.WaitTopic != ec.Topic() {
		t.Fatalf("wait record %+v", w)
	}
	found := false
	for _, typ := range orch.publishedTypes() {
		if typ == "suspend_approval" {
			found = true
		}
	}
	if !found {
		t.Fatal("suspend event not published")
	}

	orch.seedStep("exec-main", "approval", StepRecord{
		Success: true,
		Outputs: mustJSON(map[string]any{"approved": true}),
	})
	resumed, err := newTestContext(t, orch).Step().Suspend(ctx, "approval", nil, time.Hour)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if resumed.(map[string]any)["approved"] != true {
		t.Fatalf("resume data = %v", resumed)
	}
}

func TestResumePublishesOnSuspendedTopic(t *testing.T) {
	orch := newFakeOrchestrator()
	ec := newTestContext(t, orch)

	err := ec.Step().Resume(context.Background(), "wake_child", "approval", "exec-child", "child-wf", map[string]bool{"approved": true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	var hit bool
	for _, req := range orch.published {
		for _, e := range req.Events {
			if e.EventType == "resume_approval" && req.Topic == WorkflowTopic("child-wf", "exec-child") {
				hit = true
			}
		}
	}
	if !hit {
		t.Fatal("resume event not published on the suspended execution's topic")
	}
}

func TestDurableUUIDStableAcrossReplay(t *testing.T) {
	orch := newFakeOrchestrator()
	ctx := context.Background()

	first, err := newTestContext(t, orch).Step().UUID(ctx, "conversation_id")
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	second, err := newTestContext(t, orch).Step().UUID(ctx, "conversation_id")
	if err != nil {
		t.Fatalf("uuid replay: %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("uuid changed across replay: %q vs %q", first, second)
	}
	if !strings.Contains(first, "-") {
		t.Fatalf("not a uuid: %q", first)
	}
}

func TestDurableNowAndRandom(t *testing.T) {
	orch := newFakeOrchestrator()
	ctx := context.Background()

	t1, err := newTestContext(t, orch).Step().Now(ctx, "stamp")
	if err != nil {
		t.Fatalf("now: %v", err)
	}
	t2, err := newTestContext(t, orch).Step().Now(ctx, "stamp")
	if err != nil {
		t.Fatalf("now replay: %v", err)
	}
	if !t1.Equal(t2) {
		t.Fatalf("now changed across replay: %v vs %v", t1, t2)
	}

	r1, err := newTestContext(t, orch).Step().Random(ctx, "roll")
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	r2, err := newTestContext(t, orch).Step().Random(ctx, "roll")
	if err != nil {
		t.Fatalf("random replay: %v", err)
	}
	if r1 != r2 {
		t.Fatalf("random changed across replay: %v vs %v", r1, r2)
	}
}

func TestMarshalValueReportsUnserializable(t *testing.T) {
	_, _, err := marshalValue(func() {})
	if err == nil || !strings.Contains(err.Error(), "not JSON-serializable") {
		t.Fatalf("want descriptive type error, got %v", err)
	}
}

func TestRegisteredSchemaRoundTrip(t *testing.T) {
	type invoice struct {
		ID    string  `json:"id"`
		Total float64 `json:"total"`
	}
	RegisterSchema[invoice]("test_invoice")

	raw, name, err := marshalValue(invoice{ID: "inv-1", Total: 12.5})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if name != "test_invoice" {
		t.Fatalf("schema name = %q", name)
	}
	got, err := decodeRecordOutputs(&StepRecord{Success: true, Outputs: raw, OutputSchemaName: name})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	inv, ok := got.(invoice)
	if !ok || inv.ID != "inv-1" || inv.Total != 12.5 {
		t.Fatalf("decoded %#v", got)
	}

	// Unknown names keep the generic JSON form.
	var generic any = json.RawMessage(nil)
	generic, err = decodeRecordOutputs(&StepRecord{Success: true, Outputs: raw, OutputSchemaName: "never_registered"})
	if err != nil {
		t.Fatalf("generic decode: %v", err)
	}
	if _, ok := generic.(map[string]any); !ok {
		t.Fatalf("want generic map, got %T", generic)
	}
}
