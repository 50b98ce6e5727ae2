package polos

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionStatus is the terminal (or suspended) state of one execution pass.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusWaiting   ExecutionStatus = "waiting"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionOutcome summarizes one pass over an execution for the caller
// (the worker runtime, or a test harness).
type ExecutionOutcome struct {
	Status ExecutionStatus
	Result any
	Err    error
}

// Execute runs one pass of an execution: build the context, open the root
// span, fire lifecycle events and hooks, run the unit handler, and report
// the terminal state to the orchestrator. A wait signal ends the pass
// without a completion report; the orchestrator resumes the execution later
// and the recorded steps replay.
func Execute(ctx context.Context, req ExecuteRequest, unit *Unit, orch Orchestrator, reg *Registry, opts ...ContextOption) ExecutionOutcome {
	ec, err := NewExecutionContext(req, unit, orch, reg, opts...)
	if err != nil {
		reportFailure(ctx, orch, req.ExecutionID, req.WorkerID, nil, err, false)
		return ExecutionOutcome{Status: StatusFailed, Err: err}
	}
	return executeWith(ctx, ec, req)
}

func executeWith(ctx context.Context, ec *ExecutionContext, req ExecuteRequest) ExecutionOutcome {
	kind := string(KindWorkflow)
	if ec.unit != nil {
		kind = string(ec.unit.Kind)
	}
	log := ec.logger.With("execution_id", ec.ExecutionID, "workflow_id", ec.WorkflowID, "kind", kind)

	ctx = trace.ContextWithRemoteSpanContext(ctx, parentSpanContext(ec))
	ctx, span := ec.tracer.Start(ctx, kind+":"+ec.WorkflowID, trace.WithAttributes(
		attribute.String("polos.workflow_id", ec.WorkflowID),
		attribute.String("polos.execution_id", ec.ExecutionID),
		attribute.String("polos.root_execution_id", ec.RootExecutionID),
		attribute.Int("polos.retry_count", ec.RetryCount),
	))
	defer span.End()
	ec.setSpan(span)

	ec.step.publishStepEvent(ctx, kind+"_start", "", kind, lifecycleData(ec, map[string]any{
		"workflow_id": ec.WorkflowID,
		"payload":     req.Payload,
	}))

	outcome := runHandler(ctx, ec, req)

	switch outcome.Status {
	case StatusWaiting:
		// Persist the span so the next pass continues under the same trace.
		if err := ec.orch.UpdateSpanID(ctx, ec.ExecutionID, span.SpanContext().SpanID().String()); err != nil {
			log.Warn("span id persist failed", "error", err)
		}
		span.SetAttributes(attribute.Bool("polos.waiting", true))
		log.Info("execution waiting")

	case StatusCancelled:
		span.SetStatus(codes.Error, "cancelled")
		// ctx is already cancelled here; the cancel event still has to go out
		// so stream consumers see the execution end.
		ec.step.publishStepEvent(context.WithoutCancel(ctx), kind+"_cancel", "", kind,
			lifecycleData(ec, map[string]any{"status": "cancelled"}))
		log.Info("execution cancelled")

	case StatusFailed:
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
		ec.step.publishStepEvent(ctx, kind+"_finish", "", kind, lifecycleData(ec, map[string]any{
			"status": "failed",
			"error":  outcome.Err.Error(),
		}))
		log.Error("execution failed", "error", outcome.Err)

	case StatusCompleted:
		ec.step.publishStepEvent(ctx, kind+"_finish", "", kind, lifecycleData(ec, map[string]any{
			"status": "completed",
		}))
		log.Info("execution completed")
	}
	return outcome
}

// lifecycleData stamps the execution identity onto a lifecycle event payload
// so stream consumers can match events to their execution.
func lifecycleData(ec *ExecutionContext, data map[string]any) map[string]any {
	data["_metadata"] = EventMetadata{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
	}
	return data
}

// runHandler decodes the payload, runs hooks and the unit handler, and
// reports the result. Panics in user code become failure reports with the
// recovered stack.
func runHandler(ctx context.Context, ec *ExecutionContext, req ExecuteRequest) (outcome ExecutionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in handler: %v", r)
			reportFailure(ctx, ec.orch, ec.ExecutionID, ec.workerID, ec.marshalState(), err, false, string(debug.Stack()))
			outcome = ExecutionOutcome{Status: StatusFailed, Err: err}
		}
	}()

	if ec.unit == nil || ec.unit.handler == nil {
		err := fmt.Errorf("workflow %q is not registered on this worker", req.WorkflowID)
		reportFailure(ctx, ec.orch, ec.ExecutionID, ec.workerID, nil, err, false)
		return ExecutionOutcome{Status: StatusFailed, Err: err}
	}

	var payload any
	if ec.unit.payloadDecoder != nil {
		p, err := ec.unit.payloadDecoder(req.Payload)
		if err != nil {
			err = fmt.Errorf("decode payload: %w", err)
			reportFailure(ctx, ec.orch, ec.ExecutionID, ec.workerID, nil, err, false)
			return ExecutionOutcome{Status: StatusFailed, Err: err}
		}
		payload = p
	}

	hc := &HookContext{Payload: payload}
	if out, ok := runLifecycleHooks(ctx, ec, "on_start", ec.unit.OnStart, hc); !ok {
		return out
	}
	payload = hc.Payload

	result, err := ec.unit.handler(ctx, ec, payload)
	if err != nil {
		if IsWait(err) {
			return ExecutionOutcome{Status: StatusWaiting}
		}
		// A run timeout expires the context the same way an explicit cancel
		// does; both end the pass on the cancellation path.
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCancelled)) {
			return ExecutionOutcome{Status: StatusCancelled, Err: err}
		}
		reportFailure(ctx, ec.orch, ec.ExecutionID, ec.workerID, ec.marshalState(), err, IsTransient(err))
		return ExecutionOutcome{Status: StatusFailed, Err: err}
	}

	hc = &HookContext{Payload: payload, Result: result}
	if out, ok := runLifecycleHooks(ctx, ec, "on_end", ec.unit.OnEnd, hc); !ok {
		return out
	}
	result = hc.Result

	raw, schemaName, err := marshalValue(result)
	if err != nil {
		reportFailure(ctx, ec.orch, ec.ExecutionID, ec.workerID, ec.marshalState(), err, false)
		return ExecutionOutcome{Status: StatusFailed, Err: err}
	}
	if err := ec.orch.ReportSuccess(ctx, ec.ExecutionID, SuccessReport{
		Result:           raw,
		OutputSchemaName: schemaName,
		FinalState:       ec.marshalState(),
		WorkerID:         ec.workerID,
	}); err != nil {
		return ExecutionOutcome{Status: StatusFailed, Err: err}
	}
	return ExecutionOutcome{Status: StatusCompleted, Result: result}
}

// runLifecycleHooks runs one lifecycle hook group; a FAIL decision reports
// the failure and ends the pass.
func runLifecycleHooks(ctx context.Context, ec *ExecutionContext, group string, hooks []Hook, hc *HookContext) (ExecutionOutcome, bool) {
	if len(hooks) == 0 {
		return ExecutionOutcome{}, true
	}
	out, err := executeHooks(ctx, ec, group, hooks, hc)
	if err != nil {
		if IsWait(err) {
			return ExecutionOutcome{Status: StatusWaiting}, false
		}
		reportFailure(ctx, ec.orch, ec.ExecutionID, ec.workerID, ec.marshalState(), err, IsTransient(err))
		return ExecutionOutcome{Status: StatusFailed, Err: err}, false
	}
	if out.failed {
		ferr := fmt.Errorf("%s hook failed: %s", group, out.errMsg)
		reportFailure(ctx, ec.orch, ec.ExecutionID, ec.workerID, ec.marshalState(), ferr, false)
		return ExecutionOutcome{Status: StatusFailed, Err: ferr}, false
	}
	return ExecutionOutcome{}, true
}

// reportFailure files a failure report, tolerating reporting errors.
func reportFailure(ctx context.Context, orch Orchestrator, executionID, workerID string, finalState []byte, cause error, retryable bool, stack ...string) {
	rep := FailureReport{
		Error:      StepError{Message: cause.Error(), Type: fmt.Sprintf("%T", cause)},
		Retryable:  retryable,
		FinalState: finalState,
		WorkerID:   workerID,
	}
	if len(stack) > 0 {
		rep.Stack = stack[0]
	}
	// Reporting uses a background-derived context so a cancelled execution
	// can still file its terminal state.
	_ = orch.ReportFailure(context.WithoutCancel(ctx), executionID, rep)
}

// parentSpanContext resolves the remote parent of this pass's root span.
// An externally supplied traceparent wins; otherwise the trace ID derives
// deterministically from the root execution ID so every pass of a lineage
// lands in one trace, parented on the previous pass's span when recorded.
func parentSpanContext(ec *ExecutionContext) trace.SpanContext {
	if ec.Traceparent != "" {
		carrier := propagation.MapCarrier{"traceparent": ec.Traceparent}
		sc := trace.SpanContextFromContext(
			propagation.TraceContext{}.Extract(context.Background(), carrier))
		if sc.IsValid() {
			if ec.PreviousSpanID != "" {
				if sid, err := trace.SpanIDFromHex(ec.PreviousSpanID); err == nil {
					sc = sc.WithSpanID(sid)
				}
			}
			return sc
		}
	}
	tid := DeterministicTraceID(ec.RootExecutionID)
	sid := deterministicSpanID(ec.RootExecutionID)
	if ec.PreviousSpanID != "" {
		if parsed, err := trace.SpanIDFromHex(ec.PreviousSpanID); err == nil {
			sid = parsed
		}
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}

// DeterministicTraceID maps a root execution UUID onto its 128-bit trace ID
// so all passes and children of a lineage share one trace.
func DeterministicTraceID(rootExecutionID string) trace.TraceID {
	var tid trace.TraceID
	if u, err := uuid.Parse(rootExecutionID); err == nil {
		copy(tid[:], u[:])
		return tid
	}
	// Non-UUID identifiers still need a stable, valid trace ID.
	h := fnv128(rootExecutionID)
	copy(tid[:], h)
	return tid
}

func deterministicSpanID(rootExecutionID string) trace.SpanID {
	var sid trace.SpanID
	if u, err := uuid.Parse(rootExecutionID); err == nil {
		copy(sid[:], u[8:])
		return sid
	}
	h := fnv128(rootExecutionID)
	copy(sid[:], h[8:])
	return sid
}

// fnv128 is a stable 128-bit hash for non-UUID lineage identifiers.
func fnv128(s string) []byte {
	const prime64 = 1099511628211
	var h1, h2 uint64 = 14695981039346656037, 12638153115695167455
	for i := 0; i < len(s); i++ {
		h1 = (h1 ^ uint64(s[i])) * prime64
		h2 = (h2*prime64 ^ uint64(s[i]))
	}
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[:8], h1)
	binary.BigEndian.PutUint64(out[8:], h2)
	return out
}
