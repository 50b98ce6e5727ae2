package polos

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StepContext exposes the durable primitives to user code. Every primitive
// is keyed by a caller-supplied step key that must be unique within the
// execution; reusing a key returns the first operation's recorded output.
//
// The shared contract: (1) read the step record from the orchestrator;
// a successful record returns its deserialized outputs, a failed record
// raises the recorded StepExecutionError without re-running anything;
// (2) otherwise execute, publish step_start, and on completion write the
// record and publish step_finish. A wait signal propagates upward unchanged
// and is never recorded as a failure.
type StepContext struct {
	ec *ExecutionContext
}

// runOptions configures Run's bounded retry.
type runOptions struct {
	retries int
	base    time.Duration
	cap     time.Duration
}

// RunOption configures a Run step.
type RunOption func(*runOptions)

// WithRetries sets how many times a failing step function is re-attempted
// before the failure is recorded (default 2).
func WithRetries(n int) RunOption {
	return func(o *runOptions) { o.retries = n }
}

// WithRetryBase sets the initial backoff delay (default 1 s, doubling,
// capped at 10 s).
func WithRetryBase(d time.Duration) RunOption {
	return func(o *runOptions) { o.base = d }
}

// WithRetryCap sets the maximum backoff delay.
func WithRetryCap(d time.Duration) RunOption {
	return func(o *runOptions) { o.cap = d }
}

func defaultRunOptions() runOptions {
	return runOptions{retries: 2, base: time.Second, cap: 10 * time.Second}
}

// memoized reads the step record, mapping a 404 to (nil, nil) and a
// recorded failure to the sticky StepExecutionError.
func (s *StepContext) memoized(ctx context.Context, key string) (*StepRecord, error) {
	rec, err := s.ec.orch.GetStepOutput(ctx, s.ec.ExecutionID, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if !rec.Success {
		msg := "step failed"
		typ := ""
		if rec.Error != nil {
			msg = rec.Error.Message
			typ = rec.Error.Type
		}
		return rec, &StepExecutionError{StepKey: key, Message: msg, Type: typ}
	}
	return rec, nil
}

// publishStepEvent emits a step lifecycle event on the workflow topic.
// Fire-and-forget: failures are logged, never surfaced.
func (s *StepContext) publishStepEvent(ctx context.Context, eventType, key, stepType string, data any) {
	payload := map[string]any{"step_key": key, "step_type": stepType, "data": data}
	_, err := s.ec.orch.PublishEvents(ctx, PublishRequest{
		Topic:           s.ec.Topic(),
		Events:          []EventInput{{EventType: eventType, Data: payload}},
		ExecutionID:     s.ec.ExecutionID,
		RootExecutionID: s.ec.RootExecutionID,
	})
	if err != nil {
		s.ec.logger.Debug("step event publish failed", "event", eventType, "step_key", key, "error", err)
	}
}

// recordFailure persists a step error and returns the sticky error that
// every replay will raise for this key.
func (s *StepContext) recordFailure(ctx context.Context, key string, cause error) error {
	msg := cause.Error()
	typ := fmt.Sprintf("%T", cause)
	rec := StepRecord{Success: false, Error: &StepError{Message: msg, Type: typ}}
	if err := s.ec.orch.PutStepOutput(ctx, s.ec.ExecutionID, key, rec); err != nil {
		s.ec.logger.Warn("step failure record write failed", "step_key", key, "error", err)
	}
	return &StepExecutionError{StepKey: key, Message: msg, Type: typ}
}

// recordSuccess persists the step output and emits step_finish.
func (s *StepContext) recordSuccess(ctx context.Context, key, stepType string, raw json.RawMessage, schemaName string) error {
	rec := StepRecord{Success: true, Outputs: raw, OutputSchemaName: schemaName}
	if err := s.ec.orch.PutStepOutput(ctx, s.ec.ExecutionID, key, rec); err != nil {
		return err
	}
	s.publishStepEvent(ctx, "step_finish", key, stepType, json.RawMessage(raw))
	return nil
}

// Run executes fn durably under key. The first execution runs fn (with
// bounded exponential-backoff retry), records the JSON-serialized result,
// and returns the live value; replays return the recorded value without
// calling fn. A recorded failure is re-raised deterministically.
func (s *StepContext) Run(ctx context.Context, key string, fn func(context.Context) (any, error), opts ...RunOption) (any, error) {
	rec, err := s.memoized(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return decodeRecordOutputs(rec)
	}
	return s.execute(ctx, key, "run", fn, opts...)
}

// execute runs fn for a key with no existing record.
func (s *StepContext) execute(ctx context.Context, key, stepType string, fn func(context.Context) (any, error), opts ...RunOption) (any, error) {
	o := defaultRunOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s.publishStepEvent(ctx, "step_start", key, stepType, nil)

	ctx, span := s.ec.tracer.Start(ctx, "step:"+key, trace.WithAttributes(
		attribute.String("polos.step_key", key),
		attribute.String("polos.step_type", stepType),
		attribute.String("polos.execution_id", s.ec.ExecutionID),
	))
	defer span.End()
	prev := s.ec.setSpan(span)
	defer s.ec.setSpan(prev)

	var value any
	var runErr error
	for attempt := 0; ; attempt++ {
		value, runErr = fn(ctx)
		if runErr == nil || IsWait(runErr) || ctx.Err() != nil {
			break
		}
		if attempt >= o.retries {
			break
		}
		delay := o.base << attempt
		if delay > o.cap {
			delay = o.cap
		}
		s.ec.logger.Warn("step failed, retrying",
			"step_key", key, "attempt", attempt+1, "max_retries", o.retries, "error", runErr)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if runErr != nil {
		if IsWait(runErr) {
			// A pause is not a failure; it unwinds unrecorded.
			span.SetAttributes(attribute.Bool("polos.waiting", true))
			return nil, runErr
		}
		if ctx.Err() != nil && runErr == ctx.Err() {
			return nil, runErr
		}
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return nil, s.recordFailure(ctx, key, runErr)
	}

	raw, schemaName, err := marshalValue(value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, s.recordFailure(ctx, key, err)
	}
	if err := s.recordSuccess(ctx, key, stepType, raw, schemaName); err != nil {
		return nil, err
	}
	return value, nil
}

// RunStep is the typed form of StepContext.Run: replays decode the recorded
// JSON into T, first executions return fn's live value.
func RunStep[T any](ctx context.Context, ec *ExecutionContext, key string, fn func(context.Context) (T, error), opts ...RunOption) (T, error) {
	var zero T
	s := ec.Step()
	rec, err := s.memoized(ctx, key)
	if err != nil {
		return zero, err
	}
	if rec != nil {
		var v T
		if len(rec.Outputs) > 0 {
			if err := json.Unmarshal(rec.Outputs, &v); err != nil {
				return zero, fmt.Errorf("step %q: decode recorded output: %w", key, err)
			}
		}
		return v, nil
	}
	value, err := s.execute(ctx, key, "run", func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	v, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("step %q: unexpected live value type %T", key, value)
	}
	return v, nil
}

// WaitFor pauses the execution for d. Delays at or under the configured
// threshold sleep in-process and persist a wait_until record on wake;
// longer delays write a time wait record and unwind with the wait signal so
// the orchestrator resumes the execution at the target time.
func (s *StepContext) WaitFor(ctx context.Context, key string, d time.Duration) error {
	return s.waitUntil(ctx, key, time.Now().Add(d), d)
}

// WaitUntil pauses the execution until t.
func (s *StepContext) WaitUntil(ctx context.Context, key string, t time.Time) error {
	return s.waitUntil(ctx, key, t, time.Until(t))
}

func (s *StepContext) waitUntil(ctx context.Context, key string, target time.Time, d time.Duration) error {
	rec, err := s.memoized(ctx, key)
	if err != nil {
		return err
	}
	if rec != nil {
		return nil // already slept through on a previous pass
	}
	if d <= 0 {
		return s.recordFailure(ctx, key, fmt.Errorf("wait duration must be strictly positive, got %s", d))
	}
	if d <= s.ec.waitThreshold {
		s.publishStepEvent(ctx, "step_start", key, "wait", nil)
		timer := time.NewTimer(time.Until(target))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		raw, _ := json.Marshal(map[string]string{"wait_until": target.UTC().Format(time.RFC3339Nano)})
		return s.recordSuccess(ctx, key, "wait", raw, "")
	}
	if err := s.ec.orch.SetWaiting(ctx, s.ec.ExecutionID, WaitRecord{
		WaitType:  WaitTime,
		WaitUntil: &target,
		StepKey:   key,
	}); err != nil {
		return err
	}
	return newWaitSignal(WaitTime, key)
}

// WaitForEvent pauses until an event arrives on topic. On resume the
// orchestrator has recorded the matching event as this step's output; the
// primitive returns the typed event payload.
func (s *StepContext) WaitForEvent(ctx context.Context, key, topic string, timeout time.Duration) (any, error) {
	rec, err := s.memoized(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return decodeRecordOutputs(rec)
	}
	w := WaitRecord{WaitType: WaitEvent, WaitTopic: topic, StepKey: key}
	if timeout > 0 {
		exp := time.Now().Add(timeout)
		w.ExpiresAt = &exp
	}
	if err := s.ec.orch.SetWaiting(ctx, s.ec.ExecutionID, w); err != nil {
		return nil, err
	}
	return nil, newWaitSignal(WaitEvent, key)
}

// PublishEvent durably publishes one event on topic and records a null
// step output so replays do not publish twice.
func (s *StepContext) PublishEvent(ctx context.Context, key, topic string, data any, eventType string) error {
	rec, err := s.memoized(ctx, key)
	if err != nil {
		return err
	}
	if rec != nil {
		return nil
	}
	_, err = s.execute(ctx, key, "publish_event", func(ctx context.Context) (any, error) {
		_, perr := s.ec.orch.PublishEvents(ctx, PublishRequest{
			Topic:           topic,
			Events:          []EventInput{{EventType: eventType, Data: data}},
			ExecutionID:     s.ec.ExecutionID,
			RootExecutionID: s.ec.RootExecutionID,
		})
		return nil, perr
	}, WithRetries(0))
	return err
}

// PublishWorkflowEvent publishes on the execution's canonical topic.
func (s *StepContext) PublishWorkflowEvent(ctx context.Context, key string, data any, eventType string) error {
	return s.PublishEvent(ctx, key, s.ec.Topic(), data, eventType)
}

// Suspend pauses the execution until an external actor resumes it. It
// publishes a suspend_<key> event on the workflow topic, writes a suspend
// wait record, and unwinds. The resume event's payload becomes this step's
// output and is returned on replay.
func (s *StepContext) Suspend(ctx context.Context, key string, data any, timeout time.Duration) (any, error) {
	rec, err := s.memoized(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return decodeRecordOutputs(rec)
	}
	topic := s.ec.Topic()
	if _, err := s.ec.orch.PublishEvents(ctx, PublishRequest{
		Topic:           topic,
		Events:          []EventInput{{EventType: "suspend_" + key, Data: data}},
		ExecutionID:     s.ec.ExecutionID,
		RootExecutionID: s.ec.RootExecutionID,
	}); err != nil {
		return nil, err
	}
	w := WaitRecord{WaitType: WaitSuspend, WaitTopic: topic, StepKey: key}
	if timeout > 0 {
		exp := time.Now().Add(timeout)
		w.ExpiresAt = &exp
	}
	if err := s.ec.orch.SetWaiting(ctx, s.ec.ExecutionID, w); err != nil {
		return nil, err
	}
	return nil, newWaitSignal(WaitSuspend, key)
}

// Resume publishes the resume event for another execution's suspend step.
// The orchestrator resumes that execution only on an event whose type is
// resume_<suspendStepKey> on its workflow topic.
func (s *StepContext) Resume(ctx context.Context, key, suspendStepKey, suspendExecutionID, suspendWorkflowID string, data any) error {
	topic := WorkflowTopic(suspendWorkflowID, suspendExecutionID)
	return s.PublishEvent(ctx, key, topic, data, "resume_"+suspendStepKey)
}

// UUID returns a durable identifier: generated and persisted on first call,
// read back on every replay.
func (s *StepContext) UUID(ctx context.Context, key string) (string, error) {
	return RunStep(ctx, s.ec, key, func(context.Context) (string, error) {
		return uuid.Must(uuid.NewV7()).String(), nil
	}, WithRetries(0))
}

// Now returns a durable wall-clock timestamp.
func (s *StepContext) Now(ctx context.Context, key string) (time.Time, error) {
	str, err := RunStep(ctx, s.ec, key, func(context.Context) (string, error) {
		return time.Now().UTC().Format(time.RFC3339Nano), nil
	}, WithRetries(0))
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, str)
}

// Random returns a durable uniform float in [0, 1).
func (s *StepContext) Random(ctx context.Context, key string) (float64, error) {
	return RunStep(ctx, s.ec, key, func(context.Context) (float64, error) {
		return rand.Float64(), nil
	}, WithRetries(0))
}

// Trace runs fn inside a named child span. The span becomes the current
// span for nested primitives and is restored on exit; fn's error is
// recorded on the span and returned unchanged. Trace is not durable.
func (s *StepContext) Trace(ctx context.Context, name string, attrs map[string]any, fn func(context.Context) error) error {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, anyAttr(k, v))
	}
	ctx, span := s.ec.tracer.Start(ctx, name, trace.WithAttributes(kvs...))
	defer span.End()
	prev := s.ec.setSpan(span)
	defer s.ec.setSpan(prev)

	if err := fn(ctx); err != nil {
		if !IsWait(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	return nil
}

// anyAttr converts a loosely typed attribute to an OTel KeyValue.
func anyAttr(k string, v any) attribute.KeyValue {
	switch t := v.(type) {
	case string:
		return attribute.String(k, t)
	case int:
		return attribute.Int(k, t)
	case int64:
		return attribute.Int64(k, t)
	case float64:
		return attribute.Float64(k, t)
	case bool:
		return attribute.Bool(k, t)
	default:
		return attribute.String(k, fmt.Sprintf("%v", t))
	}
}
