package polos

import (
	"errors"
	"fmt"
	"time"
)

// TransientError wraps a network failure, a 5xx response, or a 429 from the
// orchestrator or an LLM provider. Operations that are idempotent retry it
// with backoff; everything else surfaces it so the orchestrator can retry
// the execution. RetryAfter carries the server's Retry-After hint when the
// response included one.
type TransientError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient: http %d: %s", e.Status, e.Body)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConflictError is a 409 from the orchestrator. On completion-reporting
// paths it means the execution was reassigned to another worker; the write
// is dropped without retry.
type ConflictError struct {
	Body string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: http 409: %s", e.Body)
}

// PermanentError is a non-409 4xx: a configuration or ID problem.
// Never retried.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: http %d: %s", e.Status, e.Body)
}

// StepExecutionError is the recorded failure of a durable step. The first
// execution persists the message; every replay raises it again without
// re-running the step function.
type StepExecutionError struct {
	StepKey string
	Message string
	Type    string
}

func (e *StepExecutionError) Error() string {
	if e.StepKey == "" {
		return e.Message
	}
	return fmt.Sprintf("step %q: %s", e.StepKey, e.Message)
}

// IsTransient reports whether err should be retried where idempotent.
func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

// IsConflict reports whether err is an orchestrator 409.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// --- Wait signal ---

// waitSignal unwinds a paused execution to the worker dispatcher. It is not
// an error in the failure sense: the orchestrator already holds the wait
// record and will resume the execution later. Only step primitives create
// it; user handlers propagate it by returning the error unchanged.
type waitSignal struct {
	waitType WaitType
	stepKey  string
}

func (w *waitSignal) Error() string {
	return fmt.Sprintf("execution waiting (%s) at step %q", w.waitType, w.stepKey)
}

// newWaitSignal is the only constructor; the type stays unexported so user
// code cannot fabricate a pause.
func newWaitSignal(t WaitType, stepKey string) error {
	return &waitSignal{waitType: t, stepKey: stepKey}
}

// IsWait reports whether err is the pause signal raised by a step
// primitive. The workflow core and the worker runtime use it to report
// nothing and release the slot; step records never store it as a failure.
func IsWait(err error) bool {
	var w *waitSignal
	return errors.As(err, &w)
}

// WaitStepKey returns the step key that initiated the pause, or "".
func WaitStepKey(err error) string {
	var w *waitSignal
	if errors.As(err, &w) {
		return w.stepKey
	}
	return ""
}

// ErrCancelled marks an execution that was cancelled by the orchestrator or
// by its run timeout. The worker emits the cancel event and confirms the
// cancellation instead of reporting success or failure.
var ErrCancelled = errors.New("execution cancelled")
