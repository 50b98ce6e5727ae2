// Package polos is the client-side runtime for the Polos durable execution
// platform. It runs registered workflows, agents, and tools on a worker
// process while the orchestrator owns all persistent state: step outputs,
// wait records, events, and session memory.
//
// Handlers call step primitives through the execution context:
//
//	func Greet(ctx context.Context, ec *polos.ExecutionContext, name string) (string, error) {
//		msg, err := polos.RunStep(ctx, ec, "build_greeting", func(ctx context.Context) (string, error) {
//			return "hello " + name, nil
//		})
//		if err != nil {
//			return "", err
//		}
//		if err := ec.Step().WaitFor(ctx, "pause", time.Hour); err != nil {
//			return "", err
//		}
//		return msg, nil
//	}
//
// Every primitive is keyed; on replay the recorded output is returned
// instead of re-running the function, which is what makes handlers durable
// across process restarts. Long waits unwind the handler with an internal
// pause signal: propagate unknown errors unchanged and the runtime does the
// rest.
//
// Subpackages: client (orchestrator HTTP client), worker (push-mode worker
// runtime), sandbox (isolated tool environments), provider/... (LLM
// adapters), telemetry (OpenTelemetry setup), config (POLOS_* settings),
// and app (process bootstrap).
package polos
