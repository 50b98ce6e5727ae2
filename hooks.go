package polos

import (
	"context"
	"fmt"
)

// Decision is the tagged outcome of a hook or guardrail callable.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionFail     Decision = "fail"
)

// HookContext is what a lifecycle hook observes. Fields are populated
// according to the hook group: payload/result for workflow lifecycle hooks,
// messages and the LLM response for agent-step hooks, tool call/result for
// tool hooks.
type HookContext struct {
	Payload    any               `json:"payload,omitempty"`
	Result     any               `json:"result,omitempty"`
	Messages   []Message         `json:"messages,omitempty"`
	ToolCall   *ToolCall         `json:"tool_call,omitempty"`
	ToolResult *ToolResult       `json:"tool_result,omitempty"`
	LLM        *GenerateResponse `json:"llm,omitempty"`
}

// HookResult carries the hook's decision plus any requested modifications.
// Nil/zero fields leave the corresponding value untouched; modifications
// accumulate across the hook list, so the next hook sees the most recently
// modified context.
type HookResult struct {
	Decision Decision `json:"decision"`
	Error    string   `json:"error,omitempty"`

	Payload      any        `json:"payload,omitempty"`
	Result       any        `json:"result,omitempty"`
	Messages     []Message  `json:"messages,omitempty"`
	LLMContent   *string    `json:"llm_content,omitempty"`
	LLMToolCalls []ToolCall `json:"llm_tool_calls,omitempty"`
}

// Continue is the no-modification pass result.
func Continue() HookResult { return HookResult{Decision: DecisionContinue} }

// HookFunc is a user-supplied lifecycle callable. It runs as its own
// durable step, so it must be deterministic given its inputs or tolerate
// at-most-once execution.
type HookFunc func(ctx context.Context, ec *ExecutionContext, hc *HookContext) (HookResult, error)

// Hook pairs a callable with the stable name used in its step key.
type Hook struct {
	Name string
	Fn   HookFunc
}

// hookOutcome is the accumulated result of a hook group.
type hookOutcome struct {
	failed bool
	errMsg string
	ctx    *HookContext
}

// executeHooks runs a hook group sequentially, each callable as its own
// durable step keyed "<group>.<name>.<index>". Modifications accumulate in
// hc; a FAIL decision stops iteration and the outcome carries the error.
func executeHooks(ctx context.Context, ec *ExecutionContext, group string, hooks []Hook, hc *HookContext) (hookOutcome, error) {
	for i, h := range hooks {
		name := h.Name
		if name == "" {
			name = "hook"
		}
		key := fmt.Sprintf("%s.%s.%d", group, name, i)
		fn := h.Fn
		snapshot := *hc
		res, err := RunStep(ctx, ec, key, func(ctx context.Context) (HookResult, error) {
			if fn == nil {
				return HookResult{Decision: DecisionFail, Error: fmt.Sprintf("invalid result type: hook %q has no function", name)}, nil
			}
			out, err := fn(ctx, ec, &snapshot)
			if err != nil {
				return HookResult{}, err
			}
			if out.Decision != DecisionContinue && out.Decision != DecisionFail {
				// A malformed return is replaced by a synthetic failure so
				// the caller always sees a valid result.
				return HookResult{Decision: DecisionFail, Error: fmt.Sprintf("invalid result type from hook %q", name)}, nil
			}
			return out, nil
		})
		if err != nil {
			return hookOutcome{}, err
		}
		applyHookResult(hc, res)
		if res.Decision == DecisionFail {
			msg := res.Error
			if msg == "" {
				msg = fmt.Sprintf("hook %q failed", name)
			}
			return hookOutcome{failed: true, errMsg: msg, ctx: hc}, nil
		}
	}
	return hookOutcome{ctx: hc}, nil
}

// applyHookResult folds a hook's modifications into the shared context.
func applyHookResult(hc *HookContext, res HookResult) {
	if res.Payload != nil {
		hc.Payload = res.Payload
	}
	if res.Result != nil {
		hc.Result = res.Result
	}
	if res.Messages != nil {
		hc.Messages = res.Messages
	}
	if hc.LLM != nil {
		if res.LLMContent != nil {
			hc.LLM.Content = *res.LLMContent
		}
		if res.LLMToolCalls != nil {
			hc.LLM.ToolCalls = res.LLMToolCalls
		}
	}
}

// --- Guardrails ---

// GuardrailContext is what a guardrail observes: the candidate LLM response
// for the current agent step and the conversation so far.
type GuardrailContext struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Messages   []Message  `json:"messages,omitempty"`
	StepNumber int        `json:"step_number"`
	Attempt    int        `json:"attempt"`
}

// GuardrailResult is a guardrail's verdict. A FAIL decision triggers a
// corrective retry (up to the agent's guardrail budget); Content and
// ToolCalls, when set, replace the LLM output seen by later guardrails.
type GuardrailResult struct {
	Decision  Decision   `json:"decision"`
	Reason    string     `json:"reason,omitempty"`
	Content   *string    `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// GuardrailFunc validates or rewrites an LLM response.
type GuardrailFunc func(ctx context.Context, ec *ExecutionContext, gc *GuardrailContext) (GuardrailResult, error)

// Guardrail is an ordered validator of LLM output. Either Fn is set, or
// Criteria holds a natural-language rule evaluated by a nested
// structured-output LLM call (without further guardrails).
type Guardrail struct {
	Name     string
	Fn       GuardrailFunc
	Criteria string
}

// GuardrailFromPrompt builds a criteria guardrail evaluated by the model.
func GuardrailFromPrompt(name, criteria string) Guardrail {
	return Guardrail{Name: name, Criteria: criteria}
}

// guardrailOutcome is the accumulated verdict of a guardrail group.
type guardrailOutcome struct {
	failed bool
	reason string
	gc     *GuardrailContext
}

// guardrailEvaluator resolves criteria guardrails; the agent loop supplies
// one backed by the agent's provider.
type guardrailEvaluator func(ctx context.Context, criteria string, gc *GuardrailContext) (GuardrailResult, error)

// executeGuardrails runs a guardrail group sequentially, each as its own
// durable step keyed "<group>.<name>.<index>". Modifications accumulate;
// FAIL stops iteration.
func executeGuardrails(ctx context.Context, ec *ExecutionContext, group string, guardrails []Guardrail, gc *GuardrailContext, eval guardrailEvaluator) (guardrailOutcome, error) {
	for i, g := range guardrails {
		name := g.Name
		if name == "" {
			name = "guardrail"
		}
		key := fmt.Sprintf("%s.%s.%d", group, name, i)
		g := g
		snapshot := *gc
		res, err := RunStep(ctx, ec, key, func(ctx context.Context) (GuardrailResult, error) {
			switch {
			case g.Fn != nil:
				out, err := g.Fn(ctx, ec, &snapshot)
				if err != nil {
					return GuardrailResult{}, err
				}
				if out.Decision != DecisionContinue && out.Decision != DecisionFail {
					return GuardrailResult{Decision: DecisionFail, Reason: fmt.Sprintf("invalid result type from guardrail %q", name)}, nil
				}
				return out, nil
			case g.Criteria != "" && eval != nil:
				return eval(ctx, g.Criteria, &snapshot)
			default:
				return GuardrailResult{Decision: DecisionFail, Reason: fmt.Sprintf("invalid result type: guardrail %q has neither function nor criteria", name)}, nil
			}
		})
		if err != nil {
			return guardrailOutcome{}, err
		}
		if res.Content != nil {
			gc.Content = *res.Content
		}
		if res.ToolCalls != nil {
			gc.ToolCalls = res.ToolCalls
		}
		if res.Decision == DecisionFail {
			reason := res.Reason
			if reason == "" {
				reason = fmt.Sprintf("guardrail %q failed", name)
			}
			return guardrailOutcome{failed: true, reason: reason, gc: gc}, nil
		}
	}
	return guardrailOutcome{gc: gc}, nil
}
