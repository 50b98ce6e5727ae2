package polos

import (
	"context"
	"strings"
)

// StopCondition decides after each agent iteration whether the loop ends.
// Conditions are evaluated sequentially, each inside its own durable step.
type StopCondition struct {
	Name string
	Fn   func(ctx context.Context, ec *ExecutionContext, steps []AgentStep) (bool, error)
}

// MaxSteps stops after n LLM rounds. Declaring it disables the agent's
// environment-configured safety cap.
func MaxSteps(n int) StopCondition {
	return StopCondition{
		Name: "max_steps",
		Fn: func(_ context.Context, _ *ExecutionContext, steps []AgentStep) (bool, error) {
			return len(steps) >= n, nil
		},
	}
}

// MaxTokens stops once accumulated total tokens reach n.
func MaxTokens(n int) StopCondition {
	return StopCondition{
		Name: "max_tokens",
		Fn: func(_ context.Context, _ *ExecutionContext, steps []AgentStep) (bool, error) {
			var total int
			for _, s := range steps {
				total += s.Usage.TotalTokens
			}
			return total >= n, nil
		},
	}
}

// ExecutedTool stops once the named tool has completed in any step.
func ExecutedTool(toolName string) StopCondition {
	return StopCondition{
		Name: "executed_tool",
		Fn: func(_ context.Context, _ *ExecutionContext, steps []AgentStep) (bool, error) {
			for _, s := range steps {
				for _, tr := range s.ToolResults {
					if tr.ToolName == toolName {
						return true, nil
					}
				}
			}
			return false, nil
		},
	}
}

// HasText stops as soon as the latest step produced non-empty text content.
func HasText() StopCondition {
	return StopCondition{
		Name: "has_text",
		Fn: func(_ context.Context, _ *ExecutionContext, steps []AgentStep) (bool, error) {
			if len(steps) == 0 {
				return false, nil
			}
			return strings.TrimSpace(steps[len(steps)-1].Content) != "", nil
		},
	}
}

// hasExplicitMaxSteps reports whether the agent declares its own max_steps
// condition, which replaces the environment safety cap.
func hasExplicitMaxSteps(conds []StopCondition) bool {
	for _, c := range conds {
		if c.Name == "max_steps" {
			return true
		}
	}
	return false
}
