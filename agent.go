package polos

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// runAgentLoop drives one agent execution: call the model, run guardrails,
// execute requested tools as sub-workflow batches, evaluate stop conditions,
// and assemble the final result. Every non-deterministic boundary (LLM call,
// tool batch, hook, guardrail, stop condition) runs as its own durable step,
// so a pass interrupted by a tool wait replays to the same position.
func runAgentLoop(ctx context.Context, ec *ExecutionContext, cfg *AgentConfig, p AgentPayload) (*AgentResult, error) {
	provider, ok := ec.registry.Provider(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", cfg.Provider)
	}
	tools, err := resolveTools(ec.registry, cfg.Tools)
	if err != nil {
		return nil, err
	}

	conversationID := p.ConversationID
	if conversationID == "" {
		conversationID = ec.ConversationID
	}
	if conversationID == "" {
		conversationID, err = ec.step.UUID(ctx, "conversation_id")
		if err != nil {
			return nil, err
		}
	}

	var memory SessionMemory
	if cfg.HistoryWindow > 0 && ec.SessionID != "" {
		memory, err = RunStep(ctx, ec, "load_session_memory", func(ctx context.Context) (SessionMemory, error) {
			return ec.orch.GetSessionMemory(ctx, ec.SessionID)
		})
		if err != nil {
			return nil, err
		}
	}

	input, err := p.InputMessages()
	if err != nil {
		return nil, fmt.Errorf("decode agent input: %w", err)
	}
	msgs := historyMessages(memory, cfg.HistoryWindow)
	msgs = append(msgs, input...)
	baseLen := len(msgs)

	explicitCap := hasExplicitMaxSteps(cfg.StopConditions)
	var (
		steps       []AgentStep
		toolResults []ToolResult
		usage       Usage
	)

	for n := 1; ; n++ {
		if !explicitCap && n > ec.agentMaxSteps {
			ec.logger.Warn("agent reached safety step cap", "agent_id", ec.WorkflowID, "max_steps", ec.agentMaxSteps)
			break
		}

		hc := &HookContext{Messages: msgs}
		out, err := executeHooks(ctx, ec, fmt.Sprintf("on_agent_step_start:%d", n), cfg.OnAgentStepStart, hc)
		if err != nil {
			return nil, err
		}
		if out.failed {
			return nil, fmt.Errorf("on_agent_step_start hook failed: %s", out.errMsg)
		}
		if hc.Messages != nil {
			msgs = hc.Messages
		}

		resp, retryMsgs, err := generateWithGuardrails(ctx, ec, cfg, provider, n, msgs, tools, p.Stream)
		if err != nil {
			return nil, err
		}
		msgs = retryMsgs

		hc = &HookContext{Messages: msgs, LLM: &resp}
		out, err = executeHooks(ctx, ec, fmt.Sprintf("on_agent_step_end:%d", n), cfg.OnAgentStepEnd, hc)
		if err != nil {
			return nil, err
		}
		if out.failed {
			return nil, fmt.Errorf("on_agent_step_end hook failed: %s", out.errMsg)
		}
		if hc.Messages != nil {
			msgs = hc.Messages
		}

		if resp.Content != "" {
			msgs = append(msgs, AssistantMessage(resp.Content))
		}
		for _, tc := range resp.ToolCalls {
			msgs = append(msgs, FunctionCallMessage(tc.Function.Name, tc.CallID, tc.Function.Arguments))
		}

		step := AgentStep{
			StepNumber: n,
			Content:    resp.Content,
			ToolCalls:  resp.ToolCalls,
			Usage:      resp.Usage,
			RawOutput:  resp.RawOutput,
		}
		usage.add(resp.Usage)

		if len(resp.ToolCalls) > 0 {
			results, outMsgs, err := executeToolCalls(ctx, ec, cfg, n, resp.ToolCalls)
			if err != nil {
				return nil, err
			}
			step.ToolResults = results
			toolResults = append(toolResults, results...)
			msgs = append(msgs, outMsgs...)
		}
		steps = append(steps, step)

		stop, err := evaluateStop(ctx, ec, cfg, n, steps)
		if err != nil {
			return nil, err
		}
		if stop {
			break
		}
		if len(cfg.StopConditions) == 0 && len(resp.ToolCalls) == 0 {
			// Default termination: a plain text answer ends the loop.
			break
		}
	}

	finalContent := ""
	if len(steps) > 0 {
		finalContent = steps[len(steps)-1].Content
	}

	var result any = finalContent
	if len(cfg.OutputSchema) > 0 {
		val, verr := validateStructured(finalContent, cfg.OutputSchema)
		if verr != nil {
			val, verr = retryStructured(ctx, ec, cfg, provider, msgs, tools, verr, &usage)
			if verr != nil {
				return nil, fmt.Errorf("structured output did not match schema after retry: %w", verr)
			}
		}
		result = val
	}

	if conversationID != "" || (cfg.HistoryWindow > 0 && ec.SessionID != "") {
		newMsgs := msgs[baseLen:]
		summary := memory.Summary
		_, err = RunStep(ctx, ec, "save_session_memory", func(ctx context.Context) (bool, error) {
			if conversationID != "" && len(newMsgs) > 0 {
				if err := ec.orch.AddConversationHistory(ctx, conversationID, newMsgs); err != nil {
					return false, err
				}
			}
			if cfg.HistoryWindow > 0 && ec.SessionID != "" {
				window := msgs
				if len(window) > cfg.HistoryWindow {
					window = window[len(window)-cfg.HistoryWindow:]
				}
				if err := ec.orch.PutSessionMemory(ctx, ec.SessionID, SessionMemory{
					Summary:  summary,
					Messages: window,
				}); err != nil {
					return false, err
				}
			}
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}

	return &AgentResult{
		AgentRunID:     ec.ExecutionID,
		ConversationID: conversationID,
		Result:         result,
		ResultSchema:   cfg.OutputSchemaName,
		ToolResults:    toolResults,
		TotalSteps:     len(steps),
		Usage:          usage,
	}, nil
}

// historyMessages flattens session memory into the message prefix: the
// summary (when present) as a system message, then the windowed history.
func historyMessages(mem SessionMemory, window int) []Message {
	var msgs []Message
	if mem.Summary != "" {
		msgs = append(msgs, SystemMessage("Conversation summary: "+mem.Summary))
	}
	hist := mem.Messages
	if window > 0 && len(hist) > window {
		hist = hist[len(hist)-window:]
	}
	return append(msgs, hist...)
}

// resolveTools expands agent tool references into provider tool definitions.
// Registered tools expose their reflected payload schema as parameters.
func resolveTools(reg *Registry, refs []AgentToolRef) ([]ToolDefinition, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	defs := make([]ToolDefinition, 0, len(refs))
	for _, r := range refs {
		if r.Native != nil {
			defs = append(defs, *r.Native)
			continue
		}
		u, ok := reg.Get(r.ToolID)
		if !ok || u.Kind != KindTool {
			return nil, fmt.Errorf("agent tool %q is not a registered tool", r.ToolID)
		}
		defs = append(defs, ToolDefinition{
			Name:        u.ID,
			Description: u.Description,
			Parameters:  u.PayloadSchema,
		})
	}
	return defs, nil
}

// generateWithGuardrails performs one durable LLM call and, when guardrails
// are declared, runs the accept/retry cycle: a rejected response is appended
// to the transcript with a corrective user message and the model is called
// again under a retry-suffixed step key, up to the agent's retry budget.
func generateWithGuardrails(ctx context.Context, ec *ExecutionContext, cfg *AgentConfig, provider Provider, n int, msgs []Message, tools []ToolDefinition, stream bool) (GenerateResponse, []Message, error) {
	maxRetries := cfg.GuardrailMaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	for attempt := 0; ; attempt++ {
		key := fmt.Sprintf("llm_generate:%d", n)
		if attempt > 0 {
			key = fmt.Sprintf("llm_generate:%d:retry_%d", n, attempt)
		}
		req := buildGenerateRequest(cfg, msgs, tools)
		resp, err := RunStep(ctx, ec, key, func(ctx context.Context) (GenerateResponse, error) {
			if stream && len(cfg.Guardrails) == 0 {
				return streamGenerate(ctx, ec, provider, n, req)
			}
			return provider.Generate(ctx, req)
		})
		if err != nil {
			return GenerateResponse{}, nil, err
		}
		if len(cfg.Guardrails) == 0 {
			return resp, msgs, nil
		}

		gc := &GuardrailContext{
			Content:    resp.Content,
			ToolCalls:  resp.ToolCalls,
			Messages:   msgs,
			StepNumber: n,
			Attempt:    attempt,
		}
		group := fmt.Sprintf("guardrails:%d:attempt_%d", n, attempt)
		out, err := executeGuardrails(ctx, ec, group, cfg.Guardrails, gc, criteriaEvaluator(cfg, provider))
		if err != nil {
			return GenerateResponse{}, nil, err
		}
		if !out.failed {
			resp.Content = gc.Content
			resp.ToolCalls = gc.ToolCalls
			if stream {
				// Guardrails disable incremental streaming; emit the accepted
				// content as one delta so stream consumers still see output.
				pub := &streamPublisher{ec: ec, step: n}
				pub.textDelta(ctx, resp.Content)
			}
			return resp, msgs, nil
		}
		if attempt >= maxRetries {
			return GenerateResponse{}, nil, fmt.Errorf("guardrail rejected response after %d attempts: %s", attempt+1, out.reason)
		}
		ec.logger.Info("guardrail rejected response, retrying",
			"step", n, "attempt", attempt+1, "reason", out.reason)
		msgs = append(msgs,
			AssistantMessage(resp.Content),
			UserMessage("Your previous response was rejected: "+out.reason+". Produce a corrected response."),
		)
	}
}

func buildGenerateRequest(cfg *AgentConfig, msgs []Message, tools []ToolDefinition) GenerateRequest {
	return GenerateRequest{
		Messages:         msgs,
		Model:            cfg.Model,
		SystemPrompt:     cfg.SystemPrompt,
		Tools:            tools,
		Temperature:      cfg.Temperature,
		MaxTokens:        cfg.MaxTokens,
		TopP:             cfg.TopP,
		OutputSchema:     cfg.OutputSchema,
		OutputSchemaName: cfg.OutputSchemaName,
		ProviderOptions:  cfg.ProviderOptions,
	}
}

// streamGenerate runs a streaming provider call, publishing the stream event
// protocol on the workflow topic as model output arrives.
func streamGenerate(ctx context.Context, ec *ExecutionContext, provider Provider, n int, req GenerateRequest) (GenerateResponse, error) {
	pub := &streamPublisher{ec: ec, step: n}
	ch := make(chan ProviderEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			switch ev.Type {
			case ProviderEventTextDelta:
				pub.textDelta(ctx, ev.Content)
			case ProviderEventToolCall:
				pub.toolCall(ctx, ev.ToolCall)
			}
		}
	}()
	resp, err := provider.Stream(ctx, req, ch)
	<-done
	return resp, err
}

// streamPublisher emits the stream events of one LLM step: a stream_start
// frame before the first payload, text_delta frames carrying a per-step
// chunk index, and tool_call frames as calls assemble. Publishing is
// fire-and-forget.
type streamPublisher struct {
	ec      *ExecutionContext
	step    int
	started bool
	chunk   int
}

func (p *streamPublisher) textDelta(ctx context.Context, content string) {
	if content == "" {
		return
	}
	p.start(ctx)
	p.publish(ctx, "text_delta", map[string]any{
		"step":        p.step,
		"chunk_index": p.chunk,
		"content":     content,
	})
	p.chunk++
}

func (p *streamPublisher) toolCall(ctx context.Context, tc *ToolCall) {
	if tc == nil {
		return
	}
	p.start(ctx)
	p.publish(ctx, "tool_call", map[string]any{"tool_call": tc})
}

func (p *streamPublisher) start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true
	p.publish(ctx, "stream_start", map[string]any{"step": p.step})
}

func (p *streamPublisher) publish(ctx context.Context, eventType string, data map[string]any) {
	_, err := p.ec.orch.PublishEvents(ctx, PublishRequest{
		Topic:           p.ec.Topic(),
		Events:          []EventInput{{EventType: eventType, Data: data}},
		ExecutionID:     p.ec.ExecutionID,
		RootExecutionID: p.ec.RootExecutionID,
	})
	if err != nil {
		p.ec.logger.Debug("stream event publish failed", "event", eventType, "error", err)
	}
}

// criteriaEvaluator judges natural-language guardrail criteria with a nested
// structured-output model call. The nested call carries no guardrails of its
// own and runs inside the guardrail's durable step.
func criteriaEvaluator(cfg *AgentConfig, provider Provider) guardrailEvaluator {
	return func(ctx context.Context, criteria string, gc *GuardrailContext) (GuardrailResult, error) {
		var sb strings.Builder
		sb.WriteString("Criteria: ")
		sb.WriteString(criteria)
		sb.WriteString("\n\nResponse to evaluate:\n")
		sb.WriteString(gc.Content)
		if len(gc.ToolCalls) > 0 {
			sb.WriteString("\n\nRequested tool calls:\n")
			for _, tc := range gc.ToolCalls {
				fmt.Fprintf(&sb, "- %s(%s)\n", tc.Function.Name, tc.Function.Arguments)
			}
		}
		resp, err := provider.Generate(ctx, GenerateRequest{
			Model: cfg.Model,
			SystemPrompt: "You are a strict validator. Judge whether the response satisfies the criteria. " +
				"Answer with JSON: {\"decision\": \"continue\"|\"fail\", \"reason\": \"...\"}.",
			Messages:         []Message{UserMessage(sb.String())},
			OutputSchema:     guardrailVerdictSchema,
			OutputSchemaName: "GuardrailVerdict",
		})
		if err != nil {
			return GuardrailResult{}, err
		}
		var verdict struct {
			Decision Decision `json:"decision"`
			Reason   string   `json:"reason"`
		}
		if err := json.Unmarshal([]byte(resp.Content), &verdict); err != nil ||
			(verdict.Decision != DecisionContinue && verdict.Decision != DecisionFail) {
			return GuardrailResult{Decision: DecisionFail, Reason: "criteria evaluator returned an invalid verdict"}, nil
		}
		return GuardrailResult{Decision: verdict.Decision, Reason: verdict.Reason}, nil
	}
}

var guardrailVerdictSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"decision": {"type": "string", "enum": ["continue", "fail"]},
		"reason": {"type": "string"}
	},
	"required": ["decision"]
}`)

// executeToolCalls fans requested tool calls out as one sub-workflow batch
// and folds the results back into tool-output messages. Tool hooks are keyed
// by the call's position within the step so replays line up.
func executeToolCalls(ctx context.Context, ec *ExecutionContext, cfg *AgentConfig, n int, calls []ToolCall) ([]ToolResult, []Message, error) {
	results := make([]ToolResult, len(calls))
	var (
		inputs  []BatchInput
		indices []int
	)
	for i, tc := range calls {
		tc := tc
		results[i] = ToolResult{
			ToolName:       tc.Function.Name,
			ToolCallID:     tc.ID,
			ToolCallCallID: tc.CallID,
		}

		hc := &HookContext{ToolCall: &tc}
		out, err := executeHooks(ctx, ec, fmt.Sprintf("on_tool_start:%d:%d", n, i), cfg.OnToolStart, hc)
		if err != nil {
			return nil, nil, err
		}
		if out.failed {
			results[i].Status = "failed"
			results[i].Error = out.errMsg
			continue
		}

		unit, ok := ec.registry.Get(tc.Function.Name)
		if !ok || unit.Kind != KindTool {
			results[i].Status = "failed"
			results[i].Error = fmt.Sprintf("tool %q is not registered", tc.Function.Name)
			continue
		}
		// Empty or malformed arguments still invoke the tool, with an
		// empty object payload.
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		inputs = append(inputs, BatchInput{
			WorkflowID:            unit.ID,
			Payload:               json.RawMessage(args),
			QueueName:             unit.QueueName,
			QueueConcurrencyLimit: unit.QueueConcurrencyLimit,
		})
		indices = append(indices, i)
	}

	if len(inputs) > 0 {
		batch, err := ec.step.BatchInvokeAndWait(ctx, fmt.Sprintf("execute_tools:step_%d", n), inputs)
		if err != nil {
			return nil, nil, err
		}
		for j, br := range batch {
			i := indices[j]
			if br.Success {
				results[i].Status = "completed"
				results[i].Result = br.Result
				results[i].ResultSchemaName = br.ResultSchemaName
			} else {
				results[i].Status = "failed"
				if br.Error != nil {
					results[i].Error = br.Error.Message
				} else {
					results[i].Error = "tool execution failed"
				}
			}
		}
	}

	outMsgs := make([]Message, 0, len(calls))
	for i := range calls {
		tr := results[i]
		hc := &HookContext{ToolCall: &calls[i], ToolResult: &tr}
		out, err := executeHooks(ctx, ec, fmt.Sprintf("on_tool_end:%d:%d", n, i), cfg.OnToolEnd, hc)
		if err != nil {
			return nil, nil, err
		}
		if out.failed {
			tr.Status = "failed"
			tr.Error = out.errMsg
		}
		results[i] = tr

		var output string
		if tr.Status == "completed" {
			output = string(tr.Result)
		} else {
			b, _ := json.Marshal(map[string]string{"error": tr.Error})
			output = string(b)
		}
		outMsgs = append(outMsgs, FunctionCallOutputMessage(calls[i].CallID, output))
	}
	return results, outMsgs, nil
}

// evaluateStop runs the declared stop conditions in order, each inside its
// own durable step. The first true verdict ends the loop.
func evaluateStop(ctx context.Context, ec *ExecutionContext, cfg *AgentConfig, n int, steps []AgentStep) (bool, error) {
	for i, c := range cfg.StopConditions {
		name := c.Name
		if name == "" {
			name = "stop"
		}
		fn := c.Fn
		key := fmt.Sprintf("stop_condition:%d.%s.%d", n, name, i)
		hit, err := RunStep(ctx, ec, key, func(ctx context.Context) (bool, error) {
			return fn(ctx, ec, steps)
		})
		if err != nil {
			return false, err
		}
		if hit {
			ec.logger.Info("stop condition met", "condition", name, "step", n)
			return true, nil
		}
	}
	return false, nil
}

// validateStructured parses content as JSON and validates it against the
// declared output schema.
func validateStructured(content string, schema json.RawMessage) (any, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schema)))
	if err != nil {
		return nil, fmt.Errorf("output schema is not valid JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output_schema.json", doc); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile("output_schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	val, err := jsonschema.UnmarshalJSON(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := sch.Validate(val); err != nil {
		return nil, err
	}
	return val, nil
}

// retryStructured makes one corrective model call when the final content
// failed schema validation.
func retryStructured(ctx context.Context, ec *ExecutionContext, cfg *AgentConfig, provider Provider, msgs []Message, tools []ToolDefinition, cause error, usage *Usage) (any, error) {
	corrective := append(append([]Message(nil), msgs...), UserMessage(fmt.Sprintf(
		"Your response must be a single JSON object matching this JSON Schema:\n%s\nValidation failed: %v. Respond with only the corrected JSON.",
		cfg.OutputSchema, cause)))
	req := buildGenerateRequest(cfg, corrective, tools)
	resp, err := RunStep(ctx, ec, "structured_output_retry", func(ctx context.Context) (GenerateResponse, error) {
		return provider.Generate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	usage.add(resp.Usage)
	return validateStructured(resp.Content, cfg.OutputSchema)
}
