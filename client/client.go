// Package client implements the orchestrator HTTP client: the production
// polos.Orchestrator backed by the control-plane REST API plus the SSE
// event stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	polos "github.com/polos-ai/polos-go"
)

// Client talks to the orchestrator over HTTP. All methods map response
// status to the shared error taxonomy: 409 to ConflictError, 429/5xx and
// network failures to TransientError, any other 4xx to PermanentError.
type Client struct {
	baseURL   string
	apiKey    string
	projectID string
	http      *http.Client
	logger    *slog.Logger

	reportAttempts int
	reportBase     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithProjectID sets the tenant sent as X-Project-ID on every request.
func WithProjectID(id string) Option {
	return func(c *Client) { c.projectID = id }
}

// WithReportBackoff tunes the completion-report retry loop
// (default 5 attempts, 1 s base, doubling).
func WithReportBackoff(attempts int, base time.Duration) Option {
	return func(c *Client) {
		c.reportAttempts = attempts
		c.reportBase = base
	}
}

var nopLogger = slog.New(slog.DiscardHandler)

// New creates a client for the orchestrator at baseURL
// (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        baseURL,
		http:           &http.Client{Timeout: 60 * time.Second},
		logger:         nopLogger,
		reportAttempts: 5,
		reportBase:     time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends one JSON request. A nil out discards the response body; a nil in
// sends no body. Error classification follows the shared taxonomy.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	// Every call is a JSON call, body or not.
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.projectID != "" {
		req.Header.Set("X-Project-ID", c.projectID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &polos.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// classify maps a non-2xx response to the error taxonomy.
func classify(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusConflict:
		return &polos.ConflictError{Body: string(body)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &polos.TransientError{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return &polos.PermanentError{Status: resp.StatusCode, Body: string(body)}
	}
}

// parseRetryAfter parses a Retry-After header in delta-seconds form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// isNotFound reports a 404 so absence-tolerant reads can map it to nil.
func isNotFound(err error) bool {
	var pe *polos.PermanentError
	return errors.As(err, &pe) && pe.Status == http.StatusNotFound
}

// --- Worker lifecycle ---

func (c *Client) RegisterWorker(ctx context.Context, req polos.RegisterWorkerRequest) (string, error) {
	var out struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/workers/register", req, &out); err != nil {
		return "", err
	}
	return out.WorkerID, nil
}

func (c *Client) MarkOnline(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(workerID)+"/online", nil, nil)
}

func (c *Client) Heartbeat(ctx context.Context, workerID string) (polos.HeartbeatResponse, error) {
	var out polos.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(workerID)+"/heartbeat", nil, &out)
	return out, err
}

func (c *Client) PollWork(ctx context.Context, workerID string, maxWorkflows int) ([]polos.ExecuteRequest, error) {
	var out []polos.ExecuteRequest
	path := fmt.Sprintf("/api/v1/workers/%s/poll?max=%d", url.PathEscape(workerID), maxWorkflows)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ActiveWorkerIDs(ctx context.Context) (map[string]struct{}, error) {
	var out struct {
		WorkerIDs []string `json:"worker_ids"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers/active", nil, &out); err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(out.WorkerIDs))
	for _, id := range out.WorkerIDs {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// --- Deployment registration ---

func (c *Client) RegisterDeployment(ctx context.Context, deploymentID string) error {
	in := map[string]string{"deployment_id": deploymentID}
	return c.do(ctx, http.MethodPost, "/api/v1/deployments/register", in, nil)
}

func (c *Client) RegisterAgent(ctx context.Context, reg polos.AgentRegistration) error {
	return c.do(ctx, http.MethodPost, "/api/v1/agents/register", reg, nil)
}

func (c *Client) RegisterTool(ctx context.Context, reg polos.ToolRegistration) error {
	return c.do(ctx, http.MethodPost, "/api/v1/tools/register", reg, nil)
}

func (c *Client) RegisterDeploymentWorkflow(ctx context.Context, reg polos.WorkflowRegistration) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workflows/register", reg, nil)
}

func (c *Client) RegisterQueues(ctx context.Context, deploymentID string, queues []polos.QueueRegistration) error {
	in := struct {
		DeploymentID string                    `json:"deployment_id"`
		Queues       []polos.QueueRegistration `json:"queues"`
	}{deploymentID, queues}
	return c.do(ctx, http.MethodPost, "/api/v1/queues/register", in, nil)
}

func (c *Client) RegisterEventTrigger(ctx context.Context, reg polos.EventTriggerRegistration) error {
	return c.do(ctx, http.MethodPost, "/api/v1/triggers/register", reg, nil)
}

func (c *Client) RegisterSchedule(ctx context.Context, reg polos.ScheduleRegistration) error {
	return c.do(ctx, http.MethodPost, "/api/v1/schedules/register", reg, nil)
}

// --- Execution submission ---

func (c *Client) SubmitWorkflow(ctx context.Context, workflowID string, req polos.SubmitRequest) (polos.SubmitResult, error) {
	var out polos.SubmitResult
	path := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/submit"
	err := c.do(ctx, http.MethodPost, path, req, &out)
	return out, err
}

func (c *Client) SubmitWorkflows(ctx context.Context, reqs []polos.SubmitRequest) ([]polos.SubmitResult, error) {
	in := struct {
		Submissions []polos.SubmitRequest `json:"submissions"`
	}{reqs}
	var out struct {
		Results []polos.SubmitResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows/submit-batch", in, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// --- Durable step state ---

func (c *Client) GetStepOutput(ctx context.Context, executionID, stepKey string) (*polos.StepRecord, error) {
	var out polos.StepRecord
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/steps/" + url.PathEscape(stepKey)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) PutStepOutput(ctx context.Context, executionID, stepKey string, rec polos.StepRecord) error {
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/steps/" + url.PathEscape(stepKey)
	return c.do(ctx, http.MethodPut, path, rec, nil)
}

func (c *Client) SetWaiting(ctx context.Context, executionID string, w polos.WaitRecord) error {
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/waiting"
	return c.do(ctx, http.MethodPost, path, w, nil)
}

func (c *Client) UpdateSpanID(ctx context.Context, executionID, spanID string) error {
	in := map[string]string{"span_id": spanID}
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/span"
	return c.do(ctx, http.MethodPut, path, in, nil)
}

// --- Events ---

func (c *Client) PublishEvents(ctx context.Context, req polos.PublishRequest) ([]int64, error) {
	var out struct {
		SequenceIDs []int64 `json:"sequence_ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/events/publish", req, &out); err != nil {
		return nil, err
	}
	return out.SequenceIDs, nil
}

// --- Execution state and completion ---

func (c *Client) GetExecution(ctx context.Context, executionID string) (polos.Execution, error) {
	var out polos.Execution
	err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(executionID), nil, &out)
	return out, err
}

func (c *Client) CancelExecution(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(executionID)+"/cancel", nil, nil)
}

func (c *Client) ConfirmCancellation(ctx context.Context, executionID, workerID string) error {
	in := map[string]string{"worker_id": workerID}
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/cancel/confirm"
	return c.do(ctx, http.MethodPost, path, in, nil)
}

// ReportSuccess files the terminal result, retrying transient failures with
// doubling backoff. A 409 means the execution was reassigned; the report is
// dropped silently.
func (c *Client) ReportSuccess(ctx context.Context, executionID string, rep polos.SuccessReport) error {
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/success"
	return c.report(ctx, executionID, func() error {
		return c.do(ctx, http.MethodPost, path, rep, nil)
	})
}

// ReportFailure files the terminal error with the same retry discipline as
// ReportSuccess.
func (c *Client) ReportFailure(ctx context.Context, executionID string, rep polos.FailureReport) error {
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/failure"
	return c.report(ctx, executionID, func() error {
		return c.do(ctx, http.MethodPost, path, rep, nil)
	})
}

func (c *Client) report(ctx context.Context, executionID string, send func() error) error {
	var last error
	delay := c.reportBase
	for attempt := 0; attempt < c.reportAttempts; attempt++ {
		err := send()
		if err == nil {
			return nil
		}
		if polos.IsConflict(err) {
			// Another worker owns the execution now; our report is stale.
			c.logger.Info("completion report dropped on conflict", "execution_id", executionID)
			return nil
		}
		if !polos.IsTransient(err) {
			return err
		}
		last = err
		c.logger.Warn("completion report failed, retrying",
			"execution_id", executionID, "attempt", attempt+1, "error", err)
		if attempt < c.reportAttempts-1 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
	}
	c.logger.Error("completion report abandoned",
		"execution_id", executionID, "attempts", c.reportAttempts, "error", last)
	return last
}

// --- Session memory and conversation history ---

func (c *Client) GetSessionMemory(ctx context.Context, sessionID string) (polos.SessionMemory, error) {
	var out polos.SessionMemory
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/memory"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		if isNotFound(err) {
			return polos.SessionMemory{}, nil
		}
		return polos.SessionMemory{}, err
	}
	return out, nil
}

func (c *Client) PutSessionMemory(ctx context.Context, sessionID string, mem polos.SessionMemory) error {
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/memory"
	return c.do(ctx, http.MethodPut, path, mem, nil)
}

func (c *Client) AddConversationHistory(ctx context.Context, conversationID string, msgs []polos.Message) error {
	in := struct {
		Messages []polos.Message `json:"messages"`
	}{msgs}
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	return c.do(ctx, http.MethodPost, path, in, nil)
}

func (c *Client) GetConversationHistory(ctx context.Context, conversationID string, limit int) ([]polos.Message, error) {
	var out struct {
		Messages []polos.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/v1/conversations/%s/messages?limit=%d", url.PathEscape(conversationID), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return out.Messages, nil
}

// --- Telemetry export ---

func (c *Client) PutSpans(ctx context.Context, spans []polos.SpanRecord) error {
	in := struct {
		Spans []polos.SpanRecord `json:"spans"`
	}{spans}
	return c.do(ctx, http.MethodPost, "/api/v1/spans", in, nil)
}

// compile-time check
var _ polos.Orchestrator = (*Client)(nil)
