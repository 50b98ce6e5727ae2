// Package worker implements the push-mode worker runtime: it registers the
// process with the orchestrator, serves execution assignments over HTTP,
// runs them through the workflow core under a concurrency limit, and keeps
// the registration alive with heartbeats.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	polos "github.com/polos-ai/polos-go"
	"github.com/polos-ai/polos-go/sandbox"
	"github.com/polos-ai/polos-go/telemetry"
)

// Worker runs registered units on behalf of the orchestrator.
type Worker struct {
	orch     polos.Orchestrator
	registry *polos.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	inst     *telemetry.Instruments

	deploymentID  string
	projectID     string
	listenAddr    string
	pushURL       string
	maxConcurrent int
	heartbeat     time.Duration
	waitThreshold time.Duration
	agentMaxSteps int
	resources     map[string]any
	sandboxMgr    *sandbox.Manager

	workerID string
	sem      *semaphore.Weighted
	server   *http.Server

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithTracer sets the tracer handed to every execution context.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// WithInstruments attaches the worker metrics.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(w *Worker) { w.inst = inst }
}

// WithDeployment sets the deployment and project identity.
func WithDeployment(deploymentID, projectID string) Option {
	return func(w *Worker) {
		w.deploymentID = deploymentID
		w.projectID = projectID
	}
}

// WithMaxConcurrent caps simultaneous executions (default 100).
func WithMaxConcurrent(n int) Option {
	return func(w *Worker) { w.maxConcurrent = n }
}

// WithListenAddr sets the push server bind address (default ":8000").
func WithListenAddr(addr string) Option {
	return func(w *Worker) { w.listenAddr = addr }
}

// WithPushURL sets the externally reachable URL advertised at registration.
func WithPushURL(u string) Option {
	return func(w *Worker) { w.pushURL = u }
}

// WithHeartbeatInterval sets the heartbeat period (default 30 s).
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) { w.heartbeat = d }
}

// WithWaitThreshold sets the in-process sleep threshold for waits.
func WithWaitThreshold(d time.Duration) Option {
	return func(w *Worker) { w.waitThreshold = d }
}

// WithAgentMaxSteps sets the environment agent-loop safety cap.
func WithAgentMaxSteps(n int) Option {
	return func(w *Worker) { w.agentMaxSteps = n }
}

// WithResource binds a named scoped resource into every execution context
// this worker creates.
func WithResource(name string, v any) Option {
	return func(w *Worker) { w.resources[name] = v }
}

// WithSandboxManager attaches the sandbox manager. The worker hands it the
// registered worker ID, binds it as the sandbox resource, drives its sweeps,
// and releases each execution's sandboxes on completion.
func WithSandboxManager(m *sandbox.Manager) Option {
	return func(w *Worker) { w.sandboxMgr = m }
}

var nopLogger = slog.New(slog.DiscardHandler)

// New creates a worker for the given orchestrator client and unit registry.
func New(orch polos.Orchestrator, registry *polos.Registry, opts ...Option) *Worker {
	w := &Worker{
		orch:          orch,
		registry:      registry,
		logger:        nopLogger,
		tracer:        noop.NewTracerProvider().Tracer("polos"),
		listenAddr:    ":8000",
		maxConcurrent: 100,
		heartbeat:     30 * time.Second,
		waitThreshold: 10 * time.Second,
		agentMaxSteps: 10,
		resources:     make(map[string]any),
		active:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sem = semaphore.NewWeighted(int64(w.maxConcurrent))
	return w
}

// WorkerID returns the orchestrator-assigned identity, set after Run
// completes registration.
func (w *Worker) WorkerID() string { return w.workerID }

// Run registers the worker, serves push assignments, and heartbeats until
// ctx is cancelled. On cancellation it stops accepting work, drains running
// executions, and returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	if w.sandboxMgr != nil {
		w.sandboxMgr.SetWorkerID(w.workerID)
		w.resources[sandbox.ResourceName] = w.sandboxMgr
		go w.sandboxMgr.Run(ctx)
	}
	w.logger.Info("worker online",
		"worker_id", w.workerID,
		"deployment_id", w.deploymentID,
		"units", len(w.registry.Units()),
		"listen_addr", w.listenAddr)

	w.server = &http.Server{
		Addr:    w.listenAddr,
		Handler: w.routes(),
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go w.heartbeatLoop(ctx)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = w.server.Shutdown(shutdownCtx)
	w.drain(shutdownCtx)
	w.logger.Info("worker stopped", "worker_id", w.workerID)
	return nil
}

// register replays the full registration sequence: worker, deployment,
// agents, tools, workflows with their triggers and schedules, queues, and
// finally the online mark.
func (w *Worker) register(ctx context.Context) error {
	id, err := w.orch.RegisterWorker(ctx, polos.RegisterWorkerRequest{
		DeploymentID:  w.deploymentID,
		ProjectID:     w.projectID,
		MaxConcurrent: w.maxConcurrent,
		PushURL:       w.pushURL,
	})
	if err != nil {
		return err
	}
	w.workerID = id

	if err := w.orch.RegisterDeployment(ctx, w.deploymentID); err != nil {
		return err
	}

	queues := map[string]int{}
	for _, u := range w.registry.Units() {
		switch u.Kind {
		case polos.KindAgent:
			reg := polos.AgentRegistration{
				DeploymentID:     w.deploymentID,
				AgentID:          u.ID,
				QueueName:        u.QueueName,
				QueueConcurrency: u.QueueConcurrencyLimit,
			}
			if a := u.Agent; a != nil {
				reg.Provider = a.Provider
				reg.Model = a.Model
				reg.SystemPrompt = a.SystemPrompt
				reg.GuardrailMaxRetries = a.GuardrailMaxRetries
				for _, t := range a.Tools {
					if t.ToolID != "" {
						reg.Tools = append(reg.Tools, t.ToolID)
					}
				}
			}
			if err := w.orch.RegisterAgent(ctx, reg); err != nil {
				return err
			}
		case polos.KindTool:
			if err := w.orch.RegisterTool(ctx, polos.ToolRegistration{
				DeploymentID:     w.deploymentID,
				ToolID:           u.ID,
				Description:      u.Description,
				Parameters:       u.PayloadSchema,
				QueueName:        u.QueueName,
				QueueConcurrency: u.QueueConcurrencyLimit,
			}); err != nil {
				return err
			}
		}

		if err := w.orch.RegisterDeploymentWorkflow(ctx, polos.WorkflowRegistration{
			DeploymentID:   w.deploymentID,
			WorkflowID:     u.ID,
			Kind:           u.Kind,
			EventTriggered: u.EventTopic != "",
			Scheduled:      u.Schedule != "",
		}); err != nil {
			return err
		}
		if u.EventTopic != "" {
			if err := w.orch.RegisterEventTrigger(ctx, polos.EventTriggerRegistration{
				DeploymentID: w.deploymentID,
				WorkflowID:   u.ID,
				Topic:        u.EventTopic,
				BatchSize:    u.EventBatchSize,
				BatchTimeout: u.EventBatchTimeout,
			}); err != nil {
				return err
			}
		}
		if u.Schedule != "" {
			if err := w.orch.RegisterSchedule(ctx, polos.ScheduleRegistration{
				DeploymentID: w.deploymentID,
				WorkflowID:   u.ID,
				Schedule:     u.Schedule,
			}); err != nil {
				return err
			}
		}
		if u.QueueName != "" {
			queues[u.QueueName] = u.QueueConcurrencyLimit
		}
	}

	if len(queues) > 0 {
		regs := make([]polos.QueueRegistration, 0, len(queues))
		for name, limit := range queues {
			regs = append(regs, polos.QueueRegistration{Name: name, ConcurrencyLimit: limit})
		}
		if err := w.orch.RegisterQueues(ctx, w.deploymentID, regs); err != nil {
			return err
		}
	}

	return w.orch.MarkOnline(ctx, w.workerID)
}

// heartbeatLoop keeps the worker marked alive; a re_register response
// replays the full registration sequence (the orchestrator lost our state).
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		resp, err := w.orch.Heartbeat(ctx, w.workerID)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("heartbeat failed", "worker_id", w.workerID, "error", err)
			}
			continue
		}
		if resp.ReRegister {
			w.logger.Info("orchestrator requested re-registration", "worker_id", w.workerID)
			if err := w.register(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("re-registration failed", "error", err)
			}
		}
	}
}

// runExecution executes one assignment on its own goroutine.
func (w *Worker) runExecution(req polos.ExecuteRequest) {
	defer w.sem.Release(1)

	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if req.RunTimeoutSeconds > 0 {
		execCtx, cancel = context.WithTimeout(context.Background(),
			time.Duration(req.RunTimeoutSeconds)*time.Second)
	} else {
		execCtx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	w.mu.Lock()
	w.active[req.ExecutionID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, req.ExecutionID)
		w.mu.Unlock()
	}()

	unit, _ := w.registry.Get(req.WorkflowID)
	req.WorkerID = w.workerID

	start := time.Now()
	w.count(w.instStarted(), req.WorkflowID)

	opts := []polos.ContextOption{
		polos.WithLogger(w.logger),
		polos.WithTracer(w.tracer),
		polos.WithWorkerID(w.workerID),
		polos.WithWaitThreshold(w.waitThreshold),
		polos.WithAgentMaxSteps(w.agentMaxSteps),
	}
	for name, v := range w.resources {
		opts = append(opts, polos.WithResource(name, v))
	}

	outcome := polos.Execute(execCtx, req, unit, w.orch, w.registry, opts...)

	// Waiting executions resume later and keep their sandboxes; every other
	// outcome ends the execution's claim on them.
	if w.sandboxMgr != nil && outcome.Status != polos.StatusWaiting {
		w.sandboxMgr.ReleaseExecution(context.WithoutCancel(execCtx), req.ExecutionID)
	}

	if w.inst != nil {
		w.inst.ExecutionDuration.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("workflow_id", req.WorkflowID),
				attribute.String("status", string(outcome.Status))))
	}
	switch outcome.Status {
	case polos.StatusCompleted:
		w.count(w.instCompleted(), req.WorkflowID)
	case polos.StatusWaiting:
		w.count(w.instWaiting(), req.WorkflowID)
	case polos.StatusFailed:
		w.count(w.instFailed(), req.WorkflowID)
	case polos.StatusCancelled:
		confirmCtx, confirmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.orch.ConfirmCancellation(confirmCtx, req.ExecutionID, w.workerID); err != nil {
			w.logger.Warn("cancellation confirm failed",
				"execution_id", req.ExecutionID, "error", err)
		}
		confirmCancel()
	}
}

// drain waits for running executions to finish, bounded by ctx.
func (w *Worker) drain(ctx context.Context) {
	if err := w.sem.Acquire(ctx, int64(w.maxConcurrent)); err != nil {
		w.mu.Lock()
		n := len(w.active)
		w.mu.Unlock()
		w.logger.Warn("shutdown drain timed out", "still_running", n)
		return
	}
	w.sem.Release(int64(w.maxConcurrent))
}

func (w *Worker) instStarted() metric.Int64Counter {
	if w.inst == nil {
		return nil
	}
	return w.inst.ExecutionsStarted
}

func (w *Worker) instCompleted() metric.Int64Counter {
	if w.inst == nil {
		return nil
	}
	return w.inst.ExecutionsCompleted
}

func (w *Worker) instFailed() metric.Int64Counter {
	if w.inst == nil {
		return nil
	}
	return w.inst.ExecutionsFailed
}

func (w *Worker) instWaiting() metric.Int64Counter {
	if w.inst == nil {
		return nil
	}
	return w.inst.ExecutionsWaiting
}

func (w *Worker) count(c metric.Int64Counter, workflowID string) {
	if c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attribute.String("workflow_id", workflowID)))
}
