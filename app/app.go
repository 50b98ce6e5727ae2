// Package app wires a complete worker process from configuration: the
// orchestrator client, telemetry, LLM providers, the sandbox manager, and
// the worker runtime. Library consumers register their units on an App and
// call RunWithSignal from main.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	polos "github.com/polos-ai/polos-go"
	"github.com/polos-ai/polos-go/client"
	"github.com/polos-ai/polos-go/config"
	"github.com/polos-ai/polos-go/provider/resolve"
	"github.com/polos-ai/polos-go/sandbox"
	"github.com/polos-ai/polos-go/telemetry"
	"github.com/polos-ai/polos-go/worker"
)

// App holds one configured worker process.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *polos.Registry
}

// Option configures an App.
type Option func(*App)

// WithLogger replaces the default stderr logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an App from configuration. Pass config.Load's result or a
// hand-built Config.
func New(cfg config.Config, opts ...Option) *App {
	a := &App{
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		registry: polos.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register adds units to the process registry. Panics on a descriptor
// violation, which is a programming error caught at startup.
func (a *App) Register(units ...*polos.Unit) {
	a.registry.MustRegister(units...)
}

// Registry exposes the unit registry for advanced wiring.
func (a *App) Registry() *polos.Registry { return a.registry }

// Run builds the full stack and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Worker.DeploymentID == "" {
		return fmt.Errorf("worker deployment_id is required")
	}
	if cfg.Worker.ProjectID == "" {
		return fmt.Errorf("worker project_id is required")
	}

	clientOpts := []client.Option{
		client.WithProjectID(cfg.Worker.ProjectID),
		client.WithLogger(a.logger),
	}
	if cfg.Orchestrator.SkipAuth() {
		a.logger.Info("local mode: skipping API authentication")
	} else {
		clientOpts = append(clientOpts, client.WithAPIKey(cfg.Orchestrator.APIKey))
	}
	orch := client.New(cfg.Orchestrator.URL, clientOpts...)

	telOpts := telemetry.Options{ServiceName: cfg.Telemetry.ServiceName}
	if cfg.Telemetry.Enabled {
		telOpts.Orchestrator = orch
		telOpts.OTLP = cfg.Telemetry.OTLP
	}
	inst, shutdown, err := telemetry.Init(ctx, telOpts)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	a.registerProviders()

	mgr := sandbox.NewManager("", orch,
		sandbox.WithManagerLogger(a.logger),
		sandbox.WithWorkspacesDir(cfg.Sandbox.WorkspacesPath()))

	w := worker.New(orch, a.registry,
		worker.WithLogger(a.logger),
		worker.WithTracer(inst.Tracer),
		worker.WithInstruments(inst),
		worker.WithDeployment(cfg.Worker.DeploymentID, cfg.Worker.ProjectID),
		worker.WithMaxConcurrent(cfg.Worker.MaxConcurrent),
		worker.WithListenAddr(cfg.Worker.ListenAddr),
		worker.WithPushURL(cfg.Worker.PushURL),
		worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval()),
		worker.WithWaitThreshold(cfg.Worker.WaitThreshold()),
		worker.WithAgentMaxSteps(cfg.Agent.MaxSteps),
		worker.WithSandboxManager(mgr))

	return w.Run(ctx)
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// registerProviders installs every provider the configuration names keys
// for. Providers are wrapped with the retry middleware so transient LLM
// failures back off instead of failing the step.
func (a *App) registerProviders() {
	if key := a.cfg.Providers.OpenAIAPIKey; key != "" {
		p, err := resolve.Provider(resolve.Config{
			Provider: "openai",
			APIKey:   key,
			BaseURL:  a.cfg.Providers.OpenAIBaseURL,
		})
		if err == nil {
			a.registry.RegisterProvider(polos.WithRetry(p, polos.RetryLogger(a.logger)))
		}
	}
	if key := a.cfg.Providers.AnthropicAPIKey; key != "" {
		p, err := resolve.Provider(resolve.Config{Provider: "anthropic", APIKey: key})
		if err == nil {
			a.registry.RegisterProvider(polos.WithRetry(p, polos.RetryLogger(a.logger)))
		}
	}
}
