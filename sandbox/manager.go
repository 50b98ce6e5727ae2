package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultIdleTimeout is the per-sandbox idle destruction timeout when
	// the configuration does not set one.
	DefaultIdleTimeout = time.Hour
	// sweepInterval paces the idle and orphan sweeps.
	sweepInterval = 10 * time.Minute
	// orphanGrace keeps freshly created containers out of the orphan sweep
	// while their worker registers.
	orphanGrace = 30 * time.Minute
	// healthDebounce bounds how often the container health check runs
	// ahead of an operation.
	healthDebounce = 30 * time.Second
)

var nopLogger = slog.New(slog.DiscardHandler)

// Config selects and parameterizes one sandbox.
type Config struct {
	// Env is the environment backend: "local", "docker", or "e2b".
	// E2B is recognized but not supported by this runtime.
	Env string
	// Scope is execution or session lifetime.
	Scope Scope
	// ID overrides the generated sandbox ID; session-scoped sandboxes with
	// the same ID and session are shared.
	ID string
	// IdleTimeout is the {N}{m|h|d} shorthand after which an untouched
	// sandbox is destroyed by the sweep. Defaults to one hour.
	IdleTimeout string
	// SetupCommand runs once inside a fresh environment before first use.
	SetupCommand string
	// Docker parameterizes the container backend.
	Docker DockerConfig
	// Exec is the command security policy for the exec tool.
	Exec ExecPolicy
	// PathRestriction confines file tools to a directory subtree; paths
	// outside it require approval.
	PathRestriction string
	// FileApproval requires approval for every file write.
	FileApproval bool
	// OutputLimit bounds characters kept per output stream.
	OutputLimit int
}

// ActiveWorkerLister is the orchestrator facet the orphan sweep needs.
type ActiveWorkerLister interface {
	ActiveWorkerIDs(ctx context.Context) (map[string]struct{}, error)
}

// Sandbox wraps one lazily initialized environment with activity tracking.
// The environment is created on first use; concurrent first uses share a
// single in-flight initialization.
type Sandbox struct {
	ID        string
	ScopeKind Scope
	SessionID string

	cfg           Config
	workerID      string
	workspacesDir string
	logger        *slog.Logger
	cli           *client.Client

	initGroup singleflight.Group

	mu           sync.Mutex
	env          Environment
	destroyed    bool
	lastActivity time.Time
	lastHealth   time.Time
	executions   map[string]struct{}
}

// Manager owns every sandbox on this worker. It hands out sandboxes to
// executions, reaps idle session sandboxes, and reclaims containers
// orphaned by dead workers.
type Manager struct {
	workerID      string
	workspacesDir string
	orch          ActiveWorkerLister
	logger        *slog.Logger

	dockerOnce sync.Once
	dockerErr  error
	cli        *client.Client

	mu         sync.Mutex
	sessions   map[string]*Sandbox
	executions map[string]*Sandbox
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the sweep and lifecycle logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithWorkspacesDir roots local-mode sandbox workspaces under dir instead of
// the OS temp dir.
func WithWorkspacesDir(dir string) ManagerOption {
	return func(m *Manager) {
		m.workspacesDir = dir
	}
}

// SetWorkerID installs the orchestrator-assigned identity once registration
// completes. Containers created before this carry an empty owner label and
// fall to the orphan sweep, so the worker sets it before serving work.
func (m *Manager) SetWorkerID(id string) {
	m.mu.Lock()
	m.workerID = id
	m.mu.Unlock()
}

// NewManager builds a manager for one worker. orch may be nil; the orphan
// sweep is skipped without it. The worker ID may be empty at construction
// and set later via SetWorkerID.
func NewManager(workerID string, orch ActiveWorkerLister, opts ...ManagerOption) *Manager {
	m := &Manager{
		workerID:   workerID,
		orch:       orch,
		logger:     nopLogger,
		sessions:   make(map[string]*Sandbox),
		executions: make(map[string]*Sandbox),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// docker returns the shared Docker client, building it on first use.
func (m *Manager) docker() (*client.Client, error) {
	m.dockerOnce.Do(func() {
		m.cli, m.dockerErr = newDockerClient()
	})
	return m.cli, m.dockerErr
}

// GetOrCreate returns the sandbox for one execution. Execution scope always
// yields a fresh sandbox. Session scope returns the live sandbox for the
// session when one exists, attaching the execution to it.
func (m *Manager) GetOrCreate(ctx context.Context, cfg Config, executionID, sessionID string) (*Sandbox, error) {
	switch cfg.Env {
	case "", "local", "docker":
	case "e2b":
		return nil, fmt.Errorf("sandbox env %q is not supported by this runtime", cfg.Env)
	default:
		return nil, fmt.Errorf("unknown sandbox env %q", cfg.Env)
	}
	if cfg.Scope == ScopeSession && sessionID == "" {
		return nil, fmt.Errorf("session-scoped sandbox requires a session ID")
	}

	var cli *client.Client
	if cfg.Env == "docker" || cfg.Env == "" {
		var err error
		cli, err = m.docker()
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Scope == ScopeSession {
		key := sessionID
		if cfg.ID != "" {
			key = sessionID + ":" + cfg.ID
		}
		if sb, ok := m.sessions[key]; ok && !sb.isDestroyed() {
			sb.attach(executionID)
			return sb, nil
		}
		sb := m.newSandbox(cfg, cli, sessionID)
		sb.attach(executionID)
		m.sessions[key] = sb
		return sb, nil
	}

	sb := m.newSandbox(cfg, cli, sessionID)
	sb.attach(executionID)
	m.executions[executionID] = sb
	return sb, nil
}

func (m *Manager) newSandbox(cfg Config, cli *client.Client, sessionID string) *Sandbox {
	id := cfg.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	return &Sandbox{
		ID:            id,
		ScopeKind:     cfg.Scope,
		SessionID:     sessionID,
		cfg:           cfg,
		workerID:      m.workerID,
		workspacesDir: m.workspacesDir,
		logger:        m.logger,
		cli:           cli,
		lastActivity:  time.Now(),
		executions:    make(map[string]struct{}),
	}
}

// ReleaseExecution detaches an execution from its sandboxes. Execution-scoped
// sandboxes are destroyed immediately; session-scoped ones stay for reuse
// until the idle sweep claims them.
func (m *Manager) ReleaseExecution(ctx context.Context, executionID string) {
	m.mu.Lock()
	owned := m.executions[executionID]
	delete(m.executions, executionID)
	for _, sb := range m.sessions {
		sb.detach(executionID)
	}
	m.mu.Unlock()

	if owned != nil {
		if err := owned.destroy(ctx); err != nil {
			m.logger.Warn("destroy execution sandbox", "sandbox_id", owned.ID, "error", err)
		}
	}
}

// Run drives the idle and orphan sweeps until ctx is cancelled, then
// destroys everything still alive.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			m.sweepIdle(ctx)
			m.sweepOrphans(ctx)
		}
	}
}

// Close destroys every sandbox the manager still owns.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Sandbox, 0, len(m.sessions)+len(m.executions))
	for _, sb := range m.sessions {
		all = append(all, sb)
	}
	for _, sb := range m.executions {
		all = append(all, sb)
	}
	m.sessions = make(map[string]*Sandbox)
	m.executions = make(map[string]*Sandbox)
	m.mu.Unlock()

	for _, sb := range all {
		if err := sb.destroy(ctx); err != nil {
			m.logger.Warn("destroy sandbox on close", "sandbox_id", sb.ID, "error", err)
		}
	}
}

// sweepIdle destroys sandboxes whose idle age exceeds their timeout.
func (m *Manager) sweepIdle(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	var expired []*Sandbox
	for key, sb := range m.sessions {
		if now.Sub(sb.lastActive()) > sb.idleTimeout() {
			expired = append(expired, sb)
			delete(m.sessions, key)
		}
	}
	for id, sb := range m.executions {
		if now.Sub(sb.lastActive()) > sb.idleTimeout() {
			expired = append(expired, sb)
			delete(m.executions, id)
		}
	}
	m.mu.Unlock()

	for _, sb := range expired {
		m.logger.Info("destroying idle sandbox", "sandbox_id", sb.ID, "scope", sb.ScopeKind)
		if err := sb.destroy(ctx); err != nil {
			m.logger.Warn("destroy idle sandbox", "sandbox_id", sb.ID, "error", err)
		}
	}
}

// sweepOrphans force-removes managed containers whose owning worker is no
// longer active and whose age exceeds the grace period. This reclaims
// containers left behind by crashed workers on the same host.
func (m *Manager) sweepOrphans(ctx context.Context) {
	if m.orch == nil {
		return
	}
	cli, err := m.docker()
	if err != nil {
		return
	}
	active, err := m.orch.ActiveWorkerIDs(ctx)
	if err != nil {
		m.logger.Warn("orphan sweep: list active workers", "error", err)
		return
	}
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: managedFilter(),
	})
	if err != nil {
		m.logger.Warn("orphan sweep: list containers", "error", err)
		return
	}
	cutoff := time.Now().Add(-orphanGrace)
	for _, c := range containers {
		owner := c.Labels[LabelWorkerID]
		if _, ok := active[owner]; ok {
			continue
		}
		if time.Unix(c.Created, 0).After(cutoff) {
			continue
		}
		m.logger.Info("removing orphaned sandbox container",
			"container_id", c.ID, "worker_id", owner)
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			m.logger.Warn("remove orphaned container", "container_id", c.ID, "error", err)
		}
	}
}

// --- Sandbox ---

func (s *Sandbox) attach(executionID string) {
	s.mu.Lock()
	s.executions[executionID] = struct{}{}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Sandbox) detach(executionID string) {
	s.mu.Lock()
	delete(s.executions, executionID)
	s.mu.Unlock()
}

func (s *Sandbox) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Sandbox) lastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Sandbox) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Sandbox) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout == "" {
		return DefaultIdleTimeout
	}
	d, err := ParseTimeout(s.cfg.IdleTimeout)
	if err != nil {
		return DefaultIdleTimeout
	}
	return d
}

// environment returns the live environment, creating it on first use.
// Concurrent callers during initialization share one in-flight create; an
// init failure propagates to all of them and the next call retries.
func (s *Sandbox) environment(ctx context.Context) (Environment, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s is destroyed", s.ID)
	}
	env := s.env
	needsCheck := env != nil && time.Since(s.lastHealth) > healthDebounce
	s.mu.Unlock()

	if env != nil && needsCheck {
		healthy, err := s.checkHealth(ctx, env)
		if err != nil {
			return nil, err
		}
		if !healthy {
			s.logger.Warn("sandbox environment lost, recreating", "sandbox_id", s.ID)
			_ = env.Close(context.WithoutCancel(ctx))
			s.mu.Lock()
			if s.env == env {
				s.env = nil
			}
			s.mu.Unlock()
			env = nil
		}
	}
	if env != nil {
		return env, nil
	}

	v, err, _ := s.initGroup.Do("init", func() (any, error) {
		s.mu.Lock()
		if s.env != nil {
			env := s.env
			s.mu.Unlock()
			return env, nil
		}
		s.mu.Unlock()

		created, err := s.create(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.env = created
		s.lastHealth = time.Now()
		s.mu.Unlock()
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Environment), nil
}

// checkHealth runs the debounced container health check. Local environments
// are always healthy.
func (s *Sandbox) checkHealth(ctx context.Context, env Environment) (bool, error) {
	d, ok := env.(*dockerEnv)
	if !ok {
		return true, nil
	}
	healthy, err := d.healthy(ctx)
	if err != nil {
		return false, err
	}
	if healthy {
		s.mu.Lock()
		s.lastHealth = time.Now()
		s.mu.Unlock()
	}
	return healthy, nil
}

// create builds the backend environment and runs the setup command.
func (s *Sandbox) create(ctx context.Context) (Environment, error) {
	var (
		env Environment
		err error
	)
	switch s.cfg.Env {
	case "local":
		env, err = newLocalEnv(s.workspacesDir, s.cfg.OutputLimit)
	default:
		cfg := s.cfg.Docker
		if cfg.OutputLimit == 0 {
			cfg.OutputLimit = s.cfg.OutputLimit
		}
		labels := map[string]string{
			LabelManaged:  "true",
			LabelWorkerID: s.workerID,
			LabelScope:    string(s.ScopeKind),
		}
		if s.SessionID != "" {
			labels[LabelSessionID] = s.SessionID
		}
		for k, v := range cfg.Labels {
			labels[k] = v
		}
		cfg.Labels = labels
		env, err = newDockerEnv(ctx, s.cli, cfg)
	}
	if err != nil {
		return nil, err
	}
	if s.cfg.SetupCommand != "" {
		res, execErr := env.Exec(ctx, ExecRequest{Command: s.cfg.SetupCommand})
		if execErr != nil {
			_ = env.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("sandbox setup: %w", execErr)
		}
		if res.ExitCode != 0 {
			_ = env.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("sandbox setup exited %d: %s", res.ExitCode, res.Stderr)
		}
	}
	s.logger.Info("sandbox environment ready",
		"sandbox_id", s.ID, "env", s.cfg.Env, "backend_id", env.ID())
	return env, nil
}

// Exec runs one command in the sandbox.
func (s *Sandbox) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	env, err := s.environment(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	s.touch()
	return env.Exec(ctx, req)
}

// WriteFile writes content into the sandbox.
func (s *Sandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	env, err := s.environment(ctx)
	if err != nil {
		return err
	}
	s.touch()
	return env.WriteFile(ctx, path, content)
}

// ReadFile reads a file from the sandbox.
func (s *Sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	env, err := s.environment(ctx)
	if err != nil {
		return nil, err
	}
	s.touch()
	return env.ReadFile(ctx, path)
}

// FileExists reports whether path exists in the sandbox.
func (s *Sandbox) FileExists(ctx context.Context, path string) (bool, error) {
	env, err := s.environment(ctx)
	if err != nil {
		return false, err
	}
	s.touch()
	return env.FileExists(ctx, path)
}

// Config returns the sandbox configuration.
func (s *Sandbox) Config() Config { return s.cfg }

// destroy tears down the environment. Safe to call more than once.
func (s *Sandbox) destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	env := s.env
	s.env = nil
	s.mu.Unlock()

	if env == nil {
		return nil
	}
	return env.Close(ctx)
}
