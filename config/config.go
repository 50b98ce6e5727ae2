// Package config loads worker configuration: defaults, then polos.toml,
// then POLOS_* environment variables (env wins). A .env file in the working
// directory is loaded into the environment first.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Worker       WorkerConfig       `toml:"worker"`
	Agent        AgentConfig        `toml:"agent"`
	Sandbox      SandboxConfig      `toml:"sandbox"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Providers    ProvidersConfig    `toml:"providers"`
}

type OrchestratorConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
	// LocalMode skips API authentication, but only when URL points at
	// localhost.
	LocalMode bool `toml:"local_mode"`
}

type WorkerConfig struct {
	DeploymentID     string `toml:"deployment_id"`
	ProjectID        string `toml:"project_id"`
	MaxConcurrent    int    `toml:"max_concurrent"`
	ListenAddr       string `toml:"listen_addr"`
	PushURL          string `toml:"push_url"`
	HeartbeatSeconds int    `toml:"heartbeat_seconds"`
	WaitThresholdSec int    `toml:"wait_threshold_seconds"`
}

type AgentConfig struct {
	MaxSteps int `toml:"max_steps"`
}

type SandboxConfig struct {
	Image          string `toml:"image"`
	IdleTimeout    string `toml:"idle_timeout"`    // {N}{m|h|d}
	SessionTimeout string `toml:"session_timeout"` // {N}{m|h|d}
	Workdir        string `toml:"workdir"`
	// WorkspacesDir holds local-mode sandbox workspaces. A leading ~ expands
	// to the user's home directory.
	WorkspacesDir string `toml:"workspaces_dir"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
	OTLP        bool   `toml:"otlp"`
}

type ProvidersConfig struct {
	OpenAIAPIKey    string `toml:"openai_api_key"`
	OpenAIBaseURL   string `toml:"openai_base_url"`
	AnthropicAPIKey string `toml:"anthropic_api_key"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{URL: "http://localhost:8080"},
		Worker: WorkerConfig{
			MaxConcurrent:    100,
			ListenAddr:       ":8000",
			PushURL:          "http://localhost:8000",
			HeartbeatSeconds: 30,
			WaitThresholdSec: 10,
		},
		Agent: AgentConfig{MaxSteps: 10},
		Sandbox: SandboxConfig{
			Image:         "polos/sandbox:latest",
			IdleTimeout:   "10m",
			Workdir:       "/workspace",
			WorkspacesDir: "~/.polos/workspaces",
		},
		Telemetry: TelemetryConfig{Enabled: true, ServiceName: "polos"},
	}
}

// Load reads config: .env -> defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = "polos.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("POLOS_API_URL"); v != "" {
		cfg.Orchestrator.URL = v
	}
	if v := os.Getenv("POLOS_API_KEY"); v != "" {
		cfg.Orchestrator.APIKey = v
	}
	if v, ok := envBool("POLOS_LOCAL_MODE"); ok {
		cfg.Orchestrator.LocalMode = v
	}
	if v := os.Getenv("POLOS_DEPLOYMENT_ID"); v != "" {
		cfg.Worker.DeploymentID = v
	}
	if v := os.Getenv("POLOS_PROJECT_ID"); v != "" {
		cfg.Worker.ProjectID = v
	}
	if v := os.Getenv("POLOS_MAX_CONCURRENT_WORKFLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.MaxConcurrent = n
		}
	}
	if v := os.Getenv("POLOS_LISTEN_ADDR"); v != "" {
		cfg.Worker.ListenAddr = v
	}
	if v := os.Getenv("POLOS_WORKER_SERVER_URL"); v != "" {
		cfg.Worker.PushURL = v
	}
	if v := os.Getenv("POLOS_WAIT_THRESHOLD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.WaitThresholdSec = n
		}
	}
	if v := os.Getenv("POLOS_AGENT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxSteps = n
		}
	}
	if v := os.Getenv("POLOS_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("POLOS_SANDBOX_IDLE_TIMEOUT"); v != "" {
		cfg.Sandbox.IdleTimeout = v
	}
	if v := os.Getenv("POLOS_WORKSPACES_DIR"); v != "" {
		cfg.Sandbox.WorkspacesDir = v
	}
	if v := os.Getenv("POLOS_OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("POLOS_ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.AnthropicAPIKey = v
	}
	if v, ok := envBool("POLOS_OTEL_ENABLED"); ok {
		cfg.Telemetry.Enabled = v
	}
	if v := os.Getenv("POLOS_OTEL_SERVICE_NAME"); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	if v, ok := envBool("POLOS_TELEMETRY_OTLP"); ok {
		cfg.Telemetry.OTLP = v
	}

	return cfg
}

func envBool(key string) (bool, bool) {
	switch os.Getenv(key) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	default:
		return false, false
	}
}

// SkipAuth reports whether API authentication may be omitted: local mode is
// on and the orchestrator URL points at this host.
func (c OrchestratorConfig) SkipAuth() bool {
	if !c.LocalMode {
		return false
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c WorkerConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// WaitThreshold returns the in-process sleep threshold as a duration.
func (c WorkerConfig) WaitThreshold() time.Duration {
	if c.WaitThresholdSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.WaitThresholdSec) * time.Second
}

// WorkspacesPath expands the workspaces directory, resolving a leading ~.
func (c SandboxConfig) WorkspacesPath() string {
	dir := c.WorkspacesDir
	if dir == "" || dir[0] != '~' {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, dir[1:])
}
