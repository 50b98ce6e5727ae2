package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	polos "github.com/polos-ai/polos-go"
)

// ResourceName is the execution-context resource under which the worker
// binds the sandbox manager.
const ResourceName = "sandbox"

// defaultExecTimeout bounds commands that do not set their own timeout.
const defaultExecTimeout = 30 * time.Second

// approvalTimeout bounds how long a suspended approval waits for a human.
const approvalTimeout = 24 * time.Hour

// ExecPayload is the exec tool's argument schema as the LLM sees it.
type ExecPayload struct {
	Command        string `json:"command" jsonschema:"description=Shell command to execute in the sandbox"`
	Workdir        string `json:"workdir,omitempty" jsonschema:"description=Working directory for the command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Timeout in seconds (default 30)"`
}

// WriteFilePayload is the write tool's argument schema.
type WriteFilePayload struct {
	Path    string `json:"path" jsonschema:"description=Destination path inside the sandbox"`
	Content string `json:"content" jsonschema:"description=File content to write"`
}

// ReadFilePayload is the read tool's argument schema.
type ReadFilePayload struct {
	Path string `json:"path" jsonschema:"description=Path to read from the sandbox"`
}

// FileExistsPayload is the existence-check tool's argument schema.
type FileExistsPayload struct {
	Path string `json:"path" jsonschema:"description=Path to check inside the sandbox"`
}

// GlobPayload is the glob tool's argument schema.
type GlobPayload struct {
	Pattern string `json:"pattern" jsonschema:"description=Shell glob pattern, e.g. src/**/*.go"`
	Workdir string `json:"workdir,omitempty"`
}

// GrepPayload is the grep tool's argument schema.
type GrepPayload struct {
	Pattern string `json:"pattern" jsonschema:"description=Regular expression to search for"`
	Path    string `json:"path,omitempty" jsonschema:"description=File or directory to search (default workdir)"`
	Workdir string `json:"workdir,omitempty"`
}

// WriteFileResult reports one completed write.
type WriteFileResult struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// ReadFileResult carries one file's content back to the model.
type ReadFileResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileExistsResult reports one existence check.
type FileExistsResult struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// Tools builds the sandbox tool units for one sandbox configuration. All
// tools of one agent share the sandbox selected by cfg's scope.
func Tools(cfg Config) []*polos.Unit {
	return []*polos.Unit{
		polos.NewTool("sandbox_exec",
			"Execute a shell command in an isolated sandbox. Returns exit code, stdout, and stderr.",
			execHandler(cfg)),
		polos.NewTool("sandbox_write_file",
			"Write a file inside the sandbox, creating parent directories as needed.",
			writeFileHandler(cfg)),
		polos.NewTool("sandbox_read_file",
			"Read a file from the sandbox.",
			readFileHandler(cfg)),
		polos.NewTool("sandbox_file_exists",
			"Check whether a file or directory exists in the sandbox.",
			fileExistsHandler(cfg)),
		polos.NewTool("sandbox_glob",
			"List sandbox files matching a shell glob pattern.",
			globHandler(cfg)),
		polos.NewTool("sandbox_grep",
			"Search sandbox files for a regular expression. Returns matching lines with file and line number.",
			grepHandler(cfg)),
	}
}

// sandboxFor resolves the execution's sandbox through the bound manager.
func sandboxFor(ctx context.Context, ec *polos.ExecutionContext, cfg Config) (*Sandbox, error) {
	v, ok := ec.Resource(ResourceName)
	if !ok {
		return nil, fmt.Errorf("no sandbox manager bound to this worker")
	}
	m, ok := v.(*Manager)
	if !ok {
		return nil, fmt.Errorf("resource %q is not a sandbox manager", ResourceName)
	}
	return m.GetOrCreate(ctx, cfg, ec.ExecutionID, ec.SessionID)
}

// approve suspends the execution until a human resolves the request. The
// resume payload carries {"approved": bool}; anything else denies.
func approve(ctx context.Context, ec *polos.ExecutionContext, key string, detail map[string]any) (bool, error) {
	resumed, err := ec.Step().Suspend(ctx, key, detail, approvalTimeout)
	if err != nil {
		return false, err
	}
	switch v := resumed.(type) {
	case map[string]any:
		approved, _ := v["approved"].(bool)
		return approved, nil
	case json.RawMessage:
		var body struct {
			Approved bool `json:"approved"`
		}
		if err := json.Unmarshal(v, &body); err != nil {
			return false, nil
		}
		return body.Approved, nil
	default:
		return false, nil
	}
}

// approvalKey derives a stable step key for one approval request so that
// replay finds the same suspension.
func approvalKey(kind, subject string) string {
	h := fnv.New32a()
	h.Write([]byte(subject))
	return "approve_" + kind + ":" + strconv.FormatUint(uint64(h.Sum32()), 16)
}

func execHandler(cfg Config) func(context.Context, *polos.ExecutionContext, ExecPayload) (ExecResult, error) {
	return func(ctx context.Context, ec *polos.ExecutionContext, p ExecPayload) (ExecResult, error) {
		if p.Command == "" {
			return ExecResult{}, fmt.Errorf("command is required")
		}
		switch cfg.Exec.Evaluate(p.Command) {
		case DecisionDeny:
			return ExecResult{}, fmt.Errorf("command rejected by sandbox policy")
		case DecisionApprove:
			ok, err := approve(ctx, ec, approvalKey("exec", p.Command), map[string]any{
				"kind":    "exec",
				"command": p.Command,
			})
			if err != nil {
				return ExecResult{}, err
			}
			if !ok {
				return ExecResult{}, fmt.Errorf("command %q was not approved", p.Command)
			}
		}
		sb, err := sandboxFor(ctx, ec, cfg)
		if err != nil {
			return ExecResult{}, err
		}
		timeout := defaultExecTimeout
		if p.TimeoutSeconds > 0 {
			timeout = time.Duration(p.TimeoutSeconds) * time.Second
		}
		return sb.Exec(ctx, ExecRequest{
			Command: p.Command,
			Workdir: p.Workdir,
			Timeout: timeout,
		})
	}
}

func writeFileHandler(cfg Config) func(context.Context, *polos.ExecutionContext, WriteFilePayload) (WriteFileResult, error) {
	policy := PathPolicy{Restriction: cfg.PathRestriction, ApproveWrites: cfg.FileApproval}
	return func(ctx context.Context, ec *polos.ExecutionContext, p WriteFilePayload) (WriteFileResult, error) {
		if p.Path == "" {
			return WriteFileResult{}, fmt.Errorf("path is required")
		}
		switch policy.CheckWrite(p.Path) {
		case DecisionDeny:
			return WriteFileResult{}, fmt.Errorf("path %q resolves outside the sandbox restriction", p.Path)
		case DecisionApprove:
			ok, err := approve(ctx, ec, approvalKey("write", p.Path), map[string]any{
				"kind": "write_file",
				"path": p.Path,
			})
			if err != nil {
				return WriteFileResult{}, err
			}
			if !ok {
				return WriteFileResult{}, fmt.Errorf("write to %q was not approved", p.Path)
			}
		}
		sb, err := sandboxFor(ctx, ec, cfg)
		if err != nil {
			return WriteFileResult{}, err
		}
		if err := sb.WriteFile(ctx, p.Path, []byte(p.Content)); err != nil {
			return WriteFileResult{}, err
		}
		return WriteFileResult{Path: p.Path, Bytes: len(p.Content)}, nil
	}
}

func readFileHandler(cfg Config) func(context.Context, *polos.ExecutionContext, ReadFilePayload) (ReadFileResult, error) {
	policy := PathPolicy{Restriction: cfg.PathRestriction}
	return func(ctx context.Context, ec *polos.ExecutionContext, p ReadFilePayload) (ReadFileResult, error) {
		if p.Path == "" {
			return ReadFileResult{}, fmt.Errorf("path is required")
		}
		switch policy.CheckRead(p.Path) {
		case DecisionDeny:
			return ReadFileResult{}, fmt.Errorf("path %q resolves outside the sandbox restriction", p.Path)
		case DecisionApprove:
			ok, err := approve(ctx, ec, approvalKey("read", p.Path), map[string]any{
				"kind": "read_file",
				"path": p.Path,
			})
			if err != nil {
				return ReadFileResult{}, err
			}
			if !ok {
				return ReadFileResult{}, fmt.Errorf("read of %q was not approved", p.Path)
			}
		}
		sb, err := sandboxFor(ctx, ec, cfg)
		if err != nil {
			return ReadFileResult{}, err
		}
		content, err := sb.ReadFile(ctx, p.Path)
		if err != nil {
			return ReadFileResult{}, err
		}
		out, _ := Truncate(string(content), cfg.OutputLimit)
		return ReadFileResult{Path: p.Path, Content: out}, nil
	}
}

func fileExistsHandler(cfg Config) func(context.Context, *polos.ExecutionContext, FileExistsPayload) (FileExistsResult, error) {
	policy := PathPolicy{Restriction: cfg.PathRestriction}
	return func(ctx context.Context, ec *polos.ExecutionContext, p FileExistsPayload) (FileExistsResult, error) {
		if p.Path == "" {
			return FileExistsResult{}, fmt.Errorf("path is required")
		}
		switch policy.CheckRead(p.Path) {
		case DecisionDeny:
			return FileExistsResult{}, fmt.Errorf("path %q resolves outside the sandbox restriction", p.Path)
		case DecisionApprove:
			ok, err := approve(ctx, ec, approvalKey("read", p.Path), map[string]any{
				"kind": "file_exists",
				"path": p.Path,
			})
			if err != nil {
				return FileExistsResult{}, err
			}
			if !ok {
				return FileExistsResult{}, fmt.Errorf("check of %q was not approved", p.Path)
			}
		}
		sb, err := sandboxFor(ctx, ec, cfg)
		if err != nil {
			return FileExistsResult{}, err
		}
		exists, err := sb.FileExists(ctx, p.Path)
		if err != nil {
			return FileExistsResult{}, err
		}
		return FileExistsResult{Path: p.Path, Exists: exists}, nil
	}
}

func globHandler(cfg Config) func(context.Context, *polos.ExecutionContext, GlobPayload) (ExecResult, error) {
	return func(ctx context.Context, ec *polos.ExecutionContext, p GlobPayload) (ExecResult, error) {
		if p.Pattern == "" {
			return ExecResult{}, fmt.Errorf("pattern is required")
		}
		sb, err := sandboxFor(ctx, ec, cfg)
		if err != nil {
			return ExecResult{}, err
		}
		// find's -path glob covers ** patterns that sh globbing cannot.
		cmd := "find . -path " + shellQuote("./"+p.Pattern) + " -o -name " + shellQuote(p.Pattern)
		return sb.Exec(ctx, ExecRequest{Command: cmd, Workdir: p.Workdir, Timeout: defaultExecTimeout})
	}
}

func grepHandler(cfg Config) func(context.Context, *polos.ExecutionContext, GrepPayload) (ExecResult, error) {
	return func(ctx context.Context, ec *polos.ExecutionContext, p GrepPayload) (ExecResult, error) {
		if p.Pattern == "" {
			return ExecResult{}, fmt.Errorf("pattern is required")
		}
		sb, err := sandboxFor(ctx, ec, cfg)
		if err != nil {
			return ExecResult{}, err
		}
		target := p.Path
		if target == "" {
			target = "."
		}
		cmd := "grep -rn " + shellQuote(p.Pattern) + " " + shellQuote(target)
		return sb.Exec(ctx, ExecRequest{Command: cmd, Workdir: p.Workdir, Timeout: defaultExecTimeout})
	}
}
