package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
)

// localEnv runs commands directly on the host inside a scratch directory.
// It exists for development and tests; production workers use Docker.
type localEnv struct {
	id          string
	root        string
	outputLimit int
}

// newLocalEnv creates a scratch directory. With a base dir the workspace is
// <base>/<sandbox-id>; otherwise it falls back to the OS temp dir.
func newLocalEnv(baseDir string, outputLimit int) (*localEnv, error) {
	id := uuid.Must(uuid.NewV7()).String()
	var (
		root string
		err  error
	)
	if baseDir == "" {
		root, err = os.MkdirTemp("", "polos-sandbox-")
	} else {
		root = filepath.Join(baseDir, id)
		err = os.MkdirAll(root, 0o755)
	}
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	return &localEnv{id: id, root: root, outputLimit: outputLimit}, nil
}

func (l *localEnv) ID() string { return l.id }

// Exec runs the command through `sh -c` with the scratch directory as the
// working directory.
func (l *localEnv) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	cmd.Dir = l.root
	if req.Workdir != "" {
		cmd.Dir = l.resolve(req.Workdir)
	}
	cmd.Env = append(os.Environ(), req.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out, _ := processOutput(stdout.String(), l.outputLimit)
		errOut, _ := processOutput(stderr.String(), l.outputLimit)
		return ExecResult{ExitCode: -1, Stdout: out, Stderr: errOut, TimedOut: true}, nil
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecResult{}, fmt.Errorf("run command: %w", runErr)
		}
	}
	out, outTrunc := processOutput(stdout.String(), l.outputLimit)
	errOut, errTrunc := processOutput(stderr.String(), l.outputLimit)
	return ExecResult{
		ExitCode:  exitCode,
		Stdout:    out,
		Stderr:    errOut,
		Truncated: outTrunc || errTrunc,
	}, nil
}

func (l *localEnv) WriteFile(_ context.Context, path string, content []byte) error {
	full := l.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0o644)
}

func (l *localEnv) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(l.resolve(path))
}

func (l *localEnv) FileExists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(l.resolve(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// resolve keeps relative paths under the scratch root.
func (l *localEnv) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.root, path)
}

func (l *localEnv) Close(context.Context) error {
	return os.RemoveAll(l.root)
}

var _ Environment = (*localEnv)(nil)
