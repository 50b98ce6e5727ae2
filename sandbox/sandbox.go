// Package sandbox manages isolated execution environments for agent tools:
// Docker containers scoped to one execution or one session, with idle and
// orphan reclamation, command security policies, and bounded output.
package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scope determines an environment's lifetime.
type Scope string

const (
	// ScopeExecution ties the environment to one execution; it is torn down
	// when the execution finishes.
	ScopeExecution Scope = "execution"
	// ScopeSession keeps the environment alive across executions of one
	// session until the session idle timeout expires.
	ScopeSession Scope = "session"
)

// ExecRequest is one command to run inside an environment.
type ExecRequest struct {
	Command string
	Workdir string
	Env     []string
	Timeout time.Duration
}

// ExecResult is the processed outcome of a command: ANSI-stripped and
// truncated per the output budget.
type ExecResult struct {
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated"`
	TimedOut  bool   `json:"timed_out"`
}

// Environment is one isolated workspace. Implementations are safe for
// sequential use by a single execution; the Manager serializes access.
type Environment interface {
	// ID identifies the backing resource (container ID, process group).
	ID() string
	// Exec runs a command and returns its bounded output.
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)
	// WriteFile places content at path inside the environment.
	WriteFile(ctx context.Context, path string, content []byte) error
	// ReadFile returns the content at path.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// FileExists reports whether path exists inside the environment.
	FileExists(ctx context.Context, path string) (bool, error)
	// Close tears the environment down.
	Close(ctx context.Context) error
}

// ParseTimeout parses the {N}{m|h|d} shorthand used in sandbox
// configuration ("10m", "2h", "1d").
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timeout")
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeout %q: want {N}{m|h|d}", s)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeout unit %q: want m, h, or d", string(unit))
	}
}
