package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ExecMode is the command security mode of the exec tool.
type ExecMode string

const (
	// ExecAllowAlways runs every command without approval.
	ExecAllowAlways ExecMode = "allow-always"
	// ExecAllowlist runs commands matching an allowlist pattern; anything
	// else requires approval.
	ExecAllowlist ExecMode = "allowlist"
	// ExecApprovalAlways requires approval for every command.
	ExecApprovalAlways ExecMode = "approval-always"
)

// Decision is the outcome of a policy check.
type Decision int

const (
	// DecisionAllow runs the operation immediately.
	DecisionAllow Decision = iota
	// DecisionApprove pauses the execution for user approval.
	DecisionApprove
	// DecisionDeny rejects the operation outright.
	DecisionDeny
)

// ExecPolicy controls which commands run without approval.
type ExecPolicy struct {
	Mode ExecMode
	// Allowlist holds simple glob patterns where * matches any run of
	// characters. Patterns match against the full trimmed command.
	Allowlist []string
}

// Evaluate classifies one command under the policy. The zero policy allows
// everything.
func (p ExecPolicy) Evaluate(command string) Decision {
	command = strings.TrimSpace(command)
	switch p.Mode {
	case "", ExecAllowAlways:
		return DecisionAllow
	case ExecApprovalAlways:
		return DecisionApprove
	case ExecAllowlist:
		for _, pat := range p.Allowlist {
			if matchGlob(pat, command) {
				return DecisionAllow
			}
		}
		return DecisionApprove
	default:
		return DecisionDeny
	}
}

// matchGlob matches s against a pattern where * matches any run of
// characters, including spaces and slashes.
func matchGlob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, last)
}

// PathPolicy confines file tools to a subtree and optionally requires
// approval for writes.
type PathPolicy struct {
	// Restriction is the directory subtree file operations may touch
	// freely. Empty means unrestricted.
	Restriction string
	// ApproveWrites requires approval for every write, inside or outside
	// the restriction.
	ApproveWrites bool
}

// CheckRead classifies a read path. A path that is lexically inside the
// restriction but resolves outside it through a symlink is denied; approval
// cannot make it safe because the link target can change afterwards.
func (p PathPolicy) CheckRead(path string) Decision {
	if p.Restriction == "" {
		return DecisionAllow
	}
	if !p.within(path) {
		return DecisionApprove
	}
	if p.escapesViaSymlink(path) {
		return DecisionDeny
	}
	return DecisionAllow
}

// CheckWrite classifies a write path.
func (p PathPolicy) CheckWrite(path string) Decision {
	if p.ApproveWrites {
		return DecisionApprove
	}
	return p.CheckRead(path)
}

// within reports whether path falls under the restriction subtree after
// lexical cleaning. Relative paths are treated as inside.
func (p PathPolicy) within(path string) bool {
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.Restriction, path)
	}
	rel, err := filepath.Rel(filepath.Clean(p.Restriction), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// escapesViaSymlink reports whether path, once symlinks on its existing
// prefix are resolved, lands outside the resolved restriction. The
// restriction itself is resolved too, since it may sit behind a symlink.
func (p PathPolicy) escapesViaSymlink(path string) bool {
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.Restriction, path)
	}
	resolved, err := resolveExisting(filepath.Clean(path))
	if err != nil {
		return false
	}
	root, err := resolveExisting(filepath.Clean(p.Restriction))
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting resolves symlinks over the longest existing prefix of path
// and rejoins the non-existing remainder lexically.
func resolveExisting(path string) (string, error) {
	remainder := ""
	for {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return filepath.Join(path, remainder), nil
		}
		remainder = filepath.Join(filepath.Base(path), remainder)
		path = parent
	}
}
