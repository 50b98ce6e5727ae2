package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseTimeout(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"10m", 10 * time.Minute, true},
		{"2h", 2 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{" 30m ", 30 * time.Minute, true},
		{"", 0, false},
		{"m", 0, false},
		{"0m", 0, false},
		{"-5m", 0, false},
		{"10s", 0, false},
		{"10", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseTimeout(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParseTimeout(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParseTimeout(%q) = %v, want error", tc.in, got)
		}
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[31merror:\x1b[0m file not found\x1b]0;title\x07 done"
	want := "error: file not found done"
	if got := StripANSI(in); got != want {
		t.Fatalf("StripANSI = %q, want %q", got, want)
	}
}

func TestTruncateKeepsHeadAndTail(t *testing.T) {
	s := strings.Repeat("a", 50) + strings.Repeat("z", 150)
	got, truncated := Truncate(s, 100)
	if !truncated {
		t.Fatal("not truncated")
	}
	if !strings.HasPrefix(got, strings.Repeat("a", 20)) {
		t.Fatalf("head lost: %q", got[:30])
	}
	if !strings.HasSuffix(got, strings.Repeat("z", 80)) {
		t.Fatalf("tail lost: %q", got[len(got)-30:])
	}
	if !strings.Contains(got, "--- truncated ") || !strings.Contains(got, " characters ---") {
		t.Fatalf("marker missing: %q", got)
	}

	short, truncated := Truncate("hello", 100)
	if truncated || short != "hello" {
		t.Fatalf("short input modified: %q %v", short, truncated)
	}
}

func TestExecPolicyEvaluate(t *testing.T) {
	cases := []struct {
		name    string
		policy  ExecPolicy
		command string
		want    Decision
	}{
		{"zero_policy", ExecPolicy{}, "rm -rf /", DecisionAllow},
		{"allow_always", ExecPolicy{Mode: ExecAllowAlways}, "anything", DecisionAllow},
		{"approval_always", ExecPolicy{Mode: ExecApprovalAlways}, "ls", DecisionApprove},
		{"allowlist_exact", ExecPolicy{Mode: ExecAllowlist, Allowlist: []string{"ls"}}, "ls", DecisionAllow},
		{"allowlist_glob", ExecPolicy{Mode: ExecAllowlist, Allowlist: []string{"git *"}}, "git status", DecisionAllow},
		{"allowlist_trimmed", ExecPolicy{Mode: ExecAllowlist, Allowlist: []string{"ls"}}, "  ls  ", DecisionAllow},
		{"allowlist_miss", ExecPolicy{Mode: ExecAllowlist, Allowlist: []string{"git *"}}, "rm -rf /", DecisionApprove},
		{"allowlist_prefix_only", ExecPolicy{Mode: ExecAllowlist, Allowlist: []string{"git"}}, "git status", DecisionApprove},
		{"unknown_mode", ExecPolicy{Mode: "whatever"}, "ls", DecisionDeny},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Evaluate(tc.command); got != tc.want {
				t.Fatalf("Evaluate(%q) = %v, want %v", tc.command, got, tc.want)
			}
		})
	}
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"ls", "ls", true},
		{"ls", "lsof", false},
		{"git *", "git status", true},
		{"git *", "git", false},
		{"*.py", "run.py", true},
		{"python * --check", "python lint.py --check", true},
		{"python * --check", "python lint.py", false},
		{"npm *install*", "npm ci install-deps", true},
		{"*", "anything at all", true},
	}
	for _, tc := range cases {
		if got := matchGlob(tc.pattern, tc.s); got != tc.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tc.pattern, tc.s, got, tc.want)
		}
	}
}

func TestPathPolicy(t *testing.T) {
	p := PathPolicy{Restriction: "/workspace"}
	cases := []struct {
		path string
		want Decision
	}{
		{"/workspace/src/main.go", DecisionAllow},
		{"/workspace", DecisionAllow},
		{"relative/file.txt", DecisionAllow},
		{"/workspace/../etc/passwd", DecisionApprove},
		{"/etc/passwd", DecisionApprove},
		{"/workspace2/file", DecisionApprove},
	}
	for _, tc := range cases {
		if got := p.CheckRead(tc.path); got != tc.want {
			t.Errorf("CheckRead(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}

	open := PathPolicy{}
	if open.CheckRead("/anywhere") != DecisionAllow || open.CheckWrite("/anywhere") != DecisionAllow {
		t.Fatal("empty restriction must allow everything")
	}

	strict := PathPolicy{Restriction: "/workspace", ApproveWrites: true}
	if strict.CheckWrite("/workspace/inside.txt") != DecisionApprove {
		t.Fatal("ApproveWrites must gate writes inside the restriction too")
	}
	if strict.CheckRead("/workspace/inside.txt") != DecisionAllow {
		t.Fatal("ApproveWrites must not affect reads")
	}
}

func TestPathPolicyDeniesSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	p := PathPolicy{Restriction: root}

	if got := p.CheckRead(filepath.Join(root, "link", "secret.txt")); got != DecisionDeny {
		t.Fatalf("read through escaping symlink = %v, want deny", got)
	}
	if got := p.CheckWrite(filepath.Join(root, "link", "out.txt")); got != DecisionDeny {
		t.Fatalf("write through escaping symlink = %v, want deny", got)
	}

	// A symlink that stays inside the restriction stays allowed.
	if err := os.Mkdir(filepath.Join(root, "real"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias")); err != nil {
		t.Fatal(err)
	}
	if got := p.CheckRead(filepath.Join(root, "alias", "file.txt")); got != DecisionAllow {
		t.Fatalf("internal symlink = %v, want allow", got)
	}
}

func TestLocalEnvExec(t *testing.T) {
	env, err := newLocalEnv("", 0)
	if err != nil {
		t.Fatalf("newLocalEnv: %v", err)
	}
	ctx := context.Background()
	defer env.Close(ctx)

	res, err := env.Exec(ctx, ExecRequest{Command: "echo hello && echo oops >&2"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "hello" || strings.TrimSpace(res.Stderr) != "oops" {
		t.Fatalf("result %+v", res)
	}

	res, err = env.Exec(ctx, ExecRequest{Command: "exit 3"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestLocalEnvExecTimeout(t *testing.T) {
	env, err := newLocalEnv("", 0)
	if err != nil {
		t.Fatalf("newLocalEnv: %v", err)
	}
	ctx := context.Background()
	defer env.Close(ctx)

	res, err := env.Exec(ctx, ExecRequest{Command: "sleep 5", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("result %+v, want timed out", res)
	}
}

func TestLocalEnvFileRoundTrip(t *testing.T) {
	env, err := newLocalEnv("", 0)
	if err != nil {
		t.Fatalf("newLocalEnv: %v", err)
	}
	ctx := context.Background()
	defer env.Close(ctx)

	if err := env.WriteFile(ctx, "nested/dir/note.txt", []byte("remember this")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := env.ReadFile(ctx, "nested/dir/note.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "remember this" {
		t.Fatalf("content %q", got)
	}

	// The shell sees the same workspace root.
	res, err := env.Exec(ctx, ExecRequest{Command: "cat nested/dir/note.txt"})
	if err != nil || res.ExitCode != 0 || !strings.Contains(res.Stdout, "remember this") {
		t.Fatalf("exec read: %+v err=%v", res, err)
	}
}

func TestLocalEnvFileExists(t *testing.T) {
	env, err := newLocalEnv("", 0)
	if err != nil {
		t.Fatalf("newLocalEnv: %v", err)
	}
	ctx := context.Background()
	defer env.Close(ctx)

	if err := env.WriteFile(ctx, "present.txt", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	exists, err := env.FileExists(ctx, "present.txt")
	if err != nil || !exists {
		t.Fatalf("present.txt exists = %v, err %v", exists, err)
	}
	exists, err = env.FileExists(ctx, "absent.txt")
	if err != nil || exists {
		t.Fatalf("absent.txt exists = %v, err %v", exists, err)
	}
}

func TestLocalEnvWorkspacesDir(t *testing.T) {
	base := t.TempDir()
	env, err := newLocalEnv(base, 0)
	if err != nil {
		t.Fatalf("newLocalEnv: %v", err)
	}
	ctx := context.Background()
	defer env.Close(ctx)

	if filepath.Dir(env.root) != base {
		t.Fatalf("workspace %q not under base %q", env.root, base)
	}
	if err := env.WriteFile(ctx, "a.txt", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.root, "a.txt")); err != nil {
		t.Fatalf("file missing from workspace: %v", err)
	}
}

func TestManagerSessionReuse(t *testing.T) {
	m := NewManager("w1", nil)
	ctx := context.Background()
	cfg := Config{Env: "local", Scope: ScopeSession}

	sb1, err := m.GetOrCreate(ctx, cfg, "exec-1", "sess-1")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	sb2, err := m.GetOrCreate(ctx, cfg, "exec-2", "sess-1")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if sb1 != sb2 {
		t.Fatal("same session must share one sandbox")
	}

	other, err := m.GetOrCreate(ctx, cfg, "exec-3", "sess-2")
	if err != nil {
		t.Fatalf("other session: %v", err)
	}
	if other == sb1 {
		t.Fatal("different sessions must not share sandboxes")
	}
	m.Close(ctx)
}

func TestManagerSessionScopeRequiresSessionID(t *testing.T) {
	m := NewManager("w1", nil)
	_, err := m.GetOrCreate(context.Background(), Config{Env: "local", Scope: ScopeSession}, "exec-1", "")
	if err == nil {
		t.Fatal("missing session ID must be rejected")
	}
}

func TestManagerExecutionScopeIsIsolated(t *testing.T) {
	m := NewManager("w1", nil)
	ctx := context.Background()
	cfg := Config{Env: "local", Scope: ScopeExecution}

	sb1, err := m.GetOrCreate(ctx, cfg, "exec-1", "")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	sb2, err := m.GetOrCreate(ctx, cfg, "exec-2", "")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if sb1 == sb2 {
		t.Fatal("execution scope must never share sandboxes")
	}

	// Releasing the execution destroys its sandbox.
	if _, err := sb1.Exec(ctx, ExecRequest{Command: "true"}); err != nil {
		t.Fatalf("exec before release: %v", err)
	}
	m.ReleaseExecution(ctx, "exec-1")
	if _, err := sb1.Exec(ctx, ExecRequest{Command: "true"}); err == nil {
		t.Fatal("released execution sandbox must be destroyed")
	}
	m.Close(ctx)
}

func TestManagerReleaseKeepsSessionSandbox(t *testing.T) {
	m := NewManager("w1", nil)
	ctx := context.Background()
	cfg := Config{Env: "local", Scope: ScopeSession}

	sb, err := m.GetOrCreate(ctx, cfg, "exec-1", "sess-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m.ReleaseExecution(ctx, "exec-1")

	if _, err := sb.Exec(ctx, ExecRequest{Command: "true"}); err != nil {
		t.Fatalf("session sandbox must survive execution release: %v", err)
	}
	m.Close(ctx)
}

func TestManagerRejectsE2B(t *testing.T) {
	m := NewManager("w1", nil)
	_, err := m.GetOrCreate(context.Background(), Config{Env: "e2b"}, "exec-1", "")
	if err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("want unsupported error, got %v", err)
	}
	_, err = m.GetOrCreate(context.Background(), Config{Env: "martian"}, "exec-1", "")
	if err == nil || !strings.Contains(err.Error(), "unknown sandbox env") {
		t.Fatalf("want unknown env error, got %v", err)
	}
}

func TestSandboxSetupCommandFailureTearsDown(t *testing.T) {
	m := NewManager("w1", nil)
	ctx := context.Background()
	sb, err := m.GetOrCreate(ctx, Config{
		Env:          "local",
		Scope:        ScopeExecution,
		SetupCommand: "exit 9",
	}, "exec-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = sb.Exec(ctx, ExecRequest{Command: "true"})
	if err == nil || !strings.Contains(err.Error(), "setup") {
		t.Fatalf("want setup failure, got %v", err)
	}
	m.Close(ctx)
}

func TestSandboxIdleTimeout(t *testing.T) {
	sb := &Sandbox{cfg: Config{}}
	if sb.idleTimeout() != DefaultIdleTimeout {
		t.Fatalf("default idle timeout = %v", sb.idleTimeout())
	}
	sb = &Sandbox{cfg: Config{IdleTimeout: "5m"}}
	if sb.idleTimeout() != 5*time.Minute {
		t.Fatalf("idle timeout = %v", sb.idleTimeout())
	}
	sb = &Sandbox{cfg: Config{IdleTimeout: "bogus"}}
	if sb.idleTimeout() != DefaultIdleTimeout {
		t.Fatalf("invalid idle timeout must fall back, got %v", sb.idleTimeout())
	}
}

func TestApprovalKeyDeterministic(t *testing.T) {
	a := approvalKey("exec", "rm -rf build")
	b := approvalKey("exec", "rm -rf build")
	if a != b {
		t.Fatalf("approval key not stable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "approve_exec:") {
		t.Fatalf("key shape %q", a)
	}
	if approvalKey("exec", "other command") == a {
		t.Fatal("different subjects must hash differently")
	}
	if approvalKey("write", "rm -rf build") == a {
		t.Fatal("different kinds must key differently")
	}
}
