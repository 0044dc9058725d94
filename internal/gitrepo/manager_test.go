package gitrepo

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// initSourceRepo builds a repository that stands in for the remote.
func initSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "--initial-branch=main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

// newTestManager clones src into the clones layout as octo/webapp and
// returns a manager over it.
func newTestManager(t *testing.T, src string) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	repoPath := filepath.Join(base, "octo", "webapp")
	if err := os.MkdirAll(filepath.Dir(repoPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	runGit(t, "", "clone", src, repoPath)

	m := NewManager(config.GitConfig{
		ClonesBasePath:    base,
		WorktreesBasePath: t.TempDir(),
		NetworkTimeoutSec: 60,
		BotName:           "gitfix-bot",
		BotEmail:          "bot@gitfix.invalid",
	}, nil, newTestLogger())
	return m, repoPath
}

func TestCreateWorktree_Lifecycle(t *testing.T) {
	ctx := context.Background()
	src := initSourceRepo(t)
	m, _ := newTestManager(t, src)

	wt, err := m.CreateWorktree(ctx, "octo", "webapp", 42, "Fix login crash", "main", "")
	if err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}
	if !branchNameRe.MatchString(wt.Branch) {
		t.Errorf("branch %q does not match naming rule", wt.Branch)
	}
	if wt.BaseBranch != "main" {
		t.Errorf("base branch = %q, want main", wt.BaseBranch)
	}
	if _, err := os.Stat(filepath.Join(wt.Path, "README.md")); err != nil {
		t.Fatalf("worktree missing checked-out file: %v", err)
	}

	// Clean tree commits nothing.
	if _, err := m.CommitChanges(ctx, wt.Path, "", 42, "Fix login crash"); !errors.Is(err, ErrNoChanges) {
		t.Fatalf("CommitChanges on clean tree = %v, want ErrNoChanges", err)
	}

	if err := os.WriteFile(filepath.Join(wt.Path, "fix.go"), []byte("package fix\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	status, err := m.Status(ctx, wt.Path)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(status) != 1 || !strings.Contains(status[0], "fix.go") {
		t.Errorf("Status = %v, want one fix.go entry", status)
	}

	sha, err := m.CommitChanges(ctx, wt.Path, "", 42, "Fix login crash")
	if err != nil {
		t.Fatalf("CommitChanges failed: %v", err)
	}
	if len(sha) != 40 {
		t.Errorf("commit sha = %q, want 40 hex chars", sha)
	}

	status, err = m.Status(ctx, wt.Path)
	if err != nil {
		t.Fatalf("Status after commit failed: %v", err)
	}
	if len(status) != 0 {
		t.Errorf("Status after commit = %v, want clean", status)
	}

	// Author is pinned to the bot identity.
	author := runGit(t, wt.Path, "log", "-1", "--format=%an <%ae>")
	if strings.TrimSpace(author) != "gitfix-bot <bot@gitfix.invalid>" {
		t.Errorf("commit author = %q", strings.TrimSpace(author))
	}

	// Push lands the branch on the remote.
	if err := m.PushBranch(ctx, wt.Path, wt.Branch); err != nil {
		t.Fatalf("PushBranch failed: %v", err)
	}
	runGit(t, src, "rev-parse", "--verify", "refs/heads/"+wt.Branch)
}

func TestCreateWorktreeFromBranch(t *testing.T) {
	ctx := context.Background()
	src := initSourceRepo(t)
	runGit(t, src, "checkout", "-b", "feature/login")
	if err := os.WriteFile(filepath.Join(src, "login.go"), []byte("package login\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	runGit(t, src, "add", ".")
	runGit(t, src, "commit", "-m", "add login")
	runGit(t, src, "checkout", "main")

	m, _ := newTestManager(t, src)

	wt, err := m.CreateWorktreeFromBranch(ctx, "octo", "webapp", "feature/login")
	if err != nil {
		t.Fatalf("CreateWorktreeFromBranch failed: %v", err)
	}
	if wt.Branch != "feature/login" {
		t.Errorf("branch = %q, want feature/login", wt.Branch)
	}
	if _, err := os.Stat(filepath.Join(wt.Path, "login.go")); err != nil {
		t.Fatalf("worktree missing branch file: %v", err)
	}
}

func TestDefaultBranch_EnvOverride(t *testing.T) {
	t.Setenv("GIT_DEFAULT_BRANCH_OCTO_WEBAPP", "develop")
	m := NewManager(config.GitConfig{
		ClonesBasePath:    t.TempDir(),
		WorktreesBasePath: t.TempDir(),
	}, nil, newTestLogger())

	got, err := m.DefaultBranch(context.Background(), "octo", "webapp", "/nonexistent")
	if err != nil {
		t.Fatalf("DefaultBranch failed: %v", err)
	}
	if got != "develop" {
		t.Errorf("DefaultBranch = %q, want develop", got)
	}
}

func TestDefaultBranch_DetectedAndCached(t *testing.T) {
	ctx := context.Background()
	src := initSourceRepo(t)
	m, repoPath := newTestManager(t, src)

	got, err := m.DefaultBranch(ctx, "octo", "webapp", repoPath)
	if err != nil {
		t.Fatalf("DefaultBranch failed: %v", err)
	}
	if got != "main" {
		t.Errorf("DefaultBranch = %q, want main", got)
	}

	// Cached result survives the clone disappearing.
	if err := os.RemoveAll(repoPath); err != nil {
		t.Fatalf("remove clone: %v", err)
	}
	got, err = m.DefaultBranch(ctx, "octo", "webapp", repoPath)
	if err != nil {
		t.Fatalf("DefaultBranch (cached) failed: %v", err)
	}
	if got != "main" {
		t.Errorf("cached DefaultBranch = %q, want main", got)
	}
}

func TestDefaultBranch_Undetectable(t *testing.T) {
	dir := t.TempDir()
	runGit(t, dir, "init", "--initial-branch=main")

	m := NewManager(config.GitConfig{
		ClonesBasePath:    t.TempDir(),
		WorktreesBasePath: t.TempDir(),
		NetworkTimeoutSec: 10,
	}, nil, newTestLogger())

	_, err := m.DefaultBranch(context.Background(), "nosuch", "remote", dir)
	if !errors.Is(err, ErrDefaultBranchUndetectable) {
		t.Fatalf("DefaultBranch = %v, want ErrDefaultBranchUndetectable", err)
	}
}

func TestEnsureCloned_ExistingRepoFetches(t *testing.T) {
	ctx := context.Background()
	src := initSourceRepo(t)
	m, repoPath := newTestManager(t, src)

	got, err := m.EnsureCloned(ctx, "octo", "webapp", "")
	if err != nil {
		t.Fatalf("EnsureCloned failed: %v", err)
	}
	if got != repoPath {
		t.Errorf("EnsureCloned = %q, want %q", got, repoPath)
	}
}

func TestCorruptionDetection(t *testing.T) {
	m := NewManager(config.GitConfig{
		ClonesBasePath:    t.TempDir(),
		WorktreesBasePath: t.TempDir(),
	}, nil, newTestLogger())

	dir := t.TempDir()
	if m.isGitRepo(dir) {
		t.Error("isGitRepo on empty dir = true")
	}

	// A .git that git cannot read counts as corrupted.
	if err := os.WriteFile(filepath.Join(dir, ".git"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if !m.isGitRepo(dir) {
		t.Error("isGitRepo with .git file = false")
	}
	if m.isUsable(context.Background(), dir) {
		t.Error("isUsable on corrupted repo = true")
	}
}
