package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/stringutil"
)

// Worktree describes a prepared per-task working directory.
type Worktree struct {
	LocalRepoPath string
	Path          string
	Branch        string
	BaseBranch    string
}

var (
	// can be overridden for testing
	pushBackoffBase = 2 * time.Second
	pushRetries     uint64 = 3
)

// CreateWorktree creates a fresh branch off the base branch and checks it
// out into a new worktree. When baseBranch is empty the repository's
// default branch is detected. A branch name colliding with an existing
// remote branch gets a fresh random suffix.
func (m *Manager) CreateWorktree(ctx context.Context, owner, name string, issueNumber int, title, baseBranch, model string) (*Worktree, error) {
	repoPath, err := m.RepoPath(owner, name)
	if err != nil {
		return nil, err
	}

	mu := m.repoMu(repoPath)
	mu.Lock()
	defer mu.Unlock()

	if baseBranch == "" {
		baseBranch, err = m.DefaultBranch(ctx, owner, name, repoPath)
		if err != nil {
			return nil, err
		}
	}

	branch := BranchName(issueNumber, title, model)
	for attempt := 0; attempt < 5 && m.remoteBranchExists(ctx, repoPath, branch); attempt++ {
		m.log.Debug("branch already exists on remote, regenerating",
			zap.String("branch", branch))
		branch = BranchName(issueNumber, title, model)
	}

	dirName := fmt.Sprintf("issue-%d-%s", issueNumber, timestampSuffix(time.Now()))
	worktreePath, err := m.worktreePath(owner, name, dirName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, fmt.Errorf("create worktree parent directory: %w", err)
	}

	// Stale state from earlier runs: prune, then free the branch if a
	// previous run left it behind.
	m.prune(ctx, repoPath)
	if m.localBranchExists(ctx, repoPath, branch) {
		m.freeBranch(ctx, repoPath, branch)
	}

	if out, err := m.git(ctx, repoPath, "worktree", "add",
		"-b", branch, worktreePath, "origin/"+baseBranch); err != nil {
		m.log.Error("git worktree add failed",
			zap.String("output", out), zap.Error(err))
		return nil, err
	}

	m.log.WithRepo(owner, name).Info("created worktree",
		zap.Int("issue", issueNumber),
		zap.String("path", worktreePath),
		zap.String("branch", branch),
		zap.String("base_branch", baseBranch))

	return &Worktree{
		LocalRepoPath: repoPath,
		Path:          worktreePath,
		Branch:        branch,
		BaseBranch:    baseBranch,
	}, nil
}

// CreateWorktreeFromBranch checks an existing remote branch out into a new
// worktree, for follow-up work on an open pull request.
func (m *Manager) CreateWorktreeFromBranch(ctx context.Context, owner, name, branch string) (*Worktree, error) {
	repoPath, err := m.RepoPath(owner, name)
	if err != nil {
		return nil, err
	}

	mu := m.repoMu(repoPath)
	mu.Lock()
	defer mu.Unlock()

	netCtx, cancel := m.networkCtx(ctx)
	out, err := m.git(netCtx, repoPath, "fetch", "origin", branch)
	cancel()
	if err != nil {
		m.log.Warn("fetch of PR branch failed, using local refs",
			zap.String("branch", branch), zap.String("output", out))
	}

	dirName := fmt.Sprintf("pr-%s-%s", stringutil.Slug(branch, 40), timestampSuffix(time.Now()))
	worktreePath, err := m.worktreePath(owner, name, dirName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, fmt.Errorf("create worktree parent directory: %w", err)
	}

	m.prune(ctx, repoPath)
	if m.localBranchExists(ctx, repoPath, branch) {
		m.freeBranch(ctx, repoPath, branch)
	}

	if out, err := m.git(ctx, repoPath, "worktree", "add",
		"--track", "-b", branch, worktreePath, "origin/"+branch); err != nil {
		m.log.Error("git worktree add failed",
			zap.String("output", out), zap.Error(err))
		return nil, err
	}

	m.log.WithRepo(owner, name).Info("created worktree from branch",
		zap.String("path", worktreePath),
		zap.String("branch", branch))

	return &Worktree{
		LocalRepoPath: repoPath,
		Path:          worktreePath,
		Branch:        branch,
		BaseBranch:    branch,
	}, nil
}

// freeBranch removes any stale worktree holding branch, then the branch
// itself, so a fresh worktree add can claim the name.
func (m *Manager) freeBranch(ctx context.Context, repoPath, branch string) {
	if stale := m.worktreeForBranch(ctx, repoPath, branch); stale != "" {
		if err := m.removeWorktreeDir(ctx, stale, repoPath); err != nil {
			m.log.Warn("failed to remove stale worktree",
				zap.String("path", stale), zap.Error(err))
		}
	}
	if out, err := m.git(ctx, repoPath, "branch", "-D", branch); err != nil {
		m.log.Debug("failed to delete stale branch",
			zap.String("branch", branch), zap.String("output", out))
	}
}

// worktreeForBranch returns the path of the worktree holding branch, or "".
func (m *Manager) worktreeForBranch(ctx context.Context, repoPath, branch string) string {
	out, err := m.git(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return ""
	}
	var current string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			current = strings.TrimSpace(rest)
			continue
		}
		if rest, ok := strings.CutPrefix(line, "branch "); ok {
			if strings.TrimSpace(rest) == "refs/heads/"+branch && current != repoPath {
				return current
			}
		}
	}
	return ""
}

// CommitChanges stages everything in the worktree and commits it with the
// bot identity as author. Returns the commit SHA, or ErrNoChanges when the
// tree is clean. An empty message gets a template built from the issue.
func (m *Manager) CommitChanges(ctx context.Context, worktreePath, message string, issueNumber int, title string) (string, error) {
	status, err := m.Status(ctx, worktreePath)
	if err != nil {
		return "", err
	}
	if len(status) == 0 {
		return "", ErrNoChanges
	}

	if out, err := m.git(ctx, worktreePath, "add", "-A"); err != nil {
		m.log.Error("git add failed", zap.String("output", out), zap.Error(err))
		return "", err
	}

	if strings.TrimSpace(message) == "" {
		message = commitMessageTemplate(issueNumber, title)
	}

	if out, err := m.git(ctx, worktreePath,
		"-c", "user.name="+m.cfg.BotName,
		"-c", "user.email="+m.cfg.BotEmail,
		"commit", "-m", message); err != nil {
		m.log.Error("git commit failed", zap.String("output", out), zap.Error(err))
		return "", err
	}

	sha, err := m.git(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

func commitMessageTemplate(issueNumber int, title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Sprintf("Fix issue #%d", issueNumber)
	}
	return fmt.Sprintf("Fix issue #%d: %s", issueNumber, stringutil.TruncateString(title, 72))
}

// PushBranch pushes the worktree's branch with upstream tracking, retrying
// transient network failures with exponential backoff.
func (m *Manager) PushBranch(ctx context.Context, worktreePath, branch string) error {
	backoff := retry.WithMaxRetries(pushRetries, retry.NewExponential(pushBackoffBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		netCtx, cancel := m.networkCtx(ctx)
		defer cancel()
		out, err := m.git(netCtx, worktreePath, "push", "--set-upstream", "origin", branch)
		if err == nil {
			return nil
		}
		if isTransientGitError(out) {
			m.log.Warn("git push failed, will retry",
				zap.String("branch", branch), zap.String("output", out))
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransientGitError(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"connection reset",
		"could not resolve host",
		"early eof",
		"connection timed out",
		"operation timed out",
		"remote end hung up",
		"could not connect",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Status returns the `git status --porcelain` lines for a worktree. An
// empty result means the tree is clean.
func (m *Manager) Status(ctx context.Context, worktreePath string) ([]string, error) {
	out, err := m.git(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Diff stages everything and returns the pending patch against HEAD, so
// new files show up too. Staging here is harmless: CommitChanges stages
// all again before committing.
func (m *Manager) Diff(ctx context.Context, worktreePath string) (string, error) {
	if out, err := m.git(ctx, worktreePath, "add", "-A"); err != nil {
		m.log.Debug("git add before diff failed", zap.String("output", out))
		return "", err
	}
	return m.git(ctx, worktreePath, "diff", "--cached", "--no-color")
}

func (m *Manager) prune(ctx context.Context, repoPath string) {
	if out, err := m.git(ctx, repoPath, "worktree", "prune"); err != nil {
		m.log.Debug("git worktree prune failed", zap.String("output", out))
	}
}
