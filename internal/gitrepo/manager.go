package gitrepo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
)

// BranchAPI is the slice of the GitHub gateway the manager needs for
// default-branch detection. It is nil-able so the manager degrades to
// local-only detection in tests and offline runs.
type BranchAPI interface {
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

// Manager owns the shared clones under the clones base path and the
// ephemeral worktrees under the worktrees base path. All git access goes
// through the git CLI.
type Manager struct {
	cfg config.GitConfig
	gh  BranchAPI
	log *logger.Logger

	// repoMus is a map of repo path → *sync.Mutex serialising clone, fetch
	// and worktree-add operations on the same repository directory.
	repoMus sync.Map

	// defaultBranches caches detection results per "owner/name".
	defaultBranches sync.Map
}

// NewManager creates a Manager. gh may be nil.
func NewManager(cfg config.GitConfig, gh BranchAPI, log *logger.Logger) *Manager {
	if cfg.ClonesBasePath == "" {
		cfg.ClonesBasePath = "~/.gitfix/repos"
	}
	if cfg.WorktreesBasePath == "" {
		cfg.WorktreesBasePath = "~/.gitfix/worktrees"
	}
	if cfg.NetworkTimeoutSec <= 0 {
		cfg.NetworkTimeoutSec = 120
	}
	return &Manager{cfg: cfg, gh: gh, log: log}
}

// repoMu returns (or lazily creates) the mutex for a repository path.
func (m *Manager) repoMu(path string) *sync.Mutex {
	mu, _ := m.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// RepoPath returns the local path of the shared clone for a repository.
func (m *Manager) RepoPath(owner, name string) (string, error) {
	base, err := expandHome(m.cfg.ClonesBasePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, owner, name), nil
}

// WorktreesBase returns the expanded base directory for worktrees.
func (m *Manager) WorktreesBase() (string, error) {
	return expandHome(m.cfg.WorktreesBasePath)
}

func (m *Manager) worktreePath(owner, name, dirName string) (string, error) {
	base, err := m.WorktreesBase()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, owner, name, dirName), nil
}

// CloneURL builds the HTTPS clone URL for a repository, embedding the
// installation token when one is given.
func CloneURL(owner, name, token string) string {
	if token == "" {
		return fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, name)
}

// git runs a git command in dir and returns its combined output. Prompting
// is disabled so a missing credential fails fast instead of hanging the
// daemon.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// networkCtx bounds network git operations (clone, fetch, push).
func (m *Manager) networkCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.NetworkTimeout())
}

// redact strips an embedded token from git output before it reaches logs or
// error messages.
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

// EnsureCloned clones the repository if it doesn't exist locally, or
// refreshes the remote URL and fetches if it does. A corrupted clone is
// removed and cloned again. Concurrent calls for the same repository are
// serialised to prevent double-clone races. Returns the local path.
func (m *Manager) EnsureCloned(ctx context.Context, owner, name, token string) (string, error) {
	targetPath, err := m.RepoPath(owner, name)
	if err != nil {
		return "", err
	}

	mu := m.repoMu(targetPath)
	mu.Lock()
	defer mu.Unlock()

	log := m.log.WithRepo(owner, name)

	if m.isGitRepo(targetPath) {
		if m.isUsable(ctx, targetPath) {
			m.refreshRemote(ctx, targetPath, owner, name, token)
			m.fetch(ctx, targetPath, token)
			return targetPath, nil
		}
		log.Warn("clone is corrupted, removing and re-cloning",
			zap.String("path", targetPath))
		if err := os.RemoveAll(targetPath); err != nil {
			return "", fmt.Errorf("remove corrupted clone: %w", err)
		}
	}

	return targetPath, m.clone(ctx, owner, name, token, targetPath)
}

// isGitRepo checks whether path holds a git repository (.git directory).
func (m *Manager) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

// isUsable verifies git can still read the repository at path.
func (m *Manager) isUsable(ctx context.Context, path string) bool {
	_, err := m.git(ctx, path, "rev-parse", "--git-dir")
	return err == nil
}

// refreshRemote points origin at a URL carrying the current token, so a
// rotated installation token doesn't strand existing clones.
func (m *Manager) refreshRemote(ctx context.Context, repoPath, owner, name, token string) {
	if token == "" {
		return
	}
	if out, err := m.git(ctx, repoPath, "remote", "set-url", "origin", CloneURL(owner, name, token)); err != nil {
		m.log.Warn("failed to refresh remote URL",
			zap.String("path", repoPath),
			zap.String("output", redact(out, token)))
	}
}

func (m *Manager) fetch(ctx context.Context, repoPath, token string) {
	m.log.Debug("repository already cloned, fetching", zap.String("path", repoPath))
	netCtx, cancel := m.networkCtx(ctx)
	defer cancel()
	if out, err := m.git(netCtx, repoPath, "fetch", "--all", "--prune"); err != nil {
		m.log.Warn("git fetch failed (non-fatal)",
			zap.String("path", repoPath),
			zap.String("output", redact(out, token)))
	}
}

func (m *Manager) clone(ctx context.Context, owner, name, token, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	args := []string{"clone"}
	if m.cfg.ShallowCloneDepth > 0 {
		args = append(args, "--depth", strconv.Itoa(m.cfg.ShallowCloneDepth))
	}
	args = append(args, CloneURL(owner, name, token), targetPath)

	m.log.Info("cloning repository",
		zap.String("repo", owner+"/"+name),
		zap.String("target", targetPath),
		zap.Int("depth", m.cfg.ShallowCloneDepth))

	netCtx, cancel := m.networkCtx(ctx)
	defer cancel()
	if out, err := m.git(netCtx, "", args...); err != nil {
		// Rebuild the error from redacted output so the token never
		// escapes through logs or wrapped messages.
		return fmt.Errorf("git clone failed: %s: %w", redact(strings.TrimSpace(out), token), ErrGitCommandFailed)
	}
	return nil
}

// timestampSuffix returns a filesystem-safe UTC timestamp for worktree
// directory names.
func timestampSuffix(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}
