package gitrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
)

// retentionInfoFile marks a retained worktree for the expiry sweep.
const retentionInfoFile = ".retention-info.json"

const defaultMaxWorktreeAge = 72 * time.Hour

// RetentionInfo is written into retained worktrees so CleanupExpired can
// finish the job later, including deleting the branch when asked to.
type RetentionInfo struct {
	Branch           string    `json:"branch"`
	LocalRepoPath    string    `json:"localRepoPath"`
	Success          bool      `json:"success"`
	Strategy         string    `json:"retentionStrategy"`
	RetainedAt       time.Time `json:"retainedAt"`
	ScheduledCleanup time.Time `json:"scheduledCleanup"`
	DeleteBranch     bool      `json:"deleteBranch"`
}

// CleanupOptions control worktree disposal once a task reaches a terminal
// state.
type CleanupOptions struct {
	DeleteBranch      bool
	Success           bool
	RetentionStrategy config.RetentionStrategy
	RetentionHours    int
}

// Cleanup disposes of a worktree per the retention policy: retained
// worktrees get a marker file for the expiry sweep, everything else is
// removed immediately.
func (m *Manager) Cleanup(ctx context.Context, localRepo, worktreePath, branch string, opts CleanupOptions) error {
	if m.shouldRetain(opts) {
		return m.writeRetentionInfo(localRepo, worktreePath, branch, opts)
	}
	return m.removeWorktree(ctx, localRepo, worktreePath, branch, opts.DeleteBranch)
}

func (m *Manager) shouldRetain(opts CleanupOptions) bool {
	switch opts.RetentionStrategy {
	case config.RetentionKeepOnFailure:
		return !opts.Success
	case config.RetentionKeepForHours:
		return true
	default:
		return false
	}
}

func (m *Manager) writeRetentionInfo(localRepo, worktreePath, branch string, opts CleanupOptions) error {
	hours := opts.RetentionHours
	if hours <= 0 {
		hours = 24
	}
	now := time.Now().UTC()
	info := RetentionInfo{
		Branch:           branch,
		LocalRepoPath:    localRepo,
		Success:          opts.Success,
		Strategy:         string(opts.RetentionStrategy),
		RetainedAt:       now,
		ScheduledCleanup: now.Add(time.Duration(hours) * time.Hour),
		DeleteBranch:     opts.DeleteBranch,
	}

	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal retention info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktreePath, retentionInfoFile), raw, 0o644); err != nil {
		return fmt.Errorf("write retention info: %w", err)
	}

	m.log.Info("worktree retained",
		zap.String("path", worktreePath),
		zap.String("strategy", info.Strategy),
		zap.Time("scheduled_cleanup", info.ScheduledCleanup))
	return nil
}

// removeWorktree removes the worktree directory, optionally the branch, and
// prunes stale worktree entries. Individual failures are logged, not
// returned; by this point the task is already terminal.
func (m *Manager) removeWorktree(ctx context.Context, localRepo, worktreePath, branch string, deleteBranch bool) error {
	if err := m.removeWorktreeDir(ctx, worktreePath, localRepo); err != nil {
		m.log.Warn("failed to remove worktree directory",
			zap.String("path", worktreePath), zap.Error(err))
		return err
	}

	if deleteBranch && branch != "" && localRepo != "" {
		if out, err := m.git(ctx, localRepo, "branch", "-D", branch); err != nil {
			m.log.Warn("failed to delete branch",
				zap.String("branch", branch), zap.String("output", out))
		}
	}

	if localRepo != "" {
		m.prune(ctx, localRepo)
	}
	return nil
}

// removeWorktreeDir removes a worktree directory via git worktree remove,
// falling back to plain removal plus a prune.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	if repoPath != "" {
		out, err := m.git(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
		if err == nil {
			return nil
		}
		m.log.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", out))
	}

	if err := os.RemoveAll(worktreePath); err != nil {
		return err
	}
	if repoPath != "" {
		m.prune(ctx, repoPath)
	}
	return nil
}

// CleanupExpired sweeps base (the worktrees base path when empty) and
// removes every retained worktree whose hold expired, plus any directory
// older than WORKTREE_MAX_AGE_HOURS regardless of marker.
func (m *Manager) CleanupExpired(ctx context.Context, base string) error {
	if base == "" {
		var err error
		base, err = m.WorktreesBase()
		if err != nil {
			return err
		}
	}

	owners, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read worktrees base: %w", err)
	}

	maxAge := maxWorktreeAge()
	now := time.Now()
	removed := 0

	// Layout: base/<owner>/<name>/<worktree-dir>.
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(base, owner.Name()))
		if err != nil {
			continue
		}
		for _, repo := range repos {
			if !repo.IsDir() {
				continue
			}
			worktrees, err := os.ReadDir(filepath.Join(base, owner.Name(), repo.Name()))
			if err != nil {
				continue
			}
			for _, wt := range worktrees {
				if !wt.IsDir() {
					continue
				}
				path := filepath.Join(base, owner.Name(), repo.Name(), wt.Name())
				expired, info := holdExpired(path, now, maxAge)
				if !expired {
					continue
				}
				m.removeExpired(ctx, path, info)
				removed++
			}
		}
	}

	if removed > 0 {
		m.log.Info("removed expired worktrees", zap.Int("count", removed))
	}
	return nil
}

func (m *Manager) removeExpired(ctx context.Context, path string, info *RetentionInfo) {
	if info != nil && info.LocalRepoPath != "" {
		if err := m.removeWorktree(ctx, info.LocalRepoPath, path, info.Branch, info.DeleteBranch); err == nil {
			return
		}
	}
	if err := os.RemoveAll(path); err != nil {
		m.log.Warn("failed to remove expired worktree",
			zap.String("path", path), zap.Error(err))
	}
}

// holdExpired reports whether the worktree at path is due for removal. A
// parsable marker is authoritative for its scheduled time; directory age
// against maxAge is the backstop either way.
func holdExpired(path string, now time.Time, maxAge time.Duration) (bool, *RetentionInfo) {
	raw, err := os.ReadFile(filepath.Join(path, retentionInfoFile))
	if err == nil {
		var info RetentionInfo
		if jsonErr := json.Unmarshal(raw, &info); jsonErr == nil {
			if !info.ScheduledCleanup.IsZero() && !info.ScheduledCleanup.After(now) {
				return true, &info
			}
			if olderThan(path, now, maxAge) {
				return true, &info
			}
			return false, nil
		}
	}
	return olderThan(path, now, maxAge), nil
}

func olderThan(path string, now time.Time, maxAge time.Duration) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return now.Sub(fi.ModTime()) > maxAge
}

func maxWorktreeAge() time.Duration {
	if v := os.Getenv("WORKTREE_MAX_AGE_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			return time.Duration(hours) * time.Hour
		}
	}
	return defaultMaxWorktreeAge
}
