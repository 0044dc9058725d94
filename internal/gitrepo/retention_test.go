package gitrepo

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gitfix/gitfix/internal/common/config"
)

func TestCleanup_AlwaysDelete(t *testing.T) {
	ctx := context.Background()
	src := initSourceRepo(t)
	m, repoPath := newTestManager(t, src)

	wt, err := m.CreateWorktree(ctx, "octo", "webapp", 1, "cleanup test", "main", "")
	if err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}

	err = m.Cleanup(ctx, repoPath, wt.Path, wt.Branch, CleanupOptions{
		DeleteBranch:      true,
		Success:           false,
		RetentionStrategy: config.RetentionAlwaysDelete,
	})
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Errorf("worktree directory still exists after cleanup")
	}
	if m.localBranchExists(ctx, repoPath, wt.Branch) {
		t.Errorf("branch %q still exists after cleanup", wt.Branch)
	}
}

func TestCleanup_KeepForHoursWritesMarker(t *testing.T) {
	ctx := context.Background()
	wtPath := t.TempDir()
	m := NewManager(config.GitConfig{
		ClonesBasePath:    t.TempDir(),
		WorktreesBasePath: t.TempDir(),
	}, nil, newTestLogger())

	err := m.Cleanup(ctx, "/repo", wtPath, "ai-fix/1-test-20260101-abc", CleanupOptions{
		DeleteBranch:      true,
		Success:           false,
		RetentionStrategy: config.RetentionKeepForHours,
		RetentionHours:    6,
	})
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(wtPath, retentionInfoFile))
	if err != nil {
		t.Fatalf("retention marker not written: %v", err)
	}

	var info RetentionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("unmarshal marker: %v", err)
	}
	if info.Branch != "ai-fix/1-test-20260101-abc" {
		t.Errorf("marker branch = %q", info.Branch)
	}
	if !info.DeleteBranch {
		t.Errorf("marker deleteBranch = false, want true")
	}

	hold := time.Until(info.ScheduledCleanup)
	if hold < 5*time.Hour+55*time.Minute || hold > 6*time.Hour+5*time.Minute {
		t.Errorf("scheduledCleanup %v from now, want ~6h", hold)
	}
}

func TestCleanup_KeepOnFailure(t *testing.T) {
	ctx := context.Background()
	m := NewManager(config.GitConfig{
		ClonesBasePath:    t.TempDir(),
		WorktreesBasePath: t.TempDir(),
	}, nil, newTestLogger())

	// Failure retains the worktree.
	failed := t.TempDir()
	err := m.Cleanup(ctx, "", failed, "b", CleanupOptions{
		Success:           false,
		RetentionStrategy: config.RetentionKeepOnFailure,
		RetentionHours:    1,
	})
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(failed, retentionInfoFile)); err != nil {
		t.Errorf("failed worktree not retained: %v", err)
	}

	// Success deletes it.
	succeeded := t.TempDir()
	err = m.Cleanup(ctx, "", succeeded, "b", CleanupOptions{
		Success:           true,
		RetentionStrategy: config.RetentionKeepOnFailure,
	})
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(succeeded); !os.IsNotExist(err) {
		t.Errorf("successful worktree still exists")
	}
}

func writeMarker(t *testing.T, dir string, scheduled time.Time) {
	t.Helper()
	info := RetentionInfo{
		Branch:           "ai-fix/1-x-20260101-abc",
		Strategy:         string(config.RetentionKeepForHours),
		RetainedAt:       time.Now().UTC().Add(-time.Hour),
		ScheduledCleanup: scheduled,
	}
	raw, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal marker: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, retentionInfoFile), raw, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	m := NewManager(config.GitConfig{
		ClonesBasePath:    t.TempDir(),
		WorktreesBasePath: base,
	}, nil, newTestLogger())

	repoDir := filepath.Join(base, "octo", "webapp")

	due := filepath.Join(repoDir, "issue-1-20260101T000000Z")
	future := filepath.Join(repoDir, "issue-2-20260101T000000Z")
	aged := filepath.Join(repoDir, "issue-3-20260101T000000Z")
	fresh := filepath.Join(repoDir, "issue-4-20260101T000000Z")
	for _, dir := range []string{due, future, aged, fresh} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	writeMarker(t, due, time.Now().UTC().Add(-time.Minute))
	writeMarker(t, future, time.Now().UTC().Add(time.Hour))

	// No marker, but older than the age cap.
	old := time.Now().Add(-80 * time.Hour)
	if err := os.Chtimes(aged, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := m.CleanupExpired(ctx, ""); err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}

	for _, gone := range []string{due, aged} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Errorf("%s still exists, want removed", filepath.Base(gone))
		}
	}
	for _, kept := range []string{future, fresh} {
		if _, err := os.Stat(kept); err != nil {
			t.Errorf("%s removed, want kept: %v", filepath.Base(kept), err)
		}
	}
}

func TestCleanupExpired_MissingBase(t *testing.T) {
	m := NewManager(config.GitConfig{
		ClonesBasePath:    t.TempDir(),
		WorktreesBasePath: filepath.Join(t.TempDir(), "nope"),
	}, nil, newTestLogger())
	if err := m.CleanupExpired(context.Background(), ""); err != nil {
		t.Fatalf("CleanupExpired on missing base = %v, want nil", err)
	}
}

func TestMaxWorktreeAge(t *testing.T) {
	t.Setenv("WORKTREE_MAX_AGE_HOURS", "")
	if got := maxWorktreeAge(); got != defaultMaxWorktreeAge {
		t.Errorf("maxWorktreeAge() = %v, want %v", got, defaultMaxWorktreeAge)
	}
	t.Setenv("WORKTREE_MAX_AGE_HOURS", "6")
	if got := maxWorktreeAge(); got != 6*time.Hour {
		t.Errorf("maxWorktreeAge() with env = %v, want 6h", got)
	}
	t.Setenv("WORKTREE_MAX_AGE_HOURS", "garbage")
	if got := maxWorktreeAge(); got != defaultMaxWorktreeAge {
		t.Errorf("maxWorktreeAge() with bad env = %v, want default", got)
	}
}
