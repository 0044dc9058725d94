// Package gitrepo manages shared repository clones and the per-task git
// worktrees the pipeline works in.
package gitrepo

import "errors"

var (
	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrNoChanges is returned when a commit is requested but the worktree
	// has nothing staged or modified.
	ErrNoChanges = errors.New("no changes to commit")

	// ErrDefaultBranchUndetectable is returned when every default-branch
	// detection strategy comes up empty.
	ErrDefaultBranchUndetectable = errors.New("default branch undetectable")

	// ErrWorktreeCorrupted is returned when a worktree directory exists but
	// is not usable.
	ErrWorktreeCorrupted = errors.New("worktree directory is corrupted")
)
