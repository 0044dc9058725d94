package gitrepo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/stringutil"
)

const (
	branchPrefix    = "ai-fix/"
	titleSlugLen    = 30
	modelSlugLen    = 10
	branchSuffixLen = 3
)

// BranchName builds a work branch name for an issue:
// ai-fix/<issue>-<slug>-<yyyymmdd>-<rand>, with a model slug inserted before
// the random suffix when a non-default model was requested. An unusable
// title slugs to "issue".
func BranchName(issueNumber int, title, model string) string {
	slug := stringutil.Slug(title, titleSlugLen)
	if slug == "" {
		slug = "issue"
	}
	name := fmt.Sprintf("%s%d-%s-%s", branchPrefix, issueNumber, slug, time.Now().UTC().Format("20060102"))
	if model != "" {
		if ms := stringutil.Slug(model, modelSlugLen); ms != "" {
			name += "-" + ms
		}
	}
	return name + "-" + stringutil.RandomSuffix(branchSuffixLen)
}

// DefaultBranch resolves the default branch for a repository. Strategies in
// order: per-repo env override, GitHub API, `git remote show origin`, the
// origin HEAD symbolic ref, a probe of common branch names, and finally the
// first listed remote branch. The result is cached for the process
// lifetime.
func (m *Manager) DefaultBranch(ctx context.Context, owner, name, repoPath string) (string, error) {
	key := owner + "/" + name
	if cached, ok := m.defaultBranches.Load(key); ok {
		return cached.(string), nil //nolint:forcetypeassert // only strings are stored
	}

	branch := m.detectDefaultBranch(ctx, owner, name, repoPath)
	if branch == "" {
		return "", ErrDefaultBranchUndetectable
	}

	m.log.WithRepo(owner, name).Debug("detected default branch", zap.String("branch", branch))
	m.defaultBranches.Store(key, branch)
	return branch, nil
}

func (m *Manager) detectDefaultBranch(ctx context.Context, owner, name, repoPath string) string {
	if b := config.DefaultBranchOverride(owner, name); b != "" {
		return b
	}

	if m.gh != nil {
		b, err := m.gh.DefaultBranch(ctx, owner, name)
		if err == nil && b != "" {
			return b
		}
		if err != nil {
			m.log.Debug("default branch lookup via API failed", zap.Error(err))
		}
	}

	// `git remote show origin` asks the remote and prints "HEAD branch: x".
	netCtx, cancel := m.networkCtx(ctx)
	out, err := m.git(netCtx, repoPath, "remote", "show", "origin")
	cancel()
	if err == nil {
		for _, line := range strings.Split(out, "\n") {
			if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "HEAD branch:"); ok {
				if b := strings.TrimSpace(rest); b != "" && b != "(unknown)" {
					return b
				}
			}
		}
	}

	// The symbolic ref recorded at clone time, no network needed.
	if out, err := m.git(ctx, repoPath, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if b, ok := strings.CutPrefix(strings.TrimSpace(out), "refs/remotes/origin/"); ok && b != "" {
			return b
		}
	}

	for _, candidate := range []string{"main", "master", "develop", "trunk"} {
		if m.remoteBranchExists(ctx, repoPath, candidate) {
			return candidate
		}
	}

	if out, err := m.git(ctx, repoPath, "branch", "-r", "--format", "%(refname:short)"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.Contains(line, "HEAD") {
				continue
			}
			if b, ok := strings.CutPrefix(line, "origin/"); ok && b != "" {
				return b
			}
		}
	}

	return ""
}

// remoteBranchExists checks the local remote-tracking refs.
func (m *Manager) remoteBranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := m.git(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	return err == nil
}

// localBranchExists checks the local branch refs.
func (m *Manager) localBranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := m.git(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}
