package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/gitrepo"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// processFollowup drives one batch of PR comments: the agent works in a
// worktree on the existing PR branch, and the outcome is pushed to the
// same branch. No new PR and no label lifecycle; the summary comment on
// the PR is the user-visible result.
func (p *Pipeline) processFollowup(ctx context.Context, r *run) error {
	p.transition(ctx, r, v1.TaskStateProcessing, "follow-up job claimed")

	pr, err := p.gh.GetPR(ctx, r.owner, r.repo, r.payload.Ref.Number)
	if err != nil {
		return fmt.Errorf("revalidate PR #%d: %w", r.payload.Ref.Number, err)
	}
	if pr.State != "open" {
		p.terminal(ctx, r, v1.TaskStateSkipped, "pull request not open", nil)
		return nil
	}

	branch := r.payload.PRBranch
	if branch == "" {
		branch = pr.HeadRef
	}
	p.milestone(ctx, r, v1.TaskStateProcessing, 25, "pull request revalidated")

	token, _, err := p.gh.InstallationToken(ctx)
	if err != nil {
		return fmt.Errorf("obtain installation token: %w", err)
	}
	r.token = token

	if _, err := p.git.EnsureCloned(ctx, r.owner, r.repo, token); err != nil {
		return fmt.Errorf("ensure clone: %w", err)
	}

	worktree, err := p.git.CreateWorktreeFromBranch(ctx, r.owner, r.repo, branch)
	if err != nil {
		return fmt.Errorf("create worktree from branch %s: %w", branch, err)
	}
	r.worktree = worktree

	// The branch is the PR's head; it is never deleted here, success or
	// not. Only the worktree directory is subject to retention.
	success := false
	defer func() {
		p.cleanupWorktree(ctx, r, success, false)
	}()

	p.milestone(ctx, r, v1.TaskStateProcessing, 50, "workspace ready")

	p.transition(ctx, r, v1.TaskStateClaudeExecution, "agent starting")
	result, runErr := p.runAgent(ctx, r, followupPrompt(r, pr))
	r.result = result

	if runErr != nil {
		if isAgentFailure(runErr) || result == nil {
			p.failTask(ctx, r, agentFailureReason(runErr), runErr, "")
			return nil
		}
		return fmt.Errorf("agent run: %w", runErr)
	}
	if !result.Success {
		var agentErr error
		if result.Final != nil && result.Final.Error != "" {
			agentErr = errors.New(result.Final.Error)
		}
		p.failTask(ctx, r, "agent reported failure", agentErr, "")
		return nil
	}

	p.milestone(ctx, r, v1.TaskStateClaudeExecution, 75, "agent run complete")
	p.transition(ctx, r, v1.TaskStatePostProcessing, "post-processing started")

	if len(result.ModifiedFiles) == 0 {
		p.comment(ctx, r, followupNoChangesComment(r.payload.Comments, result))
		p.terminal(ctx, r, v1.TaskStateCompleted, "no changes needed", nil)
		success = true
		return nil
	}
	p.publishDiff(ctx, r)

	commitMsg := ""
	if result.Final != nil {
		commitMsg = result.Final.SuggestedCommitMessage
	}
	if commitMsg == "" {
		commitMsg = fmt.Sprintf("Address review feedback on PR #%d", pr.Number)
	}
	sha, err := p.git.CommitChanges(ctx, worktree.Path, commitMsg, pr.Number, pr.Title)
	if err != nil {
		if errors.Is(err, gitrepo.ErrNoChanges) {
			p.comment(ctx, r, followupNoChangesComment(r.payload.Comments, result))
			p.terminal(ctx, r, v1.TaskStateCompleted, "no changes needed", nil)
			success = true
			return nil
		}
		return fmt.Errorf("commit changes: %w", err)
	}
	r.log.Info("follow-up changes committed",
		zap.String("sha", sha), zap.String("branch", branch))
	p.milestone(ctx, r, v1.TaskStatePostProcessing, 80, "changes committed")

	if err := p.git.PushBranch(ctx, worktree.Path, branch); err != nil {
		return fmt.Errorf("push branch %s: %w", branch, err)
	}
	p.milestone(ctx, r, v1.TaskStatePostProcessing, 95, "changes pushed")

	p.comment(ctx, r, followupSummaryComment(r.payload.Comments, result, sha))
	p.terminal(ctx, r, v1.TaskStateCompleted, "changes pushed to pull request", map[string]interface{}{
		"branch":             branch,
		"commit":             sha,
		"comments_addressed": len(r.payload.Comments),
	})
	success = true
	return nil
}
