package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/agent"
	"github.com/gitfix/gitfix/internal/gitrepo"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// processIssue drives one labeled issue from PROCESSING to a terminal
// state. Errors returned here are retryable at the job level; every
// terminal outcome is written before returning nil.
func (p *Pipeline) processIssue(ctx context.Context, r *run) error {
	p.transition(ctx, r, v1.TaskStateProcessing, "job claimed")

	primary := r.primaryLabel()
	if primary == "" {
		p.terminal(ctx, r, v1.TaskStateFailed, "no primary label configured", nil)
		return nil
	}

	// Revalidation: the issue may have changed between poll and claim.
	issue, err := p.gh.GetIssue(ctx, r.owner, r.repo, r.payload.Ref.Number)
	if err != nil {
		return fmt.Errorf("revalidate issue #%d: %w", r.payload.Ref.Number, err)
	}
	r.issue = issue

	if !issue.HasLabel(primary) {
		p.terminal(ctx, r, v1.TaskStateSkipped, "primary tag missing", nil)
		return nil
	}
	if issue.HasLabel(r.snap.DoneLabel(primary)) {
		p.terminal(ctx, r, v1.TaskStateSkipped, "already done", nil)
		return nil
	}

	if err := p.gh.AddLabel(ctx, r.owner, r.repo, issue.Number, r.snap.ProcessingLabel(primary)); err != nil {
		return fmt.Errorf("add processing label: %w", err)
	}
	r.processingLabeled = true
	p.comment(ctx, r, startedComment(issue, r.payload.Ref.CorrelationID))
	p.milestone(ctx, r, v1.TaskStateProcessing, 25, "issue revalidated")

	// Workspace: shared clone plus an isolated worktree on a fresh branch.
	token, _, err := p.gh.InstallationToken(ctx)
	if err != nil {
		return fmt.Errorf("obtain installation token: %w", err)
	}
	r.token = token

	if _, err := p.git.EnsureCloned(ctx, r.owner, r.repo, token); err != nil {
		return fmt.Errorf("ensure clone: %w", err)
	}

	worktree, err := p.git.CreateWorktree(ctx, r.owner, r.repo, issue.Number, issue.Title, "", r.payload.Model)
	if err != nil {
		if errors.Is(err, gitrepo.ErrDefaultBranchUndetectable) {
			p.failTask(ctx, r, "default branch undetectable", err, "")
			return nil
		}
		return fmt.Errorf("create worktree: %w", err)
	}
	r.worktree = worktree

	// Worktree disposal is owed from here on, whatever the outcome. The
	// branch survives only a successful PR, where it is the PR's head.
	success := false
	defer func() {
		p.cleanupWorktree(ctx, r, success, !success)
	}()

	p.milestone(ctx, r, v1.TaskStateProcessing, 50, "workspace ready")

	// Agent run.
	p.transition(ctx, r, v1.TaskStateClaudeExecution, "agent starting")
	result, runErr := p.runAgent(ctx, r, issuePrompt(r, issue))
	r.result = result

	if runErr != nil {
		if isAgentFailure(runErr) || result == nil {
			p.failTask(ctx, r, agentFailureReason(runErr), runErr, r.snap.FailedClaudeLabel(primary))
			return nil
		}
		return fmt.Errorf("agent run: %w", runErr)
	}
	if !result.Success {
		reason := "agent reported failure"
		var agentErr error
		if result.Final != nil && result.Final.Error != "" {
			agentErr = errors.New(result.Final.Error)
		}
		p.failTask(ctx, r, reason, agentErr, r.snap.FailedClaudeLabel(primary))
		return nil
	}

	p.milestone(ctx, r, v1.TaskStateClaudeExecution, 75, "agent run complete")
	p.transition(ctx, r, v1.TaskStatePostProcessing, "post-processing started")

	// Post-processing: commit, push, PR, validate.
	if len(result.ModifiedFiles) == 0 {
		p.completeNoChanges(ctx, r, primary)
		success = true
		return nil
	}
	p.publishDiff(ctx, r)

	commitMsg := ""
	if result.Final != nil {
		commitMsg = result.Final.SuggestedCommitMessage
	}
	sha, err := p.git.CommitChanges(ctx, worktree.Path, commitMsg, issue.Number, issue.Title)
	if err != nil {
		if errors.Is(err, gitrepo.ErrNoChanges) {
			p.completeNoChanges(ctx, r, primary)
			success = true
			return nil
		}
		return fmt.Errorf("commit changes: %w", err)
	}
	r.log.Info("changes committed",
		zap.String("sha", sha),
		zap.Int("modified_files", len(result.ModifiedFiles)))
	p.milestone(ctx, r, v1.TaskStatePostProcessing, 80, "changes committed")

	if err := p.git.PushBranch(ctx, worktree.Path, worktree.Branch); err != nil {
		return fmt.Errorf("push branch %s: %w", worktree.Branch, err)
	}

	pr, validateErr := p.openAndValidatePR(ctx, r, issue)
	if validateErr != nil {
		p.failTask(ctx, r, "pull request validation failed", validateErr,
			r.snap.FailedPostProcessingLabel(primary))
		return nil
	}
	p.milestone(ctx, r, v1.TaskStatePostProcessing, 95, "pull request verified")

	// Done: outcome labels, completion comment, terminal event.
	p.swapLabels(ctx, r, r.snap.ProcessingLabel(primary), r.snap.DoneLabel(primary))
	p.comment(ctx, r, completionComment(issue, pr, result))
	p.terminal(ctx, r, v1.TaskStateCompleted, "pull request opened", map[string]interface{}{
		"pr": map[string]interface{}{
			"number": pr.Number,
			"url":    pr.HTMLURL,
		},
		"commit":         sha,
		"modified_files": len(result.ModifiedFiles),
	})
	success = true
	return nil
}

// completeNoChanges finishes a task whose agent run succeeded without
// touching any files.
func (p *Pipeline) completeNoChanges(ctx context.Context, r *run, primary string) {
	r.log.Info("agent made no changes")
	p.swapLabels(ctx, r, r.snap.ProcessingLabel(primary), r.snap.DoneLabel(primary))
	p.comment(ctx, r, noChangesComment(r.result))
	p.terminal(ctx, r, v1.TaskStateCompleted, "no changes needed", nil)
}

// failTask finishes a task as FAILED: outcome label, failure comment,
// terminal event. failLabel may be empty for failures outside the two
// classified kinds.
func (p *Pipeline) failTask(ctx context.Context, r *run, reason string, cause error, failLabel string) {
	primary := r.primaryLabel()
	remove := ""
	if r.processingLabeled {
		remove = r.snap.ProcessingLabel(primary)
	}
	p.swapLabels(ctx, r, remove, failLabel)
	p.comment(ctx, r, failureComment(r.taskID, reason, cause))

	metadata := map[string]interface{}{}
	if cause != nil {
		metadata["error"] = cause.Error()
	}
	if failLabel != "" {
		metadata["label"] = failLabel
	}
	p.terminal(ctx, r, v1.TaskStateFailed, reason, metadata)
}

// agentFailureReason maps adapter failure modes to history reasons.
func agentFailureReason(err error) string {
	switch {
	case errors.Is(err, agent.ErrTimedOut):
		return "agent timed out"
	case errors.Is(err, agent.ErrAgentStalled):
		return "agent stalled"
	case errors.Is(err, agent.ErrAgentCrashed):
		return "agent crashed"
	default:
		return "agent failed to run"
	}
}
