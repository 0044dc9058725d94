package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/githubapi"
)

// openAndValidatePR creates the pull request for the run's branch and
// proves it exists. A creation error alone does not fail the task: the
// probe decides, and a single emergency agent retry gets a chance to
// create the PR itself before the task is failed.
func (p *Pipeline) openAndValidatePR(ctx context.Context, r *run, issue *githubapi.Issue) (*githubapi.CreatedPR, error) {
	title := prTitle(issue)
	body := prBody(issue, r.result)

	expected := 0
	created, err := p.gh.CreatePR(ctx, r.owner, r.repo,
		r.worktree.Branch, r.worktree.BaseBranch, title, body)
	if err != nil {
		// A 422 usually means a PR for this head already exists; any
		// other failure may still have landed server-side. Probe before
		// judging.
		r.log.Warn("create PR failed, probing for existing PR", zap.Error(err))
	} else {
		expected = created.Number
		r.log.Info("pull request created",
			zap.Int("pr_number", created.Number),
			zap.String("url", created.HTMLURL))
	}

	pr, probeErr := p.probePR(ctx, r, expected)
	if probeErr == nil {
		return pr, nil
	}

	// Emergency retry: one focused agent run whose only task is to open
	// the PR. The code is already committed and pushed.
	prValidationRetries.Inc()
	r.log.Warn("PR validation failed, running emergency retry", zap.Error(probeErr))

	fresh, err := p.gh.GetIssue(ctx, r.owner, r.repo, issue.Number)
	if err != nil {
		return nil, fmt.Errorf("validate repo info before retry: %w", err)
	}

	if _, runErr := p.runAgent(ctx, r, emergencyPRPrompt(r, fresh)); runErr != nil {
		r.log.Warn("emergency retry run failed", zap.Error(runErr))
	}

	pr, retryErr := p.probePR(ctx, r, 0)
	if retryErr != nil {
		return nil, fmt.Errorf("after emergency retry: %w", retryErr)
	}
	return pr, nil
}

// probePR looks for the pull request in three fallback steps: the
// expected number, an open PR with the branch as head, and finally the
// branch itself. A pushed branch with no PR is the telling failure.
func (p *Pipeline) probePR(ctx context.Context, r *run, expected int) (*githubapi.CreatedPR, error) {
	if expected > 0 {
		pr, err := p.gh.GetPR(ctx, r.owner, r.repo, expected)
		if err == nil {
			return &githubapi.CreatedPR{Number: pr.Number, URL: pr.HTMLURL, HTMLURL: pr.HTMLURL}, nil
		}
		if !githubapi.IsNotFound(err) {
			r.log.Warn("PR lookup by number failed",
				zap.Int("pr_number", expected), zap.Error(err))
		}
	}

	head := r.owner + ":" + r.worktree.Branch
	prs, err := p.gh.ListOpenPRsWithHead(ctx, r.owner, r.repo, head)
	if err != nil {
		r.log.Warn("PR lookup by head failed", zap.String("head", head), zap.Error(err))
	} else if len(prs) > 0 {
		pr := prs[0]
		return &githubapi.CreatedPR{Number: pr.Number, URL: pr.HTMLURL, HTMLURL: pr.HTMLURL}, nil
	}

	if _, err := p.gh.GetBranch(ctx, r.owner, r.repo, r.worktree.Branch); err != nil {
		if githubapi.IsNotFound(err) {
			return nil, fmt.Errorf("branch %s missing on remote", r.worktree.Branch)
		}
		return nil, fmt.Errorf("verify branch %s: %w", r.worktree.Branch, err)
	}
	return nil, fmt.Errorf("push succeeded, PR missing for branch %s", r.worktree.Branch)
}
