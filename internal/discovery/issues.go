package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/githubapi"
	"github.com/gitfix/gitfix/internal/queue"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// searchParallelism bounds concurrent per-repo GitHub searches so one
// poll cycle stays inside the search API quota.
const searchParallelism = 4

// pollIssues searches every enabled repo for issues carrying a primary
// label and enqueues one job per issue per label. Repos are scanned in
// parallel. Returns the number of jobs enqueued and the number of
// repo-level failures.
func (d *Daemon) pollIssues(ctx context.Context, snap *config.Snapshot) (enqueued, failed int) {
	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(searchParallelism)

	for _, repo := range snap.EnabledRepos() {
		group.Go(func() error {
			n, f := d.pollRepoIssues(ctx, snap, repo)
			mu.Lock()
			enqueued += n
			failed += f
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return enqueued, failed
}

// pollRepoIssues scans one repo for every primary label.
func (d *Daemon) pollRepoIssues(ctx context.Context, snap *config.Snapshot, repo config.RepoConfig) (enqueued, failed int) {
	for _, label := range snap.PrimaryLabels {
		query := fmt.Sprintf("label:%q -label:%q -label:%q",
			label, snap.ProcessingLabel(label), snap.DoneLabel(label))

		sctx, cancel := d.requestCtx(ctx)
		issues, err := d.gh.SearchIssues(sctx, repo.Name, query)
		cancel()
		if err != nil {
			pollErrorsTotal.Inc()
			failed++
			d.log.Warn("issue search failed",
				zap.String("repo", repo.Name),
				zap.String("label", label),
				zap.Error(err))
			continue
		}

		for _, issue := range issues {
			// The search index lags label changes; trust the labels on
			// the issue itself.
			if !issue.HasLabel(label) ||
				issue.HasLabel(snap.ProcessingLabel(label)) ||
				issue.HasLabel(snap.DoneLabel(label)) {
				continue
			}
			if d.enqueueIssue(ctx, repo, label, issue) {
				enqueued++
			}
		}
	}
	return enqueued, failed
}

// enqueueIssue adds one issue job and its task record. Reports whether
// a new job was actually enqueued.
func (d *Daemon) enqueueIssue(ctx context.Context, repo config.RepoConfig, label string, issue *githubapi.Issue) bool {
	owner, name := repo.Owner(), repo.Repo()
	payload := v1.JobPayload{
		Type: v1.TaskTypeIssue,
		Ref: v1.IssueRef{
			RepoOwner:     owner,
			RepoName:      name,
			Number:        issue.Number,
			Type:          v1.TaskTypeIssue,
			CorrelationID: uuid.NewString(),
		},
		PrimaryLabel: label,
		IssueTitle:   issue.Title,
	}

	job, err := d.queue.Add(ctx, string(v1.TaskTypeIssue), payload, queue.AddOptions{
		JobID: v1.IssueJobID(owner, name, issue.Number, label),
	})
	if isAlreadyQueued(err) {
		d.log.Debug("issue already queued",
			zap.String("repo", repo.Name),
			zap.Int("issue", issue.Number),
			zap.String("label", label))
		return false
	}
	if err != nil {
		pollErrorsTotal.Inc()
		d.log.Warn("failed to enqueue issue job",
			zap.String("repo", repo.Name),
			zap.Int("issue", issue.Number),
			zap.Error(err))
		return false
	}

	issuesEnqueuedTotal.Inc()
	d.log.Info("issue enqueued",
		zap.String("repo", repo.Name),
		zap.Int("issue", issue.Number),
		zap.String("label", label),
		zap.String("job_id", job.ID))

	task := &v1.Task{
		TaskID:         v1.IssueTaskID(owner, name, issue.Number),
		JobID:          job.ID,
		CorrelationID:  payload.Ref.CorrelationID,
		Repository:     repo.Name,
		IssueNumber:    issue.Number,
		TaskType:       v1.TaskTypeIssue,
		InitialJobData: job.Payload,
	}
	d.createTask(ctx, task, "discovered by poll", map[string]interface{}{
		"primary_label": label,
		"issue_title":   issue.Title,
	})
	return true
}
