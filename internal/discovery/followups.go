package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/stringutil"
	"github.com/gitfix/gitfix/internal/githubapi"
	"github.com/gitfix/gitfix/internal/queue"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

const (
	// prOverlap widens the updated-since window so PRs touched right
	// around the previous poll are not missed.
	prOverlap = 2 * time.Minute

	// commentFloor bounds how far back comments are ever fetched.
	commentFloor = 24 * time.Hour
)

// windowToken names the batch window a follow-up job belongs to. Polls
// inside the same minute share a token, so re-polls dedupe on job id.
func windowToken(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format("20060102T1504")
}

// pollFollowups scans labeled open PRs for fresh whitelisted comments
// that mention a follow-up keyword and batches them into one job per
// PR. Returns the number of batch jobs enqueued and the number of
// failures.
func (d *Daemon) pollFollowups(ctx context.Context, snap *config.Snapshot, pollStart time.Time) (enqueued, failed int) {
	bctx, cancel := d.requestCtx(ctx)
	botLogin, err := d.gh.BotLogin(bctx)
	cancel()
	if err != nil {
		// Without the bot identity we cannot filter our own comments, and
		// reacting to them would loop. Skip follow-ups this cycle.
		pollErrorsTotal.Inc()
		d.log.Warn("bot login lookup failed, skipping follow-up scan", zap.Error(err))
		return 0, 1
	}

	since := pollStart.Add(-commentFloor)
	if !d.lastPoll.IsZero() {
		since = d.lastPoll.Add(-prOverlap)
	}

	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(searchParallelism)

	for _, repo := range snap.EnabledRepos() {
		group.Go(func() error {
			n, f := d.pollRepoFollowups(ctx, snap, repo, botLogin, since, pollStart)
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

// pollRepoFollowups scans one repo's labeled open PRs for new comments.
func (d *Daemon) pollRepoFollowups(ctx context.Context, snap *config.Snapshot, repo config.RepoConfig, botLogin string, since, pollStart time.Time) (enqueued, failed int) {
	lctx, cancel := d.requestCtx(ctx)
	prs, err := d.gh.ListOpenPRsWithLabel(lctx, repo.Owner(), repo.Repo(), snap.PRLabel, since)
	cancel()
	if err != nil {
		pollErrorsTotal.Inc()
		d.log.Warn("PR listing failed",
			zap.String("repo", repo.Name),
			zap.Error(err))
		return 0, 1
	}

	for _, pr := range prs {
		n, err := d.scanPR(ctx, snap, repo, pr, botLogin, pollStart)
		if err != nil {
			pollErrorsTotal.Inc()
			failed++
			d.log.Warn("PR comment scan failed",
				zap.String("repo", repo.Name),
				zap.Int("pr", pr.Number),
				zap.Error(err))
			continue
		}
		enqueued += n
	}
	return enqueued, failed
}

// scanPR fetches one PR's new comments, filters them, and enqueues a
// batch job when anything matched. The watermark only advances after
// the batch is safely on the queue, so a failed enqueue retries the
// same comments next poll.
func (d *Daemon) scanPR(ctx context.Context, snap *config.Snapshot, repo config.RepoConfig, pr *githubapi.PullRequest, botLogin string, pollStart time.Time) (int, error) {
	owner, name := repo.Owner(), repo.Repo()

	commentsSince := pollStart.Add(-commentFloor)
	watermark, ok, err := d.store.LastCommentTime(ctx, owner, name, pr.Number)
	if err != nil {
		return 0, err
	}
	if ok && watermark.After(commentsSince) {
		commentsSince = watermark
	}

	cctx, cancel := d.requestCtx(ctx)
	comments, err := d.gh.ListNewComments(cctx, owner, name, pr.Number, commentsSince)
	cancel()
	if err != nil {
		return 0, err
	}

	var matched []v1.FollowupComment
	var newest time.Time
	for _, c := range comments {
		// The since parameter is inclusive; the watermark marks a comment
		// already handled.
		if !c.CreatedAt.After(commentsSince) {
			continue
		}
		if c.CreatedAt.After(newest) {
			newest = c.CreatedAt
		}
		if !snap.IsWhitelisted(c.Author) {
			continue
		}
		if strings.EqualFold(c.Author, botLogin) {
			continue
		}
		if !matchesKeyword(c.Body, snap.FollowupKeywords) {
			continue
		}
		matched = append(matched, v1.FollowupComment{
			ID:        c.ID,
			Author:    c.Author,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
			URL:       c.HTMLURL,
		})
	}

	if newest.IsZero() {
		return 0, nil
	}

	if len(matched) == 0 {
		// Everything new was filtered out deterministically; the watermark
		// can skip past it.
		return 0, d.store.SetLastCommentTime(ctx, owner, name, pr.Number, newest)
	}

	window := windowToken(pollStart)
	payload := v1.JobPayload{
		Type: v1.TaskTypePRComment,
		Ref: v1.IssueRef{
			RepoOwner:     owner,
			RepoName:      name,
			Number:        pr.Number,
			Type:          v1.TaskTypePRComment,
			CorrelationID: uuid.NewString(),
		},
		PRBranch:    pr.HeadRef,
		Comments:    matched,
		WindowStart: window,
	}

	job, err := d.queue.Add(ctx, string(v1.TaskTypePRComment), payload, queue.AddOptions{
		JobID: v1.FollowupJobID(owner, name, pr.Number, window),
	})
	if isAlreadyQueued(err) {
		// A batch for this window is already live. Leave the watermark
		// alone so the next window picks these comments up again.
		d.log.Debug("follow-up batch already queued",
			zap.String("repo", repo.Name),
			zap.Int("pr", pr.Number),
			zap.String("window", window))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	followupsEnqueuedTotal.Inc()
	d.log.Info("follow-up batch enqueued",
		zap.String("repo", repo.Name),
		zap.Int("pr", pr.Number),
		zap.Int("comments", len(matched)),
		zap.String("job_id", job.ID))

	task := &v1.Task{
		TaskID:         v1.FollowupTaskID(owner, name, pr.Number, window),
		JobID:          job.ID,
		CorrelationID:  payload.Ref.CorrelationID,
		Repository:     repo.Name,
		IssueNumber:    pr.Number,
		TaskType:       v1.TaskTypePRComment,
		InitialJobData: job.Payload,
	}
	d.createTask(ctx, task, "follow-up comments discovered", map[string]interface{}{
		"comments": len(matched),
	})

	if err := d.store.SetLastCommentTime(ctx, owner, name, pr.Number, newest); err != nil {
		return 1, err
	}
	return 1, nil
}

func matchesKeyword(body string, keywords []string) bool {
	for _, kw := range keywords {
		if stringutil.ContainsWord(body, kw) {
			return true
		}
	}
	return false
}
