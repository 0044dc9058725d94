package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitfix/gitfix/internal/agent"
	"github.com/gitfix/gitfix/internal/githubapi"
	"github.com/gitfix/gitfix/internal/queue"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

const followupWindow = "20260825T1200"

// seedFollowupJob registers an open PR and enqueues a comment batch for
// it the way discovery would.
func (env *pipeEnv) seedFollowupJob(t *testing.T, pr *githubapi.PullRequest, comments ...v1.FollowupComment) *queue.Job {
	t.Helper()
	ctx := context.Background()

	env.gh.prs[pr.Number] = pr

	payload := v1.JobPayload{
		Type: v1.TaskTypePRComment,
		Ref: v1.IssueRef{
			RepoOwner: "octo", RepoName: "webapp", Number: pr.Number,
			Type: v1.TaskTypePRComment, CorrelationID: "corr-followup",
		},
		PRBranch:    pr.HeadRef,
		Comments:    comments,
		WindowStart: followupWindow,
	}
	taskID := payload.TaskIDForPayload()

	require.NoError(t, env.store.CreateTask(ctx, &v1.Task{
		TaskID:        taskID,
		JobID:         v1.FollowupJobID("octo", "webapp", pr.Number, followupWindow),
		CorrelationID: payload.Ref.CorrelationID,
		Repository:    "octo/webapp",
		IssueNumber:   pr.Number,
		TaskType:      v1.TaskTypePRComment,
	}))
	_, err := env.store.AppendEvent(ctx, taskID, v1.TaskStateQueued, "comment batch collected", nil)
	require.NoError(t, err)

	job, err := env.queue.Add(ctx, string(v1.TaskTypePRComment), payload,
		queue.AddOptions{JobID: v1.FollowupJobID("octo", "webapp", pr.Number, followupWindow), Attempts: 3})
	require.NoError(t, err)

	job.AttemptsMade = 1
	return job
}

func openPR(number int, headRef string) *githubapi.PullRequest {
	return &githubapi.PullRequest{
		Number:  number,
		Title:   "Fix issue #7: crash on empty payload",
		State:   "open",
		HTMLURL: fmt.Sprintf("https://github.com/octo/webapp/pull/%d", number),
		HeadRef: headRef,
		BaseRef: "main",
	}
}

func reviewComment(id int64, author, body string) v1.FollowupComment {
	return v1.FollowupComment{
		ID: id, Author: author, Body: body,
		CreatedAt: time.Date(2026, 8, 25, 11, 40, 0, 0, time.UTC),
	}
}

func TestFollowupPushesToPRBranch(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	job := env.seedFollowupJob(t, openPR(41, "gitfix/issue-7"),
		reviewComment(1, "alice", "GITFIX please rename the helper"),
		reviewComment(2, "bob", "GITFIX and add a test for the empty case"))

	require.NoError(t, env.p.Process(ctx, job))

	taskID := "pr-comments-batch-octo-webapp-41-" + followupWindow
	assert.Equal(t, v1.TaskStateCompleted, taskStatus(t, env, taskID))
	reasons := historyReasons(t, env, taskID)
	assert.Equal(t, "changes pushed to pull request", reasons[len(reasons)-1])
	assert.Contains(t, reasons, "changes pushed")

	// The work lands on the PR's own branch; no new PR, no labels.
	assert.Equal(t, []string{"gitfix/issue-7"}, env.git.pushed)
	assert.Zero(t, env.gh.createPRCalls)
	assert.Empty(t, env.gh.added)
	assert.Empty(t, env.gh.removed)

	// The PR head branch is never deleted.
	cleanups := env.git.cleanupCalls()
	require.Len(t, cleanups, 1)
	assert.False(t, cleanups[0].DeleteBranch)
	assert.True(t, cleanups[0].Success)

	comments := env.gh.commentBodies()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "Addressed 2 review comment(s)")
	assert.Contains(t, comments[0], "deadbeef12")
}

func TestFollowupPromptAggregatesComments(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	job := env.seedFollowupJob(t, openPR(41, "gitfix/issue-7"),
		reviewComment(1, "alice", "GITFIX please rename the helper"),
		reviewComment(2, "bob", "GITFIX and add a test for the empty case"))

	require.NoError(t, env.p.Process(ctx, job))

	prompt := env.agent.prompt(0)
	for _, want := range []string{
		"pull request #41",
		"gitfix/issue-7",
		"@alice",
		"@bob",
		"please rename the helper",
		"add a test for the empty case",
		"do not commit, push, or open a new pull request",
	} {
		assert.Contains(t, prompt, want)
	}
}

func TestFollowupSkippedWhenPRNotOpen(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	pr := openPR(41, "gitfix/issue-7")
	pr.State = "closed"
	job := env.seedFollowupJob(t, pr, reviewComment(1, "alice", "GITFIX fix this"))

	require.NoError(t, env.p.Process(ctx, job))

	taskID := "pr-comments-batch-octo-webapp-41-" + followupWindow
	assert.Equal(t, v1.TaskStateSkipped, taskStatus(t, env, taskID))
	reasons := historyReasons(t, env, taskID)
	assert.Equal(t, "pull request not open", reasons[len(reasons)-1])
	assert.Zero(t, env.agent.callCount())
}

func TestFollowupNoChangesCompletes(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	run := successfulRun()
	run.result.ModifiedFiles = nil
	env.agent.runs = []scriptedRun{run}

	job := env.seedFollowupJob(t, openPR(41, "gitfix/issue-7"),
		reviewComment(1, "alice", "GITFIX is this still needed?"))

	require.NoError(t, env.p.Process(ctx, job))

	taskID := "pr-comments-batch-octo-webapp-41-" + followupWindow
	assert.Equal(t, v1.TaskStateCompleted, taskStatus(t, env, taskID))
	reasons := historyReasons(t, env, taskID)
	assert.Equal(t, "no changes needed", reasons[len(reasons)-1])

	assert.Empty(t, env.git.pushed)
	comments := env.gh.commentBodies()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "no code changes were needed")
}

func TestFollowupAgentFailureLeavesLabelsAlone(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	env.agent.runs = []scriptedRun{{
		result: &agent.Result{Success: false},
		err:    fmt.Errorf("exit status 137: %w", agent.ErrAgentCrashed),
	}}
	job := env.seedFollowupJob(t, openPR(41, "gitfix/issue-7"),
		reviewComment(1, "alice", "GITFIX fix this"))

	require.NoError(t, env.p.Process(ctx, job))

	taskID := "pr-comments-batch-octo-webapp-41-" + followupWindow
	assert.Equal(t, v1.TaskStateFailed, taskStatus(t, env, taskID))
	reasons := historyReasons(t, env, taskID)
	assert.Equal(t, "agent crashed", reasons[len(reasons)-1])

	// No label lifecycle on follow-ups, even on failure.
	assert.Empty(t, env.gh.added)
	assert.Empty(t, env.gh.removed)

	// The PR branch still survives.
	cleanups := env.git.cleanupCalls()
	require.Len(t, cleanups, 1)
	assert.False(t, cleanups[0].DeleteBranch)
}
