package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitfix/gitfix/internal/githubapi"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

func TestPRProbeFindsExistingPRAfter422(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	// Creation is rejected because a PR for this head already exists.
	env.gh.createPRErr = fmt.Errorf("pull request already exists: %w", githubapi.ErrValidationFailed)
	env.gh.setOpenPRForHead("octo:gitfix/issue-7", &githubapi.PullRequest{
		Number: 40, State: "open",
		HTMLURL: "https://github.com/octo/webapp/pull/40",
		HeadRef: "gitfix/issue-7",
	})

	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))
	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateCompleted, taskStatus(t, env, "octo-webapp-7"))
	assert.Contains(t, env.gh.added, "fix-me-done")

	// The probe found the PR; no emergency run was needed.
	assert.Equal(t, 1, env.agent.callCount())

	comments := env.gh.commentBodies()
	require.Len(t, comments, 2)
	assert.Contains(t, comments[1], "https://github.com/octo/webapp/pull/40")
}

func TestPRValidationEmergencyRetryRecovers(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	env.gh.createPRErr = fmt.Errorf("502: %w", githubapi.ErrTransient)
	env.gh.branches["gitfix/issue-7"] = true

	// The emergency run "creates" the PR out of band.
	env.agent.runs = []scriptedRun{successfulRun(), successfulRun()}
	env.agent.onRun = func(call int) {
		if call == 1 {
			env.gh.setOpenPRForHead("octo:gitfix/issue-7", &githubapi.PullRequest{
				Number: 44, State: "open",
				HTMLURL: "https://github.com/octo/webapp/pull/44",
				HeadRef: "gitfix/issue-7",
			})
		}
	}

	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))
	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateCompleted, taskStatus(t, env, "octo-webapp-7"))

	require.Equal(t, 2, env.agent.callCount())
	emergency := env.agent.prompt(1)
	assert.Contains(t, emergency, "Create the pull request only")
	assert.Contains(t, emergency, "already committed and pushed")
	assert.Contains(t, emergency, "gitfix/issue-7")

	comments := env.gh.commentBodies()
	require.Len(t, comments, 2)
	assert.Contains(t, comments[1], "https://github.com/octo/webapp/pull/44")
}

func TestPRValidationExhaustionFailsPostProcessing(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	// Creation fails, no PR ever appears, but the branch is on the
	// remote: the telling "push succeeded, PR missing" case.
	env.gh.createPRErr = fmt.Errorf("502: %w", githubapi.ErrTransient)
	env.gh.branches["gitfix/issue-7"] = true
	env.agent.runs = []scriptedRun{successfulRun(), successfulRun()}

	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))
	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateFailed, taskStatus(t, env, "octo-webapp-7"))
	reasons := historyReasons(t, env, "octo-webapp-7")
	assert.Equal(t, "pull request validation failed", reasons[len(reasons)-1])

	assert.Equal(t, []string{"fix-me-processing", "fix-me-failed-post-processing"}, env.gh.added)
	assert.Equal(t, []string{"fix-me-processing"}, env.gh.removed)

	// One normal and one emergency agent run.
	assert.Equal(t, 2, env.agent.callCount())

	comments := env.gh.commentBodies()
	require.Len(t, comments, 2)
	assert.Contains(t, comments[1], "pull request validation failed")
	assert.Contains(t, comments[1], "PR missing")

	cleanups := env.git.cleanupCalls()
	require.Len(t, cleanups, 1)
	assert.True(t, cleanups[0].DeleteBranch)
	assert.False(t, cleanups[0].Success)
}

func TestPRProbeDetectsMissingBranch(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	// No PR and no branch on the remote: the push itself is suspect.
	env.gh.createPRErr = fmt.Errorf("502: %w", githubapi.ErrTransient)
	env.agent.runs = []scriptedRun{successfulRun(), successfulRun()}

	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))
	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateFailed, taskStatus(t, env, "octo-webapp-7"))

	comments := env.gh.commentBodies()
	require.Len(t, comments, 2)
	assert.Contains(t, comments[1], "missing on remote")
}
