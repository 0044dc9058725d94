package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitfix/gitfix/internal/agent"
	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/githubapi"
	"github.com/gitfix/gitfix/internal/gitrepo"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/taskstore"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// fakeGateway is a hand-rolled GitHub stand-in. Issues and PRs are
// registered by number; label mutations and comments are recorded for
// assertions.
type fakeGateway struct {
	mu        sync.Mutex
	issues    map[int]*githubapi.Issue
	prs       map[int]*githubapi.PullRequest
	prsByHead map[string][]*githubapi.PullRequest
	branches  map[string]bool

	added    []string
	removed  []string
	comments []string

	getIssueErr   error
	addLabelErr   error
	tokenErr      error
	createPRErr   error
	createPRCalls int
	nextPRNumber  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		issues:       make(map[int]*githubapi.Issue),
		prs:          make(map[int]*githubapi.PullRequest),
		prsByHead:    make(map[string][]*githubapi.PullRequest),
		branches:     make(map[string]bool),
		nextPRNumber: 41,
	}
}

func (f *fakeGateway) GetIssue(ctx context.Context, owner, repo string, number int) (*githubapi.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getIssueErr != nil {
		return nil, f.getIssueErr
	}
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d: %w", number, githubapi.ErrNotFound)
	}
	return issue, nil
}

func (f *fakeGateway) GetPR(ctx context.Context, owner, repo string, number int) (*githubapi.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return nil, fmt.Errorf("pr #%d: %w", number, githubapi.ErrNotFound)
	}
	return pr, nil
}

func (f *fakeGateway) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addLabelErr != nil {
		return f.addLabelErr
	}
	f.added = append(f.added, label)
	return nil
}

func (f *fakeGateway) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, label)
	return nil
}

func (f *fakeGateway) CreateComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return int64(len(f.comments)), nil
}

func (f *fakeGateway) CreatePR(ctx context.Context, owner, repo, head, base, title, body string) (*githubapi.CreatedPR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createPRCalls++
	if f.createPRErr != nil {
		return nil, f.createPRErr
	}
	number := f.nextPRNumber
	f.nextPRNumber++
	url := fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, number)
	f.prs[number] = &githubapi.PullRequest{
		Number: number, Title: title, State: "open", HTMLURL: url, HeadRef: head,
	}
	return &githubapi.CreatedPR{Number: number, URL: url, HTMLURL: url}, nil
}

func (f *fakeGateway) ListOpenPRsWithHead(ctx context.Context, owner, repo, head string) ([]*githubapi.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prsByHead[head], nil
}

func (f *fakeGateway) GetBranch(ctx context.Context, owner, repo, branch string) (*githubapi.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.branches[branch] {
		return nil, fmt.Errorf("branch %s: %w", branch, githubapi.ErrNotFound)
	}
	return &githubapi.Branch{Name: branch, SHA: "abc123"}, nil
}

func (f *fakeGateway) InstallationToken(ctx context.Context) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", time.Time{}, f.tokenErr
	}
	return "ghs_testtoken", time.Now().Add(time.Hour), nil
}

func (f *fakeGateway) commentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

func (f *fakeGateway) setOpenPRForHead(head string, pr *githubapi.PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prsByHead[head] = []*githubapi.PullRequest{pr}
}

// fakeGit fabricates worktrees without touching disk and records every
// cleanup call with its options.
type fakeGit struct {
	mu        sync.Mutex
	commitSHA string
	diff      string

	worktreeErr error
	commitErr   error
	pushErr     error

	pushed    []string
	cleanups  []gitrepo.CleanupOptions
	diffCalls int
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		commitSHA: "deadbeef1234567890",
		diff:      "diff --git a/main.go b/main.go\n",
	}
}

func (f *fakeGit) EnsureCloned(ctx context.Context, owner, name, token string) (string, error) {
	return "/srv/gitfix/repos/" + owner + "/" + name, nil
}

func (f *fakeGit) CreateWorktree(ctx context.Context, owner, name string, issueNumber int, title, baseBranch, model string) (*gitrepo.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.worktreeErr != nil {
		return nil, f.worktreeErr
	}
	return &gitrepo.Worktree{
		LocalRepoPath: "/srv/gitfix/repos/" + owner + "/" + name,
		Path:          fmt.Sprintf("/srv/gitfix/worktrees/%s-%s-%d", owner, name, issueNumber),
		Branch:        fmt.Sprintf("gitfix/issue-%d", issueNumber),
		BaseBranch:    "main",
	}, nil
}

func (f *fakeGit) CreateWorktreeFromBranch(ctx context.Context, owner, name, branch string) (*gitrepo.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.worktreeErr != nil {
		return nil, f.worktreeErr
	}
	return &gitrepo.Worktree{
		LocalRepoPath: "/srv/gitfix/repos/" + owner + "/" + name,
		Path:          "/srv/gitfix/worktrees/" + owner + "-" + name + "-" + branch,
		Branch:        branch,
		BaseBranch:    "main",
	}, nil
}

func (f *fakeGit) Diff(ctx context.Context, worktreePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffCalls++
	return f.diff, nil
}

func (f *fakeGit) CommitChanges(ctx context.Context, worktreePath, message string, issueNumber int, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return "", f.commitErr
	}
	return f.commitSHA, nil
}

func (f *fakeGit) PushBranch(ctx context.Context, worktreePath, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, branch)
	return nil
}

func (f *fakeGit) Cleanup(ctx context.Context, localRepo, worktreePath, branch string, opts gitrepo.CleanupOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, opts)
	return nil
}

func (f *fakeGit) cleanupCalls() []gitrepo.CleanupOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gitrepo.CleanupOptions(nil), f.cleanups...)
}

// scriptedRun is one planned agent invocation: the events to emit, then
// the result to return.
type scriptedRun struct {
	events []agent.Event
	result *agent.Result
	err    error
}

// fakeAgent pops scripted runs in order; the last one repeats. Prompts
// are captured for assertions. onRun, when set, fires after each call
// with the zero-based call index.
type fakeAgent struct {
	mu      sync.Mutex
	runs    []scriptedRun
	prompts []string
	reqs    []agent.RunRequest
	onRun   func(call int)
}

func (f *fakeAgent) Run(ctx context.Context, req agent.RunRequest) (*agent.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.reqs = append(f.reqs, req)
	idx := len(f.prompts) - 1
	if idx >= len(f.runs) {
		idx = len(f.runs) - 1
	}
	run := f.runs[idx]
	hook := f.onRun
	f.mu.Unlock()

	for _, ev := range run.events {
		select {
		case req.Events <- ev:
		default:
		}
	}
	if hook != nil {
		hook(idx)
	}
	return run.result, run.err
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeAgent) prompt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[i]
}

func successfulRun() scriptedRun {
	turns := 12
	cost := 0.42
	return scriptedRun{
		result: &agent.Result{
			Success: true,
			Final: &agent.FinalResult{
				Success:                true,
				NumTurns:               &turns,
				CostUSD:                &cost,
				Summary:                "Fixed the nil dereference in the request handler.",
				SuggestedCommitMessage: "Fix nil dereference in request handler",
			},
			ModifiedFiles: []string{"internal/server/handler.go"},
			SessionID:     "sess-1",
			Model:         "sonnet",
			ExecutionTime: 90 * time.Second,
			Output:        `{"type":"final","success":true}`,
		},
	}
}

const pipelineSettings = `{
  "repos_to_monitor": [{"name": "octo/webapp", "enabled": true}],
  "settings": {"worker_concurrency": 2},
  "pr_label": "gitfix",
  "primary_processing_labels": ["fix-me"]
}`

type pipeEnv struct {
	p     *Pipeline
	gh    *fakeGateway
	git   *fakeGit
	agent *fakeAgent
	store *taskstore.Store
	queue *queue.Queue
}

func newPipeEnv(t *testing.T) *pipeEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	settingsPath := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(settingsPath, []byte(pipelineSettings), 0o644))

	cfg := &config.Config{
		Queue: config.QueueConfig{Name: "test-tasks"},
		Settings: config.SettingsConfig{
			FilePath:         settingsPath,
			ProcessingSuffix: "-processing",
			DoneSuffix:       "-done",
		},
		Retention: config.RetentionConfig{
			Strategy:       string(config.RetentionAlwaysDelete),
			RetentionHours: 24,
		},
	}

	loader := config.NewLoader(cfg, log)
	_, err = loader.LoadAll()
	require.NoError(t, err)

	gh := newFakeGateway()
	git := newFakeGit()
	ag := &fakeAgent{runs: []scriptedRun{successfulRun()}}
	store := taskstore.New(rdb, log)
	q := queue.New(cfg.Queue.Name, rdb, log)

	return &pipeEnv{
		p:     New(cfg, loader, gh, git, ag, store, q, log),
		gh:    gh,
		git:   git,
		agent: ag,
		store: store,
		queue: q,
	}
}

// seedIssueJob registers the issue on the fake gateway and enqueues the
// job the way discovery would, returning it as if just claimed.
func (env *pipeEnv) seedIssueJob(t *testing.T, issue *githubapi.Issue) *queue.Job {
	t.Helper()
	ctx := context.Background()

	env.gh.issues[issue.Number] = issue

	payload := v1.JobPayload{
		Type: v1.TaskTypeIssue,
		Ref: v1.IssueRef{
			RepoOwner: "octo", RepoName: "webapp", Number: issue.Number,
			Type: v1.TaskTypeIssue, CorrelationID: "corr-test",
		},
		PrimaryLabel: "fix-me",
		IssueTitle:   issue.Title,
	}
	taskID := payload.TaskIDForPayload()

	require.NoError(t, env.store.CreateTask(ctx, &v1.Task{
		TaskID:        taskID,
		JobID:         v1.IssueJobID("octo", "webapp", issue.Number, "fix-me"),
		CorrelationID: payload.Ref.CorrelationID,
		Repository:    "octo/webapp",
		IssueNumber:   issue.Number,
		TaskType:      v1.TaskTypeIssue,
	}))
	_, err := env.store.AppendEvent(ctx, taskID, v1.TaskStateQueued, "discovered by poll", nil)
	require.NoError(t, err)

	job, err := env.queue.Add(ctx, string(v1.TaskTypeIssue), payload,
		queue.AddOptions{JobID: v1.IssueJobID("octo", "webapp", issue.Number, "fix-me"), Attempts: 3})
	require.NoError(t, err)

	// The worker increments before handing the job to the handler.
	job.AttemptsMade = 1
	return job
}

func labeledIssue(number int, labels ...string) *githubapi.Issue {
	return &githubapi.Issue{
		Number:  number,
		Title:   "crash on empty payload",
		Body:    "POSTing an empty body crashes the server.",
		State:   "open",
		HTMLURL: fmt.Sprintf("https://github.com/octo/webapp/issues/%d", number),
		Author:  "alice",
		Labels:  labels,
	}
}

func historyReasons(t *testing.T, env *pipeEnv, taskID string) []string {
	t.Helper()
	history, err := env.store.GetHistory(context.Background(), taskID)
	require.NoError(t, err)
	reasons := make([]string, 0, len(history))
	for _, ev := range history {
		reasons = append(reasons, ev.Reason)
	}
	return reasons
}

func taskStatus(t *testing.T, env *pipeEnv, taskID string) v1.TaskState {
	t.Helper()
	snap, err := env.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return snap.Status
}

func TestIssueFlowOpensPR(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))

	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateCompleted, taskStatus(t, env, "octo-webapp-7"))
	assert.Equal(t, []string{
		"discovered by poll",
		"job claimed",
		"issue revalidated",
		"workspace ready",
		"agent starting",
		"agent run complete",
		"post-processing started",
		"changes committed",
		"pull request verified",
		"pull request opened",
	}, historyReasons(t, env, "octo-webapp-7"))

	// Label lifecycle: processing on, then swapped for done.
	assert.Equal(t, []string{"fix-me-processing", "fix-me-done"}, env.gh.added)
	assert.Equal(t, []string{"fix-me-processing"}, env.gh.removed)

	comments := env.gh.commentBodies()
	require.Len(t, comments, 2)
	assert.Contains(t, comments[0], "Started working")
	assert.Contains(t, comments[1], "https://github.com/octo/webapp/pull/41")

	// The pending patch was published before commit.
	diff, err := env.store.GetDiff(ctx, "octo-webapp-7")
	require.NoError(t, err)
	assert.Equal(t, "diff --git a/main.go b/main.go\n", diff)

	// Progress lands on 100 in the job record.
	stored, err := env.queue.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Progress)

	// One worktree cleanup, branch kept as the PR head.
	cleanups := env.git.cleanupCalls()
	require.Len(t, cleanups, 1)
	assert.True(t, cleanups[0].Success)
	assert.False(t, cleanups[0].DeleteBranch)

	assert.Equal(t, 1, env.gh.createPRCalls)
	assert.Equal(t, 1, env.agent.callCount())
}

func TestIssuePromptCarriesFullContext(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))
	require.NoError(t, env.p.Process(ctx, job))

	prompt := env.agent.prompt(0)
	for _, want := range []string{
		"octo",
		"webapp",
		"/srv/gitfix/worktrees/octo-webapp-7",
		"gitfix/issue-7",
		"main",
		"#7",
		"crash on empty payload",
		"https://github.com/octo/webapp/issues/7",
		"POSTing an empty body crashes the server.",
	} {
		assert.Contains(t, prompt, want)
	}
	// The agent must never commit or push on its own.
	assert.Contains(t, prompt, "do not commit, push, or open a pull request")
}

func TestIssueSkippedWhenPrimaryLabelGone(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	// The label was removed between poll and claim.
	job := env.seedIssueJob(t, labeledIssue(7, "help wanted"))

	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateSkipped, taskStatus(t, env, "octo-webapp-7"))
	reasons := historyReasons(t, env, "octo-webapp-7")
	assert.Equal(t, "primary tag missing", reasons[len(reasons)-1])

	// Skips happen before any side effects.
	assert.Empty(t, env.gh.added)
	assert.Empty(t, env.gh.commentBodies())
	assert.Zero(t, env.agent.callCount())
}

func TestIssueSkippedWhenAlreadyDone(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	job := env.seedIssueJob(t, labeledIssue(7, "fix-me", "fix-me-done"))

	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateSkipped, taskStatus(t, env, "octo-webapp-7"))
	reasons := historyReasons(t, env, "octo-webapp-7")
	assert.Equal(t, "already done", reasons[len(reasons)-1])
	assert.Empty(t, env.gh.added)
	assert.Zero(t, env.agent.callCount())
}

func TestIssueAgentTimeoutFailsWithClaudeLabel(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	env.agent.runs = []scriptedRun{{
		result: &agent.Result{Success: false, Output: "partial"},
		err:    fmt.Errorf("after 3600s: %w", agent.ErrTimedOut),
	}}
	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))

	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateFailed, taskStatus(t, env, "octo-webapp-7"))
	reasons := historyReasons(t, env, "octo-webapp-7")
	assert.Equal(t, "agent timed out", reasons[len(reasons)-1])

	// Processing label comes off, the agent-failure label goes on.
	assert.Equal(t, []string{"fix-me-processing", "fix-me-failed-claude"}, env.gh.added)
	assert.Equal(t, []string{"fix-me-processing"}, env.gh.removed)

	comments := env.gh.commentBodies()
	require.Len(t, comments, 2)
	assert.Contains(t, comments[1], "failed")
	assert.Contains(t, comments[1], "octo-webapp-7")

	// Failed runs surrender the branch with the worktree.
	cleanups := env.git.cleanupCalls()
	require.Len(t, cleanups, 1)
	assert.False(t, cleanups[0].Success)
	assert.True(t, cleanups[0].DeleteBranch)
}

func TestIssueAgentReportedFailure(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	env.agent.runs = []scriptedRun{{
		result: &agent.Result{
			Success: false,
			Final:   &agent.FinalResult{Success: false, Error: "could not reproduce the bug"},
		},
	}}
	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))

	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateFailed, taskStatus(t, env, "octo-webapp-7"))
	reasons := historyReasons(t, env, "octo-webapp-7")
	assert.Equal(t, "agent reported failure", reasons[len(reasons)-1])
	assert.Contains(t, env.gh.added, "fix-me-failed-claude")
}

func TestIssueNoChangesCompletes(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	run := successfulRun()
	run.result.ModifiedFiles = nil
	env.agent.runs = []scriptedRun{run}
	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))

	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateCompleted, taskStatus(t, env, "octo-webapp-7"))
	reasons := historyReasons(t, env, "octo-webapp-7")
	assert.Equal(t, "no changes needed", reasons[len(reasons)-1])

	// Done label still applied; no PR attempted, no diff captured.
	assert.Equal(t, []string{"fix-me-processing", "fix-me-done"}, env.gh.added)
	assert.Zero(t, env.gh.createPRCalls)
	assert.Zero(t, env.git.diffCalls)

	comments := env.gh.commentBodies()
	require.Len(t, comments, 2)
	assert.Contains(t, comments[1], "no code changes were needed")
}

func TestIssueCleanTreeAfterCommitCompletes(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	// The agent lists modified files but the tree is clean at commit time.
	env.git.commitErr = gitrepo.ErrNoChanges
	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))

	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateCompleted, taskStatus(t, env, "octo-webapp-7"))
	reasons := historyReasons(t, env, "octo-webapp-7")
	assert.Equal(t, "no changes needed", reasons[len(reasons)-1])
	assert.Zero(t, env.gh.createPRCalls)
}

func TestIssueDefaultBranchUndetectableFailsTerminally(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	env.git.worktreeErr = fmt.Errorf("clone octo/webapp: %w", gitrepo.ErrDefaultBranchUndetectable)
	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))

	require.NoError(t, env.p.Process(ctx, job))

	assert.Equal(t, v1.TaskStateFailed, taskStatus(t, env, "octo-webapp-7"))
	reasons := historyReasons(t, env, "octo-webapp-7")
	assert.Equal(t, "default branch undetectable", reasons[len(reasons)-1])

	// Unclassified failure: processing comes off, no failure label goes on.
	assert.Equal(t, []string{"fix-me-processing"}, env.gh.added)
	assert.Equal(t, []string{"fix-me-processing"}, env.gh.removed)
	assert.Zero(t, env.agent.callCount())
}

func TestTransientErrorLeavesTaskRetryable(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))
	env.gh.getIssueErr = fmt.Errorf("503: %w", githubapi.ErrTransient)

	err := env.p.Process(ctx, job)
	require.Error(t, err)

	// Non-terminal: the queue owns the retry.
	assert.Equal(t, v1.TaskStateProcessing, taskStatus(t, env, "octo-webapp-7"))
	reasons := historyReasons(t, env, "octo-webapp-7")
	assert.Equal(t, "retry scheduled", reasons[len(reasons)-1])
	assert.Empty(t, env.gh.added)
	assert.Empty(t, env.gh.commentBodies())
}

func TestFinalAttemptConvertsToTerminalFailure(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))
	job.AttemptsMade = job.MaxAttempts
	env.gh.getIssueErr = fmt.Errorf("503: %w", githubapi.ErrTransient)

	err := env.p.Process(ctx, job)
	require.Error(t, err)

	assert.Equal(t, v1.TaskStateFailed, taskStatus(t, env, "octo-webapp-7"))
	reasons := historyReasons(t, env, "octo-webapp-7")
	assert.Equal(t, "retry budget exhausted", reasons[len(reasons)-1])

	// The run never added the processing label, so nothing is removed
	// and no failure label is applied.
	assert.Empty(t, env.gh.added)
	assert.Empty(t, env.gh.removed)
}

func TestUnknownTaskTypeFailsWithoutRetry(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	payload := v1.JobPayload{
		Type: "bogus",
		Ref:  v1.IssueRef{RepoOwner: "octo", RepoName: "webapp", Number: 7},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	job := &queue.Job{ID: "j1", Payload: raw, AttemptsMade: 1, MaxAttempts: 3}

	require.NoError(t, env.p.Process(ctx, job))

	history, err := env.store.GetHistory(ctx, "octo-webapp-7")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, v1.TaskStateFailed, last.State)
	assert.Equal(t, "unknown task type bogus", last.Reason)
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	job := &queue.Job{ID: "j1", Payload: json.RawMessage(`{nope`), AttemptsMade: 1, MaxAttempts: 3}
	assert.NoError(t, env.p.Process(ctx, job))
	assert.Zero(t, env.agent.callCount())
}

func TestAgentStreamMirroredToStore(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	run := successfulRun()
	run.events = []agent.Event{
		{Type: agent.EventThought, Content: "Reading the handler code"},
		{Type: agent.EventToolUse, ToolName: "edit_file", ToolInput: json.RawMessage(`{"path":"handler.go"}`)},
		{Type: agent.EventToolResult, Result: "ok"},
		{Type: agent.EventTodoUpdate, Todos: []v1.Todo{
			{ID: "1", Status: v1.TodoStatusCompleted, Content: "find the bug"},
			{ID: "2", Status: v1.TodoStatusInProgress, Content: "fix the handler"},
		}},
		{Type: agent.EventRawLog, Content: "raw adapter line"},
	}
	env.agent.runs = []scriptedRun{run}
	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))

	require.NoError(t, env.p.Process(ctx, job))

	live, err := env.store.GetLiveDetails(ctx, "octo-webapp-7")
	require.NoError(t, err)
	require.Len(t, live.Todos, 2)
	assert.Equal(t, "fix the handler", live.CurrentTask)
	assert.Len(t, live.Events, 3)
	assert.Equal(t, "thought", live.Events[0].Type)
	assert.Equal(t, "edit_file", live.Events[1].ToolName)

	logs, err := env.store.GetLogs(ctx, "octo-webapp-7")
	require.NoError(t, err)
	assert.Contains(t, logs, "Reading the handler code")
	assert.Contains(t, logs, "tool: edit_file")
	assert.Contains(t, logs, "raw adapter line")
}

func TestMilestoneProgressReachesQueue(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()

	// Push failure on a non-final attempt: the job keeps the last
	// milestone progress instead of jumping to 100.
	env.git.pushErr = errors.New("remote hung up")
	job := env.seedIssueJob(t, labeledIssue(7, "fix-me"))

	err := env.p.Process(ctx, job)
	require.Error(t, err)

	stored, jobErr := env.queue.Job(ctx, job.ID)
	require.NoError(t, jobErr)
	assert.Equal(t, 80, stored.Progress)

	assert.True(t, strings.Contains(err.Error(), "push branch"))
}
