// Package pipeline turns queued jobs into finished tasks: it revalidates
// the triggering issue, prepares an isolated worktree, runs the coding
// agent in it, and converts the agent's result into commits, a pull
// request, and label transitions. One Pipeline instance serves the whole
// worker pool; per-job state lives in a run value.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/agent"
	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/common/tracing"
	"github.com/gitfix/gitfix/internal/githubapi"
	"github.com/gitfix/gitfix/internal/gitrepo"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/taskstore"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// GitHub is the slice of the gateway the pipeline needs.
type GitHub interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*githubapi.Issue, error)
	GetPR(ctx context.Context, owner, repo string, number int) (*githubapi.PullRequest, error)
	AddLabel(ctx context.Context, owner, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	CreateComment(ctx context.Context, owner, repo string, number int, body string) (int64, error)
	CreatePR(ctx context.Context, owner, repo, head, base, title, body string) (*githubapi.CreatedPR, error)
	ListOpenPRsWithHead(ctx context.Context, owner, repo, head string) ([]*githubapi.PullRequest, error)
	GetBranch(ctx context.Context, owner, repo, branch string) (*githubapi.Branch, error)
	InstallationToken(ctx context.Context) (string, time.Time, error)
}

// Git is the slice of the repo manager the pipeline needs.
type Git interface {
	EnsureCloned(ctx context.Context, owner, name, token string) (string, error)
	CreateWorktree(ctx context.Context, owner, name string, issueNumber int, title, baseBranch, model string) (*gitrepo.Worktree, error)
	CreateWorktreeFromBranch(ctx context.Context, owner, name, branch string) (*gitrepo.Worktree, error)
	Diff(ctx context.Context, worktreePath string) (string, error)
	CommitChanges(ctx context.Context, worktreePath, message string, issueNumber int, title string) (string, error)
	PushBranch(ctx context.Context, worktreePath, branch string) error
	Cleanup(ctx context.Context, localRepo, worktreePath, branch string, opts gitrepo.CleanupOptions) error
}

// Agent runs the external coding agent once and reports its outcome.
type Agent interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.Result, error)
}

// State is the slice of the task store the pipeline writes through.
type State interface {
	AppendEvent(ctx context.Context, taskID string, state v1.TaskState, reason string, metadata map[string]interface{}) (*v1.TaskHistoryEvent, error)
	RecordExecutionStart(ctx context.Context, rec *v1.ExecutionRecord) error
	AppendExecutionDetail(ctx context.Context, taskID, executionID string, detail *v1.ExecutionDetail) error
	RecordExecutionEnd(ctx context.Context, taskID, executionID string, result taskstore.ExecutionResult) error
	UpdateTodos(ctx context.Context, taskID string, todos []v1.Todo) error
	SetCurrentActivity(ctx context.Context, taskID, activity string) error
	AppendLiveEvent(ctx context.Context, taskID string, event v1.LiveEvent) error
	PublishLog(ctx context.Context, taskID, line string)
	PublishDiff(ctx context.Context, taskID, diff string)
	RecordRawOutput(ctx context.Context, taskID, chunk string)
}

// Progress reports job progress back to the queue.
type Progress interface {
	UpdateProgress(ctx context.Context, jobID string, progress int) error
}

// Pipeline executes tasks. It holds only long-lived collaborators; all
// per-job state lives in the run passed between steps.
type Pipeline struct {
	cfg      *config.Config
	settings *config.Loader
	gh       GitHub
	git      Git
	agent    Agent
	state    State
	progress Progress
	tracer   trace.Tracer
	log      *logger.Logger
}

// New creates a Pipeline.
func New(cfg *config.Config, settings *config.Loader, gh GitHub, git Git, ag Agent, state State, progress Progress, log *logger.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		settings: settings,
		gh:       gh,
		git:      git,
		agent:    ag,
		state:    state,
		progress: progress,
		tracer:   tracing.Tracer("gitfix-pipeline"),
		log:      log.WithFields(zap.String("component", "pipeline")),
	}
}

// Handler adapts the pipeline to the queue worker contract.
func (p *Pipeline) Handler() queue.Handler {
	return p.Process
}

// run carries one job's state through the pipeline steps.
type run struct {
	job     *queue.Job
	payload v1.JobPayload
	taskID  string
	owner   string
	repo    string
	snap    *config.Snapshot
	log     *logger.Logger

	issue    *githubapi.Issue
	token    string
	worktree *gitrepo.Worktree
	result   *agent.Result

	// processingLabeled tracks whether this run added <L>-processing,
	// so failure paths know to take it off again.
	processingLabeled bool
}

// finalAttempt reports whether the queue will not redeliver this job.
func (r *run) finalAttempt() bool {
	return r.job.AttemptsMade >= r.job.MaxAttempts
}

// primaryLabel is the label that triggered the task, used for all
// derived label names.
func (r *run) primaryLabel() string {
	if r.payload.PrimaryLabel != "" {
		return r.payload.PrimaryLabel
	}
	if r.snap != nil && len(r.snap.PrimaryLabels) > 0 {
		return r.snap.PrimaryLabels[0]
	}
	return ""
}

// Process executes one claimed job to a terminal state. A nil return
// completes the job: the task ended in COMPLETED, FAILED, or SKIPPED.
// An error return leaves the task non-terminal and lets the queue
// redeliver, except on the final attempt, where the task is failed
// before the error bubbles.
func (p *Pipeline) Process(ctx context.Context, job *queue.Job) error {
	var payload v1.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// Nothing to retry: the payload will not get better.
		p.log.Error("undecodable job payload, dropping",
			zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}

	r := &run{
		job:     job,
		payload: payload,
		taskID:  payload.TaskIDForPayload(),
		owner:   payload.Ref.RepoOwner,
		repo:    payload.Ref.RepoName,
	}
	r.log = p.log.WithTaskID(r.taskID).WithRepo(r.owner, r.repo).WithFields(
		zap.String("job_id", job.ID),
		zap.String("correlation_id", payload.Ref.CorrelationID),
		zap.Int("issue_number", payload.Ref.Number))

	r.snap = p.settings.Current()
	if r.snap == nil {
		snap, err := p.settings.LoadAll()
		if err != nil {
			return p.retryable(ctx, r, fmt.Errorf("no settings snapshot: %w", err))
		}
		r.snap = snap
	}

	ctx, span := tracing.StartTaskSpan(ctx, p.tracer, "pipeline.process",
		r.taskID, payload.Ref.Repository(), payload.Ref.Number)
	start := time.Now()

	var err error
	switch payload.Type {
	case v1.TaskTypeIssue:
		err = p.processIssue(ctx, r)
	case v1.TaskTypePRComment:
		err = p.processFollowup(ctx, r)
	default:
		r.log.Error("unknown task type", zap.String("type", string(payload.Type)))
		p.terminal(ctx, r, v1.TaskStateFailed,
			"unknown task type "+string(payload.Type), nil)
	}
	tracing.EndSpan(span, err)
	taskDuration.WithLabelValues(string(payload.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		return p.retryable(ctx, r, err)
	}
	return nil
}

// retryable records a retry-bound failure. On the final attempt the task
// is failed for good so it does not hang non-terminal forever.
func (p *Pipeline) retryable(ctx context.Context, r *run, err error) error {
	if r.finalAttempt() {
		r.log.Error("task failed, retry budget exhausted",
			zap.Int("attempts", r.job.AttemptsMade), zap.Error(err))
		p.failTask(ctx, r, "retry budget exhausted", err, "")
		return err
	}

	r.log.Warn("task attempt failed, queue will retry",
		zap.Int("attempt", r.job.AttemptsMade),
		zap.Int("max_attempts", r.job.MaxAttempts),
		zap.Error(err))
	if _, aerr := p.state.AppendEvent(ctx, r.taskID, v1.TaskStateProcessing,
		"retry scheduled", map[string]interface{}{
			"error":   err.Error(),
			"attempt": r.job.AttemptsMade,
		}); aerr != nil {
		r.log.Warn("failed to record retry event", zap.Error(aerr))
	}
	return err
}

// terminal appends the closing history event and the 100% progress mark.
// State-store trouble at this point is logged, never propagated: the
// labels and comments already posted are the user-visible outcome.
func (p *Pipeline) terminal(ctx context.Context, r *run, state v1.TaskState, reason string, metadata map[string]interface{}) {
	tasksFinished.WithLabelValues(string(r.payload.Type), string(state)).Inc()

	if err := p.progress.UpdateProgress(ctx, r.job.ID, 100); err != nil {
		r.log.Debug("progress update failed", zap.Error(err))
	}
	if _, err := p.state.AppendEvent(ctx, r.taskID, state, reason, metadata); err != nil {
		r.log.Error("failed to append terminal event",
			zap.String("state", string(state)), zap.Error(err))
	}
	r.log.Info("task finished",
		zap.String("state", string(state)),
		zap.String("reason", reason))
}

// milestone reports a progress checkpoint to the queue and the history.
func (p *Pipeline) milestone(ctx context.Context, r *run, state v1.TaskState, pct int, reason string) {
	if err := p.progress.UpdateProgress(ctx, r.job.ID, pct); err != nil {
		r.log.Debug("progress update failed", zap.Int("progress", pct), zap.Error(err))
	}
	if _, err := p.state.AppendEvent(ctx, r.taskID, state, reason, map[string]interface{}{
		"progress": pct,
	}); err != nil {
		r.log.Warn("failed to record milestone event",
			zap.Int("progress", pct), zap.Error(err))
	}
}

// transition appends a plain state-entry event.
func (p *Pipeline) transition(ctx context.Context, r *run, state v1.TaskState, reason string) {
	if _, err := p.state.AppendEvent(ctx, r.taskID, state, reason, nil); err != nil {
		r.log.Warn("failed to record state transition",
			zap.String("state", string(state)), zap.Error(err))
	}
}

// comment posts to the triggering issue or PR. Comment loss is logged,
// not fatal: comments are a courtesy, labels and history are the record.
func (p *Pipeline) comment(ctx context.Context, r *run, body string) {
	if _, err := p.gh.CreateComment(ctx, r.owner, r.repo, r.payload.Ref.Number, body); err != nil {
		r.log.Warn("failed to post comment", zap.Error(err))
	}
}

// swapLabels replaces the processing label with the outcome label.
// Both operations are idempotent on the gateway side.
func (p *Pipeline) swapLabels(ctx context.Context, r *run, remove, add string) {
	if remove != "" {
		if err := p.gh.RemoveLabel(ctx, r.owner, r.repo, r.payload.Ref.Number, remove); err != nil {
			r.log.Warn("failed to remove label",
				zap.String("label", remove), zap.Error(err))
		}
	}
	if add != "" {
		if err := p.gh.AddLabel(ctx, r.owner, r.repo, r.payload.Ref.Number, add); err != nil {
			r.log.Warn("failed to add label",
				zap.String("label", add), zap.Error(err))
		}
	}
}

// publishDiff pushes the worktree's pending patch to live observers.
// Best-effort: diff trouble never blocks the task.
func (p *Pipeline) publishDiff(ctx context.Context, r *run) {
	diff, err := p.git.Diff(ctx, r.worktree.Path)
	if err != nil {
		r.log.Debug("diff capture failed", zap.Error(err))
		return
	}
	if diff != "" {
		p.state.PublishDiff(ctx, r.taskID, diff)
	}
}

// cleanupWorktree disposes of the run's worktree per the retention
// policy. Called deferred from both flows; a nil worktree means setup
// never got that far.
func (p *Pipeline) cleanupWorktree(ctx context.Context, r *run, success bool, deleteBranch bool) {
	if r.worktree == nil {
		return
	}
	// The parent context may already be cancelled on shutdown paths.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	err := p.git.Cleanup(cleanupCtx, r.worktree.LocalRepoPath, r.worktree.Path, r.worktree.Branch,
		gitrepo.CleanupOptions{
			DeleteBranch:      deleteBranch,
			Success:           success,
			RetentionStrategy: p.cfg.Retention.StrategyValue(),
			RetentionHours:    p.cfg.Retention.RetentionHours,
		})
	if err != nil {
		r.log.Warn("worktree cleanup failed",
			zap.String("worktree", r.worktree.Path), zap.Error(err))
	}
}

// isAgentFailure reports whether the error is one of the agent adapter's
// failure modes, which carry the <L>-failed-claude label.
func isAgentFailure(err error) bool {
	return errors.Is(err, agent.ErrAgentCrashed) ||
		errors.Is(err, agent.ErrAgentStalled) ||
		errors.Is(err, agent.ErrTimedOut)
}
