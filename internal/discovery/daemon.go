// Package discovery polls GitHub for labeled issues and PR follow-up
// comments and enqueues work for the task pipeline. It runs no jobs
// itself.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/githubapi"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/taskstore"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// GitHub is the slice of the gateway the discovery loop needs.
type GitHub interface {
	SearchIssues(ctx context.Context, repo, query string) ([]*githubapi.Issue, error)
	ListOpenPRsWithLabel(ctx context.Context, owner, repo, label string, since time.Time) ([]*githubapi.PullRequest, error)
	ListNewComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]githubapi.Comment, error)
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	BotLogin(ctx context.Context) (string, error)
}

// PollStats is a snapshot of the most recent poll cycle for the status
// endpoint.
type PollStats struct {
	LastPollAt        time.Time `json:"last_poll_at"`
	LastDurationMs    int64     `json:"last_duration_ms"`
	IssuesEnqueued    int       `json:"issues_enqueued"`
	FollowupsEnqueued int       `json:"followups_enqueued"`
	Errors            int       `json:"errors"`
}

// Daemon is the discovery polling loop.
type Daemon struct {
	id       string
	cfg      *config.Config
	settings *config.Loader
	gh       GitHub
	queue    *queue.Queue
	store    *taskstore.Store
	log      *logger.Logger

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	running   atomic.Bool

	// lastPoll anchors the PR updated-since window. Touched only from
	// the poll loop goroutine.
	lastPoll time.Time

	statsMu sync.Mutex
	stats   PollStats
}

// NewDaemon creates a discovery daemon. The daemon id is derived from
// hostname and pid so parallel daemons stay distinguishable in the
// status map.
func NewDaemon(cfg *config.Config, settings *config.Loader, gh GitHub, q *queue.Queue, store *taskstore.Store, log *logger.Logger) *Daemon {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Daemon{
		id:       fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		cfg:      cfg,
		settings: settings,
		gh:       gh,
		queue:    q,
		store:    store,
		log:      log.WithFields(zap.String("component", "discovery")),
	}
}

// ID returns the daemon's identity in the shared status map.
func (d *Daemon) ID() string { return d.id }

// Running reports whether the polling loop is live. Safe to call from
// other goroutines.
func (d *Daemon) Running() bool { return d.running.Load() }

// Start begins the polling loop. Calling Start more than once without
// Stop is a no-op.
func (d *Daemon) Start(ctx context.Context) {
	if d.started {
		return
	}
	d.started = true
	d.startedAt = time.Now()
	d.running.Store(true)
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.pollLoop(ctx)

	d.log.Info("discovery daemon started",
		zap.String("daemon_id", d.id),
		zap.Duration("interval", d.cfg.Discovery.PollingInterval()))
}

// Stop cancels the polling loop, waits for it to finish, and removes
// the daemon's heartbeat.
func (d *Daemon) Stop() {
	if !d.started {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.started = false
	d.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.RemoveHeartbeat(ctx, d.id); err != nil {
		d.log.Warn("failed to remove heartbeat", zap.Error(err))
	}
	d.log.Info("discovery daemon stopped")
}

// Stats returns the most recent poll cycle's numbers.
func (d *Daemon) Stats() PollStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Daemon) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	// Run an initial poll immediately so labeled issues are picked up on
	// startup.
	d.poll(ctx)

	ticker := time.NewTicker(d.cfg.Discovery.PollingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll runs one discovery cycle: heartbeat, settings refresh, issue
// search, PR follow-up search.
func (d *Daemon) poll(ctx context.Context) {
	start := time.Now()
	pollsTotal.Inc()

	d.heartbeat(ctx)

	snap, err := d.settings.LoadAll()
	if err != nil {
		// Keep polling with the last valid snapshot.
		d.log.Warn("settings refresh failed", zap.Error(err))
		snap = d.settings.Current()
	}
	if snap == nil {
		pollErrorsTotal.Inc()
		d.log.Error("no valid settings snapshot, skipping poll")
		return
	}

	issues, issueErrs := d.pollIssues(ctx, snap)
	followups, followupErrs := d.pollFollowups(ctx, snap, start)

	d.lastPoll = start

	d.statsMu.Lock()
	d.stats = PollStats{
		LastPollAt:        start,
		LastDurationMs:    time.Since(start).Milliseconds(),
		IssuesEnqueued:    issues,
		FollowupsEnqueued: followups,
		Errors:            issueErrs + followupErrs,
	}
	d.statsMu.Unlock()

	d.log.Debug("poll cycle complete",
		zap.Int("issues_enqueued", issues),
		zap.Int("followups_enqueued", followups),
		zap.Int("errors", issueErrs+followupErrs),
		zap.Duration("took", time.Since(start)))
}

// requestCtx bounds one GitHub request (including pagination) to the
// configured search timeout.
func (d *Daemon) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.cfg.Discovery.SearchTimeout())
}

func (d *Daemon) heartbeat(ctx context.Context) {
	var repos []string
	if snap := d.settings.Current(); snap != nil {
		for _, r := range snap.EnabledRepos() {
			repos = append(repos, r.Name)
		}
	}

	hb := &v1.DaemonHeartbeat{
		DaemonID:  d.id,
		PID:       os.Getpid(),
		UptimeSec: int64(time.Since(d.startedAt).Seconds()),
		Status:    "active",
		Repos:     repos,
	}
	ttl := 2 * d.cfg.Discovery.PollingInterval()
	if err := d.store.RecordHeartbeat(ctx, hb, ttl); err != nil {
		d.log.Warn("heartbeat failed", zap.Error(err))
	}
}

// createTask records the task and its QUEUED event after a successful
// enqueue. State-store trouble is logged, not fatal: the queue is the
// source of work.
func (d *Daemon) createTask(ctx context.Context, task *v1.Task, reason string, metadata map[string]interface{}) {
	if err := d.store.CreateTask(ctx, task); err != nil {
		d.log.Warn("failed to create task record",
			zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}
	if _, err := d.store.AppendEvent(ctx, task.TaskID, v1.TaskStateQueued, reason, metadata); err != nil {
		d.log.Warn("failed to append queued event",
			zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

func isAlreadyQueued(err error) bool {
	return errors.Is(err, queue.ErrJobExists)
}
