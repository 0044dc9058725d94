// Package queue implements a named durable FIFO job queue on Redis with
// per-job idempotency, exponential retry backoff and bounded-parallelism
// workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
)

var (
	// ErrJobExists is returned by Add when the job id is still live
	// (waiting, active or delayed). Callers treat it as a no-op.
	ErrJobExists = errors.New("job already exists")

	// ErrJobNotFound is returned when the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")
)

// Job states stored in the job hash.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const (
	// DefaultAttempts is the number of tries a job gets before landing in
	// the failed set.
	DefaultAttempts = 3

	// DefaultBackoffDelay seeds the exponential retry schedule.
	DefaultBackoffDelay = 2 * time.Second

	maxBackoffDelay = 5 * time.Minute
	completedJobTTL = 24 * time.Hour
)

// Job is one unit of work plus its queue bookkeeping.
type Job struct {
	ID           string
	Name         string
	Payload      json.RawMessage
	AttemptsMade int
	MaxAttempts  int
	BackoffDelay time.Duration
	State        string
	Progress     int
	CreatedAt    time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
	LastError    string
}

// Backoff describes the retry delay policy for a job. Only exponential is
// implemented.
type Backoff struct {
	Type  string
	Delay time.Duration
}

// AddOptions control job identity and retry behavior.
type AddOptions struct {
	// JobID enforces idempotency: re-adding a live id is a no-op. Empty
	// means a random id.
	JobID    string
	Attempts int
	Backoff  Backoff
}

// Counts is a point-in-time depth snapshot of the queue.
type Counts struct {
	Waiting int64
	Active  int64
	Delayed int64
	Failed  int64
}

// Queue is a named durable FIFO queue on Redis.
type Queue struct {
	name string
	rdb  *redis.Client
	log  *logger.Logger
}

// New creates a Queue. The Redis client is shared with the caller.
func New(name string, rdb *redis.Client, log *logger.Logger) *Queue {
	return &Queue{name: name, rdb: rdb, log: log}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) prefix() string          { return "queue:" + q.name + ":" }
func (q *Queue) waitKey() string         { return q.prefix() + "wait" }
func (q *Queue) activeKey() string       { return q.prefix() + "active" }
func (q *Queue) delayedKey() string      { return q.prefix() + "delayed" }
func (q *Queue) failedKey() string       { return q.prefix() + "failed" }
func (q *Queue) jobsKey() string         { return q.prefix() + "jobs" }
func (q *Queue) jobKey(id string) string { return q.prefix() + "job:" + id }

// Add enqueues a job. Registration, hash write and wait push happen in one
// atomic script so a crash can't leave a half-registered job. Returns
// ErrJobExists when the id is already live.
func (q *Queue) Add(ctx context.Context, name string, payload any, opts AddOptions) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff.Delay <= 0 {
		opts.Backoff.Delay = DefaultBackoffDelay
	}

	now := time.Now()
	added, err := addScript.Run(ctx, q.rdb,
		[]string{q.jobsKey(), q.jobKey(opts.JobID), q.waitKey(), q.failedKey()},
		opts.JobID, name, string(raw),
		opts.Attempts, opts.Backoff.Delay.Milliseconds(), now.UnixMilli(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("add job: %w", err)
	}
	if added == 0 {
		return nil, ErrJobExists
	}

	q.log.Debug("job enqueued",
		zap.String("queue", q.name),
		zap.String("job_id", opts.JobID),
		zap.String("job_name", name))

	return &Job{
		ID:           opts.JobID,
		Name:         name,
		Payload:      raw,
		MaxAttempts:  opts.Attempts,
		BackoffDelay: opts.Backoff.Delay,
		State:        StateWaiting,
		CreatedAt:    now,
	}, nil
}

// Job loads a job by id.
func (q *Queue) Job(ctx context.Context, jobID string) (*Job, error) {
	vals, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromHash(jobID, vals), nil
}

func jobFromHash(id string, vals map[string]string) *Job {
	job := &Job{
		ID:        id,
		Name:      vals["name"],
		Payload:   json.RawMessage(vals["payload"]),
		State:     vals["state"],
		LastError: vals["lastError"],
	}
	job.AttemptsMade, _ = strconv.Atoi(vals["attemptsMade"])
	job.MaxAttempts, _ = strconv.Atoi(vals["maxAttempts"])
	job.Progress, _ = strconv.Atoi(vals["progress"])
	if ms, err := strconv.ParseInt(vals["backoffDelayMs"], 10, 64); err == nil {
		job.BackoffDelay = time.Duration(ms) * time.Millisecond
	}
	job.CreatedAt = msTime(vals["createdAt"])
	job.ProcessedAt = msTime(vals["processedAt"])
	job.FinishedAt = msTime(vals["finishedAt"])
	return job
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// UpdateProgress records a 0-100 progress value on a live job.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	exists, err := q.rdb.Exists(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("check job %s: %w", jobID, err)
	}
	if exists == 0 {
		return ErrJobNotFound
	}
	return q.rdb.HSet(ctx, q.jobKey(jobID), "progress", progress).Err()
}

// Counts returns current queue depths.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.waitKey())
	active := pipe.LLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	return Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

// Drain removes all waiting and delayed jobs. Active and failed jobs are
// left alone.
func (q *Queue) Drain(ctx context.Context) error {
	waiting, err := q.rdb.LRange(ctx, q.waitKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	delayed, err := q.rdb.ZRange(ctx, q.delayedKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, q.waitKey(), q.delayedKey())
	for _, id := range append(waiting, delayed...) {
		pipe.SRem(ctx, q.jobsKey(), id)
		pipe.Del(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}

	q.log.Info("queue drained",
		zap.String("queue", q.name),
		zap.Int("jobs_removed", len(waiting)+len(delayed)))
	return nil
}

// Obliterate deletes every key belonging to the queue, failed jobs
// included.
func (q *Queue) Obliterate(ctx context.Context) error {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, q.prefix()+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("scan queue keys: %w", err)
		}
		if len(keys) > 0 {
			if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete queue keys: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	q.log.Info("queue obliterated",
		zap.String("queue", q.name),
		zap.Int("keys_deleted", deleted))
	return nil
}

// promoteDue moves delayed jobs whose run time has passed back to wait.
func (q *Queue) promoteDue(ctx context.Context, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.waitKey()},
		time.Now().UnixMilli(), limit, q.prefix()+"job:",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}
