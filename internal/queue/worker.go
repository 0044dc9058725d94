package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
)

// Handler processes one claimed job. A nil return completes the job; an
// error schedules a retry until attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig tunes the consumer pool.
type WorkerConfig struct {
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int

	// BlockTimeout is how long a claim blocks before re-arming.
	BlockTimeout time.Duration

	// StalledAfter marks active jobs older than this as stalled on start.
	StalledAfter time.Duration

	// PromoteInterval is how often due delayed jobs are moved back to wait.
	PromoteInterval time.Duration
}

// Worker consumes a queue with bounded parallelism. Alongside the consumer
// goroutines it runs a promoter for delayed jobs and a depth sampler for
// metrics.
type Worker struct {
	queue   *Queue
	handler Handler
	cfg     WorkerConfig
	log     *logger.Logger

	// cancelClaim stops intake only; cancelRun also aborts in-flight
	// handlers and the aux loops.
	cancelClaim context.CancelFunc
	cancelRun   context.CancelFunc
	consumers   sync.WaitGroup
	aux         sync.WaitGroup
	started     bool
	running     atomic.Bool
	inFlight    atomic.Int64
}

// WorkerStats is a live snapshot of the pool for the status endpoint.
type WorkerStats struct {
	Concurrency int  `json:"concurrency"`
	InFlight    int  `json:"in_flight"`
	Running     bool `json:"running"`
}

// NewWorker creates a worker pool for the queue.
func NewWorker(q *Queue, handler Handler, cfg WorkerConfig, log *logger.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 30 * time.Second
	}
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = time.Hour
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	return &Worker{queue: q, handler: handler, cfg: cfg, log: log}
}

// Start recovers stalled jobs and launches the consumer goroutines.
// Calling Start more than once without Stop is a no-op.
func (w *Worker) Start(ctx context.Context) {
	if w.started {
		return
	}
	w.started = true
	w.running.Store(true)

	runCtx, cancelRun := context.WithCancel(ctx)
	claimCtx, cancelClaim := context.WithCancel(runCtx)
	w.cancelRun = cancelRun
	w.cancelClaim = cancelClaim

	w.recoverStalled(runCtx)

	w.consumers.Add(w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go w.consumeLoop(claimCtx, runCtx)
	}
	w.aux.Add(2)
	go w.promoteLoop(runCtx)
	go w.sampleLoop(runCtx)

	w.log.Info("queue worker started",
		zap.String("queue", w.queue.Name()),
		zap.Int("concurrency", w.cfg.Concurrency))
}

// Stop cancels the loops, aborting in-flight handlers, and waits for
// everything to exit. Shutdown is the graceful variant.
func (w *Worker) Stop() {
	if !w.started {
		return
	}
	w.cancelRun()
	w.consumers.Wait()
	w.aux.Wait()
	w.started = false
	w.running.Store(false)
	w.log.Info("queue worker stopped", zap.String("queue", w.queue.Name()))
}

// Shutdown stops intake immediately and lets in-flight jobs finish until
// ctx expires, then force-cancels whatever is still running. Cancelled
// jobs are left in the active list for stalled recovery on next start.
func (w *Worker) Shutdown(ctx context.Context) {
	if !w.started {
		return
	}
	w.cancelClaim()

	drained := make(chan struct{})
	go func() {
		w.consumers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		w.log.Warn("shutdown grace expired, cancelling in-flight jobs",
			zap.Int64("in_flight", w.inFlight.Load()))
	}
	w.cancelRun()
	<-drained
	w.aux.Wait()
	w.started = false
	w.running.Store(false)
	w.log.Info("queue worker stopped", zap.String("queue", w.queue.Name()))
}

// Stats reports the pool's current shape. Safe to call from other
// goroutines.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Concurrency: w.cfg.Concurrency,
		InFlight:    int(w.inFlight.Load()),
		Running:     w.running.Load(),
	}
}

// consumeLoop claims on claimCtx and processes on runCtx, so intake can
// stop while an in-flight job keeps running.
func (w *Worker) consumeLoop(claimCtx, runCtx context.Context) {
	defer w.consumers.Done()

	for {
		select {
		case <-claimCtx.Done():
			return
		default:
		}

		jobID, err := w.queue.rdb.BRPopLPush(claimCtx,
			w.queue.waitKey(), w.queue.activeKey(), w.cfg.BlockTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if claimCtx.Err() != nil {
				return
			}
			w.log.Warn("queue claim failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-claimCtx.Done():
				return
			}
			continue
		}

		w.process(runCtx, jobID)
	}
}

func (w *Worker) process(ctx context.Context, jobID string) {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	job, err := w.queue.Job(ctx, jobID)
	if err != nil {
		// Orphaned id with no hash; drop it.
		w.queue.rdb.LRem(ctx, w.queue.activeKey(), 1, jobID)
		if !errors.Is(err, ErrJobNotFound) {
			w.log.Error("failed to load claimed job",
				zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}

	job.AttemptsMade++
	job.State = StateActive
	pipe := w.queue.rdb.TxPipeline()
	pipe.HIncrBy(ctx, w.queue.jobKey(jobID), "attemptsMade", 1)
	pipe.HSet(ctx, w.queue.jobKey(jobID),
		"state", StateActive,
		"processedAt", time.Now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error("failed to mark job active",
			zap.String("job_id", jobID), zap.Error(err))
	}

	w.log.Info("job claimed",
		zap.String("queue", w.queue.Name()),
		zap.String("job_id", jobID),
		zap.String("job_name", job.Name),
		zap.Int("attempt", job.AttemptsMade))

	if err := w.handler(ctx, job); err != nil {
		w.retryOrFail(ctx, job, err)
		return
	}
	w.complete(ctx, job)
}

func (w *Worker) complete(ctx context.Context, job *Job) {
	pipe := w.queue.rdb.TxPipeline()
	pipe.LRem(ctx, w.queue.activeKey(), 1, job.ID)
	pipe.HSet(ctx, w.queue.jobKey(job.ID),
		"state", StateCompleted,
		"progress", 100,
		"finishedAt", time.Now().UnixMilli())
	pipe.Expire(ctx, w.queue.jobKey(job.ID), completedJobTTL)
	pipe.SRem(ctx, w.queue.jobsKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error("failed to complete job",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	jobsProcessed.WithLabelValues(w.queue.Name(), "completed").Inc()
	w.log.Info("job completed",
		zap.String("queue", w.queue.Name()),
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name))
}

func (w *Worker) retryOrFail(ctx context.Context, job *Job, jobErr error) {
	if job.AttemptsMade < job.MaxAttempts {
		delay := backoffDelay(job.BackoffDelay, job.AttemptsMade)
		runAt := time.Now().Add(delay)

		pipe := w.queue.rdb.TxPipeline()
		pipe.LRem(ctx, w.queue.activeKey(), 1, job.ID)
		pipe.ZAdd(ctx, w.queue.delayedKey(), redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: job.ID,
		})
		pipe.HSet(ctx, w.queue.jobKey(job.ID),
			"state", StateDelayed,
			"lastError", jobErr.Error())
		if _, err := pipe.Exec(ctx); err != nil {
			w.log.Error("failed to schedule retry",
				zap.String("job_id", job.ID), zap.Error(err))
			return
		}

		jobsProcessed.WithLabelValues(w.queue.Name(), "retried").Inc()
		w.log.Warn("job failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptsMade),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(jobErr))
		return
	}

	// Attempts exhausted: keep the payload in the failed set until an
	// admin clears it, and free the id for re-adds.
	pipe := w.queue.rdb.TxPipeline()
	pipe.LRem(ctx, w.queue.activeKey(), 1, job.ID)
	pipe.ZAdd(ctx, w.queue.failedKey(), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: job.ID,
	})
	pipe.HSet(ctx, w.queue.jobKey(job.ID),
		"state", StateFailed,
		"lastError", jobErr.Error(),
		"finishedAt", time.Now().UnixMilli())
	pipe.SRem(ctx, w.queue.jobsKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error("failed to mark job failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	jobsProcessed.WithLabelValues(w.queue.Name(), "failed").Inc()
	w.log.Error("job failed permanently",
		zap.String("queue", w.queue.Name()),
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name),
		zap.Int("attempts", job.AttemptsMade),
		zap.Error(jobErr))
}

// backoffDelay doubles the base delay per made attempt, capped.
func backoffDelay(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := base << (attemptsMade - 1)
	if delay <= 0 || delay > maxBackoffDelay {
		return maxBackoffDelay
	}
	return delay
}

func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.aux.Done()

	ticker := time.NewTicker(w.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.promoteDue(ctx, 100); err != nil && ctx.Err() == nil {
				w.log.Warn("failed to promote delayed jobs", zap.Error(err))
			}
		}
	}
}

func (w *Worker) sampleLoop(ctx context.Context) {
	defer w.aux.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := w.queue.Counts(ctx)
			if err != nil {
				continue
			}
			queueDepth.WithLabelValues(w.queue.Name(), StateWaiting).Set(float64(counts.Waiting))
			queueDepth.WithLabelValues(w.queue.Name(), StateActive).Set(float64(counts.Active))
			queueDepth.WithLabelValues(w.queue.Name(), StateDelayed).Set(float64(counts.Delayed))
			queueDepth.WithLabelValues(w.queue.Name(), StateFailed).Set(float64(counts.Failed))
		}
	}
}

// recoverStalled re-queues jobs stuck in active from a previous run. A job
// that stalls twice is failed instead of looping forever.
func (w *Worker) recoverStalled(ctx context.Context) {
	ids, err := w.queue.rdb.LRange(ctx, w.queue.activeKey(), 0, -1).Result()
	if err != nil {
		w.log.Warn("failed to list active jobs for stall recovery", zap.Error(err))
		return
	}

	for _, id := range ids {
		vals, err := w.queue.rdb.HGetAll(ctx, w.queue.jobKey(id)).Result()
		if err != nil {
			continue
		}
		if len(vals) == 0 {
			w.queue.rdb.LRem(ctx, w.queue.activeKey(), 1, id)
			continue
		}

		processedAt := msTime(vals["processedAt"])
		if processedAt.IsZero() || time.Since(processedAt) < w.cfg.StalledAfter {
			continue
		}

		stalls, _ := strconv.Atoi(vals["stalls"])
		if stalls >= 1 {
			pipe := w.queue.rdb.TxPipeline()
			pipe.LRem(ctx, w.queue.activeKey(), 1, id)
			pipe.ZAdd(ctx, w.queue.failedKey(), redis.Z{
				Score:  float64(time.Now().UnixMilli()),
				Member: id,
			})
			pipe.HSet(ctx, w.queue.jobKey(id),
				"state", StateFailed,
				"lastError", "job stalled twice",
				"finishedAt", time.Now().UnixMilli())
			pipe.SRem(ctx, w.queue.jobsKey(), id)
			pipe.Exec(ctx)
			w.log.Error("job stalled twice, marked failed", zap.String("job_id", id))
			continue
		}

		pipe := w.queue.rdb.TxPipeline()
		pipe.LRem(ctx, w.queue.activeKey(), 1, id)
		pipe.HSet(ctx, w.queue.jobKey(id),
			"state", StateWaiting,
			"stalls", stalls+1)
		pipe.LPush(ctx, w.queue.waitKey(), id)
		pipe.Exec(ctx)
		w.log.Warn("re-queued stalled job", zap.String("job_id", id))
	}
}
