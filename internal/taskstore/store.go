// Package taskstore persists tasks, their append-only history and agent
// execution streams in Redis, and fans live updates out over pub/sub.
// History is durable; live state is best-effort and expires.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

var (
	// ErrTaskNotFound is returned when the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrExecutionNotFound is returned when the requested execution record
	// does not exist.
	ErrExecutionNotFound = errors.New("execution not found")
)

const (
	// dataTTL bounds raw outputs, live state and execution streams.
	dataTTL = 7 * 24 * time.Hour

	// watermarkTTL bounds PR comment watermarks.
	watermarkTTL = 30 * 24 * time.Hour

	// appendDedupeWindow collapses duplicate state events arriving within
	// it.
	appendDedupeWindow = time.Second

	taskIndexKey = "task:index"
)

// Store is the Redis-backed task state store.
type Store struct {
	rdb *redis.Client
	log *logger.Logger
}

// New creates a Store. The Redis client is shared with the caller.
func New(rdb *redis.Client, log *logger.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

func taskKey(taskID string) string       { return "task:" + taskID }
func historyKey(taskID string) string    { return taskKey(taskID) + ":history" }
func historySeqKey(taskID string) string { return taskKey(taskID) + ":history:seq" }
func liveKey(taskID string) string       { return taskKey(taskID) + ":live" }
func logsKey(taskID string) string       { return taskKey(taskID) + ":logs" }
func diffKey(taskID string) string       { return taskKey(taskID) + ":diff" }
func outputKey(taskID string) string     { return taskKey(taskID) + ":output" }

func logChannel(taskID string) string    { return "task-log:" + taskID }
func diffChannel(taskID string) string   { return "task-diff:" + taskID }
func statusChannel(taskID string) string { return "task-status:" + taskID }

// CreateTask writes the task snapshot and registers it in the index.
// Creating an existing task overwrites its snapshot but keeps its history.
func (s *Store) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.TaskID == "" {
		return fmt.Errorf("create task: empty task id")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(task.TaskID), raw, 0)
	pipe.ZAdd(ctx, taskIndexKey, redis.Z{
		Score:  float64(task.CreatedAt.Unix()),
		Member: task.TaskID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create task %s: %w", task.TaskID, err)
	}

	s.log.Debug("task created",
		zap.String("task_id", task.TaskID),
		zap.String("repository", task.Repository))
	return nil
}

// AppendEvent appends a state event to the task history and publishes it on
// the status channel. A duplicate command (same state and reason) arriving
// within the dedupe window returns the existing event instead of appending
// again.
func (s *Store) AppendEvent(ctx context.Context, taskID string, state v1.TaskState, reason string, metadata map[string]interface{}) (*v1.TaskHistoryEvent, error) {
	last, err := s.lastEvent(ctx, taskID)
	if err == nil && last != nil && last.State == state && last.Reason == reason &&
		time.Since(last.Timestamp) < appendDedupeWindow {
		return last, nil
	}

	historyID, err := s.rdb.Incr(ctx, historySeqKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("next history id: %w", err)
	}

	event := &v1.TaskHistoryEvent{
		HistoryID: historyID,
		TaskID:    taskID,
		State:     state,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Metadata:  metadata,
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal history event: %w", err)
	}
	if err := s.rdb.RPush(ctx, historyKey(taskID), raw).Err(); err != nil {
		return nil, fmt.Errorf("append history event: %w", err)
	}

	s.PublishStatus(ctx, taskID, event)
	return event, nil
}

func (s *Store) lastEvent(ctx context.Context, taskID string) (*v1.TaskHistoryEvent, error) {
	raw, err := s.rdb.LIndex(ctx, historyKey(taskID), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var event v1.TaskHistoryEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, fmt.Errorf("unmarshal history event: %w", err)
	}
	return &event, nil
}

// GetTask returns the task with its computed status. A task with no history
// yet reads as QUEUED.
func (s *Store) GetTask(ctx context.Context, taskID string) (*v1.TaskSnapshot, error) {
	raw, err := s.rdb.Get(ctx, taskKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	var task v1.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}

	snap := &v1.TaskSnapshot{Task: task, Status: v1.TaskStateQueued}
	if last, err := s.lastEvent(ctx, taskID); err == nil && last != nil {
		snap.Status = last.State
		ts := last.Timestamp
		snap.UpdatedAt = &ts
	}
	return snap, nil
}

// GetHistory returns the full append-only history, oldest first.
func (s *Store) GetHistory(ctx context.Context, taskID string) ([]*v1.TaskHistoryEvent, error) {
	raws, err := s.rdb.LRange(ctx, historyKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", taskID, err)
	}

	events := make([]*v1.TaskHistoryEvent, 0, len(raws))
	for _, raw := range raws {
		var event v1.TaskHistoryEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			s.log.Warn("skipping unreadable history event",
				zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// ListTasks returns tasks newest-first, filtered by computed status.
func (s *Store) ListTasks(ctx context.Context, filter v1.TaskFilter, limit, offset int) ([]*v1.TaskSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	ids, err := s.rdb.ZRevRange(ctx, taskIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	out := make([]*v1.TaskSnapshot, 0, limit)
	matched := 0
	for _, id := range ids {
		snap, err := s.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if !filterMatches(filter, snap.Status) {
			continue
		}
		matched++
		if matched <= offset {
			continue
		}
		out = append(out, snap)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func filterMatches(filter v1.TaskFilter, status v1.TaskState) bool {
	switch filter {
	case v1.TaskFilterActive:
		return status == v1.TaskStateProcessing ||
			status == v1.TaskStateClaudeExecution ||
			status == v1.TaskStatePostProcessing
	case v1.TaskFilterCompleted:
		return status == v1.TaskStateCompleted
	case v1.TaskFilterFailed:
		return status == v1.TaskStateFailed
	case v1.TaskFilterWaiting:
		return status == v1.TaskStateQueued
	default:
		return true
	}
}

// PublishStatus publishes a history event on the task's status channel.
// Best-effort: failures are logged, not returned.
func (s *Store) PublishStatus(ctx context.Context, taskID string, event *v1.TaskHistoryEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, statusChannel(taskID), raw).Err(); err != nil {
		s.log.Debug("status publish failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// PublishLog appends a log line to the task's log list and publishes it.
func (s *Store) PublishLog(ctx context.Context, taskID, line string) {
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, logsKey(taskID), line)
	pipe.Expire(ctx, logsKey(taskID), dataTTL)
	pipe.Publish(ctx, logChannel(taskID), line)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Debug("log publish failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// PublishDiff stores the task's current diff and publishes it.
func (s *Store) PublishDiff(ctx context.Context, taskID, diff string) {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, diffKey(taskID), diff, dataTTL)
	pipe.Publish(ctx, diffChannel(taskID), diff)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Debug("diff publish failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// RecordRawOutput appends a raw agent output chunk to the task's output
// list.
func (s *Store) RecordRawOutput(ctx context.Context, taskID, chunk string) {
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, outputKey(taskID), chunk)
	pipe.Expire(ctx, outputKey(taskID), dataTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Debug("raw output record failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// GetLogs returns the stored log lines for a task.
func (s *Store) GetLogs(ctx context.Context, taskID string) ([]string, error) {
	lines, err := s.rdb.LRange(ctx, logsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load logs %s: %w", taskID, err)
	}
	return lines, nil
}

// GetDiff returns the task's most recent diff, or "" when none was
// published.
func (s *Store) GetDiff(ctx context.Context, taskID string) (string, error) {
	diff, err := s.rdb.Get(ctx, diffKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("load diff %s: %w", taskID, err)
	}
	return diff, nil
}

// SubscribeStatus subscribes to a task's status channel. The caller owns
// the returned subscription and must Close it.
func (s *Store) SubscribeStatus(ctx context.Context, taskID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, statusChannel(taskID))
}

// SubscribeLog subscribes to a task's log channel.
func (s *Store) SubscribeLog(ctx context.Context, taskID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, logChannel(taskID))
}

// SubscribeDiff subscribes to a task's diff channel.
func (s *Store) SubscribeDiff(ctx context.Context, taskID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, diffChannel(taskID))
}
