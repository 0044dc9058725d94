package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// maxLiveEvents caps the live event ring. Older events fall off; the
// durable record is the execution detail stream.
const maxLiveEvents = 200

// GetLiveDetails returns the task's live snapshot, or an empty snapshot
// when none exists.
func (s *Store) GetLiveDetails(ctx context.Context, taskID string) (*v1.LiveDetails, error) {
	raw, err := s.rdb.Get(ctx, liveKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &v1.LiveDetails{}, nil
		}
		return nil, fmt.Errorf("load live details %s: %w", taskID, err)
	}
	var live v1.LiveDetails
	if err := json.Unmarshal([]byte(raw), &live); err != nil {
		return nil, fmt.Errorf("unmarshal live details %s: %w", taskID, err)
	}
	return &live, nil
}

// UpdateTodos replaces the live todo list wholesale. Agents resend the
// full list on every change, so merging would only preserve stale items.
func (s *Store) UpdateTodos(ctx context.Context, taskID string, todos []v1.Todo) error {
	return s.mutateLive(ctx, taskID, func(live *v1.LiveDetails) {
		live.Todos = todos
	})
}

// SetCurrentActivity updates the one-line activity summary.
func (s *Store) SetCurrentActivity(ctx context.Context, taskID, activity string) error {
	return s.mutateLive(ctx, taskID, func(live *v1.LiveDetails) {
		live.CurrentTask = activity
	})
}

// AppendLiveEvent appends to the live event ring, dropping the oldest
// entries past the cap.
func (s *Store) AppendLiveEvent(ctx context.Context, taskID string, event v1.LiveEvent) error {
	return s.mutateLive(ctx, taskID, func(live *v1.LiveDetails) {
		live.Events = append(live.Events, event)
		if len(live.Events) > maxLiveEvents {
			live.Events = live.Events[len(live.Events)-maxLiveEvents:]
		}
	})
}

// ClearLive drops the live snapshot, typically once a task reaches a
// terminal state.
func (s *Store) ClearLive(ctx context.Context, taskID string) error {
	if err := s.rdb.Del(ctx, liveKey(taskID)).Err(); err != nil {
		return fmt.Errorf("clear live details %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) mutateLive(ctx context.Context, taskID string, mutate func(*v1.LiveDetails)) error {
	live, err := s.GetLiveDetails(ctx, taskID)
	if err != nil {
		return err
	}
	mutate(live)
	live.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(live)
	if err != nil {
		return fmt.Errorf("marshal live details: %w", err)
	}
	if err := s.rdb.Set(ctx, liveKey(taskID), raw, dataTTL).Err(); err != nil {
		s.log.Debug("live details write failed",
			zap.String("task_id", taskID), zap.Error(err))
		return fmt.Errorf("save live details %s: %w", taskID, err)
	}
	return nil
}
