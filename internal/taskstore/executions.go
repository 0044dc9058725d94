package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

func executionKey(taskID, executionID string) string {
	return taskKey(taskID) + ":execution:" + executionID
}

func executionDetailsKey(taskID, executionID string) string {
	return executionKey(taskID, executionID) + ":details"
}

func executionSeqKey(taskID, executionID string) string {
	return executionKey(taskID, executionID) + ":details:seq"
}

// RecordExecutionStart stores a new execution record. A missing
// ExecutionID or StartTime is filled in.
func (s *Store) RecordExecutionStart(ctx context.Context, rec *v1.ExecutionRecord) error {
	if rec.TaskID == "" {
		return fmt.Errorf("record execution: empty task id")
	}
	if rec.ExecutionID == "" {
		rec.ExecutionID = uuid.NewString()
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = time.Now().UTC()
	}
	if err := s.saveExecution(ctx, rec); err != nil {
		return err
	}

	s.log.Debug("execution started",
		zap.String("task_id", rec.TaskID),
		zap.String("execution_id", rec.ExecutionID),
		zap.String("model", rec.Model))
	return nil
}

// ExecutionResult carries the terminal outcome of an agent run.
type ExecutionResult struct {
	Success   bool
	SessionID *string
	NumTurns  *int
	CostUSD   *float64
	Err       error
}

// RecordExecutionEnd finalizes an execution record with its outcome and
// duration.
func (s *Store) RecordExecutionEnd(ctx context.Context, taskID, executionID string, result ExecutionResult) error {
	rec, err := s.GetExecution(ctx, taskID, executionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	durationMs := now.Sub(rec.StartTime).Milliseconds()
	rec.EndTime = &now
	rec.DurationMs = &durationMs
	rec.Success = result.Success
	if result.SessionID != nil {
		rec.SessionID = result.SessionID
	}
	if result.NumTurns != nil {
		rec.NumTurns = result.NumTurns
	}
	if result.CostUSD != nil {
		rec.CostUSD = result.CostUSD
	}
	if result.Err != nil {
		msg := result.Err.Error()
		rec.Error = &msg
	}
	if err := s.saveExecution(ctx, rec); err != nil {
		return err
	}

	s.log.Debug("execution finished",
		zap.String("task_id", taskID),
		zap.String("execution_id", executionID),
		zap.Bool("success", result.Success),
		zap.Int64("duration_ms", durationMs))
	return nil
}

func (s *Store) saveExecution(ctx context.Context, rec *v1.ExecutionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	key := executionKey(rec.TaskID, rec.ExecutionID)
	if err := s.rdb.Set(ctx, key, raw, dataTTL).Err(); err != nil {
		return fmt.Errorf("save execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// GetExecution loads one execution record.
func (s *Store) GetExecution(ctx context.Context, taskID, executionID string) (*v1.ExecutionRecord, error) {
	raw, err := s.rdb.Get(ctx, executionKey(taskID, executionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	var rec v1.ExecutionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", executionID, err)
	}
	return &rec, nil
}

// AppendExecutionDetail assigns the next sequence number and appends the
// detail to the execution's stream. Seq is dense per execution, starting
// at 1.
func (s *Store) AppendExecutionDetail(ctx context.Context, taskID, executionID string, detail *v1.ExecutionDetail) error {
	seq, err := s.rdb.Incr(ctx, executionSeqKey(taskID, executionID)).Result()
	if err != nil {
		return fmt.Errorf("next detail seq: %w", err)
	}
	detail.Seq = seq
	if detail.Timestamp.IsZero() {
		detail.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal execution detail: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, executionDetailsKey(taskID, executionID), raw)
	pipe.Expire(ctx, executionDetailsKey(taskID, executionID), dataTTL)
	pipe.Expire(ctx, executionSeqKey(taskID, executionID), dataTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append execution detail: %w", err)
	}
	return nil
}

// GetExecutionDetails returns an execution's stream in order.
func (s *Store) GetExecutionDetails(ctx context.Context, taskID, executionID string) ([]*v1.ExecutionDetail, error) {
	raws, err := s.rdb.LRange(ctx, executionDetailsKey(taskID, executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load execution details %s: %w", executionID, err)
	}

	details := make([]*v1.ExecutionDetail, 0, len(raws))
	for _, raw := range raws {
		var detail v1.ExecutionDetail
		if err := json.Unmarshal([]byte(raw), &detail); err != nil {
			s.log.Warn("skipping unreadable execution detail",
				zap.String("execution_id", executionID), zap.Error(err))
			continue
		}
		details = append(details, &detail)
	}
	return details, nil
}
