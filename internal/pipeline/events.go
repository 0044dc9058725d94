package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/agent"
	"github.com/gitfix/gitfix/internal/common/stringutil"
	"github.com/gitfix/gitfix/internal/taskstore"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// eventBuffer sizes the channel between the agent adapter and the
// mirror goroutine. The adapter drops on overflow rather than blocking
// the agent's stdout.
const eventBuffer = 256

// runAgent invokes the agent once in the run's worktree and mirrors its
// stream into the task store: an execution record with ordered details,
// live todos and events, and the log channel. Mirroring is best-effort;
// only the run outcome decides the task.
func (p *Pipeline) runAgent(ctx context.Context, r *run, prompt string) (*agent.Result, error) {
	executionID := uuid.NewString()
	rec := &v1.ExecutionRecord{
		ExecutionID: executionID,
		TaskID:      r.taskID,
		Model:       r.payload.Model,
	}
	if err := p.state.RecordExecutionStart(ctx, rec); err != nil {
		r.log.Warn("failed to record execution start", zap.Error(err))
	}

	events := make(chan agent.Event, eventBuffer)
	mirrored := make(chan struct{})
	go func() {
		defer close(mirrored)
		p.mirrorEvents(ctx, r, executionID, events)
	}()

	result, runErr := p.agent.Run(ctx, agent.RunRequest{
		WorkDir:     r.worktree.Path,
		Prompt:      prompt,
		Token:       r.token,
		Owner:       r.owner,
		Repo:        r.repo,
		IssueNumber: r.payload.Ref.Number,
		Model:       r.payload.Model,
		Events:      events,
	})
	close(events)
	<-mirrored

	p.recordOutcome(ctx, r, executionID, result, runErr)
	return result, runErr
}

// recordOutcome persists the raw output and the execution end record.
func (p *Pipeline) recordOutcome(ctx context.Context, r *run, executionID string, result *agent.Result, runErr error) {
	outcome := "success"
	end := taskstore.ExecutionResult{Err: runErr}

	if result != nil {
		if result.Output != "" {
			p.state.RecordRawOutput(ctx, r.taskID, result.Output)
		}
		end.Success = result.Success
		if result.SessionID != "" {
			sessionID := result.SessionID
			end.SessionID = &sessionID
		}
		if result.Final != nil {
			end.NumTurns = result.Final.NumTurns
			end.CostUSD = result.Final.CostUSD
			if runErr == nil && !result.Success && result.Final.Error != "" {
				end.Err = errors.New(result.Final.Error)
			}
		}
	}
	switch {
	case runErr != nil:
		outcome = agentFailureReason(runErr)
	case result == nil || !result.Success:
		outcome = "agent reported failure"
	}
	agentRunsTotal.WithLabelValues(outcome).Inc()

	if err := p.state.RecordExecutionEnd(ctx, r.taskID, executionID, end); err != nil {
		r.log.Warn("failed to record execution end", zap.Error(err))
	}
}

// mirrorEvents drains one agent run's stream into the task store until
// the channel closes. Store trouble is logged at debug: live loss never
// fails the task.
func (p *Pipeline) mirrorEvents(ctx context.Context, r *run, executionID string, events <-chan agent.Event) {
	for event := range events {
		switch event.Type {
		case agent.EventThought, agent.EventToolUse, agent.EventToolResult:
			detail := &v1.ExecutionDetail{
				EventType: v1.ExecutionDetailType(event.Type),
				Content:   event.Content,
				ToolName:  event.ToolName,
				ToolInput: event.ToolInput,
				Result:    event.Result,
				IsError:   event.IsError,
				Timestamp: time.Now().UTC(),
			}
			if err := p.state.AppendExecutionDetail(ctx, r.taskID, executionID, detail); err != nil {
				r.log.Debug("failed to append execution detail", zap.Error(err))
			}
			p.mirrorLive(ctx, r, event)

		case agent.EventTodoUpdate:
			if err := p.state.UpdateTodos(ctx, r.taskID, event.Todos); err != nil {
				r.log.Debug("failed to update todos", zap.Error(err))
			}
			if current := currentTodo(event.Todos); current != "" {
				if err := p.state.SetCurrentActivity(ctx, r.taskID, current); err != nil {
					r.log.Debug("failed to set current activity", zap.Error(err))
				}
			}

		case agent.EventRawLog:
			p.state.PublishLog(ctx, r.taskID, event.Content)

		case agent.EventFinal:
			// The adapter's result carries the final record; nothing to
			// mirror here.
		}
	}
}

// mirrorLive appends the event to the live ring and the log channel.
func (p *Pipeline) mirrorLive(ctx context.Context, r *run, event agent.Event) {
	live := v1.LiveEvent{
		Type:      string(event.Type),
		Content:   stringutil.TruncateString(event.Content, 500),
		ToolName:  event.ToolName,
		IsError:   event.IsError,
		Timestamp: time.Now().UTC(),
	}
	if err := p.state.AppendLiveEvent(ctx, r.taskID, live); err != nil {
		r.log.Debug("failed to append live event", zap.Error(err))
	}

	if line := logLine(event); line != "" {
		p.state.PublishLog(ctx, r.taskID, line)
	}
}

// currentTodo picks the in-progress entry to surface as the task's
// current activity.
func currentTodo(todos []v1.Todo) string {
	for _, todo := range todos {
		if todo.Status == v1.TodoStatusInProgress {
			return todo.Content
		}
	}
	return ""
}

// logLine renders an event for the live log channel.
func logLine(event agent.Event) string {
	switch event.Type {
	case agent.EventThought:
		return stringutil.TruncateString(event.Content, 500)
	case agent.EventToolUse:
		return "tool: " + event.ToolName
	case agent.EventToolResult:
		if event.IsError {
			return "tool error: " + stringutil.TruncateString(event.Result, 500)
		}
		return ""
	default:
		return ""
	}
}
