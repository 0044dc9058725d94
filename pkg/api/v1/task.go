package v1

import (
	"encoding/json"
	"time"
)

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStateQueued          TaskState = "QUEUED"
	TaskStateProcessing      TaskState = "PROCESSING"
	TaskStateClaudeExecution TaskState = "CLAUDE_EXECUTION"
	TaskStatePostProcessing  TaskState = "POST_PROCESSING"
	TaskStateCompleted       TaskState = "COMPLETED"
	TaskStateFailed          TaskState = "FAILED"
	TaskStateSkipped         TaskState = "SKIPPED"
)

// IsTerminal reports whether the state ends a task's lifecycle.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateSkipped:
		return true
	}
	return false
}

// Task is the authoritative record created when a job is enqueued.
type Task struct {
	TaskID         string          `json:"task_id"`
	JobID          string          `json:"job_id"`
	CorrelationID  string          `json:"correlation_id"`
	Repository     string          `json:"repository"` // "owner/repo"
	IssueNumber    int             `json:"issue_number"`
	TaskType       TaskType        `json:"task_type"`
	ModelName      *string         `json:"model_name,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	InitialJobData json.RawMessage `json:"initial_job_data,omitempty"`
}

// TaskHistoryEvent is one append-only entry in a task's history.
// Events are never mutated after being written.
type TaskHistoryEvent struct {
	HistoryID int64                  `json:"history_id"`
	TaskID    string                 `json:"task_id"`
	State     TaskState              `json:"state"`
	Timestamp time.Time              `json:"timestamp"`
	Reason    string                 `json:"reason,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TaskSnapshot is a task plus its computed current status, as returned
// by queries. Status is derived from the last history event.
type TaskSnapshot struct {
	Task
	Status    TaskState  `json:"status"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// TaskFilter selects tasks by computed status in list queries.
type TaskFilter string

const (
	TaskFilterAll       TaskFilter = "all"
	TaskFilterActive    TaskFilter = "active"
	TaskFilterCompleted TaskFilter = "completed"
	TaskFilterFailed    TaskFilter = "failed"
	TaskFilterWaiting   TaskFilter = "waiting"
)

// ExecutionRecord captures one agent invocation attempt for a task.
type ExecutionRecord struct {
	ExecutionID string     `json:"execution_id"`
	TaskID      string     `json:"task_id"`
	HistoryID   *int64     `json:"history_id,omitempty"`
	SessionID   *string    `json:"session_id,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	Model       string     `json:"model"`
	Success     bool       `json:"success"`
	NumTurns    *int       `json:"num_turns,omitempty"`
	CostUSD     *float64   `json:"cost_usd,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// ExecutionDetailType classifies a single agent stream event.
type ExecutionDetailType string

const (
	ExecutionDetailThought    ExecutionDetailType = "thought"
	ExecutionDetailToolUse    ExecutionDetailType = "tool_use"
	ExecutionDetailToolResult ExecutionDetailType = "tool_result"
)

// ExecutionDetail is one ordered event in an execution's stream.
// Seq is unique and dense per execution, starting at 1.
type ExecutionDetail struct {
	Seq       int64               `json:"seq"`
	EventType ExecutionDetailType `json:"event_type"`
	Content   string              `json:"content,omitempty"`
	ToolName  string              `json:"tool_name,omitempty"`
	ToolInput json.RawMessage     `json:"tool_input,omitempty"`
	Result    string              `json:"result,omitempty"`
	IsError   bool                `json:"is_error"`
	Timestamp time.Time           `json:"timestamp"`
}
