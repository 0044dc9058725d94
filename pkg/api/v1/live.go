package v1

import "time"

// TodoStatus is the state of one agent todo item.
type TodoStatus string

const (
	TodoStatusPending    TodoStatus = "pending"
	TodoStatusInProgress TodoStatus = "in_progress"
	TodoStatusCompleted  TodoStatus = "completed"
)

// Todo is one entry in the agent's live todo list.
type Todo struct {
	ID      string     `json:"id"`
	Status  TodoStatus `json:"status"`
	Content string     `json:"content"`
}

// LiveEvent is one normalized agent event mirrored into the live view.
type LiveEvent struct {
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LiveDetails is the best-effort live snapshot of a running task.
// It may be lost on restart; the durable record is the task history.
type LiveDetails struct {
	Todos       []Todo      `json:"todos"`
	CurrentTask string      `json:"current_task,omitempty"`
	Events      []LiveEvent `json:"events"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// DaemonHeartbeat is one discovery daemon's liveness record in the
// shared status map.
type DaemonHeartbeat struct {
	DaemonID  string    `json:"daemon_id"`
	PID       int       `json:"pid"`
	UptimeSec int64     `json:"uptime_sec"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Repos     []string  `json:"repos"`
}
