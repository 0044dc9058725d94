package agent

import (
	"encoding/json"

	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// EventType classifies one record on the agent's stdout stream.
type EventType string

const (
	EventThought    EventType = "thought"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventTodoUpdate EventType = "todo_update"
	EventFinal      EventType = "final"

	// EventRawLog is synthesized by the adapter for stdout lines that are
	// not JSON. It never appears on the wire.
	EventRawLog EventType = "raw_log"
)

// Event is one record from the agent's stdout stream, line-delimited
// JSON with camelCase fields. Which fields are set depends on Type.
type Event struct {
	Type      EventType       `json:"type"`
	Content   string          `json:"content,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
	Todos     []v1.Todo       `json:"todos,omitempty"`

	// Final is populated for EventFinal records only.
	Final *FinalResult `json:"-"`
}

// FinalResult is the payload of the final record, which the agent must
// emit exactly once before exiting.
type FinalResult struct {
	Success                bool     `json:"success"`
	NumTurns               *int     `json:"numTurns,omitempty"`
	CostUSD                *float64 `json:"costUsd,omitempty"`
	Model                  string   `json:"model,omitempty"`
	SessionID              string   `json:"sessionId,omitempty"`
	Summary                string   `json:"summary,omitempty"`
	SuggestedCommitMessage string   `json:"suggestedCommitMessage,omitempty"`
	Error                  string   `json:"error,omitempty"`
}

// parseEvent decodes one stdout line. The second return is false for
// lines that are not agent records; callers treat those as raw log
// output.
func parseEvent(line []byte) (*Event, bool) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil || event.Type == "" {
		return nil, false
	}
	if event.Type == EventFinal {
		var final FinalResult
		if err := json.Unmarshal(line, &final); err != nil {
			return nil, false
		}
		event.Final = &final
	}
	return &event, true
}
