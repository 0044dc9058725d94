package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gitfix/gitfix/internal/agent"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// Scenario is a scripted run loaded from the file named by
// MOCK_AGENT_SCENARIO. Steps are played in order, then the final record
// is emitted unless the scenario says to omit it.
type Scenario struct {
	// DelayMs overrides the --delay-ms flag when positive.
	DelayMs int            `yaml:"delay_ms"`
	Steps   []ScenarioStep `yaml:"steps"`
	Final   *ScenarioFinal `yaml:"final"`
}

// ScenarioStep is one scripted action. Exactly one field should be set;
// when several are, they play in struct order.
type ScenarioStep struct {
	Thought    string          `yaml:"thought,omitempty"`
	ToolUse    *ToolUseStep    `yaml:"tool_use,omitempty"`
	ToolResult *ToolResultStep `yaml:"tool_result,omitempty"`
	Todos      []TodoStep      `yaml:"todos,omitempty"`
	Write      *WriteStep      `yaml:"write,omitempty"`
	Raw        string          `yaml:"raw,omitempty"`
	SleepMs    int             `yaml:"sleep_ms,omitempty"`
}

type ToolUseStep struct {
	Name  string         `yaml:"name"`
	Input map[string]any `yaml:"input"`
}

type ToolResultStep struct {
	Result  string `yaml:"result"`
	IsError bool   `yaml:"is_error"`
}

type TodoStep struct {
	ID      string `yaml:"id"`
	Status  string `yaml:"status"`
	Content string `yaml:"content"`
}

// WriteStep edits a file under the working directory so the run leaves
// real changes for git to pick up.
type WriteStep struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
	Append  bool   `yaml:"append"`
}

// ScenarioFinal shapes the final record. Omit simulates a crash: the
// process exits with ExitCode and no final is written.
type ScenarioFinal struct {
	Success                bool     `yaml:"success"`
	NumTurns               *int     `yaml:"num_turns"`
	CostUSD                *float64 `yaml:"cost_usd"`
	Model                  string   `yaml:"model"`
	SessionID              string   `yaml:"session_id"`
	Summary                string   `yaml:"summary"`
	SuggestedCommitMessage string   `yaml:"suggested_commit_message"`
	Error                  string   `yaml:"error"`
	Omit                   bool     `yaml:"omit"`
	ExitCode               int      `yaml:"exit_code"`
}

func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return &sc, nil
}

// play runs the scenario against the emitter and returns the process
// exit code.
func (s *Scenario) play(em *emitter, workDir string) (int, error) {
	if s.DelayMs > 0 {
		em.delay = time.Duration(s.DelayMs) * time.Millisecond
	}

	for i, step := range s.Steps {
		if step.Thought != "" {
			em.thought(step.Thought)
		}
		if step.ToolUse != nil {
			em.toolUse(step.ToolUse.Name, step.ToolUse.Input)
		}
		if step.ToolResult != nil {
			em.toolResult(step.ToolResult.Result, step.ToolResult.IsError)
		}
		if len(step.Todos) > 0 {
			em.todos(toTodos(step.Todos))
		}
		if step.Write != nil {
			if err := applyWrite(workDir, step.Write); err != nil {
				return 1, fmt.Errorf("step %d: %w", i+1, err)
			}
		}
		if step.Raw != "" {
			em.raw(step.Raw)
		}
		if step.SleepMs > 0 {
			time.Sleep(time.Duration(step.SleepMs) * time.Millisecond)
		}
	}

	if s.Final != nil && s.Final.Omit {
		code := s.Final.ExitCode
		if code == 0 {
			code = 2
		}
		return code, nil
	}

	em.final(s.finalResult())
	return 0, nil
}

func (s *Scenario) finalResult() agent.FinalResult {
	if s.Final == nil {
		turns := len(s.Steps)
		return agent.FinalResult{
			Success:   true,
			NumTurns:  &turns,
			Model:     "mock-1",
			SessionID: sessionID,
			Summary:   "Scenario completed.",
		}
	}
	f := agent.FinalResult{
		Success:                s.Final.Success,
		NumTurns:               s.Final.NumTurns,
		CostUSD:                s.Final.CostUSD,
		Model:                  s.Final.Model,
		SessionID:              s.Final.SessionID,
		Summary:                s.Final.Summary,
		SuggestedCommitMessage: s.Final.SuggestedCommitMessage,
		Error:                  s.Final.Error,
	}
	if f.Model == "" {
		f.Model = "mock-1"
	}
	if f.SessionID == "" {
		f.SessionID = sessionID
	}
	return f
}

func toTodos(steps []TodoStep) []v1.Todo {
	todos := make([]v1.Todo, 0, len(steps))
	for _, t := range steps {
		todos = append(todos, v1.Todo{
			ID:      t.ID,
			Status:  v1.TodoStatus(t.Status),
			Content: t.Content,
		})
	}
	return todos
}

// applyWrite resolves the step path inside workDir and refuses paths
// that escape it.
func applyWrite(workDir string, w *WriteStep) error {
	path := filepath.Join(workDir, filepath.FromSlash(w.Path))
	rel, err := filepath.Rel(workDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("write path %q escapes the working directory", w.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if w.Append {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.WriteString(w.Content)
		return err
	}
	return os.WriteFile(path, []byte(w.Content), 0o644)
}
