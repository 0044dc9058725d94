package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gitfix/gitfix/internal/agent"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// notesFile is the file the success mode edits so the run leaves a real
// change behind for the commit step.
const notesFile = "MOCK_AGENT_NOTES.md"

// runBuiltin plays one of the flag-selected behaviors and returns the
// process exit code.
func runBuiltin(em *emitter, mode, model, workDir, prompt string) int {
	switch mode {
	case "failure":
		em.thought("Looking at the issue.")
		em.final(agent.FinalResult{
			Success:   false,
			Model:     model,
			SessionID: sessionID,
			Error:     "mock agent was asked to fail",
		})
		return 0

	case "crash":
		em.thought("Looking at the issue.")
		em.raw("mock-agent: simulating a crash")
		return 2

	case "stall":
		em.thought("Looking at the issue.")
		// Go quiet until the adapter's idle timeout kills us.
		time.Sleep(24 * time.Hour)
		return 0

	default:
		return runSuccess(em, model, workDir, prompt)
	}
}

func runSuccess(em *emitter, model, workDir, prompt string) int {
	issue := os.Getenv("ISSUE_NUMBER")
	if issue == "" {
		issue = "0"
	}

	em.thought("Reading the issue context: " + firstLine(prompt))
	em.todos([]v1.Todo{
		{ID: "1", Status: v1.TodoStatusInProgress, Content: "Understand the reported problem"},
		{ID: "2", Status: v1.TodoStatusPending, Content: "Apply the fix"},
	})

	em.toolUse("read_file", map[string]any{"path": notesFile})
	em.toolResult("(file does not exist yet)", false)

	note := fmt.Sprintf("Automated change for issue #%s at %s\n", issue, time.Now().UTC().Format(time.RFC3339))
	if err := applyWrite(workDir, &WriteStep{Path: notesFile, Content: note, Append: true}); err != nil {
		em.raw("mock-agent: write failed: " + err.Error())
		em.final(agent.FinalResult{
			Success:   false,
			Model:     model,
			SessionID: sessionID,
			Error:     "workspace write failed: " + err.Error(),
		})
		return 0
	}
	em.toolUse("edit_file", map[string]any{"path": notesFile})
	em.toolResult("appended 1 line", false)

	em.todos([]v1.Todo{
		{ID: "1", Status: v1.TodoStatusCompleted, Content: "Understand the reported problem"},
		{ID: "2", Status: v1.TodoStatusCompleted, Content: "Apply the fix"},
	})

	turns := 3
	cost := 0.01
	em.final(agent.FinalResult{
		Success:                true,
		NumTurns:               &turns,
		CostUSD:                &cost,
		Model:                  model,
		SessionID:              sessionID,
		Summary:                fmt.Sprintf("Recorded an automated change for issue #%s.", issue),
		SuggestedCommitMessage: fmt.Sprintf("Apply automated fix for issue #%s", issue),
	})
	return 0
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if len(line) > 120 {
		return line[:120]
	}
	return line
}
