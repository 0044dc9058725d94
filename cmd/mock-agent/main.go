// Package main implements a mock coding agent speaking the gitfix stdio
// contract: prompt on stdin until EOF, line-delimited JSON events on
// stdout, exactly one final record. Point AGENT_COMMAND at this binary
// to run the pipeline without a real agent.
//
// Behavior is selected by flags (--mode success|failure|crash|stall) or,
// when MOCK_AGENT_SCENARIO names a YAML file, by a scripted scenario.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

// sessionID is unique per process so parallel runs stay distinguishable
// in the execution records.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	mode := flag.String("mode", "success", "built-in behavior: success, failure, crash, stall")
	delayMs := flag.Int("delay-ms", 25, "pause between emitted events in milliseconds")
	model := flag.String("model", "mock-1", "model name reported in the final record")
	flag.Parse()

	prompt, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: read prompt: %v\n", err)
		os.Exit(1)
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}

	em := newEmitter(os.Stdout, time.Duration(*delayMs)*time.Millisecond)

	if path := os.Getenv("MOCK_AGENT_SCENARIO"); path != "" {
		sc, err := loadScenario(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
			os.Exit(1)
		}
		code, err := sc.play(em, workDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
			os.Exit(1)
		}
		os.Exit(code)
	}

	os.Exit(runBuiltin(em, *mode, *model, workDir, string(prompt)))
}
