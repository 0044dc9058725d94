package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gitfix/gitfix/internal/agent"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// finalRecord is the wire shape of the final event: the result fields
// sit at the top level next to type.
type finalRecord struct {
	Type agent.EventType `json:"type"`
	agent.FinalResult
}

// emitter writes one JSON record per line with a fixed pause between
// records so consumers see a stream, not a burst.
type emitter struct {
	w     io.Writer
	enc   *json.Encoder
	delay time.Duration
}

func newEmitter(w io.Writer, delay time.Duration) *emitter {
	return &emitter{w: w, enc: json.NewEncoder(w), delay: delay}
}

func (e *emitter) pause() {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
}

func (e *emitter) thought(content string) {
	e.pause()
	_ = e.enc.Encode(agent.Event{Type: agent.EventThought, Content: content})
}

func (e *emitter) toolUse(name string, input any) {
	e.pause()
	raw, _ := json.Marshal(input)
	_ = e.enc.Encode(agent.Event{Type: agent.EventToolUse, ToolName: name, ToolInput: raw})
}

func (e *emitter) toolResult(result string, isError bool) {
	e.pause()
	_ = e.enc.Encode(agent.Event{Type: agent.EventToolResult, Result: result, IsError: isError})
}

func (e *emitter) todos(todos []v1.Todo) {
	e.pause()
	_ = e.enc.Encode(agent.Event{Type: agent.EventTodoUpdate, Todos: todos})
}

// raw writes a bare non-JSON line; the adapter forwards those as logs.
func (e *emitter) raw(line string) {
	e.pause()
	fmt.Fprintln(e.w, line)
}

func (e *emitter) final(f agent.FinalResult) {
	e.pause()
	_ = e.enc.Encode(finalRecord{Type: agent.EventFinal, FinalResult: f})
}
