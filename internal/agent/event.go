package agent

import "time"

// EventKind identifies what an Event reports.
type EventKind string

const (
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventAnswer     EventKind = "answer"
)

// Event is emitted to Config.Observer as the agent works.
type Event struct {
	Kind      EventKind
	Step      int
	Server    string
	Tool      string
	Arguments map[string]any
	Output    string
	IsError   bool
	Duration  time.Duration
}
