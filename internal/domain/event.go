package domain

// TraceEvent is one decoded entry of a job's trace.
// Runtime-emitted events are free-form JSON objects whose kind is carried in their "type" field;
// ordinary program output is represented as {"type":"Stdout","content":<line>}.
type TraceEvent map[string]any

// Event type tags produced on the orchestrator side.
const (
	EventStdout = "Stdout"
	EventValue  = "Event"
)

// StdoutEvent wraps a plain line of program output.
func StdoutEvent(line string) TraceEvent {
	return TraceEvent{"type": EventStdout, "content": line}
}

// Type returns the event kind, or "" when the payload carries none.
func (e TraceEvent) Type() string {
	t, _ := e["type"].(string)
	return t
}
