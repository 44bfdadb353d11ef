package analysis

import "encoding/json"

type EventKind string

const (
	EventTextDelta  EventKind = "text_delta"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventError      EventKind = "error"
	EventEnd        EventKind = "end"
)

// Event is one item of the analysis stream. Events arrive in order and are
// consumed exactly once; which fields are set depends on Kind.
type Event struct {
	Kind    EventKind
	Text    string          // EventTextDelta
	Tool    string          // EventToolCall, EventToolResult
	Args    map[string]any  // EventToolCall
	Payload json.RawMessage // EventToolResult
	Message string          // EventError
}
