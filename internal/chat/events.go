package chat

// EventType identifies a stream event
type EventType string

const (
	// EventThinking carries an intermediate reasoning fragment
	EventThinking EventType = "thinking"
	// EventTool reports a tool invocation made while answering
	EventTool EventType = "tool"
	// EventDone terminates the stream with the full answer
	EventDone EventType = "done"
	// EventError terminates the stream with a failure
	EventError EventType = "error"
)

// Terminal reports whether no further events may follow
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Event is one message pushed to the client during an ask. Exactly one
// terminal event ends every stream.
type Event struct {
	Type           EventType `json:"type"`
	Content        string    `json:"content,omitempty"`
	Tool           string    `json:"tool,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Emitter receives stream events in order. Returning an error stops
// the ask, typically because the client disconnected.
type Emitter func(Event) error
