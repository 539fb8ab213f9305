package session

import (
	"slices"
	"time"

	"github.com/MrWong99/jarvis/pkg/protocol"
)

// Role identifies the author of a transcript [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TraceMeta carries the turn-level fields that accompany an agent trace.
type TraceMeta struct {
	Intent string
	Model  string
}

// Message is one entry in the transcript log. Messages are immutable once
// appended, except that an assistant message may receive its Trace exactly
// once.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Trace     []protocol.TraceStep
	TraceMeta TraceMeta
	CreatedAt time.Time
}

// HasTrace reports whether a trace has been attached.
func (m Message) HasTrace() bool { return m.Trace != nil }

// Snapshot is an immutable copy of the session state handed to renderers.
type Snapshot struct {
	Status    protocol.Status
	Interim   string
	Response  string
	Messages  []Message
	Connected bool
	Listening bool
	LastError string
}

// pendingTrace is the single in-flight trace waiting for its assistant turn.
type pendingTrace struct {
	steps []protocol.TraceStep
	meta  TraceMeta
}

// state is the session record owned by the [Dispatcher]. It is not safe for
// concurrent use; the dispatcher serialises every access.
type state struct {
	status    protocol.Status
	interim   string
	response  string
	messages  []Message
	connected bool
	listening bool
	lastError string

	pending *pendingTrace

	// turnOpen is set from the moment a user message is appended until the
	// turn ends with response_complete or error.
	turnOpen bool
}

func newState() *state {
	return &state{status: protocol.StatusIdle}
}

func (s *state) snapshot() Snapshot {
	return Snapshot{
		Status:    s.status,
		Interim:   s.interim,
		Response:  s.response,
		Messages:  slices.Clone(s.messages),
		Connected: s.connected,
		Listening: s.listening,
		LastError: s.lastError,
	}
}

func (s *state) append(m Message) {
	s.messages = append(s.messages, m)
}

// latestAssistant returns the index of the newest assistant message, or -1.
func (s *state) latestAssistant() int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}

// takePending empties the pending slot and returns what it held.
func (s *state) takePending() *pendingTrace {
	p := s.pending
	s.pending = nil
	return p
}

// endTurn resets the per-turn fields after response_complete or error.
func (s *state) endTurn() {
	s.response = ""
	s.status = protocol.StatusIdle
	s.turnOpen = false
}
