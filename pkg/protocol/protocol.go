// Package protocol defines the wire format spoken between the jarvis client
// and the assistant backend.
//
// Every WebSocket frame is a single JSON object discriminated by its "type"
// field. Inbound frames decode into exactly one [Inbound] value; the concrete
// type carries only the fields relevant to that message kind. Outbound frames
// are built from [Outbound] values and serialised by [Encode].
//
// Audio payloads travel as standard base64 inside the JSON text frame. The
// same [AudioChunk] type is used in both directions because the backend uses
// an identical {"type":"audio_chunk","data":...} shape for microphone input
// and synthesised speech.
//
// Lifecycle events that do not come from the wire ([Connected],
// [Disconnected], [TransportError]) are also [Inbound] values so that a single
// typed channel carries everything the session dispatcher reacts to.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Type is the discriminator carried in the "type" field of every frame.
type Type string

// Inbound message kinds.
const (
	TypeStatus            Type = "status"
	TypeInterimTranscript Type = "interim_transcript"
	TypeFinalTranscript   Type = "final_transcript"
	TypeLLMToken          Type = "llm_token"
	TypeResponseComplete  Type = "response_complete"
	TypeError             Type = "error"
	TypeAgentTrace        Type = "agent_trace"
	TypeAudioChunk        Type = "audio_chunk"
	TypeAudioDone         Type = "audio_done"
)

// Outbound message kinds. [TypeAudioChunk] is shared with the inbound set.
const (
	TypeStartListening Type = "start_listening"
	TypeStopListening  Type = "stop_listening"
	TypeTextMessage    Type = "text_message"
)

// Local lifecycle kinds. These never appear on the wire.
const (
	TypeConnected      Type = "connected"
	TypeDisconnected   Type = "disconnected"
	TypeTransportError Type = "transport_error"
)

// ErrUnknownType is returned by [Decode] when the frame's type field does not
// name a known inbound message kind.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Status is the assistant's declared activity state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusListening Status = "listening"
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
)

// IsValid reports whether s is one of the four known status values.
func (s Status) IsValid() bool {
	switch s {
	case StatusIdle, StatusListening, StatusThinking, StatusSpeaking:
		return true
	}
	return false
}

// ── Inbound ────────────────────────────────────────────────────────────────────

// Inbound is the sum type of everything the session dispatcher consumes.
// Implementations are the exported message structs in this package.
type Inbound interface {
	Kind() Type
}

// StatusMessage carries the server's declared status.
type StatusMessage struct {
	Status Status
}

// InterimTranscript is a non-final speech-to-text hypothesis.
type InterimTranscript struct {
	Text string
}

// FinalTranscript is the final transcription of one user utterance.
type FinalTranscript struct {
	Text string
}

// LLMToken is one incremental piece of the assistant's reply.
type LLMToken struct {
	Token string
}

// ResponseComplete ends an assistant turn with the full reply text.
type ResponseComplete struct {
	FullText string
}

// ErrorMessage is a server-reported failure.
type ErrorMessage struct {
	Message string
}

// TraceStep describes one agent's participation in producing a reply.
type TraceStep struct {
	Agent      string `json:"agent"`
	Skipped    bool   `json:"skipped"`
	DurationMs int    `json:"duration_ms"`
	Status     string `json:"status,omitempty"`
}

// AgentTrace is the full, ordered execution trace of one assistant turn.
type AgentTrace struct {
	Steps  []TraceStep
	Intent string
	Model  string
}

// AudioChunk is a piece of encoded audio. Inbound it carries synthesised
// speech; outbound it carries microphone audio.
type AudioChunk struct {
	Data []byte
}

// AudioDone marks the end of the audio for one synthesised sentence.
type AudioDone struct{}

// Connected is emitted when the transport is established.
type Connected struct{}

// Disconnected is emitted when the transport goes away. Err is nil for a
// clean close initiated by either side.
type Disconnected struct {
	Err error
}

// TransportError is emitted for transport failures that do not end the
// connection, such as sending while closed.
type TransportError struct {
	Err error
}

func (StatusMessage) Kind() Type     { return TypeStatus }
func (InterimTranscript) Kind() Type { return TypeInterimTranscript }
func (FinalTranscript) Kind() Type   { return TypeFinalTranscript }
func (LLMToken) Kind() Type          { return TypeLLMToken }
func (ResponseComplete) Kind() Type  { return TypeResponseComplete }
func (ErrorMessage) Kind() Type      { return TypeError }
func (AgentTrace) Kind() Type        { return TypeAgentTrace }
func (AudioChunk) Kind() Type        { return TypeAudioChunk }
func (AudioDone) Kind() Type         { return TypeAudioDone }
func (Connected) Kind() Type         { return TypeConnected }
func (Disconnected) Kind() Type      { return TypeDisconnected }
func (TransportError) Kind() Type    { return TypeTransportError }

// ── Outbound ───────────────────────────────────────────────────────────────────

// Outbound is a message the client sends to the backend.
type Outbound interface {
	Kind() Type
	outbound()
}

// StartListening tells the backend to open its speech recogniser.
type StartListening struct{}

// StopListening tells the backend to close its speech recogniser.
type StopListening struct{}

// TextMessage submits a typed user message.
type TextMessage struct {
	Text string
}

func (StartListening) Kind() Type { return TypeStartListening }
func (StopListening) Kind() Type  { return TypeStopListening }
func (TextMessage) Kind() Type    { return TypeTextMessage }

func (StartListening) outbound() {}
func (StopListening) outbound()  {}
func (TextMessage) outbound()    {}
func (AudioChunk) outbound()     {}

// ── Wire envelope ──────────────────────────────────────────────────────────────

// wireTraceStep mirrors TraceStep but accepts fractional durations, which the
// backend produces when it measures latency with a float clock.
type wireTraceStep struct {
	Agent      string  `json:"agent"`
	Skipped    bool    `json:"skipped"`
	DurationMs float64 `json:"duration_ms"`
	Status     string  `json:"status,omitempty"`
}

// envelope is the union of every field any frame may carry.
type envelope struct {
	Type Type `json:"type"`

	// status
	Status Status `json:"status,omitempty"`

	// interim_transcript / final_transcript / text_message
	Text string `json:"text,omitempty"`

	// llm_token
	Token string `json:"token,omitempty"`

	// response_complete
	FullText string `json:"full_text,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// agent_trace
	Trace  []wireTraceStep `json:"trace,omitempty"`
	Intent string          `json:"intent,omitempty"`
	Model  string          `json:"model,omitempty"`

	// audio_chunk (base64)
	Data string `json:"data,omitempty"`
}

// Decode parses one inbound frame. It returns an error wrapping
// [ErrUnknownType] for unrecognised kinds and a plain error for malformed JSON
// or undecodable audio payloads.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}

	switch env.Type {
	case TypeStatus:
		return StatusMessage{Status: env.Status}, nil
	case TypeInterimTranscript:
		return InterimTranscript{Text: env.Text}, nil
	case TypeFinalTranscript:
		return FinalTranscript{Text: env.Text}, nil
	case TypeLLMToken:
		return LLMToken{Token: env.Token}, nil
	case TypeResponseComplete:
		return ResponseComplete{FullText: env.FullText}, nil
	case TypeError:
		return ErrorMessage{Message: env.Message}, nil
	case TypeAgentTrace:
		return AgentTrace{Steps: normaliseTrace(env.Trace), Intent: env.Intent, Model: env.Model}, nil
	case TypeAudioChunk:
		audio, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode audio_chunk: %w", err)
		}
		return AudioChunk{Data: audio}, nil
	case TypeAudioDone:
		return AudioDone{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// normaliseTrace converts wire steps into [TraceStep] values. Durations are
// rounded to whole milliseconds, negative values clamp to zero and skipped
// steps always report zero.
func normaliseTrace(in []wireTraceStep) []TraceStep {
	out := make([]TraceStep, len(in))
	for i, s := range in {
		d := int(math.Round(s.DurationMs))
		if d < 0 || s.Skipped {
			d = 0
		}
		out[i] = TraceStep{
			Agent:      s.Agent,
			Skipped:    s.Skipped,
			DurationMs: d,
			Status:     s.Status,
		}
	}
	return out
}

// Encode serialises an outbound message into a JSON text frame.
func Encode(msg Outbound) ([]byte, error) {
	env := envelope{Type: msg.Kind()}
	switch m := msg.(type) {
	case StartListening, StopListening:
	case TextMessage:
		env.Text = m.Text
	case AudioChunk:
		env.Data = base64.StdEncoding.EncodeToString(m.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Kind())
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Type, err)
	}
	return data, nil
}
