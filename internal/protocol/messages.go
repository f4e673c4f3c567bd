package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Identity binds a socket to an authenticated subject. It must be the first
// application message sent on every session socket; sockets that never send
// it stay unauthenticated on the server side.
type Identity struct {
	Username string `json:"username"`
}

// OutboundType defines the kind of an audio-session outbound envelope.
type OutboundType string

// Supported outbound envelope kinds. Exactly one kind per message.
const (
	OutboundAudio OutboundType = "audio"
	OutboundVideo OutboundType = "video"
	OutboundClose OutboundType = "close"
)

// Outbound is an audio-session envelope sent to the backend.
type Outbound struct {
	Type OutboundType `json:"type"`
	Data string       `json:"data,omitempty"` // base64 payload
}

// AudioEnvelope wraps one PCM frame for transport. Base64 is applied here,
// at the transport boundary.
func AudioEnvelope(pcm []byte) Outbound {
	return Outbound{
		Type: OutboundAudio,
		Data: base64.StdEncoding.EncodeToString(pcm),
	}
}

// VideoEnvelope wraps one compressed still image for transport.
func VideoEnvelope(jpeg []byte) Outbound {
	return Outbound{
		Type: OutboundVideo,
		Data: base64.StdEncoding.EncodeToString(jpeg),
	}
}

// CloseEnvelope is the best-effort goodbye sent before closing the audio
// session.
func CloseEnvelope() Outbound {
	return Outbound{Type: OutboundClose}
}

// AudioInbound is a decoded audio-session message from the backend.
type AudioInbound interface {
	audioInbound()
}

// AudioReply carries one PCM chunk of synthesized speech.
type AudioReply struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

func (AudioReply) audioInbound() {}

// ConnectedAck is the acknowledgement either socket sends once the identity
// message has been accepted. Informational only.
type ConnectedAck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (ConnectedAck) audioInbound() {}

func (ConnectedAck) cognitionInbound() {}

// DecodeAudioInbound decodes one audio-session wire message. Malformed or
// unknown payloads return a *DecodeError; the caller logs and discards them.
func DecodeAudioInbound(data []byte) (AudioInbound, error) {
	var envelope struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}

	if envelope.Type == "" && envelope.Status != "" {
		var ack ConnectedAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, &DecodeError{Reason: "invalid connection ack", Err: err}
		}
		return ack, nil
	}

	switch envelope.Type {
	case "audio_reply":
		var reply AudioReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, &DecodeError{Reason: "invalid audio_reply", Err: err}
		}
		if reply.Data == "" {
			return nil, &DecodeError{Reason: "audio_reply missing data"}
		}
		return reply, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown audio message type %q", envelope.Type)}
	}
}

// CognitionEvent names the event field of a cognition-session message.
type CognitionEvent string

// Cognition events exchanged with the backend.
const (
	EventReasoningComplete CognitionEvent = "reasoning_complete"
	EventMemoryStored      CognitionEvent = "memory_stored"
	EventStateUpdate       CognitionEvent = "state_update"
	EventError             CognitionEvent = "error"
	EventTranscription     CognitionEvent = "transcription"
	EventUserAction        CognitionEvent = "user_action"
	EventClose             CognitionEvent = "close"
)

// CognitionOutbound is an event the client publishes on the cognition
// session. Best-effort like every send; dropped when the channel is not open.
type CognitionOutbound struct {
	Event  CognitionEvent `json:"event"`
	Text   string         `json:"text,omitempty"`
	Action string         `json:"action,omitempty"`
}

// TranscriptionEvent reports locally observed user speech to the reasoning
// pipeline.
func TranscriptionEvent(text string) CognitionOutbound {
	return CognitionOutbound{Event: EventTranscription, Text: text}
}

// UserActionEvent reports an explicit user action (button press, settings
// change).
func UserActionEvent(action string) CognitionOutbound {
	return CognitionOutbound{Event: EventUserAction, Action: action}
}

// CognitionCloseEvent is the goodbye sent on teardown.
func CognitionCloseEvent() CognitionOutbound {
	return CognitionOutbound{Event: EventClose}
}

// CognitionInbound is a decoded cognition-session message from the backend.
type CognitionInbound interface {
	cognitionInbound()
}

// ReasoningComplete signals that the reasoning pipeline finished a pass over
// the latest utterance.
type ReasoningComplete struct {
	Event     string  `json:"event"`
	Context   string  `json:"context"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (ReasoningComplete) cognitionInbound() {}

// MemoryStored reports a fact the backend committed to long-term memory.
type MemoryStored struct {
	Event   string `json:"event"`
	Content string `json:"content"`
}

func (MemoryStored) cognitionInbound() {}

// StateUpdate directs the client to display a specific activity state. The
// state value is validated here; mapping onto the state machine is the
// orchestrator's job.
type StateUpdate struct {
	Event string `json:"event"`
	State string `json:"state"`
}

func (StateUpdate) cognitionInbound() {}

// RemoteError is a server-side failure report. Logged only; the channel
// stays open.
type RemoteError struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

func (RemoteError) cognitionInbound() {}

var validStates = map[string]bool{
	"listening": true,
	"thinking":  true,
	"speaking":  true,
}

// DecodeCognitionInbound decodes one cognition-session wire message.
func DecodeCognitionInbound(data []byte) (CognitionInbound, error) {
	var envelope struct {
		Event  string `json:"event"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}

	if envelope.Event == "" && envelope.Status != "" {
		var ack ConnectedAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, &DecodeError{Reason: "invalid connection ack", Err: err}
		}
		return ack, nil
	}

	switch CognitionEvent(envelope.Event) {
	case EventReasoningComplete:
		var event ReasoningComplete
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, &DecodeError{Reason: "invalid reasoning_complete", Err: err}
		}
		return event, nil
	case EventMemoryStored:
		var event MemoryStored
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, &DecodeError{Reason: "invalid memory_stored", Err: err}
		}
		return event, nil
	case EventStateUpdate:
		var event StateUpdate
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, &DecodeError{Reason: "invalid state_update", Err: err}
		}
		if !validStates[event.State] {
			return nil, &DecodeError{Reason: fmt.Sprintf("state_update with unknown state %q", event.State)}
		}
		return event, nil
	case EventError:
		var event RemoteError
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, &DecodeError{Reason: "invalid error event", Err: err}
		}
		return event, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown cognition event %q", envelope.Event)}
	}
}

// DecodeError reports a malformed or unexpectedly shaped inbound message.
// Consumers log and discard; a decode failure never closes the channel.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
