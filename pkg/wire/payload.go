package wire

import (
	"encoding/json"
	"fmt"
)

// Payload is one unit of the streamed response body. Exactly one of the
// concrete payload types below is serialized per chunk.
type Payload interface {
	payloadMarker()
}

// ContextPayload is sent once, as the first chunk of every session.
type ContextPayload struct {
	TopicID   int64  `json:"topic_id"`
	BotUserID int64  `json:"bot_user_id"`
	PersonaID int64  `json:"persona_id"`
}

// PartialPayload carries one increment of generated text.
type PartialPayload struct {
	Partial string `json:"partial"`
}

// ToolCallsPayload pauses the session: the caller executes the listed calls
// out-of-process and resumes with the token. Always the last non-terminal
// chunk of its HTTP cycle.
type ToolCallsPayload struct {
	Event       string     `json:"event"`
	ToolCalls   []ToolCall `json:"tool_calls"`
	ResumeToken string     `json:"resume_token"`
}

// ToolCall is the wire form of one pending tool invocation.
type ToolCall struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Parameters   json.RawMessage `json:"parameters"`
	ProviderData json.RawMessage `json:"provider_data,omitempty"`
}

// ErrorPayload terminates a stream that cannot continue. Always the last
// non-terminal chunk when present.
type ErrorPayload struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

const (
	// EventToolCalls tags a ToolCallsPayload on the wire.
	EventToolCalls = "tool_calls"
	// EventError tags an ErrorPayload on the wire.
	EventError = "error"
)

func (ContextPayload) payloadMarker()   {}
func (PartialPayload) payloadMarker()   {}
func (ToolCallsPayload) payloadMarker() {}
func (ErrorPayload) payloadMarker()     {}

// NewToolCallsPayload fills in the event tag.
func NewToolCallsPayload(calls []ToolCall, token string) ToolCallsPayload {
	return ToolCallsPayload{Event: EventToolCalls, ToolCalls: calls, ResumeToken: token}
}

// NewErrorPayload fills in the event tag.
func NewErrorPayload(msg string) ErrorPayload {
	return ErrorPayload{Event: EventError, Error: msg}
}

// DecodePayload parses one chunk body back into its concrete payload type.
// Used by tests and by clients consuming the stream.
func DecodePayload(data []byte) (Payload, error) {
	var probe struct {
		Event   *string `json:"event"`
		Partial *string `json:"partial"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: decode payload: %w", err)
	}
	switch {
	case probe.Event != nil && *probe.Event == EventToolCalls:
		var p ToolCallsPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("wire: decode tool_calls payload: %w", err)
		}
		return p, nil
	case probe.Event != nil && *probe.Event == EventError:
		var p ErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("wire: decode error payload: %w", err)
		}
		return p, nil
	case probe.Partial != nil:
		var p PartialPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("wire: decode partial payload: %w", err)
		}
		return p, nil
	default:
		var p ContextPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("wire: decode context payload: %w", err)
		}
		return p, nil
	}
}
