package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies who authored a prompt message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleTool   Role = "tool"
)

// Message is one ordered turn of the prompt. Model turns may carry the
// tool-call requests the engine emitted; tool turns carry the result for
// exactly one of them, keyed by ToolCallID.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes one tool the caller can execute out-of-process.
// Parameters holds the JSON schema for the tool's arguments.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolChoice is the tool selection policy passed through to the vendor.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// Prompt is the full engine input for one round: ordered messages, the
// registered tool definitions, and the tool-choice policy.
type Prompt struct {
	Messages   []Message        `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice ToolChoice       `json:"tool_choice,omitempty"`
}

// PushModelTurn appends the engine's output as a model turn.
func (p *Prompt) PushModelTurn(text string, calls []ToolCallRequest) {
	p.Messages = append(p.Messages, Message{
		Role:      RoleModel,
		Content:   text,
		ToolCalls: calls,
	})
}

// PushToolTurn appends one tool-result turn bound to a prior request.
func (p *Prompt) PushToolTurn(callID, content string) {
	p.Messages = append(p.Messages, Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
	})
}

// ToolCallRequest is one pending invocation the engine asked the caller to
// perform. ProviderData is a vendor-opaque blob round-tripped through
// persistence and resumption without interpretation.
type ToolCallRequest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Parameters   json.RawMessage `json:"parameters"`
	ProviderData json.RawMessage `json:"provider_data,omitempty"`
}

// Equal reports whether two requests are the same emission: id, name, and
// the serialized parameter and provider-data bytes all match.
func (c ToolCallRequest) Equal(other ToolCallRequest) bool {
	return c.ID == other.ID &&
		c.Name == other.Name &&
		bytes.Equal(c.Parameters, other.Parameters) &&
		bytes.Equal(c.ProviderData, other.ProviderData)
}

// ToolResult is the caller-supplied outcome for one request.
type ToolResult struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Validate rejects results without the required fields. Content may be the
// empty string; a tool that produced no output is still a valid result.
func (r ToolResult) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("engine: tool result id is required")
	}
	return nil
}

// DedupeToolCalls drops repeat emissions of the same request, keeping the
// first occurrence and preserving emission order. Engines may emit a request
// more than once during retries.
func DedupeToolCalls(calls []ToolCallRequest) []ToolCallRequest {
	if len(calls) < 2 {
		return calls
	}
	kept := make([]ToolCallRequest, 0, len(calls))
	for _, call := range calls {
		dup := false
		for _, k := range kept {
			if k.Equal(call) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, call)
		}
	}
	return kept
}
