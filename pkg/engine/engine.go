// Package engine defines the boundary to the text generation engine: the
// prompt it is driven with, the events it emits mid-generation, and the
// result a completed round yields. Vendor adapters live in subpackages.
package engine

import "context"

// Engine drives one generation round. Implementations stream partial text
// and tool-call requests through the callback as they are produced and
// return the accumulated result when the round ends. Generate is expected
// to block for seconds to minutes; it must honor ctx cancellation.
type Engine interface {
	Generate(ctx context.Context, prompt Prompt, cb Callback) (Result, error)
}

// Callback consumes incremental generation output in emission order. A
// non-nil error from the callback aborts the round.
type Callback func(Event) error

// Event is one incremental unit: partial text, a tool-call request, or both
// zero-valued (ignored).
type Event struct {
	Text     string
	ToolCall *ToolCallRequest
}

// Result is the accumulated output of one round.
type Result struct {
	Text      string
	ToolCalls []ToolCallRequest
}
