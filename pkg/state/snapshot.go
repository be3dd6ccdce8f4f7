// Package state persists single-use snapshots of in-flight resumable
// sessions in an external ephemeral key-value store. A snapshot outlives one
// HTTP request/response cycle and is consumed at most once.
package state

import (
	"github.com/cexll/replystream-go/pkg/engine"
)

// Snapshot is everything needed to resume a paused session: identity and
// destination, the prompt built so far, the reply text accumulated across
// rounds, and the tool-call requests the caller still owes results for.
type Snapshot struct {
	SessionID        string                   `json:"session_id"`
	CallerIdentity   string                   `json:"caller_identity"`
	Destination      string                   `json:"destination"`
	BotUserID        int64                    `json:"bot_user_id,omitempty"`
	PersonaID        int64                    `json:"persona_id,omitempty"`
	ReplyUser        string                   `json:"reply_user"`
	AccumulatedReply string                   `json:"accumulated_reply"`
	RoundCount       int                      `json:"round_count"`
	Prompt           engine.Prompt            `json:"prompt"`
	PendingCalls     []engine.ToolCallRequest `json:"pending_calls"`
}

// ExpectedIDs returns the ids of the pending tool-call requests, in the
// order they were emitted.
func (s Snapshot) ExpectedIDs() []string {
	ids := make([]string, 0, len(s.PendingCalls))
	for _, call := range s.PendingCalls {
		ids = append(ids, call.ID)
	}
	return ids
}
