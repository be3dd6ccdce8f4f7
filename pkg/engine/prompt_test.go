package engine

import (
	"encoding/json"
	"testing"
)

func TestDedupeToolCallsKeepsFirstOccurrence(t *testing.T) {
	a := ToolCallRequest{ID: "a", Name: "lookup", Parameters: json.RawMessage(`{"q":"x"}`)}
	b := ToolCallRequest{ID: "b", Name: "fetch", Parameters: json.RawMessage(`{"url":"y"}`)}
	got := DedupeToolCalls([]ToolCallRequest{a, b, a, b, a})
	if len(got) != 2 {
		t.Fatalf("expected 2 unique calls, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("emission order not preserved: %v, %v", got[0].ID, got[1].ID)
	}
}

func TestDedupeToolCallsDistinguishesPayloads(t *testing.T) {
	// Same id but different parameters is a distinct emission.
	a := ToolCallRequest{ID: "a", Name: "lookup", Parameters: json.RawMessage(`{"q":"x"}`)}
	a2 := ToolCallRequest{ID: "a", Name: "lookup", Parameters: json.RawMessage(`{"q":"z"}`)}
	a3 := ToolCallRequest{ID: "a", Name: "lookup", Parameters: json.RawMessage(`{"q":"x"}`), ProviderData: json.RawMessage(`{"v":1}`)}
	got := DedupeToolCalls([]ToolCallRequest{a, a2, a3})
	if len(got) != 3 {
		t.Fatalf("expected 3 distinct calls, got %d", len(got))
	}
}

func TestToolResultValidate(t *testing.T) {
	if err := (ToolResult{ID: "a", Content: "42"}).Validate(); err != nil {
		t.Fatalf("valid result rejected: %v", err)
	}
	if err := (ToolResult{Content: "42"}).Validate(); err == nil {
		t.Fatal("expected missing id to be rejected")
	}
	// A tool may legitimately return nothing.
	if err := (ToolResult{ID: "a"}).Validate(); err != nil {
		t.Fatalf("empty content rejected: %v", err)
	}
}

func TestPromptPushTurns(t *testing.T) {
	p := Prompt{Messages: []Message{{Role: RoleUser, Content: "2+2?"}}}
	call := ToolCallRequest{ID: "a", Name: "calc", Parameters: json.RawMessage(`{}`)}
	p.PushModelTurn("", []ToolCallRequest{call})
	p.PushToolTurn("a", "4")
	if len(p.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(p.Messages))
	}
	if p.Messages[1].Role != RoleModel || len(p.Messages[1].ToolCalls) != 1 {
		t.Fatalf("unexpected model turn %#v", p.Messages[1])
	}
	if p.Messages[2].Role != RoleTool || p.Messages[2].ToolCallID != "a" {
		t.Fatalf("unexpected tool turn %#v", p.Messages[2])
	}
}
