package run

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cexll/replystream-go/pkg/cancel"
	"github.com/cexll/replystream-go/pkg/engine"
	"github.com/cexll/replystream-go/pkg/reply"
	"github.com/cexll/replystream-go/pkg/state"
	"github.com/cexll/replystream-go/pkg/wire"
)

// scriptedEngine pops one round script per Generate call.
type scriptedEngine struct {
	rounds []roundScript
	calls  int
}

type roundScript struct {
	events []engine.Event
	result engine.Result
	err    error
}

func (e *scriptedEngine) Generate(ctx context.Context, prompt engine.Prompt, cb engine.Callback) (engine.Result, error) {
	if e.calls >= len(e.rounds) {
		return engine.Result{}, errors.New("scripted engine exhausted")
	}
	round := e.rounds[e.calls]
	e.calls++
	for _, ev := range round.events {
		if err := cb(ev); err != nil {
			return engine.Result{}, err
		}
	}
	return round.result, round.err
}

type sessionHarness struct {
	buf     bytes.Buffer
	framer  *wire.Framer
	states  *state.Store
	replies *reply.MemoryStore
	monitor *cancel.Monitor
}

func newHarness(t *testing.T, eng engine.Engine) (*Session, *sessionHarness) {
	t.Helper()
	h := &sessionHarness{
		replies: reply.NewMemoryStore(),
		monitor: cancel.NewMonitor(),
	}
	h.framer = wire.NewFramer(&h.buf, nil)
	states, err := state.NewStore(state.NewMemoryBackend())
	if err != nil {
		t.Fatalf("new state store: %v", err)
	}
	h.states = states
	sess, err := New(Config{
		Engine:    eng,
		States:    states,
		Replies:   h.replies,
		Writer:    h.framer,
		Canceller: h.monitor,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return sess, h
}

func (h *sessionHarness) payloads(t *testing.T) []wire.Payload {
	t.Helper()
	r := bufio.NewReader(bytes.NewReader(h.buf.Bytes()))
	var out []wire.Payload
	for {
		body, err := wire.ReadChunk(r)
		if err != nil {
			return out
		}
		p, err := wire.DecodePayload(body)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		out = append(out, p)
	}
}

func startRequest() StartRequest {
	return StartRequest{
		CallerIdentity: "user-1",
		TopicID:        42,
		BotUserID:      7,
		PersonaID:      3,
		ReplyUser:      "bot",
		Query:          "2+2?",
	}
}

func TestStartNoToolsStreamsAndCompletes(t *testing.T) {
	eng := &scriptedEngine{rounds: []roundScript{{
		events: []engine.Event{{Text: "4"}, {Text: ""}},
		result: engine.Result{Text: "4"},
	}}}
	sess, h := newHarness(t, eng)
	out, err := sess.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", out.Status)
	}
	if out.Reply == nil || out.Reply.Content != "4" {
		t.Fatalf("unexpected reply %#v", out.Reply)
	}

	got := h.payloads(t)
	if len(got) != 2 {
		t.Fatalf("expected context + 1 partial, got %d payloads", len(got))
	}
	ctx, ok := got[0].(wire.ContextPayload)
	if !ok || ctx.TopicID != 42 || ctx.BotUserID != 7 || ctx.PersonaID != 3 {
		t.Fatalf("unexpected context payload %#v", got[0])
	}
	if p, ok := got[1].(wire.PartialPayload); !ok || p.Partial != "4" {
		t.Fatalf("unexpected partial %#v", got[1])
	}
}

func TestStartTwoPartialsConcatenate(t *testing.T) {
	eng := &scriptedEngine{rounds: []roundScript{{
		events: []engine.Event{{Text: "2"}, {Text: "2"}},
		result: engine.Result{Text: "22"},
	}}}
	sess, h := newHarness(t, eng)
	out, err := sess.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.AccumulatedReply != "22" {
		t.Fatalf("unexpected accumulated reply %q", out.AccumulatedReply)
	}
	got := h.payloads(t)
	if len(got) != 3 {
		t.Fatalf("expected context + 2 partials, got %d", len(got))
	}
	for _, p := range got {
		switch p.(type) {
		case wire.ToolCallsPayload, wire.ErrorPayload:
			t.Fatalf("unexpected payload %#v", p)
		}
	}
}

func TestToolRoundPausesWithResumeToken(t *testing.T) {
	call := engine.ToolCallRequest{ID: "a", Name: "lookup", Parameters: json.RawMessage(`{"q":"x"}`)}
	eng := &scriptedEngine{rounds: []roundScript{
		{result: engine.Result{ToolCalls: []engine.ToolCallRequest{call}}},
		{events: []engine.Event{{Text: "42"}}, result: engine.Result{Text: "42"}},
	}}
	sess, h := newHarness(t, eng)
	out, err := sess.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Status != StatusAwaitingToolResults || out.ResumeToken == "" {
		t.Fatalf("expected awaiting with token, got %#v", out)
	}

	got := h.payloads(t)
	if len(got) != 2 {
		t.Fatalf("expected context + tool_calls, got %d payloads", len(got))
	}
	tc, ok := got[1].(wire.ToolCallsPayload)
	if !ok {
		t.Fatalf("expected tool_calls payload, got %#v", got[1])
	}
	if tc.ResumeToken != out.ResumeToken || len(tc.ToolCalls) != 1 || tc.ToolCalls[0].ID != "a" {
		t.Fatalf("unexpected tool_calls payload %#v", tc)
	}

	// Resume drives the second round to completion.
	resumed, _ := newHarness(t, eng)
	resumed.cfg.States = h.states
	out2, err := resumed.Resume(context.Background(), ResumeRequest{
		CallerIdentity: "user-1",
		ResumeToken:    out.ResumeToken,
		ToolResults:    []engine.ToolResult{{ID: "a", Content: "42"}},
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out2.Status != StatusCompleted || out2.AccumulatedReply != "42" {
		t.Fatalf("unexpected resume outcome %#v", out2)
	}
	if out2.RoundCount != 2 {
		t.Fatalf("expected round count 2, got %d", out2.RoundCount)
	}
}

func TestResumeSplicesToolTurnsInRequestOrder(t *testing.T) {
	calls := []engine.ToolCallRequest{
		{ID: "a", Name: "first", Parameters: json.RawMessage(`{}`)},
		{ID: "b", Name: "second", Parameters: json.RawMessage(`{}`)},
	}
	eng := &scriptedEngine{rounds: []roundScript{
		{result: engine.Result{ToolCalls: calls}},
	}}
	sess, h := newHarness(t, eng)
	out, err := sess.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var captured engine.Prompt
	capturing := engineFunc(func(ctx context.Context, prompt engine.Prompt, cb engine.Callback) (engine.Result, error) {
		captured = prompt
		return engine.Result{Text: "done"}, nil
	})
	resumed, _ := newHarness(t, capturing)
	resumed.cfg.States = h.states
	// Results supplied out of order still splice in request order.
	if _, err := resumed.Resume(context.Background(), ResumeRequest{
		CallerIdentity: "user-1",
		ResumeToken:    out.ResumeToken,
		ToolResults: []engine.ToolResult{
			{ID: "b", Content: "two"},
			{ID: "a", Content: "one"},
		},
	}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	n := len(captured.Messages)
	if n < 3 {
		t.Fatalf("prompt too short: %d messages", n)
	}
	modelTurn := captured.Messages[n-3]
	if modelTurn.Role != engine.RoleModel || len(modelTurn.ToolCalls) != 2 {
		t.Fatalf("expected model turn with 2 calls, got %#v", modelTurn)
	}
	if captured.Messages[n-2].ToolCallID != "a" || captured.Messages[n-2].Content != "one" {
		t.Fatalf("expected first tool turn for a, got %#v", captured.Messages[n-2])
	}
	if captured.Messages[n-1].ToolCallID != "b" || captured.Messages[n-1].Content != "two" {
		t.Fatalf("expected second tool turn for b, got %#v", captured.Messages[n-1])
	}
}

func TestResumeRejectsMismatchedResultSets(t *testing.T) {
	calls := []engine.ToolCallRequest{
		{ID: "a", Name: "first", Parameters: json.RawMessage(`{}`)},
		{ID: "b", Name: "second", Parameters: json.RawMessage(`{}`)},
	}
	cases := []struct {
		name    string
		results []engine.ToolResult
	}{
		{"subset", []engine.ToolResult{{ID: "a", Content: "x"}}},
		{"superset", []engine.ToolResult{{ID: "a", Content: "x"}, {ID: "b", Content: "y"}, {ID: "c", Content: "z"}}},
		{"disjoint", []engine.ToolResult{{ID: "q", Content: "x"}, {ID: "r", Content: "y"}}},
		{"duplicate", []engine.ToolResult{{ID: "a", Content: "x"}, {ID: "a", Content: "y"}}},
		{"blank id", []engine.ToolResult{{ID: "a", Content: "x"}, {ID: "  ", Content: "y"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &scriptedEngine{rounds: []roundScript{
				{result: engine.Result{ToolCalls: calls}},
			}}
			sess, h := newHarness(t, eng)
			out, err := sess.Start(context.Background(), startRequest())
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			resumed, _ := newHarness(t, eng)
			resumed.cfg.States = h.states
			_, err = resumed.Resume(context.Background(), ResumeRequest{
				CallerIdentity: "user-1",
				ResumeToken:    out.ResumeToken,
				ToolResults:    tc.results,
			})
			if !errors.Is(err, ErrInvalidToolResults) {
				t.Fatalf("expected ErrInvalidToolResults, got %v", err)
			}
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("expected protocol error lineage, got %v", err)
			}
		})
	}
}

func TestResumeExactSetAnyOrderSucceeds(t *testing.T) {
	calls := []engine.ToolCallRequest{
		{ID: "a", Name: "first", Parameters: json.RawMessage(`{}`)},
		{ID: "b", Name: "second", Parameters: json.RawMessage(`{}`)},
	}
	eng := &scriptedEngine{rounds: []roundScript{
		{result: engine.Result{ToolCalls: calls}},
		{result: engine.Result{Text: "done"}},
	}}
	sess, h := newHarness(t, eng)
	out, err := sess.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resumed, _ := newHarness(t, eng)
	resumed.cfg.States = h.states
	// Out of order, and one tool returned nothing; both are fine.
	if _, err := resumed.Resume(context.Background(), ResumeRequest{
		CallerIdentity: "user-1",
		ResumeToken:    out.ResumeToken,
		ToolResults:    []engine.ToolResult{{ID: "b", Content: "y"}, {ID: "a"}},
	}); err != nil {
		t.Fatalf("resume with exact set: %v", err)
	}
}

func TestResumeUnknownTokenIsNotFound(t *testing.T) {
	eng := &scriptedEngine{}
	sess, _ := newHarness(t, eng)
	_, err := sess.Resume(context.Background(), ResumeRequest{
		CallerIdentity: "user-1",
		ResumeToken:    state.NewToken(),
		ToolResults:    []engine.ToolResult{{ID: "a", Content: "x"}},
	})
	if !errors.Is(err, ErrResumeTokenNotFound) {
		t.Fatalf("expected ErrResumeTokenNotFound, got %v", err)
	}
}

func TestResumeCallerMismatchIsIndistinguishable(t *testing.T) {
	call := engine.ToolCallRequest{ID: "a", Name: "lookup", Parameters: json.RawMessage(`{}`)}
	eng := &scriptedEngine{rounds: []roundScript{
		{result: engine.Result{ToolCalls: []engine.ToolCallRequest{call}}},
	}}
	sess, h := newHarness(t, eng)
	out, err := sess.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resumed, _ := newHarness(t, eng)
	resumed.cfg.States = h.states
	_, err = resumed.Resume(context.Background(), ResumeRequest{
		CallerIdentity: "someone-else",
		ResumeToken:    out.ResumeToken,
		ToolResults:    []engine.ToolResult{{ID: "a", Content: "x"}},
	})
	if !errors.Is(err, ErrResumeTokenNotFound) {
		t.Fatalf("caller mismatch must mirror unknown token, got %v", err)
	}
}

func TestDuplicateToolCallEmissionsAreDeduped(t *testing.T) {
	call := engine.ToolCallRequest{ID: "a", Name: "lookup", Parameters: json.RawMessage(`{"q":"x"}`)}
	eng := &scriptedEngine{rounds: []roundScript{{
		events: []engine.Event{{ToolCall: &call}, {ToolCall: &call}},
		result: engine.Result{ToolCalls: []engine.ToolCallRequest{call}},
	}}}
	sess, h := newHarness(t, eng)
	if _, err := sess.Start(context.Background(), startRequest()); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := h.payloads(t)
	tc, ok := got[len(got)-1].(wire.ToolCallsPayload)
	if !ok {
		t.Fatalf("expected tool_calls payload, got %#v", got[len(got)-1])
	}
	if len(tc.ToolCalls) != 1 {
		t.Fatalf("expected 1 deduped call, got %d", len(tc.ToolCalls))
	}
}

func TestEngineFailureIsEngineError(t *testing.T) {
	eng := &scriptedEngine{rounds: []roundScript{{
		err: errors.New("model unavailable"),
	}}}
	sess, _ := newHarness(t, eng)
	_, err := sess.Start(context.Background(), startRequest())
	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected EngineError, got %v", err)
	}
}

func TestCancellationStopsWritesAndPersistsPartial(t *testing.T) {
	var sess *Session
	var h *sessionHarness
	eng := engineFunc(func(ctx context.Context, prompt engine.Prompt, cb engine.Callback) (engine.Result, error) {
		if err := cb(engine.Event{Text: "partial "}); err != nil {
			return engine.Result{}, err
		}
		h.monitor.Cancel()
		if err := cb(engine.Event{Text: "never delivered"}); err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Text: "partial never delivered"}, nil
	})
	sess, h = newHarness(t, eng)
	out, err := sess.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("cancellation is cooperative, not an error: %v", err)
	}
	if out.Status != StatusAborted {
		t.Fatalf("expected aborted, got %s", out.Status)
	}
	got := h.payloads(t)
	if len(got) != 2 {
		t.Fatalf("expected context + first partial only, got %d payloads", len(got))
	}
	rec, ok := h.replies.Get(1)
	if !ok || rec.Content != "partial " {
		t.Fatalf("expected partial reply persisted, got %#v", rec)
	}
}

// Liveness must tick on engine events that write nothing to the wire, or a
// round spent collecting tool calls reads as abandoned.
func TestProgressRunsOnEngineEvents(t *testing.T) {
	call := engine.ToolCallRequest{ID: "a", Name: "lookup", Parameters: json.RawMessage(`{}`)}
	eng := &scriptedEngine{rounds: []roundScript{{
		events: []engine.Event{{ToolCall: &call}},
	}}}
	sess, _ := newHarness(t, eng)
	var beats int
	sess.cfg.OnProgress = func() { beats++ }
	out, err := sess.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Status != StatusAwaitingToolResults {
		t.Fatalf("expected awaiting tool results, got %s", out.Status)
	}
	// Context write, tool-call event, tool_calls write.
	if beats != 3 {
		t.Fatalf("expected 3 progress ticks, got %d", beats)
	}
}

// A reply store that fails every update must abort the session through the
// canceller, and Start must return rather than wait on the dead drain worker.
func TestDownstreamFailureAbortsWithoutHanging(t *testing.T) {
	var h *sessionHarness
	eng := engineFunc(func(ctx context.Context, prompt engine.Prompt, cb engine.Callback) (engine.Result, error) {
		if err := cb(engine.Event{Text: "first "}); err != nil {
			return engine.Result{}, err
		}
		if err := cb(engine.Event{Text: "second "}); err != nil {
			return engine.Result{}, err
		}
		deadline := time.Now().Add(time.Second)
		for !h.monitor.Cancelled() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if err := cb(engine.Event{Text: "third"}); err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Text: "first second third"}, nil
	})
	sess, harness := newHarness(t, eng)
	h = harness
	sess.cfg.Replies = &vanishingStore{inner: h.replies}

	type outcome struct {
		out *Outcome
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := sess.Start(context.Background(), startRequest())
		done <- outcome{out, err}
	}()
	var got outcome
	select {
	case got = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Start hung after the reply store failed mid-stream")
	}
	if got.err != nil {
		t.Fatalf("cancellation is cooperative, not an error: %v", got.err)
	}
	if got.out.Status != StatusAborted {
		t.Fatalf("expected aborted, got %s", got.out.Status)
	}
	if !h.monitor.Cancelled() {
		t.Fatal("expected downstream failure to fire the canceller")
	}
}

func TestStartValidation(t *testing.T) {
	eng := &scriptedEngine{}
	sess, _ := newHarness(t, eng)
	bad := startRequest()
	bad.Query = "  "
	if _, err := sess.Start(context.Background(), bad); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error for blank query, got %v", err)
	}
}

// vanishingStore loses every record right after creating it, so each
// subsequent update fails.
type vanishingStore struct {
	inner *reply.MemoryStore
}

func (s *vanishingStore) Create(ctx context.Context, owner, dest, content string) (*reply.Record, error) {
	rec, err := s.inner.Create(ctx, owner, dest, content)
	if err != nil {
		return nil, err
	}
	s.inner.Delete(rec.ID)
	return rec, nil
}

func (s *vanishingStore) Update(ctx context.Context, rec *reply.Record, content string) error {
	return s.inner.Update(ctx, rec, content)
}

type engineFunc func(context.Context, engine.Prompt, engine.Callback) (engine.Result, error)

func (f engineFunc) Generate(ctx context.Context, p engine.Prompt, cb engine.Callback) (engine.Result, error) {
	return f(ctx, p, cb)
}
