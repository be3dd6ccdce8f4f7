// Package run orchestrates one round of resumable generation: drive the
// engine until it yields final text or a batch of tool-call requests, stream
// every token to the wire as it is produced, and either finalize the reply
// or persist a snapshot and hand the caller a resume token.
package run

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/cexll/replystream-go/pkg/cancel"
	"github.com/cexll/replystream-go/pkg/engine"
	"github.com/cexll/replystream-go/pkg/flush"
	"github.com/cexll/replystream-go/pkg/reply"
	"github.com/cexll/replystream-go/pkg/state"
	"github.com/cexll/replystream-go/pkg/wire"
)

// Status is the session state machine position.
type Status string

const (
	StatusSettingUp           Status = "setting_up"
	StatusRoundInProgress     Status = "round_in_progress"
	StatusAwaitingToolResults Status = "awaiting_tool_results"
	StatusCompleted           Status = "completed"
	StatusAborted             Status = "aborted"
)

// DefaultInstructions seeds the system turn when the caller supplies none.
const DefaultInstructions = "You are a helpful assistant replying inside a discussion topic. Keep replies concise."

// ChunkWriter is the session's view of the wire. *wire.Framer satisfies it.
type ChunkWriter interface {
	WriteChunk(wire.Payload) error
}

// Publisher is the downstream sink the throttled flusher feeds: a bounded-
// rate "the reply changed" notification toward the destination channel.
type Publisher interface {
	Publish(ctx context.Context, destination, content string)
}

// StartRequest opens a fresh session.
type StartRequest struct {
	CallerIdentity string
	TopicID        int64
	BotUserID      int64
	PersonaID      int64
	ReplyUser      string
	Query          string
	Instructions   string
	Tools          []engine.ToolDefinition
}

// ResumeRequest continues a paused session with the caller's tool results.
type ResumeRequest struct {
	CallerIdentity string
	ResumeToken    string
	ToolResults    []engine.ToolResult
}

// Outcome summarizes how the HTTP cycle ended.
type Outcome struct {
	Status           Status
	ResumeToken      string
	Reply            *reply.Record
	AccumulatedReply string
	RoundCount       int
}

// Config wires a Session to its collaborators.
type Config struct {
	Engine    engine.Engine
	States    *state.Store
	Replies   reply.Store
	Writer    ChunkWriter
	Canceller cancel.Canceller
	Publisher Publisher
	Flusher   *flush.Flusher
	// DefaultTools is the toolset registered when the caller supplies none.
	// Caller-supplied definitions replace it wholesale: the caller executes
	// the tools, so the caller decides what exists.
	DefaultTools []engine.ToolDefinition
	Logger       *log.Logger
	// OnProgress runs after every successful chunk write and on every engine
	// event, including events that produce no wire write. The server
	// refreshes the liveness heartbeat here.
	OnProgress func()
}

func (c Config) validate() error {
	if c.Engine == nil {
		return errors.New("run: engine is required")
	}
	if c.States == nil {
		return errors.New("run: state store is required")
	}
	if c.Replies == nil {
		return errors.New("run: reply store is required")
	}
	if c.Writer == nil {
		return errors.New("run: chunk writer is required")
	}
	return nil
}

// Session is one resumable generation attempt. A Session serves exactly one
// HTTP cycle: Start or Resume, never both.
type Session struct {
	cfg Config

	meta           wire.ContextPayload
	callerIdentity string
	replyUser      string
	prompt         engine.Prompt
	accumulated    string
	rounds         int
	status         Status
	streamer       *reply.Streamer
}

// New constructs a Session.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, status: StatusSettingUp}, nil
}

// Status reports the state machine position.
func (s *Session) Status() Status { return s.status }

// Start validates the request, builds the initial prompt, emits the context
// chunk, and runs the first round.
func (s *Session) Start(ctx context.Context, req StartRequest) (*Outcome, error) {
	if err := validateStart(req); err != nil {
		return nil, err
	}
	s.meta = wire.ContextPayload{TopicID: req.TopicID, BotUserID: req.BotUserID, PersonaID: req.PersonaID}
	s.callerIdentity = req.CallerIdentity
	s.replyUser = req.ReplyUser
	s.prompt = initialPrompt(req, s.cfg.DefaultTools)
	s.accumulated = ""
	s.rounds = 0
	s.setupStreamer()

	if err := s.writeChunk(s.meta); err != nil {
		return s.abort(err)
	}
	return s.runRound(ctx)
}

// Resume reloads the snapshot under the token, splices the tool results onto
// the prompt, and continues the round. Unknown tokens and caller mismatches
// fail identically.
func (s *Session) Resume(ctx context.Context, req ResumeRequest) (*Outcome, error) {
	snap, err := s.cfg.States.Load(ctx, req.ResumeToken)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, ErrResumeTokenNotFound
		}
		return nil, err
	}
	if snap.CallerIdentity != req.CallerIdentity {
		return nil, ErrResumeTokenNotFound
	}
	if err := matchToolResults(snap.PendingCalls, req.ToolResults); err != nil {
		return nil, err
	}

	s.restore(snap)
	s.setupStreamer()

	// Splice results in the original request order, completing the
	// tool-call/tool-result turn pairs started at save time.
	byID := make(map[string]engine.ToolResult, len(req.ToolResults))
	for _, res := range req.ToolResults {
		byID[res.ID] = res
	}
	for _, call := range snap.PendingCalls {
		s.prompt.PushToolTurn(call.ID, byID[call.ID].Content)
	}

	if err := s.writeChunk(s.meta); err != nil {
		return s.abort(err)
	}
	return s.runRound(ctx)
}

func (s *Session) runRound(ctx context.Context) (*Outcome, error) {
	s.status = StatusRoundInProgress
	var calls []engine.ToolCallRequest

	result, err := s.cfg.Engine.Generate(ctx, s.prompt, func(ev engine.Event) error {
		s.progress()
		if ev.ToolCall != nil {
			calls = append(calls, *ev.ToolCall)
		}
		if ev.Text == "" {
			return nil
		}
		if err := s.writeChunk(wire.PartialPayload{Partial: ev.Text}); err != nil {
			return err
		}
		s.accumulated += ev.Text
		if err := s.streamer.Append(ctx, ev.Text); err != nil {
			s.logf("reply append: %v", err)
		}
		s.publishProgress(ctx)
		return nil
	})
	if err != nil {
		if errors.Is(err, errCancelled) {
			return s.abort(nil)
		}
		var transport *TransportError
		if errors.As(err, &transport) {
			return s.abortOutcome(), err
		}
		return s.abortOutcome(), &EngineError{Err: err}
	}

	calls = engine.DedupeToolCalls(append(calls, result.ToolCalls...))
	if len(calls) > 0 {
		return s.pauseForTools(ctx, result.Text, calls)
	}
	return s.complete(ctx, result.Text)
}

// pauseForTools persists the snapshot and hands the caller a resume token.
// The tool_calls chunk is always the last chunk of this HTTP cycle.
func (s *Session) pauseForTools(ctx context.Context, modelText string, calls []engine.ToolCallRequest) (*Outcome, error) {
	s.prompt.PushModelTurn(modelText, calls)
	token, err := s.cfg.States.Save(ctx, state.Snapshot{
		CallerIdentity:   s.callerIdentity,
		Destination:      s.destination(),
		BotUserID:        s.meta.BotUserID,
		PersonaID:        s.meta.PersonaID,
		ReplyUser:        s.replyUser,
		AccumulatedReply: s.accumulated,
		RoundCount:       s.rounds,
		Prompt:           s.prompt,
		PendingCalls:     calls,
	})
	if err != nil {
		s.finishStreamer(false)
		return s.abortOutcome(), protocolErr(err)
	}
	if err := s.writeChunk(wire.NewToolCallsPayload(toWireCalls(calls), token)); err != nil {
		return s.abort(err)
	}
	s.finishStreamer(false)
	s.status = StatusAwaitingToolResults
	return &Outcome{
		Status:           StatusAwaitingToolResults,
		ResumeToken:      token,
		AccumulatedReply: s.accumulated,
		RoundCount:       s.rounds + 1,
	}, nil
}

// complete materializes the final reply record and ends the session.
func (s *Session) complete(ctx context.Context, modelText string) (*Outcome, error) {
	s.prompt.PushModelTurn(modelText, nil)
	rec := s.streamer.Done()
	if s.cfg.Flusher != nil {
		s.cfg.Flusher.Finish(false)
	}
	s.status = StatusCompleted
	return &Outcome{
		Status:           StatusCompleted,
		Reply:            rec,
		AccumulatedReply: s.accumulated,
		RoundCount:       s.rounds + 1,
	}, nil
}

// abort finalizes whatever partial reply exists and reports the failure.
// Cooperative cancellation is not a failure: the outcome is aborted and the
// error is nil.
func (s *Session) abort(err error) (*Outcome, error) {
	if errors.Is(err, errCancelled) {
		err = nil
	}
	return s.abortOutcome(), err
}

func (s *Session) abortOutcome() *Outcome {
	s.finishStreamer(false)
	s.status = StatusAborted
	return &Outcome{
		Status:           StatusAborted,
		AccumulatedReply: s.accumulated,
		RoundCount:       s.rounds,
	}
}

// writeChunk guards every wire write behind the cancellation check and
// refreshes the liveness signal on success.
func (s *Session) writeChunk(p wire.Payload) error {
	if s.cfg.Canceller != nil && s.cfg.Canceller.Cancelled() {
		return errCancelled
	}
	if err := s.cfg.Writer.WriteChunk(p); err != nil {
		return &TransportError{Err: err}
	}
	s.progress()
	return nil
}

func (s *Session) progress() {
	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress()
	}
}

func (s *Session) setupStreamer() {
	var onCancel func()
	if s.cfg.Canceller != nil {
		onCancel = s.cfg.Canceller.Cancel
	}
	s.streamer = reply.NewStreamer(s.cfg.Replies, s.replyUser, s.destination(), onCancel)
	if s.cfg.Canceller != nil {
		// Cancellation persists the partial reply as the record's final state.
		s.cfg.Canceller.AddCallback(func() { s.streamer.Done() })
	}
}

func (s *Session) finishStreamer(skip bool) {
	if s.streamer != nil {
		s.streamer.Done()
	}
	if s.cfg.Flusher != nil {
		s.cfg.Flusher.Finish(skip)
	}
}

// publishProgress coalesces per-token publishes behind the flusher so the
// downstream sink sees bounded-rate updates.
func (s *Session) publishProgress(ctx context.Context) {
	if s.cfg.Publisher == nil || s.cfg.Flusher == nil {
		return
	}
	content := s.accumulated
	dest := s.destination()
	s.cfg.Flusher.Submit(func() {
		s.cfg.Publisher.Publish(ctx, dest, content)
	})
}

func (s *Session) restore(snap state.Snapshot) {
	topicID, _ := strconv.ParseInt(snap.Destination, 10, 64)
	s.meta = wire.ContextPayload{TopicID: topicID, BotUserID: snap.BotUserID, PersonaID: snap.PersonaID}
	s.callerIdentity = snap.CallerIdentity
	s.replyUser = snap.ReplyUser
	s.prompt = snap.Prompt
	s.accumulated = snap.AccumulatedReply
	s.rounds = snap.RoundCount
}

func (s *Session) destination() string {
	return strconv.FormatInt(s.meta.TopicID, 10)
}

func (s *Session) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func validateStart(req StartRequest) error {
	if strings.TrimSpace(req.CallerIdentity) == "" {
		return fmt.Errorf("%w: caller identity is required", ErrProtocol)
	}
	if req.TopicID <= 0 {
		return fmt.Errorf("%w: destination topic is required", ErrProtocol)
	}
	if strings.TrimSpace(req.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrProtocol)
	}
	return nil
}

func initialPrompt(req StartRequest, defaults []engine.ToolDefinition) engine.Prompt {
	instructions := req.Instructions
	if strings.TrimSpace(instructions) == "" {
		instructions = DefaultInstructions
	}
	tools := req.Tools
	if len(tools) == 0 {
		tools = defaults
	}
	return engine.Prompt{
		Messages: []engine.Message{
			{Role: engine.RoleSystem, Content: instructions},
			{Role: engine.RoleUser, Content: req.Query},
		},
		Tools:      tools,
		ToolChoice: engine.ToolChoiceAuto,
	}
}

// matchToolResults enforces exact set equality between supplied result ids
// and the persisted expected ids.
func matchToolResults(expected []engine.ToolCallRequest, results []engine.ToolResult) error {
	want := make(map[string]bool, len(expected))
	for _, call := range expected {
		want[call.ID] = true
	}
	seen := make(map[string]bool, len(results))
	for _, res := range results {
		if err := res.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidToolResults, err)
		}
		if !want[res.ID] || seen[res.ID] {
			return ErrInvalidToolResults
		}
		seen[res.ID] = true
	}
	if len(seen) != len(want) {
		return ErrInvalidToolResults
	}
	return nil
}

func toWireCalls(calls []engine.ToolCallRequest) []wire.ToolCall {
	out := make([]wire.ToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, wire.ToolCall{
			ID:           call.ID,
			Name:         call.Name,
			Parameters:   call.Parameters,
			ProviderData: call.ProviderData,
		})
	}
	return out
}
