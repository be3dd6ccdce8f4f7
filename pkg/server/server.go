// Package server exposes the streaming reply endpoint. Each request hijacks
// the connection and writes the chunked stream by hand: response buffering
// anywhere between the engine and the socket defeats the product.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/netutil"

	"github.com/cexll/replystream-go/pkg/cancel"
	"github.com/cexll/replystream-go/pkg/engine"
	"github.com/cexll/replystream-go/pkg/flush"
	"github.com/cexll/replystream-go/pkg/reply"
	"github.com/cexll/replystream-go/pkg/run"
	"github.com/cexll/replystream-go/pkg/state"
	"github.com/cexll/replystream-go/pkg/wire"
)

const (
	// The heartbeat measures generation inactivity, not client liveness;
	// disconnects are caught by the connection read sentinel. Engine calls
	// legitimately block for minutes before the first token, so the ceiling
	// must be generous.
	defaultHeartbeatTTL = 10 * time.Minute
	monitorPollDivisor  = 3
)

// callerHeader carries the caller identity when the body omits it.
const callerHeader = "X-Caller-Identity"

// Deps wires the server to its collaborators.
type Deps struct {
	Engine        engine.Engine
	States        *state.Store
	Replies       reply.Store
	Publisher     run.Publisher
	DefaultTools  []engine.ToolDefinition
	Instructions  string
	HeartbeatTTL  time.Duration
	FlushInterval time.Duration
	Logger        *log.Logger
}

func (d Deps) validate() error {
	if d.Engine == nil {
		return errors.New("server: engine is required")
	}
	if d.States == nil {
		return errors.New("server: state store is required")
	}
	if d.Replies == nil {
		return errors.New("server: reply store is required")
	}
	return nil
}

// Server serves the streaming reply API.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	http *http.Server
}

// New creates a Server with pre-wired routes.
func New(deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.HeartbeatTTL <= 0 {
		deps.HeartbeatTTL = defaultHeartbeatTTL
	}
	srv := &Server{deps: deps, mux: http.NewServeMux()}
	srv.routes()
	return srv, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/v1/reply/stream", s.handleStream)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

// ServeHTTP implements http.Handler and delegates to the internal mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve accepts connections on ln, capped at maxConns concurrent
// connections. Blocks until Shutdown or a listener error.
func (s *Server) Serve(ln net.Listener, maxConns int) error {
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	s.http = &http.Server{Handler: s}
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight streams up to
// the context deadline. Hijacked connections are closed by their handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// streamRequest is the POST body. A non-empty resume_token selects resume
// and the fresh-start fields are ignored.
type streamRequest struct {
	CallerIdentity string            `json:"caller_identity"`
	TopicID        int64             `json:"topic_id"`
	BotUserID      int64             `json:"bot_user_id"`
	PersonaID      int64             `json:"persona_id"`
	ReplyUser      string            `json:"reply_user"`
	Query          string            `json:"query"`
	Instructions   string            `json:"instructions"`
	Tools          []toolDefParam    `json:"tools"`
	ResumeToken    string            `json:"resume_token"`
	ToolResults    []toolResultParam `json:"tool_results"`
}

type toolResultParam struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// toolDefParam is a caller-supplied tool definition. A non-empty list
// replaces the configured default toolset for the session.
type toolDefParam struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.CallerIdentity) == "" {
		req.CallerIdentity = strings.TrimSpace(r.Header.Get(callerHeader))
	}
	if strings.TrimSpace(req.CallerIdentity) == "" {
		http.Error(w, "caller identity is required", http.StatusBadRequest)
		return
	}
	resuming := strings.TrimSpace(req.ResumeToken) != ""
	if !resuming && strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query or resume_token is required", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	framer := wire.NewFramer(rw.Writer, rw.Writer)
	if err := framer.WriteHeaders(); err != nil {
		s.logf("write headers: %v", err)
		return
	}
	s.stream(r.Context(), framer, conn, req, resuming)
}

// stream runs the session after headers are on the wire. From here on every
// failure is reported as an error chunk followed by the terminator; the
// status line is already committed.
func (s *Server) stream(ctx context.Context, framer *wire.Framer, conn net.Conn, req streamRequest, resuming bool) {
	heartbeat := cancel.NewHeartbeat(s.deps.HeartbeatTTL)
	monitor := cancel.NewMonitor()
	monitor.StartMonitor(s.deps.HeartbeatTTL/monitorPollDivisor, heartbeat.Alive)
	defer monitor.StopMonitor()

	// The hijacked connection produces no further reads in this protocol; a
	// read returning means the client went away.
	go func() {
		var buf [1]byte
		_, _ = conn.Read(buf[:])
		monitor.Cancel()
	}()

	flusher := flush.New(flush.WithInterval(s.deps.FlushInterval))
	sess, err := run.New(run.Config{
		Engine:       s.deps.Engine,
		States:       s.deps.States,
		Replies:      s.deps.Replies,
		Writer:       framer,
		Canceller:    monitor,
		Publisher:    s.deps.Publisher,
		Flusher:      flusher,
		DefaultTools: s.deps.DefaultTools,
		Logger:       s.deps.Logger,
		OnProgress:   heartbeat.Beat,
	})
	if err != nil {
		s.finishWithError(framer, err)
		return
	}

	var outcome *run.Outcome
	if resuming {
		outcome, err = sess.Resume(ctx, run.ResumeRequest{
			CallerIdentity: req.CallerIdentity,
			ResumeToken:    strings.TrimSpace(req.ResumeToken),
			ToolResults:    toEngineResults(req.ToolResults),
		})
	} else {
		instructions := req.Instructions
		if strings.TrimSpace(instructions) == "" {
			instructions = s.deps.Instructions
		}
		outcome, err = sess.Start(ctx, run.StartRequest{
			CallerIdentity: req.CallerIdentity,
			TopicID:        req.TopicID,
			BotUserID:      req.BotUserID,
			PersonaID:      req.PersonaID,
			ReplyUser:      req.ReplyUser,
			Query:          req.Query,
			Instructions:   instructions,
			Tools:          toEngineTools(req.Tools),
		})
	}
	if err != nil {
		var transport *run.TransportError
		if errors.As(err, &transport) {
			// The wire is broken; nothing more can reach the client.
			s.logf("stream transport: %v", err)
			return
		}
		s.finishWithError(framer, err)
		return
	}
	if err := framer.Finish(); err != nil {
		s.logf("write terminator: %v", err)
	}
	s.logf("stream done: status=%s rounds=%d", outcome.Status, outcome.RoundCount)
}

// finishWithError emits the error chunk and the terminator. Client-facing
// messages stay generic for engine internals; protocol violations carry
// their cause.
func (s *Server) finishWithError(framer *wire.Framer, cause error) {
	s.logf("stream failed: %v", cause)
	msg := clientMessage(cause)
	if err := framer.WriteChunk(wire.NewErrorPayload(msg)); err != nil {
		return
	}
	if err := framer.Finish(); err != nil {
		s.logf("write terminator: %v", err)
	}
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, run.ErrResumeTokenNotFound):
		return "resume token not found"
	case errors.Is(err, run.ErrInvalidToolResults):
		return "tool results do not match pending tool calls"
	case errors.Is(err, state.ErrRoundLimit):
		return "resume round limit exceeded"
	case errors.Is(err, state.ErrStateTooLarge):
		return "session state too large to persist"
	case errors.Is(err, run.ErrProtocol):
		return err.Error()
	default:
		var engineErr *run.EngineError
		if errors.As(err, &engineErr) {
			return "generation failed"
		}
		return fmt.Sprintf("internal error: %v", err)
	}
}

func toEngineTools(params []toolDefParam) []engine.ToolDefinition {
	if len(params) == 0 {
		return nil
	}
	out := make([]engine.ToolDefinition, 0, len(params))
	for _, p := range params {
		out = append(out, engine.ToolDefinition{
			Name:        p.Name,
			Description: p.Description,
			Parameters:  p.Parameters,
		})
	}
	return out
}

func toEngineResults(params []toolResultParam) []engine.ToolResult {
	out := make([]engine.ToolResult, 0, len(params))
	for _, p := range params {
		out = append(out, engine.ToolResult{ID: p.ID, Content: p.Content})
	}
	return out
}

func (s *Server) logf(format string, args ...any) {
	if s.deps.Logger != nil {
		s.deps.Logger.Printf(format, args...)
	}
}
