package run

import (
	"errors"
	"fmt"

	"github.com/cexll/replystream-go/pkg/state"
)

// ErrProtocol is the base class for malformed or disallowed client protocol
// usage. Every protocol failure satisfies errors.Is(err, ErrProtocol).
var ErrProtocol = errors.New("run: protocol error")

var (
	// ErrResumeTokenNotFound covers unknown tokens, already-consumed tokens,
	// and tokens persisted for a different caller. The three cases are
	// deliberately indistinguishable so existence never leaks.
	ErrResumeTokenNotFound = fmt.Errorf("%w: resume token not found", ErrProtocol)

	// ErrInvalidToolResults reports a result set that is not exactly the
	// persisted expected id set.
	ErrInvalidToolResults = fmt.Errorf("%w: tool results do not match expected set", ErrProtocol)

	errCancelled = errors.New("run: session cancelled")
)

// protocolErr lifts state-layer rejections into the protocol taxonomy.
func protocolErr(err error) error {
	if errors.Is(err, state.ErrRoundLimit) || errors.Is(err, state.ErrStateTooLarge) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return err
}

// TransportError wraps a failure writing to the wire. Not retried; the
// session aborts.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("run: transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// EngineError wraps a generation engine failure. Surfaced to the client as
// an error chunk, then re-raised for centralized logging.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string { return fmt.Sprintf("run: engine: %v", e.Err) }
func (e *EngineError) Unwrap() error { return e.Err }
