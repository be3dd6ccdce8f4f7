package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxSnapshotBytes is the hard ceiling on a serialized snapshot. A
	// snapshot over the ceiling is rejected, never truncated.
	MaxSnapshotBytes = 500 * 1024
	// MaxResumeRounds caps how many tool-call rounds one session may persist.
	MaxResumeRounds = 10
	// DefaultTTL bounds how long an unconsumed snapshot survives.
	DefaultTTL = 15 * time.Minute

	keyPrefix = "replystream:session:"
)

var (
	// ErrNotFound reports an unknown or already-consumed token.
	ErrNotFound = errors.New("state: snapshot not found")
	// ErrStateTooLarge reports a snapshot over MaxSnapshotBytes.
	ErrStateTooLarge = errors.New("state: snapshot exceeds size ceiling")
	// ErrRoundLimit reports a session past MaxResumeRounds.
	ErrRoundLimit = errors.New("state: resume round limit exceeded")
)

// Backend is the ephemeral key-value store behind the Store. GetDel must be
// atomic: under racing callers exactly one observes the value.
type Backend interface {
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetDel(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
}

// Store saves and loads single-use session snapshots under opaque tokens.
type Store struct {
	backend   Backend
	ttl       time.Duration
	maxBytes  int
	maxRounds int
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the snapshot TTL.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxBytes overrides the serialized size ceiling (tests).
func WithMaxBytes(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithMaxRounds overrides the round cap (tests).
func WithMaxRounds(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRounds = n
		}
	}
}

// NewStore wires a Store to its backend.
func NewStore(backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("state: backend is required")
	}
	s := &Store{
		backend:   backend,
		ttl:       DefaultTTL,
		maxBytes:  MaxSnapshotBytes,
		maxRounds: MaxResumeRounds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Save increments the snapshot's round count, validates it against the round
// cap and the serialized form against the size ceiling, and persists it
// under a fresh token with the configured TTL. Nothing is persisted on
// rejection.
func (s *Store) Save(ctx context.Context, snap Snapshot) (string, error) {
	snap.RoundCount++
	if snap.RoundCount > s.maxRounds {
		return "", fmt.Errorf("state: round %d: %w", snap.RoundCount, ErrRoundLimit)
	}
	token := NewToken()
	if snap.SessionID == "" {
		snap.SessionID = token
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("state: marshal snapshot: %w", err)
	}
	if len(data) > s.maxBytes {
		return "", fmt.Errorf("state: snapshot is %d bytes: %w", len(data), ErrStateTooLarge)
	}
	if err := s.backend.SetEx(ctx, keyPrefix+token, data, s.ttl); err != nil {
		return "", fmt.Errorf("state: save snapshot: %w", err)
	}
	return token, nil
}

// Load atomically consumes the snapshot stored under token. A second Load
// with the same token reports ErrNotFound, even under concurrent racing
// callers.
func (s *Store) Load(ctx context.Context, token string) (Snapshot, error) {
	if strings.TrimSpace(token) == "" {
		return Snapshot{}, ErrNotFound
	}
	data, err := s.backend.GetDel(ctx, keyPrefix+token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("state: load snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("state: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Discard deletes the snapshot under token. Best-effort cleanup; the TTL is
// the correctness backstop.
func (s *Store) Discard(ctx context.Context, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	_ = s.backend.Del(ctx, keyPrefix+token)
}

// NewToken mints an opaque, unguessable resume token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
