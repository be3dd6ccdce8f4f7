// Package reply turns a stream of partial-text notifications into one
// durable reply record kept current at downstream latency, without ever
// blocking the producer.
package reply

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRecordGone reports that the downstream record no longer exists (deleted
// externally, or nobody is observing the stream).
var ErrRecordGone = errors.New("reply: record gone")

// Record is the durable, human-readable reply being built up.
type Record struct {
	ID          int64
	Owner       string
	Destination string
	Content     string
}

// Store is the durable reply storage consumed by the streamer. Create must
// happen-before any Update for the same record.
type Store interface {
	Create(ctx context.Context, owner, destination, content string) (*Record, error)
	Update(ctx context.Context, rec *Record, content string) error
}

// MemoryStore is an in-process Store used by tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*Record
	deleted map[int64]bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[int64]*Record{}, deleted: map[int64]bool{}}
}

// Create allocates a record and stores the initial content.
func (s *MemoryStore) Create(ctx context.Context, owner, destination, content string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec := &Record{ID: s.nextID, Owner: owner, Destination: destination, Content: content}
	s.records[rec.ID] = rec
	return &Record{ID: rec.ID, Owner: rec.Owner, Destination: rec.Destination, Content: rec.Content}, nil
}

// Update replaces the record's content. Updating a deleted record yields
// ErrRecordGone.
func (s *MemoryStore) Update(ctx context.Context, rec *Record, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("reply: update nil record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted[rec.ID] {
		return fmt.Errorf("reply: update record %d: %w", rec.ID, ErrRecordGone)
	}
	stored, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("reply: update record %d: %w", rec.ID, ErrRecordGone)
	}
	stored.Content = content
	return nil
}

// Delete marks a record gone; later updates fail. Used by tests to simulate
// external deletion.
func (s *MemoryStore) Delete(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	s.deleted[id] = true
}

// Get returns a copy of the stored record, if present.
func (s *MemoryStore) Get(id int64) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	copied := *rec
	return &copied, true
}
