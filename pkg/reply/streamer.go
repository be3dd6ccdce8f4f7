package reply

import (
	"context"
	"strings"
	"sync"
)

// Streamer buffers generated partial text behind an unbounded queue drained
// by one background goroutine. The producer (the engine callback, possibly
// on its own thread) is never blocked by downstream latency; the first
// record creation is the one deliberate exception, since it must
// happen-before any update.
type Streamer struct {
	store       Store
	owner       string
	destination string
	onCancel    func()

	mu     sync.Mutex
	queue  []string
	record *Record
	failed bool
	closed bool

	signal chan struct{}
	done   chan struct{}
	cancel sync.Once
}

// NewStreamer wires a streamer to its durable store. onCancel fires once if
// a downstream update reports failure; it may be nil.
func NewStreamer(store Store, owner, destination string, onCancel func()) *Streamer {
	return &Streamer{
		store:       store,
		owner:       owner,
		destination: destination,
		onCancel:    onCancel,
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Append accepts one partial. Blank input before the first record exists is
// a no-op. The first non-blank input synchronously creates the record and
// starts the drain worker; everything after that is queued. Append is called
// from the single producer goroutine driving the engine.
func (s *Streamer) Append(ctx context.Context, partial string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.record == nil {
		s.mu.Unlock()
		if strings.TrimSpace(partial) == "" {
			return nil
		}
		rec, err := s.store.Create(ctx, s.owner, s.destination, partial)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.record = rec
		s.mu.Unlock()
		go s.drain(ctx)
		return nil
	}
	s.queue = append(s.queue, partial)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}

// Done signals the worker to stop after draining, joins it, and returns the
// final record (nil when no non-blank content ever arrived).
func (s *Streamer) Done() *Record {
	s.mu.Lock()
	started := s.record != nil
	s.closed = true
	s.mu.Unlock()
	if started {
		select {
		case s.signal <- struct{}{}:
		default:
		}
		<-s.done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// drain batches everything currently queued into one buffer per downstream
// update, so update frequency is bounded by downstream latency rather than
// producer rate.
func (s *Streamer) drain(ctx context.Context) {
	var failed bool
	defer func() {
		// The cancel hook may call Done, which joins this goroutine. Close
		// done first so such a reentrant join returns instead of waiting on
		// the goroutine that is firing the hook.
		close(s.done)
		if failed {
			s.fireCancel()
		}
	}()
	for {
		<-s.signal
		for {
			batch, rec, stop := s.takeBatch()
			if batch == "" {
				if stop {
					return
				}
				break
			}
			if err := s.store.Update(ctx, rec, rec.Content+batch); err != nil {
				s.markFailed()
				failed = true
				return
			}
			s.commit(batch)
			if stop && s.queueEmpty() {
				return
			}
		}
	}
}

func (s *Streamer) takeBatch() (string, *Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := strings.Join(s.queue, "")
	s.queue = s.queue[:0]
	return batch, s.record, s.closed
}

func (s *Streamer) commit(batch string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record != nil {
		s.record.Content += batch
	}
}

func (s *Streamer) queueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// markFailed records the broken downstream and drops whatever is still
// queued. Persistent downstream failure is not retried here.
func (s *Streamer) markFailed() {
	s.mu.Lock()
	s.failed = true
	s.queue = nil
	s.mu.Unlock()
}

func (s *Streamer) fireCancel() {
	if s.onCancel != nil {
		s.cancel.Do(s.onCancel)
	}
}

// Failed reports whether a downstream update failed.
func (s *Streamer) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
