package state

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend for tests and single-node setups.
// The mutex around get-and-delete provides the same exactly-once consumption
// Redis GETDEL does.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: map[string]memoryEntry{},
		now:     time.Now,
	}
}

// SetEx stores value under key until the TTL lapses.
func (b *MemoryBackend) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := make([]byte, len(value))
	copy(copied, value)
	b.entries[key] = memoryEntry{value: copied, expires: b.now().Add(ttl)}
	return nil
}

// GetDel reads and deletes key under one lock acquisition.
func (b *MemoryBackend) GetDel(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(b.entries, key)
	if b.now().After(entry.expires) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// Del removes key.
func (b *MemoryBackend) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// SetClock swaps the time source (tests).
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
}
