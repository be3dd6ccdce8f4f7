package reply

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed indicates the journal has already been closed.
var ErrClosed = errors.New("reply: journal closed")

const (
	opCreate = "create"
	opUpdate = "update"
)

// journalEntry is one line of the append-only journal.
type journalEntry struct {
	Op          string `json:"op"`
	ID          int64  `json:"id"`
	Owner       string `json:"owner,omitempty"`
	Destination string `json:"destination,omitempty"`
	Content     string `json:"content"`
}

// FileStore is a Store backed by an append-only journal. Every create and
// update is a single fsynced line; opening replays the journal, so records
// survive a crash with at most the unsynced tail lost.
type FileStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	sync   bool
	closed bool

	nextID  int64
	records map[int64]*Record
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithDisabledSync turns off fsync (tests only).
func WithDisabledSync() FileStoreOption {
	return func(s *FileStore) { s.sync = false }
}

// OpenFileStore opens or creates the journal at path and replays it.
func OpenFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("reply: mkdir journal dir: %w", err)
	}
	s := &FileStore{
		path:    path,
		sync:    true,
		records: map[int64]*Record{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("reply: open journal: %w", err)
	}
	s.file = file
	s.writer = bufio.NewWriter(file)
	return s, nil
}

func (s *FileStore) replay() error {
	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reply: open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// A torn tail write from a crash is expected; anything after it
			// was never acknowledged.
			break
		}
		s.apply(entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reply: replay journal line %d: %w", line, err)
	}
	return nil
}

func (s *FileStore) apply(entry journalEntry) {
	switch entry.Op {
	case opCreate:
		s.records[entry.ID] = &Record{
			ID:          entry.ID,
			Owner:       entry.Owner,
			Destination: entry.Destination,
			Content:     entry.Content,
		}
		if entry.ID > s.nextID {
			s.nextID = entry.ID
		}
	case opUpdate:
		if rec, ok := s.records[entry.ID]; ok {
			rec.Content = entry.Content
		}
	}
}

// Create allocates a record and journals it.
func (s *FileStore) Create(ctx context.Context, owner, destination, content string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.nextID++
	rec := &Record{ID: s.nextID, Owner: owner, Destination: destination, Content: content}
	if err := s.append(journalEntry{
		Op:          opCreate,
		ID:          rec.ID,
		Owner:       owner,
		Destination: destination,
		Content:     content,
	}); err != nil {
		s.nextID--
		return nil, err
	}
	s.records[rec.ID] = rec
	copied := *rec
	return &copied, nil
}

// Update journals the new content. The caller keeps its own view of the
// record's content; the journal is the durable one.
func (s *FileStore) Update(ctx context.Context, rec *Record, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("reply: update nil record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	stored, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("reply: update record %d: %w", rec.ID, ErrRecordGone)
	}
	if err := s.append(journalEntry{Op: opUpdate, ID: rec.ID, Content: content}); err != nil {
		return err
	}
	stored.Content = content
	return nil
}

// Get returns a copy of the stored record, if present.
func (s *FileStore) Get(id int64) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	copied := *rec
	return &copied, true
}

func (s *FileStore) append(entry journalEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("reply: encode journal entry: %w", err)
	}
	if _, err := s.writer.Write(raw); err != nil {
		return fmt.Errorf("reply: append journal: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("reply: append journal: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("reply: flush journal: %w", err)
	}
	if s.sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("reply: sync journal: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the journal.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("reply: flush journal: %w", err)
	}
	return s.file.Close()
}
