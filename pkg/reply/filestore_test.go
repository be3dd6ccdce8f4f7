package reply

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, path string) *FileStore {
	t.Helper()
	store, err := OpenFileStore(path, WithDisabledSync())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.journal")
	store := openTestStore(t, path)

	ctx := context.Background()
	rec, err := store.Create(ctx, "bot", "42", "hel")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Update(ctx, rec, "hello"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ok := store.Get(rec.ID)
	if !ok || got.Content != "hello" {
		t.Fatalf("unexpected record %#v", got)
	}
}

func TestFileStoreReplaySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.journal")
	store := openTestStore(t, path)

	ctx := context.Background()
	first, err := store.Create(ctx, "bot", "1", "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Update(ctx, first, "ab"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.Create(ctx, "bot", "2", "x"); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestStore(t, path)
	got, ok := reopened.Get(first.ID)
	if !ok || got.Content != "ab" {
		t.Fatalf("expected replayed content ab, got %#v", got)
	}
	// Fresh creates continue after the highest replayed id.
	rec, err := reopened.Create(ctx, "bot", "3", "y")
	if err != nil {
		t.Fatalf("create after reopen: %v", err)
	}
	if rec.ID != 3 {
		t.Fatalf("expected id 3, got %d", rec.ID)
	}
}

func TestFileStoreIgnoresTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.journal")
	store := openTestStore(t, path)
	ctx := context.Background()
	if _, err := store.Create(ctx, "bot", "1", "whole"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-append.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(`{"op":"update","id":1,"con`); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	reopened := openTestStore(t, path)
	got, ok := reopened.Get(1)
	if !ok || got.Content != "whole" {
		t.Fatalf("expected torn tail dropped, got %#v", got)
	}
}

func TestFileStoreUpdateUnknownRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.journal")
	store := openTestStore(t, path)
	err := store.Update(context.Background(), &Record{ID: 99}, "x")
	if err == nil {
		t.Fatal("expected error for unknown record")
	}
}
