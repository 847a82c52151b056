package registry

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRegisterFileCreatesThenUpdates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	id, outcome, err := store.RegisterFile(ctx, "in", "/data/a.csv", now, 10, "hash-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if outcome != Created {
		t.Fatalf("expected Created, got %v", outcome)
	}

	id2, outcome, err := store.RegisterFile(ctx, "in", "/data/a.csv", now, 10, "hash-a")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if outcome != UpdatedSameHash {
		t.Fatalf("expected UpdatedSameHash, got %v", outcome)
	}
	if id2 != id {
		t.Fatalf("expected same file id, got %d and %d", id, id2)
	}

	id3, outcome, err := store.RegisterFile(ctx, "in", "/data/a.csv", now.Add(time.Minute), 20, "hash-b")
	if err != nil {
		t.Fatalf("register with new hash: %v", err)
	}
	if outcome != UpdatedNewHash {
		t.Fatalf("expected UpdatedNewHash, got %v", outcome)
	}
	if id3 != id {
		t.Fatalf("expected file id to remain stable across hash change, got %d and %d", id, id3)
	}
}

func TestDispatchedDedupeIsCallerDriven(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _, err := store.RegisterFile(ctx, "in", "/data/b.csv", time.Now().UTC(), 1, "h")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	has, err := store.HasDispatched(ctx, id, "warehouse")
	if err != nil {
		t.Fatalf("has dispatched: %v", err)
	}
	if has {
		t.Fatal("expected no prior dispatch")
	}

	if err := store.RecordDispatched(ctx, id, "warehouse"); err != nil {
		t.Fatalf("record dispatched: %v", err)
	}

	has, err = store.HasDispatched(ctx, id, "warehouse")
	if err != nil {
		t.Fatalf("has dispatched after record: %v", err)
	}
	if !has {
		t.Fatal("expected dispatch to be recorded")
	}

	// A second record for the same (file, target) is not an error: delivery
	// is at-least-once and retries are expected to re-record.
	if err := store.RecordDispatched(ctx, id, "warehouse"); err != nil {
		t.Fatalf("record dispatched again: %v", err)
	}
}

func TestListFilesBySource(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, _, err := store.RegisterFile(ctx, "in", "/data/a.csv", time.Now().UTC(), 1, "h1"); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if _, _, err := store.RegisterFile(ctx, "in", "/data/b.csv", time.Now().UTC(), 2, "h2"); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if _, _, err := store.RegisterFile(ctx, "other", "/data/c.csv", time.Now().UTC(), 3, "h3"); err != nil {
		t.Fatalf("register c: %v", err)
	}

	files, err := store.ListFilesBySource(ctx, "in")
	require.NoError(t, err, "list files by source")
	require.Len(t, files, 2, "expected 2 files for source 'in'")

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	sort.Strings(paths)
	if diff := deep.Equal([]string{"/data/a.csv", "/data/b.csv"}, paths); diff != nil {
		t.Fatalf("unexpected file set: %v", diff)
	}
}

func TestSftpDownloadLinkage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	size := int64(42)
	dlID, err := store.RecordSftpDownload(ctx, "remote", "/incoming/a.csv", &size)
	if err != nil {
		t.Fatalf("record download: %v", err)
	}

	fileID, _, err := store.RegisterFile(ctx, "remote", "/incoming/a.csv", time.Now().UTC(), size, "hash-x")
	if err != nil {
		t.Fatalf("register file: %v", err)
	}

	if err := store.LinkSftpDownload(ctx, dlID, fileID); err != nil {
		t.Fatalf("link download: %v", err)
	}
}

func TestRecordDeadLetter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.RecordDeadLetter(ctx, "remote", "/incoming/bad.csv", "hash mismatch after 3 attempts", 3); err != nil {
		t.Fatalf("record dead letter: %v", err)
	}
}
