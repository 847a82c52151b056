package dirsource

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/1Optic/cortex-dispatcher/internal/events"
	"github.com/1Optic/cortex-dispatcher/internal/registry"
)

func TestReconcileEmitsUnknownFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.csv"), []byte("hello,world\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.bin"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	bus := events.NewBus(1, 4)
	filter := regexp.MustCompile(`\.csv$`)
	w := New("in", dir, false, filter, 0, bus, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := w.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	select {
	case evt := <-bus.Subscribe(0):
		if evt.Path != filepath.Join(dir, "a.csv") {
			t.Fatalf("unexpected path: %q", evt.Path)
		}
	default:
		t.Fatal("expected one reconciled event for a.csv")
	}

	select {
	case evt := <-bus.Subscribe(0):
		t.Fatalf("expected no second event, got %+v", evt)
	default:
	}
}

func TestReconcileRecordsDirectorySourceRow(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.csv"), []byte("hello,world\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	store, err := registry.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus(1, 4)
	filter := regexp.MustCompile(`\.csv$`)
	w := New("in", dir, false, filter, 0, bus, store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := w.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	evt := <-bus.Subscribe(0)
	if evt.Origin != events.OriginDirectorySource || evt.OriginID == 0 {
		t.Fatalf("expected reconcile to tag the event with its directory_source origin, got %+v", evt)
	}

	fileID, linked, err := store.DirectorySourceFileID(ctx, evt.OriginID)
	if err != nil {
		t.Fatalf("directory source file id: %v", err)
	}
	if linked {
		t.Fatalf("expected the directory_source row to remain unlinked until the dispatcher links it, got file_id %d", fileID)
	}
}

func TestScheduleSettleDebouncesRepeatedWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.csv")
	if err := os.WriteFile(path, []byte("v1"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	bus := events.NewBus(1, 4)
	w := New("in", dir, false, nil, 30*time.Millisecond, bus, nil, nil)

	ctx := context.Background()
	w.scheduleSettle(ctx, path)
	time.Sleep(10 * time.Millisecond)
	w.scheduleSettle(ctx, path) // pushes the deadline out

	select {
	case <-bus.Subscribe(0):
		t.Fatal("settle fired before the debounced deadline")
	case <-time.After(15 * time.Millisecond):
	}

	select {
	case evt := <-bus.Subscribe(0):
		if evt.Path != path {
			t.Fatalf("unexpected path: %q", evt.Path)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected settle event to fire eventually")
	}
}
