package sftpsource

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/1Optic/cortex-dispatcher/internal/amqpgw"
	"github.com/1Optic/cortex-dispatcher/internal/config"
	"github.com/1Optic/cortex-dispatcher/internal/errkind"
	"github.com/1Optic/cortex-dispatcher/internal/events"
	"github.com/1Optic/cortex-dispatcher/internal/registry"
)

// fakeRemoteFile is a remoteOpener backed by an in-memory byte slice,
// standing in for the pooled *sftp.Client's Open in tests.
type fakeRemoteFile struct {
	*bytes.Reader
}

func (fakeRemoteFile) Close() error { return nil }

type fakeOpener struct {
	contents map[string][]byte
}

func (o fakeOpener) Open(path string) (io.ReadCloser, error) {
	body, ok := o.contents[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return fakeRemoteFile{bytes.NewReader(body)}, nil
}

func newTestExecutor(t *testing.T) (*Executor, *registry.Store) {
	t.Helper()
	store, err := registry.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return &Executor{
		StorageRoot: t.TempDir(),
		Bus:         events.NewBus(1, 4),
		Store:       store,
	}, store
}

func TestDownloadStreamsHashesAndRecords(t *testing.T) {
	e, store := newTestExecutor(t)
	src := config.SftpSource{Name: "remote1"}
	body := []byte("a,b,c\n1,2,3\n")
	opener := fakeOpener{contents: map[string][]byte{"/incoming/report.csv": body}}

	result, err := e.download(context.Background(), src, amqpgw.DownloadJob{Source: "remote1", Path: "/incoming/report.csv"}, opener)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if result != amqpgw.Ack {
		t.Fatalf("expected Ack, got %v", result)
	}

	destPath := filepath.Join(e.StorageRoot, "remote1", "/incoming/report.csv")
	got, errGo := os.ReadFile(destPath)
	if errGo != nil {
		t.Fatalf("read materialized file: %v", errGo)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("expected materialized file to match remote bytes, got %q", got)
	}

	select {
	case evt := <-e.Bus.Subscribe(0):
		if evt.Source != "remote1" || evt.Path != destPath {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if len(evt.Hash) != 64 {
			t.Fatalf("expected a 64-character hex digest, got %q", evt.Hash)
		}
		if evt.Origin != events.OriginSftpDownload || evt.OriginID == 0 {
			t.Fatalf("expected the event to carry its sftp_download origin, got %+v", evt)
		}
		linkedID, linked, linkErr := store.SftpDownloadFileID(context.Background(), evt.OriginID)
		if linkErr != nil {
			t.Fatalf("sftp download file id: %v", linkErr)
		}
		if linked {
			t.Fatalf("expected the download row to remain unlinked until the dispatcher links it, got file_id %d", linkedID)
		}
	default:
		t.Fatal("expected a file event to be published")
	}
}

func TestDownloadHashMismatchIsDroppedNotRequeued(t *testing.T) {
	e, _ := newTestExecutor(t)
	src := config.SftpSource{Name: "remote1"}
	body := []byte("corrupted-in-transit")
	opener := fakeOpener{contents: map[string][]byte{"/incoming/bad.csv": body}}

	result, err := e.download(context.Background(), src, amqpgw.DownloadJob{
		Source: "remote1",
		Path:   "/incoming/bad.csv",
		Hash:   "0000000000000000000000000000000000000000000000000000000000000",
	}, opener)

	if result != amqpgw.NackDrop {
		t.Fatalf("expected NackDrop on hash mismatch, got %v", result)
	}
	if err == nil {
		t.Fatal("expected a hash mismatch error")
	}
	if errkind.Of(err) != errkind.Data {
		t.Fatalf("expected errkind.Data for a hash mismatch, got %v", errkind.Of(err))
	}

	destPath := filepath.Join(e.StorageRoot, "remote1", "/incoming/bad.csv")
	if _, errGo := os.Stat(destPath); !os.IsNotExist(errGo) {
		t.Fatalf("expected no file materialized at %s after a hash mismatch", destPath)
	}
}

func TestDownloadMissingRemoteFileIsDroppedNotRequeued(t *testing.T) {
	e, _ := newTestExecutor(t)
	src := config.SftpSource{Name: "remote1"}
	opener := fakeOpener{contents: map[string][]byte{}}

	result, err := e.download(context.Background(), src, amqpgw.DownloadJob{Source: "remote1", Path: "/incoming/missing.csv"}, opener)
	if result != amqpgw.NackDrop {
		t.Fatalf("expected NackDrop when the remote file is missing, got %v", result)
	}
	if err == nil {
		t.Fatal("expected an error for a missing remote file")
	}
}

// TestDeadLetterRecordsReason exercises the dead-letter path directly: a
// terminal error on a job is recorded for operator inspection rather than
// silently dropped.
func TestDeadLetterRecordsReason(t *testing.T) {
	e, store := newTestExecutor(t)
	job := amqpgw.DownloadJob{Source: "remote1", Path: "/incoming/bad.csv"}

	e.deadLetter(context.Background(), job, errkind.New(errkind.Data, "hash mismatch"), 3)

	count, err := store.CountDeadLetters(context.Background(), "remote1", "/incoming/bad.csv")
	if err != nil {
		t.Fatalf("count dead letters: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one dead letter row, got %d", count)
	}
}

func TestConnStateString(t *testing.T) {
	cases := map[ConnState]string{
		Disconnected:  "disconnected",
		Connecting:    "connecting",
		Ready:         "ready",
		Reconnecting:  "reconnecting",
		Failed:        "failed",
		ConnState(99): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: expected %q, got %q", state, want, got)
		}
	}
}

func TestRetryTrackerIncrementAndReset(t *testing.T) {
	rt := newRetryTracker()
	key := "s1\x00/upload/b.bin"

	if got := rt.increment(key); got != 1 {
		t.Fatalf("expected first increment to be 1, got %d", got)
	}
	if got := rt.increment(key); got != 2 {
		t.Fatalf("expected second increment to be 2, got %d", got)
	}

	rt.reset(key)
	if got := rt.increment(key); got != 1 {
		t.Fatalf("expected increment after reset to restart at 1, got %d", got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := newBackoff()
	_ = b.next()
	if b.current != 1e9 { // 1 second in nanoseconds
		t.Fatalf("expected first step to be 1s, got %v", b.current)
	}
	for i := 0; i < 10; i++ {
		_ = b.next()
	}
	if b.current != 60*1e9 {
		t.Fatalf("expected cap at 60s, got %v", b.current)
	}
	b.reset()
	if b.current != 0 {
		t.Fatalf("expected reset to zero, got %v", b.current)
	}
}
