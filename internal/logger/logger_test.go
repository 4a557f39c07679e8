package logger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/kirogate/internal/store"
)

func newTestLogger(t *testing.T, kv store.Store) *Logger {
	t.Helper()
	l, err := New(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), kv)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecentNewestFirst(t *testing.T) {
	l := newTestLogger(t, nil)
	l.Log(RequestLog{Path: "/first", Status: 200})
	l.Log(RequestLog{Path: "/second", Status: 200})
	l.Close() // drains the channel

	got := l.Recent(10)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Path != "/second" || got[1].Path != "/first" {
		t.Fatalf("expected newest first, got %v %v", got[0].Path, got[1].Path)
	}
	if got[0].ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatal("entries must get ids assigned")
	}
}

func TestRingBounded(t *testing.T) {
	l := newTestLogger(t, nil)
	for i := 0; i < ringSize+50; i++ {
		l.Log(RequestLog{Path: "/x", Status: 200})
	}
	l.Close()

	if got := len(l.Recent(0)); got != ringSize {
		t.Fatalf("ring must hold at most %d entries, got %d", ringSize, got)
	}
}

func TestSnapshotAndLoad(t *testing.T) {
	kv := store.NewMemory()
	l := newTestLogger(t, kv)
	l.Log(RequestLog{Path: "/persisted", Status: 201, Model: "claude-sonnet-4-5"})
	l.Close()

	if err := l.Snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored := newTestLogger(t, kv)
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := restored.Recent(1)
	if len(got) != 1 || got[0].Path != "/persisted" || got[0].Status != 201 {
		t.Fatalf("unexpected restored entry %+v", got)
	}
}

func TestLoadWithoutSnapshotIsNoop(t *testing.T) {
	l := newTestLogger(t, store.NewMemory())
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("missing snapshot must not error: %v", err)
	}
}

func TestTimestampsAssigned(t *testing.T) {
	l := newTestLogger(t, nil)
	before := time.Now().Add(-time.Second)
	l.Log(RequestLog{Path: "/t"})
	l.Close()

	got := l.Recent(1)
	if len(got) != 1 || got[0].Timestamp.Before(before) {
		t.Fatalf("timestamp must be assigned, got %+v", got)
	}
}
