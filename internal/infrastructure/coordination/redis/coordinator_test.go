package redis

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
)

func newTestCoordinator(t *testing.T, prefix string) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator := New(mr.Addr(), "", 0, prefix, logger)
	t.Cleanup(func() { _ = coordinator.Close() })
	return coordinator, mr
}

func TestCoordinatorKeysCarryConfiguredPrefix(t *testing.T) {
	coordinator, mr := newTestCoordinator(t, "deptqa")
	ctx := context.Background()

	coordinator.SetStatus(ctx, "notes.txt", domain.StatusVectorizing, map[string]any{"job_id": "j1"})
	coordinator.RecordEvent(ctx, map[string]any{"document": "notes.txt"})
	handle, ok := coordinator.Acquire(ctx, "doc-ingest:notes.txt", time.Minute, 10*time.Millisecond)
	if !ok {
		t.Fatalf("expected lock acquisition")
	}
	defer handle.Release(ctx)

	for _, key := range []string{
		"deptqa:doc-status:notes.txt",
		"deptqa:ingest:history",
		"deptqa:lock:doc-ingest:notes.txt",
	} {
		if !mr.Exists(key) {
			t.Errorf("expected key %q, have %v", key, mr.Keys())
		}
	}
	for _, key := range mr.Keys() {
		if !strings.HasPrefix(key, "deptqa:") {
			t.Errorf("key %q escaped the configured prefix", key)
		}
	}
}

func TestCoordinatorDefaultsPrefixWhenEmpty(t *testing.T) {
	coordinator, mr := newTestCoordinator(t, "")

	coordinator.SetStatus(context.Background(), "notes.txt", domain.StatusCompleted, nil)
	if !mr.Exists("campusqa:doc-status:notes.txt") {
		t.Fatalf("expected default campusqa prefix, have %v", mr.Keys())
	}
}

func TestAcquireBlocksSecondHolderUntilRelease(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, "campusqa")
	ctx := context.Background()

	handle, ok := coordinator.Acquire(ctx, "doc-ingest:a.txt", time.Minute, 10*time.Millisecond)
	if !ok {
		t.Fatalf("first acquire must succeed")
	}
	if _, ok := coordinator.Acquire(ctx, "doc-ingest:a.txt", time.Minute, 10*time.Millisecond); ok {
		t.Fatalf("second acquire must report busy")
	}

	handle.Release(ctx)
	handle.Release(ctx) // idempotent

	second, ok := coordinator.Acquire(ctx, "doc-ingest:a.txt", time.Minute, 10*time.Millisecond)
	if !ok {
		t.Fatalf("lock must be free after release")
	}
	second.Release(ctx)
}

func TestStatusRoundTrip(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, "campusqa")
	ctx := context.Background()

	coordinator.SetStatus(ctx, "handbook.pdf", domain.StatusVectorizing, map[string]any{"job_id": "j7"})

	status, ok := coordinator.Status(ctx, "handbook.pdf")
	if !ok {
		t.Fatalf("expected status for handbook.pdf")
	}
	if status["status"] != string(domain.StatusVectorizing) || status["job_id"] != "j7" {
		t.Fatalf("unexpected status: %v", status)
	}

	all := coordinator.Statuses(ctx)
	if _, ok := all["handbook.pdf"]; !ok {
		t.Fatalf("board missing handbook.pdf: %v", all)
	}

	if _, ok := coordinator.Status(ctx, "missing.pdf"); ok {
		t.Fatalf("unexpected status for unknown document")
	}
}

func TestRecentEventsNewestFirst(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, "campusqa")
	ctx := context.Background()

	coordinator.RecordEvent(ctx, map[string]any{"document": "a.txt"})
	coordinator.RecordEvent(ctx, map[string]any{"document": "b.txt"})

	events := coordinator.RecentEvents(ctx, 10)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0]["document"] != "b.txt" {
		t.Fatalf("expected newest event first: %v", events)
	}
	if _, ok := events[0]["at"]; !ok {
		t.Fatalf("event missing timestamp: %v", events[0])
	}
}
