package state

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/taskengine/internal/core/store"
)

func TestCreateAndUpdateIdempotence(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewInMemory(), Config{AutoSaveInterval: time.Hour})

	snap, err := m.Create(ctx, "task-1", "job", nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != StatusPending || snap.Progress != 0 {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}

	running := StatusRunning
	progress := 50
	first, err := m.Update(ctx, "task-1", Patch{Status: &running, Progress: &progress})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(time.Millisecond)
	second, err := m.Update(ctx, "task-1", Patch{Status: &running, Progress: &progress})
	if err != nil {
		t.Fatal(err)
	}

	if second.Status != first.Status || second.Progress != first.Progress {
		t.Fatalf("expected status/progress unchanged across idempotent update: %+v vs %+v", first, second)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatal("expected UpdatedAt to advance even on an idempotent update")
	}
}

func TestUpdateAppendsCompletedStepOnce(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewInMemory(), Config{AutoSaveInterval: time.Hour})
	m.Create(ctx, "task-1", "job", nil)

	step := "fetch"
	snap, _ := m.Update(ctx, "task-1", Patch{CurrentStep: &step})
	snap, _ = m.Update(ctx, "task-1", Patch{CurrentStep: &step})

	count := 0
	for _, s := range snap.CompletedSteps {
		if s == step {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected step to appear once in completedSteps, got %v", snap.CompletedSteps)
	}
}

func TestMarkCompletedStopsAutosaveAndFlushes(t *testing.T) {
	ctx := context.Background()
	backing := store.NewInMemory()
	m := New(backing, Config{AutoSaveInterval: time.Hour})
	m.Create(ctx, "task-1", "job", nil)

	if _, err := m.MarkCompleted(ctx, "task-1", map[string]any{"ok": true}); err != nil {
		t.Fatal(err)
	}

	raw, found, err := backing.Get(ctx, "task-1")
	if err != nil || !found {
		t.Fatalf("expected persisted snapshot, found=%v err=%v", found, err)
	}
	if len(raw) == 0 {
		t.Fatal("expected non-empty persisted snapshot")
	}
}

func TestRecoverableAndRecover(t *testing.T) {
	ctx := context.Background()
	backing := store.NewInMemory()
	m := New(backing, Config{AutoSaveInterval: time.Hour})

	m.Create(ctx, "task-1", "job", nil)
	m.MarkRunning(ctx, "task-1")
	progress := 50
	m.Update(ctx, "task-1", Patch{Progress: &progress})

	m.Create(ctx, "task-2", "job2", nil)

	// Simulate a restart: fresh manager over the same backing store.
	fresh := New(backing, Config{AutoSaveInterval: time.Hour})
	recoverable, err := fresh.Recoverable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recoverable) != 2 {
		t.Fatalf("expected 2 recoverable snapshots (pending+running), got %d", len(recoverable))
	}

	recovered, err := fresh.Recover(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if recovered.Status != StatusPending || recovered.Progress != 50 {
		t.Fatalf("expected task-1 recovered to PENDING with progress preserved, got %+v", recovered)
	}
}
