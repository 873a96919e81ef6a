package checkpoint

import (
	"context"
	"testing"

	"github.com/swarmguard/taskengine/internal/core/store"
)

func TestCreateIsIdempotentForIdenticalState(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewInMemory(), Config{})

	id1, err := s.Create(ctx, "task-1", 0, "fetch", []byte(`{"n":1}`))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.Create(ctx, "task-1", 0, "fetch", []byte(`{"n":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical checkpoint to reuse id, got %s vs %s", id1, id2)
	}

	md := s.Metadata("task-1")
	if md.TotalSteps != 1 {
		t.Fatalf("expected exactly one checkpoint recorded, got %d", md.TotalSteps)
	}
}

func TestCreateSameKeyDifferentStateUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewInMemory(), Config{})

	id1, _ := s.Create(ctx, "task-1", 0, "fetch", []byte(`{"n":1}`))
	id2, _ := s.Create(ctx, "task-1", 0, "fetch", []byte(`{"n":2}`))
	if id1 != id2 {
		t.Fatalf("expected same-key update to keep checkpoint id, got %s vs %s", id1, id2)
	}

	latest, ok := s.Latest("task-1")
	if !ok || string(latest.State) != `{"n":2}` {
		t.Fatalf("expected latest state updated in place, got %+v", latest)
	}
}

func TestCreateNewKeyAppends(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewInMemory(), Config{})

	s.Create(ctx, "task-1", 0, "fetch", []byte(`{}`))
	s.Create(ctx, "task-1", 1, "transform", []byte(`{}`))

	md := s.Metadata("task-1")
	if md.TotalSteps != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", md.TotalSteps)
	}
	latest, _ := s.Latest("task-1")
	if latest.StepIndex != 1 || latest.StepName != "transform" {
		t.Fatalf("expected latest to be step 1/transform, got %+v", latest)
	}
}

func TestRetentionPrunesOldest(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewInMemory(), Config{MaxCheckpointsPerTask: 2})

	s.Create(ctx, "task-1", 0, "a", []byte(`{}`))
	s.Create(ctx, "task-1", 1, "b", []byte(`{}`))
	s.Create(ctx, "task-1", 2, "c", []byte(`{}`))

	md := s.Metadata("task-1")
	if md.TotalSteps != 2 {
		t.Fatalf("expected retention to cap at 2 checkpoints, got %d", md.TotalSteps)
	}
	latest, _ := s.Latest("task-1")
	if latest.StepName != "c" {
		t.Fatalf("expected newest checkpoint retained, got %+v", latest)
	}
}

func TestRestoreThenUpdateStateMerges(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewInMemory(), Config{})
	s.Create(ctx, "task-1", 0, "fetch", []byte(`{"count":1}`))

	cp, ok := s.Restore("task-1", "")
	if !ok {
		t.Fatal("expected restore to find the latest checkpoint")
	}
	if cp.StepName != "fetch" {
		t.Fatalf("expected restored checkpoint fetch, got %+v", cp)
	}

	s.UpdateState("task-1", map[string]any{"extra": true})
	state := s.StepState("task-1")
	if state["count"].(float64) != 1 || state["extra"] != true {
		t.Fatalf("expected merged state, got %+v", state)
	}
}
