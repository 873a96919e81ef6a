package guardian

import (
	"testing"
	"time"

	"github.com/swarmguard/taskengine/internal/core/eventbus"
	"github.com/swarmguard/taskengine/internal/core/graph"
)

func TestSweepDetectsStarvedPending(t *testing.T) {
	g := graph.New()
	bus := eventbus.New()
	id, _ := g.Insert(graph.Spec{Name: "stale", Priority: graph.PriorityNormal})
	time.Sleep(2 * time.Millisecond)

	var flagged string
	gd := New(g, bus, Config{MaxPendingAgeMs: time.Millisecond}, Callbacks{
		OnPendingTimeout: func(task *graph.Task) { flagged = task.ID },
	}, nil)
	gd.sweep()

	if flagged != id {
		t.Fatalf("expected pending-timeout callback for %s, got %s", id, flagged)
	}
	task, _ := g.Get(id)
	if task.Status != graph.StatusPending {
		t.Fatal("guardian must never mutate task state")
	}
	if gd.Snapshot().PendingTimeoutsDetected != 1 {
		t.Fatalf("expected 1 pending timeout recorded, got %d", gd.Snapshot().PendingTimeoutsDetected)
	}
}

func TestSweepDetectsStuckRunning(t *testing.T) {
	g := graph.New()
	bus := eventbus.New()
	id, _ := g.Insert(graph.Spec{Name: "wedged", Priority: graph.PriorityNormal})
	g.StartRunning(id, "exec-1")
	time.Sleep(2 * time.Millisecond)

	var stuck string
	gd := New(g, bus, Config{MaxRunningAgeMs: time.Millisecond}, Callbacks{
		OnTaskStuck: func(task *graph.Task) { stuck = task.ID },
	}, nil)
	gd.sweep()

	if stuck != id {
		t.Fatalf("expected stuck callback for %s, got %s", id, stuck)
	}
	if gd.Snapshot().StuckTasksDetected != 1 {
		t.Fatalf("expected 1 stuck task recorded, got %d", gd.Snapshot().StuckTasksDetected)
	}
}

func TestSweepAlwaysInvokesOnCheck(t *testing.T) {
	g := graph.New()
	bus := eventbus.New()
	g.Insert(graph.Spec{Name: "a", Priority: graph.PriorityNormal})

	var summary CheckSummary
	gd := New(g, bus, Config{}, Callbacks{
		OnCheck: func(s CheckSummary) { summary = s },
	}, nil)
	gd.sweep()

	if summary.TotalCount != 1 || summary.PendingCount != 1 {
		t.Fatalf("expected summary reflecting one pending task, got %+v", summary)
	}
	if gd.Snapshot().CheckCount != 1 {
		t.Fatalf("expected check count 1, got %d", gd.Snapshot().CheckCount)
	}
}
