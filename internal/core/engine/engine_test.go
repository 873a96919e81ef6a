package engine

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/taskengine/internal/core/graph"
	"github.com/swarmguard/taskengine/internal/core/scheduler"
	"go.opentelemetry.io/otel/metric/noop"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	e, err := New(ctx, Config{
		Scheduler: scheduler.Config{MaxConcurrentTasks: 2, TaskTimeout: time.Second, RetryDelay: time.Millisecond},
	}, noop.NewMeterProvider().Meter("test"), nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEngineLinearChainEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	defer e.Shutdown(context.Background())

	e.Scheduler.RegisterExecutor("default", func(ctx context.Context, task *graph.Task) (graph.Result, error) {
		return graph.Result{Success: true}, nil
	})

	ctx := context.Background()
	a, _ := e.InsertTask(ctx, graph.Spec{Name: "a", Priority: graph.PriorityNormal})
	b, _ := e.InsertTask(ctx, graph.Spec{Name: "b", Priority: graph.PriorityNormal, Dependencies: []string{a}})
	c, _ := e.InsertTask(ctx, graph.Spec{Name: "c", Priority: graph.PriorityNormal, Dependencies: []string{b}})

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	e.Run(runCtx, time.Millisecond)

	if !e.Scheduler.IsComplete() {
		t.Fatalf("expected engine to finish all tasks, counts=%v", e.Scheduler.StatusCounts())
	}
	for _, id := range []string{a, b, c} {
		task, _ := e.Graph.Get(id)
		if task.Status != graph.StatusCompleted {
			t.Fatalf("expected %s completed, got %v", id, task.Status)
		}
		snap, ok := e.State.Get(id)
		if !ok || snap.Status != "completed" {
			t.Fatalf("expected state snapshot completed for %s, got %+v ok=%v", id, snap, ok)
		}
	}
}

func TestEngineDiamondRunsSiblingsConcurrently(t *testing.T) {
	e := newTestEngine(t)
	defer e.Shutdown(context.Background())

	e.Scheduler.RegisterExecutor("default", func(ctx context.Context, task *graph.Task) (graph.Result, error) {
		time.Sleep(30 * time.Millisecond)
		return graph.Result{Success: true}, nil
	})

	ctx := context.Background()
	root, _ := e.InsertTask(ctx, graph.Spec{Name: "root", Priority: graph.PriorityNormal})
	left, _ := e.InsertTask(ctx, graph.Spec{Name: "left", Priority: graph.PriorityNormal, Dependencies: []string{root}})
	right, _ := e.InsertTask(ctx, graph.Spec{Name: "right", Priority: graph.PriorityNormal, Dependencies: []string{root}})
	join, _ := e.InsertTask(ctx, graph.Spec{Name: "join", Priority: graph.PriorityNormal, Dependencies: []string{left, right}})

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	e.Run(runCtx, time.Millisecond)

	for _, id := range []string{root, left, right, join} {
		task, _ := e.Graph.Get(id)
		if task.Status != graph.StatusCompleted {
			t.Fatalf("expected %s completed, got %v", id, task.Status)
		}
	}
}
