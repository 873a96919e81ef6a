package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/taskengine/internal/core/eventbus"
	"github.com/swarmguard/taskengine/internal/core/graph"
	"go.opentelemetry.io/otel/metric/noop"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *graph.Graph, *eventbus.Bus) {
	t.Helper()
	g := graph.New()
	bus := eventbus.New()
	s := New(g, bus, cfg, noop.NewMeterProvider().Meter("test"), nil)
	return s, g, bus
}

func TestLinearChainAllSucceed(t *testing.T) {
	s, g, bus := newTestScheduler(t, Config{MaxConcurrentTasks: 2, TaskTimeout: time.Second, RetryDelay: time.Millisecond})
	s.RegisterExecutor(defaultExecutorID, func(ctx context.Context, task *graph.Task) (graph.Result, error) {
		return graph.Result{Success: true}, nil
	})

	var started, completed int32
	bus.Subscribe(func(e eventbus.Event) {
		switch e.Kind {
		case eventbus.KindTaskStarted:
			atomic.AddInt32(&started, 1)
		case eventbus.KindTaskCompleted:
			atomic.AddInt32(&completed, 1)
		}
	})

	a, _ := g.Insert(graph.Spec{Name: "a", Priority: graph.PriorityNormal})
	b, _ := g.Insert(graph.Spec{Name: "b", Priority: graph.PriorityNormal, Dependencies: []string{a}})
	c, _ := g.Insert(graph.Spec{Name: "c", Priority: graph.PriorityNormal, Dependencies: []string{b}})

	ctx := context.Background()
	for i := 0; i < 3 && !s.IsComplete(); i++ {
		s.Dispatch(ctx)
	}

	order := g.TopologicalOrder()
	if len(order) != 3 || order[0] != a || order[1] != b || order[2] != c {
		t.Fatalf("expected topological order [a,b,c], got %v", order)
	}
	if !s.IsComplete() {
		t.Fatalf("expected scheduler complete, counts=%v", s.StatusCounts())
	}
	if started != 3 || completed != 3 {
		t.Fatalf("expected 3 started and 3 completed events, got started=%d completed=%d", started, completed)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	// RetryDelay must stay within Config.WithDefaults' accepted
	// [1s, 1h] range (config.go) or it's coerced to the 5s default,
	// which would make the wait below time out.
	s, g, bus := newTestScheduler(t, Config{MaxConcurrentTasks: 1, TaskTimeout: time.Second, RetryDelay: 1500 * time.Millisecond})

	var attempt int32
	s.RegisterExecutor(defaultExecutorID, func(ctx context.Context, task *graph.Task) (graph.Result, error) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			return graph.Result{}, errFirstAttempt
		}
		return graph.Result{Success: true}, nil
	})

	var kinds []eventbus.Kind
	bus.Subscribe(func(e eventbus.Event) { kinds = append(kinds, e.Kind) })

	id, _ := g.Insert(graph.Spec{Name: "flaky", Priority: graph.PriorityNormal, MaxRetries: 3})

	ctx := context.Background()
	_, err := s.ExecuteTask(ctx, id, defaultExecutorID)
	if err == nil {
		t.Fatal("expected first attempt to fail")
	}

	// Wait out the scheduled backoff release: backoffDelay(1500ms, retries=1)
	// is ~1.5-1.8s (1500ms * (1+jitter)), so the deadline needs headroom
	// well beyond that.
	deadline := time.After(3 * time.Second)
	for {
		task, _ := g.Get(id)
		if task.Status == graph.StatusPending {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task never released back to pending: %+v", task)
		case <-time.After(time.Millisecond):
		}
	}

	s.Dispatch(ctx)
	for i := 0; i < 50; i++ {
		task, _ := g.Get(id)
		if task.Status == graph.StatusCompleted {
			break
		}
		time.Sleep(time.Millisecond)
	}

	task, _ := g.Get(id)
	if task.Status != graph.StatusCompleted || task.Retries != 1 {
		t.Fatalf("expected completed task with 1 retry, got %+v", task)
	}

	expect := []eventbus.Kind{
		eventbus.KindTaskStarted,
		eventbus.KindTaskFailed,
		eventbus.KindTaskRetryScheduled,
		eventbus.KindTaskStarted,
		eventbus.KindTaskCompleted,
	}
	if len(kinds) != len(expect) {
		t.Fatalf("expected events %v, got %v", expect, kinds)
	}
	for i, k := range expect {
		if kinds[i] != k {
			t.Fatalf("event %d: expected %s, got %s (full: %v)", i, k, kinds[i], kinds)
		}
	}
}

func TestExhaustedRetriesCascadesBlocked(t *testing.T) {
	s, g, bus := newTestScheduler(t, Config{MaxConcurrentTasks: 1, TaskTimeout: time.Second, RetryDelay: time.Millisecond})
	s.RegisterExecutor(defaultExecutorID, func(ctx context.Context, task *graph.Task) (graph.Result, error) {
		return graph.Result{}, errFirstAttempt
	})

	var blocked bool
	bus.Subscribe(func(e eventbus.Event) {
		if e.Kind == eventbus.KindTaskBlocked {
			blocked = true
		}
	})

	a, _ := g.Insert(graph.Spec{Name: "a", Priority: graph.PriorityNormal, MaxRetries: 0})
	b, _ := g.Insert(graph.Spec{Name: "b", Priority: graph.PriorityNormal, Dependencies: []string{a}})

	ctx := context.Background()
	if _, err := s.ExecuteTask(ctx, a, defaultExecutorID); err == nil {
		t.Fatal("expected failure")
	}

	taskA, _ := g.Get(a)
	taskB, _ := g.Get(b)
	if taskA.Status != graph.StatusFailed {
		t.Fatalf("expected a FAILED, got %v", taskA.Status)
	}
	if taskB.Status != graph.StatusBlocked {
		t.Fatalf("expected b BLOCKED, got %v", taskB.Status)
	}
	if !blocked {
		t.Fatal("expected a TaskBlocked event")
	}
}

var errFirstAttempt = fakeErr("transient failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
