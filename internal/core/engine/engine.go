// Package engine wires the Task Graph, Scheduler, Timeout Manager,
// Guardian, Dead-Letter Queue, State Manager, Checkpoint Service, and
// Event Bus into a single constructed value. There is deliberately no
// process-wide singleton — the reference service's global workflow
// service (main.go's package-level state) is re-expressed here as a
// value the caller owns and can construct fresh per test, per spec §9's
// "global singletons" design note.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/swarmguard/taskengine/internal/core/checkpoint"
	"github.com/swarmguard/taskengine/internal/core/dlq"
	"github.com/swarmguard/taskengine/internal/core/eventbus"
	"github.com/swarmguard/taskengine/internal/core/graph"
	"github.com/swarmguard/taskengine/internal/core/guardian"
	"github.com/swarmguard/taskengine/internal/core/resilience"
	"github.com/swarmguard/taskengine/internal/core/scheduler"
	"github.com/swarmguard/taskengine/internal/core/state"
	"github.com/swarmguard/taskengine/internal/core/store"
	"github.com/swarmguard/taskengine/internal/core/timeout"
	"go.opentelemetry.io/otel/metric"
)

const (
	bucketStateSnapshots = "state_snapshots"
	bucketCheckpoints    = "checkpoints"
	bucketDLQEntries     = "dlq_entries"
)

// Config aggregates every component's configuration plus the storage
// location. StoragePath empty means "ephemeral, in-memory" — suitable
// for tests and short-lived demos; a non-empty path opens a BoltDB file
// there.
type Config struct {
	StoragePath string

	Scheduler  scheduler.Config
	Timeout    timeout.Config
	Guardian   guardian.Config
	DLQ        dlq.Config
	State      state.Config
	Checkpoint checkpoint.Config

	// DLQRetryRateLimit bounds RetryAllAutoRetryable's dispatch rate
	// (requests/sec); ≤0 disables rate limiting for that call.
	DLQRetryRateLimit float64
}

// Engine owns every component and is the unit of lifecycle management:
// construct one per running workload, Shutdown it when done.
type Engine struct {
	Graph      *graph.Graph
	Bus        *eventbus.Bus
	Scheduler  *scheduler.Scheduler
	Timeout    *timeout.Manager
	Guardian   *guardian.Guardian
	DLQ        *dlq.DeadLetterQueue
	State      *state.Manager
	Checkpoint *checkpoint.Service

	bolt *store.BoltDB
	log  *slog.Logger
}

// New constructs an Engine. meter may be a no-op meter; log may be nil
// (defaults to slog.Default()).
func New(ctx context.Context, cfg Config, meter metric.Meter, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	stateStore, checkpointStore, dlqStore, bolt, err := openStores(cfg.StoragePath, meter)
	if err != nil {
		return nil, err
	}

	g := graph.New()
	bus := eventbus.New()

	sched := scheduler.New(g, bus, cfg.Scheduler, meter, log)
	stateMgr := state.New(stateStore, cfg.State)
	checkpointSvc := checkpoint.New(checkpointStore, cfg.Checkpoint)

	var limiter *resilience.RateLimiter
	if cfg.DLQRetryRateLimit > 0 {
		capacity := int64(cfg.DLQRetryRateLimit)
		if capacity < 1 {
			capacity = 1
		}
		limiter = resilience.NewRateLimiter(capacity, cfg.DLQRetryRateLimit, time.Second, capacity*10)
	}
	dlqQueue := dlq.New(dlqStore, cfg.DLQ, limiter, func(ctx context.Context, entry *dlq.Entry, target string, delay time.Duration) error {
		if delay > 0 {
			time.Sleep(delay)
		}
		_, err := g.Requeue(entry.OriginalTaskID)
		return err
	})
	if err := dlqQueue.LoadFromStore(ctx); err != nil {
		log.Warn("dlq: failed to load persisted entries", "error", err)
	}

	timeoutMgr := timeout.New(g, bus, cfg.Timeout, dlqQueue, timeout.Callbacks{
		OnTimeout: func(task *graph.Task, action string) {
			log.Info("task timeout handled", "task_id", task.ID, "action", action)
		},
	}, log)

	guard := guardian.New(g, bus, cfg.Guardian, guardian.Callbacks{
		OnTaskStuck: func(task *graph.Task) {
			log.Warn("guardian observed stuck task", "task_id", task.ID)
		},
		OnPendingTimeout: func(task *graph.Task) {
			log.Warn("guardian observed starved pending task", "task_id", task.ID)
		},
	}, log)

	e := &Engine{
		Graph:      g,
		Bus:        bus,
		Scheduler:  sched,
		Timeout:    timeoutMgr,
		Guardian:   guard,
		DLQ:        dlqQueue,
		State:      stateMgr,
		Checkpoint: checkpointSvc,
		bolt:       bolt,
		log:        log,
	}
	e.wireStateProjection()
	return e, nil
}

func openStores(path string, meter metric.Meter) (stateStore, checkpointStore, dlqStore store.Store, bolt *store.BoltDB, err error) {
	if path == "" {
		return store.NewInMemory(), store.NewInMemory(), store.NewInMemory(), nil, nil
	}

	db, err := store.Open(filepath.Join(path, "taskengine.db"), meter)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("engine: open storage: %w", err)
	}
	ss, err := db.Namespace(bucketStateSnapshots)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cs, err := db.Namespace(bucketCheckpoints)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ds, err := db.Namespace(bucketDLQEntries)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return ss, cs, ds, db, nil
}

// wireStateProjection subscribes the State Manager to the event bus so
// task lifecycle transitions the Scheduler emits are reflected in
// durable snapshots without every call site having to do it by hand.
func (e *Engine) wireStateProjection() {
	e.Bus.Subscribe(func(ev eventbus.Event) {
		ctx := context.Background()
		switch ev.Kind {
		case eventbus.KindTaskStarted:
			if _, err := e.State.MarkRunning(ctx, ev.TaskID); err != nil {
				e.log.Warn("state projection: mark running failed", "task_id", ev.TaskID, "error", err)
			}
		case eventbus.KindTaskCompleted:
			if _, err := e.State.MarkCompleted(ctx, ev.TaskID, ev.Data); err != nil {
				e.log.Warn("state projection: mark completed failed", "task_id", ev.TaskID, "error", err)
			}
		case eventbus.KindTaskFailed:
			if retry, _ := ev.Data["retry"].(bool); !retry {
				if _, err := e.State.MarkFailed(ctx, ev.TaskID, "failed"); err != nil {
					e.log.Warn("state projection: mark failed failed", "task_id", ev.TaskID, "error", err)
				}
			}
		}
	})
}

// InsertTask inserts a task into the Graph and creates its initial State
// Manager snapshot.
func (e *Engine) InsertTask(ctx context.Context, spec graph.Spec) (string, error) {
	id, err := e.Graph.Insert(spec)
	if err != nil {
		return "", err
	}
	if _, err := e.State.Create(ctx, id, spec.Name, nil); err != nil {
		e.log.Warn("state: failed to create initial snapshot", "task_id", id, "error", err)
	}
	return id, nil
}

// Start begins the Timeout Manager and Guardian periodic sweeps.
func (e *Engine) Start() {
	e.Timeout.Start()
	e.Guardian.Start()
}

// Run repeatedly dispatches ready tasks until the graph is complete or
// ctx is done.
func (e *Engine) Run(ctx context.Context, pollInterval time.Duration) {
	for {
		if e.Scheduler.IsComplete() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.Scheduler.Dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// Shutdown stops every periodic sweeper and closes the storage backend,
// mirroring the reference service's signal-context shutdown sequencing
// in main.go, generalized from an HTTP server's shutdown to the whole
// engine's.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Timeout.Stop()
	e.Guardian.Stop()
	e.Scheduler.Shutdown()
	e.State.Shutdown()
	e.Checkpoint.Shutdown()

	if e.bolt != nil {
		return e.bolt.Close()
	}
	return nil
}
