// Package scheduler implements the Scheduler (spec §4.2): dispatch of
// ready tasks to registered executors with bounded parallelism, retry
// with exponential backoff, and event emission. Its dispatch loop
// (Dispatch) is adapted from the reference engine's executeDAG worker
// pool (dag_engine.go) — a worker-per-slot channel pump over the Graph's
// ready set — generalized from a one-shot DAG run into a long-lived,
// repeatedly-invoked scheduler.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/swarmguard/taskengine/internal/core/errs"
	"github.com/swarmguard/taskengine/internal/core/eventbus"
	"github.com/swarmguard/taskengine/internal/core/graph"
	"github.com/swarmguard/taskengine/internal/core/resilience"
	"go.opentelemetry.io/otel/metric"
)

// Executor performs a single task's work. The scheduler treats any
// returned error as failure; Result.Success=false with a nil error is
// also treated as failure.
type Executor func(ctx context.Context, task *graph.Task) (graph.Result, error)

// defaultExecutorID is used for tasks that did not request a specific
// executor via graph.Spec.PreferredExecutorID.
const defaultExecutorID = "default"

// Scheduler dispatches ready tasks from a Graph to registered executors.
type Scheduler struct {
	graph *graph.Graph
	bus   *eventbus.Bus
	cfg   Config
	log   *slog.Logger

	meter metric.Meter

	mu             sync.Mutex
	executors      map[string]Executor
	breakers       map[string]*resilience.CircuitBreaker
	running        map[string]bool
	pendingRetries map[string]*time.Timer
}

// New constructs a Scheduler bound to graph g and event bus bus. meter may
// be a no-op meter; it backs per-executor circuit breaker metrics.
func New(g *graph.Graph, bus *eventbus.Bus, cfg Config, meter metric.Meter, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		graph:          g,
		bus:            bus,
		cfg:            cfg.WithDefaults(),
		log:            log,
		meter:          meter,
		executors:      make(map[string]Executor),
		breakers:       make(map[string]*resilience.CircuitBreaker),
		running:        make(map[string]bool),
		pendingRetries: make(map[string]*time.Timer),
	}
}

// RegisterExecutor binds executorID to exec, replacing any prior binding
// (idempotent re-registration, per spec §4.2).
func (s *Scheduler) RegisterExecutor(executorID string, exec Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[executorID] = exec
	if _, ok := s.breakers[executorID]; !ok {
		s.breakers[executorID] = resilience.NewCircuitBreaker(
			s.meter,
			20*time.Second, // window size
			10,              // buckets
			5,               // minimum samples before evaluating
			0.5,             // failure rate that trips the breaker
			10*time.Second,  // cooldown before a half-open probe
			2,               // trial requests allowed while half-open
		)
	}
}

// ExecuteTask runs task id via executorID, racing the executor against
// the configured per-task timeout. See spec §4.2 for the full contract.
func (s *Scheduler) ExecuteTask(ctx context.Context, id, executorID string) (graph.Result, error) {
	task, ok := s.graph.Get(id)
	if !ok {
		return graph.Result{}, errs.New(errs.KindTaskNotFound, "task not found: "+id)
	}

	s.mu.Lock()
	exec, ok := s.executors[executorID]
	breaker := s.breakers[executorID]
	s.mu.Unlock()
	if !ok {
		return graph.Result{}, errs.New(errs.KindExecutorNotFound, "executor not registered: "+executorID)
	}

	// The task always transitions to RUNNING and emits TaskStarted before
	// any failure path, including a breaker trip for this executorID —
	// breakers are shared across every task dispatched to the same
	// executor, so a trip here is not this task's own failure and must
	// not let it skip the RUNNING state ScheduleRetry/FailTask assume.
	if _, err := s.graph.StartRunning(id, executorID); err != nil {
		return graph.Result{}, err
	}
	s.mu.Lock()
	s.running[id] = true
	s.mu.Unlock()
	s.bus.Emit(eventbus.Event{Kind: eventbus.KindTaskStarted, TaskID: id})

	if breaker != nil && !breaker.Allow() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		err := errs.New(errs.KindExecutorFailure, "circuit open for executor: "+executorID)
		return graph.Result{}, s.fail(ctx, task, err)
	}

	result, err := s.runWithTimeout(ctx, exec, task)

	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()

	if breaker != nil {
		breaker.RecordResult(ctx, err == nil && result.Success)
	}

	if err == nil && !result.Success {
		err = errs.New(errs.KindExecutorFailure, "executor reported failure")
	}

	if err != nil {
		return graph.Result{}, s.fail(ctx, task, err)
	}

	if _, cerr := s.graph.CompleteTask(id, result); cerr != nil {
		return graph.Result{}, cerr
	}
	s.bus.Emit(eventbus.Event{Kind: eventbus.KindTaskCompleted, TaskID: id, Data: map[string]any{
		"success":  result.Success,
		"duration": result.Duration,
	}})
	return result, nil
}

// runWithTimeout races the executor call against cfg.TaskTimeout. If the
// timeout fires first, the eventual executor result (if any) is
// discarded — cooperative cancellation only, per spec §9 Open Questions.
func (s *Scheduler) runWithTimeout(ctx context.Context, exec Executor, task *graph.Task) (graph.Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	type outcome struct {
		result graph.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := exec(execCtx, task)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-execCtx.Done():
		return graph.Result{}, errs.New(errs.KindTimeout, "task exceeded timeout")
	}
}

// fail routes a failed attempt to retry-with-backoff or terminal failure,
// per spec §4.2.
func (s *Scheduler) fail(ctx context.Context, task *graph.Task, execErr error) error {
	if task.Retries < task.MaxRetries {
		updated, err := s.graph.ScheduleRetry(task.ID, execErr.Error())
		if err != nil {
			return err
		}
		delay := backoffDelay(s.cfg.RetryDelay, updated.Retries)
		s.bus.Emit(eventbus.Event{Kind: eventbus.KindTaskFailed, TaskID: task.ID, Data: map[string]any{
			"retry":   true,
			"attempt": updated.Retries,
			"delay":   delay,
		}})
		s.scheduleRelease(ctx, task.ID, delay)
		return execErr
	}

	if _, ferr := s.graph.FailTask(task.ID, execErr.Error()); ferr != nil {
		return ferr
	}
	s.bus.Emit(eventbus.Event{Kind: eventbus.KindTaskFailed, TaskID: task.ID, Data: map[string]any{"retry": false}})
	for _, blockedID := range s.graph.MarkBlocked() {
		s.bus.Emit(eventbus.Event{Kind: eventbus.KindTaskBlocked, TaskID: blockedID})
	}
	return execErr
}

// backoffDelay implements spec §4.2's exact formula:
// min(retryDelay * 2^(retries-1) * (1 + jitter), 60000ms), jitter in [0, 0.2].
func backoffDelay(retryDelay time.Duration, retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	jitter := rand.Float64() * 0.2
	multiplier := float64(int64(1) << uint(retries-1))
	delay := time.Duration(float64(retryDelay) * multiplier * (1 + jitter))
	if delay > maxBackoffDelay {
		delay = maxBackoffDelay
	}
	return delay
}

// scheduleRelease arranges for task id to return to PENDING after delay,
// emitting TaskRetryScheduled once it does. Shutdown cancels pending releases.
func (s *Scheduler) scheduleRelease(ctx context.Context, id string, delay time.Duration) {
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pendingRetries, id)
		s.mu.Unlock()

		if _, err := s.graph.ReleaseRetry(id); err != nil {
			s.log.Warn("release retry failed", "task_id", id, "error", err)
			return
		}
		s.bus.Emit(eventbus.Event{Kind: eventbus.KindTaskRetryScheduled, TaskID: id})
	})
	s.mu.Lock()
	if old, ok := s.pendingRetries[id]; ok {
		old.Stop()
	}
	s.pendingRetries[id] = timer
	s.mu.Unlock()
}

// Dispatch pulls as many ready tasks as available concurrency slots
// allow and runs each via its preferred (or default) executor, returning
// once every dispatched task's ExecuteTask call has returned. Intended to
// be called repeatedly by the engine's run loop.
func (s *Scheduler) Dispatch(ctx context.Context) {
	s.mu.Lock()
	available := s.cfg.MaxConcurrentTasks - len(s.running)
	s.mu.Unlock()
	if available <= 0 {
		return
	}

	ready := s.graph.ReadyTasks(available)
	if len(ready) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, task := range ready {
		executorID := task.PreferredExecutorID
		if executorID == "" {
			executorID = defaultExecutorID
		}
		wg.Add(1)
		go func(id, execID string) {
			defer wg.Done()
			if _, err := s.ExecuteTask(ctx, id, execID); err != nil {
				s.log.Debug("task execution ended in error", "task_id", id, "error", err)
			}
		}(task.ID, executorID)
	}
	wg.Wait()
}

// RunningCount returns the number of tasks currently dispatched.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// IsComplete reports whether the graph is non-empty and every task is in
// a terminal state.
func (s *Scheduler) IsComplete() bool {
	tasks := s.graph.All()
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// StatusCounts returns the number of tasks in each status.
func (s *Scheduler) StatusCounts() map[graph.Status]int {
	counts := make(map[graph.Status]int, 5)
	for _, t := range s.graph.All() {
		counts[t.Status]++
	}
	return counts
}

// Shutdown cancels every pending scheduled retry. Idempotent.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.pendingRetries {
		timer.Stop()
		delete(s.pendingRetries, id)
	}
}
