package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/swarmguard/taskengine/internal/core/errs"
)

const (
	maxNameLen        = 200
	maxRetriesAllowed = 10
	maxDependencies   = 100
)

// Graph is the long-lived Task Graph: task records plus forward
// (dependsOn) and reverse (dependents) adjacency. A single mutex
// serializes every mutation and read — the reference DAG builder
// (dag_engine.go's buildDAG) constructs this adjacency once per run; here
// it is built incrementally as tasks are inserted and kept consistent for
// the lifetime of the engine.
type Graph struct {
	mu sync.RWMutex

	tasks      map[string]*Task
	dependsOn  map[string][]string
	dependents map[string][]string

	// order preserves insertion order so ready() and topologicalOrder()
	// are stable across calls instead of depending on map iteration.
	order []string
}

// New constructs an empty Graph.
func New() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependsOn:  make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// Insert validates spec and adds a new PENDING task, returning its
// generated ID. See spec §4.1 invariant 1 and the edge cases in §8.
func (g *Graph) Insert(spec Spec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, dep := range spec.Dependencies {
		if _, ok := g.tasks[dep]; !ok {
			return "", errs.New(errs.KindInvalidInput, "dependency task does not exist: "+dep)
		}
	}

	id := uuid.NewString()
	task := &Task{
		ID:                  id,
		Name:                spec.Name,
		Description:         spec.Description,
		Priority:            spec.Priority,
		Status:              StatusPending,
		Dependencies:        append([]string(nil), spec.Dependencies...),
		MaxRetries:          spec.MaxRetries,
		PreferredExecutorID: spec.PreferredExecutorID,
		CreatedAt:           time.Now(),
	}

	g.tasks[id] = task
	g.dependsOn[id] = append([]string(nil), spec.Dependencies...)
	g.order = append(g.order, id)
	for _, dep := range spec.Dependencies {
		g.dependents[dep] = append(g.dependents[dep], id)
	}

	return id, nil
}

func validateSpec(spec Spec) error {
	if len(spec.Name) < 1 || len(spec.Name) > maxNameLen {
		return errs.New(errs.KindInvalidInput, "task name must be 1-200 characters")
	}
	if spec.Priority < PriorityLow || spec.Priority > PriorityCritical {
		return errs.New(errs.KindInvalidInput, "invalid task priority")
	}
	if spec.MaxRetries < 0 || spec.MaxRetries > maxRetriesAllowed {
		return errs.New(errs.KindInvalidInput, "max retries must be between 0 and 10")
	}
	if len(spec.Dependencies) > maxDependencies {
		return errs.New(errs.KindInvalidInput, "a task may declare at most 100 dependencies")
	}
	seen := make(map[string]bool, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		if seen[dep] {
			return errs.New(errs.KindInvalidInput, "duplicate dependency id: "+dep)
		}
		seen[dep] = true
	}
	return nil
}

// Get returns a cloned snapshot of the task with id, if present.
func (g *Graph) Get(id string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// All returns cloned snapshots of every task, in insertion order.
func (g *Graph) All() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].Clone())
	}
	return out
}

// Dependencies returns the ids task id directly depends on.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependsOn[id]...)
}

// ReadyTasks returns PENDING tasks whose dependencies have all COMPLETED,
// sorted by descending priority (stable on insertion order within a
// priority tier), truncated to at most limit entries. The caller (the
// Scheduler) computes limit as maxConcurrent minus the number of tasks it
// currently has running, so Graph never needs to know about in-flight
// dispatch state.
func (g *Graph) ReadyTasks(limit int) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if limit <= 0 {
		return nil
	}

	var ready []*Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		if g.dependenciesComplete(id) {
			ready = append(ready, t)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})

	if len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*Task, len(ready))
	for i, t := range ready {
		out[i] = t.Clone()
	}
	return out
}

// dependenciesComplete reports whether every dependency of id is
// COMPLETED. Must be called with g.mu held.
func (g *Graph) dependenciesComplete(id string) bool {
	for _, dep := range g.dependsOn[id] {
		d, ok := g.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// TopologicalOrder returns every task id ordered so a task always appears
// after everything it depends on. A cycle (which Insert's existing-id
// check makes unreachable in practice) is broken by skipping the back
// edge rather than failing or looping, per the spec's "never fail; never
// loop" resolution for malformed graphs.
func (g *Graph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.order))
	var out []string

	var visit func(id string)
	visit = func(id string) {
		switch state[id] {
		case done, visiting:
			return
		}
		state[id] = visiting
		for _, dep := range g.dependsOn[id] {
			visit(dep)
		}
		state[id] = done
		out = append(out, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return out
}

// MarkBlocked transitions every PENDING task with at least one FAILED
// dependency to BLOCKED (spec §4.1 invariant: BLOCKED implies some
// dependency FAILED). Returns the ids newly blocked.
func (g *Graph) MarkBlocked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var blocked []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		for _, dep := range g.dependsOn[id] {
			d, ok := g.tasks[dep]
			if ok && d.Status == StatusFailed {
				t.Status = StatusBlocked
				blocked = append(blocked, id)
				break
			}
		}
	}
	return blocked
}

// StartRunning transitions a PENDING task to RUNNING, recording its
// assigned executor and start time.
func (g *Graph) StartRunning(id, executorID string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, errs.New(errs.KindTaskNotFound, "task not found: "+id)
	}
	now := time.Now()
	t.Status = StatusRunning
	t.AssignedExecutorID = executorID
	t.StartedAt = &now
	return t.Clone(), nil
}

// CompleteTask transitions a RUNNING task to COMPLETED with result.
func (g *Graph) CompleteTask(id string, result Result) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, errs.New(errs.KindTaskNotFound, "task not found: "+id)
	}
	now := time.Now()
	t.Status = StatusCompleted
	t.Result = &result
	t.CompletedAt = &now
	t.Error = ""
	return t.Clone(), nil
}

// ScheduleRetry increments a task's retry count and records its error,
// without changing its status — the task stays RUNNING (and so out of the
// ready set) until the Scheduler's backoff delay elapses and it calls
// ReleaseRetry. This mirrors spec §4.2's "increment retries... schedule a
// deferred transition back to PENDING after delay".
func (g *Graph) ScheduleRetry(id, errMsg string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, errs.New(errs.KindTaskNotFound, "task not found: "+id)
	}
	t.Retries++
	t.Error = errMsg
	return t.Clone(), nil
}

// ReleaseRetry transitions a task scheduled for retry back to PENDING so
// it re-enters the ready set. Called by the Scheduler once the backoff
// delay computed at ScheduleRetry time has elapsed.
func (g *Graph) ReleaseRetry(id string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, errs.New(errs.KindTaskNotFound, "task not found: "+id)
	}
	t.Status = StatusPending
	t.AssignedExecutorID = ""
	t.StartedAt = nil
	return t.Clone(), nil
}

// TimeoutRetry is the Timeout Manager's variant of a retry transition: it
// increments retries and returns the task directly to PENDING in one
// step, with no backoff delay (spec §4.3, distinct from the Scheduler's
// ScheduleRetry/ReleaseRetry pair which defers the PENDING transition).
func (g *Graph) TimeoutRetry(id, errMsg string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, errs.New(errs.KindTaskNotFound, "task not found: "+id)
	}
	t.Retries++
	t.Error = errMsg
	t.Status = StatusPending
	t.AssignedExecutorID = ""
	t.StartedAt = nil
	return t.Clone(), nil
}

// FailTask transitions a task to the terminal FAILED state.
func (g *Graph) FailTask(id, errMsg string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, errs.New(errs.KindTaskNotFound, "task not found: "+id)
	}
	now := time.Now()
	t.Status = StatusFailed
	t.Error = errMsg
	t.CompletedAt = &now
	return t.Clone(), nil
}

// Requeue returns a terminal (FAILED) task to PENDING for the
// single-attempt redispatch a DLQ "retry" resolution performs (spec
// §4.5): Retries is set to MaxRetries, so a failure of that attempt is
// terminal rather than retried.
func (g *Graph) Requeue(id string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, errs.New(errs.KindTaskNotFound, "task not found: "+id)
	}
	t.Status = StatusPending
	t.Retries = t.MaxRetries
	t.Error = ""
	t.AssignedExecutorID = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	return t.Clone(), nil
}

// ExhaustedRetries reports whether task id has used up its retry budget.
func (g *Graph) ExhaustedRetries(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return false
	}
	return t.Retries >= t.MaxRetries
}

// Len returns the number of tasks currently in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}
