// Package timeout implements the Timeout Manager (spec §4.3): a periodic
// sweep over RUNNING tasks that routes overruns to retry, the dead-letter
// queue, or terminal failure, plus an advisory scan for tasks blocked on
// a failed dependency. The periodic sweep is driven by the ticker port
// (internal/core/ticker) rather than an ad-hoc timer, so tests can fire
// sweeps deterministically instead of racing a real clock — the
// generalization the reference service's setInterval-based cancellation
// sweep (cancellation.go's StartCleanupLoop) never needed to make.
package timeout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/taskengine/internal/core/eventbus"
	"github.com/swarmguard/taskengine/internal/core/graph"
	"github.com/swarmguard/taskengine/internal/core/ticker"
)

const (
	defaultCheckInterval = 1000 * time.Millisecond
	defaultTaskTimeout    = 300 * time.Second
	defaultMaxRetries    = 3
)

// Config holds the Timeout Manager's tunables (spec §6).
type Config struct {
	CheckIntervalMs time.Duration
	TaskTimeoutMs   time.Duration
	// MaxRetries is accepted for configuration-surface parity; the sweep's
	// retry decision uses each task's own MaxRetries.
	MaxRetries int
	EnableDLQ  bool
}

// WithDefaults coerces non-positive durations and returns the result;
// MaxRetries is left as given unless negative.
func (c Config) WithDefaults() Config {
	out := c
	if out.CheckIntervalMs <= 0 {
		out.CheckIntervalMs = defaultCheckInterval
	}
	if out.TaskTimeoutMs <= 0 {
		out.TaskTimeoutMs = defaultTaskTimeout
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = defaultMaxRetries
	}
	return out
}

// DLQSink is the narrow DLQ dependency the Timeout Manager pushes
// unrecoverable timeouts into. Satisfied by *dlq.DeadLetterQueue.
type DLQSink interface {
	AddEntry(ctx context.Context, originalTaskID, name string, payload []byte, errMsg string, retryCount int) (string, error)
}

// Callbacks are advisory hooks invoked as the sweep makes decisions. Any
// nil callback is skipped.
type Callbacks struct {
	OnTimeout          func(task *graph.Task, action string)
	OnDLQ              func(task *graph.Task)
	OnDependencyFailed func(task *graph.Task, failedDepID string)
}

// Manager runs the periodic timeout sweep.
type Manager struct {
	graph *graph.Graph
	bus   *eventbus.Bus
	cfg   Config
	dlq   DLQSink
	cb    Callbacks
	log   *slog.Logger

	mu      sync.Mutex
	handled map[string]bool
	t       ticker.Ticker
}

// New constructs a Manager. dlq may be nil, which behaves as if EnableDLQ
// were false regardless of configuration.
func New(g *graph.Graph, bus *eventbus.Bus, cfg Config, dlq DLQSink, cb Callbacks, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		graph:   g,
		bus:     bus,
		cfg:     cfg.WithDefaults(),
		dlq:     dlq,
		cb:      cb,
		log:     log,
		handled: make(map[string]bool),
	}
}

// Start begins the periodic sweep. Idempotent: calling Start while
// already running replaces the previous ticker.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.t != nil {
		m.t.Stop()
	}
	m.t = ticker.New(m.cfg.CheckIntervalMs, defaultCheckInterval, m.sweep)
}

// Stop halts the sweep and drops the handled-task dedup set. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.t != nil {
		m.t.Stop()
		m.t = nil
	}
	m.handled = make(map[string]bool)
}

func (m *Manager) sweep() {
	m.sweepTimeouts()
	m.sweepDependencyFailures()
}

func (m *Manager) sweepTimeouts() {
	now := time.Now()
	for _, t := range m.graph.All() {
		if t.Status != graph.StatusRunning || t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) <= m.cfg.TaskTimeoutMs {
			continue
		}

		m.mu.Lock()
		if m.handled[t.ID] {
			m.mu.Unlock()
			continue
		}
		m.handled[t.ID] = true
		m.mu.Unlock()

		m.handleTimeout(t)
	}
}

func (m *Manager) handleTimeout(t *graph.Task) {
	ctx := context.Background()

	if t.Retries < t.MaxRetries {
		updated, err := m.graph.TimeoutRetry(t.ID, "timeout")
		if err != nil {
			m.log.Warn("timeout retry failed", "task_id", t.ID, "error", err)
			return
		}
		m.bus.Emit(eventbus.Event{Kind: eventbus.KindTimeoutDetected, TaskID: t.ID, Data: map[string]any{"action": "retry", "retries": updated.Retries}})
		m.invokeOnTimeout(t, "retry")
		return
	}

	if m.cfg.EnableDLQ && m.dlq != nil {
		if _, err := m.dlq.AddEntry(ctx, t.ID, t.Name, nil, "timeout", t.Retries); err != nil {
			m.log.Warn("dlq enqueue failed", "task_id", t.ID, "error", err)
		}
		if _, err := m.graph.FailTask(t.ID, "timeout - routed to dead-letter queue"); err != nil {
			m.log.Warn("fail task failed", "task_id", t.ID, "error", err)
		}
		m.bus.Emit(eventbus.Event{Kind: eventbus.KindTimeoutDetected, TaskID: t.ID, Data: map[string]any{"action": "dlq"}})
		m.invokeOnTimeout(t, "dlq")
		if m.cb.OnDLQ != nil {
			m.cb.OnDLQ(t)
		}
		return
	}

	if _, err := m.graph.FailTask(t.ID, "cancelled by timeout"); err != nil {
		m.log.Warn("fail task failed", "task_id", t.ID, "error", err)
	}
	m.bus.Emit(eventbus.Event{Kind: eventbus.KindTimeoutDetected, TaskID: t.ID, Data: map[string]any{"action": "cancel"}})
	m.invokeOnTimeout(t, "cancel")
}

func (m *Manager) invokeOnTimeout(t *graph.Task, action string) {
	if m.cb.OnTimeout != nil {
		m.cb.OnTimeout(t, action)
	}
}

// sweepDependencyFailures is advisory only: it never mutates task state
// (that is Graph.MarkBlocked's job), it only reports.
func (m *Manager) sweepDependencyFailures() {
	for _, t := range m.graph.All() {
		if t.Status != graph.StatusPending && t.Status != graph.StatusBlocked {
			continue
		}
		for _, depID := range t.Dependencies {
			dep, ok := m.graph.Get(depID)
			if !ok || dep.Status != graph.StatusFailed {
				continue
			}
			m.bus.Emit(eventbus.Event{Kind: eventbus.KindDependencyFailed, TaskID: t.ID, Data: map[string]any{"failed_dependency": depID}})
			if m.cb.OnDependencyFailed != nil {
				m.cb.OnDependencyFailed(t, depID)
			}
		}
	}
}
