// Package guardian implements the Guardian (spec §4.4): a periodic,
// read-only health sweep over the Task Graph that reports starved
// PENDING tasks and wedged RUNNING tasks via advisory callbacks. Unlike
// the Timeout Manager, the Guardian never mutates task state — it only
// observes and reports, the same separation of concerns the reference
// service draws between its cancellation sweep (which acts) and metrics
// collection (which only reports, see cancellation.go's GetMetrics).
package guardian

import (
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/taskengine/internal/core/eventbus"
	"github.com/swarmguard/taskengine/internal/core/graph"
	"github.com/swarmguard/taskengine/internal/core/ticker"
)

const (
	defaultCheckInterval  = 5000 * time.Millisecond
	defaultMaxPendingAge  = 60000 * time.Millisecond
	defaultMaxRunningAge  = 300000 * time.Millisecond
)

// Config holds the Guardian's tunables (spec §6).
type Config struct {
	CheckIntervalMs  time.Duration
	MaxPendingAgeMs  time.Duration
	MaxRunningAgeMs  time.Duration
}

// WithDefaults coerces non-positive durations to their defaults.
func (c Config) WithDefaults() Config {
	out := c
	if out.CheckIntervalMs <= 0 {
		out.CheckIntervalMs = defaultCheckInterval
	}
	if out.MaxPendingAgeMs <= 0 {
		out.MaxPendingAgeMs = defaultMaxPendingAge
	}
	if out.MaxRunningAgeMs <= 0 {
		out.MaxRunningAgeMs = defaultMaxRunningAge
	}
	return out
}

// CheckSummary is passed to Callbacks.OnCheck after every sweep.
type CheckSummary struct {
	Timestamp    time.Time
	PendingCount int
	RunningCount int
	StuckCount   int
	TotalCount   int
}

// Callbacks are the Guardian's advisory hooks. Any nil callback is
// skipped.
type Callbacks struct {
	OnPendingTimeout func(task *graph.Task)
	OnTaskTimeout    func(task *graph.Task)
	OnTaskStuck      func(task *graph.Task)
	OnCheck          func(summary CheckSummary)
}

// Stats are cumulative counters incremented across every sweep.
type Stats struct {
	CheckCount             int64
	PendingTimeoutsDetected int64
	StuckTasksDetected     int64
}

// Guardian runs the periodic health sweep.
type Guardian struct {
	graph *graph.Graph
	bus   *eventbus.Bus
	cfg   Config
	cb    Callbacks
	log   *slog.Logger

	mu    sync.Mutex
	stats Stats
	t     ticker.Ticker
}

// New constructs a Guardian.
func New(g *graph.Graph, bus *eventbus.Bus, cfg Config, cb Callbacks, log *slog.Logger) *Guardian {
	if log == nil {
		log = slog.Default()
	}
	return &Guardian{graph: g, bus: bus, cfg: cfg.WithDefaults(), cb: cb, log: log}
}

// Start begins the periodic sweep. Idempotent.
func (gd *Guardian) Start() {
	gd.mu.Lock()
	defer gd.mu.Unlock()
	if gd.t != nil {
		gd.t.Stop()
	}
	gd.t = ticker.New(gd.cfg.CheckIntervalMs, defaultCheckInterval, gd.sweep)
}

// Stop halts the sweep. Idempotent.
func (gd *Guardian) Stop() {
	gd.mu.Lock()
	defer gd.mu.Unlock()
	if gd.t != nil {
		gd.t.Stop()
		gd.t = nil
	}
}

// Snapshot returns a copy of the cumulative stats counters.
func (gd *Guardian) Snapshot() Stats {
	gd.mu.Lock()
	defer gd.mu.Unlock()
	return gd.stats
}

func (gd *Guardian) sweep() {
	now := time.Now()
	tasks := gd.graph.All()

	summary := CheckSummary{Timestamp: now, TotalCount: len(tasks)}

	for _, t := range tasks {
		switch t.Status {
		case graph.StatusPending:
			summary.PendingCount++
			if now.Sub(t.CreatedAt) > gd.cfg.MaxPendingAgeMs {
				gd.recordPendingTimeout()
				if gd.cb.OnPendingTimeout != nil {
					gd.cb.OnPendingTimeout(t)
				}
				if gd.cb.OnTaskTimeout != nil {
					gd.cb.OnTaskTimeout(t)
				}
				gd.bus.Emit(eventbus.Event{Kind: eventbus.KindPendingTimeout, TaskID: t.ID})
			}
		case graph.StatusRunning:
			summary.RunningCount++
			if t.StartedAt != nil && now.Sub(*t.StartedAt) > gd.cfg.MaxRunningAgeMs {
				summary.StuckCount++
				gd.recordStuck()
				if gd.cb.OnTaskStuck != nil {
					gd.cb.OnTaskStuck(t)
				}
				gd.bus.Emit(eventbus.Event{Kind: eventbus.KindTaskStuck, TaskID: t.ID})
			}
		}
	}

	gd.mu.Lock()
	gd.stats.CheckCount++
	gd.mu.Unlock()

	if gd.cb.OnCheck != nil {
		gd.cb.OnCheck(summary)
	}
	gd.bus.Emit(eventbus.Event{Kind: eventbus.KindGuardianCheck, Data: map[string]any{
		"pending": summary.PendingCount,
		"running": summary.RunningCount,
		"stuck":   summary.StuckCount,
		"total":   summary.TotalCount,
	}})
}

func (gd *Guardian) recordPendingTimeout() {
	gd.mu.Lock()
	gd.stats.PendingTimeoutsDetected++
	gd.mu.Unlock()
}

func (gd *Guardian) recordStuck() {
	gd.mu.Lock()
	gd.stats.StuckTasksDetected++
	gd.mu.Unlock()
}
