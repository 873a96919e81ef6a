// Package ticker provides the abstract periodic-tick port called for by
// spec §9's design notes ("model ad-hoc async timers as an abstract ticker
// port the sweepers consume, so tests can drive virtual time
// deterministically"). The production implementation schedules through a
// real cron engine (github.com/robfig/cron/v3), mirroring the reference
// service's own cron.New(cron.WithSeconds()) construction in scheduler.go.
package ticker

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Ticker is consumed by every periodic sweeper (Timeout Manager, Guardian,
// State Manager autosave, Checkpoint Service's periodic checkpointing).
// The callback given to New runs on every tick; Stop cancels future ticks
// and is idempotent.
type Ticker interface {
	Stop()
}

// New starts a Ticker that invokes fn every interval. A zero or negative
// interval coerces to def, matching the "coerce ≤0 to default" rule that
// applies to every interval-shaped config value in the spec (§6).
func New(interval, def time.Duration, fn func()) Ticker {
	if interval <= 0 {
		interval = def
	}
	return newCronTicker(interval, fn)
}

// cronTicker drives fn from a single-entry robfig/cron schedule expressed as
// "@every <interval>", giving every sweeper a real cron engine under the
// hood instead of a bespoke time.Ticker loop.
type cronTicker struct {
	mu      sync.Mutex
	c       *cron.Cron
	entryID cron.EntryID
	stopped bool
}

func newCronTicker(interval time.Duration, fn func()) *cronTicker {
	c := cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", interval)
	id, err := c.AddFunc(spec, fn)
	if err != nil {
		// interval is always a valid duration string, but guard defensively:
		// fall back to a 1-second cron tick rather than never firing.
		id, _ = c.AddFunc("@every 1s", fn)
	}
	c.Start()
	return &cronTicker{c: c, entryID: id}
}

func (t *cronTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.c.Remove(t.entryID)
	<-t.c.Stop().Done()
}

// Manual is a test double: Fire must be called explicitly to invoke the
// registered callback, letting tests drive sweepers deterministically
// without waiting on wall-clock time.
type Manual struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
	fires   int
}

// NewManual builds a Manual ticker bound to fn. It never fires on its own.
func NewManual(fn func()) *Manual {
	return &Manual{fn: fn}
}

// Fire invokes the bound callback once, unless Stop has been called.
func (m *Manual) Fire() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.fires++
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Fires reports how many times Fire has successfully invoked the callback.
func (m *Manual) Fires() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fires
}

func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}
