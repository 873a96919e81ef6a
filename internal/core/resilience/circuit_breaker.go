// Package resilience provides the engine's guardrails: an adaptive circuit
// breaker (used by the Scheduler per executor), a generic retry helper
// (used by the BoltDB store), and two rate limiters (RateLimiter gates the
// DLQ's bulk retry). Adapted from the reference service's
// libs/go/core/resilience package.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// CircuitBreaker opens when the failure rate over a rolling window crosses
// an (optionally adaptive) threshold, and recovers through a bounded number
// of half-open probes. The Scheduler keeps one breaker per registered
// executor id so a wedged executor stops being dispatched to at all.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int

	openTransitions metric.Int64Counter
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker constructs an adaptive breaker over a rolling window of
// the given size split into buckets, tripping when the failure rate over
// minSamples reaches failureRateOpen, cooling down for halfOpenAfter before
// allowing maxHalfOpenProbes trial requests.
func NewCircuitBreaker(meter metric.Meter, windowSize time.Duration, buckets, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	openTransitions, _ := meter.Int64Counter("taskengine_circuit_open_total")
	rate := math.Min(math.Max(failureRateOpen, 0), 1)
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   rate,
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		adaptive:          true,
		minAdaptiveOpen:   math.Min(math.Max(rate*0.5, 0.05), rate),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(rate*1.5, rate)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  rate,
		openTransitions:   openTransitions,
	}
}

// Allow reports whether the next dispatch to this executor should proceed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 1 // this call is the first probe
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records a dispatch outcome and updates breaker state.
func (c *CircuitBreaker) RecordResult(ctx context.Context, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		if total, failures := c.window.stats(); total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen(ctx)
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen(ctx)
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
		// Allow() owns the open->half-open timing transition.
	}
}

func (c *CircuitBreaker) transitionToOpen(ctx context.Context) {
	c.state = stateOpen
	c.openedAt = time.Now()
	if c.openTransitions != nil {
		c.openTransitions.Add(ctx, 1)
	}
}

func (c *CircuitBreaker) reset() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
}

// slidingWindow tracks success/failure counts in fixed-size time buckets.
type slidingWindow struct {
	interval time.Duration
	buckets  int
	data     []bucket
}

type bucket struct {
	success, fail int
	epoch         int64 // time slot the counts belong to
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		interval: size / time.Duration(buckets),
		buckets:  buckets,
		data:     make([]bucket, buckets),
	}
}

func (w *slidingWindow) slot(now time.Time) int64 {
	return now.UnixNano() / w.interval.Nanoseconds()
}

func (w *slidingWindow) add(success bool) {
	slot := w.slot(time.Now())
	idx := int(slot % int64(w.buckets))
	if w.data[idx].epoch != slot {
		w.data[idx] = bucket{epoch: slot}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	cur := w.slot(time.Now())
	for _, b := range w.data {
		if cur-b.epoch >= int64(w.buckets) {
			continue // older than the window
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
