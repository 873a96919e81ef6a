package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ErrRateLimitExceeded is returned by HybridRateLimiter.Wait when its queue
// is full.
var ErrRateLimitExceeded = errors.New("resilience: rate limit exceeded")

// HybridRateLimiter combines a token bucket (burst tolerance) with a leaky
// bucket (rate smoothing): Allow consumes a token if one is immediately
// available; Wait queues the caller for fair, rate-limited processing
// otherwise. It bounds dispatch rate, independent of the maxConcurrentTasks
// limit that bounds parallelism; the Scheduler does not construct or
// consult one.
type HybridRateLimiter struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	tokenMu    sync.Mutex

	queue    chan *queuedRequest
	leakRate time.Duration
	stopCh   chan struct{}
	workerWg sync.WaitGroup
	once     sync.Once

	allowed metric.Int64Counter
	denied  metric.Int64Counter
	queued  metric.Int64Counter
}

type queuedRequest struct {
	doneCh chan struct{}
}

// NewHybridRateLimiter creates a hybrid limiter with the given burst
// capacity and refill rate (tokens/second), a bounded wait queue, and a
// leak interval controlling how often one queued request is admitted.
func NewHybridRateLimiter(meter metric.Meter, burstCapacity int, refillRate float64, queueSize int, leakRate time.Duration) *HybridRateLimiter {
	allowed, _ := meter.Int64Counter("taskengine_ratelimit_allowed_total")
	denied, _ := meter.Int64Counter("taskengine_ratelimit_denied_total")
	queued, _ := meter.Int64Counter("taskengine_ratelimit_queued_total")

	rl := &HybridRateLimiter{
		tokens:     float64(burstCapacity),
		capacity:   float64(burstCapacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
		queue:      make(chan *queuedRequest, queueSize),
		leakRate:   leakRate,
		stopCh:     make(chan struct{}),
		allowed:    allowed,
		denied:     denied,
		queued:     queued,
	}
	rl.workerWg.Add(1)
	go rl.leakyBucketWorker()
	return rl
}

// Allow reports whether a token is immediately available, consuming it if so.
func (rl *HybridRateLimiter) Allow(ctx context.Context) bool {
	rl.refillTokens()

	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		if rl.allowed != nil {
			rl.allowed.Add(ctx, 1)
		}
		return true
	}
	return false
}

// Wait queues the caller until the leaky-bucket worker admits it, or
// returns ErrRateLimitExceeded if the queue is full.
func (rl *HybridRateLimiter) Wait(ctx context.Context) error {
	req := &queuedRequest{doneCh: make(chan struct{})}

	select {
	case rl.queue <- req:
		if rl.queued != nil {
			rl.queued.Add(ctx, 1)
		}
		select {
		case <-req.doneCh:
			if rl.allowed != nil {
				rl.allowed.Add(ctx, 1)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-rl.stopCh:
			return context.Canceled
		}
	default:
		if rl.denied != nil {
			rl.denied.Add(ctx, 1)
		}
		return ErrRateLimitExceeded
	}
}

// AllowOrWait consumes an immediately available token, falling back to Wait.
func (rl *HybridRateLimiter) AllowOrWait(ctx context.Context) error {
	if rl.Allow(ctx) {
		return nil
	}
	return rl.Wait(ctx)
}

func (rl *HybridRateLimiter) refillTokens() {
	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()
	now := time.Now()
	if elapsed := now.Sub(rl.lastRefill).Seconds(); elapsed > 0 {
		rl.tokens = minFloat(rl.capacity, rl.tokens+elapsed*rl.refillRate)
		rl.lastRefill = now
	}
}

func (rl *HybridRateLimiter) leakyBucketWorker() {
	defer rl.workerWg.Done()
	ticker := time.NewTicker(rl.leakRate)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case req := <-rl.queue:
				close(req.doneCh)
			default:
			}
		case <-rl.stopCh:
			return
		}
	}
}

// Stop gracefully shuts down the limiter's background worker. Idempotent.
func (rl *HybridRateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
	rl.workerWg.Wait()
}
