// Package dlq implements the Dead-Letter Queue (spec §4.5): a durable
// parking lot for permanently failed work, gated behind a manual
// intervention threshold, with retry/requeue/discard resolution actions.
// Entries are persisted one-blob-per-entry through the store.Store port,
// the same pattern the reference service's persistence.go uses for its
// bucketExecutions records.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/swarmguard/taskengine/internal/core/resilience"
	"github.com/swarmguard/taskengine/internal/core/store"
)

const (
	defaultMaxRetries            = 3
	defaultInterventionThreshold = 3
	healthyMaxEntries            = 1000
	healthyMaxEntryAge           = 7 * 24 * time.Hour
)

// Config holds the DLQ's tunables (spec §6).
type Config struct {
	MaxRetries            int
	InterventionThreshold int
}

// WithDefaults fills zero-valued fields with their defaults.
func (c Config) WithDefaults() Config {
	out := c
	if out.MaxRetries <= 0 {
		out.MaxRetries = defaultMaxRetries
	}
	if out.InterventionThreshold <= 0 {
		out.InterventionThreshold = defaultInterventionThreshold
	}
	return out
}

// ResolutionAction is the action resolve() takes against a DLQ entry.
type ResolutionAction string

const (
	ActionRetry   ResolutionAction = "retry"
	ActionRequeue ResolutionAction = "requeue"
	ActionDiscard ResolutionAction = "discard"
)

// Resolution describes how a DLQ entry should be resolved.
type Resolution struct {
	Action      ResolutionAction
	Delay       time.Duration
	TargetQueue string
}

// Entry is a quarantined unit of permanently (so far) failed work.
type Entry struct {
	ID                         string    `json:"id"`
	OriginalTaskID             string    `json:"original_task_id"`
	Name                       string    `json:"name"`
	Payload                    []byte    `json:"payload,omitempty"`
	Error                      string    `json:"error"`
	FailedAt                   time.Time `json:"failed_at"`
	RetryCount                 int       `json:"retry_count"`
	MaxRetries                 int       `json:"max_retries"`
	ManualInterventionRequired bool      `json:"manual_intervention_required"`
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// Requeuer is invoked by resolve for the retry and requeue actions; the
// DLQ itself has no notion of "the originating queue" (it is an opaque
// port per spec §4.5), so the caller supplies how re-dispatch actually
// happens.
type Requeuer func(ctx context.Context, entry *Entry, targetQueue string, delay time.Duration) error

// DeadLetterQueue is the durable quarantine store.
type DeadLetterQueue struct {
	backing store.Store
	cfg     Config
	limiter *resilience.RateLimiter
	requeue Requeuer

	mu      sync.Mutex
	byID    map[string]*Entry
	order   []string
}

// New constructs a DeadLetterQueue backed by backing. limiter gates
// RetryAllAutoRetryable; requeue performs the actual re-dispatch for
// retry/requeue resolutions and may be nil (resolve then only removes
// the entry, a no-op redispatch).
func New(backing store.Store, cfg Config, limiter *resilience.RateLimiter, requeue Requeuer) *DeadLetterQueue {
	return &DeadLetterQueue{
		backing: backing,
		cfg:     cfg.WithDefaults(),
		limiter: limiter,
		requeue: requeue,
		byID:    make(map[string]*Entry),
	}
}

// LoadFromStore repopulates the in-memory index from backing, ordering
// entries by FailedAt so pagination behaves sensibly after a restart
// (store keys are random ids and carry no chronological meaning).
func (d *DeadLetterQueue) LoadFromStore(ctx context.Context) error {
	keys, err := d.backing.List(ctx, "")
	if err != nil {
		return fmt.Errorf("dlq: list entries: %w", err)
	}

	var loaded []*Entry
	for _, key := range keys {
		raw, found, err := d.backing.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		loaded = append(loaded, &e)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].FailedAt.Before(loaded[j].FailedAt) })

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID = make(map[string]*Entry, len(loaded))
	d.order = make([]string, 0, len(loaded))
	for _, e := range loaded {
		d.byID[e.ID] = e
		d.order = append(d.order, e.ID)
	}
	return nil
}

// AddEntry creates and persists a new DLQ entry.
func (d *DeadLetterQueue) AddEntry(ctx context.Context, originalTaskID, name string, payload []byte, errMsg string, retryCount int) (string, error) {
	entry := &Entry{
		ID:                         uuid.NewString(),
		OriginalTaskID:             originalTaskID,
		Name:                       name,
		Payload:                    payload,
		Error:                      errMsg,
		FailedAt:                   time.Now(),
		RetryCount:                 retryCount,
		MaxRetries:                 d.cfg.MaxRetries,
		ManualInterventionRequired: retryCount >= d.cfg.InterventionThreshold,
	}

	if err := d.persist(ctx, entry); err != nil {
		return "", err
	}

	d.mu.Lock()
	d.byID[entry.ID] = entry
	d.order = append(d.order, entry.ID)
	d.mu.Unlock()

	return entry.ID, nil
}

func (d *DeadLetterQueue) persist(ctx context.Context, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlq: marshal entry: %w", err)
	}
	if err := d.backing.Put(ctx, entry.ID, raw); err != nil {
		return fmt.Errorf("dlq: persist entry: %w", err)
	}
	return nil
}

// Entries returns up to limit entries starting at offset, in insertion
// order.
func (d *DeadLetterQueue) Entries(limit, offset int) []*Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.page(d.order, limit, offset)
}

// EntriesRequiringIntervention returns up to limit entries flagged for
// manual intervention, in insertion order.
func (d *DeadLetterQueue) EntriesRequiringIntervention(limit int) []*Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, id := range d.order {
		if d.byID[id].ManualInterventionRequired {
			ids = append(ids, id)
		}
	}
	return d.page(ids, limit, 0)
}

func (d *DeadLetterQueue) page(ids []string, limit, offset int) []*Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(ids) {
		return nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*Entry, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, d.byID[id].clone())
	}
	return out
}

// Resolve applies resolution to entryID: retry/requeue invoke the
// configured Requeuer then remove the entry; discard simply removes it.
// Returns false if entryID is unknown.
func (d *DeadLetterQueue) Resolve(ctx context.Context, entryID string, resolution Resolution) (bool, error) {
	d.mu.Lock()
	entry, ok := d.byID[entryID]
	d.mu.Unlock()
	if !ok {
		return false, nil
	}

	switch resolution.Action {
	case ActionRetry:
		if d.requeue != nil {
			if err := d.requeue(ctx, entry, "", resolution.Delay); err != nil {
				return false, err
			}
		}
	case ActionRequeue:
		target := resolution.TargetQueue
		if d.requeue != nil {
			if err := d.requeue(ctx, entry, target, 0); err != nil {
				return false, err
			}
		}
	case ActionDiscard:
		// no redispatch
	}

	if err := d.backing.Delete(ctx, entryID); err != nil {
		return false, fmt.Errorf("dlq: delete entry: %w", err)
	}

	d.mu.Lock()
	delete(d.byID, entryID)
	for i, id := range d.order {
		if id == entryID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	return true, nil
}

// RetryAllAutoRetryable resolves every entry that does not require manual
// intervention with action retry, rate-limited so a large backlog cannot
// stampede the originating executors. Returns the count resolved.
func (d *DeadLetterQueue) RetryAllAutoRetryable(ctx context.Context) (int, error) {
	d.mu.Lock()
	candidates := make([]string, 0, len(d.order))
	for _, id := range d.order {
		if !d.byID[id].ManualInterventionRequired {
			candidates = append(candidates, id)
		}
	}
	d.mu.Unlock()

	resolved := 0
	for _, id := range candidates {
		if d.limiter != nil && !d.limiter.Allow() {
			continue
		}
		ok, err := d.Resolve(ctx, id, Resolution{Action: ActionRetry})
		if err != nil {
			return resolved, err
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

// Stats summarizes the queue's current health.
type Stats struct {
	Total               int
	PendingIntervention int
	OldestEntryAgeMs    time.Duration
}

// Stats computes the current DLQ stats snapshot.
func (d *DeadLetterQueue) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s Stats
	s.Total = len(d.order)
	var oldest time.Time
	for _, id := range d.order {
		e := d.byID[id]
		if e.ManualInterventionRequired {
			s.PendingIntervention++
		}
		if oldest.IsZero() || e.FailedAt.Before(oldest) {
			oldest = e.FailedAt
		}
	}
	if !oldest.IsZero() {
		s.OldestEntryAgeMs = time.Since(oldest)
	}
	return s
}

// IsHealthy reports whether the queue is within its operational bounds.
func (d *DeadLetterQueue) IsHealthy() bool {
	s := d.Stats()
	return s.Total < healthyMaxEntries && s.OldestEntryAgeMs < healthyMaxEntryAge
}

// Clear removes every entry (an administrative operation).
func (d *DeadLetterQueue) Clear(ctx context.Context) error {
	d.mu.Lock()
	ids := append([]string(nil), d.order...)
	d.mu.Unlock()

	for _, id := range ids {
		if err := d.backing.Delete(ctx, id); err != nil {
			return fmt.Errorf("dlq: clear entry %s: %w", id, err)
		}
	}

	d.mu.Lock()
	d.byID = make(map[string]*Entry)
	d.order = nil
	d.mu.Unlock()
	return nil
}
