// Package state implements the State Manager (spec §4.6): per-task
// progress snapshots with periodic autosave and crash recovery. Each
// task's snapshot is a single JSON blob keyed by taskId in the
// persistence port, mirroring the one-blob-per-record layout the
// reference service's persistence.go uses for bucketExecutions.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/swarmguard/taskengine/internal/core/store"
	"github.com/swarmguard/taskengine/internal/core/ticker"
)

const defaultAutoSaveInterval = 30 * time.Second

// Status mirrors the Task Graph's status vocabulary for the subset a
// snapshot can be in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Snapshot is a task's durable progress record.
type Snapshot struct {
	TaskID         string         `json:"task_id"`
	Name           string         `json:"name"`
	Status         Status         `json:"status"`
	Progress       int            `json:"progress"`
	CurrentStep    string         `json:"current_step,omitempty"`
	CompletedSteps []string       `json:"completed_steps"`
	Result         any            `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.CompletedSteps = append([]string(nil), s.CompletedSteps...)
	if s.StartedAt != nil {
		v := *s.StartedAt
		c.StartedAt = &v
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Patch is a partial update applied by Update. Nil fields are left
// untouched.
type Patch struct {
	Status      *Status
	Progress    *int
	CurrentStep *string
	Result      any
	Error       *string
	Metadata    map[string]any
}

// Config holds the State Manager's tunables (spec §6).
type Config struct {
	AutoSaveInterval time.Duration
	// MaxSnapshotsPerTask exists for configuration-surface parity with
	// the reference service's versioned snapshot history; this
	// implementation keeps exactly one current snapshot per task
	// (spec §4.6's "one blob per task"), so the field is accepted but
	// not consulted.
	MaxSnapshotsPerTask int
}

// WithDefaults fills zero-valued fields with their defaults.
func (c Config) WithDefaults() Config {
	out := c
	if out.AutoSaveInterval <= 0 {
		out.AutoSaveInterval = defaultAutoSaveInterval
	}
	return out
}

// Manager maintains in-memory snapshots with autosave to a backing
// store.Store.
type Manager struct {
	backing store.Store
	cfg     Config

	mu        sync.Mutex
	snapshots map[string]*Snapshot
	autosave  map[string]ticker.Ticker
}

// New constructs a Manager backed by backing.
func New(backing store.Store, cfg Config) *Manager {
	return &Manager{
		backing:   backing,
		cfg:       cfg.WithDefaults(),
		snapshots: make(map[string]*Snapshot),
		autosave:  make(map[string]ticker.Ticker),
	}
}

// Create builds and persists the initial snapshot for taskId, starting
// its autosave timer.
func (m *Manager) Create(ctx context.Context, taskID, name string, metadata map[string]any) (*Snapshot, error) {
	snap := &Snapshot{
		TaskID:         taskID,
		Name:           name,
		Status:         StatusPending,
		Progress:       0,
		CompletedSteps: []string{},
		Metadata:       metadata,
		UpdatedAt:      time.Now(),
	}

	m.mu.Lock()
	m.snapshots[taskID] = snap
	m.mu.Unlock()

	if err := m.save(ctx, taskID); err != nil {
		return nil, err
	}
	m.startAutosave(taskID)
	return snap.clone(), nil
}

// Update merges patch into taskId's in-memory snapshot and persists it.
// Applying an identical {status, progress} patch twice is a no-op except
// for UpdatedAt (spec §8 idempotence law).
func (m *Manager) Update(ctx context.Context, taskID string, patch Patch) (*Snapshot, error) {
	m.mu.Lock()
	snap, ok := m.snapshots[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}

	if patch.Status != nil {
		snap.Status = *patch.Status
	}
	if patch.Progress != nil {
		snap.Progress = *patch.Progress
	}
	if patch.CurrentStep != nil {
		snap.CurrentStep = *patch.CurrentStep
		if !containsStep(snap.CompletedSteps, *patch.CurrentStep) {
			snap.CompletedSteps = append(snap.CompletedSteps, *patch.CurrentStep)
		}
	}
	if patch.Result != nil {
		snap.Result = patch.Result
	}
	if patch.Error != nil {
		snap.Error = *patch.Error
	}
	for k, v := range patch.Metadata {
		if snap.Metadata == nil {
			snap.Metadata = make(map[string]any)
		}
		snap.Metadata[k] = v
	}
	snap.UpdatedAt = time.Now()
	out := snap.clone()
	m.mu.Unlock()

	if err := m.save(ctx, taskID); err != nil {
		return nil, err
	}
	return out, nil
}

func containsStep(steps []string, step string) bool {
	for _, s := range steps {
		if s == step {
			return true
		}
	}
	return false
}

// MarkRunning transitions taskId to RUNNING, recording startedAt.
func (m *Manager) MarkRunning(ctx context.Context, taskID string) (*Snapshot, error) {
	now := time.Now()
	m.mu.Lock()
	if snap, ok := m.snapshots[taskID]; ok {
		snap.StartedAt = &now
	}
	m.mu.Unlock()
	status := StatusRunning
	return m.Update(ctx, taskID, Patch{Status: &status})
}

// MarkCompleted transitions taskId to COMPLETED, stopping its autosave
// timer and performing one final flush.
func (m *Manager) MarkCompleted(ctx context.Context, taskID string, result any) (*Snapshot, error) {
	status := StatusCompleted
	progress := 100
	snap, err := m.Update(ctx, taskID, Patch{Status: &status, Progress: &progress, Result: result})
	m.stopAutosave(taskID)
	if err := m.save(ctx, taskID); err != nil {
		return nil, err
	}
	return snap, err
}

// MarkFailed transitions taskId to FAILED, stopping its autosave timer
// and performing one final flush.
func (m *Manager) MarkFailed(ctx context.Context, taskID string, errMsg string) (*Snapshot, error) {
	status := StatusFailed
	snap, err := m.Update(ctx, taskID, Patch{Status: &status, Error: &errMsg})
	m.stopAutosave(taskID)
	if err := m.save(ctx, taskID); err != nil {
		return nil, err
	}
	return snap, err
}

func (m *Manager) startAutosave(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.autosave[taskID]; ok {
		return
	}
	m.autosave[taskID] = ticker.New(m.cfg.AutoSaveInterval, defaultAutoSaveInterval, func() {
		_ = m.save(context.Background(), taskID)
	})
}

func (m *Manager) stopAutosave(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.autosave[taskID]; ok {
		t.Stop()
		delete(m.autosave, taskID)
	}
}

// save writes taskId's current in-memory snapshot to the backing store.
// Write failures are logged by the caller's choosing and never fatal —
// the in-memory view stays authoritative (spec §4.6).
func (m *Manager) save(ctx context.Context, taskID string) error {
	m.mu.Lock()
	snap, ok := m.snapshots[taskID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	clone := snap.clone()
	m.mu.Unlock()

	raw, err := json.Marshal(clone)
	if err != nil {
		return fmt.Errorf("state: marshal snapshot %s: %w", taskID, err)
	}
	return m.backing.Put(ctx, taskID, raw)
}

// Recoverable loads every persisted snapshot whose status is PENDING or
// RUNNING, for use at startup.
func (m *Manager) Recoverable(ctx context.Context) ([]*Snapshot, error) {
	keys, err := m.backing.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("state: list snapshots: %w", err)
	}

	var out []*Snapshot
	for _, key := range keys {
		raw, found, err := m.backing.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			continue
		}
		if snap.Status == StatusPending || snap.Status == StatusRunning {
			out = append(out, snap.clone())

			m.mu.Lock()
			m.snapshots[snap.TaskID] = &snap
			m.mu.Unlock()
		}
	}
	return out, nil
}

// Recover transitions a RUNNING snapshot back to PENDING, preserving
// progress and completedSteps, so the scheduler redispatches it.
// COMPLETED/FAILED snapshots are returned unchanged.
func (m *Manager) Recover(ctx context.Context, taskID string) (*Snapshot, error) {
	m.mu.Lock()
	snap, ok := m.snapshots[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	if snap.Status != StatusRunning {
		out := snap.clone()
		m.mu.Unlock()
		return out, nil
	}
	snap.Status = StatusPending
	snap.UpdatedAt = time.Now()
	out := snap.clone()
	m.mu.Unlock()

	if err := m.save(ctx, taskID); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the in-memory snapshot for taskId, if present.
func (m *Manager) Get(taskID string) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[taskID]
	if !ok {
		return nil, false
	}
	return snap.clone(), true
}

// Shutdown stops every running autosave timer. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.autosave {
		t.Stop()
		delete(m.autosave, id)
	}
}
