// Package eventbus implements the synchronous in-process fan-out described
// by spec §4.8: subscribers are invoked in registration order, and a
// subscriber panic or error never interrupts delivery to the rest — the bus
// is fire-and-forget, best-effort delivery, mirroring how the reference
// service isolates plugin/task failures from the rest of DAG execution.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies an event's type. See spec §4.8 for the canonical set.
type Kind string

const (
	KindTaskStarted        Kind = "task_started"
	KindTaskCompleted      Kind = "task_completed"
	KindTaskFailed         Kind = "task_failed"
	KindTaskBlocked        Kind = "task_blocked"
	KindTaskRetryScheduled Kind = "task_retry_scheduled"

	// Advisory events emitted by the Timeout Manager and Guardian.
	KindTimeoutDetected    Kind = "timeout_detected"
	KindDependencyFailed   Kind = "dependency_failed"
	KindPendingTimeout     Kind = "pending_timeout"
	KindTaskStuck          Kind = "task_stuck"
	KindGuardianCheck      Kind = "guardian_check"
)

// Event is the record delivered to every subscriber.
type Event struct {
	Kind      Kind
	TaskID    string
	Timestamp time.Time
	Data      map[string]any
}

// Handler receives delivered events. Handlers must not block indefinitely —
// the bus invokes them synchronously on the emitting goroutine.
type Handler func(Event)

// Bus is a synchronous, in-process event fan-out. The zero value is not
// usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler to receive every future Emit call, invoked in
// registration order alongside previously registered handlers.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Emit fans event out to every subscriber in registration order. A handler
// that panics is recovered and logged; it never prevents delivery to the
// remaining subscribers.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

func (b *Bus) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "kind", event.Kind, "task_id", event.TaskID, "recover", r)
		}
	}()
	h(event)
}
