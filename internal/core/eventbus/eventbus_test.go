package eventbus

import (
	"testing"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	bus := New()
	var order []string
	bus.Subscribe(func(e Event) { order = append(order, "first") })
	bus.Subscribe(func(e Event) { order = append(order, "second") })

	bus.Emit(Event{Kind: KindTaskStarted, TaskID: "t1"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected handlers invoked in registration order, got %v", order)
	}
}

func TestEmitIsolatesPanickingSubscriber(t *testing.T) {
	bus := New()
	delivered := false
	bus.Subscribe(func(e Event) { panic("boom") })
	bus.Subscribe(func(e Event) { delivered = true })

	bus.Emit(Event{Kind: KindTaskCompleted, TaskID: "t1"})

	if !delivered {
		t.Fatal("expected second subscriber to still receive the event despite the first panicking")
	}
}

func TestEmitStampsTimestampWhenUnset(t *testing.T) {
	bus := New()
	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Emit(Event{Kind: KindTaskStarted, TaskID: "t1"})

	if got.Timestamp.IsZero() {
		t.Fatal("expected Emit to stamp a timestamp when none is set")
	}
}
