// Package sync tests for the event bus.
package sync

import "testing"

// TestEventBusFanOut verifies every subscriber receives published events.
func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(EventCycleStarted, "id-1", "started")

	for _, ch := range []<-chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Kind != EventCycleStarted || evt.SyncID != "id-1" {
				t.Errorf("event = %+v, want cycle_started for id-1", evt)
			}
		default:
			t.Error("subscriber did not receive the event")
		}
	}
}

// TestEventBusNeverBlocks verifies a saturated subscriber drops events
// instead of stalling the publisher.
func TestEventBusNeverBlocks(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()

	// Overrun the buffer; Publish must return regardless.
	for i := 0; i < 200; i++ {
		bus.Publish(EventOperationQueued, "id", "queued")
	}

	if len(ch) != cap(ch) {
		t.Errorf("buffered = %d, want full buffer %d", len(ch), cap(ch))
	}
}

// TestEventBusClose verifies subscriber channels close.
func TestEventBusClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}
