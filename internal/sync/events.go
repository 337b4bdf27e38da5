package sync

import (
	"sync"
	"time"

	"github.com/kimhsiao/recordnexus/internal/models"
)

// EventKind identifies a sync event.
type EventKind string

const (
	EventCycleStarted            EventKind = "cycle_started"
	EventCycleCompleted          EventKind = "cycle_completed"
	EventCycleFailed             EventKind = "cycle_failed"
	EventOperationQueued         EventKind = "operation_queued"
	EventOperationRetried        EventKind = "operation_retried"
	EventOperationFailedTerminal EventKind = "operation_failed_terminal"
	EventConflictDetected        EventKind = "conflict_detected"
	EventTombstoneExpired        EventKind = "tombstone_expired"
)

// Event is delivered to passive consumers (UI, telemetry).
type Event struct {
	Kind    EventKind   `json:"kind"`
	SyncID  models.UUID `json:"sync_id,omitempty"`
	Message string      `json:"message"`
	Time    time.Time   `json:"time"`
}

// EventBus fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events rather than stalling the sync
// cycle.
type EventBus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewEventBus creates an EventBus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a new consumer and returns its channel.
func (b *EventBus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 64)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber without blocking.
func (b *EventBus) Publish(kind EventKind, syncID models.UUID, message string) {
	evt := Event{
		Kind:    kind,
		SyncID:  syncID,
		Message: message,
		Time:    time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
