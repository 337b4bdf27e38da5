// Package telemetry passively counts sync events for status surfaces. It
// observes the event bus and never influences the sync cycle.
package telemetry

import (
	"context"
	"sync"
	"time"

	enginesync "github.com/kimhsiao/recordnexus/internal/sync"
)

// Counters is a point-in-time snapshot of event counts.
type Counters struct {
	CyclesStarted     int64 `json:"cycles_started"`
	CyclesCompleted   int64 `json:"cycles_completed"`
	CyclesFailed      int64 `json:"cycles_failed"`
	OperationsQueued  int64 `json:"operations_queued"`
	OperationsRetried int64 `json:"operations_retried"`
	TerminalFailures  int64 `json:"terminal_failures"`
	Conflicts         int64 `json:"conflicts"`
	TombstonesExpired int64 `json:"tombstones_expired"`

	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

// Collector accumulates counters from a sync event stream.
type Collector struct {
	mu       sync.Mutex
	counters Counters
}

// NewCollector creates a Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Run consumes events until the context is cancelled or the stream closes.
func (c *Collector) Run(ctx context.Context, events <-chan enginesync.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.record(evt)
		}
	}
}

func (c *Collector) record(evt enginesync.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt.Kind {
	case enginesync.EventCycleStarted:
		c.counters.CyclesStarted++
	case enginesync.EventCycleCompleted:
		c.counters.CyclesCompleted++
	case enginesync.EventCycleFailed:
		c.counters.CyclesFailed++
	case enginesync.EventOperationQueued:
		c.counters.OperationsQueued++
	case enginesync.EventOperationRetried:
		c.counters.OperationsRetried++
	case enginesync.EventOperationFailedTerminal:
		c.counters.TerminalFailures++
	case enginesync.EventConflictDetected:
		c.counters.Conflicts++
	case enginesync.EventTombstoneExpired:
		c.counters.TombstonesExpired++
	}
	c.counters.LastEventAt = evt.Time
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}
