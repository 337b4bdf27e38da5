// Package scheduler tests for the sync timetable.
package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	enginesync "github.com/kimhsiao/recordnexus/internal/sync"
)

// fakeEngine counts invocations.
type fakeEngine struct {
	full     atomic.Int64
	changed  atomic.Int64
	cleanups atomic.Int64
}

func (f *fakeEngine) RunCycle(ctx context.Context) (*enginesync.CycleResult, error) {
	f.full.Add(1)
	return &enginesync.CycleResult{}, nil
}

func (f *fakeEngine) RunCycleIfChanged(ctx context.Context) (*enginesync.CycleResult, error) {
	f.changed.Add(1)
	return &enginesync.CycleResult{Skipped: true}, nil
}

func (f *fakeEngine) CleanupTombstones() (int, error) {
	f.cleanups.Add(1)
	return 0, nil
}

// TestTriggerSync verifies a manual trigger runs a full cycle.
func TestTriggerSync(t *testing.T) {
	engine := &fakeEngine{}
	s := New(&Config{Interval: time.Hour, CleanupInterval: time.Hour}, engine)

	s.Start(context.Background())
	defer s.Stop()

	s.TriggerSync()

	deadline := time.After(time.Second)
	for engine.full.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("triggered cycle never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestPeriodicUsesChangedCycle verifies timer ticks take the cheap path.
func TestPeriodicUsesChangedCycle(t *testing.T) {
	engine := &fakeEngine{}
	s := New(&Config{Interval: 10 * time.Millisecond, CleanupInterval: time.Hour}, engine)

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(time.Second)
	for engine.changed.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("periodic cycles never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if engine.full.Load() != 0 {
		t.Error("periodic ticks must not run full cycles")
	}
}

// TestOnlineTransitionTriggers verifies offline-to-online flushes the queue.
func TestOnlineTransitionTriggers(t *testing.T) {
	engine := &fakeEngine{}
	s := New(&Config{Interval: time.Hour, CleanupInterval: time.Hour}, engine)

	s.Start(context.Background())
	defer s.Stop()

	s.SetOnlineStatus(false)
	s.SetOnlineStatus(true)

	deadline := time.After(time.Second)
	for engine.full.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("online transition never triggered a cycle")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Staying online must not trigger again.
	before := engine.full.Load()
	s.SetOnlineStatus(true)
	time.Sleep(20 * time.Millisecond)
	if engine.full.Load() != before {
		t.Error("repeated online status should not re-trigger")
	}
}

// TestStopIdempotent verifies Stop is safe to call twice.
func TestStopIdempotent(t *testing.T) {
	s := New(nil, &fakeEngine{})
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
