// Package scheduler drives the sync engine: periodic cycles, manual
// triggers, connectivity-change triggers, and the independent tombstone
// retention sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/recordnexus/internal/logging"
	enginesync "github.com/kimhsiao/recordnexus/internal/sync"
)

// Engine is the scheduler's view of the sync orchestrator.
type Engine interface {
	RunCycle(ctx context.Context) (*enginesync.CycleResult, error)
	RunCycleIfChanged(ctx context.Context) (*enginesync.CycleResult, error)
	CleanupTombstones() (int, error)
}

// Config holds scheduler configuration.
type Config struct {
	Interval        time.Duration // periodic cycle cadence
	CleanupInterval time.Duration // tombstone retention sweep cadence
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:        5 * time.Minute,
		CleanupInterval: 24 * time.Hour,
	}
}

// Scheduler runs the engine on a timetable. Periodic ticks use the cheap
// changed-only cycle; manual and connectivity triggers force a full one.
type Scheduler struct {
	cfg    *Config
	engine Engine

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	online  bool
	started bool
}

// New creates a Scheduler.
func New(cfg *Config, engine Engine) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cfg:     cfg,
		engine:  engine,
		trigger: make(chan struct{}, 1),
		online:  true,
	}
}

// Start launches the scheduler loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
}

// TriggerSync requests an immediate full cycle. Requests arriving while one
// is already pending coalesce.
func (s *Scheduler) TriggerSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// SetOnlineStatus records connectivity changes. An offline-to-online
// transition triggers an immediate cycle to flush whatever queued while
// disconnected.
func (s *Scheduler) SetOnlineStatus(online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	if online && !wasOnline {
		logging.Info("Back online, triggering sync", nil)
		s.TriggerSync()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.trigger:
			if _, err := s.engine.RunCycle(ctx); err != nil {
				logging.Error("Triggered sync cycle failed", err, nil)
			}

		case <-ticker.C:
			if _, err := s.engine.RunCycleIfChanged(ctx); err != nil {
				logging.Error("Periodic sync cycle failed", err, nil)
			}

		case <-cleanup.C:
			if removed, err := s.engine.CleanupTombstones(); err != nil {
				logging.Error("Tombstone cleanup failed", err, nil)
			} else if removed > 0 {
				logging.Info("Tombstone cleanup finished",
					map[string]interface{}{"removed": removed})
			}
		}
	}
}
