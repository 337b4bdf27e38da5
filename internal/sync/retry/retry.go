// Package retry wraps remote calls with bounded exponential backoff and a
// per-operation-kind circuit breaker.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/logging"
)

// Config holds retry coordinator configuration.
type Config struct {
	MaxAttempts      int           // retry ceiling, counting the first attempt
	BaseDelay        time.Duration // delay = BaseDelay * 2^attempt
	BreakerThreshold int           // consecutive failures before the breaker opens
	BreakerCooldown  time.Duration // how long an open breaker waits before half-opening
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:      5,
		BaseDelay:        time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Coordinator wraps remote calls with bounded retry and circuit breaking.
// Retryable errors are fully contained here; they only surface once the
// ceiling is exceeded, wrapped as MAX_RETRIES_EXCEEDED.
type Coordinator struct {
	cfg *Config

	mu       sync.Mutex
	breakers map[string]*breaker

	// NonRetryable exempts specific error kinds from retry. Version
	// conflicts, validation and integrity failures must not be retried.
	NonRetryable func(err error) bool

	// RefreshCredentials, when set, refreshes auth material after the
	// first AUTH_FAILED error within a call; the call is then retried
	// once. A second auth failure, or any auth failure with no refresher
	// wired, is terminal.
	RefreshCredentials func(ctx context.Context) error

	// OnRetry is invoked before each backoff delay.
	OnRetry func(kind string, attempt int, err error)

	// OnTerminal is invoked when the ceiling is exceeded, before the
	// terminal error is returned. Used to re-insert the operation into
	// the queue instead of dropping it.
	OnTerminal func(kind string, err error)
}

// NewCoordinator creates a Coordinator with the given configuration.
func NewCoordinator(cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		cfg:          cfg,
		breakers:     make(map[string]*breaker),
		NonRetryable: func(err error) bool { return !apperrors.Retryable(err) },
	}
}

// Do executes fn with bounded retry. kind scopes the circuit breaker, so
// repeated upload failures do not block deletes.
func (c *Coordinator) Do(ctx context.Context, kind string, fn func(ctx context.Context) error) error {
	br := c.breakerFor(kind)

	if err := br.allow(); err != nil {
		return err
	}

	attempt := 0
	authRefreshed := false
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.BaseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0

	operation := func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if apperrors.Is(err, apperrors.ErrAuth) {
			if authRefreshed || c.RefreshCredentials == nil {
				return struct{}{}, backoff.Permanent(err)
			}
			authRefreshed = true
			if rerr := c.RefreshCredentials(ctx); rerr != nil {
				logging.Warn("Credential refresh failed",
					map[string]interface{}{"kind": kind, "error": rerr.Error()})
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		if c.NonRetryable != nil && c.NonRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	notify := func(err error, delay time.Duration) {
		logging.Warn("Remote call failed, retrying",
			map[string]interface{}{
				"kind":     kind,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    err.Error(),
			})
		if c.OnRetry != nil {
			c.OnRetry(kind, attempt, err)
		}
		attempt++
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(notify),
	)

	if err == nil {
		br.recordSuccess()
		return nil
	}

	br.recordFailure()

	if c.NonRetryable != nil && c.NonRetryable(err) {
		// Surfaced immediately: conflict, validation, integrity and
		// exhausted-auth errors are handled by the caller, not retried.
		return err
	}

	terminal := apperrors.Wrap(apperrors.ErrMaxRetries, "retry ceiling exceeded", err)
	if c.OnTerminal != nil {
		c.OnTerminal(kind, terminal)
	}
	return terminal
}

func (c *Coordinator) breakerFor(kind string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.breakers[kind]
	if !ok {
		br = &breaker{
			threshold: c.cfg.BreakerThreshold,
			cooldown:  c.cfg.BreakerCooldown,
			kind:      kind,
		}
		c.breakers[kind] = br
	}
	return br
}

// BreakerState reports the breaker state for an operation kind, for status
// surfaces and tests.
func (c *Coordinator) BreakerState(kind string) string {
	return c.breakerFor(kind).state()
}

// breaker is a failure-counting guard per operation kind. Closed passes
// calls through; open rejects them until the cooldown elapses; half-open
// admits a single probe.
type breaker struct {
	mu            sync.Mutex
	kind          string
	threshold     int
	cooldown      time.Duration
	consecutive   int
	openedAt      time.Time
	open          bool
	halfOpen      bool
	probeInFlight bool
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}

	if time.Since(b.openedAt) < b.cooldown {
		return apperrors.New(apperrors.ErrCircuitOpen,
			"circuit breaker open for "+b.kind)
	}

	// Cooldown elapsed: half-open, admit one probe at a time.
	b.halfOpen = true
	if b.probeInFlight {
		return apperrors.New(apperrors.ErrCircuitOpen,
			"circuit breaker half-open, probe in flight for "+b.kind)
	}
	b.probeInFlight = true
	return nil
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		logging.Info("Circuit breaker closed",
			map[string]interface{}{"kind": b.kind})
	}
	b.open = false
	b.halfOpen = false
	b.probeInFlight = false
	b.consecutive = 0
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false

	if b.halfOpen {
		// Probe failed: reopen and restart the cooldown.
		b.halfOpen = false
		b.openedAt = time.Now()
		return
	}

	b.consecutive++
	if b.consecutive >= b.threshold && !b.open {
		b.open = true
		b.openedAt = time.Now()
		logging.Warn("Circuit breaker opened",
			map[string]interface{}{
				"kind":     b.kind,
				"failures": b.consecutive,
			})
	}
}

func (b *breaker) state() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.open && time.Since(b.openedAt) >= b.cooldown:
		return "half_open"
	case b.open:
		return "open"
	default:
		return "closed"
	}
}
