// Package breaker implements one circuit breaker per upstream endpoint,
// gating requests independently of which credential is being used against
// that endpoint.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stranmor/keyrelay/internal/apperrors"
	"github.com/stranmor/keyrelay/internal/logging"
)

// State is one of Closed, Open, HalfOpen.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Config parameterizes a single breaker.
type Config struct {
	FailureThreshold  uint32        // N: consecutive failures before Open
	RecoveryTimeout   time.Duration // T: time in Open before probing
	HalfOpenMaxCalls  uint32        // M: concurrent probes admitted, and successes needed to close
}

// Breaker is a single per-endpoint circuit breaker. State is held in an
// atomic.Value so reads never block; the mutex is taken only around the
// transition decision itself, never around the wrapped operation.
type Breaker struct {
	cfg    Config
	logger logging.Logger

	state   atomic.Value // State
	mu      sync.Mutex
	openedAt atomic.Value // time.Time

	consecutiveFailures atomic.Int64
	halfOpenSuccesses   atomic.Int64
	halfOpenInFlight    atomic.Int64

	totalRequests atomic.Int64
	totalFailures atomic.Int64
}

// New builds a breaker starting Closed.
func New(cfg Config, logger logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	b := &Breaker{cfg: cfg, logger: logger}
	b.state.Store(Closed)
	b.openedAt.Store(time.Time{})
	return b
}

// State returns the current state without blocking.
func (b *Breaker) State() State {
	return b.state.Load().(State)
}

// Allow reports whether a call may proceed. In Open it fails fast unless
// the recovery timeout has elapsed, in which case the first caller to win
// the transition race becomes a half-open probe. In HalfOpen at most M
// concurrent probes are admitted; surplus callers also fail fast.
func (b *Breaker) Allow() bool {
	switch b.State() {
	case Closed:
		b.totalRequests.Add(1)
		return true

	case Open:
		openedAt, _ := b.openedAt.Load().(time.Time)
		if openedAt.IsZero() || time.Since(openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.State() != Open {
			// Someone else already made the transition; re-evaluate as
			// whatever state won.
			return b.admitHalfOpenProbe()
		}
		b.state.Store(HalfOpen)
		b.halfOpenSuccesses.Store(0)
		b.halfOpenInFlight.Store(0)
		b.logger.Info("circuit breaker entering half-open", map[string]interface{}{
			"recovery_timeout": b.cfg.RecoveryTimeout.String(),
		})
		return b.admitHalfOpenProbeLocked()

	case HalfOpen:
		return b.admitHalfOpenProbe()

	default:
		return true
	}
}

func (b *Breaker) admitHalfOpenProbe() bool {
	for {
		cur := b.halfOpenInFlight.Load()
		if cur >= int64(b.cfg.HalfOpenMaxCalls) {
			return false
		}
		if b.halfOpenInFlight.CompareAndSwap(cur, cur+1) {
			b.totalRequests.Add(1)
			return true
		}
	}
}

func (b *Breaker) admitHalfOpenProbeLocked() bool {
	b.halfOpenInFlight.Add(1)
	b.totalRequests.Add(1)
	return true
}

// RecordSuccess releases a half-open probe slot (if applicable) and
// advances the state machine: in HalfOpen, enough successes close the
// circuit; in Closed, a success resets the consecutive failure counter.
func (b *Breaker) RecordSuccess() {
	switch b.State() {
	case HalfOpen:
		b.halfOpenInFlight.Add(-1)
		successes := b.halfOpenSuccesses.Add(1)
		if successes >= int64(b.cfg.HalfOpenMaxCalls) {
			b.mu.Lock()
			if b.State() == HalfOpen {
				b.state.Store(Closed)
				b.consecutiveFailures.Store(0)
				b.logger.Info("circuit breaker closed", map[string]interface{}{
					"recovery_probes": successes,
				})
			}
			b.mu.Unlock()
		}
	case Closed:
		b.consecutiveFailures.Store(0)
	}
}

// RecordFailure advances the state machine on a failed call: any half-open
// probe failure reopens the circuit; in Closed, the Nth consecutive
// failure opens it.
func (b *Breaker) RecordFailure() {
	b.totalFailures.Add(1)

	switch b.State() {
	case HalfOpen:
		b.halfOpenInFlight.Add(-1)
		b.open("half-open probe failed")

	case Closed:
		failures := b.consecutiveFailures.Add(1)
		if failures >= int64(b.cfg.FailureThreshold) {
			b.open("consecutive failure threshold reached")
		}
	}
}

func (b *Breaker) open(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State() == Open {
		return
	}
	b.state.Store(Open)
	b.openedAt.Store(time.Now())
	b.halfOpenInFlight.Store(0)
	b.logger.Warn("circuit breaker opened", map[string]interface{}{
		"reason": reason,
	})
}

// Call invokes op only if Allow() grants it, fails fast with
// apperrors.ErrCircuitOpen otherwise, and records the outcome. op MUST NOT
// be invoked while any breaker lock is held — Allow and RecordSuccess/
// RecordFailure are the only points that touch the mutex, and none of them
// wrap op itself.
func (b *Breaker) Call(op func() error) error {
	if !b.Allow() {
		return apperrors.ErrCircuitOpen
	}
	err := op()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Stats is a snapshot of lifetime observability counters.
type Stats struct {
	State         State
	TotalRequests int64
	TotalFailures int64
}

func (b *Breaker) Stats() Stats {
	return Stats{
		State:         b.State(),
		TotalRequests: b.totalRequests.Load(),
		TotalFailures: b.totalFailures.Load(),
	}
}
