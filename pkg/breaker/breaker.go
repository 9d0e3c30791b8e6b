// Package breaker implements the circuit breaker pattern for calls to an
// unreliable upstream dependency. One Breaker instance guards one named
// dependency and is shared by all of its callers.
package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned without invoking the wrapped operation while the
// circuit is open and the recovery timeout has not elapsed.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota // normal operation, failures counted
	StateOpen                // failing, calls rejected
	StateHalfOpen            // one trial call allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of the breaker for stats reporting.
type Snapshot struct {
	State            string        `json:"state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	LastFailure      time.Time     `json:"last_failure_time"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

type Breaker struct {
	name   string
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	threshold   int
	timeout     time.Duration
	lastFailure time.Time
}

func New(name string, failureThreshold int, recoveryTimeout time.Duration, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:      name,
		logger:    logger,
		now:       time.Now,
		state:     StateClosed,
		threshold: failureThreshold,
		timeout:   recoveryTimeout,
	}
}

// Ready reports whether a call would currently be allowed through. It does
// not transition state; Call does.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return true
	}
	return b.now().Sub(b.lastFailure) >= b.timeout
}

// Call executes op under breaker protection. While open and inside the
// recovery timeout it fails fast with ErrOpen. Otherwise the operation runs;
// its failure is counted (re-opening a half-open circuit, or opening a
// closed one at the threshold) and then returned to the caller unchanged.
func (b *Breaker) Call(op func() error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		if b.now().Sub(b.lastFailure) < b.timeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.logger.Info("circuit breaker entering half-open state", zap.String("name", b.name))
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = b.now()
		if b.state == StateHalfOpen {
			b.state = StateOpen
			b.logger.Warn("circuit breaker re-opened, half-open trial failed",
				zap.String("name", b.name))
		} else if b.failures >= b.threshold {
			b.state = StateOpen
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.name), zap.Int("failures", b.failures))
		}
		return err
	}

	if b.state == StateHalfOpen {
		b.logger.Info("circuit breaker closed, trial call succeeded", zap.String("name", b.name))
	}
	b.state = StateClosed
	b.failures = 0
	return nil
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:            b.state.String(),
		FailureCount:     b.failures,
		FailureThreshold: b.threshold,
		LastFailure:      b.lastFailure,
		RecoveryTimeout:  b.timeout,
	}
}

// Reset forces the breaker back to closed. For tests and admin surfaces.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.failures = 0
	b.mu.Unlock()
	b.logger.Info("circuit breaker reset", zap.String("name", b.name))
}
