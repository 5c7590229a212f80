package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/nextrade-api/internal/apperr"
)

type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitBreaker stops calling a failing dependency after FailureThreshold
// consecutive failures and lets a single trial call through once RecoveryTimeout
// has passed.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
		state:            StateClosed,
	}
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState must be called with mu held.
func (b *CircuitBreaker) currentState() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		b.state = StateHalfOpen
		b.probing = false
	}
	return b.state
}

// Execute runs fn unless the circuit is open.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return b.openError()
	case StateHalfOpen:
		if b.probing {
			return b.openError()
		}
		b.probing = true
	}
	return nil
}

func (b *CircuitBreaker) openError() error {
	retryIn := b.recoveryTimeout - b.now().Sub(b.openedAt)
	if retryIn < 0 {
		retryIn = 0
	}
	return &apperr.Error{
		Kind:    apperr.KindCircuitOpen,
		Op:      b.name,
		Message: "circuit breaker is open",
		Details: map[string]any{"retry_in": retryIn.String(), "failures": b.failures},
	}
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			log.Info().Str("breaker", b.name).Msg("circuit closed")
		}
		b.state = StateClosed
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.failureThreshold {
		if b.state != StateOpen {
			log.Warn().Str("breaker", b.name).Int("failures", b.failures).Msg("circuit opened")
		}
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
	}
}
