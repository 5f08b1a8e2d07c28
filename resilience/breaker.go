package resilience

import (
	"sync"
	"time"

	x402 "github.com/kamiyo-ai/x402-go"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig parameterizes a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
	}
}

// Validate checks the configuration invariants.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return x402.InvalidInput("breaker: failure threshold must be at least 1")
	}
	if c.SuccessThreshold < 1 {
		return x402.InvalidInput("breaker: success threshold must be at least 1")
	}
	if c.ResetTimeout <= 0 {
		return x402.InvalidInput("breaker: reset timeout must be positive")
	}
	return nil
}

// CircuitBreaker is a three-state breaker. State changes only through
// CanExecute, RecordSuccess, RecordFailure and Reset.
type CircuitBreaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
	now         func() time.Time
}

// NewCircuitBreaker validates cfg and returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}, nil
}

// CanExecute reports whether a call may proceed. An open breaker whose
// reset timeout has elapsed moves to half-open and admits the call.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return true
	}

	if b.now().Before(b.nextAttempt) {
		b.mu.Unlock()
		return false
	}
	from := b.transitionLocked(StateHalfOpen)
	b.mu.Unlock()
	b.notify(from, StateHalfOpen)
	return true
}

// RecordSuccess registers a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.failures = 0
		b.mu.Unlock()
		return
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			from := b.transitionLocked(StateClosed)
			b.mu.Unlock()
			b.notify(from, StateClosed)
			return
		}
	}
	b.mu.Unlock()
}

// RecordFailure registers a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			from := b.transitionLocked(StateOpen)
			b.mu.Unlock()
			b.notify(from, StateOpen)
			return
		}
	case StateHalfOpen:
		from := b.transitionLocked(StateOpen)
		b.mu.Unlock()
		b.notify(from, StateOpen)
		return
	}
	b.mu.Unlock()
}

// Reset forces the breaker closed with all counters zeroed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the state and counters.
func (b *CircuitBreaker) Snapshot() (state State, failures, successes int, nextAttempt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.successes, b.nextAttempt
}

func (b *CircuitBreaker) transitionLocked(to State) State {
	from := b.state
	b.state = to
	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.nextAttempt = time.Time{}
	case StateOpen:
		b.successes = 0
		b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
	case StateHalfOpen:
		b.successes = 0
	}
	return from
}

func (b *CircuitBreaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(from, to)
	}
}
