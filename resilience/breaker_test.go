package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(t *testing.T, cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	b, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b.now = clock.Now
	return b, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
		assert.True(t, b.CanExecute())
	}

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 30 * time.Second})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clock.Advance(29 * time.Second)
	assert.False(t, b.CanExecute())
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	assert.True(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	_, failures, successes, _ := b.Snapshot()
	assert.Zero(t, failures)
	assert.Zero(t, successes)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, SuccessThreshold: 3, ResetTimeout: 10 * time.Second})

	b.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, b.CanExecute())

	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	_, _, _, next := b.Snapshot()
	assert.Equal(t, clock.Now().Add(10*time.Second), next)
	assert.False(t, b.CanExecute())
}

func TestBreakerReset(t *testing.T) {
	var transitions []string
	cfg := BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}
	b, _ := newTestBreaker(t, cfg)

	b.RecordFailure()
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.CanExecute())
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestBreakerConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultBreakerConfig().Validate())
	_, err := NewCircuitBreaker(BreakerConfig{FailureThreshold: 0, SuccessThreshold: 1, ResetTimeout: time.Second})
	assert.Error(t, err)
}
