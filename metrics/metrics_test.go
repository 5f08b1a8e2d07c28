package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/kamiyo-ai/x402-go/resilience"
)

func TestObserveBreaker(t *testing.T) {
	onChange := ObserveBreaker("test-breaker")
	gauge := CircuitState.WithLabelValues("test-breaker")
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))

	onChange(resilience.StateClosed, resilience.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge))

	onChange(resilience.StateOpen, resilience.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))

	onChange(resilience.StateHalfOpen, resilience.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(FacilitatorCalls.WithLabelValues("verify", OutcomeFailure))
	ObserveFacilitator("verify", errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(FacilitatorCalls.WithLabelValues("verify", OutcomeFailure)))

	before = testutil.ToFloat64(RequestsTotal.WithLabelValues(OutcomeSuccess))
	ObserveRequest(OutcomeSuccess, 120*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues(OutcomeSuccess)))

	before = testutil.ToFloat64(PaymentsTotal.WithLabelValues("escrow", "solana"))
	ObservePayment("escrow", "solana")
	assert.Equal(t, before+1, testutil.ToFloat64(PaymentsTotal.WithLabelValues("escrow", "solana")))
}
