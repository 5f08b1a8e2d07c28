// Package metrics holds the Prometheus collectors for the payment client,
// the escrow ledger and the facilitator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kamiyo-ai/x402-go/resilience"
)

var (
	// RequestsTotal tracks paid-request outcomes
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x402_requests_total",
			Help: "Total number of payment-protocol requests by outcome",
		},
		[]string{"outcome"},
	)

	// PaymentsTotal tracks payments made per method and network
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x402_payments_total",
			Help: "Total number of payments made",
		},
		[]string{"method", "network"},
	)

	// RequestDuration tracks end-to-end request latency
	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "x402_request_duration_seconds",
			Help:    "Payment-protocol request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CircuitState tracks breaker state per executor (0 closed, 1 half-open, 2 open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "x402_circuit_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)

	// FacilitatorCalls tracks facilitator calls per operation and outcome
	FacilitatorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x402_facilitator_calls_total",
			Help: "Total number of facilitator calls",
		},
		[]string{"op", "outcome"},
	)

	// DisputesTotal tracks asynchronous dispute outcomes
	DisputesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "x402_disputes_total",
			Help: "Total number of escrow disputes by outcome",
		},
		[]string{"outcome"},
	)

	// SLAQualityScore tracks the distribution of computed quality scores
	SLAQualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "x402_sla_quality_score",
			Help:    "SLA quality scores of delivered responses",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Outcome returns the outcome label for err.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

func stateValue(s resilience.State) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	}
	return 0
}

// ObserveBreaker returns an OnStateChange callback that publishes the
// breaker state under name.
func ObserveBreaker(name string) func(from, to resilience.State) {
	CircuitState.WithLabelValues(name).Set(0)
	return func(_, to resilience.State) {
		CircuitState.WithLabelValues(name).Set(stateValue(to))
	}
}

// ObserveRequest records one finished request.
func ObserveRequest(outcome string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(outcome).Inc()
	RequestDuration.Observe(elapsed.Seconds())
}

// ObservePayment records one payment.
func ObservePayment(method, network string) {
	PaymentsTotal.WithLabelValues(method, network).Inc()
}

// ObserveFacilitator records one facilitator call.
func ObserveFacilitator(op string, err error) {
	FacilitatorCalls.WithLabelValues(op, Outcome(err)).Inc()
}

// ObserveDispute records one dispute outcome.
func ObserveDispute(outcome string) {
	DisputesTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuality records one SLA quality score.
func ObserveQuality(score int) {
	SLAQualityScore.Observe(float64(score))
}
