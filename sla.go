package x402

import (
	"fmt"
	"time"
)

const (
	maxLatencyPenalty       = 60
	latencyPenaltyPerBudget = 30
	violationPenalty        = 15
	fullQualityScore        = 100
	DefaultQualityFloor     = 70
)

// SLAParams are the service-level expectations for one request.
type SLAParams struct {
	// MaxLatency is the latency budget. Zero disables the latency check.
	MaxLatency time.Duration

	// MinQualityScore fails the result when the score drops below it.
	// Zero means any violation fails the result.
	MinQualityScore int

	// Validator inspects the response body and returns named violations.
	Validator func(body []byte) []string
}

// SLAResult is the outcome of scoring one response.
type SLAResult struct {
	Passed       bool               `json:"passed"`
	QualityScore int                `json:"qualityScore"`
	Violations   []string           `json:"violations,omitempty"`
	Metrics      map[string]float64 `json:"metrics"`
}

// EvaluateSLA scores a completed response.
//
// The score starts at 100. A latency overrun costs 30 points per multiple
// of the budget, capped at 60 (reached at twice the budget). Each
// validator violation costs 15 points.
// The result is clamped to [0, 100].
func EvaluateSLA(params SLAParams, latency time.Duration, body []byte) SLAResult {
	score := fullQualityScore
	var violations []string
	metrics := map[string]float64{
		"latency_ms": float64(latency.Milliseconds()),
	}

	if params.MaxLatency > 0 {
		metrics["max_latency_ms"] = float64(params.MaxLatency.Milliseconds())
		if latency > params.MaxLatency {
			ratio := float64(latency) / float64(params.MaxLatency)
			penalty := int(ratio * latencyPenaltyPerBudget)
			if penalty > maxLatencyPenalty {
				penalty = maxLatencyPenalty
			}
			score -= penalty
			violations = append(violations, fmt.Sprintf("latency %dms exceeded limit %dms", latency.Milliseconds(), params.MaxLatency.Milliseconds()))
		}
	}

	if params.Validator != nil {
		custom := params.Validator(body)
		score -= violationPenalty * len(custom)
		violations = append(violations, custom...)
		metrics["custom_violations"] = float64(len(custom))
	}

	if score < 0 {
		score = 0
	}
	if score > fullQualityScore {
		score = fullQualityScore
	}
	metrics["quality_score"] = float64(score)

	passed := len(violations) == 0
	if params.MinQualityScore > 0 && score < params.MinQualityScore {
		passed = false
	}

	return SLAResult{
		Passed:       passed,
		QualityScore: score,
		Violations:   violations,
		Metrics:      metrics,
	}
}
