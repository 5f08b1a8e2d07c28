// Package http implements the client side of the x402 protocol over HTTP:
// the payment-aware resource client and the facilitator transport.
package http

import (
	"context"
	"encoding/json"
)

// Phase is the stage a request reached in the payment state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequesting
	PhasePaymentRequired
	PhasePaying
	PhaseRetrying
	PhaseValidating
	PhaseDone
	PhaseError
)

var phaseNames = [...]string{
	PhaseIdle:            "idle",
	PhaseRequesting:      "requesting",
	PhasePaymentRequired: "payment_required",
	PhasePaying:          "paying",
	PhaseRetrying:        "retrying",
	PhaseValidating:      "validating",
	PhaseDone:            "done",
	PhaseError:           "error",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// MarshalJSON renders the phase name.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// ============================================================================
// Convenience functions
// ============================================================================

// Get performs a GET request with automatic payment handling
func Get(ctx context.Context, url string, client *PaymentClient) (*Response, error) {
	return client.Request(ctx, url, RequestOptions{})
}

// Post performs a POST request with automatic payment handling
func Post(ctx context.Context, url string, body []byte, client *PaymentClient) (*Response, error) {
	return client.Request(ctx, url, RequestOptions{Method: "POST", Body: body})
}
