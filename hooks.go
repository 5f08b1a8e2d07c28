package x402

import (
	"context"
	"time"
)

// ============================================================================
// Dispute Hook Context Types
// ============================================================================

// DisputeContext contains information passed to dispute hooks
type DisputeContext struct {
	Ctx           context.Context
	TransactionID string
	EscrowAddress string
	SLA           SLAResult
	Timestamp     time.Time
}

// DisputeResultContext contains a successful dispute submission
type DisputeResultContext struct {
	DisputeContext
	Receipt  EscrowReceipt
	Duration time.Duration
}

// DisputeFailureContext contains a failed dispute submission
type DisputeFailureContext struct {
	DisputeContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Dispute Hook Function Types
// ============================================================================

// OnDisputeQueuedHook is called when a low-quality response queues a dispute
type OnDisputeQueuedHook func(DisputeContext)

// OnDisputeSucceededHook is called after the dispute instruction lands
type OnDisputeSucceededHook func(DisputeResultContext)

// OnDisputeFailedHook is called when dispute submission fails
type OnDisputeFailedHook func(DisputeFailureContext)

// DisputeHooks groups the dispute lifecycle callbacks.
type DisputeHooks struct {
	OnQueued    []OnDisputeQueuedHook
	OnSucceeded []OnDisputeSucceededHook
	OnFailed    []OnDisputeFailedHook
}

// Queued runs all queued hooks.
func (h *DisputeHooks) Queued(c DisputeContext) {
	for _, hook := range h.OnQueued {
		hook(c)
	}
}

// Succeeded runs all success hooks.
func (h *DisputeHooks) Succeeded(c DisputeResultContext) {
	for _, hook := range h.OnSucceeded {
		hook(c)
	}
}

// Failed runs all failure hooks.
func (h *DisputeHooks) Failed(c DisputeFailureContext) {
	for _, hook := range h.OnFailed {
		hook(c)
	}
}
