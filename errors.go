package x402

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a PaymentError for programmatic handling.
type ErrorKind string

const (
	KindPaymentRequired           ErrorKind = "PaymentRequired"
	KindPaymentFailed             ErrorKind = "PaymentFailed"
	KindPaymentRejected           ErrorKind = "PaymentRejected"
	KindEscrowCreationFailed      ErrorKind = "EscrowCreationFailed"
	KindEscrowNotFound            ErrorKind = "EscrowNotFound"
	KindEscrowExpired             ErrorKind = "EscrowExpired"
	KindSLAViolation              ErrorKind = "SlaViolation"
	KindDisputeFailed             ErrorKind = "DisputeFailed"
	KindTimeout                   ErrorKind = "Timeout"
	KindNetworkError              ErrorKind = "NetworkError"
	KindInvalidResponse           ErrorKind = "InvalidResponse"
	KindInvalidPaymentRequirement ErrorKind = "InvalidPaymentRequirement"
	KindInsufficientFunds         ErrorKind = "InsufficientFunds"
	KindPriceExceeded             ErrorKind = "PriceExceeded"
	KindInvalidInput              ErrorKind = "InvalidInput"
	KindSignatureFailed           ErrorKind = "SignatureFailed"
	KindCircuitOpen               ErrorKind = "CircuitOpen"
	KindRateLimited               ErrorKind = "RateLimited"
	KindUnknown                   ErrorKind = "Unknown"
)

// Retryable reports whether failures of this kind are transient.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetworkError, KindRateLimited:
		return true
	}
	return false
}

// Common error codes
const (
	ErrCodePaymentRequired     = "payment_required"
	ErrCodePaymentFailed       = "payment_failed"
	ErrCodePaymentRejected     = "payment_rejected"
	ErrCodeEscrowCreation      = "escrow_creation_failed"
	ErrCodeReleaseFailed       = "release_failed"
	ErrCodeEscrowNotFound      = "escrow_not_found"
	ErrCodeEscrowExpired       = "escrow_expired"
	ErrCodeSLAViolation        = "sla_violation"
	ErrCodeDisputeFailed       = "dispute_failed"
	ErrCodeTimeout             = "timeout"
	ErrCodeNetwork             = "network_error"
	ErrCodeInvalidResponse     = "invalid_response"
	ErrCodeInvalidRequirement  = "invalid_payment_requirement"
	ErrCodeInsufficientFunds   = "insufficient_funds"
	ErrCodePriceExceeded       = "price_exceeded"
	ErrCodeInvalidInput        = "invalid_input"
	ErrCodeDuplicateTxID       = "duplicate_transaction_id"
	ErrCodeSignatureFailed     = "signature_failed"
	ErrCodeReplayedSignature   = "replayed_signature"
	ErrCodeCircuitOpen         = "circuit_open"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeFacilitator         = "facilitator_error"
	ErrCodeUnsupportedNetwork  = "unsupported_network"
	ErrCodeRetriesExhausted    = "retries_exhausted"
	ErrCodeUnknown             = "unknown"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Kind    ErrorKind              `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Status  int                    `json:"status,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`

	// RetryAfter is a server-provided delay hint, honored by the retry loop.
	RetryAfter time.Duration `json:"-"`

	Cause error `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Is matches another *PaymentError by kind, so kind sentinels work with errors.Is.
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Retryable reports whether the error is transient.
func (e *PaymentError) Retryable() bool {
	return e.Kind.Retryable()
}

// WithDetail returns the error with an extra detail entry.
func (e *PaymentError) WithDetail(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithStatus sets the HTTP status associated with the error.
func (e *PaymentError) WithStatus(status int) *PaymentError {
	e.Status = status
	return e
}

// Kind sentinels for errors.Is.
var (
	ErrPaymentRequired    = &PaymentError{Kind: KindPaymentRequired}
	ErrPaymentFailed      = &PaymentError{Kind: KindPaymentFailed}
	ErrPaymentRejected    = &PaymentError{Kind: KindPaymentRejected}
	ErrEscrowCreation     = &PaymentError{Kind: KindEscrowCreationFailed}
	ErrEscrowNotFound     = &PaymentError{Kind: KindEscrowNotFound}
	ErrEscrowExpired      = &PaymentError{Kind: KindEscrowExpired}
	ErrDisputeFailed      = &PaymentError{Kind: KindDisputeFailed}
	ErrTimeout            = &PaymentError{Kind: KindTimeout}
	ErrNetwork            = &PaymentError{Kind: KindNetworkError}
	ErrInvalidResponse    = &PaymentError{Kind: KindInvalidResponse}
	ErrInvalidRequirement = &PaymentError{Kind: KindInvalidPaymentRequirement}
	ErrInsufficientFunds  = &PaymentError{Kind: KindInsufficientFunds}
	ErrPriceExceeded      = &PaymentError{Kind: KindPriceExceeded}
	ErrInvalidInput       = &PaymentError{Kind: KindInvalidInput}
	ErrSignatureFailed    = &PaymentError{Kind: KindSignatureFailed}
	ErrCircuitOpen        = &PaymentError{Kind: KindCircuitOpen}
	ErrRateLimited        = &PaymentError{Kind: KindRateLimited}
	ErrUnknown            = &PaymentError{Kind: KindUnknown}
)

// NewPaymentError creates a new payment error
func NewPaymentError(kind ErrorKind, code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapError creates a payment error with an underlying cause.
func WrapError(kind ErrorKind, code, message string, cause error) *PaymentError {
	return &PaymentError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// InvalidInput is shorthand for input validation failures.
func InvalidInput(format string, args ...interface{}) *PaymentError {
	return NewPaymentError(KindInvalidInput, ErrCodeInvalidInput, fmt.Sprintf(format, args...), nil)
}

// AsPaymentError returns err as a *PaymentError, classifying plain errors.
// Context deadlines become Timeout, net errors become NetworkError, and
// anything else is wrapped as Unknown with the original error as cause.
func AsPaymentError(err error) *PaymentError {
	if err == nil {
		return nil
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(KindTimeout, ErrCodeTimeout, "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return WrapError(KindUnknown, ErrCodeUnknown, "operation canceled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return WrapError(KindTimeout, ErrCodeTimeout, "network timeout", err)
		}
		return WrapError(KindNetworkError, ErrCodeNetwork, "network failure", err)
	}
	return WrapError(KindUnknown, ErrCodeUnknown, err.Error(), err)
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
