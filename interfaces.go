package x402

import (
	"context"
	"time"
)

// ============================================================================
// Capabilities consumed by the payment client
// ============================================================================

// Signer is the signing identity of the paying agent. Implementations wrap
// whichever key backend is available (local keypair, wallet adapter, HSM).
type Signer interface {
	// PublicAddress returns the address funds are paid from.
	PublicAddress() string

	// Sign signs a serialized transaction message and returns the raw signature.
	Sign(ctx context.Context, message []byte) ([]byte, error)

	// IsConnected reports whether the signer can currently sign.
	IsConnected() bool
}

// BalanceProvider reports the spendable balance of the paying agent in
// smallest units.
type BalanceProvider interface {
	Balance(ctx context.Context) (uint64, error)
}

// EscrowCreate describes a new escrow hold.
type EscrowCreate struct {
	Payee         string
	Amount        uint64
	TimeLock      time.Duration
	TransactionID string
}

// EscrowReceipt is returned by ledger submissions.
type EscrowReceipt struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// EscrowLedger is the escrow-lifecycle capability of a ledger.
type EscrowLedger interface {
	// DeriveAddress returns the deterministic escrow address for (owner, transactionID).
	DeriveAddress(owner, transactionID string) (string, error)
	Create(ctx context.Context, params EscrowCreate) (*EscrowReceipt, error)
	Release(ctx context.Context, transactionID, payee string) (*EscrowReceipt, error)
	Dispute(ctx context.Context, transactionID string) (*EscrowReceipt, error)
	Exists(ctx context.Context, transactionID string) (bool, error)
	Balance(ctx context.Context, transactionID string) (uint64, error)
}

// DirectPayment describes a transfer made without escrow.
type DirectPayment struct {
	Network       Network
	PayTo         string
	Amount        uint64
	TransactionID string
}

// PaymentReceipt is the result of a direct transfer.
type PaymentReceipt struct {
	Signature     string            `json:"signature"`
	Payer         string            `json:"payer"`
	Authorization map[string]string `json:"authorization,omitempty"`
}

// DirectPayer pays a requirement without escrow.
type DirectPayer interface {
	Pay(ctx context.Context, payment DirectPayment) (*PaymentReceipt, error)
}

// SignatureStore remembers payment-proof signatures for replay protection.
type SignatureStore interface {
	// MarkUsed records sig as seen at the given time. It returns false if
	// the signature was already recorded.
	MarkUsed(ctx context.Context, sig string, at time.Time) (bool, error)

	// Sweep removes signatures first seen before cutoff and returns how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	// Len returns the number of remembered signatures.
	Len(ctx context.Context) (int, error)
}
