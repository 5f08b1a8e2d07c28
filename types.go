package x402

import (
	"strings"
	"time"
)

// Network is a ledger network identifier as it appears on the wire,
// e.g. "solana", "solana-devnet", "base-sepolia".
type Network string

// Family returns the chain family of the network: "solana" or "eip155".
// Unknown networks return "".
func (n Network) Family() string {
	s := strings.ToLower(string(n))
	switch {
	case s == "solana" || strings.HasPrefix(s, "solana-") || strings.HasPrefix(s, "solana:"):
		return FamilySolana
	case strings.HasPrefix(s, "eip155:"):
		return FamilyEVM
	}
	for _, evm := range evmNetworks {
		if s == evm || strings.HasPrefix(s, evm+"-") {
			return FamilyEVM
		}
	}
	return ""
}

// Decimals returns the decimals of the network's default payment asset.
func (n Network) Decimals() int {
	if n.Family() == FamilyEVM {
		return EVMDecimals
	}
	return SolanaDecimals
}

// Match checks if this network matches a pattern (supports a trailing "*")
// e.g. "base-sepolia" matches "base*", "solana-devnet" matches "solana*"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}
	p := string(pattern)
	if strings.HasSuffix(p, "*") {
		return strings.HasPrefix(string(n), strings.TrimSuffix(p, "*"))
	}
	return false
}

const (
	FamilySolana = "solana"
	FamilyEVM    = "eip155"
)

var evmNetworks = []string{"base", "polygon", "arbitrum", "optimism", "ethereum", "avalanche"}

// AmountUnit states how a wire amount is denominated.
type AmountUnit string

const (
	// UnitUnspecified means the wire format carried no unit; the amount
	// heuristic applies.
	UnitUnspecified AmountUnit = ""
	// UnitAtomic is the smallest indivisible unit (lamports, wei, ...).
	UnitAtomic AmountUnit = "atomic"
	// UnitWhole is the whole-currency unit (SOL, ...).
	UnitWhole AmountUnit = "whole"
)

// ParseAmountUnit normalizes the unit names accepted on the wire.
func ParseAmountUnit(s string) (AmountUnit, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return UnitUnspecified, true
	case "atomic", "lamports", "lamport", "wei", "smallest", "base":
		return UnitAtomic, true
	case "whole", "sol", "native", "decimal":
		return UnitWhole, true
	}
	return UnitUnspecified, false
}

// RequirementSource identifies which wire shape a requirement was parsed from.
type RequirementSource string

const (
	SourceStructured RequirementSource = "structured"
	SourceLegacy     RequirementSource = "legacy"
)

// PaymentOption is one accepted way to pay for a resource.
type PaymentOption struct {
	Scheme            string     `json:"scheme"`
	Network           Network    `json:"network"`
	MaxAmountRequired string     `json:"maxAmountRequired"`
	Unit              AmountUnit `json:"unit,omitempty"`
	Resource          string     `json:"resource"`
	PayTo             string     `json:"payTo"`
	Description       string     `json:"description,omitempty"`
}

// EscrowTerms carries the server's escrow expectations.
type EscrowTerms struct {
	Required bool   `json:"escrowRequired"`
	MinStake string `json:"minStake,omitempty"`
	Program  string `json:"escrowProgram,omitempty"`
}

// PaymentRequirement is the normalized form of a payment-required response.
// Both wire shapes are converted into this before any business logic runs.
type PaymentRequirement struct {
	Version int               `json:"version"`
	Accepts []PaymentOption   `json:"accepts"`
	Escrow  *EscrowTerms      `json:"escrow,omitempty"`
	Source  RequirementSource `json:"source"`
}

// Primary returns the first accepted option.
func (r PaymentRequirement) Primary() (PaymentOption, bool) {
	if len(r.Accepts) == 0 {
		return PaymentOption{}, false
	}
	return r.Accepts[0], true
}

// EscrowRequired reports whether the server asked for escrow.
func (r PaymentRequirement) EscrowRequired() bool {
	return r.Escrow != nil && r.Escrow.Required
}

// EscrowStatus is the lifecycle state of an escrow hold.
type EscrowStatus string

const (
	EscrowActive   EscrowStatus = "active"
	EscrowReleased EscrowStatus = "released"
	EscrowDisputed EscrowStatus = "disputed"
	EscrowResolved EscrowStatus = "resolved"
)

// EscrowRecord is the client-side record of an escrow it created.
type EscrowRecord struct {
	Address       string       `json:"address"`
	Owner         string       `json:"owner"`
	Counterparty  string       `json:"counterparty"`
	Amount        uint64       `json:"amount"`
	Status        EscrowStatus `json:"status"`
	TransactionID string       `json:"transactionId"`
	Signature     string       `json:"signature,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
}

// Expired reports whether the time-lock has passed.
func (r EscrowRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// PaymentProof is the signed proof attached to a retried request.
type PaymentProof struct {
	Network       Network `json:"-"`
	Signature     string  `json:"signature"`
	Payer         string  `json:"payer"`
	Timestamp     int64   `json:"timestamp"`
	EscrowAddress string  `json:"-"`
	TransactionID string  `json:"-"`

	// Authorization carries signed off-chain authorization fields for
	// schemes where the facilitator submits the transfer (eip155).
	Authorization map[string]string `json:"authorization,omitempty"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse contains the settlement result
type SettleResponse struct {
	Success     bool    `json:"success"`
	Error       string  `json:"error,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction,omitempty"`
	Network     Network `json:"network,omitempty"`
}
