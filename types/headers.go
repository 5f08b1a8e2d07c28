package types

// Header names used by the payment protocol.
const (
	// HeaderPayment carries the payment proof on the retried request.
	HeaderPayment = "X-PAYMENT"

	// HeaderEscrowAddress carries the escrow account address, when paid via escrow.
	HeaderEscrowAddress = "X-Escrow-Address"

	// HeaderTransactionID carries the client transaction id.
	HeaderTransactionID = "X-Transaction-ID"

	// HeaderPaymentAmount is the legacy 402 amount header.
	HeaderPaymentAmount = "X-Payment-Amount"

	// HeaderPaymentAddress is the legacy 402 payee header.
	HeaderPaymentAddress = "X-Payment-Address"

	// HeaderPaymentUnit optionally states the unit of HeaderPaymentAmount.
	HeaderPaymentUnit = "X-Payment-Unit"

	// HeaderPaymentNetwork optionally states the network of a legacy requirement.
	HeaderPaymentNetwork = "X-Payment-Network"
)

// DefaultLegacyNetwork is assumed when a legacy 402 response omits its network.
const DefaultLegacyNetwork = "solana"

// DefaultScheme is assumed when a requirement omits its scheme.
const DefaultScheme = "exact"
