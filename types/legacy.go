package types

import (
	"fmt"
	"net/http"
	"strings"

	x402 "github.com/kamiyo-ai/x402-go"
)

// LegacyPaymentRequired is the header-encoded form of a 402 response. It
// carries only amount and payee; escrow metadata is never available.
type LegacyPaymentRequired struct {
	Amount  string
	PayTo   string
	Unit    string
	Network string
}

func (*LegacyPaymentRequired) isPaymentRequired() {}

// ParseLegacy reads the legacy amount and payee headers.
func ParseLegacy(header http.Header) (*LegacyPaymentRequired, error) {
	amount := strings.TrimSpace(header.Get(HeaderPaymentAmount))
	payTo := strings.TrimSpace(header.Get(HeaderPaymentAddress))
	if amount == "" || payTo == "" {
		return nil, fmt.Errorf("legacy payment headers missing (%s=%q, %s=%q)",
			HeaderPaymentAmount, amount, HeaderPaymentAddress, payTo)
	}
	network := strings.TrimSpace(header.Get(HeaderPaymentNetwork))
	if network == "" {
		network = DefaultLegacyNetwork
	}
	return &LegacyPaymentRequired{
		Amount:  amount,
		PayTo:   payTo,
		Unit:    strings.TrimSpace(header.Get(HeaderPaymentUnit)),
		Network: network,
	}, nil
}

// Normalize converts the headers into the internal requirement form.
func (l *LegacyPaymentRequired) Normalize(resource string) (x402.PaymentRequirement, error) {
	unit, ok := x402.ParseAmountUnit(l.Unit)
	if !ok {
		return x402.PaymentRequirement{}, x402.NewPaymentError(x402.KindInvalidPaymentRequirement, x402.ErrCodeInvalidRequirement,
			fmt.Sprintf("unknown amount unit %q", l.Unit), nil)
	}
	return x402.PaymentRequirement{
		Version: 1,
		Source:  x402.SourceLegacy,
		Accepts: []x402.PaymentOption{{
			Scheme:            DefaultScheme,
			Network:           x402.Network(l.Network),
			MaxAmountRequired: l.Amount,
			Unit:              unit,
			Resource:          resource,
			PayTo:             l.PayTo,
		}},
	}, nil
}
