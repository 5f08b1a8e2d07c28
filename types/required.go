package types

import (
	"errors"
	"net/http"

	x402 "github.com/kamiyo-ai/x402-go"
)

// PaymentRequired is a parsed 402 response: either
// *StructuredPaymentRequired or *LegacyPaymentRequired.
type PaymentRequired interface {
	isPaymentRequired()

	// Normalize converts the wire shape into an x402.PaymentRequirement.
	// resource fills options that do not name their resource.
	Normalize(resource string) (x402.PaymentRequirement, error)
}

// ParsePaymentRequired tries the structured body first and then the legacy
// headers. It fails with InvalidResponse when neither yields a requirement.
func ParsePaymentRequired(header http.Header, body []byte) (PaymentRequired, error) {
	structured, structuredErr := ParseStructured(body)
	if structuredErr == nil {
		return structured, nil
	}

	legacy, legacyErr := ParseLegacy(header)
	if legacyErr == nil {
		return legacy, nil
	}

	return nil, x402.WrapError(x402.KindInvalidResponse, x402.ErrCodeInvalidResponse,
		"payment-required response carried no usable requirement",
		errors.Join(structuredErr, legacyErr))
}

// ParseRequirement parses and normalizes a 402 response in one step.
func ParseRequirement(header http.Header, body []byte, resource string) (x402.PaymentRequirement, error) {
	parsed, err := ParsePaymentRequired(header, body)
	if err != nil {
		return x402.PaymentRequirement{}, err
	}
	req, err := parsed.Normalize(resource)
	if err != nil {
		return x402.PaymentRequirement{}, err
	}
	if len(req.Accepts) == 0 {
		return x402.PaymentRequirement{}, x402.NewPaymentError(x402.KindInvalidResponse, x402.ErrCodeInvalidResponse,
			"payment-required response has no accepted options", nil)
	}
	return req, nil
}
