package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	x402 "github.com/kamiyo-ai/x402-go"
)

type proofBody struct {
	Signature string `json:"signature"`
	Payer     string `json:"payer"`
	Timestamp int64  `json:"timestamp"`

	Authorization map[string]string `json:"authorization,omitempty"`
}

// EncodeProofHeader renders a proof as "<network>:<base64 JSON>".
func EncodeProofHeader(proof x402.PaymentProof) (string, error) {
	if proof.Signature == "" {
		return "", fmt.Errorf("proof signature is required")
	}
	if proof.Network == "" {
		return "", fmt.Errorf("proof network is required")
	}
	raw, err := json.Marshal(proofBody{
		Signature: proof.Signature,
		Payer:     proof.Payer,
		Timestamp: proof.Timestamp,

		Authorization: proof.Authorization,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return string(proof.Network) + ":" + base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeProofHeader parses a header produced by EncodeProofHeader. The
// network tag may itself contain ':' (e.g. "eip155:8453"); base64 never does.
func DecodeProofHeader(header string) (x402.PaymentProof, error) {
	idx := strings.LastIndex(header, ":")
	if idx <= 0 || idx == len(header)-1 {
		return x402.PaymentProof{}, fmt.Errorf("invalid payment header format: missing network tag")
	}
	network, encoded := header[:idx], header[idx+1:]

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return x402.PaymentProof{}, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	var body proofBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return x402.PaymentProof{}, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}
	if body.Signature == "" {
		return x402.PaymentProof{}, fmt.Errorf("missing required field: signature")
	}

	return x402.PaymentProof{
		Network:   x402.Network(network),
		Signature: body.Signature,
		Payer:     body.Payer,
		Timestamp: body.Timestamp,

		Authorization: body.Authorization,
	}, nil
}
