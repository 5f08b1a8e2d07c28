package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	x402 "github.com/kamiyo-ai/x402-go"
	"github.com/kamiyo-ai/x402-go/types"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// authorizationFields are required in the authorization block of eip155 proofs.
var authorizationFields = []string{"from", "to", "value", "validAfter", "validBefore", "nonce"}

// ValidatePaymentHeader validates and decodes an X-PAYMENT header. It checks
// the network tag, base64 format, JSON structure, and required fields,
// including the signed authorization for eip155 networks.
//
// Returns the decoded proof if valid, or an error with a descriptive message.
func ValidatePaymentHeader(paymentHeader string) (*x402.PaymentProof, error) {
	if paymentHeader == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	idx := strings.LastIndex(paymentHeader, ":")
	if idx <= 0 || idx == len(paymentHeader)-1 {
		return nil, fmt.Errorf("invalid payment header format: missing network tag")
	}
	network, encoded := x402.Network(paymentHeader[:idx]), paymentHeader[idx+1:]

	family := network.Family()
	if family == "" {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	if !base64Regex.MatchString(encoded) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}

	sig, exists := raw["signature"]
	if !exists {
		return nil, fmt.Errorf("missing required field: signature")
	}
	if s, ok := sig.(string); !ok || s == "" {
		return nil, fmt.Errorf("invalid field type: signature must be a non-empty string")
	}

	if payer, exists := raw["payer"]; exists {
		if _, ok := payer.(string); !ok {
			return nil, fmt.Errorf("invalid field type: payer must be a string")
		}
	}

	if _, exists := raw["timestamp"]; !exists {
		return nil, fmt.Errorf("missing required field: timestamp")
	}
	if _, ok := raw["timestamp"].(float64); !ok {
		return nil, fmt.Errorf("invalid field type: timestamp must be a number")
	}

	if family == x402.FamilyEVM {
		auth, exists := raw["authorization"]
		if !exists {
			return nil, fmt.Errorf("missing required field: authorization")
		}
		authMap, ok := auth.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid field type: authorization must be an object")
		}
		for _, field := range authorizationFields {
			if _, exists := authMap[field]; !exists {
				return nil, fmt.Errorf("missing required field: authorization.%s", field)
			}
			if _, ok := authMap[field].(string); !ok {
				return nil, fmt.Errorf("invalid field type: authorization.%s must be a string", field)
			}
		}
	}

	proof, err := types.DecodeProofHeader(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payment proof: %v", err)
	}
	return &proof, nil
}
