package types

import (
	"encoding/json"

	x402 "github.com/kamiyo-ai/x402-go"
)

// FacilitatorRequest is the body of POST /verify and POST /settle.
type FacilitatorRequest struct {
	Version             int                `json:"version"`
	X402Version         int                `json:"x402Version"`
	PaymentHeader       string             `json:"paymentHeader"`
	PaymentRequirements x402.PaymentOption `json:"paymentRequirements"`
}

// NewFacilitatorRequest builds a request body for a proof and requirement.
func NewFacilitatorRequest(version int, paymentHeader string, requirement x402.PaymentOption) FacilitatorRequest {
	if version == 0 {
		version = 1
	}
	return FacilitatorRequest{
		Version:             version,
		X402Version:         version,
		PaymentHeader:       paymentHeader,
		PaymentRequirements: requirement,
	}
}

// SupportedKind is one entry of the facilitator's GET /list response.
type SupportedKind struct {
	Version int    `json:"x402Version,omitempty"`
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// ListResponse is the facilitator's GET /list response. Facilitators
// answer either with "kinds" or with a flat "networks" list.
type ListResponse struct {
	Kinds    []SupportedKind `json:"kinds,omitempty"`
	Networks []string        `json:"networks,omitempty"`
}

// NetworkNames returns the distinct networks named by the response.
func (l ListResponse) NetworkNames() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(n string) {
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, k := range l.Kinds {
		add(k.Network)
	}
	for _, n := range l.Networks {
		add(n)
	}
	return out
}

// ToListResponse unmarshals bytes to a list response
func ToListResponse(data []byte) (*ListResponse, error) {
	var list ListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return &list, nil
}
