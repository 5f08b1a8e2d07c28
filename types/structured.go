package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/kamiyo-ai/x402-go"
)

// StructuredOption is one entry of the "accepts" list in a structured 402 body.
type StructuredOption struct {
	Scheme            string      `json:"scheme"`
	Network           string      `json:"network"`
	MaxAmountRequired json.Number `json:"maxAmountRequired"`
	Unit              string      `json:"unit,omitempty"`
	Resource          string      `json:"resource"`
	PayTo             string      `json:"payTo"`
	Description       string      `json:"description,omitempty"`
}

// StructuredEscrow is the optional escrow block of a structured 402 body.
type StructuredEscrow struct {
	EscrowRequired bool        `json:"escrowRequired"`
	MinStake       json.Number `json:"minStake,omitempty"`
	EscrowProgram  string      `json:"escrowProgram,omitempty"`
}

// StructuredPaymentRequired is the JSON-body form of a 402 response.
type StructuredPaymentRequired struct {
	Version     int                `json:"version,omitempty"`
	X402Version int                `json:"x402Version,omitempty"`
	Error       string             `json:"error,omitempty"`
	Accepts     []StructuredOption `json:"accepts"`
	Escrow      *StructuredEscrow  `json:"escrow,omitempty"`
}

func (*StructuredPaymentRequired) isPaymentRequired() {}

// ProtocolVersion returns "version", falling back to "x402Version".
func (s *StructuredPaymentRequired) ProtocolVersion() int {
	if s.Version != 0 {
		return s.Version
	}
	return s.X402Version
}

// Normalize converts the body into the internal requirement form.
func (s *StructuredPaymentRequired) Normalize(resource string) (x402.PaymentRequirement, error) {
	req := x402.PaymentRequirement{
		Version: s.ProtocolVersion(),
		Source:  x402.SourceStructured,
	}

	for i, opt := range s.Accepts {
		unit, ok := x402.ParseAmountUnit(opt.Unit)
		if !ok {
			return x402.PaymentRequirement{}, x402.NewPaymentError(x402.KindInvalidPaymentRequirement, x402.ErrCodeInvalidRequirement,
				fmt.Sprintf("accepts[%d]: unknown amount unit %q", i, opt.Unit), nil)
		}
		option := x402.PaymentOption{
			Scheme:            opt.Scheme,
			Network:           x402.Network(opt.Network),
			MaxAmountRequired: opt.MaxAmountRequired.String(),
			Unit:              unit,
			Resource:          opt.Resource,
			PayTo:             opt.PayTo,
			Description:       opt.Description,
		}
		if option.Scheme == "" {
			option.Scheme = DefaultScheme
		}
		if option.Resource == "" {
			option.Resource = resource
		}
		req.Accepts = append(req.Accepts, option)
	}

	if s.Escrow != nil {
		req.Escrow = &x402.EscrowTerms{
			Required: s.Escrow.EscrowRequired,
			MinStake: s.Escrow.MinStake.String(),
			Program:  s.Escrow.EscrowProgram,
		}
	}
	return req, nil
}

const structuredSchema = `{
  "type": "object",
  "required": ["accepts"],
  "anyOf": [
    {"required": ["version"]},
    {"required": ["x402Version"]}
  ],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "x402Version": {"type": "integer", "minimum": 1},
    "error": {"type": "string"},
    "accepts": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["network", "maxAmountRequired", "payTo"],
        "properties": {
          "scheme": {"type": "string"},
          "network": {"type": "string", "minLength": 1},
          "maxAmountRequired": {
            "type": ["string", "number"],
            "pattern": "^[0-9]+(\\.[0-9]+)?$"
          },
          "unit": {"type": "string"},
          "resource": {"type": "string"},
          "payTo": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        }
      }
    },
    "escrow": {
      "type": "object",
      "properties": {
        "escrowRequired": {"type": "boolean"},
        "minStake": {"type": ["string", "number"]},
        "escrowProgram": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func structuredPaymentSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(structuredSchema))
	})
	return compiledSchema, schemaErr
}

// ParseStructured validates body against the structured 402 schema and
// decodes it.
func ParseStructured(body []byte) (*StructuredPaymentRequired, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	schema, err := structuredPaymentSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile payment schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("body is not valid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("body does not match payment schema: %s", strings.Join(msgs, "; "))
	}

	var required StructuredPaymentRequired
	if err := json.Unmarshal(body, &required); err != nil {
		return nil, fmt.Errorf("failed to decode payment body: %w", err)
	}
	return &required, nil
}
