package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	x402 "github.com/kamiyo-ai/x402-go"
	"github.com/kamiyo-ai/x402-go/facilitator"
	x402http "github.com/kamiyo-ai/x402-go/http"
	"github.com/kamiyo-ai/x402-go/resilience"
)

const (
	schemaEmpty = `{"type": "object"}`

	schemaPaidRequest = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "description": "Resource URL"},
    "method": {"type": "string", "description": "HTTP method, default GET"},
    "body": {"type": "string", "description": "Request body"},
    "transaction_id": {"type": "string"},
    "use_escrow": {"type": "boolean", "description": "Override the server's escrow preference"},
    "max_latency_ms": {"type": "integer", "description": "Latency budget for SLA scoring"},
    "min_quality_score": {"type": "integer", "minimum": 0, "maximum": 100}
  },
  "required": ["url"]
}`

	schemaTransaction = `{
  "type": "object",
  "properties": {
    "transaction_id": {"type": "string"}
  },
  "required": ["transaction_id"]
}`
)

func (s *Server) registerTools() {
	s.addTool("health_check",
		"Report payment client and facilitator status. Free.",
		schemaEmpty, s.healthCheck)
	s.addTool("paid_request",
		"Request a resource, paying directly or through escrow when it answers 402 Payment Required.",
		schemaPaidRequest, s.paidRequest)
	s.addTool("escrow_status",
		"Look up an escrow created by this agent.",
		schemaTransaction, s.escrowStatus)
	s.addTool("list_escrows",
		"List escrows created by this agent, oldest first.",
		schemaEmpty, s.listEscrows)
	s.addTool("dispute_escrow",
		"Dispute an active escrow so its funds are held for arbitration.",
		schemaTransaction, s.disputeEscrow)
	if s.facilitator != nil {
		s.addTool("list_networks",
			"List networks the payment facilitator supports.",
			schemaEmpty, s.listNetworks)
	}
}

// HealthReport is the health_check result.
type HealthReport struct {
	Status        string              `json:"status"`
	Version       string              `json:"version"`
	UptimeSeconds float64             `json:"uptimeSeconds"`
	Client        *x402http.Stats     `json:"client,omitempty"`
	Facilitator   *facilitator.Health `json:"facilitator,omitempty"`
	Error         string              `json:"error,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Overall health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

func (s *Server) healthCheck(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	now := s.now()
	report := HealthReport{
		Status:        StatusHealthy,
		Version:       s.version,
		UptimeSeconds: now.Sub(s.started).Seconds(),
		Timestamp:     now,
	}

	stats, err := s.client.Stats(ctx)
	if err != nil {
		report.Status = StatusUnhealthy
		report.Error = err.Error()
		return report, nil
	}
	report.Client = &stats
	if stats.CircuitState == resilience.StateOpen.String() {
		report.Status = StatusDegraded
	}

	if s.facilitator != nil {
		health := s.facilitator.Health(ctx)
		report.Facilitator = &health
		if !health.Healthy {
			report.Status = StatusDegraded
		}
	}
	return report, nil
}

type paidRequestArgs struct {
	URL             string `json:"url"`
	Method          string `json:"method"`
	Body            string `json:"body"`
	TransactionID   string `json:"transaction_id"`
	UseEscrow       *bool  `json:"use_escrow"`
	MaxLatencyMS    int    `json:"max_latency_ms"`
	MinQualityScore int    `json:"min_quality_score"`
}

func (s *Server) paidRequest(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args paidRequestArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.URL == "" {
		return nil, x402.InvalidInput("url is required")
	}

	opts := x402http.RequestOptions{
		Method:        strings.ToUpper(args.Method),
		TransactionID: args.TransactionID,
		UseEscrow:     args.UseEscrow,
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if args.Body != "" {
		opts.Body = []byte(args.Body)
	}
	if args.MaxLatencyMS > 0 || args.MinQualityScore > 0 {
		opts.SLA = &x402.SLAParams{
			MaxLatency:      time.Duration(args.MaxLatencyMS) * time.Millisecond,
			MinQualityScore: args.MinQualityScore,
		}
	}

	resp, err := s.client.Request(ctx, args.URL, opts)
	if err != nil {
		return nil, err
	}
	s.logger.Info("paid request completed",
		"url", args.URL,
		"transaction_id", resp.TransactionID,
		"paid", resp.Paid,
		"method", resp.Method,
	)
	return resp, nil
}

type transactionArgs struct {
	TransactionID string `json:"transaction_id"`
}

func (a transactionArgs) validate() error {
	if a.TransactionID == "" {
		return x402.InvalidInput("transaction_id is required")
	}
	return nil
}

func (s *Server) escrowStatus(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var args transactionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}

	record, ok := s.client.Escrow(args.TransactionID)
	if !ok {
		return nil, x402.NewPaymentError(x402.KindEscrowNotFound, x402.ErrCodeEscrowNotFound,
			"no escrow for transaction", map[string]interface{}{"transactionId": args.TransactionID})
	}
	return record, nil
}

func (s *Server) listEscrows(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"escrows": s.client.Escrows()}, nil
}

func (s *Server) disputeEscrow(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args transactionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	return s.client.DisputeEscrow(ctx, args.TransactionID)
}

func (s *Server) listNetworks(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"networks": s.facilitator.ListNetworks(ctx)}, nil
}
