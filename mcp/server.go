package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/kamiyo-ai/x402-go"
	"github.com/kamiyo-ai/x402-go/facilitator"
	x402http "github.com/kamiyo-ai/x402-go/http"
)

// Server identity reported to MCP clients.
const (
	DefaultName    = "x402-agent"
	DefaultVersion = "1.0.0"
)

// PaymentClient is the part of the payment client the tools use.
type PaymentClient interface {
	Request(ctx context.Context, url string, opts x402http.RequestOptions) (*x402http.Response, error)
	Escrow(transactionID string) (x402.EscrowRecord, bool)
	Escrows() []x402.EscrowRecord
	DisputeEscrow(ctx context.Context, transactionID string) (*x402.EscrowRecord, error)
	Stats(ctx context.Context) (x402http.Stats, error)
}

// Facilitator is the part of the facilitator the tools use.
type Facilitator interface {
	Health(ctx context.Context) facilitator.Health
	ListNetworks(ctx context.Context) []x402.Network
}

var (
	_ PaymentClient = (*x402http.PaymentClient)(nil)
	_ Facilitator   = (*facilitator.MultiNetworkFacilitator)(nil)
)

// Config configures a Server.
type Config struct {
	Client PaymentClient

	// Facilitator is optional. Without it health_check omits facilitator
	// status and list_networks is not registered.
	Facilitator Facilitator

	Name    string
	Version string
	Logger  *slog.Logger
}

// Server is an MCP server exposing payment tools.
type Server struct {
	sdk         *mcpsdk.Server
	client      PaymentClient
	facilitator Facilitator
	version     string
	started     time.Time
	logger      *slog.Logger
	now         func() time.Time
}

// NewServer creates a server and registers its tools.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Client == nil {
		return nil, x402.InvalidInput("mcp: payment client is required")
	}
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	version := cfg.Version
	if version == "" {
		version = DefaultVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		sdk: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    name,
			Version: version,
		}, nil),
		client:      cfg.Client,
		facilitator: cfg.Facilitator,
		version:     version,
		logger:      logger.With("component", "mcp"),
		now:         time.Now,
	}
	s.started = s.now()
	s.registerTools()
	return s, nil
}

// SDK returns the underlying MCP server.
func (s *Server) SDK() *mcpsdk.Server {
	return s.sdk
}

// Run serves a single session over transport until it ends or ctx is done.
func (s *Server) Run(ctx context.Context, transport mcpsdk.Transport) error {
	s.logger.Info("mcp server running")
	return s.sdk.Run(ctx, transport)
}

// toolFunc handles decoded arguments and returns a JSON-serializable result.
type toolFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

func (s *Server) addTool(name, description, schema string, fn toolFunc) {
	s.sdk.AddTool(&mcpsdk.Tool{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(schema),
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := req.Params.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}

		result, err := fn(ctx, args)
		if err != nil {
			s.logger.Debug("tool failed", "tool", name, "error", err)
			return errorResult(err), nil
		}
		return jsonResult(result)
	})
}

func jsonResult(v interface{}) (*mcpsdk.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, nil
}

// errorResult reports a failure as an IsError tool result carrying the
// payment error as JSON.
func errorResult(err error) *mcpsdk.CallToolResult {
	pe := x402.AsPaymentError(err)
	data, marshalErr := json.Marshal(map[string]interface{}{"error": pe})
	text := string(data)
	if marshalErr != nil {
		text = pe.Error()
	}
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: text},
		},
	}
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return x402.InvalidInput("invalid tool arguments: %v", err)
	}
	return nil
}
