package gin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	x402 "github.com/kamiyo-ai/x402-go"
	"github.com/kamiyo-ai/x402-go/facilitator"
	x402http "github.com/kamiyo-ai/x402-go/http"
	"github.com/kamiyo-ai/x402-go/types"
)

const x402Version = 1

// Context keys set for downstream handlers once a payment is verified.
const (
	ContextKeyProof         = "x402.proof"
	ContextKeyTransactionID = "x402.transactionId"
	ContextKeyEscrowAddress = "x402.escrowAddress"
)

// HeaderPaymentResponse carries the base64 JSON settlement on paid responses.
const HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

// Facilitator verifies and settles payment proofs.
type Facilitator interface {
	Verify(ctx context.Context, proof string, requirement x402.PaymentOption) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, proof string, requirement x402.PaymentOption) (*x402.SettleResponse, error)
}

var _ Facilitator = (*facilitator.MultiNetworkFacilitator)(nil)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Description     string
	Resource        string
	ResourceRootURL string
	Network         x402.Network
	EscrowRequired  bool
	EscrowProgram   string
	Logger          *slog.Logger
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithDescription is an option for the PaymentMiddleware to set the description.
func WithDescription(description string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Description = description
	}
}

// WithResource is an option for the PaymentMiddleware to set the resource.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// WithNetwork is an option for the PaymentMiddleware to set the network explicitly.
func WithNetwork(network x402.Network) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Network = network
	}
}

// WithEscrow asks payers to lock funds in the given escrow program.
func WithEscrow(program string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.EscrowRequired = true
		options.EscrowProgram = program
	}
}

// WithLogger sets the middleware logger.
func WithLogger(logger *slog.Logger) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Logger = logger
	}
}

// PaymentMiddleware gates a route behind a facilitator-verified payment.
// Amount is whole currency (ex: 0.01 SOL), converted with the network's decimals.
//
// Requests without a valid X-PAYMENT header get a 402 carrying both the
// structured JSON body and the legacy amount/address headers. Verified
// requests run the handler, and the payment is settled before the handler's
// response is released.
func PaymentMiddleware(amount *big.Float, payTo string, f Facilitator, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{
		Network: "solana",
	}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "paywall")

	atomic := AmountToAssetUnits(amount, options.Network.Decimals())

	return func(c *gin.Context) {
		resource := options.Resource
		if resource == "" {
			resource = options.ResourceRootURL + c.Request.URL.Path
		}

		requirement := x402.PaymentOption{
			Scheme:            types.DefaultScheme,
			Network:           options.Network,
			MaxAmountRequired: atomic.String(),
			Unit:              x402.UnitAtomic,
			Resource:          resource,
			PayTo:             payTo,
			Description:       options.Description,
		}

		header := c.GetHeader(types.HeaderPayment)
		if header == "" {
			paymentRequired(c, options, requirement, "X-PAYMENT header is required")
			return
		}

		proof, err := x402http.ValidatePaymentHeader(header)
		if err != nil {
			logger.Debug("rejected payment header", "error", err)
			paymentRequired(c, options, requirement, err.Error())
			return
		}
		if proof.Network != options.Network {
			paymentRequired(c, options, requirement, "payment network does not match requirement")
			return
		}

		ctx := c.Request.Context()
		verification, err := f.Verify(ctx, header, requirement)
		if err != nil {
			logger.Error("failed to verify", "resource", resource, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": x402Version,
			})
			return
		}
		if !verification.IsValid {
			logger.Info("invalid payment", "resource", resource, "reason", verification.InvalidReason)
			paymentRequired(c, options, requirement, verification.InvalidReason)
			return
		}

		c.Set(ContextKeyProof, *proof)
		c.Set(ContextKeyTransactionID, c.GetHeader(types.HeaderTransactionID))
		c.Set(ContextKeyEscrowAddress, c.GetHeader(types.HeaderEscrowAddress))

		// Create a custom response writer to intercept the response
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &strings.Builder{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		// Reset the response writer to the original
		c.Writer = writer.ResponseWriter
		if c.IsAborted() {
			return
		}

		settlement, err := f.Settle(ctx, header, requirement)
		if err == nil && !settlement.Success {
			reason := settlement.Error
			if reason == "" {
				reason = "settlement rejected"
			}
			paymentRequired(c, options, requirement, reason)
			return
		}
		if err != nil {
			logger.Error("settlement failed", "resource", resource, "error", err)
			paymentRequired(c, options, requirement, err.Error())
			return
		}

		encoded, err := json.Marshal(settlement)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": x402Version,
			})
			return
		}

		logger.Info("payment settled",
			"resource", resource,
			"payer", proof.Payer,
			"transaction", settlement.Transaction,
		)
		c.Header(HeaderPaymentResponse, base64.StdEncoding.EncodeToString(encoded))
		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.Write([]byte(writer.body.String()))
	}
}

// paymentRequired aborts with a 402 in both wire formats.
func paymentRequired(c *gin.Context, options *PaymentMiddlewareOptions, requirement x402.PaymentOption, reason string) {
	c.Header(types.HeaderPaymentAmount, requirement.MaxAmountRequired)
	c.Header(types.HeaderPaymentAddress, requirement.PayTo)
	c.Header(types.HeaderPaymentUnit, string(requirement.Unit))
	c.Header(types.HeaderPaymentNetwork, string(requirement.Network))

	body := gin.H{
		"error":       reason,
		"accepts":     []x402.PaymentOption{requirement},
		"x402Version": x402Version,
	}
	if options.EscrowRequired {
		body["escrow"] = x402.EscrowTerms{
			Required: true,
			Program:  options.EscrowProgram,
		}
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
}

// responseWriter is a custom response writer that captures the response
type responseWriter struct {
	gin.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}

// AmountToAssetUnits converts a human-readable amount into base units using the token's decimals.
func AmountToAssetUnits(amount *big.Float, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaleFloat := new(big.Float).SetPrec(256).SetInt(scale)
	amountFloat := new(big.Float).SetPrec(256).Set(amount)
	res, _ := new(big.Float).Mul(amountFloat, scaleFloat).Int(nil)
	return res
}
