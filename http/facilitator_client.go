package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	x402 "github.com/kamiyo-ai/x402-go"
	"github.com/kamiyo-ai/x402-go/types"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient communicates with a remote facilitator service over HTTP.
// It performs single attempts; retries belong to the caller's executor.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	identifier   string
	limiter      *rate.Limiter
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify map[string]string
	Settle map[string]string
	List   map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Identifier for this facilitator (optional)
	Identifier string

	// RateLimit caps outgoing requests per second. Zero disables limiting.
	RateLimit float64

	// Burst is the limiter burst size (defaults to 1 when RateLimit is set)
	Burst int
}

// DefaultFacilitatorURL is the default public facilitator
const DefaultFacilitatorURL = "https://facilitator.payai.network"

// DefaultFacilitatorTimeout bounds each facilitator call.
const DefaultFacilitatorTimeout = 30 * time.Second

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultFacilitatorTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	identifier := config.Identifier
	if identifier == "" {
		identifier = url
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		identifier:   identifier,
		limiter:      limiter,
	}
}

// NewFacilitatorClient creates a new HTTP facilitator client
func NewFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	return NewHTTPFacilitatorClient(config)
}

// URL returns the facilitator base URL.
func (c *HTTPFacilitatorClient) URL() string { return c.url }

// Identifier returns the facilitator identifier.
func (c *HTTPFacilitatorClient) Identifier() string { return c.identifier }

// ============================================================================
// Facilitator operations
// ============================================================================

// Verify asks the facilitator whether a payment proof satisfies a requirement.
// A 402 answer is a valid "invalid" verification, not an error.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, request types.FacilitatorRequest) (*x402.VerifyResponse, error) {
	status, responseBody, header, err := c.post(ctx, "/verify", request, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
		var verifyResponse x402.VerifyResponse
		if err := json.Unmarshal(responseBody, &verifyResponse); err != nil {
			return nil, x402.WrapError(x402.KindInvalidResponse, x402.ErrCodeInvalidResponse,
				"failed to unmarshal verify response", err)
		}
		return &verifyResponse, nil

	case status == http.StatusPaymentRequired:
		var verifyResponse x402.VerifyResponse
		if err := json.Unmarshal(responseBody, &verifyResponse); err != nil || verifyResponse.InvalidReason == "" {
			verifyResponse.InvalidReason = "payment_required"
		}
		verifyResponse.IsValid = false
		return &verifyResponse, nil
	}

	return nil, classifyStatus("verify", status, header, responseBody)
}

// Settle asks the facilitator to settle a verified payment.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, request types.FacilitatorRequest) (*x402.SettleResponse, error) {
	status, responseBody, header, err := c.post(ctx, "/settle", request, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		var settleResponse x402.SettleResponse
		if status == http.StatusPaymentRequired && json.Unmarshal(responseBody, &settleResponse) == nil {
			settleResponse.Success = false
			return &settleResponse, nil
		}
		return nil, classifyStatus("settle", status, header, responseBody)
	}

	var settleResponse x402.SettleResponse
	if err := json.Unmarshal(responseBody, &settleResponse); err != nil {
		return nil, x402.WrapError(x402.KindInvalidResponse, x402.ErrCodeInvalidResponse,
			"failed to unmarshal settle response", err)
	}
	return &settleResponse, nil
}

// List fetches the facilitator's supported networks.
func (c *HTTPFacilitatorClient) List(ctx context.Context) (*types.ListResponse, error) {
	status, responseBody, header, err := c.get(ctx, "/list", func(h AuthHeaders) map[string]string { return h.List })
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyStatus("list", status, header, responseBody)
	}

	list, err := types.ToListResponse(responseBody)
	if err != nil {
		return nil, x402.WrapError(x402.KindInvalidResponse, x402.ErrCodeInvalidResponse,
			"failed to decode list response", err)
	}
	return list, nil
}

// Health calls GET /health and returns the status code.
func (c *HTTPFacilitatorClient) Health(ctx context.Context) (int, error) {
	status, _, _, err := c.get(ctx, "/health", nil)
	return status, err
}

// ============================================================================
// Internal HTTP Methods
// ============================================================================

func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, payload interface{}, pick func(AuthHeaders) map[string]string) (int, []byte, http.Header, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(body), pick)
}

func (c *HTTPFacilitatorClient) get(ctx context.Context, path string, pick func(AuthHeaders) map[string]string) (int, []byte, http.Header, error) {
	return c.do(ctx, http.MethodGet, path, nil, pick)
}

func (c *HTTPFacilitatorClient) do(ctx context.Context, method, path string, body io.Reader, pick func(AuthHeaders) map[string]string) (int, []byte, http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, nil, x402.WrapError(x402.KindRateLimited, x402.ErrCodeRateLimited,
				"facilitator rate limit wait aborted", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Add auth headers if available
	if c.authProvider != nil && pick != nil {
		authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("failed to get auth headers: %w", err)
		}
		for k, v := range pick(authHeaders) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, x402.AsPaymentError(fmt.Errorf("facilitator %s request failed: %w", path, err))
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, x402.AsPaymentError(fmt.Errorf("failed to read response body: %w", err))
	}
	return resp.StatusCode, responseBody, resp.Header, nil
}

// classifyStatus maps a facilitator error status onto the error taxonomy.
func classifyStatus(op string, status int, header http.Header, body []byte) error {
	details := map[string]interface{}{
		"operation": op,
		"status":    status,
		"body":      truncate(body),
	}
	msg := fmt.Sprintf("facilitator %s failed (%d)", op, status)

	switch {
	case status == http.StatusTooManyRequests:
		pe := x402.NewPaymentError(x402.KindRateLimited, x402.ErrCodeRateLimited, msg, details).WithStatus(status)
		pe.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		return pe
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return x402.NewPaymentError(x402.KindTimeout, x402.ErrCodeTimeout, msg, details)
	case status >= 500:
		return x402.NewPaymentError(x402.KindNetworkError, x402.ErrCodeNetwork, msg, details)
	}
	return x402.NewPaymentError(x402.KindPaymentFailed, x402.ErrCodeFacilitator, msg, details).WithStatus(status)
}
