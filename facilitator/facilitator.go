// Package facilitator verifies and settles payment proofs across networks
// through a remote facilitator service, with short-lived verification
// caching and concurrent batch operations.
package facilitator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	solana "github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	x402 "github.com/kamiyo-ai/x402-go"
	x402http "github.com/kamiyo-ai/x402-go/http"
	"github.com/kamiyo-ai/x402-go/metrics"
	"github.com/kamiyo-ai/x402-go/resilience"
	"github.com/kamiyo-ai/x402-go/types"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	// DefaultTimeout bounds each facilitator call.
	DefaultTimeout = 10 * time.Second

	// DefaultConcurrency caps concurrent calls within one batch.
	DefaultConcurrency = 8
)

// DefaultNetworks is reported when the facilitator cannot list its own.
var DefaultNetworks = []x402.Network{
	"solana",
	"solana-devnet",
	"base",
	"base-sepolia",
	"polygon",
	"polygon-amoy",
	"arbitrum",
	"arbitrum-sepolia",
	"optimism",
	"optimism-sepolia",
}

// Transport is the remote facilitator API.
type Transport interface {
	Verify(ctx context.Context, request types.FacilitatorRequest) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, request types.FacilitatorRequest) (*x402.SettleResponse, error)
	List(ctx context.Context) (*types.ListResponse, error)
	Health(ctx context.Context) (int, error)
}

var _ Transport = (*x402http.HTTPFacilitatorClient)(nil)

// Config configures a MultiNetworkFacilitator.
type Config struct {
	// Transport defaults to an HTTP client for URL.
	Transport Transport

	// URL of the facilitator, used when Transport is nil.
	URL string

	// Executor guards every call. Defaults to a "facilitator" executor.
	Executor *resilience.Executor

	// Version is the protocol version sent to the facilitator (default 1).
	Version int

	Timeout     time.Duration
	CacheTTL    time.Duration
	Concurrency int
	Logger      *slog.Logger
}

// MultiNetworkFacilitator delegates verify and settle decisions to a remote
// facilitator for any supported network.
type MultiNetworkFacilitator struct {
	transport   Transport
	exec        *resilience.Executor
	cache       *ResultCache
	version     int
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
}

// New creates a facilitator from cfg.
func New(cfg Config) (*MultiNetworkFacilitator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "facilitator")

	transport := cfg.Transport
	if transport == nil {
		transport = x402http.NewHTTPFacilitatorClient(&x402http.FacilitatorConfig{URL: cfg.URL})
	}

	exec := cfg.Executor
	if exec == nil {
		breaker := resilience.DefaultBreakerConfig()
		breaker.OnStateChange = metrics.ObserveBreaker("facilitator")
		var err error
		exec, err = resilience.NewExecutor(resilience.ExecutorConfig{
			Name:    "facilitator",
			Retry:   resilience.DefaultRetryConfig(),
			Breaker: breaker,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	}

	f := &MultiNetworkFacilitator{
		transport:   transport,
		exec:        exec,
		cache:       NewResultCache(cfg.CacheTTL),
		version:     cfg.Version,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
	if f.version == 0 {
		f.version = 1
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.concurrency <= 0 {
		f.concurrency = DefaultConcurrency
	}
	return f, nil
}

// Executor returns the executor guarding facilitator calls.
func (f *MultiNetworkFacilitator) Executor() *resilience.Executor { return f.exec }

// ============================================================================
// Verify / Settle
// ============================================================================

// Verify checks proof against requirement. Results, valid or not, are
// cached for the cache TTL; errors are not.
func (f *MultiNetworkFacilitator) Verify(ctx context.Context, proof string, requirement x402.PaymentOption) (*x402.VerifyResponse, error) {
	if err := validateRequest(proof, requirement); err != nil {
		return nil, err
	}

	key := CacheKey(proof, requirement.Network, requirement.MaxAmountRequired)
	var done chan struct{}
	for done == nil {
		status, cached, ch := f.cache.CheckAndMark(key)
		switch status {
		case StatusCached:
			f.logger.Debug("verification cache hit", "network", string(requirement.Network))
			return cached, nil
		case StatusInFlight:
			result, err := f.cache.WaitForResult(ctx, key, ch)
			if err != nil {
				return nil, x402.AsPaymentError(err)
			}
			if result != nil {
				return result, nil
			}
		default:
			done = ch
		}
	}

	request := types.NewFacilitatorRequest(f.version, proof, requirement)
	result, err := resilience.Do(ctx, f.exec, "verify", func(ctx context.Context) (*x402.VerifyResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		return f.transport.Verify(ctx, request)
	})
	metrics.ObserveFacilitator("verify", err)
	if err != nil {
		f.cache.Fail(key, done)
		f.logger.Warn("verify failed", "network", string(requirement.Network), "error", err)
		return nil, err
	}

	f.cache.Complete(key, result, done)
	if !result.IsValid {
		f.logger.Info("payment invalid", "network", string(requirement.Network), "reason", result.InvalidReason)
	}
	return result, nil
}

// Settle submits a payment for settlement. It never consults the cache.
func (f *MultiNetworkFacilitator) Settle(ctx context.Context, proof string, requirement x402.PaymentOption) (*x402.SettleResponse, error) {
	if err := validateRequest(proof, requirement); err != nil {
		return nil, err
	}

	request := types.NewFacilitatorRequest(f.version, proof, requirement)
	result, err := resilience.Do(ctx, f.exec, "settle", func(ctx context.Context) (*x402.SettleResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		return f.transport.Settle(ctx, request)
	})
	metrics.ObserveFacilitator("settle", err)
	if err != nil {
		f.logger.Warn("settle failed", "network", string(requirement.Network), "error", err)
		return nil, err
	}

	f.logger.Info("payment settled",
		"network", string(requirement.Network),
		"success", result.Success,
		"transaction", result.Transaction,
	)
	return result, nil
}

// Outcome is the result of VerifyAndSettle.
type Outcome struct {
	Verification *x402.VerifyResponse `json:"verification"`
	Settlement   *x402.SettleResponse `json:"settlement,omitempty"`
	Settled      bool                 `json:"settled"`
}

// VerifyAndSettle verifies proof and settles it only if it is valid.
func (f *MultiNetworkFacilitator) VerifyAndSettle(ctx context.Context, proof string, requirement x402.PaymentOption) (*Outcome, error) {
	verification, err := f.Verify(ctx, proof, requirement)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Verification: verification}
	if !verification.IsValid {
		return out, nil
	}

	settlement, err := f.Settle(ctx, proof, requirement)
	if err != nil {
		return out, err
	}
	out.Settlement = settlement
	out.Settled = settlement.Success
	return out, nil
}

// ============================================================================
// Batches
// ============================================================================

// Item is one (proof, requirement) pair of a batch.
type Item struct {
	Proof       string             `json:"proof"`
	Requirement x402.PaymentOption `json:"requirement"`
}

// VerifyItem is the per-item result of VerifyBatch.
type VerifyItem struct {
	Index  int                  `json:"index"`
	Result *x402.VerifyResponse `json:"result,omitempty"`
	Err    error                `json:"-"`
}

// VerifyBatchResult summarizes VerifyBatch. An item succeeds when it was
// verified and found valid.
type VerifyBatchResult struct {
	Items        []VerifyItem `json:"items"`
	SuccessCount int          `json:"successCount"`
	FailureCount int          `json:"failureCount"`
}

// SettleItem is the per-item result of SettleBatch.
type SettleItem struct {
	Index  int                  `json:"index"`
	Result *x402.SettleResponse `json:"result,omitempty"`
	Err    error                `json:"-"`
}

// SettleBatchResult summarizes SettleBatch. TotalSettled sums the
// smallest-unit amounts of successful items.
type SettleBatchResult struct {
	Items        []SettleItem `json:"items"`
	SuccessCount int          `json:"successCount"`
	FailureCount int          `json:"failureCount"`
	TotalSettled *big.Int     `json:"totalSettled"`
}

// VerifyBatch verifies items concurrently. One item's failure never
// affects the others.
func (f *MultiNetworkFacilitator) VerifyBatch(ctx context.Context, items []Item) *VerifyBatchResult {
	out := &VerifyBatchResult{Items: make([]VerifyItem, len(items))}

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, item := range items {
		g.Go(func() error {
			result, err := f.Verify(ctx, item.Proof, item.Requirement)
			out.Items[i] = VerifyItem{Index: i, Result: result, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range out.Items {
		if item.Err == nil && item.Result != nil && item.Result.IsValid {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
	}
	return out
}

// SettleBatch settles items concurrently. One item's failure never
// affects the others.
func (f *MultiNetworkFacilitator) SettleBatch(ctx context.Context, items []Item) *SettleBatchResult {
	out := &SettleBatchResult{
		Items:        make([]SettleItem, len(items)),
		TotalSettled: new(big.Int),
	}

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, item := range items {
		g.Go(func() error {
			result, err := f.Settle(ctx, item.Proof, item.Requirement)
			out.Items[i] = SettleItem{Index: i, Result: result, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, item := range out.Items {
		if item.Err != nil || item.Result == nil || !item.Result.Success {
			out.FailureCount++
			continue
		}
		out.SuccessCount++
		req := items[i].Requirement
		amount, err := x402.ToAtomic(req.MaxAmountRequired, req.Unit, req.Network.Decimals())
		if err != nil {
			f.logger.Warn("settled item has unparseable amount", "index", i, "amount", req.MaxAmountRequired)
			continue
		}
		out.TotalSettled.Add(out.TotalSettled, new(big.Int).SetUint64(amount))
	}
	return out
}

// ============================================================================
// Discovery
// ============================================================================

// ListNetworks returns the facilitator's supported networks, falling back
// to DefaultNetworks when the facilitator is unreachable or answers with
// something unusable.
func (f *MultiNetworkFacilitator) ListNetworks(ctx context.Context) []x402.Network {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	list, err := f.transport.List(ctx)
	metrics.ObserveFacilitator("list", err)
	if err != nil {
		f.logger.Debug("network listing unavailable, using defaults", "error", err)
		return append([]x402.Network(nil), DefaultNetworks...)
	}

	names := list.NetworkNames()
	if len(names) == 0 {
		return append([]x402.Network(nil), DefaultNetworks...)
	}
	networks := make([]x402.Network, len(names))
	for i, n := range names {
		networks[i] = x402.Network(n)
	}
	return networks
}

// Health is a facilitator health check result.
type Health struct {
	Healthy bool          `json:"healthy"`
	Status  int           `json:"status,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Health checks the facilitator. It never fails; problems are reported
// on the result.
func (f *MultiNetworkFacilitator) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	status, err := f.transport.Health(ctx)
	h := Health{Status: status, Latency: time.Since(start)}
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Healthy = status >= http.StatusOK && status < http.StatusMultipleChoices
	return h
}

// ============================================================================
// Validation
// ============================================================================

func validateRequest(proof string, requirement x402.PaymentOption) error {
	if proof == "" {
		return x402.InvalidInput("payment proof is required")
	}
	switch requirement.Network.Family() {
	case x402.FamilyEVM:
		if !common.IsHexAddress(requirement.PayTo) {
			return invalidPayTo(requirement)
		}
	case x402.FamilySolana:
		if _, err := solana.PublicKeyFromBase58(requirement.PayTo); err != nil {
			return invalidPayTo(requirement)
		}
	default:
		return x402.NewPaymentError(x402.KindInvalidPaymentRequirement, x402.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("unsupported network %q", requirement.Network), nil)
	}
	return nil
}

func invalidPayTo(requirement x402.PaymentOption) error {
	return x402.NewPaymentError(x402.KindInvalidPaymentRequirement, x402.ErrCodeInvalidRequirement,
		fmt.Sprintf("payTo %q is not a valid %s address", requirement.PayTo, requirement.Network.Family()),
		map[string]interface{}{"network": string(requirement.Network)})
}
