package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	x402 "github.com/kamiyo-ai/x402-go"
	"github.com/kamiyo-ai/x402-go/mechanisms/svm/escrow"
	"github.com/kamiyo-ai/x402-go/metrics"
	"github.com/kamiyo-ai/x402-go/resilience"
	"github.com/kamiyo-ai/x402-go/types"
)

// ============================================================================
// Configuration
// ============================================================================

// Client defaults and bounds.
const (
	DefaultQualityThreshold = x402.DefaultQualityFloor
	DefaultMaxPriceLamports = x402.LamportsPerSOL / 10
	DefaultMaxPriceEVM      = 1_000_000
	DefaultTimeLock         = time.Hour
	DefaultTimeout          = 30 * time.Second

	MinTimeLock = time.Minute
	MaxTimeLock = 30 * 24 * time.Hour
	MinTimeout  = time.Second
	MaxTimeout  = 300 * time.Second

	maxBodyBytes = 10 << 20
)

// Config holds the capabilities a PaymentClient cannot work without.
type Config struct {
	// Signer is the paying identity. Required.
	Signer x402.Signer

	// Ledger manages escrows. Required for the escrow payment path.
	Ledger x402.EscrowLedger

	// ProgramID is the escrow program. Defaults to escrow.DefaultProgramID.
	ProgramID string
}

// Option configures a PaymentClient.
type Option func(*PaymentClient)

// WithQualityThreshold sets the SLA score below which escrows are disputed.
func WithQualityThreshold(threshold int) Option {
	return func(c *PaymentClient) { c.threshold = threshold }
}

// WithMaxPrice sets the per-request price cap in lamports.
func WithMaxPrice(lamports uint64) Option {
	return WithMaxPriceFor(x402.FamilySolana, lamports)
}

// WithMaxPriceFor sets the per-request price cap, in atomic units, for a network family.
func WithMaxPriceFor(family string, atomic uint64) Option {
	return func(c *PaymentClient) { c.priceCaps[family] = atomic }
}

// WithTimeLock sets the default escrow time lock.
func WithTimeLock(d time.Duration) Option {
	return func(c *PaymentClient) { c.timeLock = d }
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *PaymentClient) { c.timeout = d }
}

// WithRetry overrides the retry configuration.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *PaymentClient) { c.retryCfg = cfg }
}

// WithBreaker overrides the circuit breaker configuration.
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(c *PaymentClient) { c.breakerCfg = cfg }
}

// WithDirectPayer registers the payer used for a network family.
func WithDirectPayer(family string, payer x402.DirectPayer) Option {
	return func(c *PaymentClient) { c.payers[family] = payer }
}

// WithBalanceProvider registers the balance source checked before paying on a family.
func WithBalanceProvider(family string, provider x402.BalanceProvider) Option {
	return func(c *PaymentClient) { c.balances[family] = provider }
}

// WithSignatureStore replaces the in-memory used-signature store.
func WithSignatureStore(store x402.SignatureStore) Option {
	return func(c *PaymentClient) { c.signatures = store }
}

// WithHTTPClient sets the HTTP client used for resource requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *PaymentClient) { c.httpClient = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *PaymentClient) { c.logger = logger }
}

// WithDebug enables debug logging when no logger is given.
func WithDebug(debug bool) Option {
	return func(c *PaymentClient) { c.debug = debug }
}

// WithSweepInterval sets how often used signatures are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(c *PaymentClient) { c.sweepInterval = d }
}

// ============================================================================
// PaymentClient
// ============================================================================

// PaymentClient performs requests against x402-protected resources, paying
// directly or through escrow when the server answers 402.
type PaymentClient struct {
	signer    x402.Signer
	ledger    x402.EscrowLedger
	programID solana.PublicKey

	threshold  int
	priceCaps  map[string]uint64
	timeLock   time.Duration
	timeout    time.Duration
	retryCfg   resilience.RetryConfig
	breakerCfg resilience.BreakerConfig

	payers        map[string]x402.DirectPayer
	balances      map[string]x402.BalanceProvider
	signatures    x402.SignatureStore
	sweepInterval time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
	debug         bool

	exec     *resilience.Executor
	registry *x402.EscrowRegistry
	sweep    *x402.SweepJob

	// Dispute hooks
	disputeHooks x402.DisputeHooks

	lifetime context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closed   bool
	disputes sync.WaitGroup
	now      func() time.Time
}

// NewPaymentClient validates the configuration and returns a ready client.
// All validation failures are InvalidInput errors.
func NewPaymentClient(cfg Config, opts ...Option) (*PaymentClient, error) {
	c := &PaymentClient{
		signer:    cfg.Signer,
		ledger:    cfg.Ledger,
		threshold: DefaultQualityThreshold,
		priceCaps: map[string]uint64{
			x402.FamilySolana: DefaultMaxPriceLamports,
			x402.FamilyEVM:    DefaultMaxPriceEVM,
		},
		timeLock:   DefaultTimeLock,
		timeout:    DefaultTimeout,
		retryCfg:   resilience.DefaultRetryConfig(),
		breakerCfg: resilience.DefaultBreakerConfig(),
		payers:     make(map[string]x402.DirectPayer),
		balances:   make(map[string]x402.BalanceProvider),
		registry:   x402.NewEscrowRegistry(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(cfg); err != nil {
		return nil, err
	}

	if c.logger == nil {
		c.logger = slog.Default()
		if c.debug {
			c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	}
	c.logger = c.logger.With("component", "payment-client")
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.signatures == nil {
		c.signatures = x402.NewMemorySignatureStore()
	}

	breakerCfg := c.breakerCfg
	observe := metrics.ObserveBreaker("payment")
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to resilience.State) {
		observe(from, to)
		c.logger.Info("circuit state changed", "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(from, to)
		}
	}
	exec, err := resilience.NewExecutor(resilience.ExecutorConfig{
		Name:    "payment",
		Retry:   c.retryCfg,
		Breaker: breakerCfg,
		Logger:  c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.exec = exec

	c.lifetime, c.cancel = context.WithCancel(context.Background())
	c.sweep = x402.NewSweepJob(c.signatures, c.sweepInterval, x402.SignatureRetention, c.logger)
	c.sweep.Start(c.lifetime)

	return c, nil
}

func (c *PaymentClient) validate(cfg Config) error {
	programID := cfg.ProgramID
	if programID == "" {
		c.programID = escrow.DefaultProgramID
	} else {
		key, err := solana.PublicKeyFromBase58(programID)
		if err != nil {
			return x402.InvalidInput("invalid program id %q: %v", programID, err)
		}
		c.programID = key
	}
	if c.signer == nil {
		return x402.InvalidInput("signer is required")
	}
	if c.threshold < 0 || c.threshold > 100 {
		return x402.InvalidInput("quality threshold must be within [0, 100], got %d", c.threshold)
	}
	for family, limit := range c.priceCaps {
		if limit == 0 {
			return x402.InvalidInput("max price for %s must be positive", family)
		}
	}
	if c.timeLock < MinTimeLock || c.timeLock > MaxTimeLock {
		return x402.InvalidInput("time lock must be within [%s, %s], got %s", MinTimeLock, MaxTimeLock, c.timeLock)
	}
	if c.timeout < MinTimeout || c.timeout > MaxTimeout {
		return x402.InvalidInput("timeout must be within [%s, %s], got %s", MinTimeout, MaxTimeout, c.timeout)
	}
	if err := c.retryCfg.Validate(); err != nil {
		return err
	}
	return c.breakerCfg.Validate()
}

// ProgramID returns the configured escrow program.
func (c *PaymentClient) ProgramID() string { return c.programID.String() }

// Executor returns the executor guarding requests.
func (c *PaymentClient) Executor() *resilience.Executor { return c.exec }

// ============================================================================
// Hook Registration Methods
// ============================================================================

// OnDisputeQueued registers a hook called when a dispute is queued.
func (c *PaymentClient) OnDisputeQueued(hook x402.OnDisputeQueuedHook) *PaymentClient {
	c.disputeHooks.OnQueued = append(c.disputeHooks.OnQueued, hook)
	return c
}

// OnDisputeSucceeded registers a hook called after a dispute lands.
func (c *PaymentClient) OnDisputeSucceeded(hook x402.OnDisputeSucceededHook) *PaymentClient {
	c.disputeHooks.OnSucceeded = append(c.disputeHooks.OnSucceeded, hook)
	return c
}

// OnDisputeFailed registers a hook called when a dispute fails.
func (c *PaymentClient) OnDisputeFailed(hook x402.OnDisputeFailedHook) *PaymentClient {
	c.disputeHooks.OnFailed = append(c.disputeHooks.OnFailed, hook)
	return c
}

// ============================================================================
// Request
// ============================================================================

// RequestOptions customizes a single Request.
type RequestOptions struct {
	Method string
	Body   []byte
	Header http.Header

	// TransactionID defaults to a fresh UUID.
	TransactionID string

	// UseEscrow overrides the server's escrow preference when set.
	UseEscrow *bool

	// SLA enables response scoring.
	SLA *x402.SLAParams

	// Timeout overrides the client default per attempt.
	Timeout time.Duration

	// TimeLock overrides the client default for escrows created by this request.
	TimeLock time.Duration
}

// Response is the outcome of a successful Request.
type Response struct {
	Success       bool            `json:"success"`
	Status        int             `json:"status"`
	Data          interface{}     `json:"data"`
	Body          []byte          `json:"-"`
	Header        http.Header     `json:"-"`
	TransactionID string          `json:"transactionId"`
	Paid          bool            `json:"paid"`
	Method        string          `json:"method,omitempty"`
	Network       x402.Network    `json:"network,omitempty"`
	Amount        uint64          `json:"amount,omitempty"`
	Signature     string          `json:"signature,omitempty"`
	EscrowAddress string          `json:"escrowAddress,omitempty"`
	Latency       time.Duration   `json:"latency"`
	SLA           *x402.SLAResult `json:"slaResult,omitempty"`
	DisputeQueued bool            `json:"disputeQueued"`
	Phase         Phase           `json:"phase"`
}

// Payment methods reported on Response.Method.
const (
	MethodEscrow = "escrow"
	MethodDirect = "direct"
)

// flow carries state across retry attempts of one Request so a payment is
// made at most once.
type flow struct {
	url   string
	txID  string
	opts  RequestOptions
	phase Phase

	proof   *x402.PaymentProof
	method  string
	network x402.Network
	amount  uint64
}

// Request fetches url, paying for it when the server answers 402.
func (c *PaymentClient) Request(ctx context.Context, url string, opts RequestOptions) (*Response, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, x402.WrapError(x402.KindInvalidInput, x402.ErrCodeInvalidInput, "request rejected", errClosed)
	}

	start := c.now()
	f := &flow{url: url, txID: opts.TransactionID, opts: opts, phase: PhaseIdle}
	if f.txID == "" {
		f.txID = uuid.NewString()
	}
	if err := escrow.ValidateTransactionID(f.txID); err != nil {
		return nil, err
	}

	var resp *Response
	err := c.exec.Execute(ctx, "request", func(ctx context.Context) error {
		r, err := c.attempt(ctx, f)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	elapsed := c.now().Sub(start)
	metrics.ObserveRequest(metrics.Outcome(err), elapsed)
	if err != nil {
		failedAt := f.phase
		f.phase = PhaseError
		pe := x402.AsPaymentError(err).WithDetail("phase", failedAt.String())
		c.logger.Warn("request failed",
			"url", url,
			"transaction_id", f.txID,
			"kind", string(pe.Kind),
			"error", err,
		)
		return nil, pe
	}

	c.logger.Debug("request completed",
		"url", url,
		"transaction_id", f.txID,
		"paid", resp.Paid,
		"elapsed", elapsed,
	)
	return resp, nil
}

func (c *PaymentClient) attempt(ctx context.Context, f *flow) (*Response, error) {
	timeout := f.opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// A payment from an earlier attempt is reused rather than repeated.
	if f.proof == nil {
		f.phase = PhaseRequesting
		started := c.now()
		res, body, err := c.send(ctx, f, nil)
		if err != nil {
			return nil, err
		}
		switch {
		case res.StatusCode == http.StatusPaymentRequired:
			f.phase = PhasePaymentRequired
			if err := c.pay(ctx, f, res.Header, body); err != nil {
				return nil, err
			}
		case isSuccess(res.StatusCode):
			return c.complete(f, res, body, c.now().Sub(started))
		default:
			return nil, statusError(res, body)
		}
	}

	f.phase = PhaseRetrying
	header, err := c.proofHeaders(f)
	if err != nil {
		return nil, err
	}
	started := c.now()
	res, body, err := c.send(ctx, f, header)
	if err != nil {
		return nil, err
	}
	switch {
	case isSuccess(res.StatusCode):
		return c.complete(f, res, body, c.now().Sub(started))
	case res.StatusCode == http.StatusPaymentRequired:
		return nil, x402.NewPaymentError(x402.KindPaymentRejected, x402.ErrCodePaymentRejected,
			"server rejected the payment proof", map[string]interface{}{
				"transactionId": f.txID,
				"body":          truncate(body),
			}).WithStatus(res.StatusCode)
	default:
		return nil, statusError(res, body)
	}
}

func (c *PaymentClient) send(ctx context.Context, f *flow, extra http.Header) (*http.Response, []byte, error) {
	method := f.opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var reqBody io.Reader
	if f.opts.Body != nil {
		reqBody = bytes.NewReader(f.opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.url, reqBody)
	if err != nil {
		return nil, nil, x402.WrapError(x402.KindInvalidInput, x402.ErrCodeInvalidInput, "failed to create request", err)
	}
	for k, vs := range f.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range extra {
		req.Header[k] = vs
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, x402.AsPaymentError(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, x402.AsPaymentError(fmt.Errorf("failed to read response body: %w", err))
	}
	return res, body, nil
}

// pay parses the requirement, enforces the price and balance limits and
// makes the payment, recording the proof on f.
func (c *PaymentClient) pay(ctx context.Context, f *flow, header http.Header, body []byte) error {
	requirement, err := types.ParseRequirement(header, body, f.url)
	if err != nil {
		return err
	}
	useEscrow := requirement.EscrowRequired()
	if f.opts.UseEscrow != nil {
		useEscrow = *f.opts.UseEscrow
	}

	option, err := c.selectOption(requirement.Accepts, useEscrow)
	if err != nil {
		return err
	}
	family := option.Network.Family()

	amount, err := x402.ToAtomic(option.MaxAmountRequired, option.Unit, decimalsFor(family))
	if err != nil {
		return err
	}
	if amount == 0 {
		return x402.NewPaymentError(x402.KindInvalidPaymentRequirement, x402.ErrCodeInvalidRequirement,
			"payment amount must be positive", nil)
	}

	if limit := c.priceCaps[family]; limit > 0 && amount > limit {
		return x402.NewPaymentError(x402.KindPriceExceeded, x402.ErrCodePriceExceeded,
			fmt.Sprintf("price %d exceeds maximum %d", amount, limit),
			map[string]interface{}{"amount": amount, "max": limit, "network": string(option.Network)})
	}

	if provider := c.balances[family]; provider != nil {
		balance, err := provider.Balance(ctx)
		if err != nil {
			return err
		}
		if balance < amount {
			return x402.NewPaymentError(x402.KindInsufficientFunds, x402.ErrCodeInsufficientFunds,
				fmt.Sprintf("balance %d is below required %d", balance, amount),
				map[string]interface{}{"balance": balance, "required": amount})
		}
	}

	f.phase = PhasePaying
	proof := &x402.PaymentProof{
		Network:       option.Network,
		Payer:         c.signer.PublicAddress(),
		Timestamp:     c.now().Unix(),
		TransactionID: f.txID,
	}

	if useEscrow {
		timeLock := f.opts.TimeLock
		if timeLock <= 0 {
			timeLock = c.timeLock
		}
		record, err := c.CreateEscrow(ctx, EscrowParams{
			TransactionID: f.txID,
			Payee:         option.PayTo,
			Amount:        amount,
			TimeLock:      timeLock,
		})
		if err != nil {
			return terminalPayment(err)
		}
		proof.Signature = record.Signature
		proof.EscrowAddress = record.Address
		f.method = MethodEscrow
	} else {
		receipt, err := c.payers[family].Pay(ctx, x402.DirectPayment{
			Network:       option.Network,
			PayTo:         option.PayTo,
			Amount:        amount,
			TransactionID: f.txID,
		})
		if err != nil {
			return terminalPayment(err)
		}
		proof.Signature = receipt.Signature
		if receipt.Payer != "" {
			proof.Payer = receipt.Payer
		}
		proof.Authorization = receipt.Authorization
		f.method = MethodDirect
	}

	fresh, err := c.signatures.MarkUsed(ctx, proof.Signature, c.now())
	if err != nil {
		return terminalPayment(err)
	}
	if !fresh {
		return x402.NewPaymentError(x402.KindPaymentRejected, x402.ErrCodeReplayedSignature,
			"payment signature was already used", map[string]interface{}{"signature": proof.Signature})
	}

	f.proof = proof
	f.network = option.Network
	f.amount = amount
	metrics.ObservePayment(f.method, string(option.Network))

	c.logger.Info("payment made",
		"transaction_id", f.txID,
		"method", f.method,
		"network", string(option.Network),
		"amount", amount,
		"signature", proof.Signature,
	)
	return nil
}

// selectOption returns the first accepted option the client has a way to
// pay. When none fits, the error describes the first option.
func (c *PaymentClient) selectOption(accepts []x402.PaymentOption, useEscrow bool) (x402.PaymentOption, error) {
	var first error
	for _, option := range accepts {
		err := c.payable(option, useEscrow)
		if err == nil {
			return option, nil
		}
		if first == nil {
			first = err
		}
	}
	if first == nil {
		first = x402.NewPaymentError(x402.KindInvalidPaymentRequirement, x402.ErrCodeInvalidRequirement,
			"no accepted payment options", nil)
	}
	return x402.PaymentOption{}, first
}

func (c *PaymentClient) payable(option x402.PaymentOption, useEscrow bool) error {
	family := option.Network.Family()
	switch {
	case family == "":
		return x402.NewPaymentError(x402.KindInvalidPaymentRequirement, x402.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("unsupported network %q", option.Network), nil)
	case useEscrow && family != x402.FamilySolana:
		return x402.NewPaymentError(x402.KindInvalidPaymentRequirement, x402.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("escrow is not available on %s", option.Network), nil)
	case useEscrow && c.ledger == nil:
		return x402.InvalidInput("no escrow ledger configured")
	case !useEscrow && c.payers[family] == nil:
		return x402.NewPaymentError(x402.KindInvalidInput, x402.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("no direct payer registered for %s", family), nil)
	}
	return nil
}

func (c *PaymentClient) proofHeaders(f *flow) (http.Header, error) {
	encoded, err := types.EncodeProofHeader(*f.proof)
	if err != nil {
		return nil, x402.WrapError(x402.KindPaymentFailed, x402.ErrCodePaymentFailed, "failed to encode payment proof", err)
	}
	header := http.Header{}
	header.Set(types.HeaderPayment, encoded)
	header.Set(types.HeaderTransactionID, f.txID)
	if f.proof.EscrowAddress != "" {
		header.Set(types.HeaderEscrowAddress, f.proof.EscrowAddress)
	}
	return header, nil
}

func (c *PaymentClient) complete(f *flow, res *http.Response, body []byte, latency time.Duration) (*Response, error) {
	f.phase = PhaseValidating

	out := &Response{
		Success:       true,
		Status:        res.StatusCode,
		Data:          decodeBody(body),
		Body:          body,
		Header:        res.Header,
		TransactionID: f.txID,
		Latency:       latency,
	}
	if f.proof != nil {
		out.Paid = true
		out.Method = f.method
		out.Network = f.network
		out.Amount = f.amount
		out.Signature = f.proof.Signature
		out.EscrowAddress = f.proof.EscrowAddress
	}

	if f.opts.SLA != nil {
		result := x402.EvaluateSLA(*f.opts.SLA, latency, body)
		out.SLA = &result
		metrics.ObserveQuality(result.QualityScore)

		if result.QualityScore < c.threshold {
			if record, ok := c.registry.Get(f.txID); ok && record.Status == x402.EscrowActive {
				out.DisputeQueued = c.queueDispute(record, result)
			}
		}
	}

	f.phase = PhaseDone
	out.Phase = PhaseDone
	return out, nil
}

// ============================================================================
// Escrow operations
// ============================================================================

// EscrowParams describes an escrow to create.
type EscrowParams struct {
	TransactionID string
	Payee         string
	Amount        uint64
	TimeLock      time.Duration
}

// CreateEscrow locks funds for payee. Transaction ids are single use.
func (c *PaymentClient) CreateEscrow(ctx context.Context, p EscrowParams) (*x402.EscrowRecord, error) {
	if err := escrow.ValidateTransactionID(p.TransactionID); err != nil {
		return nil, err
	}
	if p.Payee == "" {
		return nil, x402.InvalidInput("payee is required")
	}
	if p.Amount == 0 {
		return nil, x402.InvalidInput("escrow amount must be positive")
	}
	if p.TimeLock <= 0 {
		p.TimeLock = c.timeLock
	}
	if p.TimeLock < MinTimeLock || p.TimeLock > MaxTimeLock {
		return nil, x402.InvalidInput("time lock must be within [%s, %s], got %s", MinTimeLock, MaxTimeLock, p.TimeLock)
	}
	if c.ledger == nil {
		return nil, x402.InvalidInput("no escrow ledger configured")
	}

	if err := c.registry.Reserve(p.TransactionID); err != nil {
		return nil, err
	}

	receipt, err := c.ledger.Create(ctx, x402.EscrowCreate{
		Payee:         p.Payee,
		Amount:        p.Amount,
		TimeLock:      p.TimeLock,
		TransactionID: p.TransactionID,
	})
	if err != nil {
		c.registry.Abandon(p.TransactionID)
		return nil, x402.AsPaymentError(err)
	}

	now := c.now()
	record := x402.EscrowRecord{
		Address:       receipt.Address,
		Owner:         c.signer.PublicAddress(),
		Counterparty:  p.Payee,
		Amount:        p.Amount,
		Status:        x402.EscrowActive,
		TransactionID: p.TransactionID,
		Signature:     receipt.Signature,
		CreatedAt:     now,
		ExpiresAt:     now.Add(p.TimeLock),
	}
	c.registry.Commit(record)
	return &record, nil
}

// ReleaseEscrow pays an active escrow out to its counterparty.
func (c *PaymentClient) ReleaseEscrow(ctx context.Context, transactionID string) (*x402.EscrowRecord, error) {
	record, err := c.claimEscrow(transactionID)
	if err != nil {
		return nil, err
	}
	if _, err := c.ledger.Release(ctx, transactionID, record.Counterparty); err != nil {
		c.registry.Unclaim(transactionID)
		return nil, x402.AsPaymentError(err)
	}
	if record, err = c.registry.Finish(transactionID, x402.EscrowReleased); err != nil {
		return nil, err
	}
	c.logger.Info("escrow released", "transaction_id", transactionID, "escrow", record.Address)
	return &record, nil
}

// DisputeEscrow marks an active escrow as disputed.
func (c *PaymentClient) DisputeEscrow(ctx context.Context, transactionID string) (*x402.EscrowRecord, error) {
	record, _, err := c.dispute(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *PaymentClient) dispute(ctx context.Context, transactionID string) (x402.EscrowRecord, *x402.EscrowReceipt, error) {
	if _, err := c.claimEscrow(transactionID); err != nil {
		return x402.EscrowRecord{}, nil, err
	}
	receipt, err := c.ledger.Dispute(ctx, transactionID)
	if err != nil {
		c.registry.Unclaim(transactionID)
		return x402.EscrowRecord{}, nil, x402.AsPaymentError(err)
	}
	record, err := c.registry.Finish(transactionID, x402.EscrowDisputed)
	if err != nil {
		return x402.EscrowRecord{}, nil, err
	}
	return record, receipt, nil
}

// claimEscrow reserves an active escrow for a single release or dispute.
func (c *PaymentClient) claimEscrow(transactionID string) (x402.EscrowRecord, error) {
	if err := escrow.ValidateTransactionID(transactionID); err != nil {
		return x402.EscrowRecord{}, err
	}
	if c.ledger == nil {
		return x402.EscrowRecord{}, x402.InvalidInput("no escrow ledger configured")
	}
	return c.registry.Claim(transactionID)
}

// Escrow returns the record for transactionID.
func (c *PaymentClient) Escrow(transactionID string) (x402.EscrowRecord, bool) {
	return c.registry.Get(transactionID)
}

// Escrows returns all records, oldest first.
func (c *PaymentClient) Escrows() []x402.EscrowRecord {
	return c.registry.List()
}

// ============================================================================
// Async disputes
// ============================================================================

// queueDispute submits a dispute in the background, bounded by the client
// timeout. It reports false once the client is closed.
func (c *PaymentClient) queueDispute(record x402.EscrowRecord, sla x402.SLAResult) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.disputes.Add(1)
	c.mu.Unlock()

	dc := x402.DisputeContext{
		Ctx:           c.lifetime,
		TransactionID: record.TransactionID,
		EscrowAddress: record.Address,
		SLA:           sla,
		Timestamp:     c.now(),
	}
	c.logger.Info("dispute queued",
		"transaction_id", record.TransactionID,
		"escrow", record.Address,
		"quality_score", sla.QualityScore,
		"threshold", c.threshold,
	)
	metrics.ObserveDispute("queued")
	c.disputeHooks.Queued(dc)

	go func() {
		defer c.disputes.Done()
		start := c.now()

		ctx, cancel := context.WithTimeout(c.lifetime, c.timeout)
		defer cancel()

		_, receipt, err := c.dispute(ctx, record.TransactionID)
		if err != nil {
			c.logger.Error("dispute failed",
				"transaction_id", record.TransactionID,
				"escrow", record.Address,
				"error", err,
			)
			metrics.ObserveDispute("failed")
			c.disputeHooks.Failed(x402.DisputeFailureContext{
				DisputeContext: dc,
				Error:          err,
				Duration:       c.now().Sub(start),
			})
			return
		}

		c.logger.Info("dispute submitted",
			"transaction_id", record.TransactionID,
			"escrow", record.Address,
			"signature", receipt.Signature,
		)
		metrics.ObserveDispute("disputed")
		c.disputeHooks.Succeeded(x402.DisputeResultContext{
			DisputeContext: dc,
			Receipt:        *receipt,
			Duration:       c.now().Sub(start),
		})
	}()
	return true
}

// ============================================================================
// Lifecycle
// ============================================================================

// Stats is a point-in-time view of client state.
type Stats struct {
	UsedSignatures int    `json:"usedSignatures"`
	Escrows        int    `json:"escrows"`
	CircuitState   string `json:"circuitState"`
}

// Stats returns counts of remembered signatures and escrows.
func (c *PaymentClient) Stats(ctx context.Context) (Stats, error) {
	used, err := c.signatures.Len(ctx)
	if err != nil {
		return Stats{}, x402.AsPaymentError(err)
	}
	return Stats{
		UsedSignatures: used,
		Escrows:        c.registry.Len(),
		CircuitState:   c.exec.Breaker().State().String(),
	}, nil
}

// SweepSignatures removes used signatures past the retention window now.
func (c *PaymentClient) SweepSignatures(ctx context.Context) int {
	return c.sweep.RunOnce(ctx)
}

// Close stops the sweep, cancels in-flight disputes and waits for them to
// exit. It is safe to call more than once.
func (c *PaymentClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sweep.Stop()
	c.cancel()
	c.disputes.Wait()
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func decimalsFor(family string) int {
	if family == x402.FamilyEVM {
		return x402.EVMDecimals
	}
	return x402.SolanaDecimals
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// statusError maps an unexpected response status. 429 and 5xx are
// transient; other statuses reject the request.
func statusError(res *http.Response, body []byte) error {
	details := map[string]interface{}{
		"status": res.StatusCode,
		"body":   truncate(body),
	}
	if res.StatusCode == http.StatusTooManyRequests {
		pe := x402.NewPaymentError(x402.KindRateLimited, x402.ErrCodeRateLimited,
			"server rate limited the request", details).WithStatus(res.StatusCode)
		pe.RetryAfter = parseRetryAfter(res.Header.Get("Retry-After"))
		return pe
	}
	if res.StatusCode >= 500 {
		pe := x402.NewPaymentError(x402.KindNetworkError, x402.ErrCodeNetwork,
			fmt.Sprintf("server returned %d", res.StatusCode), details)
		pe.RetryAfter = parseRetryAfter(res.Header.Get("Retry-After"))
		return pe
	}
	return x402.NewPaymentError(x402.KindPaymentRejected, x402.ErrCodePaymentRejected,
		fmt.Sprintf("server returned %d", res.StatusCode), details).WithStatus(res.StatusCode)
}

// terminalPayment stops retries after a payment attempt, since a transient
// failure may still have moved funds.
func terminalPayment(err error) error {
	pe := x402.AsPaymentError(err)
	if !pe.Kind.Retryable() {
		return pe
	}
	return x402.WrapError(x402.KindPaymentFailed, x402.ErrCodePaymentFailed, "payment outcome unknown", err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func decodeBody(body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return string(body)
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}

var errClosed = errors.New("payment client is closed")
