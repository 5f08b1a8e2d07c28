package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/kamiyo-ai/x402-go"
	"github.com/kamiyo-ai/x402-go/resilience"
	"github.com/kamiyo-ai/x402-go/types"
)

const testPayee = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

// ============================================================================
// Test doubles
// ============================================================================

type testSigner struct{}

func (testSigner) PublicAddress() string { return "AgentWa11et1111111111111111111111111111111" }
func (testSigner) Sign(context.Context, []byte) ([]byte, error) {
	return make([]byte, 64), nil
}
func (testSigner) IsConnected() bool { return true }

type fakeLedger struct {
	mu        sync.Mutex
	created   []x402.EscrowCreate
	released  []string
	disputed  []string
	createErr error
}

func (l *fakeLedger) DeriveAddress(owner, txID string) (string, error) {
	return "escrow-" + txID, nil
}

func (l *fakeLedger) Create(_ context.Context, p x402.EscrowCreate) (*x402.EscrowReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createErr != nil {
		return nil, l.createErr
	}
	l.created = append(l.created, p)
	return &x402.EscrowReceipt{Address: "escrow-" + p.TransactionID, Signature: "create-" + p.TransactionID}, nil
}

func (l *fakeLedger) Release(_ context.Context, txID, payee string) (*x402.EscrowReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, txID)
	return &x402.EscrowReceipt{Address: "escrow-" + txID, Signature: "release-" + txID}, nil
}

func (l *fakeLedger) Dispute(_ context.Context, txID string) (*x402.EscrowReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disputed = append(l.disputed, txID)
	return &x402.EscrowReceipt{Address: "escrow-" + txID, Signature: "dispute-" + txID}, nil
}

func (l *fakeLedger) Exists(_ context.Context, txID string) (bool, error) { return true, nil }

func (l *fakeLedger) Balance(_ context.Context, txID string) (uint64, error) { return 0, nil }

func (l *fakeLedger) createCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.created)
}

// stallingLedger holds Dispute until gate is closed or ctx ends.
type stallingLedger struct {
	*fakeLedger
	entered chan string
	gate    chan struct{}
}

func newStallingLedger() *stallingLedger {
	return &stallingLedger{
		fakeLedger: &fakeLedger{},
		entered:    make(chan string, 4),
		gate:       make(chan struct{}),
	}
}

func (l *stallingLedger) Dispute(ctx context.Context, txID string) (*x402.EscrowReceipt, error) {
	l.entered <- txID
	select {
	case <-l.gate:
		return l.fakeLedger.Dispute(ctx, txID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLedger) disputeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.disputed)
}

type fakePayer struct {
	calls     atomic.Int32
	signature string
}

func (p *fakePayer) Pay(_ context.Context, payment x402.DirectPayment) (*x402.PaymentReceipt, error) {
	n := p.calls.Add(1)
	sig := p.signature
	if sig == "" {
		sig = fmt.Sprintf("direct-%d-%d", n, payment.Amount)
	}
	return &x402.PaymentReceipt{Signature: sig, Payer: "payer-from-receipt"}, nil
}

type fixedBalance uint64

func (b fixedBalance) Balance(context.Context) (uint64, error) { return uint64(b), nil }

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, ledger x402.EscrowLedger, opts ...Option) *PaymentClient {
	t.Helper()
	opts = append([]Option{WithRetry(fastRetry()), WithLogger(quietLogger())}, opts...)
	client, err := NewPaymentClient(Config{Signer: testSigner{}, Ledger: ledger}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func structuredBody(network, amount string, escrow bool) string {
	body := fmt.Sprintf(`{"x402Version":1,"accepts":[{"scheme":"exact","network":%q,"maxAmountRequired":%q,"payTo":%q}]`,
		network, amount, testPayee)
	if escrow {
		body += `,"escrow":{"escrowRequired":true}`
	}
	return body + "}"
}

// paywall answers 402 with body until a request carries X-PAYMENT, then
// answers 200 with data.
func paywall(t *testing.T, body string, seen chan<- x402.PaymentProof) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		header := r.Header.Get(types.HeaderPayment)
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(body))
			return
		}
		proof, err := types.DecodeProofHeader(header)
		if err != nil {
			t.Errorf("Invalid payment header: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		proof.TransactionID = r.Header.Get(types.HeaderTransactionID)
		proof.EscrowAddress = r.Header.Get(types.HeaderEscrowAddress)
		if seen != nil {
			seen <- proof
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":"premium","items":[1,2,3]}`))
	}))
	t.Cleanup(server.Close)
	return server, hits
}

// ============================================================================
// Constructor
// ============================================================================

func TestNewPaymentClientValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		opts []Option
	}{
		{"missing signer", Config{}, nil},
		{"bad program id", Config{Signer: testSigner{}, ProgramID: "not-base58!"}, nil},
		{"threshold above 100", Config{Signer: testSigner{}}, []Option{WithQualityThreshold(101)}},
		{"negative threshold", Config{Signer: testSigner{}}, []Option{WithQualityThreshold(-1)}},
		{"zero max price", Config{Signer: testSigner{}}, []Option{WithMaxPrice(0)}},
		{"short time lock", Config{Signer: testSigner{}}, []Option{WithTimeLock(10 * time.Second)}},
		{"long time lock", Config{Signer: testSigner{}}, []Option{WithTimeLock(31 * 24 * time.Hour)}},
		{"short timeout", Config{Signer: testSigner{}}, []Option{WithTimeout(100 * time.Millisecond)}},
		{"long timeout", Config{Signer: testSigner{}}, []Option{WithTimeout(301 * time.Second)}},
		{"bad retry", Config{Signer: testSigner{}}, []Option{WithRetry(resilience.RetryConfig{MaxAttempts: 0})}},
		{"bad breaker", Config{Signer: testSigner{}}, []Option{WithBreaker(resilience.BreakerConfig{})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewPaymentClient(tt.cfg, tt.opts...)
			assert.Nil(t, client)
			assert.ErrorIs(t, err, x402.ErrInvalidInput)
		})
	}
}

func TestNewPaymentClientDefaults(t *testing.T) {
	client := newTestClient(t, &fakeLedger{})
	assert.Equal(t, DefaultQualityThreshold, client.threshold)
	assert.Equal(t, DefaultTimeLock, client.timeLock)
	assert.Equal(t, DefaultTimeout, client.timeout)
	assert.Equal(t, DefaultMaxPriceLamports, client.priceCaps[x402.FamilySolana])
	assert.NotEmpty(t, client.ProgramID())
	assert.Equal(t, "payment", client.Executor().Name())
}

// ============================================================================
// Request flow
// ============================================================================

func TestRequestWithoutPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"free":true}`))
	}))
	defer server.Close()

	client := newTestClient(t, &fakeLedger{})
	resp, err := Get(context.Background(), server.URL, client)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.Paid)
	assert.Equal(t, map[string]interface{}{"free": true}, resp.Data)
	assert.Equal(t, PhaseDone, resp.Phase)
}

func TestRequestEscrowPayment(t *testing.T) {
	seen := make(chan x402.PaymentProof, 1)
	server, hits := paywall(t, structuredBody("solana", "1500000", true), seen)

	ledger := &fakeLedger{}
	client := newTestClient(t, ledger)

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{
		TransactionID: "tx-escrow-1",
		SLA:           &x402.SLAParams{MaxLatency: 5 * time.Second},
	})
	require.NoError(t, err)

	assert.True(t, resp.Paid)
	assert.Equal(t, MethodEscrow, resp.Method)
	assert.Equal(t, uint64(1_500_000), resp.Amount)
	assert.Equal(t, x402.Network("solana"), resp.Network)
	assert.Equal(t, "escrow-tx-escrow-1", resp.EscrowAddress)
	assert.Equal(t, "create-tx-escrow-1", resp.Signature)
	require.NotNil(t, resp.SLA)
	assert.Equal(t, 100, resp.SLA.QualityScore)
	assert.False(t, resp.DisputeQueued)
	assert.Equal(t, int32(2), hits.Load())

	proof := <-seen
	assert.Equal(t, "create-tx-escrow-1", proof.Signature)
	assert.Equal(t, "tx-escrow-1", proof.TransactionID)
	assert.Equal(t, "escrow-tx-escrow-1", proof.EscrowAddress)
	assert.Equal(t, testSigner{}.PublicAddress(), proof.Payer)

	require.Equal(t, 1, ledger.createCount())
	assert.Equal(t, testPayee, ledger.created[0].Payee)
	assert.Equal(t, DefaultTimeLock, ledger.created[0].TimeLock)

	record, ok := client.Escrow("tx-escrow-1")
	require.True(t, ok)
	assert.Equal(t, x402.EscrowActive, record.Status)

	stats, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{UsedSignatures: 1, Escrows: 1, CircuitState: "closed"}, stats)
}

func TestRequestDirectPaymentFromLegacyHeaders(t *testing.T) {
	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get(types.HeaderPayment) == "" {
			w.Header().Set(types.HeaderPaymentAmount, "0.001")
			w.Header().Set(types.HeaderPaymentAddress, testPayee)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		if r.Header.Get(types.HeaderEscrowAddress) != "" {
			t.Error("Direct payment must not send an escrow address")
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	ledger := &fakeLedger{}
	payer := &fakePayer{}
	client := newTestClient(t, ledger, WithDirectPayer(x402.FamilySolana, payer))

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, MethodDirect, resp.Method)
	assert.Equal(t, uint64(1_000_000), resp.Amount)
	assert.Equal(t, "ok", resp.Data)
	assert.Equal(t, int32(1), payer.calls.Load())
	assert.Zero(t, ledger.createCount())
	assert.Equal(t, int32(2), hits.Load())
}

func TestRequestDirectPaymentOnEVM(t *testing.T) {
	seen := make(chan x402.PaymentProof, 1)
	server, _ := paywall(t, structuredBody("base-sepolia", "1", false), seen)

	payer := &fakePayer{}
	client := newTestClient(t, &fakeLedger{}, WithDirectPayer(x402.FamilyEVM, payer))

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), resp.Amount)
	assert.Equal(t, MethodDirect, resp.Method)

	proof := <-seen
	assert.Equal(t, x402.Network("base-sepolia"), proof.Network)
	assert.Equal(t, "payer-from-receipt", proof.Payer)
}

func TestRequestEscrowNotAvailableOnEVM(t *testing.T) {
	server, _ := paywall(t, structuredBody("base", "1", true), nil)
	client := newTestClient(t, &fakeLedger{})

	_, err := client.Request(context.Background(), server.URL, RequestOptions{})
	assert.ErrorIs(t, err, x402.ErrInvalidRequirement)
}

func TestRequestNoPayerForFamily(t *testing.T) {
	server, _ := paywall(t, structuredBody("solana", "5000", false), nil)
	client := newTestClient(t, &fakeLedger{})

	_, err := client.Request(context.Background(), server.URL, RequestOptions{})
	var pe *x402.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, x402.KindInvalidInput, pe.Kind)
	assert.Equal(t, x402.ErrCodeUnsupportedNetwork, pe.Code)
}

func TestRequestSkipsUnpayableOptions(t *testing.T) {
	body := fmt.Sprintf(`{"x402Version":1,"accepts":[`+
		`{"scheme":"exact","network":"bitcoin","maxAmountRequired":"5000","payTo":"bc1qexample"},`+
		`{"scheme":"exact","network":"solana","maxAmountRequired":"5000","payTo":%q}]}`, testPayee)
	seen := make(chan x402.PaymentProof, 1)
	server, _ := paywall(t, body, seen)

	payer := &fakePayer{}
	client := newTestClient(t, &fakeLedger{}, WithDirectPayer(x402.FamilySolana, payer))

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, resp.Paid)
	assert.Equal(t, x402.Network("solana"), resp.Network)
	assert.Equal(t, int32(1), payer.calls.Load())

	proof := <-seen
	assert.Equal(t, x402.Network("solana"), proof.Network)
}

func TestRequestEscrowPicksSolanaOption(t *testing.T) {
	body := fmt.Sprintf(`{"x402Version":1,"accepts":[`+
		`{"scheme":"exact","network":"base","maxAmountRequired":"1","payTo":"0x036CbD53842c5426634e7929541eC2318f3dCF7e"},`+
		`{"scheme":"exact","network":"solana","maxAmountRequired":"1500000","payTo":%q}],`+
		`"escrow":{"escrowRequired":true}}`, testPayee)
	server, _ := paywall(t, body, nil)

	ledger := &fakeLedger{}
	client := newTestClient(t, ledger)

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, MethodEscrow, resp.Method)
	assert.Equal(t, x402.Network("solana"), resp.Network)
	require.Equal(t, 1, ledger.createCount())
	assert.Equal(t, testPayee, ledger.created[0].Payee)
}

func TestRequestNoPayableOptionReportsFirst(t *testing.T) {
	body := `{"x402Version":1,"accepts":[` +
		`{"scheme":"exact","network":"bitcoin","maxAmountRequired":"5000","payTo":"bc1qexample"},` +
		`{"scheme":"exact","network":"dogecoin","maxAmountRequired":"5000","payTo":"D8example"}]}`
	server, _ := paywall(t, body, nil)
	client := newTestClient(t, &fakeLedger{}, WithDirectPayer(x402.FamilySolana, &fakePayer{}))

	_, err := client.Request(context.Background(), server.URL, RequestOptions{})
	var pe *x402.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, x402.KindInvalidPaymentRequirement, pe.Kind)
	assert.Equal(t, x402.ErrCodeUnsupportedNetwork, pe.Code)
	assert.Contains(t, pe.Message, "bitcoin")
}

func TestRequestPriceExceeded(t *testing.T) {
	server, hits := paywall(t, structuredBody("solana", "200000000", true), nil)
	ledger := &fakeLedger{}
	client := newTestClient(t, ledger)

	_, err := client.Request(context.Background(), server.URL, RequestOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrPriceExceeded)
	assert.Zero(t, ledger.createCount())
	assert.Equal(t, int32(1), hits.Load())

	var pe *x402.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhasePaymentRequired.String(), pe.Details["phase"])
}

func TestRequestInsufficientFunds(t *testing.T) {
	server, _ := paywall(t, structuredBody("solana", "1500000", true), nil)
	ledger := &fakeLedger{}
	client := newTestClient(t, ledger, WithBalanceProvider(x402.FamilySolana, fixedBalance(1000)))

	_, err := client.Request(context.Background(), server.URL, RequestOptions{})
	assert.ErrorIs(t, err, x402.ErrInsufficientFunds)
	assert.Zero(t, ledger.createCount())
}

func TestRequestInvalidPaymentRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte("pay me"))
	}))
	defer server.Close()

	client := newTestClient(t, &fakeLedger{})
	_, err := client.Request(context.Background(), server.URL, RequestOptions{})
	assert.ErrorIs(t, err, x402.ErrInvalidResponse)
}

func TestRequestProofRejected(t *testing.T) {
	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(structuredBody("solana", "1500000", true)))
	}))
	defer server.Close()

	ledger := &fakeLedger{}
	client := newTestClient(t, ledger)

	_, err := client.Request(context.Background(), server.URL, RequestOptions{})
	var pe *x402.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, x402.KindPaymentRejected, pe.Kind)
	assert.Equal(t, http.StatusPaymentRequired, pe.Status)
	assert.Equal(t, 1, ledger.createCount())
	assert.Equal(t, int32(2), hits.Load())
}

func TestRequestRetriesServerErrorsWithoutPayingTwice(t *testing.T) {
	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		switch {
		case r.Header.Get(types.HeaderPayment) == "":
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(structuredBody("solana", "1500000", true)))
		case n == 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	ledger := &fakeLedger{}
	client := newTestClient(t, ledger)

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, resp.Paid)
	assert.Equal(t, 1, ledger.createCount())
	assert.Equal(t, int32(3), hits.Load())
}

func TestRequestRateLimitedByServer(t *testing.T) {
	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, &fakeLedger{})
	start := time.Now()
	_, err := client.Request(context.Background(), server.URL, RequestOptions{})

	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrRateLimited)
	assert.Equal(t, int32(3), hits.Load())
	// The two-minute hint is capped by the retry policy's max delay.
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStatusErrorClassifiesRateLimit(t *testing.T) {
	res := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{"7"}}}
	pe := x402.AsPaymentError(statusError(res, []byte("slow down")))
	assert.Equal(t, x402.KindRateLimited, pe.Kind)
	assert.Equal(t, x402.ErrCodeRateLimited, pe.Code)
	assert.Equal(t, http.StatusTooManyRequests, pe.Status)
	assert.Equal(t, 7*time.Second, pe.RetryAfter)
	assert.True(t, pe.Retryable())

	res = &http.Response{StatusCode: http.StatusBadGateway, Header: http.Header{}}
	pe = x402.AsPaymentError(statusError(res, nil))
	assert.Equal(t, x402.KindNetworkError, pe.Kind)

	res = &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{}}
	pe = x402.AsPaymentError(statusError(res, nil))
	assert.Equal(t, x402.KindPaymentRejected, pe.Kind)
}

func TestRequestTimeoutIsRetried(t *testing.T) {
	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	client := newTestClient(t, &fakeLedger{})
	_, err := client.Request(context.Background(), server.URL, RequestOptions{Timeout: 30 * time.Millisecond})

	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrTimeout)
	assert.Equal(t, int32(3), hits.Load())

	_, failures, _, _ := client.Executor().Breaker().Snapshot()
	assert.Equal(t, 1, failures)
}

func TestRequestReplayedSignature(t *testing.T) {
	server, _ := paywall(t, structuredBody("solana", "5000", false), nil)
	payer := &fakePayer{signature: "same-signature"}
	client := newTestClient(t, &fakeLedger{}, WithDirectPayer(x402.FamilySolana, payer))

	_, err := client.Request(context.Background(), server.URL, RequestOptions{})
	require.NoError(t, err)

	_, err = client.Request(context.Background(), server.URL, RequestOptions{})
	var pe *x402.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, x402.KindPaymentRejected, pe.Kind)
	assert.Equal(t, x402.ErrCodeReplayedSignature, pe.Code)
}

func TestRequestInvalidTransactionID(t *testing.T) {
	client := newTestClient(t, &fakeLedger{})
	_, err := client.Request(context.Background(), "http://127.0.0.1:1", RequestOptions{
		TransactionID: "this-transaction-id-is-far-too-long-to-fit-in-a-seed",
	})
	assert.ErrorIs(t, err, x402.ErrInvalidInput)
}

// ============================================================================
// SLA and disputes
// ============================================================================

func TestLowQualityQueuesDispute(t *testing.T) {
	server, _ := paywall(t, structuredBody("solana", "1500000", true), nil)
	ledger := &fakeLedger{}
	client := newTestClient(t, ledger)

	queued := make(chan x402.DisputeContext, 1)
	done := make(chan x402.DisputeResultContext, 1)
	client.
		OnDisputeQueued(func(c x402.DisputeContext) { queued <- c }).
		OnDisputeSucceeded(func(c x402.DisputeResultContext) { done <- c }).
		OnDisputeFailed(func(c x402.DisputeFailureContext) { t.Errorf("Unexpected dispute failure: %v", c.Error) })

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{
		TransactionID: "tx-bad-data",
		SLA: &x402.SLAParams{
			Validator: func(body []byte) []string {
				return []string{"missing field a", "missing field b", "stale data"}
			},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.SLA)
	assert.Equal(t, 55, resp.SLA.QualityScore)
	assert.False(t, resp.SLA.Passed)
	assert.True(t, resp.DisputeQueued)

	select {
	case c := <-queued:
		assert.Equal(t, "tx-bad-data", c.TransactionID)
		assert.Equal(t, "escrow-tx-bad-data", c.EscrowAddress)
	case <-time.After(time.Second):
		t.Fatal("dispute was not queued")
	}

	select {
	case c := <-done:
		assert.Equal(t, "dispute-tx-bad-data", c.Receipt.Signature)
	case <-time.After(time.Second):
		t.Fatal("dispute did not complete")
	}

	record, ok := client.Escrow("tx-bad-data")
	require.True(t, ok)
	assert.Equal(t, x402.EscrowDisputed, record.Status)
}

func TestGoodQualityDoesNotDispute(t *testing.T) {
	server, _ := paywall(t, structuredBody("solana", "1500000", true), nil)
	ledger := &fakeLedger{}
	client := newTestClient(t, ledger)

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{
		SLA: &x402.SLAParams{Validator: func([]byte) []string { return []string{"minor"} }},
	})
	require.NoError(t, err)
	assert.Equal(t, 85, resp.SLA.QualityScore)
	assert.False(t, resp.DisputeQueued)

	require.NoError(t, client.Close())
	assert.Empty(t, ledger.disputed)
}

func TestDirectPaymentIsNeverDisputed(t *testing.T) {
	server, _ := paywall(t, structuredBody("solana", "5000", false), nil)
	client := newTestClient(t, &fakeLedger{}, WithDirectPayer(x402.FamilySolana, &fakePayer{}))

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{
		SLA: &x402.SLAParams{Validator: func([]byte) []string { return []string{"a", "b", "c", "d"} }},
	})
	require.NoError(t, err)
	assert.Equal(t, 40, resp.SLA.QualityScore)
	assert.False(t, resp.DisputeQueued)
}

func lowQuality() *x402.SLAParams {
	return &x402.SLAParams{
		Validator: func([]byte) []string { return []string{"missing a", "missing b", "stale"} },
	}
}

func TestDisputeIsBoundedByTimeout(t *testing.T) {
	server, _ := paywall(t, structuredBody("solana", "1500000", true), nil)
	ledger := newStallingLedger()
	client := newTestClient(t, ledger, WithTimeout(100*time.Millisecond))

	failed := make(chan x402.DisputeFailureContext, 1)
	client.OnDisputeFailed(func(c x402.DisputeFailureContext) { failed <- c })

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{
		TransactionID: "tx-stuck",
		SLA:           lowQuality(),
	})
	require.NoError(t, err)
	require.True(t, resp.DisputeQueued)

	select {
	case c := <-failed:
		assert.Equal(t, "tx-stuck", c.TransactionID)
		assert.ErrorIs(t, c.Error, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("stuck dispute was never abandoned")
	}

	// A timed-out dispute leaves the escrow active for a later attempt.
	record, ok := client.Escrow("tx-stuck")
	require.True(t, ok)
	assert.Equal(t, x402.EscrowActive, record.Status)
}

func TestCloseCancelsStuckDispute(t *testing.T) {
	server, _ := paywall(t, structuredBody("solana", "1500000", true), nil)
	ledger := newStallingLedger()
	client := newTestClient(t, ledger, WithTimeout(time.Hour))

	resp, err := client.Request(context.Background(), server.URL, RequestOptions{
		Timeout: time.Second,
		SLA:     lowQuality(),
	})
	require.NoError(t, err)
	require.True(t, resp.DisputeQueued)

	select {
	case <-ledger.entered:
	case <-time.After(time.Second):
		t.Fatal("dispute never reached the ledger")
	}

	closed := make(chan error, 1)
	go func() { closed <- client.Close() }()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an in-flight dispute")
	}
	assert.Zero(t, ledger.disputeCount())
}

func TestConcurrentDisputesReachLedgerOnce(t *testing.T) {
	ledger := newStallingLedger()
	client := newTestClient(t, ledger)
	ctx := context.Background()

	_, err := client.CreateEscrow(ctx, EscrowParams{TransactionID: "tx-race", Payee: testPayee, Amount: 2_000_000})
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := client.DisputeEscrow(ctx, "tx-race")
		first <- err
	}()
	<-ledger.entered

	_, err = client.DisputeEscrow(ctx, "tx-race")
	assert.ErrorIs(t, err, x402.ErrInvalidInput)
	_, err = client.ReleaseEscrow(ctx, "tx-race")
	assert.ErrorIs(t, err, x402.ErrInvalidInput)

	close(ledger.gate)
	require.NoError(t, <-first)
	assert.Equal(t, 1, ledger.disputeCount())
	assert.Empty(t, ledger.released)

	record, ok := client.Escrow("tx-race")
	require.True(t, ok)
	assert.Equal(t, x402.EscrowDisputed, record.Status)
}

// ============================================================================
// Escrow operations
// ============================================================================

func TestCreateEscrowDuplicateTransactionID(t *testing.T) {
	ledger := &fakeLedger{}
	client := newTestClient(t, ledger)
	ctx := context.Background()

	params := EscrowParams{TransactionID: "dup-1", Payee: testPayee, Amount: 2_000_000}
	_, err := client.CreateEscrow(ctx, params)
	require.NoError(t, err)

	_, err = client.CreateEscrow(ctx, params)
	var pe *x402.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, x402.KindInvalidInput, pe.Kind)
	assert.Equal(t, x402.ErrCodeDuplicateTxID, pe.Code)
	assert.Equal(t, 1, ledger.createCount())
}

func TestCreateEscrowFailureFreesTransactionID(t *testing.T) {
	ledger := &fakeLedger{createErr: x402.NewPaymentError(x402.KindEscrowCreationFailed, x402.ErrCodeEscrowCreation, "boom", nil)}
	client := newTestClient(t, ledger)
	ctx := context.Background()

	params := EscrowParams{TransactionID: "retry-me", Payee: testPayee, Amount: 2_000_000}
	_, err := client.CreateEscrow(ctx, params)
	assert.ErrorIs(t, err, x402.ErrEscrowCreation)

	ledger.createErr = nil
	record, err := client.CreateEscrow(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, x402.EscrowActive, record.Status)
	assert.Equal(t, testSigner{}.PublicAddress(), record.Owner)
	assert.Equal(t, record.CreatedAt.Add(DefaultTimeLock), record.ExpiresAt)
}

func TestCreateEscrowValidation(t *testing.T) {
	client := newTestClient(t, &fakeLedger{})
	ctx := context.Background()

	tests := []EscrowParams{
		{TransactionID: "", Payee: testPayee, Amount: 1},
		{TransactionID: "v-1", Payee: "", Amount: 1},
		{TransactionID: "v-2", Payee: testPayee, Amount: 0},
		{TransactionID: "v-3", Payee: testPayee, Amount: 1, TimeLock: time.Second},
	}
	for i, params := range tests {
		_, err := client.CreateEscrow(ctx, params)
		assert.ErrorIs(t, err, x402.ErrInvalidInput, "case %d", i)
	}
	assert.Empty(t, client.Escrows())
}

func TestReleaseAndDisputeEscrow(t *testing.T) {
	ledger := &fakeLedger{}
	client := newTestClient(t, ledger)
	ctx := context.Background()

	_, err := client.CreateEscrow(ctx, EscrowParams{TransactionID: "rel-1", Payee: testPayee, Amount: 2_000_000})
	require.NoError(t, err)
	_, err = client.CreateEscrow(ctx, EscrowParams{TransactionID: "dis-1", Payee: testPayee, Amount: 2_000_000})
	require.NoError(t, err)

	released, err := client.ReleaseEscrow(ctx, "rel-1")
	require.NoError(t, err)
	assert.Equal(t, x402.EscrowReleased, released.Status)

	disputed, err := client.DisputeEscrow(ctx, "dis-1")
	require.NoError(t, err)
	assert.Equal(t, x402.EscrowDisputed, disputed.Status)

	// Settled escrows cannot move again.
	_, err = client.ReleaseEscrow(ctx, "dis-1")
	assert.ErrorIs(t, err, x402.ErrInvalidInput)
	_, err = client.DisputeEscrow(ctx, "rel-1")
	assert.ErrorIs(t, err, x402.ErrInvalidInput)

	_, err = client.ReleaseEscrow(ctx, "missing")
	assert.ErrorIs(t, err, x402.ErrEscrowNotFound)

	assert.Len(t, client.Escrows(), 2)
	assert.Equal(t, []string{"rel-1"}, ledger.released)
	assert.Equal(t, []string{"dis-1"}, ledger.disputed)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestCloseRejectsRequests(t *testing.T) {
	client := newTestClient(t, &fakeLedger{})
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Request(context.Background(), "http://127.0.0.1:1", RequestOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrInvalidInput)
	assert.True(t, errors.Is(err, errClosed))
}

func TestSweepSignatures(t *testing.T) {
	store := x402.NewMemorySignatureStore()
	_, err := store.MarkUsed(context.Background(), "old", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = store.MarkUsed(context.Background(), "fresh", time.Now())
	require.NoError(t, err)

	client := newTestClient(t, &fakeLedger{}, WithSignatureStore(store))
	assert.Equal(t, 1, client.SweepSignatures(context.Background()))

	stats, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UsedSignatures)
}

func TestResponseJSON(t *testing.T) {
	resp := Response{Success: true, Status: 200, TransactionID: "tx", Phase: PhaseDone}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "done", decoded["phase"])
	assert.Equal(t, "tx", decoded["transactionId"])
	assert.NotContains(t, decoded, "slaResult")
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "payment_required", PhasePaymentRequired.String())
	assert.Equal(t, "unknown", Phase(99).String())
}
