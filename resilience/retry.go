// Package resilience provides the retry policy, circuit breaker and the
// executor that composes them around every network and ledger call.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	x402 "github.com/kamiyo-ai/x402-go"
)

// maxJitterFraction bounds the random jitter added to each backoff delay.
const maxJitterFraction = 0.25

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// RetryablePatterns are lowercase substrings that mark an error as transient.
	RetryablePatterns []string
}

// DefaultRetryablePatterns covers transport timeouts, resets, gateway
// errors and transient ledger RPC conditions.
var DefaultRetryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"temporarily unavailable",
	"rate limit",
	"too many requests",
	"blockhash not found",
	"node is behind",
	"429",
	"502",
	"503",
	"504",
}

// terminalPatterns always win over retryable patterns.
var terminalPatterns = []string{
	"unauthorized",
	"forbidden",
	"invalid signature",
	"signature verification failed",
	"insufficient funds",
	"insufficient lamports",
	"account not found",
	"resource not found",
	"invalid input",
}

var terminalStatusRegex = regexp.MustCompile(`\b(400|401|403|404|405|409|410|422)\b`)

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		Multiplier:        2.0,
		RetryablePatterns: DefaultRetryablePatterns,
	}
}

// Validate checks the configuration invariants.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return x402.InvalidInput("retry: max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialDelay < 0 {
		return x402.InvalidInput("retry: initial delay must not be negative")
	}
	if c.MaxDelay < c.InitialDelay {
		return x402.InvalidInput("retry: max delay %s is below initial delay %s", c.MaxDelay, c.InitialDelay)
	}
	if c.Multiplier < 1 {
		return x402.InvalidInput("retry: multiplier must be >= 1, got %v", c.Multiplier)
	}
	return nil
}

// RetryPolicy classifies failures and drives retries with jittered
// exponential backoff.
type RetryPolicy struct {
	cfg    RetryConfig
	jitter func() float64
	logger *slog.Logger
}

// NewRetryPolicy validates cfg and returns a policy.
func NewRetryPolicy(cfg RetryConfig, logger *slog.Logger) (*RetryPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RetryablePatterns == nil {
		cfg.RetryablePatterns = DefaultRetryablePatterns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPolicy{
		cfg:    cfg,
		jitter: rand.Float64,
		logger: logger,
	}, nil
}

// Config returns the policy configuration.
func (p *RetryPolicy) Config() RetryConfig {
	return p.cfg
}

// IsRetryable reports whether err is a transient failure.
func (p *RetryPolicy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		if pe.Kind == x402.KindCircuitOpen {
			return false
		}
		if pe.Status != 0 {
			return retryableStatus(pe.Status)
		}
		if pe.Kind != x402.KindUnknown {
			return pe.Kind.Retryable()
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range terminalPatterns {
		if strings.Contains(msg, pattern) {
			return false
		}
	}
	if terminalStatusRegex.MatchString(msg) {
		return false
	}
	for _, pattern := range p.cfg.RetryablePatterns {
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func retryableStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

// BaseDelay returns the un-jittered delay for attempt:
// min(initial * multiplier^attempt, max).
func (p *RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(attempt))
	if delay > float64(p.cfg.MaxDelay) || math.IsInf(delay, 1) {
		return p.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// ComputeDelay returns BaseDelay plus up to 25% uniform jitter.
func (p *RetryPolicy) ComputeDelay(attempt int) time.Duration {
	base := p.BaseDelay(attempt)
	jitter := time.Duration(float64(base) * maxJitterFraction * p.jitter())
	return base + jitter
}

// Execute runs op up to MaxAttempts times. Terminal errors are returned
// unchanged. Exhausting the budget returns a PaymentError wrapping the last
// failure.
func (p *RetryPolicy) Execute(ctx context.Context, label string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.IsRetryable(err) {
			return err
		}
		if attempt == p.cfg.MaxAttempts-1 {
			break
		}

		delay := p.ComputeDelay(attempt)
		if hint := retryAfter(err); hint > 0 {
			delay = min(hint, p.cfg.MaxDelay)
		}

		p.logger.Debug("retrying operation",
			"operation", label,
			"attempt", attempt+1,
			"max_attempts", p.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return x402.WrapError(x402.KindTimeout, x402.ErrCodeTimeout,
				fmt.Sprintf("%s aborted during backoff", labelOrDefault(label)), errors.Join(ctx.Err(), lastErr))
		}
	}

	return exhausted(label, p.cfg.MaxAttempts, lastErr)
}

func retryAfter(err error) time.Duration {
	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

func exhausted(label string, attempts int, last error) error {
	kind := x402.AsPaymentError(last).Kind
	if !kind.Retryable() {
		kind = classifyMessage(last)
	}
	pe := x402.WrapError(kind, x402.ErrCodeRetriesExhausted,
		fmt.Sprintf("%s failed after %d attempts", labelOrDefault(label), attempts), last)
	pe.Details = map[string]interface{}{"attempts": attempts}
	if label != "" {
		pe.Details["operation"] = label
	}
	return pe
}

func classifyMessage(err error) x402.ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		return x402.KindTimeout
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return x402.KindRateLimited
	}
	return x402.KindNetworkError
}

func labelOrDefault(label string) string {
	if label == "" {
		return "operation"
	}
	return label
}
