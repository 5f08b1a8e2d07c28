package resilience

import (
	"context"
	"log/slog"

	x402 "github.com/kamiyo-ai/x402-go"
)

// Executor wraps calls with a circuit breaker and a retry policy. One
// breaker failure or success is recorded per call, not per attempt.
type Executor struct {
	name    string
	retry   *RetryPolicy
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Name    string
	Retry   RetryConfig
	Breaker BreakerConfig
	Logger  *slog.Logger
}

// NewExecutor builds an executor from validated retry and breaker configs.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry, err := NewRetryPolicy(cfg.Retry, logger)
	if err != nil {
		return nil, err
	}
	breaker, err := NewCircuitBreaker(cfg.Breaker)
	if err != nil {
		return nil, err
	}
	return &Executor{
		name:    cfg.Name,
		retry:   retry,
		breaker: breaker,
		logger:  logger.With("executor", cfg.Name),
	}, nil
}

// NewDefaultExecutor builds an executor with default retry and breaker settings.
func NewDefaultExecutor(name string, logger *slog.Logger) *Executor {
	exec, err := NewExecutor(ExecutorConfig{
		Name:    name,
		Retry:   DefaultRetryConfig(),
		Breaker: DefaultBreakerConfig(),
		Logger:  logger,
	})
	if err != nil {
		panic(err)
	}
	return exec
}

// Name returns the executor name.
func (e *Executor) Name() string { return e.name }

// Breaker returns the executor's circuit breaker.
func (e *Executor) Breaker() *CircuitBreaker { return e.breaker }

// Retry returns the executor's retry policy.
func (e *Executor) Retry() *RetryPolicy { return e.retry }

// Execute runs op through the breaker and retry policy. An open circuit
// fails immediately with CircuitOpen and is neither retried nor counted.
func (e *Executor) Execute(ctx context.Context, label string, op func(ctx context.Context) error) error {
	if !e.breaker.CanExecute() {
		_, _, _, next := e.breaker.Snapshot()
		e.logger.Warn("circuit open, rejecting call", "operation", label)
		return x402.NewPaymentError(x402.KindCircuitOpen, x402.ErrCodeCircuitOpen,
			"circuit breaker is open",
			map[string]interface{}{"executor": e.name, "operation": label, "nextAttempt": next})
	}

	err := e.retry.Execute(ctx, label, op)
	if err != nil {
		e.breaker.RecordFailure()
		return err
	}
	e.breaker.RecordSuccess()
	return nil
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, e *Executor, label string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, label, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
