package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/caremesh/registrar/pkg/common"
)

// RetryConfig tunes the retry-with-backoff loop around handler invocations.
type RetryConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig reads the pipeline retry tuning from env with the
// documented defaults (3 retries, 1s base, 30s cap, multiplier 2).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        getEnvInt("PIPELINE_MAX_RETRIES", 3),
		BaseDelay:         time.Duration(getEnvInt("PIPELINE_BASE_DELAY_MS", 1000)) * time.Millisecond,
		MaxDelay:          time.Duration(getEnvInt("PIPELINE_MAX_DELAY_MS", 30000)) * time.Millisecond,
		BackoffMultiplier: float64(getEnvInt("PIPELINE_BACKOFF_MULTIPLIER", 2)),
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	return c
}

// ComputeNextDelay returns the backoff delay before retry number attempt
// (zero-based), without jitter: min(base * multiplier^attempt, max).
func ComputeNextDelay(attempt int, cfg RetryConfig) time.Duration {
	cfg = cfg.normalized()
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Executor dispatches operations through the retry loop and the per-operation
// circuit breakers. One executor instance is shared process-wide.
type Executor struct {
	breakers *BreakerRegistry
	cfg      RetryConfig

	// sleep and jitter are swapped out in tests to avoid real timers.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// NewExecutor wires an executor to a breaker registry.
func NewExecutor(breakers *BreakerRegistry, cfg RetryConfig) *Executor {
	return &Executor{
		breakers: breakers,
		cfg:      cfg.normalized(),
		sleep:    sleepContext,
		jitter: func(d time.Duration) time.Duration {
			// uniform jitter in [0, 10%) of the computed delay
			return time.Duration(rand.Int63n(int64(d)/10 + 1))
		},
	}
}

// ExecuteWithRetry runs the operation, retrying transient failures with
// exponential backoff. A tripped breaker fails fast with CircuitOpenError
// without invoking the operation; permanent errors are never retried.
func (e *Executor) ExecuteWithRetry(ctx context.Context, operationName string, operation func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.breakers.Allow(operationName); err != nil {
			return err
		}

		retryAttemptsTotal.WithLabelValues(operationName).Inc()
		err := operation(ctx)
		if err == nil {
			e.breakers.RecordSuccess(operationName)
			return nil
		}

		e.breakers.RecordFailure(operationName)
		lastErr = err

		if common.Classify(err) == common.ClassPermanent {
			return err
		}
		if attempt == e.cfg.MaxRetries {
			break
		}

		delay := ComputeNextDelay(attempt, e.cfg)
		delay += e.jitter(delay)
		if delay > e.cfg.MaxDelay {
			delay = e.cfg.MaxDelay
		}
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("operation %s failed after %d attempts: %w", operationName, e.cfg.MaxRetries+1, lastErr)
}

// Breakers exposes the registry for the admin surface.
func (e *Executor) Breakers() *BreakerRegistry {
	return e.breakers
}

// Config returns the retry tuning in use.
func (e *Executor) Config() RetryConfig {
	return e.cfg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
