// Package retry classifies failures as transient or permanent and retries
// transient ones with capped exponential backoff and jitter.
package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/errors"
	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/metrics"
)

// Class is the retry classification of an error.
type Class int

const (
	// Permanent failures are never retried. Unknown errors classify as
	// permanent so a misclassified bug is not hammered in a loop.
	Permanent Class = iota
	// Transient failures are timing or availability problems that a fresh
	// attempt can resolve.
	Transient
)

// Classify maps an error to its retry class by error code.
func Classify(err error) Class {
	switch errors.CodeOf(err) {
	case errors.CodeLockTimeout, errors.CodeDeadlockDetected, errors.CodeBrokerUnavailable:
		return Transient
	default:
		return Permanent
	}
}

// Policy tunes the backoff schedule.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	// JitterFraction spreads each delay by up to this fraction of itself,
	// so retries of transactions aborted by the same deadlock do not
	// collide again.
	JitterFraction float64 `mapstructure:"jitter_fraction"`
}

// DefaultPolicy returns the default backoff schedule: up to three attempts,
// 50ms doubling to a 2s cap, 25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		JitterFraction: 0.25,
	}
}

// Delay computes the backoff before the given retry attempt (attempt 1 is
// the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.JitterFraction > 0 {
		d += time.Duration(rand.Float64() * p.JitterFraction * float64(d))
	}
	return d
}

// Retrier wraps operations with the retry policy.
type Retrier struct {
	policy Policy
	logger *zap.Logger
}

// New creates a Retrier. Zero policy fields fall back to defaults.
func New(policy Policy, logger *zap.Logger) *Retrier {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	return &Retrier{policy: policy, logger: logger.Named("retry")}
}

// Do runs fn, retrying transient failures per the policy. The name labels
// metrics and logs. The last error is returned when attempts are exhausted;
// permanent errors return immediately.
func (r *Retrier) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) == Permanent {
			return lastErr
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Delay(attempt)
		metrics.RetryAttempts.WithLabelValues(name).Inc()
		r.logger.Warn("transient failure, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.logger.Error("retries exhausted",
		zap.String("operation", name),
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr))
	return lastErr
}
