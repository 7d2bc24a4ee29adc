// Package retry runs cache and database calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/face-embeddings/internal/logging"
)

// Policy bounds how many times an operation is attempted.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used by the cache and history stores.
var DefaultPolicy = Policy{
	Attempts:       3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
}

// Do calls fn until it succeeds, returns a non-transient error, or the policy
// is exhausted. Failures are returned as *logging.OperationError.
func Do(ctx context.Context, logger *zap.Logger, policy Policy, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(logger, operation, requestID)

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		opLogger.Warn("transient error, retrying", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("backoff", wait))
	}

	err := backoff.RetryNotify(op, newBackOff(ctx, policy), notify)
	if err != nil {
		opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt))
		return logging.NewOperationError(operation, requestID, err)
	}
	if attempt > 1 {
		opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt))
	}
	return nil
}

func newBackOff(ctx context.Context, policy Policy) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		exp.InitialInterval = policy.InitialBackoff
	}
	if policy.MaxBackoff > 0 {
		exp.MaxInterval = policy.MaxBackoff
	}
	exp.MaxElapsedTime = 0

	retries := 0
	if policy.Attempts > 1 {
		retries = policy.Attempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// IsTransient reports whether err looks like a timeout or temporary network failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
