package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/sethvargo/go-retry"
)

const (
	defaultRetryAttempts = 3
	defaultTxAttempts    = 8
	defaultRetryDelay    = 50 * time.Millisecond
	maxRetryDelay        = 2 * time.Second
)

// RetryPolicy bounds how often store operations are re-attempted.
type RetryPolicy struct {
	// Attempts caps retries of transient failures.
	Attempts int
	// TxAttempts caps re-runs of a transaction whose commit collided.
	TxAttempts int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: defaultRetryAttempts, TxAttempts: defaultTxAttempts, BaseDelay: defaultRetryDelay}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = defaultRetryAttempts
	}
	if p.TxAttempts <= 0 {
		p.TxAttempts = defaultTxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryDelay
	}
	return p
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithJitterPercent(20, b)
	return retry.WithCappedDuration(maxRetryDelay, b)
}

// Do runs fn, retrying transient failures with exponential backoff. Any other
// error is returned immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	p = p.normalized()
	b := retry.WithMaxRetries(uint64(p.Attempts), p.backoff())
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Transaction runs attempt until it commits. Collisions are retried up to
// TxAttempts and then reported as ErrConflict; transient failures are retried
// up to Attempts and then surface wrapped in ErrTransient.
func (p RetryPolicy) Transaction(ctx context.Context, attempt func(context.Context) error) error {
	p = p.normalized()
	var collisions, transients int
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := attempt(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrTxCollision):
			collisions++
			if collisions >= p.TxAttempts {
				return fmt.Errorf("%w: gave up after %d attempts", ErrConflict, collisions)
			}
			return retry.RetryableError(err)
		case IsTransient(err):
			transients++
			if transients > p.Attempts {
				return err
			}
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
