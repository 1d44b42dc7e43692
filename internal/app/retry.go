package app

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cimillas/chain-trade/internal/ledger"
)

// withRetry retries op on transient gateway errors. Permanent errors and
// non-gateway errors return immediately.
func withRetry[T any](ctx context.Context, attempts uint, initial time.Duration, op func() (T, error)) (T, error) {
	if attempts <= 1 {
		return op()
	}
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !ledger.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
}
