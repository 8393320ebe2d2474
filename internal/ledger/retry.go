package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const DefaultRetryAttempts = 3

// Retry runs op until it succeeds, fails with anything other than
// ErrConcurrentUpdateConflict, or attempts are used up. Exhausted retries
// surface as ErrContention rather than the conflict itself.
func Retry[T any](ctx context.Context, attempts uint, op func() (T, error)) (T, error) {
	if attempts == 0 {
		attempts = DefaultRetryAttempts
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond

	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrConcurrentUpdateConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if errors.Is(err, ErrConcurrentUpdateConflict) {
		return result, fmt.Errorf("%w: %v", ErrContention, err)
	}
	return result, err
}
