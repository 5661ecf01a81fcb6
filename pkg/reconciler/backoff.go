package reconciler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wisbric/instancectl/internal/httpserver"
	"github.com/wisbric/instancectl/pkg/runtime"
)

// retryMaxElapsed bounds how long a single reconcile action will retry a
// transient Docker error before giving up for this pass. It deliberately
// costs up to this much wall-clock time inside one instance's goroutine
// during tick(), which blocks the whole tick on the slowest instance — worth
// it because the alternative is declaring the instance failed on the first
// daemon hiccup.
const retryMaxElapsed = 30 * time.Second

// retryTransient retries op with bounded exponential backoff as long as the
// error it returns classifies as transient Docker infrastructure trouble. A
// permanent error (bad image, malformed spec) returns on the first attempt.
func retryTransient[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && runtime.Kind(err) != httpserver.KindTransientInfra {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(retryMaxElapsed))
}

// retryTransientErr is retryTransient for operations that only return an
// error.
func retryTransientErr(ctx context.Context, op func() error) error {
	_, err := retryTransient(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
