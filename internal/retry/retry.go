// Package retry provides the bounded retry loop shared by SCM, lookaside and
// configuration operations.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/errors"
	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fedora-eln/distrobaker/internal/logging"
)

// Do runs op up to attempts times with no delay between tries, logging a
// warning for every failed attempt that will be retried. The final error is
// returned once the attempts are exhausted; attempts below one count as one.
func Do(ctx context.Context, attempts int, name string, op func() error) error {
	logger := logging.FromContext(ctx)
	if attempts < 1 {
		attempts = 1
	}
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, _ time.Duration) {
		attempt++
		logger.WarnContext(ctx,
			fmt.Sprintf("%s attempt #%d/%d failed, retrying.", name, attempt, attempts),
			"error", err)
	})
	return errors.WithStack(err)
}
