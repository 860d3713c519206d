package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds a storage call when the caller set no deadline.
const DefaultTimeout = 5 * time.Second

// Bound returns ctx unchanged if it already carries a deadline, otherwise a
// child context limited to d.
func Bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// translate maps a driver error onto the package sentinels. Errors that are
// already sentinels pass through.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExists), errors.Is(err, ErrLastWrapper),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable), errors.Is(err, ErrInvalidInput):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
}
