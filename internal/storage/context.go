package storage

import (
	"context"
	"time"
)

// DefaultQueryTimeout bounds remote queries when the caller set no deadline.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout applies timeout unless ctx already carries a deadline.
func withQueryTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
