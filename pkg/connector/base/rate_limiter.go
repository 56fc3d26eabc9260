package base

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// QueryLimiter throttles statements sent to a shared source. A nil
// QueryLimiter never blocks.
type QueryLimiter struct {
	limiter *rate.Limiter
}

// NewQueryLimiter allows perSecond queries per second with a burst of one.
// Returns nil when perSecond is not positive.
func NewQueryLimiter(perSecond float64) *QueryLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &QueryLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Wait blocks until the next query may run.
func (l *QueryLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return syncerrors.Wrap(err, syncerrors.ErrorTypeCancelled, "waiting for query slot")
	}
	return nil
}
