package txqueue

import (
	"context"

	"golang.org/x/time/rate"
)

// MultipleWorkers creates n workers that share one rate limiter.
// ProcessFunc must be thread safe.
func MultipleWorkers[T any](processFunc ProcessFunc[T], n int, limit rate.Limit, burst int) []ProcessFunc[T] {
	rateLimiter := rate.NewLimiter(limit, burst)

	process := make([]ProcessFunc[T], n)
	for i := 0; i < n; i++ {
		process[i] = func(ctx context.Context, item T, info ItemInfo) error {
			err := rateLimiter.Wait(ctx)
			if err != nil {
				return err
			}
			return processFunc(ctx, item, info)
		}
	}
	return process
}
