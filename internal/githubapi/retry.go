package githubapi

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// can be overridden for testing
var (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
	// total attempts = first try + 4 retries
	backoffRetries uint64 = 4
)

// do executes fn under the gateway retry policy:
//   - transient errors retry with exponential backoff (base 500ms,
//     doubling, capped at 30s, jitter 20%, 5 attempts total);
//   - a rate-limit rejection sleeps until the advertised reset, then
//     retries exactly once;
//   - an auth failure retries exactly once (the transport mints a fresh
//     installation token on the next request).
//
// Whatever survives is returned classified.
func (g *Gateway) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	authRetried := false
	rateRetried := false

	for {
		err := g.doTransient(ctx, fn)
		if err == nil {
			return nil
		}
		err = classify(err)

		switch {
		case IsRateLimited(err) && !rateRetried:
			rateRetried = true
			if sleepErr := g.sleepUntilReset(ctx, op, err); sleepErr != nil {
				return sleepErr
			}
			continue
		case IsAuthFailure(err) && !authRetried:
			authRetried = true
			g.logger.Warn("github auth failure, retrying with fresh token",
				zap.String("op", op))
			continue
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

// doTransient runs fn, retrying transient failures with backoff.
func (g *Gateway) doTransient(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(backoffBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(backoffCap, b)
	b = retry.WithMaxRetries(backoffRetries, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if classified := classify(err); IsTransient(classified) {
			return retry.RetryableError(classified)
		}
		return err
	})
}

// sleepUntilReset blocks until the rate-limit window reopens, honoring
// cancellation. Without an advertised reset it waits one minute.
func (g *Gateway) sleepUntilReset(ctx context.Context, op string, err error) error {
	wait := time.Minute
	if reset, ok := rateLimitReset(err); ok {
		wait = time.Until(reset)
	}
	if wait < 0 {
		wait = 0
	}
	g.logger.Warn("github rate limited, sleeping until reset",
		zap.String("op", op),
		zap.Duration("wait", wait))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
