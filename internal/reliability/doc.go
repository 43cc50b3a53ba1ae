// Package reliability provides retry execution for broker operations.
//
// Policies decide whether and when to retry:
//   - FixedDelay: constant wait, optionally Unlimited attempts (used for
//     subscriber reconnection)
//   - ExponentialBackoff: growing wait with jitter (used by callers that
//     choose to retry a failed publish)
//
// Errors wrapped with Permanent stop the executor immediately.
//
// Example usage:
//
//	policy := NewFixedDelay(time.Second, Unlimited)
//	err := RetryNotify(ctx, policy, connect, func(attempt int, err error, next time.Duration) {
//	    logger.Warn("connect failed", "attempt", attempt, "error", err, "retryIn", next)
//	})
package reliability
