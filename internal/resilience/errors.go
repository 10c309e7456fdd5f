package resilience

import "errors"

var (
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("resilience: worker pool is shut down")
	// ErrCallTimeout means the call exceeded its class timeout and was cancelled.
	ErrCallTimeout = errors.New("resilience: call timed out")
	// ErrRateLimitExhausted means every allowed attempt, fallback included, was rate limited.
	ErrRateLimitExhausted = errors.New("resilience: rate limit retries exhausted")
	// ErrCircuitOpen means the breaker short-circuited the call.
	ErrCircuitOpen = errors.New("resilience: circuit open")
)
