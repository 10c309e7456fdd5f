package resilience

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffCeiling(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Cap: 10 * time.Second}
	assert.Equal(t, time.Second, b.Ceiling(0))
	assert.Equal(t, 2*time.Second, b.Ceiling(1))
	assert.Equal(t, 8*time.Second, b.Ceiling(3))
	assert.Equal(t, 10*time.Second, b.Ceiling(4), "truncated at the cap")
	assert.Equal(t, 10*time.Second, b.Ceiling(80), "no overflow")
	assert.Equal(t, time.Second, b.Ceiling(-3))
}

func TestBackoffJitterRange(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		low := Backoff{Base: time.Second, Cap: 30 * time.Second, rand: func() float64 { return 0 }}
		high := Backoff{Base: time.Second, Cap: 30 * time.Second, rand: func() float64 { return 0.999999 }}
		ceiling := low.Ceiling(attempt)

		assert.Equal(t, ceiling/2, low.Delay(attempt))
		assert.LessOrEqual(t, high.Delay(attempt), ceiling)
		assert.Greater(t, high.Delay(attempt), ceiling*9/10)
	}

	jittered := NewBackoff(time.Second, 30*time.Second)
	for i := 0; i < 50; i++ {
		d := jittered.Delay(2)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestRateLimitBackOffUsesHintOnce(t *testing.T) {
	bo := &rateLimitBackOff{policy: Backoff{Base: time.Second, Cap: 30 * time.Second, rand: func() float64 { return 0 }}}
	assert.Equal(t, time.Second, bo.NextBackOff())

	bo.hint = 7 * time.Second
	assert.Equal(t, 7*time.Second, bo.NextBackOff())
	assert.Equal(t, 4*time.Second, bo.NextBackOff(), "attempt 2 after the hinted wait")

	bo.Reset()
	assert.Equal(t, time.Second, bo.NextBackOff())
}

func TestIsRateLimit(t *testing.T) {
	cases := map[string]bool{
		"Error 429, Status: RESOURCE_EXHAUSTED":  true,
		"googleapi: Rate Limit Exceeded":         true,
		"You exceeded your current quota":        true,
		"HTTP 503: Too Many Requests downstream": true,
		"Error 500: internal error":              false,
		"element not found":                      false,
		"resilience: call timed out after 30s":   false,
	}
	for msg, want := range cases {
		assert.Equal(t, want, IsRateLimit(errors.New(msg)), msg)
	}
	assert.False(t, IsRateLimit(nil))
	assert.True(t, IsRateLimit(fmt.Errorf("planning: %w", errors.New("429"))))
}

type hintedErr struct{ d time.Duration }

func (h hintedErr) Error() string             { return "slow down" }
func (h hintedErr) RetryAfter() time.Duration { return h.d }

func TestRetryAfter(t *testing.T) {
	cases := []struct {
		msg  string
		want time.Duration
		ok   bool
	}{
		{`details: [{"retryDelay": "7s"}]`, 7 * time.Second, true},
		{`retry_delay=1.5s`, 1500 * time.Millisecond, true},
		{`Please retry in 12.25s.`, 12250 * time.Millisecond, true},
		{`Retry-After: 3`, 3 * time.Second, true},
		{`retry after 250ms`, 250 * time.Millisecond, true},
		{`quota exceeded`, 0, false},
		{`retry after 0s`, 0, false},
	}
	for _, tc := range cases {
		got, ok := RetryAfter(errors.New(tc.msg))
		assert.Equal(t, tc.ok, ok, tc.msg)
		assert.Equal(t, tc.want, got, tc.msg)
	}

	got, ok := RetryAfter(fmt.Errorf("wrapped: %w", hintedErr{d: 4 * time.Second}))
	assert.True(t, ok)
	assert.Equal(t, 4*time.Second, got)

	_, ok = RetryAfter(nil)
	assert.False(t, ok)
}

func TestBreakerLifecycle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())
	b.Success()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State(), "success resets the streak")
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow(), "cooldown elapsed, trial allowed")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial at a time")

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State(), "failed trial re-opens")
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}
