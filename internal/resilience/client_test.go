package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/snowmanjy/ai2qa/internal/config"
)

// scriptedModel returns queued results per model and records every call.
type scriptedModel struct {
	mu      sync.Mutex
	results map[string][]error
	calls   []string
}

func (s *scriptedModel) call(ctx context.Context, model string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, model)
	queue := s.results[model]
	if len(queue) == 0 {
		return "ok from " + model, nil
	}
	err := queue[0]
	s.results[model] = queue[1:]
	if err == nil {
		return "ok from " + model, nil
	}
	return "", err
}

func (s *scriptedModel) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

var errQuota = errors.New("Error 429, Message: Resource has been exhausted (e.g. check quota)., Status: RESOURCE_EXHAUSTED")

// instantTimer fires as soon as it starts and records each requested delay.
type instantTimer struct {
	c       chan time.Time
	delays  *[]time.Duration
	onStart func()
}

func (t *instantTimer) Start(d time.Duration) {
	*t.delays = append(*t.delays, d)
	if t.onStart != nil {
		t.onStart()
		return
	}
	t.c <- time.Now()
}

func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func newTestClient(t *testing.T, opts Options) (*Client, *[]time.Duration) {
	t.Helper()
	if opts.MaxRateLimitRetries == 0 {
		opts.MaxRateLimitRetries = 3
	}
	if opts.Backoff.Base == 0 {
		opts.Backoff = Backoff{Base: time.Second, Cap: 30 * time.Second, rand: func() float64 { return 0 }}
	}
	c := NewClient(newTestPool(t, 2), opts, zaptest.NewLogger(t))
	var delays []time.Duration
	c.newTimer = func() backoff.Timer {
		return &instantTimer{c: make(chan time.Time, 1), delays: &delays}
	}
	return c, &delays
}

func TestCallSucceedsFirstTime(t *testing.T) {
	c, delays := newTestClient(t, Options{})
	m := &scriptedModel{results: map[string][]error{}}

	out, err := c.Call(context.Background(), ClassPlan, "flash", m.call)
	require.NoError(t, err)
	assert.Equal(t, "ok from flash", out)
	assert.Equal(t, []string{"flash"}, m.Calls())
	assert.Empty(t, *delays)
}

func TestNonRateLimitErrorsAreNotRetried(t *testing.T) {
	c, delays := newTestClient(t, Options{FallbackModel: "lite"})
	bad := errors.New("Error 400, Message: invalid argument, Status: INVALID_ARGUMENT")
	m := &scriptedModel{results: map[string][]error{"flash": {bad}}}

	_, err := c.Call(context.Background(), ClassRepair, "flash", m.call)
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, []string{"flash"}, m.Calls(), "no retry, no failover")
	assert.Empty(t, *delays)
}

func TestRateLimitRetriesWithBackoff(t *testing.T) {
	c, delays := newTestClient(t, Options{})
	m := &scriptedModel{results: map[string][]error{"flash": repeat(errQuota, 2)}}

	out, err := c.Call(context.Background(), ClassPlan, "flash", m.call)
	require.NoError(t, err)
	assert.Equal(t, "ok from flash", out)
	assert.Len(t, m.Calls(), 3)
	// rand stub 0 yields the lower half of each window: 2^(n+1)s / 2.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestProviderRetryHintWins(t *testing.T) {
	c, delays := newTestClient(t, Options{})
	hinted := fmt.Errorf("%w; details: [{\"@type\": \"type.googleapis.com/google.rpc.RetryInfo\", \"retryDelay\": \"7s\"}]", errQuota)
	m := &scriptedModel{results: map[string][]error{"flash": {hinted}}}

	_, err := c.Call(context.Background(), ClassPlan, "flash", m.call)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, *delays)
}

func TestExhaustedWithoutFallback(t *testing.T) {
	c, _ := newTestClient(t, Options{MaxRateLimitRetries: 2})
	m := &scriptedModel{results: map[string][]error{"flash": repeat(errQuota, 10)}}

	_, err := c.Call(context.Background(), ClassPlan, "flash", m.call)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.Contains(t, err.Error(), "no fallback configured")
	assert.Len(t, m.Calls(), 3, "one attempt plus two retries")
}

func TestFailoverToFallbackModel(t *testing.T) {
	c, _ := newTestClient(t, Options{MaxRateLimitRetries: 1, FallbackModel: "lite"})
	m := &scriptedModel{results: map[string][]error{"pro": repeat(errQuota, 10)}}

	out, err := c.Call(context.Background(), ClassSummary, "pro", m.call)
	require.NoError(t, err)
	assert.Equal(t, "ok from lite", out)
	assert.Equal(t, []string{"pro", "pro", "lite"}, m.Calls())
}

func TestFallbackAlsoExhausted(t *testing.T) {
	c, _ := newTestClient(t, Options{MaxRateLimitRetries: 1, FallbackModel: "lite"})
	m := &scriptedModel{results: map[string][]error{
		"pro":  repeat(errQuota, 10),
		"lite": repeat(errQuota, 10),
	}}

	_, err := c.Call(context.Background(), ClassPlan, "pro", m.call)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.NotContains(t, err.Error(), "no fallback configured")
	assert.Equal(t, []string{"pro", "pro", "lite", "lite"}, m.Calls())
}

func TestFallbackEqualToPrimaryCountsAsNone(t *testing.T) {
	c, _ := newTestClient(t, Options{MaxRateLimitRetries: 0, FallbackModel: "flash"})
	m := &scriptedModel{results: map[string][]error{"flash": repeat(errQuota, 10)}}

	_, err := c.Call(context.Background(), ClassPlan, "flash", m.call)
	assert.ErrorContains(t, err, "no fallback configured")
}

func TestTimeoutIsNotRetried(t *testing.T) {
	c, delays := newTestClient(t, Options{
		Timeouts:      map[CallClass]time.Duration{ClassSelector: 20 * time.Millisecond},
		FallbackModel: "lite",
	})
	var calls atomic.Int32
	_, err := c.Call(context.Background(), ClassSelector, "flash", func(ctx context.Context, model string) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	})
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *delays)
}

func TestTimeoutsPerClass(t *testing.T) {
	opts := OptionsFromConfig(config.NewDefaultConfig().Resilience(), config.NewDefaultConfig().LLM())
	c, _ := newTestClient(t, opts)
	assert.Equal(t, 60*time.Second, c.Timeout(ClassPlan))
	assert.Equal(t, 30*time.Second, c.Timeout(ClassSelector))
	assert.Equal(t, 3*time.Minute, c.Timeout(ClassSummary))
	assert.Equal(t, 60*time.Second, c.Timeout(CallClass("other")))
	assert.Equal(t, "gemini-2.5-flash-lite", opts.FallbackModel)
	require.NotNil(t, opts.Limiter)
}

func TestLimiterPacesAttempts(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	c, _ := newTestClient(t, Options{Limiter: limiter})
	m := &scriptedModel{results: map[string][]error{}}

	_, err := c.Call(context.Background(), ClassPlan, "flash", m.call)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, ClassPlan, "flash", m.call)
	require.Error(t, err, "second call must wait for a token")
	assert.Len(t, m.Calls(), 1)
}

func TestBackoffStopsWhenContextEnds(t *testing.T) {
	c, delays := newTestClient(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	c.newTimer = func() backoff.Timer {
		return &instantTimer{c: make(chan time.Time, 1), delays: delays, onStart: cancel}
	}
	m := &scriptedModel{results: map[string][]error{"flash": repeat(errQuota, 10)}}
	_, err := c.Call(ctx, ClassPlan, "flash", m.call)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, m.Calls(), 1)
}

func TestCallWithBreaker(t *testing.T) {
	c, _ := newTestClient(t, Options{MaxRateLimitRetries: 0})
	b := NewBreaker(2, time.Minute)
	failing := errors.New("upstream unavailable")
	calls := 0
	fn := func(ctx context.Context, model string) (string, error) {
		calls++
		return "", failing
	}
	fallback := func(err error) string { return "fallback: " + err.Error() }

	out, degraded := c.CallWithBreaker(context.Background(), b, ClassSummary, "pro", fn, fallback)
	assert.True(t, degraded)
	assert.Contains(t, out, "upstream unavailable")
	c.CallWithBreaker(context.Background(), b, ClassSummary, "pro", fn, fallback)
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 2, calls)

	out, degraded = c.CallWithBreaker(context.Background(), b, ClassSummary, "pro", fn, fallback)
	assert.True(t, degraded)
	assert.Contains(t, out, ErrCircuitOpen.Error())
	assert.Equal(t, 2, calls, "open circuit bypasses the call")

	ok := NewBreaker(1, time.Minute)
	out, degraded = c.CallWithBreaker(context.Background(), ok, ClassSummary, "pro",
		func(ctx context.Context, model string) (string, error) { return "summary", nil }, fallback)
	assert.False(t, degraded)
	assert.Equal(t, "summary", out)
}
