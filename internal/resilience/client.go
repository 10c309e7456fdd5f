package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/snowmanjy/ai2qa/internal/config"
)

// CallClass selects the timeout applied to a call.
type CallClass string

const (
	ClassPlan     CallClass = "plan"
	ClassRepair   CallClass = "repair"
	ClassSelector CallClass = "selector"
	ClassSummary  CallClass = "summary"
)

// ModelCall performs one request against the named model. It must honour ctx.
type ModelCall func(ctx context.Context, model string) (string, error)

// Options tunes a Client.
type Options struct {
	Timeouts            map[CallClass]time.Duration
	DefaultTimeout      time.Duration
	MaxRateLimitRetries int
	Backoff             Backoff
	FallbackModel       string
	// Limiter paces attempts process-wide; nil disables pacing.
	Limiter *rate.Limiter
}

// OptionsFromConfig maps the resilience and llm config sections onto Options.
func OptionsFromConfig(rc config.ResilienceConfig, lc config.LLMConfig) Options {
	opts := Options{
		Timeouts: map[CallClass]time.Duration{
			ClassPlan:     rc.PlanTimeout,
			ClassRepair:   rc.RepairTimeout,
			ClassSelector: rc.SelectorTimeout,
			ClassSummary:  rc.SummaryTimeout,
		},
		DefaultTimeout:      rc.PlanTimeout,
		MaxRateLimitRetries: rc.MaxRateLimitRetries,
		Backoff:             NewBackoff(rc.BaseBackoff, rc.MaxBackoff),
		FallbackModel:       lc.FallbackModel,
	}
	if rc.RequestsPerSecond > 0 {
		burst := rc.Burst
		if burst <= 0 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(rc.RequestsPerSecond), burst)
	}
	return opts
}

// Client wraps every model call with the pool, a per-class timeout, rate-limit
// retries with backoff, and failover to a secondary model.
type Client struct {
	pool   *Pool
	opts   Options
	logger *zap.Logger

	// newTimer paces the waits between attempts; nil uses a real timer.
	newTimer func() backoff.Timer
}

// NewClient builds a Client on an existing pool. The pool is not owned by the client.
func NewClient(pool *Pool, opts Options, logger *zap.Logger) *Client {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Minute
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = NewBackoff(time.Second, 30*time.Second)
	}
	return &Client{
		pool:   pool,
		opts:   opts,
		logger: logger.Named("ResilientClient"),
	}
}

// Timeout returns the wall-clock budget of one attempt in class.
func (c *Client) Timeout(class CallClass) time.Duration {
	if d, ok := c.opts.Timeouts[class]; ok && d > 0 {
		return d
	}
	return c.opts.DefaultTimeout
}

// Call runs fn against model. Rate-limit errors are retried with backoff up to
// MaxRateLimitRetries, then the fallback model gets the same treatment. Any
// other error, including ErrCallTimeout, is returned at once.
func (c *Client) Call(ctx context.Context, class CallClass, model string, fn ModelCall) (string, error) {
	out, err := c.attempts(ctx, class, model, fn)
	if err == nil || !errors.Is(err, errRetriesSpent) {
		return out, err
	}

	fallback := c.opts.FallbackModel
	if fallback == "" || fallback == model {
		return "", fmt.Errorf("%w: model %s, no fallback configured: %w", ErrRateLimitExhausted, model, err)
	}

	c.logger.Warn("Primary model rate limited, failing over",
		zap.String("class", string(class)),
		zap.String("primary", model),
		zap.String("fallback", fallback))

	out, ferr := c.attempts(ctx, class, fallback, fn)
	if ferr == nil {
		return out, nil
	}
	if errors.Is(ferr, errRetriesSpent) {
		return "", fmt.Errorf("%w: primary %s and fallback %s: %w", ErrRateLimitExhausted, model, fallback, ferr)
	}
	return "", ferr
}

// errRetriesSpent marks the end of one model's rate-limit budget.
var errRetriesSpent = errors.New("rate limit retry budget spent")

func (c *Client) attempts(ctx context.Context, class CallClass, model string, fn ModelCall) (string, error) {
	timeout := c.Timeout(class)
	bo := &rateLimitBackOff{policy: c.opts.Backoff}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(c.opts.MaxRateLimitRetries, 0))), ctx)

	var (
		out    string
		tries  int
		hinted bool
	)
	operation := func() error {
		tries++
		hinted = false
		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("waiting for call slot: %w", err))
			}
		}

		err := c.pool.Submit(ctx, timeout, func(callCtx context.Context) error {
			var callErr error
			out, callErr = fn(callCtx, model)
			return callErr
		})
		if err == nil {
			return nil
		}
		// Timeouts and every other failure surface at once.
		if !IsRateLimit(err) {
			return backoff.Permanent(err)
		}
		if hint, ok := RetryAfter(err); ok {
			bo.hint, hinted = hint, true
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		c.logger.Info("Rate limited, backing off",
			zap.String("class", string(class)),
			zap.String("model", model),
			zap.Int("attempt", tries),
			zap.Duration("delay", delay),
			zap.Bool("provider_hint", hinted))
	}

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}
	err := backoff.RetryNotifyWithTimer(operation, policy, notify, timer)
	switch {
	case err == nil:
		return out, nil
	case IsRateLimit(err):
		return "", fmt.Errorf("%w after %d attempts: %w", errRetriesSpent, tries, err)
	default:
		return "", err
	}
}

// CallWithBreaker runs Call unless the breaker is open, in which case fallback
// is used without touching the pool. Any call failure also yields fallback.
// The boolean reports whether the fallback was used.
func (c *Client) CallWithBreaker(ctx context.Context, b *Breaker, class CallClass, model string, fn ModelCall, fallback func(error) string) (string, bool) {
	if !b.Allow() {
		c.logger.Debug("Circuit open, using fallback", zap.String("class", string(class)))
		return fallback(ErrCircuitOpen), true
	}
	out, err := c.Call(ctx, class, model, fn)
	if err != nil {
		b.Failure()
		c.logger.Warn("Call failed, using fallback", zap.String("class", string(class)), zap.Error(err))
		return fallback(err), true
	}
	b.Success()
	return out, false
}
