package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	p := NewPool(size, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Shutdown(ctx))
	})
	return p
}

func TestPoolRunsJobs(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(2, zaptest.NewLogger(t))

	var ran atomic.Bool
	err := p.Submit(context.Background(), time.Second, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())

	wantErr := errors.New("provider said no")
	err = p.Submit(context.Background(), time.Second, func(ctx context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(2, zaptest.NewLogger(t))

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Submit(context.Background(), 5*time.Second, func(ctx context.Context) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 2, p.Size())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolTimeoutCancelsInFlightCall(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(1, zaptest.NewLogger(t))

	cancelled := make(chan struct{})
	err := p.Submit(context.Background(), 30*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrCallTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight call was not cancelled")
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 0, p.InFlight())
}

func TestPoolCallerCancellation(t *testing.T) {
	p := newTestPool(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	err := p.Submit(ctx, time.Minute, func(callCtx context.Context) error {
		close(started)
		<-callCtx.Done()
		return callCtx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrCallTimeout)
}

func TestPoolQueueWaitCountsTowardTimeout(t *testing.T) {
	p := newTestPool(t, 1)
	release := make(chan struct{})
	busy := make(chan struct{})
	go func() {
		_ = p.Submit(context.Background(), time.Minute, func(ctx context.Context) error {
			close(busy)
			<-release
			return nil
		})
	}()
	<-busy

	err := p.Submit(context.Background(), 20*time.Millisecond, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCallTimeout)
	close(release)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := newTestPool(t, 1)
	err := p.Submit(context.Background(), time.Second, func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The worker survives.
	assert.NoError(t, p.Submit(context.Background(), time.Second, func(ctx context.Context) error { return nil }))
}

func TestPoolShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(3, zaptest.NewLogger(t))
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()), "shutdown is idempotent")

	err := p.Submit(context.Background(), time.Second, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}
