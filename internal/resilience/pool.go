package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type poolTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Pool is a fixed set of worker goroutines that every external call runs on,
// capping how many calls are in flight across all runs in the process. The
// composition root creates it and calls Shutdown on exit.
type Pool struct {
	logger *zap.Logger
	size   int
	tasks  chan poolTask
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	inFlight atomic.Int64
}

// NewPool starts size workers.
func NewPool(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	p := &Pool{
		logger: logger.Named("WorkerPool"),
		size:   size,
		tasks:  make(chan poolTask),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.runWorker(i + 1)
	}
	p.logger.Debug("Worker pool started", zap.Int("size", size))
	return p
}

func (p *Pool) Size() int { return p.size }

// InFlight is the number of calls currently executing.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Submit runs fn on a pool worker and waits for it. The timeout covers queueing
// and execution; when it fires, the context passed to fn is cancelled so the
// in-flight request is interrupted, and Submit returns ErrCallTimeout.
// Cancelling ctx returns ctx.Err().
func (p *Pool) Submit(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task := poolTask{ctx: jobCtx, fn: fn, done: make(chan error, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.mu.RUnlock()
	case <-jobCtx.Done():
		p.mu.RUnlock()
		return expiredErr(ctx, timeout)
	}

	select {
	case err := <-task.done:
		return err
	case <-jobCtx.Done():
		return expiredErr(ctx, timeout)
	}
}

func expiredErr(parent context.Context, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
}

// Shutdown stops accepting work and waits for running calls to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		if err := task.ctx.Err(); err != nil {
			task.done <- err
			continue
		}
		task.done <- p.execute(id, task)
	}
}

func (p *Pool) execute(id int, task poolTask) (err error) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered from panic in pooled call", zap.Int("worker_id", id), zap.Any("panic", r))
			err = fmt.Errorf("pooled call panicked: %v", r)
		}
	}()

	err = task.fn(task.ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		p.logger.Debug("Pooled call hit its deadline", zap.Int("worker_id", id))
	}
	return err
}
