package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snowmanjy/ai2qa/internal/config"
	"github.com/snowmanjy/ai2qa/internal/orchestrator"
	"github.com/snowmanjy/ai2qa/internal/testrun"
)

var (
	// ErrQueueFull is returned by Submit when no admission slot is free.
	ErrQueueFull = errors.New("engine: run queue is full")
	// ErrEngineStopped is returned by Submit after Stop or before Start.
	ErrEngineStopped = errors.New("engine: not accepting runs")
	// ErrUnknownRun is returned for run ids the engine never admitted or has
	// already dropped from its finished-run window.
	ErrUnknownRun = errors.New("engine: unknown run")
)

// -- Interfaces for Dependency Inversion --

// Session is one isolated browser context, owned by a single run.
type Session interface {
	orchestrator.Executor
	Close() error
}

// SessionFactory opens browser sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// Runner drives one run to a terminal status.
type Runner interface {
	Run(ctx context.Context, run *testrun.TestRun, exec orchestrator.Executor) error
}

// Store persists runs the engine ends on its own (never started, no browser).
type Store interface {
	SaveRun(ctx context.Context, state testrun.RunState) error
}

// defaultRetainedRuns bounds how many finished runs Get, Runs and Wait still see.
const defaultRetainedRuns = 128

// job is an admitted run.
type job struct {
	run    *testrun.TestRun
	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
}

// Engine admits runs and executes them on a fixed pool of workers, one browser
// session per run.
type Engine struct {
	cfg      config.EngineConfig
	logger   *zap.Logger
	runner   Runner
	sessions SessionFactory
	store    Store

	queue chan *job
	group errgroup.Group

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	stopped bool
	// base is the parent of every job context; set by Start.
	base context.Context
	// finished holds terminal run ids, oldest first; beyond retain they are forgotten.
	finished []string
	retain   int

	now func() time.Time
}

// New creates an Engine. store may be nil.
func New(cfg config.EngineConfig, runner Runner, sessions SessionFactory, store Store, logger *zap.Logger) (*Engine, error) {
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	if sessions == nil {
		return nil, errors.New("session factory cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxConcurrentRuns
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger.Named("engine"),
		runner:   runner,
		sessions: sessions,
		store:    store,
		queue:    make(chan *job, cfg.QueueSize),
		jobs:     make(map[string]*job),
		retain:   defaultRetainedRuns,
		now:      time.Now,
	}, nil
}

// Start launches the worker pool. Cancelling ctx cancels every admitted run.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		e.logger.Warn("Engine.Start called, but engine is already running or stopped.")
		return
	}
	e.running = true
	e.base = ctx
	e.mu.Unlock()

	e.logger.Info("Starting run workers", zap.Int("concurrency", e.cfg.MaxConcurrentRuns), zap.Int("queue_size", e.cfg.QueueSize))
	for i := 0; i < e.cfg.MaxConcurrentRuns; i++ {
		workerID := i + 1
		e.group.Go(func() error {
			e.runWorker(ctx, workerID)
			return nil
		})
	}
}

// Submit admits a PENDING run. It never blocks: a full queue is an error.
func (e *Engine) Submit(run *testrun.TestRun) error {
	if run.Status() != testrun.StatusPending {
		return fmt.Errorf("%w: %s is %s", orchestrator.ErrRunNotPending, run.ID(), run.Status())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.stopped {
		return ErrEngineStopped
	}
	if _, dup := e.jobs[run.ID()]; dup {
		return fmt.Errorf("engine: run %s already submitted", run.ID())
	}

	ctx, cancel := context.WithCancel(e.base)
	j := &job{run: run, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	select {
	case e.queue <- j:
	default:
		cancel()
		return ErrQueueFull
	}
	e.jobs[run.ID()] = j
	e.logger.Info("Run admitted", zap.String("run_id", run.ID()), zap.Int("queued", len(e.queue)))
	return nil
}

// Get returns an admitted run.
func (e *Engine) Get(runID string) (*testrun.TestRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[runID]
	if !ok {
		return nil, false
	}
	return j.run, true
}

// Runs lists every admitted run that is still active or recently finished.
func (e *Engine) Runs() []*testrun.TestRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*testrun.TestRun, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j.run)
	}
	return out
}

// Cancel moves the run to CANCELLED. No further step is dispatched, but a
// step or model call already in flight runs to completion and its result is
// discarded.
func (e *Engine) Cancel(runID string) error {
	j, err := e.lookup(runID)
	if err != nil {
		return err
	}
	j.run.Cancel(e.now())
	e.logger.Info("Run cancellation requested", zap.String("run_id", runID))
	return nil
}

// Pause suspends a RUNNING run before its next step.
func (e *Engine) Pause(runID string) error {
	j, err := e.lookup(runID)
	if err != nil {
		return err
	}
	return j.run.Pause().Err()
}

// Resume continues a PAUSED run.
func (e *Engine) Resume(runID string) error {
	j, err := e.lookup(runID)
	if err != nil {
		return err
	}
	return j.run.Resume().Err()
}

// Wait blocks until the run reaches a terminal status or ctx ends.
func (e *Engine) Wait(ctx context.Context, runID string) (*testrun.TestRun, error) {
	j, err := e.lookup(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-j.done:
		return j.run, nil
	case <-ctx.Done():
		return j.run, ctx.Err()
	}
}

// Stop stops admission and waits for the workers. Queued runs still execute
// unless the Start context was cancelled, in which case they are cancelled.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped || !e.running {
		e.stopped = true
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.queue)
	e.mu.Unlock()

	e.logger.Info("Stopping engine... waiting for run workers to finish.")
	_ = e.group.Wait()

	// Workers leave on a cancelled context; what they left behind never starts.
	for j := range e.queue {
		e.abandon(j, "engine stopped before the run started")
		e.finish(j)
	}
	e.logger.Info("Engine stopped gracefully.")
}

func (e *Engine) lookup(runID string) (*job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return j, nil
}

// runWorker is the main loop for a single worker goroutine.
func (e *Engine) runWorker(ctx context.Context, workerID int) {
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Run worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, worker shutting down immediately.", zap.Error(ctx.Err()))
			return
		case j, ok := <-e.queue:
			if !ok {
				logger.Debug("Run queue closed and drained, worker shutting down gracefully.")
				return
			}
			e.process(j, logger)
		}
	}
}

// process executes one admitted run inside its own browser session.
func (e *Engine) process(j *job, logger *zap.Logger) {
	defer e.finish(j)
	defer j.cancel()
	run := j.run
	logger = logger.With(zap.String("run_id", run.ID()))

	if run.IsTerminal() {
		logger.Info("Run ended while queued", zap.String("status", run.Status().String()))
		e.persist(run, logger)
		return
	}
	if j.ctx.Err() != nil {
		e.abandon(j, "engine stopped before the run started")
		return
	}

	session, err := e.sessions.NewSession(j.ctx)
	if err != nil {
		logger.Error("Failed to open browser session", zap.Error(err))
		run.Fail(fmt.Sprintf("browser session failed: %v", err), e.now())
		e.persist(run, logger)
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Failed to close browser session", zap.Error(err))
		}
	}()

	if err := e.runner.Run(j.ctx, run, session); err != nil {
		logger.Error("Run could not be executed", zap.Error(err))
		return
	}
	logger.Info("Run processed", zap.String("status", run.Status().String()))
}

// finish releases Wait callers and forgets the oldest finished runs beyond
// the retention limit.
func (e *Engine) finish(j *job) {
	close(j.done)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, j.run.ID())
	for len(e.finished) > e.retain {
		delete(e.jobs, e.finished[0])
		e.finished = e.finished[1:]
	}
}

// abandon cancels a run that will never start.
func (e *Engine) abandon(j *job, reason string) {
	logger := e.logger.With(zap.String("run_id", j.run.ID()))
	logger.Warn("Abandoning queued run", zap.String("reason", reason))
	j.run.Cancel(e.now())
	j.cancel()
	e.persist(j.run, logger)
}

// persist saves on a background context so results survive shutdown.
func (e *Engine) persist(run *testrun.TestRun, logger *zap.Logger) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.store.SaveRun(ctx, run.State()); err != nil {
		logger.Error("Failed to persist run", zap.Error(err))
	}
}
