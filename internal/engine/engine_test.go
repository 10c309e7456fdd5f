// internal/engine/engine_test.go
package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/snowmanjy/ai2qa/api/schemas"
	"github.com/snowmanjy/ai2qa/internal/config"
	"github.com/snowmanjy/ai2qa/internal/orchestrator"
	"github.com/snowmanjy/ai2qa/internal/testrun"
)

// -- Mock Implementations --

// mockRunner stands in for the orchestrator.
type mockRunner struct {
	mu      sync.Mutex
	runIDs  []string
	runFunc func(ctx context.Context, run *testrun.TestRun) error
}

func (m *mockRunner) Run(ctx context.Context, run *testrun.TestRun, exec orchestrator.Executor) error {
	m.mu.Lock()
	m.runIDs = append(m.runIDs, run.ID())
	fn := m.runFunc
	m.mu.Unlock()

	if _, err := exec.Execute(ctx, schemas.NewStep(schemas.ActionScreenshot, "probe")); err != nil {
		return err
	}
	if fn != nil {
		return fn(ctx, run)
	}
	return completeRun(run)
}

func (m *mockRunner) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runIDs...)
}

func completeRun(run *testrun.TestRun) error {
	if res := run.Start([]schemas.ActionStep{schemas.NewStep(schemas.ActionScreenshot, "home")}, time.Now()); !res.OK() {
		return res.Err()
	}
	run.Complete(time.Now())
	return nil
}

type mockSession struct {
	mu       sync.Mutex
	executed int
	closed   bool
	closeErr error
}

func (s *mockSession) Execute(ctx context.Context, step schemas.ActionStep) (schemas.ExecutionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed++
	return schemas.ExecutionOutcome{After: &schemas.DomSnapshot{Content: "ok"}}, nil
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

type mockSessionFactory struct {
	mu       sync.Mutex
	sessions []*mockSession
	err      error
	closeErr error
}

func (f *mockSessionFactory) NewSession(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &mockSession{closeErr: f.closeErr}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *mockSessionFactory) opened() []*mockSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockSession(nil), f.sessions...)
}

// mockStore records persisted states.
type mockStore struct {
	mu     sync.Mutex
	states []testrun.RunState
}

func (m *mockStore) SaveRun(ctx context.Context, state testrun.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
	return nil
}

func (m *mockStore) statusOf(runID string) testrun.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.states) - 1; i >= 0; i-- {
		if m.states[i].ID == runID {
			return m.states[i].Status
		}
	}
	return ""
}

// -- Test Setup Helper --

type testFixture struct {
	engine   *Engine
	runner   *mockRunner
	sessions *mockSessionFactory
	store    *mockStore
}

func setupEngine(t *testing.T, cfg config.EngineConfig, logger *zap.Logger) *testFixture {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	f := &testFixture{runner: &mockRunner{}, sessions: &mockSessionFactory{}, store: &mockStore{}}
	e, err := New(cfg, f.runner, f.sessions, f.store, logger)
	require.NoError(t, err)
	f.engine = e
	return f
}

func newRun() *testrun.TestRun {
	return testrun.New("https://shop.example", []string{"browse"}, schemas.PersonaStandard, time.Now())
}

// blockingRunner starts the run, signals started and blocks until release or cancellation.
func blockingRunner(started chan<- string, release <-chan struct{}) func(ctx context.Context, run *testrun.TestRun) error {
	return func(ctx context.Context, run *testrun.TestRun) error {
		if res := run.Start([]schemas.ActionStep{schemas.NewStep(schemas.ActionScreenshot, "home")}, time.Now()); !res.OK() {
			return res.Err()
		}
		started <- run.ID()
		select {
		case <-release:
			run.Complete(time.Now())
		case <-ctx.Done():
			run.Cancel(time.Now())
		}
		return nil
	}
}

// -- Test Suite --

func TestNew(t *testing.T) {
	logger := zap.NewNop()

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()
		e, err := New(config.EngineConfig{}, &mockRunner{}, &mockSessionFactory{}, nil, logger)
		require.NoError(t, err)
		assert.Equal(t, 1, e.cfg.MaxConcurrentRuns)
		assert.Equal(t, 1, cap(e.queue))
	})

	t.Run("NilDependencies", func(t *testing.T) {
		t.Parallel()
		_, err := New(config.EngineConfig{}, nil, &mockSessionFactory{}, nil, logger)
		assert.Error(t, err)
		_, err = New(config.EngineConfig{}, &mockRunner{}, nil, nil, logger)
		assert.Error(t, err)
		_, err = New(config.EngineConfig{}, &mockRunner{}, &mockSessionFactory{}, nil, nil)
		assert.Error(t, err)
	})
}

// TestEngine_StartStop verifies runs are executed on the pool and sessions are closed.
func TestEngine_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := setupEngine(t, config.EngineConfig{MaxConcurrentRuns: 2, QueueSize: 5}, nil)
	f.engine.Start(context.Background())

	runs := []*testrun.TestRun{newRun(), newRun(), newRun()}
	for _, r := range runs {
		require.NoError(t, f.engine.Submit(r))
	}
	for _, r := range runs {
		got, err := f.engine.Wait(context.Background(), r.ID())
		require.NoError(t, err)
		assert.Equal(t, testrun.StatusCompleted, got.Status())
	}
	f.engine.Stop()

	assert.Len(t, f.runner.called(), 3)
	sessions := f.sessions.opened()
	require.Len(t, sessions, 3)
	for _, s := range sessions {
		assert.True(t, s.closed)
		assert.Equal(t, 1, s.executed)
	}
	assert.Len(t, f.engine.Runs(), 3)
	got, ok := f.engine.Get(runs[0].ID())
	assert.True(t, ok)
	assert.Same(t, runs[0], got)
}

func TestEngine_SubmitRejections(t *testing.T) {
	f := setupEngine(t, config.EngineConfig{MaxConcurrentRuns: 1}, nil)

	assert.ErrorIs(t, f.engine.Submit(newRun()), ErrEngineStopped)

	f.engine.Start(context.Background())
	started := newRun()
	require.True(t, started.Start([]schemas.ActionStep{schemas.NewStep(schemas.ActionScreenshot, "home")}, time.Now()).OK())
	assert.ErrorIs(t, f.engine.Submit(started), orchestrator.ErrRunNotPending)

	r := newRun()
	require.NoError(t, f.engine.Submit(r))
	_, err := f.engine.Wait(context.Background(), r.ID())
	require.NoError(t, err)
	assert.Error(t, f.engine.Submit(r))

	f.engine.Stop()
	assert.ErrorIs(t, f.engine.Submit(newRun()), ErrEngineStopped)
	// Stop is idempotent.
	f.engine.Stop()
}

func TestEngine_QueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := setupEngine(t, config.EngineConfig{MaxConcurrentRuns: 1, QueueSize: 1}, nil)
	started := make(chan string, 2)
	release := make(chan struct{})
	f.runner.runFunc = blockingRunner(started, release)
	f.engine.Start(context.Background())

	first := newRun()
	require.NoError(t, f.engine.Submit(first))
	assert.Equal(t, first.ID(), <-started)

	queued := newRun()
	require.NoError(t, f.engine.Submit(queued))
	assert.ErrorIs(t, f.engine.Submit(newRun()), ErrQueueFull)

	close(release)
	f.engine.Stop()
	assert.Equal(t, testrun.StatusCompleted, first.Status())
	assert.Equal(t, testrun.StatusCompleted, queued.Status())
}

func TestEngine_SessionFailure(t *testing.T) {
	f := setupEngine(t, config.EngineConfig{}, nil)
	f.sessions.err = errors.New("chrome not found")
	f.engine.Start(context.Background())
	defer f.engine.Stop()

	r := newRun()
	require.NoError(t, f.engine.Submit(r))
	_, err := f.engine.Wait(context.Background(), r.ID())
	require.NoError(t, err)

	assert.Equal(t, testrun.StatusFailed, r.Status())
	assert.Equal(t, "browser session failed: chrome not found", r.FailureReason())
	assert.Empty(t, f.runner.called())
	assert.Equal(t, testrun.StatusFailed, f.store.statusOf(r.ID()))
}

func TestEngine_SessionCloseErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := setupEngine(t, config.EngineConfig{}, zap.New(core))
	f.sessions.closeErr = errors.New("target closed")
	f.engine.Start(context.Background())

	r := newRun()
	require.NoError(t, f.engine.Submit(r))
	_, err := f.engine.Wait(context.Background(), r.ID())
	require.NoError(t, err)
	f.engine.Stop()

	assert.Equal(t, testrun.StatusCompleted, r.Status())
	assert.Equal(t, 1, logs.FilterMessage("Failed to close browser session").Len())
}

func TestEngine_CancelRunning(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := setupEngine(t, config.EngineConfig{}, nil)
	started := make(chan string, 1)
	release := make(chan struct{})
	interrupted := make(chan bool, 1)
	f.runner.runFunc = func(ctx context.Context, run *testrun.TestRun) error {
		if res := run.Start([]schemas.ActionStep{schemas.NewStep(schemas.ActionScreenshot, "home")}, time.Now()); !res.OK() {
			return res.Err()
		}
		started <- run.ID()
		// A model call is in flight when the run is cancelled.
		select {
		case <-release:
			interrupted <- false
		case <-ctx.Done():
			interrupted <- true
		}
		run.Complete(time.Now())
		return nil
	}
	f.engine.Start(context.Background())

	r := newRun()
	require.NoError(t, f.engine.Submit(r))
	<-started
	require.NoError(t, f.engine.Cancel(r.ID()))
	assert.Equal(t, testrun.StatusCancelled, r.Status())

	close(release)
	assert.False(t, <-interrupted, "cancel must not interrupt the in-flight call")

	got, err := f.engine.Wait(context.Background(), r.ID())
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusCancelled, got.Status(), "late completion is discarded")
	f.engine.Stop()
}

func TestEngine_ForgetsOldestFinishedRuns(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := setupEngine(t, config.EngineConfig{MaxConcurrentRuns: 1, QueueSize: 4}, nil)
	f.engine.retain = 2
	f.engine.Start(context.Background())

	runs := []*testrun.TestRun{newRun(), newRun(), newRun()}
	for _, r := range runs {
		require.NoError(t, f.engine.Submit(r))
	}
	f.engine.Stop()

	_, ok := f.engine.Get(runs[0].ID())
	assert.False(t, ok, "oldest finished run is dropped")
	_, err := f.engine.Wait(context.Background(), runs[0].ID())
	assert.ErrorIs(t, err, ErrUnknownRun)
	for _, r := range runs[1:] {
		got, ok := f.engine.Get(r.ID())
		require.True(t, ok)
		assert.Equal(t, testrun.StatusCompleted, got.Status())
	}
	assert.Len(t, f.engine.Runs(), 2)
}

func TestEngine_CancelQueued(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := setupEngine(t, config.EngineConfig{MaxConcurrentRuns: 1, QueueSize: 2}, nil)
	started := make(chan string, 2)
	release := make(chan struct{})
	f.runner.runFunc = blockingRunner(started, release)
	f.engine.Start(context.Background())

	first, queued := newRun(), newRun()
	require.NoError(t, f.engine.Submit(first))
	<-started
	require.NoError(t, f.engine.Submit(queued))
	require.NoError(t, f.engine.Cancel(queued.ID()))
	close(release)

	got, err := f.engine.Wait(context.Background(), queued.ID())
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusCancelled, got.Status())
	f.engine.Stop()

	assert.Equal(t, []string{first.ID()}, f.runner.called())
	assert.Equal(t, testrun.StatusCancelled, f.store.statusOf(queued.ID()))
}

func TestEngine_PauseResume(t *testing.T) {
	f := setupEngine(t, config.EngineConfig{MaxConcurrentRuns: 1, QueueSize: 2}, nil)
	started := make(chan string, 2)
	release := make(chan struct{})
	f.runner.runFunc = blockingRunner(started, release)
	f.engine.Start(context.Background())

	r, queued := newRun(), newRun()
	require.NoError(t, f.engine.Submit(r))
	<-started
	require.NoError(t, f.engine.Submit(queued))

	require.NoError(t, f.engine.Pause(r.ID()))
	assert.Equal(t, testrun.StatusPaused, r.Status())
	assert.ErrorIs(t, f.engine.Pause(r.ID()), testrun.ErrInvariantViolation)
	require.NoError(t, f.engine.Resume(r.ID()))
	assert.Equal(t, testrun.StatusRunning, r.Status())

	// A queued run has not started yet.
	assert.ErrorIs(t, f.engine.Pause(queued.ID()), testrun.ErrInvariantViolation)
	assert.ErrorIs(t, f.engine.Pause("missing"), ErrUnknownRun)
	assert.ErrorIs(t, f.engine.Resume("missing"), ErrUnknownRun)
	assert.ErrorIs(t, f.engine.Cancel("missing"), ErrUnknownRun)

	close(release)
	f.engine.Stop()
}

// TestEngine_ContextCancellation ensures workers leave on cancellation and queued runs are abandoned.
func TestEngine_ContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := setupEngine(t, config.EngineConfig{MaxConcurrentRuns: 1, QueueSize: 3}, nil)
	started := make(chan string, 3)
	f.runner.runFunc = blockingRunner(started, make(chan struct{}))

	ctx, cancel := context.WithCancel(context.Background())
	f.engine.Start(ctx)

	first, second := newRun(), newRun()
	require.NoError(t, f.engine.Submit(first))
	<-started
	require.NoError(t, f.engine.Submit(second))

	cancel()
	f.engine.Stop()

	assert.Equal(t, testrun.StatusCancelled, first.Status())
	got, err := f.engine.Wait(context.Background(), second.ID())
	require.NoError(t, err)
	assert.Equal(t, testrun.StatusCancelled, got.Status())
	assert.Equal(t, []string{first.ID()}, f.runner.called())
}

func TestEngine_WaitRespectsContext(t *testing.T) {
	f := setupEngine(t, config.EngineConfig{}, nil)
	started := make(chan string, 1)
	release := make(chan struct{})
	f.runner.runFunc = blockingRunner(started, release)
	f.engine.Start(context.Background())

	r := newRun()
	require.NoError(t, f.engine.Submit(r))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.engine.Wait(ctx, r.ID())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.engine.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownRun)

	close(release)
	f.engine.Stop()
}
