// File: internal/orchestrator/orchestrator.go
// Description: Drives one test run from goals to a terminal status. Planning,
// browser automation and persistence are injected through interfaces.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snowmanjy/ai2qa/api/schemas"
	"github.com/snowmanjy/ai2qa/internal/config"
	"github.com/snowmanjy/ai2qa/internal/planner"
	"github.com/snowmanjy/ai2qa/internal/queue"
	"github.com/snowmanjy/ai2qa/internal/testrun"
)

// ErrRunNotPending is returned when Run is handed a run that already started.
var ErrRunNotPending = errors.New("orchestrator: run is not pending")

// Executor performs one step in the browser. Step-level problems belong in
// ExecutionOutcome.Error; a returned error means the automation itself broke.
type Executor interface {
	Execute(ctx context.Context, step schemas.ActionStep) (schemas.ExecutionOutcome, error)
}

// Planner is the planning capability the loop relies on.
type Planner interface {
	PlanGoal(ctx context.Context, goal string, pc planner.PlanContext) ([]schemas.ActionStep, error)
	PlanRepair(ctx context.Context, failed schemas.ActionStep, errMsg string, snapshot *schemas.DomSnapshot, pc planner.PlanContext) ([]schemas.ActionStep, error)
	FindSelector(ctx context.Context, description string, snapshot *schemas.DomSnapshot) (string, error)
	Summarize(ctx context.Context, in planner.SummaryInput) string
}

// RunRepository persists run state. Optional.
type RunRepository interface {
	SaveRun(ctx context.Context, state testrun.RunState) error
}

// Options bounds a run.
type Options struct {
	// RunTimeout is the wall-clock budget of a run; zero means unbounded.
	RunTimeout time.Duration
	// MaxRepairsPerRun caps planner repair requests per run.
	MaxRepairsPerRun int
	// PausePollInterval is how often a paused run checks for resume.
	PausePollInterval time.Duration
}

// OptionsFromConfig reads Options from the engine section.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		RunTimeout:        cfg.RunTimeout,
		MaxRepairsPerRun:  cfg.MaxRepairsPerRun,
		PausePollInterval: cfg.PausePollInterval,
	}
}

// persistTimeout bounds one SaveRun call.
const persistTimeout = 30 * time.Second

// Orchestrator runs test runs. One instance serves every run in the process;
// per-run queue entries are keyed by run id.
type Orchestrator struct {
	planner Planner
	repo    RunRepository
	opts    Options
	logger  *zap.Logger

	actions *queue.ActionQueues
	done    *queue.DoneQueues

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator. repo may be nil.
func New(p Planner, repo RunRepository, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if p == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if opts.PausePollInterval <= 0 {
		opts.PausePollInterval = 500 * time.Millisecond
	}
	if opts.MaxRepairsPerRun < 0 {
		opts.MaxRepairsPerRun = 0
	}
	return &Orchestrator{
		planner: p,
		repo:    repo,
		opts:    opts,
		logger:  logger.Named("Orchestrator"),
		actions: queue.NewActionQueues(),
		done:    queue.NewDoneQueues(),
		now:     time.Now,
		sleep:   sleepContext,
	}, nil
}

// Pending returns the steps still queued for a live run.
func (o *Orchestrator) Pending(runID string) []schemas.ActionStep {
	return o.actions.GetAll(runID)
}

// RecentHistory returns up to n committed steps of a live run, oldest first.
func (o *Orchestrator) RecentHistory(runID string, n int) []schemas.ExecutedStep {
	return o.done.GetRecentHistory(runID, n)
}

// Run plans run's goals, executes the plan with exec and leaves run in a
// terminal status. It returns an error only when run was not PENDING; the
// outcome of the run itself is recorded on run.
func (o *Orchestrator) Run(ctx context.Context, run *testrun.TestRun, exec Executor) error {
	if run.Status() != testrun.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrRunNotPending, run.ID(), run.Status())
	}

	logger := o.logger.With(zap.String("run_id", run.ID()))
	logger.Info("Run starting",
		zap.String("target", run.TargetURL()),
		zap.Strings("goals", run.Goals()),
		zap.String("persona", run.Persona().String()))

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
	}
	defer cancel()
	defer o.actions.Remove(run.ID())
	defer o.done.Remove(run.ID())

	plan, err := o.plan(runCtx, run)
	if err != nil {
		if !o.endOnContext(ctx, runCtx, run, logger) {
			o.fail(run, fmt.Sprintf("planning failed: %v", err), logger)
		}
	} else if res := run.Start(plan, o.now()); !res.OK() {
		// A run cancelled while planning lands here.
		logger.Warn("Run could not start", zap.Stringer("result", res))
	} else {
		o.save(run, logger)
		o.actions.PushAll(run.ID(), plan)
		logger.Info("Plan installed", zap.Int("steps", len(plan)))
		r := &runner{o: o, run: run, exec: exec, logger: logger, ctx: runCtx, parent: ctx}
		r.loop()
	}

	o.summarize(ctx, run, logger)
	o.save(run, logger)
	logger.Info("Run finished",
		zap.String("status", run.Status().String()),
		zap.Stringer("progress", run.Progress()),
		zap.String("failure_reason", run.FailureReason()))
	return nil
}

// plan asks for every goal concurrently and concatenates the results in goal
// order, with a navigate to the target URL first.
func (o *Orchestrator) plan(ctx context.Context, run *testrun.TestRun) ([]schemas.ActionStep, error) {
	goals := run.Goals()
	pc := planner.PlanContext{TargetURL: run.TargetURL(), Persona: run.Persona()}
	plans := make([][]schemas.ActionStep, len(goals))

	g, gctx := errgroup.WithContext(ctx)
	for i, goal := range goals {
		g.Go(func() error {
			steps, err := o.planner.PlanGoal(gctx, goal, pc)
			if err != nil {
				return err
			}
			plans[i] = steps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var plan []schemas.ActionStep
	for _, p := range plans {
		plan = append(plan, p...)
	}
	return withNavigateFirst(plan, run.TargetURL()), nil
}

// withNavigateFirst guarantees the plan opens the target page.
func withNavigateFirst(plan []schemas.ActionStep, targetURL string) []schemas.ActionStep {
	if len(plan) > 0 && plan[0].Action == schemas.ActionNavigate {
		return plan
	}
	return append([]schemas.ActionStep{schemas.NewStep(schemas.ActionNavigate, targetURL)}, plan...)
}

// endOnContext moves run to TIMEOUT or CANCELLED when a context ended and
// reports whether it did.
func (o *Orchestrator) endOnContext(parent, runCtx context.Context, run *testrun.TestRun, logger *zap.Logger) bool {
	switch {
	case parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded):
		logger.Warn("Run interrupted", zap.Error(parent.Err()))
		run.Cancel(o.now())
	case parent.Err() != nil || runCtx.Err() != nil:
		logger.Warn("Run exceeded its time budget", zap.Duration("budget", o.opts.RunTimeout))
		run.TimeOut(o.now())
	default:
		return false
	}
	return true
}

func (o *Orchestrator) fail(run *testrun.TestRun, reason string, logger *zap.Logger) {
	logger.Error("Run failed", zap.String("reason", reason))
	run.Fail(reason, o.now())
}

// summarize attaches a summary. With the caller gone it skips the model.
func (o *Orchestrator) summarize(ctx context.Context, run *testrun.TestRun, logger *zap.Logger) {
	in := planner.SummaryInputFrom(run)
	var summary string
	if ctx.Err() != nil {
		summary = planner.FallbackSummary(in, ctx.Err())
	} else {
		summary = o.planner.Summarize(ctx, in)
	}
	if res := run.SetSummary(summary); !res.OK() {
		logger.Warn("Summary rejected", zap.Stringer("result", res))
	}
}

// save persists run on a fresh context so results survive a cancelled caller.
func (o *Orchestrator) save(run *testrun.TestRun, logger *zap.Logger) {
	if o.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.repo.SaveRun(ctx, run.State()); err != nil {
		logger.Error("Failed to persist run", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
