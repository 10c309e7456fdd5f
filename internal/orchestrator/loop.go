package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/api/schemas"
	"github.com/snowmanjy/ai2qa/internal/planner"
	"github.com/snowmanjy/ai2qa/internal/reflector"
	"github.com/snowmanjy/ai2qa/internal/testrun"
)

// runner holds the loop state of one run. The queue always mirrors the
// unexecuted tail of the run plan.
type runner struct {
	o      *Orchestrator
	run    *testrun.TestRun
	exec   Executor
	logger *zap.Logger
	ctx    context.Context // run budget
	parent context.Context

	// last is the most recent page state; empty before the first navigation.
	last    schemas.DomSnapshot
	retries map[string]int
	repairs int
	// repaired remembers the repair applied to a step, for its history record.
	repaired map[string]string
}

func (r *runner) pc() planner.PlanContext {
	snap := r.last
	return planner.PlanContext{TargetURL: r.run.TargetURL(), Persona: r.run.Persona(), Snapshot: &snap}
}

func (r *runner) loop() {
	r.retries = make(map[string]int)
	r.repaired = make(map[string]string)
	runID := r.run.ID()

	for {
		if r.run.IsTerminal() {
			return
		}
		if !r.waitWhilePaused() {
			return
		}
		if r.o.endOnContext(r.parent, r.ctx, r.run, r.logger) {
			return
		}

		step, ok := r.o.actions.Pop(runID)
		if !ok {
			r.finalize()
			return
		}
		if !r.attempt(step) {
			return
		}
	}
}

// waitWhilePaused blocks while the run is PAUSED. It reports false when the
// run went terminal or a context ended meanwhile.
func (r *runner) waitWhilePaused() bool {
	logged := false
	for r.run.Status() == testrun.StatusPaused {
		if !logged {
			r.logger.Info("Run paused, waiting for resume")
			logged = true
		}
		if err := r.o.sleep(r.ctx, r.o.opts.PausePollInterval); err != nil {
			r.o.endOnContext(r.parent, r.ctx, r.run, r.logger)
			return false
		}
	}
	if logged {
		r.logger.Info("Run resumed")
	}
	return !r.run.IsTerminal()
}

// attempt executes step once and applies the verdict. It reports whether the
// loop should continue.
func (r *runner) attempt(step schemas.ActionStep) bool {
	runID := r.run.ID()
	retry := r.retries[step.StepID]
	before := r.last
	resolved := r.resolveSelector(step, &before)

	started := r.o.now()
	outcome, err := r.o.executeStep(r.ctx, r.exec, resolved)
	elapsed := r.o.now().Sub(started)

	if err != nil {
		if r.ctx.Err() != nil {
			if r.parent.Err() == nil || errors.Is(r.parent.Err(), context.DeadlineExceeded) {
				r.commit(r.record(resolved, schemas.StepTimeout, started, elapsed, &before, outcome, retry, "run time budget exhausted during step"))
			}
			r.o.endOnContext(r.parent, r.ctx, r.run, r.logger)
			return false
		}
		reason := fmt.Sprintf("automation failed on %s: %v", resolved, err)
		r.commit(r.record(resolved, schemas.StepFailed, started, elapsed, &before, outcome, retry, err.Error()))
		r.o.fail(r.run, reason, r.logger)
		return false
	}
	if outcome.After != nil {
		r.last = *outcome.After
	}

	verdict := reflector.Reflect(reflector.Input{
		Step:         resolved,
		Before:       before,
		After:        outcome.After,
		Error:        outcome.Error,
		SelectorUsed: outcome.SelectorUsed,
		RetryCount:   retry,
	})
	stepLog := r.logger.With(zap.String("step", resolved.String()), zap.Int("retry", retry), zap.String("verdict", string(verdict.Kind())))

	switch v := verdict.(type) {
	case reflector.Success:
		stepLog.Debug("Step succeeded")
		executed := r.record(resolved, schemas.StepSuccess, started, elapsed, &before, outcome, retry, "")
		if v.SelectorUsed != "" {
			executed.SelectorUsed = v.SelectorUsed
		}
		return r.commit(executed)

	case reflector.Wait:
		stepLog.Info("Waiting before re-attempt", zap.String("reason", v.Reason), zap.Int("wait_ms", v.WaitMs))
		r.retries[step.StepID] = retry + 1
		r.o.actions.PushFront(runID, step)
		// An interrupted sleep is picked up at the loop head.
		_ = r.o.sleep(r.ctx, time.Duration(v.WaitMs)*time.Millisecond)
		return true

	case reflector.Retry:
		if retry >= reflector.MaxRetries {
			stepLog.Warn("Retry bound reached, skipping step", zap.String("reason", v.Reason))
			return r.commit(r.record(resolved, schemas.StepSkipped, started, elapsed, &before, outcome, retry,
				fmt.Sprintf("Step '%s' skipped after %d attempts: %s", resolved.Target, retry+1, v.Reason)))
		}
		stepLog.Info("Retrying step", zap.String("reason", v.Reason), zap.Int("repair_steps", len(v.RepairSteps)))
		r.retries[step.StepID] = retry + 1
		return r.repair(step, resolved, v, outcome.Error)

	case reflector.Skip:
		stepLog.Warn("Step skipped", zap.String("reason", v.Reason))
		return r.commit(r.record(resolved, schemas.StepSkipped, started, elapsed, &before, outcome, retry, v.Reason))
	}
	return true
}

// repair queues repair steps ahead of the re-attempt of step. Without steps
// from the reflector the planner is asked, within the per-run budget.
func (r *runner) repair(step, resolved schemas.ActionStep, v reflector.Retry, execErr string) bool {
	runID := r.run.ID()
	steps := v.RepairSteps

	if len(steps) == 0 && r.repairs < r.o.opts.MaxRepairsPerRun {
		r.repairs++
		msg := execErr
		if msg == "" {
			msg = v.Reason
		}
		snap := r.last
		planned, err := r.o.planner.PlanRepair(r.ctx, resolved, msg, &snap, r.pc())
		if err != nil {
			if r.o.endOnContext(r.parent, r.ctx, r.run, r.logger) {
				return false
			}
			r.o.fail(r.run, fmt.Sprintf("repair planning failed for %s: %v", resolved, err), r.logger)
			return false
		}
		steps = planned
	} else if len(steps) == 0 {
		r.logger.Debug("Repair budget spent, re-attempting without repair",
			zap.Int("budget", r.o.opts.MaxRepairsPerRun))
	}

	r.o.actions.PushFront(runID, step)
	if len(steps) == 0 {
		return true
	}
	r.o.actions.PushFrontAll(runID, steps)
	r.repaired[step.StepID] = describe(steps)

	for {
		res := r.run.AddRepairSteps(steps)
		if res.OK() {
			return true
		}
		if res.Kind() == testrun.ViolationNotActive && r.run.Status() == testrun.StatusPaused {
			if !r.waitWhilePaused() {
				return false
			}
			continue
		}
		r.logger.Warn("Repair steps rejected", zap.Stringer("result", res))
		return !r.run.IsTerminal()
	}
}

// record builds the history entry of one attempt.
func (r *runner) record(step schemas.ActionStep, status schemas.StepStatus, at time.Time, elapsed time.Duration, before *schemas.DomSnapshot, outcome schemas.ExecutionOutcome, retry int, errMsg string) schemas.ExecutedStep {
	if errMsg == "" && status != schemas.StepSuccess {
		errMsg = outcome.Error
	}
	return schemas.ExecutedStep{
		Step:             step,
		Status:           status,
		ExecutedAt:       at,
		DurationMs:       elapsed.Milliseconds(),
		SelectorUsed:     outcome.SelectorUsed,
		SnapshotBefore:   before,
		SnapshotAfter:    outcome.After,
		ErrorMessage:     errMsg,
		RetryCount:       retry,
		RepairSuggestion: r.repaired[step.StepID],
		Signals:          outcome.Signals,
	}
}

// commit appends executed to the run history and the done queue. A run paused
// mid-step is waited out first. It reports whether the loop should continue.
func (r *runner) commit(executed schemas.ExecutedStep) bool {
	for {
		res := r.run.RecordStepExecution(executed, r.o.now())
		if res.OK() {
			break
		}
		if res.Kind() == testrun.ViolationNotActive && r.run.Status() == testrun.StatusPaused {
			if !r.waitWhilePaused() {
				return false
			}
			continue
		}
		r.logger.Warn("Step execution not recorded", zap.Stringer("result", res))
		return !r.run.IsTerminal()
	}

	r.o.done.Record(r.run.ID(), executed)
	delete(r.retries, executed.Step.StepID)
	delete(r.repaired, executed.Step.StepID)
	r.o.save(r.run, r.logger)
	return true
}

// finalize ends a run whose queue drained without completing on its own.
func (r *runner) finalize() {
	if r.run.IsTerminal() {
		return
	}
	if r.run.HasFailures() {
		p := r.run.Progress()
		r.o.fail(r.run, fmt.Sprintf("%d step(s) failed, %d timed out", p.Failed, p.TimedOut), r.logger)
		return
	}
	r.run.Complete(r.o.now())
}

// resolveSelector asks the planner for a selector when step addresses an
// element without one. Lookup failures leave the step as is.
func (r *runner) resolveSelector(step schemas.ActionStep, before *schemas.DomSnapshot) schemas.ActionStep {
	if !step.Action.NeedsSelector() || step.HasSelector() || strings.TrimSpace(step.Target) == "" {
		return step
	}
	selector, err := r.o.planner.FindSelector(r.ctx, step.Target, before)
	if err != nil {
		r.logger.Warn("Selector lookup failed, executing by description", zap.String("target", step.Target), zap.Error(err))
		return step
	}
	if selector == "" {
		return step
	}
	return step.WithSelector(selector)
}

// executeStep isolates executor panics; a panicking executor is broken automation.
func (o *Orchestrator) executeStep(ctx context.Context, exec Executor, step schemas.ActionStep) (out schemas.ExecutionOutcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return exec.Execute(ctx, step)
}

func describe(steps []schemas.ActionStep) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = s.String()
	}
	return strings.Join(parts, "; ")
}
