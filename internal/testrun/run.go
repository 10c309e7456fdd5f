// Package testrun holds the TestRun aggregate: the lifecycle of one browser
// test, its mutable plan and its append-only execution history.
//
// Commands never panic and never return errors; they return a Result that the
// caller inspects. Queries return copies.
package testrun

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/snowmanjy/ai2qa/api/schemas"
)

var newRunID = uuid.NewString

// TestRun is the aggregate root. It is safe for concurrent use so that Cancel
// or Pause can arrive from a goroutine other than the run loop.
type TestRun struct {
	mu sync.RWMutex

	id        string
	targetURL string
	goals     []string
	persona   schemas.Persona

	status  RunStatus
	plan    []schemas.ActionStep
	history []schemas.ExecutedStep

	createdAt     time.Time
	startedAt     time.Time
	completedAt   time.Time
	failureReason string
	summary       string
}

// New creates a PENDING run.
func New(targetURL string, goals []string, persona schemas.Persona, now time.Time) *TestRun {
	return &TestRun{
		id:        newRunID(),
		targetURL: targetURL,
		goals:     append([]string(nil), goals...),
		persona:   persona,
		status:    StatusPending,
		createdAt: now,
	}
}

// -- Commands --

// Start installs the initial plan and moves PENDING to RUNNING.
func (r *TestRun) Start(plan []schemas.ActionStep, now time.Time) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusPending {
		return Violation(ViolationInvalidState, "cannot start run in status %s", r.status)
	}
	if len(plan) == 0 {
		return Violation(ViolationInvalidArgument, "plan must contain at least one step")
	}
	r.plan = schemas.CloneSteps(plan)
	r.status = StatusRunning
	r.startedAt = now
	return Ok()
}

// RecordStepExecution appends one committed attempt. When the history covers the
// whole plan and every entry succeeded, the run completes.
func (r *TestRun) RecordStepExecution(step schemas.ExecutedStep, now time.Time) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.status.IsActive() {
		return Violation(ViolationNotActive, "cannot record step %s in status %s", step.Step.StepID, r.status)
	}
	if len(r.history) >= len(r.plan) {
		return Violation(ViolationPlanOverflow, "history already covers all %d planned steps", len(r.plan))
	}
	r.history = append(r.history, step.Clone())

	if len(r.history) == len(r.plan) && r.allSucceeded() {
		r.finish(StatusCompleted, now)
	}
	return Ok()
}

// AddRepairSteps splices steps between the executed prefix and the unexecuted
// remainder: plan = executed ++ steps ++ remaining.
func (r *TestRun) AddRepairSteps(steps []schemas.ActionStep) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.status.IsActive() {
		return Violation(ViolationNotActive, "cannot add repair steps in status %s", r.status)
	}
	if len(steps) == 0 {
		return Ok()
	}

	done := len(r.history)
	rebuilt := make([]schemas.ActionStep, 0, len(r.plan)+len(steps))
	for _, h := range r.history {
		rebuilt = append(rebuilt, h.Step.Clone())
	}
	rebuilt = append(rebuilt, schemas.CloneSteps(steps)...)
	rebuilt = append(rebuilt, r.plan[done:]...)
	r.plan = rebuilt
	return Ok()
}

// Fail ends the run with a reason. No-op once terminal.
func (r *TestRun) Fail(reason string, now time.Time) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return Ok()
	}
	r.failureReason = reason
	r.finish(StatusFailed, now)
	return Ok()
}

// Cancel stops further dispatch. No-op once terminal.
func (r *TestRun) Cancel(now time.Time) Result {
	return r.terminate(StatusCancelled, now)
}

// Complete ends the run successfully. No-op once terminal.
func (r *TestRun) Complete(now time.Time) Result {
	return r.terminate(StatusCompleted, now)
}

// TimeOut ends the run because its wall-clock budget elapsed. No-op once terminal.
func (r *TestRun) TimeOut(now time.Time) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return Ok()
	}
	r.failureReason = "run exceeded its time budget"
	r.finish(StatusTimeout, now)
	return Ok()
}

// Pause suspends a RUNNING run.
func (r *TestRun) Pause() Result {
	return r.transition(StatusRunning, StatusPaused)
}

// Resume continues a PAUSED run.
func (r *TestRun) Resume() Result {
	return r.transition(StatusPaused, StatusRunning)
}

// SetSummary attaches the human-readable run summary.
func (r *TestRun) SetSummary(summary string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = summary
	return Ok()
}

func (r *TestRun) terminate(to RunStatus, now time.Time) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return Ok()
	}
	r.finish(to, now)
	return Ok()
}

func (r *TestRun) transition(from, to RunStatus) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != from || !CanTransition(from, to) {
		return Violation(ViolationInvalidState, "cannot move from %s to %s", r.status, to)
	}
	r.status = to
	return Ok()
}

// finish must be called with the lock held.
func (r *TestRun) finish(to RunStatus, now time.Time) {
	r.status = to
	r.completedAt = now
}

func (r *TestRun) allSucceeded() bool {
	for _, h := range r.history {
		if !h.Succeeded() {
			return false
		}
	}
	return true
}

// -- Queries --

func (r *TestRun) ID() string               { return r.id }
func (r *TestRun) TargetURL() string        { return r.targetURL }
func (r *TestRun) Persona() schemas.Persona { return r.persona }
func (r *TestRun) Goals() []string          { return append([]string(nil), r.goals...) }
func (r *TestRun) CreatedAt() time.Time     { return r.createdAt }
func (r *TestRun) IsActive() bool           { return r.Status().IsActive() }
func (r *TestRun) IsTerminal() bool         { return r.Status().IsTerminal() }

func (r *TestRun) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *TestRun) Summary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summary
}

func (r *TestRun) FailureReason() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failureReason
}

func (r *TestRun) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

func (r *TestRun) CompletedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completedAt
}

// Plan returns a copy of the full plan, executed prefix included.
func (r *TestRun) Plan() []schemas.ActionStep {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return schemas.CloneSteps(r.plan)
}

// History returns a copy of the executed steps in commit order.
func (r *TestRun) History() []schemas.ExecutedStep {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneHistory(r.history)
}

// RemainingSteps returns the planned steps not yet executed.
func (r *TestRun) RemainingSteps() []schemas.ActionStep {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.history) >= len(r.plan) {
		return []schemas.ActionStep{}
	}
	return schemas.CloneSteps(r.plan[len(r.history):])
}

// HasFailures reports whether any committed step FAILED or timed out.
func (r *TestRun) HasFailures() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.history {
		if h.Status == schemas.StepFailed || h.Status == schemas.StepTimeout {
			return true
		}
	}
	return false
}

// Progress summarises the run's history against its plan.
type Progress struct {
	Planned   int     `json:"planned"`
	Executed  int     `json:"executed"`
	Succeeded int     `json:"succeeded"`
	Skipped   int     `json:"skipped"`
	Failed    int     `json:"failed"`
	TimedOut  int     `json:"timed_out"`
	Percent   float64 `json:"percent"`
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d steps (%d passed, %d skipped, %d failed, %d timed out)",
		p.Executed, p.Planned, p.Succeeded, p.Skipped, p.Failed, p.TimedOut)
}

func (r *TestRun) Progress() Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := Progress{Planned: len(r.plan), Executed: len(r.history)}
	for _, h := range r.history {
		switch h.Status {
		case schemas.StepSuccess:
			p.Succeeded++
		case schemas.StepSkipped:
			p.Skipped++
		case schemas.StepFailed:
			p.Failed++
		case schemas.StepTimeout:
			p.TimedOut++
		}
	}
	if p.Planned > 0 {
		p.Percent = float64(p.Executed) / float64(p.Planned) * 100
	}
	return p
}

func cloneHistory(h []schemas.ExecutedStep) []schemas.ExecutedStep {
	out := make([]schemas.ExecutedStep, len(h))
	for i, e := range h {
		out[i] = e.Clone()
	}
	return out
}
