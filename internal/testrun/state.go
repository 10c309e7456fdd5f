package testrun

import (
	"fmt"
	"time"

	"github.com/snowmanjy/ai2qa/api/schemas"
)

// RunState is the plain, persistable form of a TestRun.
// Zero times mean "not reached yet".
type RunState struct {
	ID            string                 `json:"id"`
	TargetURL     string                 `json:"target_url"`
	Goals         []string               `json:"goals"`
	Persona       schemas.Persona        `json:"persona"`
	Status        RunStatus              `json:"status"`
	Plan          []schemas.ActionStep   `json:"plan"`
	History       []schemas.ExecutedStep `json:"history"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   time.Time              `json:"completed_at"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Summary       string                 `json:"summary,omitempty"`
}

// State returns a deep copy of the aggregate's fields.
func (r *TestRun) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RunState{
		ID:            r.id,
		TargetURL:     r.targetURL,
		Goals:         append([]string(nil), r.goals...),
		Persona:       r.persona,
		Status:        r.status,
		Plan:          schemas.CloneSteps(r.plan),
		History:       cloneHistory(r.history),
		CreatedAt:     r.createdAt,
		StartedAt:     r.startedAt,
		CompletedAt:   r.completedAt,
		FailureReason: r.failureReason,
		Summary:       r.summary,
	}
}

// Rehydrate rebuilds a TestRun from persisted state, rejecting states that
// could not have been produced by the commands.
func Rehydrate(s RunState) (*TestRun, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("%w: run id is empty", ErrInvariantViolation)
	}
	if !s.Status.IsKnown() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvariantViolation, s.Status)
	}
	if len(s.History) > len(s.Plan) {
		return nil, fmt.Errorf("%w: %d executed steps exceed %d planned", ErrInvariantViolation, len(s.History), len(s.Plan))
	}
	return &TestRun{
		id:            s.ID,
		targetURL:     s.TargetURL,
		goals:         append([]string(nil), s.Goals...),
		persona:       s.Persona,
		status:        s.Status,
		plan:          schemas.CloneSteps(s.Plan),
		history:       cloneHistory(s.History),
		createdAt:     s.CreatedAt,
		startedAt:     s.StartedAt,
		completedAt:   s.CompletedAt,
		failureReason: s.FailureReason,
		summary:       s.Summary,
	}, nil
}
