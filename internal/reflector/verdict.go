package reflector

import "github.com/snowmanjy/ai2qa/api/schemas"

// Kind names a Verdict variant.
type Kind string

const (
	KindSuccess Kind = "SUCCESS"
	KindRetry   Kind = "RETRY"
	KindWait    Kind = "WAIT"
	KindSkip    Kind = "SKIP"
)

// Verdict is the closed set of reflection outcomes: Success, Retry, Wait, Skip.
// The unexported method keeps other packages from adding variants, so a type
// switch over the four is exhaustive.
type Verdict interface {
	Kind() Kind
	verdict()
}

// Success means the step did what it was meant to do.
type Success struct {
	SelectorUsed string
}

// Retry asks for the step to be attempted again, after RepairSteps if any.
// An empty RepairSteps means the caller should ask the planner for a repair.
type Retry struct {
	Reason      string
	RepairSteps []schemas.ActionStep
}

// Wait asks for the same step to be re-attempted after WaitMs.
type Wait struct {
	Reason string
	WaitMs int
}

// Skip gives up on the step without failing the run.
type Skip struct {
	Reason string
}

func (Success) Kind() Kind { return KindSuccess }
func (Retry) Kind() Kind   { return KindRetry }
func (Wait) Kind() Kind    { return KindWait }
func (Skip) Kind() Kind    { return KindSkip }

func (Success) verdict() {}
func (Retry) verdict()   {}
func (Wait) verdict()    {}
func (Skip) verdict()    {}
