// Package reflector judges the outcome of one executed step from the page
// state before and after it. Reflect has no side effects and makes no external calls.
package reflector

import (
	"fmt"
	"time"

	"github.com/snowmanjy/ai2qa/api/schemas"
)

// MaxRetries bounds how often one step is re-attempted before it is skipped
// (error path) or assumed successful (no-change path).
const MaxRetries = 3

const (
	// RepairWaitStep is the unit of the escalating wait injected before a retry.
	RepairWaitStep = time.Second
	// SettleWait is how long a no-change step waits per attempt.
	SettleWait = time.Second
)

// Input is everything the reflector looks at.
type Input struct {
	Step         schemas.ActionStep
	Before       schemas.DomSnapshot
	After        *schemas.DomSnapshot
	Error        string
	SelectorUsed string
	RetryCount   int
}

// Reflect classifies the attempt described by in.
func Reflect(in Input) Verdict {
	step := in.Step

	if step.Action.IsPassive() {
		return Success{SelectorUsed: selectorOf(in)}
	}

	if in.Error != "" {
		return reflectError(in)
	}

	if in.After == nil {
		return Retry{
			Reason:      "No snapshot after execution",
			RepairSteps: []schemas.ActionStep{repairWait(in.RetryCount, "wait for the page to become observable")},
		}
	}

	changed := in.Before.Differs(*in.After)

	switch step.Action {
	case schemas.ActionNavigate:
		if in.After.URL != "" {
			return Success{SelectorUsed: selectorOf(in)}
		}
		return Retry{
			Reason:      fmt.Sprintf("Navigation to %q did not produce a page URL", step.Value),
			RepairSteps: []schemas.ActionStep{repairWait(in.RetryCount, "wait for navigation to settle")},
		}

	case schemas.ActionClick:
		if changed || selectorOf(in) != "" {
			return Success{SelectorUsed: selectorOf(in)}
		}
		return noChange(in, "Click")

	case schemas.ActionTypeText:
		// Masked inputs never show the literal value, so any change counts.
		if in.After.Contains(step.Value) || changed {
			return Success{SelectorUsed: selectorOf(in)}
		}
		return noChange(in, "Typing into")

	default:
		if changed || selectorOf(in) != "" {
			return Success{SelectorUsed: selectorOf(in)}
		}
		return noChange(in, "Action on")
	}
}

func reflectError(in Input) Verdict {
	target := in.Step.Target
	attempt := in.RetryCount + 1

	if in.RetryCount >= MaxRetries {
		if IsDismissible(target) {
			return Skip{Reason: fmt.Sprintf(
				"Dismiss step '%s' skipped after %d attempts: optional element not present, likely already handled", target, attempt)}
		}
		return Skip{Reason: fmt.Sprintf("Step '%s' skipped after %d attempts: %s", target, attempt, in.Error)}
	}

	switch ClassifyError(in.Error) {
	case ErrorElementNotFound:
		return Retry{
			Reason:      fmt.Sprintf("Element for '%s' not found (attempt %d of %d), waiting for it to appear", target, attempt, MaxRetries+1),
			RepairSteps: []schemas.ActionStep{repairWait(in.RetryCount, "wait for '"+target+"' to appear")},
		}
	case ErrorTimeout:
		return Retry{
			Reason:      fmt.Sprintf("Action on '%s' timed out (attempt %d of %d), waiting before retry", target, attempt, MaxRetries+1),
			RepairSteps: []schemas.ActionStep{repairWait(in.RetryCount, "wait for the page to respond")},
		}
	default:
		return Retry{Reason: fmt.Sprintf("Retrying action after error: %s", in.Error)}
	}
}

// noChange handles a step that left the page untouched. Some actions (analytics
// pings, already-selected options) legitimately change nothing, so once the
// retries are spent the step is taken as successful instead of looping.
func noChange(in Input, verb string) Verdict {
	if in.RetryCount >= MaxRetries {
		return Success{SelectorUsed: selectorOf(in)}
	}
	return Wait{
		Reason: fmt.Sprintf("%s '%s' produced no visible change", verb, in.Step.Target),
		WaitMs: int(SettleWait.Milliseconds()),
	}
}

// repairWait grows linearly with the attempt number.
func repairWait(retryCount int, reason string) schemas.ActionStep {
	return schemas.NewWaitStep(RepairWaitStep*time.Duration(retryCount+1), reason)
}

func selectorOf(in Input) string {
	if in.SelectorUsed != "" {
		return in.SelectorUsed
	}
	return in.Step.Selector
}
