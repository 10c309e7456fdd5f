package planner

import (
	"fmt"
	"strings"

	"github.com/snowmanjy/ai2qa/api/schemas"
	"github.com/snowmanjy/ai2qa/internal/reflector"
)

// FallbackPlan is used when a plan response cannot be parsed: wait for the page
// to settle, then capture it, so the run still produces evidence for the goal.
func FallbackPlan(goal string) []schemas.ActionStep {
	return []schemas.ActionStep{
		schemas.NewWaitStep(reflector.SettleWait, "settle before capturing goal state"),
		schemas.NewStep(schemas.ActionScreenshot, goal),
	}
}

// FallbackRepair is used when a repair response cannot be parsed.
func FallbackRepair() []schemas.ActionStep {
	return []schemas.ActionStep{schemas.NewWaitStep(reflector.RepairWaitStep, "wait before retrying")}
}

// FallbackSummary builds a summary from the run record alone.
func FallbackSummary(in SummaryInput, cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Test run against %s finished with status %s: %s.", in.TargetURL, in.Status, in.Progress)
	if in.FailureReason != "" {
		fmt.Fprintf(&b, " Failure reason: %s.", in.FailureReason)
	}

	var problems []string
	for _, e := range in.History {
		switch e.Status {
		case schemas.StepFailed, schemas.StepTimeout:
			problems = append(problems, fmt.Sprintf("%s %s (%s)", e.Status, e.Step, e.ErrorMessage))
		case schemas.StepSkipped:
			problems = append(problems, fmt.Sprintf("%s %s", e.Status, e.Step))
		}
	}
	if len(problems) > 0 {
		fmt.Fprintf(&b, " Steps needing attention: %s.", strings.Join(problems, "; "))
	}
	if cause != nil {
		fmt.Fprintf(&b, " (Generated without the model: %v.)", cause)
	}
	return b.String()
}
