package schemas

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// uuidNewString is swapped in tests for deterministic step ids.
var uuidNewString = uuid.NewString

// -- Action Schemas --

// ActionType names the interaction a step performs.
type ActionType string

const (
	ActionNavigate           ActionType = "navigate"
	ActionClick              ActionType = "click"
	ActionTypeText           ActionType = "type"
	ActionWait               ActionType = "wait"
	ActionScreenshot         ActionType = "screenshot"
	ActionMeasurePerformance ActionType = "measure_performance"
	ActionScroll             ActionType = "scroll"
	ActionHover              ActionType = "hover"
	ActionPressKey           ActionType = "press_key"
	ActionSelect             ActionType = "select"
)

func (a ActionType) String() string { return string(a) }

// IsPassive reports whether the action only observes the page.
func (a ActionType) IsPassive() bool {
	switch a {
	case ActionWait, ActionScreenshot, ActionMeasurePerformance:
		return true
	}
	return false
}

// NeedsSelector reports whether the action addresses a single element.
func (a ActionType) NeedsSelector() bool {
	switch a {
	case ActionClick, ActionTypeText, ActionHover, ActionSelect:
		return true
	}
	return false
}

// ParseActionType normalises planner output ("Type", " click ") into an ActionType.
// Unrecognised names are kept verbatim so they reach the executor as unknown actions.
func ParseActionType(s string) ActionType {
	return ActionType(strings.ToLower(strings.TrimSpace(s)))
}

// Well-known ActionStep.Params keys.
const (
	ParamWaitMs    = "ms"
	ParamKey       = "key"
	ParamDirection = "direction"
	ParamPixels    = "pixels"
	ParamReason    = "reason"
)

// DefaultWait applies to wait steps without a usable "ms" parameter.
const DefaultWait = time.Second

// ActionStep is one planned unit of interaction. Treat it as a value; the only
// sanctioned change after planning is attaching a resolved selector via WithSelector.
type ActionStep struct {
	StepID   string            `json:"step_id"`
	Action   ActionType        `json:"action"`
	Target   string            `json:"target"`
	Selector string            `json:"selector,omitempty"`
	Value    string            `json:"value,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// NewStep creates a step with a fresh id.
func NewStep(action ActionType, target string) ActionStep {
	return ActionStep{StepID: uuidNewString(), Action: action, Target: target}
}

// NewWaitStep creates a wait step for d.
func NewWaitStep(d time.Duration, reason string) ActionStep {
	step := NewStep(ActionWait, reason)
	step.Params = map[string]string{ParamWaitMs: strconv.FormatInt(d.Milliseconds(), 10)}
	return step
}

// Clone returns a copy that shares no mutable state with s.
func (s ActionStep) Clone() ActionStep {
	c := s
	if s.Params != nil {
		c.Params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	return c
}

// WithSelector returns a copy of s with the resolved selector attached.
func (s ActionStep) WithSelector(selector string) ActionStep {
	c := s.Clone()
	c.Selector = selector
	return c
}

// HasSelector reports whether a locator has been resolved for the step.
func (s ActionStep) HasSelector() bool { return strings.TrimSpace(s.Selector) != "" }

// Param returns the named parameter or "".
func (s ActionStep) Param(key string) string {
	if s.Params == nil {
		return ""
	}
	return s.Params[key]
}

// WaitDuration is the pause a wait step asks for.
func (s ActionStep) WaitDuration() time.Duration {
	ms, err := strconv.Atoi(s.Param(ParamWaitMs))
	if err != nil || ms <= 0 {
		return DefaultWait
	}
	return time.Duration(ms) * time.Millisecond
}

func (s ActionStep) String() string {
	desc := fmt.Sprintf("%s %q", s.Action, s.Target)
	if s.HasSelector() {
		desc += fmt.Sprintf(" [%s]", s.Selector)
	}
	return desc
}

// CloneSteps deep-copies a slice of steps; nil stays nil.
func CloneSteps(steps []ActionStep) []ActionStep {
	if steps == nil {
		return nil
	}
	out := make([]ActionStep, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}
