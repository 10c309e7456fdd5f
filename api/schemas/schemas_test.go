package schemas

import (
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedIDs makes NewStep deterministic for the duration of a test.
func fixedIDs(t *testing.T, ids ...string) {
	t.Helper()
	orig := uuidNewString
	i := 0
	uuidNewString = func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
	t.Cleanup(func() { uuidNewString = orig })
}

func TestActionType(t *testing.T) {
	t.Parallel()
	passive := []ActionType{ActionWait, ActionScreenshot, ActionMeasurePerformance}
	for _, a := range passive {
		assert.True(t, a.IsPassive(), a)
	}
	for _, a := range []ActionType{ActionNavigate, ActionClick, ActionTypeText, ActionScroll} {
		assert.False(t, a.IsPassive(), a)
	}
	assert.True(t, ActionClick.NeedsSelector())
	assert.True(t, ActionTypeText.NeedsSelector())
	assert.False(t, ActionNavigate.NeedsSelector())

	assert.Equal(t, ActionTypeText, ParseActionType(" Type "))
	assert.Equal(t, ActionType("drag"), ParseActionType("DRAG"))
}

func TestActionStep(t *testing.T) {
	t.Run("NewStep assigns an id", func(t *testing.T) {
		fixedIDs(t, "step-1")
		step := NewStep(ActionClick, "Login button")
		assert.Equal(t, "step-1", step.StepID)
		assert.Equal(t, ActionClick, step.Action)
		assert.False(t, step.HasSelector())
	})

	t.Run("Clone does not share params", func(t *testing.T) {
		orig := ActionStep{StepID: "a", Action: ActionScroll, Params: map[string]string{ParamDirection: "down"}}
		c := orig.Clone()
		c.Params[ParamDirection] = "up"
		assert.Equal(t, "down", orig.Params[ParamDirection])
	})

	t.Run("WithSelector leaves the original untouched", func(t *testing.T) {
		orig := ActionStep{StepID: "a", Action: ActionClick, Target: "Submit"}
		resolved := orig.WithSelector("#submit")
		assert.Empty(t, orig.Selector)
		assert.Equal(t, "#submit", resolved.Selector)
		assert.True(t, resolved.HasSelector())
		assert.Contains(t, resolved.String(), "[#submit]")
	})

	t.Run("wait durations", func(t *testing.T) {
		w := NewWaitStep(2500*time.Millisecond, "settle")
		assert.Equal(t, ActionWait, w.Action)
		assert.Equal(t, "2500", w.Param(ParamWaitMs))
		assert.Equal(t, 2500*time.Millisecond, w.WaitDuration())

		assert.Equal(t, DefaultWait, ActionStep{Action: ActionWait}.WaitDuration())
		assert.Equal(t, DefaultWait, ActionStep{Params: map[string]string{ParamWaitMs: "abc"}}.WaitDuration())
		assert.Equal(t, DefaultWait, ActionStep{Params: map[string]string{ParamWaitMs: "-5"}}.WaitDuration())
	})

	t.Run("CloneSteps", func(t *testing.T) {
		assert.Nil(t, CloneSteps(nil))
		in := []ActionStep{{StepID: "1", Params: map[string]string{"k": "v"}}}
		out := CloneSteps(in)
		out[0].Params["k"] = "changed"
		out[0].StepID = "2"
		assert.Equal(t, "v", in[0].Params["k"])
		assert.Equal(t, "1", in[0].StepID)
	})
}

func TestDomSnapshot(t *testing.T) {
	t.Parallel()
	empty := EmptySnapshot()
	assert.True(t, empty.IsEmpty())
	assert.False(t, DomSnapshot{URL: "https://example.com"}.IsEmpty())

	a := DomSnapshot{Content: "button Login"}
	b := DomSnapshot{Content: "button Login", URL: "https://other.example"}
	assert.False(t, a.Differs(b), "only content is compared")
	assert.True(t, a.Differs(DomSnapshot{Content: "button Logout"}))

	assert.True(t, a.Contains("Login"))
	assert.False(t, a.Contains(""))

	long := DomSnapshot{Content: "line one\nline two\nline three"}
	assert.Equal(t, long.Content, long.Excerpt(0))
	assert.Equal(t, "line one\nline two\n...", long.Excerpt(20))
}

func TestExecutedStepClone(t *testing.T) {
	t.Parallel()
	after := DomSnapshot{Content: "after"}
	orig := ExecutedStep{
		Step:          ActionStep{StepID: "s", Params: map[string]string{"k": "v"}},
		Status:        StepSuccess,
		SnapshotAfter: &after,
		Signals:       Signals{Performance: map[string]float64{"Nodes": 12}},
	}
	c := orig.Clone()
	c.SnapshotAfter.Content = "mutated"
	c.Signals.Performance["Nodes"] = 1
	c.Step.Params["k"] = "x"

	assert.Equal(t, "after", orig.SnapshotAfter.Content)
	assert.Equal(t, 12.0, orig.Signals.Performance["Nodes"])
	assert.Equal(t, "v", orig.Step.Params["k"])
	assert.True(t, orig.Succeeded())
	assert.True(t, Signals{}.IsZero())
	assert.False(t, orig.Signals.IsZero())
}

func TestPersona(t *testing.T) {
	t.Parallel()
	assert.Equal(t, PersonaChaoticExplorer, ParsePersona("Chaotic_Explorer"))
	assert.Equal(t, PersonaStandard, ParsePersona("pirate"))
	assert.Equal(t, PersonaStandard, ParsePersona(""))
	assert.Contains(t, PersonaAccessibilityAdvocate.Brief(), "accessibility")
	assert.Equal(t, PersonaStandard.Brief(), Persona("unknown").Brief())
}

// Persistence relies on enum strings surviving serialization verbatim.
func TestEnumWireValues(t *testing.T) {
	t.Parallel()
	step := ExecutedStep{
		Step:   ActionStep{StepID: "s1", Action: ActionMeasurePerformance, Target: "page"},
		Status: StepTimeout,
	}
	raw, err := json.Marshal(step)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"TIMEOUT"`)
	assert.Contains(t, string(raw), `"action":"measure_performance"`)

	var back ExecutedStep
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, StepTimeout, back.Status)
	assert.Equal(t, ActionMeasurePerformance, back.Step.Action)
}
