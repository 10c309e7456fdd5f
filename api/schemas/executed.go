package schemas

import "time"

// StepStatus is the committed outcome of one attempt.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
	StepTimeout StepStatus = "TIMEOUT"
)

func (s StepStatus) String() string { return string(s) }

// -- Side-channel Signals --

// NetworkSignal records a failed or erroring request seen while a step ran.
type NetworkSignal struct {
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"`
	Status       int    `json:"status,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Failure      string `json:"failure,omitempty"`
}

// ConsoleSignal is a console message or browser log entry.
type ConsoleSignal struct {
	Level  string `json:"level"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// AccessibilitySignal is a static accessibility finding on the after-snapshot.
type AccessibilitySignal struct {
	Rule    string `json:"rule"`
	Element string `json:"element"`
	Message string `json:"message"`
}

// Signals groups everything observed next to the step itself.
type Signals struct {
	Network       []NetworkSignal       `json:"network,omitempty"`
	Console       []ConsoleSignal       `json:"console,omitempty"`
	Accessibility []AccessibilitySignal `json:"accessibility,omitempty"`
	Performance   map[string]float64    `json:"performance,omitempty"`
}

// IsZero reports whether nothing was observed.
func (s Signals) IsZero() bool {
	return len(s.Network) == 0 && len(s.Console) == 0 && len(s.Accessibility) == 0 && len(s.Performance) == 0
}

// Clone deep-copies the signal set.
func (s Signals) Clone() Signals {
	c := Signals{
		Network:       append([]NetworkSignal(nil), s.Network...),
		Console:       append([]ConsoleSignal(nil), s.Console...),
		Accessibility: append([]AccessibilitySignal(nil), s.Accessibility...),
	}
	if s.Performance != nil {
		c.Performance = make(map[string]float64, len(s.Performance))
		for k, v := range s.Performance {
			c.Performance[k] = v
		}
	}
	return c
}

// ExecutedStep is the history record of one committed attempt. Build it once; never mutate it.
type ExecutedStep struct {
	Step             ActionStep   `json:"step"`
	Status           StepStatus   `json:"status"`
	ExecutedAt       time.Time    `json:"executed_at"`
	DurationMs       int64        `json:"duration_ms"`
	SelectorUsed     string       `json:"selector_used,omitempty"`
	SnapshotBefore   *DomSnapshot `json:"snapshot_before,omitempty"`
	SnapshotAfter    *DomSnapshot `json:"snapshot_after,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	RetryCount       int          `json:"retry_count"`
	RepairSuggestion string       `json:"repair_suggestion,omitempty"`
	Signals          Signals      `json:"signals"`
}

// Succeeded reports whether the attempt counts as passed.
func (e ExecutedStep) Succeeded() bool { return e.Status == StepSuccess }

// Clone deep-copies e, including its snapshots.
func (e ExecutedStep) Clone() ExecutedStep {
	c := e
	c.Step = e.Step.Clone()
	if e.SnapshotBefore != nil {
		b := *e.SnapshotBefore
		c.SnapshotBefore = &b
	}
	if e.SnapshotAfter != nil {
		a := *e.SnapshotAfter
		c.SnapshotAfter = &a
	}
	c.Signals = e.Signals.Clone()
	return c
}

// ExecutionOutcome is what the automation executor reports for one step.
// Error carries step-level failures (missing element, timeouts); infrastructure
// failures are returned as Go errors by the executor instead.
type ExecutionOutcome struct {
	After        *DomSnapshot `json:"after,omitempty"`
	SelectorUsed string       `json:"selector_used,omitempty"`
	Error        string       `json:"error,omitempty"`
	Signals      Signals      `json:"signals"`
}
