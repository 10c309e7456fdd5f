package queue

import (
	"sync"

	"github.com/snowmanjy/ai2qa/api/schemas"
)

type doneQueue struct {
	mu      sync.RWMutex
	history []schemas.ExecutedStep
}

// DoneQueues holds one append-only execution history per run.
type DoneQueues struct {
	runs sync.Map // run id -> *doneQueue
}

func NewDoneQueues() *DoneQueues {
	return &DoneQueues{}
}

func (d *DoneQueues) existing(runID string) (*doneQueue, bool) {
	v, ok := d.runs.Load(runID)
	if !ok {
		return nil, false
	}
	return v.(*doneQueue), true
}

// Record appends an executed step.
func (d *DoneQueues) Record(runID string, step schemas.ExecutedStep) {
	v, _ := d.runs.LoadOrStore(runID, &doneQueue{})
	e := v.(*doneQueue)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, step.Clone())
}

// GetHistory returns a copy of the full history, oldest first.
func (d *DoneQueues) GetHistory(runID string) []schemas.ExecutedStep {
	return d.GetRecentHistory(runID, -1)
}

// GetRecentHistory returns copies of the last count entries, oldest first.
// A negative count returns everything.
func (d *DoneQueues) GetRecentHistory(runID string, count int) []schemas.ExecutedStep {
	out := []schemas.ExecutedStep{}
	e, ok := d.existing(runID)
	if !ok || count == 0 {
		return out
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	from := 0
	if count > 0 && count < len(e.history) {
		from = len(e.history) - count
	}
	for _, h := range e.history[from:] {
		out = append(out, h.Clone())
	}
	return out
}

// GetLastStep returns the most recent entry.
func (d *DoneQueues) GetLastStep(runID string) (schemas.ExecutedStep, bool) {
	e, ok := d.existing(runID)
	if !ok {
		return schemas.ExecutedStep{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.history) == 0 {
		return schemas.ExecutedStep{}, false
	}
	return e.history[len(e.history)-1].Clone(), true
}

func (d *DoneQueues) Size(runID string) int {
	e, ok := d.existing(runID)
	if !ok {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.history)
}

func (d *DoneQueues) Clear(runID string) {
	e, ok := d.existing(runID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

func (d *DoneQueues) Remove(runID string) {
	d.runs.Delete(runID)
}

func (d *DoneQueues) Runs() []string {
	return keys(&d.runs)
}
