// Package queue keeps the per-run step queues: the pending ActionQueue and the
// DoneQueue history. Runs never share a lock; each run id owns its own entry.
package queue

import (
	"sort"
	"sync"

	"github.com/snowmanjy/ai2qa/api/schemas"
)

type actionQueue struct {
	mu    sync.Mutex
	steps []schemas.ActionStep
}

// ActionQueues holds one FIFO of pending steps per run.
type ActionQueues struct {
	runs sync.Map // run id -> *actionQueue
}

func NewActionQueues() *ActionQueues {
	return &ActionQueues{}
}

func (q *ActionQueues) entry(runID string) *actionQueue {
	if v, ok := q.runs.Load(runID); ok {
		return v.(*actionQueue)
	}
	v, _ := q.runs.LoadOrStore(runID, &actionQueue{})
	return v.(*actionQueue)
}

// existing never creates an entry, so reads on unknown runs leave no trace.
func (q *ActionQueues) existing(runID string) (*actionQueue, bool) {
	v, ok := q.runs.Load(runID)
	if !ok {
		return nil, false
	}
	return v.(*actionQueue), true
}

// Push appends a step.
func (q *ActionQueues) Push(runID string, step schemas.ActionStep) {
	e := q.entry(runID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, step.Clone())
}

// PushAll appends steps in order.
func (q *ActionQueues) PushAll(runID string, steps []schemas.ActionStep) {
	e := q.entry(runID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, schemas.CloneSteps(steps)...)
}

// PushFront puts a step at the head.
func (q *ActionQueues) PushFront(runID string, step schemas.ActionStep) {
	q.PushFrontAll(runID, []schemas.ActionStep{step})
}

// PushFrontAll prepends steps keeping their relative order: steps[0] becomes the
// new head and steps[len-1] sits directly before the old head.
func (q *ActionQueues) PushFrontAll(runID string, steps []schemas.ActionStep) {
	if len(steps) == 0 {
		return
	}
	e := q.entry(runID)
	e.mu.Lock()
	defer e.mu.Unlock()
	merged := make([]schemas.ActionStep, 0, len(steps)+len(e.steps))
	merged = append(merged, schemas.CloneSteps(steps)...)
	e.steps = append(merged, e.steps...)
}

// Pop removes and returns the head.
func (q *ActionQueues) Pop(runID string) (schemas.ActionStep, bool) {
	e, ok := q.existing(runID)
	if !ok {
		return schemas.ActionStep{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.steps) == 0 {
		return schemas.ActionStep{}, false
	}
	head := e.steps[0]
	e.steps[0] = schemas.ActionStep{}
	e.steps = e.steps[1:]
	return head, true
}

// Peek returns a copy of the head without removing it.
func (q *ActionQueues) Peek(runID string) (schemas.ActionStep, bool) {
	e, ok := q.existing(runID)
	if !ok {
		return schemas.ActionStep{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.steps) == 0 {
		return schemas.ActionStep{}, false
	}
	return e.steps[0].Clone(), true
}

func (q *ActionQueues) Size(runID string) int {
	e, ok := q.existing(runID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.steps)
}

// Clear empties the run's queue but keeps it registered.
func (q *ActionQueues) Clear(runID string) {
	e, ok := q.existing(runID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = nil
}

// GetAll returns a snapshot copy of the pending steps, head first.
func (q *ActionQueues) GetAll(runID string) []schemas.ActionStep {
	e, ok := q.existing(runID)
	if !ok {
		return []schemas.ActionStep{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := schemas.CloneSteps(e.steps)
	if out == nil {
		out = []schemas.ActionStep{}
	}
	return out
}

// Remove forgets the run entirely.
func (q *ActionQueues) Remove(runID string) {
	q.runs.Delete(runID)
}

// Runs lists the run ids with a registered queue, sorted.
func (q *ActionQueues) Runs() []string {
	return keys(&q.runs)
}

func keys(m *sync.Map) []string {
	var ids []string
	m.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}
