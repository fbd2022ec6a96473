package coordinator

import (
	"sync"

	"DistMR/internal/types"
)

type taskEntry struct {
	status  types.TaskStatus
	worker  string
	attempt int
}

// taskSet is the state of one phase run. It is shared by the scheduler loop
// and every dispatch goroutine of that phase.
type taskSet struct {
	phase types.Phase

	mu        sync.Mutex
	tasks     []taskEntry
	remaining int
	done      chan struct{} // closed when remaining reaches zero
	retry     chan struct{} // one token after a task went back to pending
}

func newTaskSet(phase types.Phase, n int) *taskSet {
	ts := &taskSet{
		phase:     phase,
		tasks:     make([]taskEntry, n),
		remaining: n,
		done:      make(chan struct{}),
		retry:     make(chan struct{}, 1),
	}
	for i := range ts.tasks {
		ts.tasks[i].status = types.TaskPending
	}
	if n == 0 {
		close(ts.done)
	}
	return ts
}

// pending returns the indices waiting for a worker.
func (ts *taskSet) pending() []int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var idx []int
	for i, t := range ts.tasks {
		if t.status == types.TaskPending {
			idx = append(idx, i)
		}
	}
	return idx
}

// assign hands task i to worker and returns the attempt number. It fails if
// the task is no longer pending.
func (ts *taskSet) assign(i int, worker string) (int, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &ts.tasks[i]
	if t.status != types.TaskPending {
		return 0, false
	}
	t.status = types.TaskAssigned
	t.worker = worker
	t.attempt++
	return t.attempt, true
}

// markDone records a successful reply for task i. Only the first call for
// an index returns true.
func (ts *taskSet) markDone(i int) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &ts.tasks[i]
	if t.status == types.TaskDone {
		return false
	}
	t.status = types.TaskDone
	ts.remaining--
	if ts.remaining == 0 {
		close(ts.done)
	}
	return true
}

// fail puts task i back to pending if attempt is still its latest attempt.
func (ts *taskSet) fail(i, attempt int) {
	ts.mu.Lock()
	t := &ts.tasks[i]
	requeued := t.status == types.TaskAssigned && t.attempt == attempt
	if requeued {
		t.status = types.TaskPending
		t.worker = ""
	}
	ts.mu.Unlock()
	if requeued {
		ts.signalRetry()
	}
}

// expire makes every assigned task pending again and returns how many were.
// Their outstanding replies still count if they arrive first.
func (ts *taskSet) expire() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for i := range ts.tasks {
		if ts.tasks[i].status == types.TaskAssigned {
			ts.tasks[i].status = types.TaskPending
			n++
		}
	}
	return n
}

// release puts every task assigned to worker back to pending.
func (ts *taskSet) release(worker string) []int {
	ts.mu.Lock()
	var idx []int
	for i := range ts.tasks {
		t := &ts.tasks[i]
		if t.status == types.TaskAssigned && t.worker == worker {
			t.status = types.TaskPending
			t.worker = ""
			idx = append(idx, i)
		}
	}
	ts.mu.Unlock()
	if len(idx) > 0 {
		ts.signalRetry()
	}
	return idx
}

func (ts *taskSet) signalRetry() {
	select {
	case ts.retry <- struct{}{}:
	default:
	}
}

func (ts *taskSet) status(i int) types.TaskStatus {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.tasks[i].status
}

func (ts *taskSet) complete() bool {
	select {
	case <-ts.done:
		return true
	default:
		return false
	}
}
