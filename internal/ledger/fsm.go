package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	raft "github.com/hashicorp/raft"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

// ErrAlreadyCompleted is the FSM's answer to a second completion of a task.
var ErrAlreadyCompleted = errors.New("task already completed")

// FSM implements the Finite State Machine for Raft
// It maintains the job state that all nodes agree on
type FSM struct {
	mu     sync.RWMutex
	state  *types.JobState
	logger *logger.Logger
}

// NewFSM creates a new FSM with initial state
func NewFSM(lg *logger.Logger) *FSM {
	if lg == nil {
		lg = logger.New("")
	}
	return &FSM{
		state:  types.NewJobState(),
		logger: lg,
	}
}

// Apply implements raft.FSM - processes a log entry committed by Raft
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry types.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("Failed to unmarshal log entry: %v", err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	f.logger.Debug("Applying log entry: type=%s operation=%s", entry.Type, entry.Operation)

	switch entry.Type {
	case "task":
		return f.applyTaskOperation(&entry)
	case "worker":
		return f.applyWorkerOperation(&entry)
	default:
		f.logger.Warn("Unknown log entry type: %s", entry.Type)
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

// applyTaskOperation handles task-related state changes
func (f *FSM) applyTaskOperation(entry *types.LogEntry) interface{} {
	switch entry.Operation {
	case "assign":
		var a types.TaskAssignment
		if err := json.Unmarshal(entry.Data, &a); err != nil {
			f.logger.Error("Invalid task assignment data: %v", err)
			return fmt.Errorf("invalid assignment data: %w", err)
		}

		key := types.TaskKey(a.Phase, a.Number)
		task, exists := f.state.Tasks[key]
		if !exists {
			task = &types.TaskRecord{Phase: a.Phase, Number: a.Number}
			f.state.Tasks[key] = task
		}
		if task.Status == types.TaskDone {
			return ErrAlreadyCompleted
		}
		task.Worker = a.WorkerID
		task.Status = types.TaskAssigned
		task.Attempts++
		task.Timestamp = entry.Timestamp
		f.state.Version++
		f.logger.Debug("Task assigned: task=%s worker=%s attempt=%d", key, a.WorkerID, task.Attempts)
		return nil

	case "complete":
		var c types.TaskCompletion
		if err := json.Unmarshal(entry.Data, &c); err != nil {
			f.logger.Error("Invalid task completion data: %v", err)
			return fmt.Errorf("invalid completion data: %w", err)
		}

		key := types.TaskKey(c.Phase, c.Number)
		task, exists := f.state.Tasks[key]
		if !exists {
			f.logger.Warn("Task not found for completion: task=%s", key)
			return fmt.Errorf("task not found: %s", key)
		}
		if task.Status == types.TaskDone {
			f.logger.Warn("Duplicate completion: task=%s worker=%s first=%s", key, c.WorkerID, task.CompletedBy)
			return ErrAlreadyCompleted
		}
		task.Status = types.TaskDone
		task.CompletedBy = c.WorkerID
		task.Timestamp = entry.Timestamp
		if w, ok := f.state.Workers[c.WorkerID]; ok {
			w.TasksCompleted++
		}
		f.state.Version++
		f.logger.Debug("Task completed: task=%s worker=%s", key, c.WorkerID)
		return nil

	default:
		f.logger.Warn("Unknown task operation: %s", entry.Operation)
		return fmt.Errorf("unknown task operation: %s", entry.Operation)
	}
}

// applyWorkerOperation handles worker-related state changes
func (f *FSM) applyWorkerOperation(entry *types.LogEntry) interface{} {
	switch entry.Operation {
	case "register":
		var reg types.WorkerRegistration
		if err := json.Unmarshal(entry.Data, &reg); err != nil {
			f.logger.Error("Invalid worker registration data: %v", err)
			return fmt.Errorf("invalid registration data: %w", err)
		}

		// workers are keyed by address, the identity the scheduler uses
		worker, exists := f.state.Workers[reg.Address]
		if !exists {
			worker = &types.WorkerRecord{Address: reg.Address}
			f.state.Workers[reg.Address] = worker
		}
		worker.ID = reg.WorkerID
		worker.Status = types.WorkerHealthy
		worker.RegisteredAt = entry.Timestamp
		f.state.Version++
		f.logger.Debug("Worker registered: worker_id=%s address=%s", reg.WorkerID, reg.Address)
		return nil

	case "lost":
		var reg types.WorkerRegistration
		if err := json.Unmarshal(entry.Data, &reg); err != nil {
			return fmt.Errorf("invalid worker data: %w", err)
		}
		worker, exists := f.state.Workers[reg.Address]
		if !exists {
			return fmt.Errorf("worker not found: %s", reg.Address)
		}
		worker.Status = types.WorkerDead
		f.state.Version++
		f.logger.Debug("Worker lost: address=%s", reg.Address)
		return nil

	default:
		f.logger.Warn("Unknown worker operation: %s", entry.Operation)
		return fmt.Errorf("unknown worker operation: %s", entry.Operation)
	}
}

// Snapshot implements raft.FSM - creates a snapshot of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &snapshot{state: f.state.Copy()}, nil
}

// Restore implements raft.FSM - restores state from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state := types.NewJobState()
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	return nil
}

// GetState returns a copy of the current job state
func (f *FSM) GetState() *types.JobState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Copy()
}

// GetTask returns a copy of a task record, or nil
func (f *FSM) GetTask(phase types.Phase, number int) *types.TaskRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.state.Tasks[types.TaskKey(phase, number)]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

// CompletedTasks returns the number of completed tasks of a phase
func (f *FSM) CompletedTasks(phase types.Phase) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, t := range f.state.Tasks {
		if t.Phase == phase && t.Status == types.TaskDone {
			n++
		}
	}
	return n
}

// snapshot implements raft.FSMSnapshot
type snapshot struct {
	state *types.JobState
}

// Persist writes the snapshot to a sink
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

// Release is called when we are done with the snapshot
func (s *snapshot) Release() {}
