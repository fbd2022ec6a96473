package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the status of a task within one phase run
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskAssigned TaskStatus = "assigned"
	TaskDone     TaskStatus = "done"
)

// WorkerStatus represents the health status of a worker
type WorkerStatus string

const (
	WorkerHealthy WorkerStatus = "healthy"
	WorkerDead    WorkerStatus = "dead"
)

// TaskRecord is the ledger's view of one task
type TaskRecord struct {
	Phase       Phase      `json:"phase"`
	Number      int        `json:"number"`
	Worker      string     `json:"worker"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	CompletedBy string     `json:"completed_by,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// TaskKey identifies a task across both phases of a job.
func TaskKey(phase Phase, number int) string {
	return fmt.Sprintf("%s-%d", phase, number)
}

// WorkerRecord is the ledger's view of one worker
type WorkerRecord struct {
	ID             string       `json:"id"`
	Address        string       `json:"address"`
	Status         WorkerStatus `json:"status"`
	RegisteredAt   time.Time    `json:"registered_at"`
	TasksCompleted int64        `json:"tasks_completed"`
}

// JobState represents the replicated state of the running job
type JobState struct {
	Tasks   map[string]*TaskRecord   `json:"tasks"`
	Workers map[string]*WorkerRecord `json:"workers"`
	Leader  string                   `json:"leader"`
	Version int64                    `json:"version"`
}

// NewJobState returns an empty job state.
func NewJobState() *JobState {
	return &JobState{
		Tasks:   make(map[string]*TaskRecord),
		Workers: make(map[string]*WorkerRecord),
	}
}

// Copy returns a deep copy of the state.
func (s *JobState) Copy() *JobState {
	c := &JobState{
		Tasks:   make(map[string]*TaskRecord, len(s.Tasks)),
		Workers: make(map[string]*WorkerRecord, len(s.Workers)),
		Leader:  s.Leader,
		Version: s.Version,
	}
	for k, v := range s.Tasks {
		t := *v
		c.Tasks[k] = &t
	}
	for k, v := range s.Workers {
		w := *v
		c.Workers[k] = &w
	}
	return c
}

// LogEntry represents an entry in the Raft log
type LogEntry struct {
	Type      string          `json:"type"`      // "task", "worker"
	Operation string          `json:"operation"` // "assign", "complete", "register"
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskAssignment is a log entry operation
type TaskAssignment struct {
	Phase    Phase  `json:"phase"`
	Number   int    `json:"number"`
	WorkerID string `json:"worker_id"`
}

// TaskCompletion is a log entry operation
type TaskCompletion struct {
	Phase    Phase  `json:"phase"`
	Number   int    `json:"number"`
	WorkerID string `json:"worker_id"`
}

// WorkerRegistration is a log entry operation
type WorkerRegistration struct {
	WorkerID string `json:"worker_id"`
	Address  string `json:"address"`
}
