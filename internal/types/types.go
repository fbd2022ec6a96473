package types

// KeyValue is the intermediate key-value pair produced by mappers.
type KeyValue struct {
	Key   string
	Value string
}

// ByKey sorts key-value pairs by key.
type ByKey []KeyValue

func (a ByKey) Len() int           { return len(a) }
func (a ByKey) Less(i, j int) bool { return a[i].Key < a[j].Key }
func (a ByKey) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }

// Phase is the stage of a job a task belongs to.
type Phase string

const (
	MapPhase    Phase = "mapPhase"
	ReducePhase Phase = "reducePhase"
)

// DoTaskArgs holds the arguments passed to a worker when a task is scheduled on it.
// Field names must stay exported for net/rpc.
type DoTaskArgs struct {
	JobName    string
	File       string // map input; empty for reduce tasks
	Phase      Phase
	TaskNumber int

	// NumOtherPhase is the total number of tasks in the other phase; mappers
	// need it to compute the number of output bins, reducers need it to know
	// how many input files to collect.
	NumOtherPhase int
}

// RegisterArgs is the argument passed when a worker registers with the master.
type RegisterArgs struct {
	Worker   string // RPC address
	WorkerID string
}

// ShutdownReply is the response to a worker shutdown.
// Ntasks is the number of tasks the worker has processed since it started.
type ShutdownReply struct {
	Ntasks int
}
