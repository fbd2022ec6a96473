package mapreduce

import (
	"fmt"
	"os"

	"DistMR/internal/types"
)

// DoMap does the job of a map worker: it reads one input file, calls the
// user map function on its contents and partitions the output into nReduce
// intermediate files, one per reduce task. Every bucket gets a file, even an
// empty one, so reducers can tell a missing map output from an empty one.
func DoMap(
	files Files,
	jobName string,
	mapTask int,
	inFile string,
	nReduce int,
	mapF MapFunc,
) error {
	if nReduce <= 0 {
		return fmt.Errorf("map task %d: nReduce must be positive, got %d", mapTask, nReduce)
	}

	contents, err := os.ReadFile(inFile)
	if err != nil {
		return fmt.Errorf("map task %d: failed to read input: %w", mapTask, err)
	}

	buckets := make([][]types.KeyValue, nReduce)
	for _, kv := range mapF(inFile, string(contents)) {
		r := Bucket(kv.Key, nReduce)
		buckets[r] = append(buckets[r], kv)
	}

	for r, kvs := range buckets {
		if err := EncodeFile(files.ReduceName(jobName, mapTask, r), kvs); err != nil {
			return fmt.Errorf("map task %d: bucket %d: %w", mapTask, r, err)
		}
	}
	return nil
}
