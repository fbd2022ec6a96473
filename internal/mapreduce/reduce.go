package mapreduce

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"DistMR/internal/types"
)

// DoReduce does the job of a reduce worker: it reads the intermediate pairs
// every map task wrote for this reduce task, sorts them by key, calls the
// user reduce function once per distinct key and writes the results to
// outFile as a single JSON object.
func DoReduce(
	files Files,
	jobName string,
	reduceTask int,
	outFile string,
	nMap int,
	reduceF ReduceFunc,
) error {
	var kvs []types.KeyValue
	for m := 0; m < nMap; m++ {
		part, err := DecodeFile(files.ReduceName(jobName, m, reduceTask))
		if err != nil {
			return fmt.Errorf("reduce task %d: map output %d: %w", reduceTask, m, err)
		}
		kvs = append(kvs, part...)
	}

	sort.Stable(types.ByKey(kvs))

	result := make(map[string]string)
	for i := 0; i < len(kvs); {
		j := i
		values := make([]string, 0, 1)
		for j < len(kvs) && kvs[j].Key == kvs[i].Key {
			values = append(values, kvs[j].Value)
			j++
		}
		out := reduceF(kvs[i].Key, values)
		if err := checkUTF8(kvs[i].Key, out); err != nil {
			return fmt.Errorf("reduce task %d: %w", reduceTask, err)
		}
		result[kvs[i].Key] = out
		i = j
	}

	return writeAtomic(outFile, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("reduce task %d: failed to encode result: %w", reduceTask, err)
		}
		return nil
	})
}

// ReadResult decodes the JSON object a reduce task wrote.
func ReadResult(name string) (map[string]string, error) {
	data, err := readFile(name)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode reduce output %s: %w", name, err)
	}
	return result, nil
}
