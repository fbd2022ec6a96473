package mapreduce

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
)

// Merge combines the outputs of the job's reduce tasks into a single file of
// "key: value" lines ordered by key, and returns its name.
func Merge(files Files, jobName string, nReduce int) (string, error) {
	kvs := make(map[string]string)
	for r := 0; r < nReduce; r++ {
		part, err := ReadResult(files.MergeName(jobName, r))
		if err != nil {
			return "", fmt.Errorf("merge: %w", err)
		}
		for k, v := range part {
			kvs[k] = v
		}
	}

	keys := make([]string, 0, len(kvs))
	for k := range kvs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	name := files.ResultName(jobName)
	err := writeAtomic(name, func(w io.Writer) error {
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s: %s\n", k, kvs[k]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("merge: %w", err)
	}
	return name, nil
}

// Cleanup removes every file a job with nMap map tasks and nReduce reduce
// tasks produced. Files that are already gone are ignored.
func Cleanup(files Files, jobName string, nMap, nReduce int) error {
	var errs []error
	remove := func(name string) {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	for m := 0; m < nMap; m++ {
		for r := 0; r < nReduce; r++ {
			remove(files.ReduceName(jobName, m, r))
		}
	}
	for r := 0; r < nReduce; r++ {
		remove(files.MergeName(jobName, r))
	}
	remove(files.ResultName(jobName))
	return errors.Join(errs...)
}

func readFile(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}
