// Package mapreduce holds the task executors shared by the master and its
// workers: intermediate file naming and encoding, the map and reduce steps,
// and the final merge. All of it assumes a file system shared by every
// process taking part in a job.
package mapreduce

import (
	"fmt"
	"hash/fnv"
	"path/filepath"

	"DistMR/internal/types"
)

// MapFunc is the user map function.
type MapFunc func(file string, contents string) []types.KeyValue

// ReduceFunc is the user reduce function.
type ReduceFunc func(key string, values []string) string

// Files names every file a job produces, relative to Dir.
type Files struct {
	Dir string
}

func (f Files) path(name string) string {
	if f.Dir == "" {
		return name
	}
	return filepath.Join(f.Dir, name)
}

// ReduceName is the intermediate file map task mapTask writes for reduce task reduceTask.
func (f Files) ReduceName(jobName string, mapTask, reduceTask int) string {
	return f.path(fmt.Sprintf("mrtmp.%s-%d-%d", jobName, mapTask, reduceTask))
}

// MergeName is the output file of reduce task reduceTask.
func (f Files) MergeName(jobName string, reduceTask int) string {
	return f.path(fmt.Sprintf("mrtmp.%s-res-%d", jobName, reduceTask))
}

// ResultName is the merged output of the whole job.
func (f Files) ResultName(jobName string) string {
	return f.path("mrtmp." + jobName)
}

// ihash picks the reduce bucket for a key.
func ihash(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() & 0x7fffffff)
}

// Bucket returns the reduce task a key is routed to.
func Bucket(key string, nReduce int) int {
	return ihash(key) % nReduce
}
