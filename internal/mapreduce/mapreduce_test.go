package mapreduce

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"DistMR/internal/types"
)

func wcMap(file, contents string) []types.KeyValue {
	var kvs []types.KeyValue
	for _, w := range strings.Fields(contents) {
		kvs = append(kvs, types.KeyValue{Key: w, Value: "1"})
	}
	return kvs
}

func wcReduce(key string, values []string) string {
	return strconv.Itoa(len(values))
}

// writeInputs creates one input file per entry of contents.
func writeInputs(t *testing.T, dir string, contents ...string) []string {
	t.Helper()
	var files []string
	for i, c := range contents {
		name := filepath.Join(dir, fmt.Sprintf("input-%d.txt", i))
		if err := os.WriteFile(name, []byte(c), 0644); err != nil {
			t.Fatalf("Failed to create input file: %v", err)
		}
		files = append(files, name)
	}
	return files
}

func TestCodecPreservesAwkwardStrings(t *testing.T) {
	name := filepath.Join(t.TempDir(), "kv")
	kvs := []types.KeyValue{
		{Key: "line\nbreak", Value: `"quoted"`},
		{Key: "", Value: ""},
		{Key: "unicodé ✓", Value: "tab\there"},
	}

	if err := EncodeFile(name, kvs); err != nil {
		t.Fatalf("EncodeFile failed: %v", err)
	}
	got, err := DecodeFile(name)
	if err != nil {
		t.Fatalf("DecodeFile failed: %v", err)
	}
	if len(got) != len(kvs) {
		t.Fatalf("expected %d pairs, got %d", len(kvs), len(got))
	}
	for i := range kvs {
		if got[i] != kvs[i] {
			t.Fatalf("pair %d: expected %+v, got %+v", i, kvs[i], got[i])
		}
	}
}

func TestEncodeFileOverwrites(t *testing.T) {
	name := filepath.Join(t.TempDir(), "kv")
	if err := EncodeFile(name, []types.KeyValue{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}); err != nil {
		t.Fatalf("EncodeFile failed: %v", err)
	}
	if err := EncodeFile(name, []types.KeyValue{{Key: "c", Value: "3"}}); err != nil {
		t.Fatalf("EncodeFile failed: %v", err)
	}
	got, err := DecodeFile(name)
	if err != nil {
		t.Fatalf("DecodeFile failed: %v", err)
	}
	if len(got) != 1 || got[0].Key != "c" {
		t.Fatalf("rewrite appended instead of replacing: %+v", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(name))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestDecodeFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := DecodeFile(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad")
	os.WriteFile(bad, []byte(`{"Key":"a","Value":"1"}`+"\n{not json"), 0644)
	if _, err := DecodeFile(bad); err == nil {
		t.Fatalf("expected error for malformed file")
	}
}

func TestDoMapPartitionsByBucket(t *testing.T) {
	dir := t.TempDir()
	files := Files{Dir: dir}
	inputs := writeInputs(t, dir, "a b c d e f g h a b", "x y z")
	nReduce := 3

	for m, in := range inputs {
		if err := DoMap(files, "test", m, in, nReduce, wcMap); err != nil {
			t.Fatalf("DoMap failed: %v", err)
		}
	}

	total := 0
	for m := range inputs {
		for r := 0; r < nReduce; r++ {
			kvs, err := DecodeFile(files.ReduceName("test", m, r))
			if err != nil {
				t.Fatalf("intermediate file %d-%d not decodable: %v", m, r, err)
			}
			for _, kv := range kvs {
				if Bucket(kv.Key, nReduce) != r {
					t.Fatalf("key %q in bucket %d, hashes to %d", kv.Key, r, Bucket(kv.Key, nReduce))
				}
			}
			total += len(kvs)
		}
	}
	if total != 13 {
		t.Fatalf("expected 13 pairs across all buckets, got %d", total)
	}
}

func TestDoMapMissingInput(t *testing.T) {
	dir := t.TempDir()
	err := DoMap(Files{Dir: dir}, "test", 0, filepath.Join(dir, "nope"), 2, wcMap)
	if err == nil {
		t.Fatalf("expected error for missing input")
	}
}

func runMaps(t *testing.T, files Files, job string, inputs []string, nReduce int) {
	t.Helper()
	for m, in := range inputs {
		if err := DoMap(files, job, m, in, nReduce, wcMap); err != nil {
			t.Fatalf("DoMap failed: %v", err)
		}
	}
}

func TestDoReduceKeySetMatchesInputs(t *testing.T) {
	dir := t.TempDir()
	files := Files{Dir: dir}
	inputs := writeInputs(t, dir, "the quick brown fox", "the lazy dog the end")
	nReduce := 2
	runMaps(t, files, "keys", inputs, nReduce)

	for r := 0; r < nReduce; r++ {
		want := make(map[string]int)
		for m := range inputs {
			kvs, _ := DecodeFile(files.ReduceName("keys", m, r))
			for _, kv := range kvs {
				want[kv.Key]++
			}
		}

		out := files.MergeName("keys", r)
		if err := DoReduce(files, "keys", r, out, len(inputs), wcReduce); err != nil {
			t.Fatalf("DoReduce failed: %v", err)
		}
		got, err := ReadResult(out)
		if err != nil {
			t.Fatalf("ReadResult failed: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("bucket %d: expected %d keys, got %d", r, len(want), len(got))
		}
		for k, n := range want {
			if got[k] != strconv.Itoa(n) {
				t.Fatalf("bucket %d: key %q expected %d, got %q", r, k, n, got[k])
			}
		}
	}
}

func TestDoReduceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	files := Files{Dir: dir}
	inputs := writeInputs(t, dir, "b a c a b a", "c c d")
	runMaps(t, files, "idem", inputs, 1)

	out := files.MergeName("idem", 0)
	if err := DoReduce(files, "idem", 0, out, len(inputs), wcReduce); err != nil {
		t.Fatalf("DoReduce failed: %v", err)
	}
	first, _ := os.ReadFile(out)
	if err := DoReduce(files, "idem", 0, out, len(inputs), wcReduce); err != nil {
		t.Fatalf("DoReduce failed: %v", err)
	}
	second, _ := os.ReadFile(out)

	if !bytes.Equal(first, second) {
		t.Fatalf("output changed between runs:\n%s\n%s", first, second)
	}
	if string(first) != `{"a":"3","b":"2","c":"3","d":"1"}`+"\n" {
		t.Fatalf("unexpected output: %s", first)
	}
}

func TestDoReduceEmptyInput(t *testing.T) {
	dir := t.TempDir()
	files := Files{Dir: dir}
	inputs := writeInputs(t, dir, "", "   ")
	runMaps(t, files, "empty", inputs, 2)

	for r := 0; r < 2; r++ {
		out := files.MergeName("empty", r)
		if err := DoReduce(files, "empty", r, out, len(inputs), wcReduce); err != nil {
			t.Fatalf("DoReduce failed on empty input: %v", err)
		}
		got, err := ReadResult(out)
		if err != nil {
			t.Fatalf("ReadResult failed: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected empty record, got %v", got)
		}
	}

	// zero map tasks at all
	out := files.MergeName("none", 0)
	if err := DoReduce(files, "none", 0, out, 0, wcReduce); err != nil {
		t.Fatalf("DoReduce failed with zero map tasks: %v", err)
	}
}

func TestDoReduceMissingIntermediate(t *testing.T) {
	dir := t.TempDir()
	files := Files{Dir: dir}
	inputs := writeInputs(t, dir, "a b")
	runMaps(t, files, "gap", inputs, 1)

	// claims two map tasks but only one ran
	err := DoReduce(files, "gap", 0, files.MergeName("gap", 0), 2, wcReduce)
	if err == nil {
		t.Fatalf("expected error for missing intermediate file")
	}
}

func TestMergeOrdersByKey(t *testing.T) {
	dir := t.TempDir()
	files := Files{Dir: dir}
	inputs := writeInputs(t, dir, "hello world", "world foo")
	nReduce := 2
	runMaps(t, files, "wc", inputs, nReduce)
	for r := 0; r < nReduce; r++ {
		if err := DoReduce(files, "wc", r, files.MergeName("wc", r), len(inputs), wcReduce); err != nil {
			t.Fatalf("DoReduce failed: %v", err)
		}
	}

	name, err := Merge(files, "wc", nReduce)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	data, _ := os.ReadFile(name)
	if string(data) != "foo: 1\nhello: 1\nworld: 2\n" {
		t.Fatalf("unexpected merged output: %q", data)
	}

	if err := Cleanup(files, "wc", len(inputs), nReduce); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != len(inputs) {
		t.Fatalf("expected only inputs to remain, found %d entries", len(entries))
	}
}

func TestCodecRejectsInvalidUTF8(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "kv")

	for _, kv := range []types.KeyValue{{Key: "\xff", Value: "1"}, {Key: "ok", Value: "\xfe"}} {
		err := EncodeFile(name, []types.KeyValue{{Key: "a", Value: "1"}, kv})
		if !errors.Is(err, ErrInvalidUTF8) {
			t.Fatalf("expected ErrInvalidUTF8 for %+v, got %v", kv, err)
		}
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Fatalf("rejected pairs left a file behind")
	}
}

func TestDoMapDistinctInvalidKeysFail(t *testing.T) {
	dir := t.TempDir()
	files := Files{Dir: dir}
	inputs := writeInputs(t, dir, "ignored")

	// both would decode as U+FFFD and collapse into one key
	bytesMap := func(file, contents string) []types.KeyValue {
		return []types.KeyValue{{Key: "\xff", Value: "1"}, {Key: "\xfe", Value: "1"}}
	}
	err := DoMap(files, "utf8", 0, inputs[0], 1, bytesMap)
	if !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("expected ErrInvalidUTF8, got %v", err)
	}
	if _, err := os.Stat(files.ReduceName("utf8", 0, 0)); !os.IsNotExist(err) {
		t.Fatalf("intermediate file written for a failed map task")
	}
}

func TestDoReduceRejectsInvalidOutput(t *testing.T) {
	dir := t.TempDir()
	files := Files{Dir: dir}
	inputs := writeInputs(t, dir, "a b")
	runMaps(t, files, "badout", inputs, 1)

	bad := func(key string, values []string) string { return "\xff" }
	out := files.MergeName("badout", 0)
	if err := DoReduce(files, "badout", 0, out, len(inputs), bad); !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("expected ErrInvalidUTF8, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("reduce output written despite invalid value")
	}
}
