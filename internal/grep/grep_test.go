package grep

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMapReduce(t *testing.T) {
	dg, err := NewDistributedGrep("err(or)?")
	if err != nil {
		t.Fatalf("Failed to create grep: %v", err)
	}

	kvs := dg.Map("a.log", "ok\nerror here\nfine\nerr")
	if len(kvs) != 2 {
		t.Fatalf("expected 2 matches, got %v", kvs)
	}
	if kvs[0].Key != "error here" || kvs[0].Value != "a.log:2" {
		t.Fatalf("unexpected first match: %+v", kvs[0])
	}

	if got := dg.Reduce("error here", []string{"b.log:7", "a.log:2"}); got != "[a.log:2, b.log:7]" {
		t.Fatalf("unexpected reduce output: %q", got)
	}
}

func TestInvalidPattern(t *testing.T) {
	if _, err := NewDistributedGrep("("); err == nil {
		t.Fatalf("expected error for invalid pattern")
	}
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "sub"), 0755)
	os.WriteFile(filepath.Join(dir, "one.txt"), []byte("1"), 0644)
	os.WriteFile(filepath.Join(dir, "sub", "two.txt"), []byte("2"), 0644)

	files, err := CollectFiles([]string{dir})
	if err != nil {
		t.Fatalf("CollectFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}

	if _, err := CollectFiles([]string{filepath.Join(dir, "missing")}); err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestMapLongLines(t *testing.T) {
	dg, err := NewDistributedGrep("needle")
	if err != nil {
		t.Fatalf("Failed to create grep: %v", err)
	}

	contents := "needle one\n" + strings.Repeat("x", 2<<20) + "\nneedle two\r\nneedle three"
	kvs := dg.Map("f", contents)
	if len(kvs) != 3 {
		t.Fatalf("expected 3 matches past the 2 MiB line, got %d", len(kvs))
	}
	want := []string{"needle one f:1", "needle two f:3", "needle three f:4"}
	for i, kv := range kvs {
		if kv.Key+" "+kv.Value != want[i] {
			t.Fatalf("match %d: expected %q, got %+v", i, want[i], kv)
		}
	}
}

func TestMapKeepsInvalidUTF8LinesDistinct(t *testing.T) {
	dg, err := NewDistributedGrep("needle")
	if err != nil {
		t.Fatalf("Failed to create grep: %v", err)
	}

	kvs := dg.Map("f", "needle \xff\nneedle \xfe\n\"needle \\xff\"\nneedle plain\n")
	if len(kvs) != 4 {
		t.Fatalf("expected 4 matches, got %v", kvs)
	}
	seen := make(map[string]bool)
	for _, kv := range kvs {
		if !utf8.ValidString(kv.Key) {
			t.Fatalf("key %q is not valid UTF-8", kv.Key)
		}
		if seen[kv.Key] {
			t.Fatalf("distinct lines collapsed into key %q", kv.Key)
		}
		seen[kv.Key] = true
	}
	if kvs[3].Key != "needle plain" {
		t.Fatalf("valid line was rewritten: %q", kvs[3].Key)
	}
}
