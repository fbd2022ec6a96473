package mapreduce

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"DistMR/internal/types"
)

// ErrInvalidUTF8 is returned for a key or value that is not valid UTF-8.
// JSON would replace the bad bytes with U+FFFD and merge distinct keys.
var ErrInvalidUTF8 = errors.New("string is not valid UTF-8")

func checkUTF8(key, value string) error {
	if !utf8.ValidString(key) {
		return fmt.Errorf("key %q: %w", key, ErrInvalidUTF8)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("value %q of key %q: %w", value, key, ErrInvalidUTF8)
	}
	return nil
}

// EncodeFile writes kvs to name as a stream of JSON objects. Every key and
// value must be valid UTF-8. The file is
// written beside its destination and renamed into place, so readers never
// see a partial file and a rewrite replaces the old content.
func EncodeFile(name string, kvs []types.KeyValue) error {
	return writeAtomic(name, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for i := range kvs {
			if err := checkUTF8(kvs[i].Key, kvs[i].Value); err != nil {
				return fmt.Errorf("pair %d: %w", i, err)
			}
			if err := enc.Encode(&kvs[i]); err != nil {
				return fmt.Errorf("failed to encode pair %d: %w", i, err)
			}
		}
		return nil
	})
}

// DecodeFile reads every pair from an intermediate file. A missing or
// malformed file is an error.
func DecodeFile(name string) ([]types.KeyValue, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open intermediate file: %w", err)
	}
	defer file.Close()

	var kvs []types.KeyValue
	dec := json.NewDecoder(bufio.NewReader(file))
	for {
		var kv types.KeyValue
		err := dec.Decode(&kv)
		if errors.Is(err, io.EOF) {
			return kvs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		kvs = append(kvs, kv)
	}
}

func writeAtomic(name string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", name, err)
	}
	return nil
}
