// Package invertedindex lists, for every word, the input files containing it.
package invertedindex

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"DistMR/internal/types"
)

var word = regexp.MustCompile(`[a-zA-Z0-9]+`)

// Map emits (word, file) for every word occurrence in contents.
func Map(file string, contents string) []types.KeyValue {
	matches := word.FindAllString(contents, -1)
	kvs := make([]types.KeyValue, 0, len(matches))
	for _, w := range matches {
		kvs = append(kvs, types.KeyValue{Key: w, Value: file})
	}
	return kvs
}

// Reduce formats the distinct files of a word as "<count> f1,f2,...", files
// in lexical order.
func Reduce(key string, values []string) string {
	seen := make(map[string]struct{}, len(values))
	files := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		files = append(files, v)
	}
	sort.Strings(files)
	return fmt.Sprintf("%d %s", len(files), strings.Join(files, ","))
}
