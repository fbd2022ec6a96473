// Package wordcount counts how often each word occurs across the inputs.
package wordcount

import (
	"strconv"
	"strings"
	"unicode"

	"DistMR/internal/types"
)

// Map emits (word, "1") for every word of contents. A word is a maximal run
// of letters.
func Map(file string, contents string) []types.KeyValue {
	words := strings.FieldsFunc(contents, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	kvs := make([]types.KeyValue, 0, len(words))
	for _, w := range words {
		kvs = append(kvs, types.KeyValue{Key: w, Value: "1"})
	}
	return kvs
}

// Reduce sums the counts emitted for a word.
func Reduce(key string, values []string) string {
	total := 0
	for _, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			panic("wordcount: bad count " + strconv.Quote(v) + " for " + strconv.Quote(key))
		}
		total += n
	}
	return strconv.Itoa(total)
}
