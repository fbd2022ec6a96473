package grep

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"DistMR/internal/types"
)

// DistributedGrep provides map and reduce functions that find the lines
// matching a pattern across many files.
type DistributedGrep struct {
	pattern string
	regex   *regexp.Regexp
}

// NewDistributedGrep creates a new DistributedGrep instance.
func NewDistributedGrep(pattern string) (*DistributedGrep, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}

	return &DistributedGrep{
		pattern: pattern,
		regex:   regex,
	}, nil
}

// Map emits (line, "file:lineno") for every matching line of contents.
// Lines are read without a length limit. A line that is not valid UTF-8, or
// that starts with a double quote, is emitted in strconv.Quote form so that
// distinct lines stay distinct keys.
func (dg *DistributedGrep) Map(filename string, contents string) []types.KeyValue {
	var results []types.KeyValue

	reader := bufio.NewReader(strings.NewReader(contents))
	lineNo := 0
	for {
		line, err := reader.ReadString('\n')
		if line == "" && err != nil {
			break
		}
		lineNo++
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		if dg.regex.MatchString(line) {
			results = append(results, types.KeyValue{
				Key:   lineKey(line),
				Value: filename + ":" + strconv.Itoa(lineNo),
			})
		}
		if err != nil {
			break
		}
	}

	return results
}

func lineKey(line string) string {
	if !utf8.ValidString(line) || strings.HasPrefix(line, `"`) {
		return strconv.Quote(line)
	}
	return line
}

// Reduce combines all occurrences of a matched line from different files.
func (dg *DistributedGrep) Reduce(key string, values []string) string {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	return fmt.Sprintf("[%s]", strings.Join(sorted, ", "))
}

// CollectFiles expands paths into the regular files they name, walking
// directories recursively.
func CollectFiles(paths []string) ([]string, error) {
	var files []string

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		err = filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if f.Mode().IsRegular() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
		}
	}

	return files, nil
}
