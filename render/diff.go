package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// contextLines around each hunk
const contextLines = 3

// FileDiff computes the unified diff between original and updated content
// of path. It returns nil when nothing changed.
func FileDiff(path string, original, updated []byte) (*diff.FileDiff, error) {
	if bytes.Equal(original, updated) {
		return nil, nil
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(original),
		B:        splitLines(updated),
		FromFile: "a" + path,
		ToFile:   "b" + path,
		Context:  contextLines,
	})
	if err != nil {
		return nil, fmt.Errorf("diffing %s: %w", path, err)
	}

	fd, err := diff.ParseFileDiff([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("parsing diff of %s: %w", path, err)
	}
	return fd, nil
}

// splitLines keeps line endings and terminates a final unterminated line
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += "\n"
	}
	return lines
}
