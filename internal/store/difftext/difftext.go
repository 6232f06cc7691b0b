// Package difftext renders line-based diffs between successive state
// snapshots for commit details.
package difftext

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Lines computes a line-based textual diff between two documents. Unchanged
// runs are kept so the result reads like a unified diff without hunk
// headers: removed lines are prefixed with "-", added lines with "+".
func Lines(previous, current string) string {
	dmp := diffmatchpatch.New()
	prevRunes, currRunes, lineIndex := dmp.DiffLinesToRunes(previous, current)
	diffs := dmp.DiffMainRunes(prevRunes, currRunes, false)
	diffs = dmp.DiffCharsToLines(diffs, lineIndex)

	var b strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range splitKeepNonEmpty(d.Text) {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Changed reports whether the two documents differ at all.
func Changed(previous, current string) bool {
	return previous != current
}

func splitKeepNonEmpty(text string) []string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}
