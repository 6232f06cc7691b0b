package difftext

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinesMarksChanges(t *testing.T) {
	previous := "\"program_counter\": 1\n\"total\": 7\n\"done\": false\n"
	current := "\"program_counter\": 2\n\"total\": 7\n\"done\": true\n"

	diff := Lines(previous, current)
	assert.Contains(t, diff, "- \"program_counter\": 1")
	assert.Contains(t, diff, "+ \"program_counter\": 2")
	assert.Contains(t, diff, "  \"total\": 7")
	assert.Contains(t, diff, "- \"done\": false")
	assert.Contains(t, diff, "+ \"done\": true")
}

func TestLinesIdenticalDocuments(t *testing.T) {
	doc := "a\nb\nc\n"
	diff := Lines(doc, doc)
	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		assert.True(t, strings.HasPrefix(line, "  "), "unexpected marker in %q", line)
	}
	assert.False(t, Changed(doc, doc))
}

func TestLinesPureAddition(t *testing.T) {
	diff := Lines("a\n", "a\nb\n")
	assert.Contains(t, diff, "  a")
	assert.Contains(t, diff, "+ b")
	assert.NotContains(t, diff, "- ")
	assert.True(t, Changed("a\n", "a\nb\n"))
}

func TestLinesEmptyPrevious(t *testing.T) {
	diff := Lines("", "first\nsecond\n")
	assert.Equal(t, "+ first\n+ second\n", diff)
}
