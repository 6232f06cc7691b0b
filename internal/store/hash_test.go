package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/vm"
)

func baseCommit() *Commit {
	return &Commit{
		ParentHash: "abc123",
		TaskID:     "task-1",
		Branch:     MainBranch,
		SeqNo:      4,
		Time:       time.Date(2025, 6, 1, 12, 0, 0, 500, time.UTC),
		Message:    "executed seq_no 4",
		Type:       CommitStepExecution,
		Details: CommitDetails{
			OutputVariables: map[string]vm.Value{"total": vm.Int(14)},
		},
		Snapshot: &vm.State{
			Goal:           "g",
			ProgramCounter: 5,
			Variables:      map[string]vm.Value{"total": vm.Int(14)},
		},
	}
}

func TestSealIsDeterministic(t *testing.T) {
	a, b := baseCommit(), baseCommit()
	require.NoError(t, Seal(a))
	require.NoError(t, Seal(b))
	assert.Equal(t, a.Hash, b.Hash)
	assert.Len(t, a.Hash, 64)
}

func TestSealIgnoresTitle(t *testing.T) {
	a, b := baseCommit(), baseCommit()
	a.Title = "Step 4: compute totals"
	b.Title = "a completely different title"
	require.NoError(t, Seal(a))
	require.NoError(t, Seal(b))
	assert.Equal(t, a.Hash, b.Hash, "title is advisory and not hashed")
}

func TestSealNormalizesTimezone(t *testing.T) {
	a, b := baseCommit(), baseCommit()
	zone := time.FixedZone("UTC+8", 8*3600)
	b.Time = a.Time.In(zone)
	require.NoError(t, Seal(a))
	require.NoError(t, Seal(b))
	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, time.UTC, b.Time.Location())
}

func TestHashCoversContent(t *testing.T) {
	a, b := baseCommit(), baseCommit()
	b.Snapshot.Variables["total"] = vm.Int(15)
	require.NoError(t, Seal(a))
	require.NoError(t, Seal(b))
	assert.NotEqual(t, a.Hash, b.Hash)

	c := baseCommit()
	c.Message = "something else"
	require.NoError(t, Seal(c))
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestVerifyHashDetectsTampering(t *testing.T) {
	c := baseCommit()
	require.NoError(t, Seal(c))

	ok, err := VerifyHash(c)
	require.NoError(t, err)
	assert.True(t, ok)

	c.Message = "rewritten history"
	ok, err = VerifyHash(c)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidBranchName(t *testing.T) {
	assert.True(t, ValidBranchName("main"))
	assert.True(t, ValidBranchName("recover-1"))
	assert.True(t, ValidBranchName("exp.2_b"))
	assert.False(t, ValidBranchName(""))
	assert.False(t, ValidBranchName(".hidden"))
	assert.False(t, ValidBranchName("has space"))
	assert.False(t, ValidBranchName("path/branch"))
}
