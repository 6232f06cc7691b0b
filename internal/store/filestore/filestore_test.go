package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/store"
	"stackvm/internal/store/storetest"
	"stackvm/internal/vm"
)

func TestFilestoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestBranchLogLayout(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	task := &store.Task{ID: "layout-task", Goal: "g", Namespace: "default", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateTask(ctx, task))

	commit := &store.Commit{
		TaskID:   "layout-task",
		Branch:   store.MainBranch,
		Time:     time.Now().UTC(),
		Message:  "initial",
		Type:     store.CommitInitial,
		Snapshot: &vm.State{Goal: "g"},
	}
	require.NoError(t, store.Seal(commit))
	require.NoError(t, s.Append(ctx, commit))

	// One directory per task, one log file per branch, one commit per line.
	data, err := os.ReadFile(filepath.Join(root, "layout-task", "main.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), commit.Hash)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	_, err = os.Stat(filepath.Join(root, "layout-task", "meta.json"))
	require.NoError(t, err)
}

func TestAppendRequiresSealedCommit(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &store.Task{ID: "t", Goal: "g", CreatedAt: time.Now().UTC()}))
	err = s.Append(ctx, &store.Commit{TaskID: "t", Branch: store.MainBranch})
	assert.ErrorContains(t, err, "not sealed")
}

func TestRejectsTraversalTaskID(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	err = s.CreateTask(context.Background(), &store.Task{ID: "../escape", Goal: "g"})
	assert.ErrorContains(t, err, "invalid task id")
}

func TestStateSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s, err := New(root)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, &store.Task{ID: "persist", Goal: "g", CreatedAt: time.Now().UTC()}))
	commit := &store.Commit{
		TaskID: "persist", Branch: store.MainBranch,
		Time: time.Now().UTC(), Type: store.CommitInitial,
		Snapshot: &vm.State{Goal: "g", Variables: map[string]vm.Value{"x": vm.Int(7)}},
	}
	require.NoError(t, store.Seal(commit))
	require.NoError(t, s.Append(ctx, commit))
	s.Close()

	reopened, err := New(root)
	require.NoError(t, err)
	defer reopened.Close()

	head, err := reopened.Head(ctx, "persist", store.MainBranch)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, commit.Hash, head.Hash)
	assert.Equal(t, vm.Int(7), head.Snapshot.Variables["x"])
}
