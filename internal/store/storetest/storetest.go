// Package storetest runs the behavioral contract of store.Store against any
// backend, so the filesystem and Postgres implementations stay interchangeable.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/store"
	"stackvm/internal/tools"
	"stackvm/internal/vm"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

// Run exercises the full Store contract against the backend the factory
// builds.
func Run(t *testing.T, factory Factory) {
	t.Run("TaskLifecycle", func(t *testing.T) { testTaskLifecycle(t, factory(t)) })
	t.Run("AppendAndHead", func(t *testing.T) { testAppendAndHead(t, factory(t)) })
	t.Run("AppendRejectsStaleParent", func(t *testing.T) { testStaleParent(t, factory(t)) })
	t.Run("ForkSharesHistory", func(t *testing.T) { testFork(t, factory(t)) })
	t.Run("DeleteBranch", func(t *testing.T) { testDeleteBranch(t, factory(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, factory(t)) })
	t.Run("Labels", func(t *testing.T) { testLabels(t, factory(t)) })
	t.Run("TaskLock", func(t *testing.T) { testTaskLock(t, factory(t)) })
}

func newTask(id string) *store.Task {
	return &store.Task{
		ID:        id,
		Goal:      "compute the answer",
		Namespace: tools.DefaultNamespace,
		CreatedAt: time.Now().UTC(),
	}
}

func sealedCommit(t *testing.T, taskID, branch, parent string, seqNo int) *store.Commit {
	t.Helper()
	c := &store.Commit{
		ParentHash: parent,
		TaskID:     taskID,
		Branch:     branch,
		SeqNo:      seqNo,
		Time:       time.Now().UTC(),
		Message:    fmt.Sprintf("executed seq_no %d", seqNo),
		Type:       store.CommitStepExecution,
		Snapshot: &vm.State{
			Goal:           "compute the answer",
			ProgramCounter: seqNo + 1,
			Variables:      map[string]vm.Value{"step": vm.Int(int64(seqNo))},
			VariableRefs:   map[string]int{},
		},
	}
	require.NoError(t, store.Seal(c))
	return c
}

func testTaskLifecycle(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	task := newTask("task-alpha")
	require.NoError(t, s.CreateTask(ctx, task))
	assert.Error(t, s.CreateTask(ctx, newTask("task-alpha")), "duplicate task id")

	got, err := s.GetTask(ctx, "task-alpha")
	require.NoError(t, err)
	assert.Equal(t, "compute the answer", got.Goal)
	assert.Equal(t, store.MainBranch, got.ActiveBranch)

	_, err = s.GetTask(ctx, "no-such-task")
	assert.Error(t, err)

	require.NoError(t, s.CreateTask(ctx, newTask("task-beta")))
	tasks, err := s.ListTasks(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	page, err := s.ListTasks(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	// A fresh task has exactly one branch with no head.
	branches, err := s.ListBranches(ctx, "task-alpha")
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, store.MainBranch, branches[0].Name)
	assert.Empty(t, branches[0].HeadHash)

	head, err := s.Head(ctx, "task-alpha", store.MainBranch)
	require.NoError(t, err)
	assert.Nil(t, head)

	assert.Error(t, s.SetActiveBranch(ctx, "task-alpha", "no-such-branch"))
}

func testAppendAndHead(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-1")))

	first := sealedCommit(t, "task-1", store.MainBranch, "", 0)
	require.NoError(t, s.Append(ctx, first))
	second := sealedCommit(t, "task-1", store.MainBranch, first.Hash, 1)
	require.NoError(t, s.Append(ctx, second))

	head, err := s.Head(ctx, "task-1", store.MainBranch)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, second.Hash, head.Hash)

	commits, err := s.ListCommits(ctx, "task-1", store.MainBranch)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, first.Hash, commits[0].Hash)
	assert.Equal(t, second.Hash, commits[1].Hash)

	got, err := s.GetCommit(ctx, "task-1", first.Hash)
	require.NoError(t, err)
	assert.Equal(t, first.Message, got.Message)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, 1, got.Snapshot.ProgramCounter)
	assert.Equal(t, vm.Int(0), got.Snapshot.Variables["step"])

	ok, err := store.VerifyHash(got)
	require.NoError(t, err)
	assert.True(t, ok, "stored commit must round-trip to the same hash")

	_, err = s.GetCommit(ctx, "task-1", "deadbeef")
	assert.Error(t, err)
}

func testStaleParent(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-2")))

	first := sealedCommit(t, "task-2", store.MainBranch, "", 0)
	require.NoError(t, s.Append(ctx, first))

	// A commit whose parent is not the branch head must be rejected.
	stale := sealedCommit(t, "task-2", store.MainBranch, "", 1)
	assert.Error(t, s.Append(ctx, stale))

	commits, err := s.ListCommits(ctx, "task-2", store.MainBranch)
	require.NoError(t, err)
	assert.Len(t, commits, 1)
}

func testFork(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-3")))

	var commits []*store.Commit
	parent := ""
	for seq := 0; seq < 3; seq++ {
		c := sealedCommit(t, "task-3", store.MainBranch, parent, seq)
		require.NoError(t, s.Append(ctx, c))
		commits = append(commits, c)
		parent = c.Hash
	}

	// Fork from the middle commit.
	require.NoError(t, s.Fork(ctx, "task-3", store.MainBranch, commits[1].Hash, "recover-1"))

	forked, err := s.ListCommits(ctx, "task-3", "recover-1")
	require.NoError(t, err)
	require.Len(t, forked, 2, "fork sees history up to the fork point")
	assert.Equal(t, commits[0].Hash, forked[0].Hash)
	assert.Equal(t, commits[1].Hash, forked[1].Hash)

	head, err := s.Head(ctx, "task-3", "recover-1")
	require.NoError(t, err)
	assert.Equal(t, commits[1].Hash, head.Hash)

	// The fork advances independently of main.
	next := sealedCommit(t, "task-3", "recover-1", commits[1].Hash, 2)
	require.NoError(t, s.Append(ctx, next))

	mainCommits, err := s.ListCommits(ctx, "task-3", store.MainBranch)
	require.NoError(t, err)
	assert.Len(t, mainCommits, 3)
	forked, err = s.ListCommits(ctx, "task-3", "recover-1")
	require.NoError(t, err)
	require.Len(t, forked, 3)
	assert.Equal(t, next.Hash, forked[2].Hash)

	branches, err := s.ListBranches(ctx, "task-3")
	require.NoError(t, err)
	require.Len(t, branches, 2)
	for _, b := range branches {
		if b.Name == "recover-1" {
			assert.Equal(t, store.MainBranch, b.ForkedFrom)
			assert.Equal(t, commits[1].Hash, b.ForkPoint)
		}
	}

	assert.Error(t, s.Fork(ctx, "task-3", store.MainBranch, commits[1].Hash, "recover-1"), "duplicate branch")
	assert.Error(t, s.Fork(ctx, "task-3", store.MainBranch, "deadbeef", "recover-2"), "unknown commit")
	assert.Error(t, s.Fork(ctx, "task-3", store.MainBranch, commits[1].Hash, "bad branch name"))
}

func testDeleteBranch(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-4")))

	first := sealedCommit(t, "task-4", store.MainBranch, "", 0)
	require.NoError(t, s.Append(ctx, first))
	require.NoError(t, s.Fork(ctx, "task-4", store.MainBranch, first.Hash, "scratch"))
	require.NoError(t, s.SetActiveBranch(ctx, "task-4", "scratch"))

	assert.Error(t, s.DeleteBranch(ctx, "task-4", store.MainBranch), "main is protected")
	require.NoError(t, s.DeleteBranch(ctx, "task-4", "scratch"))
	assert.Error(t, s.DeleteBranch(ctx, "task-4", "scratch"), "already deleted")

	// Deleting the active branch resets the task to main.
	task, err := s.GetTask(ctx, "task-4")
	require.NoError(t, err)
	assert.Equal(t, store.MainBranch, task.ActiveBranch)
}

func testNamespaces(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	ns := &tools.Namespace{
		Name:         "research",
		Description:  "retrieval tools only",
		AllowedTools: []string{"vector_search", "kg_search"},
	}
	require.NoError(t, s.SaveNamespace(ctx, ns))

	got, err := s.GetNamespace(ctx, "research")
	require.NoError(t, err)
	assert.Equal(t, ns.AllowedTools, got.AllowedTools)

	ns.Description = "updated"
	require.NoError(t, s.SaveNamespace(ctx, ns), "save is an upsert")
	got, err = s.GetNamespace(ctx, "research")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)

	require.NoError(t, s.SaveNamespace(ctx, tools.Default()))
	list, err := s.ListNamespaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, tools.DefaultNamespace, list[0].Name)

	assert.Error(t, s.SaveNamespace(ctx, &tools.Namespace{Name: "Bad Name"}))

	require.NoError(t, s.DeleteNamespace(ctx, "research"))
	_, err = s.GetNamespace(ctx, "research")
	assert.Error(t, err)
	assert.Error(t, s.DeleteNamespace(ctx, "research"))
}

func testLabels(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-5")))

	require.NoError(t, s.AddLabel(ctx, "task-5", "review"))
	require.NoError(t, s.AddLabel(ctx, "task-5", "batch-7"))
	require.NoError(t, s.AddLabel(ctx, "task-5", "review"), "idempotent")

	labels, err := s.ListLabels(ctx, "task-5")
	require.NoError(t, err)
	assert.Equal(t, []string{"batch-7", "review"}, labels)
}

func testTaskLock(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("task-6")))

	release, err := s.AcquireTaskLock(ctx, "task-6")
	require.NoError(t, err)

	_, err = s.AcquireTaskLock(ctx, "task-6")
	assert.Error(t, err, "second acquisition fails while held")

	release()
	release2, err := s.AcquireTaskLock(ctx, "task-6")
	require.NoError(t, err, "lock is reusable after release")
	release2()
}
