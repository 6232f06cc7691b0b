// Package store defines the append-only commit/branch store the engine
// persists execution history to, with interchangeable filesystem and
// Postgres backends.
package store

import (
	"context"
	"errors"
	"regexp"
	"time"

	"stackvm/internal/tools"
	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

// MainBranch is the branch every task starts on. It can never be deleted.
const MainBranch = "main"

var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidBranchName reports whether name is acceptable for a branch.
func ValidBranchName(name string) bool {
	return branchNamePattern.MatchString(name)
}

// CommitType classifies why a commit was written.
type CommitType string

const (
	CommitInitial       CommitType = "Initial"
	CommitStepExecution CommitType = "StepExecution"
	CommitPlanUpdate    CommitType = "PlanUpdate"
	CommitFork          CommitType = "Fork"
	CommitManual        CommitType = "Manual"
)

// CommitDetails carries per-commit execution evidence. The diff is advisory;
// replay always uses the snapshot.
type CommitDetails struct {
	InputParameters map[string]vm.Value `json:"input_parameters,omitempty"`
	OutputVariables map[string]vm.Value `json:"output_variables,omitempty"`
	Diff            string              `json:"diff,omitempty"`
	Error           *verrors.Error      `json:"error,omitempty"`
}

// Commit is one immutable record of execution history. Hash covers every
// field except Hash itself and the advisory Title.
type Commit struct {
	Hash       string        `json:"commit_hash"`
	ParentHash string        `json:"parent_hash,omitempty"`
	TaskID     string        `json:"task_id"`
	Branch     string        `json:"branch"`
	SeqNo      int           `json:"seq_no"`
	Time       time.Time     `json:"time"`
	Message    string        `json:"message"`
	Type       CommitType    `json:"commit_type"`
	Title      string        `json:"title,omitempty"`
	Details    CommitDetails `json:"details"`
	Snapshot   *vm.State     `json:"vm_state_snapshot"`
}

// Branch points at the head of one line of history.
type Branch struct {
	TaskID     string    `json:"task_id"`
	Name       string    `json:"name"`
	HeadHash   string    `json:"head_hash"`
	ForkedFrom string    `json:"forked_from,omitempty"`
	ForkPoint  string    `json:"fork_point,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Task is the top-level unit of work.
type Task struct {
	ID           string    `json:"task_id"`
	Goal         string    `json:"goal"`
	Namespace    string    `json:"namespace"`
	ActiveBranch string    `json:"active_branch"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the persistence contract both backends satisfy. All operations
// are strongly consistent within a single task: Head after a successful
// Append returns exactly that commit.
type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*Task, error)
	SetActiveBranch(ctx context.Context, taskID, branch string) error

	Head(ctx context.Context, taskID, branch string) (*Commit, error)
	Append(ctx context.Context, commit *Commit) error
	Fork(ctx context.Context, taskID, fromBranch, atCommitHash, newBranch string) error
	ListBranches(ctx context.Context, taskID string) ([]*Branch, error)
	ListCommits(ctx context.Context, taskID, branch string) ([]*Commit, error)
	GetCommit(ctx context.Context, taskID, hash string) (*Commit, error)
	DeleteBranch(ctx context.Context, taskID, branch string) error

	SaveNamespace(ctx context.Context, ns *tools.Namespace) error
	GetNamespace(ctx context.Context, name string) (*tools.Namespace, error)
	ListNamespaces(ctx context.Context) ([]*tools.Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error

	AddLabel(ctx context.Context, taskID, label string) error
	ListLabels(ctx context.Context, taskID string) ([]string, error)

	// AcquireTaskLock takes the per-task advisory lock, failing fast when
	// another worker holds it. The returned function releases the lock.
	AcquireTaskLock(ctx context.Context, taskID string) (func(), error)

	Close()
}

var errNotFound = errors.New("not found")

// ErrNotFound builds the uniform not-found error used by both backends.
func ErrNotFound(what, id string) error {
	return verrors.Wrap(verrors.KindValidation, errNotFound, "%s %q not found", what, id)
}

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

var errTaskLocked = errors.New("task locked")

// ErrLocked builds the uniform lock-contention error.
func ErrLocked(taskID string) error {
	return verrors.Wrap(verrors.KindValidation, errTaskLocked, "task %q is locked by another worker", taskID)
}

// IsLocked reports whether err is a lock-contention error; queue workers
// re-queue on it instead of failing the task.
func IsLocked(err error) bool {
	return errors.Is(err, errTaskLocked)
}
