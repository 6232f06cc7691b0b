// Package filestore is the filesystem backend of the commit/branch store.
// Each task is a directory, each branch a log file of one JSON commit per
// line, rewritten atomically via rename-into-place.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"stackvm/internal/logging"
	"stackvm/internal/store"
	"stackvm/internal/tools"
	"stackvm/internal/verrors"
)

var taskIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type taskMeta struct {
	Task     store.Task               `json:"task"`
	Branches map[string]*store.Branch `json:"branches"`
	Labels   []string                 `json:"labels,omitempty"`
}

// Store implements store.Store on a local directory tree.
type Store struct {
	root   string
	logger logging.Logger
	// mu serializes all metadata and log rewrites; per-task contention is
	// already prevented by the advisory lock.
	mu sync.Mutex
}

func New(root string) (*Store, error) {
	if strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, root[2:])
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{
		root:   root,
		logger: logging.NewComponentLogger("filestore"),
	}, nil
}

func (s *Store) Close() {}

func (s *Store) taskDir(taskID string) (string, error) {
	if !taskIDPattern.MatchString(taskID) {
		return "", verrors.New(verrors.KindValidation, "invalid task id %q", taskID)
	}
	return filepath.Join(s.root, taskID), nil
}

func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.taskDir(task.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(dir); err == nil {
		return verrors.New(verrors.KindValidation, "task %q already exists", task.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task directory: %w", err)
	}
	if task.ActiveBranch == "" {
		task.ActiveBranch = store.MainBranch
	}
	meta := &taskMeta{
		Task: *task,
		Branches: map[string]*store.Branch{
			store.MainBranch: {
				TaskID:    task.ID,
				Name:      store.MainBranch,
				CreatedAt: task.CreatedAt,
			},
		},
	}
	if err := s.writeMeta(dir, meta); err != nil {
		return err
	}
	return writeFileAtomic(s.logPath(dir, store.MainBranch), nil)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, _, err := s.readMeta(taskID)
	if err != nil {
		return nil, err
	}
	task := meta.Task
	return &task, nil
}

func (s *Store) ListTasks(ctx context.Context, limit, offset int) ([]*store.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*store.Task
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, _, err := s.readMeta(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable task directory %s: %v", entry.Name(), err)
			continue
		}
		task := meta.Task
		all = append(all, &task)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return paginate(all, limit, offset), nil
}

func paginate(tasks []*store.Task, limit, offset int) []*store.Task {
	if offset >= len(tasks) {
		return nil
	}
	tasks = tasks[offset:]
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}

func (s *Store) SetActiveBranch(ctx context.Context, taskID, branch string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, dir, err := s.readMeta(taskID)
	if err != nil {
		return err
	}
	if _, ok := meta.Branches[branch]; !ok {
		return store.ErrNotFound("branch", branch)
	}
	meta.Task.ActiveBranch = branch
	return s.writeMeta(dir, meta)
}

func (s *Store) Head(ctx context.Context, taskID, branch string) (*store.Commit, error) {
	commits, err := s.ListCommits(ctx, taskID, branch)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, nil
	}
	return commits[len(commits)-1], nil
}

func (s *Store) Append(ctx context.Context, commit *store.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if commit.Hash == "" {
		return verrors.New(verrors.KindInternal, "commit is not sealed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, dir, err := s.readMeta(commit.TaskID)
	if err != nil {
		return err
	}
	branch, ok := meta.Branches[commit.Branch]
	if !ok {
		return store.ErrNotFound("branch", commit.Branch)
	}
	if branch.HeadHash != commit.ParentHash {
		return verrors.New(verrors.KindInternal,
			"append on branch %q expects parent %q, head is %q", commit.Branch, commit.ParentHash, branch.HeadHash)
	}

	line, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	logPath := s.logPath(dir, commit.Branch)
	existing, err := os.ReadFile(logPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	updated := append(existing, append(line, '\n')...)
	if err := writeFileAtomic(logPath, updated); err != nil {
		return err
	}

	branch.HeadHash = commit.Hash
	return s.writeMeta(dir, meta)
}

func (s *Store) Fork(ctx context.Context, taskID, fromBranch, atCommitHash, newBranch string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !store.ValidBranchName(newBranch) {
		return verrors.New(verrors.KindValidation, "invalid branch name %q", newBranch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, dir, err := s.readMeta(taskID)
	if err != nil {
		return err
	}
	if _, exists := meta.Branches[newBranch]; exists {
		return verrors.New(verrors.KindValidation, "branch %q already exists", newBranch)
	}
	if _, ok := meta.Branches[fromBranch]; !ok {
		return store.ErrNotFound("branch", fromBranch)
	}

	commits, err := s.readLog(dir, fromBranch)
	if err != nil {
		return err
	}
	cut := -1
	for i, c := range commits {
		if c.Hash == atCommitHash {
			cut = i
			break
		}
	}
	if cut < 0 {
		return store.ErrNotFound("commit", atCommitHash)
	}

	var buf bytes.Buffer
	for _, c := range commits[:cut+1] {
		line, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode commit: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(s.logPath(dir, newBranch), buf.Bytes()); err != nil {
		return err
	}

	meta.Branches[newBranch] = &store.Branch{
		TaskID:     taskID,
		Name:       newBranch,
		HeadHash:   atCommitHash,
		ForkedFrom: fromBranch,
		ForkPoint:  atCommitHash,
		CreatedAt:  time.Now().UTC(),
	}
	return s.writeMeta(dir, meta)
}

func (s *Store) ListBranches(ctx context.Context, taskID string) ([]*store.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, _, err := s.readMeta(taskID)
	if err != nil {
		return nil, err
	}
	branches := make([]*store.Branch, 0, len(meta.Branches))
	for _, b := range meta.Branches {
		copied := *b
		branches = append(branches, &copied)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

func (s *Store) ListCommits(ctx context.Context, taskID, branch string) ([]*store.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, dir, err := s.readMeta(taskID)
	if err != nil {
		return nil, err
	}
	if _, ok := meta.Branches[branch]; !ok {
		return nil, store.ErrNotFound("branch", branch)
	}
	return s.readLog(dir, branch)
}

func (s *Store) GetCommit(ctx context.Context, taskID, hash string) (*store.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, dir, err := s.readMeta(taskID)
	if err != nil {
		return nil, err
	}
	for name := range meta.Branches {
		commits, err := s.readLog(dir, name)
		if err != nil {
			return nil, err
		}
		for _, c := range commits {
			if c.Hash == hash {
				return c, nil
			}
		}
	}
	return nil, store.ErrNotFound("commit", hash)
}

func (s *Store) DeleteBranch(ctx context.Context, taskID, branch string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if branch == store.MainBranch {
		return verrors.New(verrors.KindValidation, "branch %q cannot be deleted", store.MainBranch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, dir, err := s.readMeta(taskID)
	if err != nil {
		return err
	}
	if _, ok := meta.Branches[branch]; !ok {
		return store.ErrNotFound("branch", branch)
	}
	delete(meta.Branches, branch)
	if meta.Task.ActiveBranch == branch {
		meta.Task.ActiveBranch = store.MainBranch
	}
	if err := os.Remove(s.logPath(dir, branch)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.writeMeta(dir, meta)
}

// Namespaces are global, kept in one JSON file at the store root.

func (s *Store) namespacesPath() string { return filepath.Join(s.root, "namespaces.json") }

func (s *Store) readNamespaces() (map[string]*tools.Namespace, error) {
	data, err := os.ReadFile(s.namespacesPath())
	if os.IsNotExist(err) {
		return map[string]*tools.Namespace{}, nil
	}
	if err != nil {
		return nil, err
	}
	var namespaces map[string]*tools.Namespace
	if err := json.Unmarshal(data, &namespaces); err != nil {
		return nil, fmt.Errorf("decode namespaces: %w", err)
	}
	return namespaces, nil
}

func (s *Store) writeNamespaces(namespaces map[string]*tools.Namespace) error {
	data, err := json.MarshalIndent(namespaces, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.namespacesPath(), data)
}

func (s *Store) SaveNamespace(ctx context.Context, ns *tools.Namespace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ns.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	namespaces, err := s.readNamespaces()
	if err != nil {
		return err
	}
	namespaces[ns.Name] = ns
	return s.writeNamespaces(namespaces)
}

func (s *Store) GetNamespace(ctx context.Context, name string) (*tools.Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	namespaces, err := s.readNamespaces()
	if err != nil {
		return nil, err
	}
	ns, ok := namespaces[name]
	if !ok {
		return nil, store.ErrNotFound("namespace", name)
	}
	return ns, nil
}

func (s *Store) ListNamespaces(ctx context.Context) ([]*tools.Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	namespaces, err := s.readNamespaces()
	if err != nil {
		return nil, err
	}
	list := make([]*tools.Namespace, 0, len(namespaces))
	for _, ns := range namespaces {
		list = append(list, ns)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (s *Store) DeleteNamespace(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	namespaces, err := s.readNamespaces()
	if err != nil {
		return err
	}
	if _, ok := namespaces[name]; !ok {
		return store.ErrNotFound("namespace", name)
	}
	delete(namespaces, name)
	return s.writeNamespaces(namespaces)
}

func (s *Store) AddLabel(ctx context.Context, taskID, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, dir, err := s.readMeta(taskID)
	if err != nil {
		return err
	}
	for _, existing := range meta.Labels {
		if existing == label {
			return nil
		}
	}
	meta.Labels = append(meta.Labels, label)
	sort.Strings(meta.Labels)
	return s.writeMeta(dir, meta)
}

func (s *Store) ListLabels(ctx context.Context, taskID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, _, err := s.readMeta(taskID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), meta.Labels...), nil
}

// AcquireTaskLock creates <task>/.lock exclusively; a second acquisition
// fails fast until the release function removes it.
func (s *Store) AcquireTaskLock(ctx context.Context, taskID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.taskDir(taskID)
	if err != nil {
		return nil, err
	}
	lockPath := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, store.ErrLocked(taskID)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Close()
	return func() {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			s.logger.Error("release lock for task %s: %v", taskID, err)
		}
	}, nil
}

func (s *Store) logPath(dir, branch string) string {
	return filepath.Join(dir, branch+".log")
}

func (s *Store) readMeta(taskID string) (*taskMeta, string, error) {
	dir, err := s.taskDir(taskID)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if os.IsNotExist(err) {
		return nil, "", store.ErrNotFound("task", taskID)
	}
	if err != nil {
		return nil, "", err
	}
	var meta taskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, "", fmt.Errorf("decode meta for task %s: %w", taskID, err)
	}
	if meta.Branches == nil {
		meta.Branches = map[string]*store.Branch{}
	}
	return &meta, dir, nil
}

func (s *Store) writeMeta(dir string, meta *taskMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "meta.json"), data)
}

func (s *Store) readLog(dir, branch string) ([]*store.Commit, error) {
	f, err := os.Open(s.logPath(dir, branch))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var commits []*store.Commit
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var c store.Commit
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return nil, fmt.Errorf("decode commit in %s.log: %w", branch, err)
		}
		commits = append(commits, &c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return commits, nil
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over the destination.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
