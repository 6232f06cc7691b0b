// Package pgstore is the Postgres backend of the commit/branch store.
// Commits are keyed by (task_id, commit_hash) and branches share history by
// pointing into the same parent-hash chain, so forking writes no commit rows.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stackvm/internal/logging"
	"stackvm/internal/store"
	"stackvm/internal/tools"
	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New connects to dsn, runs pending migrations, and returns the store.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool, logger: logging.NewComponentLogger("pgstore")}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool without running migrations; intended for
// tests that manage schema setup themselves.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: logging.NewComponentLogger("pgstore")}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate runs any migrations that have not been applied yet.
func (s *Store) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for i, stmt := range migrations {
		version := i + 1
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if exists {
			continue
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		s.logger.Info("applied migration %d", version)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	if task.ActiveBranch == "" {
		task.ActiveBranch = store.MainBranch
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO tasks (task_id, goal, namespace, active_branch, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		task.ID, task.Goal, task.Namespace, task.ActiveBranch, task.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return verrors.New(verrors.KindValidation, "task %q already exists", task.ID)
		}
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO branches (task_id, name, created_at)
		VALUES ($1, $2, $3)`,
		task.ID, store.MainBranch, task.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	task := &store.Task{}
	err := s.pool.QueryRow(ctx, `
		SELECT task_id, goal, namespace, active_branch, created_at
		FROM tasks WHERE task_id = $1`, taskID).
		Scan(&task.ID, &task.Goal, &task.Namespace, &task.ActiveBranch, &task.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound("task", taskID)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, limit, offset int) ([]*store.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, goal, namespace, active_branch, created_at
		FROM tasks ORDER BY created_at DESC, task_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		task := &store.Task{}
		if err := rows.Scan(&task.ID, &task.Goal, &task.Namespace, &task.ActiveBranch, &task.CreatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) SetActiveBranch(ctx context.Context, taskID, branch string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM branches WHERE task_id = $1 AND name = $2)`,
		taskID, branch).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound("branch", branch)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET active_branch = $2 WHERE task_id = $1`, taskID, branch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound("task", taskID)
	}
	return nil
}

func (s *Store) Head(ctx context.Context, taskID, branch string) (*store.Commit, error) {
	var headHash string
	err := s.pool.QueryRow(ctx,
		`SELECT head_hash FROM branches WHERE task_id = $1 AND name = $2`,
		taskID, branch).Scan(&headHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound("branch", branch)
	}
	if err != nil {
		return nil, err
	}
	if headHash == "" {
		return nil, nil
	}
	return s.GetCommit(ctx, taskID, headHash)
}

func (s *Store) Append(ctx context.Context, commit *store.Commit) error {
	if commit.Hash == "" {
		return verrors.New(verrors.KindInternal, "commit is not sealed")
	}
	details, err := json.Marshal(commit.Details)
	if err != nil {
		return fmt.Errorf("encode commit details: %w", err)
	}
	snapshot, err := json.Marshal(commit.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var headHash string
	err = tx.QueryRow(ctx, `
		SELECT head_hash FROM branches
		WHERE task_id = $1 AND name = $2 FOR UPDATE`,
		commit.TaskID, commit.Branch).Scan(&headHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound("branch", commit.Branch)
	}
	if err != nil {
		return err
	}
	if headHash != commit.ParentHash {
		return verrors.New(verrors.KindInternal,
			"append on branch %q expects parent %q, head is %q", commit.Branch, commit.ParentHash, headHash)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO commits
			(task_id, commit_hash, parent_hash, branch, seq_no, commit_time,
			 message, commit_type, title, details, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		commit.TaskID, commit.Hash, commit.ParentHash, commit.Branch, commit.SeqNo,
		commit.Time, commit.Message, string(commit.Type), commit.Title, details, snapshot); err != nil {
		if isUniqueViolation(err) {
			return verrors.New(verrors.KindInternal, "commit %s already exists", commit.Hash)
		}
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE branches SET head_hash = $3
		WHERE task_id = $1 AND name = $2`,
		commit.TaskID, commit.Branch, commit.Hash); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Fork records a new branch whose head is an existing commit on fromBranch.
// History is shared through the parent-hash chain; nothing is copied.
func (s *Store) Fork(ctx context.Context, taskID, fromBranch, atCommitHash, newBranch string) error {
	if !store.ValidBranchName(newBranch) {
		return verrors.New(verrors.KindValidation, "invalid branch name %q", newBranch)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var headHash string
	err = tx.QueryRow(ctx, `
		SELECT head_hash FROM branches
		WHERE task_id = $1 AND name = $2 FOR UPDATE`,
		taskID, fromBranch).Scan(&headHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound("branch", fromBranch)
	}
	if err != nil {
		return err
	}

	var reachable bool
	if err := tx.QueryRow(ctx, `
		WITH RECURSIVE chain AS (
			SELECT commit_hash, parent_hash FROM commits
			WHERE task_id = $1 AND commit_hash = $2
			UNION ALL
			SELECT c.commit_hash, c.parent_hash FROM commits c
			JOIN chain ON c.task_id = $1 AND c.commit_hash = chain.parent_hash
		)
		SELECT EXISTS(SELECT 1 FROM chain WHERE commit_hash = $3)`,
		taskID, headHash, atCommitHash).Scan(&reachable); err != nil {
		return err
	}
	if !reachable {
		return store.ErrNotFound("commit", atCommitHash)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO branches (task_id, name, head_hash, forked_from, fork_point, created_at)
		VALUES ($1, $2, $3, $4, $3, $5)`,
		taskID, newBranch, atCommitHash, fromBranch, time.Now().UTC()); err != nil {
		if isUniqueViolation(err) {
			return verrors.New(verrors.KindValidation, "branch %q already exists", newBranch)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListBranches(ctx context.Context, taskID string) ([]*store.Branch, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, name, head_hash, forked_from, fork_point, created_at
		FROM branches WHERE task_id = $1 ORDER BY name`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branches []*store.Branch
	for rows.Next() {
		b := &store.Branch{}
		if err := rows.Scan(&b.TaskID, &b.Name, &b.HeadHash, &b.ForkedFrom, &b.ForkPoint, &b.CreatedAt); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// ListCommits walks parent hashes from the branch head back to the root and
// returns the chain oldest first, so forked branches see their shared prefix.
func (s *Store) ListCommits(ctx context.Context, taskID, branch string) ([]*store.Commit, error) {
	var headHash string
	err := s.pool.QueryRow(ctx,
		`SELECT head_hash FROM branches WHERE task_id = $1 AND name = $2`,
		taskID, branch).Scan(&headHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound("branch", branch)
	}
	if err != nil {
		return nil, err
	}
	if headHash == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE chain AS (
			SELECT c.*, 0 AS depth FROM commits c
			WHERE c.task_id = $1 AND c.commit_hash = $2
			UNION ALL
			SELECT c.*, chain.depth + 1 FROM commits c
			JOIN chain ON c.task_id = $1 AND c.commit_hash = chain.parent_hash
		)
		SELECT commit_hash, parent_hash, task_id, branch, seq_no, commit_time,
		       message, commit_type, title, details, snapshot
		FROM chain ORDER BY depth DESC`, taskID, headHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commits []*store.Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

func (s *Store) GetCommit(ctx context.Context, taskID, hash string) (*store.Commit, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT commit_hash, parent_hash, task_id, branch, seq_no, commit_time,
		       message, commit_type, title, details, snapshot
		FROM commits WHERE task_id = $1 AND commit_hash = $2`, taskID, hash)
	c, err := scanCommit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound("commit", hash)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanCommit(row pgx.Row) (*store.Commit, error) {
	c := &store.Commit{}
	var commitType string
	var details, snapshot []byte
	if err := row.Scan(&c.Hash, &c.ParentHash, &c.TaskID, &c.Branch, &c.SeqNo, &c.Time,
		&c.Message, &commitType, &c.Title, &details, &snapshot); err != nil {
		return nil, err
	}
	c.Type = store.CommitType(commitType)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &c.Details); err != nil {
			return nil, fmt.Errorf("decode commit details: %w", err)
		}
	}
	if len(snapshot) > 0 && string(snapshot) != "null" {
		c.Snapshot = &vm.State{}
		if err := json.Unmarshal(snapshot, c.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	return c, nil
}

func (s *Store) DeleteBranch(ctx context.Context, taskID, branch string) error {
	if branch == store.MainBranch {
		return verrors.New(verrors.KindValidation, "branch %q cannot be deleted", store.MainBranch)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM branches WHERE task_id = $1 AND name = $2`, taskID, branch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound("branch", branch)
	}
	// Commits written on the deleted branch stay in place; they are only
	// reachable again if another branch forked from them.
	if _, err := tx.Exec(ctx, `
		UPDATE tasks SET active_branch = $3
		WHERE task_id = $1 AND active_branch = $2`,
		taskID, branch, store.MainBranch); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) SaveNamespace(ctx context.Context, ns *tools.Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO namespaces (name, description)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description`,
		ns.Name, ns.Description); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM namespace_tools WHERE namespace = $1`, ns.Name); err != nil {
		return err
	}
	for i, tool := range ns.AllowedTools {
		if _, err := tx.Exec(ctx, `
			INSERT INTO namespace_tools (namespace, tool, position)
			VALUES ($1, $2, $3)`, ns.Name, tool, i); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetNamespace(ctx context.Context, name string) (*tools.Namespace, error) {
	ns := &tools.Namespace{}
	err := s.pool.QueryRow(ctx,
		`SELECT name, description FROM namespaces WHERE name = $1`, name).
		Scan(&ns.Name, &ns.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound("namespace", name)
	}
	if err != nil {
		return nil, err
	}
	ns.AllowedTools, err = s.namespaceTools(ctx, name)
	if err != nil {
		return nil, err
	}
	return ns, nil
}

func (s *Store) namespaceTools(ctx context.Context, name string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tool FROM namespace_tools WHERE namespace = $1 ORDER BY position`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []string
	for rows.Next() {
		var tool string
		if err := rows.Scan(&tool); err != nil {
			return nil, err
		}
		list = append(list, tool)
	}
	return list, rows.Err()
}

func (s *Store) ListNamespaces(ctx context.Context) ([]*tools.Namespace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, description FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*tools.Namespace
	for rows.Next() {
		ns := &tools.Namespace{}
		if err := rows.Scan(&ns.Name, &ns.Description); err != nil {
			return nil, err
		}
		list = append(list, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, ns := range list {
		allowed, err := s.namespaceTools(ctx, ns.Name)
		if err != nil {
			return nil, err
		}
		ns.AllowedTools = allowed
	}
	return list, nil
}

func (s *Store) DeleteNamespace(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM namespaces WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound("namespace", name)
	}
	return nil
}

func (s *Store) AddLabel(ctx context.Context, taskID, label string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO labels (name) VALUES ($1)
		ON CONFLICT DO NOTHING`, label); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO task_labels (task_id, label) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, taskID, label); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListLabels(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT label FROM task_labels WHERE task_id = $1 ORDER BY label`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// AcquireTaskLock takes a session advisory lock keyed by the task ID on a
// dedicated connection, which is held until release.
func (s *Store) AcquireTaskLock(ctx context.Context, taskID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	var acquired bool
	if err := conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, taskID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, err
	}
	if !acquired {
		conn.Release()
		return nil, store.ErrLocked(taskID)
	}
	return func() {
		if _, err := conn.Exec(context.Background(),
			`SELECT pg_advisory_unlock(hashtextextended($1, 0))`, taskID); err != nil {
			s.logger.Error("release advisory lock for task %s: %v", taskID, err)
		}
		conn.Release()
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
