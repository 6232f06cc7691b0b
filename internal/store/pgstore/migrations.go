package pgstore

// Sequential schema migrations. Each entry runs once, in order, recorded in
// schema_migrations. Never edit an applied entry; append a new one.
var migrations = []string{
	`CREATE TABLE tasks (
		task_id       TEXT PRIMARY KEY,
		goal          TEXT NOT NULL,
		namespace     TEXT NOT NULL DEFAULT 'default',
		active_branch TEXT NOT NULL DEFAULT 'main',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE branches (
		task_id     TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		head_hash   TEXT NOT NULL DEFAULT '',
		forked_from TEXT NOT NULL DEFAULT '',
		fork_point  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (task_id, name)
	)`,
	`CREATE TABLE commits (
		task_id     TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
		commit_hash TEXT NOT NULL,
		parent_hash TEXT NOT NULL DEFAULT '',
		branch      TEXT NOT NULL,
		seq_no      INT NOT NULL,
		commit_time TIMESTAMPTZ NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		commit_type TEXT NOT NULL,
		title       TEXT NOT NULL DEFAULT '',
		details     JSONB NOT NULL DEFAULT '{}',
		snapshot    JSONB,
		PRIMARY KEY (task_id, commit_hash)
	)`,
	`CREATE INDEX commits_parent_idx ON commits (task_id, parent_hash)`,
	`CREATE TABLE labels (
		name TEXT PRIMARY KEY
	)`,
	`CREATE TABLE task_labels (
		task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
		label   TEXT NOT NULL REFERENCES labels(name),
		PRIMARY KEY (task_id, label)
	)`,
	`CREATE TABLE namespaces (
		name        TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE namespace_tools (
		namespace TEXT NOT NULL REFERENCES namespaces(name) ON DELETE CASCADE,
		tool      TEXT NOT NULL,
		position  INT NOT NULL,
		PRIMARY KEY (namespace, tool)
	)`,
}
