package sqlite

// schema is applied on every open; statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	description       TEXT NOT NULL,
	status            TEXT NOT NULL,
	payload           TEXT,
	correlation_id    TEXT,
	service_directory TEXT,
	metadata          TEXT,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS artifacts (
	task_id      TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
	code_files   TEXT NOT NULL,
	test_results TEXT,
	transcript   TEXT
);

CREATE TABLE IF NOT EXISTS escalations (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	worker_id   TEXT,
	reason      TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP,
	notes       TEXT,
	UNIQUE(task_id, reason)
);

CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status);
`
