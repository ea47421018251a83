// Package sqlite is the relational store accessor. It materializes a
// flat-file dataset into a SQLite database, reads it back, counts records,
// and exports it to JSONL. Query mechanics beyond that stay out of scope.
package sqlite

// SchemaVersion is the version written into every store this package
// materializes.
const SchemaVersion = "2.0.0"

// Keys of the schema_meta table.
const (
	metaSchemaVersion = "schema_version"
	metaSourceVersion = "source_version"
	metaMigratedAt    = "migrated_at"
)

// Schema DDL for all tables.
const (
	createTasks = `CREATE TABLE tasks (
    id TEXT PRIMARY KEY,
    title TEXT,
    status TEXT,
    priority TEXT,
    parent_id TEXT,
    created_at TEXT,
    updated_at TEXT,
    archived INTEGER NOT NULL DEFAULT 0,
    data TEXT NOT NULL
);`

	createSessions = `CREATE TABLE sessions (
    id TEXT PRIMARY KEY,
    status TEXT,
    started_at TEXT,
    ended_at TEXT,
    data TEXT NOT NULL
);`

	createSchemaMeta = `CREATE TABLE schema_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`
)

// Index DDL for common queries.
const (
	idxTasksStatus   = `CREATE INDEX idx_tasks_status ON tasks(status);`
	idxTasksParent   = `CREATE INDEX idx_tasks_parent ON tasks(parent_id);`
	idxTasksArchived = `CREATE INDEX idx_tasks_archived ON tasks(archived);`
)

// schemaDDL lists all CREATE TABLE statements.
var schemaDDL = []string{
	createTasks,
	createSessions,
	createSchemaMeta,
}

// indexDDL lists all CREATE INDEX statements.
var indexDDL = []string{
	idxTasksStatus,
	idxTasksParent,
	idxTasksArchived,
}
