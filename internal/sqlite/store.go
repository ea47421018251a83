package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mesh-intelligence/cleo/internal/integrity"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// openReadOnly opens the store at path without creating it.
func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, types.ErrStoreAbsent)
		}
		return nil, err
	}
	db, err := sql.Open("sqlite", integrity.ReadOnlyDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return db, nil
}

// CountRecords returns the number of records in the store at path: tasks,
// archived tasks and sessions together, matching types.Dataset.RecordCount.
func CountRecords(ctx context.Context, path string) (int, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return countRecords(ctx, db)
}

func countRecords(ctx context.Context, db *sql.DB) (int, error) {
	var tasks, sessions int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&tasks); err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&sessions); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return tasks + sessions, nil
}

// ReadSchemaVersion returns the schema version recorded in the store at path.
// ok is false when the store has no schema_meta entry.
func ReadSchemaVersion(ctx context.Context, path string) (string, bool, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return "", false, err
	}
	defer db.Close()
	return schemaVersion(ctx, db)
}

func schemaVersion(ctx context.Context, db *sql.DB) (string, bool, error) {
	var v string
	err := db.QueryRowContext(ctx, "SELECT value FROM schema_meta WHERE key = ?", metaSchemaVersion).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading schema version: %w", err)
	}
	return v, true, nil
}

func loadDataset(ctx context.Context, db *sql.DB) (*types.Dataset, error) {
	ds := &types.Dataset{}
	v, ok, err := schemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	if ok {
		ds.SchemaVersion = v
	}

	rows, err := db.QueryContext(ctx, "SELECT data, archived FROM tasks ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	for rows.Next() {
		var data string
		var archived bool
		if err := rows.Scan(&data, &archived); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		if archived {
			ds.ArchivedTasks = append(ds.ArchivedTasks, json.RawMessage(data))
		} else {
			ds.Tasks = append(ds.Tasks, json.RawMessage(data))
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, "SELECT data FROM sessions ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		ds.Sessions = append(ds.Sessions, json.RawMessage(data))
	}
	return ds, rows.Err()
}
