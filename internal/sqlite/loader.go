// This file materializes a dataset into a fresh SQLite file.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// cancelEvery is how many inserted records pass between cancellation checks.
const cancelEvery = 256

// column maps a table column to the JSON field it is extracted from. The
// full record always lands in the data column as well.
type column struct {
	name  string
	field string
}

var taskColumns = []column{
	{"id", "id"},
	{"title", "title"},
	{"status", "status"},
	{"priority", "priority"},
	{"parent_id", "parentId"},
	{"created_at", "createdAt"},
	{"updated_at", "updatedAt"},
}

var sessionColumns = []column{
	{"id", "id"},
	{"status", "status"},
	{"started_at", "startedAt"},
	{"ended_at", "endedAt"},
}

// tableMapping lists what gets inserted where, in load order.
var tableMapping = []struct {
	table    string
	columns  []column
	archived *bool
	records  func(*types.Dataset) []json.RawMessage
}{
	{"tasks", taskColumns, boolPtr(false), func(d *types.Dataset) []json.RawMessage { return d.Tasks }},
	{"tasks", taskColumns, boolPtr(true), func(d *types.Dataset) []json.RawMessage { return d.ArchivedTasks }},
	{"sessions", sessionColumns, nil, func(d *types.Dataset) []json.RawMessage { return d.Sessions }},
}

func boolPtr(b bool) *bool { return &b }

// Materialize creates a new SQLite store at path holding ds. Any file already
// at path is replaced. Loading is one transaction: a record that does not
// insert fails the whole load, and no record is skipped. On error the
// partially written file is removed.
func Materialize(ctx context.Context, path string, ds *types.Dataset, sourceVersion string) (err error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			os.Remove(path)
			os.Remove(path + "-journal")
		}
	}()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", path, cerr)
		}
	}()
	db.SetMaxOpenConns(1)

	for _, ddl := range schemaDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	for _, ddl := range indexDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	for _, mapping := range tableMapping {
		if err := ctx.Err(); err != nil {
			return err
		}
		records := mapping.records(ds)
		if len(records) == 0 {
			continue
		}
		if err := insertRecords(ctx, tx, mapping.table, mapping.columns, mapping.archived, records); err != nil {
			return fmt.Errorf("loading %s: %w", mapping.table, err)
		}
	}

	meta := map[string]string{
		metaSchemaVersion: SchemaVersion,
		metaSourceVersion: sourceVersion,
		metaMigratedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("writing schema_meta: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing load transaction: %w", err)
	}
	return nil
}

// insertRecords inserts raw JSON records into table. Fields without a column
// are kept only in the data column.
func insertRecords(ctx context.Context, tx *sql.Tx, table string, columns []column, archived *bool, records []json.RawMessage) error {
	names := make([]string, 0, len(columns)+2)
	for _, c := range columns {
		names = append(names, c.name)
	}
	if archived != nil {
		names = append(names, "archived")
	}
	names = append(names, "data")

	placeholders := make([]string, len(names))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
	)

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("preparing insert for %s: %w", table, err)
	}
	defer stmt.Close()

	for i, rec := range records {
		if i%cancelEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		var obj map[string]any
		if err := json.Unmarshal(rec, &obj); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}

		args := make([]any, 0, len(names))
		for _, col := range columns {
			args = append(args, columnValue(obj[col.field]))
		}
		if archived != nil {
			args = append(args, *archived)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, rec); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		args = append(args, compact.String())

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

// columnValue flattens a decoded JSON value for a TEXT column. Objects and
// arrays are re-serialized.
func columnValue(val any) any {
	switch v := val.(type) {
	case nil:
		return nil
	case string:
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}
