// Tests for materializing datasets into SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cleo/internal/integrity"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

func raw(s ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(s))
	for i, v := range s {
		out[i] = json.RawMessage(v)
	}
	return out
}

func sampleDataset() *types.Dataset {
	return &types.Dataset{
		SchemaVersion: "1.0.0",
		Tasks: raw(
			`{"id":"T001","title":"first","status":"pending","priority":"high","createdAt":"2026-01-01T00:00:00Z"}`,
			"{\n  \"id\": \"T002\",\n  \"title\": \"second\",\n  \"parentId\": \"T001\",\n  \"labels\": [\"a\", \"b\"]\n}",
		),
		ArchivedTasks: raw(`{"id":"T000","title":"old","status":"done"}`),
		Sessions:      raw(`{"id":"S1","status":"ended","startedAt":"2026-01-01T09:00:00Z"}`),
	}
}

func TestMaterialize(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db.tmp")

	require.NoError(t, Materialize(ctx, path, sampleDataset(), "1.0.0"))
	require.NoError(t, integrity.ValidateAs(ctx, path, integrity.FormatSQLite))

	n, err := CountRecords(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	v, ok, err := ReadSchemaVersion(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, SchemaVersion, v)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var parent, data string
	require.NoError(t, db.QueryRow("SELECT parent_id, data FROM tasks WHERE id = 'T002'").Scan(&parent, &data))
	assert.Equal(t, "T001", parent)
	assert.Equal(t, `{"id":"T002","title":"second","parentId":"T001","labels":["a","b"]}`, data)

	var archived int
	require.NoError(t, db.QueryRow("SELECT archived FROM tasks WHERE id = 'T000'").Scan(&archived))
	assert.Equal(t, 1, archived)

	var src string
	require.NoError(t, db.QueryRow("SELECT value FROM schema_meta WHERE key = 'source_version'").Scan(&src))
	assert.Equal(t, "1.0.0", src)
}

func TestMaterializeReplacesExistingFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db.tmp")
	require.NoError(t, os.WriteFile(path, []byte("leftover from a crashed run"), 0o644))

	require.NoError(t, Materialize(ctx, path, sampleDataset(), "1.0.0"))
	n, err := CountRecords(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMaterializeFailsWholeLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db.tmp")
	ds := &types.Dataset{Tasks: raw(`{"id":"A"}`, `{"id":"A"}`)}

	err := Materialize(ctx, path, ds, "1.0.0")
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "partial store must be removed")
}

func TestMaterializeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "tasks.db.tmp")

	err := Materialize(ctx, path, sampleDataset(), "1.0.0")
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMaterializeEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")
	require.NoError(t, Materialize(ctx, path, &types.Dataset{}, ""))

	n, err := CountRecords(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCountRecordsAbsent(t *testing.T) {
	_, err := CountRecords(context.Background(), filepath.Join(t.TempDir(), "nope.db"))
	assert.ErrorIs(t, err, types.ErrStoreAbsent)
}

func TestColumnValue(t *testing.T) {
	assert.Nil(t, columnValue(nil))
	assert.Equal(t, "x", columnValue("x"))
	assert.Equal(t, "3", columnValue(float64(3)))
	assert.Equal(t, "true", columnValue(true))
	assert.Equal(t, `{"k":"v"}`, columnValue(map[string]any{"k": "v"}))
	assert.Equal(t, `[1,2]`, columnValue([]any{float64(1), float64(2)}))
}
