package flatfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/internal/paths"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, paths.TodoFileName, `{
		"_meta": {"schemaVersion": "2.4.0"},
		"project": {"name": "demo"},
		"tasks": [
			{"id": "T001", "title": "one", "status": "pending", "extra": {"x": 1}},
			{"id": "T002", "title": "two", "status": "done"}
		]
	}`)
	writeFile(t, dir, paths.ArchiveFileName, `{"archivedTasks": [{"id": "T000", "title": "old"}]}`)
	writeFile(t, dir, paths.SessionsName, `{"sessions": [{"id": "S1", "status": "ended"}]}`)

	ds, err := Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "2.4.0", ds.SchemaVersion)
	assert.Len(t, ds.Tasks, 2)
	assert.Len(t, ds.ArchivedTasks, 1)
	assert.Len(t, ds.Sessions, 1)
	assert.Equal(t, 4, ds.RecordCount())

	var first map[string]any
	require.NoError(t, json.Unmarshal(ds.Tasks[0], &first))
	assert.Equal(t, map[string]any{"x": float64(1)}, first["extra"], "unknown fields survive")
}

func TestLoadVersionFallbacks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, paths.TodoFileName, `{"version": "0.9.0", "tasks": []}`)
	ds, err := Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "0.9.0", ds.SchemaVersion)
	assert.Zero(t, ds.RecordCount())

	dir = t.TempDir()
	writeFile(t, dir, paths.TodoFileName, `{"tasks": [{"id": "a"}]}`)
	ds, err = Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultSchemaVersion, ds.SchemaVersion)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, types.ErrSourceMissing)
}

func TestLoadCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		reason  string
	}{
		{"truncated todo", paths.TodoFileName, `{"tasks": [{"id": "a"}`, "decode failed"},
		{"trailing data", paths.TodoFileName, `{"tasks": []} {}`, "trailing data"},
		{"tasks not array", paths.TodoFileName, `{"tasks": {"id": "a"}}`, "decode failed"},
		{"task not object", paths.TodoFileName, `{"tasks": [42]}`, "tasks[0] is not an object"},
		{"task without id", paths.TodoFileName, `{"tasks": [{"title": "x"}]}`, "tasks[0] has no string id"},
		{"numeric id", paths.TodoFileName, `{"tasks": [{"id": 7}]}`, "has no string id"},
		{"duplicate id", paths.TodoFileName, `{"tasks": [{"id": "a"}, {"id": "a"}]}`, "duplicates id"},
		{"corrupt archive", paths.ArchiveFileName, `{"archivedTasks": [`, "decode failed"},
		{"corrupt sessions", paths.SessionsName, `not json`, "decode failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.file != paths.TodoFileName {
				writeFile(t, dir, paths.TodoFileName, `{"tasks": [{"id": "a"}]}`)
			}
			writeFile(t, dir, tt.file, tt.content)

			_, err := Load(context.Background(), dir)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrSourceCorrupt)

			var ferr *types.FormatError
			require.True(t, errors.As(err, &ferr))
			assert.Equal(t, filepath.Join(dir, tt.file), ferr.Path)
			assert.Contains(t, ferr.Reason, tt.reason)
		})
	}
}

func TestDuplicateAcrossArchive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, paths.TodoFileName, `{"tasks": [{"id": "a"}]}`)
	writeFile(t, dir, paths.ArchiveFileName, `{"archivedTasks": [{"id": "a"}]}`)

	_, err := Load(context.Background(), dir)
	assert.ErrorIs(t, err, types.ErrSourceCorrupt)
}

func TestWriteRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".cleo")
	ds := &types.Dataset{
		SchemaVersion: "1.0.0",
		Tasks:         []json.RawMessage{json.RawMessage(`{"id":"T1"}`), json.RawMessage(`{"id":"T2"}`)},
		Sessions:      []json.RawMessage{json.RawMessage(`{"id":"S1"}`)},
	}
	require.NoError(t, Write(fsops.NewRealFS(), dir, ds))

	present, err := Present(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{paths.TodoFileName, paths.SessionsName}, present)

	got, err := Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RecordCount())
	assert.Equal(t, "1.0.0", got.SchemaVersion)
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, paths.TodoFileName, `{"tasks": []}`)

	a, err := Fingerprint(dir)
	require.NoError(t, err)
	b, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	writeFile(t, dir, paths.SessionsName, `{"sessions": []}`)
	c, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	writeFile(t, dir, paths.TodoFileName, `{"tasks": [{"id": "x"}]}`)
	d, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.NotEqual(t, c, d)
}

func TestLoadCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, paths.TodoFileName, `{"tasks": []}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := ReadSchemaVersion(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	writeFile(t, dir, paths.TodoFileName, `{"_meta": {"schemaVersion": "1.2.0"}, "tasks": []}`)
	v, ok, err := ReadSchemaVersion(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1.2.0", v)

	writeFile(t, dir, paths.TodoFileName, `{"tasks": []}`)
	_, ok, err = ReadSchemaVersion(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	writeFile(t, dir, paths.TodoFileName, `{`)
	_, _, err = ReadSchemaVersion(dir)
	assert.ErrorIs(t, err, types.ErrSourceCorrupt)
}
