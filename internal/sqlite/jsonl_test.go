// Tests for JSONL export.
package sqlite

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cleo/internal/integrity"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := filepath.Join(dir, "tasks.db")
	require.NoError(t, Materialize(ctx, store, sampleDataset(), "1.0.0"))

	reg := NewHandles(nil)
	defer reg.Close()
	h, err := reg.Acquire(ctx, store)
	require.NoError(t, err)

	out := filepath.Join(dir, "export")
	res, err := Export(ctx, h, out)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, res.SchemaVersion)
	assert.Equal(t, map[string]int{TasksJSONL: 2, ArchivedTasksJSONL: 1, SessionsJSONL: 1}, res.Files)

	lines := readLines(t, filepath.Join(out, TasksJSONL))
	require.Len(t, lines, 2)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "T002", rec["id"])

	for name := range res.Files {
		require.NoError(t, integrity.ValidateAs(ctx, filepath.Join(out, name), integrity.FormatJSONL))
	}
}

func TestWriteJSONLCompactsAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	require.NoError(t, writeJSONL(path, raw("{\n \"a\": 1\n}", `{"b":2}`)))
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, readLines(t, path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteJSONLRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.jsonl")
	require.Error(t, writeJSONL(path, raw(`{"a":`)))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
