// Package testutil builds project fixtures for package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cleo/internal/flatfile"
	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/internal/integrity"
	"github.com/mesh-intelligence/cleo/internal/paths"
	"github.com/mesh-intelligence/cleo/internal/sqlite"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// LegacyVersion is the schema version of fixture flat-file projects.
const LegacyVersion = "1.0.0"

// Dataset returns a dataset of n active tasks, plus archived tasks and
// sessions as requested.
func Dataset(n, archived, sessions int) *types.Dataset {
	ds := &types.Dataset{SchemaVersion: LegacyVersion}
	for i := 1; i <= n; i++ {
		ds.Tasks = append(ds.Tasks, record(map[string]any{
			"id":        fmt.Sprintf("T%03d", i),
			"title":     fmt.Sprintf("task %d", i),
			"status":    "pending",
			"priority":  "medium",
			"createdAt": "2026-01-01T00:00:00Z",
		}))
	}
	for i := 1; i <= archived; i++ {
		ds.ArchivedTasks = append(ds.ArchivedTasks, record(map[string]any{
			"id":     fmt.Sprintf("A%03d", i),
			"title":  fmt.Sprintf("archived %d", i),
			"status": "done",
		}))
	}
	for i := 1; i <= sessions; i++ {
		ds.Sessions = append(ds.Sessions, record(map[string]any{
			"id":     fmt.Sprintf("S%03d", i),
			"status": "ended",
		}))
	}
	return ds
}

func record(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// NewProject returns the layout of an empty project in a temp dir.
func NewProject(t *testing.T) *paths.Layout {
	t.Helper()
	return paths.New(t.TempDir())
}

// LegacyProject writes ds as flat files into a new project.
func LegacyProject(t *testing.T, ds *types.Dataset) *paths.Layout {
	t.Helper()
	l := NewProject(t)
	require.NoError(t, flatfile.Write(fsops.NewRealFS(), l.DataDir, ds))
	return l
}

// StoreProject materializes ds as the live SQLite store of a new project.
func StoreProject(t *testing.T, ds *types.Dataset) *paths.Layout {
	t.Helper()
	l := NewProject(t)
	WriteStore(t, l, ds)
	return l
}

// WriteStore materializes ds at the live store path of l.
func WriteStore(t *testing.T, l *paths.Layout, ds *types.Dataset) {
	t.Helper()
	require.NoError(t, fsops.NewRealFS().MkdirAll(l.DataDir, 0o755))
	require.NoError(t, sqlite.Materialize(context.Background(), l.LiveStore(), ds, ds.SchemaVersion))
}

// Checksum returns the digest of path, failing the test on error.
func Checksum(t *testing.T, path string) string {
	t.Helper()
	sum, err := integrity.Checksum(path)
	require.NoError(t, err)
	return sum
}

// Exists reports whether path exists.
func Exists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := fsops.NewRealFS().Exists(path)
	require.NoError(t, err)
	return ok
}

// Files lists the names in dir, failing the test on error.
func Files(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := fsops.NewRealFS().ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, filepath.Base(e.Name()))
	}
	return names
}
