package integrity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// makeSQLite creates a small multi-page SQLite database at path.
func makeSQLite(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE tasks (id TEXT PRIMARY KEY, body TEXT NOT NULL)`)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		_, err := db.Exec(`INSERT INTO tasks (id, body) VALUES (?, ?)`, fmt.Sprintf("T%03d", i), strings.Repeat("x", 200))
		require.NoError(t, err)
	}
}

func TestChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	sum, err := Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	_, err = Checksum(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestVerifyManifest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("beta"), 0o644))

	manifest, err := BuildManifest(ctx, dir, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, manifest, 2)

	t.Run("all match", func(t *testing.T) {
		results, err := VerifyManifest(ctx, manifest, dir)
		require.NoError(t, err)
		assert.True(t, AllOK(results))
		assert.Equal(t, "a", results[0].Filename)
		assert.Equal(t, "b", results[1].Filename)
	})

	t.Run("modified file is a mismatch", func(t *testing.T) {
		tampered := types.ChecksumManifest{"a": manifest["a"], "b": strings.Repeat("0", 64)}
		results, err := VerifyManifest(ctx, tampered, dir)
		require.NoError(t, err)
		assert.False(t, AllOK(results))
		assert.Equal(t, []string{"b"}, Mismatches(results))
		assert.Equal(t, manifest["b"], results[1].Actual)
	})

	t.Run("missing file fails closed", func(t *testing.T) {
		withMissing := types.ChecksumManifest{"a": manifest["a"], "gone": manifest["b"]}
		results, err := VerifyManifest(ctx, withMissing, dir)
		require.NoError(t, err)
		assert.False(t, AllOK(results))
		assert.Equal(t, []string{"gone"}, Mismatches(results))
		assert.Error(t, results[1].Err)
	})

	t.Run("empty manifest is not ok", func(t *testing.T) {
		results, err := VerifyManifest(ctx, types.ChecksumManifest{}, dir)
		require.NoError(t, err)
		assert.False(t, AllOK(results))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := VerifyManifest(cctx, manifest, dir)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestValidateStoreFormat_SQLite(t *testing.T) {
	ctx := context.Background()

	t.Run("absent file", func(t *testing.T) {
		err := ValidateStoreFormat(ctx, filepath.Join(t.TempDir(), "tasks.db"))
		assert.ErrorIs(t, err, types.ErrStoreAbsent)
		var fe *types.FormatError
		assert.False(t, errors.As(err, &fe))
	})

	t.Run("well-formed database", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tasks.db")
		makeSQLite(t, path)
		assert.NoError(t, ValidateStoreFormat(ctx, path))
	})

	t.Run("truncated database", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tasks.db")
		makeSQLite(t, path)
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, info.Size()/2+7))

		err = ValidateStoreFormat(ctx, path)
		var fe *types.FormatError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, FormatSQLite, fe.Format)
		assert.NotErrorIs(t, err, types.ErrStoreAbsent)
	})

	t.Run("page-aligned truncation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tasks.db")
		makeSQLite(t, path)
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, info.Size()-4096))

		var fe *types.FormatError
		assert.ErrorAs(t, ValidateStoreFormat(ctx, path), &fe)
	})

	t.Run("not a database", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tasks.db")
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("garbage!", 64)), 0o644))
		var fe *types.FormatError
		require.ErrorAs(t, ValidateStoreFormat(ctx, path), &fe)
		assert.Equal(t, "bad header magic", fe.Reason)
	})

	t.Run("tiny file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tasks.db")
		require.NoError(t, os.WriteFile(path, []byte("SQLite"), 0o644))
		var fe *types.FormatError
		assert.ErrorAs(t, ValidateStoreFormat(ctx, path), &fe)
	})
}

func TestValidateStoreFormat_JSON(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "object", content: `{"tasks":[{"id":"T001"}]}`},
		{name: "object with trailing newline", content: "{\"tasks\":[]}\n"},
		{name: "truncated", content: `{"tasks":[{"id":"T0`, wantErr: true},
		{name: "empty", content: "", wantErr: true},
		{name: "trailing data", content: `{"a":1}{"b":2}`, wantErr: true},
		{name: "array top level", content: `[1,2]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "todo.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			err := ValidateStoreFormat(ctx, path)
			if tt.wantErr {
				var fe *types.FormatError
				assert.ErrorAs(t, err, &fe)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateStoreFormat_JSONL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	good := filepath.Join(dir, "tasks.jsonl")
	require.NoError(t, os.WriteFile(good, []byte("{\"id\":\"a\"}\n\n{\"id\":\"b\"}\n"), 0o644))
	assert.NoError(t, ValidateStoreFormat(ctx, good))

	bad := filepath.Join(dir, "sessions.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("{\"id\":\"a\"}\n{\"id\":\n"), 0o644))
	var fe *types.FormatError
	require.ErrorAs(t, ValidateStoreFormat(ctx, bad), &fe)
	assert.Contains(t, fe.Reason, "line 2")
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatSQLite, FormatOf("/x/tasks.db"))
	assert.Equal(t, FormatJSON, FormatOf("todo.json"))
	assert.Equal(t, FormatJSONL, FormatOf("tasks.jsonl"))
	assert.Equal(t, "", FormatOf("README"))
}
