package restore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cleo/internal/backup"
	"github.com/mesh-intelligence/cleo/internal/flatfile"
	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/internal/lock"
	"github.com/mesh-intelligence/cleo/internal/paths"
	"github.com/mesh-intelligence/cleo/internal/sqlite"
	"github.com/mesh-intelligence/cleo/internal/testutil"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

type fixture struct {
	layout  *paths.Layout
	backups *backup.Manager
	locks   *lock.Manager
	engine  *Engine
}

func newFixture(t *testing.T, l *paths.Layout, cfg backup.Config) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs := fsops.NewRealFS()
	f := &fixture{
		layout:  l,
		backups: backup.New(l, cfg, backup.Options{FS: fs, Logger: log}),
		locks:   lock.New(lock.Config{PollInterval: 5 * time.Millisecond, Logger: log}),
	}
	f.engine = New(l, Config{LockTimeout: 200 * time.Millisecond, LockRetries: -1}, Deps{
		FS:      fs,
		Logger:  log,
		Locks:   f.locks,
		Backups: f.backups,
	})
	return f
}

func requireKind(t *testing.T, err error, kind error) *types.OpError {
	t.Helper()
	require.ErrorIs(t, err, kind)
	var op *types.OpError
	require.True(t, errors.As(err, &op), "want *types.OpError, got %T", err)
	return op
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := testutil.StoreProject(t, testutil.Dataset(3, 1, 1))
	f := newFixture(t, l, backup.DefaultConfig())

	b, err := f.backups.Create(ctx, types.BackupSnapshot, "")
	require.NoError(t, err)
	original := testutil.Checksum(t, l.LiveStore())

	testutil.WriteStore(t, l, testutil.Dataset(7, 0, 0))
	modified := testutil.Checksum(t, l.LiveStore())
	require.NotEqual(t, original, modified)

	rep, err := f.engine.Restore(ctx, b.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, original, testutil.Checksum(t, l.LiveStore()))
	assert.True(t, rep.Verified)
	assert.False(t, rep.RolledBack)
	assert.Equal(t, b.ID, rep.BackupID)
	assert.Equal(t, []string{paths.StoreFileName}, rep.RestoredFiles)

	n, err := sqlite.CountRecords(ctx, l.LiveStore())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NotEmpty(t, rep.SafetyBackupID)
	safety, err := f.backups.Get(rep.SafetyBackupID)
	require.NoError(t, err)
	assert.Equal(t, types.BackupSafety, safety.Type)
	assert.Equal(t, modified, safety.Checksums[paths.StoreFileName])

	require.Len(t, rep.Tier1Copies, 1)
	assert.Equal(t, modified, testutil.Checksum(t, rep.Tier1Copies[0]))
	assert.False(t, testutil.Exists(t, l.LiveStore()+stagingSuffix))
}

func TestRestoreByPath(t *testing.T) {
	ctx := context.Background()
	l := testutil.StoreProject(t, testutil.Dataset(2, 0, 0))
	f := newFixture(t, l, backup.DefaultConfig())

	b, err := f.backups.Create(ctx, types.BackupArchive, "")
	require.NoError(t, err)
	original := testutil.Checksum(t, l.LiveStore())
	testutil.WriteStore(t, l, testutil.Dataset(4, 0, 0))

	rep, err := f.engine.Restore(ctx, b.Dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, b.ID, rep.BackupID)
	assert.Equal(t, types.BackupArchive, rep.BackupType)
	assert.Equal(t, original, testutil.Checksum(t, l.LiveStore()))
}

func TestRestoreCompressedBackup(t *testing.T) {
	ctx := context.Background()
	l := testutil.StoreProject(t, testutil.Dataset(3, 0, 0))
	cfg := backup.DefaultConfig()
	cfg.Compress = true
	f := newFixture(t, l, cfg)

	b, err := f.backups.Create(ctx, types.BackupSnapshot, "")
	require.NoError(t, err)
	require.True(t, b.Compressed)
	original := testutil.Checksum(t, l.LiveStore())
	testutil.WriteStore(t, l, testutil.Dataset(1, 0, 0))

	rep, err := f.engine.Restore(ctx, b.ID, Options{})
	require.NoError(t, err)
	assert.True(t, rep.Verified)
	assert.Equal(t, original, testutil.Checksum(t, l.LiveStore()))
}

func TestRestoreTamperedBackupRefused(t *testing.T) {
	ctx := context.Background()
	l := testutil.StoreProject(t, testutil.Dataset(3, 0, 0))
	f := newFixture(t, l, backup.DefaultConfig())

	b, err := f.backups.Create(ctx, types.BackupSnapshot, "")
	require.NoError(t, err)
	stored := filepath.Join(b.Dir, paths.StoreFileName)
	fh, err := os.OpenFile(stored, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = fh.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	testutil.WriteStore(t, l, testutil.Dataset(5, 0, 0))
	live := testutil.Checksum(t, l.LiveStore())

	rep, err := f.engine.Restore(ctx, b.ID, Options{})
	op := requireKind(t, err, types.ErrVerificationFailed)
	assert.Equal(t, b.Dir, op.Artifact)
	assert.False(t, rep.Verified)
	assert.Equal(t, []string{paths.StoreFileName}, rep.Mismatches)
	assert.Empty(t, rep.SafetyBackupID)

	assert.Equal(t, live, testutil.Checksum(t, l.LiveStore()))
	safeties, err := f.backups.List(types.BackupSafety)
	require.NoError(t, err)
	assert.Empty(t, safeties)
}

// editMetadata rewrites the metadata.json of b through edit.
func editMetadata(t *testing.T, b *types.Backup, edit func(meta map[string]any)) {
	t.Helper()
	path := filepath.Join(b.Dir, paths.MetadataName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(data, &meta))
	edit(meta)
	data, err = json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// corruptManifest rewrites the recorded digest of the store file so the
// payload is intact but verification fails.
func corruptManifest(t *testing.T, b *types.Backup) {
	t.Helper()
	editMetadata(t, b, func(meta map[string]any) {
		meta["checksums"].(map[string]any)[paths.StoreFileName] = strings.Repeat("0", 64)
	})
}

func TestRestoreForcedUnverified(t *testing.T) {
	ctx := context.Background()
	l := testutil.StoreProject(t, testutil.Dataset(3, 0, 0))
	f := newFixture(t, l, backup.DefaultConfig())

	b, err := f.backups.Create(ctx, types.BackupSnapshot, "")
	require.NoError(t, err)
	original := testutil.Checksum(t, l.LiveStore())
	corruptManifest(t, b)
	testutil.WriteStore(t, l, testutil.Dataset(5, 0, 0))

	_, err = f.engine.Restore(ctx, b.ID, Options{})
	requireKind(t, err, types.ErrVerificationFailed)

	rep, err := f.engine.Restore(ctx, b.ID, Options{Force: true})
	require.NoError(t, err)
	assert.False(t, rep.Verified)
	assert.True(t, rep.Forced)
	assert.NotEmpty(t, rep.SafetyBackupID)
	assert.Equal(t, original, testutil.Checksum(t, l.LiveStore()))
}

func TestRestoreValidationFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	l := testutil.NewProject(t)
	require.NoError(t, os.MkdirAll(l.DataDir, 0o755))
	require.NoError(t, os.WriteFile(l.LiveStore(), []byte("this is not a database"), 0o644))
	f := newFixture(t, l, backup.DefaultConfig())

	bad, err := f.backups.Create(ctx, types.BackupSnapshot, "corrupt")
	require.NoError(t, err)

	testutil.WriteStore(t, l, testutil.Dataset(4, 0, 0))
	good := testutil.Checksum(t, l.LiveStore())

	rep, err := f.engine.Restore(ctx, bad.ID, Options{Force: true})
	op := requireKind(t, err, types.ErrRestoreValidationFailed)
	require.NotNil(t, rep)
	assert.True(t, rep.RolledBack)
	assert.Empty(t, rep.RestoredFiles)
	require.NotEmpty(t, rep.SafetyBackupID)
	assert.Equal(t, l.BackupDir(types.BackupSafety, rep.SafetyBackupID), op.Artifact)
	assert.Contains(t, op.Remediation, rep.SafetyBackupID)

	assert.Equal(t, good, testutil.Checksum(t, l.LiveStore()))
	n, err := sqlite.CountRecords(ctx, l.LiveStore())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRestoreSpecificFile(t *testing.T) {
	ctx := context.Background()
	ds := testutil.Dataset(2, 1, 0)
	l := testutil.LegacyProject(t, ds)
	testutil.WriteStore(t, l, ds)
	f := newFixture(t, l, backup.DefaultConfig())

	b, err := f.backups.Create(ctx, types.BackupSnapshot, "")
	require.NoError(t, err)
	require.True(t, b.Contains(paths.TodoFileName))
	todo := l.DataFile(paths.TodoFileName)
	originalTodo := testutil.Checksum(t, todo)

	require.NoError(t, flatfile.Write(fsops.NewRealFS(), l.DataDir, testutil.Dataset(6, 0, 0)))
	testutil.WriteStore(t, l, testutil.Dataset(6, 0, 0))
	liveStore := testutil.Checksum(t, l.LiveStore())

	rep, err := f.engine.Restore(ctx, b.ID, Options{SpecificFile: paths.TodoFileName})
	require.NoError(t, err)
	assert.Equal(t, []string{paths.TodoFileName}, rep.RestoredFiles)
	assert.Equal(t, originalTodo, testutil.Checksum(t, todo))
	assert.Equal(t, liveStore, testutil.Checksum(t, l.LiveStore()), "store untouched")
}

func TestRestoreFileNotInBackup(t *testing.T) {
	ctx := context.Background()
	l := testutil.StoreProject(t, testutil.Dataset(2, 0, 0))
	f := newFixture(t, l, backup.DefaultConfig())

	b, err := f.backups.Create(ctx, types.BackupSnapshot, "")
	require.NoError(t, err)

	_, err = f.engine.Restore(ctx, b.ID, Options{SpecificFile: paths.SessionsName})
	requireKind(t, err, types.ErrFileNotInBackup)
}

func TestRestoreIntoEmptyProject(t *testing.T) {
	ctx := context.Background()
	l := testutil.StoreProject(t, testutil.Dataset(3, 0, 0))
	f := newFixture(t, l, backup.DefaultConfig())

	b, err := f.backups.Create(ctx, types.BackupSnapshot, "")
	require.NoError(t, err)
	original := testutil.Checksum(t, l.LiveStore())
	require.NoError(t, os.Remove(l.LiveStore()))

	rep, err := f.engine.Restore(ctx, b.ID, Options{})
	require.NoError(t, err)
	assert.Empty(t, rep.SafetyBackupID)
	assert.Empty(t, rep.Tier1Copies)
	assert.Equal(t, original, testutil.Checksum(t, l.LiveStore()))
}

func TestRestoreBackupNotFound(t *testing.T) {
	l := testutil.StoreProject(t, testutil.Dataset(1, 0, 0))
	f := newFixture(t, l, backup.DefaultConfig())

	_, err := f.engine.Restore(context.Background(), "snapshot-20200101T000000Z-deadbeef", Options{})
	requireKind(t, err, types.ErrBackupNotFound)
}

func TestRestoreLockConflict(t *testing.T) {
	ctx := context.Background()
	l := testutil.StoreProject(t, testutil.Dataset(2, 0, 0))
	f := newFixture(t, l, backup.DefaultConfig())

	b, err := f.backups.Create(ctx, types.BackupSnapshot, "")
	require.NoError(t, err)

	h, err := f.locks.Acquire(ctx, l.LiveStore(), time.Second, 0)
	require.NoError(t, err)
	defer h.Release()

	_, err = f.engine.Restore(ctx, b.ID, Options{})
	op := requireKind(t, err, types.ErrLockTimeout)
	assert.Equal(t, lock.LockPath(l.LiveStore()), op.Artifact)
}

func TestRestoreOldestSafetyBackupAtRetention(t *testing.T) {
	ctx := context.Background()
	l := testutil.StoreProject(t, testutil.Dataset(3, 0, 0))
	cfg := backup.DefaultConfig()
	cfg.Retention[types.BackupSafety] = 2
	f := newFixture(t, l, cfg)

	oldest, err := f.backups.Create(ctx, types.BackupSafety, "")
	require.NoError(t, err)
	original := testutil.Checksum(t, l.LiveStore())
	testutil.WriteStore(t, l, testutil.Dataset(5, 0, 0))
	_, err = f.backups.Create(ctx, types.BackupSafety, "")
	require.NoError(t, err)
	testutil.WriteStore(t, l, testutil.Dataset(7, 0, 0))

	rep, err := f.engine.Restore(ctx, oldest.ID, Options{})
	require.NoError(t, err)
	assert.False(t, rep.RolledBack)
	assert.Equal(t, original, testutil.Checksum(t, l.LiveStore()))

	_, err = f.backups.Get(oldest.ID)
	require.NoError(t, err, "the restored backup must survive the safety backup's pruning")
	_, err = f.backups.Get(rep.SafetyBackupID)
	require.NoError(t, err)
}

func TestRestoreRefusesFilesOutsideStore(t *testing.T) {
	ctx := context.Background()
	l := testutil.StoreProject(t, testutil.Dataset(2, 0, 0))
	f := newFixture(t, l, backup.DefaultConfig())

	b, err := f.backups.Create(ctx, types.BackupSnapshot, "")
	require.NoError(t, err)
	digest := b.Checksums[paths.StoreFileName]
	require.NoError(t, os.WriteFile(filepath.Join(b.Dir, "..", "outside.json"), []byte("{}"), 0o644))
	editMetadata(t, b, func(meta map[string]any) {
		meta["files"] = []string{"../outside.json"}
		meta["checksums"] = map[string]string{"../outside.json": digest}
	})
	live := testutil.Checksum(t, l.LiveStore())

	_, err = f.engine.Restore(ctx, b.Dir, Options{Force: true})
	requireKind(t, err, types.ErrVerificationFailed)

	assert.False(t, testutil.Exists(t, filepath.Join(l.DataDir, "..", "outside.json")))
	assert.Equal(t, live, testutil.Checksum(t, l.LiveStore()))
	safeties, err := f.backups.List(types.BackupSafety)
	require.NoError(t, err)
	assert.Empty(t, safeties)
}
