package types

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpError_MatchesKindAndCause(t *testing.T) {
	err := &OpError{
		Kind:     ErrSwapFailed,
		Op:       "migrate",
		Artifact: "/p/.cleo/tasks.db.backup",
		Err:      fs.ErrPermission,
	}

	assert.ErrorIs(t, err, ErrSwapFailed)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.NotErrorIs(t, err, ErrLockTimeout)
	assert.Contains(t, err.Error(), "/p/.cleo/tasks.db.backup")
}

func TestOpError_WithoutCause(t *testing.T) {
	err := &OpError{Kind: ErrVerificationFailed, Op: "restore"}
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, "restore: verification failed", err.Error())
}

func TestLockError_IsLockTimeout(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := &LockError{
		Resource: "tasks.db",
		LockFile: "tasks.db.lock",
		Holder:   &LockRecord{HolderID: "h1", PID: 42, AcquiredAt: now, ExpiresAt: now.Add(time.Minute)},
		Attempts: 3,
	}
	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.Contains(t, err.Error(), "pid 42")
}

func TestParseBackupType(t *testing.T) {
	got, err := ParseBackupType("archive")
	assert.NoError(t, err)
	assert.Equal(t, BackupArchive, got)

	_, err = ParseBackupType("weekly")
	assert.ErrorIs(t, err, ErrInvalidBackupType)

	assert.False(t, BackupMigration.Prunable())
	assert.True(t, BackupSnapshot.Prunable())
}
