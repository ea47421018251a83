// Package restore puts a verified backup back into the live position.
//
// Every restore first takes a safety backup of the current store files, then
// replaces each file by copy-then-rename and validates the result. A restore
// that does not validate is rolled back from the safety backup, so the store
// is never left worse off than before the attempt.
package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mesh-intelligence/cleo/internal/backup"
	"github.com/mesh-intelligence/cleo/internal/clock"
	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/internal/integrity"
	"github.com/mesh-intelligence/cleo/internal/lock"
	"github.com/mesh-intelligence/cleo/internal/metrics"
	"github.com/mesh-intelligence/cleo/internal/paths"
	"github.com/mesh-intelligence/cleo/internal/sqlite"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

const stagingSuffix = ".restore"

// Options controls one restore.
type Options struct {
	// SpecificFile restores only this file of the backup.
	SpecificFile string
	// Force restores even when the backup fails verification.
	Force bool
}

// Report is the structured outcome of a restore.
type Report struct {
	BackupID       string           `json:"backupId"`
	BackupType     types.BackupType `json:"backupType"`
	Verified       bool             `json:"verified"`
	Forced         bool             `json:"forced"`
	Mismatches     []string         `json:"mismatches,omitempty"`
	SafetyBackupID string           `json:"safetyBackupId,omitempty"`
	Tier1Copies    []string         `json:"tier1Copies,omitempty"`
	RestoredFiles  []string         `json:"restoredFiles"`
	RolledBack     bool             `json:"rolledBack"`
	Duration       time.Duration    `json:"duration"`
}

// Config sets the lock budget.
type Config struct {
	LockTimeout time.Duration
	LockRetries int
}

// Deps are the engine's collaborators. Backups is required.
type Deps struct {
	FS      fsops.FS
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Locks   *lock.Manager
	Backups *backup.Manager
	Handles *sqlite.Handles
}

// Engine restores backups of one project.
type Engine struct {
	layout  *paths.Layout
	cfg     Config
	fs      fsops.FS
	log     *slog.Logger
	metrics *metrics.Metrics
	locks   *lock.Manager
	backups *backup.Manager
	handles *sqlite.Handles
}

// New creates an Engine.
func New(layout *paths.Layout, cfg Config, deps Deps) *Engine {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if deps.FS == nil {
		deps.FS = fsops.NewRealFS()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = lock.New(lock.Config{Clock: deps.Clock, Logger: deps.Logger, Metrics: deps.Metrics})
	}
	if deps.Handles == nil {
		deps.Handles = sqlite.NewHandles(deps.Logger)
	}
	return &Engine{
		layout:  layout,
		cfg:     cfg,
		fs:      deps.FS,
		log:     deps.Logger,
		metrics: deps.Metrics,
		locks:   deps.Locks,
		backups: deps.Backups,
		handles: deps.Handles,
	}
}

// Restore restores the backup named by ref (an ID or a backup directory)
// while holding the store lock.
func (e *Engine) Restore(ctx context.Context, ref string, opts Options) (*Report, error) {
	start := time.Now()
	rep := &Report{Forced: opts.Force}

	err := e.locks.Do(ctx, e.layout.LiveStore(), e.cfg.LockTimeout, e.cfg.LockRetries, func(ctx context.Context) error {
		return e.restore(ctx, ref, opts, rep)
	})
	if errors.Is(err, types.ErrLockTimeout) {
		err = &types.OpError{
			Kind:        types.ErrLockTimeout,
			Op:          "restore",
			Artifact:    lock.LockPath(e.layout.LiveStore()),
			Remediation: "another cleo process holds the store; retry when it finishes",
			Err:         err,
		}
	}
	rep.Duration = time.Since(start)

	switch {
	case err != nil && rep.RolledBack:
		e.metrics.IncRestore("rolled_back")
	case err != nil:
		e.metrics.IncRestore("failed")
	case !rep.Verified:
		e.metrics.IncRestore("forced")
	default:
		e.metrics.IncRestore("restored")
	}
	if err != nil {
		e.log.Error("Restore failed", "backup", ref, "rolled_back", rep.RolledBack, "error", err)
		return rep, err
	}
	e.log.Info("Restore finished",
		"backup", rep.BackupID,
		"verified", rep.Verified,
		"files", rep.RestoredFiles,
		"safety_backup", rep.SafetyBackupID)
	return rep, nil
}

func (e *Engine) restore(ctx context.Context, ref string, opts Options, rep *Report) error {
	b, err := e.backups.Resolve(ref)
	if errors.Is(err, types.ErrBackupNotFound) {
		return &types.OpError{
			Kind:        types.ErrBackupNotFound,
			Op:          "restore",
			Artifact:    e.layout.BackupsRoot(),
			Remediation: "list backups with 'cleo backup list'",
			Err:         err,
		}
	}
	if errors.Is(err, types.ErrVerificationFailed) {
		return &types.OpError{
			Kind:        types.ErrVerificationFailed,
			Op:          "restore",
			Artifact:    ref,
			Remediation: "the backup metadata names files outside the store; choose another backup",
			Err:         err,
		}
	}
	if err != nil {
		return err
	}
	rep.BackupID = b.ID
	rep.BackupType = b.Type

	files := b.Files
	if opts.SpecificFile != "" {
		if !b.Contains(opts.SpecificFile) {
			return &types.OpError{
				Kind:     types.ErrFileNotInBackup,
				Op:       "restore",
				Artifact: b.Dir,
				Err:      fmt.Errorf("%s holds %s", b.ID, strings.Join(b.Files, ", ")),
			}
		}
		files = []string{opts.SpecificFile}
	}

	res, err := e.backups.Verify(ctx, b)
	if err != nil {
		return err
	}
	rep.Verified = res.OK
	rep.Mismatches = res.Mismatches()
	if !res.OK {
		cause := fmt.Errorf("mismatched files %v, format error: %v", rep.Mismatches, res.FormatErr)
		if !opts.Force {
			return &types.OpError{
				Kind:        types.ErrVerificationFailed,
				Op:          "restore verify",
				Artifact:    b.Dir,
				Remediation: "choose another backup, or rerun with --force to restore it anyway",
				Err:         cause,
			}
		}
		e.log.Warn("Restoring unverified backup", "backup", b.ID, "error", cause)
	}

	safety, err := e.safetyBackup(ctx, b)
	if err != nil {
		return err
	}
	if safety != nil {
		rep.SafetyBackupID = safety.ID
	}

	for _, f := range files {
		p, err := e.backups.Rotate(f)
		if err != nil {
			e.log.Warn("Tier-1 rotation failed", "file", f, "error", err)
			continue
		}
		if p != "" {
			rep.Tier1Copies = append(rep.Tier1Copies, p)
		}
	}

	// From here on the live files change; everything runs to completion.
	ctx = context.WithoutCancel(ctx)
	created, cerr := e.copyIn(b, files, rep)
	e.handles.Invalidate(e.layout.LiveStore())

	verr := cerr
	if verr == nil {
		verr = e.validate(ctx, files)
	}
	if verr == nil {
		return nil
	}
	return e.rollback(safety, created, verr, rep)
}

// safetyBackup snapshots the current store files, or returns nil when there
// is nothing to snapshot. The backup being restored is exempt from the
// retention pass the new safety backup triggers.
func (e *Engine) safetyBackup(ctx context.Context, from *types.Backup) (*types.Backup, error) {
	found := false
	for _, f := range e.layout.StoreFiles() {
		ok, err := e.fs.Exists(e.layout.DataFile(f))
		if err != nil {
			return nil, err
		}
		found = found || ok
	}
	if !found {
		return nil, nil
	}
	return e.backups.CreateRetaining(ctx, types.BackupSafety, "pre-restore "+from.ID, from.ID)
}

// copyIn stages each file next to its live path and renames it into place.
// It returns the files that did not exist before.
func (e *Engine) copyIn(b *types.Backup, files []string, rep *Report) ([]string, error) {
	var created []string
	for _, f := range files {
		dst := e.layout.DataFile(f)
		existed, err := e.fs.Exists(dst)
		if err != nil {
			return created, err
		}
		staged := dst + stagingSuffix
		if err := e.backups.Extract(b, f, staged); err != nil {
			_ = e.fs.Remove(staged)
			return created, fmt.Errorf("staging %s: %w", f, err)
		}
		if err := e.fs.Rename(staged, dst); err != nil {
			_ = e.fs.Remove(staged)
			return created, fmt.Errorf("installing %s: %w", f, err)
		}
		if !existed {
			created = append(created, f)
		}
		rep.RestoredFiles = append(rep.RestoredFiles, f)
	}
	return created, nil
}

func (e *Engine) validate(ctx context.Context, files []string) error {
	for _, f := range files {
		if err := integrity.ValidateStoreFormat(ctx, e.layout.DataFile(f)); err != nil {
			return err
		}
	}
	return nil
}

// rollback restores the safety backup after a failed restore and removes
// files the restore created.
func (e *Engine) rollback(safety *types.Backup, created []string, cause error, rep *Report) error {
	e.log.Warn("Restored store failed validation; rolling back", "error", cause)

	var errs []error
	artifact := e.layout.DataDir
	if safety != nil {
		artifact = safety.Dir
		for _, f := range safety.Files {
			if err := e.backups.Extract(safety, f, e.layout.DataFile(f)); err != nil {
				errs = append(errs, fmt.Errorf("rolling back %s: %w", f, err))
			}
		}
	}
	for _, f := range created {
		if safety != nil && safety.Contains(f) {
			continue
		}
		if err := e.fs.Remove(e.layout.DataFile(f)); err != nil {
			errs = append(errs, err)
		}
	}
	e.handles.Invalidate(e.layout.LiveStore())

	if len(errs) > 0 {
		remediation := "automatic rollback failed"
		if safety != nil {
			remediation = fmt.Sprintf("automatic rollback failed; restore the safety backup with 'cleo restore %s --force'", safety.ID)
		}
		return &types.OpError{
			Kind:        types.ErrRestoreValidationFailed,
			Op:          "restore rollback",
			Artifact:    artifact,
			Remediation: remediation,
			Err:         errors.Join(append([]error{cause}, errs...)...),
		}
	}
	rep.RolledBack = true
	rep.RestoredFiles = nil
	remediation := "the project was returned to its state before the restore"
	if safety != nil {
		remediation = fmt.Sprintf("the store was rolled back from safety backup %s", safety.ID)
	}
	return &types.OpError{
		Kind:        types.ErrRestoreValidationFailed,
		Op:          "restore validate",
		Artifact:    artifact,
		Remediation: remediation,
		Err:         cause,
	}
}
