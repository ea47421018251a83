// Package migrate converts a project's legacy flat-file dataset into the
// SQLite live store.
//
// A run moves through pending, validating, writing, verifying, swapping and
// committed, persisting each transition so an interrupted run resumes where
// it stopped. The live store is only ever replaced by rename, and every
// failure before the swap leaves it byte-identical.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mesh-intelligence/cleo/internal/backup"
	"github.com/mesh-intelligence/cleo/internal/clock"
	"github.com/mesh-intelligence/cleo/internal/flatfile"
	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/internal/integrity"
	"github.com/mesh-intelligence/cleo/internal/lock"
	"github.com/mesh-intelligence/cleo/internal/metrics"
	"github.com/mesh-intelligence/cleo/internal/paths"
	"github.com/mesh-intelligence/cleo/internal/sqlite"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// Default lock budget.
const (
	DefaultLockTimeout = 30 * time.Second
	DefaultLockRetries = -1
)

// Options controls one run.
type Options struct {
	// Force discards an interrupted or rolled back state and migrates even
	// when the target already matches the source.
	Force bool
}

// Config sets the lock budget.
type Config struct {
	LockTimeout time.Duration
	LockRetries int
}

// Deps are the engine's collaborators. Zero fields get defaults bound to
// the project layout.
type Deps struct {
	FS      fsops.FS
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Locks   *lock.Manager
	Backups backup.Creator
	Handles *sqlite.Handles
}

// Materializer writes ds as a new store at path.
type Materializer func(ctx context.Context, path string, ds *types.Dataset, sourceVersion string) error

// Engine runs migrations for one project.
type Engine struct {
	layout  *paths.Layout
	cfg     Config
	fs      fsops.FS
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	locks   *lock.Manager
	backups backup.Creator
	handles *sqlite.Handles
	state   *StateTracker

	materialize Materializer
}

// New creates an Engine.
func New(layout *paths.Layout, cfg Config, deps Deps) *Engine {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
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
	if deps.Backups == nil {
		deps.Backups = backup.New(layout, backup.DefaultConfig(), backup.Options{
			FS: deps.FS, Clock: deps.Clock, Logger: deps.Logger, Metrics: deps.Metrics,
		})
	}
	if deps.Handles == nil {
		deps.Handles = sqlite.NewHandles(deps.Logger)
	}
	return &Engine{
		layout:      layout,
		cfg:         cfg,
		fs:          deps.FS,
		clock:       deps.Clock,
		log:         deps.Logger,
		metrics:     deps.Metrics,
		locks:       deps.Locks,
		backups:     deps.Backups,
		handles:     deps.Handles,
		state:       NewStateTracker(layout.StateFile(), deps.FS, deps.Clock),
		materialize: sqlite.Materialize,
	}
}

// State returns the persisted migration state, or nil.
func (e *Engine) State() (*types.MigrationState, error) {
	return e.state.Load()
}

// Run migrates the project's flat files into the live store, holding the
// store lock for the whole run.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	rep := &Report{
		TargetVersion: sqlite.SchemaVersion,
		StorePath:     e.layout.LiveStore(),
	}

	err := e.locks.Do(ctx, e.layout.LiveStore(), e.cfg.LockTimeout, e.cfg.LockRetries, func(ctx context.Context) error {
		return e.run(ctx, opts, rep)
	})
	if errors.Is(err, types.ErrLockTimeout) {
		err = &types.OpError{
			Kind:        types.ErrLockTimeout,
			Op:          "migrate",
			Artifact:    lock.LockPath(e.layout.LiveStore()),
			Remediation: "another cleo process holds the store; retry when it finishes",
			Err:         err,
		}
	}

	rep.Duration = time.Since(start)
	e.metrics.ObserveMigration(rep.outcome(err), rep.Duration)
	if err != nil {
		e.log.Error("Migration failed", "error", err, "phases", rep.Phases)
		return rep, err
	}
	e.log.Info("Migration finished",
		"skipped", rep.Skipped,
		"resumed", rep.Resumed,
		"source_records", rep.SourceRecords,
		"target_records", rep.TargetRecords,
		"duration", rep.Duration)
	return rep, nil
}

func (e *Engine) run(ctx context.Context, opts Options, rep *Report) error {
	st, err := e.state.Load()
	if err != nil && !opts.Force {
		return &types.OpError{
			Kind:        types.ErrAlreadyInProgress,
			Op:          "migrate",
			Artifact:    e.state.Path(),
			Remediation: "inspect the state file, then rerun with --force",
			Err:         err,
		}
	}

	if opts.Force {
		if err := e.recoverInterruptedSwap(); err != nil {
			return err
		}
		if st != nil || err != nil {
			e.log.Warn("Discarding migration state", "path", e.state.Path())
			if err := e.state.Discard(); err != nil {
				return err
			}
		}
		st = nil
	}

	if st != nil {
		switch st.Phase {
		case types.PhaseRolledBack:
			return &types.OpError{
				Kind:        types.ErrAlreadyInProgress,
				Op:          "migrate",
				Artifact:    e.state.Path(),
				Remediation: "a previous migration was rolled back (" + st.LastError + "); resolve it, then rerun with --force",
			}
		case types.PhaseCommitted:
			// Crashed between commit and state removal; the store is done.
			if err := e.state.Discard(); err != nil {
				return err
			}
			st = nil
		default:
			return e.resume(ctx, st, rep)
		}
	}

	return e.fresh(ctx, opts, rep)
}

// fresh starts a new migration from pending.
func (e *Engine) fresh(ctx context.Context, opts Options, rep *Report) error {
	live := e.layout.LiveStore()
	liveExists, err := e.fs.Exists(live)
	if err != nil {
		return err
	}
	present, err := flatfile.Present(e.layout.DataDir)
	if err != nil {
		return err
	}
	if len(present) == 0 || present[0] != paths.TodoFileName {
		if liveExists {
			rep.Skipped = true
			rep.SkipReason = "no legacy source files; store already in place"
			return nil
		}
		return &types.OpError{
			Kind:        types.ErrSourceMissing,
			Op:          "migrate",
			Artifact:    e.layout.DataFile(paths.TodoFileName),
			Remediation: "nothing to migrate; run 'cleo init' to create a project",
		}
	}

	srcVersion, _, _ := flatfile.ReadSchemaVersion(e.layout.DataDir)
	st, err := e.state.Begin(srcVersion, sqlite.SchemaVersion)
	if err != nil {
		return err
	}
	rep.Phases = append(rep.Phases, types.PhasePending)
	e.log.Info("Migration started", "source_version", srcVersion, "target_version", sqlite.SchemaVersion)

	// VALIDATING: parse everything before anything destructive.
	if err := e.advance(st, types.PhaseValidating, rep); err != nil {
		return err
	}
	ds, err := flatfile.Load(ctx, e.layout.DataDir)
	if err != nil {
		kind := types.ErrSourceCorrupt
		if errors.Is(err, types.ErrSourceMissing) {
			kind = types.ErrSourceMissing
		}
		return e.fail(st, rep, &types.OpError{
			Kind:        kind,
			Op:          "migrate validate",
			Artifact:    artifactOf(err, e.layout.DataFile(paths.TodoFileName)),
			Remediation: "fix or restore the source file; the live store was not touched",
			Err:         err,
		})
	}
	fp, err := flatfile.Fingerprint(e.layout.DataDir)
	if err != nil {
		return e.fail(st, rep, &types.OpError{Kind: types.ErrSourceCorrupt, Op: "migrate validate", Artifact: e.layout.DataDir, Err: err})
	}
	st.SourceVersion = ds.SchemaVersion
	st.SourceChecksum = fp
	st.SourceRecords = ds.RecordCount()
	if err := e.state.Save(st); err != nil {
		return err
	}
	rep.SourceVersion = st.SourceVersion
	rep.SourceRecords = st.SourceRecords

	if liveExists && !opts.Force {
		n, err := sqlite.CountRecords(ctx, live)
		switch {
		case err != nil:
			e.log.Warn("Existing store unreadable; it will be replaced", "path", live, "error", err)
		case n == st.SourceRecords:
			rep.Skipped = true
			rep.SkipReason = "target record count matches source"
			rep.TargetRecords = n
			rep.Phases = append(rep.Phases, types.PhaseCommitted)
			return e.state.Discard()
		default:
			e.log.Info("Existing store differs from source", "store_records", n, "source_records", st.SourceRecords)
		}
	}

	return e.write(ctx, st, ds, rep)
}

// resume continues an interrupted migration from its persisted phase.
func (e *Engine) resume(ctx context.Context, st *types.MigrationState, rep *Report) error {
	rep.Resumed = true
	rep.ResumedFrom = st.Phase
	rep.SourceVersion = st.SourceVersion
	rep.SourceRecords = st.SourceRecords
	rep.BackupID = st.BackupID
	e.log.Info("Resuming migration", "phase", st.Phase, "started_at", st.StartedAt)

	switch st.Phase {
	case types.PhasePending, types.PhaseValidating:
		// Nothing destructive happened; start over.
		if err := e.state.Discard(); err != nil {
			return err
		}
		return e.fresh(ctx, Options{}, rep)

	case types.PhaseWriting:
		rep.Phases = append(rep.Phases, types.PhaseWriting)
		fp, err := flatfile.Fingerprint(e.layout.DataDir)
		if err != nil || fp != st.SourceChecksum {
			e.log.Warn("Source changed since validation; restarting migration")
			if err := e.state.Discard(); err != nil {
				return err
			}
			rep.Phases = nil
			return e.fresh(ctx, Options{}, rep)
		}
		ds, err := flatfile.Load(ctx, e.layout.DataDir)
		if err != nil {
			return e.fail(st, rep, &types.OpError{Kind: types.ErrSourceCorrupt, Op: "migrate resume", Artifact: e.layout.DataDir, Err: err})
		}
		return e.materializeAndVerify(ctx, st, ds, rep)

	case types.PhaseVerifying:
		rep.Phases = append(rep.Phases, types.PhaseVerifying)
		return e.verify(ctx, st, rep)

	case types.PhaseSwapping:
		rep.Phases = append(rep.Phases, types.PhaseSwapping)
		return e.resumeSwap(ctx, st, rep)
	}
	return fmt.Errorf("resume from %s: %w", st.Phase, types.ErrInvalidTransition)
}

// write enters WRITING and continues through the rest of the run.
func (e *Engine) write(ctx context.Context, st *types.MigrationState, ds *types.Dataset, rep *Report) error {
	if err := e.advance(st, types.PhaseWriting, rep); err != nil {
		return err
	}
	return e.materializeAndVerify(ctx, st, ds, rep)
}

func (e *Engine) materializeAndVerify(ctx context.Context, st *types.MigrationState, ds *types.Dataset, rep *Report) error {
	if err := ctx.Err(); err != nil {
		return e.interrupted(st, err)
	}
	tmp := e.layout.TempStore()
	if err := e.materialize(ctx, tmp, ds, st.SourceVersion); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = e.fs.Remove(tmp)
			return e.interrupted(st, ctxErr)
		}
		_ = e.fs.Remove(tmp)
		return e.fail(st, rep, &types.OpError{
			Kind:        types.ErrVerificationFailed,
			Op:          "migrate write",
			Artifact:    e.layout.LiveStore(),
			Remediation: "the live store was not touched",
			Err:         err,
		})
	}
	if err := ctx.Err(); err != nil {
		return e.interrupted(st, err)
	}
	if err := e.advance(st, types.PhaseVerifying, rep); err != nil {
		return err
	}
	return e.verify(ctx, st, rep)
}

// verify checks the temp store and moves on to the swap.
func (e *Engine) verify(ctx context.Context, st *types.MigrationState, rep *Report) error {
	tmp := e.layout.TempStore()
	if err := ctx.Err(); err != nil {
		return e.interrupted(st, err)
	}
	verr := integrity.ValidateAs(ctx, tmp, integrity.FormatSQLite)
	if verr == nil {
		if err := ctx.Err(); err != nil {
			return e.interrupted(st, err)
		}
		var n int
		n, verr = sqlite.CountRecords(ctx, tmp)
		if verr == nil && n != st.SourceRecords {
			verr = fmt.Errorf("record count mismatch: source %d, written %d", st.SourceRecords, n)
		}
		rep.TargetRecords = n
	}
	if verr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return e.interrupted(st, ctxErr)
		}
		if rerr := e.fs.Remove(tmp); rerr != nil {
			e.log.Warn("Failed to remove temp store", "path", tmp, "error", rerr)
		}
		return e.fail(st, rep, &types.OpError{
			Kind:        types.ErrVerificationFailed,
			Op:          "migrate verify",
			Artifact:    e.layout.LiveStore(),
			Remediation: "the live store was not touched; the written store was discarded",
			Err:         verr,
		})
	}

	if err := e.preSwapBackup(ctx, st, rep); err != nil {
		_ = e.fs.Remove(tmp)
		return e.fail(st, rep, err)
	}
	return e.swap(context.WithoutCancel(ctx), st, rep)
}

// preSwapBackup takes a migration backup of the current store files once
// per migration.
func (e *Engine) preSwapBackup(ctx context.Context, st *types.MigrationState, rep *Report) error {
	if st.BackupID != "" {
		rep.BackupID = st.BackupID
		return nil
	}
	b, err := e.backups.Create(ctx, types.BackupMigration,
		fmt.Sprintf("pre-migration %s to %s", st.SourceVersion, st.TargetVersion))
	if err != nil {
		return err
	}
	st.BackupID = b.ID
	rep.BackupID = b.ID
	return e.state.Save(st)
}

// advance persists a phase transition and records it in the report.
func (e *Engine) advance(st *types.MigrationState, next types.Phase, rep *Report) error {
	if err := e.state.Advance(st, next); err != nil {
		return err
	}
	rep.Phases = append(rep.Phases, next)
	e.metrics.IncPhase(string(next))
	e.log.Debug("Migration phase", "phase", next)
	return nil
}

// fail aborts the state with cause and returns cause.
func (e *Engine) fail(st *types.MigrationState, rep *Report, cause error) error {
	if err := e.state.Abort(st, cause); err != nil {
		e.log.Error("Failed to record migration abort", "path", e.state.Path(), "error", err)
		return errors.Join(cause, err)
	}
	rep.Phases = append(rep.Phases, types.PhaseRolledBack)
	e.metrics.IncPhase(string(types.PhaseRolledBack))
	return cause
}

// interrupted leaves the state at its last completed phase for a later
// resume.
func (e *Engine) interrupted(st *types.MigrationState, cause error) error {
	e.log.Warn("Migration interrupted", "phase", st.Phase, "error", cause)
	return fmt.Errorf("migration interrupted in %s (resume with 'cleo migrate'): %w", st.Phase, cause)
}

// artifactOf returns the path named by a FormatError in err, or fallback.
func artifactOf(err error, fallback string) string {
	var ferr *types.FormatError
	if errors.As(err, &ferr) {
		return ferr.Path
	}
	return fallback
}
