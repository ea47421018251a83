// Package health reports on the storage state of a project without changing
// it: leftover swap files, interrupted migrations, stale legacy files and
// lock holders.
package health

import (
	"context"
	"errors"
	"os"

	"github.com/mesh-intelligence/cleo/internal/backup"
	"github.com/mesh-intelligence/cleo/internal/clock"
	"github.com/mesh-intelligence/cleo/internal/flatfile"
	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/internal/integrity"
	"github.com/mesh-intelligence/cleo/internal/lock"
	"github.com/mesh-intelligence/cleo/internal/migrate"
	"github.com/mesh-intelligence/cleo/internal/paths"
	"github.com/mesh-intelligence/cleo/internal/sqlite"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// Report describes a project's storage state.
type Report struct {
	ProjectDir string `json:"projectDir"`

	LiveStorePresent  bool   `json:"liveStorePresent"`
	LiveStoreSize     int64  `json:"liveStoreSize"`
	LiveSchemaVersion string `json:"liveSchemaVersion,omitempty"`
	LiveRecords       int    `json:"liveRecords"`
	// LiveStoreError is set when the live store is present but not
	// well-formed.
	LiveStoreError string `json:"liveStoreError,omitempty"`

	PendingMigration  *types.MigrationState `json:"pendingMigration,omitempty"`
	StateError        string                `json:"stateError,omitempty"`
	StaleLegacyFiles  []string              `json:"staleLegacyFiles,omitempty"`
	LegacyFiles       []string              `json:"legacyFiles,omitempty"`
	SwapBackupPresent bool                  `json:"swapBackupPresent"`
	TempStorePresent  bool                  `json:"tempStorePresent"`

	LockHeld   bool              `json:"lockHeld"`
	LockHolder *types.LockRecord `json:"lockHolder,omitempty"`

	Backups     map[types.BackupType]int `json:"backups"`
	Tier1Copies int                      `json:"tier1Copies"`
}

// Problems lists the conditions that need attention, each as a short
// sentence. An empty list means the project is healthy.
func (r *Report) Problems() []string {
	var out []string
	if r.LiveStoreError != "" {
		out = append(out, "live store is corrupt: "+r.LiveStoreError)
	}
	if r.PendingMigration != nil {
		out = append(out, "migration interrupted in phase "+string(r.PendingMigration.Phase)+"; rerun 'cleo migrate'")
	}
	if r.StateError != "" {
		out = append(out, "migration state unreadable: "+r.StateError)
	}
	if r.SwapBackupPresent {
		out = append(out, "swap backup "+paths.StoreFileName+paths.SwapSuffix+" left behind by an interrupted swap")
	}
	if r.TempStorePresent && r.PendingMigration == nil {
		out = append(out, "orphaned temporary store "+paths.StoreFileName+paths.TempSuffix)
	}
	if r.LockHolder != nil && r.LockHolder.PID > 0 && !lock.IsProcessAlive(r.LockHolder.PID) {
		out = append(out, "lock holder process is not running")
	}
	return out
}

// Healthy reports whether Problems is empty.
func (r *Report) Healthy() bool {
	return len(r.Problems()) == 0
}

// Deps are the inspector's collaborators.
type Deps struct {
	FS      fsops.FS
	Locks   *lock.Manager
	Backups *backup.Manager
}

// Inspector examines one project.
type Inspector struct {
	layout  *paths.Layout
	fs      fsops.FS
	locks   *lock.Manager
	backups *backup.Manager
	tracker *migrate.StateTracker
}

// New creates an Inspector. Backups may be nil to skip backup counts.
func New(layout *paths.Layout, deps Deps) *Inspector {
	if deps.FS == nil {
		deps.FS = fsops.NewRealFS()
	}
	if deps.Locks == nil {
		deps.Locks = lock.New(lock.Config{})
	}
	return &Inspector{
		layout:  layout,
		fs:      deps.FS,
		locks:   deps.Locks,
		backups: deps.Backups,
		tracker: migrate.NewStateTracker(layout.StateFile(), deps.FS, clock.Real{}),
	}
}

// Inspect gathers the report. It never writes to the project and never
// waits on the store lock.
func (i *Inspector) Inspect(ctx context.Context) (*Report, error) {
	l := i.layout
	rep := &Report{
		ProjectDir: l.ProjectDir,
		Backups:    map[types.BackupType]int{},
	}

	info, err := i.fs.Stat(l.LiveStore())
	switch {
	case err == nil:
		rep.LiveStorePresent = true
		rep.LiveStoreSize = info.Size()
		i.inspectStore(ctx, rep)
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	st, err := i.tracker.Load()
	if err != nil {
		rep.StateError = err.Error()
	}
	rep.PendingMigration = st

	legacy, err := flatfile.Present(l.DataDir)
	if err != nil {
		return nil, err
	}
	rep.LegacyFiles = legacy
	if rep.LiveStorePresent && st == nil {
		rep.StaleLegacyFiles = legacy
	}

	if rep.SwapBackupPresent, err = i.fs.Exists(l.SwapBackup()); err != nil {
		return nil, err
	}
	if rep.TempStorePresent, err = i.fs.Exists(l.TempStore()); err != nil {
		return nil, err
	}

	holder, err := i.locks.Status(l.LiveStore())
	if err != nil {
		return nil, err
	}
	rep.LockHeld = holder != nil
	rep.LockHolder = holder

	if i.backups != nil {
		all, err := i.backups.List("")
		if err != nil {
			return nil, err
		}
		for _, b := range all {
			rep.Backups[b.Type]++
		}
		copies, err := i.backups.Tier1Copies(paths.StoreFileName)
		if err != nil {
			return nil, err
		}
		rep.Tier1Copies = len(copies)
	}
	return rep, nil
}

func (i *Inspector) inspectStore(ctx context.Context, rep *Report) {
	path := i.layout.LiveStore()
	if err := integrity.ValidateAs(ctx, path, integrity.FormatSQLite); err != nil {
		rep.LiveStoreError = err.Error()
		return
	}
	if v, ok, err := sqlite.ReadSchemaVersion(ctx, path); err == nil && ok {
		rep.LiveSchemaVersion = v
	}
	if n, err := sqlite.CountRecords(ctx, path); err == nil {
		rep.LiveRecords = n
	}
}
