package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cleo/internal/backup"
	"github.com/mesh-intelligence/cleo/internal/clock"
	"github.com/mesh-intelligence/cleo/internal/config"
	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/internal/health"
	"github.com/mesh-intelligence/cleo/internal/lock"
	"github.com/mesh-intelligence/cleo/internal/metrics"
	"github.com/mesh-intelligence/cleo/internal/migrate"
	"github.com/mesh-intelligence/cleo/internal/paths"
	"github.com/mesh-intelligence/cleo/internal/restore"
	"github.com/mesh-intelligence/cleo/internal/sqlite"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// app wires the engines for one command invocation.
type app struct {
	layout  *paths.Layout
	cfg     *config.Config
	fs      fsops.FS
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	locks   *lock.Manager
	backups *backup.Manager
	handles *sqlite.Handles
}

// newApp resolves the project and loads its configuration. The caller must
// call close.
func newApp(cmd *cobra.Command) (*app, error) {
	layout, err := paths.Resolve(flags.projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project: %w", err)
	}
	// Without a home directory only the project config applies.
	userDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		userDir = ""
	}
	cfg, err := config.Load(layout, userDir)
	if err != nil {
		return nil, usageError{err: err}
	}

	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	a := &app{
		layout:  layout,
		cfg:     cfg,
		fs:      fsops.NewRealFS(),
		clock:   clock.Real{},
		log:     log,
		metrics: metrics.New(),
	}
	a.locks = lock.New(lock.Config{
		TTL:     cfg.Lock.TTL,
		Clock:   a.clock,
		Logger:  log,
		Metrics: a.metrics,
	})
	a.backups = backup.New(layout, cfg.BackupManagerConfig(), backup.Options{
		FS:      a.fs,
		Clock:   a.clock,
		Logger:  log,
		Metrics: a.metrics,
	})
	a.handles = sqlite.NewHandles(log)
	return a, nil
}

func (a *app) close() error {
	err := a.handles.Close()
	if flags.metricsFile != "" {
		if merr := a.metrics.WriteTextfile(flags.metricsFile); merr != nil {
			err = errors.Join(err, fmt.Errorf("write metrics: %w", merr))
		}
	}
	return err
}

func (a *app) migrator() *migrate.Engine {
	return migrate.New(a.layout, migrate.Config{
		LockTimeout: a.cfg.Lock.Timeout,
		LockRetries: a.cfg.Lock.MaxRetries,
	}, migrate.Deps{
		FS:      a.fs,
		Clock:   a.clock,
		Logger:  a.log,
		Metrics: a.metrics,
		Locks:   a.locks,
		Backups: a.backups,
		Handles: a.handles,
	})
}

func (a *app) restorer() *restore.Engine {
	return restore.New(a.layout, restore.Config{
		LockTimeout: a.cfg.Lock.Timeout,
		LockRetries: a.cfg.Lock.MaxRetries,
	}, restore.Deps{
		FS:      a.fs,
		Clock:   a.clock,
		Logger:  a.log,
		Metrics: a.metrics,
		Locks:   a.locks,
		Backups: a.backups,
		Handles: a.handles,
	})
}

func (a *app) inspector() *health.Inspector {
	return health.New(a.layout, health.Deps{
		FS:      a.fs,
		Locks:   a.locks,
		Backups: a.backups,
	})
}

// underStoreLock runs fn while holding the store lock with the configured
// budget. Commands that add or remove backups use it to exclude migrations
// and restores.
func (a *app) underStoreLock(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := a.locks.Do(ctx, a.layout.LiveStore(), a.cfg.Lock.Timeout, a.cfg.Lock.MaxRetries, fn)
	if errors.Is(err, types.ErrLockTimeout) && asOpError(err) == nil {
		err = &types.OpError{
			Kind:        types.ErrLockTimeout,
			Op:          op,
			Artifact:    lock.LockPath(a.layout.LiveStore()),
			Remediation: "another cleo process holds the store; retry when it finishes",
			Err:         err,
		}
	}
	return err
}

// withApp runs fn with a wired app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(a *app) error) (err error) {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.close())
	}()
	return fn(a)
}
