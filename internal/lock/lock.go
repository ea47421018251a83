// Package lock provides exclusive, timeout-bounded advisory locking of a
// store's critical section.
//
// The OS advisory lock (flock on Unix, LockFileEx on Windows) on
// <resource>.lock is the authority: it is released by the kernel when the
// holder exits, so a crashed holder never wedges the store. While held, the
// lock file carries a JSON LockRecord naming the holder and its expiry. A
// record left behind by a dead or expired holder is reclaimed by the next
// acquirer. Waiters are woken by fsnotify events on the lock directory, with
// a poll interval as fallback.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/mesh-intelligence/cleo/internal/clock"
	"github.com/mesh-intelligence/cleo/internal/metrics"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// errWouldBlock is returned by the platform lockers when another holder has
// the lock.
var errWouldBlock = errors.New("lock held elsewhere")

// Defaults applied by New for zero Config fields.
const (
	DefaultTTL          = 30 * time.Minute
	DefaultPollInterval = 100 * time.Millisecond
)

// Config configures a Manager.
type Config struct {
	// TTL is how long a lock record stays valid.
	TTL time.Duration
	// PollInterval is the retry cadence when no filesystem event arrives.
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Manager hands out exclusive locks on named resources. Safe for concurrent
// use; two Acquire calls on the same resource exclude each other even inside
// one process.
type Manager struct {
	ttl     time.Duration
	poll    time.Duration
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		ttl:     cfg.TTL,
		poll:    cfg.PollInterval,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Handle is exclusive ownership of a resource. Release it exactly once; extra
// calls are no-ops.
type Handle struct {
	m        *Manager
	resource string
	path     string
	file     *os.File
	record   types.LockRecord

	once sync.Once
	err  error
}

// Record returns the ownership record written for this handle.
func (h *Handle) Record() types.LockRecord {
	return h.record
}

// Path returns the lock file path.
func (h *Handle) Path() string {
	return h.path
}

// Release clears the lock record and releases the OS lock. Idempotent.
func (h *Handle) Release() error {
	h.once.Do(func() {
		// Clear the record before unlocking so the next holder never sees ours.
		if err := h.file.Truncate(0); err != nil {
			h.m.log.Warn("Failed to clear lock record", "path", h.path, "error", err)
		}
		if err := unlockFile(h.file); err != nil {
			h.err = fmt.Errorf("unlocking %s: %w", h.path, err)
		}
		if err := h.file.Close(); err != nil && h.err == nil {
			h.err = fmt.Errorf("closing %s: %w", h.path, err)
		}
		h.m.log.Debug("Released lock", "resource", h.resource, "holder", h.record.HolderID)
	})
	return h.err
}

// LockPath returns the lock file guarding resource.
func LockPath(resource string) string {
	return resource + ".lock"
}

// Acquire takes the exclusive lock on resource. It retries until the lock is
// obtained, timeout elapses, maxRetries retries have been made (maxRetries < 0
// means no retry limit), or ctx is cancelled. Running out of budget returns a
// *types.LockError wrapping types.ErrLockTimeout.
func (m *Manager) Acquire(ctx context.Context, resource string, timeout time.Duration, maxRetries int) (*Handle, error) {
	start := time.Now()
	path := LockPath(resource)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	watcher := m.watch(filepath.Dir(path))
	if watcher != nil {
		defer watcher.Close()
	}

	attempts := 0
	for {
		attempts++
		h, err := m.tryAcquire(resource, path)
		if err == nil {
			m.metrics.ObserveLockWait(time.Since(start))
			return h, nil
		}
		if !errors.Is(err, errWouldBlock) {
			return nil, err
		}

		if maxRetries >= 0 && attempts > maxRetries {
			return nil, m.timeoutError(resource, path, attempts)
		}
		if waitErr := m.wait(ctx, watcher, path); waitErr != nil {
			if errors.Is(waitErr, context.DeadlineExceeded) {
				return nil, m.timeoutError(resource, path, attempts)
			}
			return nil, waitErr
		}
	}
}

// Do runs fn while holding the lock on resource and releases it on every exit
// path, including panics.
func (m *Manager) Do(ctx context.Context, resource string, timeout time.Duration, maxRetries int, fn func(ctx context.Context) error) (err error) {
	h, err := m.Acquire(ctx, resource, timeout, maxRetries)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}

// Status reports the current holder of resource, or nil when the lock is
// free. It never blocks.
//
// Holders clear their record before unlocking, so an empty lock file reads
// as free without touching the OS lock; a holder between taking the lock and
// writing its record is therefore reported as free. Only a non-empty record
// is confirmed with a non-blocking probe. When that record was left by a dead
// holder the probe takes the lock for an instant, and a concurrent Acquire
// may wait one poll interval.
func (m *Manager) Status(resource string) (*types.LockRecord, error) {
	path := LockPath(resource)
	rec, err := readRecord(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if rec == nil || rec.HolderID == "" {
		return nil, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := lockFile(f); err == nil {
		_ = unlockFile(f)
		return nil, nil
	} else if !errors.Is(err, errWouldBlock) {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) tryAcquire(resource, path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}

	now := m.clock.Now()
	if prev, _ := readRecord(path); prev != nil && prev.HolderID != "" {
		// The OS lock was free, so the previous holder exited or crashed
		// without clearing its record.
		m.log.Info("Reclaiming stale lock",
			"resource", resource,
			"previous_holder", prev.HolderID,
			"previous_pid", prev.PID,
			"expired", prev.Expired(now),
			"alive", IsProcessAlive(prev.PID))
	}

	rec := types.LockRecord{
		HolderID:   newHolderID(),
		PID:        os.Getpid(),
		Resource:   resource,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err := writeRecord(f, &rec); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("writing lock record: %w", err)
	}

	m.log.Debug("Acquired lock",
		"resource", resource,
		"holder", rec.HolderID,
		"expires_at", rec.ExpiresAt.Format(time.RFC3339))

	return &Handle{m: m, resource: resource, path: path, file: f, record: rec}, nil
}

func (m *Manager) timeoutError(resource, path string, attempts int) error {
	m.metrics.IncLockTimeout()
	lerr := &types.LockError{Resource: resource, LockFile: path, Attempts: attempts}
	if rec, _ := readRecord(path); rec != nil && rec.HolderID != "" {
		lerr.Holder = rec
		if rec.Expired(m.clock.Now()) {
			m.log.Warn("Lock holder is past its expiry but still holds the lock",
				"resource", resource, "holder", rec.HolderID, "pid", rec.PID)
		}
	}
	return lerr
}

// watch returns an fsnotify watcher on dir, or nil when watching is not
// available; waits then fall back to polling.
func (m *Manager) watch(dir string) *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Debug("File watcher unavailable, polling", "error", err)
		return nil
	}
	if err := w.Add(dir); err != nil {
		m.log.Debug("Cannot watch lock directory, polling", "dir", dir, "error", err)
		w.Close()
		return nil
	}
	return w
}

// wait blocks until the lock file changes, the poll interval elapses, or ctx
// ends.
func (m *Manager) wait(ctx context.Context, w *fsnotify.Watcher, path string) error {
	timer := time.NewTimer(m.poll)
	defer timer.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if w != nil {
		events = w.Events
		errs = w.Errors
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.log.Debug("Lock watcher error", "error", err)
		}
	}
}

func writeRecord(f *os.File, rec *types.LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

// readRecord reads the record in a lock file. An empty or unparseable file
// yields nil without error.
func readRecord(path string) (*types.LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rec types.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// newHolderID generates a UUID v7 holder ID, falling back to v4.
func newHolderID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// IsProcessAlive reports whether a process with pid exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isProcessAlive(pid)
}
