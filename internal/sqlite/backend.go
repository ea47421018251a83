package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// ErrHandleInvalidated is returned by a Handle whose bound store was swapped
// or restored out from under it.
var ErrHandleInvalidated = errors.New("store handle invalidated")

// Handle is a read handle bound to one store path. It implements
// types.StoreAccessor. A handle never follows a rename: once the file at its
// path is replaced it is invalidated and must be reacquired.
type Handle struct {
	path string
	db   *sql.DB
	info os.FileInfo

	mu      sync.RWMutex
	invalid bool
}

var _ types.StoreAccessor = (*Handle)(nil)

// Path returns the store path the handle is bound to.
func (h *Handle) Path() string {
	return h.path
}

// Valid reports whether the handle still refers to the file at its path.
func (h *Handle) Valid() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.invalid {
		return false
	}
	cur, err := os.Stat(h.path)
	return err == nil && os.SameFile(cur, h.info)
}

// SchemaVersion implements types.StoreAccessor.
func (h *Handle) SchemaVersion(ctx context.Context) (string, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.invalid {
		return "", false, fmt.Errorf("%s: %w", h.path, ErrHandleInvalidated)
	}
	return schemaVersion(ctx, h.db)
}

// LoadPrincipalData implements types.StoreAccessor.
func (h *Handle) LoadPrincipalData(ctx context.Context) (*types.Dataset, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.invalid {
		return nil, fmt.Errorf("%s: %w", h.path, ErrHandleInvalidated)
	}
	return loadDataset(ctx, h.db)
}

// CountRecords counts the records behind the handle.
func (h *Handle) CountRecords(ctx context.Context) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.invalid {
		return 0, fmt.Errorf("%s: %w", h.path, ErrHandleInvalidated)
	}
	return countRecords(ctx, h.db)
}

func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.invalid {
		return nil
	}
	h.invalid = true
	return h.db.Close()
}

// Handles is the registry of open store handles, keyed by bound path. It
// replaces any process-wide cached connection: callers ask for a handle on
// the path they currently resolve, and a cached handle is reused only while
// its path and file identity still match.
type Handles struct {
	mu      sync.Mutex
	handles map[string]*Handle
	log     *slog.Logger
}

// NewHandles creates an empty registry.
func NewHandles(log *slog.Logger) *Handles {
	if log == nil {
		log = slog.Default()
	}
	return &Handles{handles: make(map[string]*Handle), log: log}
}

// Acquire returns a valid handle bound to path, reopening when the cached
// handle was invalidated or the file at path was replaced.
func (r *Handles) Acquire(ctx context.Context, path string) (*Handle, error) {
	path = filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[path]; ok {
		if h.Valid() {
			return h, nil
		}
		r.log.Debug("Reacquiring store handle", "path", path)
		_ = h.close()
		delete(r.handles, path)
	}

	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		db.Close()
		return nil, err
	}
	h := &Handle{path: path, db: db, info: info}
	r.handles[path] = h
	return h, nil
}

// Invalidate closes and forgets any handle bound to path. Holders of the old
// handle get ErrHandleInvalidated from then on.
func (r *Handles) Invalidate(path string) {
	path = filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[path]; ok {
		if err := h.close(); err != nil {
			r.log.Warn("Closing invalidated store handle", "path", path, "error", err)
		}
		delete(r.handles, path)
		r.log.Debug("Invalidated store handle", "path", path)
	}
}

// Close closes every handle.
func (r *Handles) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for p, h := range r.handles {
		if err := h.close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.handles, p)
	}
	return errors.Join(errs...)
}
