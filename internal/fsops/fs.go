// Package fsops provides the filesystem operations the storage engines use.
//
// Every mutation of the live store, backups and state files goes through the
// FS interface so that tests can inject failures at exact steps. Writes that
// replace a file always go temp file + fsync + rename; nothing is truncated
// in place.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FS abstracts the filesystem operations used by the engines.
type FS interface {
	// Stat returns file info, following symlinks.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether path exists.
	Exists(path string) (bool, error)

	// Rename atomically renames oldpath to newpath and syncs the parent
	// directory.
	Rename(oldpath, newpath string) error

	// Remove removes a file or empty directory. A missing path is not an error.
	Remove(path string) error

	// RemoveAll removes a path and everything below it.
	RemoveAll(path string) error

	// MkdirAll creates a directory and all parents.
	MkdirAll(path string, perm os.FileMode) error

	// ReadFile reads a whole file.
	ReadFile(path string) ([]byte, error)

	// ReadDir lists a directory.
	ReadDir(path string) ([]os.DirEntry, error)

	// AtomicWrite replaces path with data via temp file + fsync + rename.
	AtomicWrite(path string, data []byte, perm os.FileMode) error

	// AtomicWriteFunc replaces path with whatever fill writes, via temp file
	// + fsync + rename. The temp file is removed if fill fails.
	AtomicWriteFunc(path string, perm os.FileMode, fill func(w io.Writer) error) error

	// CopyFile copies src to dst atomically, preserving src's permissions.
	CopyFile(src, dst string) error
}

// RealFS implements FS on the operating system.
type RealFS struct{}

// NewRealFS creates a new RealFS.
func NewRealFS() *RealFS {
	return &RealFS{}
}

// Stat returns file info.
func (RealFS) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// Exists reports whether path exists.
func (RealFS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Rename renames oldpath to newpath and fsyncs the destination directory so
// the rename survives a crash.
func (RealFS) Rename(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return err
	}
	return syncDir(filepath.Dir(newpath))
}

// Remove removes path, ignoring a missing file.
func (RealFS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveAll removes path and its contents.
func (RealFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// MkdirAll creates a directory tree.
func (RealFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// ReadFile reads a whole file.
func (RealFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ReadDir lists a directory.
func (RealFS) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

// AtomicWrite writes data to path atomically.
func (r RealFS) AtomicWrite(path string, data []byte, perm os.FileMode) error {
	return r.AtomicWriteFunc(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// AtomicWriteFunc streams fill's output into a temp sibling of path and
// renames it into place.
func (RealFS) AtomicWriteFunc(path string, perm os.FileMode, fill func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return syncDir(dir)
}

// CopyFile copies src to dst atomically.
func (r RealFS) CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("copy %s: source is a directory", src)
	}

	return r.AtomicWriteFunc(dst, info.Mode().Perm(), func(w io.Writer) error {
		if _, err := io.Copy(w, in); err != nil {
			return fmt.Errorf("copying %s: %w", src, err)
		}
		return nil
	})
}

// syncDir fsyncs a directory so renames within it are durable. It is best
// effort: some platforms cannot open or sync directories.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
