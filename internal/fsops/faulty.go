package fsops

import (
	"errors"
	"io"
	"os"
	"sync"
)

// ErrInjected is the error returned by Faulty when a fault fires.
var ErrInjected = errors.New("injected fault")

// Faulty wraps an FS and fails selected operations. It is used by tests to
// simulate crashes and I/O errors at exact steps of a protocol.
type Faulty struct {
	FS

	mu      sync.Mutex
	renames int
	// FailRename returns an error for the given rename call (1-based count
	// of Rename calls, and the paths involved) when it returns true.
	FailRename func(n int, oldpath, newpath string) bool
	// FailCopy fails CopyFile when it returns true.
	FailCopy func(src, dst string) bool
	// FailWrite fails AtomicWrite and AtomicWriteFunc when it returns true.
	FailWrite func(path string) bool
}

// NewFaulty wraps inner.
func NewFaulty(inner FS) *Faulty {
	return &Faulty{FS: inner}
}

// Renames returns the number of Rename calls seen so far.
func (f *Faulty) Renames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renames
}

// Rename counts the call and fails it when FailRename says so.
func (f *Faulty) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	f.renames++
	n := f.renames
	fail := f.FailRename
	f.mu.Unlock()
	if fail != nil && fail(n, oldpath, newpath) {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: ErrInjected}
	}
	return f.FS.Rename(oldpath, newpath)
}

// CopyFile fails when FailCopy says so.
func (f *Faulty) CopyFile(src, dst string) error {
	if f.FailCopy != nil && f.FailCopy(src, dst) {
		return &os.PathError{Op: "copy", Path: dst, Err: ErrInjected}
	}
	return f.FS.CopyFile(src, dst)
}

// AtomicWrite fails when FailWrite says so.
func (f *Faulty) AtomicWrite(path string, data []byte, perm os.FileMode) error {
	if f.FailWrite != nil && f.FailWrite(path) {
		return &os.PathError{Op: "write", Path: path, Err: ErrInjected}
	}
	return f.FS.AtomicWrite(path, data, perm)
}

// AtomicWriteFunc fails when FailWrite says so.
func (f *Faulty) AtomicWriteFunc(path string, perm os.FileMode, fill func(w io.Writer) error) error {
	if f.FailWrite != nil && f.FailWrite(path) {
		return &os.PathError{Op: "write", Path: path, Err: ErrInjected}
	}
	return f.FS.AtomicWriteFunc(path, perm, fill)
}
