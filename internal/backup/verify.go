package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/cleo/internal/integrity"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// VerifyResult is the outcome of verifying one backup.
type VerifyResult struct {
	Backup *types.Backup          `json:"backup"`
	Files  []integrity.FileResult `json:"files"`
	// FormatErr is set when the principal file is not well-formed.
	FormatErr error `json:"-"`
	OK        bool  `json:"ok"`
}

// Mismatches lists the files whose digest did not match.
func (r *VerifyResult) Mismatches() []string {
	return integrity.Mismatches(r.Files)
}

// Verify checks every manifest digest against the stored files and that the
// principal file is well-formed. A backup is valid only if both hold; an
// unreadable file counts as a mismatch. The error is reserved for
// cancellation and I/O failures outside the backup itself.
func (m *Manager) Verify(ctx context.Context, b *types.Backup) (*VerifyResult, error) {
	files, err := integrity.VerifyManifest(ctx, b.Checksums, b.Dir)
	if err != nil {
		return nil, err
	}
	res := &VerifyResult{Backup: b, Files: files}

	for _, f := range b.Files {
		if _, ok := b.Checksums[b.StoredName(f)]; !ok {
			res.Files = append(res.Files, integrity.FileResult{
				Filename: b.StoredName(f),
				Err:      fmt.Errorf("%s missing from manifest", f),
			})
		}
	}

	principal := b.Files[0]
	res.FormatErr = m.validatePrincipal(ctx, b, principal)
	res.OK = integrity.AllOK(res.Files) && res.FormatErr == nil

	if !res.OK {
		m.log.Warn("Backup failed verification",
			"id", b.ID,
			"mismatches", res.Mismatches(),
			"format_error", res.FormatErr)
	}
	return res, nil
}

func (m *Manager) validatePrincipal(ctx context.Context, b *types.Backup, name string) error {
	if !b.Compressed {
		return integrity.ValidateStoreFormat(ctx, filepath.Join(b.Dir, name))
	}
	tmpDir, err := os.MkdirTemp("", "cleo-verify-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	plain := filepath.Join(tmpDir, name)
	if err := m.Extract(b, name, plain); err != nil {
		return err
	}
	return integrity.ValidateStoreFormat(ctx, plain)
}

// Extract writes the logical file name from backup b to dst, decompressing
// as needed. dst is replaced atomically.
func (m *Manager) Extract(b *types.Backup, name, dst string) error {
	if !b.Contains(name) {
		return fmt.Errorf("%s in %s: %w", name, b.ID, types.ErrFileNotInBackup)
	}
	src := filepath.Join(b.Dir, b.StoredName(name))
	if !b.Compressed {
		return m.fs.CopyFile(src, dst)
	}
	return m.fs.AtomicWriteFunc(dst, 0o644, func(w io.Writer) error {
		return decompressFile(src, w)
	})
}
