// Package integrity computes content digests and validates the structural
// well-formedness of store files. Everything is done in process; reads that
// fail are always reported as mismatches, never skipped.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// hashWorkers bounds concurrent file hashing during manifest verification.
const hashWorkers = 4

// Checksum returns the hex SHA-256 digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ChecksumReader(f)
}

// ChecksumReader returns the hex SHA-256 digest of everything read from r.
func ChecksumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileResult is the verification outcome for one manifest entry.
type FileResult struct {
	Filename string `json:"filename"`
	OK       bool   `json:"ok"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Err      error  `json:"-"`
}

// BuildManifest hashes each named file under baseDir.
func BuildManifest(ctx context.Context, baseDir string, names []string) (types.ChecksumManifest, error) {
	sums := make([]string, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := Checksum(filepath.Join(baseDir, name))
			if err != nil {
				return err
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	m := make(types.ChecksumManifest, len(names))
	for i, name := range names {
		m[name] = sums[i]
	}
	return m, nil
}

// VerifyManifest checks every manifest entry against the file of the same
// name under baseDir. It fails closed: a missing or unreadable file is a
// mismatch with Err set. Results are sorted by filename. The returned error is
// non-nil only when ctx is cancelled.
func VerifyManifest(ctx context.Context, manifest types.ChecksumManifest, baseDir string) ([]FileResult, error) {
	names := make([]string, 0, len(manifest))
	for name := range manifest {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]FileResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := FileResult{Filename: name, Expected: manifest[name]}
			sum, err := Checksum(filepath.Join(baseDir, name))
			if err != nil {
				res.Err = err
			} else {
				res.Actual = sum
				res.OK = sum == res.Expected
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AllOK reports whether every result matched. An empty result set is not OK.
func AllOK(results []FileResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

// Mismatches returns the filenames that did not match.
func Mismatches(results []FileResult) []string {
	var out []string
	for _, r := range results {
		if !r.OK {
			out = append(out, r.Filename)
		}
	}
	return out
}
