// Package backup manages Tier-2 typed backups and Tier-1 rollback copies of
// a project's store files.
//
// A Tier-2 backup lives in backups/<type>/<id>/ with a metadata.json holding
// its checksum manifest. Creation is all-or-nothing: files are staged in a
// hidden sibling directory that is renamed into place only once the manifest
// and metadata are written, so List never sees a half-written backup.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mesh-intelligence/cleo/internal/clock"
	"github.com/mesh-intelligence/cleo/internal/flatfile"
	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/internal/integrity"
	"github.com/mesh-intelligence/cleo/internal/metrics"
	"github.com/mesh-intelligence/cleo/internal/paths"
	"github.com/mesh-intelligence/cleo/internal/sqlite"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// Default retention counts per prunable type.
const (
	DefaultSnapshotRetention = 10
	DefaultSafetyRetention   = 5
	DefaultArchiveRetention  = 20
	DefaultTier1Max          = 10
)

const (
	stagingPrefix = "."
	stagingSuffix = ".partial"
	idTimeLayout  = "20060102T150405Z"
)

// Config controls retention and compression.
type Config struct {
	// Retention is the number of backups kept per type. Zero or missing
	// means unlimited. The migration type is never pruned.
	Retention map[types.BackupType]int
	// Tier1Max is the number of Tier-1 rollback copies kept per file; zero
	// disables Tier-1 copies.
	Tier1Max int
	// Compress stores payload files zstd-compressed.
	Compress bool
}

// DefaultConfig returns the default retention settings.
func DefaultConfig() Config {
	return Config{
		Retention: map[types.BackupType]int{
			types.BackupSnapshot: DefaultSnapshotRetention,
			types.BackupSafety:   DefaultSafetyRetention,
			types.BackupArchive:  DefaultArchiveRetention,
		},
		Tier1Max: DefaultTier1Max,
	}
}

// Options carries the Manager's collaborators. Zero fields get defaults.
type Options struct {
	FS      fsops.FS
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Creator is the part of the Manager the engines depend on.
type Creator interface {
	Create(ctx context.Context, typ types.BackupType, name string) (*types.Backup, error)
}

// Manager creates, lists, verifies and prunes backups of one project.
type Manager struct {
	layout   *paths.Layout
	cfg      Config
	fs       fsops.FS
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
}

// New creates a Manager for the project at layout.
func New(layout *paths.Layout, cfg Config, opts Options) *Manager {
	if opts.FS == nil {
		opts.FS = fsops.NewRealFS()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		layout:   layout,
		cfg:      cfg,
		fs:       opts.FS,
		clock:    opts.Clock,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Create snapshots every present store file into a new backup of type typ.
// name is an optional label. Prunable types are pruned to their retention
// count afterwards. Any failure removes the staging directory and returns an
// error wrapping types.ErrBackupCreateFailed.
func (m *Manager) Create(ctx context.Context, typ types.BackupType, name string) (*types.Backup, error) {
	return m.CreateRetaining(ctx, typ, name)
}

// CreateRetaining is Create, except that the backups whose IDs are in keep
// survive the retention pass that follows, even when they are the oldest.
func (m *Manager) CreateRetaining(ctx context.Context, typ types.BackupType, name string, keep ...string) (*types.Backup, error) {
	if _, err := types.ParseBackupType(string(typ)); err != nil {
		return nil, err
	}

	b, err := m.create(ctx, typ, name)
	if err != nil {
		m.metrics.ObserveBackup(string(typ), "failed", 0)
		return nil, &types.OpError{
			Kind:        types.ErrBackupCreateFailed,
			Op:          "backup create",
			Artifact:    m.layout.DataDir,
			Remediation: "the store files are unchanged; fix the cause and retry",
			Err:         err,
		}
	}
	m.metrics.ObserveBackup(string(typ), "ok", b.SizeBytes)
	m.log.Info("Created backup",
		"id", b.ID,
		"type", b.Type,
		"files", len(b.Files),
		"size_bytes", b.SizeBytes,
		"compressed", b.Compressed)

	if typ.Prunable() {
		if _, err := m.prune(ctx, typ, keep); err != nil {
			m.log.Warn("Pruning after backup failed", "type", typ, "error", err)
		}
	}
	return b, nil
}

func (m *Manager) create(ctx context.Context, typ types.BackupType, name string) (_ *types.Backup, err error) {
	var files []string
	for _, f := range m.layout.StoreFiles() {
		ok, err := m.fs.Exists(m.layout.DataFile(f))
		if err != nil {
			return nil, err
		}
		if ok {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", m.layout.LiveStore(), types.ErrStoreAbsent)
	}

	now := m.clock.Now().UTC()
	id := newBackupID(typ, now)
	typeDir := m.layout.TypeDir(typ)
	staging := filepath.Join(typeDir, stagingPrefix+id+stagingSuffix)
	final := m.layout.BackupDir(typ, id)

	if err := m.fs.MkdirAll(staging, 0o755); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rerr := m.fs.RemoveAll(staging); rerr != nil {
				m.log.Error("Failed to remove partial backup", "dir", staging, "error", rerr)
			}
		}
	}()

	b := &types.Backup{
		ID:         id,
		Type:       typ,
		Name:       name,
		CreatedAt:  now,
		Files:      files,
		Compressed: m.cfg.Compress,
	}

	stored := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := m.layout.DataFile(f)
		dst := filepath.Join(staging, b.StoredName(f))
		if b.Compressed {
			err = m.fs.AtomicWriteFunc(dst, 0o644, func(w io.Writer) error {
				return compressFile(src, w)
			})
		} else {
			err = m.fs.CopyFile(src, dst)
		}
		if err != nil {
			return nil, fmt.Errorf("copying %s: %w", f, err)
		}
		stored = append(stored, b.StoredName(f))
	}

	b.Checksums, err = integrity.BuildManifest(ctx, staging, stored)
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		info, err := m.fs.Stat(filepath.Join(staging, s))
		if err != nil {
			return nil, err
		}
		b.SizeBytes += info.Size()
	}
	b.SourceSchemaVersion = m.sourceSchemaVersion(ctx, files)

	if err := m.validate.Struct(b); err != nil {
		return nil, fmt.Errorf("invalid backup metadata: %w", err)
	}
	if err := m.checkContents(b); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := m.fs.AtomicWrite(filepath.Join(staging, paths.MetadataName), append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}
	if err := m.fs.Rename(staging, final); err != nil {
		return nil, fmt.Errorf("publishing backup: %w", err)
	}
	b.Dir = final
	return b, nil
}

// sourceSchemaVersion reads the schema version of the files being backed up.
// The relational store wins over the flat files when both exist.
func (m *Manager) sourceSchemaVersion(ctx context.Context, files []string) string {
	if files[0] == paths.StoreFileName {
		v, ok, err := sqlite.ReadSchemaVersion(ctx, m.layout.LiveStore())
		if err == nil && ok {
			return v
		}
		if err != nil {
			m.log.Debug("Could not read store schema version", "error", err)
		}
	}
	v, ok, err := flatfile.ReadSchemaVersion(m.layout.DataDir)
	if err == nil && ok {
		return v
	}
	return ""
}

// List returns the backups of typ, or of every type when typ is empty,
// newest first. Directories without valid metadata are skipped with a
// warning.
func (m *Manager) List(typ types.BackupType) ([]*types.Backup, error) {
	kinds := types.BackupTypes
	if typ != "" {
		if _, err := types.ParseBackupType(string(typ)); err != nil {
			return nil, err
		}
		kinds = []types.BackupType{typ}
	}

	var out []*types.Backup
	for _, k := range kinds {
		entries, err := m.fs.ReadDir(m.layout.TypeDir(k))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), stagingPrefix) {
				continue
			}
			dir := filepath.Join(m.layout.TypeDir(k), e.Name())
			b, err := m.load(dir)
			if err != nil {
				m.log.Warn("Skipping unreadable backup", "dir", dir, "error", err)
				continue
			}
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Get finds a backup by ID across all types.
func (m *Manager) Get(id string) (*types.Backup, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, stagingPrefix) {
		return nil, fmt.Errorf("%q: %w", id, types.ErrBackupNotFound)
	}
	for _, k := range types.BackupTypes {
		dir := m.layout.BackupDir(k, id)
		if ok, _ := m.fs.Exists(dir); ok {
			return m.load(dir)
		}
	}
	return nil, fmt.Errorf("%q: %w", id, types.ErrBackupNotFound)
}

// Resolve accepts a backup ID or the path of a backup directory.
func (m *Manager) Resolve(ref string) (*types.Backup, error) {
	if info, err := m.fs.Stat(ref); err == nil && info.IsDir() {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return nil, err
		}
		return m.load(abs)
	}
	return m.Get(ref)
}

// Remove deletes a backup by ID. Any type may be removed explicitly.
func (m *Manager) Remove(id string) error {
	b, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.fs.RemoveAll(b.Dir); err != nil {
		return fmt.Errorf("removing backup %s: %w", id, err)
	}
	m.log.Info("Removed backup", "id", id, "type", b.Type)
	return nil
}

func (m *Manager) load(dir string) (*types.Backup, error) {
	data, err := m.fs.ReadFile(filepath.Join(dir, paths.MetadataName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, types.ErrBackupNotFound)
		}
		return nil, err
	}
	var b types.Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", paths.MetadataName, err)
	}
	if err := m.validate.Struct(&b); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", paths.MetadataName, err)
	}
	if err := m.checkContents(&b); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	b.Dir = dir
	return &b, nil
}

// checkContents rejects metadata whose file list or manifest names anything
// other than the project's store files. Restore writes and removes these
// names relative to the data directory.
func (m *Manager) checkContents(b *types.Backup) error {
	allowed := make(map[string]bool)
	for _, f := range m.layout.StoreFiles() {
		allowed[f] = true
	}
	stored := make(map[string]bool, len(b.Files))
	for _, f := range b.Files {
		if !allowed[f] {
			return fmt.Errorf("%w: %q is not a store file", types.ErrVerificationFailed, f)
		}
		if stored[b.StoredName(f)] {
			return fmt.Errorf("%w: %q listed twice", types.ErrVerificationFailed, f)
		}
		stored[b.StoredName(f)] = true
	}
	for name := range b.Checksums {
		if !stored[name] {
			return fmt.Errorf("%w: manifest entry %q does not match any listed file", types.ErrVerificationFailed, name)
		}
	}
	return nil
}

// newBackupID builds "<type>-<UTC timestamp>-<random>", sortable by time
// within a type.
func newBackupID(typ types.BackupType, now time.Time) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	s := strings.ReplaceAll(id.String(), "-", "")
	return fmt.Sprintf("%s-%s-%s", typ, now.UTC().Format(idTimeLayout), s[len(s)-8:])
}
