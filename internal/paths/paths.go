// Package paths resolves the canonical on-disk locations of a project's live
// store, its transient migration artifacts, its backups and its config.
//
// Layout:
//
//	<project>/.cleo/
//	  tasks.db                  live store
//	  tasks.db.backup           present only mid-swap or after a failed swap
//	  .migration-state.json     present only during/after an interrupted migration
//	  .backups/<file>.<N>       Tier-1 rollback copies, 1 = newest
//	  backups/<type>/<id>/      Tier-2 typed backups
package paths

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// Names inside the project directory.
const (
	DataDirName     = ".cleo"
	StoreFileName   = "tasks.db"
	SwapSuffix      = ".backup"
	TempSuffix      = ".tmp"
	LockSuffix      = ".lock"
	StateFileName   = ".migration-state.json"
	Tier1DirName    = ".backups"
	BackupsDirName  = "backups"
	MetadataName    = "metadata.json"
	ConfigFileName  = "config.yaml"
	ExportDirName   = "export"
	TodoFileName    = "todo.json"
	ArchiveFileName = "todo-archive.json"
	SessionsName    = "sessions.json"
)

// LegacyFiles lists the flat-file store in load order; the first is the
// principal file.
var LegacyFiles = []string{
	TodoFileName,
	ArchiveFileName,
	SessionsName,
}

// Environment variable names for directory overrides.
const (
	EnvProjectDir = "CLEO_PROJECT_DIR"
	EnvConfigDir  = "CLEO_CONFIG_DIR"
)

// platformDir holds platform-detection functions that can be overridden in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
	getwd         func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
	getwd:         os.Getwd,
}

// Layout is the resolved set of paths for one project. It is a plain value;
// nothing is created on disk by resolving it.
type Layout struct {
	ProjectDir string
	DataDir    string
}

// New returns the layout rooted at projectDir, which must be absolute.
func New(projectDir string) *Layout {
	return &Layout{
		ProjectDir: projectDir,
		DataDir:    filepath.Join(projectDir, DataDirName),
	}
}

// Resolve returns the project layout following the precedence chain:
// flag > CLEO_PROJECT_DIR env > current working directory. The result is
// always absolute.
func Resolve(flag string) (*Layout, error) {
	if flag != "" {
		abs, err := filepath.Abs(flag)
		if err != nil {
			return nil, err
		}
		return New(abs), nil
	}
	if env := os.Getenv(EnvProjectDir); env != "" {
		abs, err := filepath.Abs(env)
		if err != nil {
			return nil, err
		}
		return New(abs), nil
	}
	cwd, err := platformDir.getwd()
	if err != nil {
		return nil, err
	}
	return New(cwd), nil
}

// LiveStore is the canonical path of the live store.
func (l *Layout) LiveStore() string {
	return filepath.Join(l.DataDir, StoreFileName)
}

// SwapBackup is where the pre-swap live store is parked during a swap.
func (l *Layout) SwapBackup() string {
	return l.LiveStore() + SwapSuffix
}

// TempStore is the sibling path a migration materializes into.
func (l *Layout) TempStore() string {
	return l.LiveStore() + TempSuffix
}

// LockFile is the advisory lock file guarding the live store.
func (l *Layout) LockFile() string {
	return l.LiveStore() + LockSuffix
}

// StateFile is the persisted migration progress record.
func (l *Layout) StateFile() string {
	return filepath.Join(l.DataDir, StateFileName)
}

// Tier1Dir holds short-retention rollback copies.
func (l *Layout) Tier1Dir() string {
	return filepath.Join(l.DataDir, Tier1DirName)
}

// BackupsRoot holds Tier-2 typed backups.
func (l *Layout) BackupsRoot() string {
	return filepath.Join(l.DataDir, BackupsDirName)
}

// TypeDir is the directory holding every backup of one type.
func (l *Layout) TypeDir(t types.BackupType) string {
	return filepath.Join(l.BackupsRoot(), string(t))
}

// BackupDir is the directory of one backup.
func (l *Layout) BackupDir(t types.BackupType, id string) string {
	return filepath.Join(l.TypeDir(t), id)
}

// ConfigFile is the project-level config file.
func (l *Layout) ConfigFile() string {
	return filepath.Join(l.DataDir, ConfigFileName)
}

// ExportDir is the default destination of flat-file exports.
func (l *Layout) ExportDir() string {
	return filepath.Join(l.DataDir, ExportDirName)
}

// DataFile returns the path of a named file inside the data directory.
func (l *Layout) DataFile(name string) string {
	return filepath.Join(l.DataDir, name)
}

// StoreFiles lists every file that makes up the project's persisted dataset,
// live store first. Callers check existence themselves.
func (l *Layout) StoreFiles() []string {
	files := []string{StoreFileName}
	return append(files, LegacyFiles...)
}

// DefaultConfigDir returns the platform-specific user configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/cleo (fallback ~/.config/cleo)
// macOS:   ~/Library/Application Support/cleo
// Windows: %APPDATA%/cleo
func DefaultConfigDir() (string, error) {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "cleo"), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "cleo"), nil
	default:
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "cleo"), nil
	}
}

// ResolveConfigDir returns the user configuration directory following the
// precedence chain: flag > CLEO_CONFIG_DIR env > DefaultConfigDir().
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}
