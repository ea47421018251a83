// Package config loads the cleo configuration. Values are layered, lowest
// first: built-in defaults, the user config.yaml (see paths.ResolveConfigDir),
// the project's .cleo/config.yaml, then CLEO_* environment variables
// (CLEO_LOCK_TIMEOUT for lock.timeout). Missing files are not an error.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/cleo/internal/backup"
	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/internal/paths"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

const (
	configFileType = "yaml"
	envPrefix      = "CLEO"
)

// Config keys.
const (
	KeyRetentionSnapshot = "backup.retention.snapshot"
	KeyRetentionSafety   = "backup.retention.safety"
	KeyRetentionArchive  = "backup.retention.archive"
	KeyTier1Max          = "backup.tier1_max"
	KeyCompress          = "backup.compress"
	KeyLockTimeout       = "lock.timeout"
	KeyLockMaxRetries    = "lock.max_retries"
	KeyLockTTL           = "lock.ttl"
)

// Lock defaults.
const (
	DefaultLockTimeout = 30 * time.Second
	DefaultLockTTL     = 10 * time.Minute
	// DefaultLockRetries of -1 retries until the timeout.
	DefaultLockRetries = -1
)

// Config is the validated project configuration.
type Config struct {
	Backup BackupConfig `mapstructure:"backup"`
	Lock   LockConfig   `mapstructure:"lock"`
}

// BackupConfig controls backup retention and compression.
type BackupConfig struct {
	Retention RetentionConfig `mapstructure:"retention"`
	Tier1Max  int             `mapstructure:"tier1_max" validate:"gte=0,lte=100"`
	Compress  bool            `mapstructure:"compress"`
}

// RetentionConfig is the number of backups kept per prunable type.
type RetentionConfig struct {
	Snapshot int `mapstructure:"snapshot" validate:"gte=1"`
	Safety   int `mapstructure:"safety" validate:"gte=1"`
	Archive  int `mapstructure:"archive" validate:"gte=1"`
}

// LockConfig bounds waiting for the store lock.
type LockConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=-1"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Backup: BackupConfig{
			Retention: RetentionConfig{
				Snapshot: backup.DefaultSnapshotRetention,
				Safety:   backup.DefaultSafetyRetention,
				Archive:  backup.DefaultArchiveRetention,
			},
			Tier1Max: backup.DefaultTier1Max,
		},
		Lock: LockConfig{
			Timeout:    DefaultLockTimeout,
			MaxRetries: DefaultLockRetries,
			TTL:        DefaultLockTTL,
		},
	}
}

// Load reads the user config from userConfigDir, when not empty, and the
// project config from l's data directory. It never creates files.
func Load(l *paths.Layout, userConfigDir string) (*Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault(KeyRetentionSnapshot, def.Backup.Retention.Snapshot)
	v.SetDefault(KeyRetentionSafety, def.Backup.Retention.Safety)
	v.SetDefault(KeyRetentionArchive, def.Backup.Retention.Archive)
	v.SetDefault(KeyTier1Max, def.Backup.Tier1Max)
	v.SetDefault(KeyCompress, def.Backup.Compress)
	v.SetDefault(KeyLockTimeout, def.Lock.Timeout)
	v.SetDefault(KeyLockMaxRetries, def.Lock.MaxRetries)
	v.SetDefault(KeyLockTTL, def.Lock.TTL)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType(configFileType)

	var files []string
	if userConfigDir != "" {
		files = append(files, filepath.Join(userConfigDir, paths.ConfigFileName))
	}
	files = append(files, l.ConfigFile())
	for _, f := range files {
		if err := mergeFile(v, f); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// mergeFile layers the YAML file at path over v. A missing file is skipped.
func mergeFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

// BackupManagerConfig converts the backup section for backup.New.
func (c *Config) BackupManagerConfig() backup.Config {
	return backup.Config{
		Retention: map[types.BackupType]int{
			types.BackupSnapshot: c.Backup.Retention.Snapshot,
			types.BackupSafety:   c.Backup.Retention.Safety,
			types.BackupArchive:  c.Backup.Retention.Archive,
		},
		Tier1Max: c.Backup.Tier1Max,
		Compress: c.Backup.Compress,
	}
}

// fileConfig is the on-disk shape written by WriteDefault. Durations are
// strings so the file stays readable.
type fileConfig struct {
	Backup struct {
		Retention struct {
			Snapshot int `yaml:"snapshot"`
			Safety   int `yaml:"safety"`
			Archive  int `yaml:"archive"`
		} `yaml:"retention"`
		Tier1Max int  `yaml:"tier1_max"`
		Compress bool `yaml:"compress"`
	} `yaml:"backup"`
	Lock struct {
		Timeout    string `yaml:"timeout"`
		MaxRetries int    `yaml:"max_retries"`
		TTL        string `yaml:"ttl"`
	} `yaml:"lock"`
}

const fileHeader = `# cleo project configuration
# Every key can be overridden with a CLEO_* environment variable,
# e.g. CLEO_LOCK_TIMEOUT=1m.

`

// WriteDefault writes the default configuration to l's config file unless
// one already exists. It reports whether a file was written.
func WriteDefault(fsys fsops.FS, l *paths.Layout) (bool, error) {
	path := l.ConfigFile()
	exists, err := fsys.Exists(path)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	def := Default()
	var fc fileConfig
	fc.Backup.Retention.Snapshot = def.Backup.Retention.Snapshot
	fc.Backup.Retention.Safety = def.Backup.Retention.Safety
	fc.Backup.Retention.Archive = def.Backup.Retention.Archive
	fc.Backup.Tier1Max = def.Backup.Tier1Max
	fc.Backup.Compress = def.Backup.Compress
	fc.Lock.Timeout = def.Lock.Timeout.String()
	fc.Lock.MaxRetries = def.Lock.MaxRetries
	fc.Lock.TTL = def.Lock.TTL.String()

	data, err := yaml.Marshal(&fc)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := fsys.AtomicWrite(path, append([]byte(fileHeader), data...), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
