package types

import (
	"fmt"
	"time"
)

// BackupType classifies a Tier-2 backup.
type BackupType string

// Backup types. Migration backups are exempt from retention pruning.
const (
	BackupSnapshot  BackupType = "snapshot"
	BackupSafety    BackupType = "safety"
	BackupArchive   BackupType = "archive"
	BackupMigration BackupType = "migration"
)

// BackupTypes lists every backup type for enumeration.
var BackupTypes = []BackupType{
	BackupSnapshot,
	BackupSafety,
	BackupArchive,
	BackupMigration,
}

// ParseBackupType validates s as a backup type.
func ParseBackupType(s string) (BackupType, error) {
	for _, t := range BackupTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBackupType, s)
}

// Prunable reports whether retention pruning applies to backups of type t.
func (t BackupType) Prunable() bool {
	return t != BackupMigration
}

// ChecksumManifest maps a stored filename to its hex SHA-256 digest.
type ChecksumManifest map[string]string

// Backup is an immutable point-in-time snapshot of the live store files. It is
// serialized as metadata.json inside the backup directory.
type Backup struct {
	ID                  string           `json:"id" validate:"required"`
	Type                BackupType       `json:"type" validate:"required,oneof=snapshot safety archive migration"`
	Name                string           `json:"name,omitempty"`
	CreatedAt           time.Time        `json:"createdAt" validate:"required"`
	Checksums           ChecksumManifest `json:"checksums" validate:"required,min=1"`
	SourceSchemaVersion string           `json:"sourceSchemaVersion"`
	SizeBytes           int64            `json:"sizeBytes" validate:"gte=0"`
	Files               []string         `json:"files" validate:"required,min=1"`
	Compressed          bool             `json:"compressed,omitempty"`

	// Dir is the backup directory on disk; not persisted.
	Dir string `json:"-"`
}

// StoredName returns the filename under which the logical file name is stored
// inside the backup directory.
func (b *Backup) StoredName(name string) string {
	if b.Compressed {
		return name + ".zst"
	}
	return name
}

// Contains reports whether the backup holds the logical file name.
func (b *Backup) Contains(name string) bool {
	for _, f := range b.Files {
		if f == name {
			return true
		}
	}
	return false
}
