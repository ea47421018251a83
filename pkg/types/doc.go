// Package types defines the storage-safety data model shared by the cleo
// migration, backup and restore engines: backups and their manifests,
// migration progress records, lock records, the dataset exchanged with the
// store accessor, and the error taxonomy every engine reports through.
package types
