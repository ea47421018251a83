// Package flatfile reads and writes the legacy flat JSON layout of a project:
// todo.json, todo-archive.json and sessions.json inside the data directory.
//
// Reading is strict. Every file present must decode completely and every
// record must be an object with a unique, non-empty string "id"; anything
// else is reported as types.ErrSourceCorrupt before a migration touches disk.
package flatfile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/internal/integrity"
	"github.com/mesh-intelligence/cleo/internal/paths"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// DefaultSchemaVersion is assumed for a todo.json that declares none.
const DefaultSchemaVersion = "1.0.0"

type todoFile struct {
	Meta *struct {
		SchemaVersion string `json:"schemaVersion"`
	} `json:"_meta,omitempty"`
	Version string            `json:"version,omitempty"`
	Tasks   []json.RawMessage `json:"tasks"`
}

type archiveFile struct {
	ArchivedTasks []json.RawMessage `json:"archivedTasks"`
}

type sessionsFile struct {
	Sessions []json.RawMessage `json:"sessions"`
}

// Present returns the legacy files that exist in dataDir, todo.json first.
func Present(dataDir string) ([]string, error) {
	var found []string
	for _, name := range paths.LegacyFiles {
		_, err := os.Stat(filepath.Join(dataDir, name))
		if err == nil {
			found = append(found, name)
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return found, nil
}

// Load strictly parses the legacy files in dataDir. A missing todo.json is
// types.ErrSourceMissing; the archive and sessions files are optional.
func Load(ctx context.Context, dataDir string) (*types.Dataset, error) {
	todoPath := filepath.Join(dataDir, paths.TodoFileName)
	var todo todoFile
	if err := decodeStrict(todoPath, &todo); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", todoPath, types.ErrSourceMissing)
		}
		return nil, err
	}

	ds := &types.Dataset{
		SchemaVersion: DefaultSchemaVersion,
		Tasks:         todo.Tasks,
	}
	switch {
	case todo.Meta != nil && todo.Meta.SchemaVersion != "":
		ds.SchemaVersion = todo.Meta.SchemaVersion
	case todo.Version != "":
		ds.SchemaVersion = todo.Version
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var archive archiveFile
	archivePath := filepath.Join(dataDir, paths.ArchiveFileName)
	if err := decodeStrict(archivePath, &archive); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ds.ArchivedTasks = archive.ArchivedTasks

	var sessions sessionsFile
	sessionsPath := filepath.Join(dataDir, paths.SessionsName)
	if err := decodeStrict(sessionsPath, &sessions); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ds.Sessions = sessions.Sessions

	taskIDs := make(map[string]string)
	if err := checkRecords(todoPath, "tasks", ds.Tasks, taskIDs); err != nil {
		return nil, err
	}
	if err := checkRecords(archivePath, "archivedTasks", ds.ArchivedTasks, taskIDs); err != nil {
		return nil, err
	}
	if err := checkRecords(sessionsPath, "sessions", ds.Sessions, make(map[string]string)); err != nil {
		return nil, err
	}
	return ds, nil
}

// ReadSchemaVersion returns the schema version todo.json declares. ok is
// false when the file is absent or declares none.
func ReadSchemaVersion(dataDir string) (string, bool, error) {
	var head struct {
		Meta *struct {
			SchemaVersion string `json:"schemaVersion"`
		} `json:"_meta"`
		Version string `json:"version"`
	}
	data, err := os.ReadFile(filepath.Join(dataDir, paths.TodoFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", false, corrupt(filepath.Join(dataDir, paths.TodoFileName), "decode failed", err)
	}
	switch {
	case head.Meta != nil && head.Meta.SchemaVersion != "":
		return head.Meta.SchemaVersion, true, nil
	case head.Version != "":
		return head.Version, true, nil
	}
	return "", false, nil
}

// Fingerprint is a digest over the digests of every legacy file present. It
// changes whenever any source file changes, appears or disappears.
func Fingerprint(dataDir string) (string, error) {
	present, err := Present(dataDir)
	if err != nil {
		return "", err
	}
	sort.Strings(present)
	h := sha256.New()
	for _, name := range present {
		sum, err := integrity.Checksum(filepath.Join(dataDir, name))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s:%s\n", name, sum)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Write stores ds in the legacy layout, atomically per file. The archive and
// sessions files are written only when they hold records.
func Write(fs fsops.FS, dataDir string, ds *types.Dataset) error {
	if err := fs.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	todo := map[string]any{
		"_meta": map[string]string{"schemaVersion": ds.SchemaVersion},
		"tasks": nonNil(ds.Tasks),
	}
	if err := writeJSON(fs, filepath.Join(dataDir, paths.TodoFileName), todo); err != nil {
		return err
	}
	if len(ds.ArchivedTasks) > 0 {
		v := archiveFile{ArchivedTasks: ds.ArchivedTasks}
		if err := writeJSON(fs, filepath.Join(dataDir, paths.ArchiveFileName), v); err != nil {
			return err
		}
	}
	if len(ds.Sessions) > 0 {
		v := sessionsFile{Sessions: ds.Sessions}
		if err := writeJSON(fs, filepath.Join(dataDir, paths.SessionsName), v); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(fs fsops.FS, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return fs.AtomicWrite(path, append(data, '\n'), 0o644)
}

func nonNil(recs []json.RawMessage) []json.RawMessage {
	if recs == nil {
		return []json.RawMessage{}
	}
	return recs
}

// decodeStrict decodes exactly one JSON object from path into v. Read errors
// are returned as is; decode errors become ErrSourceCorrupt.
func decodeStrict(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return corrupt(path, "decode failed", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return corrupt(path, "trailing data after top-level value", nil)
	}
	return nil
}

// checkRecords requires every record to be an object with a unique non-empty
// string id. seen maps ids to the field they were first found in.
func checkRecords(path, field string, recs []json.RawMessage, seen map[string]string) error {
	for i, rec := range recs {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(rec, &obj); err != nil || obj == nil {
			return corrupt(path, fmt.Sprintf("%s[%d] is not an object", field, i), nil)
		}
		var id string
		if err := json.Unmarshal(obj["id"], &id); err != nil || id == "" {
			return corrupt(path, fmt.Sprintf("%s[%d] has no string id", field, i), nil)
		}
		if prev, dup := seen[id]; dup {
			return corrupt(path, fmt.Sprintf("%s[%d] duplicates id %q from %s", field, i, id, prev), nil)
		}
		seen[id] = field
	}
	return nil
}

func corrupt(path, reason string, err error) error {
	return fmt.Errorf("%w: %w", types.ErrSourceCorrupt, &types.FormatError{
		Path:   path,
		Format: integrity.FormatJSON,
		Reason: reason,
		Err:    err,
	})
}
