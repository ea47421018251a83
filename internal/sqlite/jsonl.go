// This file exports a store to JSONL files with atomic persistence.
package sqlite

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// Export file names.
const (
	TasksJSONL         = "tasks.jsonl"
	ArchivedTasksJSONL = "archived-tasks.jsonl"
	SessionsJSONL      = "sessions.jsonl"
)

// ExportResult lists the files written and their record counts.
type ExportResult struct {
	Dir           string         `json:"dir"`
	SchemaVersion string         `json:"schemaVersion,omitempty"`
	Files         map[string]int `json:"files"`
}

// Export writes every record reachable through acc to one JSONL file per
// collection in dir. Each file is replaced atomically; empty collections
// produce empty files.
func Export(ctx context.Context, acc types.StoreAccessor, dir string) (*ExportResult, error) {
	ds, err := acc.LoadPrincipalData(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}

	res := &ExportResult{Dir: dir, SchemaVersion: ds.SchemaVersion, Files: make(map[string]int)}
	for _, out := range []struct {
		name    string
		records []json.RawMessage
	}{
		{TasksJSONL, ds.Tasks},
		{ArchivedTasksJSONL, ds.ArchivedTasks},
		{SessionsJSONL, ds.Sessions},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := writeJSONL(filepath.Join(dir, out.name), out.records); err != nil {
			return nil, err
		}
		res.Files[out.name] = len(out.records)
	}
	return res, nil
}

// writeJSONL atomically writes records to a JSONL file using the temp-file,
// fsync, rename pattern. Records are compacted onto one line each.
func writeJSONL(path string, records []json.RawMessage) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	var line bytes.Buffer
	for _, rec := range records {
		line.Reset()
		if err := json.Compact(&line, rec); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("compacting record: %w", err)
		}
		if _, err := w.Write(line.Bytes()); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("writing record: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("writing newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flushing buffer: %w", err)
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
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
