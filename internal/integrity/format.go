package integrity

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// Store file formats recognized by ValidateStoreFormat.
const (
	FormatSQLite = "sqlite"
	FormatJSON   = "json"
	FormatJSONL  = "jsonl"
)

const (
	sqliteMagic      = "SQLite format 3\x00"
	sqliteHeaderSize = 100
)

// FormatOf returns the store format implied by a filename.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite
	case ".jsonl":
		return FormatJSONL
	case ".json":
		return FormatJSON
	default:
		return ""
	}
}

// ValidateStoreFormat checks that path holds a well-formed store file of the
// format implied by its name. It returns an error wrapping types.ErrStoreAbsent
// when the file does not exist and a *types.FormatError when it exists but is
// corrupt or truncated.
func ValidateStoreFormat(ctx context.Context, path string) error {
	return ValidateAs(ctx, path, FormatOf(path))
}

// ValidateAs validates path as the given format regardless of its name.
func ValidateAs(ctx context.Context, path, format string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, types.ErrStoreAbsent)
		}
		return &types.FormatError{Path: path, Format: format, Reason: "unreadable", Err: err}
	}
	if info.IsDir() {
		return &types.FormatError{Path: path, Format: format, Reason: "is a directory"}
	}

	switch format {
	case FormatSQLite:
		return validateSQLite(ctx, path, info.Size())
	case FormatJSON:
		return validateJSON(path)
	case FormatJSONL:
		return validateJSONL(path)
	default:
		return &types.FormatError{Path: path, Format: "unknown", Reason: "unrecognized store file type"}
	}
}

// validateSQLite checks the database header, the page arithmetic and the
// engine's own quick_check.
func validateSQLite(ctx context.Context, path string, size int64) error {
	fail := func(reason string, err error) error {
		return &types.FormatError{Path: path, Format: FormatSQLite, Reason: reason, Err: err}
	}

	if size < sqliteHeaderSize {
		return fail(fmt.Sprintf("truncated: %d bytes is shorter than the header", size), nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return fail("unreadable", err)
	}
	header := make([]byte, sqliteHeaderSize)
	_, err = io.ReadFull(f, header)
	f.Close()
	if err != nil {
		return fail("unreadable header", err)
	}
	if string(header[:len(sqliteMagic)]) != sqliteMagic {
		return fail("bad header magic", nil)
	}

	pageSize := int64(binary.BigEndian.Uint16(header[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	if pageSize < 512 || pageSize > 65536 || pageSize&(pageSize-1) != 0 {
		return fail(fmt.Sprintf("invalid page size %d", pageSize), nil)
	}
	if size%pageSize != 0 {
		return fail(fmt.Sprintf("truncated: size %d is not a multiple of page size %d", size, pageSize), nil)
	}
	changeCounter := binary.BigEndian.Uint32(header[24:28])
	pageCount := int64(binary.BigEndian.Uint32(header[28:32]))
	validFor := binary.BigEndian.Uint32(header[92:96])
	if validFor == changeCounter && pageCount > 0 && size < pageCount*pageSize {
		return fail(fmt.Sprintf("truncated: %d pages declared, %d present", pageCount, size/pageSize), nil)
	}

	db, err := sql.Open("sqlite", ReadOnlyDSN(path))
	if err != nil {
		return fail("open", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "PRAGMA quick_check")
	if err != nil {
		return fail("quick_check", err)
	}
	defer rows.Close()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fail("quick_check", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fail("quick_check", err)
	}
	if len(problems) > 0 {
		return fail("quick_check: "+strings.Join(problems, "; "), nil)
	}
	return nil
}

// validateJSON requires exactly one JSON object filling the whole file.
func validateJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &types.FormatError{Path: path, Format: FormatJSON, Reason: "unreadable", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &types.FormatError{Path: path, Format: FormatJSON, Reason: "empty file"}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return &types.FormatError{Path: path, Format: FormatJSON, Reason: "decode", Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return &types.FormatError{Path: path, Format: FormatJSON, Reason: "trailing data after top-level object"}
	}
	return nil
}

// validateJSONL requires every non-empty line to be a JSON value.
func validateJSONL(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &types.FormatError{Path: path, Format: FormatJSONL, Reason: "unreadable", Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if !json.Valid(b) {
			return &types.FormatError{Path: path, Format: FormatJSONL, Reason: fmt.Sprintf("line %d is not valid JSON", line)}
		}
	}
	if err := scanner.Err(); err != nil {
		return &types.FormatError{Path: path, Format: FormatJSONL, Reason: "scan", Err: err}
	}
	return nil
}

// ReadOnlyDSN builds a read-only SQLite URI for path.
func ReadOnlyDSN(path string) string {
	escaped := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(filepath.ToSlash(path))
	return "file:" + escaped + "?mode=ro"
}
