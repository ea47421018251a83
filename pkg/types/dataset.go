package types

import (
	"context"
	"encoding/json"
)

// Dataset is the principal data of a project as exchanged between the flat
// file codec and the store accessor. Records are kept as raw JSON objects so
// fields the migration does not know about survive the conversion.
type Dataset struct {
	SchemaVersion string
	Tasks         []json.RawMessage
	ArchivedTasks []json.RawMessage
	Sessions      []json.RawMessage
}

// RecordCount is the number of records compared between source and target.
func (d *Dataset) RecordCount() int {
	if d == nil {
		return 0
	}
	return len(d.Tasks) + len(d.ArchivedTasks) + len(d.Sessions)
}

// StoreAccessor is the narrow read interface onto a store. Its query and
// storage mechanics stay behind the implementation.
type StoreAccessor interface {
	// SchemaVersion returns the store's schema version; ok is false when the
	// store carries none.
	SchemaVersion(ctx context.Context) (version string, ok bool, err error)

	// LoadPrincipalData reads every record of the store.
	LoadPrincipalData(ctx context.Context) (*Dataset, error)
}
