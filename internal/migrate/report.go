package migrate

import (
	"time"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// Audit is the checksum trail of a swap.
type Audit struct {
	// StoreChecksum is the digest of the store swapped into the live path.
	StoreChecksum string `json:"storeChecksum,omitempty"`
	// PreSwapChecksum is the digest of the store it replaced, taken from the
	// .backup file before it was removed. Empty when there was no live store.
	PreSwapChecksum string `json:"preSwapChecksum,omitempty"`
}

// Report is the structured outcome of a migration run.
type Report struct {
	Skipped       bool          `json:"skipped"`
	SkipReason    string        `json:"skipReason,omitempty"`
	Resumed       bool          `json:"resumed"`
	ResumedFrom   types.Phase   `json:"resumedFrom,omitempty"`
	Phases        []types.Phase `json:"phases"`
	SourceVersion string        `json:"sourceVersion,omitempty"`
	TargetVersion string        `json:"targetVersion"`
	SourceRecords int           `json:"sourceRecords"`
	TargetRecords int           `json:"targetRecords"`
	BackupID      string        `json:"backupId,omitempty"`
	Audit         Audit         `json:"audit"`
	StorePath     string        `json:"storePath"`
	Duration      time.Duration `json:"duration"`
}

// outcome labels the run for metrics.
func (r *Report) outcome(err error) string {
	switch {
	case err != nil && len(r.Phases) > 0 && r.Phases[len(r.Phases)-1] == types.PhaseRolledBack:
		return "rolled_back"
	case err != nil:
		return "failed"
	case r.Skipped:
		return "skipped"
	default:
		return "committed"
	}
}
