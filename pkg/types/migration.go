package types

import "time"

// Phase is a step of the migration state machine.
type Phase string

// Migration phases in their fixed order. PhaseRolledBack is reachable from
// every non-terminal phase.
const (
	PhasePending    Phase = "pending"
	PhaseValidating Phase = "validating"
	PhaseWriting    Phase = "writing"
	PhaseVerifying  Phase = "verifying"
	PhaseSwapping   Phase = "swapping"
	PhaseCommitted  Phase = "committed"
	PhaseRolledBack Phase = "rolled_back"
)

// phaseOrder lists the forward phases; index is the ordinal.
var phaseOrder = []Phase{
	PhasePending,
	PhaseValidating,
	PhaseWriting,
	PhaseVerifying,
	PhaseSwapping,
	PhaseCommitted,
}

// Ordinal returns the position of p in the forward order, or -1 for
// PhaseRolledBack and unknown values.
func (p Phase) Ordinal() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transition is allowed from p.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseRolledBack
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseRolledBack || p.Ordinal() >= 0
}

// CanAdvanceTo reports whether the transition p -> next is legal: exactly one
// step forward, or rollback from any non-terminal phase.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if p.Terminal() || !next.Valid() {
		return false
	}
	if next == PhaseRolledBack {
		return true
	}
	return next.Ordinal() == p.Ordinal()+1
}

// MigrationState is the persisted, resumable progress record of a migration.
// At most one exists per store; it is deleted on commit and retained after an
// abort for post-mortem.
type MigrationState struct {
	Phase          Phase     `json:"phase"`
	SourceVersion  string    `json:"sourceVersion"`
	TargetVersion  string    `json:"targetVersion"`
	StartedAt      time.Time `json:"startedAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastError      string    `json:"lastError,omitempty"`
	SourceChecksum string    `json:"sourceChecksum,omitempty"`
	SourceRecords  int       `json:"sourceRecords,omitempty"`
	BackupID       string    `json:"backupId,omitempty"`
	History        []Phase   `json:"history,omitempty"`
}
