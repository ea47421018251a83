package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mesh-intelligence/cleo/internal/clock"
	"github.com/mesh-intelligence/cleo/internal/fsops"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// StateTracker persists the resumable migration progress record. Every
// write replaces the file atomically.
type StateTracker struct {
	path  string
	fs    fsops.FS
	clock clock.Clock
}

// NewStateTracker creates a tracker for the state file at path.
func NewStateTracker(path string, fs fsops.FS, clk clock.Clock) *StateTracker {
	return &StateTracker{path: path, fs: fs, clock: clk}
}

// Path returns the state file path.
func (s *StateTracker) Path() string {
	return s.path
}

// Begin creates a new state record in phase pending. It fails with
// types.ErrAlreadyInProgress if a record already exists.
func (s *StateTracker) Begin(sourceVersion, targetVersion string) (*types.MigrationState, error) {
	ok, err := s.fs.Exists(s.path)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, &types.OpError{
			Kind:        types.ErrAlreadyInProgress,
			Op:          "migration begin",
			Artifact:    s.path,
			Remediation: "resume with 'cleo migrate' or restart with 'cleo migrate --force'",
		}
	}
	now := s.clock.Now().UTC()
	st := &types.MigrationState{
		Phase:         types.PhasePending,
		SourceVersion: sourceVersion,
		TargetVersion: targetVersion,
		StartedAt:     now,
		UpdatedAt:     now,
		History:       []types.Phase{types.PhasePending},
	}
	if err := s.write(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Advance moves st to next and persists it. Illegal transitions fail with
// types.ErrInvalidTransition and leave both st and the file unchanged.
func (s *StateTracker) Advance(st *types.MigrationState, next types.Phase) error {
	if !st.Phase.CanAdvanceTo(next) {
		return fmt.Errorf("%s -> %s: %w", st.Phase, next, types.ErrInvalidTransition)
	}
	updated := *st
	updated.Phase = next
	updated.UpdatedAt = s.clock.Now().UTC()
	updated.History = append(append([]types.Phase(nil), st.History...), next)
	if err := s.write(&updated); err != nil {
		return err
	}
	*st = updated
	return nil
}

// Save persists st without a phase change, for fields recorded mid-phase.
func (s *StateTracker) Save(st *types.MigrationState) error {
	st.UpdatedAt = s.clock.Now().UTC()
	return s.write(st)
}

// Load returns the persisted record, or nil when none exists.
func (s *StateTracker) Load() (*types.MigrationState, error) {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var st types.MigrationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &types.FormatError{Path: s.path, Format: "json", Reason: "unreadable migration state", Err: err}
	}
	if !st.Phase.Valid() {
		return nil, &types.FormatError{Path: s.path, Format: "json", Reason: fmt.Sprintf("unknown phase %q", st.Phase)}
	}
	return &st, nil
}

// Commit marks st committed and deletes the record. Call only after the
// engine has confirmed success.
func (s *StateTracker) Commit(st *types.MigrationState) error {
	if err := s.Advance(st, types.PhaseCommitted); err != nil {
		return err
	}
	return s.fs.Remove(s.path)
}

// Abort records reason, moves st to rolled_back and keeps the record for
// post-mortem. It is removed only by Discard.
func (s *StateTracker) Abort(st *types.MigrationState, reason error) error {
	if reason != nil {
		st.LastError = reason.Error()
	}
	if st.Phase == types.PhaseRolledBack {
		return s.Save(st)
	}
	return s.Advance(st, types.PhaseRolledBack)
}

// Discard deletes any record, for a forced restart.
func (s *StateTracker) Discard() error {
	return s.fs.Remove(s.path)
}

func (s *StateTracker) write(st *types.MigrationState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := s.fs.AtomicWrite(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing migration state: %w", err)
	}
	return nil
}
