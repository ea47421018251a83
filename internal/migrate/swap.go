package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/cleo/internal/integrity"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

// swap replaces the live store with the verified temp store in two renames:
// live -> live.backup, then temp -> live. It is not cancellable. If the
// second rename fails the first is reversed; if that fails too the error
// names the intact .backup file and how to put it back.
func (e *Engine) swap(ctx context.Context, st *types.MigrationState, rep *Report) error {
	live := e.layout.LiveStore()
	bak := e.layout.SwapBackup()
	tmp := e.layout.TempStore()

	hadLive, err := e.fs.Exists(live)
	if err != nil {
		return e.fail(st, rep, err)
	}
	if hadLive {
		stale, err := e.fs.Exists(bak)
		if err != nil {
			return e.fail(st, rep, err)
		}
		if stale {
			_ = e.fs.Remove(tmp)
			return e.fail(st, rep, &types.OpError{
				Kind:        types.ErrSwapFailed,
				Op:          "migrate swap",
				Artifact:    bak,
				Remediation: fmt.Sprintf("a previous swap left %s; compare it with %s, keep the good one, remove the other and rerun", bak, live),
				Err:         errors.New("stale swap backup present"),
			})
		}
	}

	if err := e.advance(st, types.PhaseSwapping, rep); err != nil {
		return err
	}

	if hadLive {
		if err := e.fs.Rename(live, bak); err != nil {
			_ = e.fs.Remove(tmp)
			return e.fail(st, rep, &types.OpError{
				Kind:        types.ErrSwapFailed,
				Op:          "migrate swap",
				Artifact:    live,
				Remediation: "the live store was not moved and is unchanged; rerun with --force",
				Err:         err,
			})
		}
	}

	if err := e.fs.Rename(tmp, live); err != nil {
		if !hadLive {
			_ = e.fs.Remove(tmp)
			return e.fail(st, rep, &types.OpError{
				Kind:        types.ErrSwapFailed,
				Op:          "migrate swap",
				Artifact:    e.layout.DataDir,
				Remediation: "no store was installed; the flat files are unchanged; rerun with --force",
				Err:         err,
			})
		}
		if rerr := e.fs.Rename(bak, live); rerr != nil {
			e.log.Error("Swap reversal failed", "backup", bak, "live", live, "error", rerr)
			return e.fail(st, rep, &types.OpError{
				Kind:        types.ErrSwapFailed,
				Op:          "migrate swap",
				Artifact:    bak,
				Remediation: fmt.Sprintf("the original store is intact at %s; restore it with: mv %s %s", bak, bak, live),
				Err:         errors.Join(err, rerr),
			})
		}
		_ = e.fs.Remove(tmp)
		return e.fail(st, rep, &types.OpError{
			Kind:        types.ErrSwapFailed,
			Op:          "migrate swap",
			Artifact:    live,
			Remediation: "the swap was reversed and the live store is unchanged; rerun with --force",
			Err:         err,
		})
	}
	e.handles.Invalidate(live)
	e.log.Info("Swapped in migrated store", "path", live)

	return e.postSwap(ctx, st, rep, hadLive)
}

// resumeSwap finishes a swap interrupted by a crash, working out from the
// files on disk which renames already happened.
func (e *Engine) resumeSwap(ctx context.Context, st *types.MigrationState, rep *Report) error {
	ctx = context.WithoutCancel(ctx)
	live := e.layout.LiveStore()
	bak := e.layout.SwapBackup()
	tmp := e.layout.TempStore()

	liveOK, err := e.fs.Exists(live)
	if err != nil {
		return err
	}
	bakOK, err := e.fs.Exists(bak)
	if err != nil {
		return err
	}
	tmpOK, err := e.fs.Exists(tmp)
	if err != nil {
		return err
	}

	manual := func(reason string) error {
		return e.fail(st, rep, &types.OpError{
			Kind:        types.ErrSwapFailed,
			Op:          "migrate resume swap",
			Artifact:    bak,
			Remediation: fmt.Sprintf("inspect %s, %s and %s; the migration backup %s holds the pre-migration files", live, bak, tmp, st.BackupID),
			Err:         errors.New(reason),
		})
	}

	switch {
	case tmpOK && !liveOK:
		// First rename done, or there was no live store: install the temp.
		if err := e.fs.Rename(tmp, live); err != nil {
			return manual(fmt.Sprintf("installing temp store: %v", err))
		}
		e.handles.Invalidate(live)
		return e.postSwap(ctx, st, rep, bakOK)
	case tmpOK && liveOK && !bakOK:
		// Crashed before the first rename: redo the whole swap.
		return e.swapFromSwapping(ctx, st, rep)
	case !tmpOK && liveOK:
		// Both renames done.
		e.handles.Invalidate(live)
		return e.postSwap(ctx, st, rep, bakOK)
	case !tmpOK && !liveOK && bakOK:
		if err := e.fs.Rename(bak, live); err != nil {
			return manual(fmt.Sprintf("temp store lost and restoring backup failed: %v", err))
		}
		return e.fail(st, rep, &types.OpError{
			Kind:        types.ErrSwapFailed,
			Op:          "migrate resume swap",
			Artifact:    live,
			Remediation: "the temp store was lost; the original store was put back; rerun with --force",
			Err:         errors.New("temp store missing"),
		})
	}
	return manual("unexpected combination of swap files")
}

// swapFromSwapping performs both renames for a state already in swapping.
func (e *Engine) swapFromSwapping(ctx context.Context, st *types.MigrationState, rep *Report) error {
	live := e.layout.LiveStore()
	bak := e.layout.SwapBackup()
	tmp := e.layout.TempStore()

	if err := e.fs.Rename(live, bak); err != nil {
		return e.fail(st, rep, &types.OpError{Kind: types.ErrSwapFailed, Op: "migrate resume swap", Artifact: live,
			Remediation: "the live store is unchanged; rerun with --force", Err: err})
	}
	if err := e.fs.Rename(tmp, live); err != nil {
		if rerr := e.fs.Rename(bak, live); rerr != nil {
			return e.fail(st, rep, &types.OpError{Kind: types.ErrSwapFailed, Op: "migrate resume swap", Artifact: bak,
				Remediation: fmt.Sprintf("the original store is intact at %s; restore it with: mv %s %s", bak, bak, live),
				Err:         errors.Join(err, rerr)})
		}
		return e.fail(st, rep, &types.OpError{Kind: types.ErrSwapFailed, Op: "migrate resume swap", Artifact: live,
			Remediation: "the swap was reversed and the live store is unchanged; rerun with --force", Err: err})
	}
	e.handles.Invalidate(live)
	return e.postSwap(ctx, st, rep, true)
}

// postSwap records the audit checksums, reads the new store back and
// commits. A failed read-back keeps the .backup file and rolls back the
// state with instructions.
func (e *Engine) postSwap(ctx context.Context, st *types.MigrationState, rep *Report, hadLive bool) error {
	live := e.layout.LiveStore()
	bak := e.layout.SwapBackup()

	sum, err := integrity.Checksum(live)
	if err != nil {
		return e.readBackFailed(st, rep, hadLive, err)
	}
	rep.Audit.StoreChecksum = sum
	if hadLive {
		pre, err := integrity.Checksum(bak)
		if err != nil {
			e.log.Warn("Could not checksum pre-swap store", "path", bak, "error", err)
		} else {
			rep.Audit.PreSwapChecksum = pre
		}
	}
	e.log.Info("Swap audit",
		"store", live,
		"store_sha256", rep.Audit.StoreChecksum,
		"pre_swap", bak,
		"pre_swap_sha256", rep.Audit.PreSwapChecksum)

	if err := integrity.ValidateAs(ctx, live, integrity.FormatSQLite); err != nil {
		return e.readBackFailed(st, rep, hadLive, err)
	}
	h, err := e.handles.Acquire(ctx, live)
	if err != nil {
		return e.readBackFailed(st, rep, hadLive, err)
	}
	n, err := h.CountRecords(ctx)
	if err != nil {
		return e.readBackFailed(st, rep, hadLive, err)
	}
	if n != st.SourceRecords {
		return e.readBackFailed(st, rep, hadLive, fmt.Errorf("record count mismatch after swap: source %d, store %d", st.SourceRecords, n))
	}
	rep.TargetRecords = n

	if hadLive {
		if err := e.fs.Remove(bak); err != nil {
			e.log.Warn("Failed to remove swap backup", "path", bak, "error", err)
		}
	}
	if err := e.state.Commit(st); err != nil {
		return err
	}
	rep.Phases = append(rep.Phases, types.PhaseCommitted)
	e.metrics.IncPhase(string(types.PhaseCommitted))
	return nil
}

func (e *Engine) readBackFailed(st *types.MigrationState, rep *Report, hadLive bool, cause error) error {
	live := e.layout.LiveStore()
	e.handles.Invalidate(live)
	if hadLive {
		bak := e.layout.SwapBackup()
		return e.fail(st, rep, &types.OpError{
			Kind:        types.ErrSwapFailed,
			Op:          "migrate read-back",
			Artifact:    bak,
			Remediation: fmt.Sprintf("the pre-swap store is intact at %s; restore it with: mv %s %s", bak, bak, live),
			Err:         cause,
		})
	}
	return e.fail(st, rep, &types.OpError{
		Kind:        types.ErrSwapFailed,
		Op:          "migrate read-back",
		Artifact:    live,
		Remediation: fmt.Sprintf("remove %s; the flat files are unchanged", live),
		Err:         cause,
	})
}

// recoverInterruptedSwap puts a parked store back when a swap stopped after
// its first rename, so a forced restart never starts without the original.
func (e *Engine) recoverInterruptedSwap() error {
	live := e.layout.LiveStore()
	bak := e.layout.SwapBackup()

	liveOK, err := e.fs.Exists(live)
	if err != nil {
		return err
	}
	bakOK, err := e.fs.Exists(bak)
	if err != nil {
		return err
	}
	switch {
	case bakOK && !liveOK:
		e.log.Warn("Restoring store parked by an interrupted swap", "from", bak, "to", live)
		if err := e.fs.Rename(bak, live); err != nil {
			return &types.OpError{
				Kind:        types.ErrSwapFailed,
				Op:          "migrate recover",
				Artifact:    bak,
				Remediation: fmt.Sprintf("restore it with: mv %s %s", bak, live),
				Err:         err,
			}
		}
		e.handles.Invalidate(live)
	case bakOK && liveOK:
		return &types.OpError{
			Kind:        types.ErrSwapFailed,
			Op:          "migrate recover",
			Artifact:    bak,
			Remediation: fmt.Sprintf("both %s and %s exist; keep the good one (mv %s %s to roll back), remove the other, then rerun", live, bak, bak, live),
			Err:         errors.New("stale swap backup present"),
		}
	}
	_ = e.fs.Remove(e.layout.TempStore())
	return nil
}
