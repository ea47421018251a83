package backup

import (
	"context"
	"fmt"
	"slices"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// Prune removes the oldest backups of typ beyond its retention count and
// returns the removed IDs. Migration backups are never pruned.
func (m *Manager) Prune(ctx context.Context, typ types.BackupType) ([]string, error) {
	return m.prune(ctx, typ, nil)
}

// prune is Prune with the backups named in keep exempt from removal.
func (m *Manager) prune(ctx context.Context, typ types.BackupType, keep []string) ([]string, error) {
	if _, err := types.ParseBackupType(string(typ)); err != nil {
		return nil, err
	}
	if !typ.Prunable() {
		return nil, nil
	}
	limit := m.cfg.Retention[typ]
	if limit <= 0 {
		return nil, nil
	}

	all, err := m.List(typ)
	if err != nil {
		return nil, err
	}
	if len(all) <= limit {
		return nil, nil
	}

	var removed []string
	for _, b := range all[limit:] {
		if slices.Contains(keep, b.ID) {
			m.log.Debug("Retaining backup past retention", "id", b.ID, "type", typ)
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := m.fs.RemoveAll(b.Dir); err != nil {
			return removed, fmt.Errorf("pruning %s: %w", b.ID, err)
		}
		removed = append(removed, b.ID)
		m.log.Debug("Pruned backup", "id", b.ID, "type", typ)
	}
	m.metrics.AddPruned(string(typ), len(removed))
	m.log.Info("Pruned backups", "type", typ, "removed", len(removed), "kept", limit)
	return removed, nil
}

// PruneAll prunes every prunable type.
func (m *Manager) PruneAll(ctx context.Context) (map[types.BackupType][]string, error) {
	out := make(map[types.BackupType][]string)
	for _, t := range types.BackupTypes {
		removed, err := m.Prune(ctx, t)
		if err != nil {
			return out, err
		}
		if len(removed) > 0 {
			out[t] = removed
		}
	}
	return out, nil
}
