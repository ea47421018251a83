package backup

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mesh-intelligence/cleo/pkg/types"
)

// Rotate takes a Tier-1 rollback copy of the data file name into
// .backups/<name>.1, shifting older copies up and dropping the one beyond
// Tier1Max. It returns the new copy's path, or "" when the file does not
// exist or Tier-1 copies are disabled.
func (m *Manager) Rotate(name string) (string, error) {
	max := m.cfg.Tier1Max
	src := m.layout.DataFile(name)
	if max <= 0 {
		return "", nil
	}
	if ok, err := m.fs.Exists(src); err != nil || !ok {
		return "", err
	}

	dir := m.layout.Tier1Dir()
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := m.fs.Remove(tier1Path(dir, name, max)); err != nil {
		return "", err
	}
	for n := max - 1; n >= 1; n-- {
		from := tier1Path(dir, name, n)
		ok, err := m.fs.Exists(from)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if err := m.fs.Rename(from, tier1Path(dir, name, n+1)); err != nil {
			return "", fmt.Errorf("rotating %s: %w", from, err)
		}
	}

	dst := tier1Path(dir, name, 1)
	if err := m.fs.CopyFile(src, dst); err != nil {
		return "", fmt.Errorf("copying %s: %w", name, err)
	}
	m.log.Debug("Rotated rollback copy", "file", name, "copy", dst)
	return dst, nil
}

// Tier1Copies lists the existing rollback copies of name, newest first.
func (m *Manager) Tier1Copies(name string) ([]string, error) {
	var out []string
	for n := 1; n <= m.cfg.Tier1Max; n++ {
		p := tier1Path(m.layout.Tier1Dir(), name, n)
		ok, err := m.fs.Exists(p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func tier1Path(dir, name string, n int) string {
	return filepath.Join(dir, name+"."+strconv.Itoa(n))
}

// Retention returns the configured retention count for typ.
func (m *Manager) Retention(typ types.BackupType) int {
	return m.cfg.Retention[typ]
}
