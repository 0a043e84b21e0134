// SPDX-License-Identifier: Apache-2.0

// Package backup creates, lists, locates
// and prunes gzip-compressed schema+data dumps, and restores one back
// into a database. The actual dump/restore mechanics live in the
// dbadapter (pg_dump/psql piped through gzip); this package owns the
// filesystem bookkeeping around those files.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pgsync/pgsync/pkg/dbadapter"
)

// Info describes one backup file on disk.
type Info struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// HumanSize renders Size in binary units (KiB, MiB, ...) with one
// decimal place.
func (i Info) HumanSize() string {
	const unit = 1024
	size := float64(i.Size)
	if size < unit {
		return fmt.Sprintf("%d B", i.Size)
	}
	div, exp := float64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", size/div, "KMGTPE"[exp])
}

// Manager ties an adapter's dump/restore mechanics to a backup directory.
type Manager struct {
	Adapter dbadapter.Adapter
	Dir     string
}

// New returns a Manager rooted at dir.
func New(adapter dbadapter.Adapter, dir string) *Manager {
	return &Manager{Adapter: adapter, Dir: dir}
}

// Create ensures Dir exists and writes a new backup, returning its path.
func (m *Manager) Create(ctx context.Context, cfg dbadapter.ConnConfig) (string, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", &dbadapter.AdapterError{Op: "backup_create", Err: err}
	}
	return m.Adapter.CreateBackup(ctx, cfg, m.Dir)
}

// List returns every *.sql.gz file in Dir, newest first by mtime.
func (m *Manager) List() ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(m.Dir, "*.sql.gz"))
	if err != nil {
		return nil, &dbadapter.AdapterError{Op: "backup_list", Err: err}
	}

	infos := make([]Info, 0, len(matches))
	for _, path := range matches {
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Name:    filepath.Base(path),
			Path:    path,
			Size:    st.Size(),
			ModTime: st.ModTime(),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ModTime.After(infos[j].ModTime) })
	return infos, nil
}

// Find resolves name to a backup file: an exact filename match first,
// then the first substring-containing match, in List order.
func (m *Manager) Find(name string) (Info, error) {
	infos, err := m.List()
	if err != nil {
		return Info{}, err
	}

	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	for _, info := range infos {
		if name != "" && strings.Contains(info.Name, name) {
			return info, nil
		}
	}

	return Info{}, fmt.Errorf("no backup matching %q in %s", name, m.Dir)
}

// Cleanup deletes every backup but the most recent keepLast, returning
// the number removed.
func (m *Manager) Cleanup(keepLast int) (int, error) {
	infos, err := m.List()
	if err != nil {
		return 0, err
	}
	if keepLast < 0 || len(infos) <= keepLast {
		return 0, nil
	}

	removed := 0
	for _, info := range infos[keepLast:] {
		if err := os.Remove(info.Path); err != nil {
			return removed, &dbadapter.AdapterError{Op: "backup_cleanup", Err: err}
		}
		removed++
	}
	return removed, nil
}

// Restore pipes the backup at path into cfg's database.
func (m *Manager) Restore(ctx context.Context, cfg dbadapter.ConnConfig, path string) error {
	return m.Adapter.RestoreBackup(ctx, cfg, path)
}
