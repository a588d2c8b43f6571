package snapshot

// ============================================================================
// Report snapshots
// Responsibility:
// 1. Serialize an analysis report to a JSON file
// 2. Write atomically (temp file + rename) so a crash never leaves a torn file
// 3. Check the schema version on load
// 4. Optionally keep timestamped backups of earlier reports
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/wikigraph/internal/graphinfo"
)

// SchemaVersion is the current on-disk format.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// envelope is the on-disk layout.
type envelope struct {
	SchemaVer int               `json:"schema_version"`
	SavedAt   time.Time         `json:"saved_at"`
	Report    *graphinfo.Report `json:"report"`
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewManager returns a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Write stores report atomically.
func (m *Manager) Write(report *graphinfo.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(report)
}

func (m *Manager) writeLocked(report *graphinfo.Report) error {
	if report == nil {
		return errors.New("snapshot: nil report")
	}
	data, err := json.MarshalIndent(envelope{
		SchemaVer: SchemaVersion,
		SavedAt:   m.now().UTC(),
		Report:    report,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}
	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the report back. A missing file yields ErrSnapshotNotFound.
func (m *Manager) Load() (*graphinfo.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if env.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, SchemaVersion)
	}
	if env.Report == nil {
		return nil, fmt.Errorf("%w: no report", ErrCorruptedSnapshot)
	}

	r := env.Report
	if r.SCC == nil {
		r.SCC = make(map[string][][2]int64)
	}
	if r.Aggregates == nil {
		r.Aggregates = make(map[string]graphinfo.Snapshot)
	}
	if r.Centers == nil {
		r.Centers = make(map[string][]graphinfo.Center)
	}
	return r, nil
}

// Exists reports whether the snapshot file exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot path.
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup moves the current snapshot aside under a timestamped name,
// writes report, and keeps at most keepBackups backups.
func (m *Manager) WriteWithBackup(report *graphinfo.Report, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	if err := m.writeLocked(report); err != nil {
		return err
	}
	return m.pruneLocked(keepBackups)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range matches {
		if p != m.path+".tmp" {
			out = append(out, p)
		}
	}
	// timestamps sort lexically
	sort.Strings(out)
	return out, nil
}

func (m *Manager) pruneLocked(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to prune backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
