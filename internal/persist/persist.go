// Package persist implements crash-safe snapshot persistence for the
// knowledge graph: checksummed snapshots, rotating timestamped backups, and
// integrity verification. A checksum mismatch is always reported as
// corruption and never silently repaired.
package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tapestry/internal/graph"
	"tapestry/internal/logging"
)

const (
	primaryName  = "graph.json"
	manifestName = "manifest.json"
	backupDir    = "backups"
)

// BackupManifest records one stored snapshot and its integrity checksum.
type BackupManifest struct {
	Checksum   string    `json:"checksum"`
	CreatedAt  time.Time `json:"created_at"`
	NodeCount  int       `json:"node_count"`
	EdgeCount  int       `json:"edge_count"`
	BackupPath string    `json:"backup_path"`
}

// manifestFile is the on-disk manifest: the primary snapshot entry plus all
// retained backups, most-recent-first.
type manifestFile struct {
	Primary *BackupManifest  `json:"primary,omitempty"`
	Backups []BackupManifest `json:"backups"`
}

// SaveResult reports the outcome of SaveWithBackup.
type SaveResult struct {
	Success        bool   `json:"success"`
	Checksum       string `json:"checksum"`
	BackupPath     string `json:"backup_path"`
	NodeCount      int    `json:"node_count"`
	EdgeCount      int    `json:"edge_count"`
	BackupsRemoved int    `json:"backups_removed"`
}

// VerifyResult reports an integrity check of a stored snapshot.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Checksum string `json:"checksum"`
	Error    string `json:"error,omitempty"`
}

// IntegrityError marks a checksum mismatch on load. Fatal to the restore.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("snapshot integrity failure at %s: expected checksum %s, got %s", e.Path, e.Expected, e.Actual)
}

// Manager persists graph snapshots under one directory with a configured
// backup retention count.
type Manager struct {
	dir       string
	retention int
	mu        sync.Mutex
}

// NewManager creates a persistence manager rooted at dir, keeping the given
// number of backups.
func NewManager(dir string, retention int) *Manager {
	if retention < 1 {
		retention = 3
	}
	return &Manager{dir: dir, retention: retention}
}

// PrimaryPath returns the path of the primary snapshot file.
func (m *Manager) PrimaryPath() string {
	return filepath.Join(m.dir, primaryName)
}

// SaveWithBackup serializes the snapshot canonically, writes the primary
// snapshot and a timestamped backup, updates the manifest, and deletes
// backups beyond the retention count. Save and rotation happen under one
// lock so a concurrent save never observes more than N backups.
func (m *Manager) SaveWithBackup(snap graph.Snapshot) (*SaveResult, error) {
	timer := logging.StartTimer(logging.CategoryPersist, "SaveWithBackup")
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(m.dir, backupDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	checksum := checksumBytes(data)

	if err := writeAtomic(m.PrimaryPath(), data); err != nil {
		return nil, fmt.Errorf("failed to write primary snapshot: %w", err)
	}

	backupName := fmt.Sprintf("graph_%s.json", time.Now().UTC().Format("20060102T150405.000000000"))
	backupPath := filepath.Join(m.dir, backupDir, backupName)
	if err := writeAtomic(backupPath, data); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}

	manifest, err := m.readManifest()
	if err != nil {
		logging.Get(logging.CategoryPersist).Warn("SaveWithBackup: manifest unreadable, starting fresh: %v", err)
		manifest = &manifestFile{}
	}

	entry := BackupManifest{
		Checksum:   checksum,
		CreatedAt:  time.Now(),
		NodeCount:  snap.NodeCount,
		EdgeCount:  snap.EdgeCount,
		BackupPath: backupPath,
	}
	manifest.Primary = &entry
	manifest.Backups = append([]BackupManifest{entry}, manifest.Backups...)

	removed := 0
	for len(manifest.Backups) > m.retention {
		victim := manifest.Backups[len(manifest.Backups)-1]
		manifest.Backups = manifest.Backups[:len(manifest.Backups)-1]
		if err := os.Remove(victim.BackupPath); err != nil && !os.IsNotExist(err) {
			logging.Get(logging.CategoryPersist).Warn("SaveWithBackup: failed to remove old backup %s: %v", victim.BackupPath, err)
			continue
		}
		removed++
	}

	if err := m.writeManifest(manifest); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	logging.Persist("SaveWithBackup: saved %d nodes / %d edges (checksum=%s, removed=%d old backups)",
		snap.NodeCount, snap.EdgeCount, checksum[:12], removed)

	return &SaveResult{
		Success:        true,
		Checksum:       checksum,
		BackupPath:     backupPath,
		NodeCount:      snap.NodeCount,
		EdgeCount:      snap.EdgeCount,
		BackupsRemoved: removed,
	}, nil
}

// ListBackups returns the retained backups, most-recent-first.
func (m *Manager) ListBackups() ([]BackupManifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	manifest, err := m.readManifest()
	if err != nil {
		return nil, err
	}
	return manifest.Backups, nil
}

// VerifyIntegrity recomputes the checksum of the stored snapshot at path
// and compares it to the manifest. Any mismatch is reported as corruption.
func (m *Manager) VerifyIntegrity(path string) VerifyResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyLocked(path)
}

func (m *Manager) verifyLocked(path string) VerifyResult {
	manifest, err := m.readManifest()
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("manifest unreadable: %v", err)}
	}

	expected := ""
	if manifest.Primary != nil && path == m.PrimaryPath() {
		expected = manifest.Primary.Checksum
	} else {
		for _, b := range manifest.Backups {
			if b.BackupPath == path {
				expected = b.Checksum
				break
			}
		}
	}
	if expected == "" {
		return VerifyResult{Error: fmt.Sprintf("no manifest entry for %s", path)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("snapshot unreadable: %v", err)}
	}

	actual := checksumBytes(data)
	if actual != expected {
		logging.Get(logging.CategoryPersist).Error("VerifyIntegrity: corruption at %s: expected %s got %s", path, expected, actual)
		return VerifyResult{Valid: false, Checksum: actual, Error: "checksum mismatch"}
	}
	return VerifyResult{Valid: true, Checksum: actual}
}

// Load verifies and deserializes a stored snapshot into a new graph.
// An integrity failure aborts the load.
func (m *Manager) Load(path string) (*graph.Graph, error) {
	timer := logging.StartTimer(logging.CategoryPersist, "Load")
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	verify := m.verifyLocked(path)
	if verify.Error != "" && !verify.Valid {
		if verify.Error == "checksum mismatch" {
			manifest, _ := m.readManifest()
			expected := ""
			if manifest != nil && manifest.Primary != nil {
				expected = manifest.Primary.Checksum
			}
			return nil, &IntegrityError{Path: path, Expected: expected, Actual: verify.Checksum}
		}
		return nil, fmt.Errorf("cannot load snapshot: %s", verify.Error)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap graph.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	logging.Persist("Load: restored %d nodes / %d edges from %s", snap.NodeCount, snap.EdgeCount, path)
	return graph.FromSnapshot(snap), nil
}

func (m *Manager) readManifest() (*manifestFile, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return &manifestFile{}, nil
		}
		return nil, err
	}
	var manifest manifestFile
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

func (m *Manager) writeManifest(manifest *manifestFile) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(m.dir, manifestName), data)
}

// writeAtomic writes via a temp file and rename so a crash mid-write never
// leaves a partial snapshot in place.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func checksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
