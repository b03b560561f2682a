package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshot errors.
var (
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrSnapshotExists    = errors.New("snapshot already exists")
	ErrSnapshotCorrupted = errors.New("snapshot integrity check failed")
	ErrInvalidSnapshotID = errors.New("invalid snapshot id")
)

// maxAutoSnapshots is how many automatic snapshots are kept.
const maxAutoSnapshots = 5

// snapshotTables are counted into every snapshot's metadata.
var snapshotTables = []string{
	"baseline_entities",
	"import_batches",
	"source_records",
	"match_records",
	"quality_flags",
}

// SnapshotInfo describes one copy of the ledger database.
type SnapshotInfo struct {
	CreatedAt     time.Time      `json:"created_at"`
	RowCounts     map[string]int `json:"row_counts"`
	ID            string         `json:"id"`
	Description   string         `json:"description"`
	FileSize      int64          `json:"file_size"`
	SchemaVersion int            `json:"schema_version"`
	IsAuto        bool           `json:"is_auto"`
}

// SnapshotManager writes point-in-time copies of the ledger database next
// to it, in a "snapshots" directory.
type SnapshotManager struct {
	db  *sql.DB
	dir string
}

// Snapshots returns the snapshot manager for this database. In-memory
// databases cannot be snapshotted.
func (s *SQLiteStorage) Snapshots() (*SnapshotManager, error) {
	if s.dbPath == ":memory:" {
		return nil, fmt.Errorf("%w: in-memory database", ErrInvalidSnapshotID)
	}

	dir := filepath.Join(filepath.Dir(s.dbPath), "snapshots")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve snapshots directory: %w", err)
	}
	return &SnapshotManager{db: s.db, dir: abs}, nil
}

// Create copies the database into a snapshot named id. An empty id gets a
// timestamped name.
func (m *SnapshotManager) Create(ctx context.Context, id, description string) (*SnapshotInfo, error) {
	return m.create(ctx, id, description, false)
}

// Auto takes a snapshot before an operation and prunes old automatic ones.
func (m *SnapshotManager) Auto(ctx context.Context, operation string) (*SnapshotInfo, error) {
	id := fmt.Sprintf("auto-%s-%s", operation, time.Now().UTC().Format("20060102-150405.000000000"))
	info, err := m.create(ctx, id, "Automatic snapshot before "+operation, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create automatic snapshot: %w", err)
	}

	if err := m.pruneAuto(ctx); err != nil {
		slog.Warn("Failed to prune automatic snapshots", "error", err)
	}
	return info, nil
}

func (m *SnapshotManager) create(ctx context.Context, id, description string, auto bool) (*SnapshotInfo, error) {
	if id == "" {
		id = "snapshot-" + time.Now().UTC().Format("20060102-150405")
	}
	if err := validateSnapshotID(id); err != nil {
		return nil, err
	}

	dbFile := m.dbFile(id)
	if _, err := os.Stat(dbFile); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotExists, id)
	}

	var schemaVersion int
	if err := m.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&schemaVersion); err != nil {
		return nil, fmt.Errorf("failed to get schema version: %w", err)
	}

	counts, err := m.rowCounts(ctx)
	if err != nil {
		return nil, err
	}

	// VACUUM INTO writes a consistent copy even while WAL frames are pending.
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", dbFile); err != nil {
		return nil, fmt.Errorf("failed to copy database: %w", err)
	}

	stat, err := os.Stat(dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	info := &SnapshotInfo{
		ID:            id,
		CreatedAt:     time.Now().UTC(),
		Description:   description,
		FileSize:      stat.Size(),
		RowCounts:     counts,
		SchemaVersion: schemaVersion,
		IsAuto:        auto,
	}
	if err := writeSnapshotMeta(m.metaFile(id), info); err != nil {
		if rmErr := os.Remove(dbFile); rmErr != nil {
			slog.Error("failed to remove snapshot after metadata failure", "error", rmErr)
		}
		return nil, fmt.Errorf("failed to save snapshot metadata: %w", err)
	}

	slog.Info("Created snapshot", "id", id, "size", info.FileSize, "auto", auto)
	return info, nil
}

// List returns every snapshot, newest first. Snapshots with unreadable
// metadata are skipped.
func (m *SnapshotManager) List(_ context.Context) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots directory: %w", err)
	}

	snapshots := make([]SnapshotInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		info, err := readSnapshotMeta(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			slog.Debug("Skipping unreadable snapshot metadata", "file", entry.Name(), "error", err)
			continue
		}
		snapshots = append(snapshots, *info)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// Verify runs SQLite's integrity check against a snapshot.
func (m *SnapshotManager) Verify(ctx context.Context, id string) error {
	if err := validateSnapshotID(id); err != nil {
		return err
	}
	dbFile := m.dbFile(id)
	if _, err := os.Stat(dbFile); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return fmt.Errorf("failed to access snapshot: %w", err)
	}

	db, err := sql.Open("sqlite3", dbFile)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotCorrupted, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrSnapshotCorrupted, result)
	}
	return nil
}

// Delete removes a snapshot and its metadata.
func (m *SnapshotManager) Delete(_ context.Context, id string) error {
	if err := validateSnapshotID(id); err != nil {
		return err
	}

	if err := os.Remove(m.dbFile(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	if err := os.Remove(m.metaFile(id)); err != nil && !os.IsNotExist(err) {
		slog.Debug("failed to remove snapshot metadata", "id", id, "error", err)
	}
	return nil
}

func (m *SnapshotManager) pruneAuto(ctx context.Context) error {
	snapshots, err := m.List(ctx)
	if err != nil {
		return err
	}

	kept := 0
	for _, s := range snapshots {
		if !s.IsAuto {
			continue
		}
		kept++
		if kept <= maxAutoSnapshots {
			continue
		}
		if err := m.Delete(ctx, s.ID); err != nil {
			slog.Debug("failed to delete old automatic snapshot", "id", s.ID, "error", err)
		}
	}
	return nil
}

func (m *SnapshotManager) rowCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(snapshotTables))
	for _, table := range snapshotTables {
		var n int
		// #nosec G202 - table names come from the fixed list above
		if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

func (m *SnapshotManager) dbFile(id string) string {
	return filepath.Join(m.dir, id+".db")
}

func (m *SnapshotManager) metaFile(id string) string {
	return filepath.Join(m.dir, id+".meta.json")
}

func validateSnapshotID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSnapshotID, id)
	}
	return nil
}

func writeSnapshotMeta(path string, info *SnapshotInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readSnapshotMeta(path string) (*SnapshotInfo, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the snapshots directory
	if err != nil {
		return nil, err
	}

	var info SnapshotInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
