package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS baseline_entities (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					region TEXT NOT NULL,
					city TEXT,
					entity_type TEXT,
					enrollment INTEGER,
					version TEXT,
					loaded_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_baseline_entities_region ON baseline_entities(region)`,

				`CREATE TABLE IF NOT EXISTS import_batches (
					id TEXT PRIMARY KEY,
					source_url TEXT NOT NULL,
					record_count INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					activated_at DATETIME,
					undone_at DATETIME
				)`,

				`CREATE TABLE IF NOT EXISTS source_records (
					id TEXT PRIMARY KEY,
					batch_id TEXT NOT NULL,
					name TEXT NOT NULL,
					region TEXT NOT NULL,
					external_id TEXT,
					city TEXT,
					enrollment INTEGER,
					admin_name TEXT,
					admin_email TEXT,
					phone TEXT,
					address TEXT,
					ingested_at DATETIME NOT NULL,
					FOREIGN KEY (batch_id) REFERENCES import_batches(id)
				)`,
				`CREATE INDEX idx_source_records_batch ON source_records(batch_id)`,

				`CREATE TABLE IF NOT EXISTS match_records (
					id TEXT PRIMARY KEY,
					source_id TEXT NOT NULL,
					baseline_id TEXT,
					batch_id TEXT,
					method TEXT NOT NULL,
					outcome TEXT NOT NULL,
					confidence INTEGER NOT NULL CHECK (confidence BETWEEN 0 AND 100),
					evidence TEXT NOT NULL,
					decided_at DATETIME NOT NULL,
					decided_by TEXT NOT NULL,
					verified INTEGER NOT NULL DEFAULT 0,
					flag_for_review INTEGER NOT NULL DEFAULT 0,
					review_reason TEXT,
					active INTEGER NOT NULL DEFAULT 0,
					supersedes_id TEXT,
					deactivated_at DATETIME,
					FOREIGN KEY (source_id) REFERENCES source_records(id)
				)`,
				`CREATE INDEX idx_match_records_source ON match_records(source_id, decided_at)`,
				`CREATE INDEX idx_match_records_batch ON match_records(batch_id)`,
				`CREATE INDEX idx_match_records_baseline ON match_records(baseline_id) WHERE active = 1`,
			})
		},
	},
	{
		Version:     2,
		Description: "Enforce a single active match per source record",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX idx_match_records_one_active ON match_records(source_id) WHERE active = 1`,
				`CREATE INDEX idx_match_records_review ON match_records(confidence, decided_at) WHERE active = 1 AND verified = 0`,
			})
		},
	},
	{
		Version:     3,
		Description: "Add quality flags",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS quality_flags (
					id TEXT PRIMARY KEY,
					source_id TEXT,
					match_id TEXT,
					batch_id TEXT,
					severity TEXT NOT NULL,
					code TEXT NOT NULL,
					description TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					resolved_at DATETIME,
					resolved_by TEXT,
					resolution_note TEXT
				)`,
				`CREATE INDEX idx_quality_flags_source ON quality_flags(source_id)`,
				`CREATE INDEX idx_quality_flags_open ON quality_flags(created_at) WHERE resolved_at IS NULL`,
			})
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
