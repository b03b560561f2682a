// Package testutil provides shared helpers for tests that need a migrated
// ledger database and a small, realistic baseline.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/storage"
)

// TestDB represents a test database with associated test utilities.
type TestDB struct {
	Storage *storage.SQLiteStorage
	t       *testing.T
}

// SetupTestDB creates a migrated SQLite database in the test's temporary
// directory and closes it when the test ends.
//
// Example:
//
//	db := testutil.SetupTestDB(t)
//	db.SeedBaseline(testutil.Baseline()...)
//	db.SeedBatch("batch-1", records...)
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	return SetupTestDBWithOptions(t, TestDBOptions{})
}

// TestDBOptions provides configuration options for test database setup.
type TestDBOptions struct {
	CustomSetup    func(context.Context, *storage.SQLiteStorage) error
	Baseline       []model.BaselineEntity
	SkipMigrations bool
}

// SetupTestDBWithOptions creates a test database with custom options.
func SetupTestDBWithOptions(t *testing.T, opts TestDBOptions) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if !opts.SkipMigrations {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to run migrations: %v", err)
		}
	}

	db := &TestDB{Storage: store, t: t}
	if len(opts.Baseline) > 0 {
		db.SeedBaseline(opts.Baseline...)
	}

	if opts.CustomSetup != nil {
		if err := opts.CustomSetup(ctx, store); err != nil {
			t.Fatalf("custom setup failed: %v", err)
		}
	}

	return db
}

// SeedBaseline loads baseline entities or fails the test.
func (db *TestDB) SeedBaseline(entities ...model.BaselineEntity) {
	db.t.Helper()
	if err := db.Storage.SaveBaselineEntities(context.Background(), entities); err != nil {
		db.t.Fatalf("failed to seed baseline: %v", err)
	}
}

// SeedBatch creates a batch audit entry and its source records, filling in
// the batch id on every record.
func (db *TestDB) SeedBatch(batchID string, records ...model.SourceRecord) model.Batch {
	db.t.Helper()
	ctx := context.Background()

	batch := model.Batch{
		ID:          batchID,
		SourceURL:   "https://data.example.org/" + batchID + ".json",
		RecordCount: len(records),
	}
	if err := db.Storage.CreateBatch(ctx, &batch); err != nil {
		db.t.Fatalf("failed to create batch %q: %v", batchID, err)
	}

	if len(records) > 0 {
		for i := range records {
			records[i].BatchID = batchID
		}
		if err := db.Storage.SaveSourceRecords(ctx, records); err != nil {
			db.t.Fatalf("failed to seed source records: %v", err)
		}
	}
	return batch
}

// Baseline returns a small multi-region baseline used across tests.
func Baseline() []model.BaselineEntity {
	enrollment := func(n int) *int { return &n }
	return []model.BaselineEntity{
		{ID: "0622710", Name: "Los Angeles USD", Region: "CA", City: "Los Angeles", Enrollment: enrollment(420000), Version: "2024"},
		{ID: "0634320", Name: "San Diego Unified", Region: "CA", City: "San Diego", Enrollment: enrollment(95000), Version: "2024"},
		{ID: "1737890", Name: "Springfield School District 186", Region: "IL", City: "Springfield", Enrollment: enrollment(13000), Version: "2024"},
		{ID: "1737900", Name: "Springfield Community School District", Region: "IL", City: "Springfield", Version: "2024"},
		{ID: "4823640", Name: "Austin ISD", Region: "TX", City: "Austin", Enrollment: enrollment(73000), Version: "2024"},
		{ID: "4838730", Name: "Saint Jo ISD", Region: "TX", City: "Saint Jo", Enrollment: enrollment(400), Version: "2024"},
	}
}
