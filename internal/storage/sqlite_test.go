package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/service"
)

// Helper function to create test storage.
func createTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		t.Fatalf("Failed to migrate: %v", err)
	}

	return store, func() { _ = store.Close() }
}

func intRef(i int) *int { return &i }

// seedBatch creates a batch with count source records named src-<batch>-<n>.
func seedBatch(t *testing.T, store *SQLiteStorage, batchID string, count int) []model.SourceRecord {
	t.Helper()
	ctx := context.Background()

	if err := store.CreateBatch(ctx, &model.Batch{ID: batchID, SourceURL: "https://example.org/" + batchID, RecordCount: count}); err != nil {
		t.Fatalf("Failed to create batch: %v", err)
	}

	records := make([]model.SourceRecord, count)
	for i := range records {
		records[i] = model.SourceRecord{
			ID:      fmt.Sprintf("src-%s-%d", batchID, i+1),
			BatchID: batchID,
			Name:    fmt.Sprintf("District %d", i+1),
			Region:  "TX",
		}
	}
	if err := store.SaveSourceRecords(ctx, records); err != nil {
		t.Fatalf("Failed to save source records: %v", err)
	}
	return records
}

func TestNewSQLiteStorage_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")

	store, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	if store.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", store.Path(), dbPath)
	}
}

func TestNewSQLiteStorage_RejectsEmptyPath(t *testing.T) {
	if _, err := NewSQLiteStorage("  "); !errors.Is(err, ErrEmptyString) {
		t.Errorf("NewSQLiteStorage() error = %v, want ErrEmptyString", err)
	}
}

func TestSQLiteStorage_BaselineEntities(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	entities := []model.BaselineEntity{
		{ID: "4823640", Name: "Austin ISD", Region: "tx", City: "Austin", Enrollment: intRef(73000), Version: "2024"},
		{ID: "0622710", Name: "Los Angeles USD", Region: "CA", Version: "2024"},
	}
	if err := store.SaveBaselineEntities(ctx, entities); err != nil {
		t.Fatalf("SaveBaselineEntities() error = %v", err)
	}

	got, err := store.GetBaselineEntities(ctx)
	if err != nil {
		t.Fatalf("GetBaselineEntities() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetBaselineEntities() returned %d entities, want 2", len(got))
	}
	if got[0].ID != "0622710" || got[1].Region != "TX" {
		t.Errorf("unexpected ordering or region: %+v", got)
	}
	if got[1].Enrollment == nil || *got[1].Enrollment != 73000 {
		t.Errorf("enrollment not round-tripped: %v", got[1].Enrollment)
	}
	if got[0].Enrollment != nil {
		t.Errorf("absent enrollment should stay nil, got %v", *got[0].Enrollment)
	}

	// A newer version may relist unchanged entities.
	relisted := entities[0]
	relisted.Version = "2025"
	if err := store.SaveBaselineEntities(ctx, []model.BaselineEntity{relisted}); err != nil {
		t.Fatalf("SaveBaselineEntities() relist error = %v", err)
	}
	count, err := store.CountBaselineEntities(ctx)
	if err != nil {
		t.Fatalf("CountBaselineEntities() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountBaselineEntities() = %d, want 2", count)
	}

	entity, err := store.GetBaselineEntity(ctx, "4823640")
	if err != nil {
		t.Fatalf("GetBaselineEntity() error = %v", err)
	}
	if entity.Name != "Austin ISD" || entity.Version != "2024" {
		t.Errorf("GetBaselineEntity() = %+v, want the originally loaded row", entity)
	}

	if _, err := store.GetBaselineEntity(ctx, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("GetBaselineEntity(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStorage_SaveBaselineEntities_Immutable(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	original := model.BaselineEntity{ID: "4823640", Name: "Austin ISD", Region: "TX", Enrollment: intRef(73000), Version: "2024"}
	if err := store.SaveBaselineEntities(ctx, []model.BaselineEntity{original}); err != nil {
		t.Fatalf("SaveBaselineEntities() error = %v", err)
	}

	tests := []struct {
		change func(e *model.BaselineEntity)
		name   string
		want   string
	}{
		{name: "region", change: func(e *model.BaselineEntity) { e.Region = "OK" }, want: "region TX -> OK"},
		{name: "name", change: func(e *model.BaselineEntity) { e.Name = "Something Else Entirely" }, want: "name"},
		{name: "enrollment", change: func(e *model.BaselineEntity) { e.Enrollment = intRef(5) }, want: "enrollment"},
		{name: "enrollment removed", change: func(e *model.BaselineEntity) { e.Enrollment = nil }, want: "enrollment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := original
			changed.Version = "2025"
			tt.change(&changed)

			fresh := model.BaselineEntity{ID: "9999999", Name: "New District", Region: "TX", Version: "2025"}
			err := store.SaveBaselineEntities(ctx, []model.BaselineEntity{fresh, changed})
			if !errors.Is(err, ErrEntityImmutable) {
				t.Fatalf("SaveBaselineEntities() error = %v, want ErrEntityImmutable", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}

			got, err := store.GetBaselineEntity(ctx, "4823640")
			if err != nil {
				t.Fatalf("GetBaselineEntity() error = %v", err)
			}
			if got.Name != "Austin ISD" || got.Region != "TX" {
				t.Errorf("stored entity changed: %+v", got)
			}
			if _, err := store.GetBaselineEntity(ctx, "9999999"); !errors.Is(err, common.ErrNotFound) {
				t.Errorf("refused load left a partial insert, error = %v", err)
			}
		})
	}
}

func TestSQLiteStorage_SaveBaselineEntities_Validation(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		wantErr  error
		name     string
		entities []model.BaselineEntity
	}{
		{name: "nil slice", entities: nil, wantErr: ErrNilParameter},
		{name: "empty slice", entities: []model.BaselineEntity{}, wantErr: ErrEmptySlice},
		{name: "missing id", entities: []model.BaselineEntity{{Name: "A", Region: "TX"}}, wantErr: ErrInvalidEntity},
		{name: "missing region", entities: []model.BaselineEntity{{ID: "1", Name: "A"}}, wantErr: ErrInvalidEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.SaveBaselineEntities(ctx, tt.entities); !errors.Is(err, tt.wantErr) {
				t.Errorf("SaveBaselineEntities() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSQLiteStorage_Batches(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	records := seedBatch(t, store, "b1", 3)

	batch, err := store.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if batch.RecordCount != 3 || batch.Status() != model.BatchStaged {
		t.Errorf("GetBatch() = %+v", batch)
	}

	if _, err := store.GetBatch(ctx, "nope"); !errors.Is(err, common.ErrBatchNotFound) {
		t.Errorf("GetBatch(nope) error = %v, want ErrBatchNotFound", err)
	}

	if err := store.CreateBatch(ctx, &model.Batch{ID: "b1", SourceURL: "x"}); !errors.Is(err, common.ErrDuplicateEntry) {
		t.Errorf("CreateBatch(duplicate) error = %v, want ErrDuplicateEntry", err)
	}

	got, err := store.GetSourceRecordsByBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetSourceRecordsByBatch() error = %v", err)
	}
	if len(got) != 3 || got[0].ID != records[0].ID {
		t.Errorf("GetSourceRecordsByBatch() = %+v", got)
	}

	batches, err := store.ListBatches(ctx)
	if err != nil {
		t.Fatalf("ListBatches() error = %v", err)
	}
	if len(batches) != 1 {
		t.Errorf("ListBatches() returned %d batches, want 1", len(batches))
	}
}

func TestSQLiteStorage_SourceRecords(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.CreateBatch(ctx, &model.Batch{ID: "b1", SourceURL: "https://example.org"}); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	record := model.SourceRecord{
		ID:         "s1",
		BatchID:    "b1",
		Name:       "",
		Region:     "tx",
		ExternalID: "4823640",
		Enrollment: intRef(120),
		Contact:    model.Contact{AdminName: "Pat Doe", AdminEmail: "pat@example.org", Phone: "555-0100"},
	}
	if err := store.SaveSourceRecords(ctx, []model.SourceRecord{record}); err != nil {
		t.Fatalf("SaveSourceRecords() error = %v", err)
	}

	got, err := store.GetSourceRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSourceRecord() error = %v", err)
	}
	if got.Region != "TX" || got.Contact.AdminEmail != "pat@example.org" || *got.Enrollment != 120 {
		t.Errorf("GetSourceRecord() = %+v", got)
	}

	// Records are append-only.
	if err := store.SaveSourceRecords(ctx, []model.SourceRecord{record}); !errors.Is(err, common.ErrDuplicateEntry) {
		t.Errorf("SaveSourceRecords(duplicate) error = %v, want ErrDuplicateEntry", err)
	}

	orphan := model.SourceRecord{ID: "s2", BatchID: "missing", Name: "x", Region: "TX"}
	if err := store.SaveSourceRecords(ctx, []model.SourceRecord{orphan}); !errors.Is(err, common.ErrBatchNotFound) {
		t.Errorf("SaveSourceRecords(orphan) error = %v, want ErrBatchNotFound", err)
	}

	if _, err := store.GetSourceRecord(ctx, "s2"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("GetSourceRecord(s2) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStorage_QualityFlags(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	flags := []*model.QualityFlag{
		{ID: "f1", SourceID: "s1", BatchID: "b1", Severity: model.SeverityWarning, Code: model.ReasonAmbiguousTarget, Description: "two candidates", CreatedAt: now},
		{ID: "f2", SourceID: "s2", BatchID: "b1", Severity: model.SeverityInfo, Code: model.ReasonNoCandidate, Description: "none", CreatedAt: now.Add(time.Second)},
	}
	for _, f := range flags {
		if err := store.SaveQualityFlag(ctx, f); err != nil {
			t.Fatalf("SaveQualityFlag() error = %v", err)
		}
	}

	if err := store.SaveQualityFlag(ctx, &model.QualityFlag{ID: "f3", Severity: "loud", Code: "x", SourceID: "s"}); !errors.Is(err, ErrInvalidFlag) {
		t.Errorf("SaveQualityFlag(bad severity) error = %v, want ErrInvalidFlag", err)
	}

	if err := store.ResolveQualityFlag(ctx, "f1", "reviewer", "picked 186", now); err != nil {
		t.Fatalf("ResolveQualityFlag() error = %v", err)
	}
	if err := store.ResolveQualityFlag(ctx, "f1", "reviewer", "", now); !errors.Is(err, common.ErrAlreadyDecided) {
		t.Errorf("ResolveQualityFlag(twice) error = %v, want ErrAlreadyDecided", err)
	}
	if err := store.ResolveQualityFlag(ctx, "missing", "reviewer", "", now); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("ResolveQualityFlag(missing) error = %v, want ErrNotFound", err)
	}

	open, err := store.ListQualityFlags(ctx, service.FlagFilter{OpenOnly: true})
	if err != nil {
		t.Fatalf("ListQualityFlags() error = %v", err)
	}
	if len(open) != 1 || open[0].ID != "f2" {
		t.Errorf("ListQualityFlags(open) = %+v", open)
	}

	all, err := store.ListQualityFlags(ctx, service.FlagFilter{SourceID: "s1"})
	if err != nil {
		t.Fatalf("ListQualityFlags() error = %v", err)
	}
	if len(all) != 1 || all[0].IsOpen() || all[0].ResolvedBy != "reviewer" || all[0].ResolutionNote != "picked 186" {
		t.Errorf("ListQualityFlags(s1) = %+v", all)
	}
}
