package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/service"
	"github.com/Veraticus/districtlink/internal/testutil"
)

var decided = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

func activate(t *testing.T, db *testutil.TestDB, record model.MatchRecord) {
	t.Helper()
	if record.DecidedBy == "" {
		record.DecidedBy = "matcher"
	}
	if record.Outcome == "" {
		record.Outcome = model.OutcomeAccepted
	}
	require.NoError(t, db.Storage.AppendAndActivate(context.Background(), &record))
}

func seedDirectory(t *testing.T) *testutil.TestDB {
	t.Helper()
	db := testutil.SetupTestDB(t)
	db.SeedBaseline(testutil.Baseline()...)
	db.SeedBatch("batch-1",
		model.SourceRecord{ID: "tx-a", Name: "Austin ISD", Region: "TX", Contact: model.Contact{AdminName: "A. Admin", AdminEmail: "a@austinisd.example"}},
		model.SourceRecord{ID: "tx-b", Name: "Austin Independent School District", Region: "TX", Contact: model.Contact{AdminName: "B. Admin"}},
		model.SourceRecord{ID: "tx-c", Name: "Austin Indep SD", Region: "TX", Contact: model.Contact{Phone: "512-555-0100"}},
		model.SourceRecord{ID: "ca-1", Name: "San Diego Unifed", Region: "CA"},
		model.SourceRecord{ID: "ca-2", Name: "Nowhere", Region: "CA"},
	)

	activate(t, db, model.MatchRecord{ID: "m-a", SourceID: "tx-a", BaselineID: "4823640", BatchID: "batch-1",
		Method: model.MethodNormalizedName, Confidence: 0.90, DecidedAt: decided})
	activate(t, db, model.MatchRecord{ID: "m-b", SourceID: "tx-b", BaselineID: "4823640", BatchID: "batch-1",
		Method: model.MethodNormalizedName, Confidence: 0.90, DecidedAt: decided.Add(time.Hour)})
	activate(t, db, model.MatchRecord{ID: "m-c", SourceID: "tx-c", BaselineID: "4823640", BatchID: "batch-1",
		Method: model.MethodFuzzy, Confidence: 0.74, DecidedAt: decided.Add(2 * time.Hour), FlagForReview: true})
	activate(t, db, model.MatchRecord{ID: "m-ca", SourceID: "ca-1", BaselineID: "0634320", BatchID: "batch-1",
		Method: model.MethodFuzzy, Confidence: 0.82, DecidedAt: decided, FlagForReview: true})
	activate(t, db, model.MatchRecord{ID: "m-none", SourceID: "ca-2", BatchID: "batch-1",
		Method: model.MethodNone, Outcome: model.OutcomeRejected, DecidedAt: decided})
	return db
}

func TestMaterializer_Build(t *testing.T) {
	db := seedDirectory(t)

	entries, stats, err := NewMaterializer(db.Storage).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, len(testutil.Baseline()))

	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.Entity.ID] = e
	}

	austin := byID["4823640"]
	require.True(t, austin.Linked())
	assert.Equal(t, "m-b", austin.Match.ID, "equal confidence prefers the newest decision")
	assert.Equal(t, "B. Admin", austin.Contact.AdminName)
	assert.Equal(t, 3, austin.Links)
	assert.False(t, austin.NeedsReview())

	sanDiego := byID["0634320"]
	require.True(t, sanDiego.Linked())
	assert.True(t, sanDiego.NeedsReview())
	assert.InDelta(t, 0.82, sanDiego.Confidence(), 0.001)
	assert.True(t, sanDiego.Contact.IsEmpty())

	la := byID["0622710"]
	assert.False(t, la.Linked())
	assert.Zero(t, la.Confidence())

	assert.Equal(t, Stats{Entities: 6, Linked: 2, WithContact: 1, NeedsReview: 1}, stats)
}

func TestBetter(t *testing.T) {
	base := model.MatchRecord{ID: "a", Confidence: 0.90, DecidedAt: decided}

	higher := base
	higher.ID = "b"
	higher.Confidence = 0.95
	assert.True(t, better(&higher, &base))
	assert.False(t, better(&base, &higher))

	newer := base
	newer.ID = "c"
	newer.DecidedAt = decided.Add(time.Minute)
	assert.True(t, better(&newer, &base))

	tie := base
	tie.ID = "z"
	assert.True(t, better(&tie, &base))
}

func TestExporter_ExportDirectory(t *testing.T) {
	db := seedDirectory(t)
	path := filepath.Join(t.TempDir(), "directory.xlsx")

	stats, err := NewExporter(db.Storage).ExportDirectory(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Entities)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, []string{DirectorySheet}, f.GetSheetList())

	rows, err := f.GetRows(DirectorySheet)
	require.NoError(t, err)
	require.Len(t, rows, 7)
	assert.Equal(t, directoryHeaders, rows[0])

	var austin []string
	for _, row := range rows[1:] {
		if row[0] == "4823640" {
			austin = row
		}
	}
	require.NotNil(t, austin)
	assert.Equal(t, "Austin ISD", austin[1])
	assert.Equal(t, "tx-b", austin[6])
	assert.Equal(t, "normalized_name", austin[7])
	assert.Equal(t, "no", austin[9])
	assert.Equal(t, "B. Admin", austin[11])
}

func TestExporter_ExportReview(t *testing.T) {
	db := seedDirectory(t)
	path := filepath.Join(t.TempDir(), "review.xlsx")

	n, err := NewExporter(db.Storage).ExportReview(context.Background(), path, service.ReviewFilter{FlaggedOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(ReviewSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, reviewHeaders, rows[0])

	assert.Equal(t, "m-c", rows[1][0], "lowest confidence first")
	assert.Equal(t, "Austin Indep SD", rows[1][2])
	assert.Equal(t, "TX", rows[1][3])
	assert.Equal(t, "Austin ISD", rows[1][5])
	assert.Equal(t, "m-ca", rows[2][0])
	assert.Equal(t, "San Diego Unified", rows[2][5])
}

func TestExporter_EmptyReviewQueue(t *testing.T) {
	db := testutil.SetupTestDB(t)
	path := filepath.Join(t.TempDir(), "review.xlsx")

	n, err := NewExporter(db.Storage).ExportReview(context.Background(), path, service.ReviewFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(ReviewSheet)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
