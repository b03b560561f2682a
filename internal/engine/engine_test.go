package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/matcher"
	"github.com/Veraticus/districtlink/internal/metrics"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/policy"
	"github.com/Veraticus/districtlink/internal/resolver"
	"github.com/Veraticus/districtlink/internal/service"
	"github.com/Veraticus/districtlink/internal/storage"
	dbtest "github.com/Veraticus/districtlink/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

var testClock = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

// fixedSimilarity scores pairs of normalized names from a table and
// everything else as 0.
func fixedSimilarity(scores map[[2]string]float64) matcher.Similarity {
	return func(a, b string) float64 {
		if a == b {
			return 1
		}
		return scores[[2]string{a, b}]
	}
}

func setupEngine(t *testing.T, opts ...Option) (*Engine, *dbtest.TestDB) {
	t.Helper()
	db := dbtest.SetupTestDB(t)
	db.SeedBaseline(dbtest.Baseline()...)

	opts = append([]Option{WithRetryOptions(common.RetryOptions{MaxAttempts: 2, InitialDelay: time.Millisecond})}, opts...)
	return NewWithConfig(db.Storage, Config{Workers: 3}, opts...), db
}

func batchContext(batchID string) service.BatchContext {
	return service.BatchContext{
		Batch:  model.Batch{ID: batchID},
		Actor:  "matcher",
		Policy: policy.Default(),
		Now:    func() time.Time { return testClock },
	}
}

func activeFor(t *testing.T, db *dbtest.TestDB, sourceID string) *model.MatchRecord {
	t.Helper()
	record, err := db.Storage.GetActiveMatch(context.Background(), sourceID)
	require.NoError(t, err)
	return record
}

func TestRunBatch_NormalizedNameAccepted(t *testing.T) {
	eng, db := setupEngine(t)
	ctx := context.Background()

	records := []model.SourceRecord{
		{ID: "ca-1", Name: "Los Angeles Unified School District", Region: "CA"},
	}
	db.SeedBatch("batch-1", records...)

	summary, err := eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Accepted[model.MethodNormalizedName])
	assert.Equal(t, 1, summary.Staged)
	assert.Equal(t, 1, summary.Activated)
	assert.False(t, summary.Aborted)

	record := activeFor(t, db, "ca-1")
	assert.Equal(t, "0622710", record.BaselineID)
	assert.Equal(t, model.MethodNormalizedName, record.Method)
	assert.InDelta(t, 0.90, record.Confidence, 0.001)
	assert.Equal(t, "matcher", record.DecidedBy)
	assert.True(t, record.DecidedAt.Equal(testClock))
	assert.False(t, record.Verified)

	batch, err := db.Storage.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchActive, batch.Status())
}

func TestRunBatch_MixedOutcomes(t *testing.T) {
	eng, db := setupEngine(t, WithChainOptions(matcher.WithSimilarity(fixedSimilarity(map[[2]string]float64{
		{"springfield sd", "springfield sd 186"}: 0.84,
		{"springfield sd", "springfield csd"}:    0.83,
	}))))
	ctx := context.Background()

	enrollment := 5000
	records := []model.SourceRecord{
		{ID: "ok", Name: "Los Angeles Unified School District", Region: "CA"},
		{ID: "ambiguous", Name: "Springfield School District", Region: "IL"},
		{ID: "blank", Name: "", Region: "TX"},
		{ID: "unknown-region", Name: "Anchorage School District", Region: "AK"},
		{ID: "wrong-region", Name: "Somewhere", Region: "CA", ExternalID: "4823640"},
		{ID: "implausible", Name: "Saint Jo ISD", Region: "TX", Enrollment: &enrollment},
		{ID: "nothing", Name: "Completely Different Name", Region: "CA"},
	}
	db.SeedBatch("batch-1", records...)

	summary, err := eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.NoError(t, err)

	assert.Equal(t, 7, summary.Total)
	assert.Equal(t, 1, summary.AcceptedCount())
	assert.Equal(t, map[string]int{
		model.ReasonAmbiguousTarget:    1,
		model.ReasonPlausibilityFailed: 1,
	}, summary.Flagged)
	assert.Equal(t, map[string]int{
		model.ReasonRegionMismatch: 1,
		model.ReasonNoCandidate:    1,
	}, summary.Rejected)
	assert.Equal(t, map[string]int{
		model.ReasonInvalidRecord:     1,
		model.ReasonNoCandidateRegion: 1,
	}, summary.Errored)
	require.Len(t, summary.Examples, 2)
	assert.Equal(t, 7, summary.Activated, "every record, errored or not, is recorded")
	assert.Equal(t, 6, summary.QualityFlags)

	ambiguous := activeFor(t, db, "ambiguous")
	assert.Equal(t, model.OutcomeFlagged, ambiguous.Outcome)
	assert.Equal(t, model.ReasonAmbiguousTarget, ambiguous.Reason())
	assert.True(t, ambiguous.FlagForReview)
	assert.ElementsMatch(t, []string{"1737890", "1737900"}, ambiguous.Evidence.Contenders)

	wrong := activeFor(t, db, "wrong-region")
	assert.Equal(t, model.OutcomeRejected, wrong.Outcome)
	assert.Empty(t, wrong.BaselineID, "a cross-region candidate is never linked")

	blank := activeFor(t, db, "blank")
	assert.Equal(t, model.OutcomeRejected, blank.Outcome)
	assert.Equal(t, model.ReasonInvalidRecord, blank.Reason())

	flags, err := db.Storage.ListQualityFlags(ctx, service.FlagFilter{BatchID: "batch-1", OpenOnly: true})
	require.NoError(t, err)
	codes := make([]string, 0, len(flags))
	for _, f := range flags {
		codes = append(codes, f.Code)
		assert.NotEmpty(t, f.MatchID)
	}
	assert.ElementsMatch(t, []string{
		model.ReasonAmbiguousTarget,
		model.ReasonInvalidRecord,
		model.ReasonNoCandidateRegion,
		model.ReasonRegionMismatch,
		model.ReasonPlausibilityFailed,
		model.ReasonNoCandidate,
	}, codes)
}

func TestRunBatch_LowConfidenceFuzzyLeadsReviewQueue(t *testing.T) {
	eng, db := setupEngine(t, WithChainOptions(matcher.WithSimilarity(fixedSimilarity(map[[2]string]float64{
		{"austin indep sd", "austin isd"}: 0.82,
	}))))
	ctx := context.Background()

	records := []model.SourceRecord{
		{ID: "tx-1", Name: "Austin Indep SD", Region: "TX"},
		{ID: "il-1", Name: "Springfield School District 186", Region: "IL"},
	}
	db.SeedBatch("batch-1", records...)

	summary, err := eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Accepted[model.MethodFuzzy])
	assert.Equal(t, 1, summary.ReviewRequired)
	assert.Zero(t, summary.QualityFlags, "low-confidence accepts only carry a review flag")

	pending, err := db.Storage.GetPendingReview(ctx, service.ReviewFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "tx-1", pending[0].SourceID)
	assert.InDelta(t, 0.74, pending[0].Confidence, 0.001)
	assert.True(t, pending[0].FlagForReview)
	assert.Equal(t, model.ReasonLowConfidence, pending[0].Reason())
}

func TestRunBatch_PossibleDuplicate(t *testing.T) {
	eng, db := setupEngine(t)
	ctx := context.Background()

	records := []model.SourceRecord{
		{ID: "tx-a", Name: "Austin ISD", Region: "TX"},
		{ID: "tx-b", Name: "Austin Independent School District", Region: "TX"},
	}
	db.SeedBatch("batch-1", records...)

	summary, err := eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Accepted[model.MethodExactName])
	assert.Equal(t, 1, summary.Accepted[model.MethodNormalizedName])
	assert.Equal(t, 1, summary.QualityFlags)

	a := activeFor(t, db, "tx-a")
	b := activeFor(t, db, "tx-b")
	assert.Equal(t, model.OutcomeAccepted, a.Outcome)
	assert.Equal(t, model.OutcomeAccepted, b.Outcome)
	assert.False(t, a.FlagForReview)
	assert.True(t, b.FlagForReview)
	assert.Equal(t, model.ReasonPossibleDuplicate, b.Reason())

	flags, err := db.Storage.ListQualityFlags(ctx, service.FlagFilter{SourceID: "tx-b"})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, model.ReasonPossibleDuplicate, flags[0].Code)
	assert.Equal(t, model.SeverityWarning, flags[0].Severity)
}

func TestRunBatch_RerunSupersedes(t *testing.T) {
	eng, db := setupEngine(t)
	ctx := context.Background()

	records := []model.SourceRecord{{ID: "ca-1", Name: "San Diego Unified", Region: "CA"}}
	db.SeedBatch("batch-1", records...)

	_, err := eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.NoError(t, err)
	first := activeFor(t, db, "ca-1")

	_, err = eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.NoError(t, err)
	second := activeFor(t, db, "ca-1")

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ID, second.SupersedesID)
	assert.Equal(t, first.BaselineID, second.BaselineID)
	assert.Equal(t, first.Method, second.Method)
	assert.Equal(t, first.Confidence, second.Confidence)

	history, err := db.Storage.GetMatchHistory(ctx, "ca-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRunBatch_BatchNotFound(t *testing.T) {
	eng, _ := setupEngine(t)

	_, err := eng.RunBatch(context.Background(), batchContext("missing"), []model.SourceRecord{
		{ID: "x", Name: "Austin ISD", Region: "TX"},
	})
	assert.ErrorIs(t, err, common.ErrBatchNotFound)
}

func TestRunBatch_EmptyBaselineIsIndexBuildFailure(t *testing.T) {
	db := dbtest.SetupTestDB(t)
	eng := New(db.Storage)
	records := []model.SourceRecord{{ID: "x", Name: "Austin ISD", Region: "TX"}}
	db.SeedBatch("batch-1", records...)

	_, err := eng.RunBatch(context.Background(), batchContext("batch-1"), records)
	assert.ErrorIs(t, err, common.ErrIndexBuild)
}

func TestRunBatch_CancelLeavesBatchStaged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	eng, db := setupEngine(t, WithProgress(func(done, _ int) {
		once.Do(cancel)
	}))

	records := make([]model.SourceRecord, 0, 20)
	for i := 0; i < 20; i++ {
		records = append(records, model.SourceRecord{
			ID:     "src-" + string(rune('a'+i)),
			Name:   "Austin ISD",
			Region: "TX",
		})
	}
	db.SeedBatch("batch-1", records...)

	summary, err := eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.True(t, summary.Aborted)
	assert.Zero(t, summary.Activated)

	stored, err := db.Storage.GetMatchRecordsByBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	for _, r := range stored {
		assert.False(t, r.Active)
	}

	batch, err := db.Storage.GetBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStaged, batch.Status())
}

func TestRunBatch_DiscardsLeftoverStagedRecords(t *testing.T) {
	eng, db := setupEngine(t)
	ctx := context.Background()

	records := []model.SourceRecord{{ID: "ca-1", Name: "San Diego Unified", Region: "CA"}}
	db.SeedBatch("batch-1", records...)

	// Simulate a run that staged a record and then died.
	_, err := eng.Ledger().Record(ctx, batchContext("batch-1"), resolver.Resolution{
		Record: records[0],
		Kind:   resolver.KindReject,
		Reason: model.ReasonNoCandidate,
	})
	require.NoError(t, err)

	summary, err := eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Discarded)
	assert.Equal(t, 1, summary.Activated)

	record := activeFor(t, db, "ca-1")
	assert.Equal(t, model.OutcomeAccepted, record.Outcome)
}

// racingStore lets another writer change a source's decision between
// staging and activation.
type racingStore struct {
	*storage.SQLiteStorage
	race func(ctx context.Context)
}

func (s *racingStore) ActivateBatch(ctx context.Context, batchID string, at time.Time, flags []model.QualityFlag) (int, error) {
	if s.race != nil {
		s.race(ctx)
	}
	return s.SQLiteStorage.ActivateBatch(ctx, batchID, at, flags)
}

func TestRunBatch_WriteConflictActivatesNothing(t *testing.T) {
	db := dbtest.SetupTestDB(t)
	db.SeedBaseline(dbtest.Baseline()...)
	store := &racingStore{SQLiteStorage: db.Storage}
	eng := New(store)
	ctx := context.Background()

	first := []model.SourceRecord{{ID: "ca-1", Name: "San Diego Unified", Region: "CA"}}
	db.SeedBatch("batch-1", first...)
	_, err := eng.RunBatch(ctx, batchContext("batch-1"), first)
	require.NoError(t, err)
	prior := activeFor(t, db, "ca-1")

	second := []model.SourceRecord{
		{ID: "ca-1b", Name: "Los Angeles USD", Region: "CA"},
	}
	db.SeedBatch("batch-2", second...)
	records := append(second, first...)

	var manual *model.MatchRecord
	store.race = func(ctx context.Context) {
		store.race = nil
		manual = &model.MatchRecord{
			ID:           "manual-1",
			SourceID:     "ca-1",
			BaselineID:   "0634320",
			Method:       model.MethodManual,
			Outcome:      model.OutcomeAccepted,
			Confidence:   1,
			DecidedAt:    testClock.Add(time.Minute),
			DecidedBy:    "reviewer",
			Verified:     true,
			SupersedesID: prior.ID,
		}
		require.NoError(t, db.Storage.AppendAndActivate(ctx, manual))
	}

	summary, err := eng.RunBatch(ctx, batchContext("batch-2"), records)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrLedgerWriteConflict))
	assert.Nil(t, summary)

	assert.Equal(t, "manual-1", activeFor(t, db, "ca-1").ID)
	_, err = db.Storage.GetActiveMatch(ctx, "ca-1b")
	assert.ErrorIs(t, err, common.ErrNotFound, "no partial activation")
}

func TestRunBatch_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := metrics.NewMatchMetrics(registry)
	require.NoError(t, err)

	eng, db := setupEngine(t, WithMetrics(m))
	records := []model.SourceRecord{
		{ID: "a", Name: "Austin ISD", Region: "TX"},
		{ID: "b", Name: "", Region: "TX"},
	}
	db.SeedBatch("batch-1", records...)

	_, err = eng.RunBatch(context.Background(), batchContext("batch-1"), records)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(registry, "districtlink_match_records_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "accepted and rejected series")
}

func TestUndoBatch(t *testing.T) {
	eng, db := setupEngine(t)
	ctx := context.Background()

	records := []model.SourceRecord{{ID: "ca-1", Name: "San Diego Unified", Region: "CA"}}
	db.SeedBatch("batch-1", records...)
	_, err := eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.NoError(t, err)

	n, err := eng.UndoBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.Storage.GetActiveMatch(ctx, "ca-1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	history, err := db.Storage.GetMatchHistory(ctx, "ca-1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "undo never deletes")

	_, err = eng.UndoBatch(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrBatchNotFound)
}

func TestQualityFlagsFollowActiveMatches(t *testing.T) {
	eng, db := setupEngine(t)
	ctx := context.Background()

	records := []model.SourceRecord{{ID: "ca-x", Name: "Completely Different Name", Region: "CA"}}
	db.SeedBatch("batch-1", records...)

	openFlags := func() []model.QualityFlag {
		t.Helper()
		flags, err := db.Storage.ListQualityFlags(ctx, service.FlagFilter{SourceID: "ca-x", OpenOnly: true})
		require.NoError(t, err)
		return flags
	}

	summary, err := eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.QualityFlags)
	first := openFlags()
	require.Len(t, first, 1)
	assert.Equal(t, activeFor(t, db, "ca-x").ID, first[0].MatchID)

	// A rerun replaces the decision and its flag.
	summary, err = eng.RunBatch(ctx, batchContext("batch-1"), records)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.QualityFlags)
	second := openFlags()
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.Equal(t, activeFor(t, db, "ca-x").ID, second[0].MatchID)

	_, err = eng.UndoBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Empty(t, openFlags(), "undo closes flags on deactivated matches")

	all, err := db.Storage.ListQualityFlags(ctx, service.FlagFilter{SourceID: "ca-x"})
	require.NoError(t, err)
	assert.Len(t, all, 2, "closed flags stay listed")
}

func TestSummary_Methods(t *testing.T) {
	s := newSummary("b", 0)
	s.Accepted[model.MethodFuzzy] = 1
	s.Accepted[model.MethodExactID] = 2
	s.Accepted[model.MethodNormalizedName] = 3

	assert.Equal(t, []model.MatchMethod{model.MethodExactID, model.MethodNormalizedName, model.MethodFuzzy}, s.Methods())
	assert.Equal(t, 6, s.AcceptedCount())

	for i := 0; i < 8; i++ {
		s.addError("x", model.ReasonInvalidRecord, common.ErrInvalidRecord)
	}
	assert.Len(t, s.Examples, maxErrorExamples)
	assert.Equal(t, 8, s.ErroredCount())
}
