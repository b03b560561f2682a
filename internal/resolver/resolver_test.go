package resolver

import (
	"fmt"
	"testing"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/matcher"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func candidate(id string, region model.RegionCode, method model.MatchMethod, confidence float64) model.MatchCandidate {
	return model.MatchCandidate{
		Baseline:   model.BaselineEntity{ID: id, Name: "Entity " + id, Region: region},
		SourceID:   "src",
		Method:     method,
		Confidence: confidence,
		Similarity: 1,
		Evidence:   model.Evidence{RegionMatch: true},
	}
}

func single(c model.MatchCandidate) matcher.Result {
	return matcher.Result{Candidate: &c, Contenders: []model.MatchCandidate{c}}
}

func TestResolve(t *testing.T) {
	r := New(nil)
	record := model.SourceRecord{ID: "src", Name: "Test", Region: "TX"}

	fuzzy := candidate("b1", "TX", model.MethodFuzzy, 0.738)
	fuzzy.ReviewRequired = true
	fuzzy.Similarity = 0.82

	crossRegion := candidate("b9", "CA", model.MethodExactID, 1)
	crossRegion.Evidence.RegionMatch = false

	a := candidate("b1", "TX", model.MethodFuzzy, 0.756)
	b := candidate("b2", "TX", model.MethodFuzzy, 0.747)

	tests := []struct {
		name       string
		record     model.SourceRecord
		result     matcher.Result
		wantKind   Kind
		wantReason string
		wantReview bool
	}{
		{
			name:       "no candidate",
			record:     record,
			result:     matcher.Result{},
			wantKind:   KindReject,
			wantReason: model.ReasonNoCandidate,
		},
		{
			name:     "clean accept",
			record:   record,
			result:   single(candidate("b1", "TX", model.MethodNormalizedName, 0.90)),
			wantKind: KindAccept,
		},
		{
			name:       "low confidence fuzzy accepted for review",
			record:     record,
			result:     single(fuzzy),
			wantKind:   KindAccept,
			wantReason: model.ReasonLowConfidence,
			wantReview: true,
		},
		{
			name:       "region mismatch always rejects",
			record:     record,
			result:     single(crossRegion),
			wantKind:   KindReject,
			wantReason: model.ReasonRegionMismatch,
		},
		{
			name:       "near tie flags",
			record:     record,
			result:     matcher.Result{Candidate: &a, Contenders: []model.MatchCandidate{a, b}},
			wantKind:   KindFlag,
			wantReason: model.ReasonAmbiguousTarget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(tt.record, tt.result)
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantReview, res.ReviewRequired)
			assert.Equal(t, tt.wantKind == KindAccept, res.Accepted())
		})
	}
}

func TestResolve_Plausibility(t *testing.T) {
	r := New(nil)

	tests := []struct {
		name     string
		source   *int
		baseline *int
		wantKind Kind
	}{
		{name: "both present and close", source: intPtr(5000), baseline: intPtr(4800), wantKind: KindAccept},
		{name: "exactly ten times", source: intPtr(1000), baseline: intPtr(100), wantKind: KindAccept},
		{name: "more than ten times", source: intPtr(1001), baseline: intPtr(100), wantKind: KindFlag},
		{name: "source much smaller", source: intPtr(40), baseline: intPtr(45000), wantKind: KindFlag},
		{name: "source missing", baseline: intPtr(45000), wantKind: KindAccept},
		{name: "baseline missing", source: intPtr(40), wantKind: KindAccept},
		{name: "zero is treated as missing", source: intPtr(0), baseline: intPtr(45000), wantKind: KindAccept},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate("b1", "TX", model.MethodExactName, 0.95)
			c.Baseline.Enrollment = tt.baseline
			record := model.SourceRecord{ID: "src", Name: "Test", Region: "TX", Enrollment: tt.source}

			res := r.Resolve(record, single(c))
			assert.Equal(t, tt.wantKind, res.Kind)
			if tt.wantKind == KindFlag {
				assert.Equal(t, model.ReasonPlausibilityFailed, res.Reason)
				assert.Equal(t, model.SeverityHigh, res.Severity)
			}
		})
	}
}

func TestResolve_RegionBeatsAmbiguity(t *testing.T) {
	r := New(nil)
	a := candidate("b1", "CA", model.MethodExactID, 1)
	a.Evidence.RegionMatch = false
	b := candidate("b2", "TX", model.MethodFuzzy, 0.8)

	res := r.Resolve(model.SourceRecord{ID: "src", Region: "TX"}, matcher.Result{Candidate: &a, Contenders: []model.MatchCandidate{a, b}})
	assert.Equal(t, KindReject, res.Kind)
	assert.Equal(t, model.ReasonRegionMismatch, res.Reason)
}

func TestFromError(t *testing.T) {
	record := model.SourceRecord{ID: "src"}

	res := FromError(record, fmt.Errorf("%w: WY", common.ErrNoCandidateRegion))
	assert.Equal(t, KindReject, res.Kind)
	assert.Equal(t, model.ReasonNoCandidateRegion, res.Reason)
	require.Error(t, res.Err)

	res = FromError(record, fmt.Errorf("%w: blank name", common.ErrInvalidRecord))
	assert.Equal(t, KindReject, res.Kind)
	assert.Equal(t, model.ReasonInvalidRecord, res.Reason)
	assert.Equal(t, model.SeverityError, res.Severity)
}

func accepted(sourceID string, c model.MatchCandidate) Resolution {
	c.SourceID = sourceID
	return Resolution{
		Record:    model.SourceRecord{ID: sourceID, Region: c.Baseline.Region},
		Candidate: &c,
		Kind:      KindAccept,
	}
}

func TestReviewDuplicates(t *testing.T) {
	t.Run("mixed methods flag lower priority", func(t *testing.T) {
		resolutions := []Resolution{
			accepted("s1", candidate("b1", "TX", model.MethodNormalizedName, 0.90)),
			accepted("s2", candidate("b1", "TX", model.MethodExactID, 1.00)),
			accepted("s3", candidate("b1", "TX", model.MethodFuzzy, 0.85)),
			accepted("s4", candidate("b2", "TX", model.MethodFuzzy, 0.85)),
		}

		out := New(nil).ReviewDuplicates(resolutions)
		require.Len(t, out, 4)

		for _, res := range out {
			assert.Equal(t, KindAccept, res.Kind, res.Record.ID)
		}
		assert.False(t, out[1].ReviewRequired)
		assert.Equal(t, model.ReasonPossibleDuplicate, out[0].Reason)
		assert.True(t, out[0].ReviewRequired)
		assert.Equal(t, model.ReasonPossibleDuplicate, out[2].Reason)
		assert.False(t, out[3].ReviewRequired)
	})

	t.Run("same method stays clean", func(t *testing.T) {
		resolutions := []Resolution{
			accepted("s1", candidate("b1", "TX", model.MethodExactName, 0.95)),
			accepted("s2", candidate("b1", "TX", model.MethodExactName, 0.95)),
		}

		for _, res := range New(nil).ReviewDuplicates(resolutions) {
			assert.False(t, res.ReviewRequired)
			assert.Empty(t, res.Reason)
		}
	})

	t.Run("flags and rejects are ignored", func(t *testing.T) {
		flagged := accepted("s2", candidate("b1", "TX", model.MethodFuzzy, 0.8))
		flagged.Kind = KindFlag
		flagged.Reason = model.ReasonAmbiguousTarget

		out := New(nil).ReviewDuplicates([]Resolution{
			accepted("s1", candidate("b1", "TX", model.MethodExactName, 0.95)),
			flagged,
		})
		assert.False(t, out[0].ReviewRequired)
		assert.Equal(t, model.ReasonAmbiguousTarget, out[1].Reason)
	})

	t.Run("weak group below duplicate confidence", func(t *testing.T) {
		resolutions := []Resolution{
			accepted("s1", candidate("b1", "TX", model.MethodNormalizedName, 0.90)),
			accepted("s2", candidate("b1", "TX", model.MethodFuzzy, 0.85)),
		}

		for _, res := range New(nil).ReviewDuplicates(resolutions) {
			assert.False(t, res.ReviewRequired, res.Record.ID)
			assert.Empty(t, res.Reason, res.Record.ID)
		}
	})

	t.Run("threshold comes from policy", func(t *testing.T) {
		p := policy.Default()
		p.Conflict.DuplicateMinConfidence = 0.90
		out := New(p).ReviewDuplicates([]Resolution{
			accepted("s1", candidate("b1", "TX", model.MethodNormalizedName, 0.90)),
			accepted("s2", candidate("b1", "TX", model.MethodFuzzy, 0.85)),
		})

		assert.False(t, out[0].ReviewRequired)
		assert.True(t, out[1].ReviewRequired)
		assert.Equal(t, model.ReasonPossibleDuplicate, out[1].Reason)
	})

	t.Run("order independent", func(t *testing.T) {
		forward := New(nil).ReviewDuplicates([]Resolution{
			accepted("s1", candidate("b1", "TX", model.MethodNormalizedName, 0.90)),
			accepted("s2", candidate("b1", "TX", model.MethodExactName, 0.95)),
		})
		backward := New(nil).ReviewDuplicates([]Resolution{
			accepted("s2", candidate("b1", "TX", model.MethodExactName, 0.95)),
			accepted("s1", candidate("b1", "TX", model.MethodNormalizedName, 0.90)),
		})
		assert.Equal(t, forward[0].Reason, backward[1].Reason)
		assert.Equal(t, forward[1].Reason, backward[0].Reason)
	})
}

func TestKindOutcome(t *testing.T) {
	assert.Equal(t, model.OutcomeAccepted, KindAccept.Outcome())
	assert.Equal(t, model.OutcomeFlagged, KindFlag.Outcome())
	assert.Equal(t, model.OutcomeRejected, KindReject.Outcome())
}
