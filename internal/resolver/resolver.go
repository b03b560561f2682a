// Package resolver turns strategy chain results into accept, flag or reject
// decisions and applies the batch-level duplicate review.
package resolver

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/matcher"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/policy"
)

// Kind is the decision taken for a source record.
type Kind string

// Resolution kinds.
const (
	KindAccept Kind = "accept"
	KindFlag   Kind = "flag"
	KindReject Kind = "reject"
)

// Outcome maps the kind onto the persisted match outcome.
func (k Kind) Outcome() model.Outcome {
	switch k {
	case KindAccept:
		return model.OutcomeAccepted
	case KindFlag:
		return model.OutcomeFlagged
	default:
		return model.OutcomeRejected
	}
}

// Resolution is the final decision for one source record.
type Resolution struct {
	// Err is set when the record failed before or inside the strategy chain.
	Err error
	// Candidate is the best candidate, kept for flags and rejections too so
	// reviewers can see what was considered.
	Candidate *model.MatchCandidate
	Record    model.SourceRecord
	Kind      Kind
	// Reason is the flag or rejection code, or the review reason of an
	// accepted record that still needs a human look.
	Reason   string
	Severity model.Severity
	Detail   string
	// ReviewRequired marks an accepted record for the review queue.
	ReviewRequired bool
}

// Accepted reports whether the resolution links the record to an entity.
func (r Resolution) Accepted() bool {
	return r.Kind == KindAccept && r.Candidate != nil
}

// BaselineID returns the targeted entity, if any.
func (r Resolution) BaselineID() string {
	if r.Candidate == nil {
		return ""
	}
	return r.Candidate.Baseline.ID
}

// Resolver applies the conflict policy.
type Resolver struct {
	policy *policy.Policy
}

// New creates a resolver for p, falling back to the default policy.
func New(p *policy.Policy) *Resolver {
	if p == nil {
		p = policy.Default()
	}
	return &Resolver{policy: p}
}

// Resolve decides the outcome of a single chain result.
func (r *Resolver) Resolve(record model.SourceRecord, result matcher.Result) Resolution {
	res := Resolution{Record: record, Candidate: result.Candidate}

	best := result.Candidate
	switch {
	case best == nil:
		return reject(res, model.ReasonNoCandidate, model.SeverityInfo, "no baseline entity met the match policy")

	case !best.Evidence.RegionMatch || best.Baseline.Region != model.NormalizeRegion(string(record.Region)):
		return reject(res, model.ReasonRegionMismatch, model.SeverityHigh,
			fmt.Sprintf("best candidate %s is in region %s, record is in %s", best.Baseline.ID, best.Baseline.Region, model.NormalizeRegion(string(record.Region))))

	case result.Ambiguous():
		ids := make([]string, 0, len(result.Contenders))
		for _, c := range result.Contenders {
			ids = append(ids, c.Baseline.ID)
		}
		return flag(res, model.ReasonAmbiguousTarget, model.SeverityWarning,
			fmt.Sprintf("%d candidates within the tie margin: %v", len(ids), ids))
	}

	if ratio, ok := enrollmentRatio(record.Enrollment, best.Baseline.Enrollment); ok && ratio > r.policy.Conflict.PlausibilityRatio {
		return flag(res, model.ReasonPlausibilityFailed, model.SeverityHigh,
			fmt.Sprintf("enrollment %d vs baseline %d differs %.1fx", *record.Enrollment, *best.Baseline.Enrollment, ratio))
	}

	res.Kind = KindAccept
	if best.ReviewRequired {
		res.ReviewRequired = true
		res.Reason = model.ReasonLowConfidence
		res.Severity = model.SeverityInfo
		res.Detail = fmt.Sprintf("fuzzy similarity %.2f without city corroboration", best.Similarity)
	}
	return res
}

// FromError converts a per-record matching error into a rejection.
func FromError(record model.SourceRecord, err error) Resolution {
	res := Resolution{Record: record, Err: err}
	switch {
	case errors.Is(err, common.ErrNoCandidateRegion):
		return reject(res, model.ReasonNoCandidateRegion, model.SeverityWarning, err.Error())
	default:
		return reject(res, model.ReasonInvalidRecord, model.SeverityError, err.Error())
	}
}

// ReviewDuplicates is the batch-level second pass. Accepted resolutions that
// target the same entity all stay accepted; when the group mixes methods and
// confidences and its strongest member reaches the policy's duplicate
// confidence, every member not matched by the group's highest-priority
// method is marked for review as a possible duplicate. The slice is updated
// in place and returned.
func (r *Resolver) ReviewDuplicates(resolutions []Resolution) []Resolution {
	threshold := model.ConfidenceToHundredths(r.policy.Conflict.DuplicateMinConfidence)

	groups := make(map[string][]int)
	for i, res := range resolutions {
		if res.Accepted() {
			id := res.BaselineID()
			groups[id] = append(groups[id], i)
		}
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		members := groups[id]
		if len(members) < 2 {
			continue
		}

		bestPriority := math.MaxInt
		strongest := 0
		methods := make(map[model.MatchMethod]struct{})
		confidences := make(map[int]struct{})
		for _, i := range members {
			c := resolutions[i].Candidate
			conf := model.ConfidenceToHundredths(c.Confidence)
			methods[c.Method] = struct{}{}
			confidences[conf] = struct{}{}
			strongest = max(strongest, conf)
			if p := c.Method.Priority(); p < bestPriority {
				bestPriority = p
			}
		}
		if len(methods) < 2 || len(confidences) < 2 || strongest < threshold {
			continue
		}

		for _, i := range members {
			if resolutions[i].Candidate.Method.Priority() == bestPriority {
				continue
			}
			resolutions[i].ReviewRequired = true
			resolutions[i].Reason = model.ReasonPossibleDuplicate
			resolutions[i].Severity = model.SeverityWarning
			resolutions[i].Detail = fmt.Sprintf("%d records in this batch matched %s; a higher-priority method also matched it", len(members), id)
		}
	}

	return resolutions
}

// enrollmentRatio returns the larger enrollment divided by the smaller one.
// Missing or non-positive values make the guardrail not applicable.
func enrollmentRatio(source, baseline *int) (float64, bool) {
	if source == nil || baseline == nil || *source <= 0 || *baseline <= 0 {
		return 0, false
	}
	a, b := float64(*source), float64(*baseline)
	if a < b {
		a, b = b, a
	}
	return a / b, true
}

func reject(res Resolution, reason string, severity model.Severity, detail string) Resolution {
	res.Kind = KindReject
	res.Reason = reason
	res.Severity = severity
	res.Detail = detail
	return res
}

func flag(res Resolution, reason string, severity model.Severity, detail string) Resolution {
	res.Kind = KindFlag
	res.Reason = reason
	res.Severity = severity
	res.Detail = detail
	return res
}
