package model

import (
	"math"
	"time"
)

// MatchMethod identifies the strategy that produced a match decision.
type MatchMethod string

// Match methods in chain priority order, followed by the human override.
const (
	MethodExactID        MatchMethod = "exact_id"
	MethodExactName      MatchMethod = "exact_name"
	MethodNormalizedName MatchMethod = "normalized_name"
	MethodFuzzy          MatchMethod = "fuzzy"
	MethodNone           MatchMethod = "none"
	MethodManual         MatchMethod = "manual"
)

// Priority returns the chain priority of the method; lower runs first.
// Manual decisions outrank every automatic method.
func (m MatchMethod) Priority() int {
	switch m {
	case MethodManual:
		return 0
	case MethodExactID:
		return 1
	case MethodExactName:
		return 2
	case MethodNormalizedName:
		return 3
	case MethodFuzzy:
		return 4
	default:
		return 5
	}
}

// IsValid reports whether m is a known method.
func (m MatchMethod) IsValid() bool {
	switch m {
	case MethodExactID, MethodExactName, MethodNormalizedName, MethodFuzzy, MethodNone, MethodManual:
		return true
	}
	return false
}

// Outcome is the decision recorded for a source record.
type Outcome string

// Outcome constants.
const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeFlagged  Outcome = "flagged"
	OutcomeRejected Outcome = "rejected"
)

// IsValid reports whether o is a known outcome.
func (o Outcome) IsValid() bool {
	return o == OutcomeAccepted || o == OutcomeFlagged || o == OutcomeRejected
}

// Evidence explains why a candidate was produced. It is persisted as JSON.
type Evidence struct {
	MatchedFields      []string `json:"matched_fields,omitempty"`
	SourceTransforms   []string `json:"source_transforms,omitempty"`
	BaselineTransforms []string `json:"baseline_transforms,omitempty"`
	Contenders         []string `json:"contenders,omitempty"`
	NormalizedSource   string   `json:"normalized_source,omitempty"`
	NormalizedBaseline string   `json:"normalized_baseline,omitempty"`
	Note               string   `json:"note,omitempty"`
	PolicyVersion      string   `json:"policy_version,omitempty"`
	Similarity         float64  `json:"similarity,omitempty"`
	EditDistance       int      `json:"edit_distance,omitempty"`
	CityCorroborated   bool     `json:"city_corroborated,omitempty"`
	RegionMatch        bool     `json:"region_match"`
}

// MatchCandidate is a transient pairing of a source record with a baseline
// entity produced while evaluating the strategy chain. It is never persisted.
type MatchCandidate struct {
	Baseline       BaselineEntity
	Evidence       Evidence
	SourceID       string
	Method         MatchMethod
	Similarity     float64
	Confidence     float64
	ReviewRequired bool
}

// MatchRecord is the persisted outcome of a matching decision. Records are
// never updated or deleted except for the active flag: a correction is a new
// record that supersedes the prior active one.
type MatchRecord struct {
	DecidedAt     time.Time   `json:"decided_at"`
	DeactivatedAt *time.Time  `json:"deactivated_at,omitempty"`
	ReviewReason  *string     `json:"review_reason,omitempty"`
	Evidence      Evidence    `json:"evidence"`
	ID            string      `json:"id"`
	SourceID      string      `json:"source_id"`
	BaselineID    string      `json:"baseline_id,omitempty"`
	BatchID       string      `json:"batch_id,omitempty"`
	Method        MatchMethod `json:"method"`
	Outcome       Outcome     `json:"outcome"`
	DecidedBy     string      `json:"decided_by"`
	SupersedesID  string      `json:"supersedes_id,omitempty"`
	Confidence    float64     `json:"confidence"`
	Verified      bool        `json:"verified"`
	FlagForReview bool        `json:"flag_for_review"`
	Active        bool        `json:"active"`
}

// IsAccepted reports whether the record links its source to a baseline entity.
func (r *MatchRecord) IsAccepted() bool {
	return r.Outcome == OutcomeAccepted && r.BaselineID != ""
}

// Reason returns the review reason or an empty string.
func (r *MatchRecord) Reason() string {
	if r.ReviewReason == nil {
		return ""
	}
	return *r.ReviewReason
}

// RoundConfidence rounds a confidence to the two decimal places the ledger stores.
func RoundConfidence(c float64) float64 {
	return math.Round(c*100) / 100
}

// ConfidenceToHundredths converts a confidence into its fixed-point storage form.
func ConfidenceToHundredths(c float64) int {
	return int(math.Round(c * 100))
}

// ConfidenceFromHundredths converts the fixed-point storage form back to a float.
func ConfidenceFromHundredths(h int) float64 {
	return float64(h) / 100
}
