package model

import "time"

// Severity grades a quality flag.
type Severity string

// Severity levels, lowest first.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
	SeverityError   Severity = "error"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityHigh, SeverityError:
		return true
	}
	return false
}

// Review and flag reason codes.
const (
	ReasonAmbiguousTarget    = "ambiguous_target"
	ReasonPossibleDuplicate  = "possible_duplicate"
	ReasonPlausibilityFailed = "plausibility_check_failed"
	ReasonLowConfidence      = "low_confidence_fuzzy"
	ReasonRegionMismatch     = "region_mismatch"
	ReasonNoCandidate        = "no_candidate"
	ReasonNoCandidateRegion  = "no_candidate_region"
	ReasonInvalidRecord      = "invalid_record"
)

// QualityFlag is a diagnostic attached to an ambiguous or unmatched source
// record or match record. Flags are resolved by a human, never deleted.
type QualityFlag struct {
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ID             string     `json:"id"`
	SourceID       string     `json:"source_id,omitempty"`
	MatchID        string     `json:"match_id,omitempty"`
	BatchID        string     `json:"batch_id,omitempty"`
	Severity       Severity   `json:"severity"`
	Code           string     `json:"code"`
	Description    string     `json:"description"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
}

// IsOpen reports whether the flag still awaits resolution.
func (f *QualityFlag) IsOpen() bool {
	return f.ResolvedAt == nil
}
