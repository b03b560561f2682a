package engine

import (
	"sort"
	"time"

	"github.com/Veraticus/districtlink/internal/model"
)

// maxErrorExamples bounds how many per-record errors a summary keeps.
const maxErrorExamples = 5

// Batch run statuses reported to metrics.
const (
	StatusActivated = "activated"
	StatusAborted   = "aborted"
	StatusFailed    = "failed"
)

// ErrorExample describes one record that could not be matched.
type ErrorExample struct {
	SourceID string
	Kind     string
	Message  string
}

// Summary contains statistics about a batch run. Errored records are
// persisted as rejections but counted only under Errored.
type Summary struct {
	Accepted       map[model.MatchMethod]int
	Flagged        map[string]int
	Rejected       map[string]int
	Errored        map[string]int
	BatchID        string
	Examples       []ErrorExample
	Total          int
	ReviewRequired int
	Staged         int
	Activated      int
	Discarded      int
	QualityFlags   int
	Duration       time.Duration
	Aborted        bool
}

func newSummary(batchID string, total int) *Summary {
	return &Summary{
		BatchID:  batchID,
		Total:    total,
		Accepted: make(map[model.MatchMethod]int),
		Flagged:  make(map[string]int),
		Rejected: make(map[string]int),
		Errored:  make(map[string]int),
	}
}

// AcceptedCount returns the number of accepted records across methods.
func (s *Summary) AcceptedCount() int {
	return sumValues(s.Accepted)
}

// FlaggedCount returns the number of flagged records across reasons.
func (s *Summary) FlaggedCount() int {
	return sumValues(s.Flagged)
}

// RejectedCount returns the number of rejected records across reasons.
func (s *Summary) RejectedCount() int {
	return sumValues(s.Rejected)
}

// ErroredCount returns the number of records that failed validation or lookup.
func (s *Summary) ErroredCount() int {
	return sumValues(s.Errored)
}

// Methods returns the accepted methods in chain priority order.
func (s *Summary) Methods() []model.MatchMethod {
	methods := make([]model.MatchMethod, 0, len(s.Accepted))
	for m := range s.Accepted {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool {
		return methods[i].Priority() < methods[j].Priority()
	})
	return methods
}

// SortedKeys returns the keys of a reason count map in a stable order.
func SortedKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Summary) addError(sourceID, kind string, err error) {
	s.Errored[kind]++
	if len(s.Examples) < maxErrorExamples {
		s.Examples = append(s.Examples, ErrorExample{
			SourceID: sourceID,
			Kind:     kind,
			Message:  err.Error(),
		})
	}
}

func sumValues[K comparable](counts map[K]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
