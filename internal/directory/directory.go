// Package directory materializes the unified directory: every baseline
// entity joined with the contact details of its best linked source record.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/service"
)

// Entry is one row of the unified directory. Match and Source are nil for
// baseline entities no accepted match points at.
type Entry struct {
	Match   *model.MatchRecord
	Source  *model.SourceRecord
	Entity  model.BaselineEntity
	Contact model.Contact
	// Links counts the active accepted matches pointing at the entity.
	Links int
}

// Linked reports whether the entity has an accepted match.
func (e *Entry) Linked() bool {
	return e.Match != nil
}

// Confidence returns the confidence of the chosen match, or 0.
func (e *Entry) Confidence() float64 {
	if e.Match == nil {
		return 0
	}
	return e.Match.Confidence
}

// NeedsReview reports whether the chosen match still awaits a human.
func (e *Entry) NeedsReview() bool {
	return e.Match != nil && e.Match.FlagForReview && !e.Match.Verified
}

// Stats summarizes a materialized directory.
type Stats struct {
	Entities    int
	Linked      int
	WithContact int
	NeedsReview int
}

// Materializer builds the directory from the ledger.
type Materializer struct {
	store service.Storage
}

// NewMaterializer creates a materializer over store.
func NewMaterializer(store service.Storage) *Materializer {
	return &Materializer{store: store}
}

// Build returns one entry per baseline entity, ordered by region and id.
// Several source records may link to the same entity; the one with the
// highest confidence wins, then the most recent decision.
func (m *Materializer) Build(ctx context.Context) ([]Entry, Stats, error) {
	entities, err := m.store.GetBaselineEntities(ctx)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to load baseline: %w", err)
	}

	matches, err := m.store.GetActiveAcceptedMatches(ctx)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to load accepted matches: %w", err)
	}

	best := make(map[string]*model.MatchRecord, len(matches))
	links := make(map[string]int, len(matches))
	for i := range matches {
		match := &matches[i]
		links[match.BaselineID]++
		if current, ok := best[match.BaselineID]; !ok || better(match, current) {
			best[match.BaselineID] = match
		}
	}

	entries := make([]Entry, 0, len(entities))
	var stats Stats
	for _, entity := range entities {
		entry := Entry{Entity: entity, Links: links[entity.ID]}

		if match, ok := best[entity.ID]; ok {
			entry.Match = match
			source, err := m.store.GetSourceRecord(ctx, match.SourceID)
			switch {
			case errors.Is(err, common.ErrNotFound):
				slog.Warn("Accepted match points at a missing source record",
					"match_id", match.ID,
					"source_id", match.SourceID)
			case err != nil:
				return nil, Stats{}, fmt.Errorf("failed to load source record %s: %w", match.SourceID, err)
			default:
				entry.Source = source
				entry.Contact = source.Contact
			}
		}

		stats.Entities++
		if entry.Linked() {
			stats.Linked++
		}
		if !entry.Contact.IsEmpty() {
			stats.WithContact++
		}
		if entry.NeedsReview() {
			stats.NeedsReview++
		}
		entries = append(entries, entry)
	}

	return entries, stats, nil
}

// better reports whether a should represent its entity instead of b.
func better(a, b *model.MatchRecord) bool {
	ca, cb := model.ConfidenceToHundredths(a.Confidence), model.ConfidenceToHundredths(b.Confidence)
	if ca != cb {
		return ca > cb
	}
	if !a.DecidedAt.Equal(b.DecidedAt) {
		return a.DecidedAt.After(b.DecidedAt)
	}
	return a.ID > b.ID
}
