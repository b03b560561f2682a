// Package review exposes the review queue and the human adjudication
// operations that supersede automatic decisions.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/ledger"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/service"
)

// ErrNothingToAccept is returned when accepting a record without a target entity.
var ErrNothingToAccept = errors.New("match record has no baseline entity to accept")

// Filter narrows the pending queue.
type Filter = service.ReviewFilter

// Queue serves the review queue over the ledger.
type Queue struct {
	store  service.Storage
	ledger *ledger.Ledger
}

// New creates a review queue.
func New(store service.Storage, l *ledger.Ledger) *Queue {
	return &Queue{store: store, ledger: l}
}

// Pending returns active, unverified, non-rejected decisions, least certain
// first.
func (q *Queue) Pending(ctx context.Context, filter Filter) ([]model.MatchRecord, error) {
	records, err := q.store.GetPendingReview(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load review queue: %w", err)
	}
	return records, nil
}

// Accept confirms the entity chosen by an active match record.
func (q *Queue) Accept(ctx context.Context, matchID, actor, note string) (*model.MatchRecord, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	prior, err := q.store.GetMatchRecord(ctx, matchID)
	if err != nil {
		return nil, err
	}
	switch {
	case !prior.Active:
		return nil, fmt.Errorf("match %s is no longer active: %w", matchID, common.ErrAlreadyDecided)
	case prior.Verified:
		return nil, fmt.Errorf("match %s was already verified: %w", matchID, common.ErrAlreadyDecided)
	case prior.BaselineID == "":
		return nil, fmt.Errorf("match %s: %w", matchID, ErrNothingToAccept)
	}

	evidence := prior.Evidence
	evidence.Note = noteOr(note, fmt.Sprintf("accepted %s match %s", prior.Method, prior.ID))

	record := manualRecord(prior.SourceID, prior.BaselineID, actor, model.OutcomeAccepted, prior.ID, evidence)
	if err := q.decide(ctx, record, actor, note); err != nil {
		return nil, err
	}
	return record, nil
}

// Reassign links a source record to a different entity in the same region.
func (q *Queue) Reassign(ctx context.Context, sourceID, baselineID, actor, note string) (*model.MatchRecord, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	source, err := q.store.GetSourceRecord(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	entity, err := q.store.GetBaselineEntity(ctx, baselineID)
	if err != nil {
		return nil, err
	}

	region := model.NormalizeRegion(string(source.Region))
	if entity.Region != region {
		return nil, fmt.Errorf("%w: entity %s is in %s, source %s is in %s",
			common.ErrRegionMismatch, entity.ID, entity.Region, source.ID, region)
	}

	prior, err := q.ledger.ActiveMatchFor(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	evidence := model.Evidence{
		MatchedFields: []string{"manual"},
		RegionMatch:   true,
		Note:          noteOr(note, fmt.Sprintf("reassigned to %s", entity.ID)),
	}
	record := manualRecord(sourceID, entity.ID, actor, model.OutcomeAccepted, priorID(prior), evidence)
	if err := q.decide(ctx, record, actor, note); err != nil {
		return nil, err
	}
	return record, nil
}

// Dismiss records a verified "no match" for a source record.
func (q *Queue) Dismiss(ctx context.Context, sourceID, actor, note string) (*model.MatchRecord, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	if _, err := q.store.GetSourceRecord(ctx, sourceID); err != nil {
		return nil, err
	}

	prior, err := q.ledger.ActiveMatchFor(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.Verified && prior.Outcome == model.OutcomeRejected {
		return nil, fmt.Errorf("source %s was already dismissed: %w", sourceID, common.ErrAlreadyDecided)
	}

	evidence := model.Evidence{Note: noteOr(note, "dismissed as no match")}
	record := manualRecord(sourceID, "", actor, model.OutcomeRejected, priorID(prior), evidence)
	if err := q.decide(ctx, record, actor, note); err != nil {
		return nil, err
	}
	return record, nil
}

// decide writes the manual record and closes the source's open flags.
func (q *Queue) decide(ctx context.Context, record *model.MatchRecord, actor, note string) error {
	if err := q.ledger.Supersede(ctx, record); err != nil {
		return err
	}

	flags, err := q.store.ListQualityFlags(ctx, service.FlagFilter{SourceID: record.SourceID, OpenOnly: true})
	if err != nil {
		return fmt.Errorf("failed to load open flags: %w", err)
	}
	resolution := noteOr(note, fmt.Sprintf("resolved by manual decision %s", record.ID))
	for _, flag := range flags {
		if err := q.store.ResolveQualityFlag(ctx, flag.ID, actor, resolution, record.DecidedAt); err != nil {
			return fmt.Errorf("failed to resolve flag %s: %w", flag.ID, err)
		}
	}

	slog.Info("Recorded manual decision",
		"source_id", record.SourceID,
		"baseline_id", record.BaselineID,
		"outcome", record.Outcome,
		"supersedes", record.SupersedesID,
		"flags_resolved", len(flags),
		"actor", actor)
	return nil
}

func manualRecord(sourceID, baselineID, actor string, outcome model.Outcome, supersedes string, evidence model.Evidence) *model.MatchRecord {
	return &model.MatchRecord{
		SourceID:     sourceID,
		BaselineID:   baselineID,
		Method:       model.MethodManual,
		Outcome:      outcome,
		Confidence:   1,
		Verified:     true,
		DecidedBy:    actor,
		SupersedesID: supersedes,
		Evidence:     evidence,
	}
}

func priorID(prior *model.MatchRecord) string {
	if prior == nil {
		return ""
	}
	return prior.ID
}

func noteOr(note, fallback string) string {
	if strings.TrimSpace(note) != "" {
		return note
	}
	return fallback
}

func validateActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return common.NewUserError("a reviewer name is required", fmt.Errorf("%w: actor", common.ErrMissingConfig))
	}
	return nil
}
