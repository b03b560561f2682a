// Package ledger is the append-only record of match decisions. Every
// decision is a new MatchRecord; corrections supersede, undo deactivates,
// and nothing is ever deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/resolver"
	"github.com/Veraticus/districtlink/internal/service"
	"github.com/google/uuid"
)

// Ledger records resolutions and answers active-match queries. It holds no
// state of its own, so several ledgers over one store always agree.
type Ledger struct {
	store service.MatchStore
	now   func() time.Time
	newID func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for activation and undo timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over store.
func New(store service.MatchStore, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a staged, inactive record for a resolution in its own
// transaction. The record supersedes whatever is active for the source right
// now; ActivateBatch fails if that changes before activation.
func (l *Ledger) Record(ctx context.Context, bc service.BatchContext, res resolver.Resolution) (*model.MatchRecord, error) {
	current, err := l.ActiveMatchFor(ctx, res.Record.ID)
	if err != nil {
		return nil, err
	}

	record := newRecord(bc, res)
	record.ID = l.newID()
	if current != nil {
		record.SupersedesID = current.ID
	}

	if err := l.store.AppendMatchRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record match for %s: %w", res.Record.ID, err)
	}
	return record, nil
}

// ActivateBatch makes every staged record of the batch active at once and
// saves flags with them.
func (l *Ledger) ActivateBatch(ctx context.Context, batchID string, flags ...model.QualityFlag) (int, error) {
	n, err := l.store.ActivateBatch(ctx, batchID, l.now().UTC(), flags)
	if err != nil {
		return 0, fmt.Errorf("failed to activate batch %s: %w", batchID, err)
	}
	return n, nil
}

// DiscardStaged retires staged records left behind by an aborted run.
func (l *Ledger) DiscardStaged(ctx context.Context, batchID string) (int, error) {
	n, err := l.store.DiscardStaged(ctx, batchID, l.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to discard staged matches for %s: %w", batchID, err)
	}
	return n, nil
}

// Supersede appends record and makes it active immediately, replacing the
// source's current decision. SupersedesID must name the decision the caller
// saw; a mismatch returns common.ErrLedgerWriteConflict.
func (l *Ledger) Supersede(ctx context.Context, record *model.MatchRecord) error {
	if record.ID == "" {
		record.ID = l.newID()
	}
	if record.DecidedAt.IsZero() {
		record.DecidedAt = l.now().UTC()
	}
	record.Confidence = model.RoundConfidence(record.Confidence)

	if err := l.store.AppendAndActivate(ctx, record); err != nil {
		return fmt.Errorf("failed to supersede match for %s: %w", record.SourceID, err)
	}
	return nil
}

// ActiveMatchFor returns the active record for a source, or nil when the
// source has none. It always reads the store.
func (l *Ledger) ActiveMatchFor(ctx context.Context, sourceID string) (*model.MatchRecord, error) {
	record, err := l.store.GetActiveMatch(ctx, sourceID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active match for %s: %w", sourceID, err)
	}
	return record, nil
}

// History returns every record ever written for a source, oldest first.
func (l *Ledger) History(ctx context.Context, sourceID string) ([]model.MatchRecord, error) {
	records, err := l.store.GetMatchHistory(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history for %s: %w", sourceID, err)
	}
	return records, nil
}

// UndoBatch deactivates the batch's records and restores what they replaced.
func (l *Ledger) UndoBatch(ctx context.Context, batchID string) (int, error) {
	n, err := l.store.DeactivateBatch(ctx, batchID, l.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to undo batch %s: %w", batchID, err)
	}
	return n, nil
}

// newRecord converts a resolution into an unsaved, inactive record.
func newRecord(bc service.BatchContext, res resolver.Resolution) *model.MatchRecord {
	record := &model.MatchRecord{
		SourceID:  res.Record.ID,
		BatchID:   bc.Batch.ID,
		Method:    model.MethodNone,
		Outcome:   res.Kind.Outcome(),
		DecidedAt: bc.Timestamp(),
		DecidedBy: bc.Actor,
		Evidence: model.Evidence{
			PolicyVersion: bc.EffectivePolicy().Version,
		},
	}

	if res.Candidate != nil {
		record.Evidence = res.Candidate.Evidence
		if record.Evidence.PolicyVersion == "" {
			record.Evidence.PolicyVersion = bc.EffectivePolicy().Version
		}
	}

	switch {
	case res.Candidate != nil && res.Kind != resolver.KindReject:
		record.BaselineID = res.Candidate.Baseline.ID
		record.Method = res.Candidate.Method
		record.Confidence = model.RoundConfidence(res.Candidate.Confidence)
		record.FlagForReview = res.Kind == resolver.KindFlag || res.ReviewRequired
	case res.Candidate != nil:
		record.Evidence.Note = fmt.Sprintf("rejected candidate %s (%s)", res.Candidate.Baseline.ID, res.Candidate.Method)
	}

	if res.Reason != "" {
		reason := res.Reason
		record.ReviewReason = &reason
	}
	if res.Detail != "" {
		if record.Evidence.Note != "" {
			record.Evidence.Note += ": "
		}
		record.Evidence.Note += res.Detail
	}
	return record
}
