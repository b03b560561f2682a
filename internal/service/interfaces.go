// Package service defines the interfaces shared by the matching components.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/policy"
)

// BatchContext carries everything a matcher call needs to know about the
// batch it belongs to. It replaces any notion of a global "current batch",
// so independent batches can run side by side.
type BatchContext struct {
	Now    func() time.Time
	Policy *policy.Policy
	Batch  model.Batch
	Actor  string
}

// NewBatchContext creates a batch context using the wall clock.
func NewBatchContext(batch model.Batch, actor string, p *policy.Policy) BatchContext {
	return BatchContext{
		Batch:  batch,
		Actor:  actor,
		Policy: p,
		Now:    time.Now,
	}
}

// Timestamp returns the current time according to the context's clock, in UTC.
func (bc BatchContext) Timestamp() time.Time {
	if bc.Now == nil {
		return time.Now().UTC()
	}
	return bc.Now().UTC()
}

// EffectivePolicy returns the batch policy, or the default one when unset.
func (bc BatchContext) EffectivePolicy() *policy.Policy {
	if bc.Policy == nil {
		return policy.Default()
	}
	return bc.Policy
}

// ReviewFilter narrows the review queue.
type ReviewFilter struct {
	MinConfidence *float64
	FlaggedOnly   bool
	Limit         int
}

// FlagFilter narrows quality flag listings.
type FlagFilter struct {
	SourceID string
	BatchID  string
	OpenOnly bool
	Limit    int
}

// BaselineStore persists the authoritative entity set.
type BaselineStore interface {
	SaveBaselineEntities(ctx context.Context, entities []model.BaselineEntity) error
	CountBaselineEntities(ctx context.Context) (int, error)
	GetBaselineEntities(ctx context.Context) ([]model.BaselineEntity, error)
	GetBaselineEntity(ctx context.Context, id string) (*model.BaselineEntity, error)
}

// SourceStore persists import batches and their append-only source records.
type SourceStore interface {
	CreateBatch(ctx context.Context, batch *model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	ListBatches(ctx context.Context) ([]model.Batch, error)
	SaveSourceRecords(ctx context.Context, records []model.SourceRecord) error
	GetSourceRecord(ctx context.Context, id string) (*model.SourceRecord, error)
	GetSourceRecordsByBatch(ctx context.Context, batchID string) ([]model.SourceRecord, error)
}

// MatchStore is the append-only persistence behind the match ledger.
type MatchStore interface {
	// AppendMatchRecord writes one record in its own transaction.
	AppendMatchRecord(ctx context.Context, record *model.MatchRecord) error
	// ActivateBatch makes a batch's staged records active and saves its
	// quality flags in one transaction.
	ActivateBatch(ctx context.Context, batchID string, at time.Time, flags []model.QualityFlag) (int, error)
	// DiscardStaged retires staged records of a batch that were never activated.
	DiscardStaged(ctx context.Context, batchID string, at time.Time) (int, error)
	// DeactivateBatch undoes an activation, restoring superseded records.
	DeactivateBatch(ctx context.Context, batchID string, at time.Time) (int, error)
	// AppendAndActivate writes one record and makes it active at once.
	AppendAndActivate(ctx context.Context, record *model.MatchRecord) error
	GetMatchRecord(ctx context.Context, id string) (*model.MatchRecord, error)
	GetActiveMatch(ctx context.Context, sourceID string) (*model.MatchRecord, error)
	GetMatchHistory(ctx context.Context, sourceID string) ([]model.MatchRecord, error)
	GetActiveMatchesForBaseline(ctx context.Context, baselineID string) ([]model.MatchRecord, error)
	GetActiveAcceptedMatches(ctx context.Context) ([]model.MatchRecord, error)
	GetMatchRecordsByBatch(ctx context.Context, batchID string) ([]model.MatchRecord, error)
	GetPendingReview(ctx context.Context, filter ReviewFilter) ([]model.MatchRecord, error)
}

// FlagStore persists quality flags.
type FlagStore interface {
	SaveQualityFlag(ctx context.Context, flag *model.QualityFlag) error
	ListQualityFlags(ctx context.Context, filter FlagFilter) ([]model.QualityFlag, error)
	ResolveQualityFlag(ctx context.Context, id, actor, note string, at time.Time) error
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	BaselineStore
	SourceStore
	MatchStore
	FlagStore

	Migrate(ctx context.Context) error
	Close() error
}
