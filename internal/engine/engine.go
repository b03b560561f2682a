// Package engine orchestrates a batch run: matching on a worker pool,
// batch-level conflict resolution, staging in the ledger and activation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/index"
	"github.com/Veraticus/districtlink/internal/ledger"
	"github.com/Veraticus/districtlink/internal/matcher"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/policy"
	"github.com/Veraticus/districtlink/internal/resolver"
	"github.com/Veraticus/districtlink/internal/service"
)

// Engine runs batches of source records through the match pipeline.
type Engine struct {
	store        service.Storage
	ledger       *ledger.Ledger
	metrics      MetricsRecorder
	progress     ProgressFunc
	chainOptions []matcher.Option
	retry        common.RetryOptions
	workers      int
}

// Config holds configuration options for the engine.
type Config struct {
	Workers int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Workers: 4,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger makes the engine write through an existing ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(e *Engine) {
		if l != nil {
			e.ledger = l
		}
	}
}

// WithMetrics records run measurements.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithProgress reports matching progress.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

// WithChainOptions configures the strategy chain built for each batch.
func WithChainOptions(opts ...matcher.Option) Option {
	return func(e *Engine) {
		e.chainOptions = append(e.chainOptions, opts...)
	}
}

// WithRetryOptions controls retries of busy store writes.
func WithRetryOptions(opts common.RetryOptions) Option {
	return func(e *Engine) {
		e.retry = opts
	}
}

// New creates a new engine with the default configuration.
func New(store service.Storage, opts ...Option) *Engine {
	return NewWithConfig(store, DefaultConfig(), opts...)
}

// NewWithConfig creates a new engine with custom configuration.
func NewWithConfig(store service.Storage, config Config, opts ...Option) *Engine {
	workers := config.Workers
	if workers <= 0 {
		workers = DefaultConfig().Workers
	}

	e := &Engine{
		store:   store,
		workers: workers,
		metrics: noopMetrics{},
		retry:   common.DefaultRetryOptions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ledger == nil {
		e.ledger = ledger.New(store)
	}
	return e
}

// Ledger returns the ledger the engine writes to.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// staged pairs a resolution with the record written for it.
type staged struct {
	record     *model.MatchRecord
	resolution resolver.Resolution
}

// RunBatch matches records against the baseline and activates the outcome
// as one unit. The batch audit entry must exist. When ctx ends before
// activation the batch stays staged, the summary is marked Aborted and the
// context error is returned alongside it.
func (e *Engine) RunBatch(ctx context.Context, bc service.BatchContext, records []model.SourceRecord) (*Summary, error) {
	start := time.Now()
	summary := newSummary(bc.Batch.ID, len(records))

	batch, err := e.store.GetBatch(ctx, bc.Batch.ID)
	if err != nil {
		if errors.Is(err, common.ErrBatchNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load batch %q: %w", bc.Batch.ID, err)
	}
	bc.Batch = *batch
	p := bc.EffectivePolicy()

	idx, err := e.buildIndex(ctx, bc)
	if err != nil {
		e.metrics.RecordBatch(StatusFailed, 0, 0, time.Since(start))
		return nil, err
	}

	discarded, err := e.ledger.DiscardStaged(ctx, bc.Batch.ID)
	if err != nil {
		return nil, err
	}
	summary.Discarded = discarded
	if discarded > 0 {
		slog.Warn("Discarded staged matches from an earlier run",
			"batch_id", bc.Batch.ID,
			"count", discarded)
	}

	slog.Info("Starting batch match",
		"batch_id", bc.Batch.ID,
		"records", len(records),
		"baseline_entities", idx.Len(),
		"policy_version", p.Version,
		"workers", e.workers)

	chain := matcher.NewChain(idx, e.chainOptions...)
	outcomes, complete := e.matchParallel(ctx, bc, chain, records)
	if !complete {
		return e.abort(ctx, summary, start)
	}

	resolutions, err := e.resolve(p, records, outcomes)
	if err != nil {
		e.metrics.RecordBatch(StatusFailed, 0, 0, time.Since(start))
		return nil, err
	}

	stagedRecords := make([]staged, 0, len(resolutions))
	for _, res := range resolutions {
		if ctx.Err() != nil {
			return e.abort(ctx, summary, start)
		}

		record, err := e.record(ctx, bc, res)
		if err != nil {
			return e.fail(ctx, summary, start, err)
		}
		summary.Staged++
		stagedRecords = append(stagedRecords, staged{record: record, resolution: res})
	}

	if ctx.Err() != nil {
		return e.abort(ctx, summary, start)
	}

	flags := make([]model.QualityFlag, 0, len(stagedRecords))
	for _, s := range stagedRecords {
		if flag := newFlag(bc, s); flag != nil {
			flags = append(flags, *flag)
		}
	}

	var activated int
	err = common.WithRetry(ctx, func() error {
		var activateErr error
		activated, activateErr = e.ledger.ActivateBatch(ctx, bc.Batch.ID, flags...)
		return activateErr
	}, e.retry)
	if err != nil {
		return e.fail(ctx, summary, start, err)
	}
	summary.Activated = activated
	summary.QualityFlags = len(flags)

	for _, s := range stagedRecords {
		e.tally(summary, s.resolution)
	}

	summary.Duration = time.Since(start)
	e.metrics.RecordBatch(StatusActivated, summary.Staged, summary.Activated, summary.Duration)

	slog.Info("Batch activated",
		"batch_id", bc.Batch.ID,
		"accepted", summary.AcceptedCount(),
		"flagged", summary.FlaggedCount(),
		"rejected", summary.RejectedCount(),
		"errored", summary.ErroredCount(),
		"activated", summary.Activated,
		"duration", summary.Duration)

	return summary, nil
}

// UndoBatch deactivates an activated batch and restores the decisions it
// replaced.
func (e *Engine) UndoBatch(ctx context.Context, batchID string) (int, error) {
	if _, err := e.store.GetBatch(ctx, batchID); err != nil {
		return 0, err
	}

	n, err := e.ledger.UndoBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}

	slog.Info("Batch undone", "batch_id", batchID, "deactivated", n)
	return n, nil
}

func (e *Engine) buildIndex(ctx context.Context, bc service.BatchContext) (*index.Index, error) {
	normalizer, err := bc.EffectivePolicy().Normalizer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrIndexBuild, err)
	}

	entities, err := e.store.GetBaselineEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load baseline: %w", common.ErrIndexBuild, err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: baseline is empty", common.ErrIndexBuild)
	}

	return index.New(entities, normalizer)
}

// resolve runs the conflict resolver over every chain result, then the
// batch-level duplicate pass. It runs on a single goroutine.
func (e *Engine) resolve(p *policy.Policy, records []model.SourceRecord, outcomes []matchOutcome) ([]resolver.Resolution, error) {
	r := resolver.New(p)
	resolutions := make([]resolver.Resolution, len(records))

	for i, outcome := range outcomes {
		record := records[i]
		switch {
		case outcome.err == nil:
			resolutions[i] = r.Resolve(record, outcome.result)
		case common.IsRecordError(outcome.err):
			slog.Warn("Record rejected before matching",
				"source_id", record.ID,
				"error", outcome.err)
			resolutions[i] = resolver.FromError(record, outcome.err)
		default:
			return nil, fmt.Errorf("failed to match record %q: %w", record.ID, outcome.err)
		}
	}

	return r.ReviewDuplicates(resolutions), nil
}

// record stages one resolution, retrying while the store is busy.
func (e *Engine) record(ctx context.Context, bc service.BatchContext, res resolver.Resolution) (*model.MatchRecord, error) {
	var record *model.MatchRecord
	err := common.WithRetry(ctx, func() error {
		var recordErr error
		record, recordErr = e.ledger.Record(ctx, bc, res)
		return recordErr
	}, e.retry)
	return record, err
}

// tally adds a resolution to the summary and metrics.
func (e *Engine) tally(summary *Summary, res resolver.Resolution) {
	outcome := res.Kind.Outcome()
	method := string(model.MethodNone)
	if res.Candidate != nil {
		method = string(res.Candidate.Method)
		if res.Candidate.Method == model.MethodFuzzy {
			e.metrics.ObserveSimilarity(res.Candidate.Similarity)
		}
	}

	switch {
	case res.Err != nil:
		summary.addError(res.Record.ID, res.Reason, res.Err)
		e.metrics.RecordError(res.Reason)
	case res.Kind == resolver.KindAccept:
		summary.Accepted[res.Candidate.Method]++
		if res.ReviewRequired {
			summary.ReviewRequired++
		}
	case res.Kind == resolver.KindFlag:
		summary.Flagged[res.Reason]++
	default:
		summary.Rejected[res.Reason]++
	}

	e.metrics.RecordOutcome(string(outcome), method)
	if needsFlag(res) {
		e.metrics.RecordFlag(res.Reason)
	}
}

// needsFlag reports whether a resolution gets a standalone quality flag.
// Low-confidence fuzzy accepts only carry the review flag on their record.
func needsFlag(res resolver.Resolution) bool {
	if res.Kind != resolver.KindAccept {
		return true
	}
	return res.Reason == model.ReasonPossibleDuplicate
}

// newFlag builds the quality flag for a staged record, or nil when the
// resolution does not need one.
func newFlag(bc service.BatchContext, s staged) *model.QualityFlag {
	if !needsFlag(s.resolution) {
		return nil
	}

	flag := &model.QualityFlag{
		ID:          uuid.NewString(),
		SourceID:    s.record.SourceID,
		MatchID:     s.record.ID,
		BatchID:     bc.Batch.ID,
		Severity:    s.resolution.Severity,
		Code:        s.resolution.Reason,
		Description: s.resolution.Detail,
		CreatedAt:   bc.Timestamp(),
	}
	if !flag.Severity.IsValid() {
		flag.Severity = model.SeverityWarning
	}
	return flag
}

// abort leaves the batch staged and reports what was done so far.
func (e *Engine) abort(ctx context.Context, summary *Summary, start time.Time) (*Summary, error) {
	summary.Aborted = true
	summary.Duration = time.Since(start)
	e.metrics.RecordBatch(StatusAborted, summary.Staged, 0, summary.Duration)

	slog.Warn("Batch aborted before activation",
		"batch_id", summary.BatchID,
		"staged", summary.Staged,
		"total", summary.Total)

	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return summary, fmt.Errorf("batch %s aborted: %w", summary.BatchID, err)
}

// fail stops the batch on an error that leaves nothing activated.
func (e *Engine) fail(ctx context.Context, summary *Summary, start time.Time, err error) (*Summary, error) {
	if ctx.Err() != nil && !common.IsFatal(err) {
		return e.abort(ctx, summary, start)
	}

	summary.Duration = time.Since(start)
	e.metrics.RecordBatch(StatusFailed, summary.Staged, 0, summary.Duration)

	common.LogError(err, "Batch failed", common.Fields{
		"batch_id": summary.BatchID,
		"staged":   summary.Staged,
	})
	return nil, err
}
