package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Veraticus/districtlink/internal/matcher"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/service"
)

// matchOutcome is the chain result for the record at position pos.
type matchOutcome struct {
	err    error
	result matcher.Result
	pos    int
}

// matchParallel runs the chain over every record on the worker pool. The
// returned slice is ordered like records; entries for records that were never
// processed because ctx ended are left zero and ok is false.
func (e *Engine) matchParallel(
	ctx context.Context,
	bc service.BatchContext,
	chain *matcher.Chain,
	records []model.SourceRecord,
) (outcomes []matchOutcome, ok bool) {
	// Create work channel
	workChan := make(chan int, len(records))
	for i := range records {
		workChan <- i
	}
	close(workChan)

	// Results channel
	resultsChan := make(chan matchOutcome, len(records))

	workers := e.workers
	if workers > len(records) {
		workers = len(records)
	}

	// Start workers
	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func(workerID int) {
			defer wg.Done()
			e.matchWorker(ctx, workerID, bc, chain, records, workChan, resultsChan)
		}(i)
	}

	// Wait for workers and close results
	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	// Collect results
	outcomes = make([]matchOutcome, len(records))
	done := 0
	for outcome := range resultsChan {
		outcomes[outcome.pos] = outcome
		done++
		if e.progress != nil {
			e.progress(done, len(records))
		}
	}

	return outcomes, done == len(records) && ctx.Err() == nil
}

// matchWorker matches records from the work channel until it is drained or
// ctx ends.
func (e *Engine) matchWorker(
	ctx context.Context,
	workerID int,
	bc service.BatchContext,
	chain *matcher.Chain,
	records []model.SourceRecord,
	workChan <-chan int,
	resultsChan chan<- matchOutcome,
) {
	processed := 0
	for pos := range workChan {
		select {
		case <-ctx.Done():
			slog.Debug("match worker stopping", "worker_id", workerID, "processed", processed)
			return
		default:
		}

		result, err := chain.Match(ctx, bc, records[pos])
		resultsChan <- matchOutcome{pos: pos, result: result, err: err}
		processed++
	}

	slog.Debug("match worker finished", "worker_id", workerID, "processed", processed)
}
