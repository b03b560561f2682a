package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Veraticus/districtlink/internal/cli"
	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/engine"
	"github.com/Veraticus/districtlink/internal/service"
)

func matchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match <batch-id>",
		Short: "Match a batch against the baseline and activate the result",
		Long: `Run every source record of a batch through the match strategy chain,
resolve conflicts across the batch, append the decisions to the ledger and
activate them together.

An interrupted run activates nothing; running the batch again discards the
staged leftovers and starts over.`,
		Args: cobra.ExactArgs(1),
		RunE: runMatch,
	}

	cmd.Flags().Int("workers", 0, "number of matching workers (default from matching.workers)")
	cmd.Flags().Bool("no-progress", false, "do not draw a progress bar")

	return cmd
}

func runMatch(cmd *cobra.Command, args []string) error {
	batchID := args[0]
	workers, _ := cmd.Flags().GetInt("workers")
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	store, cfg, closeStore, err := openStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	if workers > 0 {
		cfg.Workers = workers
	}

	p, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	m, err := newMetrics()
	if err != nil {
		return err
	}
	defer writeMetrics(cfg, m)

	interrupts := cli.NewInterruptHandler(os.Stdout)
	ctx, cancel := interrupts.HandleInterrupts(cmd.Context(), batchID)
	defer cancel()

	batch, err := store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, common.ErrBatchNotFound) {
			return common.NewUserError(fmt.Sprintf("No batch %s; import it first with 'districtlink batch import'", batchID), err)
		}
		return err
	}

	records, err := store.GetSourceRecordsByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load source records: %w", err)
	}
	if len(records) == 0 {
		fmt.Println(cli.InfoStyle.Render("Batch " + batchID + " has no source records.")) //nolint:forbidigo // User-facing output
		return nil
	}

	opts := []engine.Option{engine.WithMetrics(m)}
	var progress *cli.ProgressReporter
	if !noProgress {
		progress = cli.NewProgressReporter(os.Stderr, "Matching")
		opts = append(opts, engine.WithProgress(progress.Update))
	}

	eng := engine.NewWithConfig(store, engine.Config{Workers: cfg.Workers}, opts...)
	bc := service.NewBatchContext(*batch, cfg.Actor, p)

	slog.Info("Matching batch",
		"batch_id", batchID,
		"records", len(records),
		"policy_version", p.Version,
		"workers", cfg.Workers)

	summary, runErr := eng.RunBatch(ctx, bc, records)
	if progress != nil {
		progress.Finish()
	}

	if summary != nil {
		fmt.Println(cli.RenderSummary(summary)) //nolint:forbidigo // User-facing output
	}
	if runErr != nil {
		if interrupts.WasInterrupted() {
			return nil
		}
		if errors.Is(runErr, common.ErrLedgerWriteConflict) {
			return common.NewUserError("Another writer changed the ledger while matching; nothing was activated. Run the batch again.", runErr)
		}
		return runErr
	}

	if summary.ReviewRequired > 0 || summary.FlaggedCount() > 0 {
		fmt.Println(cli.FormatInfo("Work through the review queue with: districtlink review list")) //nolint:forbidigo // User-facing output
	}
	return nil
}
