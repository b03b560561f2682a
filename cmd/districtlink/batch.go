package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Veraticus/districtlink/internal/cli"
	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/engine"
	"github.com/Veraticus/districtlink/internal/model"
)

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Import and manage source batches",
	}

	cmd.AddCommand(batchImportCmd())
	cmd.AddCommand(batchListCmd())
	cmd.AddCommand(batchUndoCmd())

	return cmd
}

func batchImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Record a delivery from a regional source",
		Long: `Create a batch audit entry and store its source records, unmatched.

The file holds {"source_url": "...", "records": [{"name": ..., "region": ...}]}.
Run "districtlink match <batch-id>" afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: runBatchImport,
	}

	cmd.Flags().String("source-url", "", "where the delivery came from (overrides the file)")

	return cmd
}

func runBatchImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sourceURL, _ := cmd.Flags().GetString("source-url")

	f, err := openImport(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	now := time.Now().UTC()
	batchID := uuid.NewString()

	records, fileURL, err := readSourceRecords(f, batchID, now)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	if sourceURL == "" {
		sourceURL = fileURL
	}
	if sourceURL == "" {
		return common.NewUserError("a source URL is required: pass --source-url or set source_url in the file", nil)
	}

	store, _, closeStore, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	batch := &model.Batch{
		ID:          batchID,
		SourceURL:   sourceURL,
		RecordCount: len(records),
		CreatedAt:   now,
	}
	if err := store.CreateBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	if err := store.SaveSourceRecords(ctx, records); err != nil {
		return fmt.Errorf("failed to save source records: %w", err)
	}

	slog.Info("Imported batch", "batch_id", batchID, "records", len(records), "source_url", sourceURL)
	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Batch %s created with %d records", batchID, len(records)))) //nolint:forbidigo // User-facing output
	fmt.Println(cli.FormatInfo("Match it with: districtlink match " + batchID))                            //nolint:forbidigo // User-facing output
	return nil
}

func batchListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List import batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			batches, err := store.ListBatches(ctx)
			if err != nil {
				return fmt.Errorf("failed to list batches: %w", err)
			}
			if len(batches) == 0 {
				fmt.Println(cli.InfoStyle.Render("No batches yet. Use 'districtlink batch import' to add one.")) //nolint:forbidigo // User-facing output
				return nil
			}
			return cli.WriteBatchTable(cmd.OutOrStdout(), batches)
		},
	}
}

func batchUndoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undo <batch-id>",
		Short: "Deactivate a batch and restore the decisions it replaced",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatchUndo,
	}

	cmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().Bool("no-snapshot", false, "do not snapshot the database first")

	return cmd
}

func runBatchUndo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	batchID := args[0]
	yes, _ := cmd.Flags().GetBool("yes")

	store, _, closeStore, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	batch, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status() != model.BatchActive {
		return common.NewUserError(fmt.Sprintf("batch %s is %s; only active batches can be undone", batchID, batch.Status()), nil)
	}

	if !yes {
		ok, confirmErr := cli.Confirm(ctx, cli.NewNonBlockingReader(os.Stdin), cmd.OutOrStdout(),
			fmt.Sprintf("Undo batch %s (%d records from %s)?", batch.ID, batch.RecordCount, batch.SourceURL))
		if confirmErr != nil {
			return confirmErr
		}
		if !ok {
			fmt.Println(cli.InfoStyle.Render("Nothing changed.")) //nolint:forbidigo // User-facing output
			return nil
		}
	}

	if err := autoSnapshot(cmd, store, "undo"); err != nil {
		return err
	}

	n, err := engine.New(store).UndoBatch(ctx, batchID)
	if err != nil {
		return err
	}

	slog.Info("Undid batch", "batch_id", batchID, "deactivated", n)
	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Deactivated %d records from batch %s", n, batchID))) //nolint:forbidigo // User-facing output
	return nil
}
