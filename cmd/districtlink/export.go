package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/districtlink/internal/cli"
	"github.com/Veraticus/districtlink/internal/directory"
	"github.com/Veraticus/districtlink/internal/service"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the unified directory or the review queue to a spreadsheet",
	}

	cmd.AddCommand(exportDirectoryCmd())
	cmd.AddCommand(exportReviewCmd())

	return cmd
}

func exportDirectoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "directory <file.xlsx>",
		Short: "Export every baseline entity with its best linked record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := directory.NewExporter(store).ExportDirectory(ctx, args[0])
			if err != nil {
				return err
			}

			slog.Info("Exported directory", "path", args[0], "entities", stats.Entities, "linked", stats.Linked)
			fmt.Println(cli.FormatSuccess(fmt.Sprintf( //nolint:forbidigo // User-facing output
				"Wrote %s: %d entities, %d linked, %d with contact details, %d needing review",
				args[0], stats.Entities, stats.Linked, stats.WithContact, stats.NeedsReview)))
			return nil
		},
	}
}

func exportReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <file.xlsx>",
		Short: "Export the pending review queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var filter service.ReviewFilter
			filter.FlaggedOnly, _ = cmd.Flags().GetBool("flagged")
			if cmd.Flags().Changed("min-confidence") {
				minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
				filter.MinConfidence = &minConfidence
			}

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := directory.NewExporter(store).ExportReview(ctx, args[0], filter)
			if err != nil {
				return err
			}

			fmt.Println(cli.FormatSuccess(fmt.Sprintf("Wrote %s: %d decisions awaiting review", args[0], n))) //nolint:forbidigo // User-facing output
			return nil
		},
	}

	cmd.Flags().Bool("flagged", false, "only decisions flagged for review")
	cmd.Flags().Float64("min-confidence", 0, "only decisions at or above this confidence")

	return cmd
}
