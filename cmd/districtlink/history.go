package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/districtlink/internal/cli"
	"github.com/Veraticus/districtlink/internal/ledger"
	"github.com/Veraticus/districtlink/internal/service"
)

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <source-id>",
		Short: "Show every decision ever recorded for a source record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sourceID := args[0]

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			source, err := store.GetSourceRecord(ctx, sourceID)
			if err != nil {
				return err
			}
			records, err := ledger.New(store).History(ctx, sourceID)
			if err != nil {
				return err
			}
			flags, err := store.ListQualityFlags(ctx, service.FlagFilter{SourceID: sourceID})
			if err != nil {
				return fmt.Errorf("failed to list quality flags: %w", err)
			}

			fmt.Println(cli.FormatTitle(fmt.Sprintf("%s: %q (%s)", source.ID, source.Name, source.Region))) //nolint:forbidigo // User-facing output
			if len(records) == 0 {
				fmt.Println(cli.InfoStyle.Render("No decisions recorded yet.")) //nolint:forbidigo // User-facing output
			} else if err := cli.WriteMatchTable(cmd.OutOrStdout(), records); err != nil {
				return err
			}

			if len(flags) > 0 {
				fmt.Println() //nolint:forbidigo // User-facing output
				return cli.WriteFlagTable(cmd.OutOrStdout(), flags)
			}
			return nil
		},
	}
}
