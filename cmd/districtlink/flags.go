package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/districtlink/internal/cli"
	"github.com/Veraticus/districtlink/internal/service"
)

func flagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Inspect and resolve quality flags",
	}

	cmd.AddCommand(flagsListCmd())
	cmd.AddCommand(flagsResolveCmd())

	return cmd
}

func flagsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quality flags, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var filter service.FlagFilter
			filter.OpenOnly, _ = cmd.Flags().GetBool("open")
			filter.BatchID, _ = cmd.Flags().GetString("batch")
			filter.SourceID, _ = cmd.Flags().GetString("source")
			filter.Limit, _ = cmd.Flags().GetInt("limit")

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			flags, err := store.ListQualityFlags(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list quality flags: %w", err)
			}
			if len(flags) == 0 {
				fmt.Println(cli.FormatSuccess("No quality flags")) //nolint:forbidigo // User-facing output
				return nil
			}
			return cli.WriteFlagTable(cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().Bool("open", false, "only unresolved flags")
	cmd.Flags().String("batch", "", "only flags raised by this batch")
	cmd.Flags().String("source", "", "only flags for this source record")
	cmd.Flags().Int("limit", 0, "maximum number of flags to show")

	return cmd
}

func flagsResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <flag-id>",
		Short: "Mark a quality flag as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			actorFlag, _ := cmd.Flags().GetString("actor")
			note, _ := cmd.Flags().GetString("note")

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.ResolveQualityFlag(ctx, args[0], reviewer(actorFlag), note, time.Now().UTC()); err != nil {
				return fmt.Errorf("failed to resolve flag: %w", err)
			}
			fmt.Println(cli.FormatSuccess("Resolved flag " + args[0])) //nolint:forbidigo // User-facing output
			return nil
		},
	}

	cmd.Flags().String("actor", "", "name recorded on the resolution (default $USER)")
	cmd.Flags().String("note", "", "resolution note")

	return cmd
}
