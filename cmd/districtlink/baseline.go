package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/districtlink/internal/cli"
	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/storage"
)

func baselineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Manage the authoritative entity set",
	}

	cmd.AddCommand(baselineImportCmd())
	cmd.AddCommand(baselineShowCmd())

	return cmd
}

func baselineImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Load a versioned baseline document",
		Long: `Load the authoritative entity set from a JSON document of the form

  {"version": "2024", "entities": [{"id": "4823640", "name": "Austin ISD", "region": "TX", ...}]}

Entities are immutable once loaded. A newer version may relist unchanged
entities; a document that changes an existing entity is refused as a whole.`,
		Args: cobra.ExactArgs(1),
		RunE: runBaselineImport,
	}

	cmd.Flags().Bool("no-snapshot", false, "do not snapshot the database first")

	return cmd
}

func runBaselineImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	f, err := openImport(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	entities, version, err := readBaseline(f, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	store, _, closeStore, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := autoSnapshot(cmd, store, "baseline-import"); err != nil {
		return err
	}

	if err := store.SaveBaselineEntities(ctx, entities); err != nil {
		if errors.Is(err, storage.ErrEntityImmutable) {
			return common.NewUserError("Baseline entities cannot change once loaded; publish the changed entity under a new id", err)
		}
		return fmt.Errorf("failed to save baseline: %w", err)
	}

	total, err := store.CountBaselineEntities(ctx)
	if err != nil {
		return fmt.Errorf("failed to count baseline entities: %w", err)
	}

	slog.Info("Imported baseline", "file", args[0], "version", version, "entities", len(entities))
	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Loaded %d entities (version %s); %d in baseline", len(entities), version, total))) //nolint:forbidigo // User-facing output
	return nil
}

func baselineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <baseline-id>",
		Short: "Show a baseline entity and the records linked to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			entity, err := store.GetBaselineEntity(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get baseline entity: %w", err)
			}
			matches, err := store.GetActiveMatchesForBaseline(ctx, entity.ID)
			if err != nil {
				return fmt.Errorf("failed to get linked records: %w", err)
			}

			enrollment := "-"
			if entity.Enrollment != nil {
				enrollment = fmt.Sprintf("%d", *entity.Enrollment)
			}
			body := strings.Join([]string{
				cli.FormatField("Region", string(entity.Region)),
				cli.FormatField("City", entity.City),
				cli.FormatField("Type", entity.EntityType),
				cli.FormatField("Enrollment", enrollment),
				cli.FormatField("Version", entity.Version),
				cli.FormatField("Linked records", fmt.Sprintf("%d", len(matches))),
			}, "\n")
			fmt.Println(cli.RenderBox(cli.FolderIcon+" "+entity.Name+" ("+entity.ID+")", body)) //nolint:forbidigo // User-facing output

			if len(matches) == 0 {
				return nil
			}
			fmt.Println() //nolint:forbidigo // User-facing output
			return cli.WriteMatchTable(cmd.OutOrStdout(), matches)
		},
	}
}
