package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Veraticus/districtlink/internal/cli"
	"github.com/Veraticus/districtlink/internal/storage"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage point-in-time copies of the ledger database",
		Long: `Snapshots are full copies of the ledger database kept next to it.
One is taken automatically before every batch undo and baseline import; the
five most recent automatic snapshots are kept.`,
	}

	cmd.AddCommand(snapshotCreateCmd())
	cmd.AddCommand(snapshotListCmd())
	cmd.AddCommand(snapshotVerifyCmd())
	cmd.AddCommand(snapshotDeleteCmd())

	return cmd
}

// autoSnapshot copies the database before a destructive operation.
func autoSnapshot(cmd *cobra.Command, store *storage.SQLiteStorage, operation string) error {
	if skip, _ := cmd.Flags().GetBool("no-snapshot"); skip {
		return nil
	}

	snapshots, err := store.Snapshots()
	if err != nil {
		return err
	}
	info, err := snapshots.Auto(cmd.Context(), operation)
	if err != nil {
		return err
	}
	slog.Debug("Took automatic snapshot", "id", info.ID, "operation", operation)
	return nil
}

func snapshotCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [id]",
		Short: "Copy the ledger database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			description, _ := cmd.Flags().GetString("description")
			var id string
			if len(args) == 1 {
				id = args[0]
			}

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			snapshots, err := store.Snapshots()
			if err != nil {
				return err
			}
			info, err := snapshots.Create(ctx, id, description)
			if err != nil {
				return err
			}

			fmt.Println(cli.FormatSuccess(fmt.Sprintf("Created snapshot %s (%s)", info.ID, formatSize(info.FileSize)))) //nolint:forbidigo // User-facing output
			return nil
		},
	}

	cmd.Flags().StringP("description", "d", "", "what the snapshot is for")

	return cmd
}

func snapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			snapshots, err := store.Snapshots()
			if err != nil {
				return err
			}
			list, err := snapshots.List(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println(cli.InfoStyle.Render("No snapshots yet.")) //nolint:forbidigo // User-facing output
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				cli.TableHeaderStyle.Render("ID"),
				cli.TableHeaderStyle.Render("Created"),
				cli.TableHeaderStyle.Render("Size"),
				cli.TableHeaderStyle.Render("Matches"),
				cli.TableHeaderStyle.Render("Auto"),
				cli.TableHeaderStyle.Render("Description")); err != nil {
				return err
			}
			for _, s := range list {
				auto := ""
				if s.IsAuto {
					auto = "yes"
				}
				if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					s.ID,
					s.CreatedAt.Local().Format("2006-01-02 15:04"),
					formatSize(s.FileSize),
					s.RowCounts["match_records"],
					auto,
					s.Description); err != nil {
					return err
				}
			}
			return w.Flush()
		},
	}
}

func snapshotVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Check a snapshot's integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			snapshots, err := store.Snapshots()
			if err != nil {
				return err
			}
			if err := snapshots.Verify(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println(cli.FormatSuccess("Snapshot " + args[0] + " is intact")) //nolint:forbidigo // User-facing output
			return nil
		},
	}
}

func snapshotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			snapshots, err := store.Snapshots()
			if err != nil {
				return err
			}
			if err := snapshots.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println(cli.FormatSuccess("Deleted snapshot " + args[0])) //nolint:forbidigo // User-facing output
			return nil
		},
	}
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
