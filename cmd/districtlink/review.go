package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/districtlink/internal/cli"
	"github.com/Veraticus/districtlink/internal/ledger"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/review"
	"github.com/Veraticus/districtlink/internal/storage"
)

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Work through decisions that need a human",
		Long: `The review queue holds every active decision that no human has verified
and that did not end in a rejection, least certain first.`,
	}

	cmd.PersistentFlags().String("actor", "", "name recorded on decisions (default $USER)")
	cmd.PersistentFlags().String("note", "", "note stored with the decision")

	cmd.AddCommand(reviewListCmd())
	cmd.AddCommand(reviewAcceptCmd())
	cmd.AddCommand(reviewReassignCmd())
	cmd.AddCommand(reviewDismissCmd())

	return cmd
}

func newQueue(store *storage.SQLiteStorage) *review.Queue {
	return review.New(store, ledger.New(store))
}

func reviewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the pending review queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			flaggedOnly, _ := cmd.Flags().GetBool("flagged")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := review.Filter{FlaggedOnly: flaggedOnly, Limit: limit}
			if cmd.Flags().Changed("min-confidence") {
				minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
				filter.MinConfidence = &minConfidence
			}

			store, _, closeStore, err := openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := newQueue(store).Pending(ctx, filter)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println(cli.FormatSuccess("The review queue is empty")) //nolint:forbidigo // User-facing output
				return nil
			}

			fmt.Println(cli.FormatTitle(fmt.Sprintf("Review queue (%d)", len(records)))) //nolint:forbidigo // User-facing output
			return cli.WriteMatchTable(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().Bool("flagged", false, "only decisions flagged for review")
	cmd.Flags().Float64("min-confidence", 0, "only decisions at or above this confidence")
	cmd.Flags().Int("limit", 0, "maximum number of decisions to show")

	return cmd
}

func reviewAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <match-id>",
		Short: "Confirm the entity an automatic decision chose",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReviewDecision(cmd, func(q *review.Queue, actor, note string) (*model.MatchRecord, error) {
				return q.Accept(cmd.Context(), args[0], actor, note)
			})
		},
	}
}

func reviewReassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reassign <source-id> <baseline-id>",
		Short: "Link a source record to a different entity in its region",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReviewDecision(cmd, func(q *review.Queue, actor, note string) (*model.MatchRecord, error) {
				return q.Reassign(cmd.Context(), args[0], args[1], actor, note)
			})
		},
	}
}

func reviewDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <source-id>",
		Short: "Record that a source record matches no entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReviewDecision(cmd, func(q *review.Queue, actor, note string) (*model.MatchRecord, error) {
				return q.Dismiss(cmd.Context(), args[0], actor, note)
			})
		},
	}
}

type decision func(q *review.Queue, actor, note string) (*model.MatchRecord, error)

func runReviewDecision(cmd *cobra.Command, decide decision) error {
	actorFlag, _ := cmd.Flags().GetString("actor")
	note, _ := cmd.Flags().GetString("note")
	actor := reviewer(actorFlag)

	store, _, closeStore, err := openStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	record, err := decide(newQueue(store), actor, note)
	if err != nil {
		return err
	}

	slog.Info("Recorded review decision",
		"match_id", record.ID,
		"source_id", record.SourceID,
		"outcome", record.Outcome,
		"actor", actor)

	msg := fmt.Sprintf("Recorded %s for %s", record.Outcome, record.SourceID)
	if record.BaselineID != "" {
		msg += " → " + record.BaselineID
	}
	if record.SupersedesID != "" {
		msg += " (supersedes " + record.SupersedesID + ")"
	}
	fmt.Println(cli.FormatSuccess(msg)) //nolint:forbidigo // User-facing output
	return nil
}
