package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/store"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect the ingestion ledger",
}

// -- batches list --

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		batches, err := env.Ledger.List(ctx, store.BatchFilter{
			Status: model.BatchStatus(status),
			Source: model.SourceKind(source),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "batches list")
		}
		if len(batches) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}
		formatBatches(os.Stdout, batches)
		return nil
	},
}

// -- batches show --

var batchesShowCmd = &cobra.Command{
	Use:   "show <batch-key>",
	Short: "Show one batch with its counters and metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		b, err := env.Ledger.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, b)
	},
}

func init() {
	batchesListCmd.Flags().String("status", "", "filter by status (in_progress, success, partial, failed)")
	batchesListCmd.Flags().String("source", "", "filter by producer kind")
	batchesListCmd.Flags().Int("limit", 20, "maximum batches to list")

	batchesCmd.AddCommand(batchesListCmd, batchesShowCmd)
	rootCmd.AddCommand(batchesCmd)
}
