package main

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/intake"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/model"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Stage proposed changes from a CSV or XLSX file as one batch",
	Long: "Reads a producer file, records it in the ingestion ledger and proposes one observation per data row. " +
		"Re-importing a file whose batch already completed is reported and skipped.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sourceFlag, _ := cmd.Flags().GetString("source")
		source, err := model.ParseSourceKind(sourceFlag)
		if err != nil {
			return err
		}
		aliasFlags, _ := cmd.Flags().GetStringToString("alias")
		aliases := make(map[string]string, len(aliasFlags))
		for header, col := range aliasFlags {
			aliases[header] = strings.ToLower(col)
		}

		opts := intake.Options{Source: source, Aliases: aliases}
		opts.Key, _ = cmd.Flags().GetString("key")
		opts.DefaultConfidence, _ = cmd.Flags().GetFloat64("default-confidence")
		opts.Read.SheetName, _ = cmd.Flags().GetString("sheet")
		opts.Read.SheetIndex, _ = cmd.Flags().GetInt("sheet-index")
		opts.Concurrency, _ = cmd.Flags().GetInt("concurrency")
		opts.Reconcile, _ = cmd.Flags().GetBool("reconcile")

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		importer := intake.NewImporter(env.Ledger, env.Observations, env.Engine)
		res, err := importer.ImportFile(ctx, args[0], opts)
		if res != nil {
			_ = printJSON(os.Stdout, res)
		}
		if err != nil {
			return eris.Wrap(err, "import")
		}

		zap.L().Info("import complete",
			zap.String("file", args[0]),
			zap.String("batch_key", res.BatchKey),
			zap.Bool("duplicate", res.Duplicate),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().String("source", string(model.SourceManualExcel), "producer kind (manual_excel, email_batch, ai_inference, pdf_extraction, api_import)")
	importCmd.Flags().String("key", "", "batch idempotency key (default <source>:<sha256 of file>)")
	importCmd.Flags().Float64("default-confidence", 0, "confidence for rows with an empty confidence cell (0 = required)")
	importCmd.Flags().String("sheet", "", "XLSX sheet name (default first sheet)")
	importCmd.Flags().Int("sheet-index", 0, "XLSX sheet index when --sheet is not set")
	importCmd.Flags().Int("concurrency", 4, "fields proposed in parallel")
	importCmd.Flags().Bool("reconcile", false, "reconcile each row right after it is proposed")
	importCmd.Flags().StringToString("alias", nil, "extra header aliases, e.g. --alias 'Job No=entity'")
	rootCmd.AddCommand(importCmd)
}
