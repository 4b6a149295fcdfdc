package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-match/internal/pipeline"
	"github.com/sells-group/catalog-match/internal/report"
	"github.com/sells-group/catalog-match/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Estimate match quality from a reviewed sample",
	Long:  "Commands for exporting a stratified review sheet and scoring it once reviewers have labeled it.",
}

// -- validate sample --

var validateSampleCmd = &cobra.Command{
	Use:   "sample <run-id>",
	Short: "Export the review sheet of a run (CSV or XLSX)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("validate"); err != nil {
			return err
		}
		ctx := cmd.Context()
		out, _ := cmd.Flags().GetString("out")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "validate sample")
		}
		draw, err := pipeline.EnsureSample(ctx, st, run)
		if err != nil {
			return err
		}
		recs, err := pipeline.SheetRecords(ctx, st, run)
		if err != nil {
			return err
		}
		if err := validate.WriteSheet(out, draw.Sample, recs); err != nil {
			return err
		}

		rows := make([][]string, 0, len(draw.Strata))
		for _, s := range draw.Strata {
			n := fmt.Sprintf("%d", s.N)
			if s.Reduced {
				n += " (reduced)"
			}
			rows = append(rows, []string{s.Name, fmt.Sprintf("%d", s.Population), n})
		}
		fmt.Fprint(os.Stdout, report.RenderTable([]string{"STRATUM", "POPULATION", "SAMPLED"}, rows, nil))
		fmt.Fprintf(os.Stderr, "wrote %d items to %s\n", len(draw.Sample.Items), out)
		return nil
	},
}

// -- validate score --

var validateScoreCmd = &cobra.Command{
	Use:   "score <run-id> <sheet>",
	Short: "Score a labeled review sheet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("validate"); err != nil {
			return err
		}
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		labels, err := validate.ReadSheet(ctx, args[1])
		if err != nil {
			return err
		}
		rep, err := pipeline.ScoreLabels(ctx, st, args[0], labels)
		if err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "validate score")
		}
		stages, err := st.ListStages(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "validate score")
		}
		return report.WriteSummary(os.Stdout, report.Build(run, rep, stages), format)
	},
}

func init() {
	validateSampleCmd.Flags().String("out", "review.xlsx", "review sheet path (.csv or .xlsx)")
	validateScoreCmd.Flags().String("format", report.FormatTable, "summary format: table, json or yaml")

	validateCmd.AddCommand(validateSampleCmd, validateScoreCmd)
	rootCmd.AddCommand(validateCmd)
}
