package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/report"
	"github.com/sells-group/catalog-match/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Print a run summary and export its judgements",
	Long: `Prints tier counts, matched and ambiguous A-records and, once the run has
been validated, estimated precision per tier and recall. With --judgements,
also writes the run's judgements as CSV or JSON lines.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("read"); err != nil {
			return err
		}
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("judgements")
		jformat, _ := cmd.Flags().GetString("judgement-format")
		tierName, _ := cmd.Flags().GetString("min-tier")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "report")
		}
		v, err := st.GetValidationReport(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "report")
		}
		stages, err := st.ListStages(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "report")
		}
		if err := report.WriteSummary(os.Stdout, report.Build(run, v, stages), format); err != nil {
			return err
		}

		if out == "" {
			return nil
		}
		filter := store.JudgementFilter{}
		if tierName != "" {
			if filter.MinTier, err = model.ParseTier(tierName); err != nil {
				return eris.Wrap(err, "report: --min-tier")
			}
		}
		js, err := st.ListJudgements(ctx, run.ID, filter)
		if err != nil {
			return eris.Wrap(err, "report: list judgements")
		}
		return writeJudgementsFile(out, js, jformat)
	},
}

// writeJudgementsFile writes to path, or to stdout when path is "-".
func writeJudgementsFile(path string, js []model.MatchJudgement, format string) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrapf(err, "report: create %s", path)
		}
		defer f.Close() //nolint:errcheck
		w = f
	}
	return report.WriteJudgements(w, js, format)
}

func init() {
	f := reportCmd.Flags()
	f.String("format", report.FormatTable, "summary format: table, json or yaml")
	f.String("judgements", "", "write judgements to this file (- for stdout)")
	f.String("judgement-format", report.FormatCSV, "judgement format: csv or jsonl")
	f.String("min-tier", "", "only export judgements at or above this tier")
	rootCmd.AddCommand(reportCmd)
}
