package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/pipeline"
	"github.com/sells-group/catalog-match/internal/report"
)

var (
	matchCatalogA string
	matchPathA    string
	matchCatalogB string
	matchPathB    string
	matchResume   string
	matchValidate bool
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match catalog A against catalog B",
	Long: `Runs normalization, candidate generation, signal extraction and tiering over
two catalogs and stores the judgements. With --resume, continues a failed or
interrupted run from its first incomplete stage.`,
	Example: `  catalog-match match --catalog-a bnf --path-a bnf.csv --catalog-b estc --path-b estc.parquet
  catalog-match match --resume 3f2c9a1e-...`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("match"); err != nil {
			return err
		}
		if matchResume == "" && (matchPathA == "" || matchPathB == "") {
			return eris.New("match: --path-a and --path-b are required unless --resume is set")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		unlock, err := lockStore()
		if err != nil {
			return err
		}
		defer unlock()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runner := initRunner(st)

		var run *model.Run
		if matchResume != "" {
			run, err = runner.Resume(ctx, matchResume)
		} else {
			params, perr := pipeline.Params(cfg, pipeline.Inputs{
				CatalogA: matchCatalogA,
				PathA:    matchPathA,
				CatalogB: matchCatalogB,
				PathB:    matchPathB,
			}, "")
			if perr != nil {
				return perr
			}
			params.Validate = matchValidate
			run, err = runner.Start(ctx, params)
		}
		if err != nil {
			var se *model.StageError
			if errors.As(err, &se) && run != nil {
				fmt.Fprintf(os.Stderr, "run %s failed in %s after %d records; resume with --resume %s\n",
					run.ID, se.Stage, se.Processed, run.ID)
			}
			return err
		}

		final, err := st.GetRun(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "match: reload run")
		}
		stages, err := st.ListStages(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "match: list stages")
		}
		v, err := st.GetValidationReport(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "match: load validation report")
		}

		zap.L().Info("run reported", zap.String("run_id", run.ID))
		return report.WriteSummary(os.Stdout, report.Build(final, v, stages), report.FormatTable)
	},
}

func init() {
	f := matchCmd.Flags()
	f.StringVar(&matchCatalogA, "catalog-a", "a", "name of catalog A")
	f.StringVar(&matchPathA, "path-a", "", "catalog A file (csv, tsv, jsonl, json, xlsx, parquet)")
	f.StringVar(&matchCatalogB, "catalog-b", "b", "name of catalog B")
	f.StringVar(&matchPathB, "path-b", "", "catalog B file (csv, tsv, jsonl, json, xlsx, parquet)")
	f.StringVar(&matchResume, "resume", "", "resume the run with this ID")
	f.BoolVar(&matchValidate, "validate", false, "draw the validation sample as part of the run")
	rootCmd.AddCommand(matchCmd)
}
