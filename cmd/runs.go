package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/monitoring"
	"github.com/sells-group/catalog-match/internal/report"
	"github.com/sells-group/catalog-match/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect matching run history",
	Long:  "Commands for listing and viewing matching runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List matching runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		stages, err := st.ListStages(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*model.Run
			Stages []model.RunStage `json:"stages"`
		}{run, stages})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run health over a recent window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}
		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return err
		}

		formatRunStats(os.Stdout, snap)
		for _, a := range monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap) {
			fmt.Fprintf(os.Stdout, "ALERT [%s] %s\n", a.Severity, a.Message)
		}
		return nil
	},
}

func formatRunStats(w io.Writer, snap *monitoring.MetricsSnapshot) {
	rows := [][]string{
		{"Runs", strconv.Itoa(snap.RunsTotal)},
		{"Reported", strconv.Itoa(snap.RunsReported)},
		{"Failed", strconv.Itoa(snap.RunsFailed)},
		{"In progress", strconv.Itoa(snap.RunsInProgress)},
		{"Failure rate", fmt.Sprintf("%.1f%%", snap.FailRate*100)},
		{"Failed batches", strconv.Itoa(snap.FailedBatches)},
		{"Judgements", strconv.Itoa(snap.Judgements)},
		{"Matched A", strconv.Itoa(snap.MatchedA)},
		{"Ambiguous A", strconv.Itoa(snap.AmbiguousA)},
		{"Match rate", fmt.Sprintf("%.1f%%", snap.MatchRate*100)},
		{"Validated runs", strconv.Itoa(snap.Validated)},
	}
	fmt.Fprintf(w, "Last %dh\n", snap.LookbackHours)
	fmt.Fprint(w, report.RenderTable([]string{"METRIC", "VALUE"}, rows,
		[]text.Align{text.AlignLeft, text.AlignRight}))
}

func formatRunsList(w io.Writer, runs []model.Run) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		judgements, matched, failed := "-", "-", ""
		if r.Summary != nil {
			judgements = strconv.Itoa(r.Summary.Judgements)
			matched = strconv.Itoa(r.Summary.MatchedA)
			if r.Summary.FailedStage != "" {
				failed = string(r.Summary.FailedStage)
			}
		}
		rows = append(rows, []string{
			id,
			r.Params.CatalogA + " / " + r.Params.CatalogB,
			string(r.Status),
			judgements,
			matched,
			failed,
			r.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	fmt.Fprint(w, report.RenderTable(
		[]string{"ID", "CATALOGS", "STATUS", "JUDGEMENTS", "MATCHED A", "FAILED STAGE", "CREATED"},
		rows,
		[]text.Align{text.AlignLeft, text.AlignLeft, text.AlignLeft, text.AlignRight, text.AlignRight},
	))
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by status (e.g. reported, failed)")
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs to show")

	runsStatsCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}
