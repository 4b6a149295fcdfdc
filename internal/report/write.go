package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-match/internal/model"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

// JudgementColumns is the header of the judgement CSV.
var JudgementColumns = []string{
	"a_native_id", "b_native_id", "title_score", "title_bucket",
	"author_match", "year_match", "tier", "ambiguous",
}

// WriteJudgements writes judgements as csv or jsonl.
func WriteJudgements(w io.Writer, js []model.MatchJudgement, format string) error {
	switch format {
	case FormatCSV:
		return WriteJudgementsCSV(w, js)
	case FormatJSONL, FormatJSON:
		return WriteJudgementsJSONL(w, js)
	}
	return eris.Errorf("report: unsupported judgement format %q", format)
}

// WriteJudgementsCSV writes one row per judgement.
func WriteJudgementsCSV(w io.Writer, js []model.MatchJudgement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(JudgementColumns); err != nil {
		return eris.Wrap(err, "report: write header")
	}
	for _, j := range js {
		row := []string{
			j.ANativeID,
			j.BNativeID,
			strconv.FormatFloat(j.TitleScore, 'f', 4, 64),
			string(j.TitleBucket),
			j.AuthorMatch.String(),
			j.YearMatch.String(),
			j.Tier.String(),
			strconv.FormatBool(j.Ambiguous),
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "report: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush csv")
}

// WriteJudgementsJSONL writes one JSON object per line.
func WriteJudgementsJSONL(w io.Writer, js []model.MatchJudgement) error {
	enc := json.NewEncoder(w)
	for _, j := range js {
		if err := enc.Encode(j); err != nil {
			return eris.Wrap(err, "report: encode judgement")
		}
	}
	return nil
}

// WriteSummary writes s as a table, json or yaml.
func WriteSummary(w io.Writer, s *Summary, format string) error {
	switch format {
	case FormatTable, "":
		_, err := io.WriteString(w, RenderSummary(s)+"\n")
		return eris.Wrap(err, "report: write table")
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(s), "report: encode json")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return eris.Wrap(err, "report: encode yaml")
		}
		return eris.Wrap(enc.Close(), "report: close yaml")
	}
	return eris.Errorf("report: unsupported summary format %q", format)
}

// RenderSummary renders the header block and tier table.
func RenderSummary(s *Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s)\n", s.RunID, s.Status)
	fmt.Fprintf(&b, "Catalogs: %s -> %s, accepted tier >= %s\n", s.CatalogA, s.CatalogB, s.Accepted)
	if c := s.Counts; c != nil {
		fmt.Fprintf(&b, "A: read %d, normalized %d, skipped %d\n", c.CatalogA.Read, c.CatalogA.Normalized, c.CatalogA.Skipped)
		fmt.Fprintf(&b, "B: read %d, normalized %d, skipped %d\n", c.CatalogB.Read, c.CatalogB.Normalized, c.CatalogB.Skipped)
		fmt.Fprintf(&b, "Candidates %d, judgements %d, matched A %d, unmatched A %d, ambiguous A %d\n",
			c.Candidates, c.Judgements, c.MatchedA, c.UnmatchedA, c.AmbiguousA)
		if c.FailedBatches > 0 {
			fmt.Fprintf(&b, "Failed batches: %d\n", c.FailedBatches)
		}
		if c.FailedStage != "" {
			fmt.Fprintf(&b, "Failed at %s after %d records: %s\n", c.FailedStage, c.Processed, c.Error)
		}
	}

	rows := make([][]string, 0, len(s.Tiers))
	for _, t := range s.Tiers {
		rows = append(rows, []string{t.Tier, strconv.Itoa(t.Count), pct(t.Precision), pct(t.EditionPrecision), t.SampleN})
	}
	b.WriteString(RenderTable(
		[]string{"Tier", "Count", "Precision", "Edition", "Sample"},
		rows,
		[]text.Align{text.AlignLeft, text.AlignRight, text.AlignRight, text.AlignRight, text.AlignLeft},
	))

	if s.Recall != nil {
		fmt.Fprintf(&b, "\nRecall %s, false-negative rate %s (%s)", pct(s.Recall), pct(s.FNRate), s.UnmatchedN)
	}
	return b.String()
}

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v*100)
}

// RenderTable renders rows with a rounded go-pretty table. Missing cells are
// blank.
func RenderTable(headers []string, rows [][]string, aligns []text.Align) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) {
			align = aligns[i]
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}
