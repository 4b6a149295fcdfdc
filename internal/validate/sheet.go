package validate

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/catalog-match/internal/catalog"
	"github.com/sells-group/catalog-match/internal/model"
)

// SheetColumns is the header of a review sheet. Reviewers fill the last four.
var SheetColumns = []string{
	"stratum", "position",
	"a_native_id", "a_title", "a_author", "a_year",
	"b_native_id", "b_title", "b_author", "b_year",
	"title_score",
	"is_same_work", "is_same_edition", "found_elsewhere", "reviewer",
}

// Records resolves native IDs to normalized records for display.
type Records struct {
	A map[string]model.NormalizedRecord
	B map[string]model.NormalizedRecord
}

func describe(recs map[string]model.NormalizedRecord, id string) (title, author, year string) {
	r, ok := recs[id]
	if !ok {
		return "", "", ""
	}
	title = r.RawTitle
	if s, ok := r.Surname(); ok {
		author = s
	}
	if y, ok := r.Year(); ok {
		year = strconv.Itoa(y)
	}
	return title, author, year
}

func sheetRow(it model.SampleItem, recs Records) []string {
	at, aa, ay := describe(recs.A, it.ANativeID)
	row := []string{it.Stratum, strconv.Itoa(it.Position), it.ANativeID, at, aa, ay}
	if it.BNativeID != "" {
		bt, ba, by := describe(recs.B, it.BNativeID)
		row = append(row, it.BNativeID, bt, ba, by, strconv.FormatFloat(it.TitleScore, 'f', 4, 64))
	} else {
		row = append(row, "", "", "", "", "")
	}
	if l := it.Label; l != nil {
		row = append(row, yesNo(l.IsSameWork), yesNo(l.IsSameEdition), yesNo(l.FoundElsewhere), l.Reviewer)
	} else {
		row = append(row, "", "", "", "")
	}
	return row
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// WriteSheetCSV writes a review sheet as CSV.
func WriteSheetCSV(w io.Writer, sample *model.ValidationSample, recs Records) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SheetColumns); err != nil {
		return eris.Wrap(err, "validate: write sheet header")
	}
	for _, it := range sample.Items {
		if err := cw.Write(sheetRow(it, recs)); err != nil {
			return eris.Wrap(err, "validate: write sheet row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "validate: flush sheet")
}

// WriteSheetXLSX writes a review sheet as an XLSX workbook at path.
func WriteSheetXLSX(path string, sample *model.ValidationSample, recs Records) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("review")
	if err != nil {
		return eris.Wrap(err, "validate: add sheet")
	}
	addRow := func(cells []string) {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().SetString(c)
		}
	}
	addRow(SheetColumns)
	for _, it := range sample.Items {
		addRow(sheetRow(it, recs))
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "validate: save %s", path)
	}
	return nil
}

// WriteSheet picks CSV or XLSX from the file extension.
func WriteSheet(path string, sample *model.ValidationSample, recs Records) error {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return WriteSheetXLSX(path, sample, recs)
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "validate: create %s", path)
	}
	if err := WriteSheetCSV(f, sample, recs); err != nil {
		_ = f.Close()
		return err
	}
	return eris.Wrap(f.Close(), "validate: close sheet")
}

// SheetLabel is one reviewed row read back from a sheet.
type SheetLabel struct {
	Stratum   string
	Position  int
	ANativeID string
	Label     model.Label
}

// ReadSheet reads the labeled rows of a review sheet (CSV or XLSX by
// extension). Rows whose answer column is blank are not returned.
func ReadSheet(ctx context.Context, path string) ([]SheetLabel, error) {
	var rows [][]string
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		f, err := xlsx.OpenFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "validate: open %s", path)
		}
		if len(f.Sheets) == 0 {
			return nil, eris.Errorf("validate: %s has no sheets", path)
		}
		for _, r := range f.Sheets[0].Rows {
			rows = append(rows, catalog.RowStrings(r))
		}
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "validate: open %s", path)
		}
		defer f.Close() //nolint:errcheck

		recCh, errCh := catalog.StreamDelimited(ctx, f, ',')
		for rec := range recCh {
			rows = append(rows, rec)
		}
		if err := <-errCh; err != nil {
			return nil, eris.Wrapf(err, "validate: read %s", path)
		}
	}
	return parseSheet(rows)
}

func parseSheet(rows [][]string) ([]SheetLabel, error) {
	if len(rows) == 0 {
		return nil, eris.New("validate: empty review sheet")
	}
	col := make(map[string]int)
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, need := range []string{"stratum", "position", "a_native_id", "is_same_work", "found_elsewhere"} {
		if _, ok := col[need]; !ok {
			return nil, eris.Errorf("validate: review sheet missing column %q", need)
		}
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	now := time.Now().UTC()
	var out []SheetLabel
	for n, row := range rows[1:] {
		stratum := get(row, "stratum")
		if stratum == "" {
			continue
		}
		answer := "is_same_work"
		if stratum == model.UnmatchedStratum {
			answer = "found_elsewhere"
		}
		if get(row, answer) == "" {
			continue
		}

		pos, err := strconv.Atoi(get(row, "position"))
		if err != nil {
			return nil, eris.Errorf("validate: row %d: bad position %q", n+2, get(row, "position"))
		}
		var l model.Label
		for _, f := range []struct {
			name string
			dst  *bool
		}{
			{"is_same_work", &l.IsSameWork},
			{"is_same_edition", &l.IsSameEdition},
			{"found_elsewhere", &l.FoundElsewhere},
		} {
			v, err := parseAnswer(get(row, f.name))
			if err != nil {
				return nil, eris.Wrapf(err, "validate: row %d column %s", n+2, f.name)
			}
			*f.dst = v
		}
		l.Reviewer = get(row, "reviewer")
		l.LabeledAt = now

		out = append(out, SheetLabel{
			Stratum:   stratum,
			Position:  pos,
			ANativeID: get(row, "a_native_id"),
			Label:     l,
		})
	}
	return out, nil
}

func parseAnswer(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "y", "yes", "true", "1", "x":
		return true, nil
	case "", "n", "no", "false", "0":
		return false, nil
	}
	return false, eris.Errorf("unrecognized answer %q", s)
}

// ApplyLabels attaches sheet labels to the matching sample items and returns
// how many were applied. A label whose stratum and position exist but whose
// A-record differs is an error, since the sheet belongs to another draw.
func ApplyLabels(sample *model.ValidationSample, labels []SheetLabel) (int, error) {
	type key struct {
		stratum string
		pos     int
	}
	items := make(map[key]*model.SampleItem, len(sample.Items))
	for i := range sample.Items {
		it := &sample.Items[i]
		items[key{it.Stratum, it.Position}] = it
	}

	applied := 0
	for _, sl := range labels {
		it, ok := items[key{sl.Stratum, sl.Position}]
		if !ok {
			return applied, eris.Errorf("validate: no sample item %s #%d", sl.Stratum, sl.Position)
		}
		if sl.ANativeID != "" && sl.ANativeID != it.ANativeID {
			return applied, eris.Errorf("validate: %s #%d is %s in the sample but %s in the sheet",
				sl.Stratum, sl.Position, it.ANativeID, sl.ANativeID)
		}
		l := sl.Label
		it.Label = &l
		applied++
	}
	return applied, nil
}
