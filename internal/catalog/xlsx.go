package catalog

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/catalog-match/internal/model"
)

func readXLSX(ctx context.Context, path, sheetName string, catalogID model.CatalogID) ([]model.SourceRecord, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := pickSheet(f, sheetName)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, eris.New("xlsx: missing header row")
	}

	hm, err := newHeaderMap(RowStrings(sheet.Rows[0]))
	if err != nil {
		return nil, err
	}

	recs := make([]model.SourceRecord, 0, len(sheet.Rows)-1)
	for i, row := range sheet.Rows[1:] {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "xlsx: context cancelled")
		}
		cells := RowStrings(row)
		if isBlank(cells) {
			continue
		}
		recs = append(recs, hm.record(cells, i+2, catalogID))
	}
	return recs, nil
}

func pickSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

// RowStrings returns the text of every cell in row.
func RowStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
