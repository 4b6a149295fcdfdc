package catalog

import (
	"context"
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-match/internal/model"
)

// StreamDelimited reads delimited rows and sends them to a channel. Both
// channels are closed when processing completes.
func StreamDelimited(ctx context.Context, r io.Reader, comma rune) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		reader.Comma = comma
		reader.LazyQuotes = true
		reader.FieldsPerRecord = -1 // catalog exports are ragged

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func readDelimited(ctx context.Context, path string, comma rune, catalogID model.CatalogID) ([]model.SourceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "csv: open file")
	}
	defer f.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rowCh, errCh := StreamDelimited(ctx, f, comma)

	var (
		hm   headerMap
		recs []model.SourceRecord
		line int
	)
	for row := range rowCh {
		line++
		if hm == nil {
			if hm, err = newHeaderMap(row); err != nil {
				return nil, err
			}
			continue
		}
		if isBlank(row) {
			continue
		}
		recs = append(recs, hm.record(row, line, catalogID))
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	if hm == nil {
		return nil, eris.New("csv: missing header row")
	}
	return recs, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
