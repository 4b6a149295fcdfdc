package catalog

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-match/internal/model"
)

// ParquetRecord is the Parquet schema for catalog extracts. Optional columns
// may be absent from the file.
type ParquetRecord struct {
	CatalogID    string `parquet:"catalog_id,optional"`
	NativeID     string `parquet:"native_id"`
	RawTitle     string `parquet:"raw_title,optional"`
	RawAuthor    string `parquet:"raw_author,optional"`
	RawYear      string `parquet:"raw_year,optional"`
	LanguageHint string `parquet:"language_hint,optional"`
}

func readParquet(ctx context.Context, path string, catalogID model.CatalogID) ([]model.SourceRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "parquet: open file")
	}
	defer file.Close() //nolint:errcheck

	info, err := file.Stat()
	if err != nil {
		return nil, eris.Wrap(err, "parquet: stat file")
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, eris.Wrap(err, "parquet: open")
	}

	reader := parquet.NewGenericReader[ParquetRecord](pf)
	defer reader.Close() //nolint:errcheck

	recs := make([]model.SourceRecord, 0, pf.NumRows())
	rows := make([]ParquetRecord, 128)
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "parquet: context cancelled")
		}
		n, err := reader.Read(rows)
		for _, r := range rows[:n] {
			rec := model.SourceRecord{
				CatalogID:    model.CatalogID(strings.TrimSpace(r.CatalogID)),
				NativeID:     strings.TrimSpace(r.NativeID),
				RawTitle:     strings.TrimSpace(r.RawTitle),
				RawAuthor:    strings.TrimSpace(r.RawAuthor),
				RawYear:      strings.TrimSpace(r.RawYear),
				LanguageHint: strings.TrimSpace(r.LanguageHint),
				Row:          len(recs) + 1,
			}
			if rec.CatalogID == "" {
				rec.CatalogID = catalogID
			}
			recs = append(recs, rec)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "parquet: read rows")
		}
	}
	return recs, nil
}
