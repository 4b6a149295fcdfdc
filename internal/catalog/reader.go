// Package catalog reads bibliographic catalog extracts (CSV, TSV, JSON lines,
// JSON arrays, XLSX and Parquet) into SourceRecords.
package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-match/internal/model"
)

// Format is a supported input serialization.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatTSV     Format = "tsv"
	FormatJSONL   Format = "jsonl"
	FormatJSON    Format = "json"
	FormatXLSX    Format = "xlsx"
	FormatParquet Format = "parquet"
)

// Options configures ReadFile.
type Options struct {
	// CatalogID is used for rows that do not name their catalog.
	CatalogID model.CatalogID
	// Format overrides detection from the file extension.
	Format Format
	// Sheet selects an XLSX sheet by name (default: first sheet).
	Sheet string
}

// DetectFormat picks a Format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".tsv", ".tab":
		return FormatTSV, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".json":
		return FormatJSON, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".parquet":
		return FormatParquet, nil
	}
	return "", eris.Errorf("catalog: unsupported file extension %q", filepath.Ext(path))
}

// ReadFile reads every row of a catalog extract. Rows without a title are
// kept; the normalizer reports them as malformed.
func ReadFile(ctx context.Context, path string, opts Options) ([]model.SourceRecord, error) {
	format := opts.Format
	if format == "" {
		f, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = f
	}

	var (
		recs []model.SourceRecord
		err  error
	)
	switch format {
	case FormatCSV:
		recs, err = readDelimited(ctx, path, ',', opts.CatalogID)
	case FormatTSV:
		recs, err = readDelimited(ctx, path, '\t', opts.CatalogID)
	case FormatJSONL:
		recs, err = readJSONLines(ctx, path, opts.CatalogID)
	case FormatJSON:
		recs, err = readJSONArray(ctx, path, opts.CatalogID)
	case FormatXLSX:
		recs, err = readXLSX(ctx, path, opts.Sheet, opts.CatalogID)
	case FormatParquet:
		recs, err = readParquet(ctx, path, opts.CatalogID)
	default:
		return nil, eris.Errorf("catalog: unsupported format %q", format)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}

	zap.L().Info("catalog loaded",
		zap.String("component", "catalog"),
		zap.String("path", path),
		zap.String("format", string(format)),
		zap.String("catalog_id", string(opts.CatalogID)),
		zap.Int("records", len(recs)),
	)
	return recs, nil
}

type field int

const (
	fieldUnknown field = iota
	fieldCatalogID
	fieldNativeID
	fieldTitle
	fieldAuthor
	fieldYear
	fieldLanguage
)

var fieldAliases = map[string]field{
	"catalog":       fieldCatalogID,
	"catalog_id":    fieldCatalogID,
	"id":            fieldNativeID,
	"native_id":     fieldNativeID,
	"record_id":     fieldNativeID,
	"identifier":    fieldNativeID,
	"title":         fieldTitle,
	"raw_title":     fieldTitle,
	"author":        fieldAuthor,
	"raw_author":    fieldAuthor,
	"creator":       fieldAuthor,
	"year":          fieldYear,
	"raw_year":      fieldYear,
	"date":          fieldYear,
	"lang":          fieldLanguage,
	"language":      fieldLanguage,
	"language_hint": fieldLanguage,
}

func lookupField(name string) field {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	return fieldAliases[key]
}

// headerMap resolves column positions from a header row.
type headerMap map[field]int

func newHeaderMap(header []string) (headerMap, error) {
	hm := make(headerMap)
	for i, h := range header {
		// Strip a UTF-8 BOM left on the first header cell.
		h = strings.TrimPrefix(h, "\ufeff")
		if f := lookupField(h); f != fieldUnknown {
			if _, dup := hm[f]; !dup {
				hm[f] = i
			}
		}
	}
	if _, ok := hm[fieldNativeID]; !ok {
		return nil, eris.Errorf("catalog: no identifier column in header %v", header)
	}
	if _, ok := hm[fieldTitle]; !ok {
		return nil, eris.Errorf("catalog: no title column in header %v", header)
	}
	return hm, nil
}

func (hm headerMap) get(row []string, f field) string {
	i, ok := hm[f]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (hm headerMap) record(row []string, rowNum int, catalogID model.CatalogID) model.SourceRecord {
	rec := model.SourceRecord{
		CatalogID:    model.CatalogID(hm.get(row, fieldCatalogID)),
		NativeID:     hm.get(row, fieldNativeID),
		RawTitle:     hm.get(row, fieldTitle),
		RawAuthor:    hm.get(row, fieldAuthor),
		RawYear:      hm.get(row, fieldYear),
		LanguageHint: hm.get(row, fieldLanguage),
		Row:          rowNum,
	}
	if rec.CatalogID == "" {
		rec.CatalogID = catalogID
	}
	return rec
}

// recordFromMap builds a record from a decoded JSON object.
func recordFromMap(obj map[string]any, rowNum int, catalogID model.CatalogID) model.SourceRecord {
	rec := model.SourceRecord{Row: rowNum}
	for k, v := range obj {
		if v == nil {
			continue
		}
		s := strings.TrimSpace(jsonString(v))
		switch lookupField(k) {
		case fieldCatalogID:
			rec.CatalogID = model.CatalogID(s)
		case fieldNativeID:
			rec.NativeID = s
		case fieldTitle:
			rec.RawTitle = s
		case fieldAuthor:
			rec.RawAuthor = s
		case fieldYear:
			rec.RawYear = s
		case fieldLanguage:
			rec.LanguageHint = s
		}
	}
	if rec.CatalogID == "" {
		rec.CatalogID = catalogID
	}
	return rec
}

func jsonString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
