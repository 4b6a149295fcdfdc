package model

// CatalogID names one of the two catalogs being matched.
type CatalogID string

// SourceRecord is one bibliographic entry as read from a catalog extract.
// Empty strings stand for absent optional fields.
type SourceRecord struct {
	CatalogID    CatalogID `json:"catalog_id" yaml:"catalog_id"`
	NativeID     string    `json:"native_id" yaml:"native_id"`
	RawTitle     string    `json:"raw_title" yaml:"raw_title"`
	RawAuthor    string    `json:"raw_author,omitempty" yaml:"raw_author,omitempty"`
	RawYear      string    `json:"raw_year,omitempty" yaml:"raw_year,omitempty"`
	LanguageHint string    `json:"language_hint,omitempty" yaml:"language_hint,omitempty"`
	Row          int       `json:"-" yaml:"-"` // 1-based position in the input file
}

// NormalizedRecord is the cleaned form of a SourceRecord. AuthorSurname and
// YearPoint are nil when the heuristics could not produce a value.
type NormalizedRecord struct {
	CatalogID       CatalogID `json:"catalog_id"`
	NativeID        string    `json:"native_id"`
	RawTitle        string    `json:"raw_title"`
	TitleNormalized string    `json:"title_normalized"`
	AuthorSurname   *string   `json:"author_surname"`
	YearPoint       *int      `json:"year_point"`
	Embedding       []float32 `json:"embedding,omitempty"`
}

// Surname returns the surname and whether it is known.
func (r *NormalizedRecord) Surname() (string, bool) {
	if r.AuthorSurname == nil {
		return "", false
	}
	return *r.AuthorSurname, true
}

// Year returns the representative year and whether it is known.
func (r *NormalizedRecord) Year() (int, bool) {
	if r.YearPoint == nil {
		return 0, false
	}
	return *r.YearPoint, true
}

// SkippedRecord is a source record rejected as malformed.
type SkippedRecord struct {
	CatalogID CatalogID `json:"catalog_id" yaml:"catalog_id"`
	NativeID  string    `json:"native_id" yaml:"native_id"`
	Row       int       `json:"row" yaml:"row"`
	Reason    string    `json:"reason" yaml:"reason"`
}
