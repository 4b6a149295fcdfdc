package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-match/internal/config"
	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/signal"
)

// Inputs names the two catalogs of a run and where to read them.
type Inputs struct {
	CatalogA string
	PathA    string
	CatalogB string
	PathB    string
}

// Params snapshots the matcher configuration for a new run.
func Params(cfg *config.Config, in Inputs, embeddingModel string) (model.RunParams, error) {
	accepted, err := cfg.AcceptedTier()
	if err != nil {
		return model.RunParams{}, err
	}
	p := model.RunParams{
		CatalogA:             in.CatalogA,
		CatalogB:             in.CatalogB,
		PathA:                in.PathA,
		PathB:                in.PathB,
		KNeighbors:           cfg.Match.KNeighbors,
		MinTitleSimilarity:   cfg.Match.MinTitleSimilarity,
		StrongTitleThreshold: cfg.Match.StrongTitleThreshold,
		WeakTitleThreshold:   cfg.Match.WeakTitleThreshold,
		AuthorFuzzyThreshold: cfg.Match.AuthorFuzzyThreshold,
		YearToleranceYears:   cfg.Match.YearToleranceYears,
		MinAcceptedTier:      accepted,
		EmbeddingModel:       embeddingModel,
		IndexKind:            cfg.Index.Kind,
		SampleSize:           cfg.Validation.SampleSize,
		UnmatchedSampleSize:  cfg.Validation.UnmatchedSampleSize,
		RandomSeed:           cfg.Validation.RandomSeed,
	}
	return p, ValidateParams(p)
}

// Thresholds extracts the signal thresholds of a run.
func Thresholds(p model.RunParams) signal.Thresholds {
	return signal.Thresholds{
		MinTitle:      p.MinTitleSimilarity,
		WeakTitle:     p.WeakTitleThreshold,
		StrongTitle:   p.StrongTitleThreshold,
		AuthorFuzzy:   p.AuthorFuzzyThreshold,
		YearTolerance: p.YearToleranceYears,
	}
}

// ValidateParams rejects parameter sets a run cannot execute.
func ValidateParams(p model.RunParams) error {
	if p.CatalogA == "" || p.CatalogB == "" {
		return eris.New("pipeline: both catalogs need a name")
	}
	if p.CatalogA == p.CatalogB {
		return eris.Errorf("pipeline: catalogs must have distinct names, both are %q", p.CatalogA)
	}
	if p.PathA == "" || p.PathB == "" {
		return eris.New("pipeline: both catalog paths are required")
	}
	if p.KNeighbors < 1 {
		return eris.Errorf("pipeline: k_neighbors must be >= 1, got %d", p.KNeighbors)
	}
	if p.MinAcceptedTier == model.TierRejected {
		return eris.New("pipeline: min_accepted_tier cannot be rejected")
	}
	if err := Thresholds(p).Validate(); err != nil {
		return eris.Wrap(err, "pipeline: thresholds")
	}
	return nil
}
