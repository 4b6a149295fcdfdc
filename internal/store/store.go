// Package store persists matching runs, their stage outputs, validation
// samples, and the embedding cache.
package store

import (
	"context"
	"time"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/validate"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// JudgementFilter specifies criteria for listing judgements.
type JudgementFilter struct {
	// Tier restricts results to one tier when set.
	Tier *model.Tier
	// MinTier keeps judgements at or above a tier.
	MinTier model.Tier
	Limit   int
	Offset  int
}

// Batch is one normalized batch of a catalog, written atomically.
type Batch struct {
	CatalogID model.CatalogID
	Number    int
	Read      int
	Records   []model.NormalizedRecord
	Skipped   []model.SkippedRecord
}

// BatchStats counts completed batches per catalog.
type BatchStats struct {
	Batches    int
	Read       int
	Normalized int
	Skipped    int
}

// Store defines the persistence interface for matching runs. Every method
// that writes a stage output does so in a single transaction and replaces
// any previous output of that stage for the run.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, params model.RunParams) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunSummary(ctx context.Context, runID string, summary *model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Stages
	CreateStage(ctx context.Context, runID string, stage model.Stage) (*model.RunStage, error)
	CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error
	ListStages(ctx context.Context, runID string) ([]model.RunStage, error)

	// Normalization
	SaveBatch(ctx context.Context, runID string, b Batch) error
	CompletedBatches(ctx context.Context, runID string, catalog model.CatalogID) (map[int]bool, error)
	BatchStats(ctx context.Context, runID string, catalog model.CatalogID) (BatchStats, error)
	LoadNormalized(ctx context.Context, runID string, catalog model.CatalogID) ([]model.NormalizedRecord, error)
	LoadSkipped(ctx context.Context, runID string, catalog model.CatalogID) ([]model.SkippedRecord, error)

	// Candidates and judgements
	SaveCandidates(ctx context.Context, runID string, cands []model.Candidate) error
	LoadCandidates(ctx context.Context, runID string) ([]model.Candidate, error)
	SaveJudgements(ctx context.Context, runID string, js []model.MatchJudgement) error
	ListJudgements(ctx context.Context, runID string, filter JudgementFilter) ([]model.MatchJudgement, error)

	// Validation
	SaveSample(ctx context.Context, draw *validate.Draw) error
	LoadSample(ctx context.Context, runID string) (*validate.Draw, error)
	SaveLabels(ctx context.Context, runID string, items []model.SampleItem) error
	SaveValidationReport(ctx context.Context, report *validate.Report) error
	GetValidationReport(ctx context.Context, runID string) (*validate.Report, error)

	// Embedding cache
	GetEmbeddings(ctx context.Context, modelID string, keys []string) (map[string][]float32, error)
	PutEmbeddings(ctx context.Context, modelID string, vecs map[string][]float32) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
