package model

import "time"

// RunStatus is the state of a matching run. A run moves forward through the
// stages in order and ends at Reported, or at Failed.
type RunStatus string

const (
	RunStatusPending             RunStatus = "pending"
	RunStatusNormalizing         RunStatus = "normalizing"
	RunStatusCandidateGeneration RunStatus = "candidate_generation"
	RunStatusSignaling           RunStatus = "signaling"
	RunStatusTiering             RunStatus = "tiering"
	RunStatusValidating          RunStatus = "validating"
	RunStatusReported            RunStatus = "reported"
	RunStatusFailed              RunStatus = "failed"
)

// Stage names a pipeline stage. Stage values double as the run status while
// the stage is executing.
type Stage = RunStatus

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	RunStatusNormalizing,
	RunStatusCandidateGeneration,
	RunStatusSignaling,
	RunStatusTiering,
	RunStatusValidating,
	RunStatusReported,
}

// StageIndex returns the position of s in Stages, or -1.
func StageIndex(s Stage) int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether a run may move from one status to another.
// Validating is optional, so Tiering may advance directly to Reported.
func CanTransition(from, to RunStatus) bool {
	if to == RunStatusFailed {
		return from != RunStatusReported
	}
	if from == RunStatusFailed {
		// A failed run is resumed at the stage that failed or later.
		return StageIndex(to) >= 0
	}
	if from == RunStatusPending {
		return to == RunStatusNormalizing
	}
	fi, ti := StageIndex(from), StageIndex(to)
	if fi < 0 || ti < 0 {
		return false
	}
	if from == RunStatusTiering && to == RunStatusReported {
		return true
	}
	return ti == fi+1
}

// RunParams is the parameter snapshot a run was started with.
type RunParams struct {
	CatalogA             string  `json:"catalog_a"`
	CatalogB             string  `json:"catalog_b"`
	PathA                string  `json:"path_a"`
	PathB                string  `json:"path_b"`
	KNeighbors           int     `json:"k_neighbors"`
	MinTitleSimilarity   float64 `json:"min_title_similarity"`
	StrongTitleThreshold float64 `json:"strong_title_threshold"`
	WeakTitleThreshold   float64 `json:"weak_title_threshold"`
	AuthorFuzzyThreshold int     `json:"author_fuzzy_threshold"`
	YearToleranceYears   int     `json:"year_tolerance_years"`
	MinAcceptedTier      Tier    `json:"min_accepted_tier"`
	EmbeddingModel       string  `json:"embedding_model"`
	IndexKind            string  `json:"index_kind"`
	Validate             bool    `json:"validate"`
	SampleSize           int     `json:"sample_size"`
	UnmatchedSampleSize  int     `json:"unmatched_sample_size"`
	RandomSeed           int64   `json:"random_seed"`
}

// Run is a single matching run over two catalogs.
type Run struct {
	ID        string      `json:"id"`
	Status    RunStatus   `json:"status"`
	Params    RunParams   `json:"params"`
	Summary   *RunSummary `json:"summary,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// CatalogCounts tallies ingestion for one catalog.
type CatalogCounts struct {
	Read       int `json:"read" yaml:"read"`
	Normalized int `json:"normalized" yaml:"normalized"`
	Skipped    int `json:"skipped" yaml:"skipped"`
}

// RunSummary counts everything a run produced or skipped.
type RunSummary struct {
	CatalogA       CatalogCounts  `json:"catalog_a" yaml:"catalog_a"`
	CatalogB       CatalogCounts  `json:"catalog_b" yaml:"catalog_b"`
	FailedBatches  int            `json:"failed_batches" yaml:"failed_batches"`
	Candidates     int            `json:"candidates" yaml:"candidates"`
	Judgements     int            `json:"judgements" yaml:"judgements"`
	TierCounts     map[string]int `json:"tier_counts" yaml:"tier_counts"`
	MatchedA       int            `json:"matched_a" yaml:"matched_a"`
	UnmatchedA     int            `json:"unmatched_a" yaml:"unmatched_a"`
	AmbiguousA     int            `json:"ambiguous_a" yaml:"ambiguous_a"`
	FailedStage    Stage          `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	Processed      int            `json:"processed,omitempty" yaml:"processed,omitempty"`
	Error          string         `json:"error,omitempty" yaml:"error,omitempty"`
	ValidationDone bool           `json:"validation_done" yaml:"validation_done"`
}

// StageStatus is the outcome of one stage execution.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// RunStage records one execution of a stage within a run.
type RunStage struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Stage     Stage        `json:"stage"`
	Status    StageStatus  `json:"status"`
	Result    *StageResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// StageResult holds the outcome of a stage.
type StageResult struct {
	Stage     Stage          `json:"stage"`
	Status    StageStatus    `json:"status"`
	Duration  int64          `json:"duration_ms"`
	Processed int            `json:"processed"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
