package model

import "time"

// UnmatchedStratum names the stratum of A-records with no accepted judgement.
const UnmatchedStratum = "unmatched"

// SampleItem is one record drawn for human review. For tier strata it is a
// judgement; for the unmatched stratum BNativeID is empty and the reviewer
// answers FoundElsewhere instead.
type SampleItem struct {
	RunID      string  `json:"run_id" yaml:"run_id"`
	Stratum    string  `json:"stratum" yaml:"stratum"`
	Position   int     `json:"position" yaml:"position"`
	ANativeID  string  `json:"a_native_id" yaml:"a_native_id"`
	BNativeID  string  `json:"b_native_id,omitempty" yaml:"b_native_id,omitempty"`
	TitleScore float64 `json:"title_score,omitempty" yaml:"title_score,omitempty"`
	Label      *Label  `json:"label,omitempty" yaml:"label,omitempty"`
}

// Label is a reviewer's ground truth for a sample item.
type Label struct {
	IsSameWork     bool      `json:"is_same_work" yaml:"is_same_work"`
	IsSameEdition  bool      `json:"is_same_edition" yaml:"is_same_edition"`
	FoundElsewhere bool      `json:"found_elsewhere" yaml:"found_elsewhere"`
	Reviewer       string    `json:"reviewer,omitempty" yaml:"reviewer,omitempty"`
	LabeledAt      time.Time `json:"labeled_at" yaml:"labeled_at"`
}

// ValidationSample is the stratified draw for a run.
type ValidationSample struct {
	RunID     string       `json:"run_id" yaml:"run_id"`
	Seed      int64        `json:"seed" yaml:"seed"`
	Items     []SampleItem `json:"items" yaml:"items"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
}
