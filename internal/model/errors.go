package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// Error taxonomy of the matching pipeline.
var (
	// ErrMalformedRecord marks a record missing a required field. The record
	// is skipped and counted; the batch continues.
	ErrMalformedRecord = eris.New("malformed record")
	// ErrEmbeddingUnavailable means the embedding service exhausted its
	// retries. The current batch is aborted.
	ErrEmbeddingUnavailable = eris.New("embedding unavailable")
	// ErrIndexBuild is fatal for the run: no candidates without an index.
	ErrIndexBuild = eris.New("index build failure")
	// ErrRunNotResumable is returned when resuming a finished run.
	ErrRunNotResumable = eris.New("run not resumable")
)

// StageError reports which stage failed and how much work completed first.
type StageError struct {
	Stage     Stage
	Processed int
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed after %d records: %v", e.Stage, e.Processed, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
