package services

import (
	"errors"
	"fmt"
)

// Error kinds. Every failed Outcome carries a *StageError whose Kind is
// one of these, so errors.Is(outcome.Err, ErrExtraction) works alongside
// errors.Is on the underlying cause.
var (
	ErrResolution  = errors.New("resolution error")
	ErrExtraction  = errors.New("extraction error")
	ErrPersistence = errors.New("persistence error")
	ErrStorage     = errors.New("storage error")

	// ErrBatchAborted marks files a batch never started because shared
	// infrastructure failed first.
	ErrBatchAborted = errors.New("batch aborted")
)

// Stage names a step of one file's run.
type Stage string

const (
	StageResolving  Stage = "resolving"
	StageHashing    Stage = "hashing"
	StageDeduping   Stage = "deduping"
	StageAttempting Stage = "attempting"
	StageExtracting Stage = "extracting"
	StagePersisting Stage = "persisting"
)

// StageError records where a run failed and why.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s while %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error { return []error{e.Kind, e.Err} }

func stageErr(stage Stage, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
