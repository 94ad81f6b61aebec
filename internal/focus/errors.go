package focus

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyStack rejects a run with no input frames.
	ErrEmptyStack = errors.New("empty image stack")
	// ErrDimensionMismatch reports frames, maps or collaborator output whose
	// shape disagrees with the stack.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrInsufficientCorrespondence means too few point pairs survived
	// matching to estimate a transform.
	ErrInsufficientCorrespondence = errors.New("insufficient correspondences")
)

// FrameError ties an alignment failure to the frame that caused it.
type FrameError struct {
	Index   int
	Matches int
	Err     error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d (%d matches): %v", e.Index, e.Matches, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// CollaboratorError wraps a failure reported by a pluggable capability
// (detector, solver, warper, filter, codec).
type CollaboratorError struct {
	Stage        string
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Stage, e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func collaborator(stage, name string, err error) error {
	return &CollaboratorError{Stage: stage, Collaborator: name, Err: err}
}
