package models

import "errors"

// Precondition errors returned by the run lifecycle API and the stream controller.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrRunNotFound indicates no run exists with the given ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyExecuting indicates another executor holds the run.
	ErrRunAlreadyExecuting = errors.New("run is already executing")

	// ErrRunTerminal indicates the run reached completed, failed or cancelled.
	// Terminal runs are never restarted; create a new run instead.
	ErrRunTerminal = errors.New("run is in a terminal state")

	// ErrNotAwaitingReview indicates review decisions were submitted outside review_pending.
	ErrNotAwaitingReview = errors.New("run is not awaiting review")

	// ErrRunNotDeletable indicates a delete of a run that is not failed or cancelled.
	ErrRunNotDeletable = errors.New("only failed or cancelled runs can be deleted")

	// ErrInvalidConfig indicates a malformed run configuration.
	ErrInvalidConfig = errors.New("invalid run config")

	// ErrInvalidDecision indicates review decisions that cannot be applied to the plan.
	ErrInvalidDecision = errors.New("invalid review decision")
)
