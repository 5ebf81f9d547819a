package outbox

import (
	stderrors "errors"
)

var (
	ErrEntryNotFound           = stderrors.New("outbox entry not found")
	ErrEntryNotPending         = stderrors.New("outbox entry is not pending")
	ErrDeadLetterNotFound      = stderrors.New("dead letter not found")
	ErrDeadLetterTransition    = stderrors.New("dead letter status transition is not allowed")
	ErrDeadLetterStatusInvalid = stderrors.New("dead letter status is invalid")
	ErrReviewerRequired        = stderrors.New("reviewer is required")
	ErrRoutingKeyRequired      = stderrors.New("routing key is required")
)

// StagingError means the event was never durably staged and will not be delivered.
type StagingError struct {
	EventID string
	Err     error
}

func (e *StagingError) Error() string {
	return "failed to stage outbox event " + e.EventID + ": " + e.Err.Error()
}

func (e *StagingError) Unwrap() error {
	return e.Err
}
