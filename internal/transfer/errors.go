package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for commands that reference a task the
	// coordinator does not hold, either never added or already removed.
	ErrNotFound = errors.New("download task not found")

	// ErrInvalidState is matched by every *InvalidStateError.
	ErrInvalidState = errors.New("invalid task state for operation")

	// ErrAlreadyExists is returned when the same source URL and file name are
	// added twice.
	ErrAlreadyExists = errors.New("download task already exists")

	// ErrTerminal is returned by Task events that arrive after the task reached
	// Failed or Completed. Callers drop such events.
	ErrTerminal = errors.New("task already finished")
)

// Failure kinds as persisted and shown to clients.
const (
	FailureKindTransfer      = "transfer"
	FailureKindPlacement     = "placement"
	FailureKindUnrecognized  = "unrecognized_destination"
	failureKindUnknownReason = "unknown"
)

// InvalidStateError reports a command that is not legal from the task's
// current status. The task is left unchanged.
type InvalidStateError struct {
	TaskID string // Task the command targeted
	Action string // The rejected action (e.g. "pause", "resume")
	Status Status // Status the task was in
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s task %s while %s", e.Action, e.TaskID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// TransferError carries the cause reported by the transfer mechanism. Tasks
// failed with it may be retried by downloading again.
type TransferError struct {
	Cause error
}

func (e *TransferError) Error() string {
	if e.Cause == nil {
		return "transfer failed"
	}

	return fmt.Sprintf("transfer failed: %v", e.Cause)
}

func (e *TransferError) Unwrap() error {
	return e.Cause
}

// PlacementError reports that the bytes arrived but could not be moved to
// their final destination. Retry logic can skip downloading again.
type PlacementError struct {
	Source string // Temporary file holding the downloaded bytes
	Target string // Resolved final destination, empty if resolution failed
	Err    error  // Underlying error
}

func (e *PlacementError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("failed to place %s: %v", e.Source, e.Err)
	}

	return fmt.Sprintf("failed to place %s at %s: %v", e.Source, e.Target, e.Err)
}

func (e *PlacementError) Unwrap() error {
	return e.Err
}

// FailureKind classifies err into one of the persisted failure kinds.
func FailureKind(err error) string {
	if err == nil {
		return ""
	}

	var placementErr *PlacementError
	if errors.As(err, &placementErr) {
		return FailureKindPlacement
	}

	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		return FailureKindTransfer
	}

	if errors.Is(err, errUnrecognizedDestination) {
		return FailureKindUnrecognized
	}

	return failureKindUnknownReason
}

var errUnrecognizedDestination = errors.New("destination no longer recognized")

// UnrecognizedDestinationError wraps the error of a persisted destination
// that could not be mapped to the current environment.
func UnrecognizedDestinationError(err error) error {
	return fmt.Errorf("%w: %w", errUnrecognizedDestination, err)
}
