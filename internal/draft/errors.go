package draft

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means no draft exists for the given id.
	ErrNotFound = errors.New("draft not found")
	// ErrInvalidState means the operation is not valid for the draft's
	// current status (merging or executing a non-ACTIVE draft).
	ErrInvalidState = errors.New("draft is not active")
)

// MergeRejectedError is returned when an extracted payload fails shape
// validation against the draft, leaving the draft untouched.
type MergeRejectedError struct {
	Reason string
}

func (e *MergeRejectedError) Error() string {
	return fmt.Sprintf("merge rejected: %s", e.Reason)
}

// IncompleteDraftError carries the deterministic missing-field list for a
// draft that failed validation at execution time.
type IncompleteDraftError struct {
	MissingFields []string
}

func (e *IncompleteDraftError) Error() string {
	return fmt.Sprintf("draft incomplete: missing %s", strings.Join(e.MissingFields, ", "))
}

// Execution failure causes. Timeout is distinguished so callers can apply
// their own retry policy; the bridge never retries.
const (
	CauseSendFailed = "send_failed"
	CauseTimeout    = "timeout"
)

// ExecutionFailedError reports that the external action was invoked and
// did not succeed. The draft is in EXECUTION_ERROR when this is returned.
type ExecutionFailedError struct {
	Cause string
	Err   error
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("execution failed (%s): %v", e.Cause, e.Err)
}

func (e *ExecutionFailedError) Unwrap() error {
	return e.Err
}
