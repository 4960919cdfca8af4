package scheduling

import "errors"

var (
	// ErrInvalidConfig marks caller mistakes (missing id/type, reschedule
	// conflicts). These are surfaced synchronously and never retried.
	ErrInvalidConfig = errors.New("invalid task configuration")

	// ErrTypeUnavailable is returned for unknown task types and for types
	// rejected at registration (e.g. shared-instance factories).
	ErrTypeUnavailable = errors.New("task type unavailable")

	// ErrTaskRemoved distinguishes "the job is gone" from other failures when
	// an operation races against a concurrent deletion.
	ErrTaskRemoved = errors.New("task removed")
)
