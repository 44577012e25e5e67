// Package errors provides error wrapping utilities and the orchestrator's
// error taxonomy. Callers classify failures with errors.Is against the
// sentinels below; wrapping preserves the sentinel through %w.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the orchestrator.
var (
	// ErrNotFound reports a lab or instance that does not exist or is inactive.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyActive reports that the caller already owns a non-terminal
	// instance of the requested lab. Never retried automatically.
	ErrAlreadyActive = errors.New("instance already active")

	// ErrRuntimeUnavailable reports that the container engine could not be
	// reached or timed out. Retryable by the caller with backoff.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrImagePull reports a failed image pull. Operator-actionable.
	ErrImagePull = errors.New("image pull failed")

	// ErrPortAllocation reports a host port binding conflict.
	ErrPortAllocation = errors.New("port allocation failed")

	// ErrStaleState reports a lost compare-and-swap on instance state.
	ErrStaleState = errors.New("stale instance state")

	// ErrConflict reports an operation that cannot proceed in the instance's
	// current state, e.g. stopping an instance that is still starting.
	ErrConflict = errors.New("conflicting instance state")

	// ErrAlreadyCompleted reports a correct flag submitted after the lab was
	// already solved. The attempt is counted; no points are awarded.
	ErrAlreadyCompleted = errors.New("lab already completed")

	// ErrForbidden reports an instance owned by a different user.
	ErrForbidden = errors.New("instance not owned by caller")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
