package task

import "errors"

// Sentinel errors returned by Store operations (§4.1 "Failure modes").
// Callers distinguish them with errors.Is.
var (
	ErrNotFound          = errors.New("task: not found")
	ErrInvalidTransition = errors.New("task: invalid transition")
	ErrPermissionDenied  = errors.New("task: permission denied")
	ErrCycleDetected     = errors.New("task: dependency cycle detected")
	ErrDuplicateID       = errors.New("task: duplicate id")
	ErrIO                = errors.New("task: io error")

	// Gate evaluator errors (§4.3).
	ErrUnauthorized        = errors.New("task: unauthorized for gate")
	ErrRejectionNotAllowed = errors.New("task: gate does not allow rejection")
	ErrInvalidGate         = errors.New("task: invalid gate")
)
