package race

import "errors"

// Sentinel errors returned by the race service. Handlers map these onto
// HTTP status codes; everything else is treated as an internal failure.
var (
	// ErrNotFound means the requested race, result, or token does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the race exists but is not in a state that
	// permits the requested operation (e.g. joining a settled race).
	ErrInvalidState = errors.New("invalid race state")

	// ErrConflict means the request lost to a concurrent writer or repeats
	// an operation that already happened (duplicate result, full race,
	// joining your own race).
	ErrConflict = errors.New("conflict")

	// ErrDependencyUnavailable means an upstream dependency (RPC node, swap
	// API) kept failing after bounded retries. The request can be repeated
	// once the dependency recovers.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)
