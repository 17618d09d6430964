package index

import "errors"

// Sentinel error kinds. Callers match with errors.Is; wrapping with
// fmt.Errorf("...: %w", ErrX) preserves the kind up the call stack.
var (
	// ErrUpstreamUnavailable means the upstream index could not be
	// reached or returned a 5xx/unexpected response after retries.
	ErrUpstreamUnavailable = errors.New("index: upstream unavailable")

	// ErrNotFound means the upstream responded 404 for a project, or
	// the requested file is not in the project's listing.
	ErrNotFound = errors.New("index: project not found")

	// ErrInvalidName means the requested project name failed
	// normalization or contained characters no Simple Repository name
	// can contain.
	ErrInvalidName = errors.New("index: invalid project name")
)
