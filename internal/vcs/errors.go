package vcs

import "errors"

// Common errors returned by Client implementations and the helpers built on
// them. Check with errors.Is.
var (
	// ErrNotAvailable is returned when the client binary cannot be executed
	ErrNotAvailable = errors.New("version control client not available")

	// ErrNotLoggedIn is returned when the server rejects the session ticket
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrNotFound is returned when a path or spec does not exist on the server
	ErrNotFound = errors.New("not found on server")

	// ErrStreamCycle is returned when following virtual stream parents
	// revisits a stream
	ErrStreamCycle = errors.New("virtual stream parent chain contains a cycle")

	// ErrNoStream is returned when a stream spec has no parent to follow
	ErrNoStream = errors.New("stream has no concrete parent")
)
