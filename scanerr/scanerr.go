// Package scanerr defines the sentinel error kinds shared across the scan
// lifecycle engine. Components wrap one of these with fmt.Errorf's %w so
// callers can branch with errors.Is without a custom error hierarchy.
package scanerr

import "errors"

var (
	// ErrConfigError marks an invalid or malformed scan preference.
	ErrConfigError = errors.New("invalid scan configuration")

	// ErrKVUnavailable marks a key-value store connection or I/O failure.
	ErrKVUnavailable = errors.New("key-value store unavailable")

	// ErrNoFreeDB marks DBRegistry exhaustion: every database is in use.
	ErrNoFreeDB = errors.New("no free database available")

	// ErrEngineLaunchFailed marks a failure to start or hand off to the engine.
	ErrEngineLaunchFailed = errors.New("engine launch failed")

	// ErrEngineCrashed marks an engine child process that exited unexpectedly.
	ErrEngineCrashed = errors.New("engine crashed")

	// ErrFeedUnavailable marks a failed feed refresh attempt.
	ErrFeedUnavailable = errors.New("feed unavailable")

	// ErrInternal marks an invariant violation: corrupted state that should
	// never occur if the rest of the package is correct.
	ErrInternal = errors.New("internal invariant violation")

	// ErrUnknownScan marks a lookup by scan id that the daemon has no
	// record of, whether never queued, still active, or already deleted.
	ErrUnknownScan = errors.New("unknown scan id")
)
