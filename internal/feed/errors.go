package feed

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w") and test with
// errors.Is.
var (
	// ErrAuthRequired means the source needs an interactive login first.
	ErrAuthRequired = errors.New("authentication required")
	// ErrNotFound means the ref, source, or task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransient covers timeouts, detached frames, and busy profile locks.
	ErrTransient = errors.New("transient fetch failure")
	// ErrPermanentItem marks an item whose enrichment exhausted its retries.
	ErrPermanentItem = errors.New("item enrichment failed permanently")
	// ErrConfiguration means the process cannot run as configured.
	ErrConfiguration = errors.New("configuration failure")
)
