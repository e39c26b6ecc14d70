package harvester

import "errors"

// Failure taxonomy for the harvesting pipeline. Anything not matching one of
// these sentinels is treated as transient and eligible for retry.
var (
	// ErrAuthExpired means the source session needs manual re-authentication.
	// It is fatal to the run and never auto-retried.
	ErrAuthExpired = errors.New("source authentication expired")

	// ErrSourceExhausted signals natural end of pagination. Not a failure.
	ErrSourceExhausted = errors.New("source exhausted")

	// ErrSinkRejected means the sink refused the item itself. Fatal for the
	// item, counted as failed, never aborts the batch.
	ErrSinkRejected = errors.New("sink rejected item")

	// ErrStorageUnavailable means the session store cannot persist. Fatal to
	// the whole run: continuing without durable dedup risks double-archival.
	ErrStorageUnavailable = errors.New("session storage unavailable")

	// ErrSessionNotFound is returned by session lookups for unknown IDs.
	ErrSessionNotFound = errors.New("session not found")
)
