package harvester

import (
	"context"
	"time"
)

// SessionStore persists session lifecycle and processed-fingerprint history.
// Every mutating call must be durable before it returns (write-through), and
// implementations must serialize mutations so that IsProcessed/MarkProcessed
// pairs stay atomic across concurrent orchestrators sharing one store.
type SessionStore interface {
	// StartSession transitions any session still marked running to
	// interrupted (crash recovery), then creates and persists a new
	// running session and returns its ID.
	StartSession(ctx context.Context) (string, error)
	// EndSession finalizes a session with a terminal status. An unknown
	// session ID is a logged no-op, never an error for the caller.
	EndSession(ctx context.Context, sessionID string, status SessionStatus) error
	// IsProcessed reports whether the fingerprint exists anywhere in
	// history, independent of session.
	IsProcessed(ctx context.Context, fingerprint string) (bool, error)
	// MarkProcessed records the fingerprint. Marking an already-recorded
	// fingerprint is a no-op and never an overwrite.
	MarkProcessed(ctx context.Context, fingerprint, sessionID string) error
	// MarkSkipped increments the session's dedup-hit counter.
	MarkSkipped(ctx context.Context, sessionID string) error
	// IncrementFailed increments the session's failure counter.
	IncrementFailed(ctx context.Context, sessionID string) error
	// GetSession returns a session by ID, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// Stats summarizes all recorded history.
	Stats(ctx context.Context) (Stats, error)
	// Prune drops sessions started and records processed before the cutoff.
	Prune(ctx context.Context, olderThan time.Time) error
	// Close releases store resources.
	Close() error
}

// ItemSource produces paginated batches of candidate items. FetchBatch must
// be safe to call repeatedly with the same cursor (idempotent under retry).
type ItemSource interface {
	Connect(ctx context.Context) error
	FetchBatch(ctx context.Context, cursor string) (Batch, error)
	Close(ctx context.Context) error
}

// ArchiveSink persists one harvested item. Implementations guarantee that
// concurrent calls for distinct items do not corrupt shared storage; the
// orchestrator guarantees at most one call per fingerprint per store view.
type ArchiveSink interface {
	Archive(ctx context.Context, item Item, fingerprint string) error
}

// Publisher pushes archived-item notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fingerprinter derives the stable dedup identity for an item.
type Fingerprinter interface {
	Fingerprint(item Item) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
