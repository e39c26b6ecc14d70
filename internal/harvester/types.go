package harvester

import "time"

// SessionStatus is the lifecycle state of a harvesting session.
type SessionStatus string

// Supported session states. Running is the only non-terminal state.
const (
	StatusRunning     SessionStatus = "running"
	StatusCompleted   SessionStatus = "completed"
	StatusFailed      SessionStatus = "failed"
	StatusInterrupted SessionStatus = "interrupted"
)

// Terminal reports whether the status ends a session.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is one of the known values.
func (s SessionStatus) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// Session is one bounded harvesting run with its own counters.
type Session struct {
	ID             string        `json:"session_id"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	Status         SessionStatus `json:"status"`
	ItemsProcessed int           `json:"items_processed"`
	ItemsSkipped   int           `json:"items_skipped"`
	ItemsFailed    int           `json:"items_failed"`
}

// ProcessedRecord is the durable fact that one fingerprint was harvested.
// A fingerprint appears at most once across all recorded history.
type ProcessedRecord struct {
	Fingerprint string    `json:"fingerprint"`
	SessionID   string    `json:"session_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Item is one content unit pulled from an item source. The pipeline only
// reads DeclaredID and Content; Content is never interpreted beyond hashing.
type Item struct {
	DeclaredID string `json:"declared_id,omitempty"`
	Content    []byte `json:"content"`
}

// Batch is one page of candidate items returned by an ItemSource. An empty
// NextCursor together with HasMore=false signals natural exhaustion.
type Batch struct {
	Items      []Item
	NextCursor string
	HasMore    bool
}

// Stats summarizes the store across all recorded sessions.
type Stats struct {
	TotalAllTime  int      `json:"total_all_time"`
	SessionCount  int      `json:"session_count"`
	LatestSession *Session `json:"latest_session,omitempty"`
}
