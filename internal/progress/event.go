// Package progress defines the event stream emitted by the orchestrator and
// the hub that fans events out to sinks.
package progress

import (
	"errors"
	"time"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageSessionDone  Stage = "SESSION_DONE"
	StageSessionError Stage = "SESSION_ERROR"
	StageItemArchived Stage = "ITEM_ARCHIVED"
	StageItemSkipped  Stage = "ITEM_SKIPPED"
	StageItemFailed   Stage = "ITEM_FAILED"
	StageBatchFetched Stage = "BATCH_FETCHED"
)

// Event captures a single harvesting milestone.
type Event struct {
	// SessionID identifies the run that produced the event.
	SessionID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Fingerprint scopes item events to one item.
	Fingerprint string
	// Count carries the batch size for BATCH_FETCHED events.
	Count int
	// Dur captures the latency of the operation, when meaningful.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone, StageSessionError, StageBatchFetched:
		return nil
	case StageItemArchived, StageItemSkipped, StageItemFailed:
		if e.Fingerprint == "" {
			return errors.New("fingerprint is required for item events")
		}
		return nil
	default:
		return errors.New("unknown stage")
	}
}
