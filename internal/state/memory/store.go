// Package memory provides an in-memory session store for development and
// testing. It honors the same serialization and idempotency contracts as the
// durable stores, minus durability.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harvestkit/harvester/internal/harvester"
)

// Store implements harvester.SessionStore in memory.
type Store struct {
	mu        sync.Mutex
	sessions  []harvester.Session
	processed []harvester.ProcessedRecord
	index     map[string]struct{}
	total     int

	clock  harvester.Clock
	ids    harvester.IDGenerator
	logger *zap.Logger
}

// New constructs a Store.
func New(clock harvester.Clock, ids harvester.IDGenerator, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		index:  make(map[string]struct{}),
		clock:  clock,
		ids:    ids,
		logger: logger,
	}
}

// StartSession interrupts any stale running session, then appends a new one.
func (s *Store) StartSession(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for i := range s.sessions {
		if s.sessions[i].Status == harvester.StatusRunning {
			s.sessions[i].Status = harvester.StatusInterrupted
			s.sessions[i].EndedAt = ptrTime(now)
			s.logger.Warn("found stale running session, marking interrupted",
				zap.String("session_id", s.sessions[i].ID))
		}
	}

	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("new session id: %w", err)
	}
	if s.findLocked(id) != nil {
		return "", fmt.Errorf("session id %q already recorded", id)
	}
	s.sessions = append(s.sessions, harvester.Session{
		ID:        id,
		StartedAt: now,
		Status:    harvester.StatusRunning,
	})
	return id, nil
}

// EndSession finalizes a session; unknown IDs are a logged no-op.
func (s *Store) EndSession(_ context.Context, sessionID string, status harvester.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.findLocked(sessionID)
	if sess == nil {
		s.logger.Warn("end session for unknown id", zap.String("session_id", sessionID))
		return nil
	}
	sess.Status = status
	sess.EndedAt = ptrTime(s.clock.Now())
	return nil
}

// IsProcessed reports whether the fingerprint exists anywhere in history.
func (s *Store) IsProcessed(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[fingerprint]
	return ok, nil
}

// MarkProcessed records the fingerprint once; re-marking is a no-op.
func (s *Store) MarkProcessed(_ context.Context, fingerprint, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[fingerprint]; ok {
		return nil
	}
	s.processed = append(s.processed, harvester.ProcessedRecord{
		Fingerprint: fingerprint,
		SessionID:   sessionID,
		ProcessedAt: s.clock.Now(),
	})
	s.index[fingerprint] = struct{}{}
	s.total++
	if sess := s.findLocked(sessionID); sess != nil {
		sess.ItemsProcessed++
	}
	return nil
}

// MarkSkipped increments the session's dedup-hit counter.
func (s *Store) MarkSkipped(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.findLocked(sessionID); sess != nil {
		sess.ItemsSkipped++
	}
	return nil
}

// IncrementFailed increments the session's failure counter.
func (s *Store) IncrementFailed(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.findLocked(sessionID); sess != nil {
		sess.ItemsFailed++
	}
	return nil
}

// GetSession returns a copy of the session, or ErrSessionNotFound.
func (s *Store) GetSession(_ context.Context, sessionID string) (harvester.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.findLocked(sessionID); sess != nil {
		return *sess, nil
	}
	return harvester.Session{}, harvester.ErrSessionNotFound
}

// Stats summarizes recorded history.
func (s *Store) Stats(_ context.Context) (harvester.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := harvester.Stats{
		TotalAllTime: s.total,
		SessionCount: len(s.sessions),
	}
	if n := len(s.sessions); n > 0 {
		latest := s.sessions[n-1]
		stats.LatestSession = &latest
	}
	return stats, nil
}

// Prune drops sessions and processed records older than the cutoff.
func (s *Store) Prune(_ context.Context, olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.processed[:0]
	index := make(map[string]struct{}, len(s.processed))
	for _, rec := range s.processed {
		if rec.ProcessedAt.Before(olderThan) {
			continue
		}
		kept = append(kept, rec)
		index[rec.Fingerprint] = struct{}{}
	}
	s.processed = kept
	s.index = index

	sessions := s.sessions[:0]
	for _, sess := range s.sessions {
		if sess.StartedAt.Before(olderThan) {
			continue
		}
		sessions = append(sessions, sess)
	}
	s.sessions = sessions
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) findLocked(sessionID string) *harvester.Session {
	for i := range s.sessions {
		if s.sessions[i].ID == sessionID {
			return &s.sessions[i]
		}
	}
	return nil
}

func ptrTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
