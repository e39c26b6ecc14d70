// Package file implements the session store as a single JSON aggregate on
// local disk. Every mutation rewrites the whole document through a temp file
// and an atomic rename, fsynced before the call returns, so a crash loses at
// most the in-flight item and a resumed run sees the true history.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harvestkit/harvester/internal/harvester"
)

const stateVersion = "1.0"

// Config captures the parameters for the file-backed store.
type Config struct {
	// Path is the location of the state document.
	Path string `mapstructure:"path"`
}

// runState is the persisted aggregate. It is owned exclusively by the Store;
// callers only go through the SessionStore operations.
type runState struct {
	Version      string                      `json:"version"`
	Sessions     []harvester.Session         `json:"sessions"`
	Processed    []harvester.ProcessedRecord `json:"processed"`
	TotalAllTime int                         `json:"total_all_time"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

// Store implements harvester.SessionStore on a JSON file. A single mutex
// serializes all mutations so concurrent orchestrators sharing the store
// cannot interleave IsProcessed/MarkProcessed pairs.
type Store struct {
	mu    sync.Mutex
	path  string
	state runState
	index map[string]struct{}

	clock  harvester.Clock
	ids    harvester.IDGenerator
	logger *zap.Logger
}

// Open loads the state document at cfg.Path, creating it (and its parent
// directory) when absent.
func Open(cfg Config, clock harvester.Clock, ids harvester.IDGenerator, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	s := &Store{
		path:   cfg.Path,
		clock:  clock,
		ids:    ids,
		logger: logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.state = runState{Version: stateVersion, UpdatedAt: s.clock.Now()}
	case err != nil:
		return fmt.Errorf("read state file: %w", err)
	default:
		if err := json.Unmarshal(data, &s.state); err != nil {
			return fmt.Errorf("decode state file %s: %w", s.path, err)
		}
	}

	s.index = make(map[string]struct{}, len(s.state.Processed))
	for _, rec := range s.state.Processed {
		s.index[rec.Fingerprint] = struct{}{}
	}
	return nil
}

// persistLocked flushes the aggregate. Write-through: a temp file in the same
// directory is written, fsynced, then renamed over the document so readers
// never observe a partial write.
func (s *Store) persistLocked() error {
	s.state.UpdatedAt = s.clock.Now()

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode state: %v", harvester.ErrStorageUnavailable, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("%w: create temp state: %v", harvester.ErrStorageUnavailable, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write state: %v", harvester.ErrStorageUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync state: %v", harvester.ErrStorageUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp state: %v", harvester.ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: replace state: %v", harvester.ErrStorageUnavailable, err)
	}
	return nil
}

// StartSession interrupts stale running sessions (a prior process that died
// mid-run never finalized its own), then appends and persists a new session.
func (s *Store) StartSession(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for i := range s.state.Sessions {
		if s.state.Sessions[i].Status == harvester.StatusRunning {
			s.state.Sessions[i].Status = harvester.StatusInterrupted
			s.state.Sessions[i].EndedAt = ptrTime(now)
			s.logger.Warn("found stale running session, marking interrupted",
				zap.String("session_id", s.state.Sessions[i].ID))
		}
	}

	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("new session id: %w", err)
	}
	if s.findLocked(id) != nil {
		return "", fmt.Errorf("session id %q already recorded", id)
	}
	s.state.Sessions = append(s.state.Sessions, harvester.Session{
		ID:        id,
		StartedAt: now,
		Status:    harvester.StatusRunning,
	})
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return id, nil
}

// EndSession finalizes a session. Unknown IDs are logged, not errors.
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
	return s.persistLocked()
}

// IsProcessed answers from the in-memory fingerprint index, which mirrors the
// persisted records exactly.
func (s *Store) IsProcessed(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[fingerprint]
	return ok, nil
}

// MarkProcessed appends the record and persists. Already-recorded
// fingerprints are a no-op, never an overwrite, and count only once.
func (s *Store) MarkProcessed(_ context.Context, fingerprint, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[fingerprint]; ok {
		return nil
	}
	s.state.Processed = append(s.state.Processed, harvester.ProcessedRecord{
		Fingerprint: fingerprint,
		SessionID:   sessionID,
		ProcessedAt: s.clock.Now(),
	})
	s.index[fingerprint] = struct{}{}
	s.state.TotalAllTime++
	if sess := s.findLocked(sessionID); sess != nil {
		sess.ItemsProcessed++
	}
	return s.persistLocked()
}

// MarkSkipped increments the session's dedup-hit counter and persists.
func (s *Store) MarkSkipped(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.findLocked(sessionID); sess != nil {
		sess.ItemsSkipped++
	}
	return s.persistLocked()
}

// IncrementFailed increments the session's failure counter and persists.
func (s *Store) IncrementFailed(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.findLocked(sessionID); sess != nil {
		sess.ItemsFailed++
	}
	return s.persistLocked()
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
		TotalAllTime: s.state.TotalAllTime,
		SessionCount: len(s.state.Sessions),
	}
	if n := len(s.state.Sessions); n > 0 {
		latest := s.state.Sessions[n-1]
		stats.LatestSession = &latest
	}
	return stats, nil
}

// Prune drops processed records and sessions older than the cutoff, rebuilds
// the fingerprint index, and persists. The all-time counter is historical and
// is left untouched.
func (s *Store) Prune(_ context.Context, olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]harvester.ProcessedRecord, 0, len(s.state.Processed))
	index := make(map[string]struct{}, len(s.state.Processed))
	for _, rec := range s.state.Processed {
		if rec.ProcessedAt.Before(olderThan) {
			continue
		}
		kept = append(kept, rec)
		index[rec.Fingerprint] = struct{}{}
	}
	s.state.Processed = kept
	s.index = index

	sessions := make([]harvester.Session, 0, len(s.state.Sessions))
	for _, sess := range s.state.Sessions {
		if sess.StartedAt.Before(olderThan) {
			continue
		}
		sessions = append(sessions, sess)
	}
	s.state.Sessions = sessions

	return s.persistLocked()
}

// Close is a no-op; every mutation is already durable.
func (s *Store) Close() error { return nil }

func (s *Store) findLocked(sessionID string) *harvester.Session {
	for i := range s.state.Sessions {
		if s.state.Sessions[i].ID == sessionID {
			return &s.state.Sessions[i]
		}
	}
	return nil
}

func ptrTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
