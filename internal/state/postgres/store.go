// Package postgres implements the session store on PostgreSQL. Each mutating
// call is one transaction, which both satisfies the write-through durability
// contract and serializes concurrent orchestrators sharing the store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/harvestkit/harvester/internal/harvester"
)

// Config controls the connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// db is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements harvester.SessionStore on Postgres.
type Store struct {
	pool   db
	clock  harvester.Clock
	ids    harvester.IDGenerator
	logger *zap.Logger
}

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config, clock harvester.Clock, ids harvester.IDGenerator, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, clock, ids, logger)
}

// NewWithPool constructs a Store from an existing pool (primarily for tests).
func NewWithPool(pool db, clock harvester.Clock, ids harvester.IDGenerator, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, clock: clock, ids: ids, logger: logger}, nil
}

// Migrate creates the store's tables when they do not exist. Statements run
// one at a time because the pool's extended query protocol rejects batches.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS harvest_sessions (
	id              text PRIMARY KEY,
	started_at      timestamptz NOT NULL,
	ended_at        timestamptz,
	status          text NOT NULL,
	items_processed integer NOT NULL DEFAULT 0,
	items_skipped   integer NOT NULL DEFAULT 0,
	items_failed    integer NOT NULL DEFAULT 0
)`,
		`CREATE TABLE IF NOT EXISTS harvest_processed (
	fingerprint  text PRIMARY KEY,
	session_id   text NOT NULL,
	processed_at timestamptz NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS harvest_totals (
	id             smallint PRIMARY KEY CHECK (id = 1),
	total_all_time bigint NOT NULL DEFAULT 0
)`,
		`INSERT INTO harvest_totals (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return storageErr("migrate", err)
		}
	}
	return nil
}

// StartSession interrupts stale running sessions and inserts a new one,
// atomically in a single transaction.
func (s *Store) StartSession(ctx context.Context) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("new session id: %w", err)
	}
	now := s.clock.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", storageErr("begin start session", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`UPDATE harvest_sessions SET status = $1, ended_at = $2 WHERE status = $3`,
		harvester.StatusInterrupted, now, harvester.StatusRunning,
	)
	if err != nil {
		return "", storageErr("interrupt stale sessions", err)
	}
	if tag.RowsAffected() > 0 {
		s.logger.Warn("found stale running sessions, marking interrupted",
			zap.Int64("count", tag.RowsAffected()))
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO harvest_sessions (id, started_at, status) VALUES ($1, $2, $3)`,
		id, now, harvester.StatusRunning,
	); err != nil {
		return "", storageErr("insert session", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", storageErr("commit start session", err)
	}
	return id, nil
}

// EndSession finalizes a session. Unknown IDs are logged, not errors.
func (s *Store) EndSession(ctx context.Context, sessionID string, status harvester.SessionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE harvest_sessions SET status = $1, ended_at = $2 WHERE id = $3`,
		status, s.clock.Now(), sessionID,
	)
	if err != nil {
		return storageErr("end session", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("end session for unknown id", zap.String("session_id", sessionID))
	}
	return nil
}

// IsProcessed reports whether the fingerprint exists anywhere in history.
func (s *Store) IsProcessed(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM harvest_processed WHERE fingerprint = $1)`,
		fingerprint,
	).Scan(&exists)
	if err != nil {
		return false, storageErr("check processed", err)
	}
	return exists, nil
}

// MarkProcessed inserts the record and bumps the owning session's counter in
// one transaction. ON CONFLICT DO NOTHING makes re-marking a no-op so the
// counter can never increment twice for one fingerprint.
func (s *Store) MarkProcessed(ctx context.Context, fingerprint, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin mark processed", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO harvest_processed (fingerprint, session_id, processed_at)
		 VALUES ($1, $2, $3) ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, sessionID, s.clock.Now(),
	)
	if err != nil {
		return storageErr("insert processed", err)
	}
	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx,
			`UPDATE harvest_sessions SET items_processed = items_processed + 1 WHERE id = $1`,
			sessionID,
		); err != nil {
			return storageErr("bump processed counter", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE harvest_totals SET total_all_time = total_all_time + 1 WHERE id = 1`,
		); err != nil {
			return storageErr("bump all-time counter", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit mark processed", err)
	}
	return nil
}

// MarkSkipped increments the session's dedup-hit counter.
func (s *Store) MarkSkipped(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE harvest_sessions SET items_skipped = items_skipped + 1 WHERE id = $1`,
		sessionID,
	); err != nil {
		return storageErr("bump skipped counter", err)
	}
	return nil
}

// IncrementFailed increments the session's failure counter.
func (s *Store) IncrementFailed(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE harvest_sessions SET items_failed = items_failed + 1 WHERE id = $1`,
		sessionID,
	); err != nil {
		return storageErr("bump failed counter", err)
	}
	return nil
}

// GetSession returns a session by ID, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (harvester.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, started_at, ended_at, status, items_processed, items_skipped, items_failed
		 FROM harvest_sessions WHERE id = $1`,
		sessionID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvester.Session{}, harvester.ErrSessionNotFound
	}
	if err != nil {
		return harvester.Session{}, storageErr("get session", err)
	}
	return sess, nil
}

// Stats summarizes recorded history. The all-time total comes from the
// harvest_totals counter, which survives pruning of old processed records.
func (s *Store) Stats(ctx context.Context) (harvester.Stats, error) {
	var stats harvester.Stats
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT total_all_time FROM harvest_totals WHERE id = 1),
		        (SELECT count(*) FROM harvest_sessions)`,
	).Scan(&stats.TotalAllTime, &stats.SessionCount)
	if err != nil {
		return harvester.Stats{}, storageErr("count stats", err)
	}

	row := s.pool.QueryRow(ctx,
		`SELECT id, started_at, ended_at, status, items_processed, items_skipped, items_failed
		 FROM harvest_sessions ORDER BY started_at DESC, id DESC LIMIT 1`,
	)
	sess, err := scanSession(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return harvester.Stats{}, storageErr("latest session", err)
	default:
		stats.LatestSession = &sess
	}
	return stats, nil
}

// Prune drops sessions started and records processed before the cutoff.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin prune", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM harvest_processed WHERE processed_at < $1`, olderThan,
	); err != nil {
		return storageErr("prune processed", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM harvest_sessions WHERE started_at < $1`, olderThan,
	); err != nil {
		return storageErr("prune sessions", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit prune", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (harvester.Session, error) {
	var sess harvester.Session
	err := row.Scan(
		&sess.ID,
		&sess.StartedAt,
		&sess.EndedAt,
		&sess.Status,
		&sess.ItemsProcessed,
		&sess.ItemsSkipped,
		&sess.ItemsFailed,
	)
	return sess, err
}

// storageErr wraps database failures in the taxonomy sentinel so the
// orchestrator escalates them instead of retrying per item.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", harvester.ErrStorageUnavailable, op, err)
}
