package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/ingestkit/internal/core/domain"
	"github.com/vietddude/ingestkit/internal/infra/storage"
)

// Session pins one pooled connection for the lifetime of a process-once run.
// Each write phase runs in its own transaction, opened lazily and ended by
// Commit or Rollback, so the pending claim is visible before the work starts.
type Session struct {
	mu     sync.Mutex
	conn   *sqlx.Conn
	tx     *sqlx.Tx
	closed bool
}

// NewSession reserves a connection from the pool.
func (db *DB) NewSession(ctx context.Context) (*Session, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Tx returns the session's current transaction, beginning one if needed.
// Jobs use it to make their own writes atomic with the load log update.
func (s *Session) Tx(ctx context.Context) (*sqlx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txLocked(ctx)
}

func (s *Session) txLocked(ctx context.Context) (*sqlx.Tx, error) {
	if s.closed {
		return nil, storage.ErrSessionClosed
	}
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// InsertPending claims (source, key) with a pending row.
func (s *Session) InsertPending(ctx context.Context, entry *domain.LoadLogEntry) (int64, bool, error) {
	meta, err := encodeMeta(entry.PayloadMeta)
	if err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.txLocked(ctx)
	if err != nil {
		return 0, false, err
	}

	var id int64
	err = tx.QueryRowxContext(ctx, insertPendingSQL,
		entry.Source,
		entry.IdempotencyKey.String(),
		meta,
		entry.ProcessedBy,
		entry.CorrelationID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert pending load log: %w", err)
	}
	return id, true, nil
}

// MarkDuplicate refreshes descriptive fields of an existing row.
func (s *Session) MarkDuplicate(ctx context.Context, update storage.DuplicateUpdate) error {
	meta, err := encodeMeta(update.PayloadMeta)
	if err != nil {
		return err
	}
	return s.exec(ctx, "mark duplicate", markDuplicateSQL,
		update.Source,
		update.Key.String(),
		meta,
		update.ProcessedBy,
		update.CorrelationID,
	)
}

// MarkSuccess marks the row successful.
func (s *Session) MarkSuccess(ctx context.Context, id int64, durationMs int64) error {
	return s.exec(ctx, "mark success", markSuccessSQL, id, durationMs)
}

// MarkFailed marks the row failed. The message is truncated to the column width.
func (s *Session) MarkFailed(ctx context.Context, id int64, durationMs int64, message string) error {
	return s.exec(ctx, "mark failed", markFailedSQL, id, durationMs, domain.TruncateErrorMessage(message))
}

func (s *Session) exec(ctx context.Context, op, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.txLocked(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Commit commits the current transaction. A session with nothing pending commits trivially.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrSessionClosed
	}
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackLocked()
}

func (s *Session) rollbackLocked() error {
	if s.tx == nil {
		return nil // Already committed or rolled back
	}
	err := s.tx.Rollback()
	s.tx = nil
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Close rolls back anything uncommitted and returns the connection to the pool.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	rbErr := s.rollbackLocked()
	return errors.Join(rbErr, s.conn.Close())
}

func encodeMeta(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload meta: %w", err)
	}
	return string(b), nil
}

const insertPendingSQL = `
INSERT INTO load_log (source, idempotency_key, status, payload_meta, processed_by, correlation_id, created_at, updated_at)
VALUES ($1, $2, 'pending', $3::jsonb, $4, $5, NOW(), NOW())
ON CONFLICT (source, idempotency_key) DO NOTHING
RETURNING id`

const markDuplicateSQL = `
UPDATE load_log
SET payload_meta = $3::jsonb, processed_by = $4, correlation_id = $5, status = 'skipped', updated_at = NOW()
WHERE source = $1 AND idempotency_key = $2`

const markSuccessSQL = `
UPDATE load_log
SET status = 'success', duration_ms = $2, error_message = '', updated_at = NOW()
WHERE id = $1`

const markFailedSQL = `
UPDATE load_log
SET status = 'failed', duration_ms = $2, error_message = $3, updated_at = NOW()
WHERE id = $1`
