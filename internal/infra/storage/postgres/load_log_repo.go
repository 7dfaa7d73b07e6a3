package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/ingestkit/internal/core/domain"
	"github.com/vietddude/ingestkit/internal/infra/storage"
)

// LoadLogRepo implements storage.LoadLogStore on PostgreSQL.
type LoadLogRepo struct {
	db *DB
}

// NewLoadLogRepo creates a new load log repository.
func NewLoadLogRepo(db *DB) *LoadLogRepo {
	return &LoadLogRepo{db: db}
}

// Begin opens a connection-pinned session.
func (r *LoadLogRepo) Begin(ctx context.Context) (storage.LoadLogSession, error) {
	return r.db.NewSession(ctx)
}

// Get retrieves the entry for (source, key).
func (r *LoadLogRepo) Get(ctx context.Context, source string, key domain.IdempotencyKey) (*domain.LoadLogEntry, error) {
	var row loadLogRow
	err := r.db.GetContext(ctx, &row, selectLoadLogSQL+` WHERE source = $1 AND idempotency_key = $2`, source, key.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get load log: %w", err)
	}
	return row.toDomain()
}

// List retrieves recent entries, newest first.
func (r *LoadLogRepo) List(ctx context.Context, filter storage.ListFilter) ([]*domain.LoadLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Source != "" {
		args = append(args, filter.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.Before.IsZero() {
		args = append(args, filter.Before)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}

	query := selectLoadLogSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	var rows []loadLogRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list load log: %w", err)
	}

	entries := make([]*domain.LoadLogEntry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

const selectLoadLogSQL = `
SELECT id, source, idempotency_key, status, payload_meta, processed_by, correlation_id,
       duration_ms, error_message, created_at, updated_at
FROM load_log`

type loadLogRow struct {
	ID             int64         `db:"id"`
	Source         string        `db:"source"`
	IdempotencyKey string        `db:"idempotency_key"`
	Status         string        `db:"status"`
	PayloadMeta    []byte        `db:"payload_meta"`
	ProcessedBy    string        `db:"processed_by"`
	CorrelationID  string        `db:"correlation_id"`
	DurationMs     sql.NullInt64 `db:"duration_ms"`
	ErrorMessage   string        `db:"error_message"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

func (r *loadLogRow) toDomain() (*domain.LoadLogEntry, error) {
	e := &domain.LoadLogEntry{
		ID:             r.ID,
		Source:         r.Source,
		IdempotencyKey: domain.IdempotencyKey(r.IdempotencyKey),
		Status:         domain.LoadStatus(r.Status),
		ProcessedBy:    r.ProcessedBy,
		CorrelationID:  r.CorrelationID,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.DurationMs.Valid {
		d := r.DurationMs.Int64
		e.DurationMs = &d
	}
	if len(r.PayloadMeta) > 0 {
		if err := json.Unmarshal(r.PayloadMeta, &e.PayloadMeta); err != nil {
			return nil, fmt.Errorf("failed to decode payload meta: %w", err)
		}
	}
	return e, nil
}

var (
	_ storage.LoadLogStore   = (*LoadLogRepo)(nil)
	_ storage.LoadLogSession = (*Session)(nil)
)
