package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/ingestkit/internal/core/domain"
)

var (
	// ErrNotFound is returned when a load log entry doesn't exist
	ErrNotFound = errors.New("load log entry not found")

	// ErrSessionClosed is returned when a session is used after Close
	ErrSessionClosed = errors.New("load log session closed")
)

// LoadLogStore is the unit-of-work factory behind the process-once guard.
// Uniqueness of (source, idempotency_key) must be enforced by the store itself.
type LoadLogStore interface {
	// Begin opens a session bound to one connection until Close
	Begin(ctx context.Context) (LoadLogSession, error)

	// Get retrieves the entry for a (source, key) pair
	Get(ctx context.Context, source string, key domain.IdempotencyKey) (*domain.LoadLogEntry, error)

	// List retrieves recent entries, newest first
	List(ctx context.Context, filter ListFilter) ([]*domain.LoadLogEntry, error)
}

// LoadLogSession is one unit of work. Writes become visible to other
// sessions on Commit; Rollback discards uncommitted writes.
type LoadLogSession interface {
	// InsertPending inserts a pending row unless (source, key) already exists.
	// inserted is false when another caller owns the pair.
	InsertPending(ctx context.Context, entry *domain.LoadLogEntry) (id int64, inserted bool, err error)

	// MarkDuplicate refreshes descriptive fields of an existing row and sets it skipped
	MarkDuplicate(ctx context.Context, update DuplicateUpdate) error

	// MarkSuccess marks the row successful with its duration
	MarkSuccess(ctx context.Context, id int64, durationMs int64) error

	// MarkFailed marks the row failed with a truncated error message
	MarkFailed(ctx context.Context, id int64, durationMs int64, message string) error

	// Commit commits pending writes
	Commit() error

	// Rollback discards pending writes. Safe to call multiple times.
	Rollback() error

	// Close rolls back anything uncommitted and releases the connection
	Close() error
}

// DuplicateUpdate carries the fields a losing caller may refresh.
type DuplicateUpdate struct {
	Source        string
	Key           domain.IdempotencyKey
	PayloadMeta   map[string]any
	ProcessedBy   string
	CorrelationID string
}

// ListFilter narrows List results.
type ListFilter struct {
	Source string
	Status domain.LoadStatus
	Since  time.Time // created at or after
	Before time.Time // created strictly before
	Limit  int
}

// Match reports whether e passes the filter, ignoring Limit.
func (f ListFilter) Match(e *domain.LoadLogEntry) bool {
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Before.IsZero() && !e.CreatedAt.Before(f.Before) {
		return false
	}
	return true
}

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// EffectiveLimit returns the limit to apply.
func (f ListFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}
