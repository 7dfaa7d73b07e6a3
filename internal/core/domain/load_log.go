package domain

import (
	"strings"
	"time"
)

// MaxErrorMessageLen bounds LoadLogEntry.ErrorMessage (in runes).
const MaxErrorMessageLen = 1024

// IdempotencyKey is an opaque, deterministic fingerprint of a job's input.
type IdempotencyKey string

func (k IdempotencyKey) String() string { return string(k) }

// LoadStatus is the lifecycle state of a load log row.
type LoadStatus string

const (
	LoadStatusPending LoadStatus = "pending"
	LoadStatusSuccess LoadStatus = "success"
	LoadStatusSkipped LoadStatus = "skipped"
	LoadStatusFailed  LoadStatus = "failed"
)

// Terminal reports whether the status is final for the run that created the row.
func (s LoadStatus) Terminal() bool {
	return s == LoadStatusSuccess || s == LoadStatusFailed
}

// LoadLogEntry records one processing attempt of a (source, idempotency key) pair.
// Uniqueness on (Source, IdempotencyKey) is enforced by the backing store.
type LoadLogEntry struct {
	ID             int64          `json:"id"              db:"id"`
	Source         string         `json:"source"          db:"source"`
	IdempotencyKey IdempotencyKey `json:"idempotency_key" db:"idempotency_key"`
	Status         LoadStatus     `json:"status"          db:"status"`
	PayloadMeta    map[string]any `json:"payload_meta"    db:"-"`
	ProcessedBy    string         `json:"processed_by"    db:"processed_by"`
	CorrelationID  string         `json:"correlation_id"  db:"correlation_id"`
	DurationMs     *int64         `json:"duration_ms"     db:"duration_ms"`
	ErrorMessage   string         `json:"error_message"   db:"error_message"`
	CreatedAt      time.Time      `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"      db:"updated_at"`
}

// TruncateErrorMessage cuts msg to MaxErrorMessageLen runes. Invalid UTF-8 is
// replaced with U+FFFD first; text columns reject it.
func TruncateErrorMessage(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	runes := []rune(msg)
	if len(runes) <= MaxErrorMessageLen {
		return msg
	}
	return string(runes[:MaxErrorMessageLen])
}
