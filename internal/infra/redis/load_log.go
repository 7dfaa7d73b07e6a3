package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/ingestkit/internal/core/domain"
	"github.com/vietddude/ingestkit/internal/infra/storage"
)

// maxClaimRetries bounds the WATCH/MULTI loop when the entry key keeps changing under us.
const maxClaimRetries = 16

// commitTimeout bounds Commit and Rollback, which take no context.
const commitTimeout = 5 * time.Second

// listPageSize is how many index members List scans per round trip.
const listPageSize = 64

// ErrClaimContended is returned when InsertPending loses the optimistic race too many times.
var ErrClaimContended = errors.New("load log claim contended")

// LoadLogStore implements storage.LoadLogStore on Redis. Each entry is a hash at
// {prefix}:{source}:{key}; the claim is a WATCH-guarded existence check followed
// by MULTI/EXEC, so only one caller can create a given key.
type LoadLogStore struct {
	c   *Client
	now func() time.Time
}

// NewLoadLogStore creates a new Redis-backed load log store.
func NewLoadLogStore(c *Client) *LoadLogStore {
	return &LoadLogStore{c: c, now: time.Now}
}

// Begin opens a session. Redis connections are multiplexed, so nothing is reserved.
func (s *LoadLogStore) Begin(ctx context.Context) (storage.LoadLogSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Session{store: s}, nil
}

// Get retrieves the entry for (source, key).
func (s *LoadLogStore) Get(ctx context.Context, source string, key domain.IdempotencyKey) (*domain.LoadLogEntry, error) {
	fields, err := s.c.rdb.HGetAll(ctx, s.c.entryKey(source, key.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	return decodeEntry(fields)
}

// List scans the id index newest first and applies the filter client-side.
func (s *LoadLogStore) List(ctx context.Context, filter storage.ListFilter) ([]*domain.LoadLogEntry, error) {
	limit := filter.EffectiveLimit()
	out := make([]*domain.LoadLogEntry, 0, min(limit, listPageSize))

	for start := int64(0); len(out) < limit; start += listPageSize {
		members, err := s.c.rdb.ZRevRange(ctx, s.c.indexKey(), start, start+listPageSize-1).Result()
		if err != nil {
			return nil, fmt.Errorf("zrevrange failed: %w", err)
		}
		if len(members) == 0 {
			break
		}

		cmds := make([]*redis.MapStringStringCmd, len(members))
		_, err = s.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, m := range members {
				cmds[i] = pipe.HGetAll(ctx, m)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline failed: %w", err)
		}

		for _, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				continue // rolled back between index scan and read
			}
			e, err := decodeEntry(fields)
			if err != nil {
				return nil, err
			}
			if !filter.Match(e) {
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Session claims entries immediately and buffers updates until Commit, which
// applies them in one MULTI/EXEC.
type Session struct {
	store    *LoadLogStore
	mu       sync.Mutex
	inserted []claim
	ops      []func(ctx context.Context, pipe redis.Pipeliner, now time.Time)
	closed   bool
}

type claim struct {
	id  int64
	key string
}

// InsertPending claims (source, key) unless it already exists.
func (s *Session) InsertPending(ctx context.Context, entry *domain.LoadLogEntry) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, storage.ErrSessionClosed
	}

	c := s.store.c
	key := c.entryKey(entry.Source, entry.IdempotencyKey.String())
	meta, err := encodeMeta(entry.PayloadMeta)
	if err != nil {
		return 0, false, err
	}

	for range maxClaimRetries {
		var (
			id       int64
			inserted bool
		)
		err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}

			id, err = tx.Incr(ctx, c.seqKey()).Result()
			if err != nil {
				return err
			}
			now := s.store.now().UTC()
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, map[string]any{
					"id":              id,
					"source":          entry.Source,
					"idempotency_key": entry.IdempotencyKey.String(),
					"status":          string(domain.LoadStatusPending),
					"payload_meta":    meta,
					"processed_by":    entry.ProcessedBy,
					"correlation_id":  entry.CorrelationID,
					"duration_ms":     "",
					"error_message":   "",
					"created_at":      now.Format(time.RFC3339Nano),
					"updated_at":      now.Format(time.RFC3339Nano),
				})
				pipe.HSet(ctx, c.idsKey(), strconv.FormatInt(id, 10), key)
				pipe.ZAdd(ctx, c.indexKey(), redis.Z{Score: float64(id), Member: key})
				return nil
			})
			if err == nil {
				inserted = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("failed to insert pending load log: %w", err)
		}
		if inserted {
			s.inserted = append(s.inserted, claim{id: id, key: key})
		}
		return id, inserted, nil
	}
	return 0, false, ErrClaimContended
}

// MarkDuplicate refreshes descriptive fields of an existing row and sets it skipped.
func (s *Session) MarkDuplicate(ctx context.Context, update storage.DuplicateUpdate) error {
	meta, err := encodeMeta(update.PayloadMeta)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrSessionClosed
	}

	key := s.store.c.entryKey(update.Source, update.Key.String())
	n, err := s.store.c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("exists failed: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}

	s.ops = append(s.ops, func(ctx context.Context, pipe redis.Pipeliner, now time.Time) {
		pipe.HSet(ctx, key, map[string]any{
			"payload_meta":   meta,
			"processed_by":   update.ProcessedBy,
			"correlation_id": update.CorrelationID,
			"status":         string(domain.LoadStatusSkipped),
			"updated_at":     now.Format(time.RFC3339Nano),
		})
	})
	return nil
}

// MarkSuccess marks the row successful.
func (s *Session) MarkSuccess(ctx context.Context, id int64, durationMs int64) error {
	return s.update(ctx, id, map[string]any{
		"status":        string(domain.LoadStatusSuccess),
		"duration_ms":   durationMs,
		"error_message": "",
	})
}

// MarkFailed marks the row failed.
func (s *Session) MarkFailed(ctx context.Context, id int64, durationMs int64, message string) error {
	return s.update(ctx, id, map[string]any{
		"status":        string(domain.LoadStatusFailed),
		"duration_ms":   durationMs,
		"error_message": domain.TruncateErrorMessage(message),
	})
}

func (s *Session) update(ctx context.Context, id int64, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrSessionClosed
	}

	key, err := s.store.c.rdb.HGet(ctx, s.store.c.idsKey(), strconv.FormatInt(id, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("hget failed: %w", err)
	}

	s.ops = append(s.ops, func(ctx context.Context, pipe redis.Pipeliner, now time.Time) {
		fields["updated_at"] = now.Format(time.RFC3339Nano)
		pipe.HSet(ctx, key, fields)
	})
	return nil
}

// Commit applies buffered updates atomically.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrSessionClosed
	}

	ops := s.ops
	s.ops = nil
	s.inserted = nil
	if len(ops) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	now := s.store.now().UTC()
	_, err := s.store.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			op(ctx, pipe, now)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit load log: %w", err)
	}
	return nil
}

// Rollback drops buffered updates and releases uncommitted claims.
func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackLocked()
}

func (s *Session) rollbackLocked() error {
	s.ops = nil
	claims := s.inserted
	s.inserted = nil
	if len(claims) == 0 {
		return nil
	}

	c := s.store.c
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cl := range claims {
			pipe.Del(ctx, cl.key)
			pipe.HDel(ctx, c.idsKey(), strconv.FormatInt(cl.id, 10))
			pipe.ZRem(ctx, c.indexKey(), cl.key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to roll back load log: %w", err)
	}
	return nil
}

// Close rolls back anything uncommitted. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rollbackLocked()
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

func decodeEntry(f map[string]string) (*domain.LoadLogEntry, error) {
	id, err := strconv.ParseInt(f["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid load log id %q: %w", f["id"], err)
	}
	e := &domain.LoadLogEntry{
		ID:             id,
		Source:         f["source"],
		IdempotencyKey: domain.IdempotencyKey(f["idempotency_key"]),
		Status:         domain.LoadStatus(f["status"]),
		ProcessedBy:    f["processed_by"],
		CorrelationID:  f["correlation_id"],
		ErrorMessage:   f["error_message"],
	}
	if v := f["duration_ms"]; v != "" {
		d, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		e.DurationMs = &d
	}
	if v := f["payload_meta"]; v != "" {
		if err := json.Unmarshal([]byte(v), &e.PayloadMeta); err != nil {
			return nil, fmt.Errorf("failed to decode payload meta: %w", err)
		}
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, f["created_at"]); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, f["updated_at"]); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}
	return e, nil
}

var (
	_ storage.LoadLogStore   = (*LoadLogStore)(nil)
	_ storage.LoadLogSession = (*Session)(nil)
)
