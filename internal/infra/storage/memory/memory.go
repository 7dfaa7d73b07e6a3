package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/ingestkit/internal/core/domain"
	"github.com/vietddude/ingestkit/internal/infra/storage"
)

type pairKey struct {
	source string
	key    domain.IdempotencyKey
}

// MemoryStorage is an in-process load log. The (source, key) uniqueness is
// enforced under its mutex, so it behaves like the relational store for
// callers sharing one process.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[pairKey]*domain.LoadLogEntry
	byID    map[int64]*domain.LoadLogEntry
	nextID  int64
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[pairKey]*domain.LoadLogEntry),
		byID:    make(map[int64]*domain.LoadLogEntry),
		now:     time.Now,
	}
}

// Begin opens a session.
func (s *MemoryStorage) Begin(ctx context.Context) (storage.LoadLogSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Session{store: s}, nil
}

// Get returns a copy of the entry for (source, key).
func (s *MemoryStorage) Get(
	ctx context.Context,
	source string,
	key domain.IdempotencyKey,
) (*domain.LoadLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[pairKey{source, key}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(e), nil
}

// List returns entries matching filter, newest first.
func (s *MemoryStorage) List(
	ctx context.Context,
	filter storage.ListFilter,
) ([]*domain.LoadLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.LoadLogEntry
	for _, e := range s.entries {
		if filter.Match(e) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of rows for (source, key). It is always 0 or 1.
func (s *MemoryStorage) Count(source string, key domain.IdempotencyKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entries[pairKey{source, key}]; ok {
		return 1
	}
	return 0
}

// Session buffers updates until Commit. Inserts claim the pair immediately,
// the way a unique index does, and are undone if the session rolls back
// before committing them.
type Session struct {
	store    *MemoryStorage
	mu       sync.Mutex
	inserted []pairKey
	ops      []func(now time.Time)
	closed   bool
}

func (s *Session) InsertPending(
	ctx context.Context,
	entry *domain.LoadLogEntry,
) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, storage.ErrSessionClosed
	}

	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()

	pk := pairKey{entry.Source, entry.IdempotencyKey}
	if existing, ok := st.entries[pk]; ok {
		return existing.ID, false, nil
	}

	st.nextID++
	now := st.now()
	e := clone(entry)
	e.ID = st.nextID
	e.Status = domain.LoadStatusPending
	e.CreatedAt = now
	e.UpdatedAt = now
	st.entries[pk] = e
	st.byID[e.ID] = e
	s.inserted = append(s.inserted, pk)
	return e.ID, true, nil
}

func (s *Session) MarkDuplicate(ctx context.Context, u storage.DuplicateUpdate) error {
	pk := pairKey{u.Source, u.Key}
	meta := maps.Clone(u.PayloadMeta)
	return s.enqueue(func(st *MemoryStorage) error {
		if _, ok := st.entries[pk]; !ok {
			return storage.ErrNotFound
		}
		return nil
	}, func(st *MemoryStorage, now time.Time) {
		e, ok := st.entries[pk]
		if !ok {
			return
		}
		e.PayloadMeta = meta
		e.ProcessedBy = u.ProcessedBy
		e.CorrelationID = u.CorrelationID
		e.Status = domain.LoadStatusSkipped
		e.UpdatedAt = now
	})
}

func (s *Session) MarkSuccess(ctx context.Context, id int64, durationMs int64) error {
	return s.enqueue(existsByID(id), func(st *MemoryStorage, now time.Time) {
		if e, ok := st.byID[id]; ok {
			e.Status = domain.LoadStatusSuccess
			e.DurationMs = &durationMs
			e.ErrorMessage = ""
			e.UpdatedAt = now
		}
	})
}

func (s *Session) MarkFailed(ctx context.Context, id int64, durationMs int64, message string) error {
	message = domain.TruncateErrorMessage(message)
	return s.enqueue(existsByID(id), func(st *MemoryStorage, now time.Time) {
		if e, ok := st.byID[id]; ok {
			e.Status = domain.LoadStatusFailed
			e.DurationMs = &durationMs
			e.ErrorMessage = message
			e.UpdatedAt = now
		}
	})
}

func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrSessionClosed
	}

	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	for _, op := range s.ops {
		op(now)
	}
	s.ops = nil
	s.inserted = nil
	return nil
}

func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackLocked()
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.rollbackLocked()
	s.closed = true
	return nil
}

func (s *Session) rollbackLocked() {
	s.ops = nil
	if len(s.inserted) == 0 {
		return
	}

	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, pk := range s.inserted {
		if e, ok := st.entries[pk]; ok {
			delete(st.byID, e.ID)
			delete(st.entries, pk)
		}
	}
	s.inserted = nil
}

func (s *Session) enqueue(check func(*MemoryStorage) error, apply func(*MemoryStorage, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrSessionClosed
	}

	st := s.store
	st.mu.RLock()
	err := check(st)
	st.mu.RUnlock()
	if err != nil {
		return err
	}

	s.ops = append(s.ops, func(now time.Time) { apply(st, now) })
	return nil
}

func existsByID(id int64) func(*MemoryStorage) error {
	return func(st *MemoryStorage) error {
		if _, ok := st.byID[id]; !ok {
			return storage.ErrNotFound
		}
		return nil
	}
}

func clone(e *domain.LoadLogEntry) *domain.LoadLogEntry {
	c := *e
	c.PayloadMeta = maps.Clone(e.PayloadMeta)
	if e.DurationMs != nil {
		d := *e.DurationMs
		c.DurationMs = &d
	}
	return &c
}
