package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/ingestkit/internal/core/domain"
	"github.com/vietddude/ingestkit/internal/infra/storage"
	"github.com/vietddude/ingestkit/internal/metrics"
)

// DefaultStaleAfter is how long a row may stay pending before it is reported.
const DefaultStaleAfter = time.Hour

// StaleMonitor reports load log rows left pending by a winner that never
// finished, e.g. after a crash. It never modifies rows: a pending key stays
// claimed until an operator resolves it.
type StaleMonitor struct {
	store      storage.LoadLogStore
	staleAfter time.Duration
	now        func() time.Time
	log        *slog.Logger

	// reported remembers which sources had stale rows on the last check so
	// their gauges can be reset once cleared.
	reported map[string]bool
}

// NewStaleMonitor creates a new StaleMonitor.
func NewStaleMonitor(store storage.LoadLogStore, staleAfter time.Duration, log *slog.Logger) *StaleMonitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if log == nil {
		log = slog.Default()
	}
	return &StaleMonitor{
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log,
		reported:   make(map[string]bool),
	}
}

// Start runs the monitor loop until ctx is done.
func (m *StaleMonitor) Start(ctx context.Context) {
	// Check at 10% of the threshold, between 1 minute and 1 hour
	interval := min(m.staleAfter/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial check
	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check lists stale pending rows, updates the gauge per source and returns them.
func (m *StaleMonitor) Check(ctx context.Context) []*domain.LoadLogEntry {
	entries, err := m.store.List(ctx, storage.ListFilter{
		Status: domain.LoadStatusPending,
		Before: m.now().Add(-m.staleAfter),
	})
	if err != nil {
		m.log.Error("[StaleMonitor] failed to list pending rows", "error", err)
		return nil
	}

	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.Source]++
		m.log.Warn("[StaleMonitor] load log row stuck in pending",
			"id", e.ID,
			"source", e.Source,
			"key", e.IdempotencyKey,
			"processed_by", e.ProcessedBy,
			"age", m.now().Sub(e.CreatedAt).Round(time.Second),
		)
	}

	for source := range m.reported {
		if counts[source] == 0 {
			metrics.GuardStalePending.WithLabelValues(source).Set(0)
			delete(m.reported, source)
		}
	}
	for source, n := range counts {
		metrics.GuardStalePending.WithLabelValues(source).Set(float64(n))
		m.reported[source] = true
	}
	return entries
}
