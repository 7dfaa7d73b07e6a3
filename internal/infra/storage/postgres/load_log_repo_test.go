package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/ingestkit/internal/core/domain"
	"github.com/vietddude/ingestkit/internal/infra/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping postgres test. Set TEST_DATABASE_URL to run.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := NewDB(ctx, Config{URL: url, MaxConns: 20})
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := Migrate(ctx, db.DB.DB); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func testSource() string {
	return "test_" + uuid.NewString()
}

func TestSession_InsertPendingClaimsOnce(t *testing.T) {
	db := openTestDB(t)
	repo := NewLoadLogRepo(db)
	ctx := context.Background()
	source := testSource()

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := repo.Begin(ctx)
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			defer sess.Close()

			_, ok, err := sess.InsertPending(ctx, &domain.LoadLogEntry{
				Source:         source,
				IdempotencyKey: "sha256:abc",
				PayloadMeta:    map[string]any{"filename": "a.csv"},
			})
			if err != nil {
				t.Errorf("InsertPending: %v", err)
				return
			}
			if err := sess.Commit(); err != nil {
				t.Errorf("Commit: %v", err)
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Fatalf("expected exactly one insert, got %d", inserted)
	}

	entries, err := repo.List(ctx, storage.ListFilter{Source: source})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 row, got %d", len(entries))
	}
	if entries[0].Status != domain.LoadStatusPending {
		t.Errorf("expected pending, got %s", entries[0].Status)
	}
	if entries[0].PayloadMeta["filename"] != "a.csv" {
		t.Errorf("payload meta not round-tripped: %v", entries[0].PayloadMeta)
	}
}

func TestSession_MarkFailedTruncates(t *testing.T) {
	db := openTestDB(t)
	repo := NewLoadLogRepo(db)
	ctx := context.Background()
	source := testSource()

	sess, err := repo.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer sess.Close()

	id, ok, err := sess.InsertPending(ctx, &domain.LoadLogEntry{Source: source, IdempotencyKey: "k"})
	if err != nil || !ok {
		t.Fatalf("InsertPending: id=%d ok=%v err=%v", id, ok, err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := sess.MarkFailed(ctx, id, 42, strings.Repeat("é", 2000)); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := repo.Get(ctx, source, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.LoadStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if n := len([]rune(got.ErrorMessage)); n != domain.MaxErrorMessageLen {
		t.Errorf("expected %d runes, got %d", domain.MaxErrorMessageLen, n)
	}
	if got.DurationMs == nil || *got.DurationMs != 42 {
		t.Errorf("unexpected duration: %v", got.DurationMs)
	}
}

func TestSession_RollbackReleasesClaim(t *testing.T) {
	db := openTestDB(t)
	repo := NewLoadLogRepo(db)
	ctx := context.Background()
	source := testSource()

	sess, err := repo.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, _, err := sess.InsertPending(ctx, &domain.LoadLogEntry{Source: source, IdempotencyKey: "k"}); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := repo.Get(ctx, source, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := sess.InsertPending(ctx, &domain.LoadLogEntry{Source: source, IdempotencyKey: "k"}); !errors.Is(err, storage.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSession_MarkDuplicateSetsSkipped(t *testing.T) {
	db := openTestDB(t)
	repo := NewLoadLogRepo(db)
	ctx := context.Background()
	source := testSource()

	sess, err := repo.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer sess.Close()

	if _, _, err := sess.InsertPending(ctx, &domain.LoadLogEntry{Source: source, IdempotencyKey: "k"}); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if err := sess.MarkDuplicate(ctx, storage.DuplicateUpdate{
		Source:      source,
		Key:         "k",
		PayloadMeta: map[string]any{"size": 10},
		ProcessedBy: "worker-2",
	}); err != nil {
		t.Fatalf("MarkDuplicate: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := repo.Get(ctx, source, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.LoadStatusSkipped || got.ProcessedBy != "worker-2" {
		t.Errorf("unexpected row: %+v", got)
	}

	err = sess.MarkDuplicate(ctx, storage.DuplicateUpdate{Source: source, Key: "missing"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
