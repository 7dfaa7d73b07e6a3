// Package guard runs a unit of work at most once per (source, idempotency key),
// recording every attempt in the load log.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/vietddude/ingestkit/internal/core/correlation"
	"github.com/vietddude/ingestkit/internal/core/domain"
	"github.com/vietddude/ingestkit/internal/infra/storage"
	"github.com/vietddude/ingestkit/internal/metrics"
)

// DuplicatePolicy decides what a caller that lost the claim does to the existing row.
type DuplicatePolicy int

const (
	// DuplicateSkip leaves the existing row untouched.
	DuplicateSkip DuplicatePolicy = iota
	// DuplicateUpdateMeta refreshes payload meta, owner and correlation id and marks the row skipped.
	DuplicateUpdateMeta
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateSkip:
		return "skip"
	case DuplicateUpdateMeta:
		return "update_meta"
	default:
		return "unknown(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParseDuplicatePolicy parses "skip" or "update_meta".
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "skip":
		return DuplicateSkip, nil
	case "update_meta", "updateMeta":
		return DuplicateUpdateMeta, nil
	}
	return DuplicateSkip, fmt.Errorf("unknown duplicate policy %q", s)
}

// Options describes one guarded run.
type Options struct {
	Source        string
	Key           domain.IdempotencyKey
	PayloadMeta   map[string]any
	OnDuplicate   DuplicatePolicy
	CorrelationID string // generated when empty
	Owner         string // defaults to the guard's owner
}

// Handle is passed to the work function of the winning caller.
type Handle struct {
	EntryID       int64
	Source        string
	Key           domain.IdempotencyKey
	CorrelationID string

	// Session is the load log session of this run. Writes made through it
	// commit together with the terminal status.
	Session storage.LoadLogSession
}

// WorkFunc is the guarded unit of work.
type WorkFunc func(ctx context.Context, h *Handle) error

// Result describes the outcome of ProcessOnce.
type Result struct {
	EntryID   int64
	Status    domain.LoadStatus
	Duplicate bool
	Duration  time.Duration
}

// NoOp reports whether the work was not run because the key was already claimed.
func (r Result) NoOp() bool { return r.Duplicate }

// Guard enforces process-once semantics over a LoadLogStore.
type Guard struct {
	store storage.LoadLogStore
	log   *slog.Logger
	now   func() time.Time
	owner string
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the guard's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// WithClock sets the clock used to measure work duration.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithOwner sets the default processed_by value.
func WithOwner(owner string) Option {
	return func(g *Guard) { g.owner = owner }
}

// New creates a new Guard.
func New(store storage.LoadLogStore, opts ...Option) *Guard {
	g := &Guard{
		store: store,
		log:   slog.Default(),
		now:   time.Now,
		owner: DefaultOwner(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DefaultOwner returns host:pid.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

// ProcessOnce runs work unless (opts.Source, opts.Key) is already in the load log.
//
// The pending row is committed before work starts, so concurrent callers see
// the claim and return a no-op Result. The terminal status is written even if
// ctx is cancelled. An error returned by work is returned unchanged; a panic
// is recorded as failed and re-raised.
func (g *Guard) ProcessOnce(ctx context.Context, opts Options, work WorkFunc) (Result, error) {
	if err := validate(opts, work); err != nil {
		return Result{}, err
	}

	ctx, cid := correlation.Ensure(ctx, opts.CorrelationID)
	owner := opts.Owner
	if owner == "" {
		owner = g.owner
	}
	log := g.log.With(
		slog.String("source", opts.Source),
		slog.String("key", opts.Key.String()),
		slog.String("correlation_id", cid),
	)

	sess, err := g.store.Begin(ctx)
	if err != nil {
		return Result{}, g.fail("begin", opts, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("failed to close load log session", "error", err)
		}
	}()

	id, inserted, err := sess.InsertPending(ctx, &domain.LoadLogEntry{
		Source:         opts.Source,
		IdempotencyKey: opts.Key,
		Status:         domain.LoadStatusPending,
		PayloadMeta:    opts.PayloadMeta,
		ProcessedBy:    owner,
		CorrelationID:  cid,
	})
	if err != nil {
		_ = sess.Rollback()
		return Result{}, g.fail("insert", opts, err)
	}

	if !inserted {
		return g.duplicate(ctx, log, sess, opts, owner, cid, id)
	}

	if err := sess.Commit(); err != nil {
		return Result{}, g.fail("commit", opts, err)
	}
	log = log.With(slog.Int64("entry_id", id))
	log.Debug("claimed load log entry")

	h := &Handle{
		EntryID:       id,
		Source:        opts.Source,
		Key:           opts.Key,
		CorrelationID: cid,
		Session:       sess,
	}

	start := g.now()
	rec, panicked, workErr := runWork(ctx, work, h)
	elapsed := g.now().Sub(start)
	durationMs := elapsed.Milliseconds()
	metrics.GuardDuration.WithLabelValues(opts.Source).Observe(elapsed.Seconds())

	// Terminal bookkeeping must land even when the caller's context is done.
	bctx := context.WithoutCancel(ctx)
	res := Result{EntryID: id, Duration: elapsed}

	if !panicked && workErr == nil {
		res.Status = domain.LoadStatusSuccess
		if err := sess.MarkSuccess(bctx, id, durationMs); err != nil {
			_ = sess.Rollback()
			res.Status = domain.LoadStatusPending
			return res, g.fail("mark success", opts, err)
		}
		if err := sess.Commit(); err != nil {
			res.Status = domain.LoadStatusPending
			return res, g.fail("commit", opts, err)
		}
		metrics.GuardRunsTotal.WithLabelValues(opts.Source, string(domain.LoadStatusSuccess)).Inc()
		log.Info("processed", "duration_ms", durationMs)
		return res, nil
	}

	// Discard whatever the work left uncommitted in the session.
	if err := sess.Rollback(); err != nil {
		log.Warn("failed to roll back work", "error", err)
	}

	msg := failureMessage(workErr, rec, panicked)
	res.Status = domain.LoadStatusFailed
	if err := sess.MarkFailed(bctx, id, durationMs, msg); err != nil {
		log.Error("failed to record failure", "error", err, "cause", msg)
	} else if err := sess.Commit(); err != nil {
		log.Error("failed to commit failure", "error", err, "cause", msg)
	}
	metrics.GuardRunsTotal.WithLabelValues(opts.Source, string(domain.LoadStatusFailed)).Inc()
	log.Error("processing failed", "duration_ms", durationMs, "error", msg)

	if panicked {
		panic(rec)
	}
	return res, workErr
}

func (g *Guard) duplicate(
	ctx context.Context,
	log *slog.Logger,
	sess storage.LoadLogSession,
	opts Options,
	owner, cid string,
	id int64,
) (Result, error) {
	res := Result{EntryID: id, Status: domain.LoadStatusSkipped, Duplicate: true}

	switch opts.OnDuplicate {
	case DuplicateUpdateMeta:
		err := sess.MarkDuplicate(ctx, storage.DuplicateUpdate{
			Source:        opts.Source,
			Key:           opts.Key,
			PayloadMeta:   opts.PayloadMeta,
			ProcessedBy:   owner,
			CorrelationID: cid,
		})
		if err != nil {
			_ = sess.Rollback()
			return Result{}, g.fail("update meta", opts, err)
		}
		if err := sess.Commit(); err != nil {
			return Result{}, g.fail("commit", opts, err)
		}
	default:
		if err := sess.Rollback(); err != nil {
			log.Warn("failed to roll back duplicate", "error", err)
		}
	}

	metrics.GuardRunsTotal.WithLabelValues(opts.Source, string(domain.LoadStatusSkipped)).Inc()
	log.Info("already processed, skipping", "on_duplicate", opts.OnDuplicate.String())
	return res, nil
}

func (g *Guard) fail(op string, opts Options, err error) error {
	metrics.GuardRunsTotal.WithLabelValues(opts.Source, "error").Inc()
	return &GuardError{Op: op, Source: opts.Source, Key: opts.Key, Err: err}
}

func validate(opts Options, work WorkFunc) error {
	switch {
	case opts.Source == "":
		return fmt.Errorf("%w: source is required", ErrInvalidOptions)
	case opts.Key == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidOptions)
	case work == nil:
		return fmt.Errorf("%w: work is required", ErrInvalidOptions)
	case opts.OnDuplicate != DuplicateSkip && opts.OnDuplicate != DuplicateUpdateMeta:
		return fmt.Errorf("%w: on duplicate %s", ErrInvalidOptions, opts.OnDuplicate)
	}
	return nil
}

func runWork(ctx context.Context, work WorkFunc, h *Handle) (rec any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, panicked = r, true
		}
	}()
	err = work(ctx, h)
	return nil, false, err
}

func failureMessage(err error, rec any, panicked bool) string {
	if panicked {
		if e, ok := rec.(error); ok {
			return "panic: " + e.Error()
		}
		return fmt.Sprintf("panic: %v", rec)
	}
	if err == nil {
		return "unknown error"
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}

// IsGuardError reports whether err came from the guard rather than the work.
func IsGuardError(err error) bool {
	var ge *GuardError
	return errors.As(err, &ge)
}
