// Package etl wires the process-once guard and the resilient HTTP client into
// the shape every ingestion job shares: derive a key, describe the payload,
// run the unit of work at most once.
package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/vietddude/ingestkit/internal/core/domain"
	"github.com/vietddude/ingestkit/internal/core/guard"
	"github.com/vietddude/ingestkit/internal/core/idempotency"
	"github.com/vietddude/ingestkit/internal/infra/httpclient"
)

// ErrInvalidJob is returned when a FetchJob fails validation.
var ErrInvalidJob = errors.New("invalid fetch job")

// Payload is what a Handler receives: either a file on disk or an in-memory body.
type Payload struct {
	Path       string
	Body       []byte
	Header     http.Header
	StatusCode int
}

// Handler consumes a fetched payload inside the guarded unit of work.
// Parsing and loading live here; returning an error marks the run failed.
type Handler func(ctx context.Context, h *guard.Handle, p Payload) error

// FetchJob describes one remote payload to ingest.
type FetchJob struct {
	Source      string `validate:"required"`
	Integration string `validate:"required"`
	URL         string `validate:"required,url"`
	Params      url.Values
	Header      http.Header

	// Dest streams the body to this path when set; otherwise the body is
	// held in memory.
	Dest string

	// NoProbe skips the HEAD request and keys the job on the body content.
	NoProbe bool

	OnDuplicate guard.DuplicatePolicy
	Extra       map[string]any
	Handler     Handler
}

// Runner runs ETL jobs under the process-once guard.
type Runner struct {
	guard    *guard.Guard
	clients  *httpclient.Registry
	validate *validator.Validate
	log      *slog.Logger
}

// NewRunner creates a new Runner.
func NewRunner(g *guard.Guard, clients *httpclient.Registry, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		guard:    g,
		clients:  clients,
		validate: validator.New(),
		log:      log,
	}
}

// RunFetch derives the job's key, preferring remote metadata from a HEAD probe
// and falling back to the body's digest, then fetches and handles the payload
// at most once.
func (r *Runner) RunFetch(ctx context.Context, job FetchJob) (guard.Result, error) {
	if err := r.validate.Struct(job); err != nil {
		return guard.Result{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	client := r.clients.Client(job.Integration)
	log := r.log.With("source", job.Source, "integration", job.Integration)

	var remote map[string]any
	if !job.NoProbe {
		remote = r.probe(ctx, client, job, log)
	}

	var (
		key      domain.IdempotencyKey
		prefetch *httpclient.Response
		err      error
	)
	if hasValidator(remote) {
		key, err = idempotency.Compute(idempotency.Input{Remote: remote})
		if err != nil {
			return guard.Result{}, err
		}
	} else {
		// Without a trustworthy validator the body itself is the identity.
		prefetch, err = client.Do(ctx, r.request(http.MethodGet, job))
		if err != nil {
			return guard.Result{}, fmt.Errorf("fetch %s: %w", job.Source, err)
		}
		key = idempotency.ContentKey(prefetch.Body)
		remote = idempotency.FromHeaders(prefetch.Header)
	}

	meta, err := idempotency.BuildPayloadMeta(idempotency.MetaInput{
		Remote:    remote,
		SourceURL: job.URL,
		Extra:     job.Extra,
	})
	if err != nil {
		return guard.Result{}, err
	}

	return r.guard.ProcessOnce(ctx, guard.Options{
		Source:      job.Source,
		Key:         key,
		PayloadMeta: meta,
		OnDuplicate: job.OnDuplicate,
	}, func(ctx context.Context, h *guard.Handle) error {
		p, err := r.fetch(ctx, client, job, prefetch)
		if err != nil {
			return err
		}
		if job.Handler == nil {
			return nil
		}
		return job.Handler(ctx, h, p)
	})
}

// RunBytes runs fn at most once per distinct payload.
func (r *Runner) RunBytes(
	ctx context.Context,
	source string,
	payload []byte,
	onDuplicate guard.DuplicatePolicy,
	fn guard.WorkFunc,
) (guard.Result, error) {
	key, err := idempotency.Compute(idempotency.Input{Content: payload})
	if err != nil {
		return guard.Result{}, err
	}
	return r.guard.ProcessOnce(ctx, guard.Options{
		Source:      source,
		Key:         key,
		PayloadMeta: map[string]any{"size": len(payload)},
		OnDuplicate: onDuplicate,
	}, fn)
}

// RunFile runs handler at most once per file identity (name, size, mtime).
func (r *Runner) RunFile(ctx context.Context, source, path string, extra map[string]any, handler Handler) (guard.Result, error) {
	key, err := idempotency.Compute(idempotency.Input{Path: path})
	if err != nil {
		return guard.Result{}, err
	}
	meta, err := idempotency.BuildPayloadMeta(idempotency.MetaInput{Path: path, Extra: extra})
	if err != nil {
		return guard.Result{}, err
	}
	return r.guard.ProcessOnce(ctx, guard.Options{
		Source:      source,
		Key:         key,
		PayloadMeta: meta,
	}, func(ctx context.Context, h *guard.Handle) error {
		if handler == nil {
			return nil
		}
		return handler(ctx, h, Payload{Path: path})
	})
}

func (r *Runner) probe(ctx context.Context, client *httpclient.Client, job FetchJob, log *slog.Logger) map[string]any {
	resp, err := client.Do(ctx, r.request(http.MethodHead, job))
	if err != nil {
		log.Warn("HEAD probe failed, keying on content", "error", err)
		return nil
	}
	return idempotency.FromHeaders(resp.Header)
}

func (r *Runner) fetch(ctx context.Context, client *httpclient.Client, job FetchJob, prefetch *httpclient.Response) (Payload, error) {
	if prefetch != nil {
		p := Payload{Body: prefetch.Body, Header: prefetch.Header, StatusCode: prefetch.StatusCode}
		if job.Dest == "" {
			return p, nil
		}
		if err := os.MkdirAll(filepath.Dir(job.Dest), 0o755); err != nil {
			return Payload{}, fmt.Errorf("create destination dir: %w", err)
		}
		if err := os.WriteFile(job.Dest, prefetch.Body, 0o644); err != nil {
			return Payload{}, fmt.Errorf("write %s: %w", job.Dest, err)
		}
		p.Path = job.Dest
		return p, nil
	}
	if job.Dest != "" {
		res, err := client.Download(ctx, r.request(http.MethodGet, job), job.Dest, nil)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Path: res.Path, Header: res.Header, StatusCode: res.StatusCode}, nil
	}
	resp, err := client.Do(ctx, r.request(http.MethodGet, job))
	if err != nil {
		return Payload{}, err
	}
	return Payload{Body: resp.Body, Header: resp.Header, StatusCode: resp.StatusCode}, nil
}

func (r *Runner) request(method string, job FetchJob) httpclient.Request {
	return httpclient.Request{
		Method: method,
		URL:    job.URL,
		Params: job.Params,
		Header: job.Header,
	}
}

// hasValidator reports whether remote carries more than a bare length.
// Content-Length alone cannot tell two same-sized payloads apart.
func hasValidator(remote map[string]any) bool {
	fields := idempotency.StableRemote(remote)
	for _, name := range []string{"etag", "last_modified", "content_md5"} {
		if _, ok := fields[name]; ok {
			return true
		}
	}
	return false
}
