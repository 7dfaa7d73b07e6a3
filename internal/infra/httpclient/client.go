// Package httpclient implements the resilient outbound HTTP client shared by
// all integrations.
//
// One logical request runs through a small state machine:
//
//	INIT -> ATTEMPTING -> SUCCESS
//	                   -> RETRY_SCHEDULED -> ATTEMPTING
//	                   -> EXHAUSTED
//
// Delays and stop conditions come from the pure retry package. Intermediate
// failures are logged and counted; the caller sees at most one *Error.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vietddude/ingestkit/internal/core/correlation"
	"github.com/vietddude/ingestkit/internal/core/redact"
	"github.com/vietddude/ingestkit/internal/infra/httpclient/retry"
	"github.com/vietddude/ingestkit/internal/metrics"
)

// drainLimit bounds how much of an unwanted response body is read so the
// connection can be reused.
const drainLimit = 64 * 1024

var requestIDHeaders = []string{"X-Request-Id", "X-Amzn-RequestId", "X-Amz-Request-Id", "Request-Id"}

// Request describes one logical outbound call.
type Request struct {
	Method          string
	URL             string
	Params          url.Values
	Header          http.Header
	Body            []byte
	Timeout         time.Duration // overrides Config.TotalTimeout
	MaxAttempts     int           // overrides Config.MaxAttempts
	AllowedStatuses []int         // treated as success even outside 2xx
	CorrelationID   string

	// Override is merged over the client's Config for this call only. Retry,
	// backoff, retryable statuses, chunk size, pool wait and user agent apply;
	// transport settings (timeouts, pool sizes) stay as the client was built.
	Override *Config
}

// Response is a fully buffered successful response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
	Attempts   int
	Duration   time.Duration
}

// Client executes requests for one integration over a shared connection pool.
type Client struct {
	integration string
	cfg         Config
	httpClient  *http.Client
	slots       *semaphore.Weighted
	log         *slog.Logger
	now         func() time.Time
	rand        func() float64
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the logger used for request events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithClock sets the clock used for elapsed time and Retry-After dates.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRand sets the random source of backoff jitter.
func WithRand(rnd func() float64) Option {
	return func(c *Client) { c.rand = rnd }
}

// WithTransport replaces the pooled transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.httpClient.Transport = rt }
}

// New creates a client for integration. Zero fields of cfg fall back to DefaultConfig.
func New(integration string, cfg Config, opts ...Option) *Client {
	cfg = DefaultConfig().Merge(cfg)

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	c := &Client{
		integration: integration,
		cfg:         cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ReadTimeout,
				MaxConnsPerHost:       cfg.MaxConnections,
				MaxIdleConns:          cfg.KeepaliveConnections,
				MaxIdleConnsPerHost:   cfg.KeepaliveConnections,
				IdleConnTimeout:       90 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		slots: semaphore.NewWeighted(int64(cfg.MaxConnections)),
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Integration returns the integration name the client was created for.
func (c *Client) Integration() string {
	return c.integration
}

// Config returns the resolved configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Close releases idle pooled connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Do runs req to success or exhaustion, blocking the calling goroutine for
// the whole call including backoff sleeps.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, p, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	var out *Response
	sum, err := c.execute(ctx, p, func(r *http.Response, outcome retry.Outcome) (retry.Outcome, error) {
		if outcome.Kind != retry.KindSuccess {
			drain(r.Body)
			return outcome, nil
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return classifyTransportError(err), fmt.Errorf("read body: %w", err)
		}
		out = &Response{
			StatusCode: r.StatusCode,
			Header:     r.Header,
			Body:       body,
			RequestID:  requestID(r.Header),
		}
		return outcome, nil
	})
	if err != nil {
		return nil, err
	}
	out.Attempts = sum.attempts
	out.Duration = sum.duration
	return out, nil
}

// plan is a validated request, replayable for every attempt.
type plan struct {
	method        string
	url           string
	safeURL       string
	correlationID string
	header        http.Header
	body          []byte
	allowed       retry.StatusSet
	retryable     retry.StatusSet
	policy        retry.Policy
	acquireWait   time.Duration
	chunkSize     int
	log           *slog.Logger
}

type summary struct {
	attempts int
	duration time.Duration
}

type attemptResult struct {
	outcome retry.Outcome
	header  http.Header
	err     error
}

// responseHandler consumes the body of one response. It may downgrade the
// outcome, e.g. when reading the body fails.
type responseHandler func(resp *http.Response, outcome retry.Outcome) (retry.Outcome, error)

func (c *Client) prepare(ctx context.Context, req Request) (context.Context, *plan, error) {
	ctx, corrID := correlation.Ensure(ctx, req.CorrelationID)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	safeURL := redact.URL(req.URL)
	invalid := func(err error) error {
		metrics.HTTPRequestsTotal.WithLabelValues(c.integration, method, outcomeLabel(ErrInvalidRequest)).Inc()
		return &Error{
			Kind:          ErrInvalidRequest,
			Integration:   c.integration,
			Method:        method,
			URL:           safeURL,
			CorrelationID: corrID,
			Err:           err,
		}
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return ctx, nil, invalid(redact.URLError(err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ctx, nil, invalid(fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return ctx, nil, invalid(errors.New("missing host"))
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	if _, err := http.NewRequest(method, u.String(), nil); err != nil {
		return ctx, nil, invalid(redact.URLError(err))
	}

	cfg := c.cfg
	if req.Override != nil {
		cfg = cfg.Merge(*req.Override)
	}

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(correlation.Header, corrID)
	if header.Get("User-Agent") == "" && cfg.UserAgent != "" {
		header.Set("User-Agent", cfg.UserAgent)
	}

	policy := cfg.policy()
	policy.Rand = c.rand
	if req.Timeout > 0 {
		policy.TotalTimeout = req.Timeout
	}
	if req.MaxAttempts > 0 {
		policy.MaxAttempts = req.MaxAttempts
	}

	return ctx, &plan{
		method:        method,
		url:           u.String(),
		safeURL:       safeURL,
		correlationID: corrID,
		header:        header,
		body:          req.Body,
		allowed:       retry.NewStatusSet(req.AllowedStatuses...),
		retryable:     retry.NewStatusSet(cfg.RetryableStatuses...),
		policy:        policy,
		acquireWait:   cfg.PoolAcquireTimeout,
		chunkSize:     cfg.ChunkSize,
		log: c.log.With(
			"integration", c.integration,
			"method", method,
			"url", safeURL,
			"correlation_id", corrID,
		),
	}, nil
}

func (c *Client) execute(ctx context.Context, p *plan, handle responseHandler) (summary, error) {
	start := c.now()
	p.log.Debug("http request start", "max_attempts", p.policy.MaxAttempts, "total_timeout", p.policy.TotalTimeout)

	for attempt := 1; ; attempt++ {
		last := c.attempt(ctx, p, start, handle)
		sum := summary{attempts: attempt, duration: c.now().Sub(start)}

		if last.outcome.Kind != retry.KindSuccess && ctx.Err() != nil {
			return sum, c.finish(p, sum, last, ErrCanceled, ctx.Err())
		}

		a := retry.Attempt{Number: attempt, Elapsed: sum.duration, Outcome: last.outcome}
		if last.outcome.Kind == retry.KindRetryableStatus && last.header != nil {
			a.RetryAfter, a.HasRetryAfter = retry.ParseRetryAfter(last.header.Get("Retry-After"), c.now())
		}

		decision := retry.NextDelay(a, p.policy)
		if decision.Stop {
			switch decision.Reason {
			case retry.StopSucceeded:
				return sum, c.finish(p, sum, last, nil, nil)
			case retry.StopNotRetrying:
				return sum, c.finish(p, sum, last, ErrNonRetryableStatus, last.err)
			default:
				return sum, c.finish(p, sum, last, ErrRetryExhausted, fmt.Errorf("%s: %w", decision.Reason, last.err))
			}
		}

		p.log.Warn("http request retry",
			"attempt", attempt,
			"sleep", decision.Delay,
			"cause", last.outcome.String(),
			"retry_after", a.HasRetryAfter,
			"error", last.err,
		)
		metrics.HTTPRetriesTotal.WithLabelValues(c.integration, last.outcome.Kind.String()).Inc()

		if err := sleepContext(ctx, decision.Delay); err != nil {
			sum.duration = c.now().Sub(start)
			return sum, c.finish(p, sum, last, ErrCanceled, err)
		}
	}
}

func (c *Client) attempt(ctx context.Context, p *plan, start time.Time, handle responseHandler) attemptResult {
	actx, cancel := c.attemptContext(ctx, p, start)
	defer cancel()

	if err := c.acquire(actx, p.acquireWait); err != nil {
		return attemptResult{
			outcome: retry.Outcome{Kind: retry.KindTimeout},
			err:     fmt.Errorf("acquire connection slot: %w", err),
		}
	}
	defer c.release()

	req, err := http.NewRequestWithContext(actx, p.method, p.url, bytes.NewReader(p.body))
	if err != nil {
		return attemptResult{outcome: retry.Outcome{Kind: retry.KindTransport}, err: redact.URLError(err)}
	}
	req.Header = p.header.Clone()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The transport error repeats the full URL, query included.
		return attemptResult{outcome: classifyTransportError(err), err: redact.URLError(err)}
	}
	defer resp.Body.Close()

	outcome := retry.Classify(resp.StatusCode, p.allowed, p.retryable)
	outcome, err = handle(resp, outcome)
	if err == nil && outcome.Kind != retry.KindSuccess {
		err = &StatusError{Code: resp.StatusCode}
	}
	if outcome.StatusCode == 0 {
		outcome.StatusCode = resp.StatusCode
	}
	return attemptResult{outcome: outcome, header: resp.Header, err: err}
}

// attemptContext bounds one attempt by what is left of the call's time budget.
func (c *Client) attemptContext(ctx context.Context, p *plan, start time.Time) (context.Context, context.CancelFunc) {
	if p.policy.TotalTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	remaining := p.policy.TotalTimeout - c.now().Sub(start)
	return context.WithTimeout(ctx, remaining)
}

func (c *Client) acquire(ctx context.Context, wait time.Duration) error {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	metrics.HTTPPoolInUse.WithLabelValues(c.integration).Inc()
	return nil
}

func (c *Client) release() {
	c.slots.Release(1)
	metrics.HTTPPoolInUse.WithLabelValues(c.integration).Dec()
}

func (c *Client) finish(p *plan, sum summary, last attemptResult, kind error, cause error) error {
	metrics.HTTPRequestDuration.WithLabelValues(c.integration, p.method).Observe(sum.duration.Seconds())
	metrics.HTTPRequestsTotal.WithLabelValues(c.integration, p.method, outcomeLabel(kind)).Inc()

	if kind == nil {
		p.log.Info("http request succeeded",
			"status", last.outcome.StatusCode,
			"attempts", sum.attempts,
			"duration", sum.duration,
		)
		return nil
	}

	e := &Error{
		Kind:          kind,
		Integration:   c.integration,
		Method:        p.method,
		URL:           p.safeURL,
		CorrelationID: p.correlationID,
		StatusCode:    last.outcome.StatusCode,
		RequestID:     requestID(last.header),
		Attempts:      sum.attempts,
		LastOutcome:   last.outcome,
		Err:           cause,
	}
	if kind == ErrRetryExhausted {
		e.LastOutcome = retry.Outcome{Kind: retry.KindExhausted, StatusCode: last.outcome.StatusCode}
	}
	p.log.Error("http request failed",
		"status", e.StatusCode,
		"attempts", sum.attempts,
		"duration", sum.duration,
		"error", e,
	)
	return e
}

func outcomeLabel(kind error) string {
	switch kind {
	case nil:
		return "success"
	case ErrRetryExhausted:
		return "retry_exhausted"
	case ErrNonRetryableStatus:
		return "non_retryable_status"
	case ErrCanceled:
		return "canceled"
	case ErrInvalidRequest:
		return "invalid_request"
	default:
		return "error"
	}
}

func classifyTransportError(err error) retry.Outcome {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return retry.Outcome{Kind: retry.KindTimeout}
	}
	return retry.Outcome{Kind: retry.KindTransport}
}

func requestID(h http.Header) string {
	for _, name := range requestIDHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func drain(body io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
