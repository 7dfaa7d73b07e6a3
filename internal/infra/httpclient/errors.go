package httpclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vietddude/ingestkit/internal/infra/httpclient/retry"
)

var (
	// ErrRetryExhausted is the kind of a call that ran out of attempts or time.
	ErrRetryExhausted = errors.New("retries exhausted")
	// ErrNonRetryableStatus is the kind of a call answered with a status that is not retried.
	ErrNonRetryableStatus = errors.New("non-retryable status")
	// ErrCanceled is the kind of a call whose context was cancelled.
	ErrCanceled = errors.New("request canceled")
	// ErrInvalidRequest is the kind of a call that could not be built.
	ErrInvalidRequest = errors.New("invalid request")
)

// Error is the single terminal error of a logical request. Intermediate
// attempt failures are only logged and counted.
type Error struct {
	Kind          error
	Integration   string
	Method        string
	URL           string // sanitized
	CorrelationID string
	StatusCode    int
	RequestID     string
	Attempts      int
	LastOutcome   retry.Outcome
	Err           error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s (integration=%s attempts=%d", e.Kind, e.Method, e.URL, e.Integration, e.Attempts)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " request_id=%s", e.RequestID)
	}
	if e.CorrelationID != "" {
		fmt.Fprintf(&b, " correlation_id=%s", e.CorrelationID)
	}
	b.WriteString(")")
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the last cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StatusError is the cause recorded for an unwanted response status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}
