package retry

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies the result of a single attempt.
type Kind int

const (
	KindSuccess Kind = iota
	KindRetryableStatus
	KindNonRetryableStatus
	KindTransport
	KindTimeout
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryableStatus:
		return "retryable_status"
	case KindNonRetryableStatus:
		return "non_retryable_status"
	case KindTransport:
		return "transport_error"
	case KindTimeout:
		return "timeout"
	case KindExhausted:
		return "retry_exhausted"
	default:
		return "unknown"
	}
}

// Retryable reports whether an attempt with this outcome may be retried.
func (k Kind) Retryable() bool {
	return k == KindRetryableStatus || k == KindTransport || k == KindTimeout
}

// Outcome is the classification of one attempt. StatusCode is 0 when no
// response was received.
type Outcome struct {
	Kind       Kind
	StatusCode int
}

func (o Outcome) String() string {
	if o.StatusCode != 0 {
		return fmt.Sprintf("%s(%d)", o.Kind, o.StatusCode)
	}
	return o.Kind.String()
}

// StatusSet is a set of HTTP status codes.
type StatusSet map[int]struct{}

// NewStatusSet builds a set from codes.
func NewStatusSet(codes ...int) StatusSet {
	s := make(StatusSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// DefaultRetryableStatuses are retried unless configured otherwise.
func DefaultRetryableStatuses() StatusSet {
	return NewStatusSet(
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	)
}

// Has reports whether code is in the set.
func (s StatusSet) Has(code int) bool {
	_, ok := s[code]
	return ok
}

// Codes returns the sorted codes of the set.
func (s StatusSet) Codes() []int {
	codes := make([]int, 0, len(s))
	for c := range s {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}

func (s StatusSet) String() string {
	parts := make([]string, 0, len(s))
	for _, c := range s.Codes() {
		parts = append(parts, strconv.Itoa(c))
	}
	return strings.Join(parts, ",")
}

// Classify maps a received status code to an outcome. Statuses in allowed
// short-circuit to success even outside 2xx.
func Classify(status int, allowed, retryable StatusSet) Outcome {
	switch {
	case allowed.Has(status):
		return Outcome{Kind: KindSuccess, StatusCode: status}
	case retryable.Has(status):
		return Outcome{Kind: KindRetryableStatus, StatusCode: status}
	case status >= 200 && status < 300:
		return Outcome{Kind: KindSuccess, StatusCode: status}
	default:
		return Outcome{Kind: KindNonRetryableStatus, StatusCode: status}
	}
}
