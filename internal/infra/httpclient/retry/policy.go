// Package retry decides when and how long to wait between attempts of one
// logical request. Everything here is a pure function of its inputs so it can
// be tested without any transport.
package retry

import (
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy bounds the retries of one call.
type Policy struct {
	MaxAttempts  int
	TotalTimeout time.Duration // 0 = no time budget
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Jitter       time.Duration // extra uniform(0, Jitter) added to computed backoff

	// Rand returns a float in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Attempt describes the state of a call after an attempt has finished.
type Attempt struct {
	Number        int // completed attempts, starting at 1
	Elapsed       time.Duration
	Outcome       Outcome
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// StopReason explains why no further attempt is made.
type StopReason string

const (
	StopNone        StopReason = ""
	StopSucceeded   StopReason = "succeeded"
	StopNotRetrying StopReason = "not_retryable"
	StopMaxAttempts StopReason = "max_attempts"
	StopBudget      StopReason = "time_budget"
)

// Decision is either a delay before the next attempt or a stop.
type Decision struct {
	Delay  time.Duration
	Stop   bool
	Reason StopReason
}

func stop(reason StopReason) Decision {
	return Decision{Stop: true, Reason: reason}
}

// NextDelay returns what to do after attempt a under policy p.
func NextDelay(a Attempt, p Policy) Decision {
	switch {
	case a.Outcome.Kind == KindSuccess:
		return stop(StopSucceeded)
	case !a.Outcome.Kind.Retryable():
		return stop(StopNotRetrying)
	case a.Number >= max(p.MaxAttempts, 1):
		return stop(StopMaxAttempts)
	case p.TotalTimeout > 0 && a.Elapsed >= p.TotalTimeout:
		return stop(StopBudget)
	}

	var delay time.Duration
	if a.HasRetryAfter {
		delay = a.RetryAfter
	} else {
		delay = Backoff(a.Number, p)
	}

	if p.TotalTimeout > 0 && a.Elapsed+delay >= p.TotalTimeout {
		return stop(StopBudget)
	}
	return Decision{Delay: delay}
}

// Backoff computes min(cap, uniform(0, base*2^attempt) + uniform(0, jitter)).
func Backoff(attempt int, p Policy) time.Duration {
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Float64
	}

	window := float64(p.BackoffBase) * math.Pow(2, float64(attempt))
	if p.BackoffCap > 0 && window > float64(p.BackoffCap) {
		window = float64(p.BackoffCap)
	}
	delay := rnd() * window
	if p.Jitter > 0 {
		delay += rnd() * float64(p.Jitter)
	}
	if p.BackoffCap > 0 && delay > float64(p.BackoffCap) {
		delay = float64(p.BackoffCap)
	}
	return time.Duration(delay)
}

// ParseRetryAfter parses a Retry-After value given as integer seconds or as
// an HTTP date. Dates in the past yield 0. Unparsable values report false.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return 0, false
		}
		if seconds > math.MaxInt64/int64(time.Second) {
			seconds = math.MaxInt64 / int64(time.Second)
		}
		return time.Duration(seconds) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	delta := at.Sub(now)
	if delta < 0 {
		delta = 0
	}
	return delta, true
}
