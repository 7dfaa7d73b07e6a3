package guard

import (
	"errors"
	"fmt"

	"github.com/vietddude/ingestkit/internal/core/domain"
)

// ErrInvalidOptions is returned before any store access when Options are incomplete.
var ErrInvalidOptions = errors.New("invalid process-once options")

// GuardError reports a load log failure of the guard itself, as opposed to
// an error returned by the guarded work.
type GuardError struct {
	Op     string
	Source string
	Key    domain.IdempotencyKey
	Err    error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("process once: %s %s/%s: %v", e.Op, e.Source, e.Key, e.Err)
}

func (e *GuardError) Unwrap() error { return e.Err }
