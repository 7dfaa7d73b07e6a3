// Package correlation threads a correlation id through contexts so that log
// lines, metrics and outbound requests of one job run can be tied together.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// Header is the HTTP header used to propagate the correlation id upstream.
const Header = "X-Correlation-Id"

type ctxKey struct{}

// New returns a fresh correlation id.
func New() string {
	return uuid.NewString()
}

// With returns a copy of ctx carrying id.
func With(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// From returns the correlation id stored in ctx, or "".
func From(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure returns ctx and its correlation id, generating one when absent.
func Ensure(ctx context.Context, id string) (context.Context, string) {
	if id == "" {
		id = From(ctx)
	}
	if id == "" {
		id = New()
	}
	return With(ctx, id), id
}
