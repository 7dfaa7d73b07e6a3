package correlation

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background(), "")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected generated uuid, got %q: %v", id, err)
	}
	if From(ctx) != id {
		t.Errorf("From(ctx) = %q, want %q", From(ctx), id)
	}

	// Existing id in the context wins over generation.
	ctx2, id2 := Ensure(ctx, "")
	if id2 != id || From(ctx2) != id {
		t.Errorf("expected id %q to be preserved, got %q", id, id2)
	}

	// Explicit id wins over context.
	_, id3 := Ensure(ctx, "job-42")
	if id3 != "job-42" {
		t.Errorf("expected explicit id, got %q", id3)
	}
}
