package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/kuroko/common/trace"
)

func TestEnsure(t *testing.T) {
	ctx := trace.Ensure(context.Background())
	id := trace.FromContext(ctx)
	if !strings.HasPrefix(id, "t_") {
		t.Fatalf("unexpected trace id %q", id)
	}
	if again := trace.FromContext(trace.Ensure(ctx)); again != id {
		t.Fatalf("Ensure replaced an existing id: %q != %q", again, id)
	}
}

func TestFromContext_Empty(t *testing.T) {
	if got := trace.FromContext(context.Background()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}
